// Package folderscanner picks up files dropped into a local folder.
package folderscanner

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"regexp"
	"sort"
	"sync"
	"time"

	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "folder-scanner"

// Options configures the scanner.
type Options struct {
	InputFolder string `json:"inputFolder"`
}

// ItemSettings selects files for one item.
type ItemSettings struct {
	// Regex matches file names. Empty matches everything.
	Regex string `json:"regex"`
	// MinAge skips files modified more recently, so writers can finish.
	MinAge shared.Duration `json:"minAge"`
	// PreserveFiles leaves files in place; each version is sent once.
	PreserveFiles bool `json:"preserveFiles"`
}

// Connector ingests matching files on every poll.
type Connector struct {
	id     string
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger

	mu       sync.Mutex
	patterns map[string]*regexp.Regexp
	sent     map[string]time.Time
}

var _ south.Poller = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("folder-scanner", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("folder-scanner", "inputFolder", opts.InputFolder); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		id:       id,
		opts:     opts,
		clock:    clockwork.NewRealClock(),
		logger:   logger,
		patterns: make(map[string]*regexp.Regexp),
		sent:     make(map[string]time.Time),
	}, nil
}

// WithClock replaces the clock used for MinAge.
func (c *Connector) WithClock(clock clockwork.Clock) *Connector {
	c.clock = clock
	return c
}

// Connect checks the input folder is readable.
func (c *Connector) Connect(context.Context) error {
	info, err := os.Stat(c.opts.InputFolder)
	if err != nil {
		return shared.Transport("folder-scanner", "stat input folder", err)
	}
	if !info.IsDir() {
		return shared.Invalid("folder-scanner", fmt.Sprintf("%s is not a directory", c.opts.InputFolder))
	}
	return nil
}

func (c *Connector) Disconnect(context.Context) error { return nil }

// Poll ingests every eligible file for items. A file matched by several items
// is sent once.
func (c *Connector) Poll(ctx context.Context, _ string, items []south.Item, sink south.Sink) error {
	entries, err := os.ReadDir(c.opts.InputFolder)
	if err != nil {
		return shared.Transport("folder-scanner", "read input folder", err)
	}
	names := make([]string, 0, len(entries))
	for _, e := range entries {
		if e.Type().IsRegular() {
			names = append(names, e.Name())
		}
	}
	sort.Strings(names)

	now := c.clock.Now()
	handled := make(map[string]struct{})
	var errList []error
	for _, item := range items {
		settings, re, err := c.itemSettings(item)
		if err != nil {
			errList = append(errList, err)
			continue
		}
		for _, name := range names {
			if _, done := handled[name]; done || (re != nil && !re.MatchString(name)) {
				continue
			}
			if err := ctx.Err(); err != nil {
				return err
			}
			path := filepath.Join(c.opts.InputFolder, name)
			info, err := os.Stat(path)
			if err != nil {
				continue
			}
			if now.Sub(info.ModTime()) < settings.MinAge.Std() {
				continue
			}
			if settings.PreserveFiles && c.alreadySent(path, info.ModTime()) {
				continue
			}
			if err := sink.Ingest(ctx, content.File(path)); err != nil {
				if errs.IsCode(err, errs.CodeCapacity) {
					return err
				}
				errList = append(errList, fmt.Errorf("ingest %s: %w", name, err))
				continue
			}
			handled[name] = struct{}{}
			if settings.PreserveFiles {
				c.markSent(path, info.ModTime())
			} else if err := os.Remove(path); err != nil && !errors.Is(err, os.ErrNotExist) {
				c.logger.Warn("remove ingested file failed", zap.String("file", path), zap.Error(err))
			}
			c.logger.Debug("file ingested", zap.String("file", name), zap.String("item", item.Name))
		}
	}
	return errors.Join(errList...)
}

func (c *Connector) itemSettings(item south.Item) (ItemSettings, *regexp.Regexp, error) {
	var settings ItemSettings
	if err := shared.Decode("folder-scanner", item.Settings, &settings); err != nil {
		return settings, nil, fmt.Errorf("item %s: %w", item.ID, err)
	}
	if settings.Regex == "" {
		return settings, nil, nil
	}
	c.mu.Lock()
	defer c.mu.Unlock()
	if re, ok := c.patterns[settings.Regex]; ok {
		return settings, re, nil
	}
	re, err := regexp.Compile(settings.Regex)
	if err != nil {
		return settings, nil, shared.Invalid("folder-scanner", fmt.Sprintf("item %s: invalid regex: %v", item.ID, err))
	}
	c.patterns[settings.Regex] = re
	return settings, re, nil
}

func (c *Connector) alreadySent(path string, modTime time.Time) bool {
	c.mu.Lock()
	defer c.mu.Unlock()
	last, ok := c.sent[path]
	return ok && !modTime.After(last)
}

func (c *Connector) markSent(path string, modTime time.Time) {
	c.mu.Lock()
	c.sent[path] = modTime
	c.mu.Unlock()
}
