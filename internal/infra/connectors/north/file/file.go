// Package file writes delivered content into a local folder.
package file

import (
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"

	json "github.com/goccy/go-json"
	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "file"

// Options configures the folder destination.
type Options struct {
	Folder string `json:"folder"`
	Prefix string `json:"prefix"`
	Suffix string `json:"suffix"`
}

// Connector copies files and writes value batches as JSON documents.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger
}

var _ north.Connector = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("file", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("file", "folder", opts.Folder); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, logger: logger}, nil
}

// Connect creates the output folder.
func (c *Connector) Connect(context.Context) error {
	if err := os.MkdirAll(c.opts.Folder, 0o755); err != nil {
		return shared.Transport("file", "create output folder", err)
	}
	return nil
}

func (c *Connector) Disconnect(context.Context) error { return nil }

func (c *Connector) Accepts() []content.Type {
	return []content.Type{content.TypeTimeValues, content.TypeFile}
}

// Send writes p under the output folder. The target appears atomically.
func (c *Connector) Send(_ context.Context, p content.Payload) error {
	var name string
	var write func(io.Writer) error
	if p.Type == content.TypeFile {
		ext := filepath.Ext(p.Filename)
		base := strings.TrimSuffix(p.Filename, ext)
		name = c.opts.Prefix + base + c.opts.Suffix + ext
		write = func(w io.Writer) error {
			src, err := os.Open(p.FilePath)
			if err != nil {
				return err
			}
			defer src.Close()
			_, err = io.Copy(w, src)
			return err
		}
	} else {
		name = c.opts.Prefix + uuid.NewString() + c.opts.Suffix + ".json"
		write = func(w io.Writer) error {
			return json.NewEncoder(w).Encode(p.Values)
		}
	}
	target := filepath.Join(c.opts.Folder, name)
	if err := writeAtomic(target, write); err != nil {
		return shared.Transport("file", fmt.Sprintf("write %s", name), err)
	}
	c.logger.Debug("content written", zap.String("file", target))
	return nil
}

func writeAtomic(target string, write func(io.Writer) error) error {
	tmp, err := os.CreateTemp(filepath.Dir(target), ".tmp-*")
	if err != nil {
		return err
	}
	defer os.Remove(tmp.Name())
	if err := write(tmp); err != nil {
		tmp.Close()
		return err
	}
	if err := tmp.Close(); err != nil {
		return err
	}
	return os.Rename(tmp.Name(), target)
}
