// Package console prints delivered content, for commissioning and debugging.
package console

import (
	"context"
	"fmt"
	"io"
	"os"
	"sync"

	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "console"

// Options configures the console destination.
type Options struct {
	// Verbose prints every value instead of a one-line summary.
	Verbose bool `json:"verbose"`
}

// Connector writes payloads to an io.Writer.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger

	mu  sync.Mutex
	out io.Writer
}

var _ north.Connector = (*Connector)(nil)

// New builds a console destination writing to stdout.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("console", options, &opts); err != nil {
		return nil, err
	}
	return NewWithWriter(id, opts, os.Stdout, logger), nil
}

// NewWithWriter builds a console destination writing to out.
func NewWithWriter(id string, opts Options, out io.Writer, logger *zap.Logger) *Connector {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, out: out, logger: logger}
}

func (c *Connector) Connect(context.Context) error { return nil }

func (c *Connector) Disconnect(context.Context) error { return nil }

func (c *Connector) Accepts() []content.Type {
	return []content.Type{content.TypeTimeValues, content.TypeFile}
}

// Send prints p.
func (c *Connector) Send(_ context.Context, p content.Payload) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	var err error
	switch {
	case p.Type == content.TypeFile:
		size := p.Size()
		if info, statErr := os.Stat(p.FilePath); statErr == nil {
			size = info.Size()
		}
		_, err = fmt.Fprintf(c.out, "[%s] file %s from %s (%d bytes)\n", c.id, p.Filename, p.Source, size)
	case c.opts.Verbose:
		enc := json.NewEncoder(c.out)
		for _, v := range p.Values {
			if err = enc.Encode(v); err != nil {
				break
			}
		}
	default:
		_, err = fmt.Fprintf(c.out, "[%s] %d values from %s\n", c.id, len(p.Values), p.Source)
	}
	if err != nil {
		return shared.Transport("console", "write payload", err)
	}
	return nil
}
