// Package websocket streams delivered content to a websocket endpoint.
package websocket

import (
	"context"
	"net/http"
	"os"
	"sync"
	"time"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "websocket"

const defaultDialTimeout = 10 * time.Second

// Options configures the websocket destination.
type Options struct {
	URL         string            `json:"url"`
	Headers     map[string]string `json:"headers"`
	DialTimeout shared.Duration   `json:"dialTimeout"`
}

// envelope is the text frame carrying a values batch. Files follow their
// envelope as a binary frame.
type envelope struct {
	Source   string              `json:"source"`
	Type     content.Type        `json:"type"`
	Filename string              `json:"filename,omitempty"`
	Values   []content.TimeValue `json:"values,omitempty"`
}

// Connector keeps one websocket session and redials when it breaks.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger

	mu   sync.Mutex
	conn *websocket.Conn
}

var _ north.Connector = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("websocket", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("websocket", "url", opts.URL); err != nil {
		return nil, err
	}
	if opts.DialTimeout <= 0 {
		opts.DialTimeout = shared.Duration(defaultDialTimeout)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, logger: logger}, nil
}

// Connect dials the endpoint.
func (c *Connector) Connect(ctx context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.dialLocked(ctx)
}

func (c *Connector) dialLocked(ctx context.Context) error {
	if c.conn != nil {
		return nil
	}
	dialCtx, cancel := context.WithTimeout(ctx, c.opts.DialTimeout.Std())
	defer cancel()
	header := http.Header{}
	for k, v := range c.opts.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(dialCtx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return shared.Transport("websocket", "dial "+c.opts.URL, err)
	}
	// Nothing is expected back; CloseRead keeps control frames flowing.
	conn.CloseRead(context.Background())
	c.conn = conn
	c.logger.Debug("websocket connected", zap.String("url", c.opts.URL))
	return nil
}

// Disconnect closes the session.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.conn == nil {
		return nil
	}
	if err := c.conn.Close(websocket.StatusNormalClosure, "shutdown"); err != nil {
		c.logger.Debug("websocket close failed", zap.Error(err))
	}
	c.conn = nil
	return nil
}

func (c *Connector) Accepts() []content.Type {
	return []content.Type{content.TypeTimeValues, content.TypeFile}
}

// Send writes p. A broken session is dropped and redialled on the next Send.
func (c *Connector) Send(ctx context.Context, p content.Payload) error {
	env := envelope{Source: p.Source, Type: p.Type}
	var file []byte
	if p.Type == content.TypeFile {
		raw, err := os.ReadFile(p.FilePath)
		if err != nil {
			return shared.Rejected("websocket", "read payload file", err)
		}
		env.Filename, file = p.Filename, raw
	} else {
		env.Values = p.Values
	}
	frame, err := json.Marshal(env)
	if err != nil {
		return shared.Rejected("websocket", "encode envelope", err)
	}

	c.mu.Lock()
	defer c.mu.Unlock()
	if err := c.dialLocked(ctx); err != nil {
		return err
	}
	if err := c.conn.Write(ctx, websocket.MessageText, frame); err != nil {
		c.dropLocked()
		return shared.Transport("websocket", "write envelope", err)
	}
	if file != nil {
		if err := c.conn.Write(ctx, websocket.MessageBinary, file); err != nil {
			c.dropLocked()
			return shared.Transport("websocket", "write file", err)
		}
	}
	return nil
}

func (c *Connector) dropLocked() {
	if c.conn == nil {
		return
	}
	_ = c.conn.CloseNow()
	c.conn = nil
}
