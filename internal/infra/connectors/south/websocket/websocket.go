// Package websocket subscribes to values pushed over a websocket.
package websocket

import (
	"bytes"
	"context"
	"fmt"
	"net/http"
	"net/url"

	"github.com/coder/websocket"
	json "github.com/goccy/go-json"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "websocket"

const readLimit = 2 * 1024 * 1024

// Options configures the websocket source.
type Options struct {
	URL     string            `json:"url"`
	Headers map[string]string `json:"headers"`
}

// Connector streams text frames holding one value, an array of values or a
// {"values": [...]} document. Only values of subscribed items are kept.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger
}

var _ south.Subscriber = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("websocket", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("websocket", "url", opts.URL); err != nil {
		return nil, err
	}
	u, err := url.Parse(opts.URL)
	if err != nil || (u.Scheme != "ws" && u.Scheme != "wss") {
		return nil, shared.Invalid("websocket", fmt.Sprintf("url %q must use ws or wss", opts.URL))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, logger: logger}, nil
}

// Connect is a no-op; each subscription owns its session.
func (c *Connector) Connect(context.Context) error { return nil }

func (c *Connector) Disconnect(context.Context) error { return nil }

// Subscribe dials and forwards values until ctx ends or the session breaks.
func (c *Connector) Subscribe(ctx context.Context, items []south.Item, sink south.Sink) error {
	wanted := make(map[string]struct{}, len(items))
	for _, item := range items {
		wanted[item.Name] = struct{}{}
	}
	header := http.Header{}
	for k, v := range c.opts.Headers {
		header.Set(k, v)
	}
	conn, _, err := websocket.Dial(ctx, c.opts.URL, &websocket.DialOptions{HTTPHeader: header})
	if err != nil {
		return shared.Transport("websocket", "dial "+c.opts.URL, err)
	}
	defer conn.CloseNow()
	conn.SetReadLimit(readLimit)
	c.logger.Info("subscription established", zap.String("url", c.opts.URL), zap.Int("items", len(items)))

	for {
		typ, data, err := conn.Read(ctx)
		if err != nil {
			if ctx.Err() != nil {
				_ = conn.Close(websocket.StatusNormalClosure, "shutdown")
				return ctx.Err()
			}
			return shared.Transport("websocket", "read", err)
		}
		if typ != websocket.MessageText {
			continue
		}
		values, err := decode(data)
		if err != nil {
			c.logger.Warn("discarding malformed frame", zap.Error(err))
			continue
		}
		kept := values[:0]
		for _, v := range values {
			if _, ok := wanted[v.PointID]; ok {
				kept = append(kept, v)
			}
		}
		if len(kept) == 0 {
			continue
		}
		if err := sink.Ingest(ctx, content.Values(kept...)); err != nil {
			if errs.IsCode(err, errs.CodeCapacity) {
				c.logger.Warn("cache full, values dropped", zap.Int("values", len(kept)))
				continue
			}
			return err
		}
	}
}

func decode(data []byte) ([]content.TimeValue, error) {
	trimmed := bytes.TrimSpace(data)
	switch {
	case len(trimmed) == 0:
		return nil, fmt.Errorf("empty frame")
	case trimmed[0] == '[':
		var values []content.TimeValue
		err := json.Unmarshal(trimmed, &values)
		return values, err
	}
	var doc struct {
		Values []content.TimeValue `json:"values"`
		content.TimeValue
	}
	if err := json.Unmarshal(trimmed, &doc); err != nil {
		return nil, err
	}
	if doc.Values != nil {
		return doc.Values, nil
	}
	if doc.PointID == "" {
		return nil, fmt.Errorf("frame carries no values")
	}
	return []content.TimeValue{doc.TimeValue}, nil
}
