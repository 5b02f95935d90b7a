// Package fake generates synthetic readings for commissioning without hardware.
package fake

import (
	"context"
	"fmt"
	"math/rand/v2"
	"sync"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "fake"

// Options bounds the generated values.
type Options struct {
	Min       float64 `json:"min"`
	Max       float64 `json:"max"`
	Precision int32   `json:"precision"`
}

// Connector produces one value per item on every poll.
type Connector struct {
	id     string
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger

	mu  sync.Mutex
	rng *rand.Rand
}

var _ south.Poller = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	opts := Options{Max: 100, Precision: 2}
	if err := shared.Decode("fake", options, &opts); err != nil {
		return nil, err
	}
	if opts.Max < opts.Min {
		return nil, shared.Invalid("fake", fmt.Sprintf("max %v is below min %v", opts.Max, opts.Min))
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		id:     id,
		opts:   opts,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		rng:    rand.New(rand.NewPCG(rand.Uint64(), rand.Uint64())),
	}, nil
}

// WithSeed makes generated values reproducible.
func (c *Connector) WithSeed(seed uint64, clock clockwork.Clock) *Connector {
	c.rng = rand.New(rand.NewPCG(seed, seed))
	if clock != nil {
		c.clock = clock
	}
	return c
}

func (c *Connector) Connect(context.Context) error { return nil }

func (c *Connector) Disconnect(context.Context) error { return nil }

// Poll emits a value for every item.
func (c *Connector) Poll(ctx context.Context, _ string, items []south.Item, sink south.Sink) error {
	now := c.clock.Now().UTC()
	values := make([]content.TimeValue, 0, len(items))
	c.mu.Lock()
	for _, item := range items {
		v := decimal.NewFromFloat(c.opts.Min + c.rng.Float64()*(c.opts.Max-c.opts.Min)).Round(c.opts.Precision)
		data, err := json.Marshal(map[string]any{"value": json.Number(v.String())})
		if err != nil {
			c.mu.Unlock()
			return err
		}
		values = append(values, content.TimeValue{PointID: item.Name, Timestamp: now, Data: data})
	}
	c.mu.Unlock()
	if len(values) == 0 {
		return nil
	}
	return sink.Ingest(ctx, content.Values(values...))
}
