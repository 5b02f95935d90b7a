// Package postgres reads history from PostgreSQL queries.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "postgres"

const (
	defaultReadWindow = time.Hour
	timestampColumn   = "timestamp"
	pointColumn       = "point_id"
)

// Options configures the PostgreSQL source.
type Options struct {
	DSN string `json:"dsn"`
	// ReadWindow is how far back the first query of an item reaches.
	ReadWindow shared.Duration `json:"readWindow"`
}

// ItemSettings holds the query of one item. It receives @start and @end and
// must return a timestamp column; a point_id column overrides the item name
// and every other column lands in the value data.
type ItemSettings struct {
	Query string `json:"query"`
}

// Connector runs item queries over a sliding time window.
type Connector struct {
	id     string
	opts   Options
	clock  clockwork.Clock
	logger *zap.Logger

	mu   sync.Mutex
	pool *pgxpool.Pool
	last map[string]time.Time
}

var _ south.Poller = (*Connector)(nil)

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("postgres", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("postgres", "dsn", opts.DSN); err != nil {
		return nil, err
	}
	if opts.ReadWindow <= 0 {
		opts.ReadWindow = shared.Duration(defaultReadWindow)
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{
		id:     id,
		opts:   opts,
		clock:  clockwork.NewRealClock(),
		logger: logger,
		last:   make(map[string]time.Time),
	}, nil
}

// WithClock replaces the clock bounding query windows.
func (c *Connector) WithClock(clock clockwork.Clock) *Connector {
	c.clock = clock
	return c
}

// Connect opens the pool.
func (c *Connector) Connect(ctx context.Context) error {
	pool, err := pgxpool.New(ctx, c.opts.DSN)
	if err != nil {
		return shared.Transport("postgres", "open pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return shared.Transport("postgres", "ping", err)
	}
	c.mu.Lock()
	c.pool = pool
	c.mu.Unlock()
	return nil
}

// Disconnect closes the pool.
func (c *Connector) Disconnect(context.Context) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.pool != nil {
		c.pool.Close()
		c.pool = nil
	}
	return nil
}

// Poll runs each item query from the last timestamp seen to now.
func (c *Connector) Poll(ctx context.Context, _ string, items []south.Item, sink south.Sink) error {
	c.mu.Lock()
	pool := c.pool
	c.mu.Unlock()
	if pool == nil {
		return shared.Disconnected("postgres")
	}
	var errList []error
	for _, item := range items {
		if err := c.pollItem(ctx, pool, item, sink); err != nil {
			if errs.IsCode(err, errs.CodeCapacity) || errs.IsCode(err, errs.CodeTransport) {
				return err
			}
			errList = append(errList, fmt.Errorf("item %s: %w", item.ID, err))
		}
	}
	return errors.Join(errList...)
}

func (c *Connector) pollItem(ctx context.Context, pool *pgxpool.Pool, item south.Item, sink south.Sink) error {
	var settings ItemSettings
	if err := shared.Decode("postgres", item.Settings, &settings); err != nil {
		return err
	}
	if err := shared.Required("postgres", "query", settings.Query); err != nil {
		return err
	}
	end := c.clock.Now().UTC()
	c.mu.Lock()
	start, ok := c.last[item.ID]
	c.mu.Unlock()
	if !ok {
		start = end.Add(-c.opts.ReadWindow.Std())
	}

	rows, err := pool.Query(ctx, settings.Query, pgx.NamedArgs{"start": start, "end": end})
	if err != nil {
		return shared.Transport("postgres", "query", err)
	}
	records, err := pgx.CollectRows(rows, pgx.RowToMap)
	if err != nil {
		return shared.Transport("postgres", "read rows", err)
	}
	if len(records) == 0 {
		return nil
	}

	values := make([]content.TimeValue, 0, len(records))
	newest := start
	for _, rec := range records {
		v, err := toValue(item.Name, rec)
		if err != nil {
			return shared.Invalid("postgres", err.Error())
		}
		if v.Timestamp.After(newest) {
			newest = v.Timestamp
		}
		values = append(values, v)
	}
	if err := sink.Ingest(ctx, content.Values(values...)); err != nil {
		return err
	}
	c.mu.Lock()
	c.last[item.ID] = newest
	c.mu.Unlock()
	c.logger.Debug("query ingested", zap.String("item", item.Name), zap.Int("rows", len(values)))
	return nil
}

func toValue(pointID string, rec map[string]any) (content.TimeValue, error) {
	ts, ok := rec[timestampColumn].(time.Time)
	if !ok {
		return content.TimeValue{}, fmt.Errorf("query must return a %q column of a timestamp type", timestampColumn)
	}
	if id, ok := rec[pointColumn].(string); ok && id != "" {
		pointID = id
	}
	data := make(map[string]any, len(rec))
	for k, v := range rec {
		if k != timestampColumn && k != pointColumn {
			data[k] = v
		}
	}
	raw, err := json.Marshal(data)
	if err != nil {
		return content.TimeValue{}, err
	}
	return content.TimeValue{PointID: pointID, Timestamp: ts.UTC(), Data: raw}, nil
}
