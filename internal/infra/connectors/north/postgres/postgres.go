// Package postgres inserts delivered values into a PostgreSQL table.
package postgres

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgconn"
	"github.com/jackc/pgx/v5/pgxpool"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/connectors/shared"
)

// Type is the registry key.
const Type = "postgres"

const defaultTable = "fieldgate_values"

// Options configures the PostgreSQL destination.
type Options struct {
	DSN    string `json:"dsn"`
	Schema string `json:"schema"`
	Table  string `json:"table"`
	// CreateTable creates the target table on connect when it is missing.
	CreateTable bool  `json:"createTable"`
	MaxConns    int32 `json:"maxConns"`
}

// Connector copies value batches into one table.
type Connector struct {
	id     string
	opts   Options
	logger *zap.Logger
	table  pgx.Identifier

	mu   sync.RWMutex
	pool *pgxpool.Pool
}

var _ north.Connector = (*Connector)(nil)

var columns = []string{"point_id", "ts", "data", "source"}

// New validates options.
func New(id string, options map[string]any, logger *zap.Logger) (*Connector, error) {
	var opts Options
	if err := shared.Decode("postgres", options, &opts); err != nil {
		return nil, err
	}
	if err := shared.Required("postgres", "dsn", opts.DSN); err != nil {
		return nil, err
	}
	if _, err := pgxpool.ParseConfig(opts.DSN); err != nil {
		return nil, shared.Invalid("postgres", fmt.Sprintf("invalid dsn: %v", err))
	}
	if strings.TrimSpace(opts.Table) == "" {
		opts.Table = defaultTable
	}
	table := pgx.Identifier{opts.Table}
	if opts.Schema != "" {
		table = pgx.Identifier{opts.Schema, opts.Table}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Connector{id: id, opts: opts, logger: logger, table: table}, nil
}

// Connect opens the pool and checks the server answers.
func (c *Connector) Connect(ctx context.Context) error {
	cfg, err := pgxpool.ParseConfig(c.opts.DSN)
	if err != nil {
		return shared.Invalid("postgres", fmt.Sprintf("invalid dsn: %v", err))
	}
	if c.opts.MaxConns > 0 {
		cfg.MaxConns = c.opts.MaxConns
	}
	pool, err := pgxpool.NewWithConfig(ctx, cfg)
	if err != nil {
		return shared.Transport("postgres", "open pool", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return shared.Transport("postgres", "ping", err)
	}
	if c.opts.CreateTable {
		ddl := fmt.Sprintf(`CREATE TABLE IF NOT EXISTS %s (
	point_id TEXT NOT NULL,
	ts TIMESTAMPTZ NOT NULL,
	data JSONB,
	source TEXT NOT NULL DEFAULT ''
)`, c.table.Sanitize())
		if _, err := pool.Exec(ctx, ddl); err != nil {
			pool.Close()
			return classify("create table", err)
		}
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

func (c *Connector) Accepts() []content.Type {
	return []content.Type{content.TypeTimeValues}
}

// Send copies the batch in one COPY statement.
func (c *Connector) Send(ctx context.Context, p content.Payload) error {
	c.mu.RLock()
	pool := c.pool
	c.mu.RUnlock()
	if pool == nil {
		return shared.Disconnected("postgres")
	}
	rows := make([][]any, len(p.Values))
	for i, v := range p.Values {
		var data any
		if len(v.Data) > 0 {
			data = string(v.Data)
		}
		rows[i] = []any{v.PointID, v.Timestamp, data, p.Source}
	}
	n, err := pool.CopyFrom(ctx, c.table, columns, pgx.CopyFromRows(rows))
	if err != nil {
		return classify("copy values", err)
	}
	c.logger.Debug("values inserted", zap.Int64("rows", n))
	return nil
}

// classify rejects data errors (class 22) and integrity violations (class 23)
// permanently; everything else is retried.
func classify(op string, err error) error {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) && (strings.HasPrefix(pgErr.Code, "22") || strings.HasPrefix(pgErr.Code, "23")) {
		return shared.Rejected("postgres", op, err)
	}
	return shared.Transport("postgres", op, err)
}
