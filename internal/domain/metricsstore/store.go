// Package metricsstore defines persistence contracts for connector metrics snapshots.
package metricsstore

import (
	"context"
	"time"

	json "github.com/goccy/go-json"
)

// Kind distinguishes destination and source metrics.
type Kind string

const (
	KindNorth Kind = "north"
	KindSouth Kind = "south"
)

// Record is the persisted snapshot of one connector's metrics.
type Record struct {
	ConnectorID string
	Kind        Kind
	Payload     json.RawMessage
	UpdatedAt   time.Time
}

// Store abstracts persistence operations for metrics snapshots.
type Store interface {
	Save(ctx context.Context, records []Record) error
	Load(ctx context.Context) ([]Record, error)
	Delete(ctx context.Context, connectorID string) error
}
