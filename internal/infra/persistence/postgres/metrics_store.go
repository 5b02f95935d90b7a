package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
)

const (
	metricsUpsertSQL = `
INSERT INTO connector_metrics (connector_id, kind, payload, updated_at)
VALUES ($1, $2, $3::jsonb, $4)
ON CONFLICT (connector_id) DO UPDATE SET
    kind = EXCLUDED.kind,
    payload = EXCLUDED.payload,
    updated_at = EXCLUDED.updated_at;
`
	metricsListSQL   = `SELECT connector_id, kind, payload, updated_at FROM connector_metrics ORDER BY connector_id;`
	metricsDeleteSQL = `DELETE FROM connector_metrics WHERE connector_id = $1;`
)

// MetricsStore persists metrics snapshots in PostgreSQL.
type MetricsStore struct {
	pool *pgxpool.Pool
}

// NewMetricsStore constructs a MetricsStore backed by the provided pgx pool.
func NewMetricsStore(pool *pgxpool.Pool) *MetricsStore {
	return &MetricsStore{pool: pool}
}

// Save upserts every record in one batch.
func (s *MetricsStore) Save(ctx context.Context, records []metricsstore.Record) error {
	if s.pool == nil {
		return fmt.Errorf("metrics store: nil pool")
	}
	if len(records) == 0 {
		return nil
	}
	batch := &pgx.Batch{}
	for _, rec := range records {
		batch.Queue(metricsUpsertSQL, rec.ConnectorID, string(rec.Kind), string(rec.Payload), rec.UpdatedAt.UTC())
	}
	if err := s.pool.SendBatch(ctx, batch).Close(); err != nil {
		return fmt.Errorf("upsert metrics: %w", err)
	}
	return nil
}

// Load returns every record ordered by connector id.
func (s *MetricsStore) Load(ctx context.Context) ([]metricsstore.Record, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("metrics store: nil pool")
	}
	rows, err := s.pool.Query(ctx, metricsListSQL)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var records []metricsstore.Record
	for rows.Next() {
		var rec metricsstore.Record
		var kind string
		var payload []byte
		if err := rows.Scan(&rec.ConnectorID, &kind, &payload, &rec.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		rec.Kind = metricsstore.Kind(kind)
		rec.Payload = payload
		rec.UpdatedAt = rec.UpdatedAt.UTC()
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return records, nil
}

// Delete drops the record of a connector.
func (s *MetricsStore) Delete(ctx context.Context, connectorID string) error {
	if s.pool == nil {
		return fmt.Errorf("metrics store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, metricsDeleteSQL, connectorID); err != nil {
		return fmt.Errorf("delete metrics %s: %w", connectorID, err)
	}
	return nil
}

var _ metricsstore.Store = (*MetricsStore)(nil)
