package sqlite

import (
	"context"
	"database/sql"
	"fmt"

	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
)

const (
	metricsUpsertSQL = `
INSERT INTO connector_metrics (connector_id, kind, payload, updated_at)
VALUES (?, ?, ?, ?)
ON CONFLICT (connector_id) DO UPDATE SET
    kind = excluded.kind,
    payload = excluded.payload,
    updated_at = excluded.updated_at;
`
	metricsListSQL   = `SELECT connector_id, kind, payload, updated_at FROM connector_metrics ORDER BY connector_id;`
	metricsDeleteSQL = `DELETE FROM connector_metrics WHERE connector_id = ?;`
)

// MetricsStore persists metrics snapshots in SQLite.
type MetricsStore struct {
	db *sql.DB
}

// NewMetricsStore constructs a MetricsStore backed by db.
func NewMetricsStore(db *sql.DB) *MetricsStore {
	return &MetricsStore{db: db}
}

// Save upserts every record in one transaction.
func (s *MetricsStore) Save(ctx context.Context, records []metricsstore.Record) error {
	if s.db == nil {
		return fmt.Errorf("metrics store: nil db")
	}
	if len(records) == 0 {
		return nil
	}
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return fmt.Errorf("begin metrics tx: %w", err)
	}
	defer func() { _ = tx.Rollback() }()
	for _, rec := range records {
		if _, err := tx.ExecContext(ctx, metricsUpsertSQL, rec.ConnectorID, string(rec.Kind), string(rec.Payload), formatTime(rec.UpdatedAt)); err != nil {
			return fmt.Errorf("upsert metrics %s: %w", rec.ConnectorID, err)
		}
	}
	if err := tx.Commit(); err != nil {
		return fmt.Errorf("commit metrics tx: %w", err)
	}
	return nil
}

// Load returns every record ordered by connector id.
func (s *MetricsStore) Load(ctx context.Context) ([]metricsstore.Record, error) {
	if s.db == nil {
		return nil, fmt.Errorf("metrics store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, metricsListSQL)
	if err != nil {
		return nil, fmt.Errorf("list metrics: %w", err)
	}
	defer rows.Close()

	var records []metricsstore.Record
	for rows.Next() {
		var rec metricsstore.Record
		var kind, payload, updated string
		if err := rows.Scan(&rec.ConnectorID, &kind, &payload, &updated); err != nil {
			return nil, fmt.Errorf("scan metrics: %w", err)
		}
		rec.Kind = metricsstore.Kind(kind)
		rec.Payload = []byte(payload)
		if rec.UpdatedAt, err = parseTime(updated); err != nil {
			return nil, fmt.Errorf("parse updated_at of %s: %w", rec.ConnectorID, err)
		}
		records = append(records, rec)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate metrics: %w", err)
	}
	return records, nil
}

// Delete drops the record of a connector.
func (s *MetricsStore) Delete(ctx context.Context, connectorID string) error {
	if s.db == nil {
		return fmt.Errorf("metrics store: nil db")
	}
	if _, err := s.db.ExecContext(ctx, metricsDeleteSQL, connectorID); err != nil {
		return fmt.Errorf("delete metrics %s: %w", connectorID, err)
	}
	return nil
}

var _ metricsstore.Store = (*MetricsStore)(nil)
