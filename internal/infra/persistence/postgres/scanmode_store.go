package postgres

import (
	"context"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"

	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

const (
	scanModeInsertSQL = `
INSERT INTO scan_modes (id, name, description, cron, created_at, updated_at)
VALUES ($1, $2, $3, $4, $5, $6);
`
	scanModeUpdateSQL = `
UPDATE scan_modes SET name = $2, description = $3, cron = $4, updated_at = $5
WHERE id = $1;
`
	scanModeDeleteSQL = `DELETE FROM scan_modes WHERE id = $1;`
	scanModeSelectSQL = `
SELECT id, name, description, cron, created_at, updated_at
FROM scan_modes
`
)

// ScanModeStore persists scan modes in PostgreSQL.
type ScanModeStore struct {
	pool *pgxpool.Pool
}

// NewScanModeStore constructs a ScanModeStore backed by the provided pgx pool.
func NewScanModeStore(pool *pgxpool.Pool) *ScanModeStore {
	return &ScanModeStore{pool: pool}
}

// Create inserts a scan mode.
func (s *ScanModeStore) Create(ctx context.Context, mode scanmodestore.ScanMode) error {
	if s.pool == nil {
		return fmt.Errorf("scan mode store: nil pool")
	}
	if _, err := s.pool.Exec(ctx, scanModeInsertSQL, mode.ID, mode.Name, mode.Description, mode.Cron,
		mode.CreatedAt.UTC(), mode.UpdatedAt.UTC()); err != nil {
		return fmt.Errorf("insert scan mode %s: %w", mode.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a scan mode.
func (s *ScanModeStore) Update(ctx context.Context, mode scanmodestore.ScanMode) error {
	if s.pool == nil {
		return fmt.Errorf("scan mode store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, scanModeUpdateSQL, mode.ID, mode.Name, mode.Description, mode.Cron, mode.UpdatedAt.UTC())
	if err != nil {
		return fmt.Errorf("update scan mode %s: %w", mode.ID, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, mode.ID)
	}
	return nil
}

// Delete removes a scan mode.
func (s *ScanModeStore) Delete(ctx context.Context, id string) error {
	if s.pool == nil {
		return fmt.Errorf("scan mode store: nil pool")
	}
	tag, err := s.pool.Exec(ctx, scanModeDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("delete scan mode %s: %w", id, err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
	}
	return nil
}

// Get loads a scan mode by id.
func (s *ScanModeStore) Get(ctx context.Context, id string) (scanmodestore.ScanMode, error) {
	if s.pool == nil {
		return scanmodestore.ScanMode{}, fmt.Errorf("scan mode store: nil pool")
	}
	var mode scanmodestore.ScanMode
	err := s.pool.QueryRow(ctx, scanModeSelectSQL+"WHERE id = $1;", id).
		Scan(&mode.ID, &mode.Name, &mode.Description, &mode.Cron, &mode.CreatedAt, &mode.UpdatedAt)
	if errors.Is(err, pgx.ErrNoRows) {
		return scanmodestore.ScanMode{}, fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
	}
	if err != nil {
		return scanmodestore.ScanMode{}, fmt.Errorf("load scan mode %s: %w", id, err)
	}
	return normalizeTimes(mode), nil
}

// List returns every scan mode ordered by name.
func (s *ScanModeStore) List(ctx context.Context) ([]scanmodestore.ScanMode, error) {
	if s.pool == nil {
		return nil, fmt.Errorf("scan mode store: nil pool")
	}
	rows, err := s.pool.Query(ctx, scanModeSelectSQL+"ORDER BY name, id;")
	if err != nil {
		return nil, fmt.Errorf("list scan modes: %w", err)
	}
	defer rows.Close()

	var modes []scanmodestore.ScanMode
	for rows.Next() {
		var mode scanmodestore.ScanMode
		if err := rows.Scan(&mode.ID, &mode.Name, &mode.Description, &mode.Cron, &mode.CreatedAt, &mode.UpdatedAt); err != nil {
			return nil, fmt.Errorf("scan scan mode: %w", err)
		}
		modes = append(modes, normalizeTimes(mode))
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan modes: %w", err)
	}
	return modes, nil
}

func normalizeTimes(mode scanmodestore.ScanMode) scanmodestore.ScanMode {
	mode.CreatedAt = mode.CreatedAt.UTC()
	mode.UpdatedAt = mode.UpdatedAt.UTC()
	return mode
}

var _ scanmodestore.Store = (*ScanModeStore)(nil)
