package sqlite

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

const (
	scanModeInsertSQL = `
INSERT INTO scan_modes (id, name, description, cron, created_at, updated_at)
VALUES (?, ?, ?, ?, ?, ?);
`
	scanModeUpdateSQL = `
UPDATE scan_modes SET name = ?, description = ?, cron = ?, updated_at = ?
WHERE id = ?;
`
	scanModeDeleteSQL = `DELETE FROM scan_modes WHERE id = ?;`
	scanModeSelectSQL = `
SELECT id, name, description, cron, created_at, updated_at
FROM scan_modes
`
)

// ScanModeStore persists scan modes in SQLite.
type ScanModeStore struct {
	db *sql.DB
}

// NewScanModeStore constructs a ScanModeStore backed by db.
func NewScanModeStore(db *sql.DB) *ScanModeStore {
	return &ScanModeStore{db: db}
}

// Create inserts a scan mode.
func (s *ScanModeStore) Create(ctx context.Context, mode scanmodestore.ScanMode) error {
	if s.db == nil {
		return fmt.Errorf("scan mode store: nil db")
	}
	if _, err := s.db.ExecContext(ctx, scanModeInsertSQL, mode.ID, mode.Name, mode.Description, mode.Cron,
		formatTime(mode.CreatedAt), formatTime(mode.UpdatedAt)); err != nil {
		return fmt.Errorf("insert scan mode %s: %w", mode.ID, err)
	}
	return nil
}

// Update replaces the mutable fields of a scan mode.
func (s *ScanModeStore) Update(ctx context.Context, mode scanmodestore.ScanMode) error {
	if s.db == nil {
		return fmt.Errorf("scan mode store: nil db")
	}
	res, err := s.db.ExecContext(ctx, scanModeUpdateSQL, mode.Name, mode.Description, mode.Cron, formatTime(mode.UpdatedAt), mode.ID)
	if err != nil {
		return fmt.Errorf("update scan mode %s: %w", mode.ID, err)
	}
	return requireRow(res, mode.ID)
}

// Delete removes a scan mode.
func (s *ScanModeStore) Delete(ctx context.Context, id string) error {
	if s.db == nil {
		return fmt.Errorf("scan mode store: nil db")
	}
	res, err := s.db.ExecContext(ctx, scanModeDeleteSQL, id)
	if err != nil {
		return fmt.Errorf("delete scan mode %s: %w", id, err)
	}
	return requireRow(res, id)
}

// Get loads a scan mode by id.
func (s *ScanModeStore) Get(ctx context.Context, id string) (scanmodestore.ScanMode, error) {
	if s.db == nil {
		return scanmodestore.ScanMode{}, fmt.Errorf("scan mode store: nil db")
	}
	mode, err := scanMode(s.db.QueryRowContext(ctx, scanModeSelectSQL+"WHERE id = ?;", id))
	if errors.Is(err, sql.ErrNoRows) {
		return scanmodestore.ScanMode{}, fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
	}
	return mode, err
}

// List returns every scan mode ordered by name.
func (s *ScanModeStore) List(ctx context.Context) ([]scanmodestore.ScanMode, error) {
	if s.db == nil {
		return nil, fmt.Errorf("scan mode store: nil db")
	}
	rows, err := s.db.QueryContext(ctx, scanModeSelectSQL+"ORDER BY name, id;")
	if err != nil {
		return nil, fmt.Errorf("list scan modes: %w", err)
	}
	defer rows.Close()

	var modes []scanmodestore.ScanMode
	for rows.Next() {
		mode, err := scanMode(rows)
		if err != nil {
			return nil, err
		}
		modes = append(modes, mode)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate scan modes: %w", err)
	}
	return modes, nil
}

type scanner interface {
	Scan(dest ...any) error
}

func scanMode(row scanner) (scanmodestore.ScanMode, error) {
	var mode scanmodestore.ScanMode
	var created, updated string
	if err := row.Scan(&mode.ID, &mode.Name, &mode.Description, &mode.Cron, &created, &updated); err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return mode, err
		}
		return mode, fmt.Errorf("scan scan mode: %w", err)
	}
	var err error
	if mode.CreatedAt, err = parseTime(created); err != nil {
		return mode, fmt.Errorf("parse created_at of %s: %w", mode.ID, err)
	}
	if mode.UpdatedAt, err = parseTime(updated); err != nil {
		return mode, fmt.Errorf("parse updated_at of %s: %w", mode.ID, err)
	}
	return mode, nil
}

func requireRow(res sql.Result, id string) error {
	n, err := res.RowsAffected()
	if err != nil {
		return fmt.Errorf("rows affected: %w", err)
	}
	if n == 0 {
		return fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
	}
	return nil
}

var _ scanmodestore.Store = (*ScanModeStore)(nil)
