// Package persistence opens the configured scan mode and metrics repositories.
package persistence

import (
	"context"
	"database/sql"
	"fmt"

	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/config"
	"github.com/coachpo/fieldgate/internal/infra/persistence/memory"
	"github.com/coachpo/fieldgate/internal/infra/persistence/migrations"
	"github.com/coachpo/fieldgate/internal/infra/persistence/postgres"
	"github.com/coachpo/fieldgate/internal/infra/persistence/sqlite"
)

// Store coordinates the repositories of one database backend.
type Store struct {
	driver    string
	scanModes scanmodestore.Store
	metrics   metricsstore.Store
	close     func() error
}

// Open connects to the backend selected by cfg. SQLite is always migrated;
// PostgreSQL only when RunMigrations is set.
func Open(ctx context.Context, cfg config.DatabaseConfig, logger *zap.Logger) (*Store, error) {
	if logger == nil {
		logger = zap.NewNop()
	}
	switch cfg.Driver {
	case config.DriverMemory:
		return &Store{
			driver:    cfg.Driver,
			scanModes: memory.NewScanModeStore(),
			metrics:   memory.NewMetricsStore(),
			close:     func() error { return nil },
		}, nil

	case config.DriverSQLite:
		db, err := sqlite.Open(ctx, cfg.DSN)
		if err != nil {
			return nil, err
		}
		if err := migrations.Apply(ctx, migrations.DriverSQLite, cfg.DSN, "", logger); err != nil {
			_ = db.Close()
			return nil, err
		}
		return newSQLStore(cfg.Driver, db), nil

	case config.DriverPostgres:
		if cfg.RunMigrations {
			if err := migrations.Apply(ctx, migrations.DriverPostgres, cfg.DSN, "", logger); err != nil {
				return nil, err
			}
		}
		pool, err := postgres.Connect(ctx, cfg.DSN, postgres.PoolOptions{
			MaxConns:          cfg.MaxConns,
			MinConns:          cfg.MinConns,
			MaxConnLifetime:   cfg.MaxConnLifetime,
			MaxConnIdleTime:   cfg.MaxConnIdleTime,
			HealthCheckPeriod: cfg.HealthCheckPeriod,
		})
		if err != nil {
			return nil, err
		}
		postgres.ObservePoolMetrics(pool, "primary")
		store := postgres.New(pool)
		return &Store{
			driver:    cfg.Driver,
			scanModes: store.ScanModes(),
			metrics:   store.Metrics(),
			close:     store.Close,
		}, nil

	default:
		return nil, fmt.Errorf("unsupported database driver %q", cfg.Driver)
	}
}

func newSQLStore(driver string, db *sql.DB) *Store {
	return &Store{
		driver:    driver,
		scanModes: sqlite.NewScanModeStore(db),
		metrics:   sqlite.NewMetricsStore(db),
		close:     db.Close,
	}
}

// Driver names the backend.
func (s *Store) Driver() string { return s.driver }

// ScanModes returns the scan mode repository.
func (s *Store) ScanModes() scanmodestore.Store { return s.scanModes }

// Metrics returns the metrics repository.
func (s *Store) Metrics() metricsstore.Store { return s.metrics }

// Close releases the backend.
func (s *Store) Close() error {
	if s == nil || s.close == nil {
		return nil
	}
	return s.close()
}
