// Package migrations wires golang-migrate execution for the fieldgate persistence layer.
package migrations

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"io/fs"
	"net/url"
	"os"
	"path/filepath"
	"strings"
	"sync"

	"github.com/golang-migrate/migrate/v4"
	"github.com/golang-migrate/migrate/v4/database"
	pgxv5 "github.com/golang-migrate/migrate/v4/database/pgx/v5"
	"github.com/golang-migrate/migrate/v4/database/sqlite"
	_ "github.com/golang-migrate/migrate/v4/source/file" // file:// migrations loader
	"github.com/golang-migrate/migrate/v4/source/iofs"
	_ "github.com/jackc/pgx/v5/stdlib"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	_ "modernc.org/sqlite"

	dbmigrations "github.com/coachpo/fieldgate/db/migrations"
	"github.com/coachpo/fieldgate/internal/infra/telemetry"
)

// Supported drivers.
const (
	DriverPostgres = "postgres"
	DriverSQLite   = "sqlite"
)

var (
	errNotDirectory = errors.New("migrations path must be a directory")
	errDriver       = errors.New("unsupported migrations driver")

	migrationsCounter   metric.Int64Counter
	migrationsCounterMu sync.Once
)

// Apply brings the database reachable via dsn up to the latest migration.
// An empty migrationsDir uses the migrations embedded in the binary. A nil
// logger disables informational logging.
func Apply(ctx context.Context, driver, dsn, migrationsDir string, logger *zap.Logger) error {
	logger = orNop(logger)
	m, source, err := open(ctx, driver, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)

	logger.Info("running database migrations", zap.String("driver", driver), zap.String("source", source))
	if err := m.Up(); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "up", "noop")
			logger.Info("database migrations up-to-date")
			return nil
		}
		recordMigrationMetric(ctx, "up", "failed")
		return fmt.Errorf("apply migrations: %w", err)
	}
	recordMigrationMetric(ctx, "up", "applied")
	logger.Info("database migrations applied successfully")
	return nil
}

// Rollback reverts the given number of migrations.
func Rollback(ctx context.Context, driver, dsn, migrationsDir string, steps int, logger *zap.Logger) error {
	if steps <= 0 {
		return fmt.Errorf("rollback steps must be > 0")
	}
	logger = orNop(logger)
	m, _, err := open(ctx, driver, dsn, migrationsDir, logger)
	if err != nil {
		return err
	}
	defer closeMigrate(m, logger)

	if err := m.Steps(-steps); err != nil {
		if errors.Is(err, migrate.ErrNoChange) {
			recordMigrationMetric(ctx, "down", "noop")
			return nil
		}
		recordMigrationMetric(ctx, "down", "failed")
		return fmt.Errorf("rollback migrations: %w", err)
	}
	recordMigrationMetric(ctx, "down", "applied")
	logger.Info("database migrations rolled back", zap.Int("steps", steps))
	return nil
}

// Version reports the applied schema version. ok is false when no migration ran yet.
func Version(ctx context.Context, driver, dsn string) (version uint, dirty bool, ok bool, err error) {
	m, _, err := open(ctx, driver, dsn, "", zap.NewNop())
	if err != nil {
		return 0, false, false, err
	}
	defer closeMigrate(m, zap.NewNop())
	version, dirty, err = m.Version()
	if errors.Is(err, migrate.ErrNilVersion) {
		return 0, false, false, nil
	}
	if err != nil {
		return 0, false, false, fmt.Errorf("read migration version: %w", err)
	}
	return version, dirty, true, nil
}

func open(ctx context.Context, driver, dsn, dir string, logger *zap.Logger) (*migrate.Migrate, string, error) {
	var sourceURL string
	if strings.TrimSpace(dir) != "" {
		resolved, err := resolveDir(dir)
		if err != nil {
			return nil, "", err
		}
		sourceURL = fileURL(resolved)
	}

	sqlDriver, err := sqlDriverName(driver)
	if err != nil {
		return nil, "", err
	}
	db, err := sql.Open(sqlDriver, dsn)
	if err != nil {
		return nil, "", fmt.Errorf("open migrations connection: %w", err)
	}
	if err := db.PingContext(ctx); err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("ping migrations database: %w", err)
	}

	var instance database.Driver
	switch driver {
	case DriverPostgres:
		instance, err = pgxv5.WithInstance(db, &pgxv5.Config{})
	case DriverSQLite:
		instance, err = sqlite.WithInstance(db, &sqlite.Config{})
	}
	if err != nil {
		_ = db.Close()
		return nil, "", fmt.Errorf("initialise %s migrations driver: %w", driver, err)
	}

	var m *migrate.Migrate
	if sourceURL != "" {
		m, err = migrate.NewWithDatabaseInstance(sourceURL, driver, instance)
	} else {
		sourceURL = "embedded:" + driver
		src, srcErr := iofs.New(dbmigrations.Files, driver)
		if srcErr != nil {
			_ = instance.Close()
			return nil, "", fmt.Errorf("load embedded migrations: %w", srcErr)
		}
		m, err = migrate.NewWithInstance("iofs", src, driver, instance)
	}
	if err != nil {
		_ = instance.Close()
		return nil, "", fmt.Errorf("initialise migrate instance: %w", err)
	}
	m.Log = migrateLogger{logger: logger}
	return m, sourceURL, nil
}

func sqlDriverName(driver string) (string, error) {
	switch driver {
	case DriverPostgres:
		return "pgx", nil
	case DriverSQLite:
		return "sqlite", nil
	default:
		return "", fmt.Errorf("%w: %q", errDriver, driver)
	}
}

func closeMigrate(m *migrate.Migrate, logger *zap.Logger) {
	sourceErr, dbErr := m.Close()
	if sourceErr != nil {
		logger.Warn("database migrations source close", zap.Error(sourceErr))
	}
	if dbErr != nil {
		logger.Warn("database migrations db close", zap.Error(dbErr))
	}
}

func resolveDir(dir string) (string, error) {
	clean := strings.TrimSpace(dir)
	if clean == "" {
		return "", fmt.Errorf("migrations path required")
	}

	abs, err := filepath.Abs(clean)
	if err != nil {
		return "", fmt.Errorf("resolve migrations path: %w", err)
	}

	info, err := os.Stat(abs)
	if err != nil {
		if errors.Is(err, fs.ErrNotExist) {
			return "", fmt.Errorf("migrations directory: %w", err)
		}
		return "", fmt.Errorf("stat migrations directory: %w", err)
	}

	if !info.IsDir() {
		return "", fmt.Errorf("migrations directory: %w", errNotDirectory)
	}

	return abs, nil
}

func fileURL(path string) string {
	slashed := filepath.ToSlash(path)
	if !strings.HasPrefix(slashed, "/") {
		slashed = "/" + slashed
	}
	u := new(url.URL)
	u.Scheme = "file"
	u.Path = slashed
	return u.String()
}

func orNop(logger *zap.Logger) *zap.Logger {
	if logger == nil {
		return zap.NewNop()
	}
	return logger
}

type migrateLogger struct {
	logger *zap.Logger
}

func (l migrateLogger) Printf(format string, v ...any) {
	l.logger.Debug(strings.TrimSpace(fmt.Sprintf(format, v...)))
}

func (l migrateLogger) Verbose() bool { return false }

func recordMigrationMetric(ctx context.Context, operation, result string) {
	migrationsCounterMu.Do(func() {
		meter := otel.Meter("persistence.migrations")
		counter, err := meter.Int64Counter("fieldgate_db_migrations_total",
			metric.WithDescription("Total migrations executed via golang-migrate"),
			metric.WithUnit("{migration}"))
		if err == nil {
			migrationsCounter = counter
		}
	})
	if migrationsCounter == nil {
		return
	}
	migrationsCounter.Add(ctx, 1, metric.WithAttributes(telemetry.OperationResultAttributes(operation, result)...))
}
