package persistence

import (
	"context"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/config"
)

func TestOpenSQLiteMigratesAndPersists(t *testing.T) {
	ctx := context.Background()
	cfg := config.DatabaseConfig{Driver: config.DriverSQLite, DSN: filepath.Join(t.TempDir(), "fieldgate.db")}

	store, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	now := time.Now().UTC().Truncate(time.Second)
	require.NoError(t, store.ScanModes().Create(ctx, scanmodestore.ScanMode{ID: "m", Name: "m", Cron: "* * * * * *", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.Close())

	reopened, err := Open(ctx, cfg, nil)
	require.NoError(t, err)
	defer reopened.Close()
	require.Equal(t, config.DriverSQLite, reopened.Driver())
	mode, err := reopened.ScanModes().Get(ctx, "m")
	require.NoError(t, err)
	require.Equal(t, now, mode.CreatedAt)
}

func TestOpenMemory(t *testing.T) {
	store, err := Open(context.Background(), config.DatabaseConfig{Driver: config.DriverMemory}, nil)
	require.NoError(t, err)
	require.NotNil(t, store.ScanModes())
	require.NotNil(t, store.Metrics())
	require.NoError(t, store.Close())
}

func TestOpenUnknownDriver(t *testing.T) {
	_, err := Open(context.Background(), config.DatabaseConfig{Driver: "oracle"}, nil)
	require.Error(t, err)
}
