package sqlite

import (
	"context"
	"database/sql"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/persistence/migrations"
)

func openTestDB(t *testing.T) *sql.DB {
	t.Helper()
	ctx := context.Background()
	path := filepath.Join(t.TempDir(), "nested", "fieldgate.db")
	db, err := Open(ctx, path)
	require.NoError(t, err)
	t.Cleanup(func() { _ = db.Close() })
	require.NoError(t, migrations.Apply(ctx, migrations.DriverSQLite, path, "", nil))
	return db
}

func TestScanModeStoreLifecycle(t *testing.T) {
	ctx := context.Background()
	store := NewScanModeStore(openTestDB(t))
	created := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	mode := scanmodestore.ScanMode{ID: "fast", Name: "Fast", Cron: "* * * * * *", CreatedAt: created, UpdatedAt: created}
	require.NoError(t, store.Create(ctx, mode))
	require.Error(t, store.Create(ctx, mode), "duplicate ids are rejected")
	require.NoError(t, store.Create(ctx, scanmodestore.ScanMode{ID: "slow", Name: "Another", Cron: "0 * * * * *", CreatedAt: created, UpdatedAt: created}))

	got, err := store.Get(ctx, "fast")
	require.NoError(t, err)
	require.Equal(t, mode, got)

	mode.Cron = "*/5 * * * * *"
	mode.UpdatedAt = created.Add(time.Hour)
	require.NoError(t, store.Update(ctx, mode))
	got, err = store.Get(ctx, "fast")
	require.NoError(t, err)
	require.Equal(t, "*/5 * * * * *", got.Cron)
	require.Equal(t, created, got.CreatedAt)

	list, err := store.List(ctx)
	require.NoError(t, err)
	require.Len(t, list, 2)
	require.Equal(t, "slow", list[0].ID, "ordered by name")

	require.NoError(t, store.Delete(ctx, "fast"))
	_, err = store.Get(ctx, "fast")
	require.ErrorIs(t, err, scanmodestore.ErrNotFound)
	require.ErrorIs(t, store.Delete(ctx, "fast"), scanmodestore.ErrNotFound)
	require.ErrorIs(t, store.Update(ctx, mode), scanmodestore.ErrNotFound)
}

func TestMetricsStoreUpsert(t *testing.T) {
	ctx := context.Background()
	store := NewMetricsStore(openTestDB(t))
	now := time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

	require.NoError(t, store.Save(ctx, []metricsstore.Record{
		{ConnectorID: "n1", Kind: metricsstore.KindNorth, Payload: []byte(`{"contentSentSize":1}`), UpdatedAt: now},
		{ConnectorID: "s1", Kind: metricsstore.KindSouth, Payload: []byte(`{}`), UpdatedAt: now},
	}))
	require.NoError(t, store.Save(ctx, []metricsstore.Record{
		{ConnectorID: "n1", Kind: metricsstore.KindNorth, Payload: []byte(`{"contentSentSize":2}`), UpdatedAt: now.Add(time.Minute)},
	}))

	records, err := store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 2)
	require.Equal(t, "n1", records[0].ConnectorID)
	require.JSONEq(t, `{"contentSentSize":2}`, string(records[0].Payload))
	require.Equal(t, now.Add(time.Minute), records[0].UpdatedAt)

	require.NoError(t, store.Delete(ctx, "n1"))
	records, err = store.Load(ctx)
	require.NoError(t, err)
	require.Len(t, records, 1)
}
