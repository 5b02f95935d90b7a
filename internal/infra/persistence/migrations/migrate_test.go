package migrations

import (
	"context"
	"database/sql"
	"errors"
	"io/fs"
	"os"
	"path/filepath"
	"strings"
	"testing"

	"github.com/stretchr/testify/require"
)

func TestResolveDirSuccess(t *testing.T) {
	path := filepath.Join(t.TempDir(), "db", "migrations")
	require.NoError(t, os.MkdirAll(path, 0o755))

	resolved, err := resolveDir(path)
	require.NoError(t, err)
	require.True(t, filepath.IsAbs(resolved))
	require.Equal(t, filepath.Clean(resolved), resolved)
}

func TestResolveDirMissing(t *testing.T) {
	_, err := resolveDir(filepath.Join(t.TempDir(), "missing"))
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestResolveDirFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "file.txt")
	require.NoError(t, os.WriteFile(path, []byte("data"), 0o600))
	_, err := resolveDir(path)
	require.ErrorIs(t, err, errNotDirectory)
}

func TestFileURL(t *testing.T) {
	for _, path := range []string{"/tmp/migrations", "C:/tmp/migrations"} {
		got := fileURL(path)
		require.True(t, strings.HasPrefix(got, "file://"), got)
		require.Greater(t, len(got), len("file://"))
	}
}

func TestApplyValidatesPathBeforeConnecting(t *testing.T) {
	err := Apply(context.Background(), DriverPostgres, "postgresql://invalid", "does-not-exist", nil)
	require.ErrorIs(t, err, fs.ErrNotExist)
}

func TestUnknownDriver(t *testing.T) {
	err := Apply(context.Background(), "oracle", "dsn", "", nil)
	require.True(t, errors.Is(err, errDriver))
}

func TestEmbeddedSQLiteMigrationsRoundTrip(t *testing.T) {
	ctx := context.Background()
	dsn := filepath.Join(t.TempDir(), "state.db")

	_, _, ok, err := Version(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	require.False(t, ok)

	require.NoError(t, Apply(ctx, DriverSQLite, dsn, "", nil))
	require.NoError(t, Apply(ctx, DriverSQLite, dsn, "", nil), "second run is a no-op")

	version, dirty, ok, err := Version(ctx, DriverSQLite, dsn)
	require.NoError(t, err)
	require.True(t, ok)
	require.False(t, dirty)
	require.Equal(t, uint(1), version)
	require.True(t, tableExists(t, dsn, "scan_modes"))

	require.NoError(t, Rollback(ctx, DriverSQLite, dsn, "", 1, nil))
	require.False(t, tableExists(t, dsn, "scan_modes"))
}

func tableExists(t *testing.T, dsn, name string) bool {
	t.Helper()
	db, err := sql.Open("sqlite", dsn)
	require.NoError(t, err)
	defer db.Close()
	var n int
	require.NoError(t, db.QueryRow(`SELECT COUNT(*) FROM sqlite_master WHERE type = 'table' AND name = ?`, name).Scan(&n))
	return n == 1
}
