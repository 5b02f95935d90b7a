package cli

import (
	"bytes"
	"context"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/config"
	"github.com/coachpo/fieldgate/internal/infra/persistence"
)

func execute(t *testing.T, args ...string) (string, error) {
	t.Helper()
	cmd := NewRootCmd()
	var out bytes.Buffer
	cmd.SetOut(&out)
	cmd.SetErr(io.Discard)
	cmd.SetArgs(args)
	err := cmd.ExecuteContext(context.Background())
	return out.String(), err
}

func missingConfig(t *testing.T) string {
	return filepath.Join(t.TempDir(), "absent.yaml")
}

func TestCronVerify(t *testing.T) {
	out, err := execute(t, "cron", "verify", "*/10", "*", "*", "*", "*", "*")
	require.NoError(t, err)
	var v struct {
		IsValid        bool        `json:"isValid"`
		NextExecutions []time.Time `json:"nextExecutions"`
	}
	require.NoError(t, json.Unmarshal([]byte(out), &v))
	require.True(t, v.IsValid)
	require.NotEmpty(t, v.NextExecutions)

	out, err = execute(t, "cron", "verify", "--format", "text", "not a cron")
	require.Error(t, err)
	require.Contains(t, out, "invalid:")
}

func TestUnknownFormatRejected(t *testing.T) {
	_, err := execute(t, "cron", "verify", "--format", "xml", "* * * * * *")
	require.ErrorContains(t, err, "unsupported format")
}

// seedCache leaves one pending item and one errored item in destination hist.
func seedCache(t *testing.T, dataDir string) (pending, failed content.Metadata) {
	t.Helper()
	set, err := cache.Open("hist", engine.NorthDir(dataDir, "hist"))
	require.NoError(t, err)
	defer func() { require.NoError(t, set.Close()) }()

	ctx := context.Background()
	at := time.Date(2024, 5, 1, 10, 0, 0, 0, time.UTC)
	pending, err = set.Append(ctx, content.Values(content.TimeValue{PointID: "temp", Timestamp: at}), "plc")
	require.NoError(t, err)
	failed, err = set.Append(ctx, content.Values(content.TimeValue{PointID: "flow", Timestamp: at}), "plc")
	require.NoError(t, err)
	_, err = set.Move(content.AreaCache, content.AreaError, []uint64{failed.ID}, func(m *content.Metadata) {
		m.Attempts = 3
		m.LastError = "connection refused"
	})
	require.NoError(t, err)
	return pending, failed
}

func cacheState(t *testing.T, dataDir string) cache.State {
	t.Helper()
	out, err := execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "stats", "--north", "hist")
	require.NoError(t, err)
	var state cache.State
	require.NoError(t, json.Unmarshal([]byte(out), &state))
	return state
}

func TestCacheStatsAndList(t *testing.T) {
	dataDir := t.TempDir()
	_, failed := seedCache(t, dataDir)

	state := cacheState(t, dataDir)
	require.Equal(t, 1, state.PendingCount)
	require.Equal(t, 1, state.ErrorCount)

	out, err := execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "list", "--north", "hist", "--area", "error")
	require.NoError(t, err)
	var items []content.Metadata
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	require.Len(t, items, 1)
	require.Equal(t, failed.ID, items[0].ID)
	require.Equal(t, "connection refused", items[0].LastError)

	out, err = execute(t, "--config", missingConfig(t), "--data", dataDir, "-f", "text", "cache", "list", "--north", "hist", "--source", "other")
	require.NoError(t, err)
	require.Contains(t, out, "ID")
	require.NotContains(t, out, "plc")
}

func TestCacheRetryAndPurge(t *testing.T) {
	dataDir := t.TempDir()
	pending, failed := seedCache(t, dataDir)

	_, err := execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "retry", "--north", "hist", "--all", "7")
	require.ErrorContains(t, err, "item ids or --all")
	_, err = execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "retry", "--north", "hist", "--area", "cache", "--all")
	require.Error(t, err)

	out, err := execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "retry", "--north", "hist", "--all")
	require.NoError(t, err)
	require.Contains(t, out, `"retried": 1`)

	state := cacheState(t, dataDir)
	require.Equal(t, 2, state.PendingCount)
	require.Zero(t, state.ErrorCount)

	out, err = execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "list", "--north", "hist")
	require.NoError(t, err)
	var items []content.Metadata
	require.NoError(t, json.Unmarshal([]byte(out), &items))
	for _, m := range items {
		require.Zero(t, m.Attempts, "retried items get a fresh budget")
	}

	_, err = execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "purge", "--north", "hist", "--area", "cache",
		strconv.FormatUint(pending.ID, 10), strconv.FormatUint(failed.ID, 10))
	require.NoError(t, err)
	require.Zero(t, cacheState(t, dataDir).PendingCount)
}

func TestCacheCommandsRespectLock(t *testing.T) {
	dataDir := t.TempDir()
	seedCache(t, dataDir)

	set, err := cache.Open("hist", engine.NorthDir(dataDir, "hist"))
	require.NoError(t, err)
	defer set.Close()

	_, err = execute(t, "--config", missingConfig(t), "--data", dataDir, "cache", "stats", "--north", "hist")
	require.ErrorContains(t, err, "locked")
}

func TestCacheUnknownDestination(t *testing.T) {
	_, err := execute(t, "--config", missingConfig(t), "--data", t.TempDir(), "cache", "stats", "--north", "ghost")
	require.ErrorContains(t, err, "no cache")
}

func TestMigrateLifecycle(t *testing.T) {
	dsn := filepath.Join(t.TempDir(), "state.db")
	base := []string{"--config", missingConfig(t), "migrate", "--driver", "sqlite", "--dsn", dsn, "-q"}

	out, err := execute(t, append(base, "version")...)
	require.NoError(t, err)
	require.Contains(t, out, `"applied": false`)

	_, err = execute(t, append(base, "up")...)
	require.NoError(t, err)
	out, err = execute(t, append(base, "version")...)
	require.NoError(t, err)
	require.Contains(t, out, `"version": 1`)

	_, err = execute(t, append(base, "down", "zero")...)
	require.Error(t, err)
	_, err = execute(t, append(base, "down")...)
	require.NoError(t, err)
}

func TestMigrateRejectsMemoryDriver(t *testing.T) {
	_, err := execute(t, "--config", missingConfig(t), "migrate", "--driver", "memory", "--dsn", "x", "version")
	require.ErrorContains(t, err, "no schema")
}

func TestScanModeList(t *testing.T) {
	dir := t.TempDir()
	cfgPath := filepath.Join(dir, "fieldgate.yaml")
	require.NoError(t, os.WriteFile(cfgPath, []byte(fmt.Sprintf("dataFolder: %s\n", dir)), 0o600))

	ctx := context.Background()
	store, err := persistence.Open(ctx, config.DatabaseConfig{Driver: config.DriverSQLite, DSN: filepath.Join(dir, config.DefaultSQLiteFile)}, nil)
	require.NoError(t, err)
	now := time.Now().UTC()
	require.NoError(t, store.ScanModes().Create(ctx, scanmodestore.ScanMode{ID: "every-10s", Name: "Every 10 seconds", Cron: "*/10 * * * * *", CreatedAt: now, UpdatedAt: now}))
	require.NoError(t, store.Close())

	out, err := execute(t, "--config", cfgPath, "-f", "text", "scanmode", "list")
	require.NoError(t, err)
	require.Contains(t, out, "every-10s")
	require.Contains(t, out, "*/10 * * * * *")
}
