package engine

import (
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/app/south"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/persistence/memory"
)

var epoch = time.Date(2024, 7, 1, 9, 0, 0, 0, time.UTC)

type stubNorth struct {
	mu      sync.Mutex
	accepts []content.Type
	fail    error
	sent    []content.Payload
}

func (s *stubNorth) Connect(context.Context) error { return nil }

func (s *stubNorth) Disconnect(context.Context) error { return nil }

func (s *stubNorth) Accepts() []content.Type { return s.accepts }

func (s *stubNorth) Send(_ context.Context, p content.Payload) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.fail != nil {
		return s.fail
	}
	s.sent = append(s.sent, p)
	return nil
}

func (s *stubNorth) setFail(err error) {
	s.mu.Lock()
	s.fail = err
	s.mu.Unlock()
}

func (s *stubNorth) sentCount() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.sent)
}

type stubSouth struct{}

func (stubSouth) Connect(context.Context) error { return nil }

func (stubSouth) Disconnect(context.Context) error { return nil }

func (stubSouth) Poll(ctx context.Context, _ string, items []south.Item, sink south.Sink) error {
	values := make([]content.TimeValue, len(items))
	for i, item := range items {
		values[i] = content.TimeValue{PointID: item.Name, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{"value":1}`)}
	}
	return sink.Ingest(ctx, content.Values(values...))
}

type harness struct {
	engine  *Engine
	dataDir string
	norths  map[string]*stubNorth
}

func newHarness(t *testing.T, opts ...Option) *harness {
	t.Helper()
	h := &harness{dataDir: t.TempDir(), norths: make(map[string]*stubNorth)}
	reg := NewRegistry()
	reg.RegisterNorth("stub", func(_ context.Context, id string, _ map[string]any, _ *zap.Logger) (north.Connector, error) {
		conn, ok := h.norths[id]
		if !ok {
			conn = &stubNorth{accepts: []content.Type{content.TypeTimeValues, content.TypeFile}}
			h.norths[id] = conn
		}
		return conn, nil
	})
	reg.RegisterSouth("stub", func(context.Context, string, map[string]any, *zap.Logger) (south.Connector, error) {
		return stubSouth{}, nil
	})
	opts = append([]Option{WithMetricsStore(memory.NewMetricsStore())}, opts...)
	h.engine = New(h.dataDir, reg, memory.NewScanModeStore(), opts...)
	require.NoError(t, h.engine.Start(context.Background()))
	t.Cleanup(func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		require.NoError(t, h.engine.Stop(ctx))
	})
	return h
}

func northConfig(id string, settings north.Settings) NorthConfig {
	return NorthConfig{ID: id, Type: "stub", Enabled: true, Settings: settings}
}

func values(points ...string) content.Content {
	out := make([]content.TimeValue, len(points))
	for i, p := range points {
		out[i] = content.TimeValue{PointID: p, Timestamp: epoch, Data: json.RawMessage(`{"value":1}`)}
	}
	return content.Values(out...)
}

func idle() north.Settings {
	return north.Settings{Trigger: north.Trigger{NumberOfElements: 1000}}
}

func TestIngestRoutesBySubscriptionAndType(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	h.norths["plc-only"] = &stubNorth{accepts: []content.Type{content.TypeTimeValues}}

	require.NoError(t, h.engine.AddNorth(ctx, northConfig("all", idle())))
	restricted := idle()
	restricted.Subscriptions = []string{"plc"}
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("plc-only", restricted)))
	require.Equal(t, []string{"all", "plc-only"}, h.engine.NorthIDs())

	require.NoError(t, h.engine.Ingest(ctx, "plc", values("a", "b")))
	require.NoError(t, h.engine.Ingest(ctx, "opc", values("c")))

	file := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(file, []byte("x;y\n"), 0o600))
	require.NoError(t, h.engine.Ingest(ctx, "plc", content.File(file)))

	all, err := h.engine.CacheState("all")
	require.NoError(t, err)
	require.Equal(t, 3, all.PendingCount)
	require.Equal(t, 1, all.PendingFiles)

	plcOnly, err := h.engine.CacheState("plc-only")
	require.NoError(t, err)
	require.Equal(t, 1, plcOnly.PendingCount)
	require.Equal(t, 2, plcOnly.PendingElements)

	err = h.engine.Ingest(ctx, "plc", content.Content{Type: content.TypeTimeValues})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestAddNorthRejectsBadConfiguration(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", idle())))

	err := h.engine.AddNorth(ctx, northConfig("dest", idle()))
	require.ErrorIs(t, err, ErrNorthExists)

	unknownType := northConfig("other", idle())
	unknownType.Type = "carrier-pigeon"
	require.True(t, errs.IsCode(h.engine.AddNorth(ctx, unknownType), errs.CodeConfiguration))

	noTrigger := northConfig("other", north.Settings{})
	require.True(t, errs.IsCode(h.engine.AddNorth(ctx, noTrigger), errs.CodeConfiguration))

	unknownMode := northConfig("other", north.Settings{Trigger: north.Trigger{ScanModeID: "nope"}})
	require.True(t, errs.IsCode(h.engine.AddNorth(ctx, unknownMode), errs.CodeConfiguration))

	badChain := northConfig("other", idle())
	badChain.Transformers = []TransformerConfig{{Type: "unknown"}}
	require.True(t, errs.IsCode(h.engine.AddNorth(ctx, badChain), errs.CodeConfiguration))

	require.ErrorIs(t, h.engine.RemoveNorth(ctx, "ghost"), ErrNorthNotFound)
	_, err = h.engine.CacheState("ghost")
	require.True(t, errs.IsCode(err, errs.CodeNotFound))
}

func TestRetryMovesErroredItemsBackToDelivery(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	conn := &stubNorth{
		accepts: []content.Type{content.TypeTimeValues},
		fail:    errs.New("stub", errs.CodeInvalid, errs.Permanent(), errs.WithMessage("rejected")),
	}
	h.norths["dest"] = conn
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", north.Settings{Trigger: north.Trigger{NumberOfElements: 1}})))

	require.NoError(t, h.engine.Ingest(ctx, "plc", values("a")))
	require.Eventually(t, func() bool {
		state, _ := h.engine.CacheState("dest")
		return state.ErrorCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	items, err := h.engine.ListItems("dest", content.AreaError, cache.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 1)
	require.Equal(t, 1, items[0].Attempts)
	require.Contains(t, items[0].LastError, "rejected")

	_, err = h.engine.RetryItems("dest", content.AreaCache, []uint64{items[0].ID})
	require.True(t, errs.IsCode(err, errs.CodeInvalid))

	conn.setFail(nil)
	n, err := h.engine.RetryAll("dest", content.AreaError)
	require.NoError(t, err)
	require.Equal(t, 1, n)
	require.Eventually(t, func() bool { return conn.sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
	require.Eventually(t, func() bool {
		state, _ := h.engine.CacheState("dest")
		return state.ErrorCount == 0 && state.PendingCount == 0
	}, 2*time.Second, 5*time.Millisecond)
}

func TestRemoveItemsCountsRemovedMetrics(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", idle())))
	require.NoError(t, h.engine.Ingest(ctx, "plc", values("a")))
	require.NoError(t, h.engine.Ingest(ctx, "plc", values("b")))

	items, err := h.engine.ListItems("dest", content.AreaCache, cache.Filter{})
	require.NoError(t, err)
	require.Len(t, items, 2)

	n, err := h.engine.RemoveItems("dest", content.AreaCache, []uint64{items[0].ID})
	require.NoError(t, err)
	require.Equal(t, 1, n)
	n, err = h.engine.RemoveAll("dest", content.AreaCache)
	require.NoError(t, err)
	require.Equal(t, 1, n)

	snap, err := h.engine.Metrics("dest")
	require.NoError(t, err)
	require.Equal(t, items[0].ContentSize+items[1].ContentSize, snap.North.ContentRemovedSize)
	require.Zero(t, snap.North.CurrentCacheSize)
	require.NoError(t, h.engine.ForceRun("dest"))
}

func TestScanModeInUseCannotBeDeleted(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mode, err := h.engine.CreateScanMode(ctx, "Every ten seconds", "", "*/10 * * * * *")
	require.NoError(t, err)

	settings := north.Settings{Trigger: north.Trigger{ScanModeID: mode.ID}}
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", settings)))
	require.Contains(t, h.engine.Scheduler().Active(), mode.ID)

	err = h.engine.DeleteScanMode(ctx, mode.ID)
	require.True(t, errs.IsCode(err, errs.CodeInUse))
	require.Contains(t, err.Error(), "north-dest")

	require.NoError(t, h.engine.RemoveNorth(ctx, "dest"))
	require.NotContains(t, h.engine.Scheduler().Active(), mode.ID)
	require.NoError(t, h.engine.DeleteScanMode(ctx, mode.ID))

	require.False(t, h.engine.VerifyCron("* * *").IsValid)
}

func TestSouthPollsFlowIntoDestinations(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	mode, err := h.engine.CreateScanMode(ctx, "Every second", "", "* * * * * *")
	require.NoError(t, err)

	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", north.Settings{Trigger: north.Trigger{NumberOfElements: 2}})))
	require.NoError(t, h.engine.AddSouth(ctx, SouthConfig{
		ID:      "plc",
		Type:    "stub",
		Enabled: true,
		Items: []south.Item{
			{ID: "1", Name: "temp", ScanModeID: mode.ID, Enabled: true},
			{ID: "2", Name: "pressure", ScanModeID: mode.ID, Enabled: true},
		},
	}))

	conn := h.norths["dest"]
	require.Eventually(t, func() bool { return conn.sentCount() >= 1 }, 5*time.Second, 20*time.Millisecond)

	snap, err := h.engine.Metrics("plc")
	require.NoError(t, err)
	require.Equal(t, metricsstore.KindSouth, snap.Kind)
	require.GreaterOrEqual(t, snap.South.NumberOfValuesRetrieved, int64(2))

	err = h.engine.AddSouth(ctx, SouthConfig{ID: "bad", Type: "stub", Items: []south.Item{{ID: "1", ScanModeID: "nope", Enabled: true}}})
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))

	require.NoError(t, h.engine.StopSouth(ctx, "plc"))
	require.NoError(t, h.engine.RemoveSouth(ctx, "plc"))
	require.ErrorIs(t, h.engine.StartSouth(ctx, "plc"), ErrSouthNotFound)
}

func TestArchiveRetentionPurgesExpiredItems(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	h := newHarness(t, WithClock(clock), WithCleanupInterval(24*time.Hour))
	ctx := context.Background()
	conn := &stubNorth{accepts: []content.Type{content.TypeTimeValues}}
	h.norths["dest"] = conn
	settings := north.Settings{
		Trigger: north.Trigger{NumberOfElements: 1},
		Archive: north.Archive{Enabled: true, Retention: time.Hour},
	}
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", settings)))
	require.NoError(t, h.engine.Ingest(ctx, "plc", values("a")))
	require.Eventually(t, func() bool {
		state, _ := h.engine.CacheState("dest")
		return state.ArchiveCount == 1
	}, 2*time.Second, 5*time.Millisecond)

	clock.Advance(59 * time.Minute)
	report, err := h.engine.Cleanup(ctx)
	require.NoError(t, err)
	require.Zero(t, report.ArchivePurged)

	clock.Advance(time.Minute)
	report, err = h.engine.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, 1, report.ArchivePurged)

	state, err := h.engine.CacheState("dest")
	require.NoError(t, err)
	require.Zero(t, state.ArchiveCount)
}

func TestCleanupRemovesOrphanCacheDirectories(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", idle())))

	ghost, err := cache.Open("ghost", NorthDir(h.dataDir, "ghost"))
	require.NoError(t, err)
	require.NoError(t, ghost.Close())
	require.NoError(t, os.MkdirAll(filepath.Join(h.engine.CacheRoot(), "unrelated"), 0o755))

	report, err := h.engine.Cleanup(ctx)
	require.NoError(t, err)
	require.Equal(t, []string{"north-ghost"}, report.OrphanDirs)

	_, err = os.Stat(NorthDir(h.dataDir, "ghost"))
	require.True(t, errors.Is(err, os.ErrNotExist))
	_, err = os.Stat(NorthDir(h.dataDir, "dest"))
	require.NoError(t, err)
	_, err = os.Stat(filepath.Join(h.engine.CacheRoot(), "unrelated"))
	require.NoError(t, err)
}

func TestStopNorthKeepsCachingDisabled(t *testing.T) {
	h := newHarness(t)
	ctx := context.Background()
	require.NoError(t, h.engine.AddNorth(ctx, northConfig("dest", north.Settings{Trigger: north.Trigger{NumberOfElements: 1}})))
	require.NoError(t, h.engine.StopNorth(ctx, "dest"))

	require.NoError(t, h.engine.Ingest(ctx, "plc", values("a")))
	state, err := h.engine.CacheState("dest")
	require.NoError(t, err)
	require.Zero(t, state.PendingCount, "stopped destinations receive nothing")
	require.True(t, errs.IsCode(h.engine.ForceRun("dest"), errs.CodeUnavailable))

	require.NoError(t, h.engine.StartNorth(ctx, "dest"))
	require.NoError(t, h.engine.Ingest(ctx, "plc", values("a")))
	require.Eventually(t, func() bool { return h.norths["dest"].sentCount() == 1 }, 2*time.Second, 5*time.Millisecond)
}
