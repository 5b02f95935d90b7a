package httpserver

import (
	"bufio"
	"context"
	"fmt"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/app/metrics"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/config"
	"github.com/coachpo/fieldgate/internal/infra/cron"
)

type stubAdmin struct {
	mu        sync.Mutex
	items     map[content.Area][]content.Metadata
	filter    cache.Filter
	runs      int
	modes     []scanmodestore.ScanMode
	snapshots chan metrics.Snapshot
}

var _ engine.Admin = (*stubAdmin)(nil)

func newStubAdmin() *stubAdmin {
	return &stubAdmin{
		items: map[content.Area][]content.Metadata{
			content.AreaCache: {{ID: 1, ContentType: content.TypeTimeValues, Source: "plc"}},
			content.AreaError: {{ID: 2, ContentType: content.TypeTimeValues, Source: "plc", Attempts: 3, LastError: "boom"}},
		},
		snapshots: make(chan metrics.Snapshot, 4),
	}
}

func notFound(id string) error {
	return errs.New("engine", errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("north %s not found", id)))
}

func (a *stubAdmin) CacheState(northID string) (cache.State, error) {
	if northID != "hist" {
		return cache.State{}, notFound(northID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	return cache.State{PendingCount: len(a.items[content.AreaCache]), ErrorCount: len(a.items[content.AreaError])}, nil
}

func (a *stubAdmin) ListItems(northID string, area content.Area, filter cache.Filter) ([]content.Metadata, error) {
	if northID != "hist" {
		return nil, notFound(northID)
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	a.filter = filter
	return a.items[area], nil
}

func (a *stubAdmin) RetryItems(northID string, area content.Area, ids []uint64) (int, error) {
	if area == content.AreaCache {
		return 0, errs.New("engine", errs.CodeInvalid, errs.WithMessage("only error or archive items can be retried"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	moved := 0
	kept := a.items[area][:0]
	for _, m := range a.items[area] {
		if contains(ids, m.ID) {
			a.items[content.AreaCache] = append(a.items[content.AreaCache], m)
			moved++
			continue
		}
		kept = append(kept, m)
	}
	a.items[area] = kept
	return moved, nil
}

func (a *stubAdmin) RetryAll(northID string, area content.Area) (int, error) {
	a.mu.Lock()
	ids := idsOf(a.items[area])
	a.mu.Unlock()
	return a.RetryItems(northID, area, ids)
}

func (a *stubAdmin) RemoveItems(_ string, area content.Area, ids []uint64) (int, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	removed := 0
	kept := a.items[area][:0]
	for _, m := range a.items[area] {
		if contains(ids, m.ID) {
			removed++
			continue
		}
		kept = append(kept, m)
	}
	a.items[area] = kept
	return removed, nil
}

func (a *stubAdmin) RemoveAll(northID string, area content.Area) (int, error) {
	a.mu.Lock()
	ids := idsOf(a.items[area])
	a.mu.Unlock()
	return a.RemoveItems(northID, area, ids)
}

func (a *stubAdmin) ForceRun(northID string) error {
	if northID != "hist" {
		return notFound(northID)
	}
	a.mu.Lock()
	a.runs++
	a.mu.Unlock()
	return nil
}

func (a *stubAdmin) Metrics(connectorID string) (metrics.Snapshot, error) {
	if connectorID != "hist" {
		return metrics.Snapshot{}, errs.New("metrics", errs.CodeNotFound)
	}
	return metrics.Snapshot{ConnectorID: connectorID, Kind: metricsstore.KindNorth, North: &metrics.NorthMetrics{}}, nil
}

func (a *stubAdmin) ResetMetrics(connectorID string) error {
	_, err := a.Metrics(connectorID)
	return err
}

func (a *stubAdmin) SubscribeMetrics(_ context.Context, connectorID string) (<-chan metrics.Snapshot, func(), error) {
	if _, err := a.Metrics(connectorID); err != nil {
		return nil, nil, err
	}
	return a.snapshots, func() {}, nil
}

func (a *stubAdmin) ListScanModes(context.Context) ([]scanmodestore.ScanMode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	return append([]scanmodestore.ScanMode(nil), a.modes...), nil
}

func (a *stubAdmin) CreateScanMode(_ context.Context, name, description, cronText string) (scanmodestore.ScanMode, error) {
	if !cron.Verify(cronText, time.Now()).IsValid {
		return scanmodestore.ScanMode{}, errs.New("scanmode", errs.CodeConfiguration, errs.WithMessage("invalid cron"))
	}
	a.mu.Lock()
	defer a.mu.Unlock()
	mode := scanmodestore.ScanMode{ID: fmt.Sprintf("m%d", len(a.modes)+1), Name: name, Description: description, Cron: cronText}
	a.modes = append(a.modes, mode)
	return mode, nil
}

func (a *stubAdmin) UpdateScanMode(_ context.Context, id, name, description, cronText string) (scanmodestore.ScanMode, error) {
	a.mu.Lock()
	defer a.mu.Unlock()
	for i, m := range a.modes {
		if m.ID == id {
			a.modes[i] = scanmodestore.ScanMode{ID: id, Name: name, Description: description, Cron: cronText}
			return a.modes[i], nil
		}
	}
	return scanmodestore.ScanMode{}, fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
}

func (a *stubAdmin) DeleteScanMode(_ context.Context, id string) error {
	if id == "busy" {
		return errs.New("scanmode", errs.CodeInUse, errs.WithMessage("scan mode busy is used by south-plc"))
	}
	return nil
}

func (a *stubAdmin) VerifyCron(cronText string) cron.Verification {
	return cron.Verify(cronText, time.Now())
}

func contains(ids []uint64, id uint64) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}

func idsOf(items []content.Metadata) []uint64 {
	ids := make([]uint64, len(items))
	for i, m := range items {
		ids[i] = m.ID
	}
	return ids
}

func do(t *testing.T, h http.Handler, method, path, body string) *httptest.ResponseRecorder {
	t.Helper()
	var req *http.Request
	if body == "" {
		req = httptest.NewRequest(method, path, nil)
	} else {
		req = httptest.NewRequest(method, path, strings.NewReader(body))
		req.Header.Set("Content-Type", "application/json")
	}
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, req)
	return rec
}

func decode[T any](t *testing.T, rec *httptest.ResponseRecorder) T {
	t.Helper()
	var v T
	require.NoError(t, json.Unmarshal(rec.Body.Bytes(), &v))
	return v
}

func TestHealth(t *testing.T) {
	h := NewHandler(config.EnvStaging, newStubAdmin())
	rec := do(t, h, http.MethodGet, "/health", "")
	require.Equal(t, http.StatusOK, rec.Code)
	body := decode[map[string]any](t, rec)
	require.Equal(t, "ok", body["status"])
	require.Equal(t, "staging", body["environment"])
}

func TestCacheEndpoints(t *testing.T) {
	admin := newStubAdmin()
	h := NewHandler(config.EnvDev, admin)

	rec := do(t, h, http.MethodGet, "/north/hist/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, 1, decode[cache.State](t, rec).ErrorCount)

	rec = do(t, h, http.MethodGet, "/north/ghost/cache", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodGet, "/north/hist/cache/error?source=plc&limit=5&from=2024-05-01T00:00:00Z", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		Items []content.Metadata `json:"items"`
	}](t, rec)
	require.Len(t, listed.Items, 1)
	require.Equal(t, "plc", admin.filter.Source)
	require.Equal(t, 5, admin.filter.Limit)
	require.False(t, admin.filter.From.IsZero())

	rec = do(t, h, http.MethodGet, "/north/hist/cache/error?limit=-1", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)
	rec = do(t, h, http.MethodGet, "/north/hist/cache/limbo", "")
	require.Equal(t, http.StatusNotFound, rec.Code)

	rec = do(t, h, http.MethodPost, "/north/hist/cache/cache/retry", "")
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/north/hist/cache/error/retry", `{"ids":[2]}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 1, decode[map[string]any](t, rec)["retried"])

	rec = do(t, h, http.MethodDelete, "/north/hist/cache/cache", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.EqualValues(t, 2, decode[map[string]any](t, rec)["removed"])

	rec = do(t, h, http.MethodDelete, "/north/hist/cache/cache", `{"ids":[1],"extra":true}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPost, "/north/hist/run", "")
	require.Equal(t, http.StatusAccepted, rec.Code)
	require.Equal(t, 1, admin.runs)

	rec = do(t, h, http.MethodGet, "/north/hist/run", "")
	require.Equal(t, http.StatusMethodNotAllowed, rec.Code)
	require.Equal(t, "POST", rec.Header().Get("Allow"))
}

func TestMetricsEndpoints(t *testing.T) {
	h := NewHandler(config.EnvDev, newStubAdmin())

	rec := do(t, h, http.MethodGet, "/metrics/hist", "")
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "hist", decode[metrics.Snapshot](t, rec).ConnectorID)

	rec = do(t, h, http.MethodDelete, "/metrics/hist", "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodGet, "/metrics/nope", "")
	require.Equal(t, http.StatusNotFound, rec.Code)
}

func TestMetricsStream(t *testing.T) {
	admin := newStubAdmin()
	srv := httptest.NewServer(NewHandler(config.EnvDev, admin))
	defer srv.Close()

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	req, err := http.NewRequestWithContext(ctx, http.MethodGet, srv.URL+"/metrics/hist/stream", nil)
	require.NoError(t, err)
	resp, err := srv.Client().Do(req)
	require.NoError(t, err)
	defer resp.Body.Close()
	require.Equal(t, "text/event-stream", resp.Header.Get("Content-Type"))

	admin.snapshots <- metrics.Snapshot{ConnectorID: "hist", Kind: metricsstore.KindNorth}
	line, err := bufio.NewReader(resp.Body).ReadString('\n')
	require.NoError(t, err)
	require.True(t, strings.HasPrefix(line, "data: "), line)
	require.Contains(t, line, `"connectorId":"hist"`)
}

func TestScanModeEndpoints(t *testing.T) {
	h := NewHandler(config.EnvDev, newStubAdmin())

	rec := do(t, h, http.MethodPost, "/scan-modes", `{"name":"fast","cron":"* * * * * *"}`)
	require.Equal(t, http.StatusCreated, rec.Code)
	created := decode[scanmodestore.ScanMode](t, rec)

	rec = do(t, h, http.MethodPost, "/scan-modes", `{"name":"bad","cron":"every day"}`)
	require.Equal(t, http.StatusBadRequest, rec.Code)

	rec = do(t, h, http.MethodPut, "/scan-modes/"+created.ID, `{"name":"slow","cron":"0 * * * * *"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.Equal(t, "slow", decode[scanmodestore.ScanMode](t, rec).Name)

	rec = do(t, h, http.MethodGet, "/scan-modes", "")
	require.Equal(t, http.StatusOK, rec.Code)
	listed := decode[struct {
		ScanModes []scanmodestore.ScanMode `json:"scanModes"`
	}](t, rec)
	require.Len(t, listed.ScanModes, 1)

	rec = do(t, h, http.MethodDelete, "/scan-modes/busy", "")
	require.Equal(t, http.StatusConflict, rec.Code)
	rec = do(t, h, http.MethodDelete, "/scan-modes/"+created.ID, "")
	require.Equal(t, http.StatusNoContent, rec.Code)

	rec = do(t, h, http.MethodPost, "/scan-modes/verify", `{"cron":"*/5 * * * * *"}`)
	require.Equal(t, http.StatusOK, rec.Code)
	require.True(t, decode[cron.Verification](t, rec).IsValid)
}

func TestCORSPreflight(t *testing.T) {
	h := NewHandler(config.EnvDev, newStubAdmin())
	rec := do(t, h, http.MethodOptions, "/scan-modes", "")
	require.Equal(t, http.StatusNoContent, rec.Code)
	require.Equal(t, "*", rec.Header().Get("Access-Control-Allow-Origin"))
}

func TestOversizedBodyRejected(t *testing.T) {
	h := NewHandler(config.EnvDev, newStubAdmin())
	body := `{"name":"` + strings.Repeat("x", int(maxJSONBodyBytes)) + `"}`
	rec := do(t, h, http.MethodPost, "/scan-modes", body)
	require.Equal(t, http.StatusRequestEntityTooLarge, rec.Code)
}
