// Package httpserver exposes the operator control API over HTTP.
package httpserver

import (
	"bytes"
	"errors"
	"fmt"
	"io"
	"net/http"
	"sort"
	"strconv"
	"strings"
	"time"

	json "github.com/goccy/go-json"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/engine"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/config"
)

const (
	maxJSONBodyBytes int64 = 1 << 20 // 1 MiB

	healthPath         = "/health"
	cacheStatePath     = "/north/{id}/cache"
	cacheAreaPath      = "/north/{id}/cache/{area}"
	cacheRetryPath     = "/north/{id}/cache/{area}/retry"
	forceRunPath       = "/north/{id}/run"
	metricsPath        = "/metrics/{id}"
	metricsStreamPath  = "/metrics/{id}/stream"
	scanModesPath      = "/scan-modes"
	scanModeDetailPath = "/scan-modes/{id}"
	cronVerifyPath     = "/scan-modes/verify"
)

type handlerFunc func(http.ResponseWriter, *http.Request)

type httpServer struct {
	environment config.Environment
	admin       engine.Admin
	started     time.Time
}

type scanModePayload struct {
	Name        string `json:"name"`
	Description string `json:"description"`
	Cron        string `json:"cron"`
}

type idsPayload struct {
	IDs []uint64 `json:"ids"`
}

// NewHandler creates the control API handler backed by admin.
func NewHandler(environment config.Environment, admin engine.Admin) http.Handler {
	server := &httpServer{environment: environment, admin: admin, started: time.Now()}
	mux := http.NewServeMux()

	mux.Handle(healthPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.health,
	}))

	mux.Handle(cacheStatePath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.cacheState,
	}))
	mux.Handle(cacheAreaPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.listItems,
		http.MethodDelete: server.removeItems,
	}))
	mux.Handle(cacheRetryPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.retryItems,
	}))
	mux.Handle(forceRunPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.forceRun,
	}))

	mux.Handle(metricsPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:    server.getMetrics,
		http.MethodDelete: server.resetMetrics,
	}))
	mux.Handle(metricsStreamPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet: server.streamMetrics,
	}))

	mux.Handle(scanModesPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodGet:  server.listScanModes,
		http.MethodPost: server.createScanMode,
	}))
	mux.Handle(scanModeDetailPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPut:    server.updateScanMode,
		http.MethodDelete: server.deleteScanMode,
	}))
	mux.Handle(cronVerifyPath, server.methodHandlers(map[string]handlerFunc{
		http.MethodPost: server.verifyCron,
	}))

	return withCORS(mux)
}

func (s *httpServer) methodHandlers(handlers map[string]handlerFunc) http.Handler {
	allowed := allowedMethods(handlers)
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if handler, ok := handlers[r.Method]; ok {
			handler(w, r)
			return
		}
		methodNotAllowed(w, allowed...)
	})
}

func allowedMethods(handlers map[string]handlerFunc) []string {
	if len(handlers) == 0 {
		return nil
	}
	allowed := make([]string, 0, len(handlers))
	for method := range handlers {
		allowed = append(allowed, method)
	}
	sort.Strings(allowed)
	return allowed
}

func (s *httpServer) health(w http.ResponseWriter, _ *http.Request) {
	writeJSON(w, http.StatusOK, map[string]any{
		"status":      "ok",
		"environment": s.environment,
		"uptime":      time.Since(s.started).Round(time.Second).String(),
	})
}

func (s *httpServer) cacheState(w http.ResponseWriter, r *http.Request) {
	state, err := s.admin.CacheState(r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, state)
}

func (s *httpServer) listItems(w http.ResponseWriter, r *http.Request) {
	area, ok := pathArea(w, r)
	if !ok {
		return
	}
	filter, err := parseFilter(r)
	if err != nil {
		writeError(w, http.StatusBadRequest, err.Error())
		return
	}
	items, err := s.admin.ListItems(r.PathValue("id"), area, filter)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"items": items})
}

// retryItems retries the listed ids, or the whole area when none are given.
func (s *httpServer) retryItems(w http.ResponseWriter, r *http.Request) {
	area, ok := pathArea(w, r)
	if !ok {
		return
	}
	payload, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var (
		n   int
		err error
	)
	if len(payload.IDs) == 0 {
		n, err = s.admin.RetryAll(id, area)
	} else {
		n, err = s.admin.RetryItems(id, area, payload.IDs)
	}
	if err != nil && n == 0 {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"retried": n})
}

// removeItems deletes the listed ids, or empties the area when none are given.
func (s *httpServer) removeItems(w http.ResponseWriter, r *http.Request) {
	area, ok := pathArea(w, r)
	if !ok {
		return
	}
	payload, ok := decodeIDs(w, r)
	if !ok {
		return
	}
	id := r.PathValue("id")
	var (
		n   int
		err error
	)
	if len(payload.IDs) == 0 {
		n, err = s.admin.RemoveAll(id, area)
	} else {
		n, err = s.admin.RemoveItems(id, area, payload.IDs)
	}
	if err != nil && n == 0 {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"removed": n})
}

func (s *httpServer) forceRun(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.ForceRun(r.PathValue("id")); err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusAccepted, map[string]string{"status": "scheduled"})
}

func (s *httpServer) getMetrics(w http.ResponseWriter, r *http.Request) {
	snapshot, err := s.admin.Metrics(r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, snapshot)
}

func (s *httpServer) resetMetrics(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.ResetMetrics(r.PathValue("id")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

// streamMetrics pushes snapshots as server-sent events until the client leaves.
func (s *httpServer) streamMetrics(w http.ResponseWriter, r *http.Request) {
	flusher, ok := w.(http.Flusher)
	if !ok {
		writeError(w, http.StatusInternalServerError, "streaming unsupported")
		return
	}
	updates, cancel, err := s.admin.SubscribeMetrics(r.Context(), r.PathValue("id"))
	if err != nil {
		writeAdminError(w, err)
		return
	}
	defer cancel()

	w.Header().Set("Content-Type", "text/event-stream")
	w.Header().Set("Cache-Control", "no-cache")
	w.Header().Set("Connection", "keep-alive")
	w.WriteHeader(http.StatusOK)
	flusher.Flush()
	for {
		select {
		case <-r.Context().Done():
			return
		case snapshot, open := <-updates:
			if !open {
				return
			}
			data, err := json.Marshal(snapshot)
			if err != nil {
				return
			}
			if _, err := fmt.Fprintf(w, "data: %s\n\n", data); err != nil {
				return
			}
			flusher.Flush()
		}
	}
}

func (s *httpServer) listScanModes(w http.ResponseWriter, r *http.Request) {
	modes, err := s.admin.ListScanModes(r.Context())
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, map[string]any{"scanModes": modes})
}

func (s *httpServer) createScanMode(w http.ResponseWriter, r *http.Request) {
	var payload scanModePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	mode, err := s.admin.CreateScanMode(r.Context(), payload.Name, payload.Description, payload.Cron)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusCreated, mode)
}

func (s *httpServer) updateScanMode(w http.ResponseWriter, r *http.Request) {
	var payload scanModePayload
	if !decodeJSON(w, r, &payload) {
		return
	}
	mode, err := s.admin.UpdateScanMode(r.Context(), r.PathValue("id"), payload.Name, payload.Description, payload.Cron)
	if err != nil {
		writeAdminError(w, err)
		return
	}
	writeJSON(w, http.StatusOK, mode)
}

func (s *httpServer) deleteScanMode(w http.ResponseWriter, r *http.Request) {
	if err := s.admin.DeleteScanMode(r.Context(), r.PathValue("id")); err != nil {
		writeAdminError(w, err)
		return
	}
	w.WriteHeader(http.StatusNoContent)
}

func (s *httpServer) verifyCron(w http.ResponseWriter, r *http.Request) {
	var payload struct {
		Cron string `json:"cron"`
	}
	if !decodeJSON(w, r, &payload) {
		return
	}
	writeJSON(w, http.StatusOK, s.admin.VerifyCron(payload.Cron))
}

func pathArea(w http.ResponseWriter, r *http.Request) (content.Area, bool) {
	area := content.Area(r.PathValue("area"))
	if !area.Valid() {
		writeError(w, http.StatusNotFound, fmt.Sprintf("unknown area %q", area))
		return "", false
	}
	return area, true
}

func parseFilter(r *http.Request) (cache.Filter, error) {
	q := r.URL.Query()
	filter := cache.Filter{
		Source:       q.Get("source"),
		NameContains: q.Get("name"),
		ContentType:  content.Type(q.Get("type")),
	}
	for key, dst := range map[string]*time.Time{"from": &filter.From, "to": &filter.To} {
		if v := q.Get(key); v != "" {
			t, err := time.Parse(time.RFC3339, v)
			if err != nil {
				return cache.Filter{}, fmt.Errorf("invalid %s: %w", key, err)
			}
			*dst = t
		}
	}
	if v := q.Get("limit"); v != "" {
		n, err := strconv.Atoi(v)
		if err != nil || n < 0 {
			return cache.Filter{}, fmt.Errorf("invalid limit %q", v)
		}
		filter.Limit = n
	}
	return filter, nil
}

// decodeIDs reads an optional {"ids": [...]} body.
func decodeIDs(w http.ResponseWriter, r *http.Request) (idsPayload, bool) {
	var payload idsPayload
	if r.Body == nil || r.ContentLength == 0 {
		return payload, true
	}
	return payload, decodeJSON(w, r, &payload)
}

func decodeJSON(w http.ResponseWriter, r *http.Request, dst any) bool {
	limitRequestBody(w, r)
	data, err := io.ReadAll(r.Body)
	if err != nil {
		writeDecodeError(w, err)
		return false
	}
	if len(bytes.TrimSpace(data)) == 0 {
		return true
	}
	decoder := json.NewDecoder(bytes.NewReader(data))
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(dst); err != nil {
		writeDecodeError(w, err)
		return false
	}
	return true
}

func limitRequestBody(w http.ResponseWriter, r *http.Request) {
	r.Body = http.MaxBytesReader(w, r.Body, maxJSONBodyBytes)
}

func writeDecodeError(w http.ResponseWriter, err error) {
	if isRequestTooLarge(err) {
		writeError(w, http.StatusRequestEntityTooLarge, "request body too large")
		return
	}
	writeError(w, http.StatusBadRequest, fmt.Sprintf("invalid payload: %v", err))
}

func isRequestTooLarge(err error) bool {
	var maxErr *http.MaxBytesError
	return errors.As(err, &maxErr)
}

// writeAdminError maps error codes to HTTP statuses.
func writeAdminError(w http.ResponseWriter, err error) {
	status := http.StatusInternalServerError
	switch {
	case errs.IsCode(err, errs.CodeNotFound):
		status = http.StatusNotFound
	case errs.IsCode(err, errs.CodeInvalid), errs.IsCode(err, errs.CodeConfiguration):
		status = http.StatusBadRequest
	case errs.IsCode(err, errs.CodeInUse):
		status = http.StatusConflict
	case errs.IsCode(err, errs.CodeUnavailable):
		status = http.StatusServiceUnavailable
	}
	writeError(w, status, err.Error())
}

func methodNotAllowed(w http.ResponseWriter, allowed ...string) {
	if len(allowed) > 0 {
		w.Header().Set("Allow", strings.Join(allowed, ", "))
	}
	writeError(w, http.StatusMethodNotAllowed, "method not allowed")
}

func writeJSON(w http.ResponseWriter, status int, payload any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	_ = json.NewEncoder(w).Encode(payload)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"status": "error", "error": message})
}

func withCORS(handler http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.Header().Set("Access-Control-Allow-Origin", "*")
		w.Header().Set("Access-Control-Allow-Methods", "GET, POST, PUT, DELETE, OPTIONS")
		w.Header().Set("Access-Control-Allow-Headers", "Content-Type, Authorization")
		if r.Method == http.MethodOptions {
			w.WriteHeader(http.StatusNoContent)
			return
		}
		handler.ServeHTTP(w, r)
	})
}
