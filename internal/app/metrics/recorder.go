// Package metrics records per-connector counters and streams snapshots to subscribers.
package metrics

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/telemetry"
)

// NorthMetrics describes one destination.
type NorthMetrics struct {
	MetricsStart        time.Time `json:"metricsStart"`
	ContentSentSize     int64     `json:"contentSentSize"`
	ElementsSent        int64     `json:"numberOfElementsSent"`
	ContentErroredSize  int64     `json:"contentErroredSize"`
	ContentArchivedSize int64     `json:"contentArchivedSize"`
	ContentCachedSize   int64     `json:"contentCachedSize"`
	ContentRemovedSize  int64     `json:"contentRemovedSize"`
	LastContentSent     time.Time `json:"lastContentSent"`
	CurrentCacheSize    int64     `json:"currentCacheSize"`
	CurrentErrorSize    int64     `json:"currentErrorSize"`
	CurrentArchiveSize  int64     `json:"currentArchiveSize"`
	LastConnection      time.Time `json:"lastConnection"`
	LastRunStart        time.Time `json:"lastRunStart"`
	LastRunDurationMs   int64     `json:"lastRunDuration"`
}

// SouthMetrics describes one source.
type SouthMetrics struct {
	MetricsStart            time.Time `json:"metricsStart"`
	NumberOfValuesRetrieved int64     `json:"numberOfValuesRetrieved"`
	NumberOfFilesRetrieved  int64     `json:"numberOfFilesRetrieved"`
	LastValueRetrieved      time.Time `json:"lastValueRetrieved"`
	LastFileRetrieved       time.Time `json:"lastFileRetrieved"`
	LastConnection          time.Time `json:"lastConnection"`
	LastRunStart            time.Time `json:"lastRunStart"`
	LastRunDurationMs       int64     `json:"lastRunDuration"`
}

// Snapshot is a copy of one connector's metrics.
type Snapshot struct {
	ConnectorID string            `json:"connectorId"`
	Kind        metricsstore.Kind `json:"kind"`
	North       *NorthMetrics     `json:"north,omitempty"`
	South       *SouthMetrics     `json:"south,omitempty"`
}

func (s Snapshot) clone() Snapshot {
	if s.North != nil {
		n := *s.North
		s.North = &n
	}
	if s.South != nil {
		v := *s.South
		s.South = &v
	}
	return s
}

// Option configures a Recorder.
type Option func(*Recorder)

// WithClock sets the clock stamping events.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Recorder) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Recorder) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithStore persists snapshots through store.
func WithStore(store metricsstore.Store) Option {
	return func(r *Recorder) {
		r.store = store
	}
}

// Recorder is the concurrency safe metrics registry for every connector.
type Recorder struct {
	clock  clockwork.Clock
	logger *zap.Logger
	store  metricsstore.Store
	stream *Stream

	mu       sync.Mutex
	entries  map[string]*Snapshot
	restored map[string]metricsstore.Record

	contentCounter    metric.Int64Counter
	elementsCounter   metric.Int64Counter
	retrievedCounter  metric.Int64Counter
	runDuration       metric.Float64Histogram
	cacheGauge        metric.Int64ObservableGauge
	gaugeRegistration metric.Registration
}

// NewRecorder constructs a Recorder.
func NewRecorder(opts ...Option) *Recorder {
	r := &Recorder{
		clock:    clockwork.NewRealClock(),
		logger:   zap.NewNop(),
		stream:   NewStream(8),
		entries:  make(map[string]*Snapshot),
		restored: make(map[string]metricsstore.Record),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}

	meter := otel.Meter("metrics")
	r.contentCounter, _ = meter.Int64Counter("north.content.size",
		metric.WithDescription("Bytes of content per outcome"),
		metric.WithUnit("By"))
	r.elementsCounter, _ = meter.Int64Counter("north.content.elements",
		metric.WithDescription("Elements delivered to destinations"),
		metric.WithUnit("{element}"))
	r.retrievedCounter, _ = meter.Int64Counter("south.content.retrieved",
		metric.WithDescription("Values and files retrieved from sources"),
		metric.WithUnit("{element}"))
	r.runDuration, _ = meter.Float64Histogram("connector.run.duration",
		metric.WithDescription("Duration of connector runs"),
		metric.WithUnit("ms"))
	r.cacheGauge, _ = meter.Int64ObservableGauge("north.cache.size",
		metric.WithDescription("Bytes currently held per destination area"),
		metric.WithUnit("By"))
	if r.cacheGauge != nil {
		r.gaugeRegistration, _ = meter.RegisterCallback(r.observeCaches, r.cacheGauge)
	}
	return r
}

// Register creates the metrics entry of a connector, restoring persisted
// counters when Load found some.
func (r *Recorder) Register(id string, kind metricsstore.Kind) {
	r.mu.Lock()
	defer r.mu.Unlock()
	if _, ok := r.entries[id]; ok {
		return
	}
	snap := &Snapshot{ConnectorID: id, Kind: kind}
	now := r.clock.Now().UTC()
	switch kind {
	case metricsstore.KindNorth:
		snap.North = &NorthMetrics{MetricsStart: now}
	default:
		snap.Kind = metricsstore.KindSouth
		snap.South = &SouthMetrics{MetricsStart: now}
	}
	if rec, ok := r.restored[id]; ok && rec.Kind == snap.Kind {
		var err error
		if snap.North != nil {
			err = json.Unmarshal(rec.Payload, snap.North)
		} else {
			err = json.Unmarshal(rec.Payload, snap.South)
		}
		if err != nil {
			r.logger.Warn("discarding persisted metrics", zap.String("connector", id), zap.Error(err))
			snap = &Snapshot{ConnectorID: id, Kind: snap.Kind}
			if snap.Kind == metricsstore.KindNorth {
				snap.North = &NorthMetrics{MetricsStart: now}
			} else {
				snap.South = &SouthMetrics{MetricsStart: now}
			}
		}
		delete(r.restored, id)
	}
	r.entries[id] = snap
}

// Unregister drops a connector and its persisted record.
func (r *Recorder) Unregister(ctx context.Context, id string) error {
	r.mu.Lock()
	delete(r.entries, id)
	delete(r.restored, id)
	r.mu.Unlock()
	if r.store == nil {
		return nil
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete metrics %s: %w", id, err)
	}
	return nil
}

// Ingested records content accepted into a destination cache.
func (r *Recorder) Ingested(id string, size int64) {
	r.updateNorth(id, func(m *NorthMetrics, _ time.Time) {
		m.ContentCachedSize += size
	})
	r.count(r.contentCounter, size, id, "cached")
}

// Sent records a successful delivery.
func (r *Recorder) Sent(id string, size int64, elements int) {
	r.updateNorth(id, func(m *NorthMetrics, now time.Time) {
		m.ContentSentSize += size
		m.ElementsSent += int64(elements)
		m.LastContentSent = now
	})
	r.count(r.contentCounter, size, id, "sent")
	r.count(r.elementsCounter, int64(elements), id, "sent")
}

// Errored records content moved to the error area.
func (r *Recorder) Errored(id string, size int64) {
	r.updateNorth(id, func(m *NorthMetrics, _ time.Time) {
		m.ContentErroredSize += size
	})
	r.count(r.contentCounter, size, id, "errored")
}

// Archived records content moved to the archive area.
func (r *Recorder) Archived(id string, size int64) {
	r.updateNorth(id, func(m *NorthMetrics, _ time.Time) {
		m.ContentArchivedSize += size
	})
	r.count(r.contentCounter, size, id, "archived")
}

// Removed records content discarded by an operator or retention.
func (r *Recorder) Removed(id string, size int64) {
	r.updateNorth(id, func(m *NorthMetrics, _ time.Time) {
		m.ContentRemovedSize += size
	})
	r.count(r.contentCounter, size, id, "removed")
}

// Retrieved records values and files produced by a source.
func (r *Recorder) Retrieved(id string, values, files int) {
	r.update(id, func(s *Snapshot, now time.Time) {
		if s.South == nil {
			return
		}
		if values > 0 {
			s.South.NumberOfValuesRetrieved += int64(values)
			s.South.LastValueRetrieved = now
		}
		if files > 0 {
			s.South.NumberOfFilesRetrieved += int64(files)
			s.South.LastFileRetrieved = now
		}
	})
	r.count(r.retrievedCounter, int64(values+files), id, "retrieved")
}

// ConnectionChanged stamps the last successful connection.
func (r *Recorder) ConnectionChanged(id string) {
	r.update(id, func(s *Snapshot, now time.Time) {
		if s.North != nil {
			s.North.LastConnection = now
		}
		if s.South != nil {
			s.South.LastConnection = now
		}
	})
}

// RunStarted stamps the start of a run and returns its start instant.
func (r *Recorder) RunStarted(id string) time.Time {
	start := r.clock.Now().UTC()
	r.update(id, func(s *Snapshot, _ time.Time) {
		if s.North != nil {
			s.North.LastRunStart = start
		}
		if s.South != nil {
			s.South.LastRunStart = start
		}
	})
	return start
}

// RunFinished records the duration of the run started at start.
func (r *Recorder) RunFinished(id string, start time.Time) {
	elapsed := r.clock.Since(start)
	r.update(id, func(s *Snapshot, _ time.Time) {
		if s.North != nil {
			s.North.LastRunDurationMs = elapsed.Milliseconds()
		}
		if s.South != nil {
			s.South.LastRunDurationMs = elapsed.Milliseconds()
		}
	})
	if r.runDuration != nil {
		r.runDuration.Record(context.Background(), float64(elapsed.Microseconds())/1000,
			metric.WithAttributes(telemetry.ConnectorAttributes(id, "")...))
	}
}

// CacheChanged mirrors the cache gauges of a destination.
func (r *Recorder) CacheChanged(destination string, state cache.State) {
	r.updateNorth(destination, func(m *NorthMetrics, _ time.Time) {
		m.CurrentCacheSize = state.PendingSize
		m.CurrentErrorSize = state.ErrorSize
		m.CurrentArchiveSize = state.ArchiveSize
	})
}

// Snapshot returns a copy of the metrics of id.
func (r *Recorder) Snapshot(id string) (Snapshot, error) {
	r.mu.Lock()
	defer r.mu.Unlock()
	snap, ok := r.entries[id]
	if !ok {
		return Snapshot{}, errs.New("metrics", errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("no metrics for %s", id)))
	}
	return snap.clone(), nil
}

// Reset zeroes cumulative counters and instants. Cache gauges are kept
// because they mirror what is on disk.
func (r *Recorder) Reset(id string) error {
	r.mu.Lock()
	snap, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return errs.New("metrics", errs.CodeNotFound, errs.WithMessage(fmt.Sprintf("no metrics for %s", id)))
	}
	now := r.clock.Now().UTC()
	if snap.North != nil {
		snap.North = &NorthMetrics{
			MetricsStart:       now,
			CurrentCacheSize:   snap.North.CurrentCacheSize,
			CurrentErrorSize:   snap.North.CurrentErrorSize,
			CurrentArchiveSize: snap.North.CurrentArchiveSize,
		}
	}
	if snap.South != nil {
		snap.South = &SouthMetrics{MetricsStart: now}
	}
	out := snap.clone()
	r.mu.Unlock()
	r.stream.Publish(out)
	return nil
}

// Subscribe streams snapshots of id after every change. The current
// snapshot is delivered first.
func (r *Recorder) Subscribe(ctx context.Context, id string) (<-chan Snapshot, func(), error) {
	current, err := r.Snapshot(id)
	if err != nil {
		return nil, nil, err
	}
	ch, cancel := r.stream.Subscribe(ctx, id)
	r.stream.Publish(current)
	return ch, cancel, nil
}

// Load restores persisted counters. Entries registered afterwards pick them up.
func (r *Recorder) Load(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	records, err := r.store.Load(ctx)
	if err != nil {
		return fmt.Errorf("load metrics: %w", err)
	}
	r.mu.Lock()
	for _, rec := range records {
		r.restored[rec.ConnectorID] = rec
	}
	r.mu.Unlock()
	return nil
}

// Flush persists every snapshot.
func (r *Recorder) Flush(ctx context.Context) error {
	if r.store == nil {
		return nil
	}
	now := r.clock.Now().UTC()
	r.mu.Lock()
	ids := make([]string, 0, len(r.entries))
	for id := range r.entries {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	records := make([]metricsstore.Record, 0, len(ids))
	for _, id := range ids {
		snap := r.entries[id]
		var body any = snap.South
		if snap.North != nil {
			body = snap.North
		}
		payload, err := json.Marshal(body)
		if err != nil {
			r.mu.Unlock()
			return fmt.Errorf("encode metrics %s: %w", id, err)
		}
		records = append(records, metricsstore.Record{ConnectorID: id, Kind: snap.Kind, Payload: payload, UpdatedAt: now})
	}
	r.mu.Unlock()
	if len(records) == 0 {
		return nil
	}
	if err := r.store.Save(ctx, records); err != nil {
		return fmt.Errorf("save metrics: %w", err)
	}
	return nil
}

// Run flushes every interval until ctx ends, then flushes once more.
func (r *Recorder) Run(ctx context.Context, interval time.Duration) {
	if interval <= 0 {
		interval = time.Minute
	}
	ticker := r.clock.NewTicker(interval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			flushCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
			if err := r.Flush(flushCtx); err != nil {
				r.logger.Warn("final metrics flush failed", zap.Error(err))
			}
			cancel()
			return
		case <-ticker.Chan():
			if err := r.Flush(ctx); err != nil {
				r.logger.Warn("metrics flush failed", zap.Error(err))
			}
		}
	}
}

// Close ends every subscription and detaches the gauge callback.
func (r *Recorder) Close() {
	r.stream.Close()
	if r.gaugeRegistration != nil {
		_ = r.gaugeRegistration.Unregister()
	}
}

func (r *Recorder) updateNorth(id string, fn func(*NorthMetrics, time.Time)) {
	r.update(id, func(s *Snapshot, now time.Time) {
		if s.North != nil {
			fn(s.North, now)
		}
	})
}

func (r *Recorder) update(id string, fn func(*Snapshot, time.Time)) {
	r.mu.Lock()
	snap, ok := r.entries[id]
	if !ok {
		r.mu.Unlock()
		return
	}
	fn(snap, r.clock.Now().UTC())
	out := snap.clone()
	r.mu.Unlock()
	r.stream.Publish(out)
}

func (r *Recorder) count(counter metric.Int64Counter, n int64, id, outcome string) {
	if counter == nil || n <= 0 {
		return
	}
	counter.Add(context.Background(), n, metric.WithAttributes(telemetry.ConnectorAttributes(id, outcome)...))
}

func (r *Recorder) observeCaches(_ context.Context, observer metric.Observer) error {
	r.mu.Lock()
	defer r.mu.Unlock()
	for id, snap := range r.entries {
		if snap.North == nil {
			continue
		}
		for area, size := range map[string]int64{
			telemetry.AreaCache:   snap.North.CurrentCacheSize,
			telemetry.AreaError:   snap.North.CurrentErrorSize,
			telemetry.AreaArchive: snap.North.CurrentArchiveSize,
		} {
			observer.ObserveInt64(r.cacheGauge, size, metric.WithAttributes(telemetry.CacheAreaAttributes(id, area)...))
		}
	}
	return nil
}

var _ cache.Observer = (*Recorder)(nil)
