package south

import (
	"context"
	"fmt"
	"sort"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"github.com/sourcegraph/conc"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/telemetry"
)

const maxResubscribeInterval = time.Minute

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Runner) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Runner) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRecorder wires acquisition metrics.
func WithRecorder(recorder Recorder) Option {
	return func(r *Runner) {
		if recorder != nil {
			r.recorder = recorder
		}
	}
}

// Runner drives one source: polls on scan ticks and keeps subscriptions alive.
type Runner struct {
	id        string
	connector Connector
	items     []Item
	sink      Sink
	recorder  Recorder
	clock     clockwork.Clock
	logger    *zap.Logger

	connMu    sync.Mutex
	connected bool

	lifeMu sync.Mutex
	ctx    context.Context
	cancel context.CancelFunc
	wg     *conc.WaitGroup
	// queue holds scan modes waiting to poll, in tick order. queued also
	// covers the mode being polled. Both are guarded by lifeMu.
	queue    []string
	queued   map[string]bool
	draining bool

	skippedCounter metric.Int64Counter
}

// NewRunner checks the connector supports the scan modes its items use.
func NewRunner(id string, connector Connector, items []Item, sink Sink, opts ...Option) (*Runner, error) {
	if connector == nil {
		return nil, errs.New("south", errs.CodeConfiguration, errs.WithMessage("connector required"))
	}
	if sink == nil {
		return nil, errs.New("south", errs.CodeConfiguration, errs.WithMessage("sink required"))
	}
	r := &Runner{
		id:        id,
		connector: connector,
		items:     append([]Item(nil), items...),
		recorder:  nopRecorder{},
		clock:     clockwork.NewRealClock(),
		logger:    zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	r.logger = r.logger.With(zap.String("source", id))
	r.sink = SinkFunc(func(ctx context.Context, c content.Content) error {
		if err := sink.Ingest(ctx, c); err != nil {
			return err
		}
		if c.Type == content.TypeFile {
			r.recorder.Retrieved(r.id, 0, 1)
		} else {
			r.recorder.Retrieved(r.id, len(c.Values), 0)
		}
		return nil
	})

	_, polls := connector.(Poller)
	_, subscribes := connector.(Subscriber)
	for _, item := range r.items {
		if !item.Enabled {
			continue
		}
		switch {
		case item.ScanModeID == "":
			return nil, errs.New("south", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("item %s has no scan mode", item.ID)))
		case item.ScanModeID == scanmodestore.SubscriptionID && !subscribes:
			return nil, errs.New("south", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("source %s does not support subscriptions (item %s)", id, item.ID)))
		case item.ScanModeID != scanmodestore.SubscriptionID && !polls:
			return nil, errs.New("south", errs.CodeConfiguration,
				errs.WithMessage(fmt.Sprintf("source %s does not support polling (item %s)", id, item.ID)))
		}
	}

	meter := otel.Meter("south")
	r.skippedCounter, _ = meter.Int64Counter("south.ticks.skipped",
		metric.WithDescription("Scan ticks skipped because a run was still active"),
		metric.WithUnit("{tick}"))
	return r, nil
}

// ID returns the source id.
func (r *Runner) ID() string { return r.id }

// ScanModes lists the distinct timed scan modes used by enabled items.
func (r *Runner) ScanModes() []string {
	seen := make(map[string]struct{})
	for _, item := range r.items {
		if item.Enabled && item.ScanModeID != scanmodestore.SubscriptionID {
			seen[item.ScanModeID] = struct{}{}
		}
	}
	out := make([]string, 0, len(seen))
	for id := range seen {
		out = append(out, id)
	}
	sort.Strings(out)
	return out
}

// References reports whether an enabled item uses scanModeID.
func (r *Runner) References(scanModeID string) bool {
	for _, item := range r.items {
		if item.Enabled && item.ScanModeID == scanModeID {
			return true
		}
	}
	return false
}

func (r *Runner) itemsFor(scanModeID string) []Item {
	var out []Item
	for _, item := range r.items {
		if item.Enabled && item.ScanModeID == scanModeID {
			out = append(out, item)
		}
	}
	return out
}

// Start connects and launches subscriptions. Polls run from OnTick.
func (r *Runner) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.cancel != nil {
		return errs.New("south", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("source %s already started", r.id)))
	}
	r.ctx, r.cancel = context.WithCancel(ctx)
	r.wg = conc.NewWaitGroup()
	r.queue, r.queued, r.draining = nil, make(map[string]bool), false

	if err := r.ensureConnected(r.ctx); err != nil {
		// Polls retry the connection on the next tick.
		r.logger.Warn("initial connection failed", zap.Error(err))
	}
	if sub, ok := r.connector.(Subscriber); ok {
		if items := r.itemsFor(scanmodestore.SubscriptionID); len(items) > 0 {
			runCtx := r.ctx
			r.wg.Go(func() { r.subscribeLoop(runCtx, sub, items) })
		}
	}
	r.logger.Info("source started", zap.Int("items", len(r.items)))
	return nil
}

// Stop cancels running acquisitions, waits for them and disconnects.
func (r *Runner) Stop(ctx context.Context) error {
	r.lifeMu.Lock()
	cancel, wg := r.cancel, r.wg
	r.cancel, r.wg, r.ctx = nil, nil, nil
	r.lifeMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()

	done := make(chan struct{})
	go func() {
		defer close(done)
		if rec := wg.WaitAndRecover(); rec != nil {
			r.logger.Error("source goroutine panicked", zap.String("panic", rec.String()))
		}
	}()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop source %s: %w", r.id, ctx.Err())
	}

	r.connMu.Lock()
	defer r.connMu.Unlock()
	if !r.connected {
		r.logger.Info("source stopped")
		return nil
	}
	r.connected = false
	r.logger.Info("source stopped")
	return r.connector.Disconnect(ctx)
}

// OnTick implements scheduler.Listener. Polls run one at a time in tick
// order; a tick for a scan mode that is already queued or polling is skipped.
func (r *Runner) OnTick(_ context.Context, scanModeID string) error {
	poller, ok := r.connector.(Poller)
	if !ok {
		return nil
	}
	if len(r.itemsFor(scanModeID)) == 0 {
		return nil
	}
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.cancel == nil {
		return nil
	}
	if r.queued[scanModeID] {
		r.logger.Debug("scan mode still queued or polling, skipping tick", zap.String("scanMode", scanModeID))
		if r.skippedCounter != nil {
			r.skippedCounter.Add(context.Background(), 1, metric.WithAttributes(telemetry.SourceAttributes(r.id)...))
		}
		return nil
	}
	r.queued[scanModeID] = true
	r.queue = append(r.queue, scanModeID)
	if !r.draining {
		r.draining = true
		runCtx := r.ctx
		r.wg.Go(func() { r.drain(runCtx, poller) })
	}
	return nil
}

// drain polls queued scan modes until the queue is empty or ctx ends.
func (r *Runner) drain(ctx context.Context, poller Poller) {
	for {
		r.lifeMu.Lock()
		if r.ctx != ctx {
			// Stopped; a later Start owns the queue.
			r.lifeMu.Unlock()
			return
		}
		if len(r.queue) == 0 {
			r.draining = false
			r.lifeMu.Unlock()
			return
		}
		scanModeID := r.queue[0]
		r.queue = r.queue[1:]
		r.lifeMu.Unlock()

		r.poll(ctx, poller, scanModeID, r.itemsFor(scanModeID))

		r.lifeMu.Lock()
		if r.ctx == ctx {
			delete(r.queued, scanModeID)
		}
		r.lifeMu.Unlock()
	}
}

func (r *Runner) poll(ctx context.Context, poller Poller, scanModeID string, items []Item) {
	start := r.recorder.RunStarted(r.id)
	defer r.recorder.RunFinished(r.id, start)
	if err := r.ensureConnected(ctx); err != nil {
		r.logger.Warn("connection failed", zap.Error(err))
		return
	}
	if err := poller.Poll(ctx, scanModeID, items, r.sink); err != nil && ctx.Err() == nil {
		r.logger.Warn("poll failed", zap.String("scanMode", scanModeID), zap.Error(err))
		if errs.IsCode(err, errs.CodeTransport) || errs.IsCode(err, errs.CodeUnavailable) {
			r.markDisconnected(ctx)
		}
	}
}

func (r *Runner) subscribeLoop(ctx context.Context, sub Subscriber, items []Item) {
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxResubscribeInterval
	for {
		if err := r.ensureConnected(ctx); err == nil {
			err = sub.Subscribe(ctx, items, r.sink)
			if ctx.Err() != nil {
				return
			}
			r.logger.Warn("subscription ended", zap.Error(err))
			r.markDisconnected(ctx)
		} else if ctx.Err() != nil {
			return
		} else {
			r.logger.Warn("connection failed", zap.Error(err))
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxResubscribeInterval
		}
		select {
		case <-ctx.Done():
			return
		case <-r.clock.After(sleep):
		}
	}
}

func (r *Runner) ensureConnected(ctx context.Context) error {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if r.connected {
		return nil
	}
	if err := r.connector.Connect(ctx); err != nil {
		return fmt.Errorf("connect %s: %w", r.id, err)
	}
	r.connected = true
	r.recorder.ConnectionChanged(r.id)
	return nil
}

func (r *Runner) markDisconnected(ctx context.Context) {
	r.connMu.Lock()
	defer r.connMu.Unlock()
	if !r.connected {
		return
	}
	r.connected = false
	if err := r.connector.Disconnect(ctx); err != nil {
		r.logger.Debug("disconnect failed", zap.Error(err))
	}
}
