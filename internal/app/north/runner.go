package north

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"sync"
	"time"

	"github.com/cenkalti/backoff/v5"
	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"
	"golang.org/x/time/rate"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/transform"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/telemetry"
)

const (
	defaultConnectTries = 3
	maxConnectInterval  = 30 * time.Second
	workDirName         = "work"
)

// peekWindow caps how many items one batch considers when no element limit is set.
const peekWindow = 1000

// Outcome is how a delivery run ended.
type Outcome int

const (
	OutcomeIdle Outcome = iota
	OutcomeSuccess
	OutcomeFailed
	OutcomeAborted
)

func (o Outcome) String() string {
	switch o {
	case OutcomeIdle:
		return "idle"
	case OutcomeSuccess:
		return "success"
	case OutcomeFailed:
		return "failed"
	case OutcomeAborted:
		return "aborted"
	default:
		return fmt.Sprintf("outcome(%d)", int(o))
	}
}

// Result describes one delivery run.
type Result struct {
	Outcome  Outcome
	IDs      []uint64
	Elements int

	// Errored lists items moved to the error area by this run.
	Errored []uint64
	Err     error
}

// Option configures a Runner.
type Option func(*Runner)

// WithClock sets the clock driving cooldowns.
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

// WithRecorder wires delivery metrics.
func WithRecorder(recorder Recorder) Option {
	return func(r *Runner) {
		if recorder != nil {
			r.recorder = recorder
		}
	}
}

// WithChain installs the transformer chain applied before sending.
func WithChain(chain *transform.Chain) Option {
	return func(r *Runner) {
		r.chain = chain
	}
}

// WithConnectTries bounds connection attempts per run.
func WithConnectTries(n uint) Option {
	return func(r *Runner) {
		if n > 0 {
			r.connectTries = n
		}
	}
}

// Runner moves content from a destination cache to its connector.
type Runner struct {
	id        string
	settings  Settings
	connector Connector
	cache     *cache.Set
	chain     *transform.Chain
	recorder  Recorder
	clock     clockwork.Clock
	logger    *zap.Logger
	limiter   *rate.Limiter
	workDir   string

	connectTries uint

	wake chan struct{}

	runMu     sync.Mutex
	connected bool

	lifeMu sync.Mutex
	cancel context.CancelFunc
	done   chan struct{}

	runCounter metric.Int64Counter
}

// NewRunner validates settings against the connector and transformer chain.
func NewRunner(id string, settings Settings, connector Connector, set *cache.Set, opts ...Option) (*Runner, error) {
	if connector == nil {
		return nil, errs.New("north", errs.CodeConfiguration, errs.WithMessage("connector required"))
	}
	if set == nil {
		return nil, errs.New("north", errs.CodeConfiguration, errs.WithMessage("cache required"))
	}
	if err := settings.Validate(); err != nil {
		return nil, err
	}
	r := &Runner{
		id:           id,
		settings:     settings,
		connector:    connector,
		cache:        set,
		recorder:     nopRecorder{},
		clock:        clockwork.NewRealClock(),
		logger:       zap.NewNop(),
		workDir:      filepath.Join(set.Dir(), workDirName),
		connectTries: defaultConnectTries,
		wake:         make(chan struct{}, 1),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	if err := r.chain.Validate(connector.Accepts()); err != nil {
		return nil, err
	}
	r.logger = r.logger.With(zap.String("destination", id))
	limit := rate.Inf
	if settings.Throttling.RunMinDelay > 0 {
		limit = rate.Every(settings.Throttling.RunMinDelay)
	}
	r.limiter = rate.NewLimiter(limit, 1)

	meter := otel.Meter("north")
	r.runCounter, _ = meter.Int64Counter("north.runs",
		metric.WithDescription("Delivery runs per outcome"),
		metric.WithUnit("{run}"))
	return r, nil
}

// ID returns the destination id.
func (r *Runner) ID() string { return r.id }

// Settings returns the runner settings.
func (r *Runner) Settings() Settings { return r.settings }

// Cache returns the destination cache.
func (r *Runner) Cache() *cache.Set { return r.cache }

// Accepts reports whether content of type t can reach the connector.
func (r *Runner) Accepts(t content.Type) bool {
	out := r.chain.OutputFor(t)
	for _, accepted := range r.connector.Accepts() {
		if accepted == out {
			return true
		}
	}
	return false
}

// Start launches the delivery loop.
func (r *Runner) Start(ctx context.Context) error {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	if r.cancel != nil {
		return errs.New("north", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("destination %s already started", r.id)))
	}
	if err := os.RemoveAll(r.workDir); err != nil {
		r.logger.Warn("clear work dir failed", zap.Error(err))
	}
	loopCtx, cancel := context.WithCancel(ctx)
	r.cancel = cancel
	r.done = make(chan struct{})
	go r.loop(loopCtx, r.done)
	r.Notify()
	r.logger.Info("destination started")
	return nil
}

// Stop aborts any in-flight send, waits for the loop and disconnects.
func (r *Runner) Stop(ctx context.Context) error {
	r.lifeMu.Lock()
	cancel, done := r.cancel, r.done
	r.cancel, r.done = nil, nil
	r.lifeMu.Unlock()
	if cancel == nil {
		return nil
	}
	cancel()
	select {
	case <-done:
	case <-ctx.Done():
		return fmt.Errorf("stop destination %s: %w", r.id, ctx.Err())
	}

	r.runMu.Lock()
	defer r.runMu.Unlock()
	var err error
	if r.connected {
		err = r.connector.Disconnect(ctx)
		r.connected = false
	}
	r.logger.Info("destination stopped")
	return err
}

// Running reports whether the loop is active.
func (r *Runner) Running() bool {
	r.lifeMu.Lock()
	defer r.lifeMu.Unlock()
	return r.cancel != nil
}

// Trigger wakes the loop. Concurrent triggers coalesce.
func (r *Runner) Trigger() {
	select {
	case r.wake <- struct{}{}:
	default:
	}
}

// OnTick implements scheduler.Listener.
func (r *Runner) OnTick(context.Context, string) error {
	r.Trigger()
	return nil
}

// Notify triggers the loop when pending content reaches a threshold.
func (r *Runner) Notify() {
	state := r.cache.State()
	t := r.settings.Trigger
	if (t.NumberOfElements > 0 && state.PendingElements >= t.NumberOfElements) ||
		(t.NumberOfFiles > 0 && state.PendingFiles >= t.NumberOfFiles) {
		r.Trigger()
	}
}

func (r *Runner) loop(ctx context.Context, done chan struct{}) {
	defer close(done)
	armed := false
	var notBefore time.Time
	for {
		if !armed {
			select {
			case <-ctx.Done():
				return
			case <-r.wake:
			}
			armed = true
		}

		now := r.clock.Now()
		wait := notBefore.Sub(now)
		if delay := r.limiter.ReserveN(now, 1).DelayFrom(now); delay > wait {
			wait = delay
		}
		if wait > 0 {
			timer := r.clock.NewTimer(wait)
			select {
			case <-ctx.Done():
				timer.Stop()
				return
			case <-timer.Chan():
			}
		}

		res := r.run(ctx)
		switch res.Outcome {
		case OutcomeAborted:
			return
		case OutcomeFailed:
			notBefore = r.clock.Now().Add(r.settings.Retry.Interval)
		default:
			notBefore = time.Time{}
		}
		armed = r.cache.State().PendingCount > 0
	}
}

// RunOnce performs one synchronous delivery cycle, ignoring cooldowns.
func (r *Runner) RunOnce(ctx context.Context) Result {
	return r.run(ctx)
}

func (r *Runner) run(ctx context.Context) Result {
	r.runMu.Lock()
	defer r.runMu.Unlock()
	if ctx.Err() != nil {
		return Result{Outcome: OutcomeAborted, Err: ctx.Err()}
	}

	if r.settings.Compaction {
		if n, err := r.cache.Compact(cache.Limits{
			MaxElements: r.settings.Throttling.MaxNumberOfElements,
			MaxSize:     r.settings.Throttling.MaxSize,
		}); err != nil {
			r.logger.Warn("cache compaction failed", zap.Error(err))
		} else if n > 0 {
			r.logger.Debug("cache compacted", zap.Int("absorbed", n))
		}
	}

	batch := r.nextBatch()
	if len(batch) == 0 {
		return Result{Outcome: OutcomeIdle}
	}
	start := r.recorder.RunStarted(r.id)
	defer r.recorder.RunFinished(r.id, start)
	r.cache.MarkAttempt(r.clock.Now().UTC())

	res := r.deliver(ctx, batch)
	if r.runCounter != nil {
		r.runCounter.Add(context.Background(), 1,
			metric.WithAttributes(telemetry.DestinationAttributes(r.id, res.Outcome.String())...))
	}
	return res
}

func (r *Runner) deliver(ctx context.Context, batch []content.Metadata) Result {
	ids := idsOf(batch)
	elements := 0
	for _, meta := range batch {
		elements += meta.NumberOfElements
	}
	res := Result{IDs: ids, Elements: elements}

	if err := r.ensureConnected(ctx); err != nil {
		res.Err = err
		if ctx.Err() != nil {
			res.Outcome = OutcomeAborted
			return res
		}
		r.logger.Warn("connection failed", zap.Error(err))
		res.Outcome = OutcomeFailed
		return res
	}

	payload, err := r.buildPayload(batch)
	if err != nil {
		return r.fail(batch, res, err)
	}
	out, produced, err := r.chain.Apply(ctx, payload, r.workDir)
	defer removeFiles(produced)
	if err != nil {
		if ctx.Err() != nil {
			res.Outcome, res.Err = OutcomeAborted, ctx.Err()
			return res
		}
		if !errs.IsPermanent(err) {
			err = errs.New("north", errs.CodeInvalid, errs.Permanent(),
				errs.WithMessage("transformation failed"), errs.WithCause(err))
		}
		return r.fail(batch, res, err)
	}

	if err := r.send(ctx, out); err != nil {
		if ctx.Err() != nil {
			r.logger.Info("delivery aborted", zap.Uint64s("metadataIds", ids))
			res.Outcome, res.Err = OutcomeAborted, err
			return res
		}
		return r.fail(batch, res, err)
	}
	return r.succeed(batch, res)
}

// nextBatch peeks the oldest pending items that fit the throttling limits.
// The first item is always taken. A file travels alone.
func (r *Runner) nextBatch() []content.Metadata {
	limits := r.settings.Throttling
	window := peekWindow
	if limits.MaxNumberOfElements > 0 {
		window = limits.MaxNumberOfElements
	}
	pending := r.cache.Peek(window)
	if len(pending) == 0 {
		return nil
	}
	first := pending[0]
	batch := []content.Metadata{first}
	if first.IsFile() {
		return batch
	}
	size, elements := first.ContentSize, first.NumberOfElements
	for _, meta := range pending[1:] {
		if meta.IsFile() {
			break
		}
		if limits.MaxNumberOfElements > 0 && elements+meta.NumberOfElements > limits.MaxNumberOfElements {
			break
		}
		if limits.MaxSize > 0 && size+meta.ContentSize > limits.MaxSize {
			break
		}
		batch = append(batch, meta)
		size += meta.ContentSize
		elements += meta.NumberOfElements
	}
	return batch
}

func (r *Runner) buildPayload(batch []content.Metadata) (content.Payload, error) {
	first := batch[0]
	payload := content.Payload{Type: first.ContentType, Source: first.Source, Items: batch}
	if first.IsFile() {
		payload.FilePath = r.cache.ContentPath(content.AreaCache, first)
		payload.Filename = first.Name()
		return payload, nil
	}
	for _, meta := range batch {
		values, err := r.cache.ReadValues(content.AreaCache, meta)
		if err != nil {
			return content.Payload{}, errs.New("north", errs.CodeCorruptCacheEntry, errs.Permanent(),
				errs.WithMessage(fmt.Sprintf("read item %d", meta.ID)), errs.WithCause(err))
		}
		payload.Values = append(payload.Values, values...)
	}
	return payload, nil
}

func (r *Runner) ensureConnected(ctx context.Context) error {
	if r.connected {
		return nil
	}
	policy := backoff.NewExponentialBackOff()
	policy.MaxInterval = maxConnectInterval
	var err error
	for attempt := uint(1); ; attempt++ {
		if err = r.connector.Connect(ctx); err == nil {
			r.connected = true
			r.recorder.ConnectionChanged(r.id)
			r.logger.Info("connected")
			return nil
		}
		if attempt >= r.connectTries || errs.IsPermanent(err) {
			return fmt.Errorf("connect %s: %w", r.id, err)
		}
		sleep := policy.NextBackOff()
		if sleep == backoff.Stop {
			sleep = maxConnectInterval
		}
		select {
		case <-ctx.Done():
			return ctx.Err()
		case <-r.clock.After(sleep):
		}
	}
}

// send runs Send under the send timeout. A timed out Send is abandoned.
func (r *Runner) send(ctx context.Context, payload content.Payload) error {
	sendCtx := ctx
	if r.settings.SendTimeout > 0 {
		var cancel context.CancelFunc
		sendCtx, cancel = context.WithTimeout(ctx, r.settings.SendTimeout)
		defer cancel()
	}
	result := make(chan error, 1)
	go func() {
		defer func() {
			if rec := recover(); rec != nil {
				result <- fmt.Errorf("connector panic: %v", rec)
			}
		}()
		result <- r.connector.Send(sendCtx, payload)
	}()
	var err error
	select {
	case err = <-result:
	case <-sendCtx.Done():
		err = sendCtx.Err()
	}
	if err != nil && ctx.Err() == nil && sendCtx.Err() != nil {
		return errs.New("north", errs.CodeTransport,
			errs.WithMessage(fmt.Sprintf("send timed out after %s", r.settings.SendTimeout)), errs.WithCause(err))
	}
	return err
}

func (r *Runner) succeed(batch []content.Metadata, res Result) Result {
	now := r.clock.Now().UTC()
	r.cache.MarkSuccess(now)
	var size int64
	for _, meta := range batch {
		size += meta.ContentSize
	}
	if r.settings.Archive.Enabled {
		moved, err := r.cache.Move(content.AreaCache, content.AreaArchive, res.IDs, func(m *content.Metadata) {
			m.ArchivedAt = &now
			m.LastError = ""
		})
		if err != nil {
			r.logger.Error("archive delivered content failed", zap.Error(err))
		}
		r.recorder.Archived(r.id, sizeOf(moved))
	} else if _, err := r.cache.Remove(content.AreaCache, res.IDs); err != nil {
		r.logger.Error("remove delivered content failed", zap.Error(err))
	}
	r.recorder.Sent(r.id, size, res.Elements)
	r.logger.Debug("batch delivered", zap.Uint64s("metadataIds", res.IDs), zap.Int("elements", res.Elements))
	res.Outcome = OutcomeSuccess
	return res
}

// fail records the attempt and quarantines items that exhausted their budget
// or were rejected permanently.
func (r *Runner) fail(batch []content.Metadata, res Result, cause error) Result {
	res.Outcome, res.Err = OutcomeFailed, cause
	now := r.clock.Now().UTC()
	msg := cause.Error()
	permanent := errs.IsPermanent(cause)
	quarantine := func(m *content.Metadata) {
		if permanent {
			m.Attempts++
		}
		m.LastError = msg
		m.ErroredAt = &now
	}

	var toError []uint64
	if permanent {
		toError = res.IDs
		r.logger.Warn("content rejected", zap.Uint64s("metadataIds", res.IDs), zap.Error(cause))
	} else {
		updated, err := r.cache.Update(content.AreaCache, res.IDs, func(m *content.Metadata) {
			m.Attempts++
			m.LastError = msg
		})
		if err != nil {
			r.logger.Error("record delivery attempt failed", zap.Error(err))
		}
		for _, meta := range updated {
			if r.settings.Retry.Count > 0 && meta.Attempts >= r.settings.Retry.Count {
				toError = append(toError, meta.ID)
			}
		}
		r.logger.Warn("delivery failed", zap.Uint64s("metadataIds", res.IDs), zap.Error(cause))
	}
	if len(toError) == 0 {
		return res
	}
	moved, err := r.cache.Move(content.AreaCache, content.AreaError, toError, quarantine)
	if err != nil {
		r.logger.Error("move content to error area failed", zap.Error(err))
	}
	res.Errored = idsOf(moved)
	r.recorder.Errored(r.id, sizeOf(moved))
	return res
}

func idsOf(items []content.Metadata) []uint64 {
	ids := make([]uint64, len(items))
	for i, meta := range items {
		ids[i] = meta.ID
	}
	return ids
}

func sizeOf(items []content.Metadata) int64 {
	var total int64
	for _, meta := range items {
		total += meta.ContentSize
	}
	return total
}

func removeFiles(paths []string) {
	for _, path := range paths {
		_ = os.Remove(path)
	}
}
