// Package scheduler runs one recurring cron timer per scan mode in use and fans ticks out to listeners.
package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/jonboulle/clockwork"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/metric"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/cron"
	"github.com/coachpo/fieldgate/internal/infra/telemetry"
)

// ErrStopped is returned when subscribing to a stopped scheduler.
var ErrStopped = errors.New("scheduler stopped")

// Listener receives scan mode ticks. Each listener is called on its own
// goroutine, so a slow listener never delays the timer or its peers.
type Listener interface {
	OnTick(ctx context.Context, scanModeID string) error
}

// ListenerFunc adapts a function to Listener.
type ListenerFunc func(ctx context.Context, scanModeID string) error

// OnTick implements Listener.
func (f ListenerFunc) OnTick(ctx context.Context, scanModeID string) error {
	return f(ctx, scanModeID)
}

// Option configures a Scheduler.
type Option func(*Scheduler)

// WithClock sets the clock driving the timers.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Scheduler) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Scheduler) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// Scheduler owns the per scan mode timers.
type Scheduler struct {
	clock  clockwork.Clock
	logger *zap.Logger

	ctx    context.Context
	cancel context.CancelFunc

	mu      sync.Mutex
	jobs    map[string]*job
	token   uint64
	stopped bool
	wg      sync.WaitGroup

	tickCounter    metric.Int64Counter
	failureCounter metric.Int64Counter
}

type job struct {
	modeID    string
	schedule  *cron.Schedule
	listeners map[uint64]Listener
	changed   chan struct{}
	stop      chan struct{}
}

// New constructs a Scheduler.
func New(opts ...Option) *Scheduler {
	ctx, cancel := context.WithCancel(context.Background())
	s := &Scheduler{
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
		ctx:    ctx,
		cancel: cancel,
		jobs:   make(map[string]*job),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	meter := otel.Meter("scheduler")
	s.tickCounter, _ = meter.Int64Counter("scheduler.ticks",
		metric.WithDescription("Number of scan mode ticks fired"),
		metric.WithUnit("{tick}"))
	s.failureCounter, _ = meter.Int64Counter("scheduler.listener.failures",
		metric.WithDescription("Number of listener errors or panics during a tick"),
		metric.WithUnit("{failure}"))
	return s
}

// Subscribe registers listener on the scan mode, creating its timer when it
// is the first one. The returned function unregisters it; dropping the last
// listener disposes the timer. The subscription scan mode is never timed.
func (s *Scheduler) Subscribe(mode scanmodestore.ScanMode, listener Listener) (func(), error) {
	if listener == nil {
		return nil, errs.New("scheduler", errs.CodeInvalid, errs.WithMessage("listener required"))
	}
	if mode.IsSubscription() {
		return func() {}, nil
	}
	schedule, err := cron.Parse(mode.Cron)
	if err != nil {
		return nil, fmt.Errorf("scan mode %s: %w", mode.ID, err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if s.stopped {
		return nil, ErrStopped
	}
	j, ok := s.jobs[mode.ID]
	if !ok {
		j = &job{
			modeID:    mode.ID,
			schedule:  schedule,
			listeners: make(map[uint64]Listener),
			changed:   make(chan struct{}, 1),
			stop:      make(chan struct{}),
		}
		s.jobs[mode.ID] = j
		s.wg.Add(1)
		go s.run(j)
		s.logger.Debug("scan mode timer created", zap.String("scanMode", mode.ID), zap.String("cron", schedule.String()))
	}
	s.token++
	token := s.token
	j.listeners[token] = listener

	var once sync.Once
	return func() {
		once.Do(func() { s.unsubscribe(mode.ID, token) })
	}, nil
}

func (s *Scheduler) unsubscribe(modeID string, token uint64) {
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[modeID]
	if !ok {
		return
	}
	delete(j.listeners, token)
	if len(j.listeners) == 0 {
		delete(s.jobs, modeID)
		close(j.stop)
		s.logger.Debug("scan mode timer disposed", zap.String("scanMode", modeID))
	}
}

// Reschedule swaps the expression of a live timer. Unused scan modes are ignored.
func (s *Scheduler) Reschedule(mode scanmodestore.ScanMode) error {
	if mode.IsSubscription() {
		return nil
	}
	schedule, err := cron.Parse(mode.Cron)
	if err != nil {
		return fmt.Errorf("scan mode %s: %w", mode.ID, err)
	}
	s.mu.Lock()
	defer s.mu.Unlock()
	j, ok := s.jobs[mode.ID]
	if !ok {
		return nil
	}
	j.schedule = schedule
	select {
	case j.changed <- struct{}{}:
	default:
	}
	s.logger.Info("scan mode rescheduled", zap.String("scanMode", mode.ID), zap.String("cron", schedule.String()))
	return nil
}

// Active returns the ids of scan modes that currently own a timer.
func (s *Scheduler) Active() []string {
	s.mu.Lock()
	defer s.mu.Unlock()
	ids := make([]string, 0, len(s.jobs))
	for id := range s.jobs {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}

// Stop disposes every timer and waits for the timer and listener goroutines to exit.
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if s.stopped {
		s.mu.Unlock()
		return
	}
	s.stopped = true
	for id, j := range s.jobs {
		close(j.stop)
		delete(s.jobs, id)
	}
	s.mu.Unlock()
	s.cancel()
	s.wg.Wait()
}

func (s *Scheduler) run(j *job) {
	defer s.wg.Done()
	for {
		s.mu.Lock()
		schedule := j.schedule
		s.mu.Unlock()

		now := s.clock.Now()
		next := schedule.Next(now)
		if next.IsZero() {
			s.logger.Warn("scan mode has no future activation", zap.String("scanMode", j.modeID))
			select {
			case <-j.stop:
				return
			case <-j.changed:
				continue
			}
		}

		timer := s.clock.NewTimer(next.Sub(now))
		select {
		case <-j.stop:
			timer.Stop()
			return
		case <-j.changed:
			timer.Stop()
		case <-timer.Chan():
			s.fire(j)
		}
	}
}

func (s *Scheduler) fire(j *job) {
	s.mu.Lock()
	tokens := make([]uint64, 0, len(j.listeners))
	for token := range j.listeners {
		tokens = append(tokens, token)
	}
	sort.Slice(tokens, func(a, b int) bool { return tokens[a] < tokens[b] })
	listeners := make([]Listener, 0, len(tokens))
	for _, token := range tokens {
		listeners = append(listeners, j.listeners[token])
	}
	s.mu.Unlock()

	attrs := metric.WithAttributes(telemetry.ScanModeAttributes(j.modeID)...)
	s.tickCounter.Add(s.ctx, 1, attrs)
	// The caller's run goroutine holds a wg slot, so Add cannot race Stop's Wait.
	s.wg.Add(len(listeners))
	for _, listener := range listeners {
		go func() {
			defer s.wg.Done()
			if err := s.notify(listener, j.modeID); err != nil {
				s.failureCounter.Add(s.ctx, 1, attrs)
				s.logger.Error("scan mode listener failed", zap.String("scanMode", j.modeID), zap.Error(err))
			}
		}()
	}
}

func (s *Scheduler) notify(listener Listener, modeID string) (err error) {
	defer func() {
		if r := recover(); r != nil {
			err = fmt.Errorf("listener panic: %v", r)
		}
	}()
	return listener.OnTick(s.ctx, modeID)
}
