// Package scanmode manages the named cron schedules shared by sources and destinations.
package scanmode

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"strings"
	"sync"

	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/cron"
)

// Rescheduler is told about cron changes so live timers follow them.
type Rescheduler interface {
	Reschedule(mode scanmodestore.ScanMode) error
}

// UsageFunc returns the ids of connectors referencing a scan mode.
type UsageFunc func(scanModeID string) []string

// Option configures a Registry.
type Option func(*Registry)

// WithClock sets the clock used for next-execution previews.
func WithClock(clock clockwork.Clock) Option {
	return func(r *Registry) {
		if clock != nil {
			r.clock = clock
		}
	}
}

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(r *Registry) {
		if logger != nil {
			r.logger = logger
		}
	}
}

// WithRescheduler wires cron updates to the scheduler.
func WithRescheduler(rescheduler Rescheduler) Option {
	return func(r *Registry) {
		r.rescheduler = rescheduler
	}
}

// Registry validates and persists scan modes.
type Registry struct {
	store       scanmodestore.Store
	clock       clockwork.Clock
	logger      *zap.Logger
	rescheduler Rescheduler

	mu    sync.RWMutex
	usage UsageFunc

	// refMu is held shared while a connector is being wired to scan modes and
	// exclusively while Delete checks usage and deletes.
	refMu sync.RWMutex
}

// NewRegistry constructs a Registry over store.
func NewRegistry(store scanmodestore.Store, opts ...Option) *Registry {
	r := &Registry{
		store:  store,
		clock:  clockwork.NewRealClock(),
		logger: zap.NewNop(),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(r)
		}
	}
	return r
}

// SetUsage installs the reference lookup consulted by Delete.
func (r *Registry) SetUsage(fn UsageFunc) {
	r.mu.Lock()
	r.usage = fn
	r.mu.Unlock()
}

// Seed makes sure the reserved subscription scan mode exists.
func (r *Registry) Seed(ctx context.Context) error {
	_, err := r.store.Get(ctx, scanmodestore.SubscriptionID)
	if err == nil {
		return nil
	}
	if !errors.Is(err, scanmodestore.ErrNotFound) {
		return fmt.Errorf("seed scan modes: %w", err)
	}
	now := r.clock.Now().UTC()
	return r.store.Create(ctx, scanmodestore.ScanMode{
		ID:          scanmodestore.SubscriptionID,
		Name:        "Subscription",
		Description: "Event driven acquisition",
		CreatedAt:   now,
		UpdatedAt:   now,
	})
}

// Create validates cronText and stores a new scan mode.
func (r *Registry) Create(ctx context.Context, name, description, cronText string) (scanmodestore.ScanMode, error) {
	return r.create(ctx, uuid.NewString(), name, description, cronText)
}

// Ensure creates or updates a scan mode with a fixed id, as declared in configuration.
func (r *Registry) Ensure(ctx context.Context, mode scanmodestore.ScanMode) (scanmodestore.ScanMode, error) {
	if strings.TrimSpace(mode.ID) == "" {
		return scanmodestore.ScanMode{}, errs.New("scanmode", errs.CodeInvalid, errs.WithMessage("scan mode id required"))
	}
	if mode.ID == scanmodestore.SubscriptionID {
		return r.Get(ctx, mode.ID)
	}
	existing, err := r.store.Get(ctx, mode.ID)
	switch {
	case errors.Is(err, scanmodestore.ErrNotFound):
		return r.create(ctx, mode.ID, mode.Name, mode.Description, mode.Cron)
	case err != nil:
		return scanmodestore.ScanMode{}, fmt.Errorf("load scan mode %s: %w", mode.ID, err)
	case existing.Name == mode.Name && existing.Description == mode.Description && existing.Cron == strings.TrimSpace(mode.Cron):
		return existing, nil
	default:
		return r.Update(ctx, mode.ID, mode.Name, mode.Description, mode.Cron)
	}
}

func (r *Registry) create(ctx context.Context, id, name, description, cronText string) (scanmodestore.ScanMode, error) {
	name = strings.TrimSpace(name)
	if name == "" {
		return scanmodestore.ScanMode{}, errs.New("scanmode", errs.CodeInvalid, errs.WithMessage("scan mode name required"))
	}
	schedule, err := cron.Parse(cronText)
	if err != nil {
		return scanmodestore.ScanMode{}, err
	}
	now := r.clock.Now().UTC()
	mode := scanmodestore.ScanMode{
		ID:          id,
		Name:        name,
		Description: strings.TrimSpace(description),
		Cron:        schedule.String(),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := r.store.Create(ctx, mode); err != nil {
		return scanmodestore.ScanMode{}, fmt.Errorf("create scan mode: %w", err)
	}
	r.logger.Info("scan mode created", zap.String("scanMode", mode.ID), zap.String("cron", mode.Cron))
	return mode, nil
}

// Update re-validates cronText, stores it and reschedules any live timer.
func (r *Registry) Update(ctx context.Context, id, name, description, cronText string) (scanmodestore.ScanMode, error) {
	if id == scanmodestore.SubscriptionID {
		return scanmodestore.ScanMode{}, errs.New("scanmode", errs.CodeInvalid, errs.WithMessage("the subscription scan mode cannot be modified"))
	}
	mode, err := r.Get(ctx, id)
	if err != nil {
		return scanmodestore.ScanMode{}, err
	}
	schedule, err := cron.Parse(cronText)
	if err != nil {
		return scanmodestore.ScanMode{}, err
	}
	if trimmed := strings.TrimSpace(name); trimmed != "" {
		mode.Name = trimmed
	}
	mode.Description = strings.TrimSpace(description)
	mode.Cron = schedule.String()
	mode.UpdatedAt = r.clock.Now().UTC()
	if err := r.store.Update(ctx, mode); err != nil {
		return scanmodestore.ScanMode{}, fmt.Errorf("update scan mode %s: %w", id, err)
	}
	if r.rescheduler != nil {
		if err := r.rescheduler.Reschedule(mode); err != nil {
			return mode, fmt.Errorf("reschedule scan mode %s: %w", id, err)
		}
	}
	r.logger.Info("scan mode updated", zap.String("scanMode", id), zap.String("cron", mode.Cron))
	return mode, nil
}

// Delete removes a scan mode that nothing references.
func (r *Registry) Delete(ctx context.Context, id string) error {
	if id == scanmodestore.SubscriptionID {
		return errs.New("scanmode", errs.CodeInvalid, errs.WithMessage("the subscription scan mode cannot be deleted"))
	}
	r.refMu.Lock()
	defer r.refMu.Unlock()
	if _, err := r.Get(ctx, id); err != nil {
		return err
	}
	r.mu.RLock()
	usage := r.usage
	r.mu.RUnlock()
	if usage != nil {
		if owners := usage(id); len(owners) > 0 {
			sort.Strings(owners)
			return errs.New("scanmode", errs.CodeInUse,
				errs.WithMessage(fmt.Sprintf("scan mode %s is used by %s", id, strings.Join(owners, ", "))),
				errs.WithField("scanMode", id))
		}
	}
	if err := r.store.Delete(ctx, id); err != nil {
		return fmt.Errorf("delete scan mode %s: %w", id, err)
	}
	r.logger.Info("scan mode deleted", zap.String("scanMode", id))
	return nil
}

// Acquire checks that every id exists and keeps them from being deleted until
// release is called. Callers release once their reference is visible to the
// usage lookup.
func (r *Registry) Acquire(ctx context.Context, ids ...string) (release func(), err error) {
	r.refMu.RLock()
	for _, id := range ids {
		if _, err := r.Get(ctx, id); err != nil {
			r.refMu.RUnlock()
			return nil, err
		}
	}
	var once sync.Once
	return func() { once.Do(r.refMu.RUnlock) }, nil
}

// Get resolves a scan mode by id.
func (r *Registry) Get(ctx context.Context, id string) (scanmodestore.ScanMode, error) {
	mode, err := r.store.Get(ctx, id)
	if err != nil {
		if errors.Is(err, scanmodestore.ErrNotFound) {
			return scanmodestore.ScanMode{}, errs.New("scanmode", errs.CodeNotFound,
				errs.WithMessage(fmt.Sprintf("scan mode %s not found", id)), errs.WithCause(err))
		}
		return scanmodestore.ScanMode{}, fmt.Errorf("get scan mode %s: %w", id, err)
	}
	return mode, nil
}

// List returns every scan mode.
func (r *Registry) List(ctx context.Context) ([]scanmodestore.ScanMode, error) {
	modes, err := r.store.List(ctx)
	if err != nil {
		return nil, fmt.Errorf("list scan modes: %w", err)
	}
	return modes, nil
}

// Verify checks cron text without touching any state.
func (r *Registry) Verify(cronText string) cron.Verification {
	return cron.Verify(cronText, r.clock.Now())
}
