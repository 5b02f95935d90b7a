package engine

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/app/north"
	"github.com/coachpo/fieldgate/internal/app/south"
)

// NorthFactory constructs a destination connector from its options.
type NorthFactory func(ctx context.Context, id string, options map[string]any, logger *zap.Logger) (north.Connector, error)

// SouthFactory constructs a source connector from its options.
type SouthFactory func(ctx context.Context, id string, options map[string]any, logger *zap.Logger) (south.Connector, error)

// Registry maintains connector factories keyed by type.
type Registry struct {
	mu     sync.RWMutex
	norths map[string]NorthFactory
	souths map[string]SouthFactory
}

// NewRegistry creates an empty connector registry.
func NewRegistry() *Registry {
	return &Registry{
		norths: make(map[string]NorthFactory),
		souths: make(map[string]SouthFactory),
	}
}

// RegisterNorth registers a destination factory for typ.
func (r *Registry) RegisterNorth(typ string, factory NorthFactory) {
	if factory == nil {
		panic("north factory required")
	}
	r.mu.Lock()
	r.norths[typ] = factory
	r.mu.Unlock()
}

// RegisterSouth registers a source factory for typ.
func (r *Registry) RegisterSouth(typ string, factory SouthFactory) {
	if factory == nil {
		panic("south factory required")
	}
	r.mu.Lock()
	r.souths[typ] = factory
	r.mu.Unlock()
}

// NorthTypes lists registered destination types.
func (r *Registry) NorthTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.norths))
	for typ := range r.norths {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// SouthTypes lists registered source types.
func (r *Registry) SouthTypes() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()
	out := make([]string, 0, len(r.souths))
	for typ := range r.souths {
		out = append(out, typ)
	}
	sort.Strings(out)
	return out
}

// CreateNorth instantiates the destination connector described by cfg.
func (r *Registry) CreateNorth(ctx context.Context, cfg NorthConfig, logger *zap.Logger) (north.Connector, error) {
	r.mu.RLock()
	factory, ok := r.norths[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("north type %q not registered", cfg.Type)
	}
	conn, err := factory(ctx, cfg.ID, cfg.Options, logger)
	if err != nil {
		return nil, fmt.Errorf("instantiate north %s(%s): %w", cfg.ID, cfg.Type, err)
	}
	return conn, nil
}

// CreateSouth instantiates the source connector described by cfg.
func (r *Registry) CreateSouth(ctx context.Context, cfg SouthConfig, logger *zap.Logger) (south.Connector, error) {
	r.mu.RLock()
	factory, ok := r.souths[cfg.Type]
	r.mu.RUnlock()
	if !ok {
		return nil, fmt.Errorf("south type %q not registered", cfg.Type)
	}
	conn, err := factory(ctx, cfg.ID, cfg.Options, logger)
	if err != nil {
		return nil, fmt.Errorf("instantiate south %s(%s): %w", cfg.ID, cfg.Type, err)
	}
	return conn, nil
}
