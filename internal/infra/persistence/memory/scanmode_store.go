// Package memory provides in-process stores used for tests and ephemeral deployments.
package memory

import (
	"context"
	"fmt"
	"sort"
	"sync"

	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

// ScanModeStore keeps scan modes in a map.
type ScanModeStore struct {
	mu    sync.RWMutex
	modes map[string]scanmodestore.ScanMode
}

// NewScanModeStore constructs an empty store.
func NewScanModeStore() *ScanModeStore {
	return &ScanModeStore{modes: make(map[string]scanmodestore.ScanMode)}
}

// Create stores a new scan mode.
func (s *ScanModeStore) Create(_ context.Context, mode scanmodestore.ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modes[mode.ID]; ok {
		return fmt.Errorf("scan mode %s already exists", mode.ID)
	}
	s.modes[mode.ID] = mode
	return nil
}

// Update replaces an existing scan mode.
func (s *ScanModeStore) Update(_ context.Context, mode scanmodestore.ScanMode) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modes[mode.ID]; !ok {
		return fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, mode.ID)
	}
	s.modes[mode.ID] = mode
	return nil
}

// Delete removes a scan mode.
func (s *ScanModeStore) Delete(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, ok := s.modes[id]; !ok {
		return fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
	}
	delete(s.modes, id)
	return nil
}

// Get returns a scan mode by id.
func (s *ScanModeStore) Get(_ context.Context, id string) (scanmodestore.ScanMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	mode, ok := s.modes[id]
	if !ok {
		return scanmodestore.ScanMode{}, fmt.Errorf("%w: %s", scanmodestore.ErrNotFound, id)
	}
	return mode, nil
}

// List returns scan modes ordered by name.
func (s *ScanModeStore) List(_ context.Context) ([]scanmodestore.ScanMode, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]scanmodestore.ScanMode, 0, len(s.modes))
	for _, mode := range s.modes {
		out = append(out, mode)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].Name < out[j].Name })
	return out, nil
}

var _ scanmodestore.Store = (*ScanModeStore)(nil)
