package memory

import (
	"context"
	"sort"
	"sync"

	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
)

// MetricsStore keeps the latest snapshot per connector.
type MetricsStore struct {
	mu      sync.RWMutex
	records map[string]metricsstore.Record
}

// NewMetricsStore constructs an empty store.
func NewMetricsStore() *MetricsStore {
	return &MetricsStore{records: make(map[string]metricsstore.Record)}
}

// Save upserts records.
func (s *MetricsStore) Save(_ context.Context, records []metricsstore.Record) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	for _, rec := range records {
		rec.Payload = append([]byte(nil), rec.Payload...)
		s.records[rec.ConnectorID] = rec
	}
	return nil
}

// Load returns every record ordered by connector id.
func (s *MetricsStore) Load(_ context.Context) ([]metricsstore.Record, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	out := make([]metricsstore.Record, 0, len(s.records))
	for _, rec := range s.records {
		out = append(out, rec)
	}
	sort.Slice(out, func(i, j int) bool { return out[i].ConnectorID < out[j].ConnectorID })
	return out, nil
}

// Delete drops the record of a connector.
func (s *MetricsStore) Delete(_ context.Context, connectorID string) error {
	s.mu.Lock()
	delete(s.records, connectorID)
	s.mu.Unlock()
	return nil
}

var _ metricsstore.Store = (*MetricsStore)(nil)
