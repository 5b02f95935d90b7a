package engine

import (
	"context"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/metrics"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
	"github.com/coachpo/fieldgate/internal/infra/cache"
	"github.com/coachpo/fieldgate/internal/infra/cron"
)

// Admin is the operator surface over destination caches, metrics and scan modes.
type Admin interface {
	CacheState(northID string) (cache.State, error)
	ListItems(northID string, area content.Area, filter cache.Filter) ([]content.Metadata, error)
	RetryItems(northID string, area content.Area, ids []uint64) (int, error)
	RetryAll(northID string, area content.Area) (int, error)
	RemoveItems(northID string, area content.Area, ids []uint64) (int, error)
	RemoveAll(northID string, area content.Area) (int, error)
	ForceRun(northID string) error

	Metrics(connectorID string) (metrics.Snapshot, error)
	ResetMetrics(connectorID string) error
	SubscribeMetrics(ctx context.Context, connectorID string) (<-chan metrics.Snapshot, func(), error)

	ListScanModes(ctx context.Context) ([]scanmodestore.ScanMode, error)
	CreateScanMode(ctx context.Context, name, description, cronText string) (scanmodestore.ScanMode, error)
	UpdateScanMode(ctx context.Context, id, name, description, cronText string) (scanmodestore.ScanMode, error)
	DeleteScanMode(ctx context.Context, id string) error
	VerifyCron(cronText string) cron.Verification
}

var _ Admin = (*Engine)(nil)

// CacheState reports sizes and counts of the three areas of a destination.
func (e *Engine) CacheState(northID string) (cache.State, error) {
	entry, err := e.northEntry(northID)
	if err != nil {
		return cache.State{}, err
	}
	return entry.set.State(), nil
}

// ListItems lists the items of an area matching filter.
func (e *Engine) ListItems(northID string, area content.Area, filter cache.Filter) ([]content.Metadata, error) {
	entry, err := e.northEntry(northID)
	if err != nil {
		return nil, err
	}
	return entry.set.List(area, filter)
}

// RetryItems moves items from the error or archive area back to the cache
// with a fresh retry budget.
func (e *Engine) RetryItems(northID string, area content.Area, ids []uint64) (int, error) {
	if area != content.AreaError && area != content.AreaArchive {
		return 0, errs.New("engine", errs.CodeInvalid, errs.WithMessage("only error or archive items can be retried"))
	}
	entry, err := e.northEntry(northID)
	if err != nil {
		return 0, err
	}
	moved, err := entry.set.Move(area, content.AreaCache, ids, ResetForRetry)
	if len(moved) > 0 {
		entry.runner.Notify()
	}
	return len(moved), err
}

// ResetForRetry clears the delivery history of an item moving back to the cache.
func ResetForRetry(meta *content.Metadata) {
	meta.Attempts = 0
	meta.LastError = ""
	meta.ErroredAt = nil
	meta.ArchivedAt = nil
}

// RetryAll retries every item of the area.
func (e *Engine) RetryAll(northID string, area content.Area) (int, error) {
	entry, err := e.northEntry(northID)
	if err != nil {
		return 0, err
	}
	items, err := entry.set.List(area, cache.Filter{})
	if err != nil {
		return 0, err
	}
	ids := make([]uint64, len(items))
	for i, meta := range items {
		ids[i] = meta.ID
	}
	return e.RetryItems(northID, area, ids)
}

// RemoveItems deletes items of an area.
func (e *Engine) RemoveItems(northID string, area content.Area, ids []uint64) (int, error) {
	entry, err := e.northEntry(northID)
	if err != nil {
		return 0, err
	}
	removed, err := entry.set.Remove(area, ids)
	e.recordRemoved(northID, removed)
	return len(removed), err
}

// RemoveAll empties an area.
func (e *Engine) RemoveAll(northID string, area content.Area) (int, error) {
	entry, err := e.northEntry(northID)
	if err != nil {
		return 0, err
	}
	removed, err := entry.set.RemoveWhere(area, func(content.Metadata) bool { return true })
	e.recordRemoved(northID, removed)
	return len(removed), err
}

// ForceRun triggers a delivery run regardless of thresholds.
func (e *Engine) ForceRun(northID string) error {
	entry, err := e.northEntry(northID)
	if err != nil {
		return err
	}
	if !entry.runner.Running() {
		return errs.New("engine", errs.CodeUnavailable, errs.WithField("north", northID),
			errs.WithMessage("destination is not running"))
	}
	entry.runner.Trigger()
	return nil
}

// Metrics returns the current metrics of a connector.
func (e *Engine) Metrics(connectorID string) (metrics.Snapshot, error) {
	return e.recorder.Snapshot(connectorID)
}

// ResetMetrics zeroes the counters of a connector.
func (e *Engine) ResetMetrics(connectorID string) error {
	return e.recorder.Reset(connectorID)
}

// SubscribeMetrics streams snapshots of a connector until cancel or ctx ends.
func (e *Engine) SubscribeMetrics(ctx context.Context, connectorID string) (<-chan metrics.Snapshot, func(), error) {
	return e.recorder.Subscribe(ctx, connectorID)
}

// ListScanModes lists every scan mode.
func (e *Engine) ListScanModes(ctx context.Context) ([]scanmodestore.ScanMode, error) {
	return e.scanModes.List(ctx)
}

// CreateScanMode adds a scan mode.
func (e *Engine) CreateScanMode(ctx context.Context, name, description, cronText string) (scanmodestore.ScanMode, error) {
	return e.scanModes.Create(ctx, name, description, cronText)
}

// UpdateScanMode edits a scan mode; subscribed connectors follow the new schedule.
func (e *Engine) UpdateScanMode(ctx context.Context, id, name, description, cronText string) (scanmodestore.ScanMode, error) {
	return e.scanModes.Update(ctx, id, name, description, cronText)
}

// DeleteScanMode removes an unused scan mode.
func (e *Engine) DeleteScanMode(ctx context.Context, id string) error {
	return e.scanModes.Delete(ctx, id)
}

// VerifyCron validates a cron expression and describes it.
func (e *Engine) VerifyCron(cronText string) cron.Verification {
	return e.scanModes.Verify(cronText)
}

func (e *Engine) recordRemoved(northID string, removed []content.Metadata) {
	var size int64
	for _, meta := range removed {
		size += meta.ContentSize
	}
	if size > 0 {
		e.recorder.Removed(northID, size)
	}
}
