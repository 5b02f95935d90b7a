package engine

import (
	"context"
	"errors"
	"fmt"
	"os"
	"path/filepath"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/infra/cache"
)

// CleanupReport summarises one retention pass.
type CleanupReport struct {
	ArchivePurged int
	ErrorPurged   int
	OrphanDirs    []string
}

// Cleanup enforces archive and error retention on every destination and
// deletes cache directories of destinations that are no longer configured.
func (e *Engine) Cleanup(ctx context.Context) (CleanupReport, error) {
	var report CleanupReport
	now := e.clock.Now()

	e.mu.RLock()
	entries := make([]*northEntry, 0, len(e.norths))
	known := make(map[string]struct{}, len(e.norths))
	for _, id := range sortedKeys(e.norths) {
		entries = append(entries, e.norths[id])
		known[id] = struct{}{}
	}
	e.mu.RUnlock()

	var errList []error
	for _, entry := range entries {
		if err := ctx.Err(); err != nil {
			return report, err
		}
		id := entry.cfg.ID
		settings := entry.cfg.Settings

		var archiveMatch func(content.Metadata) bool
		switch {
		case !settings.Archive.Enabled:
			archiveMatch = func(content.Metadata) bool { return true }
		case settings.Archive.Retention > 0:
			archiveMatch = expired(now, settings.Archive.Retention, func(m content.Metadata) *time.Time { return m.ArchivedAt })
		}
		if archiveMatch != nil {
			removed, err := entry.set.RemoveWhere(content.AreaArchive, archiveMatch)
			if err != nil {
				errList = append(errList, fmt.Errorf("north %s archive: %w", id, err))
			}
			report.ArchivePurged += len(removed)
			e.recordRemoved(id, removed)
		}

		if settings.ErrorRetention > 0 {
			removed, err := entry.set.RemoveWhere(content.AreaError,
				expired(now, settings.ErrorRetention, func(m content.Metadata) *time.Time { return m.ErroredAt }))
			if err != nil {
				errList = append(errList, fmt.Errorf("north %s errors: %w", id, err))
			}
			report.ErrorPurged += len(removed)
			e.recordRemoved(id, removed)
		}
	}

	orphans, err := e.removeOrphans(known)
	report.OrphanDirs = orphans
	if err != nil {
		errList = append(errList, err)
	}
	if report.ArchivePurged > 0 || report.ErrorPurged > 0 || len(report.OrphanDirs) > 0 {
		e.logger.Info("cleanup completed",
			zap.Int("archivePurged", report.ArchivePurged),
			zap.Int("errorPurged", report.ErrorPurged),
			zap.Strings("orphanDirs", report.OrphanDirs))
	}
	return report, errors.Join(errList...)
}

// expired matches items whose reference time is at least retention old.
// Items lacking the timestamp fall back to their creation time.
func expired(now time.Time, retention time.Duration, at func(content.Metadata) *time.Time) func(content.Metadata) bool {
	return func(meta content.Metadata) bool {
		ref := meta.CreatedAt
		if ts := at(meta); ts != nil {
			ref = *ts
		}
		return !now.Before(ref.Add(retention))
	}
}

func (e *Engine) removeOrphans(known map[string]struct{}) ([]string, error) {
	root := e.CacheRoot()
	entries, err := os.ReadDir(root)
	if err != nil {
		if errors.Is(err, os.ErrNotExist) {
			return nil, nil
		}
		return nil, fmt.Errorf("scan cache root: %w", err)
	}
	var removed []string
	var errList []error
	for _, dirEntry := range entries {
		name := dirEntry.Name()
		if !dirEntry.IsDir() || !strings.HasPrefix(name, northDirPrefix) {
			continue
		}
		if _, ok := known[strings.TrimPrefix(name, northDirPrefix)]; ok {
			continue
		}
		if err := cache.Destroy(filepath.Join(root, name)); err != nil {
			if errs.IsCode(err, errs.CodeInUse) {
				e.logger.Debug("orphan cache directory in use", zap.String("dir", name))
				continue
			}
			errList = append(errList, fmt.Errorf("remove %s: %w", name, err))
			continue
		}
		removed = append(removed, name)
	}
	return removed, errors.Join(errList...)
}

func (e *Engine) cleanupLoop(ctx context.Context) {
	ticker := e.clock.NewTicker(e.cleanupInterval)
	defer ticker.Stop()
	for {
		select {
		case <-ctx.Done():
			return
		case <-ticker.Chan():
			if _, err := e.Cleanup(ctx); err != nil && ctx.Err() == nil {
				e.logger.Warn("cleanup failed", zap.Error(err))
			}
		}
	}
}
