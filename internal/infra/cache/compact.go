package cache

import (
	"fmt"
	"io"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/internal/domain/content"
)

// Limits bounds a compacted item. A zero field is not checked; with both zero
// nothing is merged.
type Limits struct {
	MaxElements int
	MaxSize     int64
}

// Compact merges runs of adjacent, never-attempted values items from the same
// source into single items within limits. The merged item keeps the smallest
// id, so delivery order is unchanged. It returns the number of items absorbed.
func (s *Set) Compact(limits Limits) (int, error) {
	if limits.MaxElements <= 0 && limits.MaxSize <= 0 {
		return 0, nil
	}
	a := s.areas[content.AreaCache]
	a.mu.Lock()
	runs := compactionRuns(a.items, limits)
	absorbed := 0
	var err error
	for _, run := range runs {
		if err = s.mergeRun(a, run); err != nil {
			break
		}
		absorbed += len(run) - 1
	}
	a.mu.Unlock()

	if absorbed > 0 {
		s.logger.Debug("cache compacted", zap.Int("absorbed", absorbed), zap.Int("runs", len(runs)))
		s.notify()
	}
	return absorbed, err
}

// compactionRuns groups mergeable items. The summed payload size bounds the
// merged payload, which drops one array delimiter per absorbed item.
func compactionRuns(items []content.Metadata, limits Limits) [][]content.Metadata {
	var runs [][]content.Metadata
	var current []content.Metadata
	elements := 0
	var size int64
	flush := func() {
		if len(current) > 1 {
			runs = append(runs, current)
		}
		current, elements, size = nil, 0, 0
	}
	for _, meta := range items {
		if meta.ContentType != content.TypeTimeValues || meta.Attempts > 0 || len(meta.Absorbed) > 0 {
			flush()
			continue
		}
		if len(current) > 0 && (current[0].Source != meta.Source ||
			(limits.MaxElements > 0 && elements+meta.NumberOfElements > limits.MaxElements) ||
			(limits.MaxSize > 0 && size+meta.ContentSize > limits.MaxSize)) {
			flush()
		}
		current = append(current, meta)
		elements += meta.NumberOfElements
		size += meta.ContentSize
	}
	flush()
	return runs
}

// mergeRun writes the merged payload, commits the head metadata carrying the
// absorbed ids, then deletes the absorbed items. Recovery replays the journal.
func (s *Set) mergeRun(a *area, run []content.Metadata) error {
	var values []content.TimeValue
	for _, meta := range run {
		vs, err := decodeValues(a.contentPath(meta.ContentFile))
		if err != nil {
			return fmt.Errorf("compact item %d: %w", meta.ID, err)
		}
		values = append(values, vs...)
	}

	head := run[0]
	merged := head
	merged.ContentFile = uuid.NewString() + ".json"
	merged.NumberOfElements = len(values)
	merged.Absorbed = make([]uint64, 0, len(run)-1)
	for _, meta := range run[1:] {
		merged.Absorbed = append(merged.Absorbed, meta.ID)
	}

	size, err := writeFileAtomic(a.contentPath(merged.ContentFile), func(w io.Writer) error {
		return encodeValues(w, values)
	})
	if err != nil {
		return storageError("cache", "write compacted payload", err)
	}
	merged.ContentSize = size
	if err := writeMetadata(a.metadataPath(head.ID), merged); err != nil {
		_ = removeIfExists(a.contentPath(merged.ContentFile))
		return storageError("cache", "write compacted metadata", err)
	}

	for _, meta := range run[1:] {
		_ = removeIfExists(a.metadataPath(meta.ID))
		_ = removeIfExists(a.contentPath(meta.ContentFile))
		a.delete(meta.ID)
	}
	_ = removeIfExists(a.contentPath(head.ContentFile))

	merged.Absorbed = nil
	if err := writeMetadata(a.metadataPath(head.ID), merged); err != nil {
		s.logger.Warn("clear compaction journal failed", zap.Uint64("metadataId", head.ID), zap.Error(err))
	}
	a.insert(merged)
	return nil
}
