package cache

import (
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

type recoveryReport struct {
	loaded   int
	corrupt  int
	orphans  int
	journals int
	maxID    uint64
}

// recoverArea rebuilds the index of a from disk. Disk is authoritative: entries
// whose metadata and payload disagree are discarded, never surfaced.
func (s *Set) recoverArea(a *area) (recoveryReport, error) {
	var report recoveryReport
	metaDir := filepath.Join(a.dir, metadataDir)
	entries, err := os.ReadDir(metaDir)
	if err != nil {
		return report, fmt.Errorf("read metadata dir: %w", err)
	}

	byID := make(map[uint64]content.Metadata, len(entries))
	for _, entry := range entries {
		if entry.IsDir() {
			continue
		}
		name := entry.Name()
		path := filepath.Join(metaDir, name)
		if strings.HasSuffix(name, tmpSuffix) {
			s.logger.Warn("removing incomplete metadata write", zap.String("area", string(a.name)), zap.String("file", name))
			_ = removeIfExists(path)
			continue
		}
		id, ok := parseMetadataName(name)
		if !ok {
			s.logger.Warn("ignoring unexpected file in metadata dir", zap.String("area", string(a.name)), zap.String("file", name))
			continue
		}
		meta, err := readMetadata(path)
		if err != nil || meta.ID != id {
			if err == nil {
				err = fmt.Errorf("metadata id %d does not match file name", meta.ID)
			}
			s.discard(a, id, path, err)
			report.corrupt++
			continue
		}
		byID[id] = meta
		if id > report.maxID {
			report.maxID = id
		}
	}

	// Roll compaction journals forward before checking payloads.
	for id, meta := range byID {
		if len(meta.Absorbed) == 0 {
			continue
		}
		for _, absorbedID := range meta.Absorbed {
			absorbed, ok := byID[absorbedID]
			if !ok || absorbedID == id {
				continue
			}
			_ = removeIfExists(a.metadataPath(absorbedID))
			_ = removeIfExists(a.contentPath(absorbed.ContentFile))
			delete(byID, absorbedID)
		}
		meta.Absorbed = nil
		if err := writeMetadata(a.metadataPath(id), meta); err != nil {
			return report, fmt.Errorf("complete compaction of %d: %w", id, err)
		}
		byID[id] = meta
		report.journals++
	}

	referenced := make(map[string]struct{}, len(byID))
	items := make([]content.Metadata, 0, len(byID))
	for id, meta := range byID {
		info, err := os.Stat(a.contentPath(meta.ContentFile))
		switch {
		case err != nil:
			s.discard(a, id, a.metadataPath(id), fmt.Errorf("payload %q missing: %w", meta.ContentFile, err))
			report.corrupt++
			continue
		case info.Size() != meta.ContentSize:
			s.discard(a, id, a.metadataPath(id), fmt.Errorf("payload %q is %d bytes, metadata says %d", meta.ContentFile, info.Size(), meta.ContentSize))
			report.corrupt++
			continue
		}
		referenced[meta.ContentFile] = struct{}{}
		items = append(items, meta)
	}

	contentEntries, err := os.ReadDir(filepath.Join(a.dir, contentDir))
	if err != nil {
		return report, fmt.Errorf("read content dir: %w", err)
	}
	for _, entry := range contentEntries {
		if entry.IsDir() {
			continue
		}
		if _, ok := referenced[entry.Name()]; ok {
			continue
		}
		s.logger.Warn("removing payload without metadata", zap.String("area", string(a.name)), zap.String("file", entry.Name()))
		_ = removeIfExists(a.contentPath(entry.Name()))
		report.orphans++
	}

	a.reset(items)
	report.loaded = len(items)
	return report, nil
}

func (s *Set) discard(a *area, id uint64, path string, cause error) {
	s.logger.Warn("discarding corrupt cache entry",
		zap.String("area", string(a.name)),
		zap.Uint64("metadataId", id),
		zap.Error(errs.New("cache", errs.CodeCorruptCacheEntry, errs.WithCause(cause))))
	_ = removeIfExists(path)
}
