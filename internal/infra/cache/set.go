// Package cache implements the durable per-destination content, error and archive stores.
package cache

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"sync"
	"sync/atomic"
	"time"

	json "github.com/goccy/go-json"
	"github.com/gofrs/flock"
	"github.com/google/uuid"
	"github.com/jonboulle/clockwork"
	"go.uber.org/zap"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

const (
	// LockFile ensures only one process opens a destination cache.
	LockFile = ".lock"
	// StateFile holds the id high-water mark and delivery instants, which item metadata cannot reproduce.
	StateFile = "state.json"

	// idBlock ids are reserved in state.json ahead of use so a crash never hands out an id twice.
	idBlock = 256
)

// State summarises the three areas of a destination.
type State struct {
	PendingSize         int64     `json:"pendingSize"`
	PendingCount        int       `json:"pendingCount"`
	PendingElements     int       `json:"pendingElements"`
	PendingFiles        int       `json:"pendingFiles"`
	ErrorSize           int64     `json:"errorSize"`
	ErrorCount          int       `json:"errorCount"`
	ArchiveSize         int64     `json:"archiveSize"`
	ArchiveCount        int       `json:"archiveCount"`
	LastDeliveryAttempt time.Time `json:"lastDeliveryAttempt"`
	LastDeliverySuccess time.Time `json:"lastDeliverySuccess"`
}

// TotalSize sums the payload bytes held in every area.
func (s State) TotalSize() int64 {
	return s.PendingSize + s.ErrorSize + s.ArchiveSize
}

// Observer is notified after every mutation with the fresh state.
type Observer interface {
	CacheChanged(destination string, state State)
}

// Option configures a Set.
type Option func(*Set)

// WithLogger sets the logger.
func WithLogger(logger *zap.Logger) Option {
	return func(s *Set) {
		if logger != nil {
			s.logger = logger
		}
	}
}

// WithClock sets the clock used for item timestamps.
func WithClock(clock clockwork.Clock) Option {
	return func(s *Set) {
		if clock != nil {
			s.clock = clock
		}
	}
}

// WithMaxSize caps the bytes held across all areas. Zero disables the cap.
func WithMaxSize(bytes int64) Option {
	return func(s *Set) {
		if bytes > 0 {
			s.maxSize = bytes
		}
	}
}

// WithObserver registers a state observer.
func WithObserver(observer Observer) Option {
	return func(s *Set) {
		s.observer = observer
	}
}

// Set owns the cache, error and archive areas of one destination.
type Set struct {
	id  string
	dir string

	logger   *zap.Logger
	clock    clockwork.Clock
	maxSize  int64
	observer Observer

	fsLock *flock.Flock
	nextID atomic.Uint64
	// reservedID is the ceiling persisted in state.json; guarded by the cache area lock.
	reservedID uint64
	areas  map[content.Area]*area

	deliveryMu  sync.Mutex
	lastAttempt time.Time
	lastSuccess time.Time

	closed atomic.Bool
}

// Open locks dir, recovers every area from disk and returns the ready Set.
func Open(id, dir string, opts ...Option) (*Set, error) {
	s := &Set{
		id:     id,
		dir:    dir,
		logger: zap.NewNop(),
		clock:  clockwork.NewRealClock(),
		areas:  make(map[content.Area]*area, len(content.Areas)),
	}
	for _, opt := range opts {
		if opt != nil {
			opt(s)
		}
	}
	s.logger = s.logger.With(zap.String("destination", id))

	if err := os.MkdirAll(dir, dirPerm); err != nil {
		return nil, fmt.Errorf("cache %s: create dir: %w", id, err)
	}
	s.fsLock = flock.New(filepath.Join(dir, LockFile))
	locked, err := s.fsLock.TryLock()
	if err != nil {
		return nil, fmt.Errorf("cache %s: acquire lock %q: %w", id, s.fsLock.Path(), err)
	}
	if !locked {
		return nil, errs.New("cache", errs.CodeInUse,
			errs.WithMessage(fmt.Sprintf("cache directory %q is locked by another process", dir)),
			errs.WithField("destination", id))
	}

	var maxID uint64
	for _, name := range content.Areas {
		a := newArea(dir, name)
		for _, sub := range []string{metadataDir, contentDir} {
			if err := os.MkdirAll(filepath.Join(a.dir, sub), dirPerm); err != nil {
				_ = s.fsLock.Unlock()
				return nil, fmt.Errorf("cache %s: create %s/%s: %w", id, name, sub, err)
			}
		}
		report, err := s.recoverArea(a)
		if err != nil {
			_ = s.fsLock.Unlock()
			return nil, fmt.Errorf("cache %s: recover %s: %w", id, name, err)
		}
		if report.maxID > maxID {
			maxID = report.maxID
		}
		s.areas[name] = a
		s.logger.Debug("cache area recovered",
			zap.String("area", string(name)),
			zap.Int("items", report.loaded),
			zap.Int("corrupt", report.corrupt),
			zap.Int("orphans", report.orphans),
			zap.Int("journals", report.journals))
	}
	s.nextID.Store(maxID)
	s.loadState()
	s.reservedID = s.nextID.Load()
	return s, nil
}

// ID returns the destination id.
func (s *Set) ID() string { return s.id }

// Dir returns the destination cache directory.
func (s *Set) Dir() string { return s.dir }

// Append durably stores c in the cache area and returns its metadata.
func (s *Set) Append(ctx context.Context, c content.Content, source string) (content.Metadata, error) {
	if err := ctx.Err(); err != nil {
		return content.Metadata{}, err
	}
	if s.closed.Load() {
		return content.Metadata{}, errs.New("cache", errs.CodeUnavailable, errs.WithMessage("cache closed"))
	}
	if err := c.Validate(); err != nil {
		return content.Metadata{}, errs.New("cache", errs.CodeInvalid, errs.WithMessage(err.Error()))
	}
	if s.maxSize > 0 {
		if total := s.State().TotalSize(); total >= s.maxSize {
			return content.Metadata{}, errs.New("cache", errs.CodeCapacity,
				errs.WithMessage(fmt.Sprintf("cache size %d reached limit %d", total, s.maxSize)),
				errs.WithField("destination", s.id))
		}
	}

	pending := s.areas[content.AreaCache]
	meta := content.Metadata{
		CreatedAt:        s.clock.Now().UTC(),
		ContentType:      c.Type,
		Source:           source,
		NumberOfElements: c.Elements(),
	}
	var write func(io.Writer) error
	ext := ".json"
	switch c.Type {
	case content.TypeTimeValues:
		write = func(w io.Writer) error { return encodeValues(w, c.Values) }
	case content.TypeFile:
		ext = filepath.Ext(c.FilePath)
		meta.OriginalName = filepath.Base(c.FilePath)
		write = func(w io.Writer) error { return copyFile(w, c.FilePath) }
	}
	meta.ContentFile = uuid.NewString() + ext

	size, err := writeFileAtomic(pending.contentPath(meta.ContentFile), write)
	if err != nil {
		return content.Metadata{}, storageError("cache", "write payload", err)
	}
	meta.ContentSize = size

	pending.mu.Lock()
	meta.ID = s.nextID.Add(1)
	if meta.ID > s.reservedID {
		ceiling := meta.ID + idBlock - 1
		if err := s.saveState(ceiling); err != nil {
			pending.mu.Unlock()
			_ = removeIfExists(pending.contentPath(meta.ContentFile))
			return content.Metadata{}, storageError("cache", "reserve ids", err)
		}
		s.reservedID = ceiling
	}
	if err := writeMetadata(pending.metadataPath(meta.ID), meta); err != nil {
		pending.mu.Unlock()
		_ = removeIfExists(pending.contentPath(meta.ContentFile))
		return content.Metadata{}, storageError("cache", "write metadata", err)
	}
	pending.insert(meta)
	pending.mu.Unlock()

	s.notify()
	return meta, nil
}

// Peek returns up to limit cache items, oldest first, without removing them.
func (s *Set) Peek(limit int) []content.Metadata {
	a := s.areas[content.AreaCache]
	a.mu.RLock()
	defer a.mu.RUnlock()
	n := len(a.items)
	if limit > 0 && limit < n {
		n = limit
	}
	out := make([]content.Metadata, n)
	copy(out, a.items[:n])
	return out
}

// List returns items of the area matching filter, oldest first.
func (s *Set) List(name content.Area, filter Filter) ([]content.Metadata, error) {
	a, err := s.area(name)
	if err != nil {
		return nil, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	out := make([]content.Metadata, 0, len(a.items))
	for _, meta := range a.items {
		if !filter.match(meta) {
			continue
		}
		out = append(out, meta)
		if filter.Limit > 0 && len(out) >= filter.Limit {
			break
		}
	}
	return out, nil
}

// Get returns a single item.
func (s *Set) Get(name content.Area, id uint64) (content.Metadata, error) {
	a, err := s.area(name)
	if err != nil {
		return content.Metadata{}, err
	}
	a.mu.RLock()
	defer a.mu.RUnlock()
	meta, ok := a.get(id)
	if !ok {
		return content.Metadata{}, errs.New("cache", errs.CodeNotFound,
			errs.WithMessage(fmt.Sprintf("item %d not found in %s", id, name)))
	}
	return meta, nil
}

// ContentPath returns where the payload of meta lives in the area.
func (s *Set) ContentPath(name content.Area, meta content.Metadata) string {
	return filepath.Join(s.dir, string(name), contentDir, meta.ContentFile)
}

// ReadValues decodes the values payload of meta.
func (s *Set) ReadValues(name content.Area, meta content.Metadata) ([]content.TimeValue, error) {
	if meta.ContentType != content.TypeTimeValues {
		return nil, errs.New("cache", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("item %d is not a values item", meta.ID)))
	}
	values, err := decodeValues(s.ContentPath(name, meta))
	if err != nil {
		return nil, errs.New("cache", errs.CodeCorruptCacheEntry,
			errs.WithMessage(fmt.Sprintf("read item %d", meta.ID)), errs.WithCause(err))
	}
	return values, nil
}

// Remove deletes items from the area. Unknown ids are ignored.
func (s *Set) Remove(name content.Area, ids []uint64) ([]content.Metadata, error) {
	a, err := s.area(name)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	removed, errList := s.removeLocked(a, ids)
	a.mu.Unlock()

	if len(removed) > 0 {
		s.notify()
	}
	return removed, errors.Join(errList...)
}

func (s *Set) removeLocked(a *area, ids []uint64) ([]content.Metadata, []error) {
	var removed []content.Metadata
	var errList []error
	for _, id := range ids {
		meta, ok := a.get(id)
		if !ok {
			continue
		}
		// Metadata goes first; a leftover payload is swept as an orphan on restart.
		if err := removeIfExists(a.metadataPath(id)); err != nil {
			errList = append(errList, fmt.Errorf("remove metadata %d: %w", id, err))
			continue
		}
		if err := removeIfExists(a.contentPath(meta.ContentFile)); err != nil {
			s.logger.Warn("remove payload failed", zap.String("area", string(a.name)), zap.Uint64("metadataId", id), zap.Error(err))
		}
		a.delete(id)
		removed = append(removed, meta)
	}
	if len(removed) > 0 {
		if err := syncDir(filepath.Join(a.dir, metadataDir)); err != nil {
			errList = append(errList, err)
		}
	}
	return removed, errList
}

// RemoveWhere deletes every item of the area for which match returns true.
func (s *Set) RemoveWhere(name content.Area, match func(content.Metadata) bool) ([]content.Metadata, error) {
	a, err := s.area(name)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	var ids []uint64
	for _, meta := range a.items {
		if match(meta) {
			ids = append(ids, meta.ID)
		}
	}
	removed, errList := s.removeLocked(a, ids)
	a.mu.Unlock()

	if len(removed) > 0 {
		s.notify()
	}
	return removed, errors.Join(errList...)
}

// Move transfers items between areas, applying mutate to the copy written at
// the destination. mutate must not change the id or the content file.
func (s *Set) Move(from, to content.Area, ids []uint64, mutate func(*content.Metadata)) ([]content.Metadata, error) {
	if from == to {
		return nil, errs.New("cache", errs.CodeInvalid, errs.WithMessage("source and destination areas are the same"))
	}
	src, err := s.area(from)
	if err != nil {
		return nil, err
	}
	dst, err := s.area(to)
	if err != nil {
		return nil, err
	}
	unlock := s.lockPair(src, dst)
	var moved []content.Metadata
	var errList []error
	for _, id := range ids {
		meta, ok := src.get(id)
		if !ok {
			continue
		}
		next := meta
		if mutate != nil {
			mutate(&next)
		}
		next.ID, next.ContentFile = meta.ID, meta.ContentFile
		if err := s.moveOne(src, dst, meta, next); err != nil {
			errList = append(errList, fmt.Errorf("move item %d: %w", id, err))
			continue
		}
		src.delete(id)
		dst.insert(next)
		moved = append(moved, next)
	}
	unlock()

	if len(moved) > 0 {
		s.notify()
	}
	return moved, errors.Join(errList...)
}

// moveOne commits the destination metadata, then the payload, then drops the
// source metadata. Recovery discards whichever copy lacks its payload.
func (s *Set) moveOne(src, dst *area, meta, next content.Metadata) error {
	if err := writeMetadata(dst.metadataPath(meta.ID), next); err != nil {
		return storageError("cache", "write metadata", err)
	}
	if err := os.Rename(src.contentPath(meta.ContentFile), dst.contentPath(meta.ContentFile)); err != nil {
		_ = removeIfExists(dst.metadataPath(meta.ID))
		return fmt.Errorf("move payload: %w", err)
	}
	if err := syncDir(filepath.Join(dst.dir, contentDir)); err != nil {
		return err
	}
	if err := syncDir(filepath.Join(src.dir, contentDir)); err != nil {
		return err
	}
	if err := removeIfExists(src.metadataPath(meta.ID)); err != nil {
		s.logger.Warn("remove moved metadata failed", zap.Uint64("metadataId", meta.ID), zap.Error(err))
	}
	return syncDir(filepath.Join(src.dir, metadataDir))
}

// Update rewrites the metadata of items in place.
func (s *Set) Update(name content.Area, ids []uint64, mutate func(*content.Metadata)) ([]content.Metadata, error) {
	a, err := s.area(name)
	if err != nil {
		return nil, err
	}
	a.mu.Lock()
	var updated []content.Metadata
	var errList []error
	for _, id := range ids {
		meta, ok := a.get(id)
		if !ok {
			continue
		}
		next := meta
		mutate(&next)
		next.ID, next.ContentFile, next.ContentSize = meta.ID, meta.ContentFile, meta.ContentSize
		if err := writeMetadata(a.metadataPath(id), next); err != nil {
			errList = append(errList, storageError("cache", "update metadata", err))
			continue
		}
		a.insert(next)
		updated = append(updated, next)
	}
	a.mu.Unlock()
	return updated, errors.Join(errList...)
}

// State returns the counters of every area.
func (s *Set) State() State {
	var st State
	for _, name := range content.Areas {
		a := s.areas[name]
		a.mu.RLock()
		switch name {
		case content.AreaCache:
			st.PendingSize, st.PendingCount = a.size, len(a.items)
			st.PendingElements, st.PendingFiles = a.elements, a.files
		case content.AreaError:
			st.ErrorSize, st.ErrorCount = a.size, len(a.items)
		case content.AreaArchive:
			st.ArchiveSize, st.ArchiveCount = a.size, len(a.items)
		}
		a.mu.RUnlock()
	}
	s.deliveryMu.Lock()
	st.LastDeliveryAttempt, st.LastDeliverySuccess = s.lastAttempt, s.lastSuccess
	s.deliveryMu.Unlock()
	return st
}

// MarkAttempt records the start of a delivery attempt.
func (s *Set) MarkAttempt(at time.Time) {
	s.deliveryMu.Lock()
	s.lastAttempt = at
	s.deliveryMu.Unlock()
}

// MarkSuccess records a successful delivery.
func (s *Set) MarkSuccess(at time.Time) {
	s.deliveryMu.Lock()
	s.lastSuccess = at
	s.deliveryMu.Unlock()
}

// Close persists the delivery instants and releases the directory lock.
func (s *Set) Close() error {
	if !s.closed.CompareAndSwap(false, true) {
		return nil
	}
	var errList []error
	if err := s.saveState(s.nextID.Load()); err != nil {
		errList = append(errList, err)
	}
	if err := s.fsLock.Unlock(); err != nil {
		errList = append(errList, fmt.Errorf("release lock %q: %w", s.fsLock.Path(), err))
	}
	return errors.Join(errList...)
}

func (s *Set) area(name content.Area) (*area, error) {
	a, ok := s.areas[name]
	if !ok {
		return nil, errs.New("cache", errs.CodeInvalid, errs.WithMessage(fmt.Sprintf("unknown area %q", name)))
	}
	return a, nil
}

// lockPair locks two areas in a fixed order.
func (s *Set) lockPair(a, b *area) func() {
	first, second := a, b
	if areaRank(b.name) < areaRank(a.name) {
		first, second = b, a
	}
	first.mu.Lock()
	second.mu.Lock()
	return func() {
		second.mu.Unlock()
		first.mu.Unlock()
	}
}

func areaRank(name content.Area) int {
	for i, candidate := range content.Areas {
		if candidate == name {
			return i
		}
	}
	return len(content.Areas)
}

func (s *Set) notify() {
	if s.observer != nil {
		s.observer.CacheChanged(s.id, s.State())
	}
}

type persistedState struct {
	LastID              uint64    `json:"lastId"`
	LastDeliveryAttempt time.Time `json:"lastDeliveryAttempt"`
	LastDeliverySuccess time.Time `json:"lastDeliverySuccess"`
}

func (s *Set) loadState() {
	raw, err := os.ReadFile(filepath.Join(s.dir, StateFile))
	if err != nil {
		if !errors.Is(err, os.ErrNotExist) {
			s.logger.Warn("read cache state failed", zap.Error(err))
		}
		return
	}
	var st persistedState
	if err := json.Unmarshal(raw, &st); err != nil {
		s.logger.Warn("decode cache state failed", zap.Error(err))
		return
	}
	s.lastAttempt, s.lastSuccess = st.LastDeliveryAttempt, st.LastDeliverySuccess
	if st.LastID > s.nextID.Load() {
		s.nextID.Store(st.LastID)
	}
}

// saveState writes lastID with the delivery instants.
func (s *Set) saveState(lastID uint64) error {
	s.deliveryMu.Lock()
	st := persistedState{LastID: lastID, LastDeliveryAttempt: s.lastAttempt, LastDeliverySuccess: s.lastSuccess}
	s.deliveryMu.Unlock()
	_, err := writeFileAtomic(filepath.Join(s.dir, StateFile), func(w io.Writer) error {
		return json.NewEncoder(w).Encode(st)
	})
	if err != nil {
		return fmt.Errorf("save cache state: %w", err)
	}
	return nil
}

// Destroy removes a destination cache directory that no Set currently holds.
func Destroy(dir string) error {
	lock := flock.New(filepath.Join(dir, LockFile))
	locked, err := lock.TryLock()
	if err != nil {
		return fmt.Errorf("acquire lock %q: %w", lock.Path(), err)
	}
	if !locked {
		return errs.New("cache", errs.CodeInUse, errs.WithMessage(fmt.Sprintf("cache directory %q is in use", dir)))
	}
	defer func() { _ = lock.Unlock() }()
	return os.RemoveAll(dir)
}
