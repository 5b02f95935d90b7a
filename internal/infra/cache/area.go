package cache

import (
	"path/filepath"
	"sort"
	"strings"
	"sync"
	"time"

	"github.com/coachpo/fieldgate/internal/domain/content"
)

// area is one of the cache, error or archive stores. The index mirrors the
// metadata directory and is only mutated together with it.
type area struct {
	name content.Area
	dir  string

	mu       sync.RWMutex
	items    []content.Metadata
	size     int64
	elements int
	files    int
}

func newArea(root string, name content.Area) *area {
	return &area{name: name, dir: filepath.Join(root, string(name))}
}

func (a *area) metadataPath(id uint64) string {
	return filepath.Join(a.dir, metadataDir, metadataName(id))
}

func (a *area) contentPath(file string) string {
	return filepath.Join(a.dir, contentDir, file)
}

// search returns the position of id, or where it would be inserted.
func (a *area) search(id uint64) (int, bool) {
	i := sort.Search(len(a.items), func(i int) bool { return a.items[i].ID >= id })
	return i, i < len(a.items) && a.items[i].ID == id
}

func (a *area) insert(meta content.Metadata) {
	i, found := a.search(meta.ID)
	if found {
		a.account(a.items[i], -1)
		a.items[i] = meta
		a.account(meta, 1)
		return
	}
	a.items = append(a.items, content.Metadata{})
	copy(a.items[i+1:], a.items[i:])
	a.items[i] = meta
	a.account(meta, 1)
}

func (a *area) delete(id uint64) (content.Metadata, bool) {
	i, found := a.search(id)
	if !found {
		return content.Metadata{}, false
	}
	meta := a.items[i]
	a.items = append(a.items[:i], a.items[i+1:]...)
	a.account(meta, -1)
	return meta, true
}

func (a *area) get(id uint64) (content.Metadata, bool) {
	i, found := a.search(id)
	if !found {
		return content.Metadata{}, false
	}
	return a.items[i], true
}

func (a *area) account(meta content.Metadata, sign int) {
	a.size += int64(sign) * meta.ContentSize
	if meta.IsFile() {
		a.files += sign
		return
	}
	a.elements += sign * meta.NumberOfElements
}

func (a *area) reset(items []content.Metadata) {
	sort.Slice(items, func(i, j int) bool { return items[i].ID < items[j].ID })
	a.items = items
	a.size, a.elements, a.files = 0, 0, 0
	for _, meta := range items {
		a.account(meta, 1)
	}
}

// Filter narrows item listings. Zero values match everything.
type Filter struct {
	Source       string
	NameContains string
	ContentType  content.Type
	From         time.Time
	To           time.Time
	Limit        int
}

func (f Filter) match(meta content.Metadata) bool {
	if f.Source != "" && meta.Source != f.Source {
		return false
	}
	if f.ContentType != "" && meta.ContentType != f.ContentType {
		return false
	}
	if f.NameContains != "" && !strings.Contains(strings.ToLower(meta.Name()), strings.ToLower(f.NameContains)) {
		return false
	}
	if !f.From.IsZero() && meta.CreatedAt.Before(f.From) {
		return false
	}
	if !f.To.IsZero() && !meta.CreatedAt.Before(f.To) {
		return false
	}
	return true
}
