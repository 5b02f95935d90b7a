// Package content defines the units of data flowing from sources into destination caches.
package content

import (
	"fmt"
	"path/filepath"
	"strings"
	"time"

	json "github.com/goccy/go-json"
)

// Type names the representation of a content unit.
type Type string

const (
	// TypeTimeValues is an ordered batch of point values.
	TypeTimeValues Type = "time-values"
	// TypeFile is an opaque file on disk.
	TypeFile Type = "any"
)

// Valid reports whether the type is known.
func (t Type) Valid() bool {
	return t == TypeTimeValues || t == TypeFile
}

// TimeValue is a single point reading. Data is opaque to the gateway.
type TimeValue struct {
	PointID   string          `json:"pointId"`
	Timestamp time.Time       `json:"timestamp"`
	Data      json.RawMessage `json:"data"`
}

// Content is one logical unit handed to the engine for ingestion.
type Content struct {
	Type     Type
	Values   []TimeValue
	FilePath string
}

// Values builds a values content unit.
func Values(values ...TimeValue) Content {
	return Content{Type: TypeTimeValues, Values: values}
}

// File builds a file content unit referencing path.
func File(path string) Content {
	return Content{Type: TypeFile, FilePath: path}
}

// Elements returns the number of elements the unit contributes to trigger counters.
func (c Content) Elements() int {
	if c.Type == TypeTimeValues {
		return len(c.Values)
	}
	return 1
}

// Validate checks the unit is well formed.
func (c Content) Validate() error {
	switch c.Type {
	case TypeTimeValues:
		if len(c.Values) == 0 {
			return fmt.Errorf("values content is empty")
		}
		for i, v := range c.Values {
			if strings.TrimSpace(v.PointID) == "" {
				return fmt.Errorf("value %d: point id required", i)
			}
		}
	case TypeFile:
		if strings.TrimSpace(c.FilePath) == "" {
			return fmt.Errorf("file content requires a path")
		}
	default:
		return fmt.Errorf("unsupported content type %q", c.Type)
	}
	return nil
}

// Area names one of the three per-destination stores.
type Area string

const (
	AreaCache   Area = "cache"
	AreaError   Area = "error"
	AreaArchive Area = "archive"
)

// Areas lists every area in lock order.
var Areas = []Area{AreaCache, AreaError, AreaArchive}

// Valid reports whether the area is known.
func (a Area) Valid() bool {
	return a == AreaCache || a == AreaError || a == AreaArchive
}

// Metadata is the persisted record describing one cached item.
type Metadata struct {
	ID               uint64     `json:"metadataId"`
	ContentFile      string     `json:"contentFile"`
	ContentSize      int64      `json:"contentSize"`
	NumberOfElements int        `json:"numberOfElement"`
	CreatedAt        time.Time  `json:"createdAt"`
	ContentType      Type       `json:"contentType"`
	Source           string     `json:"source"`
	OriginalName     string     `json:"originalName,omitempty"`
	Attempts         int        `json:"attempts"`
	LastError        string     `json:"lastError,omitempty"`
	ArchivedAt       *time.Time `json:"archivedAt,omitempty"`
	ErroredAt        *time.Time `json:"erroredAt,omitempty"`
	// Absorbed lists items merged into this one by compaction that may still be on disk.
	Absorbed []uint64 `json:"absorbed,omitempty"`
}

// IsFile reports whether the item references a file payload.
func (m Metadata) IsFile() bool {
	return m.ContentType == TypeFile
}

// Name returns the display name of the item.
func (m Metadata) Name() string {
	if m.OriginalName != "" {
		return m.OriginalName
	}
	return filepath.Base(m.ContentFile)
}

// Payload is what a batch looks like once pulled from the cache.
type Payload struct {
	Type     Type
	Values   []TimeValue
	FilePath string
	Filename string
	Source   string
	Items    []Metadata
}

// Elements returns the number of elements carried by the payload.
func (p Payload) Elements() int {
	if p.Type == TypeTimeValues {
		return len(p.Values)
	}
	return 1
}

// Size sums the content size of the underlying items.
func (p Payload) Size() int64 {
	var total int64
	for _, item := range p.Items {
		total += item.ContentSize
	}
	return total
}

// IDs returns the metadata ids of the underlying items in order.
func (p Payload) IDs() []uint64 {
	ids := make([]uint64, len(p.Items))
	for i, item := range p.Items {
		ids[i] = item.ID
	}
	return ids
}
