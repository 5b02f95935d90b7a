// Package scanmodestore defines persistence contracts for scan modes.
package scanmodestore

import (
	"context"
	"errors"
	"time"
)

// SubscriptionID is the reserved id for event-driven acquisition. It is never scheduled.
const SubscriptionID = "subscription"

// ErrNotFound is returned when a scan mode does not exist.
var ErrNotFound = errors.New("scan mode not found")

// ScanMode is a named cron schedule shared by sources and destinations.
type ScanMode struct {
	ID          string
	Name        string
	Description string
	Cron        string
	CreatedAt   time.Time
	UpdatedAt   time.Time
}

// IsSubscription reports whether the scan mode is the reserved event-driven mode.
func (m ScanMode) IsSubscription() bool {
	return m.ID == SubscriptionID
}

// Store abstracts persistence operations for scan modes.
type Store interface {
	Create(ctx context.Context, mode ScanMode) error
	Update(ctx context.Context, mode ScanMode) error
	Delete(ctx context.Context, id string) error
	Get(ctx context.Context, id string) (ScanMode, error)
	List(ctx context.Context) ([]ScanMode, error)
}
