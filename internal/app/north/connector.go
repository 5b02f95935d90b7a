// Package north delivers cached content to destinations.
package north

import (
	"context"
	"time"

	"github.com/coachpo/fieldgate/internal/domain/content"
)

// Connector is the capability a destination driver provides. Send errors
// wrapped with errs.Permanent mark content the destination will never accept.
type Connector interface {
	Connect(ctx context.Context) error
	Send(ctx context.Context, payload content.Payload) error
	Disconnect(ctx context.Context) error
	Accepts() []content.Type
}

// Recorder receives delivery events.
type Recorder interface {
	Sent(id string, size int64, elements int)
	Errored(id string, size int64)
	Archived(id string, size int64)
	ConnectionChanged(id string)
	RunStarted(id string) time.Time
	RunFinished(id string, start time.Time)
}

type nopRecorder struct{}

func (nopRecorder) Sent(string, int64, int) {}
func (nopRecorder) Errored(string, int64) {}
func (nopRecorder) Archived(string, int64) {}
func (nopRecorder) ConnectionChanged(string) {}
func (nopRecorder) RunStarted(string) time.Time { return time.Time{} }
func (nopRecorder) RunFinished(string, time.Time) {}
