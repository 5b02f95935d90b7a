// Package south runs source connectors and hands what they produce to the engine.
package south

import (
	"context"
	"time"

	"github.com/coachpo/fieldgate/internal/domain/content"
)

// Item is one point or query a source acquires on its scan mode.
type Item struct {
	ID         string         `json:"id" yaml:"id"`
	Name       string         `json:"name" yaml:"name"`
	ScanModeID string         `json:"scanModeId" yaml:"scanModeId"`
	Enabled    bool           `json:"enabled" yaml:"enabled"`
	Settings   map[string]any `json:"settings,omitempty" yaml:"settings,omitempty"`
}

// Sink accepts content from a source. Capacity errors are returned to the caller.
type Sink interface {
	Ingest(ctx context.Context, c content.Content) error
}

// SinkFunc adapts a function to Sink.
type SinkFunc func(ctx context.Context, c content.Content) error

// Ingest calls f.
func (f SinkFunc) Ingest(ctx context.Context, c content.Content) error {
	return f(ctx, c)
}

// Connector is the lifecycle every source driver provides.
type Connector interface {
	Connect(ctx context.Context) error
	Disconnect(ctx context.Context) error
}

// Poller acquires items when their scan mode ticks.
type Poller interface {
	Connector
	Poll(ctx context.Context, scanModeID string, items []Item, sink Sink) error
}

// Subscriber pushes content for items on the subscription scan mode. Subscribe
// blocks until ctx ends or the subscription breaks.
type Subscriber interface {
	Connector
	Subscribe(ctx context.Context, items []Item, sink Sink) error
}

// Recorder receives acquisition events.
type Recorder interface {
	Retrieved(id string, values, files int)
	ConnectionChanged(id string)
	RunStarted(id string) time.Time
	RunFinished(id string, start time.Time)
}

type nopRecorder struct{}

func (nopRecorder) Retrieved(string, int, int) {}
func (nopRecorder) ConnectionChanged(string) {}
func (nopRecorder) RunStarted(string) time.Time { return time.Time{} }
func (nopRecorder) RunFinished(string, time.Time) {}
