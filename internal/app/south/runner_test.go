package south

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/app/metrics"
	"github.com/coachpo/fieldgate/internal/domain/content"
	"github.com/coachpo/fieldgate/internal/domain/metricsstore"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

type fakePoller struct {
	mu       sync.Mutex
	polls    []string
	release  chan struct{}
	started  chan struct{}
	connects int
}

func (f *fakePoller) Connect(context.Context) error {
	f.mu.Lock()
	f.connects++
	f.mu.Unlock()
	return nil
}

func (f *fakePoller) Disconnect(context.Context) error { return nil }

func (f *fakePoller) Poll(ctx context.Context, scanModeID string, items []Item, sink Sink) error {
	f.mu.Lock()
	f.polls = append(f.polls, scanModeID)
	f.mu.Unlock()
	if f.started != nil {
		f.started <- struct{}{}
	}
	if f.release != nil {
		select {
		case <-f.release:
		case <-ctx.Done():
			return ctx.Err()
		}
	}
	values := make([]content.TimeValue, len(items))
	for i, item := range items {
		values[i] = content.TimeValue{PointID: item.Name, Timestamp: time.Now().UTC(), Data: json.RawMessage(`{"value":1}`)}
	}
	return sink.Ingest(ctx, content.Values(values...))
}

func (f *fakePoller) pollCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return len(f.polls)
}

type collectingSink struct {
	mu       sync.Mutex
	contents []content.Content
	err      error
}

func (s *collectingSink) Ingest(_ context.Context, c content.Content) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if s.err != nil {
		return s.err
	}
	s.contents = append(s.contents, c)
	return nil
}

func (s *collectingSink) count() int {
	s.mu.Lock()
	defer s.mu.Unlock()
	return len(s.contents)
}

var items = []Item{
	{ID: "1", Name: "temp", ScanModeID: "fast", Enabled: true},
	{ID: "2", Name: "pressure", ScanModeID: "fast", Enabled: true},
	{ID: "3", Name: "level", ScanModeID: "slow", Enabled: true},
	{ID: "4", Name: "flow", ScanModeID: "slow", Enabled: false},
}

func TestPollOnTickIngestsItemsOfThatScanMode(t *testing.T) {
	recorder := metrics.NewRecorder()
	defer recorder.Close()
	recorder.Register("plc", metricsstore.KindSouth)
	poller := &fakePoller{}
	sink := &collectingSink{}
	r, err := NewRunner("plc", poller, items, sink, WithRecorder(recorder))
	require.NoError(t, err)
	require.Equal(t, []string{"fast", "slow"}, r.ScanModes())
	require.True(t, r.References("slow"))
	require.False(t, r.References("hourly"))

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.OnTick(ctx, "fast"))
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(ctx))

	require.Len(t, sink.contents[0].Values, 2)
	snap, err := recorder.Snapshot("plc")
	require.NoError(t, err)
	require.Equal(t, int64(2), snap.South.NumberOfValuesRetrieved)
	require.False(t, snap.South.LastConnection.IsZero())
}

func TestTicksQueuePerScanMode(t *testing.T) {
	poller := &fakePoller{release: make(chan struct{}), started: make(chan struct{}, 4)}
	sink := &collectingSink{}
	r, err := NewRunner("plc", poller, items, sink)
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))

	require.NoError(t, r.OnTick(ctx, "fast"))
	<-poller.started
	require.NoError(t, r.OnTick(ctx, "fast"), "same mode is skipped while polling")
	require.NoError(t, r.OnTick(ctx, "slow"), "another mode waits its turn")
	require.NoError(t, r.OnTick(ctx, "slow"), "and is queued once")
	require.Equal(t, 1, poller.pollCount())

	close(poller.release)
	require.Eventually(t, func() bool { return sink.count() == 2 }, time.Second, 5*time.Millisecond)
	poller.mu.Lock()
	require.Equal(t, []string{"fast", "slow"}, poller.polls)
	poller.mu.Unlock()

	require.Eventually(t, func() bool {
		r.lifeMu.Lock()
		defer r.lifeMu.Unlock()
		return !r.draining
	}, time.Second, 5*time.Millisecond)
	require.NoError(t, r.OnTick(ctx, "fast"))
	require.Eventually(t, func() bool { return sink.count() == 3 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(ctx))
}

func TestStopCancelsActivePoll(t *testing.T) {
	poller := &fakePoller{release: make(chan struct{}), started: make(chan struct{}, 1)}
	r, err := NewRunner("plc", poller, items, &collectingSink{})
	require.NoError(t, err)
	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	require.NoError(t, r.OnTick(ctx, "fast"))
	<-poller.started

	stopCtx, cancel := context.WithTimeout(ctx, time.Second)
	defer cancel()
	require.NoError(t, r.Stop(stopCtx))
	require.NoError(t, r.OnTick(ctx, "fast"), "ticks after stop are ignored")
	require.Equal(t, 1, poller.pollCount())
}

func TestCapacityErrorsReachConnector(t *testing.T) {
	full := errs.New("cache", errs.CodeCapacity, errs.WithMessage("full"))
	sink := &collectingSink{err: full}
	r, err := NewRunner("plc", &fakePoller{}, items, sink)
	require.NoError(t, err)
	got := r.sink.Ingest(context.Background(), content.Values(content.TimeValue{PointID: "x", Timestamp: time.Now()}))
	require.True(t, errs.IsCode(got, errs.CodeCapacity))
}

type fakeSubscriber struct {
	fakePoller
	sessions chan []Item
}

func (f *fakeSubscriber) Subscribe(ctx context.Context, items []Item, sink Sink) error {
	f.sessions <- items
	if err := sink.Ingest(ctx, content.Values(content.TimeValue{PointID: items[0].Name, Timestamp: time.Now().UTC()})); err != nil {
		return err
	}
	<-ctx.Done()
	return ctx.Err()
}

func TestSubscriptionItemsStreamUntilStop(t *testing.T) {
	sub := &fakeSubscriber{sessions: make(chan []Item, 1)}
	sink := &collectingSink{}
	pushed := []Item{{ID: "9", Name: "alarm", ScanModeID: scanmodestore.SubscriptionID, Enabled: true}}
	r, err := NewRunner("mqtt", sub, append(pushed, items...), sink)
	require.NoError(t, err)
	require.Equal(t, []string{"fast", "slow"}, r.ScanModes())

	ctx := context.Background()
	require.NoError(t, r.Start(ctx))
	got := <-sub.sessions
	require.Equal(t, "alarm", got[0].Name)
	require.Eventually(t, func() bool { return sink.count() == 1 }, time.Second, 5*time.Millisecond)
	require.NoError(t, r.Stop(ctx))
}

func TestCapabilityMismatchIsConfigurationError(t *testing.T) {
	pushed := []Item{{ID: "9", Name: "alarm", ScanModeID: scanmodestore.SubscriptionID, Enabled: true}}
	_, err := NewRunner("plc", &fakePoller{}, pushed, &collectingSink{})
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))

	_, err = NewRunner("plc", &fakePoller{}, []Item{{ID: "1", Enabled: true}}, &collectingSink{})
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))

	_, err = NewRunner("plc", nil, items, &collectingSink{})
	require.Error(t, err)
	require.False(t, errors.Is(err, context.Canceled))
}
