package scheduler

import (
	"context"
	"errors"
	"sync/atomic"
	"testing"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/scanmodestore"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func mode(id, expr string) scanmodestore.ScanMode {
	return scanmodestore.ScanMode{ID: id, Name: id, Cron: expr}
}

func waitTick(t *testing.T, ticks <-chan string) string {
	t.Helper()
	select {
	case id := <-ticks:
		return id
	case <-time.After(2 * time.Second):
		t.Fatalf("timed out waiting for tick")
		return ""
	}
}

func blockUntilTimer(t *testing.T, clock *clockwork.FakeClock) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 2*time.Second)
	defer cancel()
	require.NoError(t, clock.BlockUntilContext(ctx, 1))
}

func TestTickReachesEveryListenerAndRecurs(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := New(WithClock(clock))
	defer s.Stop()

	ticks := make(chan string, 10)
	for _, name := range []string{"south", "north"} {
		name := name
		_, err := s.Subscribe(mode("every-10s", "*/10 * * * * *"), ListenerFunc(func(_ context.Context, id string) error {
			ticks <- name + ":" + id
			return nil
		}))
		require.NoError(t, err)
	}
	require.Equal(t, []string{"every-10s"}, s.Active())

	for round := 0; round < 2; round++ {
		blockUntilTimer(t, clock)
		clock.Advance(10 * time.Second)
		got := []string{waitTick(t, ticks), waitTick(t, ticks)}
		require.ElementsMatch(t, []string{"south:every-10s", "north:every-10s"}, got)
	}
}

func TestSlowListenerDoesNotDelayOthers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := New(WithClock(clock))
	release := make(chan struct{})
	defer s.Stop()
	defer close(release)

	m := mode("fast", "* * * * * *")
	_, err := s.Subscribe(m, ListenerFunc(func(context.Context, string) error {
		<-release
		return nil
	}))
	require.NoError(t, err)
	ticks := make(chan string, 10)
	_, err = s.Subscribe(m, ListenerFunc(func(_ context.Context, id string) error {
		ticks <- id
		return nil
	}))
	require.NoError(t, err)

	for round := 0; round < 3; round++ {
		blockUntilTimer(t, clock)
		clock.Advance(time.Second)
		require.Equal(t, "fast", waitTick(t, ticks))
	}
}

func TestFailingListenersDoNotStopOthers(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := New(WithClock(clock))
	defer s.Stop()

	m := mode("fast", "* * * * * *")
	_, err := s.Subscribe(m, ListenerFunc(func(context.Context, string) error { panic("boom") }))
	require.NoError(t, err)
	_, err = s.Subscribe(m, ListenerFunc(func(context.Context, string) error { return errors.New("busy") }))
	require.NoError(t, err)
	ticks := make(chan string, 10)
	_, err = s.Subscribe(m, ListenerFunc(func(_ context.Context, id string) error {
		ticks <- id
		return nil
	}))
	require.NoError(t, err)

	for round := 0; round < 2; round++ {
		blockUntilTimer(t, clock)
		clock.Advance(time.Second)
		require.Equal(t, "fast", waitTick(t, ticks))
	}
}

func TestLastUnsubscribeDisposesTimer(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := New(WithClock(clock))
	defer s.Stop()

	noop := ListenerFunc(func(context.Context, string) error { return nil })
	first, err := s.Subscribe(mode("m", "*/5 * * * * *"), noop)
	require.NoError(t, err)
	second, err := s.Subscribe(mode("m", "*/5 * * * * *"), noop)
	require.NoError(t, err)

	first()
	first()
	require.Equal(t, []string{"m"}, s.Active())
	second()
	require.Empty(t, s.Active())

	again, err := s.Subscribe(mode("m", "*/5 * * * * *"), noop)
	require.NoError(t, err)
	require.Equal(t, []string{"m"}, s.Active())
	again()
}

func TestSubscriptionModeIsNeverTimed(t *testing.T) {
	s := New(WithClock(clockwork.NewFakeClockAt(epoch)))
	defer s.Stop()

	var called atomic.Bool
	unsubscribe, err := s.Subscribe(
		scanmodestore.ScanMode{ID: scanmodestore.SubscriptionID, Name: "Subscription"},
		ListenerFunc(func(context.Context, string) error { called.Store(true); return nil }),
	)
	require.NoError(t, err)
	require.Empty(t, s.Active())
	unsubscribe()
	require.False(t, called.Load())
}

func TestSubscribeRejectsInvalidCron(t *testing.T) {
	s := New()
	defer s.Stop()
	_, err := s.Subscribe(mode("bad", "* * *"), ListenerFunc(func(context.Context, string) error { return nil }))
	require.True(t, errs.IsCode(err, errs.CodeConfiguration))
	require.Empty(t, s.Active())
}

func TestRescheduleChangesCadence(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	s := New(WithClock(clock))
	defer s.Stop()

	ticks := make(chan string, 10)
	m := mode("m", "0 0 * * * *")
	_, err := s.Subscribe(m, ListenerFunc(func(_ context.Context, id string) error {
		ticks <- id
		return nil
	}))
	require.NoError(t, err)
	blockUntilTimer(t, clock)

	m.Cron = "*/5 * * * * *"
	require.NoError(t, s.Reschedule(m))
	require.Eventually(t, func() bool {
		clock.Advance(time.Second)
		select {
		case <-ticks:
			return true
		default:
			return false
		}
	}, 2*time.Second, 10*time.Millisecond)
	require.True(t, clock.Now().Before(epoch.Add(time.Hour)))
}

func TestSubscribeAfterStopFails(t *testing.T) {
	s := New()
	s.Stop()
	s.Stop()
	_, err := s.Subscribe(mode("m", "* * * * * *"), ListenerFunc(func(context.Context, string) error { return nil }))
	require.ErrorIs(t, err, ErrStopped)
}
