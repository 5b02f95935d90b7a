package cache

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"testing"
	"time"

	json "github.com/goccy/go-json"
	"github.com/jonboulle/clockwork"
	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/errs"
	"github.com/coachpo/fieldgate/internal/domain/content"
)

var epoch = time.Date(2024, 3, 1, 10, 0, 0, 0, time.UTC)

func openSet(t *testing.T, dir string, opts ...Option) *Set {
	t.Helper()
	opts = append([]Option{WithClock(clockwork.NewFakeClockAt(epoch))}, opts...)
	set, err := Open("north-1", dir, opts...)
	require.NoError(t, err)
	t.Cleanup(func() { _ = set.Close() })
	return set
}

func value(point string, v int) content.TimeValue {
	return content.TimeValue{
		PointID:   point,
		Timestamp: epoch,
		Data:      json.RawMessage(fmt.Sprintf(`{"value":%d}`, v)),
	}
}

func TestAppendAssignsIncreasingIDsAndPeeksOldestFirst(t *testing.T) {
	set := openSet(t, t.TempDir())
	ctx := context.Background()

	var ids []uint64
	for i := 0; i < 3; i++ {
		meta, err := set.Append(ctx, content.Values(value("p", i)), "south-a")
		require.NoError(t, err)
		ids = append(ids, meta.ID)
	}
	require.Equal(t, []uint64{1, 2, 3}, ids)

	batch := set.Peek(2)
	require.Len(t, batch, 2)
	require.Equal(t, uint64(1), batch[0].ID)
	require.Equal(t, uint64(2), batch[1].ID)

	st := set.State()
	require.Equal(t, 3, st.PendingCount)
	require.Equal(t, 3, st.PendingElements)
	require.Equal(t, 0, st.PendingFiles)
	require.Positive(t, st.PendingSize)

	values, err := set.ReadValues(content.AreaCache, batch[1])
	require.NoError(t, err)
	require.Equal(t, "p", values[0].PointID)
	require.JSONEq(t, `{"value":1}`, string(values[0].Data))
}

func TestAppendFileCopiesPayload(t *testing.T) {
	set := openSet(t, t.TempDir())
	src := filepath.Join(t.TempDir(), "report.csv")
	require.NoError(t, os.WriteFile(src, []byte("a,b\n1,2\n"), 0o600))

	meta, err := set.Append(context.Background(), content.File(src), "south-files")
	require.NoError(t, err)
	require.Equal(t, "report.csv", meta.OriginalName)
	require.Equal(t, int64(8), meta.ContentSize)
	require.Equal(t, ".csv", filepath.Ext(meta.ContentFile))

	raw, err := os.ReadFile(set.ContentPath(content.AreaCache, meta))
	require.NoError(t, err)
	require.Equal(t, "a,b\n1,2\n", string(raw))
	require.Equal(t, 1, set.State().PendingFiles)
}

func TestAppendRejectsInvalidContent(t *testing.T) {
	set := openSet(t, t.TempDir())
	_, err := set.Append(context.Background(), content.Values(), "s")
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestAppendFailsLoudlyWhenFull(t *testing.T) {
	set := openSet(t, t.TempDir(), WithMaxSize(10))
	ctx := context.Background()
	_, err := set.Append(ctx, content.Values(value("p", 1)), "s")
	require.NoError(t, err)

	_, err = set.Append(ctx, content.Values(value("p", 2)), "s")
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeCapacity))
	require.Equal(t, 1, set.State().PendingCount)
}

func TestMoveKeepsItemInExactlyOneArea(t *testing.T) {
	set := openSet(t, t.TempDir())
	meta, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)

	archivedAt := epoch.Add(time.Minute)
	moved, err := set.Move(content.AreaCache, content.AreaArchive, []uint64{meta.ID}, func(m *content.Metadata) {
		m.ArchivedAt = &archivedAt
	})
	require.NoError(t, err)
	require.Len(t, moved, 1)

	pending, err := set.List(content.AreaCache, Filter{})
	require.NoError(t, err)
	require.Empty(t, pending)

	archived, err := set.Get(content.AreaArchive, meta.ID)
	require.NoError(t, err)
	require.True(t, archived.ArchivedAt.Equal(archivedAt))
	_, err = os.Stat(set.ContentPath(content.AreaArchive, archived))
	require.NoError(t, err)
	_, err = os.Stat(set.ContentPath(content.AreaCache, meta))
	require.ErrorIs(t, err, os.ErrNotExist)

	st := set.State()
	require.Equal(t, 0, st.PendingCount)
	require.Equal(t, 1, st.ArchiveCount)
	require.Equal(t, meta.ContentSize, st.ArchiveSize)
}

func TestMoveSameAreaIsInvalid(t *testing.T) {
	set := openSet(t, t.TempDir())
	_, err := set.Move(content.AreaCache, content.AreaCache, []uint64{1}, nil)
	require.True(t, errs.IsCode(err, errs.CodeInvalid))
}

func TestRemoveIgnoresUnknownIDs(t *testing.T) {
	set := openSet(t, t.TempDir())
	meta, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)

	removed, err := set.Remove(content.AreaCache, []uint64{meta.ID, 42})
	require.NoError(t, err)
	require.Len(t, removed, 1)
	require.Equal(t, 0, set.State().PendingCount)
	require.Equal(t, int64(0), set.State().PendingSize)
}

func TestUpdatePersistsAttemptsAcrossRestart(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	meta, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	_, err = set.Update(content.AreaCache, []uint64{meta.ID}, func(m *content.Metadata) {
		m.Attempts++
		m.LastError = "timeout"
	})
	require.NoError(t, err)
	require.NoError(t, set.Close())

	reopened := openSet(t, dir)
	got, err := reopened.Get(content.AreaCache, meta.ID)
	require.NoError(t, err)
	require.Equal(t, 1, got.Attempts)
	require.Equal(t, "timeout", got.LastError)
}

func TestIDsResumeAfterRestart(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	ctx := context.Background()
	first, err := set.Append(ctx, content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	_, err = set.Move(content.AreaCache, content.AreaError, []uint64{first.ID}, nil)
	require.NoError(t, err)
	second, err := set.Append(ctx, content.Values(value("p", 2)), "s")
	require.NoError(t, err)
	_, err = set.Remove(content.AreaCache, []uint64{second.ID})
	require.NoError(t, err)
	require.NoError(t, set.Close())

	reopened := openSet(t, dir)
	third, err := reopened.Append(ctx, content.Values(value("p", 3)), "s")
	require.NoError(t, err)
	require.Equal(t, uint64(3), third.ID)
}

func TestIDsAreNotReusedAfterCrash(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	ctx := context.Background()
	delivered, err := set.Append(ctx, content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	_, err = set.Remove(content.AreaCache, []uint64{delivered.ID})
	require.NoError(t, err)
	// Release the lock without Close, as a killed process would.
	require.NoError(t, set.fsLock.Unlock())

	reopened := openSet(t, dir)
	next, err := reopened.Append(ctx, content.Values(value("p", 2)), "s")
	require.NoError(t, err)
	require.Greater(t, next.ID, delivered.ID)
}

func TestSecondOpenIsRejectedWhileLocked(t *testing.T) {
	dir := t.TempDir()
	openSet(t, dir)
	_, err := Open("north-1", dir)
	require.Error(t, err)
	require.True(t, errs.IsCode(err, errs.CodeInUse))
}

func TestDeliveryInstantsSurviveRestart(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	set.MarkAttempt(epoch)
	set.MarkSuccess(epoch.Add(time.Second))
	require.NoError(t, set.Close())

	st := openSet(t, dir).State()
	require.True(t, st.LastDeliveryAttempt.Equal(epoch))
	require.True(t, st.LastDeliverySuccess.Equal(epoch.Add(time.Second)))
}

func TestListFilters(t *testing.T) {
	clock := clockwork.NewFakeClockAt(epoch)
	set := openSet(t, t.TempDir(), WithClock(clock))
	ctx := context.Background()
	_, err := set.Append(ctx, content.Values(value("p", 1)), "south-a")
	require.NoError(t, err)
	clock.Advance(time.Hour)
	_, err = set.Append(ctx, content.Values(value("p", 2)), "south-b")
	require.NoError(t, err)

	bySource, err := set.List(content.AreaCache, Filter{Source: "south-b"})
	require.NoError(t, err)
	require.Len(t, bySource, 1)

	byTime, err := set.List(content.AreaCache, Filter{To: epoch.Add(time.Minute)})
	require.NoError(t, err)
	require.Len(t, byTime, 1)
	require.Equal(t, "south-a", byTime[0].Source)

	_, err = set.List("bogus", Filter{})
	require.Error(t, err)
}

type recordingObserver struct {
	states []State
}

func (o *recordingObserver) CacheChanged(_ string, st State) {
	o.states = append(o.states, st)
}

func TestObserverSeesEveryMutation(t *testing.T) {
	obs := &recordingObserver{}
	set := openSet(t, t.TempDir(), WithObserver(obs))
	meta, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	_, err = set.Move(content.AreaCache, content.AreaError, []uint64{meta.ID}, nil)
	require.NoError(t, err)

	require.Len(t, obs.states, 2)
	require.Equal(t, 1, obs.states[0].PendingCount)
	require.Equal(t, 1, obs.states[1].ErrorCount)
	require.Equal(t, 0, obs.states[1].PendingCount)
}

func TestDestroyRefusesLockedDirectory(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	require.True(t, errs.IsCode(Destroy(dir), errs.CodeInUse))
	require.NoError(t, set.Close())
	require.NoError(t, Destroy(dir))
	_, err = os.Stat(dir)
	require.ErrorIs(t, err, os.ErrNotExist)
}
