package cache

import (
	"context"
	"os"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/require"

	"github.com/coachpo/fieldgate/internal/domain/content"
)

func TestRecoveryDiscardsPayloadWithoutMetadata(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	kept, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	require.NoError(t, set.Close())

	// A crash after the payload write but before the metadata commit.
	orphan := filepath.Join(dir, "cache", contentDir, "orphan.json")
	require.NoError(t, os.WriteFile(orphan, []byte(`[{"pointId":"x"}]`), 0o600))
	tmp := filepath.Join(dir, "cache", contentDir, "half.json.123.tmp")
	require.NoError(t, os.WriteFile(tmp, []byte(`[`), 0o600))

	reopened := openSet(t, dir)
	st := reopened.State()
	require.Equal(t, 1, st.PendingCount)
	require.Equal(t, kept.ContentSize, st.PendingSize)
	_, err = os.Stat(orphan)
	require.ErrorIs(t, err, os.ErrNotExist)
	_, err = os.Stat(tmp)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecoveryDiscardsMetadataWithoutPayload(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	ctx := context.Background()
	lost, err := set.Append(ctx, content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	kept, err := set.Append(ctx, content.Values(value("p", 2)), "s")
	require.NoError(t, err)
	require.NoError(t, set.Close())

	require.NoError(t, os.Remove(filepath.Join(dir, "cache", contentDir, lost.ContentFile)))

	reopened := openSet(t, dir)
	items := reopened.Peek(0)
	require.Len(t, items, 1)
	require.Equal(t, kept.ID, items[0].ID)
	require.Equal(t, kept.ContentSize, reopened.State().PendingSize)
	_, err = os.Stat(filepath.Join(dir, "cache", metadataDir, metadataName(lost.ID)))
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecoveryDiscardsUnreadableMetadata(t *testing.T) {
	dir := t.TempDir()
	openSet(t, dir).Close()
	bad := filepath.Join(dir, "error", metadataDir, metadataName(7))
	require.NoError(t, os.WriteFile(bad, []byte("{not json"), 0o600))

	reopened := openSet(t, dir)
	require.Equal(t, 0, reopened.State().ErrorCount)
	_, err := os.Stat(bad)
	require.ErrorIs(t, err, os.ErrNotExist)
}

func TestRecoveryAfterMoveInterruptedBeforePayloadRename(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	meta, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	require.NoError(t, set.Close())

	// Destination metadata committed, payload still in the source area.
	require.NoError(t, writeMetadata(filepath.Join(dir, "archive", metadataDir, metadataName(meta.ID)), meta))

	reopened := openSet(t, dir)
	st := reopened.State()
	require.Equal(t, 1, st.PendingCount)
	require.Equal(t, 0, st.ArchiveCount)
}

func TestRecoveryAfterMoveInterruptedBeforeSourceCleanup(t *testing.T) {
	dir := t.TempDir()
	set, err := Open("north-1", dir)
	require.NoError(t, err)
	meta, err := set.Append(context.Background(), content.Values(value("p", 1)), "s")
	require.NoError(t, err)
	require.NoError(t, set.Close())

	// Destination metadata and payload committed, source metadata left behind.
	require.NoError(t, writeMetadata(filepath.Join(dir, "error", metadataDir, metadataName(meta.ID)), meta))
	require.NoError(t, os.Rename(
		filepath.Join(dir, "cache", contentDir, meta.ContentFile),
		filepath.Join(dir, "error", contentDir, meta.ContentFile),
	))

	reopened := openSet(t, dir)
	st := reopened.State()
	require.Equal(t, 0, st.PendingCount)
	require.Equal(t, 1, st.ErrorCount)
	require.Equal(t, meta.ContentSize, st.ErrorSize)
}
