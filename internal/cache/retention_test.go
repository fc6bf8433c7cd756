package cache

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
	"github.com/JakeFAU/page-snapshot-cache/internal/storage/memory"
)

// seedSnapshots stores n snapshots of urlHash, one minute apart, each with
// html and a desktop screenshot. The returned slice is oldest first.
func seedSnapshots(t *testing.T, store *memory.DocumentStore, blobs snapshot.BlobStore, urlHash string, n int) []snapshot.Snapshot {
	t.Helper()
	ctx := context.Background()
	base := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	out := make([]snapshot.Snapshot, 0, n)
	for i := range n {
		id := fmt.Sprintf("s%d", i)
		html, err := blobs.PutObject(ctx, "snapshots/"+urlHash+"/"+id+"/page.html", "text/html", []byte("<html/>"))
		require.NoError(t, err)
		shot, err := blobs.PutObject(ctx, "snapshots/"+urlHash+"/"+id+"/desktop.png", "image/png", []byte("png"))
		require.NoError(t, err)
		snap := snapshot.Snapshot{
			ID:                   id,
			URLHash:              urlHash,
			FetchedAt:            base.Add(time.Duration(i) * time.Minute),
			BlobURL:              html.URI,
			ScreenshotDesktopURL: shot.URI,
		}
		require.NoError(t, store.CreateSnapshot(ctx, snap))
		require.NoError(t, store.RecordFetch(ctx, snapshot.FetchUpdate{
			URLHash:    urlHash,
			URL:        "https://example.com/" + urlHash,
			SnapshotID: id,
			FetchedAt:  snap.FetchedAt,
			TenantID:   "tenant-a",
		}))
		out = append(out, snap)
	}
	return out
}

func TestEnforceRetentionLimitKeepsLatestOnTimestampTie(t *testing.T) {
	t.Parallel()

	ctx := context.Background()
	store := memory.NewDocumentStore()
	blobs := memory.NewBlobStore()
	at := time.Date(2025, 1, 1, 0, 0, 0, 0, time.UTC)
	for _, id := range []string{"0190a-01", "0190a-02", "0190a-03"} {
		require.NoError(t, store.CreateSnapshot(ctx, snapshot.Snapshot{ID: id, URLHash: "h1", FetchedAt: at}))
		require.NoError(t, store.RecordFetch(ctx, snapshot.FetchUpdate{
			URLHash: "h1", URL: "https://example.com/h1", SnapshotID: id, FetchedAt: at, TenantID: "tenant-a",
		}))
	}

	deleted, err := NewRetentionEnforcer(store, blobs, nil).EnforceRetentionLimit(ctx, "h1", 1)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	rec, err := store.GetURLRecord(ctx, "h1")
	require.NoError(t, err)
	require.Equal(t, "0190a-03", rec.LatestSnapshotID)
	_, err = store.GetSnapshot(ctx, rec.LatestSnapshotID)
	require.NoError(t, err)
}

func TestEnforceRetentionLimitEvictsOldest(t *testing.T) {
	t.Parallel()

	store := memory.NewDocumentStore()
	blobs := memory.NewBlobStore()
	seeded := seedSnapshots(t, store, blobs, "h1", 5)
	enforcer := NewRetentionEnforcer(store, blobs, nil)

	deleted, err := enforcer.EnforceRetentionLimit(context.Background(), "h1", 3)
	require.NoError(t, err)
	require.Equal(t, 2, deleted)

	remaining, err := store.ListSnapshots(context.Background(), "h1")
	require.NoError(t, err)
	require.Len(t, remaining, 3)
	require.Equal(t, "s4", remaining[0].ID)
	require.Equal(t, "s2", remaining[2].ID)
	require.Equal(t, 6, blobs.Len())

	for _, evicted := range seeded[:2] {
		for _, uri := range evicted.BlobURLs() {
			_, err := blobs.GetObject(context.Background(), uri)
			require.ErrorIs(t, err, snapshot.ErrNotFound)
		}
	}

	rec, err := store.GetURLRecord(context.Background(), "h1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.SnapshotCount)
}

func TestEnforceRetentionLimitWithinBound(t *testing.T) {
	t.Parallel()

	store := memory.NewDocumentStore()
	blobs := memory.NewBlobStore()
	seedSnapshots(t, store, blobs, "h1", 2)

	deleted, err := NewRetentionEnforcer(store, blobs, nil).EnforceRetentionLimit(context.Background(), "h1", 2)
	require.NoError(t, err)
	require.Zero(t, deleted)
	require.Equal(t, 4, blobs.Len())
}

func TestEnforceRetentionLimitRejectsZero(t *testing.T) {
	t.Parallel()

	store := memory.NewDocumentStore()
	_, err := NewRetentionEnforcer(store, memory.NewBlobStore(), nil).EnforceRetentionLimit(context.Background(), "h1", 0)
	require.Error(t, err)
}

func TestEnforceRetentionLimitKeepsSnapshotWhenBlobDeleteFails(t *testing.T) {
	t.Parallel()

	store := memory.NewDocumentStore()
	blobs := &faultyBlobs{BlobStore: memory.NewBlobStore()}
	seedSnapshots(t, store, blobs, "h1", 4)
	// The oldest snapshot's screenshot cannot be removed.
	blobs.failDelete = func(uri string) bool { return strings.HasSuffix(uri, "/s0/desktop.png") }

	deleted, err := NewRetentionEnforcer(store, blobs, nil).EnforceRetentionLimit(context.Background(), "h1", 2)
	require.NoError(t, err)
	require.Equal(t, 1, deleted)

	_, err = store.GetSnapshot(context.Background(), "s0")
	require.NoError(t, err)
	_, err = store.GetSnapshot(context.Background(), "s1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)

	rec, err := store.GetURLRecord(context.Background(), "h1")
	require.NoError(t, err)
	require.Equal(t, 3, rec.SnapshotCount)
}

type failingRetentionStore struct {
	*memory.DocumentStore
	listErr error
	delErr  error
}

func (s *failingRetentionStore) ListSnapshots(ctx context.Context, urlHash string) ([]snapshot.Snapshot, error) {
	if s.listErr != nil {
		return nil, s.listErr
	}
	return s.DocumentStore.ListSnapshots(ctx, urlHash)
}

func (s *failingRetentionStore) DeleteSnapshot(ctx context.Context, id string) error {
	if s.delErr != nil {
		return s.delErr
	}
	return s.DocumentStore.DeleteSnapshot(ctx, id)
}

func TestEnforceRetentionLimitStoreFailures(t *testing.T) {
	t.Parallel()

	t.Run("list failure is returned", func(t *testing.T) {
		t.Parallel()
		listErr := errors.New("query failed")
		store := &failingRetentionStore{DocumentStore: memory.NewDocumentStore(), listErr: listErr}
		_, err := NewRetentionEnforcer(store, memory.NewBlobStore(), nil).EnforceRetentionLimit(context.Background(), "h1", 1)
		require.ErrorIs(t, err, listErr)
	})

	t.Run("record delete failure leaves the count alone", func(t *testing.T) {
		t.Parallel()
		mem := memory.NewDocumentStore()
		blobs := memory.NewBlobStore()
		seedSnapshots(t, mem, blobs, "h1", 3)
		store := &failingRetentionStore{DocumentStore: mem, delErr: errors.New("locked")}

		deleted, err := NewRetentionEnforcer(store, blobs, nil).EnforceRetentionLimit(context.Background(), "h1", 1)
		require.NoError(t, err)
		require.Zero(t, deleted)

		rec, err := mem.GetURLRecord(context.Background(), "h1")
		require.NoError(t, err)
		require.Equal(t, 3, rec.SnapshotCount)
	})
}
