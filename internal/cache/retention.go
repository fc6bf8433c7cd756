package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// RetentionStore is the persistence the retention enforcer needs.
type RetentionStore interface {
	ListSnapshots(ctx context.Context, urlHash string) ([]snapshot.Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
	DecrementSnapshotCount(ctx context.Context, urlHash string, n int) error
}

// RetentionEnforcer bounds how many snapshots are kept per url.
type RetentionEnforcer struct {
	store  RetentionStore
	blobs  snapshot.BlobStore
	logger *zap.Logger
}

// NewRetentionEnforcer constructs a RetentionEnforcer.
func NewRetentionEnforcer(store RetentionStore, blobs snapshot.BlobStore, logger *zap.Logger) *RetentionEnforcer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &RetentionEnforcer{store: store, blobs: blobs, logger: logger}
}

// EnforceRetentionLimit evicts the oldest snapshots of urlHash beyond
// maxSnapshots and returns how many were removed. A snapshot whose blobs
// cannot be deleted keeps its record so a later pass can retry it. The url
// record's count only drops by the number actually removed.
func (r *RetentionEnforcer) EnforceRetentionLimit(ctx context.Context, urlHash string, maxSnapshots int) (int, error) {
	if maxSnapshots < 1 {
		return 0, fmt.Errorf("max snapshots must be at least 1, got %d", maxSnapshots)
	}
	snaps, err := r.store.ListSnapshots(ctx, urlHash)
	if err != nil {
		return 0, fmt.Errorf("list snapshots: %w", err)
	}
	if len(snaps) <= maxSnapshots {
		return 0, nil
	}

	excess := snaps[maxSnapshots:]
	deleted := 0
	for _, snap := range excess {
		if err := r.deleteBlobs(ctx, snap); err != nil {
			r.logger.Warn("retention: blob delete failed, keeping snapshot",
				zap.String("url_hash", urlHash),
				zap.String("snapshot_id", snap.ID),
				zap.Error(err),
			)
			continue
		}
		if err := r.store.DeleteSnapshot(ctx, snap.ID); err != nil {
			r.logger.Warn("retention: snapshot delete failed",
				zap.String("url_hash", urlHash),
				zap.String("snapshot_id", snap.ID),
				zap.Error(err),
			)
			continue
		}
		deleted++
	}
	metrics.ObserveEviction("deleted", deleted)
	metrics.ObserveEviction("failed", len(excess)-deleted)

	if deleted == 0 {
		return 0, nil
	}
	if err := r.store.DecrementSnapshotCount(ctx, urlHash, deleted); err != nil {
		return deleted, fmt.Errorf("decrement snapshot count: %w", err)
	}
	r.logger.Debug("retention enforced",
		zap.String("url_hash", urlHash),
		zap.Int("deleted", deleted),
		zap.Int("kept", len(snaps)-deleted),
	)
	return deleted, nil
}

// deleteBlobs removes every blob of snap, trying all of them even if one fails.
func (r *RetentionEnforcer) deleteBlobs(ctx context.Context, snap snapshot.Snapshot) error {
	var errs []error
	for _, uri := range snap.BlobURLs() {
		if err := r.blobs.DeleteObject(ctx, uri); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
			errs = append(errs, fmt.Errorf("delete %s: %w", uri, err))
		}
	}
	return errors.Join(errs...)
}
