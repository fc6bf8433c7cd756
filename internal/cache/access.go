package cache

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// IsStale reports whether an analysis built on analyzedSnapshotID is behind
// the url's latest snapshot. It reads the url record at call time, so no
// separate staleness write can be lost.
func (s *Service) IsStale(ctx context.Context, rawURL string, analyzedSnapshotID string) (bool, error) {
	key, err := snapshot.ResolveKey(rawURL, s.hasher)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rec, err := s.store.GetURLRecord(ctx, key.Hash)
	if err != nil {
		return false, fmt.Errorf("load url record: %w", err)
	}
	return rec.LatestSnapshotID != analyzedSnapshotID, nil
}

// LatestSnapshot returns the newest snapshot of rawURL if tenantID has access to it.
func (s *Service) LatestSnapshot(ctx context.Context, rawURL string, tenantID string) (snapshot.Snapshot, error) {
	key, err := snapshot.ResolveKey(rawURL, s.hasher)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	rec, err := s.store.GetURLRecord(ctx, key.Hash)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("load url record: %w", err)
	}
	if !rec.HasAccess(tenantID) || rec.LatestSnapshotID == "" {
		return snapshot.Snapshot{}, fmt.Errorf("latest snapshot of %s: %w", key.URL, snapshot.ErrNotFound)
	}
	snap, err := s.store.GetSnapshot(ctx, rec.LatestSnapshotID)
	if err != nil {
		return snapshot.Snapshot{}, fmt.Errorf("load snapshot: %w", err)
	}
	return snap, nil
}

// Screenshot loads the screenshot captured for device, or ErrNotFound when
// that side of the capture failed.
func (s *Service) Screenshot(ctx context.Context, snap snapshot.Snapshot, device snapshot.Device) ([]byte, error) {
	var uri string
	switch device {
	case snapshot.DeviceDesktop:
		uri = snap.ScreenshotDesktopURL
	case snapshot.DeviceMobile:
		uri = snap.ScreenshotMobileURL
	default:
		return nil, fmt.Errorf("%w: unknown device %q", ErrInvalidRequest, device)
	}
	if uri == "" {
		return nil, fmt.Errorf("%s screenshot of %s: %w", device, snap.ID, snapshot.ErrNotFound)
	}
	data, err := s.blobs.GetObject(ctx, uri)
	if err != nil {
		return nil, fmt.Errorf("load screenshot: %w", err)
	}
	return data, nil
}

// RevokeTenantAccess removes tenantID from the url's access set. When no
// tenant is left the url record, its snapshots and their blobs are deleted
// and tornDown is true.
func (s *Service) RevokeTenantAccess(ctx context.Context, rawURL string, tenantID string) (tornDown bool, err error) {
	key, err := snapshot.ResolveKey(rawURL, s.hasher)
	if err != nil {
		return false, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	remaining, err := s.store.RemoveTenantAccess(ctx, key.Hash, tenantID)
	if err != nil {
		return false, fmt.Errorf("remove tenant access: %w", err)
	}
	if remaining > 0 {
		return false, nil
	}
	if err := s.teardown(ctx, key); err != nil {
		return false, err
	}
	return true, nil
}

// teardown deletes every snapshot of key and then the url record. Blob
// failures are logged; a snapshot record that cannot be deleted stops the
// teardown so the url record still points at what is left.
func (s *Service) teardown(ctx context.Context, key snapshot.URLKey) error {
	snaps, err := s.store.ListSnapshots(ctx, key.Hash)
	if err != nil {
		return fmt.Errorf("list snapshots: %w", err)
	}
	var errs []error
	for _, snap := range snaps {
		for _, uri := range snap.BlobURLs() {
			if err := s.blobs.DeleteObject(ctx, uri); err != nil && !errors.Is(err, snapshot.ErrNotFound) {
				s.logger.Warn("teardown: blob delete failed",
					zap.String("snapshot_id", snap.ID), zap.String("uri", uri), zap.Error(err))
			}
		}
		if err := s.store.DeleteSnapshot(ctx, snap.ID); err != nil {
			errs = append(errs, fmt.Errorf("delete snapshot %s: %w", snap.ID, err))
		}
	}
	if len(errs) > 0 {
		return errors.Join(errs...)
	}
	if err := s.store.DeleteURLRecord(ctx, key.Hash); err != nil {
		return fmt.Errorf("delete url record: %w", err)
	}
	s.logger.Info("url torn down", zap.String("url", key.URL), zap.Int("snapshots", len(snaps)))
	return nil
}
