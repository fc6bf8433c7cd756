// Package lease holds helpers shared by the per-url lease implementations.
// Leases keep two cache misses for the same url from paying the scraping
// provider twice; they are advisory and expire on their own.
package lease

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// SnapshotKey is the lease key guarding a fetch of urlHash.
func SnapshotKey(urlHash string) string {
	return "lease:snapshot:" + urlHash
}

// AcquireWait polls locker until the lease is obtained, wait elapses or ctx
// ends. It returns snapshot.ErrLeaseHeld when the wait ran out.
func AcquireWait(
	ctx context.Context,
	locker snapshot.Locker,
	key string,
	ttl time.Duration,
	wait time.Duration,
	poll time.Duration,
) (func(context.Context) error, error) {
	if poll <= 0 {
		poll = 100 * time.Millisecond
	}
	deadline := time.Now().Add(wait)
	for {
		release, err := locker.Acquire(ctx, key, ttl)
		if err == nil {
			return release, nil
		}
		if !errors.Is(err, snapshot.ErrLeaseHeld) {
			return nil, err
		}
		if !time.Now().Add(poll).Before(deadline) {
			return nil, err
		}
		timer := time.NewTimer(poll)
		select {
		case <-ctx.Done():
			timer.Stop()
			return nil, fmt.Errorf("wait for lease %s: %w", key, ctx.Err())
		case <-timer.C:
		}
	}
}
