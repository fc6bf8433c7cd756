package memory

import (
	"context"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

type stepClock struct {
	mu  sync.Mutex
	now time.Time
}

func (c *stepClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *stepClock) advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

func TestLockerExclusiveUntilReleaseOrExpiry(t *testing.T) {
	t.Parallel()

	clock := &stepClock{now: time.Unix(1700000000, 0)}
	l := New(clock)
	ctx := context.Background()

	release, err := l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, snapshot.ErrLeaseHeld)

	require.NoError(t, release(ctx))
	release, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	clock.advance(2 * time.Minute)
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.NoError(t, err)

	// Releasing the expired lease must not free the new holder's key.
	require.NoError(t, release(ctx))
	_, err = l.Acquire(ctx, "k", time.Minute)
	require.ErrorIs(t, err, snapshot.ErrLeaseHeld)
}
