package scraping

import (
	"context"
	"errors"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/require"
)

type fakeClock struct {
	mu  sync.Mutex
	now time.Time
}

func newFakeClock() *fakeClock {
	return &fakeClock{now: time.Date(2025, 3, 1, 12, 0, 0, 0, time.UTC)}
}

func (c *fakeClock) Now() time.Time {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.now
}

func (c *fakeClock) Advance(d time.Duration) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.now = c.now.Add(d)
}

type countingFetcher struct {
	calls   int
	expires time.Duration
	err     error
}

func (f *countingFetcher) fetch(context.Context) (string, time.Duration, error) {
	f.calls++
	if f.err != nil {
		return "", 0, f.err
	}
	return "token-" + string(rune('0'+f.calls)), f.expires, nil
}

func TestTokenCacheReusesUntilMargin(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := NewTokenCache(clock, time.Hour, 5*time.Minute)
	fetcher := &countingFetcher{}
	ctx := context.Background()

	tok, err := cache.Token(ctx, fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, "token-1", tok)

	clock.Advance(54 * time.Minute)
	tok, err = cache.Token(ctx, fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, "token-1", tok)
	require.Equal(t, 1, fetcher.calls)

	clock.Advance(time.Minute)
	tok, err = cache.Token(ctx, fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, "token-2", tok)
	require.Equal(t, 2, fetcher.calls)
}

func TestTokenCacheHonoursShorterProviderExpiry(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := NewTokenCache(clock, time.Hour, time.Minute)
	fetcher := &countingFetcher{expires: 10 * time.Minute}

	_, err := cache.Token(context.Background(), fetcher.fetch)
	require.NoError(t, err)

	clock.Advance(9*time.Minute + time.Second)
	_, err = cache.Token(context.Background(), fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.calls)
}

func TestTokenCacheShortProviderExpiryBelowMargin(t *testing.T) {
	t.Parallel()

	clock := newFakeClock()
	cache := NewTokenCache(clock, time.Hour, 5*time.Minute)
	fetcher := &countingFetcher{expires: 4 * time.Minute}
	ctx := context.Background()

	for range 5 {
		tok, err := cache.Token(ctx, fetcher.fetch)
		require.NoError(t, err)
		require.Equal(t, "token-1", tok)
	}
	require.Equal(t, 1, fetcher.calls)

	clock.Advance(2*time.Minute - time.Second)
	_, err := cache.Token(ctx, fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, 1, fetcher.calls)

	clock.Advance(time.Second)
	tok, err := cache.Token(ctx, fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, "token-2", tok)
	require.Equal(t, 2, fetcher.calls)
}

func TestTokenCacheInvalidate(t *testing.T) {
	t.Parallel()

	cache := NewTokenCache(newFakeClock(), time.Hour, time.Minute)
	fetcher := &countingFetcher{}

	_, err := cache.Token(context.Background(), fetcher.fetch)
	require.NoError(t, err)
	cache.Invalidate()
	_, err = cache.Token(context.Background(), fetcher.fetch)
	require.NoError(t, err)
	require.Equal(t, 2, fetcher.calls)
}

func TestTokenCacheFetchError(t *testing.T) {
	t.Parallel()

	cache := NewTokenCache(newFakeClock(), time.Hour, time.Minute)
	boom := errors.New("auth down")
	fetcher := &countingFetcher{err: boom}

	_, err := cache.Token(context.Background(), fetcher.fetch)
	require.ErrorIs(t, err, boom)
}
