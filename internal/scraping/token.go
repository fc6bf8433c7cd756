package scraping

import (
	"context"
	"fmt"
	"sync"
	"time"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// TokenFetcher exchanges credentials for a fresh access token. A positive
// expiresIn shortens the cache lifetime when the provider issues shorter tokens.
type TokenFetcher func(ctx context.Context) (token string, expiresIn time.Duration, err error)

// TokenCache holds one provider access token and refreshes it shortly before
// it expires. It is safe for concurrent use.
type TokenCache struct {
	clock    snapshot.Clock
	lifetime time.Duration
	margin   time.Duration

	mu        sync.Mutex
	token     string
	refreshAt time.Time
}

// NewTokenCache builds a cache that treats tokens as valid for lifetime and
// refreshes them margin before that.
func NewTokenCache(clock snapshot.Clock, lifetime, margin time.Duration) *TokenCache {
	if lifetime <= 0 {
		lifetime = time.Hour
	}
	if margin < 0 || margin >= lifetime {
		margin = lifetime / 10
	}
	return &TokenCache{clock: clock, lifetime: lifetime, margin: margin}
}

// Token returns the cached token, calling fetch when it is missing or inside
// the refresh margin. Concurrent callers share one refresh.
func (c *TokenCache) Token(ctx context.Context, fetch TokenFetcher) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()

	now := c.clock.Now()
	if c.token != "" && now.Before(c.refreshAt) {
		return c.token, nil
	}

	token, expiresIn, err := fetch(ctx)
	if err != nil {
		return "", fmt.Errorf("refresh provider token: %w", err)
	}
	if token == "" {
		return "", fmt.Errorf("refresh provider token: empty token")
	}
	lifetime := c.lifetime
	if expiresIn > 0 && expiresIn < lifetime {
		lifetime = expiresIn
	}
	// Short-lived tokens would otherwise be due for refresh on arrival.
	margin := min(c.margin, lifetime/2)
	c.token = token
	c.refreshAt = now.Add(lifetime - margin)
	return token, nil
}

// Invalidate drops the cached token so the next call refreshes.
func (c *TokenCache) Invalidate() {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.token = ""
	c.refreshAt = time.Time{}
}
