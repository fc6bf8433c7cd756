package scraping

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// Escalator retries blocked scrapes at progressively stronger proxy tiers and
// falls back to a plain fetch when the provider is not configured.
type Escalator struct {
	scraper         snapshot.Scraper
	fallback        snapshot.PlainFetcher
	fallbackTimeout time.Duration
	logger          *zap.Logger
}

// NewEscalator constructs an Escalator. fallback may be nil, in which case an
// unconfigured provider surfaces ErrNotConfigured.
func NewEscalator(
	scraper snapshot.Scraper,
	fallback snapshot.PlainFetcher,
	fallbackTimeout time.Duration,
	logger *zap.Logger,
) *Escalator {
	if fallbackTimeout <= 0 {
		fallbackTimeout = 20 * time.Second
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Escalator{
		scraper:         scraper,
		fallback:        fallback,
		fallbackTimeout: fallbackTimeout,
		logger:          logger,
	}
}

// FetchWithRetry scrapes req starting at startTier. Blocked attempts move to
// the next tier when autoEscalate is set; each tier is tried at most once.
// On success CreditsUsed covers every attempt made, including blocked ones.
func (e *Escalator) FetchWithRetry(
	ctx context.Context,
	req snapshot.ScrapeRequest,
	startTier snapshot.ProxyTier,
	autoEscalate bool,
) (snapshot.ScrapeResult, error) {
	if startTier == "" {
		startTier = snapshot.TierStandard
	}
	start := startTier.Rank()
	if start < 0 {
		return snapshot.ScrapeResult{}, fmt.Errorf("unknown proxy tier %q", startTier)
	}
	if e.scraper == nil || !e.scraper.Configured() {
		return e.fetchPlain(ctx, req.URL)
	}

	var (
		attempts []snapshot.Attempt
		spent    int
	)
	for i := start; i < len(snapshot.Tiers); i++ {
		tier := snapshot.Tiers[i]
		result, err := e.scraper.Scrape(ctx, req, tier)
		if err == nil {
			result.Attempts = append(attempts, snapshot.Attempt{Tier: tier, Credits: result.CreditsUsed})
			result.CreditsUsed += spent
			result.TierUsed = tier
			result.RenderMethod = snapshot.RenderScrapingTiered
			return result, nil
		}
		if errors.Is(err, ErrNotConfigured) && len(attempts) == 0 {
			return e.fetchPlain(ctx, req.URL)
		}

		credits := creditsSpent(err)
		attempts = append(attempts, snapshot.Attempt{Tier: tier, Credits: credits, Err: err})
		spent += credits

		last := i == len(snapshot.Tiers)-1
		if !autoEscalate || last || !IsBlocked(err) {
			return snapshot.ScrapeResult{}, &EscalationError{Attempts: attempts, Err: err}
		}

		next := snapshot.Tiers[i+1]
		e.logger.Info("scrape blocked, escalating proxy tier",
			zap.String("url", req.URL),
			zap.String("device", string(deviceOf(req))),
			zap.String("from", string(tier)),
			zap.String("to", string(next)),
			zap.Error(err),
		)
		metrics.ObserveEscalation(string(tier), string(next))
	}
	// Unreachable: the loop always returns on the last tier.
	return snapshot.ScrapeResult{}, fmt.Errorf("no proxy tier attempted from %q", startTier)
}

func (e *Escalator) fetchPlain(ctx context.Context, rawURL string) (snapshot.ScrapeResult, error) {
	if e.fallback == nil {
		return snapshot.ScrapeResult{}, ErrNotConfigured
	}
	e.logger.Debug("scraping provider not configured, using plain fetch", zap.String("url", rawURL))
	metrics.ObserveFallback()

	ctx, cancel := context.WithTimeout(ctx, e.fallbackTimeout)
	defer cancel()

	result, err := e.fallback.Fetch(ctx, rawURL)
	if err != nil {
		return snapshot.ScrapeResult{}, fmt.Errorf("plain fetch %s: %w", rawURL, err)
	}
	result.Screenshot = nil
	result.CreditsUsed = 0
	result.TierUsed = ""
	result.RenderMethod = snapshot.RenderFetch
	result.Attempts = nil
	return result, nil
}
