package scraping

import (
	"context"
	"sync"
	"time"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// TieredFetcher is the escalating single-device fetch the dual fetcher fans out to.
type TieredFetcher interface {
	FetchWithRetry(
		ctx context.Context,
		req snapshot.ScrapeRequest,
		startTier snapshot.ProxyTier,
		autoEscalate bool,
	) (snapshot.ScrapeResult, error)
}

// DualOptions tunes one dual-device fetch.
type DualOptions struct {
	Screenshots       bool
	WaitMs            int
	BlockAds          bool
	StartTier         snapshot.ProxyTier
	DisableEscalation bool
	// Instructions run on both devices, consent steps first.
	Instructions []snapshot.Instruction
}

// DualResult merges the desktop and mobile captures of one URL.
type DualResult struct {
	HTML              string
	ScreenshotDesktop []byte
	ScreenshotMobile  []byte
	ResolvedURL       string
	StatusCode        int
	// TotalCreditsUsed covers the successful sides, including blocked
	// attempts before each side's success.
	TotalCreditsUsed  int
	// FailedCreditsUsed is what a side that ultimately failed spent.
	FailedCreditsUsed int
	RenderTimeMs      int64
	ProxyTierUsed     snapshot.ProxyTier
	RenderMethod      snapshot.RenderMethod
}

// DualFetcher captures desktop and mobile variants of a page concurrently.
type DualFetcher struct {
	fetcher TieredFetcher
	timeout time.Duration
	logger  *zap.Logger
}

// NewDualFetcher constructs a DualFetcher. timeout bounds each side independently.
func NewDualFetcher(fetcher TieredFetcher, timeout time.Duration, logger *zap.Logger) *DualFetcher {
	if timeout <= 0 {
		timeout = 3 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &DualFetcher{fetcher: fetcher, timeout: timeout, logger: logger}
}

type sideResult struct {
	result snapshot.ScrapeResult
	err    error
}

// FetchWithDualScreenshots fetches rawURL as desktop and mobile in parallel.
// A failure on one side is absorbed; only when both fail is a *DualFetchError returned.
func (d *DualFetcher) FetchWithDualScreenshots(
	ctx context.Context,
	rawURL string,
	opts DualOptions,
) (DualResult, error) {
	started := time.Now()

	var (
		wg              sync.WaitGroup
		desktop, mobile sideResult
	)
	wg.Add(2)
	go func() {
		defer wg.Done()
		desktop = d.fetchSide(ctx, rawURL, snapshot.DeviceDesktop, opts)
	}()
	go func() {
		defer wg.Done()
		mobile = d.fetchSide(ctx, rawURL, snapshot.DeviceMobile, opts)
	}()
	wg.Wait()

	elapsed := time.Since(started).Milliseconds()

	if desktop.err != nil && mobile.err != nil {
		metrics.ObserveDualFetch("failed")
		return DualResult{}, &DualFetchError{Desktop: desktop.err, Mobile: mobile.err}
	}

	out := DualResult{
		RenderTimeMs:     elapsed,
		TotalCreditsUsed:  successCredits(desktop) + successCredits(mobile),
		FailedCreditsUsed: creditsSpent(desktop.err) + creditsSpent(mobile.err),
	}
	primary := desktop
	switch {
	case desktop.err != nil:
		primary = mobile
		metrics.ObserveDualFetch("mobile_only")
		d.logger.Warn("desktop capture failed, keeping mobile result",
			zap.String("url", rawURL), zap.Error(desktop.err))
	case mobile.err != nil:
		metrics.ObserveDualFetch("desktop_only")
		d.logger.Warn("mobile capture failed, keeping desktop result",
			zap.String("url", rawURL), zap.Error(mobile.err))
	default:
		metrics.ObserveDualFetch("both")
	}

	out.HTML = primary.result.HTML
	out.ResolvedURL = primary.result.ResolvedURL
	out.StatusCode = primary.result.StatusCode
	out.RenderMethod = primary.result.RenderMethod
	if desktop.err == nil {
		out.ScreenshotDesktop = desktop.result.Screenshot
		out.ProxyTierUsed = snapshot.MaxTier(out.ProxyTierUsed, desktop.result.TierUsed)
	}
	if mobile.err == nil {
		out.ScreenshotMobile = mobile.result.Screenshot
		out.ProxyTierUsed = snapshot.MaxTier(out.ProxyTierUsed, mobile.result.TierUsed)
	}
	return out, nil
}

func (d *DualFetcher) fetchSide(
	ctx context.Context,
	rawURL string,
	device snapshot.Device,
	opts DualOptions,
) sideResult {
	ctx, cancel := context.WithTimeout(ctx, d.timeout)
	defer cancel()

	req := snapshot.ScrapeRequest{
		URL:          rawURL,
		Device:       device,
		Screenshot:   opts.Screenshots,
		WaitMs:       opts.WaitMs,
		BlockAds:     opts.BlockAds,
		Instructions: opts.Instructions,
	}
	result, err := d.fetcher.FetchWithRetry(ctx, req, opts.StartTier, !opts.DisableEscalation)
	return sideResult{result: result, err: err}
}

// successCredits is what a side spent on its way to a successful capture.
func successCredits(side sideResult) int {
	if side.err != nil {
		return 0
	}
	return side.result.CreditsUsed
}
