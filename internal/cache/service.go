// Package cache serves pages from stored snapshots while they are fresh and
// fetches, stores and evicts snapshots when they are not.
package cache

import (
	"context"
	"errors"
	"fmt"
	"path"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/consent"
	"github.com/JakeFAU/page-snapshot-cache/internal/lease"
	"github.com/JakeFAU/page-snapshot-cache/internal/metrics"
	"github.com/JakeFAU/page-snapshot-cache/internal/scraping"
	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// ErrInvalidRequest marks caller mistakes such as a malformed url.
var ErrInvalidRequest = errors.New("invalid request")

// EventSnapshotCreated is the type of the event published after a fetch.
const EventSnapshotCreated = "snapshot.created"

var tracer = otel.Tracer("github.com/JakeFAU/page-snapshot-cache/internal/cache")

// PageFetcher captures a page on desktop and mobile.
type PageFetcher interface {
	FetchWithDualScreenshots(ctx context.Context, rawURL string, opts scraping.DualOptions) (scraping.DualResult, error)
}

// ConsentResolver picks the cookie consent provider for a request.
type ConsentResolver interface {
	ResolveCookieProvider(ctx context.Context, rawURL string, tenantID string) (string, error)
}

// Config holds the cache policy defaults and fetch options.
type Config struct {
	FreshnessHours int
	MaxSnapshots   int
	WaitMs         int
	BlockAds       bool
	BlobPrefix     string
	EventTopic     string
	LeaseTTL       time.Duration
	LeaseWait      time.Duration
	LeasePoll      time.Duration
}

// GetPageRequest asks for the current content of a url on behalf of a tenant.
type GetPageRequest struct {
	URL          string
	TenantID     string
	RequesterID  string
	ForceRefresh bool
	// MaxAgeOverrideHours replaces the tenant freshness window when positive.
	MaxAgeOverrideHours int
	// Instructions run after any cookie consent steps on a fresh fetch.
	Instructions []snapshot.Instruction
}

// SnapshotCreatedEvent is published after a new snapshot is stored.
type SnapshotCreatedEvent struct {
	Type               string             `json:"type"`
	URLHash            string             `json:"url_hash"`
	URL                string             `json:"url"`
	SnapshotID         string             `json:"snapshot_id"`
	PreviousSnapshotID string             `json:"previous_snapshot_id,omitempty"`
	TenantID           string             `json:"tenant_id"`
	FetchedAt          time.Time          `json:"fetched_at"`
	CreditsUsed        int                `json:"credits_used"`
	ProxyTierUsed      snapshot.ProxyTier `json:"proxy_tier_used,omitempty"`
}

// Service is the snapshot cache orchestrator.
type Service struct {
	store     snapshot.DocumentStore
	blobs     snapshot.BlobStore
	fetcher   PageFetcher
	consent   ConsentResolver
	retention *RetentionEnforcer
	publisher snapshot.Publisher
	locker    snapshot.Locker
	hasher    snapshot.Hasher
	clock     snapshot.Clock
	ids       snapshot.IDGenerator
	cfg       Config
	logger    *zap.Logger
}

// NewService constructs a Service. publisher and locker are optional.
func NewService(
	store snapshot.DocumentStore,
	blobs snapshot.BlobStore,
	fetcher PageFetcher,
	consentResolver ConsentResolver,
	publisher snapshot.Publisher,
	locker snapshot.Locker,
	hasher snapshot.Hasher,
	clock snapshot.Clock,
	ids snapshot.IDGenerator,
	cfg Config,
	logger *zap.Logger,
) *Service {
	if logger == nil {
		logger = zap.NewNop()
	}
	if cfg.FreshnessHours <= 0 {
		cfg.FreshnessHours = 24
	}
	if cfg.MaxSnapshots <= 0 {
		cfg.MaxSnapshots = 10
	}
	if cfg.LeaseTTL <= 0 {
		cfg.LeaseTTL = 3 * time.Minute
	}
	if cfg.LeaseWait < 0 {
		cfg.LeaseWait = 0
	}
	return &Service{
		store:     store,
		blobs:     blobs,
		fetcher:   fetcher,
		consent:   consentResolver,
		retention: NewRetentionEnforcer(store, blobs, logger.Named("retention")),
		publisher: publisher,
		locker:    locker,
		hasher:    hasher,
		clock:     clock,
		ids:       ids,
		cfg:       cfg,
		logger:    logger,
	}
}

// GetPage returns the page at req.URL, from cache when the latest snapshot is
// younger than the freshness window, otherwise by fetching a new snapshot.
func (s *Service) GetPage(ctx context.Context, req GetPageRequest) (result snapshot.PageResult, err error) {
	ctx, span := tracer.Start(ctx, "cache.GetPage")
	defer func() {
		if err != nil {
			span.RecordError(err)
			span.SetStatus(codes.Error, err.Error())
			metrics.ObserveCacheRequest("error")
		}
		span.End()
	}()

	if req.TenantID == "" {
		return snapshot.PageResult{}, fmt.Errorf("%w: tenant id is required", ErrInvalidRequest)
	}
	key, err := snapshot.ResolveKey(req.URL, s.hasher)
	if err != nil {
		return snapshot.PageResult{}, fmt.Errorf("%w: %v", ErrInvalidRequest, err)
	}
	span.SetAttributes(
		attribute.String("snapshot.url_hash", key.Hash),
		attribute.Bool("snapshot.force_refresh", req.ForceRefresh),
	)

	settings, err := s.tenantSettings(ctx, req.TenantID)
	if err != nil {
		return snapshot.PageResult{}, err
	}
	window := time.Duration(settings.FreshnessHours) * time.Hour
	if req.MaxAgeOverrideHours > 0 {
		window = time.Duration(req.MaxAgeOverrideHours) * time.Hour
	}

	if !req.ForceRefresh {
		if res, ok, err := s.serveCached(ctx, key, req.TenantID, window); err != nil || ok {
			return res, err
		}
	}

	if s.locker != nil {
		release, err := lease.AcquireWait(ctx, s.locker, lease.SnapshotKey(key.Hash),
			s.cfg.LeaseTTL, s.cfg.LeaseWait, s.cfg.LeasePoll)
		switch {
		case err == nil:
			defer s.releaseLease(ctx, key, release)
		case errors.Is(err, snapshot.ErrLeaseHeld):
			s.logger.Info("lease still held after wait, fetching without it", zap.String("url_hash", key.Hash))
		default:
			s.logger.Warn("lease unavailable, fetching without it", zap.String("url_hash", key.Hash), zap.Error(err))
		}
		// Whoever held the lease may have just stored a fresh snapshot.
		if !req.ForceRefresh {
			if res, ok, err := s.serveCached(ctx, key, req.TenantID, window); err != nil || ok {
				return res, err
			}
		}
	}

	return s.fetchAndStore(ctx, key, req, settings.MaxSnapshotsPerURL)
}

// serveCached returns the latest snapshot if it is younger than window.
func (s *Service) serveCached(
	ctx context.Context,
	key snapshot.URLKey,
	tenantID string,
	window time.Duration,
) (snapshot.PageResult, bool, error) {
	rec, err := s.store.GetURLRecord(ctx, key.Hash)
	if errors.Is(err, snapshot.ErrNotFound) {
		return snapshot.PageResult{}, false, nil
	}
	if err != nil {
		return snapshot.PageResult{}, false, fmt.Errorf("load url record: %w", err)
	}
	if rec.LatestSnapshotID == "" {
		return snapshot.PageResult{}, false, nil
	}

	snap, err := s.store.GetSnapshot(ctx, rec.LatestSnapshotID)
	if errors.Is(err, snapshot.ErrNotFound) {
		s.logger.Warn("latest snapshot missing, refetching",
			zap.String("url_hash", key.Hash), zap.String("snapshot_id", rec.LatestSnapshotID))
		return snapshot.PageResult{}, false, nil
	}
	if err != nil {
		return snapshot.PageResult{}, false, fmt.Errorf("load snapshot: %w", err)
	}
	if s.clock.Now().Sub(snap.FetchedAt) >= window {
		return snapshot.PageResult{}, false, nil
	}

	html, err := s.blobs.GetObject(ctx, snap.BlobURL)
	if err != nil {
		return snapshot.PageResult{}, false, fmt.Errorf("load cached html: %w", err)
	}
	if !rec.HasAccess(tenantID) {
		if err := s.store.AddTenantAccess(ctx, key.Hash, tenantID); err != nil {
			s.logger.Warn("grant tenant access on cache hit failed",
				zap.String("url_hash", key.Hash), zap.String("tenant_id", tenantID), zap.Error(err))
		}
	}
	metrics.ObserveCacheRequest("hit")
	return snapshot.PageResult{HTML: string(html), Snapshot: snap, WasCached: true}, true, nil
}

func (s *Service) fetchAndStore(
	ctx context.Context,
	key snapshot.URLKey,
	req GetPageRequest,
	maxSnapshots int,
) (snapshot.PageResult, error) {
	provider, err := s.consent.ResolveCookieProvider(ctx, key.URL, req.TenantID)
	if err != nil {
		return snapshot.PageResult{}, fmt.Errorf("resolve cookie consent: %w", err)
	}

	fetched, err := s.fetcher.FetchWithDualScreenshots(ctx, key.URL, scraping.DualOptions{
		Screenshots:  true,
		WaitMs:       s.cfg.WaitMs,
		BlockAds:     s.cfg.BlockAds,
		Instructions: consent.WithCallerSteps(provider, req.Instructions),
	})
	if err != nil {
		return snapshot.PageResult{}, fmt.Errorf("fetch %s: %w", key.URL, err)
	}

	id, err := s.ids.NewID()
	if err != nil {
		return snapshot.PageResult{}, fmt.Errorf("generate snapshot id: %w", err)
	}
	snap := snapshot.Snapshot{
		ID:            id,
		URLHash:       key.Hash,
		FetchedAt:     s.clock.Now(),
		FetchedBy:     req.RequesterID,
		HTTPStatus:    fetched.StatusCode,
		RenderMethod:  fetched.RenderMethod,
		RenderTimeMs:  fetched.RenderTimeMs,
		ResolvedURL:   redirectTarget(key.URL, fetched.ResolvedURL),
		ProxyTierUsed: fetched.ProxyTierUsed,
	}
	if fetched.RenderMethod == snapshot.RenderScrapingTiered {
		credits := fetched.TotalCreditsUsed
		snap.CreditsUsed = &credits
	}

	if err := s.uploadBlobs(ctx, &snap, fetched); err != nil {
		return snapshot.PageResult{}, err
	}
	if err := s.store.CreateSnapshot(ctx, snap); err != nil {
		s.discardBlobs(ctx, snap.BlobURLs())
		return snapshot.PageResult{}, fmt.Errorf("create snapshot: %w", err)
	}

	previous := ""
	if rec, err := s.store.GetURLRecord(ctx, key.Hash); err == nil {
		previous = rec.LatestSnapshotID
	}
	if err := s.store.RecordFetch(ctx, snapshot.FetchUpdate{
		URLHash:    key.Hash,
		URL:        key.URL,
		SnapshotID: snap.ID,
		FetchedAt:  snap.FetchedAt,
		TenantID:   req.TenantID,
	}); err != nil {
		return snapshot.PageResult{}, fmt.Errorf("update url record: %w", err)
	}

	if deleted, err := s.retention.EnforceRetentionLimit(ctx, key.Hash, maxSnapshots); err != nil {
		s.logger.Warn("retention pass failed",
			zap.String("url_hash", key.Hash), zap.Int("deleted", deleted), zap.Error(err))
	}

	s.publishCreated(ctx, SnapshotCreatedEvent{
		Type:               EventSnapshotCreated,
		URLHash:            key.Hash,
		URL:                key.URL,
		SnapshotID:         snap.ID,
		PreviousSnapshotID: previous,
		TenantID:           req.TenantID,
		FetchedAt:          snap.FetchedAt,
		CreditsUsed:        fetched.TotalCreditsUsed,
		ProxyTierUsed:      fetched.ProxyTierUsed,
	})

	metrics.ObserveCacheRequest("miss")
	s.logger.Info("snapshot stored",
		zap.String("url", key.URL),
		zap.String("snapshot_id", snap.ID),
		zap.String("render_method", string(snap.RenderMethod)),
		zap.String("proxy_tier", string(snap.ProxyTierUsed)),
		zap.Int("credits", fetched.TotalCreditsUsed),
		zap.Int("failed_credits", fetched.FailedCreditsUsed),
		zap.Int64("render_time_ms", snap.RenderTimeMs),
	)
	return snapshot.PageResult{HTML: fetched.HTML, Snapshot: snap, WasCached: false}, nil
}

// uploadBlobs stores the html and screenshots and records their locations on
// snap. On failure everything uploaded so far is removed again.
func (s *Service) uploadBlobs(ctx context.Context, snap *snapshot.Snapshot, fetched scraping.DualResult) error {
	dir := path.Join(s.cfg.BlobPrefix, "snapshots", snap.URLHash, snap.ID)

	html, err := s.blobs.PutObject(ctx, path.Join(dir, "page.html"), "text/html; charset=utf-8", []byte(fetched.HTML))
	if err != nil {
		return fmt.Errorf("upload html: %w", err)
	}
	snap.BlobURL = html.URI
	snap.ContentSize = html.Size

	shots := []struct {
		device snapshot.Device
		data   []byte
		dst    *string
	}{
		{snapshot.DeviceDesktop, fetched.ScreenshotDesktop, &snap.ScreenshotDesktopURL},
		{snapshot.DeviceMobile, fetched.ScreenshotMobile, &snap.ScreenshotMobileURL},
	}
	for _, shot := range shots {
		if len(shot.data) == 0 {
			continue
		}
		obj, err := s.blobs.PutObject(ctx, path.Join(dir, string(shot.device)+".png"), "image/png", shot.data)
		if err != nil {
			s.discardBlobs(ctx, snap.BlobURLs())
			return fmt.Errorf("upload %s screenshot: %w", shot.device, err)
		}
		*shot.dst = obj.URI
	}
	return nil
}

func (s *Service) discardBlobs(ctx context.Context, uris []string) {
	for _, uri := range uris {
		if err := s.blobs.DeleteObject(ctx, uri); err != nil {
			s.logger.Warn("discard orphan blob failed", zap.String("uri", uri), zap.Error(err))
		}
	}
}

func (s *Service) publishCreated(ctx context.Context, event SnapshotCreatedEvent) {
	if s.publisher == nil || s.cfg.EventTopic == "" {
		return
	}
	if _, err := s.publisher.Publish(ctx, s.cfg.EventTopic, event); err != nil {
		s.logger.Warn("publish snapshot event failed",
			zap.String("snapshot_id", event.SnapshotID), zap.Error(err))
	}
}

func (s *Service) releaseLease(ctx context.Context, key snapshot.URLKey, release func(context.Context) error) {
	// The request context may already be done; the lease still has to go.
	ctx, cancel := context.WithTimeout(context.WithoutCancel(ctx), 5*time.Second)
	defer cancel()
	if err := release(ctx); err != nil {
		s.logger.Warn("release lease failed", zap.String("url_hash", key.Hash), zap.Error(err))
	}
}

func (s *Service) tenantSettings(ctx context.Context, tenantID string) (snapshot.TenantSettings, error) {
	settings, err := s.store.GetTenantSettings(ctx, tenantID)
	if err != nil && !errors.Is(err, snapshot.ErrNotFound) {
		return snapshot.TenantSettings{}, fmt.Errorf("load tenant settings: %w", err)
	}
	settings.TenantID = tenantID
	if settings.FreshnessHours <= 0 {
		settings.FreshnessHours = s.cfg.FreshnessHours
	}
	if settings.MaxSnapshotsPerURL <= 0 {
		settings.MaxSnapshotsPerURL = s.cfg.MaxSnapshots
	}
	return settings, nil
}

// redirectTarget returns resolved when it names a different page than requested.
func redirectTarget(requested, resolved string) string {
	if resolved == "" {
		return ""
	}
	normalized, err := snapshot.NormalizeURL(resolved)
	if err == nil && normalized == requested {
		return ""
	}
	return resolved
}
