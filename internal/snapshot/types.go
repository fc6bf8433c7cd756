package snapshot

import (
	"slices"
	"time"
)

// ProxyTier is the scraping provider proxy class used for a request.
type ProxyTier string

// Proxy tiers in escalation order.
const (
	TierStandard ProxyTier = "standard"
	TierPremium  ProxyTier = "premium"
	TierStealth  ProxyTier = "stealth"
)

// Tiers lists every proxy tier from cheapest to most evasive.
var Tiers = []ProxyTier{TierStandard, TierPremium, TierStealth}

// Rank returns the position of the tier in the escalation order, or -1 when unknown.
func (t ProxyTier) Rank() int {
	return slices.Index(Tiers, t)
}

// Valid reports whether t is a known tier.
func (t ProxyTier) Valid() bool {
	return t.Rank() >= 0
}

// MaxTier returns the higher of two tiers. Unknown tiers rank below standard.
func MaxTier(a, b ProxyTier) ProxyTier {
	if b.Rank() > a.Rank() {
		return b
	}
	return a
}

// ParseTier converts s to a tier, defaulting to standard for empty input.
func ParseTier(s string) (ProxyTier, bool) {
	if s == "" {
		return TierStandard, true
	}
	t := ProxyTier(s)
	return t, t.Valid()
}

// Device selects the viewport the provider renders with.
type Device string

// Supported devices.
const (
	DeviceDesktop Device = "desktop"
	DeviceMobile  Device = "mobile"
)

// RenderMethod records how a snapshot's HTML was produced.
type RenderMethod string

// Render methods persisted on snapshots.
const (
	RenderFetch          RenderMethod = "fetch"
	RenderScrapingTiered RenderMethod = "scraping-tiered"
)

// ConsentNone is the cookie consent provider meaning "inject nothing".
const ConsentNone = "none"

// URLRecord indexes the latest snapshot of one normalized URL. It is shared
// across tenants; TenantsWithAccess controls per-tenant visibility.
type URLRecord struct {
	URLHash               string     `json:"url_hash"`
	URL                   string     `json:"url"`
	LatestSnapshotID      string     `json:"latest_snapshot_id,omitempty"`
	LatestFetchedAt       *time.Time `json:"latest_fetched_at,omitempty"`
	SnapshotCount         int        `json:"snapshot_count"`
	TenantsWithAccess     []string   `json:"tenants_with_access"`
	CookieConsentOverride string     `json:"cookie_consent_override,omitempty"`
}

// HasAccess reports whether tenantID has ever requested the URL.
func (r URLRecord) HasAccess(tenantID string) bool {
	return slices.Contains(r.TenantsWithAccess, tenantID)
}

// Snapshot is one immutable fetch result. A refresh always creates a new one.
type Snapshot struct {
	ID                   string       `json:"id"`
	URLHash              string       `json:"url_hash"`
	FetchedAt            time.Time    `json:"fetched_at"`
	FetchedBy            string       `json:"fetched_by"`
	BlobURL              string       `json:"blob_url"`
	ContentSize          int64        `json:"content_size"`
	HTTPStatus           int          `json:"http_status"`
	ScreenshotDesktopURL string       `json:"screenshot_desktop_url,omitempty"`
	ScreenshotMobileURL  string       `json:"screenshot_mobile_url,omitempty"`
	RenderMethod         RenderMethod `json:"render_method"`
	RenderTimeMs         int64        `json:"render_time_ms"`
	CreditsUsed          *int         `json:"credits_used,omitempty"`
	ResolvedURL          string       `json:"resolved_url,omitempty"`
	ProxyTierUsed        ProxyTier    `json:"proxy_tier_used,omitempty"`
}

// BlobURLs returns every blob location the snapshot owns.
func (s Snapshot) BlobURLs() []string {
	out := make([]string, 0, 3)
	for _, u := range []string{s.BlobURL, s.ScreenshotDesktopURL, s.ScreenshotMobileURL} {
		if u != "" {
			out = append(out, u)
		}
	}
	return out
}

// DomainConsentConfig selects the consent provider for a tenant's domain.
type DomainConsentConfig struct {
	Domain                string `json:"domain"`
	TenantID              string `json:"tenant_id"`
	CookieConsentProvider string `json:"cookie_consent_provider"`
}

// TenantSettings holds the per-tenant cache policy.
type TenantSettings struct {
	TenantID           string `json:"tenant_id"`
	FreshnessHours     int    `json:"freshness_hours"`
	MaxSnapshotsPerURL int    `json:"max_snapshots_per_url"`
}

// Instruction is one browser automation step sent to the scraping provider.
// Click steps fail silently when the selector is absent.
type Instruction struct {
	Wait  int    `json:"wait,omitempty"`
	Click string `json:"click,omitempty"`
}

// ScrapeRequest captures one single-device scrape.
type ScrapeRequest struct {
	URL          string
	Device       Device
	Screenshot   bool
	WaitMs       int
	BlockAds     bool
	Instructions []Instruction
}

// Attempt records one provider call made while serving a request.
type Attempt struct {
	Tier    ProxyTier
	Credits int
	Err     error
}

// ScrapeResult is the normalized outcome of a scrape.
type ScrapeResult struct {
	HTML         string
	Screenshot   []byte
	ResolvedURL  string
	StatusCode   int
	CreditsUsed  int
	TierUsed     ProxyTier
	RenderMethod RenderMethod
	Attempts     []Attempt
}

// PageResult is returned by the snapshot cache.
type PageResult struct {
	HTML      string   `json:"html"`
	Snapshot  Snapshot `json:"snapshot"`
	WasCached bool     `json:"was_cached"`
}
