package snapshot

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned by stores when a record does not exist.
var ErrNotFound = errors.New("not found")

// BlobObject describes an uploaded blob.
type BlobObject struct {
	URI  string
	Size int64
}

// BlobStore uploads, fetches and deletes opaque blobs addressed by URI.
type BlobStore interface {
	PutObject(ctx context.Context, path string, contentType string, data []byte) (BlobObject, error)
	GetObject(ctx context.Context, uri string) ([]byte, error)
	DeleteObject(ctx context.Context, uri string) error
}

// FetchUpdate is applied to a URLRecord after a new snapshot was created.
// Stores must apply it as a single atomic write: set latest snapshot fields,
// increment the snapshot count and add the tenant to the access set.
type FetchUpdate struct {
	URLHash    string
	URL        string
	SnapshotID string
	FetchedAt  time.Time
	TenantID   string
}

// URLStore persists URL records.
type URLStore interface {
	GetURLRecord(ctx context.Context, urlHash string) (URLRecord, error)
	RecordFetch(ctx context.Context, update FetchUpdate) error
	AddTenantAccess(ctx context.Context, urlHash string, tenantID string) error
	RemoveTenantAccess(ctx context.Context, urlHash string, tenantID string) (remaining int, err error)
	DecrementSnapshotCount(ctx context.Context, urlHash string, n int) error
	SetConsentOverride(ctx context.Context, urlHash string, url string, provider string) error
	DeleteURLRecord(ctx context.Context, urlHash string) error
}

// SnapshotStore persists immutable snapshots.
type SnapshotStore interface {
	CreateSnapshot(ctx context.Context, snap Snapshot) error
	GetSnapshot(ctx context.Context, id string) (Snapshot, error)
	// ListSnapshots returns every snapshot of urlHash, newest first.
	ListSnapshots(ctx context.Context, urlHash string) ([]Snapshot, error)
	DeleteSnapshot(ctx context.Context, id string) error
}

// ConsentStore persists per-tenant domain consent configuration.
type ConsentStore interface {
	GetDomainConsent(ctx context.Context, tenantID string, domain string) (DomainConsentConfig, error)
	PutDomainConsent(ctx context.Context, cfg DomainConsentConfig) error
}

// TenantStore reads per-tenant cache settings.
type TenantStore interface {
	GetTenantSettings(ctx context.Context, tenantID string) (TenantSettings, error)
}

// DocumentStore is the full document store used by the service.
type DocumentStore interface {
	URLStore
	SnapshotStore
	ConsentStore
	TenantStore
}

// Scraper performs one scrape at a single proxy tier.
type Scraper interface {
	Scrape(ctx context.Context, req ScrapeRequest, tier ProxyTier) (ScrapeResult, error)
	Configured() bool
}

// PlainFetcher retrieves a page without rendering.
type PlainFetcher interface {
	Fetch(ctx context.Context, url string) (ScrapeResult, error)
}

// Publisher pushes events to Pub/Sub (or similar).
type Publisher interface {
	Publish(ctx context.Context, topic string, payload any) (string, error)
}

// Locker grants short-lived exclusive leases on keys.
type Locker interface {
	// Acquire obtains the lease or returns ErrLeaseHeld without blocking.
	Acquire(ctx context.Context, key string, ttl time.Duration) (release func(context.Context) error, err error)
}

// ErrLeaseHeld is returned by Locker.Acquire when another holder owns the key.
var ErrLeaseHeld = errors.New("lease held")

// Hasher computes digests for deduplication.
type Hasher interface {
	Hash(data []byte) (string, error)
}

// Clock returns the current time (useful for testing).
type Clock interface {
	Now() time.Time
}

// IDGenerator produces snapshot IDs.
type IDGenerator interface {
	NewID() (string, error)
}
