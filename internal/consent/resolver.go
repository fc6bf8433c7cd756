// Package consent decides which cookie banner dismissal steps run before a
// page is captured.
package consent

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// ErrUnknownProvider is returned when a provider name is not recognised.
var ErrUnknownProvider = errors.New("unknown cookie consent provider")

// ErrInvalidInput marks a malformed url, domain or tenant.
var ErrInvalidInput = errors.New("invalid consent input")

// Store is the persistence the resolver reads and writes.
type Store interface {
	GetURLRecord(ctx context.Context, urlHash string) (snapshot.URLRecord, error)
	SetConsentOverride(ctx context.Context, urlHash string, url string, provider string) error
	GetDomainConsent(ctx context.Context, tenantID string, domain string) (snapshot.DomainConsentConfig, error)
	PutDomainConsent(ctx context.Context, cfg snapshot.DomainConsentConfig) error
}

// Resolver picks the consent provider for a request.
type Resolver struct {
	store  Store
	hasher snapshot.Hasher
	logger *zap.Logger
}

// NewResolver constructs a Resolver.
func NewResolver(store Store, hasher snapshot.Hasher, logger *zap.Logger) *Resolver {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Resolver{store: store, hasher: hasher, logger: logger}
}

// ResolveCookieProvider returns the provider for rawURL as seen by tenantID.
// A url level override wins over the tenant's domain config, which wins over
// snapshot.ConsentNone.
func (r *Resolver) ResolveCookieProvider(ctx context.Context, rawURL string, tenantID string) (string, error) {
	key, err := snapshot.ResolveKey(rawURL, r.hasher)
	if err != nil {
		return "", err
	}

	rec, err := r.store.GetURLRecord(ctx, key.Hash)
	switch {
	case err == nil && rec.CookieConsentOverride != "":
		return rec.CookieConsentOverride, nil
	case err != nil && !errors.Is(err, snapshot.ErrNotFound):
		return "", fmt.Errorf("load url record: %w", err)
	}

	domain, err := snapshot.Domain(key.URL)
	if err != nil {
		return "", err
	}
	cfg, err := r.store.GetDomainConsent(ctx, tenantID, domain)
	switch {
	case err == nil && cfg.CookieConsentProvider != "":
		return cfg.CookieConsentProvider, nil
	case err != nil && !errors.Is(err, snapshot.ErrNotFound):
		return "", fmt.Errorf("load domain consent: %w", err)
	}
	return snapshot.ConsentNone, nil
}

// SetDomainProvider stores the provider for a tenant's domain. A leading
// "www." is ignored so both spellings share one config.
func (r *Resolver) SetDomainProvider(ctx context.Context, tenantID string, domain string, provider string) error {
	if !Known(provider) {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	domain = snapshot.NormalizeDomain(domain)
	if domain == "" {
		return fmt.Errorf("%w: domain is required", ErrInvalidInput)
	}
	if tenantID == "" {
		return fmt.Errorf("%w: tenant id is required", ErrInvalidInput)
	}
	if err := r.store.PutDomainConsent(ctx, snapshot.DomainConsentConfig{
		Domain:                domain,
		TenantID:              tenantID,
		CookieConsentProvider: provider,
	}); err != nil {
		return fmt.Errorf("save domain consent: %w", err)
	}
	r.logger.Info("domain consent provider set",
		zap.String("tenant_id", tenantID),
		zap.String("domain", domain),
		zap.String("provider", provider),
	)
	return nil
}

// SetURLOverride pins the provider for one URL across tenants. An empty
// provider clears the override.
func (r *Resolver) SetURLOverride(ctx context.Context, rawURL string, provider string) error {
	if provider != "" && !Known(provider) {
		return fmt.Errorf("%w: %q", ErrUnknownProvider, provider)
	}
	key, err := snapshot.ResolveKey(rawURL, r.hasher)
	if err != nil {
		return fmt.Errorf("%w: %v", ErrInvalidInput, err)
	}
	if err := r.store.SetConsentOverride(ctx, key.Hash, key.URL, provider); err != nil {
		return fmt.Errorf("save url consent override: %w", err)
	}
	return nil
}
