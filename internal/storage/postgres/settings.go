package postgres

import (
	"context"
	"fmt"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// GetDomainConsent loads the consent provider configured for a tenant's domain.
func (s *Store) GetDomainConsent(
	ctx context.Context,
	tenantID string,
	domain string,
) (snapshot.DomainConsentConfig, error) {
	cfg := snapshot.DomainConsentConfig{TenantID: tenantID, Domain: domain}
	err := s.pool.QueryRow(ctx,
		`SELECT cookie_consent_provider FROM domain_consent_configs WHERE tenant_id = $1 AND domain = $2`,
		tenantID, domain,
	).Scan(&cfg.CookieConsentProvider)
	if err != nil {
		return snapshot.DomainConsentConfig{}, notFound(err, "consent "+tenantID+"/"+domain)
	}
	return cfg, nil
}

// PutDomainConsent upserts a domain consent config.
func (s *Store) PutDomainConsent(ctx context.Context, cfg snapshot.DomainConsentConfig) error {
	_, err := s.pool.Exec(ctx, `
INSERT INTO domain_consent_configs (tenant_id, domain, cookie_consent_provider)
VALUES ($1, $2, $3)
ON CONFLICT (tenant_id, domain) DO UPDATE SET cookie_consent_provider = EXCLUDED.cookie_consent_provider`,
		cfg.TenantID, cfg.Domain, cfg.CookieConsentProvider,
	)
	if err != nil {
		return fmt.Errorf("put domain consent: %w", err)
	}
	return nil
}

// GetTenantSettings loads the cache policy for tenantID.
func (s *Store) GetTenantSettings(ctx context.Context, tenantID string) (snapshot.TenantSettings, error) {
	settings := snapshot.TenantSettings{TenantID: tenantID}
	err := s.pool.QueryRow(ctx,
		`SELECT freshness_hours, max_snapshots_per_url FROM tenant_settings WHERE tenant_id = $1`,
		tenantID,
	).Scan(&settings.FreshnessHours, &settings.MaxSnapshotsPerURL)
	if err != nil {
		return snapshot.TenantSettings{}, notFound(err, "tenant "+tenantID)
	}
	return settings, nil
}
