package postgres

import (
	"context"
	"fmt"
	"time"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

const selectURLRecord = `
SELECT url_hash, url, latest_snapshot_id, latest_fetched_at, snapshot_count,
	tenants_with_access, cookie_consent_override
FROM url_records
WHERE url_hash = $1`

// GetURLRecord loads the record for urlHash.
func (s *Store) GetURLRecord(ctx context.Context, urlHash string) (snapshot.URLRecord, error) {
	var (
		rec       snapshot.URLRecord
		latestID  *string
		fetchedAt *time.Time
		override  *string
	)
	err := s.pool.QueryRow(ctx, selectURLRecord, urlHash).Scan(
		&rec.URLHash,
		&rec.URL,
		&latestID,
		&fetchedAt,
		&rec.SnapshotCount,
		&rec.TenantsWithAccess,
		&override,
	)
	if err != nil {
		return snapshot.URLRecord{}, notFound(err, "url record "+urlHash)
	}
	rec.LatestSnapshotID = deref(latestID)
	rec.LatestFetchedAt = fetchedAt
	rec.CookieConsentOverride = deref(override)
	return rec, nil
}

const upsertFetch = `
INSERT INTO url_records (url_hash, url, latest_snapshot_id, latest_fetched_at, snapshot_count, tenants_with_access)
VALUES ($1, $2, $3, $4, 1, ARRAY[$5::text])
ON CONFLICT (url_hash) DO UPDATE SET
	latest_snapshot_id = EXCLUDED.latest_snapshot_id,
	latest_fetched_at = EXCLUDED.latest_fetched_at,
	snapshot_count = url_records.snapshot_count + 1,
	tenants_with_access = CASE
		WHEN $5::text = ANY(url_records.tenants_with_access) THEN url_records.tenants_with_access
		ELSE array_append(url_records.tenants_with_access, $5::text)
	END`

// RecordFetch sets the latest snapshot, increments the count and adds the
// tenant to the access set in one statement.
func (s *Store) RecordFetch(ctx context.Context, update snapshot.FetchUpdate) error {
	if _, err := s.pool.Exec(ctx, upsertFetch,
		update.URLHash,
		update.URL,
		update.SnapshotID,
		update.FetchedAt,
		update.TenantID,
	); err != nil {
		return fmt.Errorf("record fetch: %w", err)
	}
	return nil
}

const addTenant = `
UPDATE url_records SET tenants_with_access = CASE
	WHEN $2::text = ANY(tenants_with_access) THEN tenants_with_access
	ELSE array_append(tenants_with_access, $2::text)
END
WHERE url_hash = $1`

// AddTenantAccess adds tenantID to the access set.
func (s *Store) AddTenantAccess(ctx context.Context, urlHash string, tenantID string) error {
	tag, err := s.pool.Exec(ctx, addTenant, urlHash, tenantID)
	if err != nil {
		return fmt.Errorf("add tenant access: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("url record %s: %w", urlHash, snapshot.ErrNotFound)
	}
	return nil
}

const removeTenant = `
UPDATE url_records SET tenants_with_access = array_remove(tenants_with_access, $2::text)
WHERE url_hash = $1
RETURNING cardinality(tenants_with_access)`

// RemoveTenantAccess drops tenantID from the access set and returns how many tenants remain.
func (s *Store) RemoveTenantAccess(ctx context.Context, urlHash string, tenantID string) (int, error) {
	var remaining int
	if err := s.pool.QueryRow(ctx, removeTenant, urlHash, tenantID).Scan(&remaining); err != nil {
		return 0, notFound(err, "url record "+urlHash)
	}
	return remaining, nil
}

const decrementCount = `
UPDATE url_records SET snapshot_count = GREATEST(snapshot_count - $2, 0)
WHERE url_hash = $1`

// DecrementSnapshotCount lowers snapshot_count by n, never below zero.
func (s *Store) DecrementSnapshotCount(ctx context.Context, urlHash string, n int) error {
	tag, err := s.pool.Exec(ctx, decrementCount, urlHash, n)
	if err != nil {
		return fmt.Errorf("decrement snapshot count: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return fmt.Errorf("url record %s: %w", urlHash, snapshot.ErrNotFound)
	}
	return nil
}

const upsertOverride = `
INSERT INTO url_records (url_hash, url, cookie_consent_override)
VALUES ($1, $2, $3)
ON CONFLICT (url_hash) DO UPDATE SET cookie_consent_override = EXCLUDED.cookie_consent_override`

// SetConsentOverride sets the url-level consent provider, creating the record if needed.
func (s *Store) SetConsentOverride(ctx context.Context, urlHash string, url string, provider string) error {
	if _, err := s.pool.Exec(ctx, upsertOverride, urlHash, url, nullString(provider)); err != nil {
		return fmt.Errorf("set consent override: %w", err)
	}
	return nil
}

// DeleteURLRecord removes the record for urlHash.
func (s *Store) DeleteURLRecord(ctx context.Context, urlHash string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM url_records WHERE url_hash = $1`, urlHash); err != nil {
		return fmt.Errorf("delete url record: %w", err)
	}
	return nil
}
