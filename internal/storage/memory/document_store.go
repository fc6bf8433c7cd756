package memory

import (
	"context"
	"fmt"
	"slices"
	"sort"
	"sync"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

// DocumentStore is an in-memory snapshot.DocumentStore for development and tests.
// Each method holds the lock for its whole body, which gives the same
// single-document atomicity the Postgres store provides.
type DocumentStore struct {
	mu        sync.RWMutex
	records   map[string]snapshot.URLRecord
	snapshots map[string]snapshot.Snapshot
	consent   map[string]snapshot.DomainConsentConfig
	tenants   map[string]snapshot.TenantSettings
}

// NewDocumentStore constructs an empty DocumentStore.
func NewDocumentStore() *DocumentStore {
	return &DocumentStore{
		records:   make(map[string]snapshot.URLRecord),
		snapshots: make(map[string]snapshot.Snapshot),
		consent:   make(map[string]snapshot.DomainConsentConfig),
		tenants:   make(map[string]snapshot.TenantSettings),
	}
}

// GetURLRecord returns the record for urlHash.
func (s *DocumentStore) GetURLRecord(_ context.Context, urlHash string) (snapshot.URLRecord, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	rec, ok := s.records[urlHash]
	if !ok {
		return snapshot.URLRecord{}, fmt.Errorf("url record %s: %w", urlHash, snapshot.ErrNotFound)
	}
	return cloneRecord(rec), nil
}

// RecordFetch upserts the record with the new latest snapshot.
func (s *DocumentStore) RecordFetch(_ context.Context, update snapshot.FetchUpdate) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[update.URLHash]
	if !ok {
		rec = snapshot.URLRecord{URLHash: update.URLHash, URL: update.URL}
	}
	fetchedAt := update.FetchedAt
	rec.LatestSnapshotID = update.SnapshotID
	rec.LatestFetchedAt = &fetchedAt
	rec.SnapshotCount++
	if update.TenantID != "" && !slices.Contains(rec.TenantsWithAccess, update.TenantID) {
		rec.TenantsWithAccess = append(rec.TenantsWithAccess, update.TenantID)
	}
	s.records[update.URLHash] = rec
	return nil
}

// AddTenantAccess adds tenantID to the record's access set.
func (s *DocumentStore) AddTenantAccess(_ context.Context, urlHash string, tenantID string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[urlHash]
	if !ok {
		return fmt.Errorf("url record %s: %w", urlHash, snapshot.ErrNotFound)
	}
	if !slices.Contains(rec.TenantsWithAccess, tenantID) {
		rec.TenantsWithAccess = append(rec.TenantsWithAccess, tenantID)
	}
	s.records[urlHash] = rec
	return nil
}

// RemoveTenantAccess drops tenantID from the access set and reports how many remain.
func (s *DocumentStore) RemoveTenantAccess(_ context.Context, urlHash string, tenantID string) (int, error) {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[urlHash]
	if !ok {
		return 0, fmt.Errorf("url record %s: %w", urlHash, snapshot.ErrNotFound)
	}
	rec.TenantsWithAccess = slices.DeleteFunc(rec.TenantsWithAccess, func(id string) bool {
		return id == tenantID
	})
	s.records[urlHash] = rec
	return len(rec.TenantsWithAccess), nil
}

// DecrementSnapshotCount lowers the record's snapshot count by n, never below zero.
func (s *DocumentStore) DecrementSnapshotCount(_ context.Context, urlHash string, n int) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[urlHash]
	if !ok {
		return fmt.Errorf("url record %s: %w", urlHash, snapshot.ErrNotFound)
	}
	rec.SnapshotCount = max(rec.SnapshotCount-n, 0)
	s.records[urlHash] = rec
	return nil
}

// SetConsentOverride sets the url-level consent provider, creating the record if needed.
func (s *DocumentStore) SetConsentOverride(_ context.Context, urlHash string, url string, provider string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	rec, ok := s.records[urlHash]
	if !ok {
		rec = snapshot.URLRecord{URLHash: urlHash, URL: url}
	}
	rec.CookieConsentOverride = provider
	s.records[urlHash] = rec
	return nil
}

// DeleteURLRecord removes the record for urlHash.
func (s *DocumentStore) DeleteURLRecord(_ context.Context, urlHash string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.records, urlHash)
	return nil
}

// CreateSnapshot stores a new snapshot. Snapshots are write-once.
func (s *DocumentStore) CreateSnapshot(_ context.Context, snap snapshot.Snapshot) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	if _, exists := s.snapshots[snap.ID]; exists {
		return fmt.Errorf("snapshot %s already exists", snap.ID)
	}
	s.snapshots[snap.ID] = snap
	return nil
}

// GetSnapshot returns the snapshot with the given id.
func (s *DocumentStore) GetSnapshot(_ context.Context, id string) (snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	snap, ok := s.snapshots[id]
	if !ok {
		return snapshot.Snapshot{}, fmt.Errorf("snapshot %s: %w", id, snapshot.ErrNotFound)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot for urlHash, newest first.
func (s *DocumentStore) ListSnapshots(_ context.Context, urlHash string) ([]snapshot.Snapshot, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	var out []snapshot.Snapshot
	for _, snap := range s.snapshots {
		if snap.URLHash == urlHash {
			out = append(out, snap)
		}
	}
	// Equal timestamps fall back to id; uuid v7 ids are time ordered.
	sort.Slice(out, func(i, j int) bool {
		if !out[i].FetchedAt.Equal(out[j].FetchedAt) {
			return out[i].FetchedAt.After(out[j].FetchedAt)
		}
		return out[i].ID > out[j].ID
	})
	return out, nil
}

// DeleteSnapshot removes a snapshot record.
func (s *DocumentStore) DeleteSnapshot(_ context.Context, id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	delete(s.snapshots, id)
	return nil
}

// GetDomainConsent returns the consent config for tenantID and domain.
func (s *DocumentStore) GetDomainConsent(
	_ context.Context,
	tenantID string,
	domain string,
) (snapshot.DomainConsentConfig, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	cfg, ok := s.consent[consentKey(tenantID, domain)]
	if !ok {
		return snapshot.DomainConsentConfig{}, fmt.Errorf("consent %s/%s: %w", tenantID, domain, snapshot.ErrNotFound)
	}
	return cfg, nil
}

// PutDomainConsent upserts a domain consent config.
func (s *DocumentStore) PutDomainConsent(_ context.Context, cfg snapshot.DomainConsentConfig) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.consent[consentKey(cfg.TenantID, cfg.Domain)] = cfg
	return nil
}

// GetTenantSettings returns the stored settings for tenantID.
func (s *DocumentStore) GetTenantSettings(_ context.Context, tenantID string) (snapshot.TenantSettings, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()
	settings, ok := s.tenants[tenantID]
	if !ok {
		return snapshot.TenantSettings{}, fmt.Errorf("tenant %s: %w", tenantID, snapshot.ErrNotFound)
	}
	return settings, nil
}

// PutTenantSettings stores settings for a tenant.
func (s *DocumentStore) PutTenantSettings(settings snapshot.TenantSettings) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.tenants[settings.TenantID] = settings
}

func consentKey(tenantID, domain string) string {
	return tenantID + "|" + domain
}

func cloneRecord(rec snapshot.URLRecord) snapshot.URLRecord {
	rec.TenantsWithAccess = slices.Clone(rec.TenantsWithAccess)
	if rec.LatestFetchedAt != nil {
		ts := *rec.LatestFetchedAt
		rec.LatestFetchedAt = &ts
	}
	return rec
}
