package postgres

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/pashagolub/pgxmock/v4"
	"github.com/stretchr/testify/require"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

func newMockStore(t *testing.T) (*Store, pgxmock.PgxPoolIface) {
	t.Helper()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)

	store, err := NewWithPool(mock)
	require.NoError(t, err)
	return store, mock
}

func ptr[T any](v T) *T {
	return &v
}

func TestNewWithPoolRequiresPool(t *testing.T) {
	t.Parallel()

	_, err := NewWithPool(nil)
	require.Error(t, err)
}

func TestPing(t *testing.T) {
	t.Parallel()

	mock, err := pgxmock.NewPool()
	require.NoError(t, err)
	t.Cleanup(mock.Close)
	store, err := NewWithPool(mock)
	require.NoError(t, err)

	mock.ExpectPing()
	mock.ExpectPing().WillReturnError(errors.New("connection refused"))

	require.NoError(t, store.Ping(context.Background()))
	require.ErrorContains(t, store.Ping(context.Background()), "connection refused")
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestEnsureSchema(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("CREATE TABLE IF NOT EXISTS url_records").
		WillReturnResult(pgxmock.NewResult("CREATE", 0))

	require.NoError(t, store.EnsureSchema(context.Background()))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestRecordFetchUpserts(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	update := snapshot.FetchUpdate{
		URLHash:    "hash",
		URL:        "https://example.com",
		SnapshotID: "snap-1",
		FetchedAt:  now,
		TenantID:   "tenant-a",
	}

	mock.ExpectExec("INSERT INTO url_records").
		WithArgs(update.URLHash, update.URL, update.SnapshotID, update.FetchedAt, update.TenantID).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.RecordFetch(context.Background(), update))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetURLRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	fetchedAt := time.Unix(1700000000, 0).UTC()
	rows := pgxmock.NewRows([]string{
		"url_hash", "url", "latest_snapshot_id", "latest_fetched_at", "snapshot_count",
		"tenants_with_access", "cookie_consent_override",
	}).AddRow("hash", "https://example.com", ptr("snap-1"), &fetchedAt, 3, []string{"a", "b"}, nil)

	mock.ExpectQuery("SELECT url_hash, url").WithArgs("hash").WillReturnRows(rows)

	rec, err := store.GetURLRecord(context.Background(), "hash")
	require.NoError(t, err)
	require.Equal(t, "snap-1", rec.LatestSnapshotID)
	require.Equal(t, 3, rec.SnapshotCount)
	require.Equal(t, []string{"a", "b"}, rec.TenantsWithAccess)
	require.Empty(t, rec.CookieConsentOverride)
	require.True(t, rec.LatestFetchedAt.Equal(fetchedAt))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetURLRecordNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("SELECT url_hash, url").WithArgs("missing").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetURLRecord(context.Background(), "missing")
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestAddTenantAccessMissingRecord(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("UPDATE url_records SET tenants_with_access").
		WithArgs("hash", "tenant-a").
		WillReturnResult(pgxmock.NewResult("UPDATE", 0))

	err := store.AddTenantAccess(context.Background(), "hash", "tenant-a")
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}

func TestRemoveTenantAccessReturnsRemaining(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("array_remove").
		WithArgs("hash", "tenant-a").
		WillReturnRows(pgxmock.NewRows([]string{"cardinality"}).AddRow(1))

	remaining, err := store.RemoveTenantAccess(context.Background(), "hash", "tenant-a")
	require.NoError(t, err)
	require.Equal(t, 1, remaining)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDecrementSnapshotCount(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectExec("GREATEST").
		WithArgs("hash", 2).
		WillReturnResult(pgxmock.NewResult("UPDATE", 1))

	require.NoError(t, store.DecrementSnapshotCount(context.Background(), "hash", 2))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestCreateSnapshotInsertsNullableColumns(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	now := time.Unix(1700000000, 0).UTC()
	credits := 30
	snap := snapshot.Snapshot{
		ID:                   "snap-1",
		URLHash:              "hash",
		FetchedAt:            now,
		FetchedBy:            "user-1",
		BlobURL:              "gs://bucket/html",
		ContentSize:          42,
		HTTPStatus:           200,
		ScreenshotDesktopURL: "gs://bucket/desktop.png",
		RenderMethod:         snapshot.RenderScrapingTiered,
		RenderTimeMs:         1500,
		CreditsUsed:          &credits,
		ProxyTierUsed:        snapshot.TierPremium,
	}

	mock.ExpectExec("INSERT INTO snapshots").
		WithArgs(
			snap.ID,
			snap.URLHash,
			snap.FetchedAt,
			snap.FetchedBy,
			snap.BlobURL,
			snap.ContentSize,
			snap.HTTPStatus,
			ptr("gs://bucket/desktop.png"),
			(*string)(nil),
			"scraping-tiered",
			snap.RenderTimeMs,
			&credits,
			(*string)(nil),
			ptr("premium"),
		).
		WillReturnResult(pgxmock.NewResult("INSERT", 1))

	require.NoError(t, store.CreateSnapshot(context.Background(), snap))
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestListSnapshotsNewestFirst(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	newer := time.Unix(1700003600, 0).UTC()
	older := time.Unix(1700000000, 0).UTC()
	cols := []string{
		"id", "url_hash", "fetched_at", "fetched_by", "blob_url", "content_size", "http_status",
		"screenshot_desktop_url", "screenshot_mobile_url", "render_method", "render_time_ms",
		"credits_used", "resolved_url", "proxy_tier_used",
	}
	rows := pgxmock.NewRows(cols).
		AddRow("s2", "hash", newer, "u", "gs://b/2", int64(10), 200, nil, ptr("gs://b/m.png"),
			"fetch", int64(20), nil, ptr("https://example.com/final"), nil).
		AddRow("s1", "hash", older, "u", "gs://b/1", int64(10), 200, nil, nil,
			"scraping-tiered", int64(900), ptr(5), nil, ptr("standard"))

	mock.ExpectQuery(`FROM snapshots WHERE url_hash = \$1 ORDER BY fetched_at DESC, id DESC`).
		WithArgs("hash").WillReturnRows(rows)

	snaps, err := store.ListSnapshots(context.Background(), "hash")
	require.NoError(t, err)
	require.Len(t, snaps, 2)
	require.Equal(t, "s2", snaps[0].ID)
	require.Equal(t, "gs://b/m.png", snaps[0].ScreenshotMobileURL)
	require.Equal(t, "https://example.com/final", snaps[0].ResolvedURL)
	require.Nil(t, snaps[0].CreditsUsed)
	require.Equal(t, snapshot.TierStandard, snaps[1].ProxyTierUsed)
	require.Equal(t, 5, *snaps[1].CreditsUsed)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestDomainConsentRoundTrip(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	cfg := snapshot.DomainConsentConfig{Domain: "example.com", TenantID: "t1", CookieConsentProvider: "onetrust"}

	mock.ExpectExec("INSERT INTO domain_consent_configs").
		WithArgs("t1", "example.com", "onetrust").
		WillReturnResult(pgxmock.NewResult("INSERT", 1))
	mock.ExpectQuery("SELECT cookie_consent_provider").
		WithArgs("t1", "example.com").
		WillReturnRows(pgxmock.NewRows([]string{"cookie_consent_provider"}).AddRow("onetrust"))

	require.NoError(t, store.PutDomainConsent(context.Background(), cfg))
	got, err := store.GetDomainConsent(context.Background(), "t1", "example.com")
	require.NoError(t, err)
	require.Equal(t, cfg, got)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestGetTenantSettingsNotFound(t *testing.T) {
	t.Parallel()

	store, mock := newMockStore(t)
	mock.ExpectQuery("FROM tenant_settings").WithArgs("t1").WillReturnError(pgx.ErrNoRows)

	_, err := store.GetTenantSettings(context.Background(), "t1")
	require.ErrorIs(t, err, snapshot.ErrNotFound)
}
