package postgres

import (
	"context"
	"fmt"

	"github.com/jackc/pgx/v5"

	"github.com/JakeFAU/page-snapshot-cache/internal/snapshot"
)

const snapshotColumns = `id, url_hash, fetched_at, fetched_by, blob_url, content_size, http_status,
	screenshot_desktop_url, screenshot_mobile_url, render_method, render_time_ms,
	credits_used, resolved_url, proxy_tier_used`

// CreateSnapshot inserts a new snapshot row. Rows are never updated afterwards.
func (s *Store) CreateSnapshot(ctx context.Context, snap snapshot.Snapshot) error {
	query := `INSERT INTO snapshots (` + snapshotColumns + `)
VALUES ($1,$2,$3,$4,$5,$6,$7,$8,$9,$10,$11,$12,$13,$14)`
	args := []any{
		snap.ID,
		snap.URLHash,
		snap.FetchedAt,
		snap.FetchedBy,
		snap.BlobURL,
		snap.ContentSize,
		snap.HTTPStatus,
		nullString(snap.ScreenshotDesktopURL),
		nullString(snap.ScreenshotMobileURL),
		string(snap.RenderMethod),
		snap.RenderTimeMs,
		snap.CreditsUsed,
		nullString(snap.ResolvedURL),
		nullString(string(snap.ProxyTierUsed)),
	}
	if _, err := s.pool.Exec(ctx, query, args...); err != nil {
		return fmt.Errorf("insert snapshot: %w", err)
	}
	return nil
}

// GetSnapshot loads one snapshot by id.
func (s *Store) GetSnapshot(ctx context.Context, id string) (snapshot.Snapshot, error) {
	row := s.pool.QueryRow(ctx, `SELECT `+snapshotColumns+` FROM snapshots WHERE id = $1`, id)
	snap, err := scanSnapshot(row)
	if err != nil {
		return snapshot.Snapshot{}, notFound(err, "snapshot "+id)
	}
	return snap, nil
}

// ListSnapshots returns every snapshot of urlHash, newest first.
func (s *Store) ListSnapshots(ctx context.Context, urlHash string) ([]snapshot.Snapshot, error) {
	rows, err := s.pool.Query(ctx,
		`SELECT `+snapshotColumns+` FROM snapshots WHERE url_hash = $1 ORDER BY fetched_at DESC, id DESC`,
		urlHash,
	)
	if err != nil {
		return nil, fmt.Errorf("list snapshots: %w", err)
	}
	defer rows.Close()

	var out []snapshot.Snapshot
	for rows.Next() {
		snap, err := scanSnapshot(rows)
		if err != nil {
			return nil, fmt.Errorf("scan snapshot: %w", err)
		}
		out = append(out, snap)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate snapshots: %w", err)
	}
	return out, nil
}

// DeleteSnapshot removes one snapshot row.
func (s *Store) DeleteSnapshot(ctx context.Context, id string) error {
	if _, err := s.pool.Exec(ctx, `DELETE FROM snapshots WHERE id = $1`, id); err != nil {
		return fmt.Errorf("delete snapshot: %w", err)
	}
	return nil
}

func scanSnapshot(row pgx.Row) (snapshot.Snapshot, error) {
	var (
		snap         snapshot.Snapshot
		desktop      *string
		mobile       *string
		renderMethod string
		resolved     *string
		tier         *string
	)
	err := row.Scan(
		&snap.ID,
		&snap.URLHash,
		&snap.FetchedAt,
		&snap.FetchedBy,
		&snap.BlobURL,
		&snap.ContentSize,
		&snap.HTTPStatus,
		&desktop,
		&mobile,
		&renderMethod,
		&snap.RenderTimeMs,
		&snap.CreditsUsed,
		&resolved,
		&tier,
	)
	if err != nil {
		return snapshot.Snapshot{}, err
	}
	snap.ScreenshotDesktopURL = deref(desktop)
	snap.ScreenshotMobileURL = deref(mobile)
	snap.RenderMethod = snapshot.RenderMethod(renderMethod)
	snap.ResolvedURL = deref(resolved)
	snap.ProxyTierUsed = snapshot.ProxyTier(deref(tier))
	return snap, nil
}
