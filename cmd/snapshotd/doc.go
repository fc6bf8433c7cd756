// Package main hosts the page snapshot cache service entrypoint.
//
// Architecture overview:
//   - HTTP API: internal/api.Server exposes health, metrics, page, consent and credit estimate endpoints. Tenants
//     identify themselves with X-Tenant-ID; every page read goes through cache.Service.GetPage.
//   - Freshness gate: a url's latest snapshot is served while it is younger than the tenant's freshness window
//     (default 24h). Otherwise both device captures are fetched in parallel, stored, and older snapshots beyond the
//     retention limit are evicted from the blob store and the document store.
//   - Fetch pipeline: a paid scraping provider renders pages with screenshots, escalating standard -> premium ->
//     stealth proxies when a request is blocked. Without provider credentials a Colly plain fetch is used instead.
//     Cookie banners are dismissed with per-provider click instructions resolved from tenant domain config.
//   - Persistence & fanout: html and screenshots go to the configured BlobStore (memory/local/GCS); url records and
//     snapshots live in Postgres (or memory). A snapshot.created event is published to Pub/Sub when a topic is set.
//     A Redis lease keeps concurrent misses for the same url from paying the provider twice.
//   - Configuration & plumbing: Viper populates config from env/files; zap provides structured logging; Prometheus
//     metrics are exported via the metrics middleware and /metrics handler; OpenTelemetry spans wrap page requests
//     and provider calls.
//
// Quick checklist:
//   - Configure env vars: SNAPSHOT_SERVER_PORT or PORT, SNAPSHOT_SCRAPING_API_KEY, SNAPSHOT_CACHE_FRESHNESS_HOURS,
//     SNAPSHOT_CACHE_MAX_SNAPSHOTS, storage (SNAPSHOT_STORAGE_*), database (SNAPSHOT_DATABASE_*), SNAPSHOT_REDIS_URL
//     and pubsub (SNAPSHOT_PUBSUB_*). A .env file in the working directory is loaded first when present.
//   - Run locally: go run ./cmd/snapshotd -config config.yaml (or rely solely on env overrides).
package main
