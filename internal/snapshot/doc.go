// Package snapshot defines the domain types and ports shared by the page
// fetch-and-cache subsystems: url records, immutable snapshots, proxy tiers,
// scrape requests and results, and the storage interfaces they flow through.
package snapshot
