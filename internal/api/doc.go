// Package api hosts the HTTP server, middleware, and REST handlers of the
// snapshot cache. Notable routes:
//   - GET /healthz / readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - GET/DELETE /v1/pages for cached page reads and tenant revocation.
//   - PUT /v1/consent/... for cookie banner configuration.
//   - GET /v1/credits/estimate for the provider cost model.
//
// Tenants identify themselves with the X-Tenant-ID header.
package api
