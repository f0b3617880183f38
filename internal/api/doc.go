// Package api hosts the read-only HTTP server for operators. Notable routes:
//   - GET /healthz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/sources and /v1/rates/{source}/{target} to read the archive.
//   - GET /v1/gaps to preview what a backfill would fetch.
//   - GET /v1/runs for recent run history.
package api
