// Package api hosts the status server that runs alongside an import. Routes:
//   - GET /healthz and /readyz for health checks. readyz pings the database.
//   - GET /metrics for Prometheus scraping.
//   - GET /progress for the resumption state.
//   - GET /stats for the live counters of the current run.
package api
