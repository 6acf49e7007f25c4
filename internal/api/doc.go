// Package api hosts the status HTTP server for a running download. Routes:
//   - GET /healthz and /readyz for probes.
//   - GET /metrics for Prometheus scraping.
//   - GET /v1/progress for the live counters of the current run.
//   - GET /v1/tasks for the task list, filterable by status.
package api
