// Package api hosts the HTTP server, middleware, and REST handlers for the
// classification service. Notable routes:
//   - GET /healthz and /readyz for Kubernetes probes.
//   - GET /metrics for Prometheus scraping.
//   - POST /v1/classify/... for task submission.
//   - GET /v1/tasks/{task_id} for task lifecycle inspection.
//   - GET /v1/partnumbers/{code}/classifications for prior results.
//   - GET /ws for joining a room over WebSocket.
package api
