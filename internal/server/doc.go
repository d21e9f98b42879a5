// Package server is the daemon's control plane: a Gin HTTP API over
// the kernel's introspection surface plus the module load path.
//
// Routes:
//   - GET  /health            liveness, uptime, task counts
//   - GET  /api/tasks         task snapshots
//   - GET  /api/tasks/:id     one task with its capability table
//   - DELETE /api/tasks/:id   destroy a task
//   - GET  /api/modules       loaded images and instances
//   - POST /api/modules       load a manifest (path or inline)
//   - GET  /api/scheduler     scheduler counters and queue depths
//   - GET  /api/endpoints     named endpoint states
//   - GET  /api/bench         benchmark summaries
//   - GET  /metrics           Prometheus exposition
//   - GET  /ws/events         event stream (package ws)
//
// Middleware stack: recovery, request logging, Prometheus HTTP
// metrics, CORS, per-IP rate limiting.
package server
