// Package api serves operations over HTTP with echo.
//
// Routes:
//
//	POST   /operations              submit; 201 with the snapshot
//	GET    /operations              list snapshots, oldest first
//	GET    /operations/:id          one snapshot
//	POST   /operations/:id/cancel   cancel; 200 with the snapshot
//	DELETE /operations/:id          release; 204
//	GET    /operations/:id/stream   websocket of snapshots
//	GET    /metrics                 Prometheus exposition
//	GET    /healthz                 liveness
//
// Errors are JSON {"error", "code"}. NO_TARGETS and malformed bodies map
// to 400, unknown operations to 404 and duplicate ids to 409.
package api
