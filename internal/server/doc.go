// Package server wires the wasmhost HTTP API.
//
// Routes:
//   - GET /health: Liveness, metrics snapshot and timer lateness summary
//   - GET /metrics: Prometheus exposition
//   - GET /modules: Module catalog
//   - GET /wasm/*name: Module bytes, served as application/wasm
//   - POST /run: Run a module to completion and return its output
//   - GET /sessions, GET /sessions/:id, DELETE /sessions/:id
//   - GET /ws: Streaming runs over WebSocket
//
// Middleware stack, outermost first: request ids, access logging, panic
// recovery, metrics, CORS and per-IP rate limiting.
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	srv, err := server.NewServer(cfg, logger)
//	if err != nil {
//	    log.Fatal(err)
//	}
//	go srv.Run()
//	defer srv.Shutdown(ctx)
package server
