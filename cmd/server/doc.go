// Package main is the entry point for the wasmhost server.
//
// The server runs js/wasm modules from a module directory on request and
// streams their output.
//
// The server provides:
//   - REST API for listing, running and inspecting modules and sessions
//   - WebSocket streaming of module output
//   - Module bytes for browser loaders
//   - Prometheus metrics
//   - Rate limiting
//
// Configuration:
//   - Environment variables (12-factor)
//   - CLI flags (override env vars)
//   - Defaults for development
//
// Usage:
//
//	# Production mode
//	./server -port 8000 -modules ./modules
//
//	# Development mode (colored logs, debug level)
//	./server -dev
//
// Signals:
//   - SIGINT, SIGTERM: Graceful shutdown
package main
