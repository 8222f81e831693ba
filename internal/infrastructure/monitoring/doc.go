/*
Package monitoring provides performance monitoring and metrics collection.

# Overview

This package implements Prometheus-based metrics collection for wasmhost,
tracking HTTP requests, bridge activity, run sessions and WebSocket traffic.
All collectors live on a private registry so several servers (or tests) can
coexist in one process.

# Features

- HTTP request metrics (latency, throughput, size) per route
- Host call metrics (calls, duration, recoverable failures) per import
- Scheduler metrics (steps, timers, lateness, exits, deadlocks)
- Session metrics (active, finished by state, duration)
- WebSocket connection metrics
- Timer lateness summaries computed with gonum/stat

# Usage

	// Create metrics collector
	metrics := monitoring.NewMetrics()

	// Add middleware to Gin router
	router.Use(monitoring.Middleware(metrics))

	// Observe a bridge
	b := bridge.New(bridge.Config{Observer: metrics})

# Metrics Endpoint

	router.GET("/metrics", gin.WrapH(metrics.Handler()))
*/
package monitoring
