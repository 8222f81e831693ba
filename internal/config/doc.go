// Package config provides 12-factor configuration management for wasmhost.
//
// Configuration is loaded from environment variables with sensible defaults.
// CLI flags can override environment variables for development flexibility.
//
// Configuration Sections:
//   - Server: HTTP server settings (port, host, shutdown grace)
//   - Logging: Log level and output format
//   - RateLimit: Per-IP rate limiting configuration
//   - Modules: Module catalog directory, pattern and loader limits
//   - Runtime: Per-run limits and the optional JavaScript prelude
//
// Example Usage:
//
//	cfg := config.LoadOrDefault()
//	fmt.Printf("Server running on %s:%s\n", cfg.Server.Host, cfg.Server.Port)
//
// Environment Variables:
//   - PORT, HOST, SHUTDOWN_TIMEOUT
//   - LOG_LEVEL, LOG_DEV
//   - RATE_LIMIT_RPS, RATE_LIMIT_BURST, RATE_LIMIT_ENABLED
//   - MODULE_DIR, MODULE_PATTERN, MODULE_CACHE_DIR, MODULE_MAX_SIZE,
//     MODULE_FETCH_TIMEOUT, MODULE_FETCH_RETRIES
//   - RUNTIME_MEMORY_PAGES, RUNTIME_TIMEOUT, RUNTIME_MAX_SESSIONS,
//     RUNTIME_PRELUDE, RUNTIME_PRELUDE_TIMEOUT
package config
