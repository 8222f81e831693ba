package config

import (
	"fmt"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config holds all application configuration.
type Config struct {
	Server    ServerConfig
	Logging   LogConfig
	RateLimit RateLimitConfig
	Modules   ModulesConfig
	Runtime   RuntimeConfig
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Port            string        `envconfig:"PORT" default:"8000"`
	Host            string        `envconfig:"HOST" default:"0.0.0.0"`
	ShutdownTimeout time.Duration `envconfig:"SHUTDOWN_TIMEOUT" default:"10s"`
}

// LogConfig holds logging configuration.
type LogConfig struct {
	Level       string `envconfig:"LOG_LEVEL" default:"info"`
	Development bool   `envconfig:"LOG_DEV" default:"false"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	RequestsPerSecond int  `envconfig:"RATE_LIMIT_RPS" default:"100"`
	Burst             int  `envconfig:"RATE_LIMIT_BURST" default:"200"`
	Enabled           bool `envconfig:"RATE_LIMIT_ENABLED" default:"true"`
}

// ModulesConfig holds module catalog and loader configuration.
type ModulesConfig struct {
	Dir          string        `envconfig:"MODULE_DIR" default:"./modules"`
	Pattern      string        `envconfig:"MODULE_PATTERN" default:"**/*.{wasm,wasm.gz}"`
	CacheDir     string        `envconfig:"MODULE_CACHE_DIR"`
	MaxSize      int64         `envconfig:"MODULE_MAX_SIZE" default:"268435456"`
	FetchTimeout time.Duration `envconfig:"MODULE_FETCH_TIMEOUT" default:"30s"`
	FetchRetries int           `envconfig:"MODULE_FETCH_RETRIES" default:"3"`
}

// RuntimeConfig holds limits applied to every run.
type RuntimeConfig struct {
	MemoryLimitPages uint32        `envconfig:"RUNTIME_MEMORY_PAGES" default:"0"`
	Timeout          time.Duration `envconfig:"RUNTIME_TIMEOUT" default:"5m"`
	MaxSessions      int           `envconfig:"RUNTIME_MAX_SESSIONS" default:"64"`
	Prelude          string        `envconfig:"RUNTIME_PRELUDE"`
	PreludeTimeout   time.Duration `envconfig:"RUNTIME_PRELUDE_TIMEOUT" default:"5s"`
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("failed to load config: %w", err)
	}
	return &cfg, nil
}

// LoadOrDefault loads configuration from environment or returns default.
func LoadOrDefault() *Config {
	cfg, err := Load()
	if err != nil {
		return Default()
	}
	return cfg
}

// Default returns default configuration.
func Default() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            "8000",
			Host:            "0.0.0.0",
			ShutdownTimeout: 10 * time.Second,
		},
		Logging: LogConfig{
			Level:       "info",
			Development: false,
		},
		RateLimit: RateLimitConfig{
			RequestsPerSecond: 100,
			Burst:             200,
			Enabled:           true,
		},
		Modules: ModulesConfig{
			Dir:          "./modules",
			Pattern:      "**/*.{wasm,wasm.gz}",
			MaxSize:      256 << 20,
			FetchTimeout: 30 * time.Second,
			FetchRetries: 3,
		},
		Runtime: RuntimeConfig{
			Timeout:        5 * time.Minute,
			MaxSessions:    64,
			PreludeTimeout: 5 * time.Second,
		},
	}
}
