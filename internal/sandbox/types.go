package sandbox

import (
	"time"

	"github.com/GriffinCanCode/wasmhost/internal/host"
)

// Config defines sandbox configuration
type Config struct {
	MaxCallStackSize int           // Zero keeps goja's default
	Timeout          time.Duration // Execution timeout per script
	EnableConsole    bool          // Capture console.log/warn/error
}

// Result holds execution result
type Result struct {
	Value    host.Value    // Completion value
	Console  []LogEntry    // Console output
	Duration time.Duration // Execution time
}

// LogEntry represents console output
type LogEntry struct {
	Level   string    // log, info, debug, warn, error
	Message string    // Log message
	Time    time.Time // Timestamp
}

// DefaultConfig returns the default configuration
func DefaultConfig() Config {
	return Config{
		MaxCallStackSize: 1024,
		Timeout:          5 * time.Second,
		EnableConsole:    true,
	}
}
