// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"

	// LevelDisabled turns logging off entirely.
	LevelDisabled LogLevel = "disabled"
)

// Component names used across the module.
const (
	ComponentExecutor  = "request-executor"
	ComponentCSRF      = "csrf-manager"
	ComponentCache     = "cache-store"
	ComponentRateLimit = "ratelimit-tracker"
	ComponentRegistry  = "registry"
	ComponentQuery     = "query"
	ComponentPrefetch  = "prefetch"
	ComponentProxy     = "storefront-proxy"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer

	// Service is attached to every event as "service" when non-empty.
	Service string
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:   LevelInfo,
		Pretty:  false,
		Output:  os.Stderr,
		Service: "storefront-client",
	}
}

// Setup configures the global zerolog logger and returns it.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	ctx := zerolog.New(output).With().Timestamp()
	if cfg.Service != "" {
		ctx = ctx.Str("service", cfg.Service)
	}
	logger := ctx.Logger()

	log.Logger = logger

	return logger
}

// parseLevel converts LogLevel to zerolog.Level. Unknown values fall back to info.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(string(level))) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off", "none":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// NewLogger creates a new logger with the given component name.
func NewLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}

// Log Level Guidelines:
//
// Debug: request flow and cache decisions
//   - cache hit/miss/stale, key, tags
//   - attempt start, CSRF header attached
//   - token adopted from cookie
//
// Info: normal state changes
//   - token fetched or refreshed
//   - registry started/disposed
//   - rate limit state updated
//   - proxy startup, cache warm report
//
// Warn: degraded but working
//   - retry scheduled (with backoff)
//   - mutating request sent without a CSRF token
//   - rate limit exhausted, request throttled
//   - token fetch failed while an older token is still usable
//
// Error: needs attention
//   - retries exhausted
//   - background token refresh or clear failed
//   - redis backend unavailable
//
// Context Fields:
//   - method, path: request line
//   - status: HTTP status code
//   - attempt: 0-based attempt index
//   - error_class: csrf, rate_limit, client, server, network
//   - backoff: wait before next attempt
//   - key, tags: cache key and tag set
//   - remaining, limit, reset_at: rate limit state
