// Package logging provides structured logging configuration using zerolog.
package logging

import (
	"fmt"
	"io"
	"os"
	"strings"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// LogLevel represents the logging level.
type LogLevel string

const (
	// LevelDebug logs every page fetch and cache decision.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs run start and completion per resource.
	LevelInfo LogLevel = "info"

	// LevelWarn logs retries and throttling.
	LevelWarn LogLevel = "warn"

	// LevelError logs failed runs only.
	LevelError LogLevel = "error"
)

// Config holds logger configuration.
type Config struct {
	// Level is the minimum log level to output.
	Level LogLevel

	// Pretty enables human-readable console output (default: false for JSON).
	Pretty bool

	// Output is the writer to output logs to (default: os.Stderr).
	Output io.Writer
}

// DefaultConfig returns a default logger configuration.
func DefaultConfig() Config {
	return Config{
		Level:  LevelInfo,
		Pretty: false,
		Output: os.Stderr,
	}
}

// Setup configures the global zerolog logger.
func Setup(cfg Config) zerolog.Logger {
	zerolog.SetGlobalLevel(parseLevel(cfg.Level))

	output := cfg.Output
	if output == nil {
		output = os.Stderr
	}
	if cfg.Pretty {
		output = zerolog.ConsoleWriter{Out: output}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ParseLevel validates a level name.
func ParseLevel(s string) (LogLevel, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return LevelDebug, nil
	case "", "info":
		return LevelInfo, nil
	case "warn", "warning":
		return LevelWarn, nil
	case "error":
		return LevelError, nil
	default:
		return "", fmt.Errorf("unknown log level %q", s)
	}
}

// parseLevel converts LogLevel to zerolog.Level, defaulting to info.
func parseLevel(level LogLevel) zerolog.Level {
	l, err := ParseLevel(string(level))
	if err != nil {
		return zerolog.InfoLevel
	}
	switch l {
	case LevelDebug:
		return zerolog.DebugLevel
	case LevelWarn:
		return zerolog.WarnLevel
	case LevelError:
		return zerolog.ErrorLevel
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
// Debug:
//   - Page fetched (page, records, has_next)
//   - Cache hit/miss and conditional requests
//   - Sink batches written
//
// Info:
//   - Run started / completed per resource
//   - Watermark boundary reached
//   - Sink tables created
//
// Warn:
//   - Retry attempts (error_class, backoff)
//   - Rate limit throttling
//   - Cache errors (request continues uncached)
//
// Error:
//   - Fetch failed after retries
//   - Run failed, watermark not advanced
//
// Context Fields:
//   - component: client, ratelimit, pipeline, cli
//   - resource: configured resource name
//   - page, records, pages: pagination progress
//   - watermark, record_watermark: boundary values
//   - status_code, error_class, attempt, backoff: request failures
//   - table, inserted, updated: sink writes
