// Package logging configures zerolog for the harvester.
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
	// LevelDebug logs debug messages and above.
	LevelDebug LogLevel = "debug"

	// LevelInfo logs info messages and above.
	LevelInfo LogLevel = "info"

	// LevelWarn logs warning messages and above.
	LevelWarn LogLevel = "warn"

	// LevelError logs error messages only.
	LevelError LogLevel = "error"
)

// Component names used for the "component" field.
const (
	ComponentMain      = "harvester"
	ComponentTransport = "transport"
	ComponentSearch    = "search"
	ComponentHarvest   = "harvest"
	ComponentScheduler = "scheduler"
	ComponentEnrich    = "enrich"
	ComponentStore     = "store"
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
		output = zerolog.ConsoleWriter{Out: output, TimeFormat: "15:04:05"}
	}

	logger := zerolog.New(output).With().Timestamp().Logger()
	log.Logger = logger

	return logger
}

// ValidateLevel rejects level names parseLevel would silently map to info.
func ValidateLevel(level string) error {
	switch strings.ToLower(level) {
	case "", "debug", "info", "warn", "warning", "error":
		return nil
	}
	return fmt.Errorf("unknown log level %q", level)
}

// parseLevel converts LogLevel to zerolog.Level.
func parseLevel(level LogLevel) zerolog.Level {
	switch strings.ToLower(string(level)) {
	case "debug":
		return zerolog.DebugLevel
	case "info":
		return zerolog.InfoLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
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
// Debug: per-page and per-table detail
//   - Page completed (offset, page_records, records)
//   - Table replaced (rows, columns, duration)
//
// Info: run progress
//   - Partition start, skip (table exists), table written
//   - Total results discovered, harvest progress every 50 pages
//   - End of results, enrichment summary, run summary
//
// Warn: recoverable conditions
//   - Rate limits (wait, server_hint, streak)
//   - Transport retries
//   - Lookup failures recorded as not found
//   - Records truncated to the reported total
//
// Error: partition failures
//   - Hard and schema errors (offset, status, error_class)
//   - Upload failures, enrichment failures
//
// Context Fields:
//   - partition: venue label
//   - table: target table
//   - publication: search filter
//   - offset: page offset
//   - identifier: looked-up record identifier
//   - status: HTTP status code
//   - error_class: transient, network, rate_limit, schema, hard
//   - wait: backoff or pacing duration
//   - attempt: retry attempt number
