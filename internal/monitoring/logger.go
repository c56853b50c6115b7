// Package monitoring bundles the fabric's observability: structured logging
// and Prometheus metrics.
package monitoring

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level   string // debug, info, warn, error
	Format  string // json or pretty
	Service string // service field attached to every line
}

// NewLogger creates a structured logger. JSON output by default for log
// shipping; pretty console output for development.
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case "debug":
		level = zerolog.DebugLevel
	case "info", "":
		level = zerolog.InfoLevel
	case "warn":
		level = zerolog.WarnLevel
	case "error":
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}

	if config.Format == "pretty" {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	service := config.Service
	if service == "" {
		service = "storage-fabric"
	}

	return zerolog.New(output).
		Level(level).
		With().
		Timestamp().
		Caller().
		Str("service", service).
		Logger()
}
