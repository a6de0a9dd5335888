// Package logging bootstraps the service's structured logger.
package logging

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
)

// New returns a zerolog.Logger pre-tagged with service identity. Output is
// JSON by default (LOG_FORMAT=console switches to a human-readable
// writer for local development), and the level is read from LOG_LEVEL
// (defaulting to info).
func New(serviceName, serviceVersion string) zerolog.Logger {
	zerolog.TimeFieldFormat = time.RFC3339

	level := zerolog.InfoLevel
	if lvl, err := zerolog.ParseLevel(os.Getenv("LOG_LEVEL")); err == nil && lvl != zerolog.NoLevel {
		level = lvl
	}

	var writer io.Writer = os.Stdout
	if os.Getenv("LOG_FORMAT") == "console" {
		writer = zerolog.ConsoleWriter{Out: os.Stdout, TimeFormat: time.Kitchen}
	}

	return zerolog.New(writer).
		Level(level).
		With().
		Timestamp().
		Str("service", serviceName).
		Str("version", serviceVersion).
		Logger()
}
