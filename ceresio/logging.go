// Package ceresio carries the search driver's ambient I/O concerns:
// structured logging setup and the gzipped debug tree snapshot
// exporter.
package ceresio

import (
	"io"
	"os"
	"time"

	"github.com/rs/zerolog"
	"github.com/rs/zerolog/log"
)

// InitLogging configures the global zerolog logger: console-pretty for
// interactive use, plain JSON otherwise, with a configurable level.
func InitLogging(levelName string, pretty bool) {
	level, err := zerolog.ParseLevel(levelName)
	if err != nil {
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)
	zerolog.TimeFieldFormat = zerolog.TimeFormatUnix

	var w io.Writer = os.Stderr
	if pretty {
		w = zerolog.ConsoleWriter{Out: os.Stderr, TimeFormat: time.Kitchen}
	}
	log.Logger = zerolog.New(w).With().Timestamp().Caller().Logger()
}

// SubLogger returns a child logger tagged with a component name, so
// per-subsystem output can be filtered out of one shared stream.
func SubLogger(component string) zerolog.Logger {
	return log.With().Str("component", component).Logger()
}
