// Package logger wraps zerolog behind the small tag-based API used across
// the codebase: every call carries a short subsystem tag (SESSION, CACHE,
// RESOLVE, API, ...) plus a message.
package logger

import (
	"fmt"
	"os"
	"time"

	"github.com/rs/zerolog"
)

var log = zerolog.New(zerolog.ConsoleWriter{
	Out:        os.Stdout,
	TimeFormat: "15:04:05",
}).With().Timestamp().Logger()

// SetVerbosity switches the global level: 0 = warn+, 1 = info (default), 2 = debug.
func SetVerbosity(v int) {
	switch {
	case v <= 0:
		log = log.Level(zerolog.WarnLevel)
	case v == 1:
		log = log.Level(zerolog.InfoLevel)
	default:
		log = log.Level(zerolog.DebugLevel)
	}
}

// Info logs an informational message under a subsystem tag.
func Info(tag, msg string) {
	log.Info().Str("tag", tag).Msg(msg)
}

// Success logs a completed operation.
func Success(tag, msg string) {
	log.Info().Str("tag", tag).Bool("ok", true).Msg(msg)
}

// Warn logs a recoverable problem.
func Warn(tag, msg string) {
	log.Warn().Str("tag", tag).Msg(msg)
}

// Error logs a failure.
func Error(tag, msg string) {
	log.Error().Str("tag", tag).Msg(msg)
}

// Debug logs diagnostic detail hidden at default verbosity.
func Debug(tag, msg string) {
	log.Debug().Str("tag", tag).Msg(msg)
}

// Banner prints the startup banner.
func Banner(version string) {
	if version == "" {
		version = "dev"
	}
	log.Info().Str("version", version).Msg("quant-sandbox starting")
}

// Server logs the listen address once the HTTP server is up.
func Server(addr string) {
	log.Info().Str("addr", addr).Msg(fmt.Sprintf("listening on http://%s", addr))
}

// Section marks the start of a named startup phase.
func Section(name string) {
	log.Info().Msg("--- " + name + " ---")
}

// Stats logs a single named counter or measurement.
func Stats(key string, value any) {
	log.Info().Interface(key, value).Msg("stats")
}

// Timing logs the duration of a completed operation.
func Timing(tag, op string, d time.Duration) {
	log.Debug().Str("tag", tag).Dur("took", d).Msg(op)
}
