// Package monitoring carries the service's observability plumbing:
// the zerolog constructor every component logs through and the
// prometheus registry surface scraped from the ops endpoint.
package monitoring

import (
	"io"
	"os"
	"runtime/debug"
	"time"

	"github.com/rs/zerolog"
)

// Log levels accepted in LOG_LEVEL.
const (
	LogLevelDebug = "debug"
	LogLevelInfo  = "info"
	LogLevelWarn  = "warn"
	LogLevelError = "error"
)

// Log formats accepted in LOG_FORMAT.
const (
	LogFormatJSON   = "json"
	LogFormatPretty = "pretty"
)

// LoggerConfig holds logger configuration.
type LoggerConfig struct {
	Level  string // minimum log level
	Format string // "json" for shippers, "pretty" for terminals
}

// NewLogger creates the service's structured logger.
//
// JSON output is the default so lines land in log shippers unparsed;
// pretty output is for local runs. Every line carries a timestamp,
// caller, and the service name. Components derive their own logger
// with logger.With().Str("component", …).
func NewLogger(config LoggerConfig) zerolog.Logger {
	var output io.Writer = os.Stdout

	var level zerolog.Level
	switch config.Level {
	case LogLevelDebug:
		level = zerolog.DebugLevel
	case LogLevelInfo:
		level = zerolog.InfoLevel
	case LogLevelWarn:
		level = zerolog.WarnLevel
	case LogLevelError:
		level = zerolog.ErrorLevel
	default:
		level = zerolog.InfoLevel
	}
	zerolog.SetGlobalLevel(level)

	if config.Format == LogFormatPretty {
		output = zerolog.ConsoleWriter{
			Out:        os.Stdout,
			TimeFormat: time.RFC3339,
		}
	}

	return zerolog.New(output).
		With().
		Timestamp().
		Caller().
		Str("service", "lobcap").
		Logger()
}

// RecoverPanic logs a recovered panic with its stack and lets the
// process continue. Use it in the defer block of every long-lived
// goroutine so one bad frame or one bad disk cannot take down the
// capture of every other symbol.
func RecoverPanic(logger zerolog.Logger, goroutineName string, fields map[string]any) {
	if r := recover(); r != nil {
		event := logger.Error().
			Str("goroutine", goroutineName).
			Interface("panic_value", r).
			Str("stack_trace", string(debug.Stack()))

		for k, v := range fields {
			event = event.Interface(k, v)
		}

		event.Msg("goroutine panic recovered")
	}
}
