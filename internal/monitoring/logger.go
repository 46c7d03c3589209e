// Package monitoring owns the process-wide logger.
//
// Output is split into three streams:
//
//	ops   - lifecycle events, actionable warnings, data loss
//	diag  - day-to-day diagnostics and tuning context
//	trace - high-frequency per-frame telemetry
//
// Each stream maps onto a zerolog level (info, debug, trace) and every event
// carries "stream" and "component" fields, so a single level setting mutes
// trace output in production while keeping ops visible.
package monitoring

import (
	"io"
	"os"
	"strings"
	"sync/atomic"
	"time"

	"github.com/rs/zerolog"
)

// Options configures the root logger.
type Options struct {
	// Level is one of trace, debug, info, warn, error. Default info.
	Level string
	// Format is "console" (human readable) or "json". Default console.
	Format string
	// Service is attached to every event when set.
	Service string
	// Writer receives log output. Defaults to stderr.
	Writer io.Writer
}

var root atomic.Pointer[zerolog.Logger]

func init() {
	Configure(Options{})
}

// Configure replaces the root logger. Safe to call more than once; loggers
// returned by Component pick up the change on their next event.
func Configure(opt Options) {
	zerolog.TimeFieldFormat = time.RFC3339Nano

	var w io.Writer = os.Stderr
	if opt.Writer != nil {
		w = opt.Writer
	}
	if !strings.EqualFold(opt.Format, "json") {
		w = zerolog.ConsoleWriter{Out: w, TimeFormat: "15:04:05.000", NoColor: opt.Writer != nil}
	}

	ctx := zerolog.New(w).Level(ParseLevel(opt.Level)).With().Timestamp()
	if opt.Service != "" {
		ctx = ctx.Str("service", opt.Service)
	}
	l := ctx.Logger()
	root.Store(&l)
}

// Discard mutes all output. Intended for tests and benchmarks.
func Discard() {
	l := zerolog.Nop()
	root.Store(&l)
}

// Root returns the current root logger.
func Root() *zerolog.Logger {
	return root.Load()
}

// ParseLevel maps a level name to a zerolog level, defaulting to info.
func ParseLevel(s string) zerolog.Level {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "trace":
		return zerolog.TraceLevel
	case "debug":
		return zerolog.DebugLevel
	case "warn", "warning":
		return zerolog.WarnLevel
	case "error":
		return zerolog.ErrorLevel
	case "disabled", "off":
		return zerolog.Disabled
	default:
		return zerolog.InfoLevel
	}
}

// Logger is a component-scoped handle onto the root logger. The zero value
// logs without a component field.
type Logger struct {
	component string
}

// Component returns a Logger tagging every event with name.
func Component(name string) Logger {
	return Logger{component: name}
}

func (l Logger) event(level zerolog.Level, stream string) *zerolog.Event {
	e := root.Load().WithLevel(level)
	if e == nil {
		return nil
	}
	if l.component != "" {
		e = e.Str("component", l.component)
	}
	return e.Str("stream", stream)
}

// Ops starts an event on the ops stream.
func (l Logger) Ops() *zerolog.Event { return l.event(zerolog.InfoLevel, "ops") }

// Diag starts an event on the diag stream.
func (l Logger) Diag() *zerolog.Event { return l.event(zerolog.DebugLevel, "diag") }

// Trace starts an event on the trace stream.
func (l Logger) Trace() *zerolog.Event { return l.event(zerolog.TraceLevel, "trace") }

// Warn starts a warning on the ops stream.
func (l Logger) Warn() *zerolog.Event { return l.event(zerolog.WarnLevel, "ops") }

// Error starts an error on the ops stream.
func (l Logger) Error() *zerolog.Event { return l.event(zerolog.ErrorLevel, "ops") }

// Opsf logs a formatted message on the ops stream.
func (l Logger) Opsf(format string, args ...interface{}) { l.Ops().Msgf(format, args...) }

// Diagf logs a formatted message on the diag stream.
func (l Logger) Diagf(format string, args ...interface{}) { l.Diag().Msgf(format, args...) }

// Tracef logs a formatted message on the trace stream.
func (l Logger) Tracef(format string, args ...interface{}) { l.Trace().Msgf(format, args...) }
