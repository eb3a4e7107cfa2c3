// Package logging builds the structured logger shared across the runtime.
// It follows eventloop's "package-level logging is infrastructure, instance
// configuration should stay out of everyone else's option surface" design
// note, except scoped to one *app.App instead of the whole process,
// since several apps (and in test binaries, several runtimes) can be alive
// at once.
package logging

import (
	"io"
	"os"

	"github.com/joeycumines/logiface"
	"github.com/joeycumines/stumpy"
)

// Logger is the concrete logger type threaded through every package that
// emits structured log lines: scheduler state transitions, preemption stats,
// RCU grace periods, cross-app hand-off, SQ congestion decisions.
type Logger = logiface.Logger[*stumpy.Event]

// New builds a Logger writing JSON lines to w at minimum level.
func New(w io.Writer, level logiface.Level) *Logger {
	if w == nil {
		w = os.Stderr
	}
	return stumpy.L.New(
		stumpy.L.WithStumpy(stumpy.WithWriter(w)),
		stumpy.L.WithLevel(level),
	)
}

// Discard is a Logger that drops every event, used as the zero-value
// fallback so components never need a nil check before logging.
var Discard = stumpy.L.New(stumpy.L.WithLevel(logiface.LevelDisabled))

// Levels re-exported for callers that only depend on this package.
const (
	LevelError = logiface.LevelError
	LevelWarn  = logiface.LevelWarning
	LevelInfo  = logiface.LevelInformational
	LevelDebug = logiface.LevelDebug
)

// OrDiscard returns l, or Discard if l is nil, so every call site can write
// `logging.OrDiscard(l).Debug()...` without a nil check.
func OrDiscard(l *Logger) *Logger {
	if l == nil {
		return Discard
	}
	return l
}
