// Package logutil keeps *slog.Logger parameters nil-safe so constructors
// never have to branch on a missing logger.
package logutil

import (
	"io"
	"log/slog"
)

var noop = slog.New(slog.NewTextHandler(io.Discard, nil))

// Noop returns the shared logger that discards everything.
func Noop() *slog.Logger { return noop }

// NoopIfNil substitutes the discard logger for a nil l. Constructors taking
// an optional *slog.Logger call this once and log unconditionally after.
func NoopIfNil(l *slog.Logger) *slog.Logger {
	if l != nil {
		return l
	}
	return noop
}
