// Package internal holds logging and timing helpers shared by the transport packages.
package internal

import (
	"context"
	"log/slog"
)

// LevelTrace logs below Debug for per-packet event tracing.
const LevelTrace slog.Level = slog.LevelDebug - 2

// LogEnabled reports whether l would emit records at lvl. A nil logger emits nothing.
func LogEnabled(l *slog.Logger, lvl slog.Level) bool {
	return l != nil && l.Handler().Enabled(context.Background(), lvl)
}

// LogAttrs is the logging helper used by all package loggers. A nil logger is a no-op.
func LogAttrs(l *slog.Logger, level slog.Level, msg string, attrs ...slog.Attr) {
	if l != nil {
		l.LogAttrs(context.Background(), level, msg, attrs...)
	}
}

// Prand32 generates a pseudo random number from a seed, for initial sequence
// number selection.
func Prand32[T ~uint32](seed T) T {
	/* Algorithm "xor" from p. 4 of Marsaglia, "Xorshift RNGs" */
	seed ^= seed << 13
	seed ^= seed >> 17
	seed ^= seed << 5
	return seed
}
