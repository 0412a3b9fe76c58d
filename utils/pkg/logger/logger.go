// Package logger builds the process-wide slog logger: tinted console output
// with UTC millisecond timestamps, shared by every binary.
package logger

import (
	"log/slog"
	"os"

	"github.com/lmittmann/tint"
)

func New(verbose bool) *slog.Logger {
	level := slog.LevelInfo
	if verbose {
		level = slog.LevelDebug
	}
	return slog.New(tint.NewHandler(os.Stdout, &tint.Options{
		Level:       level,
		ReplaceAttr: normalizeAttr,
	}))
}

// normalizeAttr pins timestamps to UTC with millisecond precision and drops
// empty string attributes so optional fields never render as `key=`.
func normalizeAttr(_ []string, a slog.Attr) slog.Attr {
	if a.Key == slog.TimeKey {
		a.Value = slog.StringValue(a.Value.Time().UTC().Format("2006-01-02T15:04:05.000Z"))
	}
	if s, ok := a.Value.Any().(string); ok && s == "" {
		return slog.Attr{}
	}
	return a
}
