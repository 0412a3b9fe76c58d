// Package paytesting holds fixtures shared across package tests: a quiet
// logger and a Postgres testcontainer helper.
package paytesting

import (
	"log/slog"
	"os"
)

// NewLogger returns the logger used by tests. Silent below error level by
// default; set DEBUG=1 for info or DEBUG=2 for debug output.
func NewLogger() *slog.Logger {
	level := slog.LevelError
	switch os.Getenv("DEBUG") {
	case "2":
		level = slog.LevelDebug
	case "1":
		level = slog.LevelInfo
	}
	return slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}
