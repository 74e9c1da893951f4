package logger

import (
	"io"
	"log/slog"
	"os"
)

// New returns a JSON slog logger tagged with the service name. Components log
// with key/value attrs so log lines stay machine-readable across services.
func New(service string) *slog.Logger {
	h := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{Level: slog.LevelDebug})
	return slog.New(h).With("service", service)
}

// Discard returns a logger that drops everything; used by tests that don't
// assert on log output.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}
