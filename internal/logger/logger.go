package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// New creates a slog.Logger with text output at the given level.
// level can be: "debug", "info", "warn", "error". Default is "info".
// Logs go to stderr; stdout is reserved for dispatch results.
func New(level string) *slog.Logger {
	return NewWithWriter(os.Stderr, level)
}

// NewJSON creates a slog.Logger with JSON output at the given level.
func NewJSON(level string) *slog.Logger {
	return NewJSONWithWriter(os.Stderr, level)
}

// NewJSONWithWriter creates a JSON logger writing to w.
func NewJSONWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewJSONHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// NewWithWriter creates a text logger writing to w. Tests pass io.Discard.
func NewWithWriter(w io.Writer, level string) *slog.Logger {
	handler := slog.NewTextHandler(w, &slog.HandlerOptions{
		Level: parseLevel(level),
	})
	return slog.New(handler)
}

// parseLevel converts string level to slog.Level
func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "info":
		return slog.LevelInfo
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
