package logger

import (
	"io"
	"log/slog"
	"os"
	"strings"
	"unicode/utf8"
)

// New creates a new slog.Logger instance with the specified logging level
// level can be: "debug", "info", "warn", "error"
// Default is "info"
func New(level string) *slog.Logger {
	return newWithWriter(os.Stdout, level, "text")
}

// NewJSON creates a new slog.Logger with JSON output
func NewJSON(level string) *slog.Logger {
	return newWithWriter(os.Stdout, level, "json")
}

// NewWithFormat picks the handler from the configured log format ("text" or "json").
func NewWithFormat(level, format string) *slog.Logger {
	return newWithWriter(os.Stdout, level, format)
}

// Discard returns a logger that drops every record.
// Used as the default for components constructed without a logger.
func Discard() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{Level: slog.LevelError}))
}

func newWithWriter(w io.Writer, level, format string) *slog.Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	if strings.EqualFold(format, "json") {
		return slog.New(slog.NewJSONHandler(w, opts))
	}
	return slog.New(slog.NewTextHandler(w, opts))
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
		return slog.LevelInfo // Default to info
	}
}

// TruncateMessage shortens upstream error messages before they are kept in
// health records or written to logs. Upstream providers sometimes return
// whole HTML pages or JSON documents as the error text.
func TruncateMessage(msg string, maxLength int) string {
	if maxLength <= 0 || len(msg) <= maxLength {
		return msg
	}
	cut := maxLength
	// Do not split a multi-byte rune
	for cut > 0 && !utf8.RuneStart(msg[cut]) {
		cut--
	}
	return msg[:cut] + "... [truncated]"
}
