package logging

import (
	"io"
	"log/slog"
	"os"
	"strings"
)

// Logger is a structured logger. Arguments after the message are key/value pairs.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger writing text records at info level to stdout.
func NewLogger() *Logger {
	return New(os.Stdout, "info", "text")
}

// New creates a Logger writing to w. format is "text" or "json".
func New(w io.Writer, level, format string) *Logger {
	opts := &slog.HandlerOptions{Level: parseLevel(level)}
	var handler slog.Handler
	if strings.EqualFold(format, "json") {
		handler = slog.NewJSONHandler(w, opts)
	} else {
		handler = slog.NewTextHandler(w, opts)
	}
	return &Logger{Logger: slog.New(handler)}
}

// Nop returns a Logger that discards everything.
func Nop() *Logger {
	return New(io.Discard, "error", "text")
}

// With returns a Logger that adds args to every record.
func (l *Logger) With(args ...any) *Logger {
	return &Logger{Logger: l.Logger.With(args...)}
}

func parseLevel(level string) slog.Level {
	switch strings.ToLower(level) {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	}
	return slog.LevelInfo
}
