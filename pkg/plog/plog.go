package plog

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// splitHandler is a slog.Handler that routes records by severity:
// INFO and below go to the stdout handler, WARNING and above go to
// the stderr handler. This keeps operator-facing progress separate
// from problems that cron or a wrapper script should capture.
type splitHandler struct {
	out slog.Handler
	err slog.Handler
}

// Enabled reports whether the level is enabled for either underlying handler.
func (h *splitHandler) Enabled(ctx context.Context, level slog.Level) bool {
	return h.out.Enabled(ctx, level) || h.err.Enabled(ctx, level)
}

// Handle routes the record to the matching handler.
func (h *splitHandler) Handle(ctx context.Context, r slog.Record) error {
	if r.Level >= slog.LevelWarn {
		return h.err.Handle(ctx, r)
	}
	return h.out.Handle(ctx, r)
}

// WithAttrs returns a new splitHandler with the given attributes added.
func (h *splitHandler) WithAttrs(attrs []slog.Attr) slog.Handler {
	return &splitHandler{out: h.out.WithAttrs(attrs), err: h.err.WithAttrs(attrs)}
}

// WithGroup returns a new splitHandler with the given group.
func (h *splitHandler) WithGroup(name string) slog.Handler {
	return &splitHandler{out: h.out.WithGroup(name), err: h.err.WithGroup(name)}
}

var (
	level         slog.LevelVar
	defaultLogger *slog.Logger
)

func init() {
	level.Set(slog.LevelInfo)
	defaultLogger = slog.New(&splitHandler{
		out: slog.NewTextHandler(os.Stdout, &slog.HandlerOptions{Level: &level}),
		err: slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelWarn}),
	})
}

// SetLevel adjusts the minimum level for the stdout stream. Warnings and
// errors are always emitted.
func SetLevel(l slog.Level) {
	level.Set(l)
}

// LevelFromString maps a config/flag value to a slog.Level. Unknown
// values fall back to info.
func LevelFromString(s string) slog.Level {
	switch s {
	case "debug":
		return slog.LevelDebug
	case "warn", "warning":
		return slog.LevelWarn
	case "error":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

// SetOutput redirects all log output to w, primarily for tests.
func SetOutput(w io.Writer) {
	defaultLogger = slog.New(slog.NewTextHandler(w, &slog.HandlerOptions{Level: &level}))
}

// Debug logs a debug message.
func Debug(msg string, args ...any) {
	defaultLogger.Debug(msg, args...)
}

// Info logs an informational message.
func Info(msg string, args ...any) {
	defaultLogger.Info(msg, args...)
}

// Warn logs a warning message.
func Warn(msg string, args ...any) {
	defaultLogger.Warn(msg, args...)
}

// Error logs an error message.
func Error(msg string, args ...any) {
	defaultLogger.Error(msg, args...)
}
