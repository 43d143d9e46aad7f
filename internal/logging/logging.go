// Package logging provides structured logging for barstore.
//
// This package wraps the standard library's log/slog package to provide
// consistent logging across all components. It supports both text and JSON
// output formats, configurable log levels, and component-based loggers.
//
// Usage:
//
//	// Initialize at startup
//	logging.Init(slog.LevelInfo, false) // Text format
//	logging.Init(slog.LevelDebug, true) // JSON format for production
//
//	// Get a component logger
//	log := logging.Component("upsert")
//	log.Info("batch committed", "series", id, "inserted", n)
//
//	// Log with request context
//	logging.WithContext(ctx).Warn("batch rejected", "error", err)
package logging

import (
	"context"
	"log/slog"
	"os"
)

// Logger is the global logger instance.
var Logger *slog.Logger

// Init initializes the global logger with the specified level and format.
// Logs go to stderr so CLI output on stdout stays machine readable.
func Init(level slog.Level, jsonFormat bool) {
	var handler slog.Handler

	opts := &slog.HandlerOptions{
		Level:     level,
		AddSource: level == slog.LevelDebug,
	}

	if jsonFormat {
		handler = slog.NewJSONHandler(os.Stderr, opts)
	} else {
		handler = slog.NewTextHandler(os.Stderr, opts)
	}

	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// InitWithHandler initializes the global logger with a custom handler.
// This is useful for testing or custom output destinations.
func InitWithHandler(handler slog.Handler) {
	Logger = slog.New(handler)
	slog.SetDefault(Logger)
}

// Component returns a logger for a specific component.
// The component name is added as an attribute to all log entries.
//
// Example:
//
//	log := logging.Component("partition")
//	log.Info("opened") // Output: time=... level=INFO component=partition msg=opened
func Component(name string) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Logger.With("component", name)
}

// WithContext returns the global logger with the context values added.
func WithContext(ctx context.Context) *slog.Logger {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	return Enrich(Logger, ctx)
}

// Enrich adds the series, batch id and source carried by ctx to logger.
func Enrich(logger *slog.Logger, ctx context.Context) *slog.Logger {
	if series, ok := ctx.Value(contextKeySeries).(string); ok {
		logger = logger.With("series", series)
	}
	if batchID, ok := ctx.Value(contextKeyBatchID).(string); ok {
		logger = logger.With("batch_id", batchID)
	}
	if source, ok := ctx.Value(contextKeySource).(string); ok {
		logger = logger.With("source", source)
	}
	return logger
}

// Context key types for type-safe context value extraction.
type contextKey int

const (
	contextKeySeries contextKey = iota
	contextKeyBatchID
	contextKeySource
)

// ContextWithSeries adds the series identifier to the context for logging.
func ContextWithSeries(ctx context.Context, series string) context.Context {
	return context.WithValue(ctx, contextKeySeries, series)
}

// ContextWithBatchID adds an upsert batch id to the context for logging.
func ContextWithBatchID(ctx context.Context, batchID string) context.Context {
	return context.WithValue(ctx, contextKeyBatchID, batchID)
}

// ContextWithSource names the ingestion source (file, feed) for logging.
func ContextWithSource(ctx context.Context, source string) context.Context {
	return context.WithValue(ctx, contextKeySource, source)
}

// ParseLevel maps a config string to a slog level, defaulting to info.
func ParseLevel(s string) slog.Level {
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

// =============================================================================
// Convenience Functions
// =============================================================================

// Debug logs at debug level.
func Debug(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Debug(msg, args...)
}

// Info logs at info level.
func Info(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Info(msg, args...)
}

// Warn logs at warning level.
func Warn(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Warn(msg, args...)
}

// Error logs at error level.
func Error(msg string, args ...any) {
	if Logger == nil {
		Init(slog.LevelInfo, false)
	}
	Logger.Error(msg, args...)
}
