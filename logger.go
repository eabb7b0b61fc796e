package tiermem

import (
	"context"
	"io"
	"log/slog"
	"os"

	"github.com/hupe1980/tiermem/model"
)

// Logger wraps slog.Logger with tiermem-specific context.
// This provides structured logging with consistent field names.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a new Logger with the given handler.
// If handler is nil, uses default text handler to stderr.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewJSONLogger creates a Logger that outputs JSON-formatted logs.
// level sets the minimum log level (e.g., slog.LevelDebug, slog.LevelInfo).
func NewJSONLogger(level slog.Level) *Logger {
	handler := slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NewTextLogger creates a Logger that outputs human-readable text logs.
func NewTextLogger(level slog.Level) *Logger {
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: level,
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// NoopLogger creates a Logger that discards all log output.
// Use this to disable logging entirely.
func NoopLogger() *Logger {
	return &Logger{
		Logger: slog.New(slog.NewTextHandler(io.Discard, nil)),
	}
}

// WithID adds an item id field to the logger (useful for tagging operations).
func (l *Logger) WithID(id string) *Logger {
	return &Logger{
		Logger: l.Logger.With("id", id),
	}
}

// WithTier adds a tier field to the logger.
func (l *Logger) WithTier(t model.Tier) *Logger {
	return &Logger{
		Logger: l.Logger.With("tier", t.String()),
	}
}

// LogIngest logs an ingest operation.
func (l *Logger) LogIngest(ctx context.Context, id string, t model.Tier, size int64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "ingest failed",
			"id", id,
			"tier", t.String(),
			"size", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "ingest completed",
			"id", id,
			"tier", t.String(),
			"size", size,
		)
	}
}

// LogGet logs a read operation.
func (l *Logger) LogGet(ctx context.Context, id string, t model.Tier, err error) {
	if err != nil {
		l.ErrorContext(ctx, "get failed",
			"id", id,
			"tier", t.String(),
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "get completed",
			"id", id,
			"tier", t.String(),
		)
	}
}

// LogDelete logs a delete operation.
func (l *Logger) LogDelete(ctx context.Context, id string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "delete failed",
			"id", id,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "delete completed",
			"id", id,
		)
	}
}

// LogUpdate logs a relevance update.
func (l *Logger) LogUpdate(ctx context.Context, id string, relevance float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "relevance update failed",
			"id", id,
			"relevance", relevance,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "relevance updated",
			"id", id,
			"relevance", relevance,
		)
	}
}

// LogSearch logs a similarity search.
func (l *Logger) LogSearch(ctx context.Context, k, resultsFound int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"k", k,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"k", k,
			"results", resultsFound,
		)
	}
}

// LogPromote logs an explicit promotion.
func (l *Logger) LogPromote(ctx context.Context, id string, from, to model.Tier, err error) {
	if err != nil {
		l.ErrorContext(ctx, "promotion failed",
			"id", id,
			"from", from.String(),
			"to", to.String(),
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "promotion completed",
			"id", id,
			"from", from.String(),
			"to", to.String(),
		)
	}
}

// LogRebuild logs the startup routing-index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, items int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "routing index rebuild failed",
			"items", items,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "routing index rebuilt",
			"items", items,
		)
	}
}
