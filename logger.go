package ece

import (
	"context"
	"io"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with engine-specific fields.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, uses a text handler to stderr at info level.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: slog.LevelInfo})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewJSONLoggerTo(os.Stderr, level)
}

// NewJSONLoggerTo creates a Logger that writes JSON lines to w.
func NewJSONLoggerTo(w io.Writer, level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewJSONHandler(w, &slog.HandlerOptions{Level: level}))}
}

// NewTextLogger creates a Logger that writes human-readable text to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return &Logger{Logger: slog.New(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))}
}

// NoopLogger creates a Logger that discards all output.
func NoopLogger() *Logger {
	return &Logger{Logger: slog.New(slog.DiscardHandler)}
}

// WithComponent tags records with the emitting component.
func (l *Logger) WithComponent(name string) *Logger {
	return &Logger{Logger: l.Logger.With("component", name)}
}

// WithBucket tags records with a bucket.
func (l *Logger) WithBucket(bucket string) *Logger {
	return &Logger{Logger: l.Logger.With("bucket", bucket)}
}

// WithCompound tags records with a compound id.
func (l *Logger) WithCompound(id string) *Logger {
	return &Logger{Logger: l.Logger.With("compound", id)}
}

// LogIngest logs the outcome of an ingest.
func (l *Logger) LogIngest(ctx context.Context, r Receipt, err error) {
	switch {
	case err != nil:
		l.WarnContext(ctx, "ingest failed",
			"bucket", r.Bucket,
			"compound", r.CompoundID,
			"path", r.Path,
			"error", err,
		)
	case len(r.Warnings) > 0:
		l.InfoContext(ctx, "ingest completed with warnings",
			"bucket", r.Bucket,
			"compound", r.CompoundID,
			"warnings", r.Warnings,
		)
	default:
		l.DebugContext(ctx, "ingest completed",
			"bucket", r.Bucket,
			"compound", r.CompoundID,
			"molecules", r.Molecules,
			"duplicates", r.Duplicates,
		)
	}
}

// LogBatchIngest logs the outcome of IngestAll.
func (l *Logger) LogBatchIngest(ctx context.Context, b BatchReceipt) {
	if b.Failed > 0 {
		l.WarnContext(ctx, "batch ingest completed with failures",
			"total", len(b.Receipts),
			"failed", b.Failed,
			"succeeded", b.Succeeded,
		)
		return
	}
	l.InfoContext(ctx, "batch ingest completed", "count", len(b.Receipts))
}

// LogSearch logs a query.
func (l *Logger) LogSearch(ctx context.Context, q Query, r Result, err error) {
	if err != nil {
		l.WarnContext(ctx, "search failed", "budget", q.Budget, "error", err)
		return
	}
	l.DebugContext(ctx, "search completed",
		"planets", r.Planets,
		"moons", r.Moons,
		"spans", len(r.Spans),
		"warnings", len(r.Warnings),
		"elapsed", r.Elapsed,
	)
}
