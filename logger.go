package memvid

import (
	"context"
	"log/slog"
	"os"
	"time"
)

// Logger wraps slog.Logger with memvid-specific context.
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
	handler := slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
		Level: slog.Level(1000), // Unreachable level
	})
	return &Logger{
		Logger: slog.New(handler),
	}
}

// LogOpen logs opening a memory file and rebuilding its indexes.
func (l *Logger) LogOpen(ctx context.Context, path string, frames uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "open failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "memory file opened",
			"path", path,
			"frames", frames,
		)
	}
}

// LogPut logs staging a pending frame.
func (l *Logger) LogPut(ctx context.Context, sequence uint64, size int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "put failed",
			"sequence", sequence,
			"size", size,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "frame staged",
			"sequence", sequence,
			"size", size,
		)
	}
}

// LogCommit logs a commit operation.
func (l *Logger) LogCommit(ctx context.Context, count int, firstID uint64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "commit failed",
			"count", count,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "commit completed",
			"count", count,
			"first_id", firstID,
		)
	}
}

// LogSearch logs a search operation.
func (l *Logger) LogSearch(ctx context.Context, topK, resultsFound int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "search failed",
			"top_k", topK,
			"error", err,
		)
	} else {
		l.DebugContext(ctx, "search completed",
			"top_k", topK,
			"results", resultsFound,
			"elapsed", elapsed,
		)
	}
}

// LogVerify logs a verification run.
func (l *Logger) LogVerify(ctx context.Context, path string, status string, err error) {
	if err != nil {
		l.ErrorContext(ctx, "verify failed",
			"path", path,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "verify completed",
			"path", path,
			"status", status,
		)
	}
}
