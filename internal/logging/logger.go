// Package logging wraps log/slog with the field names used across samplesim.
package logging

import (
	"context"
	"fmt"
	"io"
	"log/slog"
	"os"
	"strings"
	"time"
)

// Logger wraps slog.Logger with samplesim-specific helpers.
type Logger struct {
	*slog.Logger
}

// NewLogger creates a Logger with the given handler.
// If handler is nil, a text handler writing to stderr at info level is used.
func NewLogger(handler slog.Handler) *Logger {
	if handler == nil {
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: slog.LevelInfo,
		})
	}
	return &Logger{Logger: slog.New(handler)}
}

// NewTextLogger creates a Logger that writes human-readable lines to stderr.
func NewTextLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NewJSONLogger creates a Logger that writes JSON lines to stderr.
func NewJSONLogger(level slog.Level) *Logger {
	return NewLogger(slog.NewJSONHandler(os.Stderr, &slog.HandlerOptions{Level: level}))
}

// NoopLogger returns a Logger that discards everything.
func NoopLogger() *Logger {
	return NewLogger(slog.NewTextHandler(io.Discard, &slog.HandlerOptions{
		Level: slog.Level(1000),
	}))
}

// ParseLevel converts "debug", "info", "warn" or "error" into a slog.Level.
func ParseLevel(s string) (slog.Level, error) {
	switch strings.ToLower(strings.TrimSpace(s)) {
	case "debug":
		return slog.LevelDebug, nil
	case "", "info":
		return slog.LevelInfo, nil
	case "warn", "warning":
		return slog.LevelWarn, nil
	case "error":
		return slog.LevelError, nil
	default:
		return slog.LevelInfo, fmt.Errorf("unknown log level %q", s)
	}
}

// WithModel tags the logger with an embedding model id.
func (l *Logger) WithModel(modelID string) *Logger {
	return &Logger{Logger: l.Logger.With("model_id", modelID)}
}

// WithJob tags the logger with a job id and sample id.
func (l *Logger) WithJob(jobID int64, sampleID string) *Logger {
	return &Logger{Logger: l.Logger.With("job_id", jobID, "sample_id", sampleID)}
}

// WithWorker tags the logger with a worker role and index.
func (l *Logger) WithWorker(role string, index int) *Logger {
	return &Logger{Logger: l.Logger.With("worker", fmt.Sprintf("%s-%d", role, index))}
}

// WithRun tags the logger with a worker pool run id.
func (l *Logger) WithRun(runID string) *Logger {
	return &Logger{Logger: l.Logger.With("run_id", runID)}
}

// LogClaim logs the outcome of a claim attempt.
func (l *Logger) LogClaim(ctx context.Context, claimed int, err error) {
	if err != nil {
		l.WarnContext(ctx, "claim failed", "error", err)
		return
	}
	if claimed > 0 {
		l.DebugContext(ctx, "claimed jobs", "count", claimed)
	}
}

// LogFlush logs an index flush.
func (l *Logger) LogFlush(ctx context.Context, modelID string, count int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index flush failed",
			"model_id", modelID,
			"count", count,
			"error", err,
		)
		return
	}
	l.DebugContext(ctx, "index flushed",
		"model_id", modelID,
		"count", count,
		"elapsed", elapsed,
	)
}

// LogRebuild logs a full index rebuild.
func (l *Logger) LogRebuild(ctx context.Context, modelID string, count, skipped int, elapsed time.Duration, err error) {
	if err != nil {
		l.ErrorContext(ctx, "index rebuild failed",
			"model_id", modelID,
			"error", err,
		)
		return
	}
	if skipped > 0 {
		l.WarnContext(ctx, "index rebuilt with skipped rows",
			"model_id", modelID,
			"count", count,
			"skipped", skipped,
			"elapsed", elapsed,
		)
		return
	}
	l.InfoContext(ctx, "index rebuilt",
		"model_id", modelID,
		"count", count,
		"elapsed", elapsed,
	)
}

// LogSweep logs a recovery sweep.
func (l *Logger) LogSweep(ctx context.Context, reset, pruned int64, err error) {
	if err != nil {
		l.WarnContext(ctx, "recovery sweep failed", "error", err)
		return
	}
	if reset > 0 || pruned > 0 {
		l.InfoContext(ctx, "recovery sweep",
			"reset", reset,
			"pruned", pruned,
		)
	}
}
