package soundlens

import (
	"context"
	"log/slog"
	"os"
)

// Logger wraps slog.Logger with soundlens-specific context.
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

// NewRankLogger creates the logger for one data-parallel worker. The
// rank is attached to every line; non-primary ranks log at warn level
// so only rank 0 narrates the run.
func NewRankLogger(handler slog.Handler, rank int) *Logger {
	if handler == nil {
		level := slog.LevelInfo
		if rank != 0 {
			level = slog.LevelWarn
		}
		handler = slog.NewTextHandler(os.Stderr, &slog.HandlerOptions{
			Level: level,
		})
	}
	return &Logger{
		Logger: slog.New(handler).With("rank", rank),
	}
}

// WithEpoch adds an epoch field to the logger.
func (l *Logger) WithEpoch(epoch int) *Logger {
	return &Logger{
		Logger: l.Logger.With("epoch", epoch),
	}
}

// WithBatch adds a batch field to the logger.
func (l *Logger) WithBatch(batch int) *Logger {
	return &Logger{
		Logger: l.Logger.With("batch", batch),
	}
}

// LogEpoch logs one finished training epoch.
func (l *Logger) LogEpoch(ctx context.Context, epoch int, loss float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "epoch failed",
			"epoch", epoch,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "epoch completed",
			"epoch", epoch,
			"loss", loss,
		)
	}
}

// LogEvaluation logs one evaluation pass.
func (l *Logger) LogEvaluation(ctx context.Context, epoch int, metrics map[string]float64, err error) {
	if err != nil {
		l.ErrorContext(ctx, "evaluation failed",
			"epoch", epoch,
			"error", err,
		)
		return
	}

	args := []any{"epoch", epoch}
	for name, v := range metrics {
		args = append(args, name, v)
	}
	l.InfoContext(ctx, "evaluation completed", args...)
}

// LogCheckpoint logs a checkpoint write.
func (l *Logger) LogCheckpoint(ctx context.Context, name string, epoch int, err error) {
	if err != nil {
		l.ErrorContext(ctx, "checkpoint write failed",
			"name", name,
			"epoch", epoch,
			"error", err,
		)
	} else {
		l.InfoContext(ctx, "checkpoint saved",
			"name", name,
			"epoch", epoch,
		)
	}
}

// LogResume logs the startup resume decision.
func (l *Logger) LogResume(ctx context.Context, startEpoch int, best map[string]float64) {
	l.InfoContext(ctx, "resumed from checkpoint",
		"start_epoch", startEpoch,
		"best", best,
	)
}
