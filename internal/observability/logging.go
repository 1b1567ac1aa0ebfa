package observability

import (
	"log/slog"
	"os"
)

// NewLogger returns a JSON logger with a component field attached.
func NewLogger(component string) *slog.Logger {
	handler := slog.NewJSONHandler(os.Stdout, &slog.HandlerOptions{
		Level: slog.LevelInfo,
	})
	logger := slog.New(handler)
	if component != "" {
		logger = logger.With("component", component)
	}
	return logger
}

// WithRun attaches a pipeline run ID to the logger.
func WithRun(logger *slog.Logger, runID string) *slog.Logger {
	if logger == nil || runID == "" {
		return logger
	}
	return logger.With("run_id", runID)
}

// WithTask attaches a task ID to the logger.
func WithTask(logger *slog.Logger, taskID string) *slog.Logger {
	if logger == nil || taskID == "" {
		return logger
	}
	return logger.With("task_id", taskID)
}

// WithService attaches a worker service type to the logger.
func WithService(logger *slog.Logger, service string) *slog.Logger {
	if logger == nil || service == "" {
		return logger
	}
	return logger.With("service", service)
}
