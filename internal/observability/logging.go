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

func WithRepo(logger *slog.Logger, repoID string) *slog.Logger {
	if logger == nil || repoID == "" {
		return logger
	}
	return logger.With("repo_id", repoID)
}

func WithPR(logger *slog.Logger, prNumber int) *slog.Logger {
	if logger == nil || prNumber <= 0 {
		return logger
	}
	return logger.With("pr_number", prNumber)
}

func WithCorrelation(logger *slog.Logger, correlationID string) *slog.Logger {
	if logger == nil || correlationID == "" {
		return logger
	}
	return logger.With("correlation_id", correlationID)
}
