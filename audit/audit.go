// Package audit defines the append-only decision trail contract. One record
// is written per decision-producing call; records are never updated.
package audit

import (
	"context"
	"log/slog"
	"time"
)

// Record is one row in the decision trail.
type Record struct {
	ID               string    `json:"id"`
	RegistryID       string    `json:"registry_id,omitempty"`
	RegistryVersion  int       `json:"registry_version,omitempty"`
	ActionType       string    `json:"action_type"`
	ActionStatus     string    `json:"action_status"`
	Repository       string    `json:"repository"`
	Resource         string    `json:"resource"`
	ValidationResult string    `json:"validation_result,omitempty"`
	Actor            string    `json:"actor,omitempty"`
	CorrelationID    string    `json:"correlation_id,omitempty"`
	CreatedAt        time.Time `json:"created_at"`
}

// Sink appends records to the audit trail and returns the stored record id.
type Sink interface {
	Append(ctx context.Context, rec Record) (string, error)
}

// LogSink writes audit records to the logger. It is the fallback sink for
// deployments without a persistent audit store and never fails.
type LogSink struct {
	Logger *slog.Logger
}

func (s LogSink) Append(ctx context.Context, rec Record) (string, error) {
	if s.Logger != nil {
		s.Logger.Info("audit record",
			"event", "audit_record",
			"action_type", rec.ActionType,
			"action_status", rec.ActionStatus,
			"repository", rec.Repository,
			"resource", rec.Resource,
			"validation_result", rec.ValidationResult,
			"actor", rec.Actor,
			"correlation_id", rec.CorrelationID,
		)
	}
	return rec.ID, nil
}

// NoopSink discards audit records. Used in tests.
type NoopSink struct{}

func (NoopSink) Append(ctx context.Context, rec Record) (string, error) {
	return rec.ID, nil
}
