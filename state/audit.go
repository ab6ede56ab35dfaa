package state

import (
	"context"
	"errors"

	"github.com/pullmend/pullmend/audit"
)

// AuditSink appends audit records to the audit_records table.
type AuditSink struct {
	store *Store
}

// NewAuditSink wraps a store as an audit sink.
func NewAuditSink(store *Store) *AuditSink {
	return &AuditSink{store: store}
}

var _ audit.Sink = (*AuditSink)(nil)

// Append persists an audit record and returns its identifier.
func (a *AuditSink) Append(ctx context.Context, rec audit.Record) (string, error) {
	if rec.ID == "" || rec.ActionType == "" {
		return "", errors.New("audit record id and action_type required")
	}

	_, err := a.store.db.ExecContext(ctx, `
INSERT INTO audit_records (id, registry_id, registry_version, action_type, action_status, repository, resource, validation_result, actor, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
`, rec.ID, rec.RegistryID, rec.RegistryVersion, rec.ActionType, rec.ActionStatus, rec.Repository, rec.Resource, rec.ValidationResult, rec.Actor, rec.CorrelationID)
	if err != nil {
		return "", err
	}
	return rec.ID, nil
}
