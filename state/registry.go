package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/pullmend/pullmend/registry"
)

// ActionRegistry serves registry lookups from the action_registry table.
type ActionRegistry struct {
	store *Store
}

// NewActionRegistry wraps a store as a registry service.
func NewActionRegistry(store *Store) *ActionRegistry {
	return &ActionRegistry{store: store}
}

var _ registry.Service = (*ActionRegistry)(nil)

// Lookup returns the registry entry for a repo and action type.
func (r *ActionRegistry) Lookup(ctx context.Context, repoID, action string) (registry.Entry, error) {
	var entry registry.Entry
	err := r.store.db.QueryRowContext(ctx, `
SELECT registry_id, version, enabled, max_retries, merge_method, branch_delete_enabled
FROM action_registry
WHERE repo_id = $1 AND action_type = $2
`, repoID, action).Scan(
		&entry.RegistryID,
		&entry.Version,
		&entry.Enabled,
		&entry.MaxRetries,
		&entry.MergeMethod,
		&entry.BranchDeleteEnabled,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return registry.Entry{}, fmt.Errorf("%w: %s/%s", registry.ErrNoRegistry, repoID, action)
		}
		return registry.Entry{}, err
	}
	return entry, nil
}

// UpsertRegistryEntry creates or replaces a registry entry for a repo action.
func (s *Store) UpsertRegistryEntry(ctx context.Context, repoID, action string, entry registry.Entry) error {
	if repoID == "" || action == "" || entry.RegistryID == "" {
		return errors.New("repo_id, action_type, and registry_id required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO action_registry (repo_id, action_type, registry_id, version, enabled, max_retries, merge_method, branch_delete_enabled, updated_at)
VALUES ($1, $2, $3, $4, $5, $6, $7, $8, NOW())
ON CONFLICT (repo_id, action_type) DO UPDATE
SET registry_id = EXCLUDED.registry_id,
    version = EXCLUDED.version,
    enabled = EXCLUDED.enabled,
    max_retries = EXCLUDED.max_retries,
    merge_method = EXCLUDED.merge_method,
    branch_delete_enabled = EXCLUDED.branch_delete_enabled,
    updated_at = NOW()
`, repoID, action, entry.RegistryID, entry.Version, entry.Enabled, entry.MaxRetries, entry.MergeMethod, entry.BranchDeleteEnabled)
	return err
}
