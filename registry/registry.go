// Package registry defines the per-repository action authorization contract.
// Registry absence in production is a policy failure, not a soft default.
package registry

import (
	"context"
	"errors"
)

// Action names recognized by the control loop.
const (
	ActionRerunFailedJobs  = "rerun_failed_jobs"
	ActionMergePullRequest = "merge_pull_request"
)

// ErrNoRegistry indicates no registry exists for the repository.
var ErrNoRegistry = errors.New("registry: no entry for repository")

// Entry is the authorization record for one (repository, action) pair.
type Entry struct {
	RegistryID          string `json:"registry_id"`
	Version             int    `json:"version"`
	Enabled             bool   `json:"enabled"`
	MaxRetries          *int   `json:"max_retries,omitempty"`
	MergeMethod         string `json:"merge_method,omitempty"`
	BranchDeleteEnabled bool   `json:"branch_delete_enabled"`
}

// Service resolves registry entries. Lookup returns ErrNoRegistry when the
// repository has no registry at all.
type Service interface {
	Lookup(ctx context.Context, repoID, action string) (Entry, error)
}

// IsNoRegistry reports whether err wraps ErrNoRegistry.
func IsNoRegistry(err error) bool {
	return errors.Is(err, ErrNoRegistry)
}
