package evidence

import (
	"context"
	"errors"
)

var (
	// ErrNotFound indicates the PR, run, or repository does not exist upstream.
	ErrNotFound = errors.New("evidence: not found")
	// ErrAccessDenied indicates the caller lacks permission on the repository.
	ErrAccessDenied = errors.New("evidence: access denied")
)

// Source fetches raw check/job/review evidence for a pull request.
// Implementations must map upstream 404s to ErrNotFound and 401/403s to
// ErrAccessDenied so callers can tell "nothing to do" from "no access".
type Source interface {
	PullRequest(ctx context.Context, owner, repo string, number int) (PullRequest, error)
	ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]CheckEvidence, error)
	ListWorkflowRuns(ctx context.Context, owner, repo, headSHA string) ([]WorkflowRun, error)
	ListWorkflowJobs(ctx context.Context, owner, repo string, runID int64) ([]JobEvidence, error)
	JobLog(ctx context.Context, owner, repo string, jobID int64, maxBytes int64) ([]byte, error)
	ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]ReviewEvidence, error)
}

// IsNotFound reports whether err wraps ErrNotFound.
func IsNotFound(err error) bool {
	return errors.Is(err, ErrNotFound)
}

// IsAccessDenied reports whether err wraps ErrAccessDenied.
func IsAccessDenied(err error) bool {
	return errors.Is(err, ErrAccessDenied)
}
