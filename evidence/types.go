package evidence

import "time"

// CheckStatus mirrors the upstream check-run lifecycle.
type CheckStatus string

const (
	CheckStatusQueued     CheckStatus = "queued"
	CheckStatusInProgress CheckStatus = "in_progress"
	CheckStatusCompleted  CheckStatus = "completed"
)

// CheckConclusion is the terminal outcome of a completed check run.
// Empty means the check has not completed.
type CheckConclusion string

const (
	CheckConclusionSuccess   CheckConclusion = "success"
	CheckConclusionFailure   CheckConclusion = "failure"
	CheckConclusionNeutral   CheckConclusion = "neutral"
	CheckConclusionCancelled CheckConclusion = "cancelled"
	CheckConclusionTimedOut  CheckConclusion = "timed_out"
)

// Failing reports whether the conclusion counts as a failure for triage
// and rollup purposes.
func (c CheckConclusion) Failing() bool {
	switch c {
	case CheckConclusionFailure, CheckConclusionCancelled, CheckConclusionTimedOut:
		return true
	default:
		return false
	}
}

// CheckEvidence is an immutable snapshot of one check run at fetch time.
type CheckEvidence struct {
	ID          int64           `json:"id"`
	Name        string          `json:"name"`
	Status      CheckStatus     `json:"status"`
	Conclusion  CheckConclusion `json:"conclusion,omitempty"`
	CompletedAt *time.Time      `json:"completed_at,omitempty"`
	URL         string          `json:"url,omitempty"`
}

// ReviewState mirrors the upstream review states.
type ReviewState string

const (
	ReviewStateApproved         ReviewState = "APPROVED"
	ReviewStateChangesRequested ReviewState = "CHANGES_REQUESTED"
	ReviewStateCommented        ReviewState = "COMMENTED"
	ReviewStatePending          ReviewState = "PENDING"
)

// ReviewEvidence is an immutable snapshot of one review.
type ReviewEvidence struct {
	ID          int64       `json:"id"`
	Reviewer    string      `json:"reviewer"`
	State       ReviewState `json:"state"`
	SubmittedAt *time.Time  `json:"submitted_at,omitempty"`
	URL         string      `json:"url,omitempty"`
}

// StepEvidence is one step within a workflow job.
type StepEvidence struct {
	Number     int             `json:"number"`
	Name       string          `json:"name"`
	Conclusion CheckConclusion `json:"conclusion,omitempty"`
}

// JobEvidence is an immutable snapshot of one workflow job.
type JobEvidence struct {
	ID         int64           `json:"id"`
	RunID      int64           `json:"run_id"`
	Name       string          `json:"name"`
	Status     CheckStatus     `json:"status"`
	Conclusion CheckConclusion `json:"conclusion,omitempty"`
	RunAttempt int             `json:"run_attempt"`
	Steps      []StepEvidence  `json:"steps,omitempty"`
	URL        string          `json:"url,omitempty"`
}

// WorkflowRun is an immutable snapshot of one workflow run.
type WorkflowRun struct {
	ID         int64           `json:"id"`
	Name       string          `json:"name"`
	Status     CheckStatus     `json:"status"`
	Conclusion CheckConclusion `json:"conclusion,omitempty"`
	Attempt    int             `json:"attempt"`
	HeadSHA    string          `json:"head_sha"`
}

// PullRequest captures the PR metadata consumed by the control loop.
// Mergeable is nil while the upstream merge check is still computing.
type PullRequest struct {
	Number    int      `json:"number"`
	State     string   `json:"state"`
	Draft     bool     `json:"draft"`
	Mergeable *bool    `json:"mergeable"`
	Labels    []string `json:"labels,omitempty"`
	HeadSHA   string   `json:"head_sha"`
	HeadRef   string   `json:"head_ref"`
	BaseRef   string   `json:"base_ref"`
	HTMLURL   string   `json:"html_url,omitempty"`
	Title     string   `json:"title,omitempty"`
}
