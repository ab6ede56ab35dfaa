// Package api exposes the remediation control loop over HTTP. Every
// response carries the envelope: the lawbook content hash, the deployment
// environment tag, and a correlation id.
package api

import "github.com/pullmend/pullmend/remediation"

// Envelope is attached to every control-loop response.
type Envelope struct {
	LawbookHash   string `json:"lawbook_hash"`
	Environment   string `json:"environment"`
	CorrelationID string `json:"correlation_id"`
}

// TriageRequest asks for a fresh triage pass over a PR's checks.
type TriageRequest struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	PRNumber      int    `json:"pr_number"`
	WorkflowRunID int64  `json:"workflow_run_id,omitempty"`
	MaxLogBytes   int64  `json:"max_log_bytes,omitempty"`
	MaxSteps      int    `json:"max_steps,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// TriageResponse carries the report plus the envelope.
type TriageResponse struct {
	Envelope
	Report remediation.TriageReport `json:"report"`
}

// StopCheckRequest asks the stop decision engine for a verdict.
type StopCheckRequest struct {
	Owner         string                   `json:"owner"`
	Repo          string                   `json:"repo"`
	PRNumber      int                      `json:"pr_number"`
	FailureClass  remediation.FailureClass `json:"failure_class,omitempty"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
}

// StopCheckResponse carries the decision plus the envelope.
type StopCheckResponse struct {
	Envelope
	Decision remediation.StopDecision `json:"decision"`
}

// RerunRequest asks for a bounded rerun of a PR's failed jobs.
type RerunRequest struct {
	Owner         string                   `json:"owner"`
	Repo          string                   `json:"repo"`
	PRNumber      int                      `json:"pr_number"`
	RunID         int64                    `json:"run_id,omitempty"`
	Mode          remediation.RerunMode    `json:"mode,omitempty"`
	MaxAttempts   int                      `json:"max_attempts,omitempty"`
	FailureClass  remediation.FailureClass `json:"failure_class,omitempty"`
	Actor         string                   `json:"actor,omitempty"`
	CorrelationID string                   `json:"correlation_id,omitempty"`
}

// RerunResponse carries the result, the stop decision that gated it, and
// the envelope.
type RerunResponse struct {
	Envelope
	Result       remediation.RerunResult  `json:"result"`
	StopDecision remediation.StopDecision `json:"stop_decision"`
}

// WaitRequest asks for a review-and-wait pass.
type WaitRequest struct {
	Owner          string   `json:"owner"`
	Repo           string   `json:"repo"`
	PRNumber       int      `json:"pr_number"`
	Reviewers      []string `json:"reviewers,omitempty"`
	MaxWaitSeconds int      `json:"max_wait_seconds,omitempty"`
	PollSeconds    int      `json:"poll_seconds,omitempty"`
	CorrelationID  string   `json:"correlation_id,omitempty"`
}

// WaitResponse carries the rollup plus the envelope.
type WaitResponse struct {
	Envelope
	Rollup remediation.WaitRollup `json:"rollup"`
}

// MergeRequest asks the merge gate to attempt a merge.
type MergeRequest struct {
	Owner         string `json:"owner"`
	Repo          string `json:"repo"`
	PRNumber      int    `json:"pr_number"`
	ApprovalToken string `json:"approval_token,omitempty"`
	Actor         string `json:"actor,omitempty"`
	CorrelationID string `json:"correlation_id,omitempty"`
}

// MergeResponse carries the outcome plus the envelope.
type MergeResponse struct {
	Envelope
	Outcome remediation.MergeOutcome `json:"outcome"`
}
