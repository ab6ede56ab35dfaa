package remediation

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pullmend/pullmend/audit"
	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/internal/observability"
	"github.com/pullmend/pullmend/registry"
)

// MergeDecision classifies the outcome of a merge attempt.
type MergeDecision string

const (
	MergeMerged               MergeDecision = "MERGED"
	MergeBlockedPreconditions MergeDecision = "BLOCKED_PRECONDITIONS"
	MergeBlockedProduction    MergeDecision = "BLOCKED_PRODUCTION"
	MergeBlockedNoApproval    MergeDecision = "BLOCKED_NO_APPROVAL"
)

// Labels that block a merge regardless of check state.
var blockingLabels = map[string]struct{}{
	"do-not-merge": {},
	"do not merge": {},
	"hold":         {},
	"wip":          {},
}

// PreconditionSnapshot captures the state the gate evaluated, attached to
// every outcome for diagnosis.
type PreconditionSnapshot struct {
	Checks         RollupStatus `json:"checks"`
	Reviews        ReviewRollup `json:"reviews"`
	Mergeable      *bool        `json:"mergeable"`
	Draft          bool         `json:"draft"`
	BlockingLabels []string     `json:"blocking_labels,omitempty"`
}

// MergeOutcome is the gate's verdict. Expected blocks are outcomes, not
// errors; only infrastructure failures surface as errors.
type MergeOutcome struct {
	Decision             MergeDecision        `json:"decision"`
	Merged               bool                 `json:"merged"`
	BranchDeleted        bool                 `json:"branch_deleted"`
	MergeMethod          string               `json:"merge_method,omitempty"`
	CommitSHA            string               `json:"commit_sha,omitempty"`
	Reasons              []string             `json:"reasons"`
	PreconditionSnapshot PreconditionSnapshot `json:"precondition_snapshot"`
	AuditEventID         string               `json:"audit_event_id,omitempty"`
}

// MergeInput identifies the PR and carries the human-asserted approval.
type MergeInput struct {
	Owner         string
	Repo          string
	PRNumber      int
	ApprovalToken string
	Actor         string
	CorrelationID string
}

// MergeAPI executes the merge and optional branch cleanup upstream.
type MergeAPI interface {
	MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method, headSHA string) (string, error)
	DeleteBranch(ctx context.Context, owner, repo, branch string) error
}

// ApprovalVerifier validates the human-asserted approval token for a PR.
type ApprovalVerifier interface {
	Verify(ctx context.Context, owner, repo string, prNumber int, token string) (bool, error)
}

// StaticApprovalVerifier checks tokens derived from a shared secret:
// hex(HMAC-SHA256(secret, "owner/repo#number")).
type StaticApprovalVerifier struct {
	Secret string
}

func (v StaticApprovalVerifier) Verify(ctx context.Context, owner, repo string, prNumber int, token string) (bool, error) {
	if v.Secret == "" || token == "" {
		return false, nil
	}
	mac := hmac.New(sha256.New, []byte(v.Secret))
	fmt.Fprintf(mac, "%s/%s#%d", owner, repo, prNumber)
	expected := hex.EncodeToString(mac.Sum(nil))
	return hmac.Equal([]byte(expected), []byte(strings.ToLower(token))), nil
}

// MergeGate validates merge preconditions and executes a merge only under
// explicit approval. Fail-closed: every guard must pass, and the merge is
// recorded in the audit trail before it executes.
type MergeGate struct {
	source      evidence.Source
	api         MergeAPI
	registry    registry.Service
	auditSink   audit.Sink
	approvals   ApprovalVerifier
	environment string
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewMergeGate builds a merge gate. The audit sink is required: a merge
// that cannot be audited does not happen.
func NewMergeGate(source evidence.Source, api MergeAPI, reg registry.Service, sink audit.Sink, approvals ApprovalVerifier, environment string, metrics *observability.Metrics, logger *slog.Logger) *MergeGate {
	if logger == nil {
		logger = observability.NewLogger("remediation.mergegate")
	}
	return &MergeGate{
		source:      source,
		api:         api,
		registry:    reg,
		auditSink:   sink,
		approvals:   approvals,
		environment: environment,
		metrics:     metrics,
		logger:      logger,
	}
}

// Merge runs the guard chain in order: registry authorization, production
// enablement, explicit approval, precondition snapshot, then the merge
// itself and optional branch deletion.
func (g *MergeGate) Merge(ctx context.Context, input MergeInput) (MergeOutcome, error) {
	if input.Owner == "" || input.Repo == "" || input.PRNumber <= 0 {
		return MergeOutcome{}, errors.New("owner, repo, and pr_number required")
	}
	repoID := input.Owner + "/" + input.Repo

	entry, err := g.registry.Lookup(ctx, repoID, registry.ActionMergePullRequest)
	if err != nil {
		if registry.IsNoRegistry(err) {
			decision := MergeBlockedPreconditions
			reason := "no action registry for repository; merges are opt-in"
			if g.environment == "production" {
				decision = MergeBlockedProduction
				reason = "no action registry for repository; production merges require explicit enablement"
			}
			return g.blocked(ctx, input, registry.Entry{}, decision, reason, PreconditionSnapshot{}), nil
		}
		return MergeOutcome{}, fmt.Errorf("registry lookup: %w", err)
	}

	if !entry.Enabled {
		decision := MergeBlockedPreconditions
		reason := "merge_pull_request action disabled by registry"
		if g.environment == "production" {
			decision = MergeBlockedProduction
			reason = "merge_pull_request action not enabled for production"
		}
		return g.blocked(ctx, input, entry, decision, reason, PreconditionSnapshot{}), nil
	}

	approved, err := g.verifyApproval(ctx, input)
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("approval verification: %w", err)
	}
	if !approved {
		return g.blocked(ctx, input, entry, MergeBlockedNoApproval, "missing or invalid approval token", PreconditionSnapshot{}), nil
	}

	pr, snapshot, err := g.snapshot(ctx, input)
	if err != nil {
		return MergeOutcome{}, err
	}
	if reasons := preconditionFailures(snapshot); len(reasons) > 0 {
		outcome := g.blocked(ctx, input, entry, MergeBlockedPreconditions, reasons[0], snapshot)
		outcome.Reasons = reasons
		return outcome, nil
	}

	// The merge must be auditable before it happens. An audit write failure
	// here aborts the merge; this is the one place audit is load-bearing.
	auditID, err := g.auditSink.Append(ctx, g.record(input, entry, "MERGE_EXECUTING", "preconditions validated"))
	if err != nil {
		return MergeOutcome{}, fmt.Errorf("audit append before merge: %w", err)
	}

	method := entry.MergeMethod
	if method == "" {
		method = "merge"
	}

	commitSHA, err := g.api.MergePullRequest(ctx, input.Owner, input.Repo, input.PRNumber, method, pr.HeadSHA)
	if err != nil {
		g.appendBestEffort(ctx, input, entry, "MERGE_FAILED", err.Error())
		return MergeOutcome{}, fmt.Errorf("merge execute: %w", err)
	}

	outcome := MergeOutcome{
		Decision:             MergeMerged,
		Merged:               true,
		MergeMethod:          method,
		CommitSHA:            commitSHA,
		Reasons:              []string{"all merge gates passed"},
		PreconditionSnapshot: snapshot,
		AuditEventID:         auditID,
	}

	if entry.BranchDeleteEnabled && pr.HeadRef != "" {
		if err := g.api.DeleteBranch(ctx, input.Owner, input.Repo, pr.HeadRef); err != nil {
			g.logger.Warn("branch delete failed",
				"event", "branch_delete_failed",
				"repo_id", repoID,
				"branch", pr.HeadRef,
				"error", err,
			)
		} else {
			outcome.BranchDeleted = true
		}
	}

	g.metrics.IncMerge(string(MergeMerged))
	g.appendBestEffort(ctx, input, entry, string(MergeMerged), "merged via "+method)
	g.logger.Info("merge complete",
		"event", "merge_complete",
		"repo_id", repoID,
		"pr_number", input.PRNumber,
		"merge_method", method,
		"commit_sha", commitSHA,
		"branch_deleted", outcome.BranchDeleted,
	)
	return outcome, nil
}

func (g *MergeGate) verifyApproval(ctx context.Context, input MergeInput) (bool, error) {
	if input.ApprovalToken == "" || g.approvals == nil {
		return false, nil
	}
	return g.approvals.Verify(ctx, input.Owner, input.Repo, input.PRNumber, input.ApprovalToken)
}

func (g *MergeGate) snapshot(ctx context.Context, input MergeInput) (evidence.PullRequest, PreconditionSnapshot, error) {
	pr, err := g.source.PullRequest(ctx, input.Owner, input.Repo, input.PRNumber)
	if err != nil {
		return evidence.PullRequest{}, PreconditionSnapshot{}, err
	}
	checks, err := g.source.ListCheckRuns(ctx, input.Owner, input.Repo, pr.HeadSHA)
	if err != nil {
		return evidence.PullRequest{}, PreconditionSnapshot{}, err
	}
	reviews, err := g.source.ListReviews(ctx, input.Owner, input.Repo, input.PRNumber)
	if err != nil {
		return evidence.PullRequest{}, PreconditionSnapshot{}, err
	}

	snapshot := PreconditionSnapshot{
		Checks:    RollupCheckEvidence(checks),
		Reviews:   RollupReviewEvidence(reviews, nil),
		Mergeable: pr.Mergeable,
		Draft:     pr.Draft,
	}
	for _, label := range pr.Labels {
		if _, blocked := blockingLabels[strings.ToLower(label)]; blocked {
			snapshot.BlockingLabels = append(snapshot.BlockingLabels, label)
		}
	}
	return pr, snapshot, nil
}

func preconditionFailures(snapshot PreconditionSnapshot) []string {
	var reasons []string
	if snapshot.Checks != RollupGreen {
		reasons = append(reasons, fmt.Sprintf("checks are %s, need GREEN", snapshot.Checks))
	}
	if snapshot.Reviews != ReviewsApproved {
		reasons = append(reasons, fmt.Sprintf("reviews are %s, need APPROVED", snapshot.Reviews))
	}
	if snapshot.Mergeable == nil {
		reasons = append(reasons, "mergeable state still computing upstream")
	} else if !*snapshot.Mergeable {
		reasons = append(reasons, "PR is not mergeable")
	}
	if snapshot.Draft {
		reasons = append(reasons, "PR is a draft")
	}
	if len(snapshot.BlockingLabels) > 0 {
		reasons = append(reasons, "blocking labels present: "+strings.Join(snapshot.BlockingLabels, ", "))
	}
	return reasons
}

func (g *MergeGate) blocked(ctx context.Context, input MergeInput, entry registry.Entry, decision MergeDecision, reason string, snapshot PreconditionSnapshot) MergeOutcome {
	g.metrics.IncMerge(string(decision))
	g.appendBestEffort(ctx, input, entry, string(decision), reason)
	return MergeOutcome{
		Decision:             decision,
		Reasons:              []string{reason},
		PreconditionSnapshot: snapshot,
	}
}

// appendBestEffort records non-gating audit entries; failures only log.
func (g *MergeGate) appendBestEffort(ctx context.Context, input MergeInput, entry registry.Entry, status, detail string) {
	if _, err := g.auditSink.Append(ctx, g.record(input, entry, status, detail)); err != nil {
		g.logger.Error("audit append failed",
			"event", "audit_append_failed",
			"action_type", registry.ActionMergePullRequest,
			"repo_id", input.Owner+"/"+input.Repo,
			"error", err,
		)
	}
}

func (g *MergeGate) record(input MergeInput, entry registry.Entry, status, detail string) audit.Record {
	return audit.Record{
		ID:               newID("audit"),
		RegistryID:       entry.RegistryID,
		RegistryVersion:  entry.Version,
		ActionType:       registry.ActionMergePullRequest,
		ActionStatus:     status,
		Repository:       input.Owner + "/" + input.Repo,
		Resource:         fmt.Sprintf("pr/%d", input.PRNumber),
		ValidationResult: detail,
		Actor:            input.Actor,
		CorrelationID:    input.CorrelationID,
		CreatedAt:        time.Now().UTC(),
	}
}
