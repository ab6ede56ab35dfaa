package remediation

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/pullmend/pullmend/audit"
	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/internal/observability"
	"github.com/pullmend/pullmend/registry"
)

const defaultMaxAttempts = 2

// RerunMode selects which jobs of a run are eligible.
type RerunMode string

const (
	RerunModeFailedOnly RerunMode = "FAILED_ONLY"
	RerunModeAllJobs    RerunMode = "ALL_JOBS"
)

// RerunDecision is the aggregate outcome of a rerun request.
type RerunDecision string

const (
	RerunTriggered RerunDecision = "RERUN_TRIGGERED"
	RerunNoop      RerunDecision = "NOOP"
	RerunBlocked   RerunDecision = "BLOCKED"
)

// Per-job rerun statuses.
const (
	JobStatusRerun          = "RERUN"
	JobStatusSkipped        = "SKIPPED_ALREADY_SUCCEEDED"
	JobStatusBlockedCeiling = "BLOCKED_ATTEMPT_CEILING"
	JobStatusFailedTrigger  = "FAILED_TO_TRIGGER"
)

// JobRerunStatus tracks the outcome for one job.
type JobRerunStatus struct {
	JobID   int64  `json:"job_id"`
	JobName string `json:"job_name"`
	Status  string `json:"status"`
	Detail  string `json:"detail,omitempty"`
}

// RerunMetadata aggregates per-job outcomes.
type RerunMetadata struct {
	TotalJobs   int `json:"total_jobs"`
	RerunJobs   int `json:"rerun_jobs"`
	BlockedJobs int `json:"blocked_jobs"`
	SkippedJobs int `json:"skipped_jobs"`
	FailedJobs  int `json:"failed_jobs"`
}

// RerunResult reports what the executor did. Partial success is
// representable: individual trigger failures do not abort the rest.
type RerunResult struct {
	Decision RerunDecision    `json:"decision"`
	Reasons  []string         `json:"reasons"`
	Jobs     []JobRerunStatus `json:"jobs"`
	Metadata RerunMetadata    `json:"metadata"`
}

// RerunInput selects the run and bounds the retry budget.
type RerunInput struct {
	Owner       string
	Repo        string
	PRNumber    int
	RunID       int64
	Mode        RerunMode
	MaxAttempts int
}

// RerunTrigger dispatches a job rerun upstream.
type RerunTrigger interface {
	RerunJob(ctx context.Context, owner, repo string, jobID int64) error
}

// RerunExecutor triggers bounded reruns of failed jobs under the registry
// retry ceiling. Reruns are opt-in in production: a repository without a
// registry entry is blocked before any job is touched.
type RerunExecutor struct {
	source      evidence.Source
	trigger     RerunTrigger
	registry    registry.Service
	auditSink   audit.Sink
	environment string
	metrics     *observability.Metrics
	logger      *slog.Logger
}

// NewRerunExecutor builds a rerun executor.
func NewRerunExecutor(source evidence.Source, trigger RerunTrigger, reg registry.Service, sink audit.Sink, environment string, metrics *observability.Metrics, logger *slog.Logger) *RerunExecutor {
	if logger == nil {
		logger = observability.NewLogger("remediation.rerun")
	}
	if sink == nil {
		sink = audit.NoopSink{}
	}
	return &RerunExecutor{
		source:      source,
		trigger:     trigger,
		registry:    reg,
		auditSink:   sink,
		environment: environment,
		metrics:     metrics,
		logger:      logger,
	}
}

// Execute validates authorization, resolves the target run, and triggers
// reruns for eligible jobs. Attempts is the per-job attempt history keyed by
// job name, supplied by the caller's bookkeeping.
func (e *RerunExecutor) Execute(ctx context.Context, input RerunInput, attempts map[string]int, actor, correlationID string) (RerunResult, error) {
	if input.Owner == "" || input.Repo == "" || input.PRNumber <= 0 {
		return RerunResult{}, errors.New("owner, repo, and pr_number required")
	}
	if input.Mode == "" {
		input.Mode = RerunModeFailedOnly
	}
	if input.Mode != RerunModeFailedOnly && input.Mode != RerunModeAllJobs {
		return RerunResult{}, fmt.Errorf("invalid rerun mode %q", input.Mode)
	}
	if input.MaxAttempts <= 0 {
		input.MaxAttempts = defaultMaxAttempts
	}

	repoID := input.Owner + "/" + input.Repo
	ceiling := input.MaxAttempts

	entry, err := e.registry.Lookup(ctx, repoID, registry.ActionRerunFailedJobs)
	switch {
	case registry.IsNoRegistry(err):
		if e.environment == "production" {
			result := blockedResult("no action registry for repository; reruns are opt-in in production")
			e.finish(ctx, input, repoID, registry.Entry{}, result, actor, correlationID)
			return result, nil
		}
		// Non-production repositories without a registry fall back to the
		// caller's requested ceiling.
	case err != nil:
		return RerunResult{}, fmt.Errorf("registry lookup: %w", err)
	default:
		if !entry.Enabled {
			result := blockedResult("rerun_failed_jobs action disabled by registry")
			e.finish(ctx, input, repoID, entry, result, actor, correlationID)
			return result, nil
		}
		if entry.MaxRetries != nil && *entry.MaxRetries < ceiling {
			ceiling = *entry.MaxRetries
		}
	}

	jobs, err := e.resolveJobs(ctx, input)
	if err != nil {
		return RerunResult{}, err
	}

	result := RerunResult{Jobs: []JobRerunStatus{}, Reasons: []string{}}
	result.Metadata.TotalJobs = len(jobs)

	for _, job := range jobs {
		status := e.rerunJob(ctx, input, job, attempts, ceiling)
		result.Jobs = append(result.Jobs, status)
		switch status.Status {
		case JobStatusRerun:
			result.Metadata.RerunJobs++
		case JobStatusSkipped:
			result.Metadata.SkippedJobs++
		case JobStatusBlockedCeiling:
			result.Metadata.BlockedJobs++
		case JobStatusFailedTrigger:
			result.Metadata.FailedJobs++
		}
	}

	if result.Metadata.RerunJobs > 0 {
		result.Decision = RerunTriggered
		result.Reasons = append(result.Reasons, fmt.Sprintf("%d of %d jobs rerun (ceiling %d)", result.Metadata.RerunJobs, result.Metadata.TotalJobs, ceiling))
	} else {
		result.Decision = RerunNoop
		result.Reasons = append(result.Reasons, "no eligible jobs to rerun")
	}

	e.finish(ctx, input, repoID, entry, result, actor, correlationID)
	return result, nil
}

func (e *RerunExecutor) rerunJob(ctx context.Context, input RerunInput, job evidence.JobEvidence, attempts map[string]int, ceiling int) JobRerunStatus {
	status := JobRerunStatus{JobID: job.ID, JobName: job.Name}

	if input.Mode == RerunModeFailedOnly && job.Conclusion == evidence.CheckConclusionSuccess {
		status.Status = JobStatusSkipped
		return status
	}

	attemptCount := attempts[job.Name]
	if job.RunAttempt > attemptCount {
		attemptCount = job.RunAttempt
	}
	if attemptCount >= ceiling {
		status.Status = JobStatusBlockedCeiling
		status.Detail = fmt.Sprintf("attempts %d at ceiling %d", attemptCount, ceiling)
		return status
	}

	if err := e.trigger.RerunJob(ctx, input.Owner, input.Repo, job.ID); err != nil {
		status.Status = JobStatusFailedTrigger
		status.Detail = err.Error()
		e.logger.Warn("job rerun trigger failed",
			"event", "job_rerun_failed",
			"repo_id", input.Owner+"/"+input.Repo,
			"job_id", job.ID,
			"error", err,
		)
		return status
	}

	status.Status = JobStatusRerun
	return status
}

func (e *RerunExecutor) resolveJobs(ctx context.Context, input RerunInput) ([]evidence.JobEvidence, error) {
	runID := input.RunID
	if runID == 0 {
		pr, err := e.source.PullRequest(ctx, input.Owner, input.Repo, input.PRNumber)
		if err != nil {
			return nil, err
		}
		runs, err := e.source.ListWorkflowRuns(ctx, input.Owner, input.Repo, pr.HeadSHA)
		if err != nil {
			return nil, err
		}
		for _, run := range runs {
			if run.Status == evidence.CheckStatusCompleted && run.Conclusion.Failing() {
				runID = run.ID
				break
			}
		}
		if runID == 0 {
			return nil, nil
		}
	}
	return e.source.ListWorkflowJobs(ctx, input.Owner, input.Repo, runID)
}

// finish records the audit trail and metrics for the call. Audit failures
// are logged, never propagated: the decision path must not block on them.
func (e *RerunExecutor) finish(ctx context.Context, input RerunInput, repoID string, entry registry.Entry, result RerunResult, actor, correlationID string) {
	e.metrics.IncRerun(string(result.Decision))

	rec := audit.Record{
		ID:               newID("audit"),
		RegistryID:       entry.RegistryID,
		RegistryVersion:  entry.Version,
		ActionType:       registry.ActionRerunFailedJobs,
		ActionStatus:     string(result.Decision),
		Repository:       repoID,
		Resource:         fmt.Sprintf("pr/%d", input.PRNumber),
		ValidationResult: firstReason(result.Reasons),
		Actor:            actor,
		CorrelationID:    correlationID,
		CreatedAt:        time.Now().UTC(),
	}
	if _, err := e.auditSink.Append(ctx, rec); err != nil {
		e.logger.Error("audit append failed",
			"event", "audit_append_failed",
			"action_type", rec.ActionType,
			"repo_id", repoID,
			"error", err,
		)
	}
}

func blockedResult(reason string) RerunResult {
	return RerunResult{
		Decision: RerunBlocked,
		Reasons:  []string{reason},
		Jobs:     []JobRerunStatus{},
	}
}

func firstReason(reasons []string) string {
	if len(reasons) == 0 {
		return ""
	}
	return reasons[0]
}
