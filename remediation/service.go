package remediation

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pullmend/pullmend/audit"
	"github.com/pullmend/pullmend/internal/observability"
	"github.com/pullmend/pullmend/lawbook"
	"github.com/pullmend/pullmend/state"
)

// Reporter publishes the latest decision to the PR conversation. A nil
// reporter disables reporting.
type Reporter interface {
	ReportDecision(ctx context.Context, owner, repo string, prNumber int, decision, summary string) error
}

// Archiver persists triage reports to long-term storage. A nil archiver
// disables archival.
type Archiver interface {
	StoreReport(ctx context.Context, repoID string, prNumber int, report []byte) (string, error)
}

// Service sequences the control loop around the stateless components: it
// keeps the attempt and signal bookkeeping in the store, enforces call
// ordering (stop decision before rerun), and drives the per-PR session
// state machine.
type Service struct {
	store    *state.Store
	analyzer *TriageAnalyzer
	poller   *Poller
	executor *RerunExecutor
	gate     *MergeGate

	book        *lawbook.Lawbook
	reporter    Reporter
	archiver    Archiver
	auditSink   audit.Sink
	environment string
	metrics     *observability.Metrics
	logger      *slog.Logger
	now         func() time.Time
}

// ServiceConfig wires a Service.
type ServiceConfig struct {
	Store       *state.Store
	Analyzer    *TriageAnalyzer
	Poller      *Poller
	Executor    *RerunExecutor
	Gate        *MergeGate
	Lawbook     *lawbook.Lawbook
	Reporter    Reporter
	Archiver    Archiver
	AuditSink   audit.Sink
	Environment string
	Metrics     *observability.Metrics
	Logger      *slog.Logger
}

// NewService builds the control-loop service.
func NewService(cfg ServiceConfig) (*Service, error) {
	if cfg.Store == nil {
		return nil, errors.New("store is required")
	}
	if cfg.Analyzer == nil || cfg.Poller == nil || cfg.Executor == nil || cfg.Gate == nil {
		return nil, errors.New("analyzer, poller, executor, and gate are required")
	}
	if cfg.Lawbook == nil {
		cfg.Lawbook = lawbook.Default()
	}
	if cfg.AuditSink == nil {
		cfg.AuditSink = audit.NoopSink{}
	}
	if cfg.Logger == nil {
		cfg.Logger = observability.NewLogger("remediation.service")
	}
	return &Service{
		store:       cfg.Store,
		analyzer:    cfg.Analyzer,
		poller:      cfg.Poller,
		executor:    cfg.Executor,
		gate:        cfg.Gate,
		book:        cfg.Lawbook,
		reporter:    cfg.Reporter,
		archiver:    cfg.Archiver,
		auditSink:   cfg.AuditSink,
		environment: cfg.Environment,
		metrics:     cfg.Metrics,
		logger:      cfg.Logger,
		now:         time.Now,
	}, nil
}

// LawbookHash is echoed in every response envelope.
func (s *Service) LawbookHash() string { return s.book.Hash() }

// Environment tags responses with the deployment environment.
func (s *Service) Environment() string { return s.environment }

// Thresholds exposes the active policy thresholds.
func (s *Service) Thresholds() lawbook.Thresholds { return s.book.Thresholds }

// Triage runs the checks triage analyzer, records the resulting failure
// signals, and moves the session to TRIAGED.
func (s *Service) Triage(ctx context.Context, input TriageInput, correlationID string) (TriageReport, error) {
	repoID := input.Owner + "/" + input.Repo

	if _, err := s.store.EnsureSession(ctx, newID("session"), repoID, input.PRNumber); err != nil {
		return TriageReport{}, fmt.Errorf("ensure session: %w", err)
	}

	report, err := s.analyzer.Triage(ctx, input)
	if err != nil {
		return TriageReport{}, err
	}

	for _, failure := range report.Failures {
		if _, err := s.store.RecordFailureSignal(ctx, state.FailureSignal{
			ID:          newID("signal"),
			RepoID:      repoID,
			PRNumber:    input.PRNumber,
			HeadSHA:     report.HeadSHA,
			CheckName:   failure.CheckName,
			Fingerprint: failure.Signal,
		}); err != nil {
			return TriageReport{}, fmt.Errorf("record failure signal: %w", err)
		}
	}

	s.transition(ctx, repoID, input.PRNumber, state.SessionStateTriaged)
	s.archive(ctx, repoID, input.PRNumber, report)
	s.appendAudit(ctx, audit.Record{
		ActionType:       "checks_triage",
		ActionStatus:     string(report.Summary.Overall),
		Repository:       repoID,
		Resource:         fmt.Sprintf("pr/%d", input.PRNumber),
		ValidationResult: fmt.Sprintf("%d failing checks", report.Summary.FailingChecks),
		CorrelationID:    correlationID,
	})
	return report, nil
}

// StopCheck derives attempt counters and signal history from the store and
// evaluates the stop policy. KILL and HOLD decisions move the session.
func (s *Service) StopCheck(ctx context.Context, owner, repo string, prNumber int, failureClass FailureClass, correlationID string) (StopDecision, error) {
	repoID := owner + "/" + repo

	input, err := s.stopInput(ctx, repoID, prNumber, failureClass)
	if err != nil {
		return StopDecision{}, err
	}

	decision := EvaluateStop(input)
	s.metrics.IncDecision(string(decision.Decision))

	switch decision.Decision {
	case DecisionKill:
		s.transition(ctx, repoID, prNumber, state.SessionStateKilled)
	case DecisionHold:
		s.transition(ctx, repoID, prNumber, state.SessionStateHold)
	}

	s.report(ctx, owner, repo, prNumber, string(decision.Decision), strings.Join(decision.Reasons, "; "))
	s.appendAudit(ctx, audit.Record{
		ActionType:       "stop_decision",
		ActionStatus:     string(decision.Decision),
		Repository:       repoID,
		Resource:         fmt.Sprintf("pr/%d", prNumber),
		ValidationResult: decision.ReasonCode,
		CorrelationID:    correlationID,
	})
	return decision, nil
}

// Rerun sequences the stop decision ahead of the executor: a verdict other
// than CONTINUE blocks the rerun before any job is touched. Triggered
// reruns are recorded as attempts so future ceilings see them.
func (s *Service) Rerun(ctx context.Context, input RerunInput, failureClass FailureClass, actor, correlationID string) (RerunResult, StopDecision, error) {
	repoID := input.Owner + "/" + input.Repo

	stopInput, err := s.stopInput(ctx, repoID, input.PRNumber, failureClass)
	if err != nil {
		return RerunResult{}, StopDecision{}, err
	}
	decision := EvaluateStop(stopInput)
	s.metrics.IncDecision(string(decision.Decision))

	if decision.Decision != DecisionContinue {
		switch decision.Decision {
		case DecisionKill:
			s.transition(ctx, repoID, input.PRNumber, state.SessionStateKilled)
		case DecisionHold:
			s.transition(ctx, repoID, input.PRNumber, state.SessionStateHold)
		}
		result := blockedResult(fmt.Sprintf("stop decision is %s (%s); rerun not permitted", decision.Decision, decision.ReasonCode))
		s.metrics.IncRerun(string(RerunBlocked))
		s.report(ctx, input.Owner, input.Repo, input.PRNumber, string(decision.Decision), strings.Join(decision.Reasons, "; "))
		return result, decision, nil
	}

	counts, err := s.store.CountAttempts(ctx, repoID, input.PRNumber)
	if err != nil {
		return RerunResult{}, StopDecision{}, fmt.Errorf("count attempts: %w", err)
	}

	result, err := s.executor.Execute(ctx, input, counts.JobAttempts, actor, correlationID)
	if err != nil {
		return RerunResult{}, StopDecision{}, err
	}

	if result.Metadata.RerunJobs > 0 {
		session, err := s.store.GetSession(ctx, repoID, input.PRNumber)
		if err != nil && !errors.Is(err, state.ErrNotFound) {
			return RerunResult{}, StopDecision{}, err
		}
		for _, job := range result.Jobs {
			if job.Status != JobStatusRerun {
				continue
			}
			if _, err := s.store.RecordJobAttempt(ctx, state.JobAttempt{
				ID:            newID("attempt"),
				SessionID:     session.ID,
				RepoID:        repoID,
				PRNumber:      input.PRNumber,
				JobID:         job.JobID,
				JobName:       job.JobName,
				CorrelationID: correlationID,
			}); err != nil {
				return RerunResult{}, StopDecision{}, fmt.Errorf("record job attempt: %w", err)
			}
		}
		s.transition(ctx, repoID, input.PRNumber, state.SessionStateRerunning)
	}

	s.report(ctx, input.Owner, input.Repo, input.PRNumber, string(result.Decision), strings.Join(result.Reasons, "; "))
	return result, decision, nil
}

// Wait moves the session to WAITING and runs the review-and-wait poller.
func (s *Service) Wait(ctx context.Context, input WaitInput, correlationID string) (WaitRollup, error) {
	repoID := input.Owner + "/" + input.Repo
	s.transition(ctx, repoID, input.PRNumber, state.SessionStateWaiting)

	rollup, err := s.poller.Wait(ctx, input)
	if err != nil {
		return WaitRollup{}, err
	}

	s.appendAudit(ctx, audit.Record{
		ActionType:       "review_wait",
		ActionStatus:     string(rollup.Checks) + "/" + string(rollup.Reviews),
		Repository:       repoID,
		Resource:         fmt.Sprintf("pr/%d", input.PRNumber),
		ValidationResult: rollup.Stats.TerminationReason,
		CorrelationID:    correlationID,
	})
	return rollup, nil
}

// Merge runs the merge gate and moves the session to MERGED on success.
func (s *Service) Merge(ctx context.Context, input MergeInput) (MergeOutcome, error) {
	repoID := input.Owner + "/" + input.Repo

	outcome, err := s.gate.Merge(ctx, input)
	if err != nil {
		return MergeOutcome{}, err
	}

	if outcome.Merged {
		s.transition(ctx, repoID, input.PRNumber, state.SessionStateMerged)
	}
	s.report(ctx, input.Owner, input.Repo, input.PRNumber, string(outcome.Decision), strings.Join(outcome.Reasons, "; "))
	return outcome, nil
}

func (s *Service) stopInput(ctx context.Context, repoID string, prNumber int, failureClass FailureClass) (StopInput, error) {
	counts, err := s.store.CountAttempts(ctx, repoID, prNumber)
	if err != nil {
		return StopInput{}, fmt.Errorf("count attempts: %w", err)
	}

	signals, err := s.store.RecentFailureSignals(ctx, repoID, prNumber, 10)
	if err != nil {
		return StopInput{}, fmt.Errorf("load failure signals: %w", err)
	}
	fingerprints := make([]string, 0, len(signals))
	for _, signal := range signals {
		fingerprints = append(fingerprints, signal.Fingerprint)
	}

	var firstFailureAt *time.Time
	if len(signals) > 0 {
		first, err := s.store.FirstSignalAt(ctx, repoID, prNumber, signals[0].Fingerprint)
		if err == nil {
			firstFailureAt = &first
		} else if !errors.Is(err, state.ErrNotFound) {
			return StopInput{}, fmt.Errorf("first signal time: %w", err)
		}
	}

	return StopInput{
		Counters: AttemptCounters{
			CurrentJobAttempts: counts.MaxJobAttempts(),
			TotalPRAttempts:    counts.TotalAttempts,
		},
		FailureClass:   failureClass,
		FirstFailureAt: firstFailureAt,
		Now:            s.now(),
		Signals:        fingerprints,
		Thresholds:     s.book.Thresholds,
	}, nil
}

// transition moves the session state, tolerating missing sessions and
// states that already match; genuine violations only log.
func (s *Service) transition(ctx context.Context, repoID string, prNumber int, next state.SessionState) {
	err := s.store.TransitionSession(ctx, repoID, prNumber, next)
	if err == nil || errors.Is(err, state.ErrNotFound) {
		return
	}
	if state.IsTransitionError(err) {
		s.logger.Warn("session transition rejected",
			"event", "session_transition_rejected",
			"repo_id", repoID,
			"pr_number", prNumber,
			"next_state", next,
			"error", err,
		)
		return
	}
	s.logger.Error("session transition failed",
		"event", "session_transition_failed",
		"repo_id", repoID,
		"pr_number", prNumber,
		"next_state", next,
		"error", err,
	)
}

func (s *Service) report(ctx context.Context, owner, repo string, prNumber int, decision, summary string) {
	if s.reporter == nil {
		return
	}
	if err := s.reporter.ReportDecision(ctx, owner, repo, prNumber, decision, summary); err != nil {
		s.logger.Warn("decision report failed",
			"event", "decision_report_failed",
			"repo_id", owner+"/"+repo,
			"pr_number", prNumber,
			"error", err,
		)
	}
}

func (s *Service) archive(ctx context.Context, repoID string, prNumber int, report TriageReport) {
	if s.archiver == nil {
		return
	}
	payload, err := json.Marshal(report)
	if err != nil {
		return
	}
	uri, err := s.archiver.StoreReport(ctx, repoID, prNumber, payload)
	if err != nil {
		s.logger.Warn("triage report archive failed",
			"event", "triage_archive_failed",
			"repo_id", repoID,
			"pr_number", prNumber,
			"error", err,
		)
		return
	}
	s.logger.Info("triage report archived",
		"event", "triage_archived",
		"repo_id", repoID,
		"pr_number", prNumber,
		"uri", uri,
	)
}

// appendAudit writes a best-effort audit record; failures only log.
func (s *Service) appendAudit(ctx context.Context, rec audit.Record) {
	rec.ID = newID("audit")
	rec.CreatedAt = s.now().UTC()
	if _, err := s.auditSink.Append(ctx, rec); err != nil {
		s.logger.Error("audit append failed",
			"event", "audit_append_failed",
			"action_type", rec.ActionType,
			"repo_id", rec.Repository,
			"error", err,
		)
	}
}
