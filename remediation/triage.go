package remediation

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"errors"
	"log/slog"
	"sort"
	"strings"

	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/internal/observability"
)

const (
	defaultMaxLogBytes = 65536
	defaultMaxSteps    = 50
)

// FailureClass buckets a failing check for downstream policy decisions.
type FailureClass string

const (
	FailureClassLint    FailureClass = "lint"
	FailureClassTest    FailureClass = "test"
	FailureClassBuild   FailureClass = "build"
	FailureClassE2E     FailureClass = "e2e"
	FailureClassInfra   FailureClass = "infra"
	FailureClassDeploy  FailureClass = "deploy"
	FailureClassUnknown FailureClass = "unknown"
)

// RollupStatus is the aggregate check status for a PR head.
type RollupStatus string

const (
	RollupGreen  RollupStatus = "GREEN"
	RollupYellow RollupStatus = "YELLOW"
	RollupRed    RollupStatus = "RED"
)

// Failure describes one classified failing check with bounded evidence.
type Failure struct {
	CheckID      int64        `json:"check_id"`
	CheckName    string       `json:"check_name"`
	Conclusion   string       `json:"conclusion"`
	FailureClass FailureClass `json:"failure_class"`
	LogExcerpt   string       `json:"log_excerpt,omitempty"`
	FailingSteps []string     `json:"failing_steps,omitempty"`
	Signal       string       `json:"signal"`
	URL          string       `json:"url,omitempty"`
}

// TriageSummary aggregates the failures found in one pass.
type TriageSummary struct {
	Overall       RollupStatus `json:"overall"`
	FailingChecks int          `json:"failing_checks"`
	FailingRuns   int          `json:"failing_runs"`
}

// TriageReport is an immutable snapshot produced by one triage call.
type TriageReport struct {
	HeadSHA  string        `json:"head_sha"`
	Failures []Failure     `json:"failures"`
	Summary  TriageSummary `json:"summary"`
}

// TriageInput selects the PR to triage and bounds evidence extraction.
type TriageInput struct {
	Owner         string
	Repo          string
	PRNumber      int
	WorkflowRunID int64
	MaxLogBytes   int64
	MaxSteps      int
}

// TriageAnalyzer classifies failing checks for a PR using pattern rules
// over job names and bounded log excerpts. Output ordering is
// deterministic so identical upstream state yields identical reports.
type TriageAnalyzer struct {
	source  evidence.Source
	metrics *observability.Metrics
	logger  *slog.Logger
}

// NewTriageAnalyzer builds a triage analyzer over an evidence source.
func NewTriageAnalyzer(source evidence.Source, metrics *observability.Metrics, logger *slog.Logger) *TriageAnalyzer {
	if logger == nil {
		logger = observability.NewLogger("remediation.triage")
	}
	return &TriageAnalyzer{source: source, metrics: metrics, logger: logger}
}

// Triage fetches evidence for the PR head and classifies every failing check.
func (a *TriageAnalyzer) Triage(ctx context.Context, input TriageInput) (TriageReport, error) {
	if input.Owner == "" || input.Repo == "" || input.PRNumber <= 0 {
		return TriageReport{}, errors.New("owner, repo, and pr_number required")
	}
	if input.MaxLogBytes <= 0 {
		input.MaxLogBytes = defaultMaxLogBytes
	}
	if input.MaxSteps <= 0 {
		input.MaxSteps = defaultMaxSteps
	}

	pr, err := a.source.PullRequest(ctx, input.Owner, input.Repo, input.PRNumber)
	if err != nil {
		return TriageReport{}, err
	}

	checks, err := a.source.ListCheckRuns(ctx, input.Owner, input.Repo, pr.HeadSHA)
	if err != nil {
		return TriageReport{}, err
	}

	jobs, failingRuns, err := a.collectJobs(ctx, input, pr.HeadSHA)
	if err != nil {
		return TriageReport{}, err
	}

	jobsByName := make(map[string]evidence.JobEvidence, len(jobs))
	for _, job := range jobs {
		jobsByName[job.Name] = job
	}

	report := TriageReport{HeadSHA: pr.HeadSHA, Failures: []Failure{}}
	pending := false
	for _, check := range checks {
		if check.Status != evidence.CheckStatusCompleted {
			pending = true
			continue
		}
		if !check.Conclusion.Failing() {
			continue
		}

		excerpt, steps := a.failureEvidence(ctx, input, jobsByName[check.Name])
		class := classifyCheck(check.Name, steps, excerpt)
		failure := Failure{
			CheckID:      check.ID,
			CheckName:    check.Name,
			Conclusion:   string(check.Conclusion),
			FailureClass: class,
			LogExcerpt:   excerpt,
			FailingSteps: steps,
			Signal:       ComputeFailureSignal(check.Name, string(check.Conclusion), excerpt),
			URL:          check.URL,
		}
		report.Failures = append(report.Failures, failure)
		a.metrics.IncTriagedFailure(string(class))
	}

	sort.Slice(report.Failures, func(i, j int) bool {
		if report.Failures[i].CheckID != report.Failures[j].CheckID {
			return report.Failures[i].CheckID < report.Failures[j].CheckID
		}
		return report.Failures[i].CheckName < report.Failures[j].CheckName
	})

	report.Summary = TriageSummary{
		Overall:       rollupChecks(len(report.Failures) > 0, pending, len(checks)),
		FailingChecks: len(report.Failures),
		FailingRuns:   failingRuns,
	}

	a.logger.Info("triage complete",
		"event", "triage_complete",
		"repo_id", input.Owner+"/"+input.Repo,
		"pr_number", input.PRNumber,
		"overall", report.Summary.Overall,
		"failing_checks", report.Summary.FailingChecks,
	)
	return report, nil
}

func (a *TriageAnalyzer) collectJobs(ctx context.Context, input TriageInput, headSHA string) ([]evidence.JobEvidence, int, error) {
	var runIDs []int64
	failingRuns := 0

	if input.WorkflowRunID > 0 {
		runIDs = append(runIDs, input.WorkflowRunID)
		failingRuns = 1
	} else {
		runs, err := a.source.ListWorkflowRuns(ctx, input.Owner, input.Repo, headSHA)
		if err != nil {
			return nil, 0, err
		}
		for _, run := range runs {
			if run.Status == evidence.CheckStatusCompleted && run.Conclusion.Failing() {
				runIDs = append(runIDs, run.ID)
				failingRuns++
			}
		}
	}

	var jobs []evidence.JobEvidence
	for _, runID := range runIDs {
		runJobs, err := a.source.ListWorkflowJobs(ctx, input.Owner, input.Repo, runID)
		if err != nil {
			return nil, 0, err
		}
		jobs = append(jobs, runJobs...)
	}
	return jobs, failingRuns, nil
}

// failureEvidence pulls a bounded log excerpt and the failing step names for
// a job. Log fetch failures degrade to step-name evidence only.
func (a *TriageAnalyzer) failureEvidence(ctx context.Context, input TriageInput, job evidence.JobEvidence) (string, []string) {
	if job.ID == 0 {
		return "", nil
	}

	var steps []string
	for _, step := range job.Steps {
		if step.Conclusion.Failing() {
			steps = append(steps, step.Name)
			if len(steps) >= input.MaxSteps {
				break
			}
		}
	}

	raw, err := a.source.JobLog(ctx, input.Owner, input.Repo, job.ID, input.MaxLogBytes)
	if err != nil {
		a.logger.Warn("job log fetch failed",
			"event", "job_log_fetch_failed",
			"repo_id", input.Owner+"/"+input.Repo,
			"job_id", job.ID,
			"error", err,
		)
		return "", steps
	}
	return boundExcerpt(raw, input.MaxLogBytes), steps
}

// ComputeFailureSignal hashes a failure's normalized evidence so retries can
// be compared: an unchanged signal across retries means no progress.
func ComputeFailureSignal(checkName, conclusion, excerpt string) string {
	excerptSum := sha256.Sum256([]byte(excerpt))
	payload := checkName + "|" + conclusion + "|" + hex.EncodeToString(excerptSum[:])
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:])
}

// boundExcerpt keeps the tail of the log, which is where failures surface,
// capped to maxBytes and aligned to a line boundary where possible.
func boundExcerpt(raw []byte, maxBytes int64) string {
	if int64(len(raw)) > maxBytes {
		raw = raw[int64(len(raw))-maxBytes:]
		if idx := strings.IndexByte(string(raw), '\n'); idx >= 0 && idx+1 < len(raw) {
			raw = raw[idx+1:]
		}
	}
	return strings.TrimSpace(string(raw))
}

func rollupChecks(anyFailing, anyPending bool, totalChecks int) RollupStatus {
	switch {
	case anyFailing:
		return RollupRed
	case anyPending || totalChecks == 0:
		return RollupYellow
	default:
		return RollupGreen
	}
}

func classifyCheck(checkName string, failingSteps []string, logExcerpt string) FailureClass {
	name := strings.ToLower(checkName)
	for _, step := range failingSteps {
		name += " " + strings.ToLower(step)
	}
	logText := strings.ToLower(logExcerpt)

	switch {
	case containsAny(logText, "dial tcp", "connection refused", "connection reset", "i/o timeout", "tls handshake timeout", "temporary failure", "no space left on device", "out of memory", "oom-kill", "service unavailable", "502 bad gateway", "503 service", "runner has received a shutdown signal", "lost communication with the server") ||
		containsAny(name, "infra", "provision"):
		return FailureClassInfra
	case containsAny(name, "deploy", "release", "helm", "terraform", "kubectl", "rollout"):
		return FailureClassDeploy
	case containsAny(name, "e2e", "end-to-end", "cypress", "playwright", "selenium", "puppeteer", "integration-browser") ||
		containsAny(logText, "cypress", "playwright", "selenium"):
		return FailureClassE2E
	case containsAny(name, "lint", "eslint", "golangci", "prettier", "vet", "format", "flake8", "rubocop", "style") ||
		containsAny(logText, "eslint", "golangci-lint", "prettier --check", "lint error"):
		return FailureClassLint
	case containsAny(name, "build", "compile", "tsc", "webpack", "bundle", "docker build") ||
		containsAny(logText, "compilation failed", "cannot find module", "error ts", "undefined reference", "compile error", "build failed"):
		return FailureClassBuild
	case containsAny(name, "test", "unit", "spec", "jest", "pytest", "vitest", "mocha") ||
		containsAny(logText, "--- fail:", "fail:", "tests failed", "assertionerror", "expected", "failing tests"):
		return FailureClassTest
	default:
		return FailureClassUnknown
	}
}

func containsAny(value string, needles ...string) bool {
	for _, needle := range needles {
		if strings.Contains(value, needle) {
			return true
		}
	}
	return false
}

// FailureClassFor returns the dominant class of a report: the class of the
// first failure in deterministic order, unknown when nothing failed.
func (r TriageReport) FailureClassFor() FailureClass {
	if len(r.Failures) == 0 {
		return FailureClassUnknown
	}
	return r.Failures[0].FailureClass
}
