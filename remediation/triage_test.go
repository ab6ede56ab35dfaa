package remediation

import (
	"context"
	"encoding/json"
	"strings"
	"testing"

	"github.com/pullmend/pullmend/evidence"
)

func newTestSource() *fakeSource {
	return &fakeSource{
		pr: evidence.PullRequest{Number: 7, HeadSHA: "abc123", HeadRef: "fix/build"},
		checks: []evidence.CheckEvidence{
			{ID: 2, Name: "build", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure},
			{ID: 1, Name: "lint", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure},
			{ID: 3, Name: "unit", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionSuccess},
		},
		runs: []evidence.WorkflowRun{
			{ID: 100, Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, HeadSHA: "abc123"},
		},
		jobs: []evidence.JobEvidence{
			{ID: 11, RunID: 100, Name: "build", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, RunAttempt: 1},
			{ID: 12, RunID: 100, Name: "lint", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, RunAttempt: 1},
		},
		logs: map[int64]string{
			11: "compiling main.go\nerror TS2304: cannot find name 'foo'\ncompilation failed",
			12: "eslint found 3 problems\nlint error in src/app.ts",
		},
	}
}

func TestTriageClassifiesAndSorts(t *testing.T) {
	analyzer := NewTriageAnalyzer(newTestSource(), nil, nil)
	report, err := analyzer.Triage(context.Background(), TriageInput{Owner: "acme", Repo: "widgets", PRNumber: 7})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}

	if len(report.Failures) != 2 {
		t.Fatalf("expected 2 failures, got %d", len(report.Failures))
	}
	// Deterministic ordering by check id.
	if report.Failures[0].CheckID != 1 || report.Failures[1].CheckID != 2 {
		t.Fatalf("unexpected failure order: %+v", report.Failures)
	}
	if report.Failures[0].FailureClass != FailureClassLint {
		t.Fatalf("expected lint class, got %s", report.Failures[0].FailureClass)
	}
	if report.Failures[1].FailureClass != FailureClassBuild {
		t.Fatalf("expected build class, got %s", report.Failures[1].FailureClass)
	}
	if report.Summary.Overall != RollupRed {
		t.Fatalf("expected RED rollup, got %s", report.Summary.Overall)
	}
	if report.Summary.FailingChecks != 2 || report.Summary.FailingRuns != 1 {
		t.Fatalf("unexpected summary: %+v", report.Summary)
	}
	for _, failure := range report.Failures {
		if failure.Signal == "" {
			t.Fatalf("missing signal for %s", failure.CheckName)
		}
	}
}

func TestTriageDeterministicOutput(t *testing.T) {
	analyzer := NewTriageAnalyzer(newTestSource(), nil, nil)
	input := TriageInput{Owner: "acme", Repo: "widgets", PRNumber: 7}

	first, err := analyzer.Triage(context.Background(), input)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	second, err := analyzer.Triage(context.Background(), input)
	if err != nil {
		t.Fatalf("triage: %v", err)
	}

	firstJSON, _ := json.Marshal(first)
	secondJSON, _ := json.Marshal(second)
	if string(firstJSON) != string(secondJSON) {
		t.Fatalf("reports differ:\n%s\n%s", firstJSON, secondJSON)
	}
}

func TestTriageBoundsLogExcerpt(t *testing.T) {
	source := newTestSource()
	source.logs[11] = strings.Repeat("x", 2000) + "\nfinal compilation failed line"
	analyzer := NewTriageAnalyzer(source, nil, nil)

	report, err := analyzer.Triage(context.Background(), TriageInput{Owner: "acme", Repo: "widgets", PRNumber: 7, MaxLogBytes: 64})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	for _, failure := range report.Failures {
		if len(failure.LogExcerpt) > 64 {
			t.Fatalf("excerpt exceeds cap: %d bytes", len(failure.LogExcerpt))
		}
	}
	// The tail of the log is what survives truncation.
	if !strings.Contains(report.Failures[1].LogExcerpt, "compilation failed") {
		t.Fatalf("expected log tail, got %q", report.Failures[1].LogExcerpt)
	}
}

func TestTriagePendingChecksYellow(t *testing.T) {
	source := newTestSource()
	source.checks = []evidence.CheckEvidence{
		{ID: 1, Name: "unit", Status: evidence.CheckStatusInProgress},
		{ID: 2, Name: "lint", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionSuccess},
	}
	analyzer := NewTriageAnalyzer(source, nil, nil)

	report, err := analyzer.Triage(context.Background(), TriageInput{Owner: "acme", Repo: "widgets", PRNumber: 7})
	if err != nil {
		t.Fatalf("triage: %v", err)
	}
	if report.Summary.Overall != RollupYellow {
		t.Fatalf("expected YELLOW, got %s", report.Summary.Overall)
	}
	if len(report.Failures) != 0 {
		t.Fatalf("expected no failures, got %d", len(report.Failures))
	}
}

func TestTriageSurfacesAccessDenied(t *testing.T) {
	source := newTestSource()
	source.prErr = evidence.ErrAccessDenied
	analyzer := NewTriageAnalyzer(source, nil, nil)

	_, err := analyzer.Triage(context.Background(), TriageInput{Owner: "acme", Repo: "widgets", PRNumber: 7})
	if !evidence.IsAccessDenied(err) {
		t.Fatalf("expected access denied, got %v", err)
	}
}

func TestTriageRejectsMalformedInput(t *testing.T) {
	analyzer := NewTriageAnalyzer(newTestSource(), nil, nil)
	if _, err := analyzer.Triage(context.Background(), TriageInput{Owner: "acme"}); err == nil {
		t.Fatal("expected validation error")
	}
}

func TestClassifyCheck(t *testing.T) {
	cases := []struct {
		name  string
		steps []string
		log   string
		want  FailureClass
	}{
		{"lint", nil, "", FailureClassLint},
		{"compile", nil, "", FailureClassBuild},
		{"unit tests", nil, "--- FAIL: TestThing", FailureClassTest},
		{"e2e-chrome", nil, "", FailureClassE2E},
		{"deploy-staging", nil, "", FailureClassDeploy},
		{"smoke", nil, "dial tcp 10.0.0.1:443: i/o timeout", FailureClassInfra},
		{"verify", nil, "error TS2304: cannot find name", FailureClassBuild},
		{"mystery", nil, "something odd happened", FailureClassUnknown},
		{"ci", []string{"Run golangci-lint"}, "", FailureClassLint},
	}
	for _, tc := range cases {
		if got := classifyCheck(tc.name, tc.steps, tc.log); got != tc.want {
			t.Fatalf("classifyCheck(%q, %v, %q) = %s, want %s", tc.name, tc.steps, tc.log, got, tc.want)
		}
	}
}

func TestComputeFailureSignalStable(t *testing.T) {
	a := ComputeFailureSignal("build", "failure", "error TS2304")
	b := ComputeFailureSignal("build", "failure", "error TS2304")
	if a != b {
		t.Fatal("same evidence should produce the same signal")
	}
	c := ComputeFailureSignal("build", "failure", "error TS2305")
	if a == c {
		t.Fatal("different excerpts should produce different signals")
	}
}
