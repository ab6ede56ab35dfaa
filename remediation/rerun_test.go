package remediation

import (
	"context"
	"testing"

	"github.com/pullmend/pullmend/audit"
	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/registry"
)

func rerunTestSource() *fakeSource {
	return &fakeSource{
		pr: evidence.PullRequest{Number: 7, HeadSHA: "abc123"},
		runs: []evidence.WorkflowRun{
			{ID: 100, Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, HeadSHA: "abc123"},
		},
		jobs: []evidence.JobEvidence{
			{ID: 11, RunID: 100, Name: "build", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, RunAttempt: 1},
			{ID: 12, RunID: 100, Name: "unit", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionSuccess, RunAttempt: 1},
			{ID: 13, RunID: 100, Name: "e2e", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, RunAttempt: 2},
		},
	}
}

func enabledRerunRegistry() *fakeRegistry {
	return &fakeRegistry{entries: map[string]registry.Entry{
		"acme/widgets/" + registry.ActionRerunFailedJobs: {RegistryID: "reg-1", Version: 3, Enabled: true},
	}}
}

func TestRerunFailedOnly(t *testing.T) {
	trigger := &fakeTrigger{}
	executor := NewRerunExecutor(rerunTestSource(), trigger, enabledRerunRegistry(), audit.NoopSink{}, "staging", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100}, nil, "tester", "corr-1")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Decision != RerunTriggered {
		t.Fatalf("expected RERUN_TRIGGERED, got %s", result.Decision)
	}
	// build reruns; unit already succeeded; e2e is at the default ceiling of 2.
	if result.Metadata.RerunJobs != 1 || result.Metadata.SkippedJobs != 1 || result.Metadata.BlockedJobs != 1 {
		t.Fatalf("unexpected metadata: %+v", result.Metadata)
	}
	if len(trigger.rerun) != 1 || trigger.rerun[0] != 11 {
		t.Fatalf("unexpected triggered jobs: %v", trigger.rerun)
	}
}

func TestRerunRegistryCeilingWins(t *testing.T) {
	reg := &fakeRegistry{entries: map[string]registry.Entry{
		"acme/widgets/" + registry.ActionRerunFailedJobs: {RegistryID: "reg-1", Enabled: true, MaxRetries: intPtr(1)},
	}}
	trigger := &fakeTrigger{}
	executor := NewRerunExecutor(rerunTestSource(), trigger, reg, audit.NoopSink{}, "staging", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100, MaxAttempts: 5}, nil, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// Every failing job has run_attempt >= 1, so the registry cap of 1 blocks all.
	if result.Decision != RerunNoop {
		t.Fatalf("expected NOOP, got %s", result.Decision)
	}
	if result.Metadata.RerunJobs != 0 || result.Metadata.BlockedJobs != 2 {
		t.Fatalf("unexpected metadata: %+v", result.Metadata)
	}
	if len(trigger.rerun) != 0 {
		t.Fatalf("no jobs should have been triggered: %v", trigger.rerun)
	}
}

func TestRerunBlockedInProductionWithoutRegistry(t *testing.T) {
	trigger := &fakeTrigger{}
	executor := NewRerunExecutor(rerunTestSource(), trigger, &fakeRegistry{}, audit.NoopSink{}, "production", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100}, nil, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Decision != RerunBlocked {
		t.Fatalf("expected BLOCKED, got %s", result.Decision)
	}
	if len(result.Jobs) != 0 || len(trigger.rerun) != 0 {
		t.Fatal("no job should be attempted when blocked")
	}
}

func TestRerunProceedsOutsideProductionWithoutRegistry(t *testing.T) {
	trigger := &fakeTrigger{}
	executor := NewRerunExecutor(rerunTestSource(), trigger, &fakeRegistry{}, audit.NoopSink{}, "staging", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100}, nil, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Decision != RerunTriggered {
		t.Fatalf("expected RERUN_TRIGGERED, got %s", result.Decision)
	}
}

func TestRerunBlockedWhenActionDisabled(t *testing.T) {
	reg := &fakeRegistry{entries: map[string]registry.Entry{
		"acme/widgets/" + registry.ActionRerunFailedJobs: {RegistryID: "reg-1", Enabled: false},
	}}
	executor := NewRerunExecutor(rerunTestSource(), &fakeTrigger{}, reg, audit.NoopSink{}, "staging", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100}, nil, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Decision != RerunBlocked {
		t.Fatalf("expected BLOCKED, got %s", result.Decision)
	}
}

func TestRerunTriggerFailureDoesNotAbort(t *testing.T) {
	source := rerunTestSource()
	source.jobs = []evidence.JobEvidence{
		{ID: 11, RunID: 100, Name: "build", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, RunAttempt: 1},
		{ID: 14, RunID: 100, Name: "lint", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure, RunAttempt: 1},
	}
	trigger := &fakeTrigger{failID: 11}
	executor := NewRerunExecutor(source, trigger, enabledRerunRegistry(), audit.NoopSink{}, "staging", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100}, nil, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	if result.Decision != RerunTriggered {
		t.Fatalf("partial success should still be RERUN_TRIGGERED, got %s", result.Decision)
	}
	if result.Metadata.FailedJobs != 1 || result.Metadata.RerunJobs != 1 {
		t.Fatalf("unexpected metadata: %+v", result.Metadata)
	}
	var failed *JobRerunStatus
	for i := range result.Jobs {
		if result.Jobs[i].JobID == 11 {
			failed = &result.Jobs[i]
		}
	}
	if failed == nil || failed.Status != JobStatusFailedTrigger {
		t.Fatalf("expected FAILED_TO_TRIGGER for job 11, got %+v", failed)
	}
}

func TestRerunAllJobsMode(t *testing.T) {
	trigger := &fakeTrigger{}
	executor := NewRerunExecutor(rerunTestSource(), trigger, enabledRerunRegistry(), audit.NoopSink{}, "staging", nil, nil)

	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100, Mode: RerunModeAllJobs, MaxAttempts: 3}, nil, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	// ALL_JOBS ignores prior success; the ceiling of 3 admits every job.
	if result.Metadata.RerunJobs != 3 || result.Metadata.SkippedJobs != 0 {
		t.Fatalf("unexpected metadata: %+v", result.Metadata)
	}
}

func TestRerunCallerAttemptHistoryCounts(t *testing.T) {
	trigger := &fakeTrigger{}
	executor := NewRerunExecutor(rerunTestSource(), trigger, enabledRerunRegistry(), audit.NoopSink{}, "staging", nil, nil)

	attempts := map[string]int{"build": 2}
	result, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, RunID: 100}, attempts, "", "")
	if err != nil {
		t.Fatalf("execute: %v", err)
	}
	for _, job := range result.Jobs {
		if job.JobName == "build" && job.Status != JobStatusBlockedCeiling {
			t.Fatalf("caller history should block build, got %s", job.Status)
		}
	}
}

func TestRerunInvalidModeRejected(t *testing.T) {
	executor := NewRerunExecutor(rerunTestSource(), &fakeTrigger{}, enabledRerunRegistry(), audit.NoopSink{}, "staging", nil, nil)
	if _, err := executor.Execute(context.Background(), RerunInput{Owner: "acme", Repo: "widgets", PRNumber: 7, Mode: "SOMETIMES"}, nil, "", ""); err == nil {
		t.Fatal("expected validation error")
	}
}
