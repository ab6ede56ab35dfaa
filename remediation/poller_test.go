package remediation

import (
	"context"
	"testing"
	"time"

	"github.com/pullmend/pullmend/evidence"
)

func greenChecks() []evidence.CheckEvidence {
	return []evidence.CheckEvidence{
		{ID: 1, Name: "build", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionSuccess},
	}
}

func pendingChecks() []evidence.CheckEvidence {
	return []evidence.CheckEvidence{
		{ID: 1, Name: "build", Status: evidence.CheckStatusInProgress},
	}
}

func redChecks() []evidence.CheckEvidence {
	return []evidence.CheckEvidence{
		{ID: 1, Name: "build", Status: evidence.CheckStatusCompleted, Conclusion: evidence.CheckConclusionFailure},
	}
}

func approvedBy(reviewer string) []evidence.ReviewEvidence {
	return []evidence.ReviewEvidence{
		{ID: 1, Reviewer: reviewer, State: evidence.ReviewStateApproved},
	}
}

// newTestPoller wires a poller with a synthetic clock: sleep advances the
// clock instead of blocking.
func newTestPoller(source *fakeSource, requester ReviewRequester) (*Poller, *time.Time) {
	now := time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC)
	poller := NewPoller(source, requester, nil, nil)
	poller.now = func() time.Time { return now }
	poller.sleep = func(ctx context.Context, d time.Duration) error {
		select {
		case <-ctx.Done():
			return ctx.Err()
		default:
		}
		now = now.Add(d)
		return nil
	}
	return poller, &now
}

func TestPollerSuccessAfterSecondPoll(t *testing.T) {
	source := &fakeSource{
		pr: evidence.PullRequest{Number: 7, HeadSHA: "abc123", Mergeable: boolPtr(true)},
		pollResponses: []pollResponse{
			{checks: pendingChecks(), reviews: nil},
			{checks: greenChecks(), reviews: approvedBy("alice")},
		},
	}
	requester := &fakeRequester{}
	poller, _ := newTestPoller(source, requester)

	rollup, err := poller.Wait(context.Background(), WaitInput{
		Owner: "acme", Repo: "widgets", PRNumber: 7,
		Reviewers:      []string{"alice"},
		MaxWaitSeconds: 60,
		PollSeconds:    10,
	})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !rollup.Stats.TerminatedEarly || rollup.Stats.TerminationReason != TerminationSuccess {
		t.Fatalf("expected early success, got %+v", rollup.Stats)
	}
	if rollup.Stats.TotalPolls != 2 {
		t.Fatalf("expected 2 polls, got %d", rollup.Stats.TotalPolls)
	}
	if rollup.Checks != RollupGreen || rollup.Reviews != ReviewsApproved {
		t.Fatalf("unexpected rollup: %+v", rollup)
	}
	if len(requester.requested) != 1 || requester.requested[0] != "alice" {
		t.Fatalf("expected review request for alice, got %v", requester.requested)
	}
}

func TestPollerStopsOnRedChecks(t *testing.T) {
	source := &fakeSource{
		pr:            evidence.PullRequest{Number: 7, HeadSHA: "abc123"},
		pollResponses: []pollResponse{{checks: redChecks()}},
	}
	poller, _ := newTestPoller(source, nil)

	rollup, err := poller.Wait(context.Background(), WaitInput{Owner: "acme", Repo: "widgets", PRNumber: 7, MaxWaitSeconds: 60, PollSeconds: 10})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rollup.Stats.TerminationReason != TerminationChecksFailed {
		t.Fatalf("expected checks_failed, got %q", rollup.Stats.TerminationReason)
	}
	if rollup.Stats.TotalPolls != 1 {
		t.Fatalf("expected 1 poll, got %d", rollup.Stats.TotalPolls)
	}
}

func TestPollerStopsOnChangesRequested(t *testing.T) {
	source := &fakeSource{
		pr: evidence.PullRequest{Number: 7, HeadSHA: "abc123"},
		pollResponses: []pollResponse{{
			checks:  pendingChecks(),
			reviews: []evidence.ReviewEvidence{{ID: 1, Reviewer: "bob", State: evidence.ReviewStateChangesRequested}},
		}},
	}
	poller, _ := newTestPoller(source, nil)

	rollup, err := poller.Wait(context.Background(), WaitInput{Owner: "acme", Repo: "widgets", PRNumber: 7, MaxWaitSeconds: 60, PollSeconds: 10})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rollup.Stats.TerminationReason != TerminationChangesRequested {
		t.Fatalf("expected changes_requested, got %q", rollup.Stats.TerminationReason)
	}
	if rollup.Reviews != ReviewsChangesRequested {
		t.Fatalf("expected CHANGES_REQUESTED rollup, got %s", rollup.Reviews)
	}
}

func TestPollerTimesOut(t *testing.T) {
	source := &fakeSource{
		pr:            evidence.PullRequest{Number: 7, HeadSHA: "abc123"},
		pollResponses: []pollResponse{{checks: pendingChecks()}},
	}
	poller, _ := newTestPoller(source, nil)

	rollup, err := poller.Wait(context.Background(), WaitInput{Owner: "acme", Repo: "widgets", PRNumber: 7, MaxWaitSeconds: 60, PollSeconds: 10})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if !rollup.Stats.TimedOut || rollup.Stats.TerminatedEarly {
		t.Fatalf("expected timeout, got %+v", rollup.Stats)
	}
	maxPolls := 60/10 + 1
	if rollup.Stats.TotalPolls > maxPolls {
		t.Fatalf("poll bound exceeded: %d > %d", rollup.Stats.TotalPolls, maxPolls)
	}
	if rollup.Checks != RollupYellow {
		t.Fatalf("expected YELLOW rollup at timeout, got %s", rollup.Checks)
	}
}

func TestPollerCancellation(t *testing.T) {
	source := &fakeSource{
		pr:            evidence.PullRequest{Number: 7, HeadSHA: "abc123"},
		pollResponses: []pollResponse{{checks: pendingChecks()}},
	}
	poller, _ := newTestPoller(source, nil)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	rollup, err := poller.Wait(ctx, WaitInput{Owner: "acme", Repo: "widgets", PRNumber: 7, MaxWaitSeconds: 60, PollSeconds: 10})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rollup.Stats.TimedOut || rollup.Stats.TerminatedEarly {
		t.Fatalf("cancellation is neither timeout nor early termination: %+v", rollup.Stats)
	}
	if rollup.Stats.TerminationReason != TerminationCancelled {
		t.Fatalf("expected cancelled, got %q", rollup.Stats.TerminationReason)
	}
	if rollup.Checks != RollupYellow {
		t.Fatalf("best rollup so far should be returned, got %s", rollup.Checks)
	}
}

func TestPollerTransientErrorContinues(t *testing.T) {
	source := &fakeSource{
		pr: evidence.PullRequest{Number: 7, HeadSHA: "abc123"},
		pollResponses: []pollResponse{
			{err: context.DeadlineExceeded},
			{checks: greenChecks(), reviews: approvedBy("alice")},
		},
	}
	poller, _ := newTestPoller(source, nil)

	rollup, err := poller.Wait(context.Background(), WaitInput{Owner: "acme", Repo: "widgets", PRNumber: 7, MaxWaitSeconds: 60, PollSeconds: 10})
	if err != nil {
		t.Fatalf("wait: %v", err)
	}
	if rollup.Stats.TerminationReason != TerminationSuccess {
		t.Fatalf("expected eventual success, got %+v", rollup.Stats)
	}
	if rollup.Stats.TotalPolls != 2 {
		t.Fatalf("failed poll should still count, got %d", rollup.Stats.TotalPolls)
	}
}

func TestClampSchedule(t *testing.T) {
	maxWait, poll := clampSchedule(0, 0)
	if maxWait != 900*time.Second || poll != 15*time.Second {
		t.Fatalf("unexpected defaults: %v %v", maxWait, poll)
	}
	maxWait, poll = clampSchedule(99999, 1)
	if maxWait != 3600*time.Second || poll != 5*time.Second {
		t.Fatalf("expected hard caps, got %v %v", maxWait, poll)
	}
	_, poll = clampSchedule(60, 900)
	if poll != 300*time.Second {
		t.Fatalf("expected poll cap 300s, got %v", poll)
	}
}

func TestRollupReviewEvidenceLatestWins(t *testing.T) {
	reviews := []evidence.ReviewEvidence{
		{ID: 1, Reviewer: "bob", State: evidence.ReviewStateChangesRequested},
		{ID: 2, Reviewer: "bob", State: evidence.ReviewStateApproved},
	}
	if got := RollupReviewEvidence(reviews, []string{"bob"}); got != ReviewsApproved {
		t.Fatalf("latest review should win, got %s", got)
	}
}

func TestRollupReviewEvidencePendingReviewer(t *testing.T) {
	reviews := approvedBy("alice")
	if got := RollupReviewEvidence(reviews, []string{"alice", "bob"}); got != ReviewsPending {
		t.Fatalf("missing requested reviewer should be PENDING, got %s", got)
	}
}
