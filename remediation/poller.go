package remediation

import (
	"context"
	"errors"
	"log/slog"
	"sort"
	"time"

	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/internal/observability"
)

const (
	defaultMaxWaitSeconds = 900
	maxWaitSecondsCap     = 3600
	defaultPollSeconds    = 15
	minPollSeconds        = 5
	maxPollSeconds        = 300
)

// ReviewRollup is the aggregate review status for a PR.
type ReviewRollup string

const (
	ReviewsApproved         ReviewRollup = "APPROVED"
	ReviewsPending          ReviewRollup = "PENDING"
	ReviewsChangesRequested ReviewRollup = "CHANGES_REQUESTED"
)

// Poll loop termination reasons.
const (
	TerminationChecksFailed     = "checks_failed"
	TerminationSuccess          = "success"
	TerminationChangesRequested = "changes_requested"
	TerminationCancelled        = "cancelled"
)

// PollingStats reports how the wait loop behaved, regardless of outcome.
type PollingStats struct {
	TotalPolls        int    `json:"total_polls"`
	ElapsedSeconds    int    `json:"elapsed_seconds"`
	TimedOut          bool   `json:"timed_out"`
	TerminatedEarly   bool   `json:"terminated_early"`
	TerminationReason string `json:"termination_reason,omitempty"`
}

// WaitRollup is the combined check/review/mergeable state at loop exit.
type WaitRollup struct {
	Checks    RollupStatus `json:"checks"`
	Reviews   ReviewRollup `json:"reviews"`
	Mergeable *bool        `json:"mergeable"`
	Stats     PollingStats `json:"stats"`
}

// WaitInput configures one wait invocation. Bounds are clamped server-side.
type WaitInput struct {
	Owner          string
	Repo           string
	PRNumber       int
	Reviewers      []string
	MaxWaitSeconds int
	PollSeconds    int
}

// ReviewRequester asks upstream to request reviews. Re-requesting an
// existing reviewer is a no-op upstream, so the call is idempotent.
type ReviewRequester interface {
	RequestReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error
}

// Poller requests reviews and polls check/review state on a bounded,
// deterministic schedule, terminating early on terminal states.
type Poller struct {
	source    evidence.Source
	requester ReviewRequester
	metrics   *observability.Metrics
	logger    *slog.Logger

	// Injectable clock and sleeper for tests.
	now   func() time.Time
	sleep func(ctx context.Context, d time.Duration) error
}

// NewPoller builds a review-and-wait poller.
func NewPoller(source evidence.Source, requester ReviewRequester, metrics *observability.Metrics, logger *slog.Logger) *Poller {
	if logger == nil {
		logger = observability.NewLogger("remediation.poller")
	}
	return &Poller{
		source:    source,
		requester: requester,
		metrics:   metrics,
		logger:    logger,
		now:       time.Now,
		sleep:     sleepContext,
	}
}

func sleepContext(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}

// Wait requests reviews, then polls until a terminal state, the deadline,
// or cancellation. Cancellation returns the best rollup gathered so far
// with a distinct termination reason; it is neither a timeout nor an early
// termination.
func (p *Poller) Wait(ctx context.Context, input WaitInput) (WaitRollup, error) {
	if input.Owner == "" || input.Repo == "" || input.PRNumber <= 0 {
		return WaitRollup{}, errors.New("owner, repo, and pr_number required")
	}
	maxWait, pollInterval := clampSchedule(input.MaxWaitSeconds, input.PollSeconds)

	if len(input.Reviewers) > 0 && p.requester != nil {
		if err := p.requester.RequestReviewers(ctx, input.Owner, input.Repo, input.PRNumber, input.Reviewers); err != nil {
			p.logger.Warn("review request failed",
				"event", "review_request_failed",
				"repo_id", input.Owner+"/"+input.Repo,
				"pr_number", input.PRNumber,
				"error", err,
			)
		}
	}

	start := p.now()
	deadline := start.Add(maxWait)
	rollup := WaitRollup{Checks: RollupYellow, Reviews: ReviewsPending}

	for {
		snapshot, err := p.pollOnce(ctx, input)
		rollup.Stats.TotalPolls++
		if err != nil {
			// Transient poll failures count as a failed attempt; the loop
			// continues bounded by the overall deadline.
			p.metrics.IncPoll("error")
			p.logger.Warn("poll failed",
				"event", "poll_failed",
				"repo_id", input.Owner+"/"+input.Repo,
				"pr_number", input.PRNumber,
				"error", err,
			)
		} else {
			p.metrics.IncPoll("ok")
			rollup.Checks = snapshot.Checks
			rollup.Reviews = snapshot.Reviews
			rollup.Mergeable = snapshot.Mergeable

			if reason, done := terminalReason(snapshot); done {
				rollup.Stats.TerminatedEarly = true
				rollup.Stats.TerminationReason = reason
				break
			}
		}

		if !p.now().Add(pollInterval).Before(deadline) {
			rollup.Stats.TimedOut = true
			break
		}
		if err := p.sleep(ctx, pollInterval); err != nil {
			rollup.Stats.TerminationReason = TerminationCancelled
			break
		}
	}

	rollup.Stats.ElapsedSeconds = int(p.now().Sub(start) / time.Second)
	p.logger.Info("wait complete",
		"event", "wait_complete",
		"repo_id", input.Owner+"/"+input.Repo,
		"pr_number", input.PRNumber,
		"checks", rollup.Checks,
		"reviews", rollup.Reviews,
		"total_polls", rollup.Stats.TotalPolls,
		"timed_out", rollup.Stats.TimedOut,
		"termination_reason", rollup.Stats.TerminationReason,
	)
	return rollup, nil
}

type pollSnapshot struct {
	Checks    RollupStatus
	Reviews   ReviewRollup
	Mergeable *bool
}

func (p *Poller) pollOnce(ctx context.Context, input WaitInput) (pollSnapshot, error) {
	pr, err := p.source.PullRequest(ctx, input.Owner, input.Repo, input.PRNumber)
	if err != nil {
		return pollSnapshot{}, err
	}
	checks, err := p.source.ListCheckRuns(ctx, input.Owner, input.Repo, pr.HeadSHA)
	if err != nil {
		return pollSnapshot{}, err
	}
	reviews, err := p.source.ListReviews(ctx, input.Owner, input.Repo, input.PRNumber)
	if err != nil {
		return pollSnapshot{}, err
	}
	return pollSnapshot{
		Checks:    RollupCheckEvidence(checks),
		Reviews:   RollupReviewEvidence(reviews, input.Reviewers),
		Mergeable: pr.Mergeable,
	}, nil
}

func terminalReason(snapshot pollSnapshot) (string, bool) {
	switch {
	case snapshot.Checks == RollupRed:
		return TerminationChecksFailed, true
	case snapshot.Checks == RollupGreen && snapshot.Reviews == ReviewsApproved:
		return TerminationSuccess, true
	case snapshot.Reviews == ReviewsChangesRequested:
		return TerminationChangesRequested, true
	default:
		return "", false
	}
}

func clampSchedule(maxWaitSeconds, pollSeconds int) (time.Duration, time.Duration) {
	if maxWaitSeconds <= 0 {
		maxWaitSeconds = defaultMaxWaitSeconds
	}
	if maxWaitSeconds > maxWaitSecondsCap {
		maxWaitSeconds = maxWaitSecondsCap
	}
	if pollSeconds <= 0 {
		pollSeconds = defaultPollSeconds
	}
	if pollSeconds < minPollSeconds {
		pollSeconds = minPollSeconds
	}
	if pollSeconds > maxPollSeconds {
		pollSeconds = maxPollSeconds
	}
	return time.Duration(maxWaitSeconds) * time.Second, time.Duration(pollSeconds) * time.Second
}

// RollupCheckEvidence aggregates check runs: RED on any failure, YELLOW
// while anything is pending or no checks exist, GREEN otherwise.
func RollupCheckEvidence(checks []evidence.CheckEvidence) RollupStatus {
	anyFailing := false
	anyPending := false
	for _, check := range checks {
		if check.Status != evidence.CheckStatusCompleted {
			anyPending = true
			continue
		}
		if check.Conclusion.Failing() {
			anyFailing = true
		}
	}
	return rollupChecks(anyFailing, anyPending, len(checks))
}

// RollupReviewEvidence aggregates reviews using each reviewer's latest
// submission. With a requested-reviewer list, APPROVED requires every
// requested reviewer's latest review to be an approval; without one, a
// single approval suffices. Any changes-requested review dominates.
func RollupReviewEvidence(reviews []evidence.ReviewEvidence, requested []string) ReviewRollup {
	sorted := make([]evidence.ReviewEvidence, len(reviews))
	copy(sorted, reviews)
	sort.Slice(sorted, func(i, j int) bool { return sorted[i].ID < sorted[j].ID })

	latest := make(map[string]evidence.ReviewState)
	for _, review := range sorted {
		if review.State == evidence.ReviewStateCommented || review.State == evidence.ReviewStatePending {
			continue
		}
		latest[review.Reviewer] = review.State
	}

	for _, reviewState := range latest {
		if reviewState == evidence.ReviewStateChangesRequested {
			return ReviewsChangesRequested
		}
	}

	if len(requested) > 0 {
		for _, reviewer := range requested {
			if latest[reviewer] != evidence.ReviewStateApproved {
				return ReviewsPending
			}
		}
		return ReviewsApproved
	}

	for _, reviewState := range latest {
		if reviewState == evidence.ReviewStateApproved {
			return ReviewsApproved
		}
	}
	return ReviewsPending
}
