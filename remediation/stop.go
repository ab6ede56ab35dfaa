package remediation

import (
	"fmt"
	"time"

	"github.com/pullmend/pullmend/lawbook"
)

// Decision is the verdict of the stop decision engine.
type Decision string

const (
	DecisionContinue Decision = "CONTINUE"
	DecisionHold     Decision = "HOLD"
	DecisionKill     Decision = "KILL"
)

// NextStep advises the caller what to do after a decision.
type NextStep string

const (
	NextStepPrompt       NextStep = "PROMPT"
	NextStepManualReview NextStep = "MANUAL_REVIEW"
	NextStepFixRequired  NextStep = "FIX_REQUIRED"
	NextStepWait         NextStep = "WAIT"
)

// Reason codes attached to non-default decisions.
const (
	ReasonJobAttemptCeiling = "JOB_ATTEMPT_CEILING"
	ReasonPRAttemptCeiling  = "PR_ATTEMPT_CEILING"
	ReasonStuckSameFailure  = "STUCK_SAME_FAILURE"
)

// AttemptCounters is the retry history the engine evaluates. The engine is
// stateless: the caller derives these from its own bookkeeping.
type AttemptCounters struct {
	CurrentJobAttempts int `json:"current_job_attempts"`
	TotalPRAttempts    int `json:"total_pr_attempts"`
}

// StopInput is everything the engine needs for one evaluation. Signals are
// ordered newest first; index 0 is the current failure signal.
type StopInput struct {
	Counters       AttemptCounters
	FailureClass   FailureClass
	FirstFailureAt *time.Time
	Now            time.Time
	Signals        []string
	Thresholds     lawbook.Thresholds
}

// StopEvidence echoes the inputs a decision was derived from, so the
// decision is self-documenting.
type StopEvidence struct {
	AttemptCounts AttemptCounters    `json:"attempt_counts"`
	Thresholds    lawbook.Thresholds `json:"thresholds"`
	AppliedRules  []string           `json:"applied_rules"`
}

// StopDecision is the engine's verdict. Same inputs always produce the
// same decision.
type StopDecision struct {
	Decision            Decision     `json:"decision"`
	ReasonCode          string       `json:"reason_code,omitempty"`
	Reasons             []string     `json:"reasons"`
	RecommendedNextStep NextStep     `json:"recommended_next_step"`
	Evidence            StopEvidence `json:"evidence"`
}

// EvaluateStop applies the retry policy in fixed priority order: job
// ceiling, PR ceiling, stuck signal, transient infra, default. First match
// wins. Pure function; never calls external systems and never fails.
func EvaluateStop(input StopInput) StopDecision {
	t := input.Thresholds
	counters := input.Counters

	evidence := func(rule string) StopEvidence {
		return StopEvidence{
			AttemptCounts: counters,
			Thresholds:    t,
			AppliedRules:  []string{rule},
		}
	}

	if counters.CurrentJobAttempts >= t.MaxJobAttempts {
		return StopDecision{
			Decision:   DecisionKill,
			ReasonCode: ReasonJobAttemptCeiling,
			Reasons: []string{
				fmt.Sprintf("job attempts %d reached ceiling %d", counters.CurrentJobAttempts, t.MaxJobAttempts),
			},
			RecommendedNextStep: NextStepManualReview,
			Evidence:            evidence(ReasonJobAttemptCeiling),
		}
	}

	if counters.TotalPRAttempts >= t.MaxPRAttempts {
		return StopDecision{
			Decision:   DecisionKill,
			ReasonCode: ReasonPRAttemptCeiling,
			Reasons: []string{
				fmt.Sprintf("total PR attempts %d reached ceiling %d", counters.TotalPRAttempts, t.MaxPRAttempts),
			},
			RecommendedNextStep: NextStepManualReview,
			Evidence:            evidence(ReasonPRAttemptCeiling),
		}
	}

	if stuck, elapsed := isStuck(input); stuck {
		return StopDecision{
			Decision:   DecisionHold,
			ReasonCode: ReasonStuckSameFailure,
			Reasons: []string{
				fmt.Sprintf("failure signal unchanged across retries for %s (stuck window %s)", elapsed.Round(time.Second), t.StuckWindow()),
			},
			RecommendedNextStep: NextStepFixRequired,
			Evidence:            evidence(ReasonStuckSameFailure),
		}
	}

	if input.FailureClass == FailureClassInfra {
		return StopDecision{
			Decision: DecisionContinue,
			Reasons: []string{
				fmt.Sprintf("infra failure is transient; attempts %d/%d below ceiling", counters.CurrentJobAttempts, t.MaxJobAttempts),
			},
			RecommendedNextStep: NextStepWait,
			Evidence:            evidence("INFRA_RETRY"),
		}
	}

	return StopDecision{
		Decision: DecisionContinue,
		Reasons: []string{
			fmt.Sprintf("attempts %d/%d jobs, %d/%d PR total; below all ceilings", counters.CurrentJobAttempts, t.MaxJobAttempts, counters.TotalPRAttempts, t.MaxPRAttempts),
		},
		RecommendedNextStep: NextStepPrompt,
		Evidence:            evidence("DEFAULT_CONTINUE"),
	}
}

// isStuck reports whether the current signal matches the immediately
// preceding one and the failure has persisted past the stuck window.
func isStuck(input StopInput) (bool, time.Duration) {
	if len(input.Signals) < 2 || input.FirstFailureAt == nil {
		return false, 0
	}
	if input.Signals[0] == "" || input.Signals[0] != input.Signals[1] {
		return false, 0
	}
	elapsed := input.Now.Sub(*input.FirstFailureAt)
	if elapsed <= input.Thresholds.StuckWindow() {
		return false, 0
	}
	return true, elapsed
}
