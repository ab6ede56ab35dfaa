package state

import (
	"errors"
	"testing"
)

func TestValidateSessionTransitionAllowed(t *testing.T) {
	cases := []struct {
		from SessionState
		to   SessionState
	}{
		{SessionStateOpen, SessionStateTriaged},
		{SessionStateTriaged, SessionStateRerunning},
		{SessionStateTriaged, SessionStateWaiting},
		{SessionStateTriaged, SessionStateHold},
		{SessionStateTriaged, SessionStateKilled},
		{SessionStateRerunning, SessionStateTriaged},
		{SessionStateWaiting, SessionStateMerged},
		{SessionStateWaiting, SessionStateKilled},
		{SessionStateHold, SessionStateTriaged},
		{SessionStateKilled, SessionStateClosed},
		{SessionStateWaiting, SessionStateWaiting},
	}
	for _, tc := range cases {
		if err := validateSessionTransition("s1", tc.from, tc.to); err != nil {
			t.Fatalf("expected %s -> %s to be allowed, got %v", tc.from, tc.to, err)
		}
	}
}

func TestValidateSessionTransitionRejected(t *testing.T) {
	cases := []struct {
		from SessionState
		to   SessionState
	}{
		{SessionStateOpen, SessionStateMerged},
		{SessionStateMerged, SessionStateTriaged},
		{SessionStateKilled, SessionStateRerunning},
		{SessionStateClosed, SessionStateOpen},
		{SessionStateHold, SessionStateMerged},
	}
	for _, tc := range cases {
		err := validateSessionTransition("s1", tc.from, tc.to)
		if err == nil {
			t.Fatalf("expected %s -> %s to be rejected", tc.from, tc.to)
		}
		if !IsTransitionError(err) {
			t.Fatalf("expected transition error for %s -> %s, got %v", tc.from, tc.to, err)
		}
	}
}

func TestValidateSessionTransitionUnknownState(t *testing.T) {
	err := validateSessionTransition("s1", SessionState("BOGUS"), SessionStateClosed)
	var unknown UnknownStateError
	if !errors.As(err, &unknown) {
		t.Fatalf("expected unknown state error, got %v", err)
	}
	if IsTransitionError(err) {
		t.Fatalf("unknown state should not be a transition error")
	}
}

func TestAttemptCountsMaxJobAttempts(t *testing.T) {
	counts := AttemptCounts{
		JobAttempts:   map[string]int{"unit": 1, "lint": 3, "e2e": 2},
		TotalAttempts: 6,
	}
	if got := counts.MaxJobAttempts(); got != 3 {
		t.Fatalf("expected max 3, got %d", got)
	}

	var empty AttemptCounts
	if got := empty.MaxJobAttempts(); got != 0 {
		t.Fatalf("expected 0 for empty counts, got %d", got)
	}
}
