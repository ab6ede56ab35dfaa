package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// SessionState tracks where a PR sits in the remediation lifecycle.
type SessionState string

const (
	SessionStateOpen      SessionState = "OPEN"
	SessionStateTriaged   SessionState = "TRIAGED"
	SessionStateRerunning SessionState = "RERUNNING"
	SessionStateWaiting   SessionState = "WAITING"
	SessionStateHold      SessionState = "HOLD"
	SessionStateKilled    SessionState = "KILLED"
	SessionStateMerged    SessionState = "MERGED"
	SessionStateClosed    SessionState = "CLOSED"
)

var sessionTransitions = map[SessionState][]SessionState{
	SessionStateOpen:      {SessionStateOpen, SessionStateTriaged, SessionStateClosed},
	SessionStateTriaged:   {SessionStateTriaged, SessionStateRerunning, SessionStateWaiting, SessionStateHold, SessionStateKilled, SessionStateClosed},
	SessionStateRerunning: {SessionStateRerunning, SessionStateTriaged, SessionStateWaiting, SessionStateHold, SessionStateKilled, SessionStateClosed},
	SessionStateWaiting:   {SessionStateWaiting, SessionStateTriaged, SessionStateMerged, SessionStateHold, SessionStateKilled, SessionStateClosed},
	SessionStateHold:      {SessionStateHold, SessionStateTriaged, SessionStateClosed},
	SessionStateKilled:    {SessionStateKilled, SessionStateClosed},
	SessionStateMerged:    {SessionStateMerged, SessionStateClosed},
	SessionStateClosed:    {SessionStateClosed},
}

// Session is the per-PR remediation lifecycle record.
type Session struct {
	ID        string       `json:"id"`
	RepoID    string       `json:"repo_id"`
	PRNumber  int          `json:"pr_number"`
	State     SessionState `json:"state"`
	CreatedAt time.Time    `json:"created_at"`
	UpdatedAt time.Time    `json:"updated_at"`
}

// TransitionError signals an illegal state transition detected in the persistence layer.
type TransitionError struct {
	Entity string
	ID     string
	From   string
	To     string
}

func (e TransitionError) Error() string {
	return fmt.Sprintf("%s %s: invalid transition from %s to %s", e.Entity, e.ID, e.From, e.To)
}

// UnknownStateError signals a state value that is not part of the documented state machine.
type UnknownStateError struct {
	Entity string
	State  string
}

func (e UnknownStateError) Error() string {
	return fmt.Sprintf("%s: unknown state %q", e.Entity, e.State)
}

func IsTransitionError(err error) bool {
	var te TransitionError
	return errors.As(err, &te)
}

func validateSessionTransition(id string, from, to SessionState) error {
	allowed, ok := sessionTransitions[from]
	if !ok {
		return UnknownStateError{Entity: "session", State: string(from)}
	}
	if _, ok := sessionTransitions[to]; !ok {
		return UnknownStateError{Entity: "session", State: string(to)}
	}
	for _, candidate := range allowed {
		if candidate == to {
			return nil
		}
	}
	return TransitionError{Entity: "session", ID: id, From: string(from), To: string(to)}
}

// EnsureSession returns the session for a PR, creating it in OPEN state
// if none exists yet.
func (s *Store) EnsureSession(ctx context.Context, id, repoID string, prNumber int) (Session, error) {
	if repoID == "" || prNumber <= 0 {
		return Session{}, errors.New("repo_id and pr_number required")
	}

	var session Session
	err := s.db.QueryRowContext(ctx, `
INSERT INTO remediation_sessions (id, repo_id, pr_number, state)
VALUES ($1, $2, $3, $4)
ON CONFLICT (repo_id, pr_number) DO UPDATE SET updated_at = remediation_sessions.updated_at
RETURNING id, repo_id, pr_number, state, created_at, updated_at
`, id, repoID, prNumber, SessionStateOpen).Scan(
		&session.ID,
		&session.RepoID,
		&session.PRNumber,
		&session.State,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		return Session{}, err
	}
	return session, nil
}

// GetSession returns the session for a PR.
func (s *Store) GetSession(ctx context.Context, repoID string, prNumber int) (Session, error) {
	var session Session
	err := s.db.QueryRowContext(ctx, `
SELECT id, repo_id, pr_number, state, created_at, updated_at
FROM remediation_sessions
WHERE repo_id = $1 AND pr_number = $2
`, repoID, prNumber).Scan(
		&session.ID,
		&session.RepoID,
		&session.PRNumber,
		&session.State,
		&session.CreatedAt,
		&session.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Session{}, fmt.Errorf("%w: session %s#%d", ErrNotFound, repoID, prNumber)
		}
		return Session{}, err
	}
	return session, nil
}

// TransitionSession enforces the session state machine using row-level locking.
func (s *Store) TransitionSession(ctx context.Context, repoID string, prNumber int, next SessionState) error {
	return s.withTx(ctx, func(tx *sql.Tx) error {
		var id string
		var current SessionState
		err := tx.QueryRowContext(ctx, `
SELECT id, state FROM remediation_sessions WHERE repo_id = $1 AND pr_number = $2 FOR UPDATE
`, repoID, prNumber).Scan(&id, &current)
		if err != nil {
			if errors.Is(err, sql.ErrNoRows) {
				return fmt.Errorf("%w: session %s#%d", ErrNotFound, repoID, prNumber)
			}
			return err
		}

		if err := validateSessionTransition(id, current, next); err != nil {
			return err
		}

		_, err = tx.ExecContext(ctx, `
UPDATE remediation_sessions SET state = $3, updated_at = NOW() WHERE repo_id = $1 AND pr_number = $2
`, repoID, prNumber, next)
		return err
	})
}
