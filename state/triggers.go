package state

import (
	"context"
	"errors"
	"time"
)

// ErrDuplicateTrigger indicates a trigger event key already exists.
var ErrDuplicateTrigger = errors.New("state: duplicate trigger")

// Trigger records an inbound event that kicked a remediation pass. The
// event key deduplicates webhook redeliveries.
type Trigger struct {
	ID        string    `json:"id"`
	EventKey  string    `json:"event_key"`
	EventType string    `json:"event_type"`
	RepoID    string    `json:"repo_id"`
	PRNumber  int       `json:"pr_number"`
	HeadSHA   string    `json:"head_sha"`
	CreatedAt time.Time `json:"created_at"`
}

// InsertTrigger records an event once. The boolean result reports whether
// the row was created; duplicates return false with no error.
func (s *Store) InsertTrigger(ctx context.Context, trigger Trigger) (bool, error) {
	if trigger.EventKey == "" || trigger.RepoID == "" {
		return false, errors.New("event_key and repo_id required")
	}

	_, err := s.db.ExecContext(ctx, `
INSERT INTO remediation_triggers (id, event_key, event_type, repo_id, pr_number, head_sha)
VALUES ($1, $2, $3, $4, $5, $6)
`, trigger.ID, trigger.EventKey, trigger.EventType, trigger.RepoID, trigger.PRNumber, trigger.HeadSHA)
	if err != nil {
		if isUniqueViolation(err) {
			return false, nil
		}
		return false, err
	}
	return true, nil
}
