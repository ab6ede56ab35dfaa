package state

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"time"
)

// DecisionComment tracks the single PR comment holding the latest
// remediation decision, so repeated passes edit instead of re-posting.
type DecisionComment struct {
	RepoID       string    `json:"repo_id"`
	PRNumber     int       `json:"pr_number"`
	CommentID    *string   `json:"comment_id"`
	LastDecision string    `json:"last_decision"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// GetDecisionComment returns the tracked comment for a PR.
func (s *Store) GetDecisionComment(ctx context.Context, repoID string, prNumber int) (DecisionComment, error) {
	var comment DecisionComment
	err := s.db.QueryRowContext(ctx, `
SELECT repo_id, pr_number, comment_id, last_decision, updated_at
FROM decision_comments
WHERE repo_id = $1 AND pr_number = $2
`, repoID, prNumber).Scan(
		&comment.RepoID,
		&comment.PRNumber,
		&comment.CommentID,
		&comment.LastDecision,
		&comment.UpdatedAt,
	)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return DecisionComment{}, fmt.Errorf("%w: decision comment %s#%d", ErrNotFound, repoID, prNumber)
		}
		return DecisionComment{}, err
	}
	return comment, nil
}

// UpsertDecisionComment stores or replaces the tracked comment for a PR.
func (s *Store) UpsertDecisionComment(ctx context.Context, comment DecisionComment) (DecisionComment, error) {
	if comment.RepoID == "" || comment.PRNumber <= 0 {
		return DecisionComment{}, errors.New("repo_id and pr_number required")
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO decision_comments (repo_id, pr_number, comment_id, last_decision, updated_at)
VALUES ($1, $2, $3, $4, NOW())
ON CONFLICT (repo_id, pr_number) DO UPDATE
SET comment_id = EXCLUDED.comment_id,
    last_decision = EXCLUDED.last_decision,
    updated_at = NOW()
RETURNING updated_at
`, comment.RepoID, comment.PRNumber, comment.CommentID, comment.LastDecision).Scan(&comment.UpdatedAt)
	if err != nil {
		return DecisionComment{}, err
	}
	return comment, nil
}
