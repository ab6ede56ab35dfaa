package state

import (
	"context"
	"database/sql"
	"errors"
	"time"
)

// JobAttempt records one rerun dispatched for a failing job.
type JobAttempt struct {
	ID            string    `json:"id"`
	SessionID     string    `json:"session_id"`
	RepoID        string    `json:"repo_id"`
	PRNumber      int       `json:"pr_number"`
	JobID         int64     `json:"job_id"`
	JobName       string    `json:"job_name"`
	CorrelationID string    `json:"correlation_id"`
	CreatedAt     time.Time `json:"created_at"`
}

// AttemptCounts aggregates the rerun history for a PR. JobAttempts holds the
// per-job counts keyed by job name; TotalAttempts sums them.
type AttemptCounts struct {
	JobAttempts   map[string]int
	TotalAttempts int
}

// MaxJobAttempts returns the highest per-job count, 0 when no job has been retried.
func (c AttemptCounts) MaxJobAttempts() int {
	max := 0
	for _, n := range c.JobAttempts {
		if n > max {
			max = n
		}
	}
	return max
}

// RecordJobAttempt appends a rerun attempt for a job.
func (s *Store) RecordJobAttempt(ctx context.Context, attempt JobAttempt) (JobAttempt, error) {
	if attempt.RepoID == "" || attempt.PRNumber <= 0 || attempt.JobName == "" {
		return JobAttempt{}, errors.New("repo_id, pr_number, and job_name required")
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO pr_attempts (id, session_id, repo_id, pr_number, job_id, job_name, correlation_id)
VALUES ($1, $2, $3, $4, $5, $6, $7)
RETURNING created_at
`, attempt.ID, attempt.SessionID, attempt.RepoID, attempt.PRNumber, attempt.JobID, attempt.JobName, attempt.CorrelationID).Scan(&attempt.CreatedAt)
	if err != nil {
		return JobAttempt{}, err
	}
	return attempt, nil
}

// CountAttempts returns per-job and total rerun counts for a PR.
func (s *Store) CountAttempts(ctx context.Context, repoID string, prNumber int) (AttemptCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
SELECT job_name, COUNT(*)
FROM pr_attempts
WHERE repo_id = $1 AND pr_number = $2
GROUP BY job_name
`, repoID, prNumber)
	if err != nil {
		return AttemptCounts{}, err
	}
	defer rows.Close()

	counts := AttemptCounts{JobAttempts: make(map[string]int)}
	for rows.Next() {
		var jobName string
		var n int
		if err := rows.Scan(&jobName, &n); err != nil {
			return AttemptCounts{}, err
		}
		counts.JobAttempts[jobName] = n
		counts.TotalAttempts += n
	}
	return counts, rows.Err()
}

// FailureSignal is one recorded fingerprint of a failing check for a PR head.
type FailureSignal struct {
	ID          string    `json:"id"`
	RepoID      string    `json:"repo_id"`
	PRNumber    int       `json:"pr_number"`
	HeadSHA     string    `json:"head_sha"`
	CheckName   string    `json:"check_name"`
	Fingerprint string    `json:"fingerprint"`
	CreatedAt   time.Time `json:"created_at"`
}

// RecordFailureSignal appends a failure fingerprint observation.
func (s *Store) RecordFailureSignal(ctx context.Context, signal FailureSignal) (FailureSignal, error) {
	if signal.RepoID == "" || signal.PRNumber <= 0 || signal.Fingerprint == "" {
		return FailureSignal{}, errors.New("repo_id, pr_number, and fingerprint required")
	}

	err := s.db.QueryRowContext(ctx, `
INSERT INTO failure_signals (id, repo_id, pr_number, head_sha, check_name, fingerprint)
VALUES ($1, $2, $3, $4, $5, $6)
RETURNING created_at
`, signal.ID, signal.RepoID, signal.PRNumber, signal.HeadSHA, signal.CheckName, signal.Fingerprint).Scan(&signal.CreatedAt)
	if err != nil {
		return FailureSignal{}, err
	}
	return signal, nil
}

// RecentFailureSignals lists the newest fingerprints for a PR, newest first.
func (s *Store) RecentFailureSignals(ctx context.Context, repoID string, prNumber, limit int) ([]FailureSignal, error) {
	if limit <= 0 {
		limit = 10
	}
	rows, err := s.db.QueryContext(ctx, `
SELECT id, repo_id, pr_number, head_sha, check_name, fingerprint, created_at
FROM failure_signals
WHERE repo_id = $1 AND pr_number = $2
ORDER BY created_at DESC
LIMIT $3
`, repoID, prNumber, limit)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var signals []FailureSignal
	for rows.Next() {
		var signal FailureSignal
		if err := rows.Scan(&signal.ID, &signal.RepoID, &signal.PRNumber, &signal.HeadSHA, &signal.CheckName, &signal.Fingerprint, &signal.CreatedAt); err != nil {
			return nil, err
		}
		signals = append(signals, signal)
	}
	return signals, rows.Err()
}

// FirstSignalAt returns when a fingerprint was first observed for a PR.
func (s *Store) FirstSignalAt(ctx context.Context, repoID string, prNumber int, fingerprint string) (time.Time, error) {
	// MIN over zero rows yields NULL rather than sql.ErrNoRows.
	var first sql.NullTime
	err := s.db.QueryRowContext(ctx, `
SELECT MIN(created_at)
FROM failure_signals
WHERE repo_id = $1 AND pr_number = $2 AND fingerprint = $3
`, repoID, prNumber, fingerprint).Scan(&first)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return time.Time{}, ErrNotFound
		}
		return time.Time{}, err
	}
	if !first.Valid {
		return time.Time{}, ErrNotFound
	}
	return first.Time, nil
}
