package github

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/pullmend/pullmend/internal/observability"
	"github.com/pullmend/pullmend/state"
)

// DecisionReporter publishes the latest remediation decision to a single
// PR comment, created once and updated in place afterwards.
type DecisionReporter struct {
	store  *state.Store
	client *Client
	logger *slog.Logger
}

// NewDecisionReporter builds a PR-comment decision reporter.
func NewDecisionReporter(store *state.Store, client *Client, logger *slog.Logger) *DecisionReporter {
	if logger == nil {
		logger = observability.NewLogger("reporter.github")
	}
	return &DecisionReporter{
		store:  store,
		client: client,
		logger: logger,
	}
}

// ReportDecision creates or updates the decision comment for a PR.
func (r *DecisionReporter) ReportDecision(ctx context.Context, owner, repo string, prNumber int, decision, summary string) error {
	if r == nil || r.store == nil {
		return nil
	}
	if r.client == nil {
		return errors.New("github client not configured")
	}
	repoID := owner + "/" + repo

	existing, err := r.store.GetDecisionComment(ctx, repoID, prNumber)
	if err != nil && !errors.Is(err, state.ErrNotFound) {
		return err
	}

	body := buildDecisionComment(repoID, prNumber, decision, summary)

	commentID := existing.CommentID
	if commentID == nil {
		resp, err := r.client.CreateComment(ctx, owner, repo, prNumber, body)
		if err != nil {
			r.logger.Warn("decision comment create failed", "event", "decision_comment_create_failed", "repo_id", repoID, "pr_number", prNumber, "error", err)
			return err
		}
		value := fmt.Sprintf("%d", resp.ID)
		commentID = &value
	} else {
		_, err := r.client.UpdateComment(ctx, owner, repo, *commentID, body)
		if err != nil {
			if IsNotFound(err) {
				resp, createErr := r.client.CreateComment(ctx, owner, repo, prNumber, body)
				if createErr != nil {
					r.logger.Warn("decision comment create failed", "event", "decision_comment_create_failed", "repo_id", repoID, "pr_number", prNumber, "error", createErr)
					return createErr
				}
				value := fmt.Sprintf("%d", resp.ID)
				commentID = &value
			} else {
				r.logger.Warn("decision comment update failed", "event", "decision_comment_update_failed", "repo_id", repoID, "pr_number", prNumber, "error", err)
				return err
			}
		}
	}

	_, err = r.store.UpsertDecisionComment(ctx, state.DecisionComment{
		RepoID:       repoID,
		PRNumber:     prNumber,
		CommentID:    commentID,
		LastDecision: decision,
	})
	if err != nil {
		return err
	}

	r.logger.Info("decision comment updated", "event", "decision_comment_updated", "repo_id", repoID, "pr_number", prNumber, "decision", decision)
	return nil
}

func buildDecisionComment(repoID string, prNumber int, decision, summary string) string {
	var b strings.Builder
	fmt.Fprintf(&b, "<!-- pullmend pr:%s#%d -->\n", repoID, prNumber)
	b.WriteString("## Remediation Status\n\n")
	fmt.Fprintf(&b, "Decision: `%s`\n\n", sanitizeLine(decision))
	if summary != "" {
		b.WriteString(summary)
		if !strings.HasSuffix(summary, "\n") {
			b.WriteString("\n")
		}
	}
	b.WriteString("\nUpdated: ")
	b.WriteString(time.Now().UTC().Format(time.RFC3339))
	return b.String()
}

func sanitizeLine(value string) string {
	value = strings.ReplaceAll(value, "\n", " ")
	value = strings.ReplaceAll(value, "\r", " ")
	return strings.TrimSpace(value)
}
