package github

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"strings"
	"time"

	"github.com/pullmend/pullmend/evidence"
)

const defaultBaseURL = "https://api.github.com"

// APIError captures non-2xx responses from GitHub.
type APIError struct {
	StatusCode int
	Message    string
}

func (e *APIError) Error() string {
	return fmt.Sprintf("github api error: status=%d message=%s", e.StatusCode, e.Message)
}

// Client is a GitHub API client covering the evidence reads and the
// mutations (rerun, review request, merge) used by the control loop.
// It implements evidence.Source.
type Client struct {
	BaseURL    string
	Tokens     TokenProvider
	HTTPClient *http.Client
	UserAgent  string
}

// NewClient constructs a client authenticated with a static token.
func NewClient(token string) *Client {
	return NewAppClient(StaticTokenProvider(token))
}

// NewAppClient constructs a client backed by a token provider, typically
// a GitHub App installation token.
func NewAppClient(tokens TokenProvider) *Client {
	return &Client{
		BaseURL:    defaultBaseURL,
		Tokens:     tokens,
		HTTPClient: &http.Client{Timeout: 15 * time.Second},
		UserAgent:  "pullmend",
	}
}

// StaticTokenProvider returns a fixed token.
type StaticTokenProvider string

func (p StaticTokenProvider) Token(ctx context.Context) (string, error) {
	if p == "" {
		return "", errors.New("github token missing")
	}
	return string(p), nil
}

type prPayload struct {
	Number int    `json:"number"`
	State  string `json:"state"`
	Draft  bool   `json:"draft"`
	Merged bool   `json:"merged"`
	// GitHub computes mergeability lazily; null means still computing.
	Mergeable *bool `json:"mergeable"`
	Labels    []struct {
		Name string `json:"name"`
	} `json:"labels"`
	Head struct {
		SHA string `json:"sha"`
		Ref string `json:"ref"`
	} `json:"head"`
	Base struct {
		Ref string `json:"ref"`
	} `json:"base"`
	HTMLURL string `json:"html_url"`
	Title   string `json:"title"`
}

// PullRequest fetches PR metadata.
func (c *Client) PullRequest(ctx context.Context, owner, repo string, number int) (evidence.PullRequest, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d", owner, repo, number)
	var payload prPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return evidence.PullRequest{}, classifyEvidenceErr(err)
	}

	labels := make([]string, 0, len(payload.Labels))
	for _, label := range payload.Labels {
		labels = append(labels, label.Name)
	}
	return evidence.PullRequest{
		Number:    payload.Number,
		State:     payload.State,
		Draft:     payload.Draft,
		Mergeable: payload.Mergeable,
		Labels:    labels,
		HeadSHA:   payload.Head.SHA,
		HeadRef:   payload.Head.Ref,
		BaseRef:   payload.Base.Ref,
		HTMLURL:   payload.HTMLURL,
		Title:     payload.Title,
	}, nil
}

type checkRunsPayload struct {
	CheckRuns []struct {
		ID          int64      `json:"id"`
		Name        string     `json:"name"`
		Status      string     `json:"status"`
		Conclusion  *string    `json:"conclusion"`
		CompletedAt *time.Time `json:"completed_at"`
		HTMLURL     string     `json:"html_url"`
	} `json:"check_runs"`
}

// ListCheckRuns fetches check runs for a commit ref.
func (c *Client) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]evidence.CheckEvidence, error) {
	path := fmt.Sprintf("/repos/%s/%s/commits/%s/check-runs?per_page=100", owner, repo, url.PathEscape(ref))
	var payload checkRunsPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, classifyEvidenceErr(err)
	}

	checks := make([]evidence.CheckEvidence, 0, len(payload.CheckRuns))
	for _, run := range payload.CheckRuns {
		check := evidence.CheckEvidence{
			ID:          run.ID,
			Name:        run.Name,
			Status:      evidence.CheckStatus(run.Status),
			CompletedAt: run.CompletedAt,
			URL:         run.HTMLURL,
		}
		if run.Conclusion != nil {
			check.Conclusion = evidence.CheckConclusion(*run.Conclusion)
		}
		checks = append(checks, check)
	}
	return checks, nil
}

type workflowRunsPayload struct {
	WorkflowRuns []struct {
		ID         int64   `json:"id"`
		Name       string  `json:"name"`
		Status     string  `json:"status"`
		Conclusion *string `json:"conclusion"`
		RunAttempt int     `json:"run_attempt"`
		HeadSHA    string  `json:"head_sha"`
	} `json:"workflow_runs"`
}

// ListWorkflowRuns fetches workflow runs for a head SHA.
func (c *Client) ListWorkflowRuns(ctx context.Context, owner, repo, headSHA string) ([]evidence.WorkflowRun, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs?head_sha=%s&per_page=100", owner, repo, url.QueryEscape(headSHA))
	var payload workflowRunsPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, classifyEvidenceErr(err)
	}

	runs := make([]evidence.WorkflowRun, 0, len(payload.WorkflowRuns))
	for _, run := range payload.WorkflowRuns {
		wr := evidence.WorkflowRun{
			ID:      run.ID,
			Name:    run.Name,
			Status:  evidence.CheckStatus(run.Status),
			Attempt: run.RunAttempt,
			HeadSHA: run.HeadSHA,
		}
		if run.Conclusion != nil {
			wr.Conclusion = evidence.CheckConclusion(*run.Conclusion)
		}
		runs = append(runs, wr)
	}
	return runs, nil
}

type workflowJobsPayload struct {
	Jobs []struct {
		ID         int64   `json:"id"`
		RunID      int64   `json:"run_id"`
		Name       string  `json:"name"`
		Status     string  `json:"status"`
		Conclusion *string `json:"conclusion"`
		RunAttempt int     `json:"run_attempt"`
		HTMLURL    string  `json:"html_url"`
		Steps      []struct {
			Name       string  `json:"name"`
			Conclusion *string `json:"conclusion"`
			Number     int     `json:"number"`
		} `json:"steps"`
	} `json:"jobs"`
}

// ListWorkflowJobs fetches the latest-attempt jobs of a workflow run.
func (c *Client) ListWorkflowJobs(ctx context.Context, owner, repo string, runID int64) ([]evidence.JobEvidence, error) {
	path := fmt.Sprintf("/repos/%s/%s/actions/runs/%d/jobs?filter=latest&per_page=100", owner, repo, runID)
	var payload workflowJobsPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, classifyEvidenceErr(err)
	}

	jobs := make([]evidence.JobEvidence, 0, len(payload.Jobs))
	for _, job := range payload.Jobs {
		je := evidence.JobEvidence{
			ID:         job.ID,
			RunID:      job.RunID,
			Name:       job.Name,
			Status:     evidence.CheckStatus(job.Status),
			RunAttempt: job.RunAttempt,
			URL:        job.HTMLURL,
		}
		if job.Conclusion != nil {
			je.Conclusion = evidence.CheckConclusion(*job.Conclusion)
		}
		for _, step := range job.Steps {
			se := evidence.StepEvidence{Number: step.Number, Name: step.Name}
			if step.Conclusion != nil {
				se.Conclusion = evidence.CheckConclusion(*step.Conclusion)
			}
			je.Steps = append(je.Steps, se)
		}
		jobs = append(jobs, je)
	}
	return jobs, nil
}

// JobLog streams a job log and returns at most the final maxBytes bytes.
// The tail is kept because failures surface at the end of a log.
func (c *Client) JobLog(ctx context.Context, owner, repo string, jobID int64, maxBytes int64) ([]byte, error) {
	if maxBytes <= 0 {
		return nil, errors.New("maxBytes must be > 0")
	}
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/logs", owner, repo, jobID)

	resp, err := c.do(ctx, http.MethodGet, path, nil)
	if err != nil {
		return nil, classifyEvidenceErr(err)
	}
	defer resp.Body.Close()

	tail := make([]byte, 0, maxBytes)
	buf := make([]byte, 32*1024)
	for {
		n, readErr := resp.Body.Read(buf)
		if n > 0 {
			tail = append(tail, buf[:n]...)
			if int64(len(tail)) > maxBytes {
				tail = tail[int64(len(tail))-maxBytes:]
			}
		}
		if readErr == io.EOF {
			break
		}
		if readErr != nil {
			return nil, readErr
		}
	}
	return tail, nil
}

type reviewPayload struct {
	ID   int64 `json:"id"`
	User struct {
		Login string `json:"login"`
	} `json:"user"`
	State       string     `json:"state"`
	SubmittedAt *time.Time `json:"submitted_at"`
	HTMLURL     string     `json:"html_url"`
}

// ListReviews fetches all reviews submitted on a pull request.
func (c *Client) ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]evidence.ReviewEvidence, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/reviews?per_page=100", owner, repo, prNumber)
	var payload []reviewPayload
	if err := c.doJSON(ctx, http.MethodGet, path, nil, &payload); err != nil {
		return nil, classifyEvidenceErr(err)
	}

	reviews := make([]evidence.ReviewEvidence, 0, len(payload))
	for _, review := range payload {
		reviews = append(reviews, evidence.ReviewEvidence{
			ID:          review.ID,
			Reviewer:    review.User.Login,
			State:       evidence.ReviewState(review.State),
			SubmittedAt: review.SubmittedAt,
			URL:         review.HTMLURL,
		})
	}
	return reviews, nil
}

// RerunJob triggers a rerun of a single workflow job.
func (c *Client) RerunJob(ctx context.Context, owner, repo string, jobID int64) error {
	path := fmt.Sprintf("/repos/%s/%s/actions/jobs/%d/rerun", owner, repo, jobID)
	return c.doJSON(ctx, http.MethodPost, path, struct{}{}, nil)
}

type requestReviewersPayload struct {
	Reviewers []string `json:"reviewers"`
}

// RequestReviewers asks the given users for review. Re-requesting an
// existing reviewer is a no-op upstream.
func (c *Client) RequestReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error {
	if len(reviewers) == 0 {
		return nil
	}
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/requested_reviewers", owner, repo, prNumber)
	return c.doJSON(ctx, http.MethodPost, path, requestReviewersPayload{Reviewers: reviewers}, nil)
}

type mergePayload struct {
	MergeMethod string `json:"merge_method,omitempty"`
	SHA         string `json:"sha,omitempty"`
}

type mergeResponse struct {
	SHA     string `json:"sha"`
	Merged  bool   `json:"merged"`
	Message string `json:"message"`
}

// MergePullRequest merges a PR with the given method and returns the merge
// commit SHA. headSHA, when non-empty, guards against racing pushes.
func (c *Client) MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method, headSHA string) (string, error) {
	path := fmt.Sprintf("/repos/%s/%s/pulls/%d/merge", owner, repo, prNumber)
	var resp mergeResponse
	if err := c.doJSON(ctx, http.MethodPut, path, mergePayload{MergeMethod: method, SHA: headSHA}, &resp); err != nil {
		return "", err
	}
	if !resp.Merged {
		return "", fmt.Errorf("github refused merge: %s", resp.Message)
	}
	return resp.SHA, nil
}

// DeleteBranch removes a head branch after merge.
func (c *Client) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	path := fmt.Sprintf("/repos/%s/%s/git/refs/heads/%s", owner, repo, url.PathEscape(branch))
	return c.doJSON(ctx, http.MethodDelete, path, nil, nil)
}

// CommentResponse captures the comment ID.
type CommentResponse struct {
	ID int64 `json:"id"`
}

type commentRequest struct {
	Body string `json:"body"`
}

func (c *Client) CreateComment(ctx context.Context, owner, repo string, prNumber int, body string) (CommentResponse, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/%d/comments", owner, repo, prNumber)
	var resp CommentResponse
	if err := c.doJSON(ctx, http.MethodPost, path, commentRequest{Body: body}, &resp); err != nil {
		return CommentResponse{}, err
	}
	return resp, nil
}

func (c *Client) UpdateComment(ctx context.Context, owner, repo, commentID string, body string) (CommentResponse, error) {
	path := fmt.Sprintf("/repos/%s/%s/issues/comments/%s", owner, repo, commentID)
	var resp CommentResponse
	if err := c.doJSON(ctx, http.MethodPatch, path, commentRequest{Body: body}, &resp); err != nil {
		return CommentResponse{}, err
	}
	return resp, nil
}

func (c *Client) doJSON(ctx context.Context, method, path string, payload any, out any) error {
	var body io.Reader
	if payload != nil {
		data, err := json.Marshal(payload)
		if err != nil {
			return err
		}
		body = bytes.NewReader(data)
	}

	resp, err := c.do(ctx, method, path, body)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if out != nil {
		if err := json.Unmarshal(respBody, out); err != nil {
			return err
		}
	}
	return nil
}

func (c *Client) do(ctx context.Context, method, path string, body io.Reader) (*http.Response, error) {
	if c == nil {
		return nil, errors.New("github client is nil")
	}
	if c.Tokens == nil {
		return nil, errors.New("github token provider missing")
	}
	token, err := c.Tokens.Token(ctx)
	if err != nil {
		return nil, err
	}

	base := strings.TrimRight(c.BaseURL, "/")
	req, err := http.NewRequestWithContext(ctx, method, base+path, body)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/vnd.github+json")
	req.Header.Set("Authorization", "Bearer "+token)
	req.Header.Set("User-Agent", c.UserAgent)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	client := c.HTTPClient
	if client == nil {
		client = http.DefaultClient
	}
	resp, err := client.Do(req)
	if err != nil {
		return nil, err
	}
	if resp.StatusCode < 200 || resp.StatusCode >= 300 {
		respBody, _ := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
		resp.Body.Close()
		return nil, &APIError{StatusCode: resp.StatusCode, Message: string(respBody)}
	}
	return resp, nil
}

// classifyEvidenceErr maps upstream status codes onto the evidence error
// taxonomy so callers can distinguish not-found from access-denied.
func classifyEvidenceErr(err error) error {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		switch apiErr.StatusCode {
		case http.StatusNotFound, http.StatusGone:
			return fmt.Errorf("%w: %w", evidence.ErrNotFound, err)
		case http.StatusUnauthorized, http.StatusForbidden:
			return fmt.Errorf("%w: %w", evidence.ErrAccessDenied, err)
		}
	}
	return err
}

// IsNotFound reports whether the error is an upstream 404.
func IsNotFound(err error) bool {
	var apiErr *APIError
	if errors.As(err, &apiErr) {
		return apiErr.StatusCode == http.StatusNotFound
	}
	return false
}
