package github

import (
	"crypto/hmac"
	"crypto/sha1"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
)

const (
	EventPing              = "ping"
	EventCheckSuite        = "check_suite"
	EventPullRequestReview = "pull_request_review"
)

// RemediationEvent captures normalized webhook data used to kick a
// remediation pass for a pull request.
type RemediationEvent struct {
	EventType string
	RepoID    string
	RepoOwner string
	RepoName  string
	PRNumber  int
	HeadSHA   string
	// WorkflowRunID is set for check_suite events when derivable, 0 otherwise.
	WorkflowRunID int64
}

// VerifySignature checks a GitHub webhook signature header against the payload.
func VerifySignature(secret string, body []byte, signatureHeader string) (bool, error) {
	if secret == "" {
		return false, errors.New("webhook secret is empty")
	}
	if signatureHeader == "" {
		return false, errors.New("signature header missing")
	}

	parts := strings.SplitN(signatureHeader, "=", 2)
	if len(parts) != 2 {
		return false, errors.New("signature header malformed")
	}
	algo := parts[0]
	sigHex := parts[1]
	sigBytes, err := hex.DecodeString(sigHex)
	if err != nil {
		return false, fmt.Errorf("signature hex decode failed: %w", err)
	}

	var mac []byte
	switch algo {
	case "sha1":
		h := hmac.New(sha1.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	case "sha256":
		h := hmac.New(sha256.New, []byte(secret))
		_, _ = h.Write(body)
		mac = h.Sum(nil)
	default:
		return false, fmt.Errorf("unsupported signature algorithm %q", algo)
	}

	return hmac.Equal(mac, sigBytes), nil
}

// NormalizeEvent parses a webhook payload into a remediation event. The
// boolean result indicates whether the event should trigger a pass: only
// failed check suites and submitted reviews do.
func NormalizeEvent(eventType string, body []byte) (RemediationEvent, bool, error) {
	switch eventType {
	case EventPing:
		return RemediationEvent{}, false, nil
	case EventCheckSuite:
		return normalizeCheckSuite(body)
	case EventPullRequestReview:
		return normalizeReview(body)
	default:
		return RemediationEvent{}, false, nil
	}
}

// ComputeEventKey derives a deterministic idempotency key for webhook events.
func ComputeEventKey(repoID, headSHA, eventType string, prNumber int) (string, error) {
	if repoID == "" || headSHA == "" || eventType == "" {
		return "", errors.New("repo_id, head_sha, and event_type required")
	}
	payload := fmt.Sprintf("%s|%s|%s|%d", repoID, headSHA, eventType, prNumber)
	sum := sha256.Sum256([]byte(payload))
	return hex.EncodeToString(sum[:]), nil
}

type repoRef struct {
	FullName string `json:"full_name"`
	Name     string `json:"name"`
	Owner    struct {
		Login string `json:"login"`
	} `json:"owner"`
}

type checkSuiteEvent struct {
	Action     string `json:"action"`
	CheckSuite struct {
		HeadSHA      string  `json:"head_sha"`
		Conclusion   *string `json:"conclusion"`
		PullRequests []struct {
			Number int `json:"number"`
		} `json:"pull_requests"`
	} `json:"check_suite"`
	Repository repoRef `json:"repository"`
}

func normalizeCheckSuite(body []byte) (RemediationEvent, bool, error) {
	var evt checkSuiteEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return RemediationEvent{}, false, fmt.Errorf("decode check_suite event: %w", err)
	}
	if evt.Action != "completed" || evt.CheckSuite.HeadSHA == "" {
		return RemediationEvent{}, false, nil
	}
	// Green suites need no remediation.
	if evt.CheckSuite.Conclusion == nil || *evt.CheckSuite.Conclusion == "success" || *evt.CheckSuite.Conclusion == "neutral" {
		return RemediationEvent{}, false, nil
	}
	if len(evt.CheckSuite.PullRequests) == 0 {
		return RemediationEvent{}, false, nil
	}
	owner, name, repoID := normalizeRepo(evt.Repository)
	if owner == "" || name == "" || repoID == "" {
		return RemediationEvent{}, false, errors.New("check_suite event missing repository metadata")
	}
	return RemediationEvent{
		EventType: EventCheckSuite,
		RepoID:    repoID,
		RepoOwner: owner,
		RepoName:  name,
		PRNumber:  evt.CheckSuite.PullRequests[0].Number,
		HeadSHA:   evt.CheckSuite.HeadSHA,
	}, true, nil
}

type reviewEvent struct {
	Action string `json:"action"`
	Review struct {
		State string `json:"state"`
	} `json:"review"`
	PullRequest struct {
		Number int `json:"number"`
		Head   struct {
			SHA string `json:"sha"`
		} `json:"head"`
	} `json:"pull_request"`
	Repository repoRef `json:"repository"`
}

func normalizeReview(body []byte) (RemediationEvent, bool, error) {
	var evt reviewEvent
	if err := json.Unmarshal(body, &evt); err != nil {
		return RemediationEvent{}, false, fmt.Errorf("decode pull_request_review event: %w", err)
	}
	if evt.Action != "submitted" || evt.PullRequest.Number <= 0 || evt.PullRequest.Head.SHA == "" {
		return RemediationEvent{}, false, nil
	}
	owner, name, repoID := normalizeRepo(evt.Repository)
	if owner == "" || name == "" || repoID == "" {
		return RemediationEvent{}, false, errors.New("pull_request_review event missing repository metadata")
	}
	return RemediationEvent{
		EventType: EventPullRequestReview,
		RepoID:    repoID,
		RepoOwner: owner,
		RepoName:  name,
		PRNumber:  evt.PullRequest.Number,
		HeadSHA:   evt.PullRequest.Head.SHA,
	}, true, nil
}

func normalizeRepo(repo repoRef) (owner string, name string, repoID string) {
	owner = strings.TrimSpace(repo.Owner.Login)
	name = strings.TrimSpace(repo.Name)
	repoID = strings.TrimSpace(repo.FullName)
	if repoID == "" && owner != "" && name != "" {
		repoID = owner + "/" + name
	}
	if (owner == "" || name == "") && repoID != "" {
		parts := strings.SplitN(repoID, "/", 2)
		if len(parts) == 2 {
			if owner == "" {
				owner = parts[0]
			}
			if name == "" {
				name = parts[1]
			}
		}
	}
	return owner, name, repoID
}
