package remediation

import (
	"context"
	"fmt"

	"github.com/pullmend/pullmend/evidence"
	"github.com/pullmend/pullmend/registry"
)

type fakeSource struct {
	pr      evidence.PullRequest
	prErr   error
	checks  []evidence.CheckEvidence
	runs    []evidence.WorkflowRun
	jobs    []evidence.JobEvidence
	logs    map[int64]string
	reviews []evidence.ReviewEvidence

	pollResponses []pollResponse
	pollIndex     int
}

type pollResponse struct {
	checks  []evidence.CheckEvidence
	reviews []evidence.ReviewEvidence
	err     error
}

func (f *fakeSource) PullRequest(ctx context.Context, owner, repo string, number int) (evidence.PullRequest, error) {
	if f.prErr != nil {
		return evidence.PullRequest{}, f.prErr
	}
	return f.pr, nil
}

func (f *fakeSource) ListCheckRuns(ctx context.Context, owner, repo, ref string) ([]evidence.CheckEvidence, error) {
	if len(f.pollResponses) > 0 {
		resp := f.currentPoll()
		if resp.err != nil {
			f.advancePoll()
			return nil, resp.err
		}
		return resp.checks, nil
	}
	return f.checks, nil
}

func (f *fakeSource) ListWorkflowRuns(ctx context.Context, owner, repo, headSHA string) ([]evidence.WorkflowRun, error) {
	return f.runs, nil
}

func (f *fakeSource) ListWorkflowJobs(ctx context.Context, owner, repo string, runID int64) ([]evidence.JobEvidence, error) {
	return f.jobs, nil
}

func (f *fakeSource) JobLog(ctx context.Context, owner, repo string, jobID int64, maxBytes int64) ([]byte, error) {
	log, ok := f.logs[jobID]
	if !ok {
		return nil, fmt.Errorf("%w: job %d log", evidence.ErrNotFound, jobID)
	}
	if int64(len(log)) > maxBytes {
		log = log[int64(len(log))-maxBytes:]
	}
	return []byte(log), nil
}

func (f *fakeSource) ListReviews(ctx context.Context, owner, repo string, prNumber int) ([]evidence.ReviewEvidence, error) {
	if len(f.pollResponses) > 0 {
		resp := f.currentPoll()
		f.advancePoll()
		if resp.err != nil {
			return nil, resp.err
		}
		return resp.reviews, nil
	}
	return f.reviews, nil
}

// currentPoll returns the scripted response for the in-flight poll.
// ListReviews is the last fetch of a poll cycle, so it advances the script.
func (f *fakeSource) currentPoll() pollResponse {
	idx := f.pollIndex
	if idx >= len(f.pollResponses) {
		idx = len(f.pollResponses) - 1
	}
	return f.pollResponses[idx]
}

func (f *fakeSource) advancePoll() {
	if f.pollIndex < len(f.pollResponses)-1 {
		f.pollIndex++
	}
}

type fakeRegistry struct {
	entries map[string]registry.Entry
	err     error
}

func (f *fakeRegistry) Lookup(ctx context.Context, repoID, action string) (registry.Entry, error) {
	if f.err != nil {
		return registry.Entry{}, f.err
	}
	entry, ok := f.entries[repoID+"/"+action]
	if !ok {
		return registry.Entry{}, fmt.Errorf("%w: %s", registry.ErrNoRegistry, repoID)
	}
	return entry, nil
}

type fakeTrigger struct {
	rerun  []int64
	failID int64
}

func (f *fakeTrigger) RerunJob(ctx context.Context, owner, repo string, jobID int64) error {
	if f.failID != 0 && jobID == f.failID {
		return fmt.Errorf("upstream 502")
	}
	f.rerun = append(f.rerun, jobID)
	return nil
}

type fakeMergeAPI struct {
	commitSHA     string
	mergeErr      error
	merged        bool
	deletedBranch string
	deleteErr     error
}

func (f *fakeMergeAPI) MergePullRequest(ctx context.Context, owner, repo string, prNumber int, method, headSHA string) (string, error) {
	if f.mergeErr != nil {
		return "", f.mergeErr
	}
	f.merged = true
	return f.commitSHA, nil
}

func (f *fakeMergeAPI) DeleteBranch(ctx context.Context, owner, repo, branch string) error {
	if f.deleteErr != nil {
		return f.deleteErr
	}
	f.deletedBranch = branch
	return nil
}

type fakeRequester struct {
	requested []string
}

func (f *fakeRequester) RequestReviewers(ctx context.Context, owner, repo string, prNumber int, reviewers []string) error {
	f.requested = append(f.requested, reviewers...)
	return nil
}

func boolPtr(v bool) *bool { return &v }

func intPtr(v int) *int { return &v }
