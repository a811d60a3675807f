package app

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
	"os"
	"strings"
	"testing"
	"time"

	"atrium/api/internal/config"
	"atrium/api/internal/email"
	"atrium/api/internal/githost"
	"atrium/api/internal/search"
	"atrium/api/internal/store"

	"github.com/rs/zerolog"
)

type fakeStore struct {
	insertSuggestionFn       func(context.Context, store.Suggestion) (store.Suggestion, error)
	getSuggestionFn          func(context.Context, string) (store.Suggestion, error)
	listSuggestionsFn        func(context.Context, store.SuggestionFilter) ([]store.Suggestion, error)
	updateStatusFn           func(context.Context, string, store.SuggestionStatus, []store.SuggestionStatus, store.StatusUpdate) (store.Suggestion, error)
	updateContentFn          func(context.Context, string, store.Suggestion, []store.SuggestionStatus) (store.Suggestion, error)
	softDeleteFn             func(context.Context, string) error
	commitTaskApprovalFn     func(context.Context, store.TaskApproval) (store.Task, store.Suggestion, error)
	commitRejectionFn        func(context.Context, store.Rejection) (store.Suggestion, error)
	listFeedbackFn           func(context.Context, string) ([]store.SuggestionFeedback, error)
	pendingCountsFn          func(context.Context) (store.PendingCounts, error)
	getRepositoryLinkFn      func(context.Context, string) (store.RepositoryLink, error)
}

func (f *fakeStore) InsertSuggestion(ctx context.Context, sg store.Suggestion) (store.Suggestion, error) {
	if f.insertSuggestionFn != nil {
		return f.insertSuggestionFn(ctx, sg)
	}
	sg.ID = "sug_test"
	return sg, nil
}
func (f *fakeStore) GetSuggestion(ctx context.Context, id string) (store.Suggestion, error) {
	if f.getSuggestionFn != nil {
		return f.getSuggestionFn(ctx, id)
	}
	return store.Suggestion{}, sql.ErrNoRows
}
func (f *fakeStore) ListSuggestions(ctx context.Context, filter store.SuggestionFilter) ([]store.Suggestion, error) {
	if f.listSuggestionsFn != nil {
		return f.listSuggestionsFn(ctx, filter)
	}
	return []store.Suggestion{}, nil
}
func (f *fakeStore) UpdateSuggestionStatus(ctx context.Context, id string, status store.SuggestionStatus, allowedFrom []store.SuggestionStatus, update store.StatusUpdate) (store.Suggestion, error) {
	if f.updateStatusFn != nil {
		return f.updateStatusFn(ctx, id, status, allowedFrom, update)
	}
	return store.Suggestion{ID: id, Status: status}, nil
}
func (f *fakeStore) UpdateSuggestionContent(ctx context.Context, id string, sg store.Suggestion, allowedFrom []store.SuggestionStatus) (store.Suggestion, error) {
	if f.updateContentFn != nil {
		return f.updateContentFn(ctx, id, sg, allowedFrom)
	}
	sg.ID = id
	sg.Status = store.StatusModified
	return sg, nil
}
func (f *fakeStore) SoftDeleteSuggestion(ctx context.Context, id string) error {
	if f.softDeleteFn != nil {
		return f.softDeleteFn(ctx, id)
	}
	return nil
}
func (f *fakeStore) CommitTaskApproval(ctx context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
	if f.commitTaskApprovalFn != nil {
		return f.commitTaskApprovalFn(ctx, approval)
	}
	task := approval.Task
	task.ID = "task_test"
	return task, store.Suggestion{ID: approval.SuggestionID, Status: approval.FinalStatus}, nil
}
func (f *fakeStore) CommitRejection(ctx context.Context, rejection store.Rejection) (store.Suggestion, error) {
	if f.commitRejectionFn != nil {
		return f.commitRejectionFn(ctx, rejection)
	}
	return store.Suggestion{ID: rejection.SuggestionID, Status: store.StatusRejected}, nil
}
func (f *fakeStore) ListSuggestionFeedback(ctx context.Context, id string) ([]store.SuggestionFeedback, error) {
	if f.listFeedbackFn != nil {
		return f.listFeedbackFn(ctx, id)
	}
	return []store.SuggestionFeedback{}, nil
}
func (f *fakeStore) PendingSuggestionCounts(ctx context.Context) (store.PendingCounts, error) {
	if f.pendingCountsFn != nil {
		return f.pendingCountsFn(ctx)
	}
	return store.PendingCounts{ByType: map[store.SuggestionType]int{}}, nil
}
func (f *fakeStore) GetRepositoryLink(ctx context.Context, id string) (store.RepositoryLink, error) {
	if f.getRepositoryLinkFn != nil {
		return f.getRepositoryLinkFn(ctx, id)
	}
	return store.RepositoryLink{}, sql.ErrNoRows
}
func (f *fakeStore) MessageSummaries(context.Context, []string) (map[string]store.MessageSummary, error) {
	return map[string]store.MessageSummary{}, nil
}
func (f *fakeStore) ThreadSummaries(context.Context, []string) (map[string]store.ThreadSummary, error) {
	return map[string]store.ThreadSummary{}, nil
}
func (f *fakeStore) ProjectNames(context.Context, []string) (map[string]string, error) {
	return map[string]string{}, nil
}
func (f *fakeStore) RepositoryLinks(context.Context, []string) (map[string]store.RepositoryLink, error) {
	return map[string]store.RepositoryLink{}, nil
}
func (f *fakeStore) TaskSummaries(context.Context, []string) (map[string]store.TaskSummary, error) {
	return map[string]store.TaskSummary{}, nil
}
func (f *fakeStore) Ping(context.Context) error { return nil }

type fakeHost struct {
	branchExistsFn      func(context.Context, string, string, string) (bool, error)
	createBranchFn      func(context.Context, string, string, string, string) error
	createPullRequestFn func(context.Context, string, string, githost.PullRequestOptions) (githost.PullRequest, error)
}

func (f *fakeHost) BranchExists(ctx context.Context, connectionID, fullName, branch string) (bool, error) {
	if f.branchExistsFn != nil {
		return f.branchExistsFn(ctx, connectionID, fullName, branch)
	}
	return true, nil
}
func (f *fakeHost) CreateBranch(ctx context.Context, connectionID, fullName, branch, base string) error {
	if f.createBranchFn != nil {
		return f.createBranchFn(ctx, connectionID, fullName, branch, base)
	}
	return nil
}
func (f *fakeHost) CreatePullRequest(ctx context.Context, connectionID, fullName string, opts githost.PullRequestOptions) (githost.PullRequest, error) {
	if f.createPullRequestFn != nil {
		return f.createPullRequestFn(ctx, connectionID, fullName, opts)
	}
	return githost.PullRequest{Number: 1, URL: "https://example.com/pull/1"}, nil
}

type fakeActivity struct{}

func (fakeActivity) Record(context.Context, store.ActivityEvent) {}

// recordingActivity captures events on a channel so tests can wait for
// the detached emit goroutine.
type recordingActivity struct {
	events chan store.ActivityEvent
}

func newRecordingActivity() *recordingActivity {
	return &recordingActivity{events: make(chan store.ActivityEvent, 4)}
}

func (r *recordingActivity) Record(_ context.Context, event store.ActivityEvent) {
	r.events <- event
}

func (r *recordingActivity) wait(t *testing.T) store.ActivityEvent {
	t.Helper()
	select {
	case event := <-r.events:
		return event
	case <-time.After(2 * time.Second):
		t.Fatal("no activity event recorded")
		return store.ActivityEvent{}
	}
}

type fakeSearch struct {
	searchFn func(search.Query) search.Response
}

func (f *fakeSearch) Search(q search.Query) search.Response {
	if f.searchFn != nil {
		return f.searchFn(q)
	}
	return search.Response{Results: []search.Result{}}
}
func (f *fakeSearch) IndexSuggestion(search.SuggestionRecord) {}
func (f *fakeSearch) DeleteSuggestion(string)                 {}

type fakeCache struct {
	getFn        func(context.Context) (store.PendingCounts, error)
	setFn        func(context.Context, store.PendingCounts) error
	invalidateFn func(context.Context) error
}

func (f *fakeCache) Get(ctx context.Context) (store.PendingCounts, error) {
	if f.getFn != nil {
		return f.getFn(ctx)
	}
	return store.PendingCounts{}, errors.New("miss")
}
func (f *fakeCache) Set(ctx context.Context, counts store.PendingCounts) error {
	if f.setFn != nil {
		return f.setFn(ctx, counts)
	}
	return nil
}
func (f *fakeCache) Invalidate(ctx context.Context) error {
	if f.invalidateFn != nil {
		return f.invalidateFn(ctx)
	}
	return nil
}

type fakeNotifier struct {
	sendFn func([]string, email.CommitFailureData) error
}

func (f *fakeNotifier) IsConfigured() bool { return true }
func (f *fakeNotifier) SendCommitFailureEmail(to []string, data email.CommitFailureData) error {
	if f.sendFn != nil {
		return f.sendFn(to, data)
	}
	return nil
}

func newTestService(fs *fakeStore, fh *fakeHost) *Service {
	return &Service{
		cfg:      config.Config{TokenSecret: "test-secret", AccessTTL: 15 * time.Minute},
		store:    fs,
		host:     fh,
		activity: fakeActivity{},
		search:   &fakeSearch{},
		logger:   zerolog.New(os.Stderr).Level(zerolog.Disabled),
	}
}

func strPtr(s string) *string { return &s }

func taskSuggestion(status store.SuggestionStatus) store.Suggestion {
	projectID := "proj-1"
	return store.Suggestion{
		ID:         "sug-1",
		Type:       store.SuggestionTask,
		Status:     status,
		ProjectID:  &projectID,
		Confidence: 0.9,
		TaskContent: &store.TaskContent{
			Title:       "Follow up with vendor",
			Description: "Reply to the quote before Friday",
		},
	}
}

func prSuggestion(status store.SuggestionStatus) store.Suggestion {
	linkID := "link-1"
	return store.Suggestion{
		ID:               "sug-2",
		Type:             store.SuggestionPR,
		Status:           status,
		RepositoryLinkID: &linkID,
		Confidence:       0.8,
		PRContent: &store.PRContent{
			Title:  "Fix retry backoff",
			Body:   "Caps the retry backoff at 30s",
			Branch: "fix/backoff",
		},
	}
}

func testActor() Actor {
	return Actor{ID: "user-1", Name: "Dana", Role: "reviewer"}
}

func TestApproveTaskWithoutOverrides(t *testing.T) {
	var committed *store.TaskApproval
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitTaskApprovalFn: func(_ context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
			committed = &approval
			task := approval.Task
			task.ID = "task-9"
			return task, store.Suggestion{ID: approval.SuggestionID, Status: approval.FinalStatus}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	result, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{})
	if err != nil {
		t.Fatalf("ApproveSuggestion() error = %v", err)
	}
	if committed == nil {
		t.Fatal("expected CommitTaskApproval to be called")
	}
	if committed.FinalStatus != store.StatusApproved {
		t.Fatalf("expected final status APPROVED, got %s", committed.FinalStatus)
	}
	if len(committed.Feedback) != 0 {
		t.Fatalf("expected no feedback rows without overrides, got %d", len(committed.Feedback))
	}
	if committed.Task.Title != "Follow up with vendor" {
		t.Fatalf("expected suggested title to be used, got %q", committed.Task.Title)
	}
	if committed.Task.Priority != "MEDIUM" || committed.Task.Status != "BACKLOG" {
		t.Fatalf("expected default priority MEDIUM and status BACKLOG, got %s/%s", committed.Task.Priority, committed.Task.Status)
	}
	if result.Task == nil || result.Task.ID != "task-9" {
		t.Fatalf("expected created task in result, got %+v", result.Task)
	}
}

func TestApproveTaskWithTitleOverrideRecordsFeedback(t *testing.T) {
	var committed *store.TaskApproval
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitTaskApprovalFn: func(_ context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
			committed = &approval
			return approval.Task, store.Suggestion{ID: approval.SuggestionID, Status: approval.FinalStatus}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	_, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{
		Modifications: &Modifications{Title: strPtr("Call the vendor instead")},
	})
	if err != nil {
		t.Fatalf("ApproveSuggestion() error = %v", err)
	}
	if committed.FinalStatus != store.StatusModified {
		t.Fatalf("expected final status MODIFIED with an override, got %s", committed.FinalStatus)
	}
	if len(committed.Feedback) != 1 {
		t.Fatalf("expected exactly one feedback row, got %d", len(committed.Feedback))
	}
	fb := committed.Feedback[0]
	if fb.FeedbackType != "title_changed" {
		t.Fatalf("expected title_changed feedback, got %s", fb.FeedbackType)
	}
	if fb.OriginalValue != "Follow up with vendor" || fb.CorrectedValue != "Call the vendor instead" {
		t.Fatalf("unexpected feedback values: %q -> %q", fb.OriginalValue, fb.CorrectedValue)
	}
	if committed.Task.Title != "Call the vendor instead" {
		t.Fatalf("expected override title on task, got %q", committed.Task.Title)
	}
}

func TestApproveTaskDefaultsNeverProduceFeedback(t *testing.T) {
	var committed *store.TaskApproval
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitTaskApprovalFn: func(_ context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
			committed = &approval
			return approval.Task, store.Suggestion{ID: approval.SuggestionID, Status: approval.FinalStatus}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	_, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{
		Modifications: &Modifications{Priority: strPtr("HIGH"), TaskStatus: strPtr("TODO")},
	})
	if err != nil {
		t.Fatalf("ApproveSuggestion() error = %v", err)
	}
	if committed.FinalStatus != store.StatusApproved {
		t.Fatalf("expected APPROVED when only defaults changed, got %s", committed.FinalStatus)
	}
	if len(committed.Feedback) != 0 {
		t.Fatalf("priority and task status have no suggested originals, expected no feedback, got %d", len(committed.Feedback))
	}
	if committed.Task.Priority != "HIGH" || committed.Task.Status != "TODO" {
		t.Fatalf("expected overrides applied to task, got %s/%s", committed.Task.Priority, committed.Task.Status)
	}
}

func TestApproveTaskWithoutProjectFailsBeforeWrite(t *testing.T) {
	sg := taskSuggestion(store.StatusPending)
	sg.ProjectID = nil
	commitCalled := false
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return sg, nil
		},
		commitTaskApprovalFn: func(_ context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
			commitCalled = true
			return store.Task{}, store.Suggestion{}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	_, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR, got %v", err)
	}
	if commitCalled {
		t.Fatal("expected no write when validation fails")
	}
}

func TestApproveFailedSuggestionIsReattemptable(t *testing.T) {
	commitCalled := false
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusFailed), nil
		},
		commitTaskApprovalFn: func(_ context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
			commitCalled = true
			return approval.Task, store.Suggestion{ID: approval.SuggestionID, Status: approval.FinalStatus}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	if _, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{}); err != nil {
		t.Fatalf("expected FAILED suggestion to be approvable, got %v", err)
	}
	if !commitCalled {
		t.Fatal("expected commit to run for a FAILED suggestion")
	}
}

func TestApproveAlreadyDecidedSuggestion(t *testing.T) {
	for _, status := range []store.SuggestionStatus{store.StatusApproved, store.StatusModified, store.StatusRejected} {
		fs := &fakeStore{
			getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
				return taskSuggestion(status), nil
			},
		}
		svc := newTestService(fs, &fakeHost{})

		_, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{})
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "ALREADY_PROCESSED" {
			t.Fatalf("status %s: expected ALREADY_PROCESSED, got %v", status, err)
		}
	}
}

func TestApproveReplySuggestionUnsupported(t *testing.T) {
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return store.Suggestion{
				ID:           "sug-3",
				Type:         store.SuggestionReply,
				Status:       store.StatusPending,
				ReplyContent: &store.ReplyContent{Body: "Thanks, will do"},
			}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	_, err := svc.ApproveSuggestion(context.Background(), "sug-3", testActor(), ApproveSuggestionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "UNSUPPORTED_TYPE" {
		t.Fatalf("expected UNSUPPORTED_TYPE for REPLY, got %v", err)
	}
}

func TestApproveTaskWithMismatchedContent(t *testing.T) {
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			sg := taskSuggestion(store.StatusPending)
			sg.TaskContent = nil
			return sg, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	_, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR on content mismatch, got %v", err)
	}
}

func TestApprovePRCreatesPullRequest(t *testing.T) {
	var prOpts *githost.PullRequestOptions
	var finalUpdate *store.StatusUpdate
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return prSuggestion(store.StatusPending), nil
		},
		getRepositoryLinkFn: func(context.Context, string) (store.RepositoryLink, error) {
			return store.RepositoryLink{ID: "link-1", FullName: "acme/widgets", DefaultBranch: "main", ConnectionID: "conn-1"}, nil
		},
		updateStatusFn: func(_ context.Context, id string, status store.SuggestionStatus, _ []store.SuggestionStatus, update store.StatusUpdate) (store.Suggestion, error) {
			if status != store.StatusApproved {
				t.Fatalf("expected APPROVED status write, got %s", status)
			}
			finalUpdate = &update
			return store.Suggestion{ID: id, Status: status}, nil
		},
	}
	fh := &fakeHost{
		createPullRequestFn: func(_ context.Context, connectionID, fullName string, opts githost.PullRequestOptions) (githost.PullRequest, error) {
			if fullName != "acme/widgets" || connectionID != "conn-1" {
				t.Fatalf("unexpected repo addressing: %s %s", fullName, connectionID)
			}
			prOpts = &opts
			return githost.PullRequest{Number: 42, URL: "https://example.com/acme/widgets/pull/42"}, nil
		},
	}
	svc := newTestService(fs, fh)

	result, err := svc.ApproveSuggestion(context.Background(), "sug-2", testActor(), ApproveSuggestionInput{})
	if err != nil {
		t.Fatalf("ApproveSuggestion() error = %v", err)
	}
	if prOpts == nil || prOpts.Head != "fix/backoff" || prOpts.Base != "main" {
		t.Fatalf("unexpected pull request options: %+v", prOpts)
	}
	if finalUpdate == nil || finalUpdate.PRNumber == nil || *finalUpdate.PRNumber != 42 {
		t.Fatalf("expected PR number 42 on the status write, got %+v", finalUpdate)
	}
	if result.PullRequest == nil || result.PullRequest.Number != 42 {
		t.Fatalf("expected pull request in result, got %+v", result.PullRequest)
	}
}

func TestApprovePRMissingBranchWithoutOptInLeavesStatusUnchanged(t *testing.T) {
	statusWrites := 0
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return prSuggestion(store.StatusPending), nil
		},
		getRepositoryLinkFn: func(context.Context, string) (store.RepositoryLink, error) {
			return store.RepositoryLink{ID: "link-1", FullName: "acme/widgets", DefaultBranch: "main"}, nil
		},
		updateStatusFn: func(_ context.Context, id string, status store.SuggestionStatus, _ []store.SuggestionStatus, _ store.StatusUpdate) (store.Suggestion, error) {
			statusWrites++
			return store.Suggestion{ID: id, Status: status}, nil
		},
	}
	prCalled := false
	fh := &fakeHost{
		branchExistsFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
		createPullRequestFn: func(context.Context, string, string, githost.PullRequestOptions) (githost.PullRequest, error) {
			prCalled = true
			return githost.PullRequest{}, nil
		},
	}
	svc := newTestService(fs, fh)

	_, err := svc.ApproveSuggestion(context.Background(), "sug-2", testActor(), ApproveSuggestionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
		t.Fatalf("expected VALIDATION_ERROR for missing branch, got %v", err)
	}
	if !strings.Contains(domainErr.Message, "fix/backoff") {
		t.Fatalf("expected the branch name in the error, got %q", domainErr.Message)
	}
	if statusWrites != 0 {
		t.Fatalf("expected no status write, got %d", statusWrites)
	}
	if prCalled {
		t.Fatal("expected no pull request attempt")
	}
}

func TestApprovePRCreatesMissingBranchWhenOptedIn(t *testing.T) {
	branchCreated := false
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return prSuggestion(store.StatusPending), nil
		},
		getRepositoryLinkFn: func(context.Context, string) (store.RepositoryLink, error) {
			return store.RepositoryLink{ID: "link-1", FullName: "acme/widgets", DefaultBranch: "develop"}, nil
		},
	}
	fh := &fakeHost{
		branchExistsFn: func(context.Context, string, string, string) (bool, error) {
			return false, nil
		},
		createBranchFn: func(_ context.Context, _, _, branch, base string) error {
			branchCreated = true
			if branch != "fix/backoff" || base != "develop" {
				t.Fatalf("expected branch from repo default, got %s from %s", branch, base)
			}
			return nil
		},
	}
	svc := newTestService(fs, fh)

	_, err := svc.ApproveSuggestion(context.Background(), "sug-2", testActor(), ApproveSuggestionInput{
		Modifications: &Modifications{CreateNewBranch: true},
	})
	if err != nil {
		t.Fatalf("ApproveSuggestion() error = %v", err)
	}
	if !branchCreated {
		t.Fatal("expected branch to be created")
	}
}

func TestApprovePRExternalFailureMarksFailed(t *testing.T) {
	var failedUpdate *store.StatusUpdate
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return prSuggestion(store.StatusPending), nil
		},
		getRepositoryLinkFn: func(context.Context, string) (store.RepositoryLink, error) {
			return store.RepositoryLink{ID: "link-1", FullName: "acme/widgets", DefaultBranch: "main"}, nil
		},
		updateStatusFn: func(_ context.Context, id string, status store.SuggestionStatus, _ []store.SuggestionStatus, update store.StatusUpdate) (store.Suggestion, error) {
			if status != store.StatusFailed {
				t.Fatalf("expected FAILED status write, got %s", status)
			}
			failedUpdate = &update
			return store.Suggestion{ID: id, Status: status}, nil
		},
	}
	fh := &fakeHost{
		createPullRequestFn: func(context.Context, string, string, githost.PullRequestOptions) (githost.PullRequest, error) {
			return githost.PullRequest{}, fmt.Errorf("host returned 502")
		},
	}
	svc := newTestService(fs, fh)

	_, err := svc.ApproveSuggestion(context.Background(), "sug-2", testActor(), ApproveSuggestionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "EXTERNAL_SERVICE_ERROR" {
		t.Fatalf("expected EXTERNAL_SERVICE_ERROR, got %v", err)
	}
	if failedUpdate == nil || failedUpdate.ErrorMessage == nil {
		t.Fatal("expected error message on the FAILED write")
	}
	if !strings.Contains(*failedUpdate.ErrorMessage, "host returned 502") {
		t.Fatalf("expected host error recorded, got %q", *failedUpdate.ErrorMessage)
	}
}

func TestRejectWithReasonStagesFeedback(t *testing.T) {
	var rejected *store.Rejection
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitRejectionFn: func(_ context.Context, rejection store.Rejection) (store.Suggestion, error) {
			rejected = &rejection
			return store.Suggestion{ID: rejection.SuggestionID, Status: store.StatusRejected}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	view, err := svc.RejectSuggestion(context.Background(), "sug-1", testActor(), RejectSuggestionInput{Reason: "duplicate of an existing task"})
	if err != nil {
		t.Fatalf("RejectSuggestion() error = %v", err)
	}
	if view.Status != string(store.StatusRejected) {
		t.Fatalf("expected REJECTED view, got %s", view.Status)
	}
	if rejected.Feedback == nil {
		t.Fatal("expected feedback row with a reason")
	}
	if rejected.Feedback.FeedbackType != "rejected" {
		t.Fatalf("expected feedback type rejected, got %s", rejected.Feedback.FeedbackType)
	}
	if rejected.Feedback.CorrectedValue != "duplicate of an existing task" {
		t.Fatalf("expected reason preserved, got %q", rejected.Feedback.CorrectedValue)
	}
}

func TestRejectActivityNamesTypeAndTitle(t *testing.T) {
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitRejectionFn: func(_ context.Context, rejection store.Rejection) (store.Suggestion, error) {
			return store.Suggestion{ID: rejection.SuggestionID, Status: store.StatusRejected}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})
	recorder := newRecordingActivity()
	svc.activity = recorder

	if _, err := svc.RejectSuggestion(context.Background(), "sug-1", testActor(), RejectSuggestionInput{Reason: "duplicate"}); err != nil {
		t.Fatalf("RejectSuggestion() error = %v", err)
	}

	event := recorder.wait(t)
	if event.Verb != "suggestion.rejected" {
		t.Fatalf("expected suggestion.rejected, got %s", event.Verb)
	}
	if !strings.Contains(event.Summary, "TASK") {
		t.Fatalf("summary should name the suggestion type, got %q", event.Summary)
	}
	if !strings.Contains(event.Summary, "Follow up with vendor") {
		t.Fatalf("summary should name the suggested title, got %q", event.Summary)
	}
	if event.Metadata["title"] != "Follow up with vendor" {
		t.Fatalf("metadata should carry the title, got %v", event.Metadata["title"])
	}
}

func TestApproveTaskActivityNamesTypeAndTitle(t *testing.T) {
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitTaskApprovalFn: func(_ context.Context, approval store.TaskApproval) (store.Task, store.Suggestion, error) {
			sg := taskSuggestion(approval.FinalStatus)
			task := approval.Task
			task.ID = "task-1"
			sg.CreatedTaskID = &task.ID
			return task, sg, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})
	recorder := newRecordingActivity()
	svc.activity = recorder

	if _, err := svc.ApproveSuggestion(context.Background(), "sug-1", testActor(), ApproveSuggestionInput{}); err != nil {
		t.Fatalf("ApproveSuggestion() error = %v", err)
	}

	event := recorder.wait(t)
	if !strings.Contains(event.Summary, "TASK") || !strings.Contains(event.Summary, "Follow up with vendor") {
		t.Fatalf("summary should name the type and title, got %q", event.Summary)
	}
	if !strings.Contains(event.Summary, "task-1") {
		t.Fatalf("summary should name the created task, got %q", event.Summary)
	}
}

func TestRejectWithoutReasonStagesNoFeedback(t *testing.T) {
	var rejected *store.Rejection
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitRejectionFn: func(_ context.Context, rejection store.Rejection) (store.Suggestion, error) {
			rejected = &rejection
			return store.Suggestion{ID: rejection.SuggestionID, Status: store.StatusRejected}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	if _, err := svc.RejectSuggestion(context.Background(), "sug-1", testActor(), RejectSuggestionInput{}); err != nil {
		t.Fatalf("RejectSuggestion() error = %v", err)
	}
	if rejected.Feedback != nil {
		t.Fatal("expected no feedback row without a reason")
	}
}

func TestRejectLosingRaceMapsToAlreadyProcessed(t *testing.T) {
	fs := &fakeStore{
		getSuggestionFn: func(context.Context, string) (store.Suggestion, error) {
			return taskSuggestion(store.StatusPending), nil
		},
		commitRejectionFn: func(context.Context, store.Rejection) (store.Suggestion, error) {
			return store.Suggestion{}, store.ErrAlreadyProcessed
		},
	}
	svc := newTestService(fs, &fakeHost{})

	_, err := svc.RejectSuggestion(context.Background(), "sug-1", testActor(), RejectSuggestionInput{Reason: "late"})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "ALREADY_PROCESSED" {
		t.Fatalf("expected ALREADY_PROCESSED from a lost race, got %v", err)
	}
}

func TestApproveUnknownSuggestion(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHost{})

	_, err := svc.ApproveSuggestion(context.Background(), "missing", testActor(), ApproveSuggestionInput{})
	var domainErr *DomainError
	if !errors.As(err, &domainErr) || domainErr.Code != "NOT_FOUND" {
		t.Fatalf("expected NOT_FOUND, got %v", err)
	}
}

func TestPendingCountsServedFromCache(t *testing.T) {
	storeCalled := false
	fs := &fakeStore{
		pendingCountsFn: func(context.Context) (store.PendingCounts, error) {
			storeCalled = true
			return store.PendingCounts{}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})
	svc.cache = &fakeCache{
		getFn: func(context.Context) (store.PendingCounts, error) {
			return store.PendingCounts{Total: 7, ByType: map[store.SuggestionType]int{store.SuggestionTask: 4, store.SuggestionPR: 3}}, nil
		},
	}

	counts, err := svc.PendingCounts(context.Background())
	if err != nil {
		t.Fatalf("PendingCounts() error = %v", err)
	}
	if counts.Total != 7 {
		t.Fatalf("expected cached total 7, got %d", counts.Total)
	}
	if storeCalled {
		t.Fatal("expected the cache hit to skip the store")
	}
}

func TestPendingCountsMissFillsCache(t *testing.T) {
	var cached *store.PendingCounts
	fs := &fakeStore{
		pendingCountsFn: func(context.Context) (store.PendingCounts, error) {
			return store.PendingCounts{Total: 2, ByType: map[store.SuggestionType]int{store.SuggestionTask: 2}}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})
	svc.cache = &fakeCache{
		setFn: func(_ context.Context, counts store.PendingCounts) error {
			cached = &counts
			return nil
		},
	}

	counts, err := svc.PendingCounts(context.Background())
	if err != nil {
		t.Fatalf("PendingCounts() error = %v", err)
	}
	if counts.Total != 2 {
		t.Fatalf("expected total 2 from the store, got %d", counts.Total)
	}
	if cached == nil || cached.Total != 2 {
		t.Fatal("expected the miss to populate the cache")
	}
}

func TestListSuggestionsWithQueryUsesSearchIDs(t *testing.T) {
	var gotFilter store.SuggestionFilter
	fs := &fakeStore{
		listSuggestionsFn: func(_ context.Context, filter store.SuggestionFilter) ([]store.Suggestion, error) {
			gotFilter = filter
			return []store.Suggestion{taskSuggestion(store.StatusPending)}, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})
	svc.search = &fakeSearch{
		searchFn: func(q search.Query) search.Response {
			if q.Text != "vendor" {
				t.Fatalf("expected query text forwarded, got %q", q.Text)
			}
			return search.Response{Results: []search.Result{{ID: "sug-1"}, {ID: "sug-9"}}, Total: 2}
		},
	}

	views, err := svc.ListSuggestions(context.Background(), SuggestionListInput{Query: "vendor"})
	if err != nil {
		t.Fatalf("ListSuggestions() error = %v", err)
	}
	if len(views) != 1 {
		t.Fatalf("expected one resolved suggestion, got %d", len(views))
	}
	if len(gotFilter.IDs) != 2 || gotFilter.IDs[0] != "sug-1" {
		t.Fatalf("expected search hit IDs in the filter, got %v", gotFilter.IDs)
	}
}

func TestListSuggestionsWithQueryNoHits(t *testing.T) {
	storeCalled := false
	fs := &fakeStore{
		listSuggestionsFn: func(context.Context, store.SuggestionFilter) ([]store.Suggestion, error) {
			storeCalled = true
			return nil, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	views, err := svc.ListSuggestions(context.Background(), SuggestionListInput{Query: "nothing"})
	if err != nil {
		t.Fatalf("ListSuggestions() error = %v", err)
	}
	if len(views) != 0 {
		t.Fatalf("expected empty result, got %d", len(views))
	}
	if storeCalled {
		t.Fatal("expected no store query when search has no hits")
	}
}

func TestCreateSuggestionValidation(t *testing.T) {
	svc := newTestService(&fakeStore{}, &fakeHost{})

	cases := []struct {
		name  string
		input CreateSuggestionInput
	}{
		{"unknown type", CreateSuggestionInput{Type: "EMAIL", SuggestedContent: []byte(`{"title":"x"}`)}},
		{"confidence out of range", CreateSuggestionInput{Type: "TASK", Confidence: 1.5, SuggestedContent: []byte(`{"title":"x"}`)}},
		{"missing content", CreateSuggestionInput{Type: "TASK", Confidence: 0.5}},
		{"task without title", CreateSuggestionInput{Type: "TASK", Confidence: 0.5, SuggestedContent: []byte(`{"description":"x"}`)}},
		{"pr without branch", CreateSuggestionInput{Type: "PR", Confidence: 0.5, SuggestedContent: []byte(`{"title":"x"}`)}},
		{"terminal initial status", CreateSuggestionInput{Type: "TASK", Status: "APPROVED", Confidence: 0.5, SuggestedContent: []byte(`{"title":"x"}`)}},
	}
	for _, tc := range cases {
		_, err := svc.CreateSuggestion(context.Background(), tc.input)
		var domainErr *DomainError
		if !errors.As(err, &domainErr) || domainErr.Code != "VALIDATION_ERROR" {
			t.Fatalf("%s: expected VALIDATION_ERROR, got %v", tc.name, err)
		}
	}
}

func TestCreateSuggestionDefaultsToPending(t *testing.T) {
	var inserted *store.Suggestion
	fs := &fakeStore{
		insertSuggestionFn: func(_ context.Context, sg store.Suggestion) (store.Suggestion, error) {
			inserted = &sg
			sg.ID = "sug_new"
			return sg, nil
		},
	}
	svc := newTestService(fs, &fakeHost{})

	view, err := svc.CreateSuggestion(context.Background(), CreateSuggestionInput{
		Type:             "TASK",
		Confidence:       0.7,
		Reasoning:        "The sender asked for a follow up",
		SuggestedContent: []byte(`{"title":"Reply to Pat"}`),
	})
	if err != nil {
		t.Fatalf("CreateSuggestion() error = %v", err)
	}
	if inserted.Status != store.StatusPending {
		t.Fatalf("expected default PENDING status, got %s", inserted.Status)
	}
	if inserted.TaskContent == nil || inserted.TaskContent.Title != "Reply to Pat" {
		t.Fatalf("expected decoded task content, got %+v", inserted.TaskContent)
	}
	if view.ID != "sug_new" {
		t.Fatalf("expected inserted ID in the view, got %s", view.ID)
	}
}
