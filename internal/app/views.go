package app

import (
	"context"
	"time"

	"atrium/api/internal/store"
)

type MessageContext struct {
	ID          string    `json:"id"`
	Subject     string    `json:"subject"`
	FromAddress string    `json:"fromAddress"`
	ReceivedAt  time.Time `json:"receivedAt"`
}

type ThreadContext struct {
	ID           string `json:"id"`
	Subject      string `json:"subject"`
	MessageCount int    `json:"messageCount"`
}

type RepositoryContext struct {
	ID            string `json:"id"`
	FullName      string `json:"fullName"`
	DefaultBranch string `json:"defaultBranch"`
}

type TaskRef struct {
	ID    string `json:"id"`
	Title string `json:"title"`
}

// SuggestionView is the API representation of a suggestion with its
// surrounding context resolved. Context fields stay nil when the
// referenced entity is missing.
type SuggestionView struct {
	ID               string             `json:"id"`
	Type             string             `json:"type"`
	Status           string             `json:"status"`
	Confidence       float64            `json:"confidence"`
	Reasoning        string             `json:"reasoning,omitempty"`
	SuggestedContent any                `json:"suggestedContent"`
	ProjectID        *string            `json:"projectId,omitempty"`
	ProjectName      string             `json:"projectName,omitempty"`
	Message          *MessageContext    `json:"message,omitempty"`
	Thread           *ThreadContext     `json:"thread,omitempty"`
	Repository       *RepositoryContext `json:"repository,omitempty"`
	CreatedTask      *TaskRef           `json:"createdTask,omitempty"`
	ReviewedBy       *string            `json:"reviewedBy,omitempty"`
	ReviewedAt       *time.Time         `json:"reviewedAt,omitempty"`
	ReviewNotes      string             `json:"reviewNotes,omitempty"`
	CreatedPRNumber  *int               `json:"createdPrNumber,omitempty"`
	CreatedPRURL     *string            `json:"createdPrUrl,omitempty"`
	ErrorMessage     string             `json:"errorMessage,omitempty"`
	CreatedAt        time.Time          `json:"createdAt"`
	UpdatedAt        time.Time          `json:"updatedAt"`
}

type FeedbackView struct {
	ID             string    `json:"id"`
	SuggestionID   string    `json:"suggestionId"`
	FeedbackType   string    `json:"feedbackType"`
	OriginalValue  string    `json:"originalValue"`
	CorrectedValue string    `json:"correctedValue"`
	CreatedBy      string    `json:"createdBy"`
	CreatedAt      time.Time `json:"createdAt"`
}

type TaskView struct {
	ID          string     `json:"id"`
	ProjectID   string     `json:"projectId"`
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	Status      string     `json:"status"`
	Priority    string     `json:"priority"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
	CreatedBy   string     `json:"createdBy"`
	CreatedAt   time.Time  `json:"createdAt"`
}

type PullRequestView struct {
	Number int    `json:"number"`
	URL    string `json:"url"`
}

type ApprovalResult struct {
	Suggestion  SuggestionView   `json:"suggestion"`
	Task        *TaskView        `json:"task,omitempty"`
	PullRequest *PullRequestView `json:"pullRequest,omitempty"`
}

func feedbackView(fb store.SuggestionFeedback) FeedbackView {
	return FeedbackView{
		ID:             fb.ID,
		SuggestionID:   fb.SuggestionID,
		FeedbackType:   fb.FeedbackType,
		OriginalValue:  fb.OriginalValue,
		CorrectedValue: fb.CorrectedValue,
		CreatedBy:      fb.CreatedBy,
		CreatedAt:      fb.CreatedAt,
	}
}

func newTaskView(task store.Task) TaskView {
	return TaskView{
		ID:          task.ID,
		ProjectID:   task.ProjectID,
		Title:       task.Title,
		Description: task.Description,
		Status:      task.Status,
		Priority:    task.Priority,
		DueDate:     task.DueDate,
		CreatedBy:   task.CreatedBy,
		CreatedAt:   task.CreatedAt,
	}
}

// suggestionContext holds the batch lookup results for one resolver pass.
type suggestionContext struct {
	messages map[string]store.MessageSummary
	threads  map[string]store.ThreadSummary
	projects map[string]string
	repos    map[string]store.RepositoryLink
	tasks    map[string]store.TaskSummary
}

// resolveMany assembles views for a page of suggestions. All referenced
// entities are fetched in one batch query per entity kind, regardless of
// how many suggestions the page holds.
func (s *Service) resolveMany(ctx context.Context, suggestions []store.Suggestion) ([]SuggestionView, error) {
	var messageIDs, threadIDs, projectIDs, repoIDs, taskIDs []string
	seen := map[string]struct{}{}
	collect := func(bucket *[]string, kind string, id *string) {
		if id == nil || *id == "" {
			return
		}
		key := kind + ":" + *id
		if _, ok := seen[key]; ok {
			return
		}
		seen[key] = struct{}{}
		*bucket = append(*bucket, *id)
	}

	for _, sg := range suggestions {
		collect(&messageIDs, "msg", sg.MessageID)
		collect(&threadIDs, "thr", sg.ThreadID)
		collect(&projectIDs, "prj", sg.ProjectID)
		collect(&repoIDs, "repo", sg.RepositoryLinkID)
		collect(&taskIDs, "task", sg.CreatedTaskID)
	}

	rc := suggestionContext{}
	var err error
	if rc.messages, err = s.store.MessageSummaries(ctx, messageIDs); err != nil {
		return nil, persistenceError("Could not resolve suggestion context")
	}
	if rc.threads, err = s.store.ThreadSummaries(ctx, threadIDs); err != nil {
		return nil, persistenceError("Could not resolve suggestion context")
	}
	if rc.projects, err = s.store.ProjectNames(ctx, projectIDs); err != nil {
		return nil, persistenceError("Could not resolve suggestion context")
	}
	if rc.repos, err = s.store.RepositoryLinks(ctx, repoIDs); err != nil {
		return nil, persistenceError("Could not resolve suggestion context")
	}
	if rc.tasks, err = s.store.TaskSummaries(ctx, taskIDs); err != nil {
		return nil, persistenceError("Could not resolve suggestion context")
	}

	views := make([]SuggestionView, 0, len(suggestions))
	for _, sg := range suggestions {
		views = append(views, buildView(sg, rc))
	}
	return views, nil
}

// resolveOne resolves a single suggestion's context. Lookup failures here
// degrade to a view without context rather than failing the request.
func (s *Service) resolveOne(ctx context.Context, sg store.Suggestion) SuggestionView {
	views, err := s.resolveMany(ctx, []store.Suggestion{sg})
	if err != nil || len(views) == 0 {
		s.logger.Warn().Str("suggestion_id", sg.ID).Msg("context resolution failed")
		return buildView(sg, suggestionContext{})
	}
	return views[0]
}

func buildView(sg store.Suggestion, rc suggestionContext) SuggestionView {
	view := SuggestionView{
		ID:              sg.ID,
		Type:            string(sg.Type),
		Status:          string(sg.Status),
		Confidence:      sg.Confidence,
		Reasoning:       sg.Reasoning,
		ProjectID:       sg.ProjectID,
		ReviewedBy:      sg.ReviewedBy,
		ReviewedAt:      sg.ReviewedAt,
		ReviewNotes:     sg.ReviewNotes,
		CreatedPRNumber: sg.CreatedPRNumber,
		CreatedPRURL:    sg.CreatedPRURL,
		ErrorMessage:    sg.ErrorMessage,
		CreatedAt:       sg.CreatedAt,
		UpdatedAt:       sg.UpdatedAt,
	}

	switch {
	case sg.TaskContent != nil:
		view.SuggestedContent = sg.TaskContent
	case sg.PRContent != nil:
		view.SuggestedContent = sg.PRContent
	case sg.ReplyContent != nil:
		view.SuggestedContent = sg.ReplyContent
	}

	if sg.MessageID != nil {
		if m, ok := rc.messages[*sg.MessageID]; ok {
			view.Message = &MessageContext{ID: m.ID, Subject: m.Subject, FromAddress: m.FromAddress, ReceivedAt: m.ReceivedAt}
		}
	}
	if sg.ThreadID != nil {
		if t, ok := rc.threads[*sg.ThreadID]; ok {
			view.Thread = &ThreadContext{ID: t.ID, Subject: t.Subject, MessageCount: t.MessageCount}
		}
	}
	if sg.ProjectID != nil {
		view.ProjectName = rc.projects[*sg.ProjectID]
	}
	if sg.RepositoryLinkID != nil {
		if link, ok := rc.repos[*sg.RepositoryLinkID]; ok {
			view.Repository = &RepositoryContext{ID: link.ID, FullName: link.FullName, DefaultBranch: link.DefaultBranch}
		}
	}
	if sg.CreatedTaskID != nil {
		if task, ok := rc.tasks[*sg.CreatedTaskID]; ok {
			view.CreatedTask = &TaskRef{ID: task.ID, Title: task.Title}
		}
	}
	return view
}
