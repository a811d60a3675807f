package app

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"atrium/api/internal/auth"
	"atrium/api/internal/config"
	"atrium/api/internal/email"
	"atrium/api/internal/githost"
	"atrium/api/internal/search"
	"atrium/api/internal/store"

	"github.com/rs/zerolog"
)

type Session struct {
	Token     string
	UserID    string
	UserName  string
	Role      string
	ExpiresAt time.Time
}

// Actor is the authenticated reviewer a request acts as.
type Actor struct {
	ID   string
	Name string
	Role string
}

type CreateSuggestionInput struct {
	Type             string          `json:"type"`
	Status           string          `json:"status"`
	MessageID        *string         `json:"messageId"`
	ThreadID         *string         `json:"threadId"`
	ProjectID        *string         `json:"projectId"`
	RepositoryLinkID *string         `json:"repositoryLinkId"`
	Confidence       float64         `json:"confidence"`
	Reasoning        string          `json:"reasoning"`
	SuggestedContent json.RawMessage `json:"suggestedContent"`
}

// Modifications are the reviewer's overrides applied at approval time.
// Nil pointers mean "keep the suggested value".
type Modifications struct {
	Title           *string    `json:"title"`
	Description     *string    `json:"description"`
	ProjectID       *string    `json:"projectId"`
	DueDate         *time.Time `json:"dueDate"`
	Priority        *string    `json:"priority"`
	TaskStatus      *string    `json:"taskStatus"`
	Body            *string    `json:"body"`
	Branch          *string    `json:"branch"`
	BaseBranch      *string    `json:"baseBranch"`
	CreateNewBranch bool       `json:"createNewBranch"`
}

type ApproveSuggestionInput struct {
	Modifications *Modifications `json:"modifications"`
	Notes         string         `json:"notes"`
}

type RejectSuggestionInput struct {
	Reason string `json:"reason"`
}

type UpdateContentInput struct {
	SuggestedContent json.RawMessage `json:"suggestedContent"`
}

type SuggestionListInput struct {
	Status    string
	Type      string
	ProjectID string
	Query     string
	Limit     int
}

// approvableStatuses are the states a review decision may start from.
// FAILED is included so a commit that hit an external error can be
// attempted again; APPROVED, MODIFIED and REJECTED are terminal.
var approvableStatuses = []store.SuggestionStatus{
	store.StatusPending, store.StatusDraft, store.StatusModified, store.StatusFailed,
}

var allowedSuggestionTypes = map[string]struct{}{
	"TASK":  {},
	"PR":    {},
	"REPLY": {},
}

type dataStore interface {
	InsertSuggestion(context.Context, store.Suggestion) (store.Suggestion, error)
	GetSuggestion(context.Context, string) (store.Suggestion, error)
	ListSuggestions(context.Context, store.SuggestionFilter) ([]store.Suggestion, error)
	UpdateSuggestionStatus(context.Context, string, store.SuggestionStatus, []store.SuggestionStatus, store.StatusUpdate) (store.Suggestion, error)
	UpdateSuggestionContent(context.Context, string, store.Suggestion, []store.SuggestionStatus) (store.Suggestion, error)
	SoftDeleteSuggestion(context.Context, string) error
	CommitTaskApproval(context.Context, store.TaskApproval) (store.Task, store.Suggestion, error)
	CommitRejection(context.Context, store.Rejection) (store.Suggestion, error)
	ListSuggestionFeedback(context.Context, string) ([]store.SuggestionFeedback, error)
	PendingSuggestionCounts(context.Context) (store.PendingCounts, error)
	GetRepositoryLink(context.Context, string) (store.RepositoryLink, error)
	MessageSummaries(context.Context, []string) (map[string]store.MessageSummary, error)
	ThreadSummaries(context.Context, []string) (map[string]store.ThreadSummary, error)
	ProjectNames(context.Context, []string) (map[string]string, error)
	RepositoryLinks(context.Context, []string) (map[string]store.RepositoryLink, error)
	TaskSummaries(context.Context, []string) (map[string]store.TaskSummary, error)
	Ping(ctx context.Context) error
}

type passwordVerifier interface {
	VerifyPassword(ctx context.Context, email, password string) (store.User, error)
}

type activitySink interface {
	Record(ctx context.Context, event store.ActivityEvent)
}

type searchIndex interface {
	Search(q search.Query) search.Response
	IndexSuggestion(record search.SuggestionRecord)
	DeleteSuggestion(id string)
}

type countsCache interface {
	Get(ctx context.Context) (store.PendingCounts, error)
	Set(ctx context.Context, counts store.PendingCounts) error
	Invalidate(ctx context.Context) error
}

type notifier interface {
	IsConfigured() bool
	SendCommitFailureEmail(to []string, data email.CommitFailureData) error
}

type Service struct {
	cfg       config.Config
	store     dataStore
	host      githost.Client
	passwords passwordVerifier
	activity  activitySink
	search    searchIndex
	cache     countsCache
	notifier  notifier
	logger    zerolog.Logger
}

// New wires the service. cache and notifier may be nil when Redis or SMTP
// are not configured.
func New(cfg config.Config, dataStore *store.PostgresStore, host githost.Client, passwords passwordVerifier, activity activitySink, searchSvc *search.Service, cache countsCache, notifySvc notifier, logger zerolog.Logger) *Service {
	return &Service{
		cfg:       cfg,
		store:     dataStore,
		host:      host,
		passwords: passwords,
		activity:  activity,
		search:    searchSvc,
		cache:     cache,
		notifier:  notifySvc,
		logger:    logger,
	}
}

func (s *Service) Ping(ctx context.Context) error {
	return s.store.Ping(ctx)
}

// SignIn verifies credentials and issues an access token.
func (s *Service) SignIn(ctx context.Context, emailAddr, password string) (Session, error) {
	user, err := s.passwords.VerifyPassword(ctx, emailAddr, password)
	if err != nil {
		return Session{}, unauthorizedError("Invalid email or password")
	}

	expiresAt := time.Now().Add(s.cfg.AccessTTL)
	token, err := auth.IssueToken([]byte(s.cfg.TokenSecret), auth.Claims{
		Sub:  user.ID,
		Name: user.DisplayName,
		Role: user.Role,
		Exp:  expiresAt.Unix(),
	})
	if err != nil {
		return Session{}, fmt.Errorf("issue token: %w", err)
	}

	return Session{
		Token:     token,
		UserID:    user.ID,
		UserName:  user.DisplayName,
		Role:      user.Role,
		ExpiresAt: expiresAt,
	}, nil
}

// ActorFromToken resolves the acting reviewer from a bearer token.
func (s *Service) ActorFromToken(token string) (Actor, error) {
	claims, err := auth.ParseToken([]byte(s.cfg.TokenSecret), token)
	if err != nil {
		return Actor{}, unauthorizedError("Invalid or expired token")
	}
	return Actor{ID: claims.Sub, Name: claims.Name, Role: claims.Role}, nil
}

// CreateSuggestion records an incoming machine-generated suggestion.
func (s *Service) CreateSuggestion(ctx context.Context, input CreateSuggestionInput) (SuggestionView, error) {
	if _, ok := allowedSuggestionTypes[input.Type]; !ok {
		return SuggestionView{}, validationError(fmt.Sprintf("Unknown suggestion type %q", input.Type))
	}
	if input.Confidence < 0 || input.Confidence > 1 {
		return SuggestionView{}, validationError("Confidence must be between 0 and 1")
	}

	status := store.StatusPending
	if input.Status != "" {
		if input.Status != string(store.StatusPending) && input.Status != string(store.StatusDraft) {
			return SuggestionView{}, validationError("New suggestions must be PENDING or DRAFT")
		}
		status = store.SuggestionStatus(input.Status)
	}

	sg := store.Suggestion{
		Type:             store.SuggestionType(input.Type),
		Status:           status,
		MessageID:        input.MessageID,
		ThreadID:         input.ThreadID,
		ProjectID:        input.ProjectID,
		RepositoryLinkID: input.RepositoryLinkID,
		Confidence:       input.Confidence,
		Reasoning:        input.Reasoning,
	}
	if err := applyContent(&sg, input.SuggestedContent); err != nil {
		return SuggestionView{}, err
	}

	inserted, err := s.store.InsertSuggestion(ctx, sg)
	if err != nil {
		return SuggestionView{}, persistenceError("Could not save suggestion")
	}

	s.invalidateCounts(ctx)
	s.indexSuggestion(inserted)

	return s.resolveOne(ctx, inserted), nil
}

// GetSuggestion returns a suggestion with its resolved context.
func (s *Service) GetSuggestion(ctx context.Context, id string) (SuggestionView, error) {
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return SuggestionView{}, s.suggestionError(err)
	}
	return s.resolveOne(ctx, sg), nil
}

// ListSuggestions returns the review queue, filtered and with context
// resolved in a fixed number of batch queries.
func (s *Service) ListSuggestions(ctx context.Context, input SuggestionListInput) ([]SuggestionView, error) {
	filter := store.SuggestionFilter{
		Statuses:  approvableStatuses,
		ProjectID: input.ProjectID,
		Limit:     input.Limit,
	}
	if input.Status != "" {
		filter.Statuses = []store.SuggestionStatus{store.SuggestionStatus(input.Status)}
	}
	if input.Type != "" {
		filter.Type = store.SuggestionType(input.Type)
	}

	if input.Query != "" {
		resp := s.search.Search(search.Query{
			Text:            input.Query,
			FilterType:      input.Type,
			FilterProjectID: input.ProjectID,
			Limit:           input.Limit,
		})
		if len(resp.Results) == 0 {
			return []SuggestionView{}, nil
		}
		ids := make([]string, 0, len(resp.Results))
		for _, r := range resp.Results {
			ids = append(ids, r.ID)
		}
		filter.IDs = ids
	}

	suggestions, err := s.store.ListSuggestions(ctx, filter)
	if err != nil {
		return nil, persistenceError("Could not list suggestions")
	}
	return s.resolveMany(ctx, suggestions)
}

// ListSuggestionFeedback returns the append-only audit trail for a
// suggestion, oldest first.
func (s *Service) ListSuggestionFeedback(ctx context.Context, id string) ([]FeedbackView, error) {
	if _, err := s.store.GetSuggestion(ctx, id); err != nil {
		return nil, s.suggestionError(err)
	}
	feedback, err := s.store.ListSuggestionFeedback(ctx, id)
	if err != nil {
		return nil, persistenceError("Could not list suggestion feedback")
	}
	views := make([]FeedbackView, 0, len(feedback))
	for _, fb := range feedback {
		views = append(views, feedbackView(fb))
	}
	return views, nil
}

// PendingCounts returns the badge counts for the review queue, served from
// Redis when available.
func (s *Service) PendingCounts(ctx context.Context) (store.PendingCounts, error) {
	if s.cache != nil {
		if counts, err := s.cache.Get(ctx); err == nil {
			return counts, nil
		}
	}

	counts, err := s.store.PendingSuggestionCounts(ctx)
	if err != nil {
		return store.PendingCounts{}, persistenceError("Could not count pending suggestions")
	}
	if s.cache != nil {
		if err := s.cache.Set(ctx, counts); err != nil {
			s.logger.Warn().Err(err).Msg("cache pending counts")
		}
	}
	return counts, nil
}

// UpdateContent replaces the suggested payload before approval and marks
// the suggestion MODIFIED.
func (s *Service) UpdateContent(ctx context.Context, id string, input UpdateContentInput) (SuggestionView, error) {
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return SuggestionView{}, s.suggestionError(err)
	}

	edited := store.Suggestion{Type: sg.Type}
	if err := applyContent(&edited, input.SuggestedContent); err != nil {
		return SuggestionView{}, err
	}

	updated, err := s.store.UpdateSuggestionContent(ctx, id, edited, approvableStatuses)
	if err != nil {
		return SuggestionView{}, s.suggestionError(err)
	}

	s.indexSuggestion(updated)
	return s.resolveOne(ctx, updated), nil
}

// DeleteSuggestion soft-deletes a suggestion. Deleted suggestions keep
// their feedback rows but disappear from every read path.
func (s *Service) DeleteSuggestion(ctx context.Context, id string, actor Actor) error {
	if err := s.store.SoftDeleteSuggestion(ctx, id); err != nil {
		return s.suggestionError(err)
	}

	s.invalidateCounts(ctx)
	s.search.DeleteSuggestion(id)
	s.emitActivity(store.ActivityEvent{
		ActorID:    actor.ID,
		ActorRole:  actor.Role,
		Verb:       "suggestion.deleted",
		Summary:    fmt.Sprintf("%s deleted suggestion %s", actor.Name, id),
		TargetType: "suggestion",
		TargetID:   id,
	})
	return nil
}

// ApproveSuggestion dispatches an approval to the commit handler for the
// suggestion's type. The status guard runs again inside each handler's
// conditional write, so the pre-check here only shapes the error.
func (s *Service) ApproveSuggestion(ctx context.Context, id string, actor Actor, input ApproveSuggestionInput) (ApprovalResult, error) {
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return ApprovalResult{}, s.suggestionError(err)
	}
	if !isApprovable(sg.Status) {
		return ApprovalResult{}, alreadyProcessedError(fmt.Sprintf("Suggestion is already %s", sg.Status))
	}

	mods := input.Modifications
	if mods == nil {
		mods = &Modifications{}
	}

	switch sg.Type {
	case store.SuggestionTask:
		return s.commitTask(ctx, sg, actor, mods)
	case store.SuggestionPR:
		return s.commitPullRequest(ctx, sg, actor, mods, input.Notes)
	case store.SuggestionReply:
		return ApprovalResult{}, unsupportedTypeError("REPLY suggestions cannot be approved yet")
	default:
		return ApprovalResult{}, unsupportedTypeError(fmt.Sprintf("No approval handler for type %q", sg.Type))
	}
}

// RejectSuggestion marks a suggestion REJECTED and, when the reviewer gave
// a reason, appends one feedback row of type "rejected".
func (s *Service) RejectSuggestion(ctx context.Context, id string, actor Actor, input RejectSuggestionInput) (SuggestionView, error) {
	sg, err := s.store.GetSuggestion(ctx, id)
	if err != nil {
		return SuggestionView{}, s.suggestionError(err)
	}
	if !isApprovable(sg.Status) {
		return SuggestionView{}, alreadyProcessedError(fmt.Sprintf("Suggestion is already %s", sg.Status))
	}

	rejection := store.Rejection{
		SuggestionID: id,
		ReviewedBy:   actor.ID,
		Reason:       input.Reason,
	}
	if input.Reason != "" {
		rejection.Feedback = &store.SuggestionFeedback{
			FeedbackType:   "rejected",
			OriginalValue:  suggestedTitle(sg),
			CorrectedValue: input.Reason,
			CreatedBy:      actor.ID,
		}
	}

	updated, err := s.store.CommitRejection(ctx, rejection)
	if err != nil {
		return SuggestionView{}, s.suggestionError(err)
	}

	s.invalidateCounts(ctx)
	s.search.DeleteSuggestion(id)
	s.emitActivity(store.ActivityEvent{
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		Verb:            "suggestion.rejected",
		Summary:         fmt.Sprintf("%s rejected %s suggestion %q", actor.Name, sg.Type, suggestedTitle(sg)),
		TargetType:      "suggestion",
		TargetID:        id,
		TargetProjectID: sg.ProjectID,
		Metadata:        map[string]any{"reason": input.Reason, "title": suggestedTitle(sg)},
	})

	return s.resolveOne(ctx, updated), nil
}

func (s *Service) commitTask(ctx context.Context, sg store.Suggestion, actor Actor, mods *Modifications) (ApprovalResult, error) {
	if sg.TaskContent == nil {
		return ApprovalResult{}, validationError("Suggestion has no task content")
	}
	content := *sg.TaskContent

	title := content.Title
	if mods.Title != nil {
		title = *mods.Title
	}
	if title == "" {
		return ApprovalResult{}, validationError("Title is required")
	}

	description := content.Description
	if mods.Description != nil {
		description = *mods.Description
	}

	var projectID string
	if sg.ProjectID != nil {
		projectID = *sg.ProjectID
	}
	if mods.ProjectID != nil {
		projectID = *mods.ProjectID
	}
	if projectID == "" {
		return ApprovalResult{}, validationError("Project is required")
	}

	dueDate := content.DueDate
	if mods.DueDate != nil {
		dueDate = mods.DueDate
	}

	priority := "MEDIUM"
	if mods.Priority != nil {
		priority = *mods.Priority
	}
	taskStatus := "BACKLOG"
	if mods.TaskStatus != nil {
		taskStatus = *mods.TaskStatus
	}

	feedback := stageTaskFeedback(sg, content, mods, actor.ID)
	finalStatus := store.StatusApproved
	if len(feedback) > 0 {
		finalStatus = store.StatusModified
	}

	task, updated, err := s.store.CommitTaskApproval(ctx, store.TaskApproval{
		SuggestionID: sg.ID,
		ReviewedBy:   actor.ID,
		FinalStatus:  finalStatus,
		Task: store.Task{
			ProjectID:   projectID,
			Title:       title,
			Description: description,
			Status:      taskStatus,
			Priority:    priority,
			DueDate:     dueDate,
			CreatedBy:   actor.ID,
		},
		Feedback: feedback,
	})
	if err != nil {
		return ApprovalResult{}, s.suggestionError(err)
	}

	s.invalidateCounts(ctx)
	s.search.DeleteSuggestion(sg.ID)
	s.emitActivity(store.ActivityEvent{
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		Verb:            "suggestion.approved",
		Summary:         fmt.Sprintf("%s approved %s suggestion %q as task %s", actor.Name, sg.Type, task.Title, task.ID),
		TargetType:      "suggestion",
		TargetID:        sg.ID,
		TargetProjectID: &projectID,
		Metadata:        map[string]any{"taskId": task.ID, "title": task.Title, "finalStatus": string(finalStatus)},
	})

	view := s.resolveOne(ctx, updated)
	taskView := newTaskView(task)
	return ApprovalResult{Suggestion: view, Task: &taskView}, nil
}

func (s *Service) commitPullRequest(ctx context.Context, sg store.Suggestion, actor Actor, mods *Modifications, notes string) (ApprovalResult, error) {
	if sg.PRContent == nil {
		return ApprovalResult{}, validationError("Suggestion has no pull request content")
	}
	if sg.RepositoryLinkID == nil {
		return ApprovalResult{}, validationError("Missing repository information")
	}
	link, err := s.store.GetRepositoryLink(ctx, *sg.RepositoryLinkID)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return ApprovalResult{}, validationError("Missing repository information")
		}
		return ApprovalResult{}, persistenceError("Could not load repository link")
	}

	content := *sg.PRContent
	title := content.Title
	if mods.Title != nil {
		title = *mods.Title
	}
	body := content.Body
	if mods.Body != nil {
		body = *mods.Body
	}
	branch := content.Branch
	if mods.Branch != nil {
		branch = *mods.Branch
	}
	if branch == "" {
		return ApprovalResult{}, validationError("Branch name is required")
	}

	base := content.BaseBranch
	if mods.BaseBranch != nil {
		base = *mods.BaseBranch
	}
	if base == "" {
		base = link.DefaultBranch
	}
	if base == "" {
		base = "main"
	}

	exists, err := s.host.BranchExists(ctx, link.ConnectionID, link.FullName, branch)
	if err != nil {
		return ApprovalResult{}, s.markCommitFailed(ctx, sg, actor, link,
			fmt.Sprintf("Could not check branch %q: %v", branch, err))
	}
	if !exists {
		if !mods.CreateNewBranch {
			return ApprovalResult{}, validationError(fmt.Sprintf(
				"Branch %q does not exist in %s. Enable createNewBranch to create it from %q.",
				branch, link.FullName, base))
		}
		if err := s.host.CreateBranch(ctx, link.ConnectionID, link.FullName, branch, base); err != nil {
			return ApprovalResult{}, s.markCommitFailed(ctx, sg, actor, link,
				fmt.Sprintf("Could not create branch %q from %q: %v", branch, base, err))
		}
	}

	pr, err := s.host.CreatePullRequest(ctx, link.ConnectionID, link.FullName, githost.PullRequestOptions{
		Title: title,
		Body:  body,
		Head:  branch,
		Base:  base,
	})
	if err != nil {
		return ApprovalResult{}, s.markCommitFailed(ctx, sg, actor, link,
			fmt.Sprintf("Could not create pull request for %q: %v", branch, err))
	}

	updated, err := s.store.UpdateSuggestionStatus(ctx, sg.ID, store.StatusApproved, approvableStatuses, store.StatusUpdate{
		ReviewedBy:  actor.ID,
		ReviewNotes: notes,
		PRNumber:    &pr.Number,
		PRURL:       &pr.URL,
	})
	if err != nil {
		return ApprovalResult{}, s.suggestionError(err)
	}

	s.invalidateCounts(ctx)
	s.search.DeleteSuggestion(sg.ID)
	s.emitActivity(store.ActivityEvent{
		ActorID:         actor.ID,
		ActorRole:       actor.Role,
		Verb:            "suggestion.approved",
		Summary:         fmt.Sprintf("%s approved %s suggestion %q as pull request #%d", actor.Name, sg.Type, suggestedTitle(sg), pr.Number),
		TargetType:      "suggestion",
		TargetID:        sg.ID,
		TargetProjectID: sg.ProjectID,
		Metadata:        map[string]any{"prNumber": pr.Number, "prUrl": pr.URL, "title": suggestedTitle(sg)},
	})

	view := s.resolveOne(ctx, updated)
	prView := PullRequestView{Number: pr.Number, URL: pr.URL}
	return ApprovalResult{Suggestion: view, PullRequest: &prView}, nil
}

// markCommitFailed records the compensating FAILED status after an
// external host call failed, notifies operators, and returns the error
// the caller re-raises. The FAILED write goes through the same guard, so
// a concurrently decided suggestion is left alone.
func (s *Service) markCommitFailed(ctx context.Context, sg store.Suggestion, actor Actor, link store.RepositoryLink, message string) error {
	errMsg := message
	if _, err := s.store.UpdateSuggestionStatus(ctx, sg.ID, store.StatusFailed, approvableStatuses, store.StatusUpdate{
		ReviewedBy:   actor.ID,
		ErrorMessage: &errMsg,
	}); err != nil {
		s.logger.Error().Err(err).Str("suggestion_id", sg.ID).Msg("record failed status")
	}

	s.invalidateCounts(ctx)
	recipients := splitRecipients(s.cfg.SMTPAlertTo)
	if s.notifier != nil && s.notifier.IsConfigured() && len(recipients) > 0 {
		go func() {
			if err := s.notifier.SendCommitFailureEmail(recipients, email.CommitFailureData{
				SuggestionID: sg.ID,
				Kind:         string(sg.Type),
				Repository:   link.FullName,
				ErrorMessage: message,
				ReviewedBy:   actor.Name,
			}); err != nil {
				s.logger.Error().Err(err).Str("suggestion_id", sg.ID).Msg("send commit failure email")
			}
		}()
	}

	return externalServiceError(message)
}

// stageTaskFeedback compares the reviewer's overrides against the
// suggested values and returns one audit row per changed field. Fields
// without a suggested original (priority, task status) never produce rows.
func stageTaskFeedback(sg store.Suggestion, content store.TaskContent, mods *Modifications, actorID string) []store.SuggestionFeedback {
	var feedback []store.SuggestionFeedback
	add := func(feedbackType, original, corrected string) {
		feedback = append(feedback, store.SuggestionFeedback{
			FeedbackType:   feedbackType,
			OriginalValue:  original,
			CorrectedValue: corrected,
			CreatedBy:      actorID,
		})
	}

	if mods.Title != nil && *mods.Title != content.Title {
		add("title_changed", content.Title, *mods.Title)
	}
	if mods.Description != nil && *mods.Description != content.Description {
		add("description_changed", content.Description, *mods.Description)
	}
	if mods.ProjectID != nil {
		original := ""
		if sg.ProjectID != nil {
			original = *sg.ProjectID
		}
		if *mods.ProjectID != original {
			add("project_changed", original, *mods.ProjectID)
		}
	}
	if mods.DueDate != nil {
		original := ""
		if content.DueDate != nil {
			original = content.DueDate.Format(time.RFC3339)
		}
		corrected := mods.DueDate.Format(time.RFC3339)
		if corrected != original {
			add("due_date_changed", original, corrected)
		}
	}
	return feedback
}

func isApprovable(status store.SuggestionStatus) bool {
	for _, st := range approvableStatuses {
		if st == status {
			return true
		}
	}
	return false
}

// applyContent decodes the suggested payload into the content slot
// matching the suggestion's type.
func applyContent(sg *store.Suggestion, raw json.RawMessage) error {
	if len(raw) == 0 {
		return validationError("Suggested content is required")
	}
	switch sg.Type {
	case store.SuggestionTask:
		var content store.TaskContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return validationError("Suggested content does not match type TASK")
		}
		if content.Title == "" {
			return validationError("Task suggestions require a title")
		}
		sg.TaskContent = &content
	case store.SuggestionPR:
		var content store.PRContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return validationError("Suggested content does not match type PR")
		}
		if content.Title == "" || content.Branch == "" {
			return validationError("PR suggestions require a title and branch")
		}
		sg.PRContent = &content
	case store.SuggestionReply:
		var content store.ReplyContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return validationError("Suggested content does not match type REPLY")
		}
		sg.ReplyContent = &content
	}
	return nil
}

func splitRecipients(raw string) []string {
	var recipients []string
	for _, part := range strings.Split(raw, ",") {
		if trimmed := strings.TrimSpace(part); trimmed != "" {
			recipients = append(recipients, trimmed)
		}
	}
	return recipients
}

func suggestedTitle(sg store.Suggestion) string {
	switch {
	case sg.TaskContent != nil:
		return sg.TaskContent.Title
	case sg.PRContent != nil:
		return sg.PRContent.Title
	case sg.ReplyContent != nil:
		return sg.ReplyContent.Body
	}
	return ""
}

// suggestionError maps store failures onto the domain error taxonomy.
func (s *Service) suggestionError(err error) error {
	var domain *DomainError
	if errors.As(err, &domain) {
		return domain
	}
	if errors.Is(err, sql.ErrNoRows) {
		return notFoundError("Suggestion not found")
	}
	if errors.Is(err, store.ErrAlreadyProcessed) {
		return alreadyProcessedError("Suggestion was already processed")
	}
	s.logger.Error().Err(err).Msg("store error")
	return persistenceError("Storage operation failed")
}

func (s *Service) invalidateCounts(ctx context.Context) {
	if s.cache == nil {
		return
	}
	if err := s.cache.Invalidate(ctx); err != nil {
		s.logger.Warn().Err(err).Msg("invalidate pending counts")
	}
}

func (s *Service) indexSuggestion(sg store.Suggestion) {
	projectID := ""
	if sg.ProjectID != nil {
		projectID = *sg.ProjectID
	}
	s.search.IndexSuggestion(search.SuggestionRecord{
		ID:        sg.ID,
		Title:     suggestedTitle(sg),
		Reasoning: sg.Reasoning,
		Type:      string(sg.Type),
		Status:    string(sg.Status),
		ProjectID: projectID,
	})
}

// emitActivity records to the audit feed off the request path.
func (s *Service) emitActivity(event store.ActivityEvent) {
	go func() {
		ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		s.activity.Record(ctx, event)
	}()
}
