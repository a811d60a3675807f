package store

import "time"

type SuggestionType string

const (
	SuggestionTask  SuggestionType = "TASK"
	SuggestionPR    SuggestionType = "PR"
	SuggestionReply SuggestionType = "REPLY"
)

type SuggestionStatus string

const (
	StatusDraft    SuggestionStatus = "DRAFT"
	StatusPending  SuggestionStatus = "PENDING"
	StatusModified SuggestionStatus = "MODIFIED"
	StatusApproved SuggestionStatus = "APPROVED"
	StatusRejected SuggestionStatus = "REJECTED"
	StatusFailed   SuggestionStatus = "FAILED"
)

// TaskContent is the suggested payload for TASK suggestions.
type TaskContent struct {
	Title       string     `json:"title"`
	Description string     `json:"description,omitempty"`
	DueDate     *time.Time `json:"dueDate,omitempty"`
}

// PRContent is the suggested payload for PR suggestions.
type PRContent struct {
	Title      string `json:"title"`
	Body       string `json:"body"`
	Branch     string `json:"branch"`
	BaseBranch string `json:"baseBranch,omitempty"`
}

// ReplyContent is the suggested payload for REPLY suggestions. The enum
// value is accepted on intake but no commit handler exists for it.
type ReplyContent struct {
	Body string `json:"body"`
}

// Suggestion is a machine-generated proposal awaiting human review. The
// suggested_content column is decoded once at scan time into exactly one of
// the content pointers, matching the declared Type.
type Suggestion struct {
	ID               string
	Type             SuggestionType
	Status           SuggestionStatus
	MessageID        *string
	ThreadID         *string
	ProjectID        *string
	RepositoryLinkID *string
	Confidence       float64
	Reasoning        string

	TaskContent  *TaskContent
	PRContent    *PRContent
	ReplyContent *ReplyContent

	ReviewedBy      *string
	ReviewedAt      *time.Time
	ReviewNotes     string
	CreatedTaskID   *string
	CreatedPRNumber *int
	CreatedPRURL    *string
	ErrorMessage    string

	CreatedAt time.Time
	UpdatedAt time.Time
	DeletedAt *time.Time
}

// SuggestionFeedback is one append-only audit record of how a reviewer
// corrected or rejected a suggestion. Never updated or deleted.
type SuggestionFeedback struct {
	ID             string
	SuggestionID   string
	FeedbackType   string
	OriginalValue  string
	CorrectedValue string
	CreatedBy      string
	CreatedAt      time.Time
}

type Task struct {
	ID          string
	ProjectID   string
	Title       string
	Description string
	Status      string
	Priority    string
	DueDate     *time.Time
	CreatedBy   string
	CreatedAt   time.Time
}

type MessageSummary struct {
	ID          string
	Subject     string
	FromAddress string
	ReceivedAt  time.Time
}

type ThreadSummary struct {
	ID           string
	Subject      string
	MessageCount int
}

// RepositoryLink connects a project to a repository on a version-control
// host. ConnectionID identifies the host credential used for API calls.
type RepositoryLink struct {
	ID            string
	ProjectID     string
	FullName      string
	DefaultBranch string
	ConnectionID  string
}

type TaskSummary struct {
	ID    string
	Title string
}

type ActivityEvent struct {
	ID              int64
	ActorID         string
	ActorRole       string
	Verb            string
	Summary         string
	TargetType      string
	TargetID        string
	TargetProjectID *string
	Metadata        map[string]any
	CreatedAt       time.Time
}

type User struct {
	ID           string
	DisplayName  string
	Email        string
	PasswordHash string
	Role         string
	CreatedAt    time.Time
}

// StatusUpdate carries the review metadata written alongside a status
// transition. At most one success marker (CreatedTaskID or PRNumber/PRURL)
// or an ErrorMessage is set per transition.
type StatusUpdate struct {
	ReviewedBy    string
	ReviewNotes   string
	CreatedTaskID *string
	PRNumber      *int
	PRURL         *string
	ErrorMessage  *string
}

type SuggestionFilter struct {
	Statuses  []SuggestionStatus
	Type      SuggestionType
	ProjectID string
	IDs       []string
	Limit     int
}

type PendingCounts struct {
	Total  int
	ByType map[SuggestionType]int
}

// TaskApproval is the unit of work committed atomically when a TASK
// suggestion is approved: the task row, the suggestion's terminal status,
// and any staged feedback either all commit or none do.
type TaskApproval struct {
	SuggestionID string
	ReviewedBy   string
	FinalStatus  SuggestionStatus
	Task         Task
	Feedback     []SuggestionFeedback
}

// Rejection is the unit of work committed atomically when a suggestion is
// rejected.
type Rejection struct {
	SuggestionID string
	ReviewedBy   string
	Reason       string
	Feedback     *SuggestionFeedback
}
