package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"atrium/api/internal/util"
)

const suggestionColumns = `
	id, type, status, message_id, thread_id, project_id, repository_link_id,
	confidence, reasoning, suggested_content,
	reviewed_by, reviewed_at, review_notes,
	created_task_id, created_pr_number, created_pr_url, error_message,
	created_at, updated_at, deleted_at`

func (s *PostgresStore) InsertSuggestion(ctx context.Context, sg Suggestion) (Suggestion, error) {
	if sg.ID == "" {
		sg.ID = util.NewID("sug")
	}
	content, err := encodeSuggestedContent(sg)
	if err != nil {
		return Suggestion{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		INSERT INTO suggestions (
			id, type, status, message_id, thread_id, project_id, repository_link_id,
			confidence, reasoning, suggested_content
		)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10)
		RETURNING`+suggestionColumns+`
	`, sg.ID, sg.Type, sg.Status, sg.MessageID, sg.ThreadID, sg.ProjectID, sg.RepositoryLinkID,
		sg.Confidence, sg.Reasoning, content)

	inserted, err := scanSuggestion(row)
	if err != nil {
		return Suggestion{}, fmt.Errorf("insert suggestion: %w", err)
	}
	return inserted, nil
}

func (s *PostgresStore) GetSuggestion(ctx context.Context, id string) (Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `
		SELECT`+suggestionColumns+`
		FROM suggestions
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	sg, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Suggestion{}, sql.ErrNoRows
		}
		return Suggestion{}, fmt.Errorf("get suggestion: %w", err)
	}
	return sg, nil
}

func (s *PostgresStore) ListSuggestions(ctx context.Context, filter SuggestionFilter) ([]Suggestion, error) {
	conditions := []string{"deleted_at IS NULL"}
	args := []any{}

	if len(filter.Statuses) > 0 {
		args = append(args, statusStrings(filter.Statuses))
		conditions = append(conditions, fmt.Sprintf("status = ANY($%d)", len(args)))
	}
	if filter.Type != "" {
		args = append(args, string(filter.Type))
		conditions = append(conditions, fmt.Sprintf("type = $%d", len(args)))
	}
	if filter.ProjectID != "" {
		args = append(args, filter.ProjectID)
		conditions = append(conditions, fmt.Sprintf("project_id = $%d", len(args)))
	}
	if len(filter.IDs) > 0 {
		args = append(args, filter.IDs)
		conditions = append(conditions, fmt.Sprintf("id = ANY($%d)", len(args)))
	}

	limit := filter.Limit
	if limit <= 0 || limit > 200 {
		limit = 100
	}
	args = append(args, limit)

	query := fmt.Sprintf(`
		SELECT`+suggestionColumns+`
		FROM suggestions
		WHERE %s
		ORDER BY confidence DESC, created_at ASC
		LIMIT $%d
	`, strings.Join(conditions, " AND "), len(args))

	rows, err := s.db.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	defer rows.Close()

	suggestions := []Suggestion{}
	for rows.Next() {
		sg, err := scanSuggestion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan suggestion: %w", err)
		}
		suggestions = append(suggestions, sg)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list suggestions: %w", err)
	}
	return suggestions, nil
}

// UpdateSuggestionStatus performs the guarded transition to status. The
// update only matches when the current status is in allowedFrom, so two
// concurrent reviewers cannot both win; the loser gets ErrAlreadyProcessed.
// Empty metadata fields leave the stored values intact, so a compensating
// FAILED write or a retry never erases earlier reviewer notes or markers.
func (s *PostgresStore) UpdateSuggestionStatus(ctx context.Context, id string, status SuggestionStatus, allowedFrom []SuggestionStatus, update StatusUpdate) (Suggestion, error) {
	row := s.db.QueryRowContext(ctx, `
		UPDATE suggestions
		SET status = $2,
			reviewed_by = $3,
			reviewed_at = NOW(),
			review_notes = COALESCE(NULLIF($4, ''), review_notes),
			created_task_id = COALESCE($5, created_task_id),
			created_pr_number = COALESCE($6, created_pr_number),
			created_pr_url = COALESCE($7, created_pr_url),
			error_message = COALESCE($8, error_message),
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status = ANY($9)
		RETURNING`+suggestionColumns+`
	`, id, status, update.ReviewedBy, update.ReviewNotes,
		update.CreatedTaskID, update.PRNumber, update.PRURL, update.ErrorMessage,
		statusStrings(allowedFrom))

	sg, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Suggestion{}, s.classifyMissedUpdate(ctx, id)
		}
		return Suggestion{}, fmt.Errorf("update suggestion status: %w", err)
	}
	return sg, nil
}

// UpdateSuggestionContent replaces the suggested payload and marks the
// suggestion MODIFIED. Only reviewable suggestions can be edited.
func (s *PostgresStore) UpdateSuggestionContent(ctx context.Context, id string, sg Suggestion, allowedFrom []SuggestionStatus) (Suggestion, error) {
	content, err := encodeSuggestedContent(sg)
	if err != nil {
		return Suggestion{}, err
	}

	row := s.db.QueryRowContext(ctx, `
		UPDATE suggestions
		SET suggested_content = $2,
			status = 'MODIFIED',
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status = ANY($3)
		RETURNING`+suggestionColumns+`
	`, id, content, statusStrings(allowedFrom))

	updated, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Suggestion{}, s.classifyMissedUpdate(ctx, id)
		}
		return Suggestion{}, fmt.Errorf("update suggestion content: %w", err)
	}
	return updated, nil
}

func (s *PostgresStore) SoftDeleteSuggestion(ctx context.Context, id string) error {
	result, err := s.db.ExecContext(ctx, `
		UPDATE suggestions
		SET deleted_at = NOW(), updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL
	`, id)
	if err != nil {
		return fmt.Errorf("soft delete suggestion: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return fmt.Errorf("soft delete suggestion: %w", err)
	}
	if affected == 0 {
		return sql.ErrNoRows
	}
	return nil
}

// CommitTaskApproval writes the task, the suggestion's terminal status and
// the staged feedback in one transaction.
func (s *PostgresStore) CommitTaskApproval(ctx context.Context, approval TaskApproval) (Task, Suggestion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Task{}, Suggestion{}, fmt.Errorf("begin task approval: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	task := approval.Task
	if task.ID == "" {
		task.ID = util.NewID("task")
	}
	err = tx.QueryRowContext(ctx, `
		INSERT INTO tasks (id, project_id, title, description, status, priority, due_date, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING created_at
	`, task.ID, task.ProjectID, task.Title, task.Description, task.Status, task.Priority, task.DueDate, task.CreatedBy).
		Scan(&task.CreatedAt)
	if err != nil {
		return Task{}, Suggestion{}, fmt.Errorf("insert task: %w", err)
	}

	row := tx.QueryRowContext(ctx, `
		UPDATE suggestions
		SET status = $2,
			reviewed_by = $3,
			reviewed_at = NOW(),
			created_task_id = $4,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status = ANY($5)
		RETURNING`+suggestionColumns+`
	`, approval.SuggestionID, approval.FinalStatus, approval.ReviewedBy, task.ID,
		statusStrings(reviewableStatuses))

	sg, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Task{}, Suggestion{}, s.classifyMissedUpdate(ctx, approval.SuggestionID)
		}
		return Task{}, Suggestion{}, fmt.Errorf("mark suggestion approved: %w", err)
	}

	for _, fb := range approval.Feedback {
		if err := insertFeedbackTx(ctx, tx, approval.SuggestionID, fb); err != nil {
			return Task{}, Suggestion{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Task{}, Suggestion{}, fmt.Errorf("commit task approval: %w", err)
	}
	return task, sg, nil
}

// CommitRejection marks the suggestion REJECTED and appends the optional
// feedback row in one transaction.
func (s *PostgresStore) CommitRejection(ctx context.Context, rejection Rejection) (Suggestion, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return Suggestion{}, fmt.Errorf("begin rejection: %w", err)
	}
	defer func() { _ = tx.Rollback() }()

	row := tx.QueryRowContext(ctx, `
		UPDATE suggestions
		SET status = 'REJECTED',
			reviewed_by = $2,
			reviewed_at = NOW(),
			review_notes = $3,
			updated_at = NOW()
		WHERE id = $1 AND deleted_at IS NULL AND status = ANY($4)
		RETURNING`+suggestionColumns+`
	`, rejection.SuggestionID, rejection.ReviewedBy, rejection.Reason,
		statusStrings(reviewableStatuses))

	sg, err := scanSuggestion(row)
	if err != nil {
		if errors.Is(err, sql.ErrNoRows) {
			return Suggestion{}, s.classifyMissedUpdate(ctx, rejection.SuggestionID)
		}
		return Suggestion{}, fmt.Errorf("mark suggestion rejected: %w", err)
	}

	if rejection.Feedback != nil {
		if err := insertFeedbackTx(ctx, tx, rejection.SuggestionID, *rejection.Feedback); err != nil {
			return Suggestion{}, err
		}
	}

	if err := tx.Commit(); err != nil {
		return Suggestion{}, fmt.Errorf("commit rejection: %w", err)
	}
	return sg, nil
}

func (s *PostgresStore) InsertSuggestionFeedback(ctx context.Context, fb SuggestionFeedback) (SuggestionFeedback, error) {
	if fb.ID == "" {
		fb.ID = util.NewID("sfb")
	}
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO suggestion_feedback (id, suggestion_id, feedback_type, original_value, corrected_value, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, fb.ID, fb.SuggestionID, fb.FeedbackType, fb.OriginalValue, fb.CorrectedValue, fb.CreatedBy).
		Scan(&fb.CreatedAt)
	if err != nil {
		return SuggestionFeedback{}, fmt.Errorf("insert suggestion feedback: %w", err)
	}
	return fb, nil
}

func (s *PostgresStore) ListSuggestionFeedback(ctx context.Context, suggestionID string) ([]SuggestionFeedback, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, suggestion_id, feedback_type, original_value, corrected_value, created_by, created_at
		FROM suggestion_feedback
		WHERE suggestion_id = $1
		ORDER BY created_at ASC, id ASC
	`, suggestionID)
	if err != nil {
		return nil, fmt.Errorf("list suggestion feedback: %w", err)
	}
	defer rows.Close()

	feedback := []SuggestionFeedback{}
	for rows.Next() {
		var fb SuggestionFeedback
		if err := rows.Scan(&fb.ID, &fb.SuggestionID, &fb.FeedbackType, &fb.OriginalValue, &fb.CorrectedValue, &fb.CreatedBy, &fb.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan suggestion feedback: %w", err)
		}
		feedback = append(feedback, fb)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("list suggestion feedback: %w", err)
	}
	return feedback, nil
}

func (s *PostgresStore) PendingSuggestionCounts(ctx context.Context) (PendingCounts, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT type, COUNT(*)
		FROM suggestions
		WHERE deleted_at IS NULL AND status IN ('PENDING', 'DRAFT')
		GROUP BY type
	`)
	if err != nil {
		return PendingCounts{}, fmt.Errorf("pending suggestion counts: %w", err)
	}
	defer rows.Close()

	counts := PendingCounts{ByType: map[SuggestionType]int{}}
	for rows.Next() {
		var typ SuggestionType
		var n int
		if err := rows.Scan(&typ, &n); err != nil {
			return PendingCounts{}, fmt.Errorf("scan pending counts: %w", err)
		}
		counts.ByType[typ] = n
		counts.Total += n
	}
	if err := rows.Err(); err != nil {
		return PendingCounts{}, fmt.Errorf("pending suggestion counts: %w", err)
	}
	return counts, nil
}

// reviewableStatuses are the states a reviewer decision may start from.
// FAILED stays in the set so a commit that hit an external error can be
// attempted again.
var reviewableStatuses = []SuggestionStatus{StatusPending, StatusDraft, StatusModified, StatusFailed}

// classifyMissedUpdate distinguishes "row gone" from "row already decided"
// after a guarded update matched nothing.
func (s *PostgresStore) classifyMissedUpdate(ctx context.Context, id string) error {
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM suggestions WHERE id = $1 AND deleted_at IS NULL)
	`, id).Scan(&exists)
	if err != nil {
		return fmt.Errorf("classify missed update: %w", err)
	}
	if !exists {
		return sql.ErrNoRows
	}
	return ErrAlreadyProcessed
}

func insertFeedbackTx(ctx context.Context, tx *sql.Tx, suggestionID string, fb SuggestionFeedback) error {
	if fb.ID == "" {
		fb.ID = util.NewID("sfb")
	}
	_, err := tx.ExecContext(ctx, `
		INSERT INTO suggestion_feedback (id, suggestion_id, feedback_type, original_value, corrected_value, created_by)
		VALUES ($1, $2, $3, $4, $5, $6)
	`, fb.ID, suggestionID, fb.FeedbackType, fb.OriginalValue, fb.CorrectedValue, fb.CreatedBy)
	if err != nil {
		return fmt.Errorf("insert suggestion feedback: %w", err)
	}
	return nil
}

func statusStrings(statuses []SuggestionStatus) []string {
	out := make([]string, 0, len(statuses))
	for _, st := range statuses {
		out = append(out, string(st))
	}
	return out
}

func encodeSuggestedContent(sg Suggestion) ([]byte, error) {
	var payload any
	switch {
	case sg.TaskContent != nil:
		payload = sg.TaskContent
	case sg.PRContent != nil:
		payload = sg.PRContent
	case sg.ReplyContent != nil:
		payload = sg.ReplyContent
	default:
		payload = map[string]any{}
	}
	encoded, err := json.Marshal(payload)
	if err != nil {
		return nil, fmt.Errorf("encode suggested content: %w", err)
	}
	return encoded, nil
}

func decodeSuggestedContent(sg *Suggestion, raw []byte) error {
	if len(raw) == 0 {
		return nil
	}
	switch sg.Type {
	case SuggestionTask:
		var content TaskContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return fmt.Errorf("decode task content: %w", err)
		}
		sg.TaskContent = &content
	case SuggestionPR:
		var content PRContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return fmt.Errorf("decode pr content: %w", err)
		}
		sg.PRContent = &content
	case SuggestionReply:
		var content ReplyContent
		if err := json.Unmarshal(raw, &content); err != nil {
			return fmt.Errorf("decode reply content: %w", err)
		}
		sg.ReplyContent = &content
	}
	return nil
}

type rowScanner interface {
	Scan(dest ...any) error
}

func scanSuggestion(row rowScanner) (Suggestion, error) {
	var sg Suggestion
	var content []byte
	var reviewNotes, errorMessage sql.NullString
	err := row.Scan(
		&sg.ID, &sg.Type, &sg.Status, &sg.MessageID, &sg.ThreadID, &sg.ProjectID, &sg.RepositoryLinkID,
		&sg.Confidence, &sg.Reasoning, &content,
		&sg.ReviewedBy, &sg.ReviewedAt, &reviewNotes,
		&sg.CreatedTaskID, &sg.CreatedPRNumber, &sg.CreatedPRURL, &errorMessage,
		&sg.CreatedAt, &sg.UpdatedAt, &sg.DeletedAt,
	)
	if err != nil {
		return Suggestion{}, err
	}
	sg.ReviewNotes = reviewNotes.String
	sg.ErrorMessage = errorMessage.String
	if err := decodeSuggestedContent(&sg, content); err != nil {
		return Suggestion{}, err
	}
	return sg, nil
}
