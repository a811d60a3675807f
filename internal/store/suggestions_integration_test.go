package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/rs/zerolog"
)

// newIntegrationStore connects to the database named by
// ATRIUM_TEST_DATABASE_URL, resets the public schema and applies the
// migrations. Tests are skipped when the variable is unset.
func newIntegrationStore(t *testing.T) *PostgresStore {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("ATRIUM_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("ATRIUM_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := Open(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	migrationsDir := filepath.Join("..", "..", "db", "migrations")
	if err := ApplyMigrations(ctx, db, migrationsDir, zerolog.Nop()); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}

	seedReferenceRows(t, db)
	return NewPostgresStore(db)
}

func seedReferenceRows(t *testing.T, db *sql.DB) {
	t.Helper()
	ctx := context.Background()
	if _, err := db.ExecContext(ctx, `
		INSERT INTO users (id, display_name, email, password_hash)
		VALUES ('user-int', 'Dana', 'dana@example.com', 'x')
	`); err != nil {
		t.Fatalf("seed user: %v", err)
	}
	if _, err := db.ExecContext(ctx, `
		INSERT INTO projects (id, name) VALUES ('proj-int', 'Integration')
	`); err != nil {
		t.Fatalf("seed project: %v", err)
	}
}

func insertIntegrationSuggestion(t *testing.T, s *PostgresStore, typ SuggestionType, status SuggestionStatus) Suggestion {
	t.Helper()
	projectID := "proj-int"
	sg := Suggestion{
		Type:       typ,
		Status:     status,
		ProjectID:  &projectID,
		Confidence: 0.8,
		Reasoning:  "looks actionable",
	}
	switch typ {
	case SuggestionTask:
		sg.TaskContent = &TaskContent{Title: "Follow up with vendor"}
	case SuggestionPR:
		sg.PRContent = &PRContent{Title: "Fix retry backoff", Branch: "fix/backoff", BaseBranch: "main"}
	case SuggestionReply:
		sg.ReplyContent = &ReplyContent{Body: "Thanks, will do"}
	}
	inserted, err := s.InsertSuggestion(context.Background(), sg)
	if err != nil {
		t.Fatalf("insert suggestion: %v", err)
	}
	return inserted
}

func TestGuardedStatusUpdateSingleWinner(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	sg := insertIntegrationSuggestion(t, s, SuggestionTask, StatusPending)

	won, err := s.UpdateSuggestionStatus(ctx, sg.ID, StatusApproved, reviewableStatuses, StatusUpdate{ReviewedBy: "user-int"})
	if err != nil {
		t.Fatalf("first update failed: %v", err)
	}
	if won.Status != StatusApproved {
		t.Fatalf("expected APPROVED, got %s", won.Status)
	}
	if won.ReviewedBy == nil || *won.ReviewedBy != "user-int" {
		t.Fatalf("expected reviewer recorded, got %v", won.ReviewedBy)
	}

	// A second decision on the same row must lose the guard.
	_, err = s.UpdateSuggestionStatus(ctx, sg.ID, StatusRejected, reviewableStatuses, StatusUpdate{ReviewedBy: "user-int"})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	_, err = s.UpdateSuggestionStatus(ctx, "sug_does_not_exist", StatusApproved, reviewableStatuses, StatusUpdate{ReviewedBy: "user-int"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for unknown id, got %v", err)
	}
}

func TestGuardedStatusUpdateTreatsDeletedAsMissing(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	sg := insertIntegrationSuggestion(t, s, SuggestionTask, StatusPending)

	if err := s.SoftDeleteSuggestion(ctx, sg.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}
	_, err := s.UpdateSuggestionStatus(ctx, sg.ID, StatusApproved, reviewableStatuses, StatusUpdate{ReviewedBy: "user-int"})
	if !errors.Is(err, sql.ErrNoRows) {
		t.Fatalf("expected ErrNoRows for deleted row, got %v", err)
	}
}

func TestCommitTaskApprovalWritesAllOrNothing(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	sg := insertIntegrationSuggestion(t, s, SuggestionTask, StatusPending)

	task, updated, err := s.CommitTaskApproval(ctx, TaskApproval{
		SuggestionID: sg.ID,
		ReviewedBy:   "user-int",
		FinalStatus:  StatusModified,
		Task: Task{
			ProjectID: "proj-int",
			Title:     "Adjusted title",
			Status:    "BACKLOG",
			Priority:  "MEDIUM",
			CreatedBy: "user-int",
		},
		Feedback: []SuggestionFeedback{{
			FeedbackType:   "title_changed",
			OriginalValue:  "Follow up with vendor",
			CorrectedValue: "Adjusted title",
			CreatedBy:      "user-int",
		}},
	})
	if err != nil {
		t.Fatalf("commit task approval: %v", err)
	}
	if updated.Status != StatusModified {
		t.Fatalf("expected MODIFIED, got %s", updated.Status)
	}
	if updated.CreatedTaskID == nil || *updated.CreatedTaskID != task.ID {
		t.Fatalf("expected created task marker %s, got %v", task.ID, updated.CreatedTaskID)
	}
	feedback, err := s.ListSuggestionFeedback(ctx, sg.ID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	if len(feedback) != 1 || feedback[0].FeedbackType != "title_changed" {
		t.Fatalf("expected one title_changed row, got %v", feedback)
	}
}

func TestCommitTaskApprovalRollsBackOnLostGuard(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	sg := insertIntegrationSuggestion(t, s, SuggestionTask, StatusPending)

	if _, err := s.CommitRejection(ctx, Rejection{SuggestionID: sg.ID, ReviewedBy: "user-int", Reason: "duplicate"}); err != nil {
		t.Fatalf("reject: %v", err)
	}

	// The task insert inside the transaction must not survive the lost
	// status guard.
	_, _, err := s.CommitTaskApproval(ctx, TaskApproval{
		SuggestionID: sg.ID,
		ReviewedBy:   "user-int",
		FinalStatus:  StatusApproved,
		Task: Task{
			ProjectID: "proj-int",
			Title:     "Should never persist",
			Status:    "BACKLOG",
			Priority:  "MEDIUM",
			CreatedBy: "user-int",
		},
		Feedback: []SuggestionFeedback{{FeedbackType: "title_changed", CreatedBy: "user-int"}},
	})
	if !errors.Is(err, ErrAlreadyProcessed) {
		t.Fatalf("expected ErrAlreadyProcessed, got %v", err)
	}

	var tasks int
	if err := s.DB().QueryRowContext(ctx, `SELECT COUNT(*) FROM tasks`).Scan(&tasks); err != nil {
		t.Fatalf("count tasks: %v", err)
	}
	if tasks != 0 {
		t.Fatalf("expected task insert rolled back, found %d rows", tasks)
	}
	feedback, err := s.ListSuggestionFeedback(ctx, sg.ID)
	if err != nil {
		t.Fatalf("list feedback: %v", err)
	}
	for _, fb := range feedback {
		if fb.FeedbackType == "title_changed" {
			t.Fatal("expected feedback insert rolled back")
		}
	}
}

func TestPendingCountsCoverPendingAndDraftOnly(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()

	insertIntegrationSuggestion(t, s, SuggestionTask, StatusPending)
	insertIntegrationSuggestion(t, s, SuggestionTask, StatusPending)
	insertIntegrationSuggestion(t, s, SuggestionPR, StatusDraft)
	insertIntegrationSuggestion(t, s, SuggestionTask, StatusApproved)
	deleted := insertIntegrationSuggestion(t, s, SuggestionReply, StatusPending)
	if err := s.SoftDeleteSuggestion(ctx, deleted.ID); err != nil {
		t.Fatalf("soft delete: %v", err)
	}

	counts, err := s.PendingSuggestionCounts(ctx)
	if err != nil {
		t.Fatalf("pending counts: %v", err)
	}
	if counts.Total != 3 {
		t.Fatalf("expected total 3, got %d", counts.Total)
	}
	if counts.ByType[SuggestionTask] != 2 {
		t.Fatalf("expected 2 TASK, got %d", counts.ByType[SuggestionTask])
	}
	if counts.ByType[SuggestionPR] != 1 {
		t.Fatalf("expected 1 PR, got %d", counts.ByType[SuggestionPR])
	}
	if _, ok := counts.ByType[SuggestionReply]; ok {
		t.Fatal("soft-deleted suggestion must not be counted")
	}
}

func TestFailedRetryKeepsEarlierReviewNotes(t *testing.T) {
	s := newIntegrationStore(t)
	ctx := context.Background()
	sg := insertIntegrationSuggestion(t, s, SuggestionPR, StatusPending)

	firstErr := "host returned 502"
	failed, err := s.UpdateSuggestionStatus(ctx, sg.ID, StatusFailed, reviewableStatuses, StatusUpdate{
		ReviewedBy:   "user-int",
		ReviewNotes:  "ship before the release cut",
		ErrorMessage: &firstErr,
	})
	if err != nil {
		t.Fatalf("mark failed: %v", err)
	}
	if failed.ReviewNotes != "ship before the release cut" {
		t.Fatalf("expected notes stored, got %q", failed.ReviewNotes)
	}

	// The compensating write after a retried commit failure carries no
	// notes; the earlier ones must survive while the error is replaced.
	secondErr := "host returned 503"
	retried, err := s.UpdateSuggestionStatus(ctx, sg.ID, StatusFailed, reviewableStatuses, StatusUpdate{
		ReviewedBy:   "user-int",
		ErrorMessage: &secondErr,
	})
	if err != nil {
		t.Fatalf("mark failed again: %v", err)
	}
	if retried.ReviewNotes != "ship before the release cut" {
		t.Fatalf("expected notes preserved, got %q", retried.ReviewNotes)
	}
	if retried.ErrorMessage != "host returned 503" {
		t.Fatalf("expected error replaced, got %q", retried.ErrorMessage)
	}
}
