package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// The batch lookups below back the review-queue context resolver. Each one
// takes the full set of IDs for a page of suggestions and returns a map, so
// resolving a page costs a fixed number of queries regardless of page size.
// IDs with no row are simply absent from the map.

func (s *PostgresStore) MessageSummaries(ctx context.Context, ids []string) (map[string]MessageSummary, error) {
	out := map[string]MessageSummary{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, subject, from_address, received_at
		FROM messages
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("message summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var m MessageSummary
		if err := rows.Scan(&m.ID, &m.Subject, &m.FromAddress, &m.ReceivedAt); err != nil {
			return nil, fmt.Errorf("scan message summary: %w", err)
		}
		out[m.ID] = m
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("message summaries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ThreadSummaries(ctx context.Context, ids []string) (map[string]ThreadSummary, error) {
	out := map[string]ThreadSummary{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT t.id, t.subject, COUNT(m.id)
		FROM threads t
		LEFT JOIN messages m ON m.thread_id = t.id
		WHERE t.id = ANY($1)
		GROUP BY t.id, t.subject
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("thread summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t ThreadSummary
		if err := rows.Scan(&t.ID, &t.Subject, &t.MessageCount); err != nil {
			return nil, fmt.Errorf("scan thread summary: %w", err)
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("thread summaries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) ProjectNames(ctx context.Context, ids []string) (map[string]string, error) {
	out := map[string]string{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, name
		FROM projects
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("project names: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var id, name string
		if err := rows.Scan(&id, &name); err != nil {
			return nil, fmt.Errorf("scan project name: %w", err)
		}
		out[id] = name
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("project names: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) RepositoryLinks(ctx context.Context, ids []string) (map[string]RepositoryLink, error) {
	out := map[string]RepositoryLink{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, project_id, full_name, default_branch, connection_id
		FROM repository_links
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("repository links: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var link RepositoryLink
		if err := rows.Scan(&link.ID, &link.ProjectID, &link.FullName, &link.DefaultBranch, &link.ConnectionID); err != nil {
			return nil, fmt.Errorf("scan repository link: %w", err)
		}
		out[link.ID] = link
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("repository links: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) GetRepositoryLink(ctx context.Context, id string) (RepositoryLink, error) {
	var link RepositoryLink
	err := s.db.QueryRowContext(ctx, `
		SELECT id, project_id, full_name, default_branch, connection_id
		FROM repository_links
		WHERE id = $1
	`, id).Scan(&link.ID, &link.ProjectID, &link.FullName, &link.DefaultBranch, &link.ConnectionID)
	if err != nil {
		return RepositoryLink{}, err
	}
	return link, nil
}

func (s *PostgresStore) TaskSummaries(ctx context.Context, ids []string) (map[string]TaskSummary, error) {
	out := map[string]TaskSummary{}
	if len(ids) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT id, title
		FROM tasks
		WHERE id = ANY($1)
	`, ids)
	if err != nil {
		return nil, fmt.Errorf("task summaries: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var t TaskSummary
		if err := rows.Scan(&t.ID, &t.Title); err != nil {
			return nil, fmt.Errorf("scan task summary: %w", err)
		}
		out[t.ID] = t
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("task summaries: %w", err)
	}
	return out, nil
}

func (s *PostgresStore) InsertActivityEvent(ctx context.Context, event ActivityEvent) error {
	metadata := []byte("{}")
	if event.Metadata != nil {
		encoded, err := json.Marshal(event.Metadata)
		if err != nil {
			return fmt.Errorf("encode activity metadata: %w", err)
		}
		metadata = encoded
	}
	_, err := s.db.ExecContext(ctx, `
		INSERT INTO activity_events (actor_id, actor_role, verb, summary, target_type, target_id, target_project_id, metadata)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
	`, event.ActorID, event.ActorRole, event.Verb, event.Summary, event.TargetType, event.TargetID, event.TargetProjectID, metadata)
	if err != nil {
		return fmt.Errorf("insert activity event: %w", err)
	}
	return nil
}
