package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements search using PostgreSQL full-text search as a fallback.
// The suggestions table carries a generated fts column over the suggested
// title and reasoning.
type PgFTS struct {
	db *sql.DB
}

// NewPgFTS creates a PostgreSQL FTS searcher.
func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true. If Postgres is down, the whole app is down.
func (p *PgFTS) Healthy() bool {
	return true
}

func (p *PgFTS) Search(q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}

	limit := q.Limit
	if limit <= 0 {
		limit = 50
	}
	offset := q.Offset
	if offset < 0 {
		offset = 0
	}

	where := "s.deleted_at IS NULL AND s.fts @@ plainto_tsquery('english', $1)"
	args := []any{q.Text}
	if q.FilterType != "" {
		args = append(args, q.FilterType)
		where += fmt.Sprintf(" AND s.type = $%d", len(args))
	}
	if q.FilterProjectID != "" {
		args = append(args, q.FilterProjectID)
		where += fmt.Sprintf(" AND s.project_id = $%d", len(args))
	}

	countSQL := fmt.Sprintf("SELECT count(*) FROM suggestions s WHERE %s", where)

	var total int
	if err := p.db.QueryRowContext(context.Background(), countSQL, args...).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("pgfts count: %w", err)
	}

	dataSQL := fmt.Sprintf(`
		SELECT s.id, s.type, s.status,
			coalesce(s.suggested_content->>'title', '') AS title,
			ts_headline('english', coalesce(s.reasoning, ''), plainto_tsquery('english', $1), 'MaxFragments=1,MaxWords=30') AS snippet,
			coalesce(s.project_id, '') AS project_id
		FROM suggestions s
		WHERE %s
		ORDER BY ts_rank(s.fts, plainto_tsquery('english', $1)) DESC
		LIMIT %d OFFSET %d
	`, where, limit, offset)

	rows, err := p.db.QueryContext(context.Background(), dataSQL, args...)
	if err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	defer rows.Close()

	var results []Result
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.ID, &r.Type, &r.Status, &r.Title, &r.Snippet, &r.ProjectID); err != nil {
			return nil, 0, fmt.Errorf("pgfts scan: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("pgfts search: %w", err)
	}
	return results, total, nil
}

// LoadAllRecords reads every live suggestion for bulk reindexing.
func (p *PgFTS) LoadAllRecords(ctx context.Context) ([]SuggestionRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT id, type, status,
			coalesce(suggested_content->>'title', ''),
			coalesce(reasoning, ''),
			coalesce(project_id, '')
		FROM suggestions
		WHERE deleted_at IS NULL
	`)
	if err != nil {
		return nil, fmt.Errorf("load suggestion records: %w", err)
	}
	defer rows.Close()

	var records []SuggestionRecord
	for rows.Next() {
		var r SuggestionRecord
		if err := rows.Scan(&r.ID, &r.Type, &r.Status, &r.Title, &r.Reasoning, &r.ProjectID); err != nil {
			return nil, fmt.Errorf("scan suggestion record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("load suggestion records: %w", err)
	}
	return records, nil
}
