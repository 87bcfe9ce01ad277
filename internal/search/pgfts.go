package search

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
)

// PgFTS implements Searcher using PostgreSQL full-text search as a fallback.
type PgFTS struct {
	db *sql.DB
}

func NewPgFTS(db *sql.DB) *PgFTS {
	return &PgFTS{db: db}
}

// Healthy always returns true: without Postgres nothing else works either.
func (p *PgFTS) Healthy() bool {
	return true
}

const commentScope = `
	FROM review_comments c
	JOIN review_threads t ON t.id = c.thread_id
	JOIN deliverable_versions v ON v.id = t.version_id
	JOIN deliverables d ON d.id = v.deliverable_id
	WHERE d.project_id = $1
	  AND to_tsvector('english', c.body) @@ plainto_tsquery('english', $2)`

func (p *PgFTS) Search(ctx context.Context, q Query) ([]Result, int, error) {
	if strings.TrimSpace(q.Text) == "" {
		return nil, 0, nil
	}
	q = normalizeQuery(q)

	var total int
	if err := p.db.QueryRowContext(ctx, `SELECT COUNT(*)`+commentScope, q.ProjectID, q.Text).Scan(&total); err != nil {
		return nil, 0, fmt.Errorf("count comment matches: %w", err)
	}

	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.thread_id, t.version_id, v.deliverable_id,
			ts_headline('english', c.body, plainto_tsquery('english', $2), 'StartSel=<mark>,StopSel=</mark>,MaxFragments=1,MaxWords=30'),
			COALESCE(c.created_by, c.guest_name, '')`+commentScope+`
		ORDER BY ts_rank(to_tsvector('english', c.body), plainto_tsquery('english', $2)) DESC, c.created_at DESC
		LIMIT $3 OFFSET $4
	`, q.ProjectID, q.Text, q.Limit, q.Offset)
	if err != nil {
		return nil, 0, fmt.Errorf("search comments: %w", err)
	}
	defer rows.Close()

	results := make([]Result, 0)
	for rows.Next() {
		var r Result
		if err := rows.Scan(&r.CommentID, &r.ThreadID, &r.VersionID, &r.DeliverableID, &r.Snippet, &r.Author); err != nil {
			return nil, 0, fmt.Errorf("scan comment match: %w", err)
		}
		results = append(results, r)
	}
	if err := rows.Err(); err != nil {
		return nil, 0, fmt.Errorf("iterate comment matches: %w", err)
	}
	return results, total, nil
}

// LoadAllComments reads every comment as an index record, used to rebuild
// the Meilisearch index.
func (p *PgFTS) LoadAllComments(ctx context.Context) ([]CommentRecord, error) {
	rows, err := p.db.QueryContext(ctx, `
		SELECT c.id, c.body, COALESCE(c.created_by, c.guest_name, ''), c.thread_id, t.version_id, v.deliverable_id, d.project_id,
			EXTRACT(EPOCH FROM c.created_at)::bigint
		FROM review_comments c
		JOIN review_threads t ON t.id = c.thread_id
		JOIN deliverable_versions v ON v.id = t.version_id
		JOIN deliverables d ON d.id = v.deliverable_id
		ORDER BY c.created_at ASC
	`)
	if err != nil {
		return nil, fmt.Errorf("load comments: %w", err)
	}
	defer rows.Close()

	records := make([]CommentRecord, 0)
	for rows.Next() {
		var r CommentRecord
		if err := rows.Scan(&r.ID, &r.Body, &r.Author, &r.ThreadID, &r.VersionID, &r.DeliverableID, &r.ProjectID, &r.CreatedAt); err != nil {
			return nil, fmt.Errorf("scan comment record: %w", err)
		}
		records = append(records, r)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comment records: %w", err)
	}
	return records, nil
}
