package store

import (
	"context"
	"fmt"
	"time"
)

const threadColumns = `id, version_id, timecode_seconds, x, y, status, created_by, created_at, resolved_at, resolved_by`

func scanThread(row rowScanner) (ReviewThread, error) {
	var item ReviewThread
	err := row.Scan(
		&item.ID,
		&item.VersionID,
		&item.TimecodeSeconds,
		&item.X,
		&item.Y,
		&item.Status,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.ResolvedAt,
		&item.ResolvedBy,
	)
	return item, err
}

const commentColumns = `c.id, c.thread_id, c.body, c.created_by, c.guest_name, c.guest_email, c.created_at`

func scanComment(row rowScanner) (ReviewComment, error) {
	var item ReviewComment
	err := row.Scan(
		&item.ID,
		&item.ThreadID,
		&item.Body,
		&item.CreatedBy,
		&item.GuestName,
		&item.GuestEmail,
		&item.CreatedAt,
	)
	return item, err
}

func insertComment(ctx context.Context, tx DBTX, c *ReviewComment) error {
	if err := tx.QueryRowContext(ctx, `
		INSERT INTO review_comments (id, thread_id, body, created_by, guest_name, guest_email)
		VALUES ($1, $2, $3, $4, $5, $6)
		RETURNING created_at
	`, c.ID, c.ThreadID, c.Body, c.CreatedBy, c.GuestName, c.GuestEmail).Scan(&c.CreatedAt); err != nil {
		return fmt.Errorf("insert comment: %w", err)
	}
	return nil
}

// CreateThread inserts an open thread together with its first comment.
func (s *PostgresStore) CreateThread(ctx context.Context, thread ReviewThread, first ReviewComment) (ReviewThread, ReviewComment, error) {
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		thread.Status = ThreadStatusOpen
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO review_threads (id, version_id, timecode_seconds, x, y, status, created_by)
			VALUES ($1, $2, $3, $4, $5, $6, $7)
			RETURNING created_at
		`, thread.ID, thread.VersionID, thread.TimecodeSeconds, thread.X, thread.Y, thread.Status, thread.CreatedBy).Scan(&thread.CreatedAt); err != nil {
			return fmt.Errorf("insert thread: %w", err)
		}
		first.ThreadID = thread.ID
		return insertComment(ctx, tx, &first)
	})
	if err != nil {
		return ReviewThread{}, ReviewComment{}, err
	}
	return thread, first, nil
}

func (s *PostgresStore) GetThread(ctx context.Context, threadID string) (ReviewThread, error) {
	item, err := scanThread(s.db.QueryRowContext(ctx, `
		SELECT `+threadColumns+` FROM review_threads WHERE id=$1
	`, threadID))
	if err != nil {
		return ReviewThread{}, fmt.Errorf("get thread: %w", notFound(err))
	}
	return item, nil
}

// AddComment appends a comment and reopens the thread if it was resolved.
// It returns the thread as it is after the append.
func (s *PostgresStore) AddComment(ctx context.Context, c ReviewComment) (ReviewThread, ReviewComment, error) {
	var thread ReviewThread
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM review_threads WHERE id=$1 FOR UPDATE
		`, c.ThreadID).Scan(&locked); err != nil {
			return fmt.Errorf("lock thread: %w", notFound(err))
		}
		if err := insertComment(ctx, tx, &c); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE review_threads
			SET status='open', resolved_at=NULL, resolved_by=NULL
			WHERE id=$1 AND status='resolved'
		`, c.ThreadID); err != nil {
			return fmt.Errorf("reopen thread: %w", err)
		}
		var err error
		thread, err = scanThread(tx.QueryRowContext(ctx, `
			SELECT `+threadColumns+` FROM review_threads WHERE id=$1
		`, c.ThreadID))
		if err != nil {
			return fmt.Errorf("reload thread: %w", err)
		}
		return nil
	})
	if err != nil {
		return ReviewThread{}, ReviewComment{}, err
	}
	return thread, c, nil
}

// SetThreadStatus stamps resolved_at/resolved_by when resolving and clears
// them when reopening.
func (s *PostgresStore) SetThreadStatus(ctx context.Context, threadID, status, actorID string) (ReviewThread, error) {
	var query string
	args := []any{threadID}
	switch status {
	case ThreadStatusResolved:
		query = `
			UPDATE review_threads
			SET status='resolved', resolved_at=NOW(), resolved_by=$2
			WHERE id=$1
			RETURNING ` + threadColumns
		args = append(args, actorID)
	case ThreadStatusOpen:
		query = `
			UPDATE review_threads
			SET status='open', resolved_at=NULL, resolved_by=NULL
			WHERE id=$1
			RETURNING ` + threadColumns
	default:
		return ReviewThread{}, fmt.Errorf("set thread status: unknown status %q", status)
	}
	item, err := scanThread(s.db.QueryRowContext(ctx, query, args...))
	if err != nil {
		return ReviewThread{}, fmt.Errorf("set thread status: %w", notFound(err))
	}
	return item, nil
}

// ListThreads returns the threads of a version ordered by created_at.
func (s *PostgresStore) ListThreads(ctx context.Context, versionID string, descending bool) ([]ReviewThread, error) {
	order := "ASC"
	if descending {
		order = "DESC"
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+threadColumns+`
		FROM review_threads
		WHERE version_id=$1
		ORDER BY created_at `+order+`, id `+order, versionID)
	if err != nil {
		return nil, fmt.Errorf("list threads: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewThread, 0)
	for rows.Next() {
		item, err := scanThread(rows)
		if err != nil {
			return nil, fmt.Errorf("scan thread: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate threads: %w", err)
	}
	return items, nil
}

// ListVersionComments returns every comment of every thread on a version in
// ascending created_at order.
func (s *PostgresStore) ListVersionComments(ctx context.Context, versionID string) ([]ReviewComment, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+commentColumns+`
		FROM review_comments c
		JOIN review_threads t ON t.id = c.thread_id
		WHERE t.version_id=$1
		ORDER BY c.created_at ASC, c.id ASC
	`, versionID)
	if err != nil {
		return nil, fmt.Errorf("list comments: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewComment, 0)
	for rows.Next() {
		item, err := scanComment(rows)
		if err != nil {
			return nil, fmt.Errorf("scan comment: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate comments: %w", err)
	}
	return items, nil
}

const approvalColumns = `id, deliverable_id, version_id, decision, note, approver_id, approved_at, created_at`

func scanApproval(row rowScanner) (Approval, error) {
	var item Approval
	err := row.Scan(
		&item.ID,
		&item.DeliverableID,
		&item.VersionID,
		&item.Decision,
		&item.Note,
		&item.ApproverID,
		&item.ApprovedAt,
		&item.CreatedAt,
	)
	return item, err
}

// RecordApproval appends the decision. The deliverable moves to status only
// when the decided version is still its newest one; deciding on an older
// version is kept as history and leaves the status alone. The deliverable row
// is locked like in PublishVersion, so a concurrent publish cannot slip in
// between the check and the update.
func (s *PostgresStore) RecordApproval(ctx context.Context, a Approval, status string) (Approval, error) {
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		var current string
		if err := tx.QueryRowContext(ctx, `SELECT status FROM deliverables WHERE id=$1 FOR UPDATE`, a.DeliverableID).Scan(&current); err != nil {
			return fmt.Errorf("lock deliverable: %w", notFound(err))
		}
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO approvals (id, deliverable_id, version_id, decision, note, approver_id)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING approved_at, created_at
		`, a.ID, a.DeliverableID, a.VersionID, a.Decision, a.Note, a.ApproverID).Scan(&a.ApprovedAt, &a.CreatedAt); err != nil {
			return fmt.Errorf("insert approval: %w", err)
		}
		var latest string
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM deliverable_versions
			WHERE deliverable_id=$1
			ORDER BY version_number DESC
			LIMIT 1
		`, a.DeliverableID).Scan(&latest); err != nil {
			return fmt.Errorf("latest version: %w", notFound(err))
		}
		if latest != a.VersionID {
			return nil
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE deliverables SET status=$2, updated_at=NOW() WHERE id=$1
		`, a.DeliverableID, status); err != nil {
			return fmt.Errorf("update deliverable status: %w", err)
		}
		return nil
	})
	if err != nil {
		return Approval{}, err
	}
	return a, nil
}

func (s *PostgresStore) listApprovals(ctx context.Context, column, id string) ([]Approval, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+approvalColumns+`
		FROM approvals
		WHERE `+column+`=$1
		ORDER BY approved_at DESC, created_at DESC, id DESC
	`, id)
	if err != nil {
		return nil, fmt.Errorf("list approvals: %w", err)
	}
	defer rows.Close()

	items := make([]Approval, 0)
	for rows.Next() {
		item, err := scanApproval(rows)
		if err != nil {
			return nil, fmt.Errorf("scan approval: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate approvals: %w", err)
	}
	return items, nil
}

// ListApprovals returns the decision history of a deliverable, most recent
// first.
func (s *PostgresStore) ListApprovals(ctx context.Context, deliverableID string) ([]Approval, error) {
	return s.listApprovals(ctx, "deliverable_id", deliverableID)
}

func (s *PostgresStore) ListVersionApprovals(ctx context.Context, versionID string) ([]Approval, error) {
	return s.listApprovals(ctx, "version_id", versionID)
}

const linkColumns = `id, deliverable_id, token_hash, password_hash, expires_at, require_auth, single_use, allow_guest_comments, use_count, used_at, created_by, created_at, revoked_at`

func scanLink(row rowScanner) (ReviewLink, error) {
	var item ReviewLink
	err := row.Scan(
		&item.ID,
		&item.DeliverableID,
		&item.TokenHash,
		&item.PasswordHash,
		&item.ExpiresAt,
		&item.RequireAuth,
		&item.SingleUse,
		&item.AllowGuestComments,
		&item.UseCount,
		&item.UsedAt,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.RevokedAt,
	)
	return item, err
}

func (s *PostgresStore) InsertReviewLink(ctx context.Context, link ReviewLink) (ReviewLink, error) {
	err := s.db.QueryRowContext(ctx, `
		INSERT INTO review_links (id, deliverable_id, token_hash, password_hash, expires_at, require_auth, single_use, allow_guest_comments, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8, $9)
		RETURNING created_at
	`, link.ID, link.DeliverableID, link.TokenHash, link.PasswordHash, link.ExpiresAt, link.RequireAuth, link.SingleUse, link.AllowGuestComments, link.CreatedBy).Scan(&link.CreatedAt)
	if isUniqueViolation(err) {
		return ReviewLink{}, ErrConflict
	}
	if err != nil {
		return ReviewLink{}, fmt.Errorf("insert review link: %w", err)
	}
	return link, nil
}

func (s *PostgresStore) GetReviewLinkByHash(ctx context.Context, tokenHash string) (ReviewLink, error) {
	item, err := scanLink(s.db.QueryRowContext(ctx, `
		SELECT `+linkColumns+` FROM review_links WHERE token_hash=$1
	`, tokenHash))
	if err != nil {
		return ReviewLink{}, fmt.Errorf("get review link: %w", notFound(err))
	}
	return item, nil
}

// ConsumeReviewLink records one use of a link. For single-use links the
// update only applies while use_count is still zero, so at most one caller
// observes true. A revoked link, or one expired at at, is never consumed.
func (s *PostgresStore) ConsumeReviewLink(ctx context.Context, linkID string, singleUse bool, at time.Time) (bool, error) {
	query := `
		UPDATE review_links
		SET use_count=use_count+1, used_at=$2
		WHERE id=$1 AND revoked_at IS NULL AND expires_at > $2`
	if singleUse {
		query += ` AND use_count=0`
	}
	result, err := s.db.ExecContext(ctx, query, linkID, at)
	if err != nil {
		return false, fmt.Errorf("consume review link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("consume review link rows: %w", err)
	}
	return affected > 0, nil
}

func (s *PostgresStore) ListReviewLinks(ctx context.Context, deliverableID string) ([]ReviewLink, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+linkColumns+`
		FROM review_links
		WHERE deliverable_id=$1
		ORDER BY created_at DESC, id ASC
	`, deliverableID)
	if err != nil {
		return nil, fmt.Errorf("list review links: %w", err)
	}
	defer rows.Close()

	items := make([]ReviewLink, 0)
	for rows.Next() {
		item, err := scanLink(rows)
		if err != nil {
			return nil, fmt.Errorf("scan review link: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate review links: %w", err)
	}
	return items, nil
}

// RevokeReviewLink reports false when the link does not exist on the
// deliverable. Revoking twice keeps the first timestamp.
func (s *PostgresStore) RevokeReviewLink(ctx context.Context, deliverableID, linkID string, at time.Time) (bool, error) {
	result, err := s.db.ExecContext(ctx, `
		UPDATE review_links SET revoked_at=COALESCE(revoked_at, $3)
		WHERE deliverable_id=$1 AND id=$2
	`, deliverableID, linkID, at)
	if err != nil {
		return false, fmt.Errorf("revoke review link: %w", err)
	}
	affected, err := result.RowsAffected()
	if err != nil {
		return false, fmt.Errorf("revoke review link rows: %w", err)
	}
	return affected > 0, nil
}
