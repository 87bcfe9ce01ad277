package store

import (
	"context"
	"database/sql"
	"errors"
	"fmt"
)

type PostgresStore struct {
	db *sql.DB
}

func NewPostgresStore(db *sql.DB) *PostgresStore {
	return &PostgresStore{db: db}
}

func (s *PostgresStore) DB() *sql.DB {
	return s.db
}

type rowScanner interface {
	Scan(dest ...any) error
}

func notFound(err error) error {
	if errors.Is(err, sql.ErrNoRows) {
		return ErrNotFound
	}
	return err
}

func (s *PostgresStore) GetProject(ctx context.Context, projectID string) (Project, error) {
	var item Project
	err := s.db.QueryRowContext(ctx, `
		SELECT id, organization_id, COALESCE(client_id, ''), name, COALESCE(owner_id, ''), COALESCE(created_by, '')
		FROM projects
		WHERE id=$1
	`, projectID).Scan(&item.ID, &item.OrganizationID, &item.ClientID, &item.Name, &item.OwnerID, &item.CreatedBy)
	if err != nil {
		return Project{}, fmt.Errorf("get project: %w", notFound(err))
	}
	return item, nil
}

func (s *PostgresStore) TeamRole(ctx context.Context, organizationID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM team_members WHERE organization_id=$1 AND user_id=$2
	`, organizationID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get team role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) ProjectMemberRole(ctx context.Context, projectID, userID string) (string, error) {
	var role string
	err := s.db.QueryRowContext(ctx, `
		SELECT role FROM project_members WHERE project_id=$1 AND user_id=$2
	`, projectID, userID).Scan(&role)
	if errors.Is(err, sql.ErrNoRows) {
		return "", nil
	}
	if err != nil {
		return "", fmt.Errorf("get project member role: %w", err)
	}
	return role, nil
}

func (s *PostgresStore) IsClientMember(ctx context.Context, clientID, userID string) (bool, error) {
	if clientID == "" {
		return false, nil
	}
	var exists bool
	err := s.db.QueryRowContext(ctx, `
		SELECT EXISTS(SELECT 1 FROM client_members WHERE client_id=$1 AND user_id=$2)
	`, clientID, userID).Scan(&exists)
	if err != nil {
		return false, fmt.Errorf("check client membership: %w", err)
	}
	return exists, nil
}

const deliverableColumns = `id, project_id, title, description, status, created_by, created_at, updated_at`

func scanDeliverable(row rowScanner) (Deliverable, error) {
	var item Deliverable
	err := row.Scan(
		&item.ID,
		&item.ProjectID,
		&item.Title,
		&item.Description,
		&item.Status,
		&item.CreatedBy,
		&item.CreatedAt,
		&item.UpdatedAt,
	)
	return item, err
}

const versionColumns = `id, deliverable_id, version_number, file_url, file_type, duration_seconds, notes, created_by, published_at`

func scanVersion(row rowScanner) (DeliverableVersion, error) {
	var item DeliverableVersion
	err := row.Scan(
		&item.ID,
		&item.DeliverableID,
		&item.VersionNumber,
		&item.File.URL,
		&item.File.Type,
		&item.File.DurationSeconds,
		&item.Notes,
		&item.CreatedBy,
		&item.PublishedAt,
	)
	return item, err
}

// CreateDeliverable inserts the deliverable and, when initial is not nil,
// its first version in one transaction.
func (s *PostgresStore) CreateDeliverable(ctx context.Context, item Deliverable, initial *DeliverableVersion) (Deliverable, *DeliverableVersion, error) {
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		if err := tx.QueryRowContext(ctx, `
			INSERT INTO deliverables (id, project_id, title, description, status, created_by)
			VALUES ($1, $2, $3, $4, $5, $6)
			RETURNING created_at, updated_at
		`, item.ID, item.ProjectID, item.Title, item.Description, item.Status, item.CreatedBy).Scan(&item.CreatedAt, &item.UpdatedAt); err != nil {
			return fmt.Errorf("insert deliverable: %w", err)
		}
		if initial == nil {
			return nil
		}
		initial.DeliverableID = item.ID
		initial.VersionNumber = 1
		return insertVersion(ctx, tx, initial)
	})
	if err != nil {
		return Deliverable{}, nil, err
	}
	return item, initial, nil
}

func insertVersion(ctx context.Context, tx DBTX, v *DeliverableVersion) error {
	err := tx.QueryRowContext(ctx, `
		INSERT INTO deliverable_versions (id, deliverable_id, version_number, file_url, file_type, duration_seconds, notes, created_by)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		RETURNING published_at
	`, v.ID, v.DeliverableID, v.VersionNumber, v.File.URL, v.File.Type, v.File.DurationSeconds, v.Notes, v.CreatedBy).Scan(&v.PublishedAt)
	if isUniqueViolation(err) {
		return ErrConflict
	}
	if err != nil {
		return fmt.Errorf("insert version: %w", err)
	}
	return nil
}

// PublishVersion assigns the next version number while holding a row lock on
// the deliverable, inserts the version and moves the deliverable back into
// review. A unique violation on (deliverable_id, version_number) is reported
// as ErrConflict.
func (s *PostgresStore) PublishVersion(ctx context.Context, v DeliverableVersion) (DeliverableVersion, error) {
	err := WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		var locked string
		if err := tx.QueryRowContext(ctx, `
			SELECT id FROM deliverables WHERE id=$1 FOR UPDATE
		`, v.DeliverableID).Scan(&locked); err != nil {
			return fmt.Errorf("lock deliverable: %w", notFound(err))
		}
		if err := tx.QueryRowContext(ctx, `
			SELECT COALESCE(MAX(version_number), 0) + 1 FROM deliverable_versions WHERE deliverable_id=$1
		`, v.DeliverableID).Scan(&v.VersionNumber); err != nil {
			return fmt.Errorf("next version number: %w", err)
		}
		if err := insertVersion(ctx, tx, &v); err != nil {
			return err
		}
		if _, err := tx.ExecContext(ctx, `
			UPDATE deliverables SET status=$2, updated_at=NOW() WHERE id=$1
		`, v.DeliverableID, DeliverableStatusInReview); err != nil {
			return fmt.Errorf("update deliverable status: %w", err)
		}
		return nil
	})
	if err != nil {
		return DeliverableVersion{}, err
	}
	return v, nil
}

func (s *PostgresStore) GetDeliverable(ctx context.Context, deliverableID string) (Deliverable, error) {
	item, err := scanDeliverable(s.db.QueryRowContext(ctx, `
		SELECT `+deliverableColumns+` FROM deliverables WHERE id=$1
	`, deliverableID))
	if err != nil {
		return Deliverable{}, fmt.Errorf("get deliverable: %w", notFound(err))
	}
	return item, nil
}

func (s *PostgresStore) ListDeliverables(ctx context.Context, projectID string) ([]Deliverable, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+deliverableColumns+`
		FROM deliverables
		WHERE project_id=$1
		ORDER BY updated_at DESC, id ASC
	`, projectID)
	if err != nil {
		return nil, fmt.Errorf("list deliverables: %w", err)
	}
	defer rows.Close()

	items := make([]Deliverable, 0)
	for rows.Next() {
		item, err := scanDeliverable(rows)
		if err != nil {
			return nil, fmt.Errorf("scan deliverable: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate deliverables: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) GetVersion(ctx context.Context, versionID string) (DeliverableVersion, error) {
	item, err := scanVersion(s.db.QueryRowContext(ctx, `
		SELECT `+versionColumns+` FROM deliverable_versions WHERE id=$1
	`, versionID))
	if err != nil {
		return DeliverableVersion{}, fmt.Errorf("get version: %w", notFound(err))
	}
	return item, nil
}

// ListVersions returns the versions of a deliverable, newest first.
func (s *PostgresStore) ListVersions(ctx context.Context, deliverableID string) ([]DeliverableVersion, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT `+versionColumns+`
		FROM deliverable_versions
		WHERE deliverable_id=$1
		ORDER BY version_number DESC
	`, deliverableID)
	if err != nil {
		return nil, fmt.Errorf("list versions: %w", err)
	}
	defer rows.Close()

	items := make([]DeliverableVersion, 0)
	for rows.Next() {
		item, err := scanVersion(rows)
		if err != nil {
			return nil, fmt.Errorf("scan version: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate versions: %w", err)
	}
	return items, nil
}

func (s *PostgresStore) Ping(ctx context.Context) error {
	return s.db.PingContext(ctx)
}
