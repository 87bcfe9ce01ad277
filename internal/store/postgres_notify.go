package store

import (
	"context"
	"encoding/json"
	"fmt"
)

// ListProjectMembers returns the members of a project holding one of roles.
func (s *PostgresStore) ListProjectMembers(ctx context.Context, projectID string, roles []string) ([]ProjectMember, error) {
	rows, err := s.db.QueryContext(ctx, `
		SELECT project_id, user_id, role
		FROM project_members
		WHERE project_id=$1 AND role = ANY($2)
		ORDER BY user_id ASC
	`, projectID, roles)
	if err != nil {
		return nil, fmt.Errorf("list project members: %w", err)
	}
	defer rows.Close()

	items := make([]ProjectMember, 0)
	for rows.Next() {
		var item ProjectMember
		if err := rows.Scan(&item.ProjectID, &item.UserID, &item.Role); err != nil {
			return nil, fmt.Errorf("scan project member: %w", err)
		}
		items = append(items, item)
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate project members: %w", err)
	}
	return items, nil
}

// GetNotificationPreferences returns the stored preferences keyed by user id.
// Users without a row are absent from the map.
func (s *PostgresStore) GetNotificationPreferences(ctx context.Context, userIDs []string) (map[string]NotificationPreference, error) {
	out := make(map[string]NotificationPreference, len(userIDs))
	if len(userIDs) == 0 {
		return out, nil
	}
	rows, err := s.db.QueryContext(ctx, `
		SELECT user_id, notifications_enabled, new_comments, new_versions, approvals
		FROM notification_preferences
		WHERE user_id = ANY($1)
	`, userIDs)
	if err != nil {
		return nil, fmt.Errorf("get notification preferences: %w", err)
	}
	defer rows.Close()

	for rows.Next() {
		var item NotificationPreference
		if err := rows.Scan(&item.UserID, &item.NotificationsEnabled, &item.NewComments, &item.NewVersions, &item.Approvals); err != nil {
			return nil, fmt.Errorf("scan notification preference: %w", err)
		}
		out[item.UserID] = item
	}
	if err := rows.Err(); err != nil {
		return nil, fmt.Errorf("iterate notification preferences: %w", err)
	}
	return out, nil
}

// InsertNotifications writes the batch in one transaction.
func (s *PostgresStore) InsertNotifications(ctx context.Context, items []Notification) error {
	if len(items) == 0 {
		return nil
	}
	return WithTx(ctx, s.db, nil, func(ctx context.Context, tx DBTX) error {
		for _, item := range items {
			payload, err := marshalJSONObject(item.Payload)
			if err != nil {
				return fmt.Errorf("marshal notification payload: %w", err)
			}
			if _, err := tx.ExecContext(ctx, `
				INSERT INTO notifications (id, user_id, project_id, type, title, body, payload, created_at)
				VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
			`, item.ID, item.UserID, item.ProjectID, item.Type, item.Title, item.Body, payload, item.CreatedAt); err != nil {
				return fmt.Errorf("insert notification: %w", err)
			}
		}
		return nil
	})
}

// InsertAuditLog writes the full audit shape and falls back to the minimal
// (actor_id, action, details) shape when the table predates the entity
// columns.
func (s *PostgresStore) InsertAuditLog(ctx context.Context, entry AuditEntry) error {
	details, err := marshalJSONObject(entry.Details)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	_, err = s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (id, actor_id, action, entity_type, entity_id, project_id, details, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7::jsonb, $8)
	`, entry.ID, entry.ActorID, entry.Action, entry.EntityType, entry.EntityID, entry.ProjectID, details, entry.CreatedAt)
	if err == nil {
		return nil
	}
	if !isUndefinedColumn(err) {
		return fmt.Errorf("insert audit log: %w", err)
	}

	merged := make(map[string]any, len(entry.Details)+3)
	for k, v := range entry.Details {
		merged[k] = v
	}
	merged["entity_type"] = entry.EntityType
	merged["entity_id"] = entry.EntityID
	merged["project_id"] = entry.ProjectID
	minimal, err := marshalJSONObject(merged)
	if err != nil {
		return fmt.Errorf("marshal audit details: %w", err)
	}
	if _, err := s.db.ExecContext(ctx, `
		INSERT INTO audit_logs (actor_id, action, details)
		VALUES ($1, $2, $3::jsonb)
	`, entry.ActorID, entry.Action, minimal); err != nil {
		return fmt.Errorf("insert audit log (minimal): %w", err)
	}
	return nil
}

func marshalJSONObject(v map[string]any) (string, error) {
	if v == nil {
		return "{}", nil
	}
	raw, err := json.Marshal(v)
	if err != nil {
		return "", err
	}
	return string(raw), nil
}
