package database

import (
	"context"
	"encoding/json"
	"fmt"

	"github.com/kashyap2306/dlxtrade-ws-sub001/internal/autotrade"
)

// SaveNotification stores a user notification
func (r *Repository) SaveNotification(ctx context.Context, n *Notification) error {
	payload, err := marshalJSON(n.Payload)
	if err != nil {
		return err
	}
	query := `
		INSERT INTO notifications (id, user_id, type, title, message, payload, read, created_at)
		VALUES ($1, $2, $3, $4, $5, $6, $7, $8)
		ON CONFLICT (id) DO NOTHING
	`
	_, err = r.db.Pool.Exec(ctx, query, n.ID, n.UserID, n.Type, n.Title, n.Message, payload, n.Read, n.CreatedAt)
	if err != nil {
		return fmt.Errorf("failed to save notification: %w", err)
	}
	return nil
}

// ListNotifications returns the user's newest notifications first
func (r *Repository) ListNotifications(ctx context.Context, userID string, limit int) ([]*Notification, error) {
	if limit <= 0 {
		limit = 50
	}
	query := `
		SELECT id, user_id, type, title, message, payload, read, created_at
		FROM notifications
		WHERE user_id = $1
		ORDER BY created_at DESC
		LIMIT $2
	`
	rows, err := r.db.Pool.Query(ctx, query, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("failed to list notifications: %w", err)
	}
	return collect(rows, func(row rowScanner) (*Notification, error) {
		n := &Notification{}
		var payload []byte
		if err := row.Scan(&n.ID, &n.UserID, &n.Type, &n.Title, &n.Message, &payload, &n.Read, &n.CreatedAt); err != nil {
			return nil, err
		}
		if len(payload) > 0 {
			_ = json.Unmarshal(payload, &n.Payload)
		}
		return n, nil
	})
}

// MarkNotificationRead flags one notification as read
func (r *Repository) MarkNotificationRead(ctx context.Context, userID, id string) error {
	tag, err := r.db.Pool.Exec(ctx, `UPDATE notifications SET read = TRUE WHERE user_id = $1 AND id = $2`, userID, id)
	if err != nil {
		return fmt.Errorf("failed to mark notification read: %w", err)
	}
	if tag.RowsAffected() == 0 {
		return autotrade.ErrNotFound
	}
	return nil
}
