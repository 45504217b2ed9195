package repo

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"

	"github.com/google/uuid"

	"readyline/internal/domain"
)

// EnqueueNotificationTx writes a notification to the outbox inside tx.
func (r Repo) EnqueueNotificationTx(ctx context.Context, tx *sql.Tx, source, entityID string, n domain.Notification, at time.Time) (string, error) {
	payload, err := json.Marshal(n)
	if err != nil {
		return "", fmt.Errorf("marshal notification: %w", err)
	}
	id := uuid.NewString()
	if _, err := tx.ExecContext(ctx, `INSERT INTO notification_outbox(id,source,entity_id,template_id,payload_json,created_at) VALUES (?,?,?,?,?,?)`,
		id, source, entityID, n.TemplateID, string(payload), formatTime(at)); err != nil {
		return "", fmt.Errorf("enqueue notification: %w", err)
	}
	return id, nil
}

// PendingNotifications returns undelivered entries oldest first, skipping
// entries that already failed maxAttempts times when maxAttempts > 0.
func (r Repo) PendingNotifications(ctx context.Context, limit, maxAttempts int) ([]domain.OutboxEntry, error) {
	if limit <= 0 {
		limit = 100
	}
	query := `SELECT id,source,entity_id,payload_json,attempts,COALESCE(last_error,''),created_at,delivered_at FROM notification_outbox WHERE delivered_at IS NULL`
	var args []any
	if maxAttempts > 0 {
		query += ` AND attempts < ?`
		args = append(args, maxAttempts)
	}
	query += ` ORDER BY created_at, id LIMIT ?`
	args = append(args, limit)
	return r.listOutbox(ctx, query, args...)
}

// ListNotifications returns the outbox entries of an entity, delivered or not.
func (r Repo) ListNotifications(ctx context.Context, entityID string) ([]domain.OutboxEntry, error) {
	return r.listOutbox(ctx, `SELECT id,source,entity_id,payload_json,attempts,COALESCE(last_error,''),created_at,delivered_at FROM notification_outbox WHERE entity_id=? ORDER BY created_at, id`, entityID)
}

func (r Repo) listOutbox(ctx context.Context, query string, args ...any) ([]domain.OutboxEntry, error) {
	rows, err := r.DB.QueryContext(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	var res []domain.OutboxEntry
	for rows.Next() {
		var (
			e       domain.OutboxEntry
			payload   string
			created   string
			delivered sql.NullString
		)
		if err := rows.Scan(&e.ID, &e.Source, &e.EntityID, &payload, &e.Attempts, &e.LastError, &created, &delivered); err != nil {
			return nil, err
		}
		if err := json.Unmarshal([]byte(payload), &e.Notification); err != nil {
			return nil, fmt.Errorf("outbox %s: %w", e.ID, err)
		}
		if e.CreatedAt, err = parseTime(created); err != nil {
			return nil, err
		}
		if e.DeliveredAt, err = parseNullTime(delivered); err != nil {
			return nil, err
		}
		res = append(res, e)
	}
	return res, rows.Err()
}

func (r Repo) MarkNotificationDelivered(ctx context.Context, id string, at time.Time) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notification_outbox SET delivered_at=?, attempts=attempts+1, last_error=NULL WHERE id=? AND delivered_at IS NULL`, formatTime(at), id)
	return err
}

func (r Repo) MarkNotificationFailed(ctx context.Context, id string, cause error) error {
	_, err := r.DB.ExecContext(ctx, `UPDATE notification_outbox SET attempts=attempts+1, last_error=? WHERE id=?`, cause.Error(), id)
	return err
}
