package db

import (
	"context"
	"database/sql"
	"fmt"
	"time"
)

// CreateNotificationLog appends a notification attempt
func (db *DB) CreateNotificationLog(ctx context.Context, l *NotificationLog) error {
	if l.ID == "" {
		l.ID = NewID()
	}
	if l.CreatedAt.IsZero() {
		l.CreatedAt = now()
	}
	_, err := db.exec(ctx, `
		INSERT INTO notification_logs (id, user_id, task_id, kind, email, subject, status, error_msg, created_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, l.ID, l.UserID, nullString(l.TaskID), string(l.Kind), l.Email, l.Subject, string(l.Status), nullString(l.ErrorMsg), l.CreatedAt)
	if err != nil {
		return fmt.Errorf("could not insert notification log: %w", mapError(err))
	}
	return nil
}

// ListNotificationLogs lists a user's most recent notification attempts
func (db *DB) ListNotificationLogs(ctx context.Context, userID string, limit int) ([]*NotificationLog, error) {
	if limit <= 0 {
		limit = 50
	}
	rows, err := db.query(ctx, `
		SELECT id, user_id, task_id, kind, email, subject, status, error_msg, created_at
		FROM notification_logs
		WHERE user_id = ?
		ORDER BY created_at DESC, id DESC
		LIMIT ?
	`, userID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query notification logs: %w", err)
	}
	defer rows.Close()

	var logs []*NotificationLog
	for rows.Next() {
		var (
			l               NotificationLog
			kind, status    string
			taskID, errMsgS sql.NullString
		)
		if err := rows.Scan(&l.ID, &l.UserID, &taskID, &kind, &l.Email, &l.Subject, &status, &errMsgS, &l.CreatedAt); err != nil {
			return nil, fmt.Errorf("could not scan notification log: %w", err)
		}
		l.TaskID = taskID.String
		l.Kind = NotificationKind(kind)
		l.Status = DeliveryStatus(status)
		l.ErrorMsg = errMsgS.String
		logs = append(logs, &l)
	}
	return logs, rows.Err()
}

// HasNotificationSince reports whether a notification of the kind was
// successfully sent to the user at or after since
func (db *DB) HasNotificationSince(ctx context.Context, userID string, kind NotificationKind, since time.Time) (bool, error) {
	var n int
	err := db.queryRow(ctx, `
		SELECT COUNT(*) FROM notification_logs
		WHERE user_id = ? AND kind = ? AND status = ? AND created_at >= ?
	`, userID, string(kind), string(DeliverySent), since.UTC()).Scan(&n)
	if err != nil {
		return false, fmt.Errorf("could not query notification logs: %w", err)
	}
	return n > 0, nil
}
