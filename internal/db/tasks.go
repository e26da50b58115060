package db

import (
	"context"
	"encoding/json"
	"fmt"
	"time"
)

const taskColumns = `id, user_id, name, description, target_site, cron_schedule, is_active,
	notify_on_success, notify_on_failure, notification_email, notification_rules,
	discord_webhook, slack_webhook, created_at, updated_at, last_run_at, next_run_at`

func scanTask(row interface{ Scan(...any) error }) (*Task, error) {
	task := &Task{}
	var rules string
	err := row.Scan(&task.ID, &task.UserID, &task.Name, &task.Description, &task.TargetSite, &task.CronSchedule, &task.IsActive,
		&task.NotifyOnSuccess, &task.NotifyOnFailure, &task.NotificationEmail, &rules,
		&task.DiscordWebhook, &task.SlackWebhook, &task.CreatedAt, &task.UpdatedAt, &task.LastRunAt, &task.NextRunAt)
	if err != nil {
		return nil, err
	}
	if rules != "" {
		if err := json.Unmarshal([]byte(rules), &task.NotificationRules); err != nil {
			return nil, fmt.Errorf("could not decode notification rules of task %s: %w", task.ID, err)
		}
	}
	return task, nil
}

func encodeRules(rules []NotificationRule) (string, error) {
	if rules == nil {
		return "[]", nil
	}
	data, err := json.Marshal(rules)
	if err != nil {
		return "", fmt.Errorf("could not encode notification rules: %w", err)
	}
	return string(data), nil
}

// CreateTask creates a new task
func (db *DB) CreateTask(ctx context.Context, task *Task) error {
	rules, err := encodeRules(task.NotificationRules)
	if err != nil {
		return err
	}
	if task.ID == "" {
		task.ID = NewID()
	}
	ts := now()
	task.CreatedAt = ts
	task.UpdatedAt = ts

	_, err = db.exec(ctx, `
		INSERT INTO tasks (`+taskColumns+`)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`, task.ID, task.UserID, task.Name, task.Description, task.TargetSite, task.CronSchedule, task.IsActive,
		task.NotifyOnSuccess, task.NotifyOnFailure, task.NotificationEmail, rules,
		task.DiscordWebhook, task.SlackWebhook, task.CreatedAt, task.UpdatedAt, task.LastRunAt, task.NextRunAt)
	if err != nil {
		return fmt.Errorf("could not insert task: %w", mapError(err))
	}
	return nil
}

// GetTask retrieves a task by ID
func (db *DB) GetTask(ctx context.Context, id string) (*Task, error) {
	task, err := scanTask(db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, mapError(err))
	}
	return task, nil
}

// GetUserTask retrieves a task by ID scoped to its owner
func (db *DB) GetUserTask(ctx context.Context, userID, id string) (*Task, error) {
	task, err := scanTask(db.queryRow(ctx, `SELECT `+taskColumns+` FROM tasks WHERE id = ? AND user_id = ?`, id, userID))
	if err != nil {
		return nil, fmt.Errorf("task %s: %w", id, mapError(err))
	}
	return task, nil
}

// FindTaskByName retrieves a user's task by its name
func (db *DB) FindTaskByName(ctx context.Context, userID, name string) (*Task, error) {
	task, err := scanTask(db.queryRow(ctx, `
		SELECT `+taskColumns+` FROM tasks WHERE user_id = ? AND name = ?
		ORDER BY created_at LIMIT 1
	`, userID, name))
	if err != nil {
		return nil, fmt.Errorf("task %q: %w", name, mapError(err))
	}
	return task, nil
}

// ListTasks retrieves all tasks
func (db *DB) ListTasks(ctx context.Context) ([]*Task, error) {
	return db.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks ORDER BY created_at DESC`)
}

// ListUserTasks retrieves a user's tasks
func (db *DB) ListUserTasks(ctx context.Context, userID string) ([]*Task, error) {
	return db.listTasks(ctx, `SELECT `+taskColumns+` FROM tasks WHERE user_id = ? ORDER BY created_at DESC`, userID)
}

func (db *DB) listTasks(ctx context.Context, query string, args ...any) ([]*Task, error) {
	rows, err := db.query(ctx, query, args...)
	if err != nil {
		return nil, fmt.Errorf("could not query tasks: %w", err)
	}
	defer rows.Close()

	var tasks []*Task
	for rows.Next() {
		task, err := scanTask(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan task: %w", err)
		}
		tasks = append(tasks, task)
	}
	return tasks, rows.Err()
}

// CountUserTasks returns how many tasks a user owns
func (db *DB) CountUserTasks(ctx context.Context, userID string) (int, error) {
	var n int
	if err := db.queryRow(ctx, `SELECT COUNT(*) FROM tasks WHERE user_id = ?`, userID).Scan(&n); err != nil {
		return 0, fmt.Errorf("could not count tasks: %w", err)
	}
	return n, nil
}

// UpdateTask replaces the user-editable fields of a task
func (db *DB) UpdateTask(ctx context.Context, task *Task) error {
	rules, err := encodeRules(task.NotificationRules)
	if err != nil {
		return err
	}
	task.UpdatedAt = now()
	res, err := db.exec(ctx, `
		UPDATE tasks SET name = ?, description = ?, target_site = ?, cron_schedule = ?, is_active = ?,
			notify_on_success = ?, notify_on_failure = ?, notification_email = ?, notification_rules = ?,
			discord_webhook = ?, slack_webhook = ?, updated_at = ?
		WHERE id = ?
	`, task.Name, task.Description, task.TargetSite, task.CronSchedule, task.IsActive,
		task.NotifyOnSuccess, task.NotifyOnFailure, task.NotificationEmail, rules,
		task.DiscordWebhook, task.SlackWebhook, task.UpdatedAt, task.ID)
	if err != nil {
		return fmt.Errorf("could not update task: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", task.ID, ErrNotFound)
	}
	return nil
}

// SetTaskLastRun records when a task last finished a run
func (db *DB) SetTaskLastRun(ctx context.Context, id string, at time.Time) error {
	_, err := db.exec(ctx, `UPDATE tasks SET last_run_at = ? WHERE id = ?`, at, id)
	return err
}

// SetTaskNextRun records the next scheduled run of a task, nil clears it
func (db *DB) SetTaskNextRun(ctx context.Context, id string, at *time.Time) error {
	_, err := db.exec(ctx, `UPDATE tasks SET next_run_at = ? WHERE id = ?`, at, id)
	return err
}

// DeleteTask deletes a task and its runs
func (db *DB) DeleteTask(ctx context.Context, id string) error {
	res, err := db.exec(ctx, "DELETE FROM tasks WHERE id = ?", id)
	if err != nil {
		return fmt.Errorf("could not delete task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}

// ToggleTask flips the active flag of a task
func (db *DB) ToggleTask(ctx context.Context, id string) error {
	res, err := db.exec(ctx, "UPDATE tasks SET is_active = NOT is_active, updated_at = ? WHERE id = ?", now(), id)
	if err != nil {
		return fmt.Errorf("could not toggle task: %w", err)
	}
	if n, _ := res.RowsAffected(); n == 0 {
		return fmt.Errorf("task %s: %w", id, ErrNotFound)
	}
	return nil
}
