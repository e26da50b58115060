package db

import (
	"context"
	"database/sql"
	"encoding/json"
	"fmt"
	"time"
)

const runColumns = `id, task_id, status, started_at, finished_at, output_json, error_msg, logs`

func scanRun(row interface{ Scan(...any) error }) (*TaskRun, error) {
	run := &TaskRun{}
	var (
		status                 string
		output, errMsg, logsNS sql.NullString
	)
	if err := row.Scan(&run.ID, &run.TaskID, &status, &run.StartedAt, &run.FinishedAt, &output, &errMsg, &logsNS); err != nil {
		return nil, err
	}
	run.Status = RunStatus(status)
	if output.Valid && output.String != "" {
		run.OutputJSON = json.RawMessage(output.String)
	}
	run.ErrorMsg = errMsg.String
	run.Logs = logsNS.String
	return run, nil
}

// CreateTaskRun inserts a run in the running state
func (db *DB) CreateTaskRun(ctx context.Context, run *TaskRun) error {
	if run.ID == "" {
		run.ID = NewID()
	}
	if run.StartedAt.IsZero() {
		run.StartedAt = now()
	}
	run.Status = RunStatusRunning
	run.FinishedAt = nil
	run.OutputJSON = nil
	run.ErrorMsg = ""

	_, err := db.exec(ctx, `
		INSERT INTO task_runs (id, task_id, status, started_at)
		VALUES (?, ?, ?, ?)
	`, run.ID, run.TaskID, string(run.Status), run.StartedAt)
	if err != nil {
		return fmt.Errorf("could not insert task run: %w", mapError(err))
	}
	return nil
}

// FinishTaskRun writes the terminal state of a run. A run that already left
// the running state is not modified and ErrNotValid is returned.
func (db *DB) FinishTaskRun(ctx context.Context, run *TaskRun) error {
	if !run.Status.IsTerminal() {
		return fmt.Errorf("run %s: status %q is not terminal: %w", run.ID, run.Status, ErrNotValid)
	}
	if run.FinishedAt == nil {
		t := now()
		run.FinishedAt = &t
	}

	res, err := db.exec(ctx, `
		UPDATE task_runs SET status = ?, finished_at = ?, output_json = ?, error_msg = ?, logs = ?
		WHERE id = ? AND status = ?
	`, string(run.Status), run.FinishedAt, nullString(string(run.OutputJSON)), nullString(run.ErrorMsg), nullString(run.Logs),
		run.ID, string(RunStatusRunning))
	if err != nil {
		return fmt.Errorf("could not finish task run: %w", mapError(err))
	}
	if n, _ := res.RowsAffected(); n == 0 {
		if _, err := db.GetTaskRun(ctx, run.ID); err != nil {
			return err
		}
		return fmt.Errorf("run %s already finished: %w", run.ID, ErrNotValid)
	}
	return nil
}

// GetTaskRun retrieves a run by ID
func (db *DB) GetTaskRun(ctx context.Context, id string) (*TaskRun, error) {
	run, err := scanRun(db.queryRow(ctx, `SELECT `+runColumns+` FROM task_runs WHERE id = ?`, id))
	if err != nil {
		return nil, fmt.Errorf("run %s: %w", id, mapError(err))
	}
	return run, nil
}

// GetTaskRuns retrieves the most recent runs for a task
func (db *DB) GetTaskRuns(ctx context.Context, taskID string, limit int) ([]*TaskRun, error) {
	if limit <= 0 {
		limit = 20
	}
	rows, err := db.query(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT ?
	`, taskID, limit)
	if err != nil {
		return nil, fmt.Errorf("could not query task runs: %w", err)
	}
	defer rows.Close()

	var runs []*TaskRun
	for rows.Next() {
		run, err := scanRun(rows)
		if err != nil {
			return nil, fmt.Errorf("could not scan task run: %w", err)
		}
		runs = append(runs, run)
	}
	return runs, rows.Err()
}

// GetLatestTaskRun retrieves the latest run for a task
func (db *DB) GetLatestTaskRun(ctx context.Context, taskID string) (*TaskRun, error) {
	run, err := scanRun(db.queryRow(ctx, `
		SELECT `+runColumns+` FROM task_runs
		WHERE task_id = ?
		ORDER BY started_at DESC, id DESC
		LIMIT 1
	`, taskID))
	if err != nil {
		return nil, fmt.Errorf("latest run of task %s: %w", taskID, mapError(err))
	}
	return run, nil
}

// GetLastRunStatuses returns the status of the latest run of every task
func (db *DB) GetLastRunStatuses(ctx context.Context) (map[string]RunStatus, error) {
	rows, err := db.query(ctx, `
		SELECT r.task_id, r.status FROM task_runs r
		WHERE r.id = (
			SELECT r2.id FROM task_runs r2 WHERE r2.task_id = r.task_id
			ORDER BY r2.started_at DESC, r2.id DESC LIMIT 1
		)
	`)
	if err != nil {
		return nil, fmt.Errorf("could not query last run statuses: %w", err)
	}
	defer rows.Close()

	statuses := make(map[string]RunStatus)
	for rows.Next() {
		var taskID, status string
		if err := rows.Scan(&taskID, &status); err != nil {
			return nil, err
		}
		statuses[taskID] = RunStatus(status)
	}
	return statuses, rows.Err()
}

// MarkStaleRunsAsFailed fails every run left running by a previous process
func (db *DB) MarkStaleRunsAsFailed(ctx context.Context) (int64, error) {
	res, err := db.exec(ctx, `
		UPDATE task_runs SET status = ?, finished_at = ?, error_msg = ?
		WHERE status = ?
	`, string(RunStatusFailed), now(), "Server restarted during execution", string(RunStatusRunning))
	if err != nil {
		return 0, fmt.Errorf("could not mark stale runs: %w", err)
	}
	return res.RowsAffected()
}

// CountUserRunsSince counts the runs of a user's tasks started at or after since
func (db *DB) CountUserRunsSince(ctx context.Context, userID string, since time.Time) (int, error) {
	var n int
	err := db.queryRow(ctx, `
		SELECT COUNT(*) FROM task_runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE t.user_id = ? AND r.started_at >= ?
	`, userID, since.UTC()).Scan(&n)
	if err != nil {
		return 0, fmt.Errorf("could not count runs: %w", err)
	}
	return n, nil
}

// ListUserRunsSince lists run summaries of a user's tasks started at or after since
func (db *DB) ListUserRunsSince(ctx context.Context, userID string, since time.Time) ([]RunSummary, error) {
	rows, err := db.query(ctx, `
		SELECT r.task_id, t.name, r.status FROM task_runs r
		JOIN tasks t ON t.id = r.task_id
		WHERE t.user_id = ? AND r.started_at >= ?
		ORDER BY r.started_at
	`, userID, since.UTC())
	if err != nil {
		return nil, fmt.Errorf("could not query runs: %w", err)
	}
	defer rows.Close()

	var out []RunSummary
	for rows.Next() {
		var (
			s      RunSummary
			status string
		)
		if err := rows.Scan(&s.TaskID, &s.TaskName, &status); err != nil {
			return nil, err
		}
		s.Status = RunStatus(status)
		out = append(out, s)
	}
	return out, rows.Err()
}
