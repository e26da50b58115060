package db_test

import (
	"context"
	"encoding/json"
	"path/filepath"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/log"
)

func getTestDB(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.New(context.Background(), db.Config{
		Path:   filepath.Join(t.TempDir(), "browsercron.db"),
		Logger: log.Noop,
	})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })

	require.NoError(t, store.EnsureUser(context.Background(), &db.User{
		ID:    db.DemoUserID,
		Email: db.DemoUserEmail,
		Name:  db.DemoUserName,
	}))

	return store
}

func newTestTask(t *testing.T, store *db.DB, name string) *db.Task {
	t.Helper()

	task := &db.Task{
		UserID:          db.DemoUserID,
		Name:            name,
		Description:     "Check the price of the thing",
		TargetSite:      "https://example.com",
		IsActive:        true,
		NotifyOnFailure: true,
		NotificationRules: []db.NotificationRule{
			{Type: db.RuleTextContains, Value: "in stock", Enabled: true},
		},
	}
	require.NoError(t, store.CreateTask(context.Background(), task))
	return task
}

func TestTaskCRUD(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	task := newTestTask(t, store, "price watch")
	require.NotEmpty(task.ID)

	got, err := store.GetTask(ctx, task.ID)
	require.NoError(err)
	assert.Equal("price watch", got.Name)
	assert.Equal(task.NotificationRules, got.NotificationRules)
	assert.True(got.IsActive)
	assert.False(got.NotifyOnSuccess)
	assert.Nil(got.LastRunAt)

	got.Name = "price watch v2"
	got.CronSchedule = "0 9 * * *"
	require.NoError(store.UpdateTask(ctx, got))

	byName, err := store.FindTaskByName(ctx, db.DemoUserID, "price watch v2")
	require.NoError(err)
	assert.Equal(task.ID, byName.ID)
	assert.True(byName.IsScheduled())

	require.NoError(store.ToggleTask(ctx, task.ID))
	got, err = store.GetTask(ctx, task.ID)
	require.NoError(err)
	assert.False(got.IsActive)

	n, err := store.CountUserTasks(ctx, db.DemoUserID)
	require.NoError(err)
	assert.Equal(1, n)

	_, err = store.GetUserTask(ctx, "someone-else", task.ID)
	assert.ErrorIs(err, db.ErrNotFound)

	require.NoError(store.DeleteTask(ctx, task.ID))
	_, err = store.GetTask(ctx, task.ID)
	assert.ErrorIs(err, db.ErrNotFound)
	assert.ErrorIs(store.DeleteTask(ctx, task.ID), db.ErrNotFound)
}

func TestFinishTaskRun(t *testing.T) {
	tests := map[string]struct {
		finish    func(run *db.TaskRun)
		expStatus db.RunStatus
		expErr    bool
	}{
		"Finishing a run as success should persist output and logs.": {
			finish: func(run *db.TaskRun) {
				run.Status = db.RunStatusSuccess
				run.OutputJSON = json.RawMessage(`{"result":["a"]}`)
				run.Logs = "step 1\nstep 2"
			},
			expStatus: db.RunStatusSuccess,
		},

		"Finishing a run as failed should persist the error.": {
			finish: func(run *db.TaskRun) {
				run.Status = db.RunStatusFailed
				run.ErrorMsg = "Task was stopped"
			},
			expStatus: db.RunStatusFailed,
		},

		"Finishing a run with a non terminal status should fail.": {
			finish: func(run *db.TaskRun) {
				run.Status = db.RunStatusRunning
			},
			expStatus: db.RunStatusRunning,
			expErr:    true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)
			ctx := context.Background()

			store := getTestDB(t)
			task := newTestTask(t, store, "t")

			run := &db.TaskRun{TaskID: task.ID}
			require.NoError(store.CreateTaskRun(ctx, run))

			running, err := store.GetTaskRun(ctx, run.ID)
			require.NoError(err)
			assert.Equal(db.RunStatusRunning, running.Status)
			assert.Nil(running.FinishedAt)
			assert.Empty(running.OutputJSON)
			assert.Empty(running.ErrorMsg)

			test.finish(run)
			err = store.FinishTaskRun(ctx, run)
			if test.expErr {
				assert.ErrorIs(err, db.ErrNotValid)
			} else {
				assert.NoError(err)
			}

			got, err := store.GetTaskRun(ctx, run.ID)
			require.NoError(err)
			assert.Equal(test.expStatus, got.Status)
			if !test.expErr {
				require.NotNil(got.FinishedAt)
				assert.JSONEq(string(orEmpty(run.OutputJSON)), string(orEmpty(got.OutputJSON)))
				assert.Equal(run.ErrorMsg, got.ErrorMsg)
				assert.Equal(run.Logs, got.Logs)
			}
		})
	}
}

func orEmpty(b json.RawMessage) json.RawMessage {
	if len(b) == 0 {
		return json.RawMessage("null")
	}
	return b
}

func TestFinishTaskRunOnlyOnce(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	task := newTestTask(t, store, "t")

	run := &db.TaskRun{TaskID: task.ID}
	require.NoError(store.CreateTaskRun(ctx, run))

	run.Status = db.RunStatusSuccess
	run.OutputJSON = json.RawMessage(`"ok"`)
	require.NoError(store.FinishTaskRun(ctx, run))

	again := &db.TaskRun{ID: run.ID, Status: db.RunStatusFailed, ErrorMsg: "late"}
	assert.ErrorIs(store.FinishTaskRun(ctx, again), db.ErrNotValid)

	got, err := store.GetTaskRun(ctx, run.ID)
	require.NoError(err)
	assert.Equal(db.RunStatusSuccess, got.Status)
	assert.Empty(got.ErrorMsg)

	missing := &db.TaskRun{ID: "missing", Status: db.RunStatusFailed, ErrorMsg: "x"}
	assert.ErrorIs(store.FinishTaskRun(ctx, missing), db.ErrNotFound)
}

func TestMarkStaleRunsAsFailed(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	task := newTestTask(t, store, "t")

	stale := &db.TaskRun{TaskID: task.ID}
	require.NoError(store.CreateTaskRun(ctx, stale))
	done := &db.TaskRun{TaskID: task.ID}
	require.NoError(store.CreateTaskRun(ctx, done))
	done.Status = db.RunStatusSuccess
	done.OutputJSON = json.RawMessage(`"ok"`)
	require.NoError(store.FinishTaskRun(ctx, done))

	n, err := store.MarkStaleRunsAsFailed(ctx)
	require.NoError(err)
	assert.EqualValues(1, n)

	got, err := store.GetTaskRun(ctx, stale.ID)
	require.NoError(err)
	assert.Equal(db.RunStatusFailed, got.Status)
	assert.Equal("Server restarted during execution", got.ErrorMsg)

	got, err = store.GetTaskRun(ctx, done.ID)
	require.NoError(err)
	assert.Equal(db.RunStatusSuccess, got.Status)
}

func TestRunQueries(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	a := newTestTask(t, store, "a")
	b := newTestTask(t, store, "b")

	start := time.Now().UTC().Add(-time.Hour)
	for i, status := range []db.RunStatus{db.RunStatusSuccess, db.RunStatusFailed, db.RunStatusSuccess} {
		run := &db.TaskRun{TaskID: a.ID, StartedAt: start.Add(time.Duration(i) * time.Minute)}
		require.NoError(store.CreateTaskRun(ctx, run))
		run.Status = status
		run.ErrorMsg = "x"
		run.OutputJSON = json.RawMessage(`"ok"`)
		require.NoError(store.FinishTaskRun(ctx, run))
	}
	old := &db.TaskRun{TaskID: b.ID, StartedAt: start.Add(-30 * 24 * time.Hour)}
	require.NoError(store.CreateTaskRun(ctx, old))

	runs, err := store.GetTaskRuns(ctx, a.ID, 2)
	require.NoError(err)
	require.Len(runs, 2)
	assert.Equal(db.RunStatusSuccess, runs[0].Status)
	assert.Equal(db.RunStatusFailed, runs[1].Status)

	latest, err := store.GetLatestTaskRun(ctx, a.ID)
	require.NoError(err)
	assert.Equal(runs[0].ID, latest.ID)

	statuses, err := store.GetLastRunStatuses(ctx)
	require.NoError(err)
	assert.Equal(db.RunStatusSuccess, statuses[a.ID])
	assert.Equal(db.RunStatusRunning, statuses[b.ID])

	n, err := store.CountUserRunsSince(ctx, db.DemoUserID, start.Add(-time.Minute))
	require.NoError(err)
	assert.Equal(3, n)

	summaries, err := store.ListUserRunsSince(ctx, db.DemoUserID, start.Add(-time.Minute))
	require.NoError(err)
	require.Len(summaries, 3)
	assert.Equal("a", summaries[0].TaskName)
}

func TestNotificationLogs(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	monthStart := time.Now().UTC().Add(-time.Hour)

	has, err := store.HasNotificationSince(ctx, db.DemoUserID, db.NotificationUsageLimitRuns, monthStart)
	require.NoError(err)
	assert.False(has)

	require.NoError(store.CreateNotificationLog(ctx, &db.NotificationLog{
		UserID: db.DemoUserID, Kind: db.NotificationUsageLimitRuns, Email: db.DemoUserEmail,
		Subject: "s", Status: db.DeliveryFailed, ErrorMsg: "boom",
	}))
	has, err = store.HasNotificationSince(ctx, db.DemoUserID, db.NotificationUsageLimitRuns, monthStart)
	require.NoError(err)
	assert.False(has, "failed attempts do not count as sent")

	require.NoError(store.CreateNotificationLog(ctx, &db.NotificationLog{
		UserID: db.DemoUserID, Kind: db.NotificationUsageLimitRuns, Email: db.DemoUserEmail,
		Subject: "s", Status: db.DeliverySent,
	}))
	has, err = store.HasNotificationSince(ctx, db.DemoUserID, db.NotificationUsageLimitRuns, monthStart)
	require.NoError(err)
	assert.True(has)

	logs, err := store.ListNotificationLogs(ctx, db.DemoUserID, 0)
	require.NoError(err)
	require.Len(logs, 2)
	assert.Equal(db.DeliverySent, logs[0].Status)
	assert.Equal("boom", logs[1].ErrorMsg)
	assert.Empty(logs[1].TaskID)
}

func TestUsersAndSettings(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)

	u, err := store.GetUser(ctx, db.DemoUserID)
	require.NoError(err)
	assert.Equal(db.PlanFree, u.Plan)
	assert.Equal(5, u.Plan.Limits().Tasks)

	require.NoError(store.SetUserPlan(ctx, db.DemoUserID, db.PlanPro))
	require.NoError(store.SetWeeklyDigest(ctx, db.DemoUserID, true))
	require.NoError(store.UpsertUser(ctx, &db.User{ID: db.DemoUserID, Email: "new@example.com", Name: "N"}))

	u, err = store.GetUser(ctx, db.DemoUserID)
	require.NoError(err)
	assert.Equal(db.PlanPro, u.Plan)
	assert.Equal("new@example.com", u.Email)

	users, err := store.ListDigestUsers(ctx)
	require.NoError(err)
	require.Len(users, 1)

	assert.ErrorIs(store.SetUserPlan(ctx, "nobody", db.PlanPro), db.ErrNotFound)

	err = store.CreateTask(ctx, &db.Task{UserID: "nobody", Name: "x", Description: "y"})
	assert.Error(err)

	threshold, err := store.GetUsageThreshold(ctx)
	require.NoError(err)
	assert.Equal(float64(db.DefaultUsageThreshold), threshold)
	require.NoError(store.SetUsageThreshold(ctx, 90))
	threshold, err = store.GetUsageThreshold(ctx)
	require.NoError(err)
	assert.Equal(float64(90), threshold)
	assert.ErrorIs(store.SetUsageThreshold(ctx, 120), db.ErrNotValid)
}
