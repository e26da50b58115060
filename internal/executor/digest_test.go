package executor_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
	"github.com/kylemclaren/browsercron/internal/notify"
)

func TestBuildDigestStats(t *testing.T) {
	runs := []db.RunSummary{
		{TaskID: "b", TaskName: "Bravo", Status: db.RunStatusSuccess},
		{TaskID: "a", TaskName: "Alpha", Status: db.RunStatusSuccess},
		{TaskID: "c", TaskName: "Charlie", Status: db.RunStatusFailed},
		{TaskID: "c", TaskName: "Charlie", Status: db.RunStatusSuccess},
		{TaskID: "c", TaskName: "Charlie", Status: db.RunStatusSuccess},
		{TaskID: "a", TaskName: "Alpha", Status: db.RunStatusRunning},
	}

	exp := notify.DigestStats{
		TotalRuns:      6,
		SuccessfulRuns: 4,
		FailedRuns:     1,
		Tasks: []notify.TaskStats{
			{Name: "Charlie", Runs: 3, SuccessRate: 67},
			{Name: "Alpha", Runs: 2, SuccessRate: 50},
			{Name: "Bravo", Runs: 1, SuccessRate: 100},
		},
	}
	assert.Equal(t, exp, executor.BuildDigestStats(runs))
	assert.Equal(t, notify.DigestStats{}, executor.BuildDigestStats(nil))
}

func TestSendWeeklyDigests(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	require.NoError(store.SetWeeklyDigest(ctx, db.DemoUserID, true))
	require.NoError(store.EnsureUser(ctx, &db.User{ID: "idle", Email: "idle@example.com", Name: "Idle", WeeklyDigest: true}))
	require.NoError(store.EnsureUser(ctx, &db.User{ID: "quiet", Email: "quiet@example.com", Name: "Quiet"}))

	task := createTask(t, store, nil)
	for _, status := range []db.RunStatus{db.RunStatusSuccess, db.RunStatusFailed} {
		run := &db.TaskRun{TaskID: task.ID}
		require.NoError(store.CreateTaskRun(ctx, run))
		run.Status = status
		if status == db.RunStatusFailed {
			run.ErrorMsg = "boom"
		}
		require.NoError(store.FinishTaskRun(ctx, run))
	}

	mailer := &recordingMailer{}
	exec := newNotifyingExecutor(t, store, mailer)

	sent, err := exec.SendWeeklyDigests(ctx)
	require.NoError(err)
	assert.Equal(1, sent)

	require.Len(mailer.emails, 1)
	assert.Equal(db.DemoUserEmail, mailer.emails[0].To)
	assert.Equal("📊 Your Weekly BrowserCron Summary", mailer.emails[0].Subject)
	assert.Contains(mailer.emails[0].HTML, "Invoices")
}

func TestSendWeeklyDigestsDisabled(t *testing.T) {
	store := getTestDB(t)
	require.NoError(t, store.SetWeeklyDigest(context.Background(), db.DemoUserID, true))
	exec := newNotifyingExecutor(t, store, nil)

	sent, err := exec.SendWeeklyDigests(context.Background())
	assert.NoError(t, err)
	assert.Zero(t, sent)
}
