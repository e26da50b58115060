package tui

import (
	"context"
	"encoding/json"
	"path/filepath"
	"strings"
	"testing"
	"time"

	tea "github.com/charmbracelet/bubbletea"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/log"
)

func getTestDB(t *testing.T) *db.DB {
	t.Helper()

	store, err := db.New(context.Background(), db.Config{Path: filepath.Join(t.TempDir(), "test.db"), Logger: log.Noop})
	require.NoError(t, err)
	t.Cleanup(func() { store.Close() })
	require.NoError(t, store.EnsureUser(context.Background(), &db.User{ID: db.DemoUserID, Email: db.DemoUserEmail, Name: db.DemoUserName}))
	return store
}

func keyMsg(s string) tea.KeyMsg {
	return tea.KeyMsg{Type: tea.KeyRunes, Runes: []rune(s)}
}

func loadedModel(t *testing.T, store *db.DB) *Model {
	t.Helper()

	m := NewModel(context.Background(), Config{Store: store})
	tasks, err := store.ListUserTasks(context.Background(), db.DemoUserID)
	require.NoError(t, err)
	next, _ := m.Update(tasksLoadedMsg{tasks})
	mm := next.(Model)
	return &mm
}

func TestUpdateTable(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	inbox := &db.Task{UserID: db.DemoUserID, Name: "Inbox", Description: "Count invoices", CronSchedule: "@hourly", IsActive: true}
	require.NoError(store.CreateTask(ctx, inbox))
	prices := &db.Task{UserID: db.DemoUserID, Name: "Prices", Description: "Check prices"}
	require.NoError(store.CreateTask(ctx, prices))

	m := loadedModel(t, store)
	require.Len(m.table.Rows(), 2)

	byName := map[string][]string{}
	for _, row := range m.table.Rows() {
		byName[row[0]] = row
	}
	assert.Equal("@hourly", byName["Inbox"][1])
	assert.Equal("active", byName["Inbox"][2])
	assert.Equal("manual", byName["Prices"][1])
	assert.Equal("paused", byName["Prices"][2])
	assert.Equal("-", byName["Prices"][3])

	next, _ := m.Update(lastStatusesMsg{statuses: map[string]db.RunStatus{
		inbox.ID:  db.RunStatusRunning,
		prices.ID: db.RunStatusFailed,
	}})
	mm := next.(Model)
	byName = map[string][]string{}
	for _, row := range mm.table.Rows() {
		byName[row[0]] = row
	}
	assert.Equal("● running", byName["Inbox"][2])
	assert.Equal("✗ paused", byName["Prices"][2])
	assert.Equal(1, mm.runningCount())
}

func TestSearch(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	require.NoError(store.CreateTask(ctx, &db.Task{UserID: db.DemoUserID, Name: "Inbox", Description: "Count invoices", TargetSite: "https://mail.example.com"}))
	require.NoError(store.CreateTask(ctx, &db.Task{UserID: db.DemoUserID, Name: "Prices", Description: "Check prices"}))

	m := loadedModel(t, store)
	m.updateList(keyMsg("/"))
	require.True(m.searchMode)

	for _, r := range "mail" {
		m.updateList(keyMsg(string(r)))
	}
	require.Len(m.getDisplayTasks(), 1)
	assert.Equal("Inbox", m.getDisplayTasks()[0].Name)

	m.updateList(tea.KeyMsg{Type: tea.KeyEsc})
	assert.False(m.searchMode)
	assert.Len(m.getDisplayTasks(), 2)
}

func TestFormValidate(t *testing.T) {
	tests := map[string]struct {
		values  map[int]string
		invalid []int
	}{
		"valid manual task": {
			values: map[int]string{fieldName: "Inbox", fieldDescription: "Count invoices"},
		},
		"valid scheduled task": {
			values: map[int]string{
				fieldName:        "Inbox",
				fieldDescription: "Count invoices",
				fieldSchedule:    "0 9 * * 1-5",
				fieldTargetSite:  "https://mail.example.com",
				fieldEmail:       "me@example.com",
			},
		},
		"missing name and description": {
			values:  map[int]string{},
			invalid: []int{fieldName, fieldDescription},
		},
		"bad cron": {
			values:  map[int]string{fieldName: "Inbox", fieldDescription: "Count", fieldSchedule: "every day"},
			invalid: []int{fieldSchedule},
		},
		"bad urls and email": {
			values: map[int]string{
				fieldName:           "Inbox",
				fieldDescription:    "Count",
				fieldTargetSite:     "mail.example.com",
				fieldSlackWebhook:   "ftp://hooks.example.com",
				fieldEmail:          "nobody",
				fieldDiscordWebhook: "https://discord.com/api/webhooks/1",
			},
			invalid: []int{fieldTargetSite, fieldSlackWebhook, fieldEmail},
		},
	}

	for name, tt := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)

			f := newTaskForm()
			for field, v := range tt.values {
				if field == fieldDescription {
					f.description.SetValue(v)
				} else {
					f.inputs[field].SetValue(v)
				}
			}

			assert.Equal(len(tt.invalid) == 0, f.validate())
			assert.Len(f.errors, len(tt.invalid))
			for _, field := range tt.invalid {
				assert.Contains(f.errors, field)
			}
		})
	}
}

func TestSaveTask(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	m := loadedModel(t, store)

	m.updateList(keyMsg("a"))
	require.Equal(ViewAdd, m.currentView)
	m.form.inputs[fieldName].SetValue("Inbox")
	m.form.description.SetValue("Count invoices")
	m.form.inputs[fieldSchedule].SetValue("@daily")

	msg := m.saveTask()()
	saved, ok := msg.(taskSavedMsg)
	require.True(ok, "unexpected message %#v", msg)
	assert.True(saved.task.IsActive)
	assert.True(saved.task.NotifyOnFailure)

	got, err := store.GetTask(ctx, saved.task.ID)
	require.NoError(err)
	assert.Equal("Count invoices", got.Description)
	assert.Equal("@daily", got.CronSchedule)

	// editing keeps the id and the active flag
	got.IsActive = false
	require.NoError(store.UpdateTask(ctx, got))
	m.form.reset(got)
	m.form.inputs[fieldName].SetValue("Invoices")
	msg = m.saveTask()()
	require.IsType(taskSavedMsg{}, msg)

	edited, err := store.GetTask(ctx, got.ID)
	require.NoError(err)
	assert.Equal("Invoices", edited.Name)
	assert.False(edited.IsActive)
}

func TestSaveSettings(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)
	ctx := context.Background()

	store := getTestDB(t)
	m := loadedModel(t, store)

	msg := m.saveSettings("150", true)()
	require.IsType(errMsg{}, msg)

	msg = m.saveSettings("abc", true)()
	require.IsType(errMsg{}, msg)

	msg = m.saveSettings("65", true)()
	require.Equal(settingsSavedMsg{threshold: 65, digest: true}, msg)

	threshold, err := store.GetUsageThreshold(ctx)
	require.NoError(err)
	assert.Equal(65.0, threshold)

	user, err := store.GetUser(ctx, db.DemoUserID)
	require.NoError(err)
	assert.True(user.WeeklyDigest)
}

func TestRenderRunsContent(t *testing.T) {
	assert := assert.New(t)

	m := NewModel(context.Background(), Config{Store: getTestDB(t)})
	m.mdRenderer = nil
	assert.Contains(m.renderRunsContent(), "No runs yet")

	started := time.Date(2025, 5, 10, 9, 0, 0, 0, time.UTC)
	finished := started.Add(1500 * time.Millisecond)
	failed := started.Add(2 * time.Minute)
	m.taskRuns = []*db.TaskRun{
		{ID: "old", Status: db.RunStatusSuccess, StartedAt: started, FinishedAt: &finished,
			OutputJSON: json.RawMessage(`{"invoices":3}`), Logs: "opened inbox"},
		{ID: "new", Status: db.RunStatusRunning, StartedAt: started.Add(-time.Hour)},
		{ID: "bad", Status: db.RunStatusFailed, StartedAt: started.Add(time.Minute), FinishedAt: &failed,
			ErrorMsg: "Task timed out"},
	}

	out := m.renderRunsContent()
	assert.Contains(out, "SUCCESS")
	assert.Contains(out, "(1.5s)")
	assert.Contains(out, `"invoices": 3`)
	assert.Contains(out, "opened inbox")
	assert.Contains(out, "Task timed out")
	// running runs are listed first
	assert.Less(strings.Index(out, "RUNNING"), strings.Index(out, "FAILED"))
	assert.Less(strings.Index(out, "FAILED"), strings.Index(out, "SUCCESS"))
}
