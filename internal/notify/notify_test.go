package notify_test

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/notify"
)

type mockMailer struct {
	mock.Mock
}

func (m *mockMailer) Send(ctx context.Context, email notify.Email) (string, error) {
	args := m.Called(ctx, email)
	return args.String(0), args.Error(1)
}

type memLogStore struct {
	logs []*db.NotificationLog
	err  error
}

func (s *memLogStore) CreateNotificationLog(_ context.Context, l *db.NotificationLog) error {
	if s.err != nil {
		return s.err
	}
	s.logs = append(s.logs, l)
	return nil
}

func fixedNow() time.Time { return time.Date(2025, 1, 6, 9, 0, 0, 0, time.UTC) }

func newNotifier(t *testing.T, mailer notify.Mailer, store notify.LogStore) *notify.Notifier {
	t.Helper()
	n, err := notify.New(notify.Config{
		Mailer: mailer,
		Store:  store,
		AppURL: "https://app.example.com/",
		Now:    fixedNow,
	})
	require.NoError(t, err)
	return n
}

func TestNotifierDisabled(t *testing.T) {
	assert := assert.New(t)
	ctx := context.Background()

	store := &memLogStore{}
	n, err := notify.New(notify.Config{Store: store})
	require.NoError(t, err)
	assert.False(n.Enabled())

	res, err := n.NotifyTaskOutcome(ctx, notify.TaskOutcome{To: "a@b.c", Status: db.RunStatusFailed})
	assert.NoError(err)
	assert.Nil(res)
	res, err = n.NotifyUsageLimit(ctx, notify.UsageLimit{To: "a@b.c", Kind: notify.LimitRuns, Current: 80, Limit: 100})
	assert.NoError(err)
	assert.Nil(res)
	res, err = n.NotifyWeeklyDigest(ctx, notify.WeeklyDigest{To: "a@b.c"})
	assert.NoError(err)
	assert.Nil(res)

	assert.Empty(store.logs)
}

func TestNotifyTaskOutcome(t *testing.T) {
	tests := map[string]struct {
		outcome    notify.TaskOutcome
		mock       func(m *mockMailer)
		expSubject string
		expKind    db.NotificationKind
		expStatus  db.DeliveryStatus
		expBody    []string
		expErr     bool
	}{
		"A successful run should send a success email and log it.": {
			outcome: notify.TaskOutcome{
				To: "user@example.com", UserID: "u1", TaskID: "t1", TaskName: "Invoices", RunID: "r1",
				TaskDescription: "Check **inbox** for invoices",
				Status:          db.RunStatusSuccess,
				Output:          json.RawMessage(`{"result":["3 invoices found"]}`),
				Duration:        42 * time.Second,
			},
			mock: func(m *mockMailer) {
				m.On("Send", mock.Anything, mock.Anything).Once().Return("msg-1", nil)
			},
			expSubject: `✅ Task "Invoices" completed successfully`,
			expKind:    db.NotificationTaskSuccess,
			expStatus:  db.DeliverySent,
			expBody: []string{
				"#10b981", "3 invoices found", "<strong>inbox</strong>",
				`href="https://app.example.com/tasks/t1"`, "View Task Details", "42s",
			},
		},

		"A failed run should send a failure email and log it.": {
			outcome: notify.TaskOutcome{
				To: "user@example.com", UserID: "u1", TaskID: "t1", TaskName: "Invoices", RunID: "r1",
				Status: db.RunStatusFailed,
				Error:  "Task was stopped",
			},
			mock: func(m *mockMailer) {
				m.On("Send", mock.Anything, mock.Anything).Once().Return("msg-2", nil)
			},
			expSubject: `❌ Task "Invoices" failed`,
			expKind:    db.NotificationTaskFailed,
			expStatus:  db.DeliverySent,
			expBody:    []string{"#ef4444", "Task was stopped", "Error Details"},
		},

		"A delivery fault should be logged as failed and returned.": {
			outcome: notify.TaskOutcome{
				To: "user@example.com", UserID: "u1", TaskID: "t1", TaskName: "Invoices", RunID: "r1",
				Status: db.RunStatusFailed,
				Error:  "boom",
			},
			mock: func(m *mockMailer) {
				m.On("Send", mock.Anything, mock.Anything).Once().Return("", errors.New("rate limited"))
			},
			expSubject: `❌ Task "Invoices" failed`,
			expKind:    db.NotificationTaskFailed,
			expStatus:  db.DeliveryFailed,
			expErr:     true,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			mailer := &mockMailer{}
			test.mock(mailer)
			store := &memLogStore{}
			n := newNotifier(t, mailer, store)

			res, err := n.NotifyTaskOutcome(context.Background(), test.outcome)
			if test.expErr {
				require.Error(err)
				assert.Nil(res)
			} else {
				require.NoError(err)
				require.NotNil(res)
				assert.Equal(test.expSubject, res.Subject)
			}

			mailer.AssertExpectations(t)
			email := mailer.Calls[0].Arguments.Get(1).(notify.Email)
			assert.Equal(notify.DefaultFrom, email.From)
			assert.Equal(test.outcome.To, email.To)
			assert.Equal(test.expSubject, email.Subject)
			for _, s := range test.expBody {
				assert.Contains(email.HTML, s)
			}

			require.Len(store.logs, 1)
			l := store.logs[0]
			assert.Equal(test.expKind, l.Kind)
			assert.Equal(test.expStatus, l.Status)
			assert.Equal(test.expSubject, l.Subject)
			assert.Equal("t1", l.TaskID)
			assert.Equal("u1", l.UserID)
			if test.expErr {
				assert.Equal("rate limited", l.ErrorMsg)
			}
		})
	}
}

func TestNotifyUsageLimit(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mailer := &mockMailer{}
	mailer.On("Send", mock.Anything, mock.Anything).Return("msg", nil)
	store := &memLogStore{}
	n := newNotifier(t, mailer, store)

	res, err := n.NotifyUsageLimit(context.Background(), notify.UsageLimit{
		To: "user@example.com", UserID: "u1", UserName: "Ada", Kind: notify.LimitRuns,
		Current: 85, Limit: 100, Plan: db.PlanFree,
	})
	require.NoError(err)
	assert.Equal("⚠️ You're approaching your runs limit (85/100)", res.Subject)

	email := mailer.Calls[0].Arguments.Get(1).(notify.Email)
	assert.Contains(email.HTML, "Hi Ada")
	assert.Contains(email.HTML, "85 / 100 (85%)")
	assert.Contains(email.HTML, "<strong>Remaining:</strong> 15 runs")
	assert.Contains(email.HTML, "https://app.example.com/pricing")

	require.Len(store.logs, 1)
	assert.Equal(db.NotificationUsageLimitRuns, store.logs[0].Kind)
	assert.Empty(store.logs[0].TaskID)
}

func TestNotifyWeeklyDigest(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	mailer := &mockMailer{}
	mailer.On("Send", mock.Anything, mock.Anything).Return("msg", nil)
	store := &memLogStore{}
	n := newNotifier(t, mailer, store)

	var tasks []notify.TaskStats
	for _, name := range []string{"one", "two", "three", "four", "five", "six"} {
		tasks = append(tasks, notify.TaskStats{Name: name, Runs: 2, SuccessRate: 50})
	}
	res, err := n.NotifyWeeklyDigest(context.Background(), notify.WeeklyDigest{
		To: "user@example.com", UserID: "u1", UserName: "Ada",
		Stats: notify.DigestStats{TotalRuns: 12, SuccessfulRuns: 9, FailedRuns: 3, Tasks: tasks},
	})
	require.NoError(err)
	assert.Equal("📊 Your Weekly BrowserCron Summary", res.Subject)

	email := mailer.Calls[0].Arguments.Get(1).(notify.Email)
	assert.Contains(email.HTML, "Overall Success Rate:</strong> 75%")
	assert.Contains(email.HTML, "five")
	assert.NotContains(email.HTML, "six")
	assert.Contains(email.HTML, "https://app.example.com/dashboard")

	require.Len(store.logs, 1)
	assert.Equal(db.NotificationWeeklyDigest, store.logs[0].Kind)
}

func TestResendMailer(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	var (
		gotAuth, gotKey string
		gotBody         map[string]any
	)
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		gotAuth = r.Header.Get("Authorization")
		gotKey = r.Header.Get("Idempotency-Key")
		b, _ := io.ReadAll(r.Body)
		_ = json.Unmarshal(b, &gotBody)
		if gotBody["subject"] == "fail" {
			w.WriteHeader(http.StatusUnprocessableEntity)
			_, _ = w.Write([]byte(`{"statusCode":422,"message":"Invalid to field","name":"validation_error"}`))
			return
		}
		_, _ = w.Write([]byte(`{"id":"re_123"}`))
	}))
	defer srv.Close()

	m, err := notify.NewResendMailer(notify.ResendConfig{APIKey: "re_key", Endpoint: srv.URL})
	require.NoError(err)

	id, err := m.Send(context.Background(), notify.Email{From: notify.DefaultFrom, To: "a@b.c", Subject: "hi", HTML: "<p>x</p>"})
	require.NoError(err)
	assert.Equal("re_123", id)
	assert.Equal("Bearer re_key", gotAuth)
	assert.NotEmpty(gotKey)
	assert.Equal([]any{"a@b.c"}, gotBody["to"])

	_, err = m.Send(context.Background(), notify.Email{From: notify.DefaultFrom, To: "a@b.c", Subject: "fail"})
	require.Error(err)
	assert.Contains(err.Error(), "Invalid to field")

	_, err = notify.NewResendMailer(notify.ResendConfig{})
	assert.Error(err)
}
