package browseruse_test

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/browseruse"
)

type fakeProvider struct {
	createErr error
	views     []*browseruse.TaskView
	getErr    error

	created []browseruse.CreateTaskRequest
	gets    int
}

func (f *fakeProvider) CreateTask(_ context.Context, req browseruse.CreateTaskRequest) (string, error) {
	f.created = append(f.created, req)
	if f.createErr != nil {
		return "", f.createErr
	}
	return "bu-1", nil
}

func (f *fakeProvider) GetTask(_ context.Context, id string) (*browseruse.TaskView, error) {
	f.gets++
	if f.getErr != nil {
		return nil, f.getErr
	}
	i := f.gets - 1
	if i >= len(f.views) {
		i = len(f.views) - 1
	}
	v := *f.views[i]
	v.ID = id
	return &v, nil
}

func strPtr(s string) *string { return &s }

func TestSubmitAndAwait(t *testing.T) {
	tests := map[string]struct {
		provider  *fakeProvider
		expStatus browseruse.Status
		expOutput string
		expError  string
		expLogs   []string
		expGets   int
		expSleeps int
	}{
		"A task finishing on the third poll should complete with parsed output.": {
			provider: &fakeProvider{views: []*browseruse.TaskView{
				{Status: browseruse.TaskStarted},
				{Status: browseruse.TaskStarted},
				{Status: browseruse.TaskFinished, Output: strPtr(`{"result":["x"]}`), Logs: []string{"a", "b"}},
			}},
			expStatus: browseruse.StatusCompleted,
			expOutput: `{"result":["x"]}`,
			expLogs:   []string{"a", "b"},
			expGets:   3,
			expSleeps: 2,
		},

		"A non JSON output should be kept as a raw string.": {
			provider: &fakeProvider{views: []*browseruse.TaskView{
				{Status: browseruse.TaskFinished, Output: strPtr("all good"), Steps: []browseruse.TaskStep{{Number: 1, NextGoal: "open page"}}},
			}},
			expStatus: browseruse.StatusCompleted,
			expOutput: `"all good"`,
			expLogs:   []string{"Step 1: open page"},
			expGets:   1,
		},

		"A stopped task should fail without further polling.": {
			provider: &fakeProvider{views: []*browseruse.TaskView{
				{Status: browseruse.TaskStarted},
				{Status: browseruse.TaskStopped},
			}},
			expStatus: browseruse.StatusFailed,
			expError:  "Task was stopped",
			expGets:   2,
			expSleeps: 1,
		},

		"A task never finishing should time out after the attempt ceiling.": {
			provider: &fakeProvider{views: []*browseruse.TaskView{
				{Status: browseruse.TaskStarted},
			}},
			expStatus: browseruse.StatusTimeout,
			expError:  "Task completion timeout after 5 minutes",
			expGets:   4,
			expSleeps: 4,
		},

		"A submit fault should fail with the fault message.": {
			provider:  &fakeProvider{createErr: errors.New("quota exceeded")},
			expStatus: browseruse.StatusFailed,
			expError:  "quota exceeded",
		},

		"A poll fault should fail with the fault message.": {
			provider:  &fakeProvider{getErr: errors.New("connection reset")},
			expStatus: browseruse.StatusFailed,
			expError:  "connection reset",
			expGets:   1,
		},
	}

	for name, test := range tests {
		t.Run(name, func(t *testing.T) {
			assert := assert.New(t)
			require := require.New(t)

			sleeps := 0
			client, err := browseruse.NewClient(browseruse.Config{
				Provider:     test.provider,
				PollInterval: time.Millisecond,
				MaxAttempts:  4,
				Sleep: func(context.Context, time.Duration) error {
					sleeps++
					return nil
				},
			})
			require.NoError(err)

			var polls []int
			res := client.SubmitAndAwait(context.Background(), "find the price", "", func(attempt int, _ string) {
				polls = append(polls, attempt)
			})

			assert.Equal(test.expStatus, res.Status)
			assert.Equal(test.expError, res.Error)
			if test.expOutput != "" {
				assert.JSONEq(test.expOutput, string(res.Output))
			} else {
				assert.Empty(res.Output)
			}
			assert.Equal(test.expLogs, res.Logs)
			assert.Equal(test.expGets, test.provider.gets)
			assert.Equal(test.expSleeps, sleeps)
			assert.Len(polls, test.expGets)
		})
	}
}

func TestSubmitAndAwaitRequest(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	provider := &fakeProvider{views: []*browseruse.TaskView{{Status: browseruse.TaskFinished}}}
	client, err := browseruse.NewClient(browseruse.Config{Provider: provider})
	require.NoError(err)

	res := client.SubmitAndAwait(context.Background(), "check stock", "https://shop.example.com", nil)
	assert.Equal(browseruse.StatusCompleted, res.Status)

	require.Len(provider.created, 1)
	req := provider.created[0]
	assert.Equal("check stock", req.Task)
	require.NotNil(req.StartURL)
	assert.Equal("https://shop.example.com", *req.StartURL)
	assert.Contains(req.StructuredOutput, `"result"`)
}

func TestSubmitAndAwaitCancelledSleep(t *testing.T) {
	provider := &fakeProvider{views: []*browseruse.TaskView{{Status: browseruse.TaskStarted}}}
	client, err := browseruse.NewClient(browseruse.Config{Provider: provider, PollInterval: time.Hour})
	require.NoError(t, err)

	ctx, cancel := context.WithCancel(context.Background())
	cancel()

	res := client.SubmitAndAwait(ctx, "x", "", nil)
	assert.Equal(t, browseruse.StatusFailed, res.Status)
	assert.Equal(t, context.Canceled.Error(), res.Error)
}
