package stream_test

import (
	"context"
	"encoding/json"
	"errors"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/kylemclaren/browsercron/internal/stream"
)

func TestManagerReplaysBufferAndCompletion(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	m := stream.NewManager()
	m.PublishText("r1", "poll 1: started\n")
	m.PublishText("r1", "poll 2: finished\n")

	assert.True(m.IsRunStreaming("r1"))
	assert.Equal("poll 1: started\npoll 2: finished\n", m.GetAccumulatedOutput("r1"))

	c := m.Subscribe("r1", "client-1")
	require.Len(c.Chunks, 2)
	first := <-c.Chunks
	assert.Equal("poll 1: started\n", first.Text)

	m.Complete("r1", "success", "")
	select {
	case ev := <-c.Complete:
		assert.Equal("success", ev.Status)
	case <-time.After(time.Second):
		t.Fatal("completion not delivered")
	}
	assert.False(m.IsRunStreaming("r1"))

	late := m.Subscribe("r1", "client-2")
	select {
	case ev := <-late.Complete:
		assert.Equal("r1", ev.RunID)
	default:
		t.Fatal("late subscriber should receive the completion")
	}

	m.Unsubscribe("r1", "client-1")
	m.Unsubscribe("r1", "client-2")
	assert.Equal("", m.GetAccumulatedOutput("r1"))
}

func TestManagerCompleteWithoutProgress(t *testing.T) {
	m := stream.NewManager()
	m.Complete("r2", "failed", "Task was stopped")

	c := m.Subscribe("r2", "c")
	ev := <-c.Complete
	assert.Equal(t, "failed", ev.Status)
	assert.Equal(t, "Task was stopped", ev.Error)
}

type recorder struct {
	texts     []string
	completed []string
}

func (r *recorder) PublishText(runID, text string) { r.texts = append(r.texts, runID+":"+text) }
func (r *recorder) Complete(runID, status, _ string) {
	r.completed = append(r.completed, runID+":"+status)
}

func TestFanout(t *testing.T) {
	a, b := &recorder{}, &recorder{}
	f := stream.Fanout{a, b}
	f.PublishText("r", "x")
	f.Complete("r", "success", "")

	assert.Equal(t, []string{"r:x"}, a.texts)
	assert.Equal(t, []string{"r:success"}, b.completed)
}

type fakeRedis struct {
	channel  string
	messages [][]byte
	err      error
}

func (f *fakeRedis) Publish(ctx context.Context, channel string, message any) *redis.IntCmd {
	f.channel = channel
	f.messages = append(f.messages, message.([]byte))
	return redis.NewIntResult(1, f.err)
}

func (f *fakeRedis) Subscribe(context.Context, ...string) *redis.PubSub { return nil }

func TestRedisRelay(t *testing.T) {
	assert := assert.New(t)
	require := require.New(t)

	client := &fakeRedis{}
	relay, err := stream.NewRedisRelay(stream.RedisRelayConfig{Client: client})
	require.NoError(err)

	relay.PublishText("r1", "hello")
	relay.Complete("r1", "failed", "boom")

	assert.Equal(stream.DefaultChannel, client.channel)
	require.Len(client.messages, 2)

	var ev stream.RelayEvent
	require.NoError(json.Unmarshal(client.messages[1], &ev))
	assert.Equal(stream.EventComplete, ev.Type)
	assert.Equal("boom", ev.Error)

	// Own events are not replayed.
	rec := &recorder{}
	relay.Dispatch(client.messages[0], rec)
	assert.Empty(rec.texts)

	other, err := stream.NewRedisRelay(stream.RedisRelayConfig{Client: &fakeRedis{}})
	require.NoError(err)
	other.Dispatch(client.messages[0], rec)
	other.Dispatch(client.messages[1], rec)
	other.Dispatch([]byte("not json"), rec)
	assert.Equal([]string{"r1:hello"}, rec.texts)
	assert.Equal([]string{"r1:failed"}, rec.completed)

	client.err = errors.New("connection refused")
	relay.PublishText("r1", "dropped")
	assert.Len(client.messages, 3)
}
