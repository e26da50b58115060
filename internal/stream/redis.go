package stream

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/google/uuid"
	"github.com/redis/go-redis/v9"

	"github.com/kylemclaren/browsercron/internal/log"
)

// DefaultChannel is the pub/sub channel run events are relayed on.
const DefaultChannel = "browsercron:runs"

// Relay event types.
const (
	EventProgress = "progress"
	EventComplete = "complete"
)

// RelayEvent is the JSON message published for every run event.
type RelayEvent struct {
	Origin    string    `json:"origin"`
	Type      string    `json:"type"`
	RunID     string    `json:"run_id"`
	Text      string    `json:"text,omitempty"`
	Status    string    `json:"status,omitempty"`
	Error     string    `json:"error,omitempty"`
	Timestamp time.Time `json:"timestamp"`
}

// RedisClient is the subset of the go-redis client used by the relay.
type RedisClient interface {
	Publish(ctx context.Context, channel string, message any) *redis.IntCmd
	Subscribe(ctx context.Context, channels ...string) *redis.PubSub
}

// RedisRelayConfig configures the relay.
type RedisRelayConfig struct {
	Client  RedisClient
	Channel string
	Timeout time.Duration
	Logger  log.Logger
}

func (c *RedisRelayConfig) defaults() error {
	if c.Client == nil {
		return errors.New("redis client is required")
	}
	if c.Channel == "" {
		c.Channel = DefaultChannel
	}
	if c.Timeout <= 0 {
		c.Timeout = 2 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "stream.redis"})
	return nil
}

// RedisRelay mirrors run events onto a Redis pub/sub channel so other
// processes can follow runs they did not start.
type RedisRelay struct {
	client  RedisClient
	channel string
	timeout time.Duration
	origin  string
	logger  log.Logger
}

// NewRedisRelay returns a new relay.
func NewRedisRelay(cfg RedisRelayConfig) (*RedisRelay, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &RedisRelay{
		client:  cfg.Client,
		channel: cfg.Channel,
		timeout: cfg.Timeout,
		origin:  uuid.NewString(),
		logger:  cfg.Logger,
	}, nil
}

// PublishText implements Publisher.
func (r *RedisRelay) PublishText(runID string, text string) {
	r.publish(RelayEvent{Type: EventProgress, RunID: runID, Text: text})
}

// Complete implements Publisher.
func (r *RedisRelay) Complete(runID string, status string, errorMsg string) {
	r.publish(RelayEvent{Type: EventComplete, RunID: runID, Status: status, Error: errorMsg})
}

func (r *RedisRelay) publish(ev RelayEvent) {
	ev.Origin = r.origin
	ev.Timestamp = time.Now().UTC()
	data, err := json.Marshal(ev)
	if err != nil {
		r.logger.Errorf("could not encode relay event: %v", err)
		return
	}

	ctx, cancel := context.WithTimeout(context.Background(), r.timeout)
	defer cancel()
	if err := r.client.Publish(ctx, r.channel, data).Err(); err != nil {
		r.logger.Warningf("could not publish run event %s/%s: %v", ev.RunID, ev.Type, err)
	}
}

// Forward subscribes to the channel and replays events published by other
// processes into the given publisher until ctx is done.
func (r *RedisRelay) Forward(ctx context.Context, to Publisher) error {
	sub := r.client.Subscribe(ctx, r.channel)
	defer sub.Close()

	if _, err := sub.Receive(ctx); err != nil {
		return fmt.Errorf("could not subscribe to %s: %w", r.channel, err)
	}
	r.logger.Infof("Following run events on %s", r.channel)

	ch := sub.Channel()
	for {
		select {
		case <-ctx.Done():
			return nil
		case msg, ok := <-ch:
			if !ok {
				return nil
			}
			r.Dispatch([]byte(msg.Payload), to)
		}
	}
}

// Dispatch decodes one relay message and replays it into the publisher.
// Messages published by this relay are ignored.
func (r *RedisRelay) Dispatch(payload []byte, to Publisher) {
	var ev RelayEvent
	if err := json.Unmarshal(payload, &ev); err != nil {
		r.logger.Warningf("invalid relay event: %v", err)
		return
	}
	if ev.Origin == r.origin || ev.RunID == "" {
		return
	}
	switch ev.Type {
	case EventProgress:
		to.PublishText(ev.RunID, ev.Text)
	case EventComplete:
		to.Complete(ev.RunID, ev.Status, ev.Error)
	}
}
