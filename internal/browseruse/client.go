package browseruse

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/kylemclaren/browsercron/internal/log"
)

// Status is the outcome status of a submitted task.
type Status string

const (
	StatusCompleted Status = "completed"
	StatusFailed    Status = "failed"
	StatusTimeout   Status = "timeout"
)

const (
	DefaultPollInterval = 5 * time.Second
	DefaultMaxAttempts  = 60

	errStopped = "Task was stopped"
	errTimeout = "Task completion timeout after 5 minutes"
)

// resultSchema asks the provider for a structured {result: string[]} output.
const resultSchema = `{"type":"object","properties":{"result":{"type":"array","items":{"type":"string"}}},"required":["result"]}`

// Result is the outcome of a submitted task. It is always returned, faults
// are carried in Error.
type Result struct {
	TaskID string
	Status Status
	Output json.RawMessage
	Error  string
	Logs   []string
}

// PollObserver receives the attempt number and provider status of each poll.
type PollObserver func(attempt int, providerStatus string)

// Config configures the client.
type Config struct {
	Provider     Provider
	PollInterval time.Duration
	MaxAttempts  int
	// Sleep waits between polls. Defaults to a context aware timer.
	Sleep  func(ctx context.Context, d time.Duration) error
	Logger log.Logger
}

func (c *Config) defaults() error {
	if c.Provider == nil {
		return errors.New("provider is required")
	}
	if c.PollInterval <= 0 {
		c.PollInterval = DefaultPollInterval
	}
	if c.MaxAttempts <= 0 {
		c.MaxAttempts = DefaultMaxAttempts
	}
	if c.Sleep == nil {
		c.Sleep = sleep
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "browseruse"})
	return nil
}

// Client submits tasks to the provider and waits for them to finish.
type Client struct {
	provider Provider
	interval time.Duration
	attempts int
	sleep    func(ctx context.Context, d time.Duration) error
	logger   log.Logger
}

// NewClient returns a new client.
func NewClient(cfg Config) (*Client, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Client{
		provider: cfg.Provider,
		interval: cfg.PollInterval,
		attempts: cfg.MaxAttempts,
		sleep:    cfg.Sleep,
		logger:   cfg.Logger,
	}, nil
}

// SubmitAndAwait submits the task and polls until it finishes, is stopped or
// the attempt ceiling is reached.
func (c *Client) SubmitAndAwait(ctx context.Context, description, startHint string, onPoll PollObserver) Result {
	req := CreateTaskRequest{Task: description, StructuredOutput: resultSchema}
	if startHint != "" {
		req.StartURL = &startHint
	}

	id, err := c.provider.CreateTask(ctx, req)
	if err != nil {
		return failed("", err.Error())
	}
	c.logger.Debugf("Submitted browser task %s", id)

	for attempt := 1; attempt <= c.attempts; attempt++ {
		view, err := c.provider.GetTask(ctx, id)
		if err != nil {
			return failed(id, err.Error())
		}
		if onPoll != nil {
			onPoll(attempt, view.Status)
		}

		switch view.Status {
		case TaskFinished:
			return Result{
				TaskID: id,
				Status: StatusCompleted,
				Output: parseOutput(view.Output),
				Logs:   viewLogs(view),
			}
		case TaskStopped:
			return failed(id, errStopped)
		}

		if err := c.sleep(ctx, c.interval); err != nil {
			return failed(id, err.Error())
		}
	}

	c.logger.Warningf("Browser task %s did not finish after %d attempts", id, c.attempts)
	return Result{TaskID: id, Status: StatusTimeout, Error: errTimeout}
}

func failed(id, msg string) Result {
	if msg == "" {
		msg = "Unknown error occurred"
	}
	return Result{TaskID: id, Status: StatusFailed, Error: msg}
}

// parseOutput returns the decoded structured output, or the raw output as a
// JSON string when it is not valid JSON.
func parseOutput(raw *string) json.RawMessage {
	if raw == nil || *raw == "" {
		return nil
	}
	if json.Valid([]byte(*raw)) {
		return json.RawMessage(*raw)
	}
	b, err := json.Marshal(*raw)
	if err != nil {
		return nil
	}
	return b
}

func viewLogs(view *TaskView) []string {
	if len(view.Logs) > 0 {
		return view.Logs
	}
	logs := make([]string, 0, len(view.Steps))
	for _, s := range view.Steps {
		line := fmt.Sprintf("Step %d", s.Number)
		if s.NextGoal != "" {
			line += ": " + s.NextGoal
		}
		if s.URL != "" {
			line += " (" + s.URL + ")"
		}
		logs = append(logs, line)
	}
	return logs
}

func sleep(ctx context.Context, d time.Duration) error {
	timer := time.NewTimer(d)
	defer timer.Stop()
	select {
	case <-ctx.Done():
		return ctx.Err()
	case <-timer.C:
		return nil
	}
}
