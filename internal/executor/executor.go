package executor

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"
	"time"

	"github.com/kylemclaren/browsercron/internal/browseruse"
	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/log"
	"github.com/kylemclaren/browsercron/internal/notify"
	"github.com/kylemclaren/browsercron/internal/rules"
	"github.com/kylemclaren/browsercron/internal/stream"
)

// ErrNotFinalized is returned by Execution.Wait when the terminal state of a
// run could not be persisted. The run row is left as it was.
var ErrNotFinalized = errors.New("run not finalized")

// Store is the persistence used by the executor.
type Store interface {
	GetTask(ctx context.Context, id string) (*db.Task, error)
	GetUser(ctx context.Context, id string) (*db.User, error)
	CreateTaskRun(ctx context.Context, run *db.TaskRun) error
	FinishTaskRun(ctx context.Context, run *db.TaskRun) error
	SetTaskLastRun(ctx context.Context, id string, at time.Time) error
	CountUserTasks(ctx context.Context, userID string) (int, error)
	CountUserRunsSince(ctx context.Context, userID string, since time.Time) (int, error)
	ListUserRunsSince(ctx context.Context, userID string, since time.Time) ([]db.RunSummary, error)
	ListDigestUsers(ctx context.Context) ([]*db.User, error)
	GetUsageThreshold(ctx context.Context) (float64, error)
	HasNotificationSince(ctx context.Context, userID string, kind db.NotificationKind, since time.Time) (bool, error)
}

// Automation submits a task to the browser provider and waits for it.
type Automation interface {
	SubmitAndAwait(ctx context.Context, description, startHint string, onPoll browseruse.PollObserver) browseruse.Result
}

// Notifier sends emails about runs and usage.
type Notifier interface {
	Enabled() bool
	NotifyTaskOutcome(ctx context.Context, o notify.TaskOutcome) (*notify.SendResult, error)
	NotifyUsageLimit(ctx context.Context, u notify.UsageLimit) (*notify.SendResult, error)
	NotifyWeeklyDigest(ctx context.Context, d notify.WeeklyDigest) (*notify.SendResult, error)
}

// Webhooks posts finished runs to chat webhooks.
type Webhooks interface {
	Send(ctx context.Context, task *db.Task, run *db.TaskRun)
}

// Config is the executor configuration.
type Config struct {
	Store      Store
	Automation Automation
	Notifier   Notifier
	Webhooks   Webhooks
	Stream     stream.Publisher
	Logger     log.Logger
	Now        func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Automation == nil {
		return errors.New("automation client is required")
	}
	if c.Notifier == nil {
		return errors.New("notifier is required")
	}
	if c.Webhooks == nil {
		c.Webhooks = noopWebhooks{}
	}
	if c.Stream == nil {
		c.Stream = stream.Fanout{}
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "executor"})
	if c.Now == nil {
		c.Now = func() time.Time { return time.Now().UTC() }
	}
	return nil
}

type noopWebhooks struct{}

func (noopWebhooks) Send(context.Context, *db.Task, *db.TaskRun) {}

// Executor runs browser tasks and records their outcome
type Executor struct {
	store      Store
	automation Automation
	notifier   Notifier
	webhooks   Webhooks
	stream     stream.Publisher
	logger     log.Logger
	now        func() time.Time

	wg sync.WaitGroup
}

// New creates a new executor
func New(cfg Config) (*Executor, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	return &Executor{
		store:      cfg.Store,
		automation: cfg.Automation,
		notifier:   cfg.Notifier,
		webhooks:   cfg.Webhooks,
		stream:     cfg.Stream,
		logger:     cfg.Logger,
		now:        cfg.Now,
	}, nil
}

// Options tune a single execution.
type Options struct {
	// Wait blocks until the run is finalized. Otherwise Execute returns the
	// running snapshot and finishes in the background.
	Wait bool
}

// Execution is a handle on one task run.
type Execution struct {
	// Run is the run as it was when Execute returned.
	Run *db.TaskRun

	done  chan struct{}
	final *db.TaskRun
	err   error
}

// Done is closed once the run is finalized and notifications were attempted.
func (x *Execution) Done() <-chan struct{} {
	return x.done
}

// Wait blocks until the execution is done and returns the terminal run and
// any fault raised after the provider call (persistence or notification).
func (x *Execution) Wait(ctx context.Context) (*db.TaskRun, error) {
	select {
	case <-ctx.Done():
		return nil, ctx.Err()
	case <-x.done:
		return x.final, x.err
	}
}

func (x *Execution) finish(run *db.TaskRun, err error) {
	final := *run
	x.final = &final
	x.err = err
	close(x.done)
}

// Execute runs the task once. Every call creates a new run.
func (e *Executor) Execute(ctx context.Context, taskID string, opts Options) (*Execution, error) {
	task, err := e.store.GetTask(ctx, taskID)
	if err != nil {
		return nil, fmt.Errorf("could not get task: %w", err)
	}

	run := &db.TaskRun{TaskID: task.ID, StartedAt: e.now()}
	if err := e.store.CreateTaskRun(ctx, run); err != nil {
		return nil, fmt.Errorf("could not create run: %w", err)
	}
	e.logger.Infof("Running task %q (%s) as run %s", task.Name, task.ID, run.ID)

	snapshot := *run
	x := &Execution{Run: &snapshot, done: make(chan struct{})}

	// Provider work is never cancelled once submitted.
	bg := context.WithoutCancel(ctx)
	if opts.Wait {
		e.complete(bg, task, run, x)
		x.Run = x.final
		return x, nil
	}

	e.wg.Add(1)
	go func() {
		defer e.wg.Done()
		e.complete(bg, task, run, x)
	}()
	return x, nil
}

// complete drives the run to a terminal state and performs the follow ups.
func (e *Executor) complete(ctx context.Context, task *db.Task, run *db.TaskRun, x *Execution) {
	res := e.automation.SubmitAndAwait(ctx, task.Description, task.TargetSite, func(attempt int, status string) {
		e.stream.PublishText(run.ID, fmt.Sprintf("Poll %d: %s\n", attempt, status))
	})

	finished := e.now()
	if finished.Before(run.StartedAt) {
		finished = run.StartedAt
	}
	run.FinishedAt = &finished
	run.Logs = strings.Join(res.Logs, "\n")
	if res.Status == browseruse.StatusCompleted {
		run.Status = db.RunStatusSuccess
		run.OutputJSON = res.Output
	} else {
		run.Status = db.RunStatusFailed
		run.ErrorMsg = res.Error
	}

	if err := e.store.FinishTaskRun(ctx, run); err != nil {
		e.logger.Errorf("Could not finalize run %s: %v", run.ID, err)
		e.stream.Complete(run.ID, string(db.RunStatusFailed), err.Error())
		x.finish(run, fmt.Errorf("%w: %w", ErrNotFinalized, err))
		return
	}
	e.logger.Infof("Run %s of task %s finished: %s", run.ID, task.ID, run.Status)

	if err := e.store.SetTaskLastRun(ctx, task.ID, finished); err != nil {
		e.logger.Warningf("Could not update last run of task %s: %v", task.ID, err)
	}
	e.stream.Complete(run.ID, string(run.Status), run.ErrorMsg)
	e.webhooks.Send(ctx, task, run)

	var errs []error
	if err := e.notifyOutcome(ctx, task, run); err != nil {
		e.logger.Errorf("Could not notify outcome of run %s: %v", run.ID, err)
		errs = append(errs, err)
	}
	if err := e.CheckUsage(ctx, task.UserID, notify.LimitRuns); err != nil {
		e.logger.Errorf("Could not check run usage of user %s: %v", task.UserID, err)
		errs = append(errs, err)
	}
	x.finish(run, errors.Join(errs...))
}

// ShouldNotify decides whether a finished run warrants an outcome email.
func ShouldNotify(task *db.Task, run *db.TaskRun) bool {
	switch run.Status {
	case db.RunStatusSuccess:
		return task.NotifyOnSuccess || rules.ShouldNotify(task.NotificationRules, run.OutputJSON)
	case db.RunStatusFailed:
		return task.NotifyOnFailure
	default:
		return false
	}
}

func (e *Executor) notifyOutcome(ctx context.Context, task *db.Task, run *db.TaskRun) error {
	if !e.notifier.Enabled() || !ShouldNotify(task, run) {
		return nil
	}

	to := task.NotificationEmail
	if to == "" {
		user, err := e.store.GetUser(ctx, task.UserID)
		if err != nil {
			return fmt.Errorf("could not get task owner: %w", err)
		}
		to = user.Email
	}

	_, err := e.notifier.NotifyTaskOutcome(ctx, notify.TaskOutcome{
		To:              to,
		UserID:          task.UserID,
		TaskID:          task.ID,
		TaskName:        task.Name,
		TaskDescription: task.Description,
		RunID:           run.ID,
		Status:          run.Status,
		Output:          run.OutputJSON,
		Error:           run.ErrorMsg,
		Duration:        run.Duration(),
	})
	return err
}

// Shutdown waits for background executions to finish or ctx to be done.
func (e *Executor) Shutdown(ctx context.Context) error {
	done := make(chan struct{})
	go func() {
		e.wg.Wait()
		close(done)
	}()
	select {
	case <-done:
		return nil
	case <-ctx.Done():
		return fmt.Errorf("background executions still running: %w", ctx.Err())
	}
}
