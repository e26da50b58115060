package scheduler

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"

	"github.com/robfig/cron/v3"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
	"github.com/kylemclaren/browsercron/internal/log"
)

// DefaultDigestSchedule sends weekly digests on Monday morning.
const DefaultDigestSchedule = "0 0 9 * * MON"

// Schedules accept an optional seconds field and descriptors like @daily.
var parser = cron.NewParser(cron.SecondOptional | cron.Minute | cron.Hour | cron.Dom | cron.Month | cron.Dow | cron.Descriptor)

// ParseSchedule parses a task cron expression.
func ParseSchedule(expr string) (cron.Schedule, error) {
	sched, err := parser.Parse(expr)
	if err != nil {
		return nil, fmt.Errorf("invalid cron expression %q: %w", expr, db.ErrNotValid)
	}
	return sched, nil
}

// Store is the task persistence used by the scheduler.
type Store interface {
	ListTasks(ctx context.Context) ([]*db.Task, error)
	GetTask(ctx context.Context, id string) (*db.Task, error)
	SetTaskNextRun(ctx context.Context, id string, at *time.Time) error
}

// Runner executes tasks and digests.
type Runner interface {
	Execute(ctx context.Context, taskID string, opts executor.Options) (*executor.Execution, error)
	SendWeeklyDigests(ctx context.Context) (int, error)
}

// Config is the scheduler configuration.
type Config struct {
	Store          Store
	Runner         Runner
	DigestSchedule string
	DisableDigest  bool
	SyncInterval   time.Duration
	Logger         log.Logger
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Runner == nil {
		return errors.New("runner is required")
	}
	if c.DigestSchedule == "" {
		c.DigestSchedule = DefaultDigestSchedule
	}
	if _, err := ParseSchedule(c.DigestSchedule); err != nil && !c.DisableDigest {
		return fmt.Errorf("digest schedule: %w", err)
	}
	if c.SyncInterval <= 0 {
		c.SyncInterval = 10 * time.Second
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "scheduler"})
	return nil
}

// Scheduler manages cron jobs for tasks
type Scheduler struct {
	cron   *cron.Cron
	store  Store
	runner Runner
	logger log.Logger

	digestSchedule string
	disableDigest  bool
	syncInterval   time.Duration

	jobs      map[string]cron.EntryID
	cronExprs map[string]string
	digest    cron.EntryID
	mu        sync.RWMutex
	running   bool
	ctx       context.Context
	stopSync  chan struct{}
	syncDone  chan struct{}
}

// New creates a new scheduler
func New(cfg Config) (*Scheduler, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	l := cronLogger{logger: cfg.Logger}
	return &Scheduler{
		cron:           cron.New(cron.WithParser(parser), cron.WithLogger(l), cron.WithChain(cron.Recover(l))),
		store:          cfg.Store,
		runner:         cfg.Runner,
		logger:         cfg.Logger,
		digestSchedule: cfg.DigestSchedule,
		disableDigest:  cfg.DisableDigest,
		syncInterval:   cfg.SyncInterval,
		jobs:           make(map[string]cron.EntryID),
		cronExprs:      make(map[string]string),
		ctx:            context.Background(),
	}, nil
}

// Start starts the scheduler and loads existing tasks
func (s *Scheduler) Start(ctx context.Context) error {
	s.mu.Lock()
	if s.running {
		s.mu.Unlock()
		return nil
	}
	s.ctx = context.WithoutCancel(ctx)

	if !s.disableDigest {
		id, err := s.cron.AddFunc(s.digestSchedule, s.sendDigests)
		if err != nil {
			s.mu.Unlock()
			return fmt.Errorf("could not schedule weekly digest: %w", err)
		}
		s.digest = id
	}
	s.mu.Unlock()

	if err := s.SyncTasks(ctx); err != nil {
		return fmt.Errorf("failed to load tasks: %w", err)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.cron.Start()
	s.running = true
	s.stopSync = make(chan struct{})
	s.syncDone = make(chan struct{})
	go s.syncLoop(s.stopSync, s.syncDone)

	s.logger.Infof("Scheduler started with %d tasks", len(s.jobs))
	return nil
}

// Stop stops the scheduler and waits for running jobs
func (s *Scheduler) Stop() {
	s.mu.Lock()
	if !s.running {
		s.mu.Unlock()
		return
	}
	s.running = false
	close(s.stopSync)
	done := s.syncDone
	s.mu.Unlock()

	<-done
	<-s.cron.Stop().Done()
	s.logger.Infof("Scheduler stopped")
}

// Run starts the scheduler and blocks until ctx is done.
func (s *Scheduler) Run(ctx context.Context) error {
	if err := s.Start(ctx); err != nil {
		return err
	}
	<-ctx.Done()
	s.Stop()
	return nil
}

// AddTask schedules a task
func (s *Scheduler) AddTask(ctx context.Context, task *db.Task) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	return s.scheduleTaskLocked(ctx, task)
}

// RemoveTask removes a task from the scheduler
func (s *Scheduler) RemoveTask(taskID string) {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.removeTaskLocked(taskID)
}

// UpdateTask updates a task's schedule
func (s *Scheduler) UpdateTask(ctx context.Context, task *db.Task) error {
	s.RemoveTask(task.ID)
	if task.IsActive && task.IsScheduled() {
		return s.AddTask(ctx, task)
	}
	if err := s.store.SetTaskNextRun(ctx, task.ID, nil); err != nil {
		s.logger.Warningf("Could not clear next run of task %s: %v", task.ID, err)
	}
	return nil
}

// GetNextRunTime returns the next scheduled run time for a task
func (s *Scheduler) GetNextRunTime(taskID string) *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if entryID, ok := s.jobs[taskID]; ok {
		return nextOf(s.cron.Entry(entryID))
	}
	return nil
}

// GetAllNextRunTimes returns next run times for all scheduled tasks
func (s *Scheduler) GetAllNextRunTimes() map[string]time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	result := make(map[string]time.Time)
	for taskID, entryID := range s.jobs {
		if next := nextOf(s.cron.Entry(entryID)); next != nil {
			result[taskID] = *next
		}
	}
	return result
}

// NextDigest returns when the weekly digest runs next, nil when disabled
func (s *Scheduler) NextDigest() *time.Time {
	s.mu.RLock()
	defer s.mu.RUnlock()

	if s.digest == 0 {
		return nil
	}
	return nextOf(s.cron.Entry(s.digest))
}

// nextOf returns the next activation of an entry. Entries added before the
// cron is started have no Next yet.
func nextOf(entry cron.Entry) *time.Time {
	if !entry.Valid() {
		return nil
	}
	next := entry.Next
	if next.IsZero() {
		next = entry.Schedule.Next(time.Now())
	}
	if next.IsZero() {
		return nil
	}
	return &next
}

func (s *Scheduler) removeTaskLocked(taskID string) {
	if entryID, ok := s.jobs[taskID]; ok {
		s.cron.Remove(entryID)
		delete(s.jobs, taskID)
		delete(s.cronExprs, taskID)
	}
}

func (s *Scheduler) scheduleTaskLocked(ctx context.Context, task *db.Task) error {
	s.removeTaskLocked(task.ID)

	sched, err := ParseSchedule(task.CronSchedule)
	if err != nil {
		return err
	}

	taskID := task.ID
	entryID := s.cron.Schedule(sched, cron.FuncJob(func() { s.runScheduled(taskID) }))
	s.jobs[task.ID] = entryID
	s.cronExprs[task.ID] = task.CronSchedule

	next := sched.Next(time.Now())
	if err := s.store.SetTaskNextRun(ctx, task.ID, &next); err != nil {
		s.logger.Warningf("Could not update next run of task %s: %v", task.ID, err)
	}
	return nil
}

func (s *Scheduler) runScheduled(taskID string) {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	// Get fresh task data, it may have been disabled since the last sync.
	task, err := s.store.GetTask(ctx, taskID)
	if err != nil {
		s.logger.Errorf("Failed to get task %s: %v", taskID, err)
		return
	}
	if !task.IsActive {
		return
	}

	x, err := s.runner.Execute(ctx, taskID, executor.Options{Wait: true})
	if err != nil {
		s.logger.Errorf("Scheduled run of task %s failed: %v", taskID, err)
	} else if _, err := x.Wait(ctx); errors.Is(err, executor.ErrNotFinalized) {
		s.logger.Errorf("Scheduled run %s of task %s was not finalized: %v", x.Run.ID, taskID, err)
	} else if err != nil {
		s.logger.Warningf("Scheduled run %s of task %s finished with errors: %v", x.Run.ID, taskID, err)
	}

	if next := s.GetNextRunTime(taskID); next != nil {
		if err := s.store.SetTaskNextRun(ctx, taskID, next); err != nil {
			s.logger.Warningf("Could not update next run of task %s: %v", taskID, err)
		}
	}
}

func (s *Scheduler) sendDigests() {
	s.mu.RLock()
	ctx := s.ctx
	s.mu.RUnlock()

	if _, err := s.runner.SendWeeklyDigests(ctx); err != nil {
		s.logger.Errorf("Weekly digest failed: %v", err)
	}
}

// RunTaskNow starts a run in the background and returns its handle
func (s *Scheduler) RunTaskNow(ctx context.Context, taskID string) (*executor.Execution, error) {
	return s.runner.Execute(ctx, taskID, executor.Options{Wait: false})
}

// syncLoop periodically syncs tasks from the store
func (s *Scheduler) syncLoop(stop <-chan struct{}, done chan<- struct{}) {
	defer close(done)
	ticker := time.NewTicker(s.syncInterval)
	defer ticker.Stop()

	for {
		select {
		case <-stop:
			return
		case <-ticker.C:
			s.mu.RLock()
			ctx := s.ctx
			s.mu.RUnlock()
			if err := s.SyncTasks(ctx); err != nil {
				s.logger.Warningf("Task sync failed: %v", err)
			}
		}
	}
}

// SyncTasks reloads tasks from the store and updates scheduled jobs
func (s *Scheduler) SyncTasks(ctx context.Context) error {
	tasks, err := s.store.ListTasks(ctx)
	if err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	wanted := make(map[string]bool)
	for _, task := range tasks {
		if task.IsActive && task.IsScheduled() {
			wanted[task.ID] = true
		}
	}

	// Remove jobs for deleted, inactive or unscheduled tasks.
	for taskID := range s.jobs {
		if !wanted[taskID] {
			s.removeTaskLocked(taskID)
			if err := s.store.SetTaskNextRun(ctx, taskID, nil); err != nil && !errors.Is(err, db.ErrNotFound) {
				s.logger.Warningf("Could not clear next run of task %s: %v", taskID, err)
			}
		}
	}

	for _, task := range tasks {
		if !wanted[task.ID] {
			continue
		}
		if _, scheduled := s.jobs[task.ID]; scheduled && s.cronExprs[task.ID] == task.CronSchedule {
			continue
		}
		if err := s.scheduleTaskLocked(ctx, task); err != nil {
			s.logger.Warningf("Failed to schedule task %s: %v", task.ID, err)
		}
	}
	return nil
}

// cronLogger routes cron's own logs to our logger.
type cronLogger struct {
	logger log.Logger
}

func (l cronLogger) Info(msg string, keysAndValues ...any) {
	l.logger.WithValues(kv(keysAndValues)).Debugf("cron: %s", msg)
}

func (l cronLogger) Error(err error, msg string, keysAndValues ...any) {
	l.logger.WithValues(kv(keysAndValues)).Errorf("cron: %s: %v", msg, err)
}

func kv(keysAndValues []any) log.Kv {
	out := log.Kv{}
	for i := 0; i+1 < len(keysAndValues); i += 2 {
		out[fmt.Sprint(keysAndValues[i])] = keysAndValues[i+1]
	}
	return out
}
