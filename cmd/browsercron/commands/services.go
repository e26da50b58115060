package commands

import (
	"context"
	"errors"
	"fmt"
	"os"
	"strconv"
	"strings"
	"syscall"

	"github.com/redis/go-redis/v9"

	"github.com/kylemclaren/browsercron/internal/browseruse"
	"github.com/kylemclaren/browsercron/internal/config"
	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
	"github.com/kylemclaren/browsercron/internal/log"
	"github.com/kylemclaren/browsercron/internal/notify"
	"github.com/kylemclaren/browsercron/internal/scheduler"
	"github.com/kylemclaren/browsercron/internal/stream"
	"github.com/kylemclaren/browsercron/internal/webhook"
)

// services are the shared instances a command runs with.
type services struct {
	cfg      config.Config
	store    *db.DB
	streams  *stream.Manager
	relay    *stream.RedisRelay
	redis    *redis.Client
	executor *executor.Executor
	logger   log.Logger
}

type servicesOptions struct {
	// Owner marks this process as the one executing runs, stale runs left
	// by a previous owner are failed on startup.
	Owner bool
	// NoExecutor opens the store only.
	NoExecutor bool
}

func newServices(ctx context.Context, cfg config.Config, logger log.Logger, opts servicesOptions) (*services, error) {
	s := &services{cfg: cfg, logger: logger, streams: stream.NewManager()}

	store, err := db.New(ctx, db.Config{
		Path:   cfg.DBPath(),
		URL:    cfg.DatabaseURL,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("initializing database: %w", err)
	}
	s.store = store

	err = store.EnsureUser(ctx, &db.User{ID: db.DemoUserID, Email: db.DemoUserEmail, Name: db.DemoUserName})
	if err != nil {
		s.Close()
		return nil, fmt.Errorf("could not ensure demo user: %w", err)
	}

	if opts.Owner {
		n, err := store.MarkStaleRunsAsFailed(ctx)
		if err != nil {
			s.Close()
			return nil, err
		}
		if n > 0 {
			logger.Warningf("Marked %d stale run(s) as failed", n)
		}
	}

	if cfg.Redis.Addr != "" {
		s.redis = redis.NewClient(&redis.Options{
			Addr:     cfg.Redis.Addr,
			Password: cfg.Redis.Password,
			DB:       cfg.Redis.DB,
		})
		s.relay, err = stream.NewRedisRelay(stream.RedisRelayConfig{
			Client:  s.redis,
			Channel: cfg.Redis.Channel,
			Logger:  logger,
		})
		if err != nil {
			s.Close()
			return nil, fmt.Errorf("could not create redis relay: %w", err)
		}
	}

	if opts.NoExecutor {
		return s, nil
	}

	s.executor, err = newExecutor(cfg, store, s.publisher(), logger)
	if err != nil {
		s.Close()
		return nil, err
	}
	return s, nil
}

// publisher is where run progress goes: the local stream manager and the
// redis relay when configured.
func (s *services) publisher() stream.Publisher {
	if s.relay == nil {
		return s.streams
	}
	return stream.Fanout{s.streams, s.relay}
}

func newExecutor(cfg config.Config, store *db.DB, pub stream.Publisher, logger log.Logger) (*executor.Executor, error) {
	provider, err := browseruse.NewHTTPProvider(browseruse.HTTPProviderConfig{
		APIKey:  cfg.BrowserUse.APIKey,
		BaseURL: cfg.BrowserUse.BaseURL,
		Timeout: cfg.BrowserUse.Timeout,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create browser use provider: %w", err)
	}
	automation, err := browseruse.NewClient(browseruse.Config{Provider: provider, Logger: logger})
	if err != nil {
		return nil, fmt.Errorf("could not create browser use client: %w", err)
	}

	mailer, err := newMailer(cfg.Email)
	if err != nil {
		return nil, err
	}
	if mailer == nil {
		logger.Warningf("No mailer configured, email notifications are disabled")
	}
	notifier, err := notify.New(notify.Config{
		Mailer: mailer,
		Store:  store,
		From:   cfg.Email.From,
		AppURL: cfg.AppURL,
		Logger: logger,
	})
	if err != nil {
		return nil, fmt.Errorf("could not create notifier: %w", err)
	}

	return executor.New(executor.Config{
		Store:      store,
		Automation: automation,
		Notifier:   notifier,
		Webhooks:   webhook.NewDispatcher(logger),
		Stream:     pub,
		Logger:     logger,
	})
}

func newMailer(cfg config.EmailConfig) (notify.Mailer, error) {
	switch cfg.Mailer() {
	case "resend":
		m, err := notify.NewResendMailer(notify.ResendConfig{APIKey: cfg.ResendAPIKey})
		if err != nil {
			return nil, fmt.Errorf("could not create resend mailer: %w", err)
		}
		return m, nil
	case "smtp":
		m, err := notify.NewSMTPMailer(notify.SMTPConfig{
			Host:        cfg.SMTP.Host,
			Port:        cfg.SMTP.Port,
			Username:    cfg.SMTP.Username,
			Password:    cfg.SMTP.Password,
			ImplicitTLS: cfg.SMTP.Port == 465,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create smtp mailer: %w", err)
		}
		return m, nil
	}
	return nil, nil
}

func (s *services) newScheduler() (*scheduler.Scheduler, error) {
	return scheduler.New(scheduler.Config{
		Store:          s.store,
		Runner:         s.executor,
		DigestSchedule: s.cfg.DigestSchedule,
		DisableDigest:  s.cfg.DisableDigest,
		Logger:         s.logger,
	})
}

// resolveTask finds a demo user task by id or by name.
func (s *services) resolveTask(ctx context.Context, ref string) (*db.Task, error) {
	task, err := s.store.GetUserTask(ctx, db.DemoUserID, ref)
	if err == nil {
		return task, nil
	}
	if !errors.Is(err, db.ErrNotFound) {
		return nil, err
	}
	return s.store.FindTaskByName(ctx, db.DemoUserID, ref)
}

func (s *services) ensureTaskQuota(ctx context.Context, userID string) error {
	if s.executor != nil {
		return s.executor.EnsureTaskQuota(ctx, userID)
	}
	user, err := s.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("could not get user: %w", err)
	}
	n, err := s.store.CountUserTasks(ctx, userID)
	if err != nil {
		return err
	}
	if limit := user.Plan.Limits().Tasks; n >= limit {
		return fmt.Errorf("%s plan allows %d tasks: %w", user.Plan, limit, db.ErrLimitExceeded)
	}
	return nil
}

// Close releases the connections held by the services.
func (s *services) Close() {
	if s.redis != nil {
		_ = s.redis.Close()
	}
	if s.store != nil {
		_ = s.store.Close()
	}
}

// daemonPID returns the pid of a live daemon owning the data dir.
func daemonPID(pidPath string) (int, bool) {
	data, err := os.ReadFile(pidPath)
	if err != nil {
		return 0, false
	}
	pid, err := strconv.Atoi(strings.TrimSpace(string(data)))
	if err != nil || pid <= 0 {
		return 0, false
	}
	process, err := os.FindProcess(pid)
	if err != nil {
		return 0, false
	}
	// FindProcess always succeeds on unix, signal 0 probes liveness.
	if err := process.Signal(syscall.Signal(0)); err != nil {
		return 0, false
	}
	return pid, true
}
