// Package notify renders and sends BrowserCron emails. Every delivery attempt
// is recorded as a notification log.
package notify

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/log"
)

// DefaultFrom is the sender used when none is configured.
const DefaultFrom = "BrowserCron <notifications@resend.dev>"

// Email is a rendered message ready for delivery.
type Email struct {
	From    string
	To      string
	Subject string
	HTML    string
}

// Mailer delivers rendered emails and returns the provider message id.
type Mailer interface {
	Send(ctx context.Context, email Email) (string, error)
}

// LogStore persists notification attempts.
type LogStore interface {
	CreateNotificationLog(ctx context.Context, l *db.NotificationLog) error
}

// SendResult is returned for every delivered email.
type SendResult struct {
	ID      string
	Subject string
	To      string
}

// LimitKind is the plan limit a usage alert refers to.
type LimitKind string

const (
	LimitTasks LimitKind = "tasks"
	LimitRuns  LimitKind = "runs"
)

// TaskOutcome describes a finished run to notify about.
type TaskOutcome struct {
	To              string
	UserID          string
	TaskID          string
	TaskName        string
	TaskDescription string
	RunID           string
	Status          db.RunStatus
	Output          json.RawMessage
	Error           string
	Duration        time.Duration
}

// UsageLimit describes a plan limit being approached.
type UsageLimit struct {
	To       string
	UserID   string
	UserName string
	Kind     LimitKind
	Current  int
	Limit    int
	Plan     db.Plan
}

// TaskStats are the weekly numbers of one task.
type TaskStats struct {
	Name        string
	Runs        int
	SuccessRate int
}

// DigestStats are the weekly numbers of a user.
type DigestStats struct {
	TotalRuns      int
	SuccessfulRuns int
	FailedRuns     int
	Tasks          []TaskStats
}

// WeeklyDigest describes a weekly summary email.
type WeeklyDigest struct {
	To       string
	UserID   string
	UserName string
	Stats    DigestStats
}

// Config is the notifier configuration. A nil Mailer disables delivery.
type Config struct {
	Mailer Mailer
	Store  LogStore
	From   string
	AppURL string
	Logger log.Logger
	Now    func() time.Time
}

func (c *Config) defaults() error {
	if c.Store == nil && c.Mailer != nil {
		return errors.New("log store is required")
	}
	if strings.TrimSpace(c.From) == "" {
		c.From = DefaultFrom
	}
	c.AppURL = strings.TrimRight(strings.TrimSpace(c.AppURL), "/")
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "notify"})
	if c.Now == nil {
		c.Now = time.Now
	}
	return nil
}

// Notifier sends task, usage and digest emails.
type Notifier struct {
	mailer Mailer
	store  LogStore
	from   string
	appURL string
	logger log.Logger
	now    func() time.Time
}

// New returns a notifier. Without a mailer every notify call is a no-op.
func New(cfg Config) (*Notifier, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}
	if cfg.Mailer == nil {
		cfg.Logger.Warningf("No email provider configured, email notifications are disabled")
	}
	return &Notifier{
		mailer: cfg.Mailer,
		store:  cfg.Store,
		from:   cfg.From,
		appURL: cfg.AppURL,
		logger: cfg.Logger,
		now:    cfg.Now,
	}, nil
}

// Enabled reports whether a mailer is configured.
func (n *Notifier) Enabled() bool {
	return n != nil && n.mailer != nil
}

// NotifyTaskOutcome emails the outcome of a finished run.
func (n *Notifier) NotifyTaskOutcome(ctx context.Context, o TaskOutcome) (*SendResult, error) {
	if !n.Enabled() {
		return nil, nil
	}

	success := o.Status == db.RunStatusSuccess
	kind := db.NotificationTaskFailed
	subject := fmt.Sprintf("❌ Task \"%s\" failed", o.TaskName)
	if success {
		kind = db.NotificationTaskSuccess
		subject = fmt.Sprintf("✅ Task \"%s\" completed successfully", o.TaskName)
	}

	html, err := n.renderTask(o)
	if err != nil {
		return nil, fmt.Errorf("could not render task email: %w", err)
	}
	return n.send(ctx, o.UserID, o.TaskID, kind, o.To, subject, html)
}

// NotifyUsageLimit emails a usage limit alert.
func (n *Notifier) NotifyUsageLimit(ctx context.Context, u UsageLimit) (*SendResult, error) {
	if !n.Enabled() {
		return nil, nil
	}

	kind := db.NotificationUsageLimitRuns
	if u.Kind == LimitTasks {
		kind = db.NotificationUsageLimitTasks
	}
	subject := fmt.Sprintf("⚠️ You're approaching your %s limit (%d/%d)", u.Kind, u.Current, u.Limit)

	html, err := n.renderUsage(u)
	if err != nil {
		return nil, fmt.Errorf("could not render usage email: %w", err)
	}
	return n.send(ctx, u.UserID, "", kind, u.To, subject, html)
}

// NotifyWeeklyDigest emails a weekly summary.
func (n *Notifier) NotifyWeeklyDigest(ctx context.Context, d WeeklyDigest) (*SendResult, error) {
	if !n.Enabled() {
		return nil, nil
	}

	subject := "📊 Your Weekly BrowserCron Summary"
	html, err := n.renderDigest(d)
	if err != nil {
		return nil, fmt.Errorf("could not render digest email: %w", err)
	}
	return n.send(ctx, d.UserID, "", db.NotificationWeeklyDigest, d.To, subject, html)
}

// send delivers the email and records exactly one log entry for the attempt.
// Delivery errors are returned after the failed attempt is logged.
func (n *Notifier) send(ctx context.Context, userID, taskID string, kind db.NotificationKind, to, subject, html string) (*SendResult, error) {
	entry := &db.NotificationLog{
		UserID:  userID,
		TaskID:  taskID,
		Kind:    kind,
		Email:   to,
		Subject: subject,
	}

	id, sendErr := n.mailer.Send(ctx, Email{From: n.from, To: to, Subject: subject, HTML: html})
	if sendErr != nil {
		n.logger.Errorf("Failed to send %s email to %s: %v", kind, to, sendErr)
		entry.Status = db.DeliveryFailed
		entry.ErrorMsg = sendErr.Error()
		if err := n.store.CreateNotificationLog(ctx, entry); err != nil {
			return nil, errors.Join(sendErr, fmt.Errorf("could not log notification: %w", err))
		}
		return nil, sendErr
	}

	entry.Status = db.DeliverySent
	if err := n.store.CreateNotificationLog(ctx, entry); err != nil {
		return nil, fmt.Errorf("could not log notification: %w", err)
	}
	n.logger.Debugf("Sent %s email to %s (%s)", kind, to, id)

	return &SendResult{ID: id, Subject: subject, To: to}, nil
}
