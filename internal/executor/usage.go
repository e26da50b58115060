package executor

import (
	"context"
	"fmt"
	"time"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/notify"
)

// Usage is a user's consumption of one plan limit.
type Usage struct {
	Kind    notify.LimitKind
	Current int
	Limit   int
}

func monthStart(t time.Time) time.Time {
	t = t.UTC()
	return time.Date(t.Year(), t.Month(), 1, 0, 0, 0, 0, time.UTC)
}

// GetUsage returns the current usage of a plan limit for a user.
func (e *Executor) GetUsage(ctx context.Context, user *db.User, kind notify.LimitKind) (Usage, error) {
	limits := user.Plan.Limits()
	u := Usage{Kind: kind}

	var err error
	switch kind {
	case notify.LimitTasks:
		u.Limit = limits.Tasks
		u.Current, err = e.store.CountUserTasks(ctx, user.ID)
	case notify.LimitRuns:
		u.Limit = limits.RunsPerMonth
		u.Current, err = e.store.CountUserRunsSince(ctx, user.ID, monthStart(e.now()))
	default:
		return u, fmt.Errorf("unknown limit kind %q: %w", kind, db.ErrNotValid)
	}
	if err != nil {
		return u, fmt.Errorf("could not count %s: %w", kind, err)
	}
	return u, nil
}

// EnsureTaskQuota fails with db.ErrLimitExceeded when the user cannot own
// another task.
func (e *Executor) EnsureTaskQuota(ctx context.Context, userID string) error {
	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("could not get user: %w", err)
	}
	u, err := e.GetUsage(ctx, user, notify.LimitTasks)
	if err != nil {
		return err
	}
	if u.Current >= u.Limit {
		return fmt.Errorf("%s plan allows %d tasks: %w", user.Plan, u.Limit, db.ErrLimitExceeded)
	}
	return nil
}

// CheckUsage sends a usage alert when the user crossed the configured
// threshold of a plan limit. At most one alert per kind is sent each month.
func (e *Executor) CheckUsage(ctx context.Context, userID string, kind notify.LimitKind) error {
	if !e.notifier.Enabled() {
		return nil
	}

	user, err := e.store.GetUser(ctx, userID)
	if err != nil {
		return fmt.Errorf("could not get user: %w", err)
	}
	u, err := e.GetUsage(ctx, user, kind)
	if err != nil {
		return err
	}
	threshold, err := e.store.GetUsageThreshold(ctx)
	if err != nil {
		return fmt.Errorf("could not get usage threshold: %w", err)
	}
	if u.Limit <= 0 || float64(u.Current) < float64(u.Limit)*threshold/100 {
		return nil
	}

	logKind := db.NotificationUsageLimitRuns
	if kind == notify.LimitTasks {
		logKind = db.NotificationUsageLimitTasks
	}
	sent, err := e.store.HasNotificationSince(ctx, user.ID, logKind, monthStart(e.now()))
	if err != nil {
		return err
	}
	if sent {
		return nil
	}

	e.logger.Infof("User %s reached %d/%d %s", user.ID, u.Current, u.Limit, kind)
	_, err = e.notifier.NotifyUsageLimit(ctx, notify.UsageLimit{
		To:       user.Email,
		UserID:   user.ID,
		UserName: user.Name,
		Kind:     kind,
		Current:  u.Current,
		Limit:    u.Limit,
		Plan:     user.Plan,
	})
	return err
}
