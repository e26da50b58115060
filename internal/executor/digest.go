package executor

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"sync"
	"time"

	"golang.org/x/sync/errgroup"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/notify"
)

const (
	digestWindow      = 7 * 24 * time.Hour
	digestConcurrency = 4
)

// BuildDigestStats aggregates run summaries into weekly numbers. Tasks are
// sorted by run count, then by name.
func BuildDigestStats(runs []db.RunSummary) notify.DigestStats {
	type counter struct {
		name      string
		runs      int
		successes int
	}
	var (
		stats  notify.DigestStats
		byTask = map[string]*counter{}
		order  []*counter
	)
	for _, r := range runs {
		c, ok := byTask[r.TaskID]
		if !ok {
			c = &counter{name: r.TaskName}
			byTask[r.TaskID] = c
			order = append(order, c)
		}
		c.runs++
		stats.TotalRuns++
		switch r.Status {
		case db.RunStatusSuccess:
			c.successes++
			stats.SuccessfulRuns++
		case db.RunStatusFailed:
			stats.FailedRuns++
		}
	}

	sort.SliceStable(order, func(i, j int) bool {
		if order[i].runs != order[j].runs {
			return order[i].runs > order[j].runs
		}
		return order[i].name < order[j].name
	})
	for _, c := range order {
		stats.Tasks = append(stats.Tasks, notify.TaskStats{
			Name:        c.name,
			Runs:        c.runs,
			SuccessRate: int(float64(c.successes)/float64(c.runs)*100 + 0.5),
		})
	}
	return stats
}

// SendWeeklyDigests emails the last week's summary to every opted in user
// that had runs. It returns the number of digests sent.
func (e *Executor) SendWeeklyDigests(ctx context.Context) (int, error) {
	if !e.notifier.Enabled() {
		e.logger.Debugf("Skipping weekly digests, notifications are disabled")
		return 0, nil
	}

	users, err := e.store.ListDigestUsers(ctx)
	if err != nil {
		return 0, fmt.Errorf("could not list digest users: %w", err)
	}
	since := e.now().Add(-digestWindow)

	var (
		g    errgroup.Group
		mu   sync.Mutex
		errs []error
		sent int
	)
	g.SetLimit(digestConcurrency)
	for _, user := range users {
		g.Go(func() error {
			ok, err := e.sendDigest(ctx, user, since)
			mu.Lock()
			defer mu.Unlock()
			if err != nil {
				errs = append(errs, fmt.Errorf("digest for %s: %w", user.ID, err))
			} else if ok {
				sent++
			}
			return nil
		})
	}
	_ = g.Wait()

	e.logger.Infof("Sent %d weekly digests to %d users", sent, len(users))
	return sent, errors.Join(errs...)
}

func (e *Executor) sendDigest(ctx context.Context, user *db.User, since time.Time) (bool, error) {
	runs, err := e.store.ListUserRunsSince(ctx, user.ID, since)
	if err != nil {
		return false, err
	}
	stats := BuildDigestStats(runs)
	if stats.TotalRuns == 0 {
		return false, nil
	}
	_, err = e.notifier.NotifyWeeklyDigest(ctx, notify.WeeklyDigest{
		To:       user.Email,
		UserID:   user.ID,
		UserName: user.Name,
		Stats:    stats,
	})
	if err != nil {
		return false, err
	}
	return true, nil
}
