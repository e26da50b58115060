package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/scheduler"
	"github.com/kylemclaren/browsercron/internal/tui"
)

// TUICommand launches the interactive terminal UI.
type TUICommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewTUICommand returns the tui command, the default one.
func NewTUICommand(rootCmd *RootCommand, app *kingpin.Application) *TUICommand {
	c := &TUICommand{rootCmd: rootCmd}
	c.Cmd = app.Command("tui", "Launch the interactive terminal UI.").Default()
	return c
}

func (c TUICommand) Name() string { return c.Cmd.FullCommand() }

func (c TUICommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}

	// Without provider credentials the TUI still manages tasks, runs are
	// disabled.
	canRun := cfg.Validate() == nil
	pid, daemonRunning := daemonPID(cfg.PIDPath())

	svc, err := newServices(ctx, cfg, logger, servicesOptions{
		Owner:      canRun && !daemonRunning,
		NoExecutor: !canRun,
	})
	if err != nil {
		return err
	}
	defer svc.Close()

	var sched *scheduler.Scheduler
	switch {
	case !canRun:
		fmt.Fprintln(c.rootCmd.Stderr, "BROWSER_USE_API_KEY is not set, task runs are disabled")
	case daemonRunning:
		// the daemon owns the schedules, runs started here still execute locally
		fmt.Fprintf(c.rootCmd.Stderr, "Daemon running (PID %d), TUI in client mode\n", pid)
	default:
		sched, err = svc.newScheduler()
		if err != nil {
			return fmt.Errorf("could not create scheduler: %w", err)
		}
		if err := sched.Start(ctx); err != nil {
			return fmt.Errorf("starting scheduler: %w", err)
		}
		defer sched.Stop()
	}

	err = tui.Run(ctx, tui.Config{
		Store:     svc.store,
		Executor:  svc.executor,
		Scheduler: sched,
		UserID:    db.DemoUserID,
	})
	if svc.executor != nil {
		waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
		defer cancel()
		if serr := svc.executor.Shutdown(waitCtx); serr != nil {
			logger.Warningf("%v", serr)
		}
	}
	return err
}
