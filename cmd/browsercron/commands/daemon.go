package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strconv"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kylemclaren/browsercron/internal/log"
)

// DaemonCommand runs the scheduler in the foreground.
type DaemonCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewDaemonCommand returns the daemon command.
func NewDaemonCommand(rootCmd *RootCommand, app *kingpin.Application) *DaemonCommand {
	c := &DaemonCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("daemon", "Run the scheduler in the foreground (for services).")
	return c
}

func (c DaemonCommand) Name() string { return c.Cmd.FullCommand() }

func (c DaemonCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	pidPath := cfg.PIDPath()
	if pid, running := daemonPID(pidPath); running {
		return fmt.Errorf("daemon already running (PID %d)", pid)
	}
	if err := os.MkdirAll(filepath.Dir(pidPath), 0755); err != nil {
		return fmt.Errorf("creating data directory: %w", err)
	}
	if err := os.WriteFile(pidPath, []byte(strconv.Itoa(os.Getpid())), 0644); err != nil {
		return fmt.Errorf("writing PID file: %w", err)
	}
	defer os.Remove(pidPath)

	svc, err := newServices(ctx, cfg, logger, servicesOptions{Owner: true})
	if err != nil {
		return err
	}
	defer svc.Close()

	sched, err := svc.newScheduler()
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	logger.WithValues(log.Kv{"pid": os.Getpid(), "data": cfg.DataDir}).Infof("Daemon started")
	if err := sched.Run(ctx); err != nil {
		return err
	}

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	return svc.executor.Shutdown(waitCtx)
}
