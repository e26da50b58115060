package commands

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
)

// RunCommand executes a task once and prints the resulting run.
type RunCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	task string
}

// NewRunCommand returns the run command.
func NewRunCommand(rootCmd *RootCommand, app *kingpin.Application) *RunCommand {
	c := &RunCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("run", "Run a task now.")
	c.Cmd.Arg("task", "Task ID or name.").Required().StringVar(&c.task)

	return c
}

func (c RunCommand) Name() string { return c.Cmd.FullCommand() }

func (c RunCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}

	svc, err := newServices(ctx, cfg, c.rootCmd.Logger, servicesOptions{})
	if err != nil {
		return err
	}
	defer svc.Close()

	task, err := svc.resolveTask(ctx, c.task)
	if err != nil {
		return err
	}

	c.rootCmd.Logger.Infof("Running task %q", task.Name)
	x, err := svc.executor.Execute(ctx, task.ID, executor.Options{Wait: true})
	if err != nil {
		return err
	}

	run, err := x.Wait(ctx)
	if errors.Is(err, executor.ErrNotFinalized) {
		return err
	}
	if err != nil {
		c.rootCmd.Logger.Warningf("Run follow up failed: %v", err)
	}
	if run == nil {
		run = x.Run
	}
	printRun(c.rootCmd, task, run)
	if run.Status == db.RunStatusFailed {
		return fmt.Errorf("run %s failed: %s", run.ID, run.ErrorMsg)
	}
	return nil
}

func printRun(root *RootCommand, task *db.Task, run *db.TaskRun) {
	w := root.Stdout
	fmt.Fprintf(w, "Task:     %s (%s)\n", task.Name, task.ID)
	fmt.Fprintf(w, "Run:      %s\n", run.ID)
	fmt.Fprintf(w, "Status:   %s\n", run.Status)
	fmt.Fprintf(w, "Started:  %s\n", run.StartedAt.Local().Format(time.RFC3339))
	if run.FinishedAt != nil {
		fmt.Fprintf(w, "Duration: %s\n", run.Duration().Round(time.Millisecond))
	}
	if run.ErrorMsg != "" {
		fmt.Fprintf(w, "Error:    %s\n", run.ErrorMsg)
	}
	if len(run.OutputJSON) > 0 {
		var out bytes.Buffer
		if err := json.Indent(&out, run.OutputJSON, "", "  "); err != nil {
			out.Reset()
			out.Write(run.OutputJSON)
		}
		fmt.Fprintf(w, "Output:\n%s\n", out.String())
	}
	if run.Logs != "" {
		fmt.Fprintf(w, "Logs:\n%s\n", run.Logs)
	}
}
