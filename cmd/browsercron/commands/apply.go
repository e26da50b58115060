package commands

import (
	"context"
	"fmt"
	"os"
	"path/filepath"
	"strings"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/manifest"
)

// ApplyCommand upserts the tasks declared in a YAML manifest.
type ApplyCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	file string
}

// NewApplyCommand returns the apply command.
func NewApplyCommand(rootCmd *RootCommand, app *kingpin.Application) *ApplyCommand {
	c := &ApplyCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("apply", "Create or update tasks from a YAML manifest.")
	c.Cmd.Flag("file", "Manifest file.").Short('f').Required().StringVar(&c.file)

	return c
}

func (c ApplyCommand) Name() string { return c.Cmd.FullCommand() }

func (c ApplyCommand) Run(ctx context.Context) error {
	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}

	abs, err := filepath.Abs(c.file)
	if err != nil {
		return fmt.Errorf("resolving manifest path: %w", err)
	}
	m, err := manifest.NewLoader(os.DirFS(filepath.Dir(abs))).Load(ctx, filepath.Base(abs))
	if err != nil {
		return err
	}

	// Applying tasks needs no provider, quotas are read from the store.
	svc, err := newServices(ctx, cfg, c.rootCmd.Logger, servicesOptions{NoExecutor: true})
	if err != nil {
		return err
	}
	defer svc.Close()

	res, err := manifest.Apply(ctx, svc.store, db.DemoUserID, m, svc.ensureTaskQuota)
	printApplyResult(c.rootCmd, res)
	if err != nil {
		return err
	}
	c.rootCmd.Logger.Debugf("Schedules are picked up by the next scheduler sync")
	return nil
}

func printApplyResult(root *RootCommand, res manifest.Result) {
	if len(res.Created) > 0 {
		fmt.Fprintf(root.Stdout, "created: %s\n", strings.Join(res.Created, ", "))
	}
	if len(res.Updated) > 0 {
		fmt.Fprintf(root.Stdout, "updated: %s\n", strings.Join(res.Updated, ", "))
	}
	if len(res.Created)+len(res.Updated) == 0 {
		fmt.Fprintln(root.Stdout, "no tasks in manifest")
	}
}
