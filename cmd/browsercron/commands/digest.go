package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"
)

// DigestCommand sends the weekly digest emails now.
type DigestCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewDigestCommand returns the digest command.
func NewDigestCommand(rootCmd *RootCommand, app *kingpin.Application) *DigestCommand {
	c := &DigestCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("digest", "Send the weekly digest emails now.")
	return c
}

func (c DigestCommand) Name() string { return c.Cmd.FullCommand() }

func (c DigestCommand) Run(ctx context.Context) error {
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

	sent, err := svc.executor.SendWeeklyDigests(ctx)
	fmt.Fprintf(c.rootCmd.Stdout, "sent %d digest(s)\n", sent)
	return err
}
