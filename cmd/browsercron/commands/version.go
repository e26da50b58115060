package commands

import (
	"context"
	"fmt"

	"github.com/alecthomas/kingpin/v2"

	"github.com/kylemclaren/browsercron/internal/version"
)

// VersionCommand prints build information.
type VersionCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand
}

// NewVersionCommand returns the version command.
func NewVersionCommand(rootCmd *RootCommand, app *kingpin.Application) *VersionCommand {
	c := &VersionCommand{rootCmd: rootCmd}
	c.Cmd = app.Command("version", "Show version information.")
	return c
}

func (c VersionCommand) Name() string { return c.Cmd.FullCommand() }

func (c VersionCommand) Run(_ context.Context) error {
	_, err := fmt.Fprintln(c.rootCmd.Stdout, version.Info())
	return err
}
