package main

import (
	"context"
	"fmt"
	"io"
	"os"
	"os/signal"
	"syscall"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"
	"github.com/sirupsen/logrus"

	"github.com/kylemclaren/browsercron/cmd/browsercron/commands"
	"github.com/kylemclaren/browsercron/internal/log"
	loglogrus "github.com/kylemclaren/browsercron/internal/log/logrus"
	"github.com/kylemclaren/browsercron/internal/version"
)

// Run runs the main application.
func Run(ctx context.Context, args []string, stdin io.Reader, stdout, stderr io.Writer) error {
	app := kingpin.New("browsercron", "Schedule and run browser automation tasks.")
	app.DefaultEnvars()
	app.Version(version.Info())
	rootCmd := commands.NewRootCommand(app)

	tuiCmd := commands.NewTUICommand(rootCmd, app)
	serveCmd := commands.NewServeCommand(rootCmd, app)
	daemonCmd := commands.NewDaemonCommand(rootCmd, app)
	runCmd := commands.NewRunCommand(rootCmd, app)
	applyCmd := commands.NewApplyCommand(rootCmd, app)
	digestCmd := commands.NewDigestCommand(rootCmd, app)
	versionCmd := commands.NewVersionCommand(rootCmd, app)

	cmds := map[string]commands.Command{
		tuiCmd.Name():     tuiCmd,
		serveCmd.Name():   serveCmd,
		daemonCmd.Name():  daemonCmd,
		runCmd.Name():     runCmd,
		applyCmd.Name():   applyCmd,
		digestCmd.Name():  digestCmd,
		versionCmd.Name(): versionCmd,
	}

	cmdName, err := app.Parse(args[1:])
	if err != nil {
		return fmt.Errorf("invalid command configuration: %w", err)
	}

	rootCmd.Stdin = stdin
	rootCmd.Stdout = stdout
	rootCmd.Stderr = stderr

	// Log lines would tear the TUI screen, and plain output commands
	// only log when asked to.
	quietCommands := map[string]bool{
		tuiCmd.Name():     true,
		versionCmd.Name(): true,
	}
	if quietCommands[cmdName] && !rootCmd.Debug {
		rootCmd.NoLog = true
	}

	rootCmd.Logger = getLogger(*rootCmd)

	var g run.Group

	// OS signals.
	{
		signalCtx, signalCancel := signal.NotifyContext(context.Background(), syscall.SIGTERM, syscall.SIGINT)
		defer signalCancel()

		g.Add(
			func() error {
				<-signalCtx.Done()
				rootCmd.Logger.Debugf("Termination signal received")
				return nil
			},
			func(_ error) {
				signalCancel()
			},
		)
	}

	// Execute command.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				err := cmds[cmdName].Run(ctx)
				if err != nil {
					return fmt.Errorf("%q command failed: %w", cmdName, err)
				}
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	return g.Run()
}

// getLogger returns the application logger.
func getLogger(config commands.RootCommand) log.Logger {
	if config.NoLog {
		return log.Noop
	}

	logrusLog := logrus.New()
	logrusLog.Out = config.Stderr
	logrusLogEntry := logrus.NewEntry(logrusLog)

	if config.Debug {
		logrusLogEntry.Logger.SetLevel(logrus.DebugLevel)
	}

	switch config.LoggerType {
	case commands.LoggerTypeDefault:
		logrusLogEntry.Logger.SetFormatter(&logrus.TextFormatter{
			ForceColors:   !config.NoColor,
			DisableColors: config.NoColor,
		})
	case commands.LoggerTypeJSON:
		logrusLogEntry.Logger.SetFormatter(&logrus.JSONFormatter{})
	}

	logger := loglogrus.NewLogrus(logrusLogEntry).WithValues(log.Kv{
		"version": version.Short(),
	})
	logger.Debugf("Debug level is enabled")

	return logger
}

func main() {
	ctx := context.Background()
	err := Run(ctx, os.Args, os.Stdin, os.Stdout, os.Stderr)
	if err != nil {
		fmt.Fprintf(os.Stderr, "Error: %s\n", err)
		os.Exit(1)
	}
}
