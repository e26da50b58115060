package commands

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/alecthomas/kingpin/v2"
	"github.com/oklog/run"

	"github.com/kylemclaren/browsercron/internal/api"
	"github.com/kylemclaren/browsercron/internal/auth"
	"github.com/kylemclaren/browsercron/internal/log"
)

const (
	shutdownTimeout     = 30 * time.Second
	streamRetention     = 10 * time.Minute
	streamCleanupPeriod = time.Minute
)

// ServeCommand runs the HTTP API together with the scheduler.
type ServeCommand struct {
	Cmd     *kingpin.CmdClause
	rootCmd *RootCommand

	addr        string
	noScheduler bool
}

// NewServeCommand returns the serve command.
func NewServeCommand(rootCmd *RootCommand, app *kingpin.Application) *ServeCommand {
	c := &ServeCommand{rootCmd: rootCmd}

	c.Cmd = app.Command("serve", "Run the HTTP API server and the scheduler.")
	c.Cmd.Flag("addr", "HTTP listen address, defaults to BROWSERCRON_HTTP_ADDR.").StringVar(&c.addr)
	c.Cmd.Flag("no-scheduler", "Serve the API only, a separate daemon runs the schedules.").BoolVar(&c.noScheduler)

	return c
}

func (c ServeCommand) Name() string { return c.Cmd.FullCommand() }

func (c ServeCommand) Run(ctx context.Context) error {
	logger := c.rootCmd.Logger

	cfg, err := c.rootCmd.LoadConfig()
	if err != nil {
		return err
	}
	if err := cfg.Validate(); err != nil {
		return err
	}
	if c.addr == "" {
		c.addr = cfg.HTTPAddr
	}

	svc, err := newServices(ctx, cfg, logger, servicesOptions{Owner: !c.noScheduler})
	if err != nil {
		return err
	}
	defer svc.Close()

	sched, err := svc.newScheduler()
	if err != nil {
		return fmt.Errorf("could not create scheduler: %w", err)
	}

	authenticator, err := newAuthenticator(ctx, svc, logger)
	if err != nil {
		return err
	}

	apiCfg := api.Config{
		Store:    svc.store,
		Executor: svc.executor,
		Streams:  svc.streams,
		Auth:     authenticator,
		Logger:   logger,
	}
	if !c.noScheduler {
		apiCfg.Scheduler = sched
	}
	server, err := api.NewServer(apiCfg)
	if err != nil {
		return fmt.Errorf("could not create api server: %w", err)
	}

	srv := &http.Server{
		Addr:              c.addr,
		Handler:           server.Router(),
		ReadHeaderTimeout: 10 * time.Second,
	}

	var g run.Group

	// HTTP server.
	{
		g.Add(
			func() error {
				logger.Infof("API server listening on %s", c.addr)
				if err := srv.ListenAndServe(); !errors.Is(err, http.ErrServerClosed) {
					return err
				}
				return nil
			},
			func(_ error) {
				ctx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
				defer cancel()
				if err := srv.Shutdown(ctx); err != nil {
					logger.Errorf("Could not shut down API server: %v", err)
				}
			},
		)
	}

	// Scheduler.
	if !c.noScheduler {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return sched.Run(ctx)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Runs executed by other processes.
	if svc.relay != nil {
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				return svc.relay.Forward(ctx, svc.streams)
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Finished stream buffers.
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				t := time.NewTicker(streamCleanupPeriod)
				defer t.Stop()
				for {
					select {
					case <-ctx.Done():
						return nil
					case <-t.C:
						svc.streams.CleanupOldStreams(streamRetention)
					}
				}
			},
			func(_ error) {
				cancel()
			},
		)
	}

	// Context cancellation (from parent signal handling).
	{
		ctx, cancel := context.WithCancel(ctx)
		defer cancel()

		g.Add(
			func() error {
				<-ctx.Done()
				return nil
			},
			func(_ error) {
				cancel()
			},
		)
	}

	err = g.Run()

	waitCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if serr := svc.executor.Shutdown(waitCtx); serr != nil {
		logger.Warningf("%v", serr)
	}
	return err
}

func newAuthenticator(ctx context.Context, svc *services, logger log.Logger) (*auth.Authenticator, error) {
	cfg := auth.Config{
		Store:   svc.store,
		Dev:     svc.cfg.Dev,
		OnError: api.AuthError,
		Logger:  logger,
	}
	if svc.cfg.OIDC.Issuer != "" {
		verifier, err := auth.NewOIDCVerifier(ctx, auth.OIDCConfig{
			Issuer:   svc.cfg.OIDC.Issuer,
			ClientID: svc.cfg.OIDC.ClientID,
		})
		if err != nil {
			return nil, fmt.Errorf("could not create oidc verifier: %w", err)
		}
		cfg.Verifier = verifier
	} else {
		logger.Warningf("No OIDC issuer configured, requests act as the demo user")
	}

	a, err := auth.New(cfg)
	if err != nil {
		return nil, fmt.Errorf("could not create authenticator: %w", err)
	}
	return a, nil
}
