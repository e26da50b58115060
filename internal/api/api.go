// Package api serves the BrowserCron HTTP API.
package api

import (
	"errors"
	"fmt"
	"net/http"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/kylemclaren/browsercron/internal/auth"
	"github.com/kylemclaren/browsercron/internal/db"
	"github.com/kylemclaren/browsercron/internal/executor"
	"github.com/kylemclaren/browsercron/internal/log"
	"github.com/kylemclaren/browsercron/internal/scheduler"
	"github.com/kylemclaren/browsercron/internal/stream"
)

// Config is the API server configuration. Scheduler is optional, without it
// schedule changes are picked up by the next scheduler sync.
type Config struct {
	Store     *db.DB
	Executor  *executor.Executor
	Scheduler *scheduler.Scheduler
	Streams   *stream.Manager
	Auth      *auth.Authenticator
	Logger    log.Logger
}

func (c *Config) defaults() error {
	if c.Store == nil {
		return errors.New("store is required")
	}
	if c.Executor == nil {
		return errors.New("executor is required")
	}
	if c.Streams == nil {
		c.Streams = stream.NewManager()
	}
	if c.Logger == nil {
		c.Logger = log.Noop
	}
	c.Logger = c.Logger.WithValues(log.Kv{"svc": "api"})
	return nil
}

// Server represents the API server
type Server struct {
	db        *db.DB
	executor  *executor.Executor
	scheduler *scheduler.Scheduler
	streamMgr *stream.Manager
	auth      *auth.Authenticator
	logger    log.Logger
	router    chi.Router
}

// NewServer creates a new API server
func NewServer(cfg Config) (*Server, error) {
	if err := cfg.defaults(); err != nil {
		return nil, fmt.Errorf("invalid config: %w", err)
	}

	s := &Server{
		db:        cfg.Store,
		executor:  cfg.Executor,
		scheduler: cfg.Scheduler,
		streamMgr: cfg.Streams,
		logger:    cfg.Logger,
		router:    chi.NewRouter(),
	}
	if cfg.Auth == nil {
		a, err := auth.New(auth.Config{Store: cfg.Store, OnError: AuthError, Logger: cfg.Logger})
		if err != nil {
			return nil, err
		}
		cfg.Auth = a
	}
	s.auth = cfg.Auth
	s.setupRoutes()
	return s, nil
}

func (s *Server) setupRoutes() {
	r := s.router

	// Global middleware
	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(middleware.Logger)
	r.Use(middleware.Recoverer)
	r.Use(CORS)

	r.Get("/api/health", s.HealthCheck)

	r.Group(func(r chi.Router) {
		r.Use(s.auth.Middleware)

		r.Get("/api/me", s.GetMe)

		// Tasks
		r.Get("/api/tasks", s.ListTasks)
		r.Post("/api/tasks", s.CreateTask)
		r.Get("/api/tasks/{id}", s.GetTask)
		r.Put("/api/tasks/{id}", s.UpdateTask)
		r.Delete("/api/tasks/{id}", s.DeleteTask)
		r.Post("/api/tasks/{id}/toggle", s.ToggleTask)
		r.Post("/api/tasks/{id}/run", s.RunTask)
		r.Get("/api/tasks/{id}/runs", s.GetTaskRuns)
		r.Get("/api/tasks/{id}/runs/latest", s.GetLatestTaskRun)
		r.Get("/api/tasks/{id}/runs/{runId}", s.GetTaskRunByID)
		r.Get("/api/tasks/{id}/runs/{runId}/stream", s.StreamTaskRun)

		r.Get("/api/notifications", s.ListNotifications)

		// Settings
		r.Get("/api/settings", s.GetSettings)
		r.Put("/api/settings", s.UpdateSettings)
	})
}

// Router returns the chi router for use with http.Server
func (s *Server) Router() http.Handler {
	return s.router
}

// AuthError writes authentication failures as JSON. Authenticators built
// outside the server use it as their error handler.
func AuthError(w http.ResponseWriter, _ *http.Request, err error) {
	writeError(w, statusFor(err), "Unauthorized", err)
}
