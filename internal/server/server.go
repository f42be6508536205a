// Package server exposes the pipeline to widgets over HTTP: state reads,
// undo/redo, job submission and live notice streams.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/leapstack-labs/geoquery/internal/notifier"
	"github.com/leapstack-labs/geoquery/internal/reactive"
	"github.com/leapstack-labs/geoquery/internal/state"
	"github.com/leapstack-labs/geoquery/pkg/core"
	"golang.org/x/sync/errgroup"
)

// JobStore is the part of the queue table the HTTP surface needs.
type JobStore interface {
	CreateJob(ctx context.Context, id string, query json.RawMessage) (*core.QueryJob, error)
	GetJob(ctx context.Context, id string) (*core.QueryJob, error)
	ListJobs(ctx context.Context, opts state.ListOptions) ([]core.QueryJob, error)
	Ping(ctx context.Context) error
}

// QueryRunner executes a query outside the queue.
type QueryRunner interface {
	ExecuteQuery(ctx context.Context, q *core.StructuredQuery) (*core.ExecutionResult, error)
}

// Config holds configuration for the server.
type Config struct {
	Addr            string
	ShutdownTimeout time.Duration
	State           *reactive.Store
	Jobs            JobStore
	Runner          QueryRunner
	Notices         *notifier.Notifier[notifier.Notice]
	Logger          *slog.Logger
}

// Server is the HTTP integration surface.
type Server struct {
	addr            string
	shutdownTimeout time.Duration
	state           *reactive.Store
	jobs            JobStore
	runner          QueryRunner
	notices         *notifier.Notifier[notifier.Notice]
	logger          *slog.Logger
}

// NewServer creates a new server instance.
func NewServer(cfg Config) *Server {
	logger := cfg.Logger
	if logger == nil {
		logger = slog.New(slog.DiscardHandler)
	}
	notices := cfg.Notices
	if notices == nil {
		notices = notifier.New[notifier.Notice](16)
	}
	timeout := cfg.ShutdownTimeout
	if timeout <= 0 {
		timeout = 5 * time.Second
	}
	return &Server{
		addr:            cfg.Addr,
		shutdownTimeout: timeout,
		state:           cfg.State,
		jobs:            cfg.Jobs,
		runner:          cfg.Runner,
		notices:         notices,
		logger:          logger,
	}
}

// Handler returns the router with every route mounted.
func (s *Server) Handler() http.Handler {
	r := chi.NewMux()
	r.Use(
		middleware.RequestID,
		middleware.Logger,
		middleware.Recoverer,
	)

	h := &handlers{server: s}
	r.Get("/healthz", h.health)
	r.Route("/api", func(r chi.Router) {
		r.Get("/state", h.getState)
		r.Get("/state/stream", h.streamState)
		r.Post("/state/undo", h.undo)
		r.Post("/state/redo", h.redo)
		r.Get("/jobs", h.listJobs)
		r.Post("/jobs", h.submitJob)
		r.Get("/jobs/{id}", h.getJob)
		r.Post("/query", h.runQuery)
		r.Get("/events", h.events)
	})
	return r
}

// Serve starts the server and blocks until ctx is cancelled.
func (s *Server) Serve(ctx context.Context) error {
	if s.state == nil {
		return errors.New("server: a state store is required")
	}

	eg, egctx := errgroup.WithContext(ctx)

	srv := &http.Server{
		Addr:    s.addr,
		Handler: s.Handler(),
		BaseContext: func(_ net.Listener) context.Context {
			return egctx
		},
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.Info("starting server", "addr", "http://"+s.addr)

	eg.Go(func() error {
		if err := srv.ListenAndServe(); err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("server error: %w", err)
		}
		return nil
	})

	eg.Go(func() error {
		<-egctx.Done()
		shutdownCtx, cancel := context.WithTimeout(context.Background(), s.shutdownTimeout)
		defer cancel()

		s.logger.Debug("shutting down server...")
		return srv.Shutdown(shutdownCtx)
	})

	return eg.Wait()
}
