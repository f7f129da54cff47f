// Package server exposes the job registry over HTTP for automation that
// prefers a control surface to the CLI.
package server

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"go.uber.org/zap"

	"github.com/3leaps/gobatch/internal/server/handlers"
	"github.com/3leaps/gobatch/internal/server/middleware"
	"github.com/3leaps/gobatch/pkg/lifecycle"
)

// Server hosts the HTTP control surface.
type Server struct {
	host   string
	port   int
	router chi.Router
	log    *zap.Logger
	http   *http.Server
}

// New builds the server and its routes. The manager may be nil for
// handler-level tests that only exercise routing fallbacks.
func New(host string, port int, mgr *lifecycle.Manager, version string, log *zap.Logger) *Server {
	if log == nil {
		log = zap.NewNop()
	}

	s := &Server{
		host: host,
		port: port,
		log:  log,
	}

	r := chi.NewRouter()
	r.Use(middleware.RequestID)
	r.Use(middleware.Recovery(log))
	r.NotFound(middleware.NotFound)
	r.MethodNotAllowed(middleware.MethodNotAllowed)

	health := handlers.NewHealthManager(version)
	if mgr != nil {
		health.RegisterChecker("jobstore", storeChecker{mgr})
	}
	r.Get("/health", health.HealthHandler)

	if mgr != nil {
		jobs := handlers.NewJobs(mgr, log)
		r.Route("/v1", func(r chi.Router) {
			r.Post("/jobs", jobs.Submit)
			r.Get("/jobs", jobs.List)
			r.Get("/jobs/{id}/status", jobs.Status)
			r.Post("/jobs/{id}/fetch", jobs.Fetch)
			r.Post("/sweep", jobs.Sweep)
		})
	}

	s.router = r
	return s
}

// Handler returns the root HTTP handler.
func (s *Server) Handler() http.Handler {
	return s.router
}

// Port returns the configured listen port.
func (s *Server) Port() int {
	return s.port
}

// Addr returns the listen address.
func (s *Server) Addr() string {
	return fmt.Sprintf("%s:%d", s.host, s.port)
}

// Start serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	s.http = &http.Server{
		Addr:         s.Addr(),
		Handler:      s.router,
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 120 * time.Second,
		IdleTimeout:  120 * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.log.Info("server listening", zap.String("addr", s.Addr()))
		if err := s.http.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.http.Shutdown(shutdownCtx)
}

// storeChecker verifies the job table is readable.
type storeChecker struct {
	mgr *lifecycle.Manager
}

func (c storeChecker) CheckHealth(_ context.Context) error {
	_, err := c.mgr.List("all")
	return err
}
