// SPDX-License-Identifier: MIT

// Package api exposes the operator HTTP surface: health and readiness
// probes, Prometheus metrics, pipeline status, and thin passthroughs to
// the orchestrator for request intake, retry, and cancel.
package api

import (
	"context"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/rs/zerolog"

	"github.com/pipearr/pipearr/internal/log"
	"github.com/pipearr/pipearr/internal/pipeline/orchestrator"
	"github.com/pipearr/pipearr/internal/pipeline/scheduler"
	"github.com/pipearr/pipearr/internal/pipeline/store"
)

// SchedulerSource reports scheduler task state for /api/v1/status.
type SchedulerSource interface {
	Snapshot() []scheduler.TaskStatus
}

// Config tunes the ops server.
type Config struct {
	Listen string
	// RateLimit is requests per RateWindow per client IP on /api/v1.
	RateLimit  int
	RateWindow time.Duration

	ReadTimeout  time.Duration
	WriteTimeout time.Duration
}

func (c Config) withDefaults() Config {
	if c.Listen == "" {
		c.Listen = ":8787"
	}
	if c.RateLimit <= 0 {
		c.RateLimit = 600
	}
	if c.RateWindow <= 0 {
		c.RateWindow = time.Minute
	}
	if c.ReadTimeout <= 0 {
		c.ReadTimeout = 5 * time.Second
	}
	if c.WriteTimeout <= 0 {
		c.WriteTimeout = 10 * time.Second
	}
	return c
}

// Server is the ops HTTP server.
type Server struct {
	orc    *orchestrator.Orchestrator
	st     store.Store
	sched  SchedulerSource
	cfg    Config
	logger zerolog.Logger
	start  time.Time
}

// New builds the ops server. sched may be nil when the scheduler is not
// running (one-shot tools).
func New(orc *orchestrator.Orchestrator, st store.Store, sched SchedulerSource, cfg Config) *Server {
	return &Server{
		orc:    orc,
		st:     st,
		sched:  sched,
		cfg:    cfg.withDefaults(),
		logger: log.WithComponent("api"),
		start:  time.Now().UTC(),
	}
}

// Handler builds the full route tree.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()
	r.Use(requestLogger(s.logger))

	r.Get("/healthz", s.handleHealthz)
	r.Get("/readyz", s.handleReadyz)
	r.Method(http.MethodGet, "/metrics", promhttp.Handler())

	r.Route("/api/v1", func(r chi.Router) {
		r.Use(rateLimitByIP(s.cfg.RateLimit, s.cfg.RateWindow))
		r.Get("/status", s.handleStatus)
		r.Post("/requests", s.handleCreateRequest)
		r.Get("/requests/{id}", s.handleGetRequest)
		r.Post("/items/{id}/retry", s.handleRetryItem)
		r.Post("/items/{id}/cancel", s.handleCancelItem)
	})
	return r
}

// Run serves until ctx is cancelled, then shuts down gracefully.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         s.cfg.Listen,
		Handler:      s.Handler(),
		ReadTimeout:  s.cfg.ReadTimeout,
		WriteTimeout: s.cfg.WriteTimeout,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info().
			Str(log.FieldEvent, "api.listening").
			Str("addr", s.cfg.Listen).
			Msg("ops server listening")
		if err := srv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
			return
		}
		errCh <- nil
	}()

	select {
	case err := <-errCh:
		return err
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		return err
	}
	return <-errCh
}
