// Package httpapi implements the task-facing HTTP ingress: health and
// readiness probes, task submission, result polling, and the route
// preview endpoint. Router shape (chi, RequestID/Recoverer/Logger)
// adopted from the rest of the example pack rather than the teacher's
// bare http.ServeMux, since chi's {id} path params are the idiomatic
// fit for GET /results/{id}.
package httpapi

import (
	"context"
	"database/sql"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	chimw "github.com/go-chi/chi/v5/middleware"
	"go.uber.org/zap"

	"github.com/manishadha/velu/internal/config"
	"github.com/manishadha/velu/internal/middleware"
	"github.com/manishadha/velu/internal/queue"
	"github.com/manishadha/velu/internal/tasklog"
)

// Server wires the task queue and store onto a chi router.
type Server struct {
	cfg     *config.Config
	db      *sql.DB
	q       *queue.Queue
	log     *zap.Logger
	sink    *tasklog.Sink
	router  chi.Router
	httpSrv *http.Server
}

// New builds the configured router and HTTP server. sink may be nil,
// in which case accepted tasks are simply not mirrored to a JSONL file.
func New(cfg *config.Config, db *sql.DB, q *queue.Queue, log *zap.Logger, sink *tasklog.Sink) *Server {
	s := &Server{cfg: cfg, db: db, q: q, log: log, sink: sink}
	s.router = s.routes()
	s.httpSrv = &http.Server{
		Addr:              cfg.HTTP.Addr,
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}
	return s
}

func (s *Server) routes() chi.Router {
	r := chi.NewRouter()
	r.Use(chimw.RequestID)
	r.Use(chimw.Recoverer)
	r.Use(zapLogger(s.log))

	r.Get("/health", s.handleHealth)
	r.Get("/ready", s.handleReady)
	r.Get("/tasks", s.handleListTasks)
	r.Get("/results/{id}", s.handleGetResult)
	r.Post("/route/preview", s.handleRoutePreview)

	r.Group(func(r chi.Router) {
		r.Use(middleware.Auth(s.cfg.Middleware.APIKeys, s.log))
		r.Use(middleware.RateLimit(s.cfg.Middleware.RateRequests, time.Duration(s.cfg.Middleware.RateWindowSec)*time.Second))
		r.Use(middleware.MaxBytes(s.cfg.Middleware.MaxRequestBytes))
		r.Post("/tasks", s.handleCreateTask)
	})

	return r
}

// ListenAndServe starts the HTTP server; it blocks until Shutdown is
// called or the listener errors.
func (s *Server) ListenAndServe() error {
	err := s.httpSrv.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown gracefully stops the HTTP server.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}
