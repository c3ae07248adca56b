// Package admin exposes the engine operations over a local HTTP API and
// provides the client the CLI uses to drive a running daemon.
package admin

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"net"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/tonimelisma/stagesync/internal/sync"
)

const (
	readHeaderTimeout = 10 * time.Second
	defaultPageSize   = 50
	maxPageSize       = 1000
)

// Engine is the operation surface the API serves. Satisfied by
// *sync.Engine.
type Engine interface {
	Status(ctx context.Context) (sync.EngineStatus, error)
	PendingRecords(ctx context.Context, page, size int) (sync.RecordPage, error)
	StartWorker() sync.ControlResult
	PauseWorker() sync.ControlResult
	ResumeWorker() sync.ControlResult
	StopWorker() sync.ControlResult
	ConfirmDeletion(ctx context.Context, ids []int64) []sync.DeletionResult
	TriggerReconcile(ctx context.Context) (sync.ReconcileReport, error)
}

// Server serves the admin API.
type Server struct {
	engine         Engine
	logger         *slog.Logger
	statusInterval time.Duration
	httpServer     *http.Server
}

// NewServer builds a Server for addr. statusInterval is the push period of
// the status stream.
func NewServer(engine Engine, addr string, statusInterval time.Duration, logger *slog.Logger) *Server {
	s := &Server{
		engine:         engine,
		logger:         logger,
		statusInterval: statusInterval,
	}

	// Streams hijack their connections, so http.Server.Shutdown does not
	// wait for them; cancelling the base context ends them instead.
	baseCtx, cancel := context.WithCancel(context.Background())

	s.httpServer = &http.Server{
		Addr:              addr,
		Handler:           s.Routes(),
		ReadHeaderTimeout: readHeaderTimeout,
		BaseContext:       func(net.Listener) context.Context { return baseCtx },
	}
	s.httpServer.RegisterOnShutdown(cancel)

	return s
}

// Routes returns the API router.
func (s *Server) Routes() chi.Router {
	router := chi.NewRouter()
	router.Use(middleware.Recoverer)
	router.Use(s.withLogging)

	router.Route("/api/v1", func(r chi.Router) {
		r.Get("/status", s.status)
		r.Get("/status/stream", s.statusStream)
		r.Get("/records/pending", s.pendingRecords)
		r.Post("/worker/{action}", s.workerControl)
		r.Post("/deletions", s.confirmDeletions)
		r.Post("/reconcile", s.reconcile)
	})

	return router
}

// Serve accepts connections on ln until Shutdown. It returns nil after a
// clean shutdown.
func (s *Server) Serve(ln net.Listener) error {
	s.logger.Info("admin API listening", slog.String("addr", ln.Addr().String()))

	if err := s.httpServer.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
		return fmt.Errorf("admin: serving: %w", err)
	}

	return nil
}

// Listen binds the configured address.
func (s *Server) Listen() (net.Listener, error) {
	ln, err := net.Listen("tcp", s.httpServer.Addr)
	if err != nil {
		return nil, fmt.Errorf("admin: listening on %s: %w", s.httpServer.Addr, err)
	}

	return ln, nil
}

// Shutdown stops accepting requests and waits for in-flight ones, bounded
// by ctx. Open status streams are closed.
func (s *Server) Shutdown(ctx context.Context) error {
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("admin: shutting down: %w", err)
	}

	return nil
}

// withLogging logs one line per request at debug level.
func (s *Server) withLogging(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)

		next.ServeHTTP(ww, r)

		s.logger.Debug("admin request",
			slog.String("method", r.Method),
			slog.String("uri", r.RequestURI),
			slog.Int("status", ww.Status()),
			slog.Duration("duration", time.Since(start)),
		)
	})
}
