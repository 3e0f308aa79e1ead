package api

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
	"github.com/mattjoyce/jobd/internal/events"
	"github.com/mattjoyce/jobd/internal/queue"
	"github.com/mattjoyce/jobd/internal/supervisor"
)

// StatusProvider reports the daemon's current state.
type StatusProvider interface {
	Status() supervisor.Status
}

// EventSource is the lifecycle event stream served on /events.
type EventSource interface {
	SnapshotSince(lastID int64) []events.Event
	Subscribe() (<-chan events.Event, func())
}

// Enqueuer accepts new jobs.
type Enqueuer interface {
	Enqueue(ctx context.Context, kind string, payload json.RawMessage) (string, error)
}

// JobLookup returns a stored job. Only the sqlite source keeps history.
type JobLookup interface {
	Get(ctx context.Context, id string) (*queue.Record, error)
}

// Config holds API server configuration
type Config struct {
	Listen string
	// APIKey is the bearer token for every route except /healthz.
	APIKey string
}

// Server represents the HTTP API server
type Server struct {
	config   Config
	status   StatusProvider
	events   EventSource
	enqueuer Enqueuer
	lookup   JobLookup
	logger   *slog.Logger
	server   *http.Server
}

// New creates a new API server instance. enqueuer and lookup may be nil, in
// which case their routes are not mounted.
func New(config Config, status StatusProvider, events EventSource, enqueuer Enqueuer, lookup JobLookup, logger *slog.Logger) *Server {
	return &Server{
		config:   config,
		status:   status,
		events:   events,
		enqueuer: enqueuer,
		lookup:   lookup,
		logger:   logger,
	}
}

// Start listens on the configured address and serves until ctx is done.
func (s *Server) Start(ctx context.Context) error {
	ln, err := net.Listen("tcp", s.config.Listen)
	if err != nil {
		return fmt.Errorf("listen %s: %w", s.config.Listen, err)
	}
	return s.Serve(ctx, ln)
}

// Serve serves on ln until ctx is done (blocking).
func (s *Server) Serve(ctx context.Context, ln net.Listener) error {
	s.server = &http.Server{
		Handler:     s.Handler(),
		ReadTimeout: 10 * time.Second,
		IdleTimeout: 60 * time.Second,
		BaseContext: func(net.Listener) context.Context { return ctx },
	}

	s.logger.Info("API server starting", "listen", ln.Addr().String())

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.Serve(ln); err != nil && !errors.Is(err, http.ErrServerClosed) {
			errCh <- err
		}
		close(errCh)
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		<-errCh
		return nil
	case err, ok := <-errCh:
		if !ok {
			return nil
		}
		return fmt.Errorf("server error: %w", err)
	}
}

// Handler returns the routed handler, for tests and embedding.
func (s *Server) Handler() http.Handler {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)

	r.Group(func(r chi.Router) {
		r.Use(s.authMiddleware)
		r.Get("/events", s.handleEvents)
		if s.enqueuer != nil {
			r.Post("/jobs", s.handleEnqueue)
		}
		if s.lookup != nil {
			r.Get("/jobs/{jobID}", s.handleGetJob)
		}
	})

	return r
}

// loggingMiddleware logs HTTP requests
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Debug("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
