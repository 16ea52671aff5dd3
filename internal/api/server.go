// Package api exposes batch chart rendering over HTTP.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"

	"github.com/mattjoyce/chartsmith/internal/history"
	"github.com/mattjoyce/chartsmith/internal/render"
)

//go:generate mockgen -source=server.go -destination=mocks/renderer_mock.go -package=mocks ChartRenderer

// ChartRenderer is the rendering surface the server drives.
type ChartRenderer interface {
	Render(ctx context.Context, req render.Request) ([]render.Result, error)
}

// HistoryStore records and lists render invocations. May be nil-backed in
// tests; the server tolerates a nil store.
type HistoryStore interface {
	Record(ctx context.Context, e history.Entry) (string, error)
	List(ctx context.Context, limit int) ([]history.Entry, error)
}

// Config holds API server configuration.
type Config struct {
	Listen string

	// DefaultWidth/DefaultHeight/DefaultConcurrency fill request fields
	// the client leaves unset.
	DefaultWidth       int
	DefaultHeight      int
	DefaultConcurrency int

	// ExecutorOrigin is reported by /healthz and recorded in history.
	ExecutorOrigin string
}

// Server is the HTTP API server.
type Server struct {
	config    Config
	renderer  ChartRenderer
	store     HistoryStore
	logger    *slog.Logger
	server    *http.Server
	startedAt time.Time
}

// New creates an API server. store may be nil to disable history.
func New(config Config, renderer ChartRenderer, store HistoryStore, logger *slog.Logger) *Server {
	return &Server{
		config:    config,
		renderer:  renderer,
		store:     store,
		logger:    logger,
		startedAt: time.Now(),
	}
}

// Start runs the HTTP server until ctx is cancelled.
func (s *Server) Start(ctx context.Context) error {
	s.server = &http.Server{
		Addr:         s.config.Listen,
		Handler:      s.routes(),
		ReadTimeout:  30 * time.Second,
		WriteTimeout: 10 * time.Minute, // batch renders can be slow
		IdleTimeout:  60 * time.Second,
	}

	s.logger.Info("API server starting", "listen", s.config.Listen)

	errCh := make(chan error, 1)
	go func() {
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case <-ctx.Done():
		s.logger.Info("API server shutting down")
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		if err := s.server.Shutdown(shutdownCtx); err != nil {
			return fmt.Errorf("server shutdown failed: %w", err)
		}
		return ctx.Err()
	case err := <-errCh:
		return fmt.Errorf("server error: %w", err)
	}
}

// routes configures the HTTP router.
func (s *Server) routes() *chi.Mux {
	r := chi.NewRouter()

	r.Use(middleware.RequestID)
	r.Use(middleware.RealIP)
	r.Use(s.loggingMiddleware)
	r.Use(middleware.Recoverer)

	r.Get("/healthz", s.handleHealthz)
	r.Post("/render", s.handleRender)
	r.Post("/convert", s.handleConvert)
	r.Get("/history", s.handleHistory)

	return r
}

// loggingMiddleware logs HTTP requests.
func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		ww := middleware.NewWrapResponseWriter(w, r.ProtoMajor)
		next.ServeHTTP(ww, r)
		s.logger.Info("http request",
			"method", r.Method,
			"path", r.URL.Path,
			"status", ww.Status(),
			"duration_ms", time.Since(start).Milliseconds(),
			"request_id", middleware.GetReqID(r.Context()),
		)
	})
}
