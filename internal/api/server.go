// Package api exposes the ingest daemon's read/control surface over
// HTTP: per-source state, cache statistics, a manual reload trigger,
// and a resource-aware health check. It wraps a Controller; it never
// touches the hot Tick path itself.
package api

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"log/slog"

	"github.com/danielgtaylor/huma/v2"
	"github.com/danielgtaylor/huma/v2/adapters/humachi"
	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"

	"github.com/jmylchreest/tvarr-hlsingest/internal/api/middleware"
	"github.com/jmylchreest/tvarr-hlsingest/internal/ingest"
)

// Config holds the HTTP server's bind address and timeouts.
type Config struct {
	Host            string
	Port            int
	ReadTimeout     time.Duration
	WriteTimeout    time.Duration
	ShutdownTimeout time.Duration
}

// DefaultConfig returns sensible development defaults.
func DefaultConfig() Config {
	return Config{
		Host:            "0.0.0.0",
		Port:            8080,
		ReadTimeout:     30 * time.Second,
		WriteTimeout:    30 * time.Second,
		ShutdownTimeout: 10 * time.Second,
	}
}

// Server is the ingest daemon's introspection/control HTTP API.
type Server struct {
	config     Config
	router     *chi.Mux
	api        huma.API
	httpServer *http.Server
	logger     *slog.Logger
	startedAt  time.Time
}

// NewServer builds a chi+huma server wired against controller and
// reload. reload is called by POST /v1/sources/reload; the server
// itself never reads the sources file.
func NewServer(cfg Config, logger *slog.Logger, version string, controller *ingest.Controller, reload func() error) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	if version == "" {
		version = "dev"
	}

	router := chi.NewRouter()
	router.Use(chimiddleware.RealIP)
	router.Use(middleware.RequestID)
	router.Use(middleware.Logging(logger))
	router.Use(middleware.Recovery(logger))
	router.Use(middleware.CORS())

	humaConfig := huma.DefaultConfig("hlsingestd API", version)
	humaConfig.Info.Description = "HLS ingest pipeline introspection and control API"

	api := humachi.New(router, humaConfig)

	s := &Server{
		config:    cfg,
		router:    router,
		api:       api,
		logger:    logger,
		startedAt: time.Now(),
	}

	registerSourcesHandler(api, controller, reload)
	registerHealthHandler(api, s.startedAt, version)

	return s
}

// Router exposes the chi router for any routes registered outside huma.
func (s *Server) Router() *chi.Mux { return s.router }

// API exposes the huma API for registering additional operations.
func (s *Server) API() huma.API { return s.api }

func (s *Server) start() error {
	addr := fmt.Sprintf("%s:%d", s.config.Host, s.config.Port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      s.router,
		ReadTimeout:  s.config.ReadTimeout,
		WriteTimeout: s.config.WriteTimeout,
	}

	s.logger.Info("starting introspection API", slog.String("address", addr))
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("starting api server: %w", err)
	}
	return nil
}

// Shutdown gracefully drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	if s.httpServer == nil {
		return nil
	}
	shutdownCtx, cancel := context.WithTimeout(ctx, s.config.ShutdownTimeout)
	defer cancel()
	if err := s.httpServer.Shutdown(shutdownCtx); err != nil {
		return fmt.Errorf("shutting down api server: %w", err)
	}
	s.logger.Info("introspection API stopped")
	return nil
}

// ListenAndServe runs the server until ctx is canceled, then shuts down
// gracefully.
func (s *Server) ListenAndServe(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() { errCh <- s.start() }()

	select {
	case <-ctx.Done():
		return s.Shutdown(context.Background())
	case err := <-errCh:
		return err
	}
}
