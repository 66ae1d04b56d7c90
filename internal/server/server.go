// Package server exposes the operator HTTP API: position commands (arm,
// disarm, panic), the status projection, and health.
package server

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/ldamasio/robson-sub000/internal/domain"
	"github.com/ldamasio/robson-sub000/internal/server/handler"
	"github.com/ldamasio/robson-sub000/internal/server/middleware"
)

// Config holds the HTTP server configuration.
type Config struct {
	Port        int
	CORSOrigins []string
	APIKey      string // if empty, authentication is disabled

	// RateLimiter, when set, throttles per-client request rates.
	RateLimiter domain.RateLimiter
	RateLimit   int
	RateWindow  time.Duration
}

// Handlers aggregates the HTTP handlers the server registers.
type Handlers struct {
	Health     *handler.HealthHandler
	Command    *handler.CommandHandler
	Status     *handler.StatusHandler
	KillSwitch *handler.KillSwitchHandler
}

// Server is the headless HTTP API for the position daemon.
type Server struct {
	httpServer *http.Server
	mux        *http.ServeMux
	logger     *slog.Logger
}

// NewServer creates a Server with all routes registered on the ServeMux and
// the middleware chain (rate limiting, auth, logging, CORS) attached.
func NewServer(cfg Config, handlers Handlers, logger *slog.Logger) *Server {
	mux := http.NewServeMux()

	// Health check (exempt from auth below).
	mux.HandleFunc("GET /api/health", handlers.Health.HealthCheck)

	// Position commands.
	mux.HandleFunc("POST /api/positions/arm", handlers.Command.Arm)
	mux.HandleFunc("POST /api/positions/disarm", handlers.Command.Disarm)
	mux.HandleFunc("POST /api/positions/panic", handlers.Command.Panic)

	// Status projection.
	mux.HandleFunc("GET /api/positions", handlers.Status.ListPositions)
	mux.HandleFunc("GET /api/positions/{id}", handlers.Status.GetPosition)

	// Execution kill switch.
	if handlers.KillSwitch != nil {
		mux.HandleFunc("POST /api/killswitch/trip", handlers.KillSwitch.Trip)
		mux.HandleFunc("POST /api/killswitch/reset", handlers.KillSwitch.Reset)
		mux.HandleFunc("GET /api/killswitch", handlers.KillSwitch.State)
	}

	var h http.Handler = mux

	authed := middleware.Auth(cfg.APIKey)(h)
	unauthed := h
	h = http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/api/health" {
			unauthed.ServeHTTP(w, r)
			return
		}
		authed.ServeHTTP(w, r)
	})

	if cfg.RateLimiter != nil && cfg.RateLimit > 0 {
		h = middleware.RateLimit(cfg.RateLimiter, cfg.RateLimit, cfg.RateWindow)(h)
	}

	h = middleware.Logging(logger)(h)
	h = middleware.CORS(cfg.CORSOrigins)(h)

	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      h,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 30 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		httpServer: srv,
		mux:        mux,
		logger:     logger,
	}
}

// Start begins listening for HTTP requests. It blocks until the server
// encounters an error or is shut down.
func (s *Server) Start() error {
	s.logger.Info("server: starting",
		slog.String("addr", s.httpServer.Addr),
	)
	if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server: listen: %w", err)
	}
	return nil
}

// Shutdown gracefully shuts down the server, waiting for in-flight requests
// to complete within the given context deadline.
func (s *Server) Shutdown(ctx context.Context) error {
	s.logger.Info("server: shutting down")
	if err := s.httpServer.Shutdown(ctx); err != nil {
		return fmt.Errorf("server: shutdown: %w", err)
	}
	return nil
}
