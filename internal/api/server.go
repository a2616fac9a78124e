// Package api serves the read-only dashboard surface plus the runtime
// configuration endpoints.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polycopy/internal/config"
	"polycopy/internal/executor"
	"polycopy/internal/store"
)

// Server runs the HTTP API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server with all routes registered.
func NewServer(
	cfg config.DashboardConfig,
	st *store.Store,
	runtime *config.Runtime,
	exec *executor.Executor,
	state *executor.StateReader,
	logger *slog.Logger,
) *Server {
	handlers := NewHandlers(st, runtime, exec, state, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /api/portfolio/global", handlers.HandleGlobalPortfolio)
	mux.HandleFunc("GET /api/copy-attempts", handlers.HandleCopyAttempts)
	mux.HandleFunc("GET /api/followed-users", handlers.HandleFollowedUsers)
	mux.HandleFunc("GET /api/config/global", handlers.HandleGetGlobalConfig)
	mux.HandleFunc("POST /api/config/global", handlers.HandlePostGlobalConfig)
	mux.HandleFunc("GET /api/config/user/{id}", handlers.HandleGetUserConfig)
	mux.HandleFunc("POST /api/config/user/{id}", handlers.HandlePostUserConfig)
	mux.HandleFunc("POST /api/control/pause", handlers.HandlePause)
	mux.HandleFunc("POST /api/config/test", handlers.HandleConfigTest)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start serves until Stop is called.
func (s *Server) Start() error {
	s.logger.Info("dashboard server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully stops the server.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}
