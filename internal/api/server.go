// Package api is the dashboard control surface: a REST API for bot CRUD
// and lifecycle plus a WebSocket push channel fed by the registry's
// event bus.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"polymarket-trainbot/internal/config"
	"polymarket-trainbot/internal/exchange"
	"polymarket-trainbot/internal/registry"
)

// Server runs the HTTP/WebSocket API for the dashboard.
type Server struct {
	cfg      config.DashboardConfig
	reg      *registry.Registry
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

// NewServer creates the API server.
func NewServer(cfg config.DashboardConfig, reg *registry.Registry, client *exchange.Client, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(reg, client, hub, cfg.AllowedOrigins, logger)

	mux := http.NewServeMux()

	mux.HandleFunc("GET /health", handlers.HandleHealth)

	mux.HandleFunc("GET /api/bots", handlers.HandleListBots)
	mux.HandleFunc("POST /api/bots", handlers.HandleCreateBot)
	mux.HandleFunc("GET /api/bots/{id}", handlers.HandleGetBot)
	mux.HandleFunc("PUT /api/bots/{id}", handlers.HandleUpdateBot)
	mux.HandleFunc("DELETE /api/bots/{id}", handlers.HandleDeleteBot)

	mux.HandleFunc("POST /api/bots/{id}/start", handlers.HandleStartBot)
	mux.HandleFunc("POST /api/bots/{id}/stop", handlers.HandleStopBot)
	mux.HandleFunc("POST /api/bots/{id}/pause", handlers.HandlePauseBot)
	mux.HandleFunc("POST /api/bots/{id}/resume", handlers.HandleResumeBot)
	mux.HandleFunc("POST /api/bots/{id}/close", handlers.HandleCloseBot)
	mux.HandleFunc("POST /api/bots/{id}/trade", handlers.HandleTradeBot)
	mux.HandleFunc("GET /api/bots/{id}/target", handlers.HandleGetTarget)
	mux.HandleFunc("POST /api/bots/{id}/target", handlers.HandleSetTarget)

	mux.HandleFunc("GET /api/bots/{id}/activities", handlers.HandleActivities)
	mux.HandleFunc("GET /api/bots/{id}/chart-data", handlers.HandleChartData)
	mux.HandleFunc("GET /api/bots/{id}/spike-status", handlers.HandleSpikeStatus)
	mux.HandleFunc("GET /api/bots/{id}/orderbook", handlers.HandleOrderBook)

	mux.HandleFunc("GET /api/settings", handlers.HandleGetSettings)
	mux.HandleFunc("POST /api/settings", handlers.HandleUpdateSettings)
	mux.HandleFunc("GET /api/profiles", handlers.HandleProfiles)
	mux.HandleFunc("POST /api/kill", handlers.HandleKill)

	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	// Static dashboard assets.
	mux.Handle("/", http.FileServer(http.Dir("web")))

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		reg:      reg,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Start runs the hub, the bus consumer, and the HTTP listener. Blocks
// until the listener stops.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.consumeBus()

	s.logger.Info("dashboard server starting", "addr", s.server.Addr)

	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("server error: %w", err)
	}
	return nil
}

// Stop gracefully shuts the listener down.
func (s *Server) Stop() error {
	s.logger.Info("stopping dashboard server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.server.Shutdown(ctx)
}

// consumeBus forwards registry bus events into the WebSocket hub.
func (s *Server) consumeBus() {
	id, events := s.reg.Bus().Subscribe()
	defer s.reg.Bus().Unsubscribe(id)

	for evt := range events {
		s.hub.Broadcast(evt)
	}
}
