// Package api serves the admin HTTP surface: health, prometheus metrics,
// agent snapshots, on-demand runs and a websocket event stream.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"mmengine/pkg/types"
)

// Event is the wire format of one engine event on the websocket stream.
type Event struct {
	Type      string         `json:"type"`
	Exchange  string         `json:"exchange,omitempty"`
	Timestamp int64          `json:"timestamp"` // ms since epoch
	Data      map[string]any `json:"data,omitempty"`
}

// AgentSnapshot is the admin view of one trading agent.
type AgentSnapshot struct {
	ID       string                       `json:"id"`
	Name     string                       `json:"name"`
	Exchange string                       `json:"exchange"`
	Strategy string                       `json:"strategy"`
	Paused   bool                         `json:"paused"`
	Markets  map[string]types.MarketState `json:"markets"`
}

// Provider is the engine surface the admin server reads from.
type Provider interface {
	// Agents lists snapshots of all configured agents.
	Agents(ctx context.Context) ([]AgentSnapshot, error)
	// TriggerRun enqueues a single on-demand update cycle for an agent.
	TriggerRun(ctx context.Context, agentID string) error
}

// Config holds the listener settings.
type Config struct {
	Port           int
	AllowedOrigins []string
}

// Server runs the admin HTTP and websocket endpoints.
type Server struct {
	cfg      Config
	provider Provider
	hub      *Hub
	server   *http.Server
	logger   *slog.Logger
}

// NewServer wires the routes and websocket hub.
func NewServer(cfg Config, provider Provider, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	s := &Server{
		cfg:      cfg,
		provider: provider,
		hub:      hub,
		logger:   logger.With("component", "api"),
	}

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.Handle("GET /metrics", promhttp.Handler())
	mux.HandleFunc("GET /api/agents", s.handleAgents)
	mux.HandleFunc("POST /api/agents/{id}/run", s.handleRun)
	mux.HandleFunc("GET /ws/events", s.handleWebSocket)

	s.server = &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
	return s
}

// Start runs the hub and the listener; it blocks until Stop.
func (s *Server) Start() error {
	go s.hub.Run()
	s.logger.Info("admin server starting", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("admin server: %w", err)
	}
	return nil
}

// Stop gracefully drains the listener and disconnects stream clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping admin server")
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	err := s.server.Shutdown(ctx)
	s.hub.Stop()
	return err
}

// Publish fans an engine event out to the websocket subscribers.
func (s *Server) Publish(evt Event) {
	s.hub.Broadcast(evt)
}
