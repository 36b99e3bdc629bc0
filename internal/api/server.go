// Package api serves the operator surface: status JSON, control verbs,
// CSV export, and a live status WebSocket.
package api

import (
	"context"
	"fmt"
	"log/slog"
	"net/http"
	"time"

	"github.com/tgparkk/StockBot-sub002/internal/config"
)

// statusEvery is the beat for pushing snapshots to WebSocket clients.
const statusEvery = 5 * time.Second

// Server runs the HTTP and WebSocket operator surface.
type Server struct {
	cfg      config.APIConfig
	bot      Bot
	hub      *Hub
	handlers *Handlers
	server   *http.Server
	logger   *slog.Logger
}

func NewServer(cfg config.APIConfig, bot Bot, logger *slog.Logger) *Server {
	hub := NewHub(logger)
	handlers := NewHandlers(bot, hub, logger)

	mux := http.NewServeMux()
	mux.HandleFunc("GET /health", handlers.HandleHealth)
	mux.HandleFunc("GET /stats", handlers.HandleStats)
	mux.HandleFunc("GET /export", handlers.HandleExport)
	mux.HandleFunc("POST /pause", handlers.HandlePause)
	mux.HandleFunc("POST /resume", handlers.HandleResume)
	mux.HandleFunc("POST /refresh", handlers.HandleRefresh)
	mux.HandleFunc("POST /shutdown", handlers.HandleShutdown)
	mux.HandleFunc("GET /ws", handlers.HandleWebSocket)

	server := &http.Server{
		Addr:         fmt.Sprintf(":%d", cfg.Port),
		Handler:      mux,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}

	return &Server{
		cfg:      cfg,
		bot:      bot,
		hub:      hub,
		handlers: handlers,
		server:   server,
		logger:   logger.With("component", "api-server"),
	}
}

// Handler exposes the route table for tests.
func (s *Server) Handler() http.Handler { return s.server.Handler }

// Start serves until Stop. Blocks.
func (s *Server) Start() error {
	go s.hub.Run()
	go s.pushStatus()

	s.logger.Info("api server listening", "addr", s.server.Addr)
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("api server: %w", err)
	}
	return nil
}

// pushStatus broadcasts a snapshot on a fixed beat while anyone listens.
func (s *Server) pushStatus() {
	ticker := time.NewTicker(statusEvery)
	defer ticker.Stop()
	for {
		select {
		case <-s.hub.done:
			return
		case <-ticker.C:
			if s.hub.Clients() == 0 {
				continue
			}
			s.hub.BroadcastEvent(Event{
				Type:      "status",
				Timestamp: time.Now(),
				Data:      s.bot.Snapshot(),
			})
		}
	}
}

// Stop drains in-flight requests, then disconnects status clients.
func (s *Server) Stop() error {
	s.logger.Info("stopping api server")

	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()

	err := s.server.Shutdown(ctx)
	s.hub.Stop()
	return err
}
