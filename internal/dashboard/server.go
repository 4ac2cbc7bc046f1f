// Package dashboard exposes the bot's operational surface over HTTP: status,
// the position book, a P&L summary, manual cycle triggers, and a WebSocket
// stream of cycle results.
package dashboard

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/go-chi/chi/v5/middleware"
	"github.com/sirupsen/logrus"

	"github.com/mhayashi-dev/spreadwheel/internal/models"
	"github.com/mhayashi-dev/spreadwheel/internal/storage"
)

// Trader is the scheduler surface the dashboard drives. Manual triggers use
// the same entry points as the scheduled ones.
type Trader interface {
	TriggerEntry(ctx context.Context) *models.EntryResult
	TriggerMonitor(ctx context.Context) *models.MonitorResult
	ScanCandidates(ctx context.Context) ([]models.SpreadCandidate, error)
	Status() models.TraderStatus
}

// Config holds the HTTP server settings.
type Config struct {
	Port      int
	AuthToken string
}

// Server is the dashboard HTTP server.
type Server struct {
	router    *chi.Mux
	server    *http.Server
	storage   storage.Interface
	trader    Trader
	hub       *Hub
	logger    *logrus.Logger
	port      int
	authToken string
	stop      chan struct{}
}

// NewServer creates the dashboard server and its WebSocket hub.
func NewServer(cfg Config, store storage.Interface, trader Trader, logger *logrus.Logger) *Server {
	if logger == nil {
		logger = logrus.New()
	}
	s := &Server{
		router:    chi.NewRouter(),
		storage:   store,
		trader:    trader,
		logger:    logger,
		port:      cfg.Port,
		authToken: cfg.AuthToken,
		stop:      make(chan struct{}),
	}
	s.hub = NewHub(func() any { return trader.Status() }, logger)
	s.setupRoutes()
	return s
}

func (s *Server) setupRoutes() {
	s.router.Use(middleware.Logger)
	s.router.Use(middleware.Recoverer)
	s.router.Use(middleware.Timeout(3 * time.Minute))

	if s.authToken != "" {
		s.router.Use(s.authMiddleware)
	}

	s.router.Get("/health", s.handleHealth)
	s.router.Get("/api/status", s.handleStatus)
	s.router.Get("/api/positions", s.handlePositions)
	s.router.Get("/api/positions/open", s.handleOpenPositions)
	s.router.Get("/api/positions/{id}", s.handlePosition)
	s.router.Get("/api/summary", s.handleSummary)
	s.router.Get("/api/candidates", s.handleCandidates)
	s.router.Post("/api/entry", s.handleTriggerEntry)
	s.router.Post("/api/monitor", s.handleTriggerMonitor)
	s.router.Get("/ws", s.hub.ServeHTTP)
}

// Start runs the server until Shutdown. It blocks like ListenAndServe.
func (s *Server) Start() error {
	go s.hub.Run(s.stop)

	s.server = &http.Server{
		Addr:              fmt.Sprintf(":%d", s.port),
		Handler:           s.router,
		ReadHeaderTimeout: 10 * time.Second,
	}

	s.logger.WithField("port", s.port).Info("dashboard listening")
	err := s.server.ListenAndServe()
	if err == http.ErrServerClosed {
		return nil
	}
	return err
}

// Shutdown stops the server and disconnects WebSocket clients.
func (s *Server) Shutdown(ctx context.Context) error {
	close(s.stop)
	if s.server != nil {
		return s.server.Shutdown(ctx)
	}
	return nil
}

// Router exposes the handler for tests.
func (s *Server) Router() http.Handler {
	return s.router
}

func (s *Server) authMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path == "/health" {
			next.ServeHTTP(w, r)
			return
		}

		token := r.Header.Get("X-Auth-Token")
		if token == "" {
			token = r.URL.Query().Get("token")
		}
		if token != s.authToken {
			http.Error(w, "Unauthorized", http.StatusUnauthorized)
			return
		}
		next.ServeHTTP(w, r)
	})
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, map[string]string{"status": "ok"})
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.trader.Status())
}

func (s *Server) handlePositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.storage.GetAllPositions())
}

func (s *Server) handleOpenPositions(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.storage.GetOpenPositions())
}

func (s *Server) handlePosition(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")
	pos, found := s.storage.GetPosition(id)
	if !found {
		http.Error(w, "position not found", http.StatusNotFound)
		return
	}
	s.writeJSON(w, pos)
}

func (s *Server) handleSummary(w http.ResponseWriter, r *http.Request) {
	s.writeJSON(w, s.storage.Summary())
}

func (s *Server) handleCandidates(w http.ResponseWriter, r *http.Request) {
	candidates, err := s.trader.ScanCandidates(r.Context())
	if err != nil {
		http.Error(w, err.Error(), http.StatusServiceUnavailable)
		return
	}
	s.writeJSON(w, candidates)
}

func (s *Server) handleTriggerEntry(w http.ResponseWriter, r *http.Request) {
	result := s.trader.TriggerEntry(r.Context())
	s.hub.Broadcast("entry_result", result)
	s.writeJSON(w, result)
}

func (s *Server) handleTriggerMonitor(w http.ResponseWriter, r *http.Request) {
	result := s.trader.TriggerMonitor(r.Context())
	s.hub.Broadcast("monitor_result", result)
	s.writeJSON(w, result)
}

func (s *Server) writeJSON(w http.ResponseWriter, v any) {
	w.Header().Set("Content-Type", "application/json")
	if err := json.NewEncoder(w).Encode(v); err != nil {
		s.logger.WithError(err).Error("failed to encode response")
	}
}
