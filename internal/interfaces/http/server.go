// Package http serves the dashboard read API: loan views by token,
// the last aggregated price, a WebSocket rebroadcast of every price
// update, health and Prometheus metrics.
package http

import (
	"context"
	"fmt"
	"net/http"
	"time"

	"github.com/google/uuid"
	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/collateralhq/loanwatch/internal/bus"
	"github.com/collateralhq/loanwatch/internal/config"
	"github.com/collateralhq/loanwatch/internal/store"
)

// OracleStatus is the read surface the health endpoint needs from the
// price oracle.
type OracleStatus interface {
	SourceStates() map[string]string
}

// Server is the loanwatch HTTP server.
type Server struct {
	cfg     config.HTTPConfig
	router  *mux.Router
	server  *http.Server
	store   store.Store
	bus     *bus.Bus
	hub     *Hub
	metrics *MetricsRegistry
	oracle  OracleStatus
}

// NewServer assembles the router over the given collaborators. oracle
// may be nil (health then omits source states).
func NewServer(cfg config.HTTPConfig, st store.Store, b *bus.Bus, hub *Hub, metrics *MetricsRegistry, oracle OracleStatus) *Server {
	s := &Server{
		cfg:     cfg,
		router:  mux.NewRouter(),
		store:   st,
		bus:     b,
		hub:     hub,
		metrics: metrics,
		oracle:  oracle,
	}
	s.setupRoutes()

	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

// Router exposes the handler for httptest.
func (s *Server) Router() http.Handler { return s.router }

func (s *Server) setupRoutes() {
	s.router.Use(s.requestIDMiddleware)
	s.router.Use(s.loggingMiddleware)

	s.router.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	s.router.Handle("/metrics", s.metrics.Handler()).Methods(http.MethodGet)
	s.router.HandleFunc("/ws", s.handleWS).Methods(http.MethodGet)

	api := s.router.PathPrefix("/api").Subrouter()
	api.HandleFunc("/price", s.handleGetPrice).Methods(http.MethodGet)
	api.HandleFunc("/events", s.handleGetEvents).Methods(http.MethodGet)
	api.HandleFunc("/loans", s.handleCreateLoan).Methods(http.MethodPost)
	api.HandleFunc("/loans/{token}", s.handleGetLoan).Methods(http.MethodGet)
	api.HandleFunc("/loans/{token}", s.handleDeleteLoan).Methods(http.MethodDelete)
	api.HandleFunc("/loans/{token}/alerts", s.handleListAlerts).Methods(http.MethodGet)
	api.HandleFunc("/loans/{token}/alerts/price", s.handleCreatePriceAlert).Methods(http.MethodPost)
	api.HandleFunc("/loans/{token}/alerts/price/{id}", s.handleDeletePriceAlert).Methods(http.MethodDelete)
	api.HandleFunc("/loans/{token}/alerts/ltv", s.handleCreateLtvAlert).Methods(http.MethodPost)
	api.HandleFunc("/loans/{token}/alerts/ltv/{id}", s.handleDeleteLtvAlert).Methods(http.MethodDelete)
}

// Start serves until the listener fails or Shutdown is called.
func (s *Server) Start() error {
	log.Info().Str("addr", s.server.Addr).Msg("HTTP server listening")
	if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
		return fmt.Errorf("http server failed: %w", err)
	}
	return nil
}

// Shutdown drains in-flight requests.
func (s *Server) Shutdown(ctx context.Context) error {
	return s.server.Shutdown(ctx)
}

func (s *Server) requestIDMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		id := r.Header.Get("X-Request-ID")
		if id == "" {
			id = uuid.NewString()
		}
		w.Header().Set("X-Request-ID", id)
		next.ServeHTTP(w, r)
	})
}

func (s *Server) loggingMiddleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		start := time.Now()
		next.ServeHTTP(w, r)
		log.Debug().
			Str("method", r.Method).
			Str("path", r.URL.Path).
			Dur("duration", time.Since(start)).
			Msg("HTTP request")
	})
}
