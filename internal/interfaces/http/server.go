// Package http exposes the engine over HTTP: per-session playback control
// and WebSocket streaming, plus the process-wide aggregate read surface
// (features, anomalies, alerts, trades, engine routing, Prometheus).
package http

import (
	"context"
	"encoding/json"
	"fmt"
	"net/http"
	"time"

	"github.com/gorilla/mux"
	"github.com/rs/zerolog/log"

	"github.com/lobscope/lobscope/internal/engine"
	"github.com/lobscope/lobscope/internal/session"
	"github.com/lobscope/lobscope/internal/telemetry"
)

// ServerConfig holds the listener settings.
type ServerConfig struct {
	Host         string
	Port         int
	ReadTimeout  time.Duration
	WriteTimeout time.Duration
	IdleTimeout  time.Duration
}

// DefaultServerConfig returns sane listener defaults.
func DefaultServerConfig() ServerConfig {
	return ServerConfig{
		Host:         "0.0.0.0",
		Port:         8000,
		ReadTimeout:  15 * time.Second,
		WriteTimeout: 15 * time.Second,
		IdleTimeout:  60 * time.Second,
	}
}

// Server is the HTTP front of the engine.
type Server struct {
	cfg       ServerConfig
	router    *mux.Router
	server    *http.Server
	sessions  *session.Manager
	engines   *engine.Router
	collector *telemetry.Collector
	registry  *telemetry.Registry
	benchCfg  engine.PipelineConfig
}

// NewServer assembles the router and handlers.
func NewServer(cfg ServerConfig, sessions *session.Manager, engines *engine.Router,
	collector *telemetry.Collector, registry *telemetry.Registry, benchCfg engine.PipelineConfig) *Server {
	s := &Server{
		cfg:       cfg,
		router:    mux.NewRouter(),
		sessions:  sessions,
		engines:   engines,
		collector: collector,
		registry:  registry,
		benchCfg:  benchCfg,
	}
	s.routes()
	s.server = &http.Server{
		Addr:         fmt.Sprintf("%s:%d", cfg.Host, cfg.Port),
		Handler:      s.router,
		ReadTimeout:  cfg.ReadTimeout,
		WriteTimeout: cfg.WriteTimeout,
		IdleTimeout:  cfg.IdleTimeout,
	}
	return s
}

func (s *Server) routes() {
	r := s.router
	r.Use(requestIDMiddleware, loggingMiddleware, corsMiddleware)

	// Session lifecycle and playback control.
	r.HandleFunc("/session", s.handleCreateSession).Methods(http.MethodPost)
	r.HandleFunc("/sessions", s.handleListSessions).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}/start", s.control((*session.Session).Start)).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/pause", s.control((*session.Session).Pause)).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/resume", s.control((*session.Session).Resume)).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/stop", s.control((*session.Session).Stop)).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/speed", s.handleSetSpeed).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/back", s.handleGoBack).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/order", s.handleOrder).Methods(http.MethodPost)
	r.HandleFunc("/session/{id}/state", s.handleSessionState).Methods(http.MethodGet)
	r.HandleFunc("/session/{id}", s.handleDeleteSession).Methods(http.MethodDelete)

	// Streaming.
	r.HandleFunc("/ws/{id}", s.handleWebSocket).Methods(http.MethodGet)

	// Aggregate read surface.
	r.HandleFunc("/features", s.handleFeatures).Methods(http.MethodGet)
	r.HandleFunc("/snapshot/latest", s.handleLatestSnapshot).Methods(http.MethodGet)
	r.HandleFunc("/anomalies", s.handleAnomalies).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/summary", s.handleAnomalySummary).Methods(http.MethodGet)
	r.HandleFunc("/anomalies/{kind}", s.handleAnomaliesByKind).Methods(http.MethodGet)
	r.HandleFunc("/alerts/history", s.handleAlertHistory).Methods(http.MethodGet)
	r.HandleFunc("/alerts/stats", s.handleAlertStats).Methods(http.MethodGet)
	r.HandleFunc("/trades/classification", s.handleTradeClassification).Methods(http.MethodGet)
	r.HandleFunc("/trades/spreads", s.handleTradeSpreads).Methods(http.MethodGet)
	r.HandleFunc("/trades/vpin", s.handleTradeVPIN).Methods(http.MethodGet)
	r.HandleFunc("/trades/anomalies", s.handleTradeAnomalies).Methods(http.MethodGet)

	// Operations.
	r.Handle("/metrics", s.registry.Handler()).Methods(http.MethodGet)
	r.HandleFunc("/metrics/dashboard", s.handleDashboard).Methods(http.MethodGet)
	r.HandleFunc("/health", s.handleHealth).Methods(http.MethodGet)
	r.HandleFunc("/engine/status", s.handleEngineStatus).Methods(http.MethodGet)
	r.HandleFunc("/engine/switch/{mode}", s.handleEngineSwitch).Methods(http.MethodPost)
	r.HandleFunc("/engine/benchmark", s.handleEngineBenchmark).Methods(http.MethodGet)
}

// Start serves until ctx is done, then drains with a short grace period.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		log.Info().Str("addr", s.server.Addr).Msg("http server listening")
		if err := s.server.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			errCh <- err
		}
	}()

	select {
	case err := <-errCh:
		return fmt.Errorf("http server: %w", err)
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		return s.server.Shutdown(shutdownCtx)
	}
}

// Handler exposes the router for tests.
func (s *Server) Handler() http.Handler { return s.router }

func writeJSON(w http.ResponseWriter, status int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		log.Debug().Err(err).Msg("response encode failed")
	}
}

func writeError(w http.ResponseWriter, status int, msg string) {
	writeJSON(w, status, map[string]string{"error": msg})
}
