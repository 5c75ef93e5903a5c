// Package server exposes the engine's HTTP surface on one mux: the
// TradingView webhook, the administrative operations, component health and
// Prometheus metrics.
package server

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"sync"
	"time"

	"github.com/google/uuid"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dca_engine/internal/config"
	"dca_engine/internal/core"
	"dca_engine/pkg/telemetry"
)

// SignalRouter is the routing slice the webhook handler drives.
type SignalRouter interface {
	Route(ctx context.Context, payload *core.SignalPayload) (*core.RouteResult, error)
}

// AdminService is the operator surface exposed under /admin.
type AdminService interface {
	BlockRisk(ctx context.Context, groupID uuid.UUID) error
	UnblockRisk(ctx context.Context, groupID uuid.UUID) error
	SkipOnce(ctx context.Context, groupID uuid.UUID) error
	ForceStopEngine(ctx context.Context, userID uuid.UUID) error
	ForceStartEngine(ctx context.Context, userID uuid.UUID) error
	ManualExit(ctx context.Context, groupID uuid.UUID) error
	PromoteSignal(ctx context.Context, signalID uuid.UUID) error
	RemoveSignal(ctx context.Context, signalID uuid.UUID) error
}

// Server hosts the engine's HTTP endpoints.
type Server struct {
	cfg    config.ServerConfig
	router SignalRouter
	admin  AdminService
	health core.IHealthMonitor
	leader func() bool
	logger core.ILogger

	mu     sync.RWMutex
	status map[string]string
}

// NewServer assembles the HTTP surface. leader may be nil when no election
// runs (single-node tests); health may be nil to skip component checks.
func NewServer(
	cfg config.ServerConfig,
	signals SignalRouter,
	adminSvc AdminService,
	health core.IHealthMonitor,
	leader func() bool,
	logger core.ILogger,
) *Server {
	return &Server{
		cfg:    cfg,
		router: signals,
		admin:  adminSvc,
		health: health,
		leader: leader,
		logger: logger.WithField("component", "http_server"),
		status: make(map[string]string),
	}
}

// Handler builds the mux. Exposed so tests can drive the server through
// httptest without binding a port.
func (s *Server) Handler() http.Handler {
	mux := http.NewServeMux()
	mux.HandleFunc("POST /webhook/signal", s.handleSignal)
	mux.HandleFunc("GET /health", s.handleHealth)
	mux.HandleFunc("GET /status", s.handleStatus)
	mux.Handle("GET /metrics", promhttp.Handler())
	s.registerAdminRoutes(mux)
	return mux
}

// Run serves until ctx is cancelled, then drains in-flight requests within
// the configured shutdown window.
func (s *Server) Run(ctx context.Context) error {
	srv := &http.Server{
		Addr:         fmt.Sprintf(":%d", s.cfg.Port),
		Handler:      s.Handler(),
		ReadTimeout:  time.Duration(s.cfg.ReadTimeout) * time.Second,
		WriteTimeout: time.Duration(s.cfg.WriteTimeout) * time.Second,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("HTTP server started", "port", s.cfg.Port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("http server failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(),
		time.Duration(s.cfg.ShutdownTimeout)*time.Second)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("HTTP server shutdown failed", "error", err)
	}
	s.logger.Info("HTTP server stopped")
	return nil
}

// UpdateStatus records an operational key for the /status endpoint.
func (s *Server) UpdateStatus(key, value string) {
	s.mu.Lock()
	defer s.mu.Unlock()
	s.status[key] = value
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	metrics := telemetry.GetGlobalMetrics()

	health := map[string]interface{}{
		"status": "ok",
		"time":   time.Now().UTC(),
		"metrics": map[string]interface{}{
			"active_groups":  metrics.GetActiveGroups(),
			"queue_depth":    metrics.GetQueueDepth(),
			"unrealized_pnl": metrics.GetUnrealizedPnL(),
		},
	}

	code := http.StatusOK
	if s.health != nil {
		health["components"] = s.health.GetStatus()
		if !s.health.IsHealthy() {
			health["status"] = "unhealthy"
			code = http.StatusServiceUnavailable
		}
	}
	writeJSON(w, code, health)
}

func (s *Server) handleStatus(w http.ResponseWriter, r *http.Request) {
	s.mu.RLock()
	merged := make(map[string]string, len(s.status)+2)
	for k, v := range s.status {
		merged[k] = v
	}
	s.mu.RUnlock()

	if s.leader != nil {
		if s.leader() {
			merged["role"] = "leader"
		} else {
			merged["role"] = "follower"
		}
	}
	if s.health != nil {
		for k, v := range s.health.GetStatus() {
			merged[k] = v
		}
	}
	writeJSON(w, http.StatusOK, merged)
}

func writeJSON(w http.ResponseWriter, code int, v interface{}) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(code)
	_ = json.NewEncoder(w).Encode(v)
}
