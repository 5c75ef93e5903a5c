// Package metrics runs an optional standalone Prometheus listener. The
// engine server already exposes /metrics; deployments that scrape over a
// private network enable this second port instead of opening the main one.
package metrics

import (
	"context"
	"errors"
	"fmt"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"

	"dca_engine/internal/core"
)

const shutdownTimeout = 5 * time.Second

// Server serves /metrics on its own port.
type Server struct {
	port   int
	logger core.ILogger
}

func NewServer(port int, logger core.ILogger) *Server {
	return &Server{
		port:   port,
		logger: logger.WithField("component", "metrics_server"),
	}
}

// Run serves until ctx is cancelled, then drains in-flight scrapes.
func (s *Server) Run(ctx context.Context) error {
	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.Handler())

	srv := &http.Server{
		Addr:    fmt.Sprintf(":%d", s.port),
		Handler: mux,
	}

	errCh := make(chan error, 1)
	go func() {
		s.logger.Info("Metrics listener started", "port", s.port)
		errCh <- srv.ListenAndServe()
	}()

	select {
	case err := <-errCh:
		if err != nil && !errors.Is(err, http.ErrServerClosed) {
			return fmt.Errorf("metrics listener failed: %w", err)
		}
		return nil
	case <-ctx.Done():
	}

	shutdownCtx, cancel := context.WithTimeout(context.Background(), shutdownTimeout)
	defer cancel()
	if err := srv.Shutdown(shutdownCtx); err != nil {
		s.logger.Warn("Metrics listener shutdown failed", "error", err)
	}
	s.logger.Info("Metrics listener stopped")
	return nil
}
