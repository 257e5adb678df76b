package monitor

import (
	"context"
	"encoding/json"
	"net/http"
	"time"

	"github.com/prometheus/client_golang/prometheus/promhttp"
	"github.com/sirupsen/logrus"
)

// Server serves /metrics and /health.
type Server struct {
	metrics *Metrics
	health  *HealthChecker
	httpSrv *http.Server
	logger  *logrus.Entry
}

func NewServer(addr string, metrics *Metrics, health *HealthChecker) *Server {
	s := &Server{
		metrics: metrics,
		health:  health,
		logger:  logrus.WithField("component", "monitor"),
	}

	mux := http.NewServeMux()
	mux.Handle("/metrics", promhttp.HandlerFor(metrics.Registry(), promhttp.HandlerOpts{}))
	mux.HandleFunc("/health", s.handleHealth)

	s.httpSrv = &http.Server{
		Addr:         addr,
		Handler:      mux,
		ReadTimeout:  5 * time.Second,
		WriteTimeout: 10 * time.Second,
	}
	return s
}

// Start serves in the background until Stop.
func (s *Server) Start() {
	go func() {
		s.logger.Infof("monitor listening on %s", s.httpSrv.Addr)
		if err := s.httpSrv.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Errorf("monitor server: %v", err)
		}
	}()
}

// Stop shuts the listener down gracefully.
func (s *Server) Stop(ctx context.Context) error {
	return s.httpSrv.Shutdown(ctx)
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	snapshot := s.health.CheckHealth(r.Context())

	w.Header().Set("Content-Type", "application/json")
	if snapshot.Status == HealthStatusUnhealthy {
		w.WriteHeader(http.StatusServiceUnavailable)
	}
	if err := json.NewEncoder(w).Encode(snapshot); err != nil {
		s.logger.Debugf("health encode: %v", err)
	}
}
