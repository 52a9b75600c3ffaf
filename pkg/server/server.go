// Package server exposes a local status surface over the monitor: health,
// agent records, and Prometheus metrics for fallback and circuit-breaker
// activity. It serves observers only; nothing here mutates state.
package server

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"strconv"
	"time"

	"github.com/go-chi/chi/v5"
	chimiddleware "github.com/go-chi/chi/v5/middleware"
	"github.com/prometheus/client_golang/prometheus"
	"github.com/prometheus/client_golang/prometheus/promauto"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/codemachine-ai/codemachine/pkg/circuitbreaker"
	"github.com/codemachine-ai/codemachine/pkg/monitor"
)

// Metrics holds the counters the status server exports.
type Metrics struct {
	fallbacks     *prometheus.CounterVec
	rateLimits    *prometheus.CounterVec
	breakerEvents *prometheus.CounterVec
	registry      *prometheus.Registry
}

// NewMetrics creates the metric set on a private registry so tests can
// instantiate it repeatedly.
func NewMetrics() *Metrics {
	reg := prometheus.NewRegistry()
	factory := promauto.With(reg)
	return &Metrics{
		registry: reg,
		fallbacks: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codemachine_engine_fallbacks_total",
			Help: "Runs that fell back from the primary engine.",
		}, []string{"from", "to"}),
		rateLimits: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codemachine_engine_rate_limits_total",
			Help: "Rate-limit responses observed per engine.",
		}, []string{"engine"}),
		breakerEvents: factory.NewCounterVec(prometheus.CounterOpts{
			Name: "codemachine_circuit_breaker_events_total",
			Help: "Circuit breaker events per engine and type.",
		}, []string{"engine", "type"}),
	}
}

// ObserveFallback records one fallback run outcome.
func (m *Metrics) ObserveFallback(primary, used string, rateLimited []string) {
	if used != "" && used != primary {
		m.fallbacks.WithLabelValues(primary, used).Inc()
	}
	for _, id := range rateLimited {
		m.rateLimits.WithLabelValues(id).Inc()
	}
}

// BreakerListener returns a listener suitable for the breaker manager.
func (m *Metrics) BreakerListener() circuitbreaker.Listener {
	return func(ev circuitbreaker.Event) {
		m.breakerEvents.WithLabelValues(ev.EngineID, string(ev.Type)).Inc()
	}
}

// Server is the local status HTTP server.
type Server struct {
	monitor  *monitor.Monitor
	breakers *circuitbreaker.Manager
	metrics  *Metrics
	http     *http.Server
}

// New creates a Server listening on addr. breakers may be nil.
func New(addr string, mon *monitor.Monitor, breakers *circuitbreaker.Manager, metrics *Metrics) *Server {
	s := &Server{monitor: mon, breakers: breakers, metrics: metrics}

	r := chi.NewRouter()
	r.Use(chimiddleware.Recoverer)
	r.Get("/healthz", s.handleHealth)
	r.Get("/api/agents", s.handleAgents)
	r.Get("/api/agents/{id}", s.handleAgent)
	r.Get("/api/breakers", s.handleBreakers)
	r.Handle("/metrics", promhttp.HandlerFor(metrics.registry, promhttp.HandlerOpts{}))

	s.http = &http.Server{
		Addr:              addr,
		Handler:           r,
		ReadHeaderTimeout: 5 * time.Second,
	}
	return s
}

// Start serves until ctx is done, then shuts down gracefully.
func (s *Server) Start(ctx context.Context) error {
	errCh := make(chan error, 1)
	go func() {
		slog.Info("Status server listening", "addr", s.http.Addr)
		errCh <- s.http.ListenAndServe()
	}()

	select {
	case <-ctx.Done():
		shutdownCtx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
		defer cancel()
		_ = s.http.Shutdown(shutdownCtx)
		return ctx.Err()
	case err := <-errCh:
		if err == http.ErrServerClosed {
			return nil
		}
		return err
	}
}

func (s *Server) handleHealth(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{"status": "ok"})
}

func (s *Server) handleAgents(w http.ResponseWriter, r *http.Request) {
	agents, err := s.monitor.GetAll(r.Context())
	if err != nil {
		writeJSON(w, http.StatusInternalServerError, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agents)
}

func (s *Server) handleAgent(w http.ResponseWriter, r *http.Request) {
	id, err := strconv.ParseInt(chi.URLParam(r, "id"), 10, 64)
	if err != nil {
		writeJSON(w, http.StatusBadRequest, map[string]string{"error": "invalid agent id"})
		return
	}
	agent, err := s.monitor.GetAgent(r.Context(), id)
	if err != nil {
		writeJSON(w, http.StatusNotFound, map[string]string{"error": err.Error()})
		return
	}
	writeJSON(w, http.StatusOK, agent)
}

func (s *Server) handleBreakers(w http.ResponseWriter, r *http.Request) {
	if s.breakers == nil {
		writeJSON(w, http.StatusOK, []any{})
		return
	}
	writeJSON(w, http.StatusOK, s.breakers.Snapshots())
}

func writeJSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Debug("Failed to encode response", "error", err)
	}
}
