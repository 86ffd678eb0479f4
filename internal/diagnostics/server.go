// Package diagnostics exposes a read-only HTTP surface over a running
// embedding process: liveness/readiness, process status, Prometheus
// metrics, and per-server pool stats. Unlike a proxy's admin API, it
// never mutates server configuration — servers are added and removed
// through the Registry directly, by the embedding code.
package diagnostics

import (
	"context"
	"encoding/json"
	"fmt"
	"log/slog"
	"net/http"
	"runtime"
	"time"

	"github.com/gorilla/mux"
	"github.com/prometheus/client_golang/prometheus/promhttp"

	"github.com/nvstorage/nvstorage/internal/health"
	"github.com/nvstorage/nvstorage/internal/metrics"
	"github.com/nvstorage/nvstorage/internal/storages"
)

// Server is the read-only diagnostics HTTP server.
type Server struct {
	registry   *storages.Registry
	monitor    *health.Monitor
	collector  *metrics.Collector
	httpServer *http.Server
	startTime  time.Time
	logger     *slog.Logger
}

// New constructs a Server. monitor may be nil, in which case /healthz
// always reports healthy and /servers/{name}/stats omits health data.
func New(registry *storages.Registry, monitor *health.Monitor, collector *metrics.Collector, logger *slog.Logger) *Server {
	if logger == nil {
		logger = slog.Default()
	}
	return &Server{
		registry:  registry,
		monitor:   monitor,
		collector: collector,
		startTime: time.Now(),
		logger:    logger,
	}
}

// Start begins serving on port in a background goroutine.
func (s *Server) Start(port int) error {
	r := mux.NewRouter()

	r.HandleFunc("/healthz", s.healthzHandler).Methods("GET")
	r.HandleFunc("/status", s.statusHandler).Methods("GET")
	r.HandleFunc("/servers/{name}/stats", s.serverStatsHandler).Methods("GET")
	if s.collector != nil {
		r.Handle("/metrics", promhttp.HandlerFor(s.collector.Registry(), promhttp.HandlerOpts{}))
	}

	addr := fmt.Sprintf("0.0.0.0:%d", port)
	s.httpServer = &http.Server{
		Addr:         addr,
		Handler:      r,
		ReadTimeout:  10 * time.Second,
		WriteTimeout: 10 * time.Second,
	}

	s.logger.Info("diagnostics server listening", "addr", addr)

	go func() {
		if err := s.httpServer.ListenAndServe(); err != nil && err != http.ErrServerClosed {
			s.logger.Error("diagnostics server error", "error", err)
		}
	}()

	return nil
}

// Stop gracefully shuts down the diagnostics server.
func (s *Server) Stop() error {
	if s.httpServer == nil {
		return nil
	}
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	return s.httpServer.Shutdown(ctx)
}

func (s *Server) healthzHandler(w http.ResponseWriter, r *http.Request) {
	allHealthy := s.monitor == nil || s.monitor.OverallHealthy()

	status := http.StatusOK
	if !allHealthy {
		status = http.StatusServiceUnavailable
	}

	body := map[string]any{"status": boolToStatus(allHealthy)}
	if s.monitor != nil {
		body["servers"] = s.monitor.GetAllStatuses()
	}
	writeJSON(w, status, body)
}

func (s *Server) statusHandler(w http.ResponseWriter, r *http.Request) {
	var mem runtime.MemStats
	runtime.ReadMemStats(&mem)

	names := s.registry.List()
	writeJSON(w, http.StatusOK, map[string]any{
		"uptime_seconds": int(time.Since(s.startTime).Seconds()),
		"go_version":     runtime.Version(),
		"goroutines":     runtime.NumGoroutine(),
		"memory_mb":      float64(mem.Alloc) / 1024 / 1024,
		"num_servers":    len(names),
		"servers":        names,
	})
}

func (s *Server) serverStatsHandler(w http.ResponseWriter, r *http.Request) {
	name := mux.Vars(r)["name"]

	server, ok := s.registry.Resolve(name)
	if !ok {
		writeError(w, http.StatusNotFound, "server not found: "+name)
		return
	}

	body := map[string]any{
		"name":  name,
		"type":  server.Type().String(),
		"stats": server.Stats(),
	}
	if s.monitor != nil {
		if status, ok := s.monitor.GetStatus(name); ok {
			body["health"] = status
		}
	}
	writeJSON(w, http.StatusOK, body)
}

func writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func writeError(w http.ResponseWriter, status int, message string) {
	writeJSON(w, status, map[string]string{"error": message})
}

func boolToStatus(b bool) string {
	if b {
		return "healthy"
	}
	return "unhealthy"
}
