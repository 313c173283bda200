// Package handlers serves the process health endpoints.
package handlers

import (
	"encoding/json"
	"net/http"
	"os"
	"runtime"

	"go.uber.org/zap"

	"github.com/ekaya-inc/ekaya-dbguard/pkg/adapters/datasource"
	"github.com/ekaya-inc/ekaya-dbguard/pkg/config"
)

const serviceName = "ekaya-dbguard"

// HandleStatus is the view of a database handle the health check needs.
type HandleStatus interface {
	Name() string
	Database() string
	Verified() bool
}

// StatsProvider reports connection manager statistics.
type StatsProvider interface {
	GetStats() datasource.ConnectionStats
}

// HealthResponse is the body of GET /health.
type HealthResponse struct {
	Status   string `json:"status"`
	Handle   string `json:"handle"`
	Database string `json:"database"`
	Verified bool   `json:"verified"`
}

// PingResponse contains service status and version information.
type PingResponse struct {
	Status      string `json:"status"`
	Version     string `json:"version"`
	Service     string `json:"service"`
	GoVersion   string `json:"go_version"`
	Hostname    string `json:"hostname"`
	Environment string `json:"environment"`
}

// HealthHandler handles health check, ping and metrics endpoints.
type HealthHandler struct {
	cfg    *config.Config
	handle HandleStatus
	stats  StatsProvider
	logger *zap.Logger
}

// NewHealthHandler creates a HealthHandler. stats may be nil, in which case
// /metrics reports 503.
func NewHealthHandler(cfg *config.Config, handle HandleStatus, stats StatsProvider, logger *zap.Logger) *HealthHandler {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &HealthHandler{cfg: cfg, handle: handle, stats: stats, logger: logger}
}

// RegisterRoutes registers the handler's routes on the given mux.
func (h *HealthHandler) RegisterRoutes(mux *http.ServeMux) {
	mux.HandleFunc("GET /health", h.Health)
	mux.HandleFunc("GET /ping", h.Ping)
	mux.HandleFunc("GET /metrics", h.Metrics)
}

// Health reports 200 once the handle has a verified connection and 503 while
// it is unverified or reconnecting.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Handle:   h.handle.Name(),
		Database: h.handle.Database(),
		Verified: h.handle.Verified(),
	}

	status := http.StatusOK
	if !resp.Verified {
		resp.Status = "unavailable"
		status = http.StatusServiceUnavailable
	}

	if err := WriteJSON(w, status, resp); err != nil {
		h.logger.Error("Failed to encode health response", zap.Error(err))
	}
}

// Ping returns service information including version and environment.
func (h *HealthHandler) Ping(w http.ResponseWriter, r *http.Request) {
	hostname, err := os.Hostname()
	if err != nil {
		http.Error(w, "failed to get hostname", http.StatusInternalServerError)
		return
	}

	response := PingResponse{
		Status:      "ok",
		Version:     h.cfg.Version,
		Service:     serviceName,
		GoVersion:   runtime.Version(),
		Hostname:    hostname,
		Environment: h.cfg.Env,
	}

	if err := WriteJSON(w, http.StatusOK, response); err != nil {
		h.logger.Error("Failed to encode ping response", zap.Error(err))
	}
}

// Metrics returns the connection manager's pool statistics.
func (h *HealthHandler) Metrics(w http.ResponseWriter, r *http.Request) {
	if h.stats == nil {
		_ = WriteJSON(w, http.StatusServiceUnavailable, map[string]string{
			"error":   "unavailable",
			"message": "connection manager not configured",
		})
		return
	}

	if err := WriteJSON(w, http.StatusOK, h.stats.GetStats()); err != nil {
		h.logger.Error("Failed to encode metrics response", zap.Error(err))
	}
}

// WriteJSON writes data as a JSON response with the given status.
func WriteJSON(w http.ResponseWriter, statusCode int, data any) error {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)
	return json.NewEncoder(w).Encode(data)
}
