// Package api provides shared HTTP helpers and the health endpoint.
package api

import (
	"context"
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
)

// JSON writes a JSON response with the given status code.
func JSON(w http.ResponseWriter, status int, v any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	if err := json.NewEncoder(w).Encode(v); err != nil {
		slog.Warn("failed to encode response", "error", err)
	}
}

// Error writes a JSON error response.
func Error(w http.ResponseWriter, status int, message string) {
	JSON(w, status, map[string]string{"error": message})
}

// Pinger is a dependency that can report its reachability.
type Pinger interface {
	Ping(ctx context.Context) error
}

// HealthChecker reports whether the tutor provider can take requests.
type HealthChecker interface {
	Healthy() bool
}

// Handler serves service-level endpoints.
type Handler struct {
	db       Pinger
	provider HealthChecker
	version  string
	started  time.Time
}

// NewHandler creates a Handler. db may be nil when persistence is disabled.
func NewHandler(db Pinger, provider HealthChecker, version string) *Handler {
	return &Handler{db: db, provider: provider, version: version, started: time.Now()}
}

// HealthResponse is the body of GET /api/health.
type HealthResponse struct {
	Status   string `json:"status"`
	Provider string `json:"provider"`
	Database string `json:"database"`
	Version  string `json:"version,omitempty"`
	Uptime   string `json:"uptime"`
}

// Health reports provider and database state. A disabled provider degrades
// the service; an unreachable database makes it unavailable.
func (h *Handler) Health(w http.ResponseWriter, r *http.Request) {
	resp := HealthResponse{
		Status:   "ok",
		Provider: "ok",
		Database: "disabled",
		Version:  h.version,
		Uptime:   time.Since(h.started).Round(time.Second).String(),
	}
	status := http.StatusOK

	if h.provider == nil || !h.provider.Healthy() {
		resp.Provider = "disabled"
		resp.Status = "degraded"
	}
	if h.db != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.db.Ping(ctx); err != nil {
			slog.Error("Health check database ping failed", "error", err)
			resp.Database = "unreachable"
			resp.Status = "unavailable"
			status = http.StatusServiceUnavailable
		} else {
			resp.Database = "ok"
		}
	}
	JSON(w, status, resp)
}

// RegisterRoutes registers service routes.
func (h *Handler) RegisterRoutes(r chi.Router) {
	r.Get("/api/health", h.Health)
}
