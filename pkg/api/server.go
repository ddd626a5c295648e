// Package api serves node health and status as JSON next to the metrics
// endpoint.
package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"time"

	"github.com/iofwd/iof/pkg/health"
)

// StatusFunc returns the node-specific status document served at /status.
type StatusFunc func() any

// Handler routes the health and status endpoints.
type Handler struct {
	mux     *http.ServeMux
	health  *health.Tracker
	status  StatusFunc
	service string
	logger  *slog.Logger
	started time.Time
}

// Endpoints served by Handler.
var Endpoints = []string{
	"/health",
	"/health/components",
	"/health/live",
	"/health/ready",
	"/status",
	"/info",
}

// NewHandler creates the API handler for service. tracker and status may be
// nil; the endpoints that need them then report so.
func NewHandler(service string, tracker *health.Tracker, status StatusFunc, logger *slog.Logger) *Handler {
	if logger == nil {
		logger = slog.Default()
	}
	h := &Handler{
		mux:     http.NewServeMux(),
		health:  tracker,
		status:  status,
		service: service,
		logger:  logger.With("component", "api"),
		started: time.Now(),
	}

	h.mux.HandleFunc("GET /health", h.handleHealth)
	h.mux.HandleFunc("GET /health/components", h.handleHealthComponents)
	h.mux.HandleFunc("GET /health/live", h.handleLiveness)
	h.mux.HandleFunc("GET /health/ready", h.handleReadiness)
	h.mux.HandleFunc("GET /status", h.handleStatus)
	h.mux.HandleFunc("GET /info", h.handleInfo)
	return h
}

// Register mounts every endpoint on mux.
func (h *Handler) Register(mux interface{ Handle(string, http.Handler) }) {
	for _, p := range Endpoints {
		mux.Handle(p, h)
	}
}

// ServeHTTP implements http.Handler.
func (h *Handler) ServeHTTP(w http.ResponseWriter, r *http.Request) {
	start := time.Now()
	h.mux.ServeHTTP(w, r)
	h.logger.Debug("API request", "method", r.Method, "path", r.URL.Path, "duration", time.Since(start))
}

// Health endpoint handlers

func (h *Handler) handleHealth(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{
			"status": "healthy",
			"note":   "Health tracking not configured",
		})
		return
	}

	overall := h.health.GetOverallHealth()
	statusCode := http.StatusOK
	switch overall {
	case health.StateUnavailable:
		statusCode = http.StatusServiceUnavailable
	case health.StateDegraded:
		statusCode = http.StatusPartialContent
	}
	h.respondJSON(w, statusCode, map[string]any{
		"status":     overall.String(),
		"timestamp":  time.Now(),
		"components": len(h.health.GetAllComponents()),
	})
}

func (h *Handler) handleHealthComponents(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		h.respondError(w, http.StatusServiceUnavailable, "Health tracking not configured")
		return
	}

	type component struct {
		health.ComponentHealth
		State string `json:"state"`
	}
	all := h.health.GetAllComponents()
	out := make([]component, len(all))
	for i, c := range all {
		out[i] = component{ComponentHealth: c, State: c.State.String()}
	}
	h.respondJSON(w, http.StatusOK, out)
}

func (h *Handler) handleLiveness(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"alive":     true,
		"timestamp": time.Now(),
	})
}

// Ready unless an I/O node is considered lost.
func (h *Handler) handleReadiness(w http.ResponseWriter, _ *http.Request) {
	if h.health == nil {
		h.respondJSON(w, http.StatusOK, map[string]any{
			"ready":     true,
			"timestamp": time.Now(),
			"note":      "Health tracking not configured",
		})
		return
	}

	overall := h.health.GetOverallHealth()
	ready := overall != health.StateUnavailable
	statusCode := http.StatusOK
	if !ready {
		statusCode = http.StatusServiceUnavailable
	}
	h.respondJSON(w, statusCode, map[string]any{
		"ready":     ready,
		"status":    overall.String(),
		"timestamp": time.Now(),
	})
}

func (h *Handler) handleStatus(w http.ResponseWriter, _ *http.Request) {
	if h.status == nil {
		h.respondError(w, http.StatusServiceUnavailable, "Status tracking not configured")
		return
	}
	h.respondJSON(w, http.StatusOK, h.status())
}

func (h *Handler) handleInfo(w http.ResponseWriter, _ *http.Request) {
	h.respondJSON(w, http.StatusOK, map[string]any{
		"service":   h.service,
		"uptime":    time.Since(h.started).Round(time.Second).String(),
		"timestamp": time.Now(),
		"endpoints": Endpoints,
	})
}

// Helper methods

func (h *Handler) respondJSON(w http.ResponseWriter, statusCode int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(statusCode)

	if err := json.NewEncoder(w).Encode(data); err != nil {
		h.logger.Warn("Encoding JSON response failed", "error", err)
	}
}

func (h *Handler) respondError(w http.ResponseWriter, statusCode int, message string) {
	h.respondJSON(w, statusCode, map[string]any{
		"error":     message,
		"timestamp": time.Now(),
	})
}
