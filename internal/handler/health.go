package handler

import (
	"net/http"

	natsclient "github.com/classpilot/agent-platform/internal/nats"
	"github.com/classpilot/agent-platform/internal/provider"
)

// HealthHandler handles health check endpoints.
type HealthHandler struct {
	natsClient *natsclient.Client
	registry   *provider.Registry
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(natsClient *natsclient.Client, registry *provider.Registry) *HealthHandler {
	return &HealthHandler{
		natsClient: natsClient,
		registry:   registry,
	}
}

// Health handles GET /health
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, map[string]string{
		"status": "healthy",
	})
}

// Ready handles GET /ready
func (h *HealthHandler) Ready(w http.ResponseWriter, r *http.Request) {
	if h.natsClient == nil || !h.natsClient.IsConnected() {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "NATS not connected",
		})
		return
	}

	providers := h.registry.Available()
	if len(providers) == 0 {
		writeJSON(w, http.StatusServiceUnavailable, map[string]string{
			"status": "not ready",
			"reason": "no model providers configured",
		})
		return
	}

	writeJSON(w, http.StatusOK, map[string]interface{}{
		"status":    "ready",
		"providers": providers,
	})
}
