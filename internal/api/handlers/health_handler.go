package handlers

import (
	"context"
	"net/http"

	"github.com/googolhealth/medannotator/backend/internal/application/services"
)

// HealthOperations defines the probe used by the handler.
type HealthOperations interface {
	Health(ctx context.Context) *services.HealthStatus
}

// HealthHandler exposes component health.
type HealthHandler struct {
	service HealthOperations
}

// NewHealthHandler creates a new health handler.
func NewHealthHandler(service HealthOperations) *HealthHandler {
	return &HealthHandler{service: service}
}

// Health handles GET /api/health.
func (h *HealthHandler) Health(w http.ResponseWriter, r *http.Request) {
	writeJSON(w, http.StatusOK, h.service.Health(r.Context()))
}
