package handler

import (
	"net/http"

	"github.com/gin-gonic/gin"
)

// HealthHandler handles health check endpoints
type HealthHandler struct {
	providers []string
	model     bool
}

// NewHealthHandler creates a new health handler.
// Parameters:
//   - providers: storage fallback order, reported for diagnostics.
//   - modelEnabled: whether the 3D model stage is configured.
func NewHealthHandler(providers []string, modelEnabled bool) *HealthHandler {
	return &HealthHandler{providers: providers, model: modelEnabled}
}

// Health returns the health status of the service
func (h *HealthHandler) Health(c *gin.Context) {
	providers := h.providers
	if providers == nil {
		providers = []string{}
	}
	c.JSON(http.StatusOK, gin.H{
		"status":            "ok",
		"storage_providers": providers,
		"model_enabled":     h.model,
	})
}
