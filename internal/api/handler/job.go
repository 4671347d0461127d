package handler

import (
	"errors"
	"net/http"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/service"
)

// JobHandler exposes resolved job documents.
type JobHandler struct {
	status *service.StatusService
}

// NewJobHandler creates a new job handler.
func NewJobHandler(status *service.StatusService) *JobHandler {
	return &JobHandler{status: status}
}

// GetJob handles GET /jobs/:id.
func (h *JobHandler) GetJob(c *gin.Context) {
	ctx := c.Request.Context()
	id := c.Param("id")

	job, err := h.status.Resolve(ctx, id)
	if err != nil {
		var fetchErr *domain.FetchError
		switch {
		case errors.Is(err, domain.ErrValidation):
			c.JSON(http.StatusBadRequest, gin.H{"error": err.Error()})
		case errors.Is(err, domain.ErrNotFound):
			c.JSON(http.StatusNotFound, gin.H{"error": "Job not found"})
		case errors.As(err, &fetchErr):
			logger.CtxWarn(ctx, "Remote status lookup failed: %v", err)
			c.JSON(http.StatusBadGateway, gin.H{"error": err.Error()})
		default:
			logger.CtxError(ctx, "Failed to resolve job %s: %v", id, err)
			c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to load job"})
		}
		return
	}

	c.Header("Cache-Control", "no-store")
	c.JSON(http.StatusOK, job)
}
