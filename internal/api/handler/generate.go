package handler

import (
	"errors"
	"net/http"
	"strings"
	"time"

	"github.com/gin-gonic/gin"
	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/metrics"
	"github.com/timmy/lucidia/internal/repository"
	"github.com/timmy/lucidia/internal/service"
)

// JobSubmitter hands an accepted job to background processing.
type JobSubmitter interface {
	Submit(job *domain.Job) error
}

// GenerateHandler accepts generation requests.
type GenerateHandler struct {
	store     repository.JobStore
	runner    JobSubmitter
	layout    service.Layout
	publicURL string
	metrics   *metrics.Collector
}

// GenerateHandlerConfig holds dependencies for GenerateHandler.
type GenerateHandlerConfig struct {
	Store     repository.JobStore
	Runner    JobSubmitter
	Layout    service.Layout
	PublicURL string // empty derives the base URL from each request
	Metrics   *metrics.Collector
}

// NewGenerateHandler creates a new generate handler.
// Parameters:
//   - cfg: job store, runner, output layout and public base URL.
//
// Returns:
//   - *GenerateHandler: initialized handler.
func NewGenerateHandler(cfg *GenerateHandlerConfig) *GenerateHandler {
	return &GenerateHandler{
		store:     cfg.Store,
		runner:    cfg.Runner,
		layout:    cfg.Layout,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
		metrics:   cfg.Metrics,
	}
}

// GenerateRequest is the body of POST /generate-image.
type GenerateRequest struct {
	Prompt string `json:"prompt"`
}

// GenerateResponse tells the client where to poll for progress.
type GenerateResponse struct {
	Success          bool             `json:"success"`
	Message          string           `json:"message"`
	ID               string           `json:"id"`
	MetadataPath     string           `json:"metadata_path"`
	MetadataURL      string           `json:"metadata_url"`
	ExpectedImageURL string           `json:"expected_image_url"`
	ExpectedPLYURL   string           `json:"expected_ply_url"`
	Status           domain.JobStatus `json:"status"`
}

// Generate handles POST /generate-image.
// It writes the initial job document, queues the pipeline and returns at once.
func (h *GenerateHandler) Generate(c *gin.Context) {
	ctx := c.Request.Context()

	var req GenerateRequest
	// A malformed body is treated the same as a missing prompt
	_ = c.ShouldBindJSON(&req)
	prompt := strings.TrimSpace(req.Prompt)
	if prompt == "" {
		c.JSON(http.StatusBadRequest, gin.H{"error": "Prompt is required"})
		return
	}

	now := time.Now()
	id := domain.NewJobID(now)
	ctx = logger.SetJobID(ctx, id)
	base := h.baseURL(c)

	job := domain.NewJob(id, req.Prompt, now)
	job.ExpectedImagePath = h.layout.ImagePath(id)
	job.ExpectedImageURL = base + "/files/" + h.layout.ImageName(id)
	job.ExpectedPLYPath = h.layout.PLYPath(id)
	job.ExpectedPLYURL = base + "/files/" + h.layout.PLYName(id)
	job.MetadataURL = base + "/metadata/" + repository.FileName(id)

	if err := h.store.Create(ctx, job); err != nil {
		logger.CtxError(ctx, "Failed to create job document: %v", err)
		c.JSON(http.StatusInternalServerError, gin.H{"error": "Failed to create job"})
		return
	}

	if err := h.runner.Submit(job); err != nil {
		h.reject(c, job, err)
		return
	}

	logger.CtxInfo(ctx, "Job accepted: prompt_len=%d", len(prompt))
	c.JSON(http.StatusOK, GenerateResponse{
		Success:          true,
		Message:          "Generation started",
		ID:               id,
		MetadataPath:     job.MetadataPath,
		MetadataURL:      job.MetadataURL,
		ExpectedImageURL: job.ExpectedImageURL,
		ExpectedPLYURL:   job.ExpectedPLYURL,
		Status:           domain.JobStatusProcessing,
	})
}

// reject finalises a job that could not be queued so pollers never see it
// stuck in processing.
func (h *GenerateHandler) reject(c *gin.Context, job *domain.Job, cause error) {
	ctx := c.Request.Context()
	h.metrics.JobRejected()

	msg := cause.Error()
	_, err := h.store.Update(ctx, job.ID, func(j *domain.Job) error {
		j.Error = msg
		return j.Finish(domain.JobStatusFailed, time.Now())
	})
	if err != nil {
		logger.CtxError(ctx, "Failed to record rejected job %s: %v", job.ID, err)
	}

	status := http.StatusInternalServerError
	if errors.Is(cause, domain.ErrQueueFull) {
		status = http.StatusServiceUnavailable
	}
	logger.CtxWarn(ctx, "Job %s rejected: %v", job.ID, cause)
	c.JSON(status, gin.H{"error": msg, "id": job.ID})
}

func (h *GenerateHandler) baseURL(c *gin.Context) string {
	if h.publicURL != "" {
		return h.publicURL
	}
	return RequestBaseURL(c)
}

// RequestBaseURL derives scheme://host from the request, honouring the
// X-Forwarded-Proto and X-Forwarded-Host headers set by reverse proxies.
func RequestBaseURL(c *gin.Context) string {
	scheme := "http"
	if c.Request.TLS != nil {
		scheme = "https"
	}
	if proto := c.GetHeader("X-Forwarded-Proto"); proto != "" {
		scheme = strings.TrimSpace(strings.Split(proto, ",")[0])
	}
	host := c.Request.Host
	if fwd := c.GetHeader("X-Forwarded-Host"); fwd != "" {
		host = strings.TrimSpace(strings.Split(fwd, ",")[0])
	}
	return scheme + "://" + host
}
