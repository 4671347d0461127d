package service

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
	"github.com/timmy/lucidia/internal/repository"
)

// StatusService resolves a job reference to its current document. A
// reference is either a job ID or the URL of a metadata document.
type StatusService struct {
	store   repository.JobStore // may be nil for remote-only lookups
	client  *resty.Client
	baseURL string
}

// NewStatusService creates a new status service.
// Parameters:
//   - store: local job store; nil disables local lookups.
//   - baseURL: server hosting /metadata, used when a job is not found locally.
//   - timeout: HTTP timeout for remote lookups.
//
// Returns:
//   - *StatusService: initialized service.
func NewStatusService(store repository.JobStore, baseURL string, timeout time.Duration) *StatusService {
	if timeout <= 0 {
		timeout = 30 * time.Second
	}
	client := resty.New()
	client.SetTimeout(timeout)
	return &StatusService{
		store:   store,
		client:  client,
		baseURL: strings.TrimSuffix(baseURL, "/"),
	}
}

// IsURL reports whether ref should be fetched over HTTP.
func IsURL(ref string) bool {
	return strings.HasPrefix(ref, "http://") || strings.HasPrefix(ref, "https://")
}

// Resolve returns the current job document for ref. Nothing is cached.
func (s *StatusService) Resolve(ctx context.Context, ref string) (*domain.Job, error) {
	ref = strings.TrimSpace(ref)
	if ref == "" {
		return nil, &domain.ValidationError{Field: "ref", Message: "is required"}
	}
	if IsURL(ref) {
		return s.fetch(ctx, ref)
	}
	return s.resolveID(ctx, ref)
}

func (s *StatusService) resolveID(ctx context.Context, id string) (*domain.Job, error) {
	if !domain.ValidID(id) {
		return nil, &domain.ValidationError{Field: "id", Message: fmt.Sprintf("invalid job id %q", id)}
	}

	if s.store != nil {
		job, err := s.store.Get(ctx, id)
		if err == nil {
			if verr := job.Validate(); verr != nil {
				return nil, &domain.ParseError{Source: s.store.Path(id), Err: verr}
			}
			return job, nil
		}
		var parseErr *domain.ParseError
		if errors.As(err, &parseErr) {
			return nil, parseErr
		}
		if !errors.Is(err, domain.ErrNotFound) {
			return nil, err
		}
		logger.CtxDebug(ctx, "Job %s not found locally, trying %s", id, s.baseURL)
	}

	if s.baseURL == "" {
		return nil, fmt.Errorf("job %s: %w", id, domain.ErrNotFound)
	}
	return s.fetch(ctx, s.baseURL+"/metadata/"+repository.FileName(id))
}

func (s *StatusService) fetch(ctx context.Context, url string) (*domain.Job, error) {
	resp, err := s.client.R().
		SetContext(ctx).
		SetHeader("Accept", "application/json").
		Get(url)
	if err != nil {
		return nil, &domain.FetchError{URL: url, Err: err}
	}
	if !resp.IsSuccess() {
		ferr := &domain.FetchError{URL: url, StatusCode: resp.StatusCode()}
		if resp.StatusCode() == 404 {
			ferr.Err = domain.ErrNotFound
		}
		return nil, ferr
	}

	var job domain.Job
	if err := json.Unmarshal(resp.Body(), &job); err != nil {
		return nil, &domain.ParseError{Source: url, Err: err}
	}
	if err := job.Validate(); err != nil {
		return nil, &domain.ParseError{Source: url, Err: err}
	}
	return &job, nil
}

// WriteReport prints a human-readable summary of job to w.
func WriteReport(w io.Writer, job *domain.Job) {
	na := func(s string) string {
		if s == "" {
			return "N/A"
		}
		return s
	}
	stage := func(s domain.StageStatus) string {
		if s == "" {
			return "unknown"
		}
		return string(s)
	}

	fmt.Fprintln(w, "\n=== Generation Status ===")
	fmt.Fprintf(w, "ID: %s\n", job.ID)
	fmt.Fprintf(w, "Timestamp: %s\n", job.Timestamp)
	fmt.Fprintf(w, "Overall Status: %s\n", job.Status)

	fmt.Fprintf(w, "\nImage Status: %s\n", stage(job.ImageStatus))
	switch job.ImageStatus {
	case domain.StageCompleted:
		fmt.Fprintf(w, "  Image URL: %s\n", na(job.ImageURL))
	case domain.StageFailed:
		fmt.Fprintf(w, "  Error: %s\n", na(job.Error))
	}

	fmt.Fprintf(w, "\nPLY Model Status: %s\n", stage(job.PLYStatus))
	switch job.PLYStatus {
	case domain.StageCompleted:
		fmt.Fprintf(w, "  PLY URL: %s\n", na(job.PLYURL))
		if job.PLYUploadStatus != "" {
			fmt.Fprintf(w, "  Upload Status: %s\n", job.PLYUploadStatus)
		}
		if job.PLYUploadStatus == domain.StageFailed {
			fmt.Fprintf(w, "  Upload Error: %s\n", na(job.PLYUploadError))
		}
		if st := job.Storage; st != nil {
			fmt.Fprintln(w, "\nStorage:")
			fmt.Fprintf(w, "  Provider: %s\n", na(st.Provider))
			fmt.Fprintf(w, "  URL: %s\n", na(st.URL))
			if st.LowConfidence {
				fmt.Fprintln(w, "  (URL constructed, not confirmed by provider)")
			}
			if st.Bucket != "" {
				fmt.Fprintf(w, "  Bucket: %s\n", st.Bucket)
				fmt.Fprintf(w, "  Key: %s\n", na(st.Key))
			}
			if st.Pathname != "" {
				fmt.Fprintf(w, "  Pathname: %s\n", st.Pathname)
			}
			if st.LocalURL != "" {
				fmt.Fprintf(w, "  Local URL: %s\n", st.LocalURL)
			}
		}
	case domain.StageFailed:
		fmt.Fprintf(w, "  Error: %s\n", na(job.PLYError))
	}

	fmt.Fprintf(w, "\nMetadata path: %s\n", na(job.MetadataPath))
	fmt.Fprintf(w, "Prompt: %s\n\n", na(job.Prompt))
}
