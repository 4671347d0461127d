package storage

import (
	"context"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/lucidia/internal/logger"
)

// BlobAPIProvider uploads in two steps: request a signed URL from the
// control-plane API, then PUT the bytes there.
type BlobAPIProvider struct {
	client        *resty.Client
	apiURL        string
	token         string
	storeID       string
	publicBaseURL string
	now           func() time.Time
}

// BlobAPIConfig holds settings for BlobAPIProvider.
type BlobAPIConfig struct {
	APIURL  string
	Token   string
	StoreID string
	// PublicBaseURL is used to construct a URL when the upload response
	// carries none. Defaults to https://{store}.public.blob.vercel-storage.com.
	PublicBaseURL string
	Timeout       time.Duration
}

// NewBlobAPIProvider creates a two-phase blob provider.
func NewBlobAPIProvider(cfg BlobAPIConfig) *BlobAPIProvider {
	client := resty.New()
	client.SetTimeout(timeoutOrDefault(cfg.Timeout))

	publicBase := strings.TrimSuffix(cfg.PublicBaseURL, "/")
	if publicBase == "" {
		publicBase = fmt.Sprintf("https://%s.public.blob.vercel-storage.com", cfg.StoreID)
	}
	return &BlobAPIProvider{
		client:        client,
		apiURL:        cfg.APIURL,
		token:         cfg.Token,
		storeID:       cfg.StoreID,
		publicBaseURL: publicBase,
		now:           time.Now,
	}
}

func (p *BlobAPIProvider) Name() string { return "vercel-blob-api" }

type uploadURLResponse struct {
	URL string `json:"url"`
}

func (p *BlobAPIProvider) Upload(ctx context.Context, filePath, contentType string) (*Result, error) {
	if p.token == "" {
		return nil, uploadErr(p.Name(), nil, "token is required")
	}
	data, contentType, err := readSource(p.Name(), filePath, contentType)
	if err != nil {
		return nil, err
	}
	name := UniqueName(filepath.Base(filePath), p.now())

	// phase 1: signed upload URL
	var signed uploadURLResponse
	resp, err := p.client.R().
		SetContext(ctx).
		SetAuthToken(p.token).
		SetHeader("Content-Type", "application/json").
		SetQueryParam("storeId", p.storeID).
		SetQueryParam("pathname", name).
		SetResult(&signed).
		Post(p.apiURL)
	if err != nil {
		return nil, uploadErr(p.Name(), err, "request upload URL: %v", err)
	}
	if resp.StatusCode() != 200 {
		return nil, &UploadError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode(),
			Message:    "request upload URL: " + blobErrorMessage(resp.Body()),
		}
	}
	if signed.URL == "" {
		return nil, &UploadError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode(),
			Message:    "upload URL response has no url",
		}
	}

	// phase 2: bytes
	put, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(data).
		Put(signed.URL)
	if err != nil {
		return nil, uploadErr(p.Name(), err, "PUT signed URL: %v", err)
	}
	if !put.IsSuccess() {
		return nil, &UploadError{
			Provider:   p.Name(),
			StatusCode: put.StatusCode(),
			Message:    blobErrorMessage(put.Body()),
		}
	}

	result := &Result{
		URL:         put.Header().Get("x-vercel-blob-url"),
		Provider:    p.Name(),
		Size:        int64(len(data)),
		ContentType: contentType,
		Path:        filePath,
		Filename:    name,
		Pathname:    name,
	}
	if result.URL == "" {
		result.URL = p.publicBaseURL + "/" + name
		result.LowConfidence = true
		logger.With(logger.Fields{logger.FieldProvider: p.Name()}).
			Warn(ctx, "Upload response carried no blob URL, using constructed URL %s", result.URL)
	}
	return result, nil
}
