package storage

import (
	"context"
	"encoding/json"
	"net/url"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
)

// CDNProvider PUTs files straight to the public blob host.
type CDNProvider struct {
	client  *resty.Client
	baseURL string
	storeID string
	now     func() time.Time
}

// CDNConfig holds settings for CDNProvider.
type CDNConfig struct {
	BaseURL string
	StoreID string
	Token   string
	Timeout time.Duration
}

// NewCDNProvider creates a direct-PUT blob provider.
func NewCDNProvider(cfg CDNConfig) *CDNProvider {
	client := resty.New()
	client.SetTimeout(timeoutOrDefault(cfg.Timeout))
	client.SetHeader("x-vercel-blob-store-id", cfg.StoreID)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	}
	return &CDNProvider{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		storeID: cfg.StoreID,
		now:     time.Now,
	}
}

func (p *CDNProvider) Name() string { return "vercel-blob" }

// Upload sends the file body to {base}/{unique name}.
func (p *CDNProvider) Upload(ctx context.Context, filePath, contentType string) (*Result, error) {
	data, contentType, err := readSource(p.Name(), filePath, contentType)
	if err != nil {
		return nil, err
	}

	name := UniqueName(filepath.Base(filePath), p.now())
	uploadURL := p.baseURL + "/" + url.PathEscape(name)

	resp, err := p.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", contentType).
		SetBody(data).
		Put(uploadURL)
	if err != nil {
		return nil, uploadErr(p.Name(), err, "PUT %s: %v", uploadURL, err)
	}
	if !resp.IsSuccess() {
		return nil, &UploadError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode(),
			Message:    blobErrorMessage(resp.Body()),
		}
	}

	return &Result{
		URL:         uploadURL,
		Provider:    p.Name(),
		Size:        int64(len(data)),
		ContentType: contentType,
		Path:        filePath,
		Filename:    name,
		Pathname:    name,
	}, nil
}

// blobErrorMessage extracts error.message from a blob API error body and
// falls back to the raw text.
func blobErrorMessage(body []byte) string {
	var parsed struct {
		Error struct {
			Message string `json:"message"`
		} `json:"error"`
	}
	if err := json.Unmarshal(body, &parsed); err == nil && parsed.Error.Message != "" {
		return parsed.Error.Message
	}
	return strings.TrimSpace(string(body))
}

func timeoutOrDefault(d time.Duration) time.Duration {
	if d <= 0 {
		return 60 * time.Second
	}
	return d
}
