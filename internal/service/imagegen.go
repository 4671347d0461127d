package service

import (
	"context"
	"encoding/base64"
	"fmt"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/lucidia/internal/domain"
)

// ImageGenerator turns a prompt into encoded image bytes.
type ImageGenerator interface {
	Generate(ctx context.Context, prompt string) ([]byte, error)
}

// OpenAIImageGenerator calls an OpenAI-compatible images API.
type OpenAIImageGenerator struct {
	client   *resty.Client
	model    string
	size     string
	endpoint string
}

// ImageGenConfig holds configuration for OpenAIImageGenerator.
type ImageGenConfig struct {
	APIKey  string
	BaseURL string
	Model   string
	Size    string
	Timeout time.Duration
}

// NewOpenAIImageGenerator creates a new image generator.
// Parameters:
//   - cfg: API key, base URL, model and size.
//
// Returns:
//   - *OpenAIImageGenerator: initialized generator.
func NewOpenAIImageGenerator(cfg *ImageGenConfig) *OpenAIImageGenerator {
	client := resty.New()
	client.SetHeader("Authorization", "Bearer "+cfg.APIKey)
	client.SetHeader("Content-Type", "application/json")
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 120 * time.Second
	}
	client.SetTimeout(timeout)

	baseURL := strings.TrimSuffix(cfg.BaseURL, "/")
	if baseURL == "" {
		baseURL = "https://api.openai.com/v1"
	}

	return &OpenAIImageGenerator{
		client:   client,
		model:    cfg.Model,
		size:     cfg.Size,
		endpoint: baseURL + "/images/generations",
	}
}

// GetModel returns the model name being used.
func (g *OpenAIImageGenerator) GetModel() string {
	return g.model
}

type imageRequest struct {
	Model  string `json:"model"`
	Prompt string `json:"prompt"`
	N      int    `json:"n"`
	Size   string `json:"size,omitempty"`
}

type imageResponse struct {
	Data []struct {
		B64JSON string `json:"b64_json"`
		URL     string `json:"url"`
	} `json:"data"`
	Error *struct {
		Message string `json:"message"`
		Type    string `json:"type"`
	} `json:"error,omitempty"`
}

// Generate requests one image and returns its bytes, decoding base64 data or
// downloading the returned URL.
func (g *OpenAIImageGenerator) Generate(ctx context.Context, prompt string) ([]byte, error) {
	data, err := g.generate(ctx, prompt)
	if err != nil {
		return nil, &domain.ProviderError{Stage: "image", Provider: "openai", Err: err}
	}
	return data, nil
}

func (g *OpenAIImageGenerator) generate(ctx context.Context, prompt string) ([]byte, error) {
	req := imageRequest{
		Model:  g.model,
		Prompt: prompt,
		N:      1,
		Size:   g.size,
	}

	var resp imageResponse
	httpResp, err := g.client.R().
		SetContext(ctx).
		SetBody(req).
		SetResult(&resp).
		SetError(&resp).
		Post(g.endpoint)
	if err != nil {
		return nil, fmt.Errorf("failed to call images API: %w", err)
	}

	if !httpResp.IsSuccess() {
		if resp.Error != nil {
			return nil, fmt.Errorf("images API returned HTTP %d: %s", httpResp.StatusCode(), resp.Error.Message)
		}
		return nil, fmt.Errorf("images API returned HTTP %d: %s", httpResp.StatusCode(), string(httpResp.Body()))
	}
	if resp.Error != nil {
		return nil, fmt.Errorf("images API error: %s", resp.Error.Message)
	}
	if len(resp.Data) == 0 {
		return nil, errEmptyImage
	}

	item := resp.Data[0]
	switch {
	case item.B64JSON != "":
		data, err := base64.StdEncoding.DecodeString(item.B64JSON)
		if err != nil {
			return nil, fmt.Errorf("decode b64_json: %w", err)
		}
		return data, nil
	case item.URL != "":
		return g.download(ctx, item.URL)
	default:
		return nil, errEmptyImage
	}
}

func (g *OpenAIImageGenerator) download(ctx context.Context, url string) ([]byte, error) {
	// the signed URL must not receive our API key
	resp, err := resty.New().SetTimeout(g.client.GetClient().Timeout).R().
		SetContext(ctx).
		Get(url)
	if err != nil {
		return nil, fmt.Errorf("download image: %w", err)
	}
	if !resp.IsSuccess() {
		return nil, fmt.Errorf("download image: HTTP %d", resp.StatusCode())
	}
	return resp.Body(), nil
}
