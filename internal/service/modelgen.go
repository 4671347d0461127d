package service

import (
	"bufio"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"

	"github.com/go-resty/resty/v2"
	"github.com/timmy/lucidia/internal/domain"
	"github.com/timmy/lucidia/internal/logger"
)

// ModelGenerator turns an image and prompt into a 3D model file written to
// outputPath. It returns the path actually written.
type ModelGenerator interface {
	Generate(ctx context.Context, imagePath, prompt, outputPath string) (string, error)
}

// GradioModelGenerator drives a hosted Gradio app through its HTTP API:
// upload the image, start a call, read the result stream, download the file.
type GradioModelGenerator struct {
	client  *resty.Client
	baseURL string
	prefix  string
	apiName string
}

// ModelGenConfig holds configuration for GradioModelGenerator.
type ModelGenConfig struct {
	BaseURL   string // e.g. https://owner-space.hf.space
	APIPrefix string // e.g. /gradio_api
	APIName   string // e.g. /predict
	Token     string // optional Hugging Face token
	Timeout   time.Duration
}

// NewGradioModelGenerator creates a new model generator.
func NewGradioModelGenerator(cfg *ModelGenConfig) *GradioModelGenerator {
	client := resty.New()
	timeout := cfg.Timeout
	if timeout <= 0 {
		timeout = 10 * time.Minute
	}
	client.SetTimeout(timeout)
	if cfg.Token != "" {
		client.SetAuthToken(cfg.Token)
	} else {
		logger.CtxWarn(context.Background(), "HF token not configured, calling model space anonymously")
	}

	apiName := cfg.APIName
	if !strings.HasPrefix(apiName, "/") {
		apiName = "/" + apiName
	}

	return &GradioModelGenerator{
		client:  client,
		baseURL: strings.TrimSuffix(cfg.BaseURL, "/"),
		prefix:  "/" + strings.Trim(cfg.APIPrefix, "/"),
		apiName: apiName,
	}
}

type gradioFileData struct {
	Path string            `json:"path"`
	URL  string            `json:"url,omitempty"`
	Meta map[string]string `json:"meta,omitempty"`
}

type gradioCallRequest struct {
	Data []interface{} `json:"data"`
}

type gradioCallResponse struct {
	EventID string `json:"event_id"`
}

func (g *GradioModelGenerator) Generate(ctx context.Context, imagePath, prompt, outputPath string) (string, error) {
	path, err := g.generate(ctx, imagePath, prompt, outputPath)
	if err != nil {
		return "", &domain.ProviderError{Stage: "model", Provider: "gradio", Err: err}
	}
	return path, nil
}

func (g *GradioModelGenerator) generate(ctx context.Context, imagePath, prompt, outputPath string) (string, error) {
	if !strings.HasSuffix(outputPath, ".ply") {
		outputPath += ".ply"
	}

	remotePath, err := g.upload(ctx, imagePath)
	if err != nil {
		return "", err
	}

	eventID, err := g.call(ctx, remotePath, prompt)
	if err != nil {
		return "", err
	}

	output, err := g.result(ctx, eventID)
	if err != nil {
		return "", err
	}

	if err := g.download(ctx, output, outputPath); err != nil {
		return "", err
	}
	return outputPath, nil
}

func (g *GradioModelGenerator) endpoint(path string) string {
	return g.baseURL + g.prefix + path
}

// upload sends the image and returns the server-side path Gradio assigned.
func (g *GradioModelGenerator) upload(ctx context.Context, imagePath string) (string, error) {
	var paths []string
	resp, err := g.client.R().
		SetContext(ctx).
		SetFile("files", imagePath).
		SetResult(&paths).
		Post(g.endpoint("/upload"))
	if err != nil {
		return "", fmt.Errorf("upload image: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("upload image: HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	if len(paths) == 0 {
		return "", errors.New("upload image: no path returned")
	}
	return paths[0], nil
}

// call starts a prediction and returns its event ID.
func (g *GradioModelGenerator) call(ctx context.Context, remotePath, prompt string) (string, error) {
	body := gradioCallRequest{
		Data: []interface{}{
			gradioFileData{Path: remotePath, Meta: map[string]string{"_type": "gradio.FileData"}},
			prompt,
		},
	}
	var out gradioCallResponse
	resp, err := g.client.R().
		SetContext(ctx).
		SetHeader("Content-Type", "application/json").
		SetBody(body).
		SetResult(&out).
		Post(g.endpoint("/call" + g.apiName))
	if err != nil {
		return "", fmt.Errorf("start prediction: %w", err)
	}
	if !resp.IsSuccess() {
		return "", fmt.Errorf("start prediction: HTTP %d: %s", resp.StatusCode(), string(resp.Body()))
	}
	if out.EventID == "" {
		return "", errors.New("start prediction: no event_id returned")
	}
	return out.EventID, nil
}

// result reads the server-sent event stream until the call completes and
// returns the first output file.
func (g *GradioModelGenerator) result(ctx context.Context, eventID string) (*gradioFileData, error) {
	resp, err := g.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(g.endpoint("/call" + g.apiName + "/" + eventID))
	if err != nil {
		return nil, fmt.Errorf("read prediction: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if !resp.IsSuccess() {
		msg, _ := io.ReadAll(io.LimitReader(body, 4096))
		return nil, fmt.Errorf("read prediction: HTTP %d: %s", resp.StatusCode(), string(msg))
	}

	data, err := readCompleteEvent(body)
	if err != nil {
		return nil, fmt.Errorf("read prediction: %w", err)
	}
	return parseGradioOutput(data)
}

// readCompleteEvent scans an event stream and returns the data payload of
// the "complete" event.
func readCompleteEvent(r io.Reader) (string, error) {
	scanner := bufio.NewScanner(r)
	scanner.Buffer(make([]byte, 64*1024), 8*1024*1024)

	event := ""
	for scanner.Scan() {
		line := scanner.Text()
		switch {
		case strings.HasPrefix(line, "event:"):
			event = strings.TrimSpace(strings.TrimPrefix(line, "event:"))
		case strings.HasPrefix(line, "data:"):
			data := strings.TrimSpace(strings.TrimPrefix(line, "data:"))
			switch event {
			case "complete":
				return data, nil
			case "error":
				if data == "" || data == "null" {
					data = "prediction failed"
				}
				return "", errors.New(data)
			}
		case line == "":
			event = ""
		}
	}
	if err := scanner.Err(); err != nil {
		return "", err
	}
	return "", errors.New("stream ended without a result")
}

// parseGradioOutput extracts the first output, which is either a file
// object or a bare path string.
func parseGradioOutput(data string) (*gradioFileData, error) {
	var outputs []json.RawMessage
	if err := json.Unmarshal([]byte(data), &outputs); err != nil {
		return nil, fmt.Errorf("decode prediction output: %w", err)
	}
	if len(outputs) == 0 {
		return nil, errors.New("prediction returned no outputs")
	}

	var file gradioFileData
	if err := json.Unmarshal(outputs[0], &file); err == nil && (file.URL != "" || file.Path != "") {
		return &file, nil
	}
	var path string
	if err := json.Unmarshal(outputs[0], &path); err == nil && path != "" {
		return &gradioFileData{Path: path}, nil
	}
	return nil, fmt.Errorf("unexpected prediction output: %s", string(outputs[0]))
}

// download fetches the output file into outputPath via a temp file.
func (g *GradioModelGenerator) download(ctx context.Context, file *gradioFileData, outputPath string) error {
	url := file.URL
	if url == "" {
		url = g.endpoint("/file=" + file.Path)
	}

	if err := os.MkdirAll(filepath.Dir(outputPath), 0o755); err != nil {
		return fmt.Errorf("ensure output dir: %w", err)
	}

	resp, err := g.client.R().
		SetContext(ctx).
		SetDoNotParseResponse(true).
		Get(url)
	if err != nil {
		return fmt.Errorf("download model: %w", err)
	}
	body := resp.RawBody()
	defer body.Close()
	if !resp.IsSuccess() {
		return fmt.Errorf("download model: HTTP %d", resp.StatusCode())
	}

	tmp, err := os.CreateTemp(filepath.Dir(outputPath), filepath.Base(outputPath)+".*.tmp")
	if err != nil {
		return fmt.Errorf("create output: %w", err)
	}
	tmpPath := tmp.Name()
	if _, err := io.Copy(tmp, body); err != nil {
		tmp.Close()
		os.Remove(tmpPath)
		return fmt.Errorf("write output: %w", err)
	}
	if err := tmp.Close(); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("write output: %w", err)
	}
	if err := os.Rename(tmpPath, outputPath); err != nil {
		os.Remove(tmpPath)
		return fmt.Errorf("move output: %w", err)
	}
	return nil
}
