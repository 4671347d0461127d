package storage

import (
	"context"
	"fmt"
	"mime"
	"os"
	"path/filepath"
	"strings"
)

// Provider uploads a local file to one storage backend.
type Provider interface {
	// Name returns the provider name used in storage.order and in Result.Provider
	Name() string

	// Upload stores the file and returns where it can be fetched from.
	// Every failure is an *UploadError.
	Upload(ctx context.Context, filePath, contentType string) (*Result, error)
}

// Result describes a stored object.
type Result struct {
	URL         string `json:"url"`
	Provider    string `json:"provider"`
	Size        int64  `json:"size"`
	ContentType string `json:"content_type"`
	Path        string `json:"path"`     // source file
	Filename    string `json:"filename"` // stored object name

	// provider-specific locators
	Bucket   string `json:"bucket,omitempty"`
	Key      string `json:"key,omitempty"`
	Pathname string `json:"pathname,omitempty"`
	LocalURL string `json:"local_url,omitempty"`

	// LowConfidence marks a URL that was constructed rather than reported by the backend.
	LowConfidence bool `json:"low_confidence,omitempty"`
}

// UploadError is returned by every provider on failure.
type UploadError struct {
	Provider   string
	StatusCode int // 0 when no HTTP response was received
	Message    string
	Err        error
}

func (e *UploadError) Error() string {
	msg := e.Message
	if msg == "" && e.Err != nil {
		msg = e.Err.Error()
	}
	if e.StatusCode != 0 {
		return fmt.Sprintf("%s upload failed (HTTP %d): %s", e.Provider, e.StatusCode, msg)
	}
	return fmt.Sprintf("%s upload failed: %s", e.Provider, msg)
}

func (e *UploadError) Unwrap() error { return e.Err }

func uploadErr(provider string, err error, format string, args ...interface{}) *UploadError {
	return &UploadError{Provider: provider, Message: fmt.Sprintf(format, args...), Err: err}
}

// DetectContentType guesses a MIME type from the file extension.
func DetectContentType(filePath string) string {
	ext := strings.ToLower(filepath.Ext(filePath))
	switch ext {
	case ".ply":
		return "application/octet-stream"
	case "":
		return "application/octet-stream"
	}
	if ct := mime.TypeByExtension(ext); ct != "" {
		return ct
	}
	return "application/octet-stream"
}

// readSource loads the file to upload and resolves its content type.
func readSource(provider, filePath, contentType string) ([]byte, string, error) {
	data, err := os.ReadFile(filePath)
	if err != nil {
		return nil, "", uploadErr(provider, err, "read %s: %v", filePath, err)
	}
	if contentType == "" {
		contentType = DetectContentType(filePath)
	}
	return data, contentType, nil
}
