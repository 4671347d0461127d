package storage

import (
	"context"
	"errors"
	"fmt"
	"io"
	"os"
	"path/filepath"
	"strings"
	"time"
)

// LocalProvider copies files into a directory on this host.
type LocalProvider struct {
	dir       string
	publicURL string
	now       func() time.Time
}

// NewLocalProvider creates the storage directory if needed. publicURL is the
// server base address used to build LocalURL; it may be empty.
func NewLocalProvider(dir, publicURL string) (*LocalProvider, error) {
	dir = strings.TrimSpace(dir)
	if dir == "" {
		return nil, errors.New("storage: local dir is required")
	}
	if err := os.MkdirAll(dir, 0o755); err != nil {
		return nil, fmt.Errorf("storage: ensure local dir: %w", err)
	}
	return &LocalProvider{
		dir:       dir,
		publicURL: strings.TrimSuffix(publicURL, "/"),
		now:       time.Now,
	}, nil
}

func (p *LocalProvider) Name() string { return "local" }

// Dir returns the directory files are copied into.
func (p *LocalProvider) Dir() string { return p.dir }

// Upload copies filePath into the storage directory under a unique name.
func (p *LocalProvider) Upload(ctx context.Context, filePath, contentType string) (*Result, error) {
	if err := ctx.Err(); err != nil {
		return nil, uploadErr(p.Name(), err, "%v", err)
	}

	src, err := os.Open(filePath)
	if err != nil {
		return nil, uploadErr(p.Name(), err, "open %s: %v", filePath, err)
	}
	defer src.Close()

	if contentType == "" {
		contentType = DetectContentType(filePath)
	}

	name := UniqueName(filepath.Base(filePath), p.now())
	dstPath := filepath.Join(p.dir, name)

	dst, err := os.OpenFile(dstPath, os.O_CREATE|os.O_WRONLY|os.O_EXCL, 0o644)
	if err != nil {
		return nil, uploadErr(p.Name(), err, "create %s: %v", dstPath, err)
	}
	size, err := io.Copy(dst, src)
	if cerr := dst.Close(); err == nil {
		err = cerr
	}
	if err != nil {
		_ = os.Remove(dstPath)
		return nil, uploadErr(p.Name(), err, "copy to %s: %v", dstPath, err)
	}

	abs, err := filepath.Abs(dstPath)
	if err != nil {
		abs = dstPath
	}

	return &Result{
		URL:         "file://" + filepath.ToSlash(abs),
		Provider:    p.Name(),
		Size:        size,
		ContentType: contentType,
		Path:        filePath,
		Filename:    name,
		LocalURL:    p.publicURL + "/files/" + name,
	}, nil
}
