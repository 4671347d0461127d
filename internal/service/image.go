package service

import (
	"bytes"
	"errors"
	"fmt"
	"image"
	_ "image/gif"
	_ "image/jpeg"
	"image/png"
	"os"
	"path/filepath"

	_ "golang.org/x/image/webp"
)

// imageInfo describes a decoded generated image.
type imageInfo struct {
	Width  int
	Height int
	Format string // format of the bytes returned by the generator
}

var errEmptyImage = errors.New("no image data found in the response")

// saveAsPNG validates data as an image and stores it at path in PNG format.
// PNG input is written unchanged; other formats are re-encoded.
func saveAsPNG(data []byte, path string) (*imageInfo, error) {
	if len(data) == 0 {
		return nil, errEmptyImage
	}

	img, format, err := image.Decode(bytes.NewReader(data))
	if err != nil {
		return nil, fmt.Errorf("decode generated image: %w", err)
	}
	bounds := img.Bounds()
	info := &imageInfo{Width: bounds.Dx(), Height: bounds.Dy(), Format: format}

	out := data
	if format != "png" {
		var buf bytes.Buffer
		if err := png.Encode(&buf, img); err != nil {
			return nil, fmt.Errorf("encode png: %w", err)
		}
		out = buf.Bytes()
	}

	if err := os.MkdirAll(filepath.Dir(path), 0o755); err != nil {
		return nil, fmt.Errorf("ensure image dir: %w", err)
	}
	if err := os.WriteFile(path, out, 0o644); err != nil {
		return nil, fmt.Errorf("write image: %w", err)
	}
	return info, nil
}
