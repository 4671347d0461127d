package storage

import (
	"context"
	"errors"
	"time"

	"github.com/timmy/lucidia/internal/logger"
)

// Observer is notified of every provider attempt made by a Chain.
type Observer interface {
	UploadAttempt(provider string, success bool, elapsed time.Duration)
}

// Chain tries providers in order and returns the first success.
type Chain struct {
	providers []Provider
	observer  Observer
}

// NewChain creates a fallback chain. observer may be nil.
func NewChain(observer Observer, providers ...Provider) *Chain {
	return &Chain{providers: providers, observer: observer}
}

func (c *Chain) Name() string { return "chain" }

// Providers returns the names of the chained providers, in order.
func (c *Chain) Providers() []string {
	names := make([]string, 0, len(c.providers))
	for _, p := range c.providers {
		names = append(names, p.Name())
	}
	return names
}

// Upload tries each provider exactly once. When all fail, the last
// provider's error is returned.
func (c *Chain) Upload(ctx context.Context, filePath, contentType string) (*Result, error) {
	if len(c.providers) == 0 {
		return nil, &UploadError{Provider: c.Name(), Message: "no storage providers configured"}
	}

	var lastErr error
	for i, p := range c.providers {
		if err := ctx.Err(); err != nil {
			if lastErr == nil {
				lastErr = uploadErr(p.Name(), err, "%v", err)
			}
			break
		}

		entry := logger.With(logger.Fields{
			logger.FieldProvider: p.Name(),
			logger.FieldAttempt:  i + 1,
		})

		start := time.Now()
		res, err := p.Upload(ctx, filePath, contentType)
		elapsed := time.Since(start)
		if c.observer != nil {
			c.observer.UploadAttempt(p.Name(), err == nil, elapsed)
		}

		if err == nil {
			entry.WithDuration(elapsed).WithSize(res.Size).Info(ctx, "Uploaded %s to %s", filePath, res.URL)
			return res, nil
		}
		entry.WithDuration(elapsed).Warn(ctx, "Upload via %s failed: %v", p.Name(), err)
		lastErr = err
	}

	var ue *UploadError
	if !errors.As(lastErr, &ue) {
		lastErr = uploadErr(c.Name(), lastErr, "%v", lastErr)
	}
	return nil, lastErr
}
