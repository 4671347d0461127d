package storage

import (
	"context"
	"fmt"

	"github.com/timmy/lucidia/internal/config"
	"github.com/timmy/lucidia/internal/logger"
)

// NewProviders builds the providers named in cfg.Order, in that order.
// Providers with missing settings or failing construction are skipped
// with a warning.
// Parameters:
//   - ctx: context used while initialising SDK clients.
//   - cfg: storage configuration.
//   - publicURL: server base address for local file links; may be empty.
//
// Returns:
//   - []Provider: the usable providers; may be empty.
func NewProviders(ctx context.Context, cfg *config.StorageConfig, publicURL string) []Provider {
	providers := make([]Provider, 0, len(cfg.Order))
	for _, name := range cfg.Order {
		entry := logger.With(logger.Fields{logger.FieldProvider: name})
		if !cfg.ProviderEnabled(name) {
			entry.Warn(ctx, "Storage provider %s is not configured, skipping", name)
			continue
		}
		p, err := NewProvider(ctx, name, cfg, publicURL)
		if err != nil {
			entry.Warn(ctx, "Storage provider %s could not be initialised, skipping: %v", name, err)
			continue
		}
		providers = append(providers, p)
	}
	return providers
}

// NewProvider creates a single provider by name.
func NewProvider(ctx context.Context, name string, cfg *config.StorageConfig, publicURL string) (Provider, error) {
	switch name {
	case config.ProviderBlobAPI:
		return NewBlobAPIProvider(BlobAPIConfig{
			APIURL:        cfg.BlobAPI.APIURL,
			Token:         cfg.BlobAPI.Token,
			StoreID:       cfg.BlobAPI.StoreID,
			PublicBaseURL: cfg.BlobAPI.PublicBaseURL,
			Timeout:       cfg.UploadTimeout,
		}), nil
	case config.ProviderCDN:
		return NewCDNProvider(CDNConfig{
			BaseURL: cfg.CDN.BaseURL,
			StoreID: cfg.CDN.StoreID,
			Token:   cfg.CDN.Token,
			Timeout: cfg.UploadTimeout,
		}), nil
	case config.ProviderS3:
		return NewS3Provider(ctx, S3Config{
			Bucket:    cfg.S3.Bucket,
			Region:    cfg.S3.Region,
			Prefix:    cfg.S3.Prefix,
			AccessKey: cfg.S3.AccessKey,
			SecretKey: cfg.S3.SecretKey,
			Endpoint:  cfg.S3.Endpoint,
			PublicURL: cfg.S3.PublicURL,
		})
	case config.ProviderMinIO:
		return NewMinIOProvider(MinIOConfig{
			Endpoint:  cfg.MinIO.Endpoint,
			AccessKey: cfg.MinIO.AccessKey,
			SecretKey: cfg.MinIO.SecretKey,
			UseSSL:    cfg.MinIO.UseSSL,
			Bucket:    cfg.MinIO.Bucket,
			Prefix:    cfg.MinIO.Prefix,
		})
	case config.ProviderLocal:
		return NewLocalProvider(cfg.Local.Dir, publicURL)
	default:
		return nil, fmt.Errorf("storage: unknown provider %q", name)
	}
}
