package storage

import (
	"bytes"
	"context"
	"fmt"
	"path/filepath"
	"time"

	"github.com/minio/minio-go/v7"
	"github.com/minio/minio-go/v7/pkg/credentials"
	"github.com/timmy/lucidia/internal/logger"
)

// MinIOProvider uploads to a self-hosted MinIO server
type MinIOProvider struct {
	client   *minio.Client
	bucket   string
	prefix   string
	endpoint string
	useSSL   bool
	now      func() time.Time
}

// MinIOConfig holds configuration for the MinIO client
type MinIOConfig struct {
	Endpoint  string
	AccessKey string
	SecretKey string
	UseSSL    bool
	Bucket    string
	Prefix    string
}

// NewMinIOProvider creates a new MinIO provider
func NewMinIOProvider(cfg MinIOConfig) (*MinIOProvider, error) {
	endpoint := normalizeEndpoint(cfg.Endpoint)
	client, err := minio.New(endpoint, &minio.Options{
		Creds:  credentials.NewStaticV4(cfg.AccessKey, cfg.SecretKey, ""),
		Secure: cfg.UseSSL,
	})
	if err != nil {
		return nil, fmt.Errorf("failed to create minio client: %w", err)
	}

	return &MinIOProvider{
		client:   client,
		bucket:   cfg.Bucket,
		prefix:   cfg.Prefix,
		endpoint: endpoint,
		useSSL:   cfg.UseSSL,
		now:      time.Now,
	}, nil
}

func (p *MinIOProvider) Name() string { return "minio" }

// EnsureBucket creates the bucket with a public-read policy if it doesn't exist
func (p *MinIOProvider) EnsureBucket(ctx context.Context) error {
	exists, err := p.client.BucketExists(ctx, p.bucket)
	if err != nil {
		return fmt.Errorf("failed to check bucket existence: %w", err)
	}
	if exists {
		return nil
	}

	if err := p.client.MakeBucket(ctx, p.bucket, minio.MakeBucketOptions{}); err != nil {
		return fmt.Errorf("failed to create bucket: %w", err)
	}

	policy := fmt.Sprintf(`{
		"Version": "2012-10-17",
		"Statement": [
			{
				"Effect": "Allow",
				"Principal": {"AWS": ["*"]},
				"Action": ["s3:GetObject"],
				"Resource": ["arn:aws:s3:::%s/*"]
			}
		]
	}`, p.bucket)

	if err := p.client.SetBucketPolicy(ctx, p.bucket, policy); err != nil {
		// bucket exists, objects just won't be publicly readable
		logger.With(logger.Fields{logger.FieldProvider: p.Name()}).
			Warn(ctx, "Failed to set bucket policy on %s: %v", p.bucket, err)
	}
	return nil
}

// Upload puts the file under prefix + unique name
func (p *MinIOProvider) Upload(ctx context.Context, filePath, contentType string) (*Result, error) {
	data, contentType, err := readSource(p.Name(), filePath, contentType)
	if err != nil {
		return nil, err
	}

	name := UniqueName(filepath.Base(filePath), p.now())
	key := joinKey(p.prefix, name)

	info, err := p.client.PutObject(ctx, p.bucket, key, bytes.NewReader(data), int64(len(data)),
		minio.PutObjectOptions{ContentType: contentType})
	if err != nil {
		resp := minio.ToErrorResponse(err)
		return nil, &UploadError{
			Provider:   p.Name(),
			StatusCode: resp.StatusCode,
			Message:    fmt.Sprintf("put object %s: %v", key, err),
			Err:        err,
		}
	}

	return &Result{
		URL:         p.objectURL(key),
		Provider:    p.Name(),
		Size:        info.Size,
		ContentType: contentType,
		Path:        filePath,
		Filename:    name,
		Bucket:      p.bucket,
		Key:         key,
	}, nil
}

// objectURL returns the path-style URL for key
func (p *MinIOProvider) objectURL(key string) string {
	scheme := "http"
	if p.useSSL {
		scheme = "https"
	}
	return fmt.Sprintf("%s://%s/%s/%s", scheme, p.endpoint, p.bucket, key)
}
