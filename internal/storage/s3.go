package storage

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"strings"
	"time"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	"github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/credentials"
	"github.com/aws/aws-sdk-go-v2/service/s3"
)

// StorageType defines the flavour of S3-compatible endpoint
type StorageType string

const (
	StorageTypeR2           StorageType = "r2"
	StorageTypeS3           StorageType = "s3"
	StorageTypeS3Compatible StorageType = "s3compatible"
)

// S3Config holds configuration for S3Provider
type S3Config struct {
	Bucket    string
	Region    string
	Prefix    string
	AccessKey string // empty uses the default AWS credential chain
	SecretKey string
	Endpoint  string // empty means AWS itself
	PublicURL string // public URL prefix for a CDN in front of the bucket
}

// S3Provider uploads to AWS S3 or an S3-compatible endpoint
type S3Provider struct {
	client    *s3.Client
	bucket    string
	region    string
	prefix    string
	endpoint  string
	publicURL string
	now       func() time.Time
}

// NewS3Provider creates a new S3 provider.
// Parameters:
//   - ctx: context used while loading AWS configuration.
//   - cfg: bucket, region and optional credentials/endpoint.
//
// Returns:
//   - *S3Provider: initialized provider.
//   - error: non-nil if AWS configuration cannot be loaded.
func NewS3Provider(ctx context.Context, cfg S3Config) (*S3Provider, error) {
	if cfg.Bucket == "" {
		return nil, fmt.Errorf("s3: bucket is required")
	}

	storeType := StorageTypeS3
	endpoint := ""
	if cfg.Endpoint != "" {
		storeType = detectStorageType(cfg.Endpoint)
		endpoint = endpointURL(cfg.Endpoint, normalizeEndpoint(cfg.Endpoint))
	}

	region := cfg.Region
	if region == "" {
		if storeType == StorageTypeR2 {
			region = "auto"
		} else {
			region = "us-east-1"
		}
	}

	opts := []func(*config.LoadOptions) error{config.WithRegion(region)}
	if cfg.AccessKey != "" {
		opts = append(opts, config.WithCredentialsProvider(
			credentials.NewStaticCredentialsProvider(cfg.AccessKey, cfg.SecretKey, ""),
		))
	}
	awsCfg, err := config.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to load AWS config: %w", err)
	}

	client := s3.NewFromConfig(awsCfg, func(o *s3.Options) {
		if endpoint != "" {
			o.BaseEndpoint = aws.String(endpoint)
			o.UsePathStyle = true
		}
	})

	return &S3Provider{
		client:    client,
		bucket:    cfg.Bucket,
		region:    region,
		prefix:    cfg.Prefix,
		endpoint:  endpoint,
		publicURL: strings.TrimSuffix(cfg.PublicURL, "/"),
		now:       time.Now,
	}, nil
}

// detectStorageType attempts to detect the storage type from the endpoint
func detectStorageType(endpoint string) StorageType {
	endpoint = strings.ToLower(endpoint)

	switch {
	case strings.Contains(endpoint, "r2.cloudflarestorage.com"):
		return StorageTypeR2
	case strings.Contains(endpoint, "amazonaws.com"):
		return StorageTypeS3
	default:
		return StorageTypeS3Compatible
	}
}

// normalizeEndpoint removes protocol prefix and path from endpoint
func normalizeEndpoint(endpoint string) string {
	endpoint = strings.TrimPrefix(endpoint, "https://")
	endpoint = strings.TrimPrefix(endpoint, "http://")

	if idx := strings.Index(endpoint, "/"); idx != -1 {
		endpoint = endpoint[:idx]
	}
	return strings.TrimSuffix(endpoint, "/")
}

// endpointURL keeps an explicit http:// scheme and defaults to https.
func endpointURL(raw, host string) string {
	if strings.HasPrefix(raw, "http://") {
		return "http://" + host
	}
	return "https://" + host
}

func (p *S3Provider) Name() string { return "s3" }

// Upload puts the file under prefix + unique name.
func (p *S3Provider) Upload(ctx context.Context, filePath, contentType string) (*Result, error) {
	data, contentType, err := readSource(p.Name(), filePath, contentType)
	if err != nil {
		return nil, err
	}

	name := UniqueName(filepath.Base(filePath), p.now())
	key := joinKey(p.prefix, name)

	_, err = p.client.PutObject(ctx, &s3.PutObjectInput{
		Bucket:        aws.String(p.bucket),
		Key:           aws.String(key),
		Body:          bytes.NewReader(data),
		ContentLength: aws.Int64(int64(len(data))),
		ContentType:   aws.String(contentType),
	})
	if err != nil {
		ue := uploadErr(p.Name(), err, "put object %s: %v", key, err)
		var respErr *awshttp.ResponseError
		if errors.As(err, &respErr) {
			ue.StatusCode = respErr.HTTPStatusCode()
		}
		return nil, ue
	}

	return &Result{
		URL:         p.objectURL(key),
		Provider:    p.Name(),
		Size:        int64(len(data)),
		ContentType: contentType,
		Path:        filePath,
		Filename:    name,
		Bucket:      p.bucket,
		Key:         key,
	}, nil
}

// objectURL returns the public URL for key
func (p *S3Provider) objectURL(key string) string {
	switch {
	case p.publicURL != "":
		return fmt.Sprintf("%s/%s", p.publicURL, key)
	case p.endpoint != "":
		return fmt.Sprintf("%s/%s/%s", p.endpoint, p.bucket, key)
	default:
		return fmt.Sprintf("https://%s.s3.%s.amazonaws.com/%s", p.bucket, p.region, key)
	}
}
