package config

import (
	"fmt"
	"strings"
	"time"

	"github.com/spf13/viper"
)

// Storage provider names accepted in storage.order.
const (
	ProviderBlobAPI = "vercel-blob-api"
	ProviderCDN     = "vercel-blob"
	ProviderS3      = "s3"
	ProviderMinIO   = "minio"
	ProviderLocal   = "local"
)

// StorageConfig lists the upload providers and the order they are tried in.
type StorageConfig struct {
	Order         []string      `mapstructure:"order"`
	UploadTimeout time.Duration `mapstructure:"upload_timeout"`

	BlobAPI BlobAPIConfig `mapstructure:"blob_api"`
	CDN     CDNConfig     `mapstructure:"cdn"`
	S3      S3Config      `mapstructure:"s3"`
	MinIO   MinIOConfig   `mapstructure:"minio"`
	Local   LocalConfig   `mapstructure:"local"`
}

// BlobAPIConfig configures the two-phase upload through the control-plane API.
type BlobAPIConfig struct {
	APIURL  string `mapstructure:"api_url"`
	Token   string `mapstructure:"token"`
	StoreID string `mapstructure:"store_id"`
	// PublicBaseURL overrides the public host derived from StoreID.
	PublicBaseURL string `mapstructure:"public_base_url"`
}

// Enabled reports whether the credentials needed for the API are present.
func (c BlobAPIConfig) Enabled() bool {
	return c.Token != "" && c.StoreID != "" && c.APIURL != ""
}

// CDNConfig configures direct PUT uploads to the blob CDN.
type CDNConfig struct {
	BaseURL string `mapstructure:"base_url"`
	StoreID string `mapstructure:"store_id"`
	Token   string `mapstructure:"token"` // optional
}

func (c CDNConfig) Enabled() bool {
	return c.BaseURL != "" && c.StoreID != ""
}

// S3Config configures AWS S3 uploads. Credentials fall back to the default
// AWS chain when AccessKey is empty.
type S3Config struct {
	Bucket    string `mapstructure:"bucket"`
	Region    string `mapstructure:"region"`
	Prefix    string `mapstructure:"prefix"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	Endpoint  string `mapstructure:"endpoint"`   // S3-compatible endpoint, optional
	PublicURL string `mapstructure:"public_url"` // CDN in front of the bucket, optional
}

func (c S3Config) Enabled() bool {
	return c.Bucket != ""
}

// MinIOConfig configures uploads to a self-hosted MinIO server.
type MinIOConfig struct {
	Endpoint  string `mapstructure:"endpoint"`
	AccessKey string `mapstructure:"access_key"`
	SecretKey string `mapstructure:"secret_key"`
	UseSSL    bool   `mapstructure:"use_ssl"`
	Bucket    string `mapstructure:"bucket"`
	Prefix    string `mapstructure:"prefix"`
}

func (c MinIOConfig) Enabled() bool {
	return c.Endpoint != "" && c.Bucket != "" && c.AccessKey != ""
}

// LocalConfig configures the filesystem fallback.
type LocalConfig struct {
	Dir string `mapstructure:"dir"`
}

func (c LocalConfig) Enabled() bool {
	return strings.TrimSpace(c.Dir) != ""
}

// Validate checks that storage.order only names known providers, once each.
// Missing credentials are not an error: such providers are skipped at startup.
func (c *StorageConfig) Validate() error {
	seen := make(map[string]bool, len(c.Order))
	for _, name := range c.Order {
		switch name {
		case ProviderBlobAPI, ProviderCDN, ProviderS3, ProviderMinIO, ProviderLocal:
		default:
			return fmt.Errorf("config: storage.order: unknown provider %q", name)
		}
		if seen[name] {
			return fmt.Errorf("config: storage.order: provider %q listed twice", name)
		}
		seen[name] = true
	}
	if c.UploadTimeout <= 0 {
		return fmt.Errorf("config: storage.upload_timeout must be positive")
	}
	return nil
}

// ProviderEnabled reports whether the named provider has enough settings to run.
func (c *StorageConfig) ProviderEnabled(name string) bool {
	switch name {
	case ProviderBlobAPI:
		return c.BlobAPI.Enabled()
	case ProviderCDN:
		return c.CDN.Enabled()
	case ProviderS3:
		return c.S3.Enabled()
	case ProviderMinIO:
		return c.MinIO.Enabled()
	case ProviderLocal:
		return c.Local.Enabled()
	default:
		return false
	}
}

func setStorageDefaults(v *viper.Viper) {
	v.SetDefault("storage.order", []string{ProviderBlobAPI, ProviderCDN, ProviderS3, ProviderMinIO, ProviderLocal})
	v.SetDefault("storage.upload_timeout", 60*time.Second)
	v.SetDefault("storage.blob_api.api_url", "https://api.vercel.com/v2/blob/upload-url")
	v.SetDefault("storage.s3.region", "us-east-1")
	v.SetDefault("storage.minio.use_ssl", false)
	v.SetDefault("storage.local.dir", "storage")
}

func bindStorageEnv(v *viper.Viper) {
	v.BindEnv("storage.blob_api.token", "BLOB_READ_WRITE_TOKEN")
	v.BindEnv("storage.blob_api.store_id", "BLOB_STORE_ID")
	v.BindEnv("storage.cdn.store_id", "BLOB_STORE_ID")
	v.BindEnv("storage.cdn.base_url", "BLOB_BASE_URL")
	v.BindEnv("storage.s3.bucket", "S3_BUCKET")
	v.BindEnv("storage.s3.region", "AWS_REGION")
	v.BindEnv("storage.s3.prefix", "S3_PREFIX")
	v.BindEnv("storage.s3.access_key", "AWS_ACCESS_KEY_ID")
	v.BindEnv("storage.s3.secret_key", "AWS_SECRET_ACCESS_KEY")
	v.BindEnv("storage.minio.endpoint", "MINIO_ENDPOINT")
	v.BindEnv("storage.minio.access_key", "MINIO_ACCESS_KEY")
	v.BindEnv("storage.minio.secret_key", "MINIO_SECRET_KEY")
	v.BindEnv("storage.minio.bucket", "MINIO_BUCKET")
	v.BindEnv("storage.minio.use_ssl", "MINIO_USE_SSL")
	v.BindEnv("storage.local.dir", "LOCAL_STORAGE_DIR")
}
