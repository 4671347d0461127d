package config

import (
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/joho/godotenv"
	"github.com/spf13/viper"
)

type Config struct {
	Server  ServerConfig  `mapstructure:"server"`
	Paths   PathsConfig   `mapstructure:"paths"`
	Jobs    JobsConfig    `mapstructure:"jobs"`
	Image   ImageConfig   `mapstructure:"image"`
	Model   ModelConfig   `mapstructure:"model"`
	Storage StorageConfig `mapstructure:"storage"`
	Status  StatusConfig  `mapstructure:"status"`
}

type ServerConfig struct {
	Port int    `mapstructure:"port"`
	Mode string `mapstructure:"mode"`
	// PublicURL is the externally reachable base address used in job
	// documents. Empty means "derive from the incoming request".
	PublicURL     string        `mapstructure:"public_url"`
	ShutdownGrace time.Duration `mapstructure:"shutdown_grace"`
	CORS          CORSConfig    `mapstructure:"cors"`
}

type CORSConfig struct {
	AllowedOrigins  []string `mapstructure:"allowed_origins"`
	AllowAllOrigins bool     `mapstructure:"allow_all_origins"`
}

type PathsConfig struct {
	ImagesDir   string `mapstructure:"images_dir"`
	PLYsDir     string `mapstructure:"plys_dir"`
	MetadataDir string `mapstructure:"metadata_dir"`
}

type JobsConfig struct {
	Workers   int `mapstructure:"workers"`
	QueueSize int `mapstructure:"queue_size"`
}

type ImageConfig struct {
	Provider string        `mapstructure:"provider"`
	Model    string        `mapstructure:"model"`
	Size     string        `mapstructure:"size"`
	APIKey   string        `mapstructure:"api_key"`
	BaseURL  string        `mapstructure:"base_url"`
	Timeout  time.Duration `mapstructure:"timeout"`
}

type ModelConfig struct {
	// BaseURL of the Gradio space; empty disables model generation.
	BaseURL   string        `mapstructure:"base_url"`
	APIPrefix string        `mapstructure:"api_prefix"`
	APIName   string        `mapstructure:"api_name"`
	Token     string        `mapstructure:"token"`
	Timeout   time.Duration `mapstructure:"timeout"`
}

type StatusConfig struct {
	// BaseURL of the server that hosts /metadata for remote lookups.
	BaseURL string        `mapstructure:"base_url"`
	Timeout time.Duration `mapstructure:"timeout"`
}

// Load reads configuration from .env, an optional YAML file and the
// environment, in increasing order of precedence.
func Load(configPath string) (*Config, error) {
	_ = godotenv.Load()

	v := viper.New()

	if configPath != "" {
		v.SetConfigFile(configPath)
	} else {
		v.SetConfigName("config")
		v.SetConfigType("yaml")
		v.AddConfigPath("./configs")
		v.AddConfigPath(".")
	}

	v.AutomaticEnv()
	v.SetEnvKeyReplacer(strings.NewReplacer(".", "_"))

	setDefaults(v)

	if err := v.ReadInConfig(); err != nil {
		var notFound viper.ConfigFileNotFoundError
		if !errors.As(err, &notFound) {
			return nil, fmt.Errorf("failed to read config file: %w", err)
		}
	}

	bindEnv(v)

	var cfg Config
	if err := v.Unmarshal(&cfg); err != nil {
		return nil, fmt.Errorf("failed to unmarshal config: %w", err)
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

func setDefaults(v *viper.Viper) {
	v.SetDefault("server.port", 5000)
	v.SetDefault("server.mode", "debug")
	v.SetDefault("server.public_url", "")
	v.SetDefault("server.shutdown_grace", 30*time.Second)
	v.SetDefault("server.cors.allow_all_origins", true)
	v.SetDefault("server.cors.allowed_origins", []string{})

	v.SetDefault("paths.images_dir", "images")
	v.SetDefault("paths.plys_dir", "plys")
	v.SetDefault("paths.metadata_dir", "metadata")

	v.SetDefault("jobs.workers", 4)
	v.SetDefault("jobs.queue_size", 64)

	v.SetDefault("image.provider", "openai")
	v.SetDefault("image.model", "gpt-image-1")
	v.SetDefault("image.size", "1024x1024")
	v.SetDefault("image.base_url", "https://api.openai.com/v1")
	v.SetDefault("image.timeout", 120*time.Second)

	v.SetDefault("model.base_url", "https://paulengstler-invisible-stitch.hf.space")
	v.SetDefault("model.api_prefix", "/gradio_api")
	v.SetDefault("model.api_name", "/predict")
	v.SetDefault("model.timeout", 10*time.Minute)

	v.SetDefault("status.base_url", "http://localhost:5000")
	v.SetDefault("status.timeout", 30*time.Second)

	setStorageDefaults(v)
}

// bindEnv maps the conventional environment names onto config keys.
func bindEnv(v *viper.Viper) {
	v.BindEnv("server.port", "PORT")
	v.BindEnv("server.public_url", "PUBLIC_URL")
	v.BindEnv("image.api_key", "OPENAI_API_KEY")
	v.BindEnv("image.base_url", "OPENAI_BASE_URL")
	v.BindEnv("model.token", "HF_TOKEN")
	v.BindEnv("model.base_url", "MODEL_BASE_URL")
	v.BindEnv("status.base_url", "LUCIDIA_SERVER_URL")

	bindStorageEnv(v)
}

// Validate checks values that would make the server misbehave rather than
// merely disable an optional provider.
func (c *Config) Validate() error {
	if c.Jobs.Workers <= 0 {
		return fmt.Errorf("config: jobs.workers must be positive")
	}
	if c.Jobs.QueueSize < 0 {
		return fmt.Errorf("config: jobs.queue_size must not be negative")
	}
	for name, dir := range map[string]string{
		"paths.images_dir":   c.Paths.ImagesDir,
		"paths.plys_dir":     c.Paths.PLYsDir,
		"paths.metadata_dir": c.Paths.MetadataDir,
	} {
		if strings.TrimSpace(dir) == "" {
			return fmt.Errorf("config: %s is required", name)
		}
	}
	return c.Storage.Validate()
}
