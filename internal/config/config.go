// Package config provides configuration management for ThreatLens.
package config

import (
	"fmt"
	"os"
	"time"

	"gopkg.in/yaml.v3"

	"github.com/lvonguyen/threatlens/internal/api/gateway"
	"github.com/lvonguyen/threatlens/internal/detect/scoring"
	"github.com/lvonguyen/threatlens/internal/enrichment"
	"github.com/lvonguyen/threatlens/internal/observability"
)

// Config holds all ThreatLens configuration.
type Config struct {
	Server        ServerConfig            `yaml:"server"`
	Redis         RedisConfig             `yaml:"redis"`
	Detection     DetectionConfig         `yaml:"detection"`
	Models        ModelsConfig            `yaml:"models"`
	Enrichment    EnrichmentConfig        `yaml:"enrichment"`
	RateLimit     gateway.RateLimitConfig `yaml:"rate_limit"`
	Observability observability.Config    `yaml:"observability"`
}

// ServerConfig holds HTTP server settings. AuthTokenEnv names the env var
// holding the API token; the token itself never appears in config files.
type ServerConfig struct {
	Port            int           `yaml:"port"`
	ReadTimeout     time.Duration `yaml:"read_timeout"`
	WriteTimeout    time.Duration `yaml:"write_timeout"`
	ShutdownTimeout time.Duration `yaml:"shutdown_timeout"`
	MaxUploadBytes  int64         `yaml:"max_upload_bytes"`
	AuthTokenEnv    string        `yaml:"auth_token_env"`
}

// RedisConfig holds Redis connection settings. Redis backs the rate limiter
// and the shared enrichment cache tier; both degrade when it is absent.
type RedisConfig struct {
	Enabled     bool          `yaml:"enabled"`
	Addr        string        `yaml:"addr"`
	PasswordEnv string        `yaml:"password_env"`
	DB          int           `yaml:"db"`
	PoolSize    int           `yaml:"pool_size"`
	CacheTTL    time.Duration `yaml:"cache_ttl"`
}

// DetectionConfig holds detection pipeline settings.
type DetectionConfig struct {
	// DefaultModel is used when a request names no model.
	DefaultModel string `yaml:"default_model"`
	// TrainingWidth is the feature width the startup models are fitted for,
	// matching the HTTP feature vector.
	TrainingWidth int `yaml:"training_width"`
}

// ModelsConfig holds model persistence settings.
type ModelsConfig struct {
	StorePath string `yaml:"store_path"`
	// SaveAfterRetrain persists models whenever a retrain succeeds.
	SaveAfterRetrain bool `yaml:"save_after_retrain"`
}

// EnrichmentConfig holds LLM enrichment settings.
type EnrichmentConfig struct {
	Enabled   bool                    `yaml:"enabled"`
	Client    enrichment.ClientConfig `yaml:"client"`
	CacheSize int                     `yaml:"cache_size"`
	CacheTTL  time.Duration           `yaml:"cache_ttl"`
}

// Load reads configuration from a YAML file, applied over defaults.
func Load(path string) (*Config, error) {
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	cfg := DefaultConfig()
	if err := yaml.Unmarshal(data, cfg); err != nil {
		return nil, fmt.Errorf("failed to parse config: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// DefaultConfig returns sensible defaults.
func DefaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Port:            8080,
			ReadTimeout:     30 * time.Second,
			WriteTimeout:    60 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			MaxUploadBytes:  50 * 1024 * 1024,
			AuthTokenEnv:    "THREATLENS_API_TOKEN",
		},
		Redis: RedisConfig{
			Enabled:  false,
			Addr:     "localhost:6379",
			DB:       0,
			PoolSize: 10,
			CacheTTL: 1 * time.Hour,
		},
		Detection: DetectionConfig{
			DefaultModel:  scoring.ModelIsolationForest,
			TrainingWidth: 11,
		},
		Models: ModelsConfig{
			StorePath:        "data/models",
			SaveAfterRetrain: true,
		},
		Enrichment: EnrichmentConfig{
			Enabled:   false,
			Client:    enrichment.DefaultClientConfig(),
			CacheSize: 512,
			CacheTTL:  1 * time.Hour,
		},
		Observability: observability.Config{
			ServiceName:    "threatlens",
			ServiceVersion: "dev",
			Environment:    "development",
			LogLevel:       "info",
			LogFormat:      "json",
			TracingEnabled: false,
			SamplingRate:   0.1,
			MetricsEnabled: true,
		},
	}
}

// Validate rejects configurations the server cannot start with.
func (c *Config) Validate() error {
	if c.Server.Port <= 0 || c.Server.Port > 65535 {
		return fmt.Errorf("invalid server port %d", c.Server.Port)
	}
	if c.Server.MaxUploadBytes <= 0 {
		return fmt.Errorf("max_upload_bytes must be positive")
	}
	switch c.Detection.DefaultModel {
	case scoring.ModelIsolationForest, scoring.ModelAutoencoder:
	default:
		return fmt.Errorf("unknown default model %q", c.Detection.DefaultModel)
	}
	if c.Detection.TrainingWidth <= 0 {
		return fmt.Errorf("training_width must be positive")
	}
	if c.Enrichment.Enabled && c.Enrichment.Client.BaseURL == "" {
		return fmt.Errorf("enrichment enabled but client base_url is empty")
	}
	return nil
}
