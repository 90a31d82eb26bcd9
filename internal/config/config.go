// Package config loads service configuration from the environment.
package config

import (
	"errors"
	"fmt"
	"os"
	"time"

	"github.com/caarlos0/env/v11"
	"github.com/joho/godotenv"
)

// Config holds every tunable of the conversion service. Values are read
// from environment variables; a .env file is honored in development.
type Config struct {
	// HTTP server
	Addr          string `env:"ADDR" envDefault:":8080"`
	PublicBaseURL string `env:"PUBLIC_BASE_URL" envDefault:""`

	// Worker pool
	WorkerPoolSize   int `env:"WORKER_POOL_SIZE" envDefault:"20"`
	JobQueueCapacity int `env:"JOB_QUEUE_CAPACITY" envDefault:"1000"`

	// Per-device conversion quota (sliding window)
	RateLimitMax    int           `env:"RATE_LIMIT_MAX" envDefault:"50"`
	RateLimitWindow time.Duration `env:"RATE_LIMIT_WINDOW" envDefault:"24h"`

	// Process-wide request throttle
	RequestsPerSecond float64 `env:"REQUESTS_PER_SECOND" envDefault:"100"`
	BurstSize         int     `env:"BURST_SIZE" envDefault:"200"`

	// Conversion pipeline
	PipelineTimeout time.Duration `env:"PIPELINE_TIMEOUT" envDefault:"2m"`
	RenderCommand   string        `env:"RENDER_COMMAND" envDefault:"readly-render"`
	EncodePDFCmd    string        `env:"ENCODE_PDF_COMMAND" envDefault:"readly-encode-pdf"`
	EncodeEPUBCmd   string        `env:"ENCODE_EPUB_COMMAND" envDefault:"readly-encode-epub"`

	// Artifacts
	ArtifactDir string        `env:"ARTIFACT_DIR" envDefault:"artifacts"`
	ArtifactTTL time.Duration `env:"ARTIFACT_TTL" envDefault:"24h"`

	// Job listing retention
	JobRetention time.Duration `env:"JOB_RETENTION" envDefault:"168h"`

	// Redis (optional job mirror and feedback persistence)
	Redis RedisConfig `envPrefix:"REDIS_"`

	// Postgres conversion audit log (optional)
	PostgresURL string `env:"POSTGRES_URL" envDefault:""`

	// Admin statistics endpoint password; endpoint disabled when empty.
	AdminPassword string `env:"ADMIN_PASSWORD" envDefault:""`
}

// RedisConfig groups the optional Redis connection settings.
type RedisConfig struct {
	Addr     string `env:"ADDR" envDefault:""`
	Password string `env:"PASSWORD" envDefault:""`
	DB       int    `env:"DB" envDefault:"0"`
}

// Load reads configuration from a .env file (if present) and the process
// environment, then applies guardrails.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil {
		var pathErr *os.PathError
		if !errors.As(err, &pathErr) {
			return Config{}, fmt.Errorf("load .env file: %w", err)
		}
	}

	var cfg Config
	if err := env.Parse(&cfg); err != nil {
		return cfg, fmt.Errorf("parse config: %w", err)
	}
	cfg.Sanitize()
	return cfg, nil
}

// Sanitize clamps configuration values that would break the service.
func (c *Config) Sanitize() {
	if c.WorkerPoolSize < 1 {
		c.WorkerPoolSize = 1
	}
	if c.JobQueueCapacity < 1 {
		c.JobQueueCapacity = 1
	}
	if c.RateLimitMax < 1 {
		c.RateLimitMax = 1
	}
	if c.RateLimitWindow < time.Second {
		c.RateLimitWindow = time.Second
	}
	if c.RequestsPerSecond <= 0 {
		c.RequestsPerSecond = 1
	}
	if c.BurstSize < 1 {
		c.BurstSize = 1
	}
	if c.PipelineTimeout < time.Second {
		c.PipelineTimeout = time.Second
	}
	if c.ArtifactTTL < time.Minute {
		c.ArtifactTTL = time.Minute
	}
	if c.JobRetention < c.ArtifactTTL {
		// Listings must outlive artifacts, not the other way around.
		c.JobRetention = c.ArtifactTTL
	}
	if c.ArtifactDir == "" {
		c.ArtifactDir = "artifacts"
	}
}

// WindowMinutes reports the quota window length in whole minutes for the
// rate-limit block of listing responses.
func (c *Config) WindowMinutes() int {
	return int(c.RateLimitWindow / time.Minute)
}
