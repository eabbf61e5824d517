// Package config loads and validates server configuration from the
// environment. All knobs are plain environment variables; a .env file is
// honored in development (loaded by main before Load runs).
package config

import (
	"context"
	"errors"
	"fmt"
	"time"

	"github.com/sethvargo/go-envconfig"
)

// Config is the umbrella configuration object populated from the
// environment and used throughout the application.
type Config struct {
	// Required connection strings and credentials.
	DatabaseURL string `env:"DATABASE_URL,required"`
	QueueURL    string `env:"QUEUE_URL,required"`
	APIKey      string `env:"API_KEY,required"`

	// HTTP server.
	Port int `env:"PORT,default=3000"`

	// Object store (S3-compatible). When Bucket is empty the blob store is
	// not constructed and transcript upload/parsing is disabled.
	ObjectStoreBucket   string `env:"OBJECT_STORE_BUCKET"`
	ObjectStoreEndpoint string `env:"OBJECT_STORE_ENDPOINT"`
	ObjectStoreRegion   string `env:"OBJECT_STORE_REGION,default=us-east-1"`

	// Summarization.
	SummaryEnabled   bool          `env:"SUMMARY_ENABLED"`
	SummaryModel     string        `env:"SUMMARY_MODEL,default=claude-haiku-4-5"`
	SummaryMaxTokens int           `env:"SUMMARY_MAX_TOKENS,default=512"`
	SummaryTimeout   time.Duration `env:"SUMMARY_TIMEOUT,default=60s"`
	AnthropicAPIKey  string        `env:"ANTHROPIC_API_KEY"`

	// Transcript pipeline.
	PipelinePoolSize   int           `env:"PIPELINE_POOL_SIZE,default=6"`
	PipelinePendingMax int           `env:"PIPELINE_PENDING_MAX,default=50"`
	BlobTimeout        time.Duration `env:"BLOB_TIMEOUT,default=2m"`

	// Stream queue consumer.
	ConsumerMaxRetries  int `env:"PIPELINE_CONSUMER_MAX_RETRIES,default=3"`
	ConsumerClaimIdleMs int `env:"CONSUMER_CLAIM_IDLE_MS,default=60000"`
	ConsumerBlockMs     int `env:"CONSUMER_BLOCK_MS,default=5000"`

	// Database pool.
	DBMaxOpenConns int `env:"DB_MAX_OPEN_CONNS,default=25"`
	DBMaxIdleConns int `env:"DB_MAX_IDLE_CONNS,default=5"`

	// Graceful shutdown hard cap, applied per component.
	ShutdownTimeout time.Duration `env:"SHUTDOWN_TIMEOUT,default=10s"`
}

// Load populates a Config from the process environment.
func Load(ctx context.Context) (*Config, error) {
	var cfg Config
	if err := envconfig.Process(ctx, &cfg); err != nil {
		return nil, fmt.Errorf("failed to process environment: %w", err)
	}
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &cfg, nil
}

// Validate checks value ranges and cross-field requirements. All problems
// are reported together; any error is fatal at boot.
func (c *Config) Validate() error {
	var errs []error

	if c.Port < 1 || c.Port > 65535 {
		errs = append(errs, fmt.Errorf("PORT must be in [1, 65535], got %d", c.Port))
	}
	if c.PipelinePoolSize < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_POOL_SIZE must be at least 1, got %d", c.PipelinePoolSize))
	}
	if c.PipelinePendingMax < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_PENDING_MAX must be at least 1, got %d", c.PipelinePendingMax))
	}
	if c.ConsumerMaxRetries < 1 {
		errs = append(errs, fmt.Errorf("PIPELINE_CONSUMER_MAX_RETRIES must be at least 1, got %d", c.ConsumerMaxRetries))
	}
	if c.ConsumerClaimIdleMs < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_CLAIM_IDLE_MS must be positive, got %d", c.ConsumerClaimIdleMs))
	}
	if c.ConsumerBlockMs < 1 {
		errs = append(errs, fmt.Errorf("CONSUMER_BLOCK_MS must be positive, got %d", c.ConsumerBlockMs))
	}
	if c.DBMaxOpenConns < 1 {
		errs = append(errs, fmt.Errorf("DB_MAX_OPEN_CONNS must be at least 1, got %d", c.DBMaxOpenConns))
	}
	if c.SummaryEnabled && c.SummaryModel == "" {
		errs = append(errs, errors.New("SUMMARY_MODEL is required when SUMMARY_ENABLED is set"))
	}

	return errors.Join(errs...)
}

// ClaimIdle returns the consumer reclaim idle threshold as a duration.
func (c *Config) ClaimIdle() time.Duration {
	return time.Duration(c.ConsumerClaimIdleMs) * time.Millisecond
}

// ReadBlock returns the consumer blocking-read window as a duration.
func (c *Config) ReadBlock() time.Duration {
	return time.Duration(c.ConsumerBlockMs) * time.Millisecond
}

// Addr returns the HTTP listen address.
func (c *Config) Addr() string {
	return fmt.Sprintf(":%d", c.Port)
}
