package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the renderd server.
type Config struct {
	Server   ServerConfig
	Database DatabaseConfig
	Redis    RedisConfig
	Compute  ComputeConfig
	Dispatch DispatchConfig
	Webhook  WebhookConfig
}

type ServerConfig struct {
	Port int
	Env  string
}

type DatabaseConfig struct {
	URL             string
	MaxOpenConns    int
	MaxIdleConns    int
	ConnMaxLifetime time.Duration
}

type RedisConfig struct {
	URL string
}

// ComputeConfig configures the GPU compute backend the orchestrator submits
// render jobs to. CallbackToken authenticates the backend's lifecycle
// callbacks on /api/v1/callbacks/compute.
type ComputeConfig struct {
	BaseURL       string
	Token         string
	Timeout       time.Duration
	CallbackToken string
}

// DispatchConfig bounds the queued->processing submission retry loop.
// Exhausting MaxRetries fails the generation with a full refund.
type DispatchConfig struct {
	MaxRetries      int
	InitialInterval time.Duration
	RequeueAfter    time.Duration
}

// WebhookConfig bounds lifecycle webhook delivery.
type WebhookConfig struct {
	MaxAttempts    int
	Timeout        time.Duration
	PollInterval   time.Duration
	InitialBackoff time.Duration
}

// Load reads configuration from environment variables and returns a validated Config.
// Returns an error with a descriptive message if any required value is missing or invalid.
func Load() (*Config, error) {
	cfg := &Config{
		Server: ServerConfig{
			Port: envInt("RENDERD_PORT", 8080),
			Env:  envString("RENDERD_ENV", "development"),
		},
		Database: DatabaseConfig{
			URL:             os.Getenv("DATABASE_URL"),
			MaxOpenConns:    envInt("DATABASE_MAX_OPEN_CONNS", 25),
			MaxIdleConns:    envInt("DATABASE_MAX_IDLE_CONNS", 5),
			ConnMaxLifetime: envDuration("DATABASE_CONN_MAX_LIFETIME", 5*time.Minute),
		},
		Redis: RedisConfig{
			URL: os.Getenv("REDIS_URL"),
		},
		Compute: ComputeConfig{
			BaseURL:       os.Getenv("COMPUTE_BASE_URL"),
			Token:         os.Getenv("COMPUTE_TOKEN"),
			Timeout:       envDuration("COMPUTE_TIMEOUT", 30*time.Second),
			CallbackToken: os.Getenv("COMPUTE_CALLBACK_TOKEN"),
		},
		Dispatch: DispatchConfig{
			MaxRetries:      envInt("DISPATCH_MAX_RETRIES", 5),
			InitialInterval: envDuration("DISPATCH_INITIAL_INTERVAL", 2*time.Second),
			RequeueAfter:    envDuration("DISPATCH_REQUEUE_AFTER", time.Minute),
		},
		Webhook: WebhookConfig{
			MaxAttempts:    envInt("WEBHOOK_MAX_ATTEMPTS", 8),
			Timeout:        envDuration("WEBHOOK_TIMEOUT", 10*time.Second),
			PollInterval:   envDuration("WEBHOOK_POLL_INTERVAL", 2*time.Second),
			InitialBackoff: envDuration("WEBHOOK_INITIAL_BACKOFF", 5*time.Second),
		},
	}

	if err := cfg.validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

func (c *Config) validate() error {
	if c.Database.URL == "" {
		return fmt.Errorf("DATABASE_URL is required")
	}

	if c.Redis.URL == "" {
		return fmt.Errorf("REDIS_URL is required")
	}

	if c.Compute.BaseURL == "" {
		return fmt.Errorf("COMPUTE_BASE_URL is required")
	}
	if !strings.HasPrefix(c.Compute.BaseURL, "http://") && !strings.HasPrefix(c.Compute.BaseURL, "https://") {
		return fmt.Errorf("COMPUTE_BASE_URL must start with http:// or https://, got %q", c.Compute.BaseURL)
	}

	if c.Compute.CallbackToken == "" {
		return fmt.Errorf("COMPUTE_CALLBACK_TOKEN is required")
	}

	if c.Dispatch.MaxRetries < 1 {
		return fmt.Errorf("DISPATCH_MAX_RETRIES must be at least 1, got %d", c.Dispatch.MaxRetries)
	}

	if c.Webhook.MaxAttempts < 1 {
		return fmt.Errorf("WEBHOOK_MAX_ATTEMPTS must be at least 1, got %d", c.Webhook.MaxAttempts)
	}

	return nil
}

func envString(key, defaultVal string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return defaultVal
}

func envInt(key string, defaultVal int) int {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	i, err := strconv.Atoi(v)
	if err != nil {
		return defaultVal
	}
	return i
}

func envDuration(key string, defaultVal time.Duration) time.Duration {
	v := os.Getenv(key)
	if v == "" {
		return defaultVal
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return defaultVal
	}
	return d
}
