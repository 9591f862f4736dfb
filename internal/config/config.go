package config

import (
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/kelseyhightower/envconfig"
)

// Config struct for environment variables.
type Config struct {
	BaseDir      string `envconfig:"BASE_DIR" required:"true"`
	ManifestPath string `envconfig:"MANIFEST_PATH"`

	// SnapshotImportPath, when set, loads a previously exported snapshot
	// into the store before any downloads run.
	SnapshotImportPath string `envconfig:"IMPORT_SNAPSHOT"`

	MaxParallel       int           `envconfig:"MAX_PARALLEL" default:"4"`
	MaxRetries        int           `envconfig:"MAX_RETRIES" default:"4"`
	InitialRetryDelay time.Duration `envconfig:"INITIAL_RETRY_DELAY" default:"2s"`

	// RetryForbidden controls whether a 403 on a presigned URL is treated as
	// transient (the scraper may need to regenerate the URL) or terminal.
	RetryForbidden bool `envconfig:"RETRY_FORBIDDEN" default:"false"`

	Pool struct {
		MaxConns        int           `split_words:"true" default:"30"`
		MaxConnsPerHost int           `split_words:"true" default:"10"`
		DNSCacheTTL     time.Duration `envconfig:"POOL_DNS_CACHE_TTL" default:"5m"`
	}

	LogLevel   string `envconfig:"LOG_LEVEL" default:"INFO"`
	WebhookURL string `envconfig:"WEBHOOK_URL"`

	Telemetry struct {
		Enabled        bool   `split_words:"true" default:"true"`
		ServiceName    string `split_words:"true" default:"coursegrab"`
		ServiceVersion string `split_words:"true" default:"dev"`
	}

	Web struct {
		BindAddress     string        `split_words:"true" default:"0.0.0.0:9095"`
		ReadTimeout     time.Duration `split_words:"true" default:"30s"`
		WriteTimeout    time.Duration `split_words:"true" default:"30s"`
		IdleTimeout     time.Duration `split_words:"true" default:"5s"`
		ShutdownTimeout time.Duration `split_words:"true" default:"30s"`
	}
}

// LoadConfig reads environment variables and populates the Config struct.
func LoadConfig() (*Config, error) {
	var cfg Config
	if err := envconfig.Process("", &cfg); err != nil {
		return nil, fmt.Errorf("error processing env: %w", err)
	}

	if cfg.MaxParallel < 1 {
		return nil, fmt.Errorf("MAX_PARALLEL must be positive, got %d", cfg.MaxParallel)
	}

	// backoff treats a zero try budget as unlimited, which is never what a
	// misconfigured retry count means here.
	if cfg.MaxRetries < 1 {
		return nil, fmt.Errorf("MAX_RETRIES must be positive, got %d", cfg.MaxRetries)
	}

	return &cfg, nil
}

func (c *Config) SlogLevel() slog.Level {
	switch strings.ToUpper(c.LogLevel) {
	case "DEBUG":
		return slog.LevelDebug
	case "INFO":
		return slog.LevelInfo
	case "WARN":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}
