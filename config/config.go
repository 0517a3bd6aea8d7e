package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Priceflow PriceflowConfig `yaml:"priceflow"`
	Logging   LoggingConfig   `yaml:"logging"`
	Metrics   MetricsConfig   `yaml:"metrics"`
	Channels  ChannelsConfig  `yaml:"channels"`
	Collector CollectorConfig `yaml:"collector"`
	Source    SourceConfig    `yaml:"source"`
	Storage   StorageConfig   `yaml:"storage"`
	Dashboard DashboardConfig `yaml:"dashboard"`
}

// DashboardConfig configures the read-only status API.
type DashboardConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Address         string        `yaml:"address"`
	RefreshInterval time.Duration `yaml:"refresh_interval"`
	HistorySize     int           `yaml:"history_size"`
}

type PriceflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

type LoggingConfig struct {
	Level  string `yaml:"level"`
	Format string `yaml:"format"`
	Output string `yaml:"output"`
	MaxAge int    `yaml:"max_age"`
}

type MetricsConfig struct {
	CloudWatch CloudWatchConfig `yaml:"cloudwatch"`
	ReportEach time.Duration    `yaml:"report_interval"`
}

type CloudWatchConfig struct {
	Enabled   bool   `yaml:"enabled"`
	Region    string `yaml:"region"`
	Namespace string `yaml:"namespace"`
	Dashboard string `yaml:"dashboard"`
}

type ChannelsConfig struct {
	UpdateBuffer int `yaml:"update_buffer"`
}

// CollectorConfig describes the symbol universe and the split between the
// streaming and polling tiers.
type CollectorConfig struct {
	QuoteCurrency       string        `yaml:"quote_currency"`
	StreamingCapacity   int           `yaml:"streaming_capacity"`
	PrioritySymbols     []string      `yaml:"priority_symbols"`
	UniverseCap         int           `yaml:"universe_cap"`
	ExcludeSymbols      []string      `yaml:"exclude_symbols"`
	HTTPUpdateInterval  time.Duration `yaml:"http_update_interval"`
	StalenessThreshold  time.Duration `yaml:"staleness_threshold"`
	RepartitionInterval time.Duration `yaml:"repartition_interval"`
}

type SourceConfig struct {
	WebsocketURL     string               `yaml:"websocket_url"`
	RESTURL          string               `yaml:"rest_url"`
	APIKey           string               `yaml:"api_key"`
	APISecret        string               `yaml:"api_secret"`
	Timeout          time.Duration        `yaml:"timeout"`
	HeartbeatTimeout time.Duration        `yaml:"heartbeat_timeout"`
	PairsCacheTTL    time.Duration        `yaml:"pairs_cache_ttl"`
	ConnectionPool   ConnectionPoolConfig `yaml:"connection_pool"`
	RateLimit        RateLimitConfig      `yaml:"rate_limit"`
	Retry            RetryConfig          `yaml:"retry"`
	Batch            BatchConfig          `yaml:"batch"`
	Reconnect        ReconnectConfig      `yaml:"reconnect"`
}

type ConnectionPoolConfig struct {
	MaxIdleConns    int           `yaml:"max_idle_conns"`
	MaxConnsPerHost int           `yaml:"max_conns_per_host"`
	IdleConnTimeout time.Duration `yaml:"idle_conn_timeout"`
}

// RateLimitConfig expresses one request budget per call class. Public covers
// market data, private covers the authenticated account endpoints.
type RateLimitConfig struct {
	PublicPerSecond  float64 `yaml:"public_per_second"`
	PrivatePerSecond float64 `yaml:"private_per_second"`
	Burst            int     `yaml:"burst"`
}

type RetryConfig struct {
	MaxAttempts int           `yaml:"max_attempts"`
	BaseDelay   time.Duration `yaml:"base_delay"`
	MaxDelay    time.Duration `yaml:"max_delay"`
}

type BatchConfig struct {
	Size  int           `yaml:"size"`
	Pause time.Duration `yaml:"pause"`
}

type ReconnectConfig struct {
	MaxRetries int           `yaml:"max_retries"`
	BaseDelay  time.Duration `yaml:"base_delay"`
	MaxDelay   time.Duration `yaml:"max_delay"`
}

type StorageConfig struct {
	SQLite  SQLiteConfig  `yaml:"sqlite"`
	Archive ArchiveConfig `yaml:"archive"`
}

type SQLiteConfig struct {
	Path string `yaml:"path"`
}

type ArchiveConfig struct {
	Enabled         bool          `yaml:"enabled"`
	Bucket          string        `yaml:"bucket"`
	Region          string        `yaml:"region"`
	Prefix          string        `yaml:"prefix"`
	AccessKeyID     string        `yaml:"access_key_id"`
	SecretAccessKey string        `yaml:"secret_access_key"`
	FlushInterval   time.Duration `yaml:"flush_interval"`
	BatchSize       int           `yaml:"batch_size"`
}

// LoadConfig reads, parses and validates the yaml configuration. Credentials
// are overridden from the environment when present so that secrets never have
// to live in the file.
func LoadConfig(path string) (*Config, error) {
	path = resolveEnvSpecificPath(path, "config/config.yml", map[string]string{
		environmentProduction: "config/config.production.yml",
		environmentStaging:    "config/config.staging.yml",
	})

	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		Collector: CollectorConfig{
			QuoteCurrency:       "USD",
			StreamingCapacity:   40,
			HTTPUpdateInterval:  30 * time.Second,
			StalenessThreshold:  2 * time.Minute,
			RepartitionInterval: 6 * time.Hour,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if v := os.Getenv("EXCHANGE_API_KEY"); v != "" {
		config.Source.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("EXCHANGE_API_SECRET"); v != "" {
		config.Source.APISecret = strings.TrimSpace(v)
	}
	if config.Storage.Archive.Enabled {
		if v := os.Getenv("AWS_ACCESS_KEY_ID"); v != "" {
			config.Storage.Archive.AccessKeyID = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_SECRET_ACCESS_KEY"); v != "" {
			config.Storage.Archive.SecretAccessKey = strings.TrimSpace(v)
		}
		if v := os.Getenv("AWS_REGION"); v != "" {
			config.Storage.Archive.Region = strings.TrimSpace(v)
		}
	}

	applyDefaults(&config)

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func applyDefaults(cfg *Config) {
	if cfg.Channels.UpdateBuffer <= 0 {
		cfg.Channels.UpdateBuffer = 2048
	}
	if cfg.Source.Timeout <= 0 {
		cfg.Source.Timeout = 10 * time.Second
	}
	if cfg.Source.HeartbeatTimeout <= 0 {
		cfg.Source.HeartbeatTimeout = 15 * time.Second
	}
	if cfg.Source.PairsCacheTTL <= 0 {
		cfg.Source.PairsCacheTTL = time.Hour
	}
	if cfg.Source.RateLimit.PublicPerSecond <= 0 {
		cfg.Source.RateLimit.PublicPerSecond = 1
	}
	if cfg.Source.RateLimit.PrivatePerSecond <= 0 {
		cfg.Source.RateLimit.PrivatePerSecond = 0.5
	}
	if cfg.Source.RateLimit.Burst <= 0 {
		cfg.Source.RateLimit.Burst = 1
	}
	if cfg.Source.Retry.MaxAttempts <= 0 {
		cfg.Source.Retry.MaxAttempts = 3
	}
	if cfg.Source.Retry.BaseDelay <= 0 {
		cfg.Source.Retry.BaseDelay = 500 * time.Millisecond
	}
	if cfg.Source.Retry.MaxDelay <= 0 {
		cfg.Source.Retry.MaxDelay = 30 * time.Second
	}
	if cfg.Source.Batch.Size <= 0 {
		cfg.Source.Batch.Size = 20
	}
	if cfg.Source.Batch.Pause <= 0 {
		cfg.Source.Batch.Pause = 250 * time.Millisecond
	}
	if cfg.Source.Reconnect.MaxRetries <= 0 {
		cfg.Source.Reconnect.MaxRetries = 10
	}
	if cfg.Source.Reconnect.BaseDelay <= 0 {
		cfg.Source.Reconnect.BaseDelay = time.Second
	}
	if cfg.Source.Reconnect.MaxDelay <= 0 {
		cfg.Source.Reconnect.MaxDelay = time.Minute
	}
	if cfg.Storage.Archive.FlushInterval <= 0 {
		cfg.Storage.Archive.FlushInterval = time.Minute
	}
	if cfg.Storage.Archive.BatchSize <= 0 {
		cfg.Storage.Archive.BatchSize = 500
	}
	if cfg.Metrics.ReportEach <= 0 {
		cfg.Metrics.ReportEach = 30 * time.Second
	}
	if cfg.Dashboard.Address == "" {
		cfg.Dashboard.Address = "0.0.0.0:8077"
	}
	if cfg.Dashboard.RefreshInterval <= 0 {
		cfg.Dashboard.RefreshInterval = 5 * time.Second
	}
	if cfg.Dashboard.HistorySize <= 0 {
		cfg.Dashboard.HistorySize = 200
	}
}

func validateConfig(cfg *Config) error {
	if cfg.Priceflow.Name == "" {
		return fmt.Errorf("priceflow.name is required")
	}
	if cfg.Priceflow.Version == "" {
		return fmt.Errorf("priceflow.version is required")
	}
	if cfg.Source.WebsocketURL == "" {
		return fmt.Errorf("source.websocket_url is required")
	}
	if cfg.Source.RESTURL == "" {
		return fmt.Errorf("source.rest_url is required")
	}
	if cfg.Collector.StreamingCapacity < 0 {
		return fmt.Errorf("collector.streaming_capacity must not be negative")
	}
	if cfg.Collector.HTTPUpdateInterval <= 0 {
		return fmt.Errorf("collector.http_update_interval must be greater than 0")
	}
	if cfg.Collector.StalenessThreshold <= 0 {
		return fmt.Errorf("collector.staleness_threshold must be greater than 0")
	}
	if cfg.Storage.SQLite.Path == "" {
		return fmt.Errorf("storage.sqlite.path is required")
	}
	if cfg.Storage.Archive.Enabled {
		if cfg.Storage.Archive.Bucket == "" {
			return fmt.Errorf("storage.archive.bucket is required when the archive is enabled")
		}
		if cfg.Storage.Archive.Region == "" {
			return fmt.Errorf("storage.archive.region is required when the archive is enabled")
		}
	}
	return nil
}
