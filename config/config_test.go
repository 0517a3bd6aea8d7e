package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	dir := t.TempDir()
	path := filepath.Join(dir, "config.yml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatal(err)
	}
	return path
}

const minimalYAML = `
priceflow:
  name: priceflow
  version: 1.0.0
collector:
  streaming_capacity: 5
  http_update_interval: 10s
  staleness_threshold: 60s
source:
  websocket_url: wss://ws.example.com
  rest_url: https://api.example.com
storage:
  sqlite:
    path: /tmp/ticks.db
`

func TestLoadConfigDefaults(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeConfig(t, minimalYAML)

	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if cfg.Collector.StreamingCapacity != 5 {
		t.Errorf("streaming_capacity=%d want 5", cfg.Collector.StreamingCapacity)
	}
	if cfg.Source.Batch.Size != 20 {
		t.Errorf("batch size default=%d want 20", cfg.Source.Batch.Size)
	}
	if cfg.Source.Reconnect.MaxRetries != 10 {
		t.Errorf("reconnect retries default=%d want 10", cfg.Source.Reconnect.MaxRetries)
	}
	if cfg.Source.PairsCacheTTL != time.Hour {
		t.Errorf("pairs cache ttl default=%v want 1h", cfg.Source.PairsCacheTTL)
	}
	if cfg.Collector.QuoteCurrency != "USD" {
		t.Errorf("quote currency default=%q want USD", cfg.Collector.QuoteCurrency)
	}
}

func TestLoadConfigMissingRequired(t *testing.T) {
	t.Setenv("APP_ENV", "")
	path := writeConfig(t, `
priceflow:
  name: priceflow
  version: 1.0.0
source:
  rest_url: https://api.example.com
storage:
  sqlite:
    path: /tmp/ticks.db
`)
	if _, err := LoadConfig(path); err == nil {
		t.Fatal("expected error for missing websocket_url")
	}
}

func TestLoadConfigEnvOverrides(t *testing.T) {
	t.Setenv("APP_ENV", "")
	t.Setenv("EXCHANGE_API_KEY", "key-from-env")
	t.Setenv("EXCHANGE_API_SECRET", "secret-from-env")

	path := writeConfig(t, minimalYAML)
	cfg, err := LoadConfig(path)
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if cfg.Source.APIKey != "key-from-env" {
		t.Errorf("api key=%q want env override", cfg.Source.APIKey)
	}
	if cfg.Source.APISecret != "secret-from-env" {
		t.Errorf("api secret=%q want env override", cfg.Source.APISecret)
	}
}

func TestLoadConfigFileMissing(t *testing.T) {
	t.Setenv("APP_ENV", "")
	if _, err := LoadConfig("/nonexistent/config.yml"); err == nil {
		t.Fatal("expected error for missing file")
	}
}

func TestAppEnvironmentAliases(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	if env := AppEnvironment(); env != EnvironmentProduction {
		t.Errorf("AppEnvironment()=%q want production", env)
	}
	if !IsProductionLike(EnvironmentStaging) {
		t.Error("staging should be production-like")
	}
	if IsProductionLike(EnvironmentDevelopment) {
		t.Error("development should not be production-like")
	}
}
