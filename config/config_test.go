package config

import (
	"os"
	"path/filepath"
	"testing"
	"time"
)

const minimalConfig = `
polyflow:
  name: polyflow
  version: 0.1.0
venue:
  trading_ws_url: wss://ws-subscriptions-clob.polymarket.com/ws/
  data_ws_url: wss://ws-live-data.polymarket.com
`

func writeConfig(t *testing.T, body string) string {
	t.Helper()
	path := filepath.Join(t.TempDir(), "config.yaml")
	if err := os.WriteFile(path, []byte(body), 0o644); err != nil {
		t.Fatalf("write config: %v", err)
	}
	return path
}

func TestLoadConfigDefaults(t *testing.T) {
	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}

	if len(cfg.RateLimit.Categories) != 7 {
		t.Fatalf("expected 7 default categories, got %d", len(cfg.RateLimit.Categories))
	}
	md, ok := cfg.RateLimit.Categories["market_data"]
	if !ok {
		t.Fatalf("market_data category missing")
	}
	if md.MaxTokens != 200 || md.RefillRate != 20 {
		t.Errorf("unexpected market_data limits: %+v", md)
	}
	if cfg.RateLimit.BackoffBase != time.Second || cfg.RateLimit.BackoffMax != 60*time.Second {
		t.Errorf("unexpected backoff defaults: %+v", cfg.RateLimit)
	}
	if cfg.Stream.FrameBuffer != 1000 {
		t.Errorf("expected frame_buffer default 1000, got %d", cfg.Stream.FrameBuffer)
	}
}

func TestLoadConfigCredentialsFromEnv(t *testing.T) {
	t.Setenv("POLYMARKET_API_KEY", "key")
	t.Setenv("POLYMARKET_API_SECRET", "secret")
	t.Setenv("POLYMARKET_PASSPHRASE", "phrase")

	cfg, err := LoadConfig(writeConfig(t, minimalConfig))
	if err != nil {
		t.Fatalf("LoadConfig: %v", err)
	}
	if !cfg.Venue.HasAPICredentials() {
		t.Fatalf("expected credentials from environment")
	}
}

func TestLoadConfigValidation(t *testing.T) {
	cases := []struct {
		name string
		body string
	}{
		{"missing name", `
polyflow:
  version: 0.1.0
venue:
  trading_ws_url: wss://a
  data_ws_url: wss://b
`},
		{"missing ws url", `
polyflow:
  name: polyflow
  version: 0.1.0
venue:
  trading_ws_url: wss://a
`},
		{"bad category", `
polyflow:
  name: polyflow
  version: 0.1.0
venue:
  trading_ws_url: wss://a
  data_ws_url: wss://b
rate_limit:
  categories:
    market_data:
      max_tokens: 0
      refill_rate: 20
`},
	}

	for _, tc := range cases {
		if _, err := LoadConfig(writeConfig(t, tc.body)); err == nil {
			t.Errorf("%s: expected validation error", tc.name)
		}
	}
}

func TestResolvePath(t *testing.T) {
	t.Setenv("APP_ENV", "prod")
	envPaths := map[string]string{
		EnvironmentProduction: "config.production.yaml",
	}
	if got := ResolvePath("", "config.yaml", envPaths); got != "config.production.yaml" {
		t.Errorf("expected production config, got %s", got)
	}
	if got := ResolvePath("custom.yaml", "config.yaml", envPaths); got != "custom.yaml" {
		t.Errorf("explicit path should win, got %s", got)
	}
}
