package config

import (
	"fmt"
	"os"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

type Config struct {
	Polyflow  PolyflowConfig  `yaml:"polyflow"`
	Venue     VenueConfig     `yaml:"venue"`
	RateLimit RateLimitConfig `yaml:"rate_limit"`
	Stream    StreamConfig    `yaml:"stream"`
	Dashboard DashboardConfig `yaml:"dashboard"`
	Logging   LoggingConfig   `yaml:"logging"`
	Report    ReportConfig    `yaml:"report"`
}

type PolyflowConfig struct {
	Name    string `yaml:"name"`
	Version string `yaml:"version"`
}

// VenueConfig holds the Polymarket endpoints and wallet-scoped API
// credentials. Credentials are normally injected through the environment and
// never written to the yaml file.
type VenueConfig struct {
	ClobAPIURL  string `yaml:"clob_api_url"`
	GammaAPIURL string `yaml:"gamma_api_url"`
	DataAPIURL  string `yaml:"data_api_url"`
	TradingWS   string `yaml:"trading_ws_url"`
	DataWS      string `yaml:"data_ws_url"`

	APIKey     string `yaml:"api_key"`
	APISecret  string `yaml:"api_secret"`
	Passphrase string `yaml:"api_passphrase"`
}

// HasAPICredentials reports whether the trading channel can authenticate.
func (v VenueConfig) HasAPICredentials() bool {
	return v.APIKey != "" && v.APISecret != "" && v.Passphrase != ""
}

// CategoryLimit configures one endpoint category's token bucket.
type CategoryLimit struct {
	MaxTokens  float64       `yaml:"max_tokens"`
	RefillRate float64       `yaml:"refill_rate"`
	Window     time.Duration `yaml:"window"`
}

type RateLimitConfig struct {
	// Categories maps endpoint category names to bucket limits. Names must
	// match the categories in internal/ratelimit.
	Categories map[string]CategoryLimit `yaml:"categories"`

	BackoffBase time.Duration `yaml:"backoff_base"`
	BackoffMax  time.Duration `yaml:"backoff_max"`
}

type StreamConfig struct {
	FrameBuffer      int           `yaml:"frame_buffer"`
	ReceivePoll      time.Duration `yaml:"receive_poll"`
	AuthTimeout      time.Duration `yaml:"auth_timeout"`
	HandshakeTimeout time.Duration `yaml:"handshake_timeout"`
	WriteTimeout     time.Duration `yaml:"write_timeout"`
	PingInterval     time.Duration `yaml:"ping_interval"`
	StopTimeout      time.Duration `yaml:"stop_timeout"`

	ReconnectInitialDelay time.Duration `yaml:"reconnect_initial_delay"`
	ReconnectMaxDelay     time.Duration `yaml:"reconnect_max_delay"`

	// Outbound frame pacing, applied to subscribe/unsubscribe sends so a
	// resubscribe burst after reconnect stays inside the venue's message quota.
	SendRatePerSecond float64 `yaml:"send_rate_per_second"`
	SendBurst         int     `yaml:"send_burst"`

	// Markets to subscribe to at startup, delivered through the logging sink.
	WatchMarkets []string `yaml:"watch_markets"`
}

type DashboardConfig struct {
	Enabled    bool          `yaml:"enabled"`
	Address    string        `yaml:"address"`
	LogHistory int           `yaml:"log_history"`
	Refresh    time.Duration `yaml:"refresh_interval"`
}

type LoggingConfig struct {
	Level      string `yaml:"level"`
	Format     string `yaml:"format"`
	Output     string `yaml:"output"`
	MaxAge     int    `yaml:"max_age"`
	CloudWatch struct {
		Enabled   bool   `yaml:"enabled"`
		Region    string `yaml:"region"`
		Namespace string `yaml:"namespace"`
	} `yaml:"cloudwatch"`
}

type ReportConfig struct {
	Interval time.Duration `yaml:"interval"`
}

// DefaultCategoryLimits returns the venue's published quota classes. Values
// are requests per 10 second window except trading_sustained which is a 10
// minute window.
func DefaultCategoryLimits() map[string]CategoryLimit {
	return map[string]CategoryLimit{
		"clob_general":      {MaxTokens: 5000, RefillRate: 500, Window: 10 * time.Second},
		"market_data":       {MaxTokens: 200, RefillRate: 20, Window: 10 * time.Second},
		"batch_ops":         {MaxTokens: 80, RefillRate: 8, Window: 10 * time.Second},
		"trading_burst":     {MaxTokens: 2400, RefillRate: 240, Window: 10 * time.Second},
		"trading_sustained": {MaxTokens: 24000, RefillRate: 40, Window: 10 * time.Minute},
		"gamma_api":         {MaxTokens: 750, RefillRate: 75, Window: 10 * time.Second},
		"data_api":          {MaxTokens: 200, RefillRate: 20, Window: 10 * time.Second},
	}
}

func LoadConfig(path string) (*Config, error) {
	// Read configuration file
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("failed to read config file: %w", err)
	}

	config := Config{
		RateLimit: RateLimitConfig{
			BackoffBase: time.Second,
			BackoffMax:  60 * time.Second,
		},
		Stream: StreamConfig{
			FrameBuffer:           1000,
			ReceivePoll:           time.Second,
			AuthTimeout:           5 * time.Second,
			HandshakeTimeout:      30 * time.Second,
			WriteTimeout:          10 * time.Second,
			PingInterval:          20 * time.Second,
			StopTimeout:           5 * time.Second,
			ReconnectInitialDelay: time.Second,
			ReconnectMaxDelay:     60 * time.Second,
			SendRatePerSecond:     10,
			SendBurst:             20,
		},
	}
	if err := yaml.Unmarshal(data, &config); err != nil {
		return nil, fmt.Errorf("failed to parse config file: %w", err)
	}

	if len(config.RateLimit.Categories) == 0 {
		config.RateLimit.Categories = DefaultCategoryLimits()
	}

	// Credentials come from the environment when present so the yaml file can
	// be committed without secrets.
	if v := os.Getenv("POLYMARKET_API_KEY"); v != "" {
		config.Venue.APIKey = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYMARKET_API_SECRET"); v != "" {
		config.Venue.APISecret = strings.TrimSpace(v)
	}
	if v := os.Getenv("POLYMARKET_PASSPHRASE"); v != "" {
		config.Venue.Passphrase = strings.TrimSpace(v)
	}

	if err := validateConfig(&config); err != nil {
		return nil, fmt.Errorf("configuration validation failed: %w", err)
	}

	return &config, nil
}

func validateConfig(cfg *Config) error {
	if cfg.Polyflow.Name == "" {
		return fmt.Errorf("polyflow.name is required")
	}

	if cfg.Polyflow.Version == "" {
		return fmt.Errorf("polyflow.version is required")
	}

	if cfg.Venue.TradingWS == "" {
		return fmt.Errorf("venue.trading_ws_url is required")
	}
	if cfg.Venue.DataWS == "" {
		return fmt.Errorf("venue.data_ws_url is required")
	}

	for name, limit := range cfg.RateLimit.Categories {
		if limit.MaxTokens <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.max_tokens must be greater than 0", name)
		}
		if limit.RefillRate <= 0 {
			return fmt.Errorf("rate_limit.categories.%s.refill_rate must be greater than 0", name)
		}
	}

	if cfg.RateLimit.BackoffBase <= 0 {
		return fmt.Errorf("rate_limit.backoff_base must be greater than 0")
	}
	if cfg.RateLimit.BackoffMax < cfg.RateLimit.BackoffBase {
		return fmt.Errorf("rate_limit.backoff_max must not be below rate_limit.backoff_base")
	}

	if cfg.Stream.FrameBuffer <= 0 {
		return fmt.Errorf("stream.frame_buffer must be greater than 0")
	}
	if cfg.Stream.ReceivePoll <= 0 {
		return fmt.Errorf("stream.receive_poll must be greater than 0")
	}
	if cfg.Stream.ReconnectInitialDelay <= 0 || cfg.Stream.ReconnectMaxDelay < cfg.Stream.ReconnectInitialDelay {
		return fmt.Errorf("stream reconnect delays are invalid")
	}
	if cfg.Stream.SendRatePerSecond <= 0 || cfg.Stream.SendBurst <= 0 {
		return fmt.Errorf("stream send pacing must be greater than 0")
	}

	return nil
}
