package config

import (
	"errors"
	"time"

	"github.com/caarlos0/env/v6"
)

// API modes selecting the data source behind the sync engine. The mode only
// swaps the fetcher and the mutation round-trip; scoping and reconciliation
// are identical in both.
const (
	APIModeMock = "mock"
	APIModeLive = "live"
)

// Config holds configuration for the client-side sync engine.
type Config struct {
	APIMode string `env:"API_MODE" envDefault:"mock"`

	HubBaseURL string `env:"HUB_BASE_URL" envDefault:"http://localhost:3000/api/v1"`
	HubWSURL   string `env:"HUB_WS_URL" envDefault:"ws://localhost:3000/ws/v1/listen"`

	CacheTTL    time.Duration `env:"CACHE_TTL" envDefault:"30s"`
	BackoffBase time.Duration `env:"RECONNECT_BACKOFF_BASE" envDefault:"500ms"`
	BackoffCap  time.Duration `env:"RECONNECT_BACKOFF_CAP" envDefault:"30s"`
	DedupWindow int           `env:"EVENT_DEDUP_WINDOW" envDefault:"200"`
}

// LoadConfig loads configuration from environment variables and applies
// defaults.
func LoadConfig() (*Config, error) {
	cfg := &Config{}
	if err := env.Parse(cfg); err != nil {
		return nil, errors.New("failed to load sync configuration from environment: " + err.Error())
	}

	if cfg.APIMode != APIModeMock && cfg.APIMode != APIModeLive {
		return nil, errors.New("API_MODE must be \"mock\" or \"live\"")
	}
	if cfg.CacheTTL <= 0 {
		cfg.CacheTTL = 30 * time.Second
	}
	if cfg.BackoffBase <= 0 {
		cfg.BackoffBase = 500 * time.Millisecond
	}
	if cfg.BackoffCap < cfg.BackoffBase {
		cfg.BackoffCap = 30 * time.Second
	}
	if cfg.DedupWindow <= 0 {
		cfg.DedupWindow = 200
	}

	return cfg, nil
}

// DefaultConfig returns a Config with default values.
func DefaultConfig() *Config {
	return &Config{
		APIMode:     APIModeMock,
		HubBaseURL:  "http://localhost:3000/api/v1",
		HubWSURL:    "ws://localhost:3000/ws/v1/listen",
		CacheTTL:    30 * time.Second,
		BackoffBase: 500 * time.Millisecond,
		BackoffCap:  30 * time.Second,
		DedupWindow: 200,
	}
}
