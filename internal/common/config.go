// Package common provides shared utilities for BrokerSync
package common

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"time"

	toml "github.com/pelletier/go-toml/v2"
)

// Config holds all configuration for BrokerSync
type Config struct {
	Environment string            `toml:"environment"`
	Server      ServerConfig      `toml:"server"`
	Storage     StorageConfig     `toml:"storage"`
	Clients     ClientsConfig     `toml:"clients"`
	Aggregation AggregationConfig `toml:"aggregation"`
	Stream      StreamConfig      `toml:"stream"`
	Auth        AuthConfig        `toml:"auth"`
	Logging     LoggingConfig     `toml:"logging"`
}

// ServerConfig holds HTTP server configuration
type ServerConfig struct {
	Host string `toml:"host"`
	Port int    `toml:"port"`
}

// StorageConfig holds storage configuration.
type StorageConfig struct {
	Connections AreaConfig `toml:"connections"` // Broker connection records (BadgerHold)
}

// AreaConfig holds path configuration for a storage area.
type AreaConfig struct {
	Path string `toml:"path"`
}

// ClientsConfig holds API client configurations
type ClientsConfig struct {
	Alpaca     BrokerAPIConfig `toml:"alpaca"`
	Tradier    BrokerAPIConfig `toml:"tradier"`
	MarketData BrokerAPIConfig `toml:"marketdata"`
}

// BrokerAPIConfig holds configuration for one upstream API client
type BrokerAPIConfig struct {
	BaseURL   string `toml:"base_url"`
	APIKey    string `toml:"api_key"`
	RateLimit int    `toml:"rate_limit"`
	Timeout   string `toml:"timeout"`
}

// GetTimeout parses and returns the timeout duration
func (c *BrokerAPIConfig) GetTimeout() time.Duration {
	d, err := time.ParseDuration(c.Timeout)
	if err != nil {
		return 30 * time.Second
	}
	return d
}

// AggregationConfig holds refresh-cycle timing and failure thresholds.
// The values are deliberately configuration rather than constants: the defaults
// are inferred for a real-time dashboard, not business-mandated numbers.
type AggregationConfig struct {
	RefreshInterval   string `toml:"refresh_interval"`    // periodic push interval while sessions exist
	SnapshotFreshness string `toml:"snapshot_freshness"`  // max cache age served without a new cycle
	BrokerCallTimeout string `toml:"broker_call_timeout"` // per-broker-call bound, not cycle-wide
	DegradedThreshold int    `toml:"degraded_threshold"`  // consecutive failures before DEGRADED
	DisconnectedAfter int    `toml:"disconnected_after"`  // consecutive failures before DISCONNECTED
}

// GetRefreshInterval parses the periodic refresh interval.
func (c *AggregationConfig) GetRefreshInterval() time.Duration {
	d, err := time.ParseDuration(c.RefreshInterval)
	if err != nil {
		return DefaultRefreshInterval
	}
	return d
}

// GetSnapshotFreshness parses the snapshot freshness window.
func (c *AggregationConfig) GetSnapshotFreshness() time.Duration {
	d, err := time.ParseDuration(c.SnapshotFreshness)
	if err != nil {
		return DefaultSnapshotFreshness
	}
	return d
}

// GetBrokerCallTimeout parses the per-broker-call timeout.
func (c *AggregationConfig) GetBrokerCallTimeout() time.Duration {
	d, err := time.ParseDuration(c.BrokerCallTimeout)
	if err != nil {
		return DefaultBrokerCallTimeout
	}
	return d
}

// StreamConfig holds websocket streaming configuration.
type StreamConfig struct {
	SendBuffer      int `toml:"send_buffer"`       // per-session outbound queue depth
	MaxSendFailures int `toml:"max_send_failures"` // consecutive failed sends before auto-unregister
}

// AuthConfig holds control-plane auth configuration
type AuthConfig struct {
	JWTSecret   string `toml:"jwt_secret"`
	TokenExpiry string `toml:"token_expiry"` // duration string, default "24h"
}

// GetTokenExpiry parses and returns the token expiry duration
func (c *AuthConfig) GetTokenExpiry() time.Duration {
	d, err := time.ParseDuration(c.TokenExpiry)
	if err != nil {
		return 24 * time.Hour
	}
	return d
}

// LoggingConfig holds logging configuration
type LoggingConfig struct {
	Level  string `toml:"level"`
	Format string `toml:"format"`
}

// NewDefaultConfig returns a Config with sensible defaults
func NewDefaultConfig() *Config {
	return &Config{
		Environment: "development",
		Server: ServerConfig{
			Host: "0.0.0.0",
			Port: 8090,
		},
		Storage: StorageConfig{
			Connections: AreaConfig{Path: "data/connections"},
		},
		Clients: ClientsConfig{
			Alpaca: BrokerAPIConfig{
				BaseURL:   "https://api.alpaca.markets",
				RateLimit: 10,
				Timeout:   "30s",
			},
			Tradier: BrokerAPIConfig{
				BaseURL:   "https://api.tradier.com",
				RateLimit: 5,
				Timeout:   "30s",
			},
			MarketData: BrokerAPIConfig{
				BaseURL:   "https://data.alpaca.markets",
				RateLimit: 10,
				Timeout:   "30s",
			},
		},
		Aggregation: AggregationConfig{
			RefreshInterval:   "30s",
			SnapshotFreshness: "5m",
			BrokerCallTimeout: "5s",
			DegradedThreshold: 2,
			DisconnectedAfter: 5,
		},
		Stream: StreamConfig{
			SendBuffer:      64,
			MaxSendFailures: 3,
		},
		Auth: AuthConfig{
			JWTSecret:   "dev-jwt-secret-change-in-production",
			TokenExpiry: "24h",
		},
		Logging: LoggingConfig{
			Level:  "info",
			Format: "console",
		},
	}
}

// LoadConfig loads configuration from files with environment overrides
func LoadConfig(paths ...string) (*Config, error) {
	config := NewDefaultConfig()

	// Load and merge each config file in order (later files override earlier)
	for _, path := range paths {
		if path == "" {
			continue
		}

		if _, err := os.Stat(path); os.IsNotExist(err) {
			continue // Skip missing files
		}

		data, err := os.ReadFile(path)
		if err != nil {
			return nil, fmt.Errorf("failed to read config file %s: %w", path, err)
		}

		if err := toml.Unmarshal(data, config); err != nil {
			return nil, fmt.Errorf("failed to parse config file %s: %w", path, err)
		}
	}

	applyEnvOverrides(config)

	return config, nil
}

// applyEnvOverrides applies environment variable overrides to config
func applyEnvOverrides(config *Config) {
	if env := os.Getenv("BROKERSYNC_ENV"); env != "" {
		config.Environment = env
	}

	if host := os.Getenv("BROKERSYNC_HOST"); host != "" {
		config.Server.Host = host
	}

	if port := os.Getenv("BROKERSYNC_PORT"); port != "" {
		if p, err := strconv.Atoi(port); err == nil {
			config.Server.Port = p
		}
	}

	if level := os.Getenv("BROKERSYNC_LOG_LEVEL"); level != "" {
		config.Logging.Level = level
	}

	if path := os.Getenv("BROKERSYNC_DATA_PATH"); path != "" {
		config.Storage.Connections.Path = filepath.Join(path, "connections")
	}

	if secret := os.Getenv("BROKERSYNC_JWT_SECRET"); secret != "" {
		config.Auth.JWTSecret = secret
	}

	if key := os.Getenv("BROKERSYNC_ALPACA_API_KEY"); key != "" {
		config.Clients.Alpaca.APIKey = key
	}

	if key := os.Getenv("BROKERSYNC_TRADIER_API_KEY"); key != "" {
		config.Clients.Tradier.APIKey = key
	}

	if key := os.Getenv("BROKERSYNC_MARKETDATA_API_KEY"); key != "" {
		config.Clients.MarketData.APIKey = key
	}
}

// IsProduction reports whether the server runs in production mode.
func (c *Config) IsProduction() bool {
	return c.Environment == "production"
}
