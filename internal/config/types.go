package config

import (
	"fmt"
	"strings"
	"time"

	"gopkg.in/yaml.v3"
)

// Duration wraps time.Duration to support string based YAML decoding.
type Duration struct {
	time.Duration
}

// UnmarshalYAML parses duration values expressed as Go-style strings or numbers interpreted as seconds.
func (d *Duration) UnmarshalYAML(value *yaml.Node) error {
	switch value.Kind {
	case yaml.ScalarNode:
		raw := strings.TrimSpace(value.Value)
		if raw == "" {
			d.Duration = 0
			return nil
		}
		parsed, err := time.ParseDuration(raw)
		if err == nil {
			d.Duration = parsed
			return nil
		}
		secs, convErr := time.ParseDuration(fmt.Sprintf("%ss", raw))
		if convErr == nil {
			d.Duration = secs
			return nil
		}
		return fmt.Errorf("invalid duration value %q: %w", raw, err)
	default:
		return fmt.Errorf("unsupported duration node kind: %v", value.Kind)
	}
}

// MarshalYAML renders the duration as a string to keep config edits human-friendly.
func (d Duration) MarshalYAML() (interface{}, error) {
	return d.Duration.String(), nil
}

// Config holds application level configuration aggregated from file and environment variables.
type Config struct {
	Server         ServerConfig         `yaml:"server"`
	Logging        LoggingConfig        `yaml:"logging"`
	Database       DatabaseConfig       `yaml:"database"`
	Wallet         WalletConfig         `yaml:"wallet"`
	PriceOracle    PriceOracleConfig    `yaml:"price_oracle"`
	Catalog        CatalogConfig        `yaml:"catalog"`
	Upstream       UpstreamConfig       `yaml:"upstream"`
	Refund         RefundConfig         `yaml:"refund"`
	Announce       AnnounceConfig       `yaml:"announce"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
	Auth           AuthConfig           `yaml:"auth"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // protects /metrics when set
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error
	Format      string `yaml:"format"`      // json, console
	Environment string `yaml:"environment"` // production, staging, development
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`
	MaxIdleConns    int      `yaml:"max_idle_conns"`
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"`
}

// DatabaseConfig holds the credit store's backing storage configuration (§4.4).
type DatabaseConfig struct {
	Backend      string             `yaml:"backend"` // "memory" or "postgres"
	PostgresURL  string             `yaml:"postgres_url"`
	PostgresPool PostgresPoolConfig `yaml:"postgres_pool"`
	TableName    string             `yaml:"table_name"`
}

// WalletConfig configures the external ecash wallet primitive (§6).
type WalletConfig struct {
	BaseURL string   `yaml:"base_url"`
	APIKey  string   `yaml:"api_key"`
	Timeout Duration `yaml:"timeout"`
	Mints   []string `yaml:"mints"`
}

// PriceOracleConfig configures the redundant fiat/sat price oracle (§4.2).
type PriceOracleConfig struct {
	Sources       []string `yaml:"sources"`
	RefreshPeriod Duration `yaml:"refresh_period"`
	Timeout       Duration `yaml:"timeout"`
	StaleAfter    Duration `yaml:"stale_after"`
}

// CatalogConfig configures the model/provider descriptor cache (§3).
type CatalogConfig struct {
	SeedFile        string   `yaml:"seed_file"`
	RefreshInterval Duration `yaml:"refresh_interval"`
}

// UpstreamConfig configures the default (non-catalog-overridden) upstream provider (§4.6).
type UpstreamConfig struct {
	BaseURL               string  `yaml:"base_url"`
	APIKey                string  `yaml:"api_key"`
	ProviderFeeMultiplier float64 `yaml:"provider_fee_multiplier"`
}

// RefundConfig configures the refund path (§4.5) and its idempotency cache.
type RefundConfig struct {
	IdempotencyTTL    Duration `yaml:"idempotency_ttl"`
	ProcessingFeeMsat int64    `yaml:"processing_fee_msat"`
	WalletRetries     int      `yaml:"wallet_retries"`
}

// AnnounceConfig configures the periodic announcement publisher (§4.9).
type AnnounceConfig struct {
	Enabled    bool     `yaml:"enabled"`
	Relays     []string `yaml:"relays"`
	PrivateKey string   `yaml:"private_key"`
	ProviderID string   `yaml:"provider_id"`
	Name       string   `yaml:"name"`
	Version    string   `yaml:"version"`
	PublicURL  string   `yaml:"public_url"`
	Interval   Duration `yaml:"interval"`
}

// RateLimitConfig holds rate limiting configuration.
type RateLimitConfig struct {
	GlobalEnabled bool     `yaml:"global_enabled"`
	GlobalLimit   int      `yaml:"global_limit"`
	GlobalWindow  Duration `yaml:"global_window"`

	PerCredentialEnabled bool     `yaml:"per_credential_enabled"`
	PerCredentialLimit   int      `yaml:"per_credential_limit"`
	PerCredentialWindow  Duration `yaml:"per_credential_window"`

	PerIPEnabled bool     `yaml:"per_ip_enabled"`
	PerIPLimit   int      `yaml:"per_ip_limit"`
	PerIPWindow  Duration `yaml:"per_ip_window"`
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`
	Wallet   BreakerServiceConfig `yaml:"wallet"`
	Exchange BreakerServiceConfig `yaml:"exchange"`
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`
	Interval            Duration `yaml:"interval"`
	Timeout             Duration `yaml:"timeout"`
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"`
	FailureRatio        float64  `yaml:"failure_ratio"`
	MinRequests         uint32   `yaml:"min_requests"`
}

// AuthConfig configures the authenticator (§4.1).
type AuthConfig struct {
	APIKeyPrefix string `yaml:"api_key_prefix"`
}
