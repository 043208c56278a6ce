package config

import (
	"fmt"
	"io"
	"os"
	"time"

	"gopkg.in/yaml.v3"
)

// Load reads configuration from a YAML file and applies environment overrides.
func Load(path string) (*Config, error) {
	cfg := defaultConfig()

	if path != "" {
		if err := cfg.parseFile(path); err != nil {
			return nil, err
		}
	}

	cfg.applyEnvOverrides()

	if err := cfg.finalize(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// defaultConfig returns a Config with sensible defaults.
func defaultConfig() *Config {
	return &Config{
		Server: ServerConfig{
			Address:      ":8080",
			ReadTimeout:  Duration{Duration: 15 * time.Second},
			WriteTimeout: Duration{Duration: 0}, // streaming completions have no write deadline, §5
			IdleTimeout:  Duration{Duration: 120 * time.Second},
		},
		Logging: LoggingConfig{
			Level:       "info",
			Format:      "json",
			Environment: "production",
		},
		Database: DatabaseConfig{
			Backend:   "memory",
			TableName: "credential",
			PostgresPool: PostgresPoolConfig{
				MaxOpenConns:    25,
				MaxIdleConns:    5,
				ConnMaxLifetime: Duration{Duration: 5 * time.Minute},
			},
		},
		Wallet: WalletConfig{
			Timeout: Duration{Duration: 30 * time.Second},
		},
		PriceOracle: PriceOracleConfig{
			Sources:       []string{},
			RefreshPeriod: Duration{Duration: 60 * time.Second},
			Timeout:       Duration{Duration: 10 * time.Second},
			StaleAfter:    Duration{Duration: 10 * time.Minute},
		},
		Catalog: CatalogConfig{
			RefreshInterval: Duration{Duration: 0},
		},
		Upstream: UpstreamConfig{
			ProviderFeeMultiplier: 1.01,
		},
		Refund: RefundConfig{
			IdempotencyTTL:    Duration{Duration: 5 * time.Minute},
			ProcessingFeeMsat: 2000,
			WalletRetries:     3,
		},
		Announce: AnnounceConfig{
			Interval: Duration{Duration: 24 * time.Hour},
		},
		RateLimit: RateLimitConfig{
			GlobalEnabled:        true,
			GlobalLimit:          2000,
			GlobalWindow:         Duration{Duration: 1 * time.Minute},
			PerCredentialEnabled: true,
			PerCredentialLimit:   120,
			PerCredentialWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:         true,
			PerIPLimit:           240,
			PerIPWindow:          Duration{Duration: 1 * time.Minute},
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			Wallet: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Exchange: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 15 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         6,
			},
		},
		Auth: AuthConfig{
			APIKeyPrefix: "sk-",
		},
	}
}

// parseFile reads and unmarshals a YAML configuration file.
func (c *Config) parseFile(path string) error {
	f, err := os.Open(path)
	if err != nil {
		return fmt.Errorf("open config file: %w", err)
	}
	defer f.Close()

	data, err := io.ReadAll(f)
	if err != nil {
		return fmt.Errorf("read config file: %w", err)
	}

	if err := yaml.Unmarshal(data, c); err != nil {
		return fmt.Errorf("parse config yaml: %w", err)
	}
	return nil
}
