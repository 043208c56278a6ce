package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults not covered by defaultConfig (env/file overrides
// can blank fields that defaultConfig populated) and validates the result.
func (c *Config) finalize() error {
	if c.Logging.Level == "" {
		c.Logging.Level = "info"
	}
	if c.Logging.Format == "" {
		c.Logging.Format = "json"
	}
	if c.Logging.Environment == "" {
		c.Logging.Environment = "production"
	}
	if c.Server.Address == "" {
		c.Server.Address = ":8080"
	}
	if c.Database.Backend == "" {
		c.Database.Backend = "memory"
	}
	if c.Database.TableName == "" {
		c.Database.TableName = "credential"
	}
	if c.Database.PostgresPool.MaxOpenConns <= 0 {
		c.Database.PostgresPool.MaxOpenConns = 25
	}
	if c.Database.PostgresPool.MaxIdleConns <= 0 {
		c.Database.PostgresPool.MaxIdleConns = 5
	}
	if c.Database.PostgresPool.ConnMaxLifetime.Duration <= 0 {
		c.Database.PostgresPool.ConnMaxLifetime = Duration{Duration: 5 * time.Minute}
	}
	if c.Wallet.Timeout.Duration <= 0 {
		c.Wallet.Timeout = Duration{Duration: 30 * time.Second}
	}
	if c.PriceOracle.RefreshPeriod.Duration <= 0 {
		c.PriceOracle.RefreshPeriod = Duration{Duration: 60 * time.Second}
	}
	if c.PriceOracle.Timeout.Duration <= 0 {
		c.PriceOracle.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.PriceOracle.StaleAfter.Duration <= 0 {
		c.PriceOracle.StaleAfter = Duration{Duration: 10 * time.Minute}
	}
	if c.Upstream.ProviderFeeMultiplier <= 0 {
		c.Upstream.ProviderFeeMultiplier = 1.01
	}
	if c.Refund.IdempotencyTTL.Duration <= 0 {
		c.Refund.IdempotencyTTL = Duration{Duration: 5 * time.Minute}
	}
	if c.Refund.WalletRetries <= 0 {
		c.Refund.WalletRetries = 3
	}
	if c.Announce.Interval.Duration <= 0 {
		c.Announce.Interval = Duration{Duration: 24 * time.Hour}
	}
	if c.Auth.APIKeyPrefix == "" {
		c.Auth.APIKeyPrefix = "sk-"
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	switch c.Database.Backend {
	case "memory", "postgres":
	default:
		errs = append(errs, fmt.Sprintf("database.backend %q must be 'memory' or 'postgres'", c.Database.Backend))
	}
	if c.Database.Backend == "postgres" && c.Database.PostgresURL == "" {
		errs = append(errs, "database.postgres_url is required when database.backend is 'postgres'")
	}

	if c.Wallet.BaseURL == "" {
		errs = append(errs, "wallet.base_url is required")
	}

	if c.Upstream.BaseURL == "" {
		errs = append(errs, "upstream.base_url is required")
	}

	if c.Announce.Enabled {
		if c.Announce.PrivateKey == "" {
			errs = append(errs, "announce.private_key is required when announce.enabled is true")
		}
		if len(c.Announce.Relays) == 0 {
			errs = append(errs, "announce.relays must list at least one relay when announce.enabled is true")
		}
		if c.Announce.ProviderID == "" {
			errs = append(errs, "announce.provider_id is required when announce.enabled is true")
		}
	}

	if len(errs) > 0 {
		return errors.New(strings.Join(errs, "; "))
	}
	return nil
}

// ApplyPostgresPoolSettings applies connection pool settings to a database connection.
// If pool config is not specified, applies sensible defaults.
func ApplyPostgresPoolSettings(db *sql.DB, pool PostgresPoolConfig) {
	maxOpen := pool.MaxOpenConns
	if maxOpen <= 0 {
		maxOpen = 25
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5
	}
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
