package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// All env vars use ROUTSTR_ prefix for namespace isolation.
func (c *Config) applyEnvOverrides() {
	setIfEnv(&c.Server.Address, "ROUTSTR_SERVER_ADDRESS")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "ROUTSTR_ADMIN_METRICS_API_KEY")

	setIfEnv(&c.Logging.Level, "ROUTSTR_LOG_LEVEL")
	setIfEnv(&c.Logging.Format, "ROUTSTR_LOG_FORMAT")
	setIfEnv(&c.Logging.Environment, "ROUTSTR_ENVIRONMENT")

	setIfEnv(&c.Database.Backend, "ROUTSTR_DATABASE_BACKEND")
	setIfEnv(&c.Database.PostgresURL, "ROUTSTR_DATABASE_URL")
	setIfEnv(&c.Database.TableName, "ROUTSTR_DATABASE_TABLE_NAME")

	setIfEnv(&c.Wallet.BaseURL, "ROUTSTR_WALLET_BASE_URL")
	setIfEnv(&c.Wallet.APIKey, "ROUTSTR_WALLET_API_KEY")
	setDurationIfEnv(&c.Wallet.Timeout, "ROUTSTR_WALLET_TIMEOUT")
	if v := os.Getenv("ROUTSTR_WALLET_MINTS"); v != "" {
		c.Wallet.Mints = splitCSV(v)
	}

	if v := os.Getenv("ROUTSTR_PRICE_ORACLE_SOURCES"); v != "" {
		c.PriceOracle.Sources = splitCSV(v)
	}
	setDurationIfEnv(&c.PriceOracle.RefreshPeriod, "ROUTSTR_PRICE_ORACLE_REFRESH_PERIOD")
	setDurationIfEnv(&c.PriceOracle.Timeout, "ROUTSTR_PRICE_ORACLE_TIMEOUT")
	setDurationIfEnv(&c.PriceOracle.StaleAfter, "ROUTSTR_PRICE_ORACLE_STALE_AFTER")

	setIfEnv(&c.Catalog.SeedFile, "ROUTSTR_CATALOG_SEED_FILE")
	setDurationIfEnv(&c.Catalog.RefreshInterval, "ROUTSTR_CATALOG_REFRESH_INTERVAL")

	setIfEnv(&c.Upstream.BaseURL, "ROUTSTR_UPSTREAM_BASE_URL")
	setIfEnv(&c.Upstream.APIKey, "ROUTSTR_UPSTREAM_API_KEY")
	if v := os.Getenv("ROUTSTR_UPSTREAM_PROVIDER_FEE_MULTIPLIER"); v != "" {
		if f, err := parseFloat(v); err == nil {
			c.Upstream.ProviderFeeMultiplier = f
		}
	}

	setDurationIfEnv(&c.Refund.IdempotencyTTL, "ROUTSTR_REFUND_IDEMPOTENCY_TTL")
	if v := os.Getenv("ROUTSTR_REFUND_PROCESSING_FEE_MSAT"); v != "" {
		if n, err := parseInt64(v); err == nil {
			c.Refund.ProcessingFeeMsat = n
		}
	}

	setBoolIfEnv(&c.Announce.Enabled, "ROUTSTR_ANNOUNCE_ENABLED")
	setIfEnv(&c.Announce.PrivateKey, "ROUTSTR_ANNOUNCE_PRIVATE_KEY")
	setIfEnv(&c.Announce.ProviderID, "ROUTSTR_ANNOUNCE_PROVIDER_ID")
	setIfEnv(&c.Announce.Name, "ROUTSTR_ANNOUNCE_NAME")
	setIfEnv(&c.Announce.Version, "ROUTSTR_ANNOUNCE_VERSION")
	setIfEnv(&c.Announce.PublicURL, "ROUTSTR_ANNOUNCE_PUBLIC_URL")
	setDurationIfEnv(&c.Announce.Interval, "ROUTSTR_ANNOUNCE_INTERVAL")
	if v := os.Getenv("ROUTSTR_ANNOUNCE_RELAYS"); v != "" {
		c.Announce.Relays = splitCSV(v)
	}

	setIfEnv(&c.Auth.APIKeyPrefix, "ROUTSTR_AUTH_API_KEY_PREFIX")

	// Numbered mint URLs: ROUTSTR_MINT_<N>=https://mint.example values are
	// appended as additional mints in numbered sequence.
	c.Wallet.Mints = append(c.Wallet.Mints, loadNumberedEnv("ROUTSTR_MINT_")...)
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

func splitCSV(v string) []string {
	parts := strings.Split(v, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		p = strings.TrimSpace(p)
		if p != "" {
			out = append(out, p)
		}
	}
	return out
}

// loadNumberedEnv enumerates ROUTSTR_MINT_1, ROUTSTR_MINT_2, ... stopping at
// the first gap.
func loadNumberedEnv(prefix string) []string {
	var values []string
	for i := 1; i <= 100; i++ {
		v := os.Getenv(prefix + strconv.Itoa(i))
		if v == "" {
			break
		}
		values = append(values, v)
	}
	return values
}

func parseFloat(s string) (float64, error) {
	return strconv.ParseFloat(s, 64)
}

func parseInt64(s string) (int64, error) {
	return strconv.ParseInt(s, 10, 64)
}
