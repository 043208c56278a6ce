package config

import (
	"os"
	"testing"
	"time"
)

func TestEnvOverrides_ServerConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "ROUTSTR_SERVER_ADDRESS overrides default",
			envVars: map[string]string{
				"ROUTSTR_SERVER_ADDRESS": ":3000",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.Address != ":3000" {
					t.Errorf("expected :3000, got %s", cfg.Server.Address)
				}
			},
		},
		{
			name: "ROUTSTR_ADMIN_METRICS_API_KEY override",
			envVars: map[string]string{
				"ROUTSTR_ADMIN_METRICS_API_KEY": "metrics-secret",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Server.AdminMetricsAPIKey != "metrics-secret" {
					t.Errorf("expected metrics-secret, got %s", cfg.Server.AdminMetricsAPIKey)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_WalletConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "ROUTSTR_WALLET_BASE_URL override",
			envVars: map[string]string{
				"ROUTSTR_WALLET_BASE_URL": "https://wallet.example.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Wallet.BaseURL != "https://wallet.example.com" {
					t.Errorf("expected https://wallet.example.com, got %s", cfg.Wallet.BaseURL)
				}
			},
		},
		{
			name: "ROUTSTR_WALLET_TIMEOUT duration override",
			envVars: map[string]string{
				"ROUTSTR_WALLET_TIMEOUT": "45s",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Wallet.Timeout.Duration != 45*time.Second {
					t.Errorf("expected 45s, got %v", cfg.Wallet.Timeout.Duration)
				}
			},
		},
		{
			name: "ROUTSTR_WALLET_MINTS csv override",
			envVars: map[string]string{
				"ROUTSTR_WALLET_MINTS": "https://mint-a.example.com, https://mint-b.example.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Wallet.Mints) != 2 {
					t.Fatalf("expected 2 mints, got %d: %v", len(cfg.Wallet.Mints), cfg.Wallet.Mints)
				}
				if cfg.Wallet.Mints[0] != "https://mint-a.example.com" || cfg.Wallet.Mints[1] != "https://mint-b.example.com" {
					t.Errorf("unexpected mints: %v", cfg.Wallet.Mints)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_UpstreamConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "ROUTSTR_UPSTREAM_BASE_URL override",
			envVars: map[string]string{
				"ROUTSTR_UPSTREAM_BASE_URL": "https://upstream.example.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Upstream.BaseURL != "https://upstream.example.com" {
					t.Errorf("expected https://upstream.example.com, got %s", cfg.Upstream.BaseURL)
				}
			},
		},
		{
			name: "ROUTSTR_UPSTREAM_PROVIDER_FEE_MULTIPLIER override",
			envVars: map[string]string{
				"ROUTSTR_UPSTREAM_PROVIDER_FEE_MULTIPLIER": "1.05",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Upstream.ProviderFeeMultiplier != 1.05 {
					t.Errorf("expected 1.05, got %v", cfg.Upstream.ProviderFeeMultiplier)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_AnnounceConfig(t *testing.T) {
	defer os.Clearenv()

	tests := []struct {
		name      string
		envVars   map[string]string
		checkFunc func(*testing.T, *Config)
	}{
		{
			name: "ROUTSTR_ANNOUNCE_ENABLED boolean (true)",
			envVars: map[string]string{
				"ROUTSTR_ANNOUNCE_ENABLED": "true",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Announce.Enabled {
					t.Error("expected Announce.Enabled to be true")
				}
			},
		},
		{
			name: "ROUTSTR_ANNOUNCE_ENABLED boolean (1)",
			envVars: map[string]string{
				"ROUTSTR_ANNOUNCE_ENABLED": "1",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if !cfg.Announce.Enabled {
					t.Error("expected Announce.Enabled to be true with '1'")
				}
			},
		},
		{
			name: "ROUTSTR_ANNOUNCE_RELAYS csv override",
			envVars: map[string]string{
				"ROUTSTR_ANNOUNCE_RELAYS": "wss://relay1.example.com,wss://relay2.example.com",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if len(cfg.Announce.Relays) != 2 {
					t.Errorf("expected 2 relays, got %d: %v", len(cfg.Announce.Relays), cfg.Announce.Relays)
				}
			},
		},
		{
			name: "ROUTSTR_ANNOUNCE_INTERVAL duration override",
			envVars: map[string]string{
				"ROUTSTR_ANNOUNCE_INTERVAL": "1h",
			},
			checkFunc: func(t *testing.T, cfg *Config) {
				if cfg.Announce.Interval.Duration != time.Hour {
					t.Errorf("expected 1h, got %v", cfg.Announce.Interval.Duration)
				}
			},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			os.Clearenv()
			for k, v := range tt.envVars {
				os.Setenv(k, v)
			}

			cfg := defaultConfig()
			cfg.applyEnvOverrides()
			tt.checkFunc(t, cfg)
		})
	}
}

func TestEnvOverrides_RefundConfig(t *testing.T) {
	defer os.Clearenv()

	os.Setenv("ROUTSTR_REFUND_IDEMPOTENCY_TTL", "2m")
	os.Setenv("ROUTSTR_REFUND_PROCESSING_FEE_MSAT", "5000")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if cfg.Refund.IdempotencyTTL.Duration != 2*time.Minute {
		t.Errorf("expected 2m, got %v", cfg.Refund.IdempotencyTTL.Duration)
	}
	if cfg.Refund.ProcessingFeeMsat != 5000 {
		t.Errorf("expected 5000, got %d", cfg.Refund.ProcessingFeeMsat)
	}
}

func TestEnvOverrides_NumberedMints(t *testing.T) {
	defer os.Clearenv()
	os.Clearenv()

	os.Setenv("ROUTSTR_MINT_1", "https://mint1.example.com")
	os.Setenv("ROUTSTR_MINT_2", "https://mint2.example.com")

	cfg := defaultConfig()
	cfg.applyEnvOverrides()

	if len(cfg.Wallet.Mints) != 2 {
		t.Errorf("expected 2 numbered mints, got %d: %v", len(cfg.Wallet.Mints), cfg.Wallet.Mints)
	}
}
