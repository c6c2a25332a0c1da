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
			WriteTimeout: Duration{Duration: 15 * time.Second},
			IdleTimeout:  Duration{Duration: 60 * time.Second},
		},
		Facilitator: FacilitatorConfig{
			ChallengeTTL:            Duration{Duration: 1 * time.Hour},
			FreshnessWindow:         Duration{Duration: 5 * time.Minute},
			AmountToleranceZatoshis: 1,
		},
		Zcash: ZcashConfig{
			Network:               "mainnet",
			RPCTimeout:            Duration{Duration: 10 * time.Second},
			RequiredConfirmations: 6,
		},
		Monitor: MonitorConfig{
			BlockScanInterval:   Duration{Duration: 30 * time.Second},
			MempoolScanInterval: Duration{Duration: 10 * time.Second},
			MaxBlocksPerScan:    100,
			ReorgCheckDepth:     10,
		},
		Webhook: WebhookConfig{
			Timeout:     Duration{Duration: 10 * time.Second},
			MaxAttempts: 5,
			DLQEnabled:  false,
			DLQPath:     "./data/webhook-dlq.json",
		},
		Store: StoreConfig{
			Backend:         "memory",
			CleanupInterval: Duration{Duration: 5 * time.Minute},
		},
		Jobs: JobsConfig{
			ExpiryInterval:       Duration{Duration: 1 * time.Minute},
			AutoSettleInterval:   Duration{Duration: 5 * time.Minute},
			ReverifyInterval:     Duration{Duration: 2 * time.Minute},
			WebhookRetryInterval: Duration{Duration: 10 * time.Second},
		},
		RateLimit: RateLimitConfig{
			// Generous limits - designed to prevent spam, not restrict legitimate use
			GlobalEnabled:      true,
			GlobalLimit:        1000,
			GlobalWindow:       Duration{Duration: 1 * time.Minute},
			PerMerchantEnabled: true,
			PerMerchantLimit:   120,
			PerMerchantWindow:  Duration{Duration: 1 * time.Minute},
			PerIPEnabled:       true,
			PerIPLimit:         60,
			PerIPWindow:        Duration{Duration: 1 * time.Minute},
		},
		APIKey: APIKeyConfig{
			Enabled: false,
			Keys:    make(map[string]string),
		},
		CircuitBreaker: CircuitBreakerConfig{
			Enabled: true,
			ZcashRPC: BreakerServiceConfig{
				MaxRequests:         3,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 30 * time.Second},
				ConsecutiveFailures: 5,
				FailureRatio:        0.5,
				MinRequests:         10,
			},
			Webhook: BreakerServiceConfig{
				MaxRequests:         5,
				Interval:            Duration{Duration: 60 * time.Second},
				Timeout:             Duration{Duration: 60 * time.Second}, // Longer timeout for webhooks
				ConsecutiveFailures: 10,                                   // More tolerant for webhooks
				FailureRatio:        0.7,
				MinRequests:         20,
			},
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
