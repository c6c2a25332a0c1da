package config

import (
	"database/sql"
	"errors"
	"fmt"
	"strings"
	"time"
)

// finalize applies defaults and validates the configuration.
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

	if c.Facilitator.ChallengeTTL.Duration <= 0 {
		c.Facilitator.ChallengeTTL = Duration{Duration: 1 * time.Hour}
	}
	if c.Facilitator.FreshnessWindow.Duration <= 0 {
		c.Facilitator.FreshnessWindow = Duration{Duration: 5 * time.Minute}
	}
	if c.Facilitator.AmountToleranceZatoshis < 0 {
		c.Facilitator.AmountToleranceZatoshis = 0
	}

	switch strings.ToLower(c.Zcash.Network) {
	case "mainnet", "testnet":
		c.Zcash.Network = strings.ToLower(c.Zcash.Network)
	case "":
		c.Zcash.Network = "mainnet"
	default:
		return fmt.Errorf("zcash.network must be %q or %q, got %q", "mainnet", "testnet", c.Zcash.Network)
	}
	if c.Zcash.RPCTimeout.Duration <= 0 {
		c.Zcash.RPCTimeout = Duration{Duration: 10 * time.Second}
	}
	if c.Zcash.RequiredConfirmations <= 0 {
		c.Zcash.RequiredConfirmations = 6
	}

	if c.Monitor.BlockScanInterval.Duration <= 0 {
		c.Monitor.BlockScanInterval = Duration{Duration: 30 * time.Second}
	}
	if c.Monitor.MempoolScanInterval.Duration <= 0 {
		c.Monitor.MempoolScanInterval = Duration{Duration: 10 * time.Second}
	}
	if c.Monitor.MaxBlocksPerScan <= 0 {
		c.Monitor.MaxBlocksPerScan = 100
	}
	if c.Monitor.ReorgCheckDepth <= 0 {
		c.Monitor.ReorgCheckDepth = 10
	}

	if c.Webhook.Timeout.Duration <= 0 {
		c.Webhook.Timeout = Duration{Duration: 10 * time.Second}
	}
	if c.Webhook.MaxAttempts <= 0 {
		c.Webhook.MaxAttempts = 5
	}

	switch c.Store.Backend {
	case "memory", "postgres":
	case "":
		c.Store.Backend = "memory"
	default:
		return fmt.Errorf("store.backend must be %q or %q, got %q", "memory", "postgres", c.Store.Backend)
	}
	if c.Store.Backend == "postgres" && c.Store.PostgresURL == "" {
		return errors.New("store.postgres_url (STORE_POSTGRES_URL) is required when store.backend is \"postgres\"")
	}
	if c.Store.CleanupInterval.Duration <= 0 {
		c.Store.CleanupInterval = Duration{Duration: 5 * time.Minute}
	}

	if c.Jobs.ExpiryInterval.Duration <= 0 {
		c.Jobs.ExpiryInterval = Duration{Duration: 1 * time.Minute}
	}
	if c.Jobs.AutoSettleInterval.Duration <= 0 {
		c.Jobs.AutoSettleInterval = Duration{Duration: 5 * time.Minute}
	}
	if c.Jobs.ReverifyInterval.Duration <= 0 {
		c.Jobs.ReverifyInterval = Duration{Duration: 2 * time.Minute}
	}
	if c.Jobs.WebhookRetryInterval.Duration <= 0 {
		c.Jobs.WebhookRetryInterval = Duration{Duration: 10 * time.Second}
	}

	return c.validate()
}

// validate checks that required configuration fields are set correctly.
func (c *Config) validate() error {
	var errs []string

	if c.Facilitator.HMACSecret == "" {
		errs = append(errs, "facilitator.hmac_secret (FACILITATOR_HMAC_SECRET) is required")
	}
	if c.Zcash.RPCURL == "" {
		errs = append(errs, "zcash.rpc_url is required")
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
		maxOpen = 25 // default
	}

	maxIdle := pool.MaxIdleConns
	if maxIdle <= 0 {
		maxIdle = 5 // default
	}

	// Validate: maxIdle cannot exceed maxOpen
	if maxIdle > maxOpen {
		maxIdle = maxOpen
	}

	maxLifetime := pool.ConnMaxLifetime.Duration
	if maxLifetime <= 0 {
		maxLifetime = 5 * time.Minute // default
	}

	db.SetMaxOpenConns(maxOpen)
	db.SetMaxIdleConns(maxIdle)
	db.SetConnMaxLifetime(maxLifetime)
}
