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
	Facilitator    FacilitatorConfig    `yaml:"facilitator"`
	Zcash          ZcashConfig          `yaml:"zcash"`
	Monitor        MonitorConfig        `yaml:"monitor"`
	Webhook        WebhookConfig        `yaml:"webhook"`
	Store          StoreConfig          `yaml:"store"`
	Jobs           JobsConfig           `yaml:"jobs"`
	RateLimit      RateLimitConfig      `yaml:"rate_limit"`
	APIKey         APIKeyConfig         `yaml:"api_key"`
	CircuitBreaker CircuitBreakerConfig `yaml:"circuit_breaker"`
}

// ServerConfig holds HTTP server configuration.
type ServerConfig struct {
	Address            string   `yaml:"address"`
	ReadTimeout        Duration `yaml:"read_timeout"`
	WriteTimeout       Duration `yaml:"write_timeout"`
	IdleTimeout        Duration `yaml:"idle_timeout"`
	CORSAllowedOrigins []string `yaml:"cors_allowed_origins"`
	RoutePrefix        string   `yaml:"route_prefix"`          // Optional prefix for all routes (e.g., "/api", "/facilitator")
	AdminMetricsAPIKey string   `yaml:"admin_metrics_api_key"` // Optional API key to protect /metrics endpoint (leave empty to disable protection)
}

// FacilitatorConfig holds the 402 protocol engine's own configuration: the
// HMAC secret it signs challenges with, and the protocol-level tolerances
// from the spec.
type FacilitatorConfig struct {
	HMACSecret              string   `yaml:"-"`                          // Loaded from FACILITATOR_HMAC_SECRET; never written to disk
	ChallengeTTL            Duration `yaml:"challenge_ttl"`              // Default challenge lifetime (default: 1h)
	FreshnessWindow         Duration `yaml:"freshness_window"`           // Parsed and defaulted (5m) but not read; pkg/zcash402 applies its own fixed 1h freshness window
	AmountToleranceZatoshis int64    `yaml:"amount_tolerance_zatoshis"`  // Underpayment tolerance for rounding (default: 1)
}

// ZcashConfig holds the blockchain monitor's node RPC connection details.
type ZcashConfig struct {
	Network               string   `yaml:"network"`                // "mainnet" or "testnet"
	RPCURL                string   `yaml:"rpc_url"`
	RPCUser               string   `yaml:"-"` // Loaded from ZCASH_RPC_USER
	RPCPassword           string   `yaml:"-"` // Loaded from ZCASH_RPC_PASSWORD
	RPCTimeout            Duration `yaml:"rpc_timeout"`             // Default: 10s
	RequiredConfirmations int      `yaml:"required_confirmations"`  // Default confirmations before auto-settle (default: 6)
}

// MonitorConfig holds the blockchain monitor's scan cadences and reorg
// handling depth.
type MonitorConfig struct {
	BlockScanInterval   Duration `yaml:"block_scan_interval"`   // How often to poll for new blocks (default: 30s)
	MempoolScanInterval Duration `yaml:"mempool_scan_interval"` // How often to poll the mempool (default: 10s)
	MaxBlocksPerScan    int      `yaml:"max_blocks_per_scan"`   // Parsed and defaulted (100) but not read; the block scan re-queries bound transactions and does not walk heights
	ReorgCheckDepth     int      `yaml:"reorg_check_depth"`     // Blocks below tip re-queried on a reorg signal (default: 10)
}

// WebhookConfig holds outbound webhook delivery configuration.
type WebhookConfig struct {
	Timeout     Duration `yaml:"timeout"`      // Per-attempt HTTP timeout (default: 10s)
	MaxAttempts int      `yaml:"max_attempts"` // Attempts before marking failed (default: 5)
	DLQEnabled  bool     `yaml:"dlq_enabled"`  // Enable dead-letter logging for exhausted deliveries
	DLQPath     string   `yaml:"dlq_path"`     // File path for DLQ storage (default: ./data/webhook-dlq.json)
}

// JobsConfig holds the cadences of the four scheduled background jobs.
type JobsConfig struct {
	ExpiryInterval       Duration `yaml:"expiry_interval"`        // How often to sweep Created/AwaitingConfirmation past expiresAt (default: 1m)
	AutoSettleInterval   Duration `yaml:"auto_settle_interval"`   // How often to promote Verified intents at required confirmations (default: 5m)
	ReverifyInterval     Duration `yaml:"reverify_interval"`      // How often to re-check open intents against the node directly (default: 2m)
	WebhookRetryInterval Duration `yaml:"webhook_retry_interval"` // Parsed and defaulted (10s) but not read; the webhook engine polls on its own 10s default
}

// PostgresPoolConfig holds PostgreSQL connection pool settings.
type PostgresPoolConfig struct {
	MaxOpenConns    int      `yaml:"max_open_conns"`    // Maximum number of open connections (default: 25)
	MaxIdleConns    int      `yaml:"max_idle_conns"`    // Maximum number of idle connections (default: 5)
	ConnMaxLifetime Duration `yaml:"conn_max_lifetime"` // Maximum lifetime of connections (default: 5m)
}

// StoreConfig holds lifecycle-store backend configuration.
type StoreConfig struct {
	Backend         string             `yaml:"backend"`          // "memory" or "postgres"
	PostgresURL     string             `yaml:"-"`                // Loaded from STORE_POSTGRES_URL
	PostgresPool    PostgresPoolConfig `yaml:"postgres_pool"`    // PostgreSQL connection pool settings
	CleanupInterval Duration           `yaml:"cleanup_interval"` // Parsed and defaulted (5m) but not read; neither backend runs a periodic cleanup
}

// LoggingConfig holds structured logging configuration.
type LoggingConfig struct {
	Level       string `yaml:"level"`       // debug, info, warn, error (default: info)
	Format      string `yaml:"format"`      // json, console (default: json)
	Environment string `yaml:"environment"` // production, staging, development
}

// RateLimitConfig holds rate limiting configuration.
// Provides multi-tier rate limiting to prevent spam while allowing legitimate use.
type RateLimitConfig struct {
	// Global rate limiting (across all callers)
	GlobalEnabled bool     `yaml:"global_enabled"` // Enable global rate limiting
	GlobalLimit   int      `yaml:"global_limit"`   // Requests allowed per global window
	GlobalWindow  Duration `yaml:"global_window"`  // Time window for global limit

	// Per-merchant rate limiting (identified by merchant id / API key)
	PerMerchantEnabled bool     `yaml:"per_merchant_enabled"` // Enable per-merchant rate limiting
	PerMerchantLimit   int      `yaml:"per_merchant_limit"`   // Requests allowed per merchant per window
	PerMerchantWindow  Duration `yaml:"per_merchant_window"`  // Time window for per-merchant limit

	// Per-IP rate limiting (fallback when merchant not identified)
	PerIPEnabled bool     `yaml:"per_ip_enabled"` // Enable per-IP rate limiting
	PerIPLimit   int      `yaml:"per_ip_limit"`   // Requests allowed per IP per window
	PerIPWindow  Duration `yaml:"per_ip_window"`  // Time window for per-IP limit
}

// APIKeyConfig holds API key authentication and tier configuration.
// Allows trusted partners to bypass rate limits via X-API-Key header.
type APIKeyConfig struct {
	Enabled bool              `yaml:"enabled"` // Enable API key authentication (default: false)
	Keys    map[string]string `yaml:"keys"`    // Map of API key -> tier (free, pro, enterprise, partner)
}

// CircuitBreakerConfig holds circuit breaker configuration for external services.
// Prevents cascading failures by failing fast when external services are degraded.
type CircuitBreakerConfig struct {
	Enabled  bool                 `yaml:"enabled"`   // Enable circuit breakers (default: true)
	ZcashRPC BreakerServiceConfig `yaml:"zcash_rpc"` // Zcash node RPC circuit breaker
	Webhook  BreakerServiceConfig `yaml:"webhook"`   // Webhook delivery circuit breaker
}

// BreakerServiceConfig configures a circuit breaker for a specific external service.
type BreakerServiceConfig struct {
	MaxRequests         uint32   `yaml:"max_requests"`         // Max requests in half-open state (default: 3)
	Interval            Duration `yaml:"interval"`             // Stats reset interval in closed state (default: 60s)
	Timeout             Duration `yaml:"timeout"`              // Open state timeout before half-open (default: 30s)
	ConsecutiveFailures uint32   `yaml:"consecutive_failures"` // Consecutive failures to trip (default: 5)
	FailureRatio        float64  `yaml:"failure_ratio"`        // Failure ratio to trip 0.0-1.0 (default: 0.5)
	MinRequests         uint32   `yaml:"min_requests"`         // Minimum requests before checking ratio (default: 10)
}
