package config

import (
	"os"
	"strconv"
	"strings"
	"time"
)

// applyEnvOverrides applies environment variable overrides to the config.
// Environment variables take precedence over YAML configuration.
// Secrets (HMAC key, RPC credentials, database URLs) are env-only and never
// written to the YAML file.
func (c *Config) applyEnvOverrides() {
	// Server config
	setIfEnv(&c.Server.Address, "FACILITATOR_SERVER_ADDRESS")
	setIfEnv(&c.Server.RoutePrefix, "FACILITATOR_ROUTE_PREFIX")
	setIfEnv(&c.Server.AdminMetricsAPIKey, "FACILITATOR_ADMIN_METRICS_API_KEY")

	// Normalize route prefix: ensure it starts with / and doesn't end with /
	if c.Server.RoutePrefix != "" {
		c.Server.RoutePrefix = normalizeRoutePrefix(c.Server.RoutePrefix)
	}

	// Facilitator config
	setIfEnv(&c.Facilitator.HMACSecret, "FACILITATOR_HMAC_SECRET")
	setDurationIfEnv(&c.Facilitator.ChallengeTTL, "FACILITATOR_CHALLENGE_TTL")
	setDurationIfEnv(&c.Facilitator.FreshnessWindow, "FACILITATOR_FRESHNESS_WINDOW")

	// Zcash node config
	setIfEnv(&c.Zcash.Network, "ZCASH_NETWORK")
	setIfEnv(&c.Zcash.RPCURL, "ZCASH_RPC_URL")
	setIfEnv(&c.Zcash.RPCUser, "ZCASH_RPC_USER")
	setIfEnv(&c.Zcash.RPCPassword, "ZCASH_RPC_PASSWORD")
	setDurationIfEnv(&c.Zcash.RPCTimeout, "ZCASH_RPC_TIMEOUT")

	// Monitor config
	setDurationIfEnv(&c.Monitor.BlockScanInterval, "MONITOR_BLOCK_SCAN_INTERVAL")
	setDurationIfEnv(&c.Monitor.MempoolScanInterval, "MONITOR_MEMPOOL_SCAN_INTERVAL")
	setIntIfEnv(&c.Monitor.MaxBlocksPerScan, "MONITOR_MAX_BLOCKS_PER_SCAN")
	setIntIfEnv(&c.Monitor.ReorgCheckDepth, "MONITOR_REORG_CHECK_DEPTH")

	// Webhook config
	setDurationIfEnv(&c.Webhook.Timeout, "WEBHOOK_TIMEOUT")
	setBoolIfEnv(&c.Webhook.DLQEnabled, "WEBHOOK_DLQ_ENABLED")
	setIfEnv(&c.Webhook.DLQPath, "WEBHOOK_DLQ_PATH")

	// Store config
	setIfEnv(&c.Store.Backend, "STORE_BACKEND")
	setIfEnv(&c.Store.PostgresURL, "STORE_POSTGRES_URL")

	// API Key config
	setBoolIfEnv(&c.APIKey.Enabled, "FACILITATOR_API_KEY_ENABLED")
	// Load API keys (FACILITATOR_API_KEY_*)
	for _, env := range os.Environ() {
		if !strings.HasPrefix(env, "FACILITATOR_API_KEY_") {
			continue
		}
		parts := strings.SplitN(env, "=", 2)
		if len(parts) != 2 {
			continue
		}
		name := strings.TrimPrefix(parts[0], "FACILITATOR_API_KEY_")
		if name == "" || name == "ENABLED" {
			continue
		}
		if c.APIKey.Keys == nil {
			c.APIKey.Keys = make(map[string]string)
		}
		// FACILITATOR_API_KEY_ACME_CORP=partner -> key: "acme_corp", tier: "partner"
		key := strings.ToLower(name)
		tier := strings.TrimSpace(parts[1])
		c.APIKey.Keys[key] = tier
	}
}

// setIfEnv sets a string pointer to the environment variable value if it exists.
func setIfEnv(target *string, key string) {
	if val := os.Getenv(key); val != "" {
		*target = val
	}
}

// setBoolIfEnv sets a boolean pointer from an environment variable.
// Accepts "1", "true", "TRUE", "True" as true values.
func setBoolIfEnv(target *bool, key string) {
	if v := os.Getenv(key); v != "" {
		*target = v == "1" || strings.EqualFold(v, "true")
	}
}

// setIntIfEnv sets an int pointer from an environment variable.
func setIntIfEnv(target *int, key string) {
	if v := os.Getenv(key); v != "" {
		if n, err := strconv.Atoi(v); err == nil {
			*target = n
		}
	}
}

// setDurationIfEnv sets a Duration pointer from an environment variable.
// Uses time.ParseDuration to parse values like "5m", "120s", "1h30m".
func setDurationIfEnv(target *Duration, key string) {
	if v := os.Getenv(key); v != "" {
		if dur, err := time.ParseDuration(v); err == nil {
			*target = Duration{Duration: dur}
		}
	}
}

// normalizeRoutePrefix ensures the prefix starts with / and doesn't end with /.
// Examples: "api" -> "/api", "/api/" -> "/api", "zcash-facilitator" -> "/zcash-facilitator"
func normalizeRoutePrefix(prefix string) string {
	prefix = strings.TrimSpace(prefix)
	if prefix == "" {
		return ""
	}
	// Ensure it starts with /
	if !strings.HasPrefix(prefix, "/") {
		prefix = "/" + prefix
	}
	// Ensure it doesn't end with /
	prefix = strings.TrimSuffix(prefix, "/")
	return prefix
}
