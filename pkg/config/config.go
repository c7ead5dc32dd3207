package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds all configuration for the settlement core service. Every
// knob except SigningSecret has a usable default, so Load never errors;
// Validate checks internal consistency and fails when the signing secret
// (or, when the audit store is required, its database URL) is missing.
type Config struct {
	// Consensus configuration.
	ReplicaCount   int           // total replicas N = 3f+1
	RoundTimeout   time.Duration // view round timeout before a view change
	BlockSizeLimit int           // max transactions per proposed block

	// Wallet configuration.
	WalletExpiry         time.Duration // offline wallet activation lifetime
	WalletMaxBalance     int64         // cap on funds held in an offline wallet
	MinTransactionAmount int64         // floor on transfer/exchange/emission amounts

	// Signing.
	SigningSecret string // HMAC key for transaction signatures

	// Server configuration.
	ListenAddr  string
	MetricsAddr string

	// Genesis / replica-set file (validator ids, routing codes), yaml.v3
	// encoded, mirroring CometBFT's own genesis.json convention.
	GenesisPath string

	// Durable audit log sink (optional). When AuditDatabaseURL is empty the
	// authority runs with the in-memory audit log only.
	AuditDatabaseURL   string
	AuditStoreRequired bool // if true, startup fails when the audit sink can't connect

	// Embedded ledger KV store location (cometbft-db).
	DataDir string

	LogLevel string
}

// Load reads configuration from environment variables. Every value has a
// default suitable for running a single-process simulation locally.
func Load() (*Config, error) {
	cfg := &Config{
		ReplicaCount:   getEnvInt("REPLICA_COUNT", 4),
		RoundTimeout:   getEnvDuration("ROUND_TIMEOUT_MS", 5000*time.Millisecond),
		BlockSizeLimit: getEnvInt("BLOCK_SIZE_LIMIT", 1000),

		WalletExpiry:         time.Duration(getEnvInt("WALLET_EXPIRY_DAYS", 14)) * 24 * time.Hour,
		WalletMaxBalance:     getEnvInt64("WALLET_MAX_BALANCE", 1_000_000),
		MinTransactionAmount: getEnvInt64("MIN_TRANSACTION_AMOUNT", 1),

		SigningSecret: getEnv("SETTLEMENT_SIGNING_SECRET", ""),

		ListenAddr:  getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("API_PORT", "8080"),
		MetricsAddr: getEnv("API_HOST", "0.0.0.0") + ":" + getEnv("METRICS_PORT", "9090"),

		GenesisPath: getEnv("GENESIS_PATH", "./genesis.yaml"),

		AuditDatabaseURL:   getEnv("AUDIT_DATABASE_URL", ""),
		AuditStoreRequired: getEnvBool("AUDIT_STORE_REQUIRED", false),

		DataDir: getEnv("DATA_DIR", "./data"),

		LogLevel: getEnv("LOG_LEVEL", "info"),
	}

	return cfg, nil
}

// Validate checks internal consistency of the loaded configuration: shape
// (3f+1 replica counts, positive durations and amounts), a present and
// non-weak signing secret, and an audit database URL when the audit store
// is required.
func (c *Config) Validate() error {
	var errs []string

	if c.ReplicaCount < 4 {
		errs = append(errs, "REPLICA_COUNT must be at least 4 (N = 3f+1 with f >= 1)")
	} else if (c.ReplicaCount-1)%3 != 0 {
		errs = append(errs, fmt.Sprintf("REPLICA_COUNT %d is not of the form 3f+1", c.ReplicaCount))
	}

	if c.RoundTimeout <= 0 {
		errs = append(errs, "ROUND_TIMEOUT_MS must be positive")
	}
	if c.BlockSizeLimit <= 0 {
		errs = append(errs, "BLOCK_SIZE_LIMIT must be positive")
	}
	if c.WalletExpiry <= 0 {
		errs = append(errs, "WALLET_EXPIRY_DAYS must be positive")
	}
	if c.WalletMaxBalance <= 0 {
		errs = append(errs, "WALLET_MAX_BALANCE must be positive")
	}
	if c.MinTransactionAmount <= 0 {
		errs = append(errs, "MIN_TRANSACTION_AMOUNT must be positive")
	}

	if c.SigningSecret == "" {
		errs = append(errs, "SETTLEMENT_SIGNING_SECRET is required but not set")
	} else {
		weak := []string{"development", "secret", "password", "change-me", "changeme", "default", "test"}
		lower := strings.ToLower(c.SigningSecret)
		for _, w := range weak {
			if strings.Contains(lower, w) {
				errs = append(errs, "SETTLEMENT_SIGNING_SECRET contains a weak/default value - generate a secure random secret")
				break
			}
		}
		if len(c.SigningSecret) < 16 {
			errs = append(errs, "SETTLEMENT_SIGNING_SECRET must be at least 16 characters")
		}
	}

	if c.AuditStoreRequired && c.AuditDatabaseURL == "" {
		errs = append(errs, "AUDIT_DATABASE_URL is required when AUDIT_STORE_REQUIRED is set")
	}

	if len(errs) > 0 {
		return fmt.Errorf("configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// ValidateForDevelopment performs relaxed validation suitable for local
// development and tests: it skips the signing-secret strength checks but
// still enforces replica-count shape, since an engine built against an
// inconsistent N can never reach quorum.
func (c *Config) ValidateForDevelopment() error {
	var errs []string

	if c.ReplicaCount < 4 {
		errs = append(errs, "REPLICA_COUNT must be at least 4")
	} else if (c.ReplicaCount-1)%3 != 0 {
		errs = append(errs, fmt.Sprintf("REPLICA_COUNT %d is not of the form 3f+1", c.ReplicaCount))
	}
	if c.SigningSecret == "" {
		errs = append(errs, "SETTLEMENT_SIGNING_SECRET is required")
	}

	if len(errs) > 0 {
		return fmt.Errorf("development configuration validation failed:\n  - %s", strings.Join(errs, "\n  - "))
	}
	return nil
}

// Helper functions for environment variable parsing.
func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.Atoi(value); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if intValue, err := strconv.ParseInt(value, 10, 64); err == nil {
			return intValue
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolValue, err := strconv.ParseBool(value); err == nil {
			return boolValue
		}
	}
	return defaultValue
}

// getEnvDuration parses a millisecond integer (matching the *_MS env var
// naming convention used for ROUND_TIMEOUT_MS) unless the value parses as
// a Go duration string (e.g. "5s"), in which case that takes precedence.
func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	if ms, err := strconv.Atoi(value); err == nil {
		return time.Duration(ms) * time.Millisecond
	}
	if duration, err := time.ParseDuration(value); err == nil {
		return duration
	}
	return defaultValue
}
