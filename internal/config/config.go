// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Blockchain settings
	RPCURL      string
	ChainID     int64
	PrivateKeys []string // Hex-encoded signing keys; first is active at startup

	// Broker settings
	AutoApprove    bool    // start with the global auto-approve override on
	PolicyMode     string  // "manual", "auto" or "deny"
	MaxValueEth    float64 // auto-approve ceiling for value transfers
	AllowMethods   []string
	DrainTimeoutMs int64 // default overall drain deadline
	DrainSettleMs  int64 // default drain quiet period

	// Observability
	OTLPEndpoint string // OpenTelemetry collector; empty disables tracing
}

// Anvil/Hardhat-style local test network defaults.
const (
	DefaultRPCURL         = "http://127.0.0.1:8545"
	DefaultChainID        = 31337
	DefaultPort           = "8547"
	DefaultEnv            = "development"
	DefaultLogLevel       = "info"
	DefaultPolicyMode     = "manual"
	DefaultMaxValueEth    = 0.1
	DefaultDrainTimeoutMs = 15000
	DefaultDrainSettleMs  = 300
)

// DefaultPrivateKey is the first well-known Anvil dev account key. Only
// applied in development; production requires an explicit key.
const DefaultPrivateKey = "ac0974bec39a17e36ba4a6b4d238ff944bacb478cbed5efcae784d7bf4f2ff80"

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:           getEnv("PORT", DefaultPort),
		Env:            getEnv("ENV", DefaultEnv),
		LogLevel:       getEnv("LOG_LEVEL", DefaultLogLevel),
		RPCURL:         getEnv("RPC_URL", DefaultRPCURL),
		ChainID:        getEnvInt64("CHAIN_ID", DefaultChainID),
		PrivateKeys:    getEnvList("PRIVATE_KEYS", nil),
		AutoApprove:    getEnvBool("AUTO_APPROVE", false),
		PolicyMode:     getEnv("POLICY_MODE", DefaultPolicyMode),
		MaxValueEth:    getEnvFloat("MAX_VALUE_ETH", DefaultMaxValueEth),
		AllowMethods:   getEnvList("ALLOW_METHODS", nil),
		DrainTimeoutMs: getEnvInt64("DRAIN_TIMEOUT_MS", DefaultDrainTimeoutMs),
		DrainSettleMs:  getEnvInt64("DRAIN_SETTLE_MS", DefaultDrainSettleMs),
		OTLPEndpoint:   os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
	}

	// Single-key form kept for convenience
	if len(cfg.PrivateKeys) == 0 {
		if key := os.Getenv("PRIVATE_KEY"); key != "" {
			cfg.PrivateKeys = []string{key}
		}
	}
	if len(cfg.PrivateKeys) == 0 && cfg.Env == "development" {
		cfg.PrivateKeys = []string{DefaultPrivateKey}
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present
func (c *Config) Validate() error {
	if len(c.PrivateKeys) == 0 {
		return fmt.Errorf("PRIVATE_KEYS is required outside development")
	}
	for i, key := range c.PrivateKeys {
		k := strings.TrimPrefix(key, "0x")
		if len(k) != 64 {
			return fmt.Errorf("PRIVATE_KEYS[%d] must be 64 hex characters (with or without 0x prefix)", i)
		}
	}
	if c.RPCURL == "" {
		return fmt.Errorf("RPC_URL is required")
	}
	if c.PolicyMode != "manual" && c.PolicyMode != "auto" && c.PolicyMode != "deny" {
		return fmt.Errorf("POLICY_MODE must be \"manual\", \"auto\" or \"deny\", got %q", c.PolicyMode)
	}
	if c.MaxValueEth < 0 {
		return fmt.Errorf("MAX_VALUE_ETH must not be negative")
	}
	return nil
}

// IsDevelopment returns true if running in development mode
func (c *Config) IsDevelopment() bool {
	return c.Env == "development"
}

// IsProduction returns true if running in production mode
func (c *Config) IsProduction() bool {
	return c.Env == "production"
}

// Helper functions

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt64(key string, defaultValue int64) int64 {
	if value := os.Getenv(key); value != "" {
		if i, err := strconv.ParseInt(value, 10, 64); err == nil {
			return i
		}
	}
	return defaultValue
}

func getEnvFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
		}
	}
	return defaultValue
}

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if b, err := strconv.ParseBool(value); err == nil {
			return b
		}
	}
	return defaultValue
}

func getEnvList(key string, defaultValue []string) []string {
	value := os.Getenv(key)
	if value == "" {
		return defaultValue
	}
	parts := strings.Split(value, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if p = strings.TrimSpace(p); p != "" {
			out = append(out, p)
		}
	}
	return out
}
