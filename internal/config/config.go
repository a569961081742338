// Package config loads the fabric's environment-driven configuration,
// following the same .env-then-os.Getenv-with-default pattern as the rest
// of the stack.
package config

import (
	"fmt"
	"os"
	"strconv"
	"time"

	"github.com/joho/godotenv"
	"github.com/shopspring/decimal"
)

// Config holds every bit-exact environment knob the core honors.
type Config struct {
	Host string
	Port int

	DatabaseURL string // empty means fall back to local SQLite
	SQLitePath  string

	LogLevel string

	PlatformFeePercent      decimal.Decimal // e.g. 2.5 means 2.5%
	EscrowBufferPercentage  decimal.Decimal // e.g. 15 means 15%
	EscrowTimeoutMinutes    int
	RateLimitMinute         int
	RateLimitDay            int
	TokenOracleURL          string
	TokenOracleAPIKey       string
	APIKeyEnvironmentPrefix string // "sk_live_" or "sk_test_"
	FeeWalletAgentID        string

	SessionSigningKey string // HMAC secret for short-lived bearer sessions
	SessionTTLMinutes int
}

// Load reads a .env file if present (ignored if absent) and then builds a
// Config from the environment, applying documented defaults.
func Load() (*Config, error) {
	_ = godotenv.Load()

	feePercent, err := decimalEnv("PLATFORM_FEE_PERCENT", "2.5")
	if err != nil {
		return nil, err
	}
	bufferPercent, err := decimalEnv("ESCROW_BUFFER_PERCENTAGE", "15")
	if err != nil {
		return nil, err
	}

	cfg := &Config{
		Host:                    getEnv("HOST", "0.0.0.0"),
		Port:                    intEnv("PORT", 8080),
		DatabaseURL:             getEnv("DATABASE_URL", ""),
		SQLitePath:              getEnv("SQLITE_PATH", "agentfabric.db"),
		LogLevel:                getEnv("LOG_LEVEL", ""),
		PlatformFeePercent:      feePercent,
		EscrowBufferPercentage:  bufferPercent,
		EscrowTimeoutMinutes:    intEnv("ESCROW_TIMEOUT_MINUTES", 60),
		RateLimitMinute:         intEnv("RATE_LIMIT_MINUTE", 20),
		RateLimitDay:            intEnv("RATE_LIMIT_DAY", 1000),
		TokenOracleURL:          getEnv("TOKEN_ORACLE_URL", ""),
		TokenOracleAPIKey:       getEnv("TOKEN_ORACLE_API_KEY", ""),
		APIKeyEnvironmentPrefix: getEnv("API_KEY_ENV_PREFIX", "sk_live_"),
		FeeWalletAgentID:        getEnv("FEE_WALLET_AGENT_ID", "platform-fee-wallet"),
		SessionSigningKey:       getEnv("SESSION_SIGNING_KEY", ""),
		SessionTTLMinutes:       intEnv("SESSION_TTL_MINUTES", 15),
	}
	return cfg, nil
}

// SessionTTL returns SessionTTLMinutes as a time.Duration.
func (c *Config) SessionTTL() time.Duration {
	return time.Duration(c.SessionTTLMinutes) * time.Minute
}

// PlatformFeeFraction returns the fee as a fraction (e.g. 0.025) rather than
// a percentage.
func (c *Config) PlatformFeeFraction() decimal.Decimal {
	return c.PlatformFeePercent.Div(decimal.NewFromInt(100))
}

// EscrowBufferFraction returns the buffer as a fraction, clamped to [0, 0.5].
func (c *Config) EscrowBufferFraction() decimal.Decimal {
	f := c.EscrowBufferPercentage.Div(decimal.NewFromInt(100))
	if f.LessThan(decimal.Zero) {
		return decimal.Zero
	}
	max := decimal.NewFromFloat(0.5)
	if f.GreaterThan(max) {
		return max
	}
	return f
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func intEnv(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if n, err := strconv.Atoi(value); err == nil {
			return n
		}
	}
	return defaultValue
}

func decimalEnv(key, defaultValue string) (decimal.Decimal, error) {
	value := getEnv(key, defaultValue)
	d, err := decimal.NewFromString(value)
	if err != nil {
		return decimal.Decimal{}, fmt.Errorf("config: invalid %s=%q: %w", key, value, err)
	}
	return d, nil
}
