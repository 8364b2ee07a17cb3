// Package config handles application configuration from environment variables
package config

import (
	"fmt"
	"math"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds all application configuration
type Config struct {
	// Server settings
	Port     string
	Env      string // "development", "staging", "production"
	LogLevel string

	// Database
	DatabaseURL string // PostgreSQL connection string (optional, uses in-memory if not set)

	// Card network (Stripe). Empty key means the card-network channel is
	// reported unreachable and payments fall back to terminals/offline.
	StripeAPIKey string

	// Tracing
	OTLPEndpoint string

	// Offline payment limits. Amounts are configured in dollars and held
	// internally as integer cents.
	OfflineEnabled                bool
	OfflineMaxTransactionCents    int64
	OfflineMaxDailyTotalCents     int64
	OfflineRequireManagerApproval bool
	OfflineAllowedMethods         []string

	// Background intervals
	TerminalPollInterval time.Duration
	QueueProcessInterval time.Duration
	QueueCleanupDays     int
	NetworkPingInterval  time.Duration

	// Circuit breaker tunables for the card-network channel
	BreakerFailureThreshold int
	BreakerSuccessThreshold int
	BreakerTimeout          time.Duration

	// Security
	RateLimitRPM int
}

// Defaults
const (
	DefaultPort     = "8080"
	DefaultEnv      = "development"
	DefaultLogLevel = "info"

	DefaultOfflineMaxTransaction = "500"  // dollars
	DefaultOfflineMaxDailyTotal  = "5000" // dollars
	DefaultOfflineMethods        = "cash,card"

	DefaultTerminalPollInterval = 5 * time.Minute
	DefaultQueueInterval        = 2 * time.Minute
	DefaultQueueCleanupDays     = 7
	DefaultNetworkPingInterval  = 30 * time.Second

	DefaultBreakerFailureThreshold = 5
	DefaultBreakerSuccessThreshold = 2
	DefaultBreakerTimeout          = 60 * time.Second

	DefaultRateLimit = 120
)

// Load reads configuration from environment variables
// It loads .env file if present (for local development)
func Load() (*Config, error) {
	// Load .env file if it exists (ignore error if not present)
	_ = godotenv.Load()

	cfg := &Config{
		Port:         getEnv("PORT", DefaultPort),
		Env:          getEnv("ENV", DefaultEnv),
		LogLevel:     getEnv("LOG_LEVEL", DefaultLogLevel),
		DatabaseURL:  os.Getenv("DATABASE_URL"), // Optional, uses in-memory if not set
		StripeAPIKey: os.Getenv("STRIPE_API_KEY"),
		OTLPEndpoint: os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),

		OfflineEnabled:                getEnvBool("OFFLINE_PAYMENTS_ENABLED", false),
		OfflineMaxTransactionCents:    getEnvDollarCents("OFFLINE_MAX_TRANSACTION_AMOUNT", DefaultOfflineMaxTransaction),
		OfflineMaxDailyTotalCents:     getEnvDollarCents("OFFLINE_MAX_DAILY_TOTAL", DefaultOfflineMaxDailyTotal),
		OfflineRequireManagerApproval: getEnvBool("OFFLINE_REQUIRE_MANAGER_APPROVAL", false),
		OfflineAllowedMethods:         splitList(getEnv("OFFLINE_ALLOWED_PAYMENT_METHODS", DefaultOfflineMethods)),

		TerminalPollInterval: getEnvDuration("TERMINAL_POLL_INTERVAL", DefaultTerminalPollInterval),
		QueueProcessInterval: getEnvDuration("OFFLINE_QUEUE_PROCESS_INTERVAL", DefaultQueueInterval),
		QueueCleanupDays:     int(getEnvInt64("OFFLINE_QUEUE_CLEANUP_DAYS", DefaultQueueCleanupDays)),
		NetworkPingInterval:  getEnvDuration("NETWORK_PING_INTERVAL", DefaultNetworkPingInterval),

		BreakerFailureThreshold: int(getEnvInt64("CARD_NETWORK_FAILURE_THRESHOLD", DefaultBreakerFailureThreshold)),
		BreakerSuccessThreshold: int(getEnvInt64("CARD_NETWORK_SUCCESS_THRESHOLD", DefaultBreakerSuccessThreshold)),
		BreakerTimeout:          getEnvDuration("CARD_NETWORK_BREAKER_TIMEOUT", DefaultBreakerTimeout),

		RateLimitRPM: int(getEnvInt64("RATE_LIMIT_RPM", DefaultRateLimit)),
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks that all required configuration is present and coherent.
// Invalid offline limits are fatal at boot.
func (c *Config) Validate() error {
	if c.OfflineMaxTransactionCents <= 0 {
		return fmt.Errorf("OFFLINE_MAX_TRANSACTION_AMOUNT must be greater than 0")
	}
	if c.OfflineMaxDailyTotalCents <= 0 {
		return fmt.Errorf("OFFLINE_MAX_DAILY_TOTAL must be greater than 0")
	}
	if c.OfflineMaxDailyTotalCents < c.OfflineMaxTransactionCents {
		return fmt.Errorf("OFFLINE_MAX_DAILY_TOTAL must be greater than or equal to OFFLINE_MAX_TRANSACTION_AMOUNT")
	}
	if len(c.OfflineAllowedMethods) == 0 {
		return fmt.Errorf("OFFLINE_ALLOWED_PAYMENT_METHODS must include at least one method")
	}
	for _, m := range c.OfflineAllowedMethods {
		if m != "cash" && m != "card" {
			return fmt.Errorf("invalid payment method in OFFLINE_ALLOWED_PAYMENT_METHODS: %s", m)
		}
	}
	if c.QueueCleanupDays < 1 {
		return fmt.Errorf("OFFLINE_QUEUE_CLEANUP_DAYS must be at least 1")
	}
	if c.BreakerFailureThreshold <= 0 || c.BreakerSuccessThreshold <= 0 {
		return fmt.Errorf("circuit breaker thresholds must be greater than 0")
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

func getEnvBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		return value == "true" || value == "1"
	}
	return defaultValue
}

func getEnvDuration(key string, defaultValue time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if d, err := time.ParseDuration(value); err == nil {
			return d
		}
	}
	return defaultValue
}

// getEnvDollarCents parses a dollar amount (e.g. "500" or "12.50") into cents.
func getEnvDollarCents(key, defaultValue string) int64 {
	value := getEnv(key, defaultValue)
	f, err := strconv.ParseFloat(value, 64)
	if err != nil {
		f, _ = strconv.ParseFloat(defaultValue, 64)
	}
	return int64(math.Round(f * 100))
}

func splitList(s string) []string {
	var out []string
	for _, part := range strings.Split(s, ",") {
		if p := strings.TrimSpace(part); p != "" {
			out = append(out, p)
		}
	}
	return out
}
