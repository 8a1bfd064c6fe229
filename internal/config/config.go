package config

import (
	"encoding/json"
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Account describes one broker account available to the orchestrator.
type Account struct {
	ID        string `json:"id"`
	APIKey    string `json:"api_key"`
	APISecret string `json:"api_secret"`
}

// Config holds application configuration for every component in the
// streaming pipeline and control plane.
type Config struct {
	// Server
	Port    int
	DevMode bool

	// Durable store
	StoreDSN string

	// Message bus
	BusURL string

	// Broker accounts
	Accounts []Account

	// Broker endpoints
	BrokerStreamURL string
	BrokerRESTURL   string

	// Control-plane auth (enforcement lives in the external presentation
	// layer; the core passes the flag to the server config and neither
	// enforces nor reports it)
	APIKeyEnabled bool
	APIKey        string

	// Market calendar
	MarketTimezone string
	MarketOpen     string // "HH:MM"
	MarketClose    string // "HH:MM"

	// Broker connection pool (C6)
	MaxTokensPerConnection   int
	MaxConnectionsPerAccount int
	SubscribeTimeout         time.Duration

	// Publish batcher (C10)
	BatchWindow  time.Duration
	BatchMaxSize int

	// Bus publisher (C11)
	PublishTimeout        time.Duration
	CircuitFailThreshold  int
	CircuitRecovery       time.Duration
	CircuitHalfOpenProbes int

	// Account orchestrator (C5)
	LeaseTimeout time.Duration

	// Instrument registry (C2)
	RegistryRefreshInterval time.Duration

	// Greeks engine (C8)
	RiskFreeRate    float64
	DividendYield   float64
	IVMaxIterations int
	IVTolerance     float64

	// Tick validator (C7)
	ValidationMode string

	// Order executor (C13)
	ExecutorMaxAttempts int
	ExecutorMaxTasks    int

	// Streaming orchestrator (C12)
	ReconcileDebounce time.Duration
	EnableMockData    bool
	MockTokenTTL      time.Duration

	// Logging
	LogLevel string
}

// Load reads configuration from environment variables, loading a local
// .env file first if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	cfg := &Config{
		Port:                     getEnvAsInt("GO_PORT", 8001),
		DevMode:                  getEnvAsBool("DEV_MODE", false),
		StoreDSN:                 getEnv("STORE_DSN", "./data/streamgate.db"),
		BusURL:                   getEnv("BUS_URL", "nats://127.0.0.1:4222"),
		BrokerStreamURL:          getEnv("BROKER_STREAM_URL", "wss://stream.broker.example/ws"),
		BrokerRESTURL:            getEnv("BROKER_REST_URL", "https://api.broker.example"),
		APIKeyEnabled:            getEnvAsBool("API_KEY_ENABLED", !getEnvAsBool("DEV_MODE", false)),
		APIKey:                   getEnv("API_KEY", ""),
		MarketTimezone:           getEnv("MARKET_TIMEZONE", "Asia/Kolkata"),
		MarketOpen:               getEnv("MARKET_OPEN", "09:15"),
		MarketClose:              getEnv("MARKET_CLOSE", "15:30"),
		MaxTokensPerConnection:   getEnvAsInt("MAX_TOKENS_PER_CONNECTION", 3000),
		MaxConnectionsPerAccount: getEnvAsInt("MAX_CONNECTIONS_PER_ACCOUNT", 3),
		SubscribeTimeout:         getEnvAsDuration("SUBSCRIBE_TIMEOUT_S", 10*time.Second, time.Second),
		BatchWindow:              getEnvAsDuration("BATCH_WINDOW_MS", 100*time.Millisecond, time.Millisecond),
		BatchMaxSize:             getEnvAsInt("BATCH_MAX_SIZE", 1000),
		PublishTimeout:           getEnvAsDuration("PUBLISH_TIMEOUT_MS", time.Second, time.Millisecond),
		CircuitFailThreshold:     getEnvAsInt("CIRCUIT_FAILURE_THRESHOLD", 5),
		CircuitRecovery:          getEnvAsDuration("CIRCUIT_RECOVERY_S", 30*time.Second, time.Second),
		CircuitHalfOpenProbes:    getEnvAsInt("CIRCUIT_HALF_OPEN_SUCCESSES", 2),
		LeaseTimeout:             getEnvAsDuration("LEASE_TIMEOUT_S", 30*time.Second, time.Second),
		RegistryRefreshInterval:  getEnvAsDuration("REGISTRY_REFRESH_INTERVAL_HOURS", 24*time.Hour, time.Hour),
		RiskFreeRate:             getEnvAsFloat("RISK_FREE_RATE", 0.065),
		DividendYield:            getEnvAsFloat("DIVIDEND_YIELD", 0.0),
		IVMaxIterations:          getEnvAsInt("IV_MAX_ITERATIONS", 50),
		IVTolerance:              getEnvAsFloat("IV_TOLERANCE", 1e-6),
		ValidationMode:           getEnv("VALIDATION_MODE", "lenient"),
		ExecutorMaxAttempts:      getEnvAsInt("EXECUTOR_MAX_ATTEMPTS", 5),
		ExecutorMaxTasks:         getEnvAsInt("EXECUTOR_MAX_TASKS", 10000),
		ReconcileDebounce:        getEnvAsDuration("RECONCILE_DEBOUNCE_S", 5*time.Second, time.Second),
		EnableMockData:           getEnvAsBool("ENABLE_MOCK_DATA", false),
		MockTokenTTL:             getEnvAsDuration("MOCK_TOKEN_TTL_MINUTES", 30*time.Minute, time.Minute),
		LogLevel:                 getEnv("LOG_LEVEL", "info"),
	}

	accounts, err := parseAccounts(getEnv("ACCOUNTS", ""))
	if err != nil {
		return nil, fmt.Errorf("invalid ACCOUNTS: %w", err)
	}
	cfg.Accounts = accounts

	if err := cfg.Validate(); err != nil {
		return nil, err
	}

	return cfg, nil
}

// Validate checks if required configuration is present.
func (c *Config) Validate() error {
	if c.StoreDSN == "" {
		return fmt.Errorf("STORE_DSN is required")
	}
	if c.BusURL == "" {
		return fmt.Errorf("BUS_URL is required")
	}
	if len(c.Accounts) == 0 && !c.EnableMockData {
		return fmt.Errorf("at least one account is required unless ENABLE_MOCK_DATA is set")
	}
	if c.APIKeyEnabled && c.APIKey == "" {
		return fmt.Errorf("API_KEY is required when API_KEY_ENABLED is true")
	}
	for _, a := range c.Accounts {
		if a.ID == "" {
			return fmt.Errorf("account entries must have a non-empty id")
		}
	}
	return nil
}

// parseAccounts decodes the ACCOUNTS env var, a JSON array of Account.
func parseAccounts(raw string) ([]Account, error) {
	raw = strings.TrimSpace(raw)
	if raw == "" {
		return nil, nil
	}
	var accounts []Account
	if err := json.Unmarshal([]byte(raw), &accounts); err != nil {
		return nil, err
	}
	return accounts, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvAsInt(key string, defaultValue int) int {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return intVal
		}
	}
	return defaultValue
}

func getEnvAsFloat(key string, defaultValue float64) float64 {
	if value := os.Getenv(key); value != "" {
		if floatVal, err := strconv.ParseFloat(value, 64); err == nil {
			return floatVal
		}
	}
	return defaultValue
}

func getEnvAsBool(key string, defaultValue bool) bool {
	if value := os.Getenv(key); value != "" {
		if boolVal, err := strconv.ParseBool(value); err == nil {
			return boolVal
		}
	}
	return defaultValue
}

// getEnvAsDuration reads an integer env var in `unit` units (e.g. seconds,
// milliseconds) and returns it as a time.Duration.
func getEnvAsDuration(key string, defaultValue time.Duration, unit time.Duration) time.Duration {
	if value := os.Getenv(key); value != "" {
		if intVal, err := strconv.Atoi(value); err == nil {
			return time.Duration(intVal) * unit
		}
	}
	return defaultValue
}
