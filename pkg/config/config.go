package config

import (
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// Config holds environment-driven settings for the bridge server.
type Config struct {
	Port string

	// Database
	DBPath string

	// Connector sessions
	HeartbeatInterval time.Duration // expected agent heartbeat cadence
	StaleMultiplier   int           // session is stale after N missed heartbeats

	// Execution
	CommandTimeout time.Duration // await bound for a TRADE_RESULT

	// Reconciliation
	ReconcileInterval time.Duration

	// Autonomous trading
	AutoTradeEnabled  bool
	AutoTradeInterval time.Duration
	AutoTradeWorkers  int
	AutoTradeConfig   string // path to autotrade.yaml
	ReferenceTimezone string // IANA name for the daily-counter boundary

	// Prediction subsystem
	SignalServerAddr string

	// Auth
	JWTSecret string
	AdminKey  string // exchanged for an operator token at /api/auth/token
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	return &Config{
		Port:              getEnv("PORT", "8090"),
		DBPath:            getEnv("DB_PATH", "./data/tradebridge.db"),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
		StaleMultiplier:   getEnvInt("STALE_MULTIPLIER", 3),
		CommandTimeout:    getEnvDuration("COMMAND_TIMEOUT", 15*time.Second),
		ReconcileInterval: getEnvDuration("RECONCILE_INTERVAL", 30*time.Second),
		AutoTradeEnabled:  getEnv("AUTOTRADE_ENABLED", "true") == "true",
		AutoTradeInterval: getEnvDuration("AUTOTRADE_INTERVAL", time.Minute),
		AutoTradeWorkers:  getEnvInt("AUTOTRADE_WORKERS", 4),
		AutoTradeConfig:   getEnv("AUTOTRADE_CONFIG", "autotrade.yaml"),
		ReferenceTimezone: getEnv("REFERENCE_TIMEZONE", "UTC"),
		SignalServerAddr:  getEnv("SIGNAL_SERVER_ADDR", "localhost:50051"),
		JWTSecret:         getEnv("JWT_SECRET", "dev-secret"),
		AdminKey:          getEnv("ADMIN_KEY", "dev-admin"),
	}, nil
}

// AgentConfig holds environment-driven settings for the connector agent.
type AgentConfig struct {
	ServerURL         string // ws:// or wss:// endpoint of the bridge server
	Account           string
	Token             string
	PositionsInterval time.Duration
	AccountInterval   time.Duration
	HeartbeatInterval time.Duration
}

// LoadAgent reads connector agent settings from the environment.
func LoadAgent() (*AgentConfig, error) {
	_ = godotenv.Load()

	return &AgentConfig{
		ServerURL:         getEnv("BRIDGE_URL", "ws://localhost:8090/ws/connector"),
		Account:           strings.TrimSpace(os.Getenv("BRIDGE_ACCOUNT")),
		Token:             os.Getenv("BRIDGE_TOKEN"),
		PositionsInterval: getEnvDuration("POSITIONS_INTERVAL", 3*time.Second),
		AccountInterval:   getEnvDuration("ACCOUNT_INTERVAL", 5*time.Second),
		HeartbeatInterval: getEnvDuration("HEARTBEAT_INTERVAL", 30*time.Second),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil {
			return i
		}
	}
	return def
}

func getEnvDuration(key string, def time.Duration) time.Duration {
	if v := os.Getenv(key); v != "" {
		if d, err := time.ParseDuration(v); err == nil {
			return d
		}
	}
	return def
}
