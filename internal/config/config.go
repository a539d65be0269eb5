// Package config loads the gateway's process-level configuration from the
// environment, following the teacher's own getEnv/getEnvAsInt/getEnvAsBool
// and godotenv idiom. Per-account broker credentials are NOT handled here;
// internal/accounts.Load reads those directly so the registry stays the
// single source of truth for account discovery.
package config

import (
	"fmt"
	"os"
	"strconv"

	"github.com/joho/godotenv"

	"github.com/aristath/mnq-gateway/internal/broker"
	"github.com/aristath/mnq-gateway/internal/risk"
)

// Config holds the gateway's process-level configuration.
type Config struct {
	Port     int
	LogLevel string
	DevMode  bool

	// DataDir is where the alert log's sqlite database lives by default
	// (DataDir + "/alerts.db"), unless ALERTS_DB_PATH overrides it directly.
	DataDir string

	// AlertsDBPath, when set via ALERTS_DB_PATH, overrides the derived
	// DataDir-based alert database location entirely.
	AlertsDBPath string

	// Risk holds the daily limits read from the RISK_* variables; each
	// falls back to its risk.DefaultConfig() value when the variable is
	// unset. risk.NewManager fills in the lock and fingerprint settings.
	Risk risk.Config

	// EnumScheme selects which of the two observed ProjectX order-side
	// numberings this deployment's upstream gateway expects (see
	// DESIGN.md's order-enum-numbering entry).
	EnumScheme broker.EnumScheme

	// HousekeepingInterval controls how often the background sweep job
	// evicts expired risk fingerprints and logs ring-buffer overflow.
	HousekeepingInterval string
}

// Load reads configuration from the environment, loading a .env file first
// if one is present.
func Load() (*Config, error) {
	_ = godotenv.Load()

	riskDefaults := risk.DefaultConfig()
	cfg := &Config{
		Port:                 getEnvAsInt("PORT", 8080),
		LogLevel:             getEnv("LOG_LEVEL", "info"),
		DevMode:              getEnvAsBool("DEV_MODE", false),
		DataDir:              getEnv("DATA_DIR", "./data"),
		AlertsDBPath:         getEnv("ALERTS_DB_PATH", ""),
		HousekeepingInterval: getEnv("HOUSEKEEPING_INTERVAL", "@every 5m"),
		EnumScheme:           enumSchemeFromEnv(),
		Risk: risk.Config{
			MaxTradesPerDay: getEnvAsInt("RISK_MAX_TRADES_PER_DAY", riskDefaults.MaxTradesPerDay),
			MaxDailyLossUSD: getEnvAsFloat("RISK_MAX_DAILY_LOSS_USD", riskDefaults.MaxDailyLossUSD),
			CooldownSeconds: getEnvAsInt("RISK_COOLDOWN_SECONDS", riskDefaults.CooldownSeconds),
		},
	}

	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return cfg, nil
}

// Validate checks that the configuration is internally consistent.
func (c *Config) Validate() error {
	if c.Port <= 0 || c.Port > 65535 {
		return fmt.Errorf("config: invalid PORT %d", c.Port)
	}
	if c.DataDir == "" {
		return fmt.Errorf("config: DATA_DIR must not be empty")
	}
	return nil
}

// AlertDBPath is where the alert log's sqlite database lives: ALERTS_DB_PATH
// verbatim if set, otherwise DataDir + "/alerts.db".
func (c *Config) AlertDBPath() string {
	if c.AlertsDBPath != "" {
		return c.AlertsDBPath
	}
	return c.DataDir + "/alerts.db"
}

func enumSchemeFromEnv() broker.EnumScheme {
	switch getEnv("ORDER_ENUM_SCHEME", "A") {
	case "B", "b":
		return broker.SchemeB
	default:
		return broker.SchemeA
	}
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
		if f, err := strconv.ParseFloat(value, 64); err == nil {
			return f
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
