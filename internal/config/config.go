package config

import (
	"os"
	"strconv"
	"time"

	_ "github.com/joho/godotenv/autoload"
)

// Config holds all application configuration.
type Config struct {
	Port int

	// Database
	DBHost     string
	DBPort     string
	DBUser     string
	DBPassword string
	DBName     string
	DBSchema   string

	// Round timing. The 40s/50s split is a bit-exact contract with clients.
	TotalWindow    time.Duration
	BettingWindow  time.Duration
	ClockTolerance time.Duration

	// Bet bounds
	MinBetAmount int64
	MaxBetAmount int64

	// Wallet seeding for first-time players
	InitialBalance int64

	// Gamble limits
	DailyBetLimit    int64
	DailyLossLimit   int64
	SessionLossLimit int64
	SessionDuration  time.Duration
	CoolingOff       time.Duration

	// Reliable delivery
	DeliveryTimeout    time.Duration
	DeliveryMaxRetries int
	DeliveryMaxPending int

	// Recovery
	RecoveryInterval   time.Duration
	StuckRoundAfter    time.Duration
	LedgerGracePeriod  time.Duration
	RecoveryMaxRetries int
}

// Load reads configuration from the environment with defaults suitable
// for local development.
func Load() *Config {
	return &Config{
		Port: getEnvAsInt("PORT", 8080),

		DBHost:     getEnv("COLORSPIN_DB_HOST", "localhost"),
		DBPort:     getEnv("COLORSPIN_DB_PORT", "5432"),
		DBUser:     getEnv("COLORSPIN_DB_USERNAME", "postgres"),
		DBPassword: getEnv("COLORSPIN_DB_PASSWORD", "postgres"),
		DBName:     getEnv("COLORSPIN_DB_DATABASE", "colorspin"),
		DBSchema:   getEnv("COLORSPIN_DB_SCHEMA", "public"),

		TotalWindow:    getEnvAsDuration("ROUND_TOTAL_WINDOW", 50*time.Second),
		BettingWindow:  getEnvAsDuration("ROUND_BETTING_WINDOW", 40*time.Second),
		ClockTolerance: getEnvAsDuration("CLIENT_CLOCK_TOLERANCE", 5*time.Second),

		MinBetAmount: getEnvAsInt64("MIN_BET_AMOUNT", 10),
		MaxBetAmount: getEnvAsInt64("MAX_BET_AMOUNT", 100000),

		InitialBalance: getEnvAsInt64("INITIAL_BALANCE", 100000),

		DailyBetLimit:    getEnvAsInt64("DAILY_BET_LIMIT", 500000),
		DailyLossLimit:   getEnvAsInt64("DAILY_LOSS_LIMIT", 100000),
		SessionLossLimit: getEnvAsInt64("SESSION_LOSS_LIMIT", 50000),
		SessionDuration:  getEnvAsDuration("SESSION_DURATION", 4*time.Hour),
		CoolingOff:       getEnvAsDuration("COOLING_OFF_DURATION", 24*time.Hour),

		DeliveryTimeout:    getEnvAsDuration("DELIVERY_TIMEOUT", 5*time.Second),
		DeliveryMaxRetries: getEnvAsInt("DELIVERY_MAX_RETRIES", 3),
		DeliveryMaxPending: getEnvAsInt("DELIVERY_MAX_PENDING", 10000),

		RecoveryInterval:   getEnvAsDuration("RECOVERY_INTERVAL", 30*time.Second),
		StuckRoundAfter:    getEnvAsDuration("STUCK_ROUND_AFTER", 5*time.Minute),
		LedgerGracePeriod:  getEnvAsDuration("LEDGER_GRACE_PERIOD", 30*time.Second),
		RecoveryMaxRetries: getEnvAsInt("RECOVERY_MAX_RETRIES", 5),
	}
}

// DatabaseURL assembles the postgres connection string.
func (c *Config) DatabaseURL() string {
	return "postgres://" + c.DBUser + ":" + c.DBPassword + "@" + c.DBHost + ":" + c.DBPort +
		"/" + c.DBName + "?sslmode=disable&search_path=" + c.DBSchema
}

func getEnv(key, defaultVal string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return defaultVal
}

func getEnvAsInt(key string, defaultVal int) int {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.Atoi(val); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsInt64(key string, defaultVal int64) int64 {
	if val := os.Getenv(key); val != "" {
		if intVal, err := strconv.ParseInt(val, 10, 64); err == nil {
			return intVal
		}
	}
	return defaultVal
}

func getEnvAsDuration(key string, defaultVal time.Duration) time.Duration {
	if val := os.Getenv(key); val != "" {
		if d, err := time.ParseDuration(val); err == nil {
			return d
		}
	}
	return defaultVal
}
