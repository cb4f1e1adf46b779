package config

import (
	"errors"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

// ErrJWTSecretRequired is returned when JWT_SECRET is unset outside demo mode.
var ErrJWTSecretRequired = errors.New("JWT_SECRET is required when DEMO_MODE is off")

// demoJWTSecret signs operator tokens in demo mode only.
const demoJWTSecret = "dev-secret"

// Config holds environment-driven settings for the execution core.
type Config struct {
	Port     string
	GRPCPort string

	// Database
	DBPath string

	// Auth
	JWTSecret            string
	OperatorPasswordHash string // bcrypt hash; empty disables token issuance

	// Localization
	Language string // "en" or "zh"

	// Execution
	DemoMode         bool // never send orders, audit as skipped
	VerifyAfterPlace bool
	ExchangeTimeout  time.Duration
	RecvWindowMs     int64

	// Risk gate limits
	DailyMaxLossUSDT      float64
	MaxTradesPerDay       int
	MaxConsecutiveLosses  int
	CooldownAfterTradeSec int
	PauseDurationMin      int

	// Strategies
	AllowedSymbols       []string
	StrategyLockTTL      time.Duration
	RunCooldown          time.Duration
	SchedulerInterval    time.Duration // 0 disables the internal ticker
	StrategiesFile       string
	SchedulerConcurrency int

	// Copy trading
	CopyWorkers int
}

// Load reads environment variables (optionally via .env) into Config.
func Load() (*Config, error) {
	// Ignore error so the app still starts when .env is missing.
	_ = godotenv.Load()

	dbPath := getEnv("DB_PATH", "")
	if dbPath == "" {
		dbPath = getEnv("DATABASE_PATH", "./data/execution.db")
	}

	demoMode := getEnvBool("DEMO_MODE", false)
	jwtSecret := strings.TrimSpace(os.Getenv("JWT_SECRET"))
	if jwtSecret == "" {
		if !demoMode {
			return nil, ErrJWTSecretRequired
		}
		jwtSecret = demoJWTSecret
	}

	return &Config{
		Port:                  getEnv("PORT", "8080"),
		GRPCPort:              getEnv("GRPC_PORT", "9090"),
		DBPath:                dbPath,
		JWTSecret:             jwtSecret,
		OperatorPasswordHash:  os.Getenv("OPERATOR_PASSWORD_HASH"),
		Language:              getEnv("LANGUAGE", "en"),
		DemoMode:              demoMode,
		VerifyAfterPlace:      getEnvBool("VERIFY_AFTER_PLACE", true),
		ExchangeTimeout:       time.Duration(getEnvInt("EXCHANGE_TIMEOUT_MS", 10000)) * time.Millisecond,
		RecvWindowMs:          int64(getEnvInt("RECV_WINDOW_MS", 10000)),
		DailyMaxLossUSDT:      getEnvFloat("DAILY_MAX_LOSS_USDT", 50),
		MaxTradesPerDay:       getEnvInt("MAX_TRADES_PER_DAY", 20),
		MaxConsecutiveLosses:  getEnvInt("MAX_CONSECUTIVE_LOSSES", 3),
		CooldownAfterTradeSec: getEnvInt("COOLDOWN_AFTER_TRADE_SEC", 30),
		PauseDurationMin:      getEnvInt("PAUSE_DURATION_MIN", 1440),
		AllowedSymbols:        splitAndTrim(getEnv("ALLOWED_SYMBOLS", "BTCUSDT,ETHUSDT,SOLUSDT")),
		StrategyLockTTL:       time.Duration(getEnvInt("STRATEGY_LOCK_TTL_SEC", 120)) * time.Second,
		RunCooldown:           time.Duration(getEnvInt("RUN_COOLDOWN_SEC", 30)) * time.Second,
		SchedulerInterval:     time.Duration(getEnvInt("SCHEDULER_INTERVAL_SEC", 0)) * time.Second,
		StrategiesFile:        getEnv("STRATEGIES_FILE", "strategies.yaml"),
		SchedulerConcurrency:  getEnvInt("SCHEDULER_CONCURRENCY", 4),
		CopyWorkers:           getEnvInt("COPY_WORKERS", 8),
	}, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func getEnvBool(key string, def bool) bool {
	v := strings.ToLower(strings.TrimSpace(os.Getenv(key)))
	switch v {
	case "true", "1", "yes":
		return true
	case "false", "0", "no":
		return false
	default:
		return def
	}
}

func splitAndTrim(val string) []string {
	parts := strings.Split(val, ",")
	out := make([]string, 0, len(parts))
	for _, p := range parts {
		if t := strings.ToUpper(strings.TrimSpace(p)); t != "" {
			out = append(out, t)
		}
	}
	return out
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if f, err := strconv.ParseFloat(v, 64); err == nil && f > 0 {
			return f
		}
	}
	return def
}

func getEnvInt(key string, def int) int {
	if v := os.Getenv(key); v != "" {
		if i, err := strconv.Atoi(v); err == nil && i >= 0 {
			return i
		}
	}
	return def
}
