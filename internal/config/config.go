package config

import (
	"errors"
	"fmt"
	"io/fs"
	"os"
	"strconv"
	"strings"
	"time"

	"github.com/joho/godotenv"
)

const (
	defaultAppName          = "WalletLedger"
	defaultAppEnv           = "development"
	defaultPort             = "8080"
	defaultLogLevel         = "info"
	defaultShutdownDelay    = 10 * time.Second
	defaultIdempotencyTTL   = 24 * time.Hour
	defaultLockTimeout      = 5 * time.Second
	defaultConflictRetries  = 3
	defaultSweepInterval    = time.Hour
	defaultSweepBatchSize   = 100
	defaultSweepConcurrency = 4
	defaultCreditExpiryDays = 0
	defaultRecentLimit      = 20
	defaultBalanceCacheTTL  = 30 * time.Second
	defaultMutationsPerMin  = 60
	defaultKafkaTopic       = "wallet-ledger-events"
	defaultDBIdleTxTimeout  = 30 * time.Second
	defaultConnectTimeout   = 5 * time.Second
	idemTTLSecondsEnvVar    = "IDEMPOTENCY_TTL_SECONDS"
	idemTTLDurEnvVar        = "IDEMPOTENCY_TTL"
	shutdownSecondsEnvVar   = "SHUTDOWN_TIMEOUT_SECONDS"
	shutdownDurationEnvVar  = "SHUTDOWN_TIMEOUT"
)

// Config captures application runtime configuration loaded from environment variables.
type Config struct {
	AppName        string
	AppEnv         string
	Port           string
	LogLevel       string
	DatabaseURL    string
	RedisURL       string
	KafkaBrokers   string
	KafkaTopic     string
	JWTSecret      string
	ShutdownPeriod time.Duration
	IdempotencyTTL time.Duration

	LockTimeout             time.Duration
	MaxConflictRetries      int
	SweepInterval           time.Duration
	SweepBatchSize          int
	SweepConcurrency        int
	DefaultCreditExpiryDays int
	CurrencyScale           int32
	RecentTransactionsLimit int
	BalanceCacheTTL         time.Duration
	MutationRateLimit       int

	// Connection sizing. Zero pool sizes keep the driver defaults.
	DBMaxConns      int
	DBIdleTxTimeout time.Duration
	RedisPoolSize   int
	ConnectTimeout  time.Duration
}

// Load reads an optional .env file, then the environment, and validates the result.
func Load() (Config, error) {
	if err := godotenv.Load(); err != nil && !errors.Is(err, fs.ErrNotExist) {
		return Config{}, fmt.Errorf("load .env: %w", err)
	}
	return FromEnv()
}

// FromEnv builds a Config from the process environment only.
func FromEnv() (Config, error) {
	cfg := Config{
		AppName:      getEnv("APP_NAME", defaultAppName),
		AppEnv:       getEnv("APP_ENV", defaultAppEnv),
		Port:         getEnv("PORT", defaultPort),
		LogLevel:     strings.ToLower(getEnv("LOG_LEVEL", defaultLogLevel)),
		DatabaseURL:  os.Getenv("DATABASE_URL"),
		RedisURL:     os.Getenv("REDIS_URL"),
		KafkaBrokers: os.Getenv("KAFKA_BROKERS"),
		KafkaTopic:   getEnv("KAFKA_TOPIC", defaultKafkaTopic),
		JWTSecret:    os.Getenv("JWT_SECRET"),
	}

	var err error
	if cfg.ShutdownPeriod, err = secondsOrDuration(shutdownSecondsEnvVar, shutdownDurationEnvVar, defaultShutdownDelay); err != nil {
		return Config{}, err
	}
	if cfg.IdempotencyTTL, err = secondsOrDuration(idemTTLSecondsEnvVar, idemTTLDurEnvVar, defaultIdempotencyTTL); err != nil {
		return Config{}, err
	}
	if cfg.LockTimeout, err = getDuration("LOCK_TIMEOUT", defaultLockTimeout); err != nil {
		return Config{}, err
	}
	if cfg.SweepInterval, err = getDuration("SWEEP_INTERVAL", defaultSweepInterval); err != nil {
		return Config{}, err
	}
	if cfg.BalanceCacheTTL, err = getDuration("BALANCE_CACHE_TTL", defaultBalanceCacheTTL); err != nil {
		return Config{}, err
	}
	if cfg.MaxConflictRetries, err = getInt("MAX_CONFLICT_RETRIES", defaultConflictRetries); err != nil {
		return Config{}, err
	}
	if cfg.SweepBatchSize, err = getInt("SWEEP_BATCH_SIZE", defaultSweepBatchSize); err != nil {
		return Config{}, err
	}
	if cfg.SweepConcurrency, err = getInt("SWEEP_CONCURRENCY", defaultSweepConcurrency); err != nil {
		return Config{}, err
	}
	if cfg.DefaultCreditExpiryDays, err = getInt("DEFAULT_CREDIT_EXPIRY_DAYS", defaultCreditExpiryDays); err != nil {
		return Config{}, err
	}
	if cfg.RecentTransactionsLimit, err = getInt("RECENT_TRANSACTIONS_LIMIT", defaultRecentLimit); err != nil {
		return Config{}, err
	}
	if cfg.MutationRateLimit, err = getInt("MUTATION_RATE_LIMIT", defaultMutationsPerMin); err != nil {
		return Config{}, err
	}
	if cfg.DBMaxConns, err = getInt("DB_MAX_CONNS", 0); err != nil {
		return Config{}, err
	}
	if cfg.DBIdleTxTimeout, err = getDuration("DB_IDLE_TX_TIMEOUT", defaultDBIdleTxTimeout); err != nil {
		return Config{}, err
	}
	if cfg.RedisPoolSize, err = getInt("REDIS_POOL_SIZE", 0); err != nil {
		return Config{}, err
	}
	if cfg.ConnectTimeout, err = getDuration("CONNECT_TIMEOUT", defaultConnectTimeout); err != nil {
		return Config{}, err
	}
	scale, err := getInt("CURRENCY_SCALE", 0)
	if err != nil {
		return Config{}, err
	}
	cfg.CurrencyScale = int32(scale)

	if err := cfg.validate(); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func (c Config) validate() error {
	if c.CurrencyScale < 0 || c.CurrencyScale > 8 {
		return fmt.Errorf("CURRENCY_SCALE must be between 0 and 8, got %d", c.CurrencyScale)
	}
	if c.DefaultCreditExpiryDays < 0 {
		return fmt.Errorf("DEFAULT_CREDIT_EXPIRY_DAYS must not be negative")
	}
	if c.MaxConflictRetries < 0 {
		return fmt.Errorf("MAX_CONFLICT_RETRIES must not be negative")
	}
	if c.LockTimeout <= 0 || c.SweepInterval <= 0 {
		return fmt.Errorf("LOCK_TIMEOUT and SWEEP_INTERVAL must be positive")
	}
	if c.DBMaxConns < 0 || c.RedisPoolSize < 0 {
		return fmt.Errorf("DB_MAX_CONNS and REDIS_POOL_SIZE must not be negative")
	}
	if c.DBIdleTxTimeout > 0 && c.DBIdleTxTimeout <= c.LockTimeout {
		return fmt.Errorf("DB_IDLE_TX_TIMEOUT must exceed LOCK_TIMEOUT")
	}
	if c.IsDev() {
		return nil
	}
	if c.DatabaseURL == "" {
		return fmt.Errorf("DATABASE_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	if c.RedisURL == "" {
		return fmt.Errorf("REDIS_URL must be set when APP_ENV=%s", c.AppEnv)
	}
	return nil
}

// IsDev reports whether the service may run without Postgres and Redis.
func (c Config) IsDev() bool {
	switch strings.ToLower(c.AppEnv) {
	case "dev", "development", "local", "test":
		return true
	default:
		return false
	}
}

// Address returns the listen address in the format Fiber expects.
func (c Config) Address() string {
	if strings.HasPrefix(c.Port, ":") {
		return c.Port
	}
	return fmt.Sprintf(":%s", c.Port)
}

func getEnv(key, fallback string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return fallback
}

func getInt(key string, fallback int) (int, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	n, err := strconv.Atoi(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return n, nil
}

func getDuration(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("invalid %s: %w", key, err)
	}
	return d, nil
}

// secondsOrDuration prefers the integer-seconds variable over the duration one.
func secondsOrDuration(secondsKey, durationKey string, fallback time.Duration) (time.Duration, error) {
	if v := os.Getenv(secondsKey); v != "" {
		seconds, err := strconv.Atoi(v)
		if err != nil {
			return 0, fmt.Errorf("invalid %s: %w", secondsKey, err)
		}
		return time.Duration(seconds) * time.Second, nil
	}
	return getDuration(durationKey, fallback)
}
