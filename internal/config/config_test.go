package config

import (
	"strings"
	"testing"
	"time"
)

func clearEnv(t *testing.T) {
	t.Helper()
	for _, k := range []string{
		"APP_ENV", "DATABASE_URL", "REDIS_URL", "PORT", "LOG_LEVEL", "JWT_SECRET",
		"KAFKA_BROKERS", "KAFKA_TOPIC", idemTTLSecondsEnvVar, idemTTLDurEnvVar,
		shutdownSecondsEnvVar, shutdownDurationEnvVar, "LOCK_TIMEOUT", "SWEEP_INTERVAL",
		"BALANCE_CACHE_TTL", "MAX_CONFLICT_RETRIES", "SWEEP_BATCH_SIZE", "SWEEP_CONCURRENCY",
		"DEFAULT_CREDIT_EXPIRY_DAYS", "RECENT_TRANSACTIONS_LIMIT", "MUTATION_RATE_LIMIT", "CURRENCY_SCALE",
		"DB_MAX_CONNS", "DB_IDLE_TX_TIMEOUT", "REDIS_POOL_SIZE", "CONNECT_TIMEOUT",
	} {
		t.Setenv(k, "")
	}
}

func TestFromEnvDefaultsInDevelopment(t *testing.T) {
	clearEnv(t)

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if !cfg.IsDev() {
		t.Fatalf("expected development env, got %q", cfg.AppEnv)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
	if cfg.MaxConflictRetries != defaultConflictRetries || cfg.SweepBatchSize != defaultSweepBatchSize {
		t.Fatalf("unexpected defaults %+v", cfg)
	}
	if cfg.DefaultCreditExpiryDays != 0 || cfg.CurrencyScale != 0 {
		t.Fatalf("unexpected credit defaults %+v", cfg)
	}
	if cfg.IdempotencyTTL != 24*time.Hour || cfg.LockTimeout != 5*time.Second {
		t.Fatalf("unexpected durations %+v", cfg)
	}
	if cfg.DBMaxConns != 0 || cfg.RedisPoolSize != 0 || cfg.DBIdleTxTimeout != 30*time.Second || cfg.ConnectTimeout != 5*time.Second {
		t.Fatalf("unexpected connection defaults %+v", cfg)
	}
}

func TestFromEnvConnectionSizing(t *testing.T) {
	clearEnv(t)
	t.Setenv("DB_MAX_CONNS", "40")
	t.Setenv("REDIS_POOL_SIZE", "25")
	t.Setenv("DB_IDLE_TX_TIMEOUT", "1m")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.DBMaxConns != 40 || cfg.RedisPoolSize != 25 || cfg.DBIdleTxTimeout != time.Minute {
		t.Fatalf("unexpected connection sizing %+v", cfg)
	}

	t.Setenv("DB_IDLE_TX_TIMEOUT", "2s")
	if _, err := FromEnv(); err == nil || !strings.Contains(err.Error(), "DB_IDLE_TX_TIMEOUT") {
		t.Fatalf("idle transaction timeout below the lock timeout must be rejected, got %v", err)
	}

	t.Setenv("DB_IDLE_TX_TIMEOUT", "")
	t.Setenv("DB_MAX_CONNS", "-1")
	if _, err := FromEnv(); err == nil {
		t.Fatalf("negative pool size must be rejected")
	}
}

func TestFromEnvOverrides(t *testing.T) {
	clearEnv(t)
	t.Setenv("PORT", ":9090")
	t.Setenv(shutdownSecondsEnvVar, "3")
	t.Setenv(idemTTLDurEnvVar, "90m")
	t.Setenv("SWEEP_INTERVAL", "15m")
	t.Setenv("CURRENCY_SCALE", "2")
	t.Setenv("DEFAULT_CREDIT_EXPIRY_DAYS", "14")
	t.Setenv("MAX_CONFLICT_RETRIES", "0")

	cfg, err := FromEnv()
	if err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
	if cfg.Address() != ":9090" || cfg.ShutdownPeriod != 3*time.Second || cfg.IdempotencyTTL != 90*time.Minute {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.SweepInterval != 15*time.Minute || cfg.CurrencyScale != 2 {
		t.Fatalf("unexpected config %+v", cfg)
	}
	if cfg.DefaultCreditExpiryDays != 14 || cfg.MaxConflictRetries != 0 {
		t.Fatalf("unexpected credit overrides %+v", cfg)
	}
}

func TestFromEnvRejectsInvalidValues(t *testing.T) {
	cases := map[string]string{
		"LOCK_TIMEOUT":               "soon",
		"SWEEP_BATCH_SIZE":           "many",
		shutdownSecondsEnvVar:        "ten",
		"CURRENCY_SCALE":             "12",
		"DEFAULT_CREDIT_EXPIRY_DAYS": "-1",
	}
	for key, value := range cases {
		t.Run(key, func(t *testing.T) {
			clearEnv(t)
			t.Setenv(key, value)
			if _, err := FromEnv(); err == nil {
				t.Fatalf("expected error for %s=%s", key, value)
			}
		})
	}
}

func TestFromEnvRequiresBackendsOutsideDev(t *testing.T) {
	clearEnv(t)
	t.Setenv("APP_ENV", "production")

	_, err := FromEnv()
	if err == nil || !strings.Contains(err.Error(), "DATABASE_URL") {
		t.Fatalf("expected DATABASE_URL error, got %v", err)
	}

	t.Setenv("DATABASE_URL", "postgres://localhost/wallets")
	_, err = FromEnv()
	if err == nil || !strings.Contains(err.Error(), "REDIS_URL") {
		t.Fatalf("expected REDIS_URL error, got %v", err)
	}

	t.Setenv("REDIS_URL", "redis://localhost:6379/0")
	if _, err := FromEnv(); err != nil {
		t.Fatalf("FromEnv: %v", err)
	}
}
