package config

import (
	"errors"
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DB_PATH", "")
	t.Setenv("DATABASE_PATH", "")
	t.Setenv("DAILY_MAX_LOSS_USDT", "")
	t.Setenv("ALLOWED_SYMBOLS", "")
	t.Setenv("DEMO_MODE", "")
	t.Setenv("JWT_SECRET", "s3cret")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "./data/execution.db" {
		t.Fatalf("DBPath=%q", cfg.DBPath)
	}
	if cfg.DailyMaxLossUSDT != 50 || cfg.MaxTradesPerDay != 20 || cfg.MaxConsecutiveLosses != 3 {
		t.Fatalf("unexpected risk defaults: %+v", cfg)
	}
	if cfg.CooldownAfterTradeSec != 30 || cfg.PauseDurationMin != 1440 {
		t.Fatalf("unexpected cooldown/pause defaults: %+v", cfg)
	}
	if cfg.StrategyLockTTL != 2*time.Minute {
		t.Fatalf("StrategyLockTTL=%v", cfg.StrategyLockTTL)
	}
	if len(cfg.AllowedSymbols) != 3 || cfg.AllowedSymbols[2] != "SOLUSDT" {
		t.Fatalf("AllowedSymbols=%v", cfg.AllowedSymbols)
	}
	if cfg.DemoMode {
		t.Fatal("DemoMode should default to false")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DB_PATH", "/tmp/x.db")
	t.Setenv("DAILY_MAX_LOSS_USDT", "120.5")
	t.Setenv("MAX_TRADES_PER_DAY", "not-a-number")
	t.Setenv("ALLOWED_SYMBOLS", " btcusdt , ,ethusdt")
	t.Setenv("DEMO_MODE", "1")
	t.Setenv("EXCHANGE_TIMEOUT_MS", "15000")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.DBPath != "/tmp/x.db" {
		t.Fatalf("DBPath=%q", cfg.DBPath)
	}
	if cfg.DailyMaxLossUSDT != 120.5 {
		t.Fatalf("DailyMaxLossUSDT=%v", cfg.DailyMaxLossUSDT)
	}
	if cfg.MaxTradesPerDay != 20 {
		t.Fatalf("invalid int should fall back, got %d", cfg.MaxTradesPerDay)
	}
	if got := cfg.AllowedSymbols; len(got) != 2 || got[0] != "BTCUSDT" || got[1] != "ETHUSDT" {
		t.Fatalf("AllowedSymbols=%v", got)
	}
	if !cfg.DemoMode {
		t.Fatal("DemoMode should be true")
	}
	if cfg.ExchangeTimeout != 15*time.Second {
		t.Fatalf("ExchangeTimeout=%v", cfg.ExchangeTimeout)
	}
}

func TestLoadJWTSecret(t *testing.T) {
	t.Run("required outside demo mode", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("DEMO_MODE", "false")
		if _, err := Load(); !errors.Is(err, ErrJWTSecretRequired) {
			t.Fatalf("expected ErrJWTSecretRequired, got %v", err)
		}
	})
	t.Run("demo mode falls back", func(t *testing.T) {
		t.Setenv("JWT_SECRET", "")
		t.Setenv("DEMO_MODE", "true")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.JWTSecret != demoJWTSecret {
			t.Fatalf("JWTSecret=%q", cfg.JWTSecret)
		}
	})
	t.Run("explicit secret wins", func(t *testing.T) {
		t.Setenv("JWT_SECRET", " prod-secret ")
		t.Setenv("DEMO_MODE", "false")
		cfg, err := Load()
		if err != nil {
			t.Fatalf("Load: %v", err)
		}
		if cfg.JWTSecret != "prod-secret" {
			t.Fatalf("JWTSecret=%q", cfg.JWTSecret)
		}
	})
}
