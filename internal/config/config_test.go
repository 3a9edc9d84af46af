package config

import (
	"errors"
	"io/fs"
	"path/filepath"
	"testing"
	"time"
)

func clearSecretEnv(t *testing.T) {
	t.Helper()
	for _, key := range []string{"BINANCE_API_KEY", "BINANCE_SECRET_KEY", "AI_API_KEY", "SERP_API_KEY", "TELEGRAM_BOT_TOKEN", "TRADING_MODE"} {
		t.Setenv(key, "")
	}
}

func TestLoadAppliesDefaults(t *testing.T) {
	clearSecretEnv(t)
	cfg, err := Load(filepath.Join("testdata", "minimal.toml"))
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.Trading.Mode != ModeTest {
		t.Fatalf("expected test mode, got %s", cfg.Trading.Mode)
	}
	if cfg.Trading.Symbol != "BTCUSDT" {
		t.Fatalf("expected normalized symbol BTCUSDT, got %s", cfg.Trading.Symbol)
	}
	if cfg.Risk.KellyFraction != 0.25 || cfg.Risk.MinConviction != 0.55 || cfg.Risk.MaxPositionSize != 0.5 {
		t.Fatalf("unexpected risk defaults: %+v", cfg.Risk)
	}
	if cfg.Scheduler.StartupTimeoutSeconds != 600 {
		t.Fatalf("expected 600s startup timeout, got %d", cfg.Scheduler.StartupTimeoutSeconds)
	}
	backoff := cfg.Scheduler.StartupBackoff()
	want := []time.Duration{2 * time.Second, 4 * time.Second, 10 * time.Second}
	if len(backoff) != len(want) {
		t.Fatalf("unexpected backoff: %v", backoff)
	}
	for i := range want {
		if backoff[i] != want[i] {
			t.Fatalf("backoff[%d]=%v, want %v", i, backoff[i], want[i])
		}
	}
	news := cfg.Jobs[JobNews]
	if !news.Required || news.TTL() != 4*time.Hour {
		t.Fatalf("unexpected news job defaults: %+v", news)
	}
	m1h := cfg.Jobs[JobMarket1h]
	if m1h.IntervalSeconds != 900 {
		t.Fatalf("expected file override 900s for market_1h, got %d", m1h.IntervalSeconds)
	}
	if m1h.TTL() != 90*time.Minute {
		t.Fatalf("expected default ttl kept for market_1h, got %v", m1h.TTL())
	}
	if cfg.Jobs[JobCacheSweep].Required {
		t.Fatalf("cache sweep must not gate readiness")
	}
	if cfg.Database.Path != "data/encho_test.db" {
		t.Fatalf("unexpected db path %s", cfg.Database.Path)
	}
}

func TestEnvOverridesSecrets(t *testing.T) {
	clearSecretEnv(t)
	t.Setenv("BINANCE_API_KEY", "k")
	t.Setenv("BINANCE_SECRET_KEY", "s")
	t.Setenv("TRADING_MODE", "REAL")
	cfg, err := Parse([]byte("[trading]\nmode = \"test\"\n"))
	if err != nil {
		t.Fatalf("parse: %v", err)
	}
	if !cfg.Trading.IsReal() {
		t.Fatalf("expected env to switch mode to real")
	}
	if cfg.Exchange.APIKey != "k" || cfg.Exchange.SecretKey != "s" {
		t.Fatalf("expected secrets from env, got %+v", cfg.Exchange)
	}
}

func TestValidateRejectsRealModeWithoutKeys(t *testing.T) {
	clearSecretEnv(t)
	if _, err := Parse([]byte("[trading]\nmode = \"real\"\n")); err == nil {
		t.Fatalf("expected error for real mode without keys")
	}
	if _, err := Parse([]byte("[trading]\nmode = \"paper\"\n")); err == nil {
		t.Fatalf("expected error for unknown mode")
	}
	if _, err := Parse([]byte("[risk]\nkelly_fraction = 1.5\n")); err == nil {
		t.Fatalf("expected error for kelly_fraction > 1")
	}
}

func TestLoadMissingFile(t *testing.T) {
	_, err := Load(filepath.Join(t.TempDir(), "nope.toml"))
	if !errors.Is(err, fs.ErrNotExist) {
		t.Fatalf("expected wrapped not-exist error, got %v", err)
	}
}
