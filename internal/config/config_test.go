package config

import (
	"testing"
	"time"
)

func TestLoadDoesNotInjectWeakAuthDefaults(t *testing.T) {
	t.Setenv("DAFTAR_AUTH_SECRET", "")
	t.Setenv("DAFTAR_UNLOCK_PIN", "")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.AuthSecret != "" {
		t.Fatalf("expected empty AUTH_SECRET when unset, got %q", cfg.AuthSecret)
	}
	if cfg.UnlockPIN != "" {
		t.Fatalf("expected empty UNLOCK_PIN when unset, got %q", cfg.UnlockPIN)
	}
}

func TestLoadDefaults(t *testing.T) {
	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.RetryAttempts != 3 || cfg.RetryDelay != 1500*time.Millisecond {
		t.Fatalf("unexpected retry defaults: %d %s", cfg.RetryAttempts, cfg.RetryDelay)
	}
	if cfg.StockPolicy != "clamp" || !cfg.SerializeMutations {
		t.Fatalf("unexpected sync defaults: %q %v", cfg.StockPolicy, cfg.SerializeMutations)
	}
	if cfg.Address() != ":8080" {
		t.Fatalf("unexpected address %q", cfg.Address())
	}
}

func TestLoadReadsPrefixedEnv(t *testing.T) {
	t.Setenv("DAFTAR_STOCK_POLICY", "reject")
	t.Setenv("DAFTAR_RETRY_DELAY", "250ms")
	t.Setenv("DAFTAR_DATABASE_URL", "postgres://localhost/daftar")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load: %v", err)
	}
	if cfg.StockPolicy != "reject" {
		t.Fatalf("expected reject policy, got %q", cfg.StockPolicy)
	}
	if cfg.RetryDelay != 250*time.Millisecond {
		t.Fatalf("expected 250ms retry delay, got %s", cfg.RetryDelay)
	}
	if cfg.DatabaseURL != "postgres://localhost/daftar" {
		t.Fatalf("expected database url from env, got %q", cfg.DatabaseURL)
	}
}

func TestLoadRejectsUnknownPolicy(t *testing.T) {
	t.Setenv("DAFTAR_STOCK_POLICY", "backorder")

	if _, err := Load(); err == nil {
		t.Fatalf("expected unknown stock policy to be rejected")
	}
}
