package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("ENV", "development")
	t.Setenv("CHAT_MAX_ATTEMPTS", "")
	t.Setenv("CHAT_BACKOFF_BASE", "")

	cfg := Load()
	if cfg.ChatPlatform != "live2d_chat" {
		t.Fatalf("expected default platform live2d_chat, got %q", cfg.ChatPlatform)
	}
	if cfg.MaxAttempts != 3 {
		t.Fatalf("expected 3 attempts, got %d", cfg.MaxAttempts)
	}
	if cfg.BackoffBase != 1500*time.Millisecond {
		t.Fatalf("expected 1500ms backoff, got %s", cfg.BackoffBase)
	}
	if !cfg.IsDevelopment() {
		t.Fatal("expected development mode")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("CHAT_HISTORICAL_SKEW", "5s")
	t.Setenv("CHAT_HISTORY_LIMIT", "50")
	t.Setenv("DATABASE_URL", "postgres://localhost/l2dchat")

	cfg := Load()
	if cfg.HistoricalSkew != 5*time.Second {
		t.Fatalf("expected 5s skew, got %s", cfg.HistoricalSkew)
	}
	if cfg.HistoryLimit != 50 {
		t.Fatalf("expected history limit 50, got %d", cfg.HistoryLimit)
	}
	if !cfg.UsesPostgres() {
		t.Fatal("expected postgres URL to be detected")
	}
}

func TestInvalidNumbersFallBack(t *testing.T) {
	t.Setenv("CHAT_MAX_ATTEMPTS", "zero")
	t.Setenv("CHAT_BACKOFF_BASE", "-1s")

	cfg := Load()
	if cfg.MaxAttempts != 3 || cfg.BackoffBase != 1500*time.Millisecond {
		t.Fatalf("expected defaults, got %d / %s", cfg.MaxAttempts, cfg.BackoffBase)
	}
}

func TestProductionRequiresSecret(t *testing.T) {
	t.Setenv("ENV", "production")
	t.Setenv("DATABASE_URL", "./data/test.db")
	t.Setenv("STORE_SECRET", "")

	defer func() {
		if recover() == nil {
			t.Fatal("expected panic without STORE_SECRET")
		}
	}()
	Load()
}
