package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/labrelay_test")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.Port != "8000" {
		t.Errorf("Port = %q, want 8000", cfg.Port)
	}
	if cfg.BatchPeriod != 60*time.Second {
		t.Errorf("BatchPeriod = %v, want 60s", cfg.BatchPeriod)
	}
	if cfg.RetryMaxAttempts != 100 {
		t.Errorf("RetryMaxAttempts = %d, want 100", cfg.RetryMaxAttempts)
	}
	if cfg.DedupWindow() != 7*24*time.Hour {
		t.Errorf("DedupWindow = %v, want 168h", cfg.DedupWindow())
	}
	if !cfg.IsDev() {
		t.Error("default env should be development")
	}
}

func TestLoadRequiresDatabaseURL(t *testing.T) {
	t.Setenv("DATABASE_URL", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected error when DATABASE_URL is empty")
	}
}

func TestLoadRejectsBadRetryConfig(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/labrelay_test")
	t.Setenv("RETRY_MULTIPLIER", "0.5")

	if _, err := Load(); err == nil {
		t.Fatal("expected error for multiplier < 1")
	}
}

func TestLoadOverrides(t *testing.T) {
	t.Setenv("DATABASE_URL", "postgres://localhost/labrelay_test")
	t.Setenv("RETRY_BASE", "1m")
	t.Setenv("DEDUP_WINDOW_DAYS", "3")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("Load: %v", err)
	}
	if cfg.RetryBase != time.Minute {
		t.Errorf("RetryBase = %v, want 1m", cfg.RetryBase)
	}
	if cfg.DedupWindowDays != 3 {
		t.Errorf("DedupWindowDays = %d, want 3", cfg.DedupWindowDays)
	}
}
