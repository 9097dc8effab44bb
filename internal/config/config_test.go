package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	cfg := Load()

	if cfg.ServerBaseURL != "http://localhost:8123" {
		t.Fatalf("unexpected server base url %q", cfg.ServerBaseURL)
	}
	if cfg.LocalHTTPAddr != "127.0.0.1:8124" {
		t.Fatalf("unexpected local addr %q", cfg.LocalHTTPAddr)
	}
	if cfg.SyncInterval != 15*time.Second || cfg.SyncMaxInterval != 5*time.Minute {
		t.Fatalf("unexpected sync intervals %v/%v", cfg.SyncInterval, cfg.SyncMaxInterval)
	}
	if cfg.SyncBatchSize != 50 || cfg.AuthRetries != 2 {
		t.Fatalf("unexpected sync batch/retries %d/%d", cfg.SyncBatchSize, cfg.AuthRetries)
	}
	if cfg.SkewWarning != 5*time.Minute || cfg.SkewCritical != 30*time.Minute {
		t.Fatalf("unexpected skew thresholds %v/%v", cfg.SkewWarning, cfg.SkewCritical)
	}
	if cfg.RetentionWindow != 168*time.Hour {
		t.Fatalf("unexpected retention window %v", cfg.RetentionWindow)
	}
}

func TestEnvOverrides(t *testing.T) {
	t.Setenv("SYNC_INTERVAL", "30s")
	t.Setenv("SYNC_BATCH_SIZE", "10")
	t.Setenv("SYNC_MAX_INTERVAL_SECONDS", "120")
	t.Setenv("SERVER_BASE_URL", "https://attendance.example.com")

	cfg := Load()
	if cfg.SyncInterval != 30*time.Second {
		t.Fatalf("expected 30s sync interval, got %v", cfg.SyncInterval)
	}
	if cfg.SyncBatchSize != 10 {
		t.Fatalf("expected batch size 10, got %d", cfg.SyncBatchSize)
	}
	if cfg.SyncMaxInterval != 2*time.Minute {
		t.Fatalf("expected seconds fallback to apply, got %v", cfg.SyncMaxInterval)
	}
	if cfg.ServerBaseURL != "https://attendance.example.com" {
		t.Fatalf("unexpected server base url %q", cfg.ServerBaseURL)
	}
}

func TestInvalidEnvFallsBack(t *testing.T) {
	t.Setenv("SYNC_BATCH_SIZE", "lots")
	t.Setenv("SYNC_INTERVAL", "soon")

	cfg := Load()
	if cfg.SyncBatchSize != 50 {
		t.Fatalf("expected fallback batch size, got %d", cfg.SyncBatchSize)
	}
	if cfg.SyncInterval != 15*time.Second {
		t.Fatalf("expected fallback sync interval, got %v", cfg.SyncInterval)
	}
}
