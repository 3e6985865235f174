package config

import (
	"testing"
	"time"
)

func TestLoadDefaults(t *testing.T) {
	t.Setenv("RETROVUE_DB_DSN", "file::memory:?cache=shared")
	t.Setenv("RETROVUE_DB_BACKEND", "sqlite")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.HTTPPort != 8080 {
		t.Errorf("default http port = %d, want 8080", cfg.HTTPPort)
	}
	if cfg.HorizonLength != 48*time.Hour {
		t.Errorf("default horizon = %v, want 48h", cfg.HorizonLength)
	}
	if cfg.PrebuildInterval != 15*time.Minute {
		t.Errorf("default prebuild interval = %v, want 15m", cfg.PrebuildInterval)
	}
	if cfg.ClockPrecision != PrecisionMillisecond {
		t.Errorf("default clock precision = %q", cfg.ClockPrecision)
	}
	if cfg.StorageBackend != "fs" {
		t.Errorf("default storage backend = %q", cfg.StorageBackend)
	}
	if cfg.EncoderBin != "ffmpeg" {
		t.Errorf("default encoder = %q", cfg.EncoderBin)
	}
}

func TestLoadRequiresDSN(t *testing.T) {
	t.Setenv("RETROVUE_DB_DSN", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected load to fail without a DSN")
	}
}

func TestLoadRejectsUnknownBackends(t *testing.T) {
	t.Setenv("RETROVUE_DB_DSN", "file::memory:")
	t.Setenv("RETROVUE_DB_BACKEND", "oracle")

	if _, err := Load(); err == nil {
		t.Fatal("expected unknown database backend to fail")
	}

	t.Setenv("RETROVUE_DB_BACKEND", "sqlite")
	t.Setenv("RETROVUE_CLOCK_PRECISION", "nanosecond")
	if _, err := Load(); err == nil {
		t.Fatal("expected unknown clock precision to fail")
	}
}

func TestLoadS3RequiresBucket(t *testing.T) {
	t.Setenv("RETROVUE_DB_DSN", "file::memory:")
	t.Setenv("RETROVUE_DB_BACKEND", "sqlite")
	t.Setenv("RETROVUE_STORAGE_BACKEND", "s3")
	t.Setenv("RETROVUE_S3_BUCKET", "")

	if _, err := Load(); err == nil {
		t.Fatal("expected s3 backend without a bucket to fail")
	}

	t.Setenv("RETROVUE_S3_BUCKET", "retrovue-media")
	if _, err := Load(); err != nil {
		t.Fatalf("expected s3 backend with a bucket to load: %v", err)
	}
}

func TestLoadClampsRetryBudget(t *testing.T) {
	t.Setenv("RETROVUE_DB_DSN", "file::memory:")
	t.Setenv("RETROVUE_DB_BACKEND", "sqlite")
	t.Setenv("RETROVUE_PLAYOUT_RETRY_BUDGET", "0")

	cfg, err := Load()
	if err != nil {
		t.Fatalf("load config: %v", err)
	}
	if cfg.PlayoutRetryBudget != 1 {
		t.Errorf("retry budget = %d, want clamp to 1", cfg.PlayoutRetryBudget)
	}
}
