/*
Copyright (C) 2026 RetroVue Project

SPDX-License-Identifier: AGPL-3.0-or-later
*/

package config

import (
	"fmt"
	"os"
	"strconv"
	"strings"
	"time"
)

// Database backend selection.
type DatabaseBackend string

const (
	DatabasePostgres DatabaseBackend = "postgres"
	DatabaseMySQL    DatabaseBackend = "mysql"
	DatabaseSQLite   DatabaseBackend = "sqlite"
)

// ClockPrecision controls output granularity of the master clock.
type ClockPrecision string

const (
	PrecisionSecond      ClockPrecision = "second"
	PrecisionMillisecond ClockPrecision = "millisecond"
	PrecisionMicrosecond ClockPrecision = "microsecond"
)

// Config covers process level configuration read from environment variables.
type Config struct {
	Environment string
	HTTPBind    string
	HTTPPort    int
	BaseURL     string
	DBBackend   DatabaseBackend
	DBDSN       string
	MetricsBind string

	// Master clock
	ClockPrecision  ClockPrecision
	TimezoneCacheMax int

	// Scheduler
	HorizonLength    time.Duration // forward window built per channel
	PrebuildInterval time.Duration // cadence of the pre-build loop

	// Playout / encoder process
	EncoderBin             string
	EncoderStartupTimeout  time.Duration
	EncoderShutdownTimeout time.Duration
	PlayoutRetryBudget     int
	FillerAssetPath        string

	// Media storage
	MediaRoot      string
	StorageBackend string // "fs" or "s3"

	// S3 object storage
	S3AccessKeyID     string
	S3SecretAccessKey string
	S3Region          string
	S3Bucket          string
	S3Endpoint        string
	S3UsePathStyle    bool

	// Redis channel-config cache
	RedisAddr     string
	RedisPassword string
	RedisDB       int

	// NATS event bridge
	NATSEnabled bool
	NATSURL     string

	// Tracing
	TracingEnabled    bool
	OTLPEndpoint      string
	TracingSampleRate float64
}

// Load reads environment variables, applies defaults, and validates the result.
func Load() (*Config, error) {
	cfg := &Config{
		Environment: getEnv("RETROVUE_ENV", "development"),
		HTTPBind:    getEnv("RETROVUE_HTTP_BIND", "0.0.0.0"),
		HTTPPort:    getEnvInt("RETROVUE_HTTP_PORT", 8080),
		BaseURL:     getEnv("RETROVUE_BASE_URL", ""),
		DBBackend:   DatabaseBackend(getEnv("RETROVUE_DB_BACKEND", string(DatabasePostgres))),
		DBDSN:       getEnv("RETROVUE_DB_DSN", ""),
		MetricsBind: getEnv("RETROVUE_METRICS_BIND", "127.0.0.1:9000"),

		ClockPrecision:   ClockPrecision(getEnv("RETROVUE_CLOCK_PRECISION", string(PrecisionMillisecond))),
		TimezoneCacheMax: getEnvInt("RETROVUE_TZ_CACHE_MAX", 256),

		HorizonLength:    time.Duration(getEnvInt("RETROVUE_HORIZON_HOURS", 48)) * time.Hour,
		PrebuildInterval: time.Duration(getEnvInt("RETROVUE_PREBUILD_INTERVAL_MINUTES", 15)) * time.Minute,

		EncoderBin:             getEnv("RETROVUE_ENCODER_BIN", "ffmpeg"),
		EncoderStartupTimeout:  time.Duration(getEnvInt("RETROVUE_ENCODER_STARTUP_TIMEOUT_SECONDS", 10)) * time.Second,
		EncoderShutdownTimeout: time.Duration(getEnvInt("RETROVUE_ENCODER_SHUTDOWN_TIMEOUT_SECONDS", 5)) * time.Second,
		PlayoutRetryBudget:     getEnvInt("RETROVUE_PLAYOUT_RETRY_BUDGET", 5),
		FillerAssetPath:        getEnv("RETROVUE_FILLER_ASSET_PATH", ""),

		MediaRoot:      getEnv("RETROVUE_MEDIA_ROOT", "./media"),
		StorageBackend: getEnv("RETROVUE_STORAGE_BACKEND", "fs"),

		S3AccessKeyID:     getEnvAny([]string{"RETROVUE_S3_ACCESS_KEY_ID", "AWS_ACCESS_KEY_ID"}, ""),
		S3SecretAccessKey: getEnvAny([]string{"RETROVUE_S3_SECRET_ACCESS_KEY", "AWS_SECRET_ACCESS_KEY"}, ""),
		S3Region:          getEnvAny([]string{"RETROVUE_S3_REGION", "AWS_REGION"}, "us-east-1"),
		S3Bucket:          getEnv("RETROVUE_S3_BUCKET", ""),
		S3Endpoint:        getEnv("RETROVUE_S3_ENDPOINT", ""),
		S3UsePathStyle:    getEnvBool("RETROVUE_S3_USE_PATH_STYLE", false),

		RedisAddr:     getEnv("RETROVUE_REDIS_ADDR", ""),
		RedisPassword: getEnv("RETROVUE_REDIS_PASSWORD", ""),
		RedisDB:       getEnvInt("RETROVUE_REDIS_DB", 0),

		NATSEnabled: getEnvBool("RETROVUE_NATS_ENABLED", false),
		NATSURL:     getEnv("RETROVUE_NATS_URL", "nats://localhost:4222"),

		TracingEnabled:    getEnvBool("RETROVUE_TRACING_ENABLED", false),
		OTLPEndpoint:      getEnv("RETROVUE_OTLP_ENDPOINT", "localhost:4317"),
		TracingSampleRate: getEnvFloat("RETROVUE_TRACING_SAMPLE_RATE", 1.0),
	}

	if cfg.DBBackend != DatabasePostgres && cfg.DBBackend != DatabaseMySQL && cfg.DBBackend != DatabaseSQLite {
		return nil, fmt.Errorf("unsupported database backend %q", cfg.DBBackend)
	}

	if cfg.DBDSN == "" {
		return nil, fmt.Errorf("RETROVUE_DB_DSN must be provided")
	}

	switch cfg.ClockPrecision {
	case PrecisionSecond, PrecisionMillisecond, PrecisionMicrosecond:
	default:
		return nil, fmt.Errorf("unsupported clock precision %q", cfg.ClockPrecision)
	}

	if cfg.StorageBackend != "fs" && cfg.StorageBackend != "s3" {
		return nil, fmt.Errorf("unsupported storage backend %q", cfg.StorageBackend)
	}
	if cfg.StorageBackend == "s3" && cfg.S3Bucket == "" {
		return nil, fmt.Errorf("RETROVUE_S3_BUCKET is required when the s3 storage backend is selected")
	}

	if cfg.PlayoutRetryBudget < 1 {
		cfg.PlayoutRetryBudget = 1
	}

	return cfg, nil
}

func getEnv(key, def string) string {
	if val := os.Getenv(key); val != "" {
		return val
	}
	return def
}

func getEnvInt(key string, def int) int {
	if val := os.Getenv(key); val != "" {
		if parsed, err := strconv.Atoi(val); err == nil {
			return parsed
		}
	}
	return def
}

// getEnvAny returns the first non-empty environment variable value from keys, or def if none set.
func getEnvAny(keys []string, def string) string {
	for _, k := range keys {
		if v := os.Getenv(k); v != "" {
			return v
		}
	}
	return def
}

func getEnvBool(key string, def bool) bool {
	if v := os.Getenv(key); v != "" {
		v = strings.ToLower(strings.TrimSpace(v))
		if v == "true" || v == "1" || v == "yes" {
			return true
		}
		if v == "false" || v == "0" || v == "no" {
			return false
		}
	}
	return def
}

func getEnvFloat(key string, def float64) float64 {
	if v := os.Getenv(key); v != "" {
		if parsed, err := strconv.ParseFloat(v, 64); err == nil {
			return parsed
		}
	}
	return def
}
