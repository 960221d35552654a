// Package config loads process configuration from the environment and the
// kernel policy from YAML.
package config

import (
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"strings"
	"time"
)

// Config holds server configuration.
type Config struct {
	Port      string
	LogLevel  string
	LogFormat string

	// DatabaseURL selects Postgres. Empty means lite mode on SQLitePath.
	DatabaseURL string
	SQLitePath  string
	RedisAddr   string

	CatalogDir string
	PolicyPath string

	JWTSecret string
	JWTIssuer string

	SweepInterval time.Duration

	OTLPEndpoint  string
	OTLPInsecure  bool
	TraceSampling float64
	Environment   string

	ArchiveType     string
	ArchiveDir      string
	ArchiveBucket   string
	ArchiveRegion   string
	ArchiveEndpoint string
}

// Load loads configuration from environment variables.
func Load() (*Config, error) {
	cfg := &Config{
		Port:            env("SELENE_PORT", "8080"),
		LogLevel:        strings.ToUpper(env("LOG_LEVEL", "INFO")),
		LogFormat:       strings.ToLower(env("SELENE_LOG_FORMAT", "json")),
		DatabaseURL:     os.Getenv("SELENE_DATABASE_URL"),
		SQLitePath:      env("SELENE_SQLITE_PATH", "data/selene.db"),
		RedisAddr:       os.Getenv("SELENE_REDIS_ADDR"),
		CatalogDir:      env("SELENE_CATALOG_DIR", "catalog"),
		PolicyPath:      env("SELENE_POLICY", "policy.yaml"),
		JWTSecret:       os.Getenv("SELENE_JWT_SECRET"),
		JWTIssuer:       os.Getenv("SELENE_JWT_ISSUER"),
		OTLPEndpoint:    os.Getenv("OTEL_EXPORTER_OTLP_ENDPOINT"),
		OTLPInsecure:    os.Getenv("OTEL_EXPORTER_OTLP_INSECURE") == "true",
		Environment:     env("SELENE_ENV", "development"),
		ArchiveType:     env("SELENE_ARCHIVE_TYPE", "fs"),
		ArchiveDir:      env("SELENE_ARCHIVE_DIR", "data/audit"),
		ArchiveBucket:   os.Getenv("SELENE_ARCHIVE_BUCKET"),
		ArchiveRegion:   os.Getenv("SELENE_ARCHIVE_REGION"),
		ArchiveEndpoint: os.Getenv("SELENE_ARCHIVE_ENDPOINT"),
	}

	var err error
	if cfg.SweepInterval, err = duration("SELENE_SWEEP_INTERVAL", 30*time.Second); err != nil {
		return nil, err
	}
	if cfg.TraceSampling, err = fraction("OTEL_TRACES_SAMPLER_ARG", 1.0); err != nil {
		return nil, err
	}
	if cfg.LogFormat != "json" && cfg.LogFormat != "text" {
		return nil, fmt.Errorf("config: SELENE_LOG_FORMAT must be json or text, got %q", cfg.LogFormat)
	}
	return cfg, nil
}

// LiteMode reports whether the kernel runs on embedded SQLite.
func (c *Config) LiteMode() bool { return c.DatabaseURL == "" }

// SlogLevel maps LogLevel to a slog level. Unknown names fall back to info.
func (c *Config) SlogLevel() slog.Level {
	switch c.LogLevel {
	case "DEBUG":
		return slog.LevelDebug
	case "WARN", "WARNING":
		return slog.LevelWarn
	case "ERROR":
		return slog.LevelError
	default:
		return slog.LevelInfo
	}
}

func env(key, def string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return def
}

func duration(key string, def time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil || d <= 0 {
		return 0, fmt.Errorf("config: %s: invalid duration %q", key, v)
	}
	return d, nil
}

func fraction(key string, def float64) (float64, error) {
	v := os.Getenv(key)
	if v == "" {
		return def, nil
	}
	f, err := strconv.ParseFloat(v, 64)
	if err != nil || f < 0 || f > 1 {
		return 0, fmt.Errorf("config: %s: want a number in [0,1], got %q", key, v)
	}
	return f, nil
}
