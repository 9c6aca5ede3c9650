// Package config loads runtime settings from the environment, with an
// optional .env file for local development.
package config

import (
	"fmt"
	"os"

	"github.com/joho/godotenv"
)

// Config carries every setting the engine needs at startup.
type Config struct {
	// Bucket is the object-store bucket holding the workflow stages.
	Bucket string
	// Region is the bucket's region.
	Region string
	// RootFolder is the bucket folder all stage prefixes live under. May
	// be empty when stages sit at the bucket root.
	RootFolder string

	// LedgerPath is the sqlite download-ledger file.
	LedgerPath string

	// Actor is recorded as the creator of download batches. Defaults to
	// the OS user name.
	Actor string

	// OTLPEndpoint enables tracing when set (host:port of the collector).
	OTLPEndpoint string

	// LogLevel is a logrus level name.
	LogLevel string
}

// Load reads configuration from a .env file (when present) and the
// environment. Bucket is the only required setting.
func Load() (*Config, error) {
	// Missing .env is fine, the environment alone is a valid source.
	_ = godotenv.Load()

	cfg := &Config{
		Bucket:       os.Getenv("BUGVAULT_BUCKET"),
		Region:       getEnv("BUGVAULT_REGION", "us-east-1"),
		RootFolder:   os.Getenv("BUGVAULT_ROOT_FOLDER"),
		LedgerPath:   getEnv("BUGVAULT_LEDGER_PATH", "/var/lib/bugvault/ledger.db"),
		Actor:        getEnv("BUGVAULT_ACTOR", osUser()),
		OTLPEndpoint: os.Getenv("BUGVAULT_OTLP_ENDPOINT"),
		LogLevel:     getEnv("BUGVAULT_LOG_LEVEL", "info"),
	}

	if cfg.Bucket == "" {
		return nil, fmt.Errorf("BUGVAULT_BUCKET is required")
	}

	return cfg, nil
}

func getEnv(key, defaultValue string) string {
	if value := os.Getenv(key); value != "" {
		return value
	}
	return defaultValue
}

func osUser() string {
	if u := os.Getenv("USER"); u != "" {
		return u
	}
	return "unknown"
}
