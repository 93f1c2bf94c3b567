package config

import (
	"fmt"
	"os"
	"time"

	"github.com/joho/godotenv"
)

type Config struct {
	Port             string
	DatabaseURL      string
	SnapshotInterval time.Duration
	RecoveryWindow   time.Duration
	ExpiredGrace     time.Duration
}

// Load reads .env if present, then the environment. DATABASE_URL is the only
// required value.
func Load() (Config, error) {
	_ = godotenv.Load() // .env is optional

	cfg := Config{
		Port:             getenv("PORT", "8080"),
		DatabaseURL:      os.Getenv("DATABASE_URL"),
		SnapshotInterval: 30 * time.Second,
		RecoveryWindow:   24 * time.Hour,
		ExpiredGrace:     24 * time.Hour,
	}
	if cfg.DatabaseURL == "" {
		return Config{}, fmt.Errorf("DATABASE_URL is required")
	}

	var err error
	if cfg.SnapshotInterval, err = getdur("SNAPSHOT_INTERVAL", cfg.SnapshotInterval); err != nil {
		return Config{}, err
	}
	if cfg.RecoveryWindow, err = getdur("RECOVERY_WINDOW", cfg.RecoveryWindow); err != nil {
		return Config{}, err
	}
	if cfg.ExpiredGrace, err = getdur("EXPIRED_GRACE", cfg.ExpiredGrace); err != nil {
		return Config{}, err
	}
	return cfg, nil
}

func getenv(key, fallback string) string {
	if v := os.Getenv(key); v != "" {
		return v
	}
	return fallback
}

func getdur(key string, fallback time.Duration) (time.Duration, error) {
	v := os.Getenv(key)
	if v == "" {
		return fallback, nil
	}
	d, err := time.ParseDuration(v)
	if err != nil {
		return 0, fmt.Errorf("%s: %w", key, err)
	}
	return d, nil
}
