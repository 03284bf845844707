package db

import (
	"errors"
	"os"
)

// Config holds the database settings, read from the environment.
type Config struct {
	Driver string
	DSN    string // Data Source Name (connection string)
}

// ErrNotConfigured is returned by Load when neither variable is set.
var ErrNotConfigured = errors.New("database is not configured")

// Load reads DB_DRIVER and DB_DSN. DB_DRIVER defaults to postgres once a DSN is given.
func Load() (*Config, error) {
	cfg := &Config{
		Driver: os.Getenv("DB_DRIVER"),
		DSN:    os.Getenv("DB_DSN"),
	}

	if cfg.DSN == "" {
		if cfg.Driver == "" {
			return nil, ErrNotConfigured
		}
		return nil, errors.New("environment variable DB_DSN is not set")
	}
	if cfg.Driver == "" {
		cfg.Driver = "postgres"
	}

	return cfg, nil
}
