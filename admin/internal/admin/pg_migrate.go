package admin

import (
	"log/slog"

	"github.com/malbeclabs/stakegate/api/config"
)

// PgMigrateConfig holds configuration for PostgreSQL migrations
type PgMigrateConfig struct {
	Host     string
	Port     string
	Database string
	Username string
	Password string
	SSLMode  string
}

// PgConfig converts to the connection settings used by the API.
func (cfg PgMigrateConfig) PgConfig() config.PgConfig {
	port := cfg.Port
	if port == "" {
		port = "5432"
	}
	return config.PgConfig{
		Host:     cfg.Host,
		Port:     port,
		Database: cfg.Database,
		Username: cfg.Username,
		Password: cfg.Password,
		SSLMode:  cfg.SSLMode,
	}
}

// ConnString renders the configuration as a postgres URL.
func (cfg PgMigrateConfig) ConnString() string {
	return cfg.PgConfig().ConnString()
}

// PgMigrateUp runs all pending PostgreSQL migrations
func PgMigrateUp(log *slog.Logger, cfg PgMigrateConfig) error {
	return config.MigrateUp(log, cfg.ConnString())
}

// PgMigrateDown rolls back the last PostgreSQL migration
func PgMigrateDown(log *slog.Logger, cfg PgMigrateConfig) error {
	return config.MigrateDown(log, cfg.ConnString())
}

// PgMigrateStatus shows the status of all PostgreSQL migrations
func PgMigrateStatus(log *slog.Logger, cfg PgMigrateConfig) error {
	return config.MigrateStatus(log, cfg.ConnString())
}
