package config

import (
	"context"
	"database/sql"
	"embed"
	"fmt"
	"log/slog"
	"os"
	"time"

	"github.com/jackc/pgx/v5/pgxpool"
	_ "github.com/jackc/pgx/v5/stdlib" // Register pgx driver with database/sql
	"github.com/pressly/goose/v3"
)

//go:embed migrations/*.sql
var EmbedMigrations embed.FS

// PgConfig holds the PostgreSQL configuration.
type PgConfig struct {
	Host          string
	Port          string
	Database      string
	Username      string
	Password      string
	SSLMode       string
	RunMigrations bool
}

// PgConfigFromEnv reads POSTGRES_* variables. It returns ok=false when POSTGRES_DB is unset, which
// means postgres is not configured.
func PgConfigFromEnv() (cfg PgConfig, ok bool, err error) {
	cfg.Database = os.Getenv("POSTGRES_DB")
	if cfg.Database == "" {
		return PgConfig{}, false, nil
	}

	cfg.Host = os.Getenv("POSTGRES_HOST")
	if cfg.Host == "" {
		cfg.Host = "localhost"
	}
	cfg.Port = os.Getenv("POSTGRES_PORT")
	if cfg.Port == "" {
		cfg.Port = "5432"
	}
	cfg.Username = os.Getenv("POSTGRES_USER")
	if cfg.Username == "" {
		return PgConfig{}, true, fmt.Errorf("POSTGRES_USER is required")
	}
	cfg.Password = os.Getenv("POSTGRES_PASSWORD")
	if cfg.Password == "" {
		return PgConfig{}, true, fmt.Errorf("POSTGRES_PASSWORD is required")
	}
	cfg.SSLMode = os.Getenv("POSTGRES_SSLMODE")
	cfg.RunMigrations = os.Getenv("POSTGRES_RUN_MIGRATIONS") == "true"
	return cfg, true, nil
}

// ConnString renders the configuration as a postgres URL.
func (c PgConfig) ConnString() string {
	sslMode := c.SSLMode
	if sslMode == "" {
		sslMode = "disable"
	}
	return fmt.Sprintf(
		"postgres://%s:%s@%s:%s/%s?sslmode=%s",
		c.Username, c.Password, c.Host, c.Port, c.Database, sslMode,
	)
}

// OpenPostgres connects a pool and, when enabled, runs migrations first.
func OpenPostgres(ctx context.Context, log *slog.Logger, cfg PgConfig) (*pgxpool.Pool, error) {
	log.Info("connecting to postgres", "host", cfg.Host, "port", cfg.Port, "database", cfg.Database, "username", cfg.Username)

	if cfg.RunMigrations {
		if err := MigrateUp(log, cfg.ConnString()); err != nil {
			return nil, err
		}
	}

	poolConfig, err := pgxpool.ParseConfig(cfg.ConnString())
	if err != nil {
		return nil, fmt.Errorf("failed to parse postgres config: %w", err)
	}
	poolConfig.MaxConns = 10
	poolConfig.MinConns = 2
	poolConfig.MaxConnLifetime = time.Hour
	poolConfig.MaxConnIdleTime = 30 * time.Minute

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	pool, err := pgxpool.NewWithConfig(ctx, poolConfig)
	if err != nil {
		return nil, fmt.Errorf("failed to create postgres pool: %w", err)
	}
	if err := pool.Ping(ctx); err != nil {
		pool.Close()
		return nil, fmt.Errorf("failed to ping postgres: %w", err)
	}

	log.Info("connected to postgres")
	return pool, nil
}

func withMigrationDB(connStr string, fn func(db *sql.DB) error) error {
	db, err := sql.Open("pgx", connStr)
	if err != nil {
		return fmt.Errorf("failed to open database for migrations: %w", err)
	}
	defer db.Close()

	if err := db.Ping(); err != nil {
		return fmt.Errorf("failed to ping database: %w", err)
	}

	goose.SetBaseFS(EmbedMigrations)
	if err := goose.SetDialect("postgres"); err != nil {
		return fmt.Errorf("failed to set goose dialect: %w", err)
	}
	return fn(db)
}

// MigrateUp applies all pending migrations.
func MigrateUp(log *slog.Logger, connStr string) error {
	return withMigrationDB(connStr, func(db *sql.DB) error {
		log.Info("running postgres migrations (up)")
		if err := goose.Up(db, "migrations"); err != nil {
			return fmt.Errorf("failed to run migrations: %w", err)
		}
		log.Info("postgres migrations completed")
		return nil
	})
}

// MigrateDown rolls back the most recent migration.
func MigrateDown(log *slog.Logger, connStr string) error {
	return withMigrationDB(connStr, func(db *sql.DB) error {
		log.Info("rolling back postgres migration (down)")
		if err := goose.Down(db, "migrations"); err != nil {
			return fmt.Errorf("failed to rollback migration: %w", err)
		}
		log.Info("postgres migration rollback completed")
		return nil
	})
}

// MigrateStatus prints the status of every migration.
func MigrateStatus(log *slog.Logger, connStr string) error {
	return withMigrationDB(connStr, func(db *sql.DB) error {
		log.Info("postgres migration status")
		if err := goose.Status(db, "migrations"); err != nil {
			return fmt.Errorf("failed to get migration status: %w", err)
		}
		return nil
	})
}
