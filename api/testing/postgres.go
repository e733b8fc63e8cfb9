package apitesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/jackc/pgx/v5"
	"github.com/jackc/pgx/v5/pgxpool"
	"github.com/malbeclabs/stakegate/api/config"
	stakegatetesting "github.com/malbeclabs/stakegate/utils/pkg/testing"
	"github.com/stretchr/testify/require"
	tcpostgres "github.com/testcontainers/testcontainers-go/modules/postgres"
)

// DBConfig holds the PostgreSQL test container configuration.
type DBConfig struct {
	Database       string
	Username       string
	Password       string
	ContainerImage string
}

func (cfg *DBConfig) Validate() error {
	if cfg.Database == "" {
		cfg.Database = "stakegate"
	}
	if cfg.Username == "" {
		cfg.Username = "test"
	}
	if cfg.Password == "" {
		cfg.Password = "test"
	}
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "postgres:16-alpine"
	}
	return nil
}

// DB is a PostgreSQL test container shared by the tests of one package.
type DB struct {
	log       *slog.Logger
	pg        config.PgConfig
	container *tcpostgres.PostgresContainer

	migrateOnce sync.Once
	migrateErr  error
}

// ConnStr returns the PostgreSQL connection string.
func (db *DB) ConnStr() string {
	return db.pg.ConnString()
}

// PgConfig returns the container's settings in the form the service reads from the environment.
func (db *DB) PgConfig() config.PgConfig {
	return db.pg
}

// Close terminates the PostgreSQL container.
func (db *DB) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := db.container.Terminate(ctx); err != nil {
		db.log.Error("failed to terminate PostgreSQL container", "error", err)
	}
}

// NewDB starts a PostgreSQL container, retrying transient docker start failures.
func NewDB(ctx context.Context, log *slog.Logger, cfg *DBConfig) (*DB, error) {
	if cfg == nil {
		cfg = &DBConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate DB config: %w", err)
	}

	container, err := runPostgres(ctx, cfg)
	if err != nil {
		return nil, err
	}

	host, err := container.Host(ctx)
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL host: %w", err)
	}
	port, err := container.MappedPort(ctx, "5432/tcp")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get PostgreSQL port: %w", err)
	}

	return &DB{
		log: log,
		pg: config.PgConfig{
			Host:     host,
			Port:     port.Port(),
			Database: cfg.Database,
			Username: cfg.Username,
			Password: cfg.Password,
			SSLMode:  "disable",
		},
		container: container,
	}, nil
}

func runPostgres(ctx context.Context, cfg *DBConfig) (*tcpostgres.PostgresContainer, error) {
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		container, err := tcpostgres.Run(ctx,
			cfg.ContainerImage,
			tcpostgres.WithDatabase(cfg.Database),
			tcpostgres.WithUsername(cfg.Username),
			tcpostgres.WithPassword(cfg.Password),
			tcpostgres.BasicWaitStrategies(),
			tcpostgres.WithSQLDriver("pgx"),
		)
		if err == nil {
			return container, nil
		}
		lastErr = err
		if !stakegatetesting.IsRetryableContainerStartErr(err) || attempt == 3 {
			break
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}
	return nil, fmt.Errorf("failed to start PostgreSQL container: %w", lastErr)
}

// NewTestPool returns a pool on the migrated test database. Migrations run once per container;
// tests sharing a container must use distinct keys or Truncate between runs.
func NewTestPool(t *testing.T, db *DB) *pgxpool.Pool {
	t.Helper()

	db.migrateOnce.Do(func() {
		db.migrateErr = config.MigrateUp(db.log, db.ConnStr())
	})
	require.NoError(t, db.migrateErr, "failed to run migrations")

	pool, err := pgxpool.New(t.Context(), db.ConnStr())
	require.NoError(t, err, "failed to create pool")
	t.Cleanup(pool.Close)
	return pool
}

// Truncate empties the given tables.
func Truncate(t *testing.T, pool *pgxpool.Pool, tables ...string) {
	t.Helper()
	idents := make([]string, len(tables))
	for i, table := range tables {
		idents[i] = pgx.Identifier{table}.Sanitize()
	}
	_, err := pool.Exec(t.Context(), "TRUNCATE "+strings.Join(idents, ", "))
	require.NoError(t, err, "failed to truncate %v", tables)
}
