package config

import (
	"context"
	"fmt"
	"log/slog"
	"os"
	"strconv"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisConfig holds the redis connection settings.
type RedisConfig struct {
	Addr     string
	Password string
	DB       int
}

// RedisConfigFromEnv reads REDIS_ADDR, REDIS_PASSWORD and REDIS_DB. ok is false when REDIS_ADDR
// is unset.
func RedisConfigFromEnv() (cfg RedisConfig, ok bool, err error) {
	cfg.Addr = os.Getenv("REDIS_ADDR")
	if cfg.Addr == "" {
		return RedisConfig{}, false, nil
	}
	cfg.Password = os.Getenv("REDIS_PASSWORD")
	if v := os.Getenv("REDIS_DB"); v != "" {
		cfg.DB, err = strconv.Atoi(v)
		if err != nil {
			return RedisConfig{}, true, fmt.Errorf("invalid REDIS_DB %q: %w", v, err)
		}
	}
	return cfg, true, nil
}

// OpenRedis creates a client and verifies connectivity.
func OpenRedis(ctx context.Context, log *slog.Logger, cfg RedisConfig) (*redis.Client, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         cfg.Addr,
		Password:     cfg.Password,
		DB:           cfg.DB,
		DialTimeout:  2 * time.Second,
		ReadTimeout:  500 * time.Millisecond,
		WriteTimeout: 500 * time.Millisecond,
	})

	ctx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()
	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, fmt.Errorf("failed to ping redis at %s: %w", cfg.Addr, err)
	}
	log.Info("connected to redis", "addr", cfg.Addr, "db", cfg.DB)
	return client, nil
}
