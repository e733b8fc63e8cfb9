package stakegatetesting

import (
	"context"
	"fmt"
	"log/slog"
	"strings"
	"testing"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/stretchr/testify/require"
	"github.com/testcontainers/testcontainers-go"
	"github.com/testcontainers/testcontainers-go/wait"
)

// RedisConfig holds the redis test container configuration.
type RedisConfig struct {
	ContainerImage string
}

func (cfg *RedisConfig) Validate() error {
	if cfg.ContainerImage == "" {
		cfg.ContainerImage = "redis:7-alpine"
	}
	return nil
}

// Redis is a running redis test container.
type Redis struct {
	log       *slog.Logger
	addr      string
	container testcontainers.Container
}

// Addr returns the host:port the container is reachable on.
func (r *Redis) Addr() string {
	return r.addr
}

// Close terminates the container.
func (r *Redis) Close() {
	ctx, cancel := context.WithTimeout(context.Background(), 10*time.Second)
	defer cancel()
	if err := r.container.Terminate(ctx); err != nil {
		r.log.Error("failed to terminate redis container", "error", err)
	}
}

// NewRedis starts a redis container, retrying transient docker start failures.
func NewRedis(ctx context.Context, log *slog.Logger, cfg *RedisConfig) (*Redis, error) {
	if cfg == nil {
		cfg = &RedisConfig{}
	}
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("failed to validate redis config: %w", err)
	}

	req := testcontainers.GenericContainerRequest{
		ContainerRequest: testcontainers.ContainerRequest{
			Image:        cfg.ContainerImage,
			ExposedPorts: []string{"6379/tcp"},
			WaitingFor:   wait.ForLog("Ready to accept connections").WithStartupTimeout(60 * time.Second),
		},
		Started: true,
	}

	var container testcontainers.Container
	var lastErr error
	for attempt := 1; attempt <= 3; attempt++ {
		c, err := testcontainers.GenericContainer(ctx, req)
		if err == nil {
			container = c
			break
		}
		lastErr = err
		if !IsRetryableContainerStartErr(err) || attempt == 3 {
			break
		}
		time.Sleep(time.Duration(attempt) * 750 * time.Millisecond)
	}
	if container == nil {
		return nil, fmt.Errorf("failed to start redis container after retries: %w", lastErr)
	}

	addr, err := container.Endpoint(ctx, "")
	if err != nil {
		_ = container.Terminate(ctx)
		return nil, fmt.Errorf("failed to get redis endpoint: %w", err)
	}

	return &Redis{log: log, addr: addr, container: container}, nil
}

// NewRedisClient returns a client connected to the container. Tests share the keyspace and should
// namespace their keys.
func NewRedisClient(t *testing.T, r *Redis) *redis.Client {
	client := redis.NewClient(&redis.Options{Addr: r.addr})
	require.NoError(t, client.Ping(t.Context()).Err())
	t.Cleanup(func() {
		_ = client.Close()
	})
	return client
}

// IsRetryableContainerStartErr reports docker errors that usually clear on a second attempt.
func IsRetryableContainerStartErr(err error) bool {
	if err == nil {
		return false
	}
	s := err.Error()
	return strings.Contains(s, "wait until ready") ||
		strings.Contains(s, "mapped port") ||
		strings.Contains(s, "timeout") ||
		strings.Contains(s, "context deadline exceeded") ||
		strings.Contains(s, "/containers/") && strings.Contains(s, "json") ||
		strings.Contains(s, "Get \"http://%2Fvar%2Frun%2Fdocker.sock")
}
