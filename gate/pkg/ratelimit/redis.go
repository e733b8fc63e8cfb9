package ratelimit

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"time"

	"github.com/jonboulle/clockwork"
	"github.com/redis/go-redis/v9"
)

// incrementScript is the fixed-window check-and-increment. It returns {admitted, count, pttl}.
// The key's expiry is the window end, so an expired key means a fresh window.
var incrementScript = redis.NewScript(`
local limit = tonumber(ARGV[1])
local window = tonumber(ARGV[2])
local ttl = redis.call('PTTL', KEYS[1])
if ttl <= 0 then
  redis.call('SET', KEYS[1], 0, 'PX', window)
  ttl = window
end
local count = tonumber(redis.call('GET', KEYS[1]))
if count >= limit then
  return {0, count, ttl}
end
count = redis.call('INCR', KEYS[1])
return {1, count, ttl}
`)

type RedisStoreConfig struct {
	Logger *slog.Logger
	Client redis.UniversalClient
	Clock  clockwork.Clock
	// Prefix namespaces keys. Defaults to "stakegate:rl:".
	Prefix string
}

func (cfg *RedisStoreConfig) Validate() error {
	if cfg.Logger == nil {
		return errors.New("logger is required")
	}
	if cfg.Client == nil {
		return errors.New("redis client is required")
	}
	if cfg.Clock == nil {
		cfg.Clock = clockwork.NewRealClock()
	}
	if cfg.Prefix == "" {
		cfg.Prefix = "stakegate:rl:"
	}
	return nil
}

// RedisStore is a Store shared by every instance; each check is one atomic script call.
type RedisStore struct {
	log *slog.Logger
	cfg RedisStoreConfig
}

func NewRedisStore(cfg RedisStoreConfig) (*RedisStore, error) {
	if err := cfg.Validate(); err != nil {
		return nil, err
	}
	return &RedisStore{log: cfg.Logger, cfg: cfg}, nil
}

func (s *RedisStore) key(k string) string {
	return s.cfg.Prefix + k
}

func (s *RedisStore) Get(ctx context.Context, key string) (Entry, bool, error) {
	pipe := s.cfg.Client.Pipeline()
	getCmd := pipe.Get(ctx, s.key(key))
	ttlCmd := pipe.PTTL(ctx, s.key(key))
	if _, err := pipe.Exec(ctx); err != nil && !errors.Is(err, redis.Nil) {
		return Entry{}, false, fmt.Errorf("ratelimit: redis get: %w", err)
	}

	count, err := getCmd.Int()
	if errors.Is(err, redis.Nil) {
		return Entry{}, false, nil
	}
	if err != nil {
		return Entry{}, false, fmt.Errorf("ratelimit: redis get: %w", err)
	}
	ttl := ttlCmd.Val()
	if ttl <= 0 {
		return Entry{}, false, nil
	}
	return Entry{Count: count, ResetAt: s.cfg.Clock.Now().Add(ttl)}, true, nil
}

func (s *RedisStore) Increment(ctx context.Context, key string, limit int, window time.Duration) (Entry, bool, error) {
	res, err := incrementScript.Run(ctx, s.cfg.Client, []string{s.key(key)}, limit, window.Milliseconds()).Int64Slice()
	if err != nil {
		return Entry{}, false, fmt.Errorf("ratelimit: redis increment: %w", err)
	}
	if len(res) != 3 {
		return Entry{}, false, fmt.Errorf("ratelimit: redis increment: unexpected reply length %d", len(res))
	}
	return Entry{
		Count:   int(res[1]),
		ResetAt: s.cfg.Clock.Now().Add(time.Duration(res[2]) * time.Millisecond),
	}, res[0] == 1, nil
}

func (s *RedisStore) Reset(ctx context.Context, key string) error {
	if err := s.cfg.Client.Del(ctx, s.key(key)).Err(); err != nil {
		return fmt.Errorf("ratelimit: redis reset: %w", err)
	}
	return nil
}
