package payment

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps consumed hashes in redis with SET NX. Keys never expire.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(client redis.UniversalClient, prefix string) *RedisStore {
	if prefix == "" {
		prefix = "stakegate:payment:"
	}
	return &RedisStore{client: client, prefix: prefix}
}

func (s *RedisStore) Lookup(ctx context.Context, hash string) (Consumption, bool, error) {
	raw, err := s.client.Get(ctx, s.prefix+hash).Bytes()
	if errors.Is(err, redis.Nil) {
		return Consumption{}, false, nil
	}
	if err != nil {
		return Consumption{}, false, fmt.Errorf("payment: redis lookup: %w", err)
	}
	var c Consumption
	if err := json.Unmarshal(raw, &c); err != nil {
		return Consumption{}, true, fmt.Errorf("payment: decode consumption %s: %w", hash, err)
	}
	return c, true, nil
}

func (s *RedisStore) Consume(ctx context.Context, c Consumption) (bool, error) {
	raw, err := json.Marshal(c)
	if err != nil {
		return false, fmt.Errorf("payment: encode consumption: %w", err)
	}
	ok, err := s.client.SetNX(ctx, s.prefix+c.TxHash, raw, 0).Result()
	if err != nil {
		return false, fmt.Errorf("payment: redis consume: %w", err)
	}
	return ok, nil
}
