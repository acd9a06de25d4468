package cache

import (
	"context"
	"encoding/json"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore shares cached queries between service instances.
type RedisStore struct {
	client redis.UniversalClient
	prefix string
}

func NewRedisStore(addr, password string, db int, prefix string) *RedisStore {
	c := redis.NewClient(&redis.Options{Addr: addr, Password: password, DB: db})
	return NewRedisStoreFromClient(c, prefix)
}

func NewRedisStoreFromClient(c redis.UniversalClient, prefix string) *RedisStore {
	return &RedisStore{client: c, prefix: prefix}
}

func (r *RedisStore) Get(ctx context.Context, key string, dst any) (bool, error) {
	b, err := r.client.Get(ctx, r.prefix+key).Bytes()
	if errors.Is(err, redis.Nil) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if err := json.Unmarshal(b, dst); err != nil {
		return false, err
	}
	return true, nil
}

func (r *RedisStore) Set(ctx context.Context, key string, v any, ttl time.Duration) error {
	b, err := json.Marshal(v)
	if err != nil {
		return err
	}
	if ttl < 0 {
		ttl = 0
	}
	return r.client.Set(ctx, r.prefix+key, b, ttl).Err()
}

func (r *RedisStore) Invalidate(ctx context.Context, keys ...string) error {
	if len(keys) == 0 {
		return nil
	}
	full := make([]string, len(keys))
	for i, k := range keys {
		full[i] = r.prefix + k
	}
	return r.client.Del(ctx, full...).Err()
}

func (r *RedisStore) Ping(ctx context.Context) error {
	return r.client.Ping(ctx).Err()
}

func (r *RedisStore) Close() error {
	return r.client.Close()
}
