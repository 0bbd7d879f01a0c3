package store

import (
	"context"
	"errors"
	"fmt"

	"github.com/redis/go-redis/v9"
)

// RedisStore backs the session store with redis. The web deployment uses it
// so session state survives lightweight process restarts.
type RedisStore struct {
	client *redis.Client
	prefix string
}

// NewRedisStore connects and pings the server to fail fast on bad config.
func NewRedisStore(ctx context.Context, addr, password string, db int, prefix string) (*RedisStore, error) {
	client := redis.NewClient(&redis.Options{
		Addr:     addr,
		Password: password,
		DB:       db,
	})
	if err := client.Ping(ctx).Err(); err != nil {
		return nil, fmt.Errorf("failed to connect to redis at %s: %w", addr, err)
	}
	return &RedisStore{client: client, prefix: prefix}, nil
}

func (rs *RedisStore) key(key string) string {
	if rs.prefix == "" {
		return key
	}
	return rs.prefix + ":" + key
}

func (rs *RedisStore) Get(ctx context.Context, key string) ([]byte, error) {
	raw, err := rs.client.Get(ctx, rs.key(key)).Bytes()
	if errors.Is(err, redis.Nil) {
		return nil, ErrNotFound
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read session record %q: %w", key, err)
	}
	return raw, nil
}

func (rs *RedisStore) Set(ctx context.Context, key string, value []byte) error {
	if err := rs.client.Set(ctx, rs.key(key), value, 0).Err(); err != nil {
		return fmt.Errorf("failed to write session record %q: %w", key, err)
	}
	return nil
}

func (rs *RedisStore) Delete(ctx context.Context, key string) error {
	if err := rs.client.Del(ctx, rs.key(key)).Err(); err != nil {
		return fmt.Errorf("failed to delete session record %q: %w", key, err)
	}
	return nil
}

// Close releases the underlying connection pool.
func (rs *RedisStore) Close() error {
	return rs.client.Close()
}
