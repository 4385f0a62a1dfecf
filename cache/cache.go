package cache

import (
	"context"
	"errors"
	"time"

	"github.com/redis/go-redis/v9"
	"github.com/vmihailenco/msgpack/v5"
)

var (
	ErrNotFound     = errors.New("key not found")
	ErrEncodeFailed = errors.New("failed to encode value")
	ErrDecodeFailed = errors.New("failed to decode value")
)

// Cache is a generic Redis-backed cache. Values are stored msgpack-encoded
// under a prefixed key.
type Cache[T any] struct {
	client *redis.Client
	prefix string
}

// New creates a Cache with the given key prefix.
func New[T any](client *redis.Client, prefix string) *Cache[T] {
	return &Cache[T]{client: client, prefix: prefix}
}

func (c *Cache[T]) key(k string) string {
	if c.prefix == "" {
		return k
	}
	return c.prefix + ":" + k
}

// Set stores a value under key with the given TTL. Use ttl=0 for no
// expiration.
func (c *Cache[T]) Set(ctx context.Context, key string, value T, ttl time.Duration) error {
	data, err := msgpack.Marshal(value)
	if err != nil {
		return errors.Join(ErrEncodeFailed, err)
	}
	return c.client.Set(ctx, c.key(key), data, ttl).Err()
}

// Get retrieves a value by key. Returns ErrNotFound if the key does not
// exist.
func (c *Cache[T]) Get(ctx context.Context, key string) (T, error) {
	var zero T

	data, err := c.client.Get(ctx, c.key(key)).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}

	var value T
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return zero, errors.Join(ErrDecodeFailed, err)
	}
	return value, nil
}

// GetEx retrieves a value and extends its TTL in the same round trip.
// Returns ErrNotFound if the key does not exist.
func (c *Cache[T]) GetEx(ctx context.Context, key string, ttl time.Duration) (T, error) {
	var zero T

	data, err := c.client.GetEx(ctx, c.key(key), ttl).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return zero, ErrNotFound
		}
		return zero, err
	}

	var value T
	if err := msgpack.Unmarshal(data, &value); err != nil {
		return zero, errors.Join(ErrDecodeFailed, err)
	}
	return value, nil
}

// Delete removes a key from the cache.
func (c *Cache[T]) Delete(ctx context.Context, key string) error {
	return c.client.Del(ctx, c.key(key)).Err()
}
