package store

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/redis/go-redis/v9"
)

// RedisStore keeps each namespace in one Redis hash.
type RedisStore struct {
	client *redis.Client
}

// NewRedisStore creates a new Redis store.
func NewRedisStore(ctx context.Context, redisURL string) (*RedisStore, error) {
	opts, err := redis.ParseURL(redisURL)
	if err != nil {
		return nil, err
	}

	client := redis.NewClient(opts)

	if err := client.Ping(ctx).Err(); err != nil {
		client.Close()
		return nil, err
	}

	return &RedisStore{client: client}, nil
}

// Client exposes the underlying client for components that share the
// connection, such as the HTTP rate limiter.
func (s *RedisStore) Client() *redis.Client {
	return s.client
}

// Close closes the Redis connection.
func (s *RedisStore) Close() {
	s.client.Close()
}

// Ping checks the Redis connection.
func (s *RedisStore) Ping(ctx context.Context) error {
	return s.client.Ping(ctx).Err()
}

// namespaceKey returns the hash key for a namespace.
func namespaceKey(namespace string) string {
	return fmt.Sprintf("l2dchat:%s", namespace)
}

// Get retrieves a value. The boolean is false when the key is absent.
func (s *RedisStore) Get(ctx context.Context, namespace, key string) (string, bool, error) {
	defer observe("redis", "get", time.Now())

	value, err := s.client.HGet(ctx, namespaceKey(namespace), key).Result()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return "", false, nil
		}
		return "", false, err
	}
	return value, true, nil
}

// Put inserts or replaces a value.
func (s *RedisStore) Put(ctx context.Context, namespace, key, value string) error {
	defer observe("redis", "put", time.Now())
	return s.client.HSet(ctx, namespaceKey(namespace), key, value).Err()
}

// Delete removes a value.
func (s *RedisStore) Delete(ctx context.Context, namespace, key string) error {
	defer observe("redis", "delete", time.Now())
	return s.client.HDel(ctx, namespaceKey(namespace), key).Err()
}

// Keys lists the keys stored in a namespace, sorted.
func (s *RedisStore) Keys(ctx context.Context, namespace string) ([]string, error) {
	keys, err := s.client.HKeys(ctx, namespaceKey(namespace)).Result()
	if err != nil {
		return nil, err
	}
	sort.Strings(keys)
	return keys, nil
}
