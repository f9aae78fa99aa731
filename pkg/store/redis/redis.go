// Package redis provides a Redis-backed KV store for the redis:// DSN
// scheme, typically used to share extraction and report caches between
// processes.
package redis

import (
	"context"
	"errors"
	"net"

	"github.com/lattix-ai/lattix/pkg/common"

	"github.com/redis/go-redis/v9"
)

// keyPrefix namespaces cache entries so the store can share a database with
// other applications.
const keyPrefix = "lattix:kv:"

// KVStore is a byte cache backed by Redis.
type KVStore struct {
	client *redis.Client
}

// NewKVStore connects to the Redis instance described by the DSN.
func NewKVStore(dsn string) (*KVStore, error) {
	opts, err := redis.ParseURL(dsn)
	if err != nil {
		return nil, err
	}
	return &KVStore{client: redis.NewClient(opts)}, nil
}

// NewKVStoreWithClient wraps an existing client, used by tests.
func NewKVStoreWithClient(client *redis.Client) *KVStore {
	return &KVStore{client: client}
}

// Get returns the value stored under key, if present.
func (s *KVStore) Get(ctx context.Context, key string) ([]byte, bool, error) {
	value, err := s.client.Get(ctx, keyPrefix+key).Bytes()
	if err != nil {
		if errors.Is(err, redis.Nil) {
			return nil, false, nil
		}
		return nil, false, wrapErr(err)
	}
	return value, true, nil
}

// Set stores value under key, replacing any previous value.
func (s *KVStore) Set(ctx context.Context, key string, value []byte) error {
	return wrapErr(s.client.Set(ctx, keyPrefix+key, value, 0).Err())
}

// Has reports whether key is present.
func (s *KVStore) Has(ctx context.Context, key string) (bool, error) {
	n, err := s.client.Exists(ctx, keyPrefix+key).Result()
	if err != nil {
		return false, wrapErr(err)
	}
	return n > 0, nil
}

// Delete removes key. Missing keys are ignored.
func (s *KVStore) Delete(ctx context.Context, key string) error {
	return wrapErr(s.client.Del(ctx, keyPrefix+key).Err())
}

// Persist is a no-op; durability is Redis configuration.
func (s *KVStore) Persist(ctx context.Context) error { return nil }

// Load is a no-op; data lives server-side.
func (s *KVStore) Load(ctx context.Context) error { return nil }

func wrapErr(err error) error {
	if err == nil {
		return nil
	}
	var netErr net.Error
	if errors.As(err, &netErr) {
		return &common.StorageUnavailableError{Store: "redis", Err: err}
	}
	if errors.Is(err, context.DeadlineExceeded) {
		return &common.StorageUnavailableError{Store: "redis", Err: err}
	}
	return err
}
