// Package redis provides a Redis-backed kv.Store.
package redis

import (
	"context"
	"errors"
	"fmt"
	"net"
	"time"

	"github.com/offrampd/offramp-backend/pkg/kv"
	"github.com/redis/go-redis/v9"
)

// casScript atomically replaces a key's value iff the current value matches.
// ARGV[1] == "" means the key must be absent.
var casScript = redis.NewScript(`
local cur = redis.call("GET", KEYS[1])
if ARGV[1] == "" then
  if cur then return 0 end
else
  if not cur or cur ~= ARGV[1] then return 0 end
end
redis.call("SET", KEYS[1], ARGV[2])
return 1
`)

// Store is a Redis-backed implementation of the kv.Store interface.
type Store struct {
	client *redis.Client
}

// New creates a Redis-backed store from an existing client.
func New(client *redis.Client) *Store {
	return &Store{client: client}
}

// Connect dials Redis and verifies the connection before returning a store.
func Connect(ctx context.Context, addr string) (*Store, error) {
	client := redis.NewClient(&redis.Options{
		Addr:         addr,
		DialTimeout:  5 * time.Second,
		ReadTimeout:  3 * time.Second,
		WriteTimeout: 3 * time.Second,
		PoolSize:     10,
		MinIdleConns: 5,
	})

	if err := client.Ping(ctx).Err(); err != nil {
		_ = client.Close()
		return nil, wrapConnectionError(err)
	}
	return &Store{client: client}, nil
}

// isConnectionError reports whether an error is connection-related rather
// than a data-level miss.
func isConnectionError(err error) bool {
	if err == nil || err == redis.Nil {
		return false
	}
	if errors.Is(err, context.Canceled) {
		return false
	}
	var netErr net.Error
	return errors.As(err, &netErr)
}

func wrapConnectionError(err error) error {
	if err == nil {
		return nil
	}
	if isConnectionError(err) {
		return fmt.Errorf("%w: %v", kv.ErrBackendUnavailable, err)
	}
	return err
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	var expiry time.Duration
	if len(ttl) > 0 {
		expiry = ttl[0]
	}
	return wrapConnectionError(s.client.Set(ctx, key, value, expiry).Err())
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	val, err := s.client.Get(ctx, key).Bytes()
	if err == redis.Nil {
		return nil, kv.ErrNotFound
	}
	if err != nil {
		return nil, wrapConnectionError(err)
	}
	return val, nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl ...time.Duration) (bool, error) {
	var expiry time.Duration
	if len(ttl) > 0 {
		expiry = ttl[0]
	}
	ok, err := s.client.SetNX(ctx, key, value, expiry).Result()
	if err != nil {
		return false, wrapConnectionError(err)
	}
	return ok, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	oldArg := ""
	if old != nil {
		oldArg = string(old)
	}
	res, err := casScript.Run(ctx, s.client, []string{key}, oldArg, string(new)).Int()
	if err != nil {
		return false, wrapConnectionError(err)
	}
	return res == 1, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Del(ctx, keys...).Result()
	return n, wrapConnectionError(err)
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	n, err := s.client.Exists(ctx, keys...).Result()
	return n, wrapConnectionError(err)
}

func (s *Store) Ping(ctx context.Context) error {
	return wrapConnectionError(s.client.Ping(ctx).Err())
}

func (s *Store) Close() error {
	return s.client.Close()
}
