// Package kv defines the narrow key-value contract the off-ramp saga
// persists its order-status and idempotency records through. Backends are
// expected to be Redis-compatible in semantics; an in-memory implementation
// exists for tests and for running without Redis.
package kv

import (
	"context"
	"errors"
	"time"
)

// ErrNotFound is returned when a key is not found.
var ErrNotFound = errors.New("not found")

// ErrBackendUnavailable is returned when the backend storage is unavailable.
var ErrBackendUnavailable = errors.New("backend unavailable")

// Store is the minimal read/write/compare-and-swap surface the saga needs.
// CompareAndSwap with a nil old value means "create only if absent".
type Store interface {
	Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error
	Get(ctx context.Context, key string) ([]byte, error)

	// SetNX sets the key only if it does not exist and reports whether it did.
	SetNX(ctx context.Context, key string, value []byte, ttl ...time.Duration) (bool, error)

	// CompareAndSwap atomically replaces the value stored at key with new,
	// provided the current value equals old. old == nil asserts absence.
	// Returns false without error when the assertion does not hold.
	CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error)

	Del(ctx context.Context, keys ...string) (int64, error)
	Exists(ctx context.Context, keys ...string) (int64, error)

	Ping(ctx context.Context) error
	Close() error
}
