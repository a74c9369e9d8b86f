// Package memory provides an in-memory kv.Store for tests. Production runs
// on the Redis store; settlement idempotency must survive restarts.
package memory

import (
	"bytes"
	"context"
	"sync"
	"time"

	"github.com/offrampd/offramp-backend/pkg/kv"
)

// Store is an in-memory implementation of the kv.Store interface.
type Store struct {
	mu          sync.RWMutex
	values      map[string][]byte
	expirations map[string]time.Time
}

// New creates a new in-memory store.
func New() *Store {
	return &Store{
		values:      make(map[string][]byte),
		expirations: make(map[string]time.Time),
	}
}

// isExpired checks if a key has expired (must hold lock).
func (s *Store) isExpired(key string) bool {
	if expiry, exists := s.expirations[key]; exists {
		return time.Now().After(expiry)
	}
	return false
}

// setExpiration sets TTL for a key (must hold write lock).
func (s *Store) setExpiration(key string, ttl time.Duration) {
	if ttl > 0 {
		s.expirations[key] = time.Now().Add(ttl)
	} else {
		delete(s.expirations, key)
	}
}

// getUnsafe reads a live value (must hold lock). Returns nil if absent or expired.
func (s *Store) getUnsafe(key string) ([]byte, bool) {
	if s.isExpired(key) {
		return nil, false
	}
	val, ok := s.values[key]
	return val, ok
}

func (s *Store) Set(ctx context.Context, key string, value []byte, ttl ...time.Duration) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	s.values[key] = value
	if len(ttl) > 0 {
		s.setExpiration(key, ttl[0])
	} else {
		delete(s.expirations, key)
	}
	return nil
}

func (s *Store) Get(ctx context.Context, key string) ([]byte, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	val, ok := s.getUnsafe(key)
	if !ok {
		return nil, kv.ErrNotFound
	}
	return val, nil
}

func (s *Store) SetNX(ctx context.Context, key string, value []byte, ttl ...time.Duration) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.getUnsafe(key); ok {
		return false, nil
	}
	s.values[key] = value
	if len(ttl) > 0 {
		s.setExpiration(key, ttl[0])
	} else {
		delete(s.expirations, key)
	}
	return true, nil
}

func (s *Store) CompareAndSwap(ctx context.Context, key string, old, new []byte) (bool, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	cur, ok := s.getUnsafe(key)
	if old == nil {
		if ok {
			return false, nil
		}
	} else {
		if !ok || !bytes.Equal(cur, old) {
			return false, nil
		}
	}

	s.values[key] = new
	delete(s.expirations, key)
	return true, nil
}

func (s *Store) Del(ctx context.Context, keys ...string) (int64, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	var deleted int64
	for _, key := range keys {
		if _, ok := s.getUnsafe(key); ok {
			deleted++
		}
		delete(s.values, key)
		delete(s.expirations, key)
	}
	return deleted, nil
}

func (s *Store) Exists(ctx context.Context, keys ...string) (int64, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var count int64
	for _, key := range keys {
		if _, ok := s.getUnsafe(key); ok {
			count++
		}
	}
	return count, nil
}

func (s *Store) Ping(ctx context.Context) error {
	return nil
}

func (s *Store) Close() error {
	return nil
}
