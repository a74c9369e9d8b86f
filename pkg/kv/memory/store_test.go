package memory

import (
	"context"
	"testing"
	"time"

	"github.com/offrampd/offramp-backend/pkg/kv"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestSetGet(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v")))

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v"), val)

	_, err = s.Get(ctx, "missing")
	assert.ErrorIs(t, err, kv.ErrNotFound)
}

func TestSetNX(t *testing.T) {
	s := New()
	ctx := context.Background()

	created, err := s.SetNX(ctx, "k", []byte("first"))
	require.NoError(t, err)
	assert.True(t, created)

	created, err = s.SetNX(ctx, "k", []byte("second"))
	require.NoError(t, err)
	assert.False(t, created)

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("first"), val)
}

func TestCompareAndSwap(t *testing.T) {
	s := New()
	ctx := context.Background()

	// nil old asserts absence
	swapped, err := s.CompareAndSwap(ctx, "k", nil, []byte("v1"))
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "k", nil, []byte("v2"))
	require.NoError(t, err)
	assert.False(t, swapped, "absence assertion must fail once the key exists")

	swapped, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v2"))
	require.NoError(t, err)
	assert.True(t, swapped)

	swapped, err = s.CompareAndSwap(ctx, "k", []byte("v1"), []byte("v3"))
	require.NoError(t, err)
	assert.False(t, swapped, "stale old value must not win")

	val, err := s.Get(ctx, "k")
	require.NoError(t, err)
	assert.Equal(t, []byte("v2"), val)
}

func TestTTLExpiry(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "k", []byte("v"), 10*time.Millisecond))

	_, err := s.Get(ctx, "k")
	require.NoError(t, err)

	time.Sleep(20 * time.Millisecond)

	_, err = s.Get(ctx, "k")
	assert.ErrorIs(t, err, kv.ErrNotFound)

	// An expired key can be re-created with SetNX.
	created, err := s.SetNX(ctx, "k", []byte("fresh"))
	require.NoError(t, err)
	assert.True(t, created)
}

func TestDelAndExists(t *testing.T) {
	s := New()
	ctx := context.Background()

	require.NoError(t, s.Set(ctx, "a", []byte("1")))
	require.NoError(t, s.Set(ctx, "b", []byte("2")))

	count, err := s.Exists(ctx, "a", "b", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(2), count)

	deleted, err := s.Del(ctx, "a", "c")
	require.NoError(t, err)
	assert.Equal(t, int64(1), deleted)

	count, err = s.Exists(ctx, "a", "b")
	require.NoError(t, err)
	assert.Equal(t, int64(1), count)
}
