package offramp

import (
	"context"
	"errors"
	"net/http"
	"testing"
	"time"

	"github.com/offrampd/offramp-backend/internal/provider"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestWithRetry_SuccessFirstAttempt(t *testing.T) {
	calls := 0
	out, err := WithRetry(context.Background(), 4, time.Millisecond, func(ctx context.Context) (int, error) {
		calls++
		return 42, nil
	})

	require.NoError(t, err)
	assert.Equal(t, 42, out)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_RetriesTransientProviderErrors(t *testing.T) {
	calls := 0
	out, err := WithRetry(context.Background(), 4, time.Millisecond, func(ctx context.Context) (string, error) {
		calls++
		if calls < 3 {
			return "", provider.NewError("bridge", "GetSwap", http.StatusServiceUnavailable, "unavailable")
		}
		return "ok", nil
	})

	require.NoError(t, err)
	assert.Equal(t, "ok", out)
	assert.Equal(t, 3, calls)
}

func TestWithRetry_DoesNotRetryClientErrors(t *testing.T) {
	calls := 0
	_, err := WithRetry(context.Background(), 4, time.Millisecond, func(ctx context.Context) (string, error) {
		calls++
		return "", provider.NewError("payout", "CreateOrder", http.StatusBadRequest, "bad request")
	})

	require.Error(t, err)
	assert.Equal(t, 1, calls, "4xx provider errors are not transient")

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusBadRequest, pe.StatusCode)
}

func TestWithRetry_DoesNotRetryPlainErrors(t *testing.T) {
	calls := 0
	boom := errors.New("boom")
	_, err := WithRetry(context.Background(), 4, time.Millisecond, func(ctx context.Context) (string, error) {
		calls++
		return "", boom
	})

	assert.ErrorIs(t, err, boom)
	assert.Equal(t, 1, calls)
}

func TestWithRetry_GivesUpAfterMaxAttempts(t *testing.T) {
	calls := 0
	upstream := provider.NewError("bridge", "GetSwap", http.StatusTooManyRequests, "slow down")
	_, err := WithRetry(context.Background(), 3, time.Millisecond, func(ctx context.Context) (string, error) {
		calls++
		return "", upstream
	})

	require.Error(t, err)
	assert.Equal(t, 3, calls)

	// The final error surfaces unchanged.
	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
}
