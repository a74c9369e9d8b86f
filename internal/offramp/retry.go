package offramp

import (
	"context"
	"time"

	"github.com/offrampd/offramp-backend/internal/provider"
	"github.com/sethvargo/go-retry"
)

// WithRetry runs op with exponential backoff (baseDelay doubling per
// attempt) for transient provider failures. Only 429 and 5xx provider
// errors are retried; everything else, and the final error after maxAttempts,
// is returned unchanged. Callers must only pass side-effect-free operations.
func WithRetry[T any](ctx context.Context, maxAttempts int, baseDelay time.Duration, op func(context.Context) (T, error)) (T, error) {
	if maxAttempts < 1 {
		maxAttempts = 1
	}
	backoff := retry.WithMaxRetries(uint64(maxAttempts-1), retry.NewExponential(baseDelay))

	for {
		out, err := op(ctx)
		if err == nil || !provider.Retryable(err) {
			return out, err
		}

		delay, stop := backoff.Next()
		if stop {
			return out, err
		}
		select {
		case <-ctx.Done():
			return out, err
		case <-time.After(delay):
		}
	}
}
