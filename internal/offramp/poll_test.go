package offramp

import (
	"context"
	"errors"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestPoll_TerminalOnFirstFetch(t *testing.T) {
	p := NewPoller()
	calls := 0

	out, err := Poll(context.Background(), p, "swap-1",
		func(ctx context.Context) (string, error) {
			calls++
			return "completed", nil
		},
		func(s string) bool { return s == "completed" },
		time.Hour, time.Hour,
	)

	require.NoError(t, err)
	assert.Equal(t, "completed", out)
	assert.Equal(t, 1, calls, "terminal result must not trigger another fetch")
}

func TestPoll_AdvancesUntilTerminal(t *testing.T) {
	p := NewPoller()
	statuses := []string{"pending", "pending", "completed"}
	calls := 0

	out, err := Poll(context.Background(), p, "swap-2",
		func(ctx context.Context) (string, error) {
			s := statuses[calls]
			calls++
			return s, nil
		},
		func(s string) bool { return s == "completed" },
		time.Millisecond, time.Second,
	)

	require.NoError(t, err)
	assert.Equal(t, "completed", out)
	assert.Equal(t, 3, calls)
}

func TestPoll_TimeoutReturnsLastValue(t *testing.T) {
	p := NewPoller()

	out, err := Poll(context.Background(), p, "swap-3",
		func(ctx context.Context) (string, error) {
			return "pending", nil
		},
		func(s string) bool { return false },
		5*time.Millisecond, 30*time.Millisecond,
	)

	require.Error(t, err)
	assert.ErrorIs(t, err, ErrPollTimeout)
	assert.Equal(t, "pending", out, "timeout must still surface the last observed value")
}

func TestPoll_FetchErrorPropagates(t *testing.T) {
	p := NewPoller()
	fetchErr := errors.New("upstream down")
	calls := 0

	_, err := Poll(context.Background(), p, "swap-4",
		func(ctx context.Context) (string, error) {
			calls++
			return "", fetchErr
		},
		func(s string) bool { return false },
		time.Millisecond, time.Second,
	)

	assert.ErrorIs(t, err, fetchErr)
	assert.Equal(t, 1, calls, "fetch errors must not be retried by the poll loop itself")
}

func TestPoll_RejectsConcurrentLoopForSameKey(t *testing.T) {
	p := NewPoller()
	started := make(chan struct{})
	release := make(chan struct{})
	done := make(chan error, 1)

	go func() {
		_, err := Poll(context.Background(), p, "swap-5",
			func(ctx context.Context) (string, error) {
				close(started)
				<-release
				return "completed", nil
			},
			func(s string) bool { return s == "completed" },
			time.Millisecond, time.Second,
		)
		done <- err
	}()

	<-started
	_, err := Poll(context.Background(), p, "swap-5",
		func(ctx context.Context) (string, error) { return "completed", nil },
		func(s string) bool { return true },
		time.Millisecond, time.Second,
	)
	assert.ErrorIs(t, err, ErrPollInFlight)

	close(release)
	require.NoError(t, <-done)

	// The key is released once the first loop finishes.
	out, err := Poll(context.Background(), p, "swap-5",
		func(ctx context.Context) (string, error) { return "completed", nil },
		func(s string) bool { return true },
		time.Millisecond, time.Second,
	)
	require.NoError(t, err)
	assert.Equal(t, "completed", out)
}

func TestPoll_ContextCancellation(t *testing.T) {
	p := NewPoller()
	ctx, cancel := context.WithCancel(context.Background())

	go func() {
		time.Sleep(10 * time.Millisecond)
		cancel()
	}()

	_, err := Poll(ctx, p, "swap-6",
		func(ctx context.Context) (string, error) { return "pending", nil },
		func(s string) bool { return false },
		time.Second, time.Minute,
	)
	assert.ErrorIs(t, err, context.Canceled)
}
