package offramp

import (
	"context"
	"errors"
	"fmt"
	"sync"
	"time"
)

// ErrPollTimeout marks an ambiguous outcome: the entity may still reach a
// terminal status later. It is never reported as a failure.
var ErrPollTimeout = errors.New("poll timed out before a terminal status")

// ErrPollInFlight is returned when a polling loop is already active for the
// same (provider, identifier) key.
var ErrPollInFlight = errors.New("polling loop already active for entity")

// Poller coalesces polling loops: at most one loop per key at a time.
type Poller struct {
	mu       sync.Mutex
	inflight map[string]struct{}
}

func NewPoller() *Poller {
	return &Poller{inflight: make(map[string]struct{})}
}

func (p *Poller) acquire(key string) bool {
	p.mu.Lock()
	defer p.mu.Unlock()
	if _, busy := p.inflight[key]; busy {
		return false
	}
	p.inflight[key] = struct{}{}
	return true
}

func (p *Poller) release(key string) {
	p.mu.Lock()
	defer p.mu.Unlock()
	delete(p.inflight, key)
}

// Poll calls fetch until isTerminal reports true, sleeping interval between
// attempts. It always fetches at least once and never sleeps after the last
// attempt, so the wall-clock bound is timeout plus at most one interval and
// one fetch. Fetch errors propagate immediately; running out of time returns
// the last observed value wrapped with ErrPollTimeout.
func Poll[T any](ctx context.Context, p *Poller, key string, fetch func(context.Context) (T, error), isTerminal func(T) bool, interval, timeout time.Duration) (T, error) {
	var zero T
	if !p.acquire(key) {
		return zero, fmt.Errorf("%w: %s", ErrPollInFlight, key)
	}
	defer p.release(key)

	deadline := time.NewTimer(timeout)
	defer deadline.Stop()

	for {
		out, err := fetch(ctx)
		if err != nil {
			return zero, err
		}
		if isTerminal(out) {
			return out, nil
		}

		select {
		case <-ctx.Done():
			return out, ctx.Err()
		case <-deadline.C:
			return out, fmt.Errorf("%w: %s after %s", ErrPollTimeout, key, timeout)
		case <-time.After(interval):
		}
	}
}
