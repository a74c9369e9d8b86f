// Package status persists the per-order payout status record. The webhook
// reconciler and the saga's polling loop both write through Apply, which
// only ever moves a record forward; that invariant, not a shared lock, is
// what makes the two concurrent paths safe.
package status

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"time"

	"github.com/offrampd/offramp-backend/internal/payout"
	"github.com/offrampd/offramp-backend/pkg/kv"
	"go.uber.org/zap"
)

const (
	orderKeyPrefix       = "orp:order:"
	reservationKeyPrefix = "orp:order-reservation:"
	casAttempts          = 5
)

// Record is the persisted status of one payout order.
type Record struct {
	OrderID   string             `json:"orderId"`
	Status    payout.OrderStatus `json:"status"`
	UpdatedAt time.Time          `json:"updatedAt"`
}

// Reservation guards order creation: one payout order per off-ramp request.
// Token is the idempotency token sent to the provider; OrderID is bound once
// the order exists.
type Reservation struct {
	Token   string `json:"token"`
	OrderID string `json:"orderId,omitempty"`
}

type Store struct {
	kv     kv.Store
	logger *zap.SugaredLogger
}

func NewStore(store kv.Store, logger *zap.SugaredLogger) *Store {
	return &Store{kv: store, logger: logger}
}

// Get returns the recorded status for an order, or nil when none exists.
func (s *Store) Get(ctx context.Context, orderID string) (*Record, error) {
	raw, err := s.kv.Get(ctx, orderKeyPrefix+orderID)
	if errors.Is(err, kv.ErrNotFound) {
		return nil, nil
	}
	if err != nil {
		return nil, fmt.Errorf("read order record: %w", err)
	}

	var rec Record
	if err := json.Unmarshal(raw, &rec); err != nil {
		return nil, fmt.Errorf("decode order record: %w", err)
	}
	return &rec, nil
}

// Apply merges a reported status into the record, but only as a legal
// forward transition. Duplicate and backward reports return applied=false
// with no state change, so applying the same event twice is a no-op.
func (s *Store) Apply(ctx context.Context, orderID string, next payout.OrderStatus) (bool, error) {
	if !next.Valid() {
		return false, fmt.Errorf("unknown order status %q", next)
	}

	key := orderKeyPrefix + orderID
	for attempt := 0; attempt < casAttempts; attempt++ {
		raw, err := s.kv.Get(ctx, key)
		if err != nil && !errors.Is(err, kv.ErrNotFound) {
			return false, fmt.Errorf("read order record: %w", err)
		}

		var old []byte
		if err == nil {
			var cur Record
			if err := json.Unmarshal(raw, &cur); err != nil {
				return false, fmt.Errorf("decode order record: %w", err)
			}
			if !cur.Status.CanTransitionTo(next) {
				return false, nil
			}
			old = raw
		}

		updated, err := json.Marshal(Record{
			OrderID:   orderID,
			Status:    next,
			UpdatedAt: time.Now().UTC(),
		})
		if err != nil {
			return false, fmt.Errorf("encode order record: %w", err)
		}

		swapped, err := s.kv.CompareAndSwap(ctx, key, old, updated)
		if err != nil {
			return false, fmt.Errorf("swap order record: %w", err)
		}
		if swapped {
			s.logger.Infow("Order status advanced", "orderId", orderID, "status", next)
			return true, nil
		}
		// Lost the race with a concurrent writer; re-read and retry.
	}
	return false, fmt.Errorf("order %s: status merge contention exceeded %d attempts", orderID, casAttempts)
}

// Reserve claims the right to create the payout order for an off-ramp
// request. The first caller gets a fresh reservation; later callers get the
// existing one, so a request can never create two orders.
func (s *Store) Reserve(ctx context.Context, requestID, token string) (*Reservation, bool, error) {
	key := reservationKeyPrefix + requestID
	fresh, err := json.Marshal(Reservation{Token: token})
	if err != nil {
		return nil, false, fmt.Errorf("encode reservation: %w", err)
	}

	created, err := s.kv.SetNX(ctx, key, fresh)
	if err != nil {
		return nil, false, fmt.Errorf("reserve order creation: %w", err)
	}
	if created {
		return &Reservation{Token: token}, false, nil
	}

	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return nil, false, fmt.Errorf("read reservation: %w", err)
	}
	var existing Reservation
	if err := json.Unmarshal(raw, &existing); err != nil {
		return nil, false, fmt.Errorf("decode reservation: %w", err)
	}
	return &existing, true, nil
}

// BindOrder records the created order's identifier on the reservation.
func (s *Store) BindOrder(ctx context.Context, requestID, orderID string) error {
	key := reservationKeyPrefix + requestID
	raw, err := s.kv.Get(ctx, key)
	if err != nil {
		return fmt.Errorf("read reservation: %w", err)
	}
	var res Reservation
	if err := json.Unmarshal(raw, &res); err != nil {
		return fmt.Errorf("decode reservation: %w", err)
	}
	res.OrderID = orderID

	updated, err := json.Marshal(res)
	if err != nil {
		return fmt.Errorf("encode reservation: %w", err)
	}
	swapped, err := s.kv.CompareAndSwap(ctx, key, raw, updated)
	if err != nil {
		return fmt.Errorf("bind order to reservation: %w", err)
	}
	if !swapped {
		return fmt.Errorf("reservation for request %s changed concurrently", requestID)
	}
	return nil
}
