// Package webhook verifies and reconciles payout provider webhook events.
// It is an independent entry point: it shares nothing with the saga's call
// stack except the persisted order-status record.
package webhook

import (
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"fmt"
	"strings"
	"time"

	"github.com/offrampd/offramp-backend/internal/payout"
	"github.com/offrampd/offramp-backend/internal/status"
	"go.uber.org/zap"
)

// ErrSignatureInvalid is returned when the signature header is missing or
// does not match the HMAC of the raw body. No state changes on rejection.
var ErrSignatureInvalid = errors.New("webhook signature invalid")

// Event is the payout provider's pushed status notification.
type Event struct {
	OrderID   string `json:"orderId"`
	Status    string `json:"status"`
	Timestamp int64  `json:"timestamp"`
	Signature string `json:"signature,omitempty"`
}

// Ack is the response body returned for every signature-valid event,
// whether or not the transition was applied.
type Ack struct {
	Received bool `json:"received"`
}

// AuditLog persists received events; implementations may be nil-safe no-ops.
type AuditLog interface {
	RecordWebhookEvent(ctx context.Context, orderID, reportedStatus string, eventTime time.Time, applied bool, payload []byte) error
}

// MetricsRecorder counts webhook dispositions.
type MetricsRecorder interface {
	RecordWebhookEvent(ctx context.Context, disposition string)
}

type Reconciler struct {
	secret  []byte
	status  *status.Store
	audit   AuditLog
	metrics MetricsRecorder
	logger  *zap.SugaredLogger
}

func NewReconciler(secret string, statusStore *status.Store, audit AuditLog, metrics MetricsRecorder, logger *zap.SugaredLogger) *Reconciler {
	return &Reconciler{
		secret:  []byte(secret),
		status:  statusStore,
		audit:   audit,
		metrics: metrics,
		logger:  logger,
	}
}

// Handle verifies the signature over the raw body and merges the reported
// status into the order's record as a forward-only transition. Duplicate,
// backward, and unknown-status events are acknowledged without state change
// so the provider stops retrying them.
func (r *Reconciler) Handle(ctx context.Context, rawBody []byte, signatureHeader string) (*Ack, error) {
	if !r.verify(rawBody, signatureHeader) {
		r.record(ctx, "rejected_signature")
		return nil, ErrSignatureInvalid
	}

	var event Event
	if err := json.Unmarshal(rawBody, &event); err != nil {
		r.record(ctx, "rejected_malformed")
		return nil, fmt.Errorf("decode webhook event: %w", err)
	}
	if event.OrderID == "" {
		r.record(ctx, "rejected_malformed")
		return nil, errors.New("webhook event missing order id")
	}

	mapped := mapProviderStatus(event.Status)
	if !mapped.Valid() {
		// Signature-valid but unrecognized status; acknowledge so the
		// provider does not retry, change nothing.
		r.logger.Warnw("Webhook reported unknown status", "orderId", event.OrderID, "status", event.Status)
		r.record(ctx, "ignored_unknown_status")
		r.recordAudit(ctx, event, false, rawBody)
		return &Ack{Received: true}, nil
	}

	applied, err := r.status.Apply(ctx, event.OrderID, mapped)
	if err != nil {
		r.record(ctx, "error")
		return nil, fmt.Errorf("apply webhook status: %w", err)
	}

	if applied {
		r.logger.Infow("Webhook status applied", "orderId", event.OrderID, "status", mapped)
		r.record(ctx, "applied")
	} else {
		r.record(ctx, "ignored_stale")
	}
	r.recordAudit(ctx, event, applied, rawBody)

	return &Ack{Received: true}, nil
}

// verify recomputes the HMAC-SHA256 of the raw body and compares it to the
// header in constant time. An empty header always fails.
func (r *Reconciler) verify(rawBody []byte, signatureHeader string) bool {
	signatureHeader = strings.TrimSpace(signatureHeader)
	if signatureHeader == "" || len(r.secret) == 0 {
		return false
	}

	provided, err := hex.DecodeString(signatureHeader)
	if err != nil {
		return false
	}

	mac := hmac.New(sha256.New, r.secret)
	mac.Write(rawBody)
	return hmac.Equal(provided, mac.Sum(nil))
}

// mapProviderStatus translates the provider's wire statuses into the
// internal transition graph.
func mapProviderStatus(s string) payout.OrderStatus {
	switch strings.ToLower(strings.TrimPrefix(strings.TrimSpace(s), "payment_order.")) {
	case "pending", "initiated":
		return payout.StatusPending
	case "validated", "fulfilled":
		return payout.StatusValidated
	case "settled":
		return payout.StatusSettled
	case "refunded":
		return payout.StatusRefunded
	case "expired":
		return payout.StatusExpired
	}
	return payout.OrderStatus(s)
}

func (r *Reconciler) record(ctx context.Context, disposition string) {
	if r.metrics != nil {
		r.metrics.RecordWebhookEvent(ctx, disposition)
	}
}

func (r *Reconciler) recordAudit(ctx context.Context, event Event, applied bool, payload []byte) {
	if r.audit == nil {
		return
	}
	eventTime := time.Unix(event.Timestamp, 0).UTC()
	if err := r.audit.RecordWebhookEvent(ctx, event.OrderID, event.Status, eventTime, applied, payload); err != nil {
		r.logger.Warnw("Failed to audit webhook event", "orderId", event.OrderID, "error", err)
	}
}
