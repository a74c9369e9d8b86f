package offramp

import (
	"errors"
	"fmt"
)

// Step identifies the saga boundary at which a failure occurred.
type Step string

const (
	StepValidate       Step = "validate"
	StepFetchSwap      Step = "fetch_swap"
	StepSourceTransfer Step = "source_transfer"
	StepAwaitBridge    Step = "await_bridge"
	StepPricing        Step = "pricing"
	StepCreateOrder    Step = "create_order"
	StepSettlement     Step = "settlement"
	StepAwaitPayout    Step = "await_payout"
)

// ErrBridgeFailed marks a swap that reached failed, cancelled, or expired.
var ErrBridgeFailed = errors.New("bridge swap failed")

// ValidationError is a fatal, non-retriable input rejection.
type ValidationError struct {
	Field  string
	Reason string
}

func (e *ValidationError) Error() string {
	return fmt.Sprintf("invalid request: %s %s", e.Field, e.Reason)
}

// Error is a typed saga failure. SourceSubmitted tells the caller whether
// the bridge-side transfer already went out, so a blind retry of the whole
// request cannot double-spend.
type Error struct {
	Step             Step
	SourceSubmitted  bool
	SourceTxHash     string
	SettlementTxHash string
	PayoutOrderID    string
	LastStatus       string
	Err              error
}

func (e *Error) Error() string {
	return fmt.Sprintf("off-ramp %s failed (sourceSubmitted=%t, lastStatus=%q): %v",
		e.Step, e.SourceSubmitted, e.LastStatus, e.Err)
}

func (e *Error) Unwrap() error { return e.Err }
