package bridge

import (
	"time"

	"github.com/shopspring/decimal"
)

// SwapStatus is the bridge provider's swap lifecycle status.
type SwapStatus string

const (
	StatusUserTransferPending SwapStatus = "user_transfer_pending"
	StatusLsTransferPending   SwapStatus = "ls_transfer_pending"
	StatusCompleted           SwapStatus = "completed"
	StatusFailed              SwapStatus = "failed"
	StatusCancelled           SwapStatus = "cancelled"
	StatusExpired             SwapStatus = "expired"
)

// Terminal reports whether no further transition is expected.
func (s SwapStatus) Terminal() bool {
	switch s {
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// Failed reports whether the swap ended without delivering funds.
func (s SwapStatus) Failed() bool {
	switch s {
	case StatusFailed, StatusCancelled, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses along the forward-only transition graph. Terminal
// statuses share the highest rank so no terminal state can be overwritten.
func (s SwapStatus) rank() int {
	switch s {
	case StatusUserTransferPending:
		return 0
	case StatusLsTransferPending:
		return 1
	case StatusCompleted, StatusFailed, StatusCancelled, StatusExpired:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition.
func (s SwapStatus) CanTransitionTo(next SwapStatus) bool {
	if s.Terminal() {
		return false
	}
	return next.rank() > s.rank()
}

// Valid reports whether the status is one of the provider's known values.
func (s SwapStatus) Valid() bool {
	return s.rank() >= 0
}

// Quote is the bridge provider's pricing for a swap.
type Quote struct {
	ReceiveAmount    decimal.Decimal `json:"receive_amount"`
	MinReceiveAmount decimal.Decimal `json:"min_receive_amount"`
	BlockchainFee    decimal.Decimal `json:"blockchain_fee"`
	ServiceFee       decimal.Decimal `json:"service_fee"`
	TotalFee         decimal.Decimal `json:"total_fee"`
}

// DepositCall is one chain call the user-side deposit must perform.
type DepositCall struct {
	Target     string   `json:"target"`
	Entrypoint string   `json:"entrypoint"`
	Calldata   []string `json:"calldata"`
}

// DepositAction is an ordered group of calls the bridge expects on the
// source chain before it will move funds.
type DepositAction struct {
	Type      string          `json:"type"`
	ToAddress string          `json:"to_address"`
	Amount    decimal.Decimal `json:"amount"`
	Calls     []DepositCall   `json:"calls"`
}

// Swap is a bridge swap as reported by the provider. Status is mutated only
// by provider responses, never locally.
type Swap struct {
	ID               string          `json:"id"`
	Status           SwapStatus      `json:"status"`
	SourceNetwork    string          `json:"source_network"`
	SourceToken      string          `json:"source_token"`
	DestNetwork      string          `json:"destination_network"`
	DestToken        string          `json:"destination_token"`
	DestAddress      string          `json:"destination_address"`
	RequestedAmount  decimal.Decimal `json:"requested_amount"`
	Quote            Quote           `json:"quote"`
	DepositActions   []DepositAction `json:"deposit_actions"`
	CreatedAt        time.Time       `json:"created_date"`
	ExpiresAt        time.Time       `json:"expires_date"`
	FailureReason    string          `json:"failure_reason,omitempty"`
	OutputTxHash     string          `json:"output_transaction_hash,omitempty"`
	OutputTxExplorer string          `json:"output_transaction_explorer,omitempty"`
}

// CreateSwapRequest describes a swap to be created with the bridge provider.
type CreateSwapRequest struct {
	SourceNetwork  string          `json:"source_network"`
	SourceToken    string          `json:"source_token"`
	DestNetwork    string          `json:"destination_network"`
	DestToken      string          `json:"destination_token"`
	DestAddress    string          `json:"destination_address"`
	Amount         decimal.Decimal `json:"amount"`
	ReferenceID    string          `json:"reference_id,omitempty"`
	SourceAddress  string          `json:"source_address,omitempty"`
	UseDepositMode bool            `json:"use_deposit_address,omitempty"`
}
