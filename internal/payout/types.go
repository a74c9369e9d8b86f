package payout

import (
	"time"

	"github.com/shopspring/decimal"
)

// OrderStatus is the payout provider's order lifecycle status.
type OrderStatus string

const (
	StatusPending   OrderStatus = "pending"
	StatusValidated OrderStatus = "validated"
	StatusSettled   OrderStatus = "settled"
	StatusRefunded  OrderStatus = "refunded"
	StatusExpired   OrderStatus = "expired"
)

// Terminal reports whether the saga should stop waiting on this status.
func (s OrderStatus) Terminal() bool {
	switch s {
	case StatusValidated, StatusSettled, StatusRefunded, StatusExpired:
		return true
	}
	return false
}

// rank orders statuses along the forward-only transition graph. A validated
// order may still settle, so validated ranks below the other terminals.
func (s OrderStatus) rank() int {
	switch s {
	case StatusPending:
		return 0
	case StatusValidated:
		return 1
	case StatusSettled, StatusRefunded, StatusExpired:
		return 2
	}
	return -1
}

// CanTransitionTo reports whether moving from s to next is a legal forward
// transition. Duplicate and backward transitions are rejected.
func (s OrderStatus) CanTransitionTo(next OrderStatus) bool {
	if !s.Valid() || !next.Valid() {
		return false
	}
	return next.rank() > s.rank()
}

// Valid reports whether the status is one of the provider's known values.
func (s OrderStatus) Valid() bool {
	return s.rank() >= 0
}

// Rate is a token-to-fiat conversion rate quoted by the provider.
type Rate struct {
	Token    string          `json:"token"`
	Currency string          `json:"currency"`
	Rate     decimal.Decimal `json:"rate"`
}

// Institution is a receiving bank or mobile-money operator.
type Institution struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type"`
}

// AccountVerification is the resolved owner of a bank account.
type AccountVerification struct {
	AccountName string `json:"accountName"`
	Valid       bool   `json:"valid"`
}

// Order is a fiat payout order as reported by the provider. Status is
// mutated only by provider responses, never locally.
type Order struct {
	ID              string          `json:"id"`
	Status          OrderStatus     `json:"status"`
	Amount          decimal.Decimal `json:"amount"`
	Token           string          `json:"token"`
	Currency        string          `json:"currency"`
	ReceiveAddress  string          `json:"receiveAddress"`
	ValidUntil      time.Time       `json:"validUntil"`
	SenderFee       decimal.Decimal `json:"senderFee"`
	TransactionFee  decimal.Decimal `json:"transactionFee"`
	Reference       string          `json:"reference,omitempty"`
	TxHash          string          `json:"txHash,omitempty"`
	SettlePercent   decimal.Decimal `json:"settlePercent,omitempty"`
	UpdatedAt       time.Time       `json:"updatedAt,omitempty"`
	CreatedAt       time.Time       `json:"createdAt,omitempty"`
	FailureReason   string          `json:"failureReason,omitempty"`
}

// Recipient is the destination bank account for an order.
type Recipient struct {
	Institution       string `json:"institution"`
	AccountIdentifier string `json:"accountIdentifier"`
	AccountName       string `json:"accountName"`
	Memo              string `json:"memo,omitempty"`
}

// CreateOrderRequest describes a payout order to be created. Reference is a
// caller-supplied idempotency token; the provider deduplicates on it.
type CreateOrderRequest struct {
	Amount        decimal.Decimal `json:"amount"`
	Token         string          `json:"token"`
	Network       string          `json:"network"`
	Rate          decimal.Decimal `json:"rate"`
	Currency      string          `json:"currency"`
	Recipient     Recipient       `json:"recipient"`
	Reference     string          `json:"reference"`
	ReturnAddress string          `json:"returnAddress,omitempty"`
}
