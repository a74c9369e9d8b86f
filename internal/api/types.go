package api

import "github.com/shopspring/decimal"

// OffRampRequestDTO is the body of POST /v1/offramp.
type OffRampRequestDTO struct {
	SwapID                string          `json:"swapId"`
	Token                 string          `json:"token"`
	Amount                decimal.Decimal `json:"amount"`
	FiatCurrency          string          `json:"fiatCurrency"`
	BankCode              string          `json:"bankCode"`
	AccountNumber         string          `json:"accountNumber"`
	AccountName           string          `json:"accountName"`
	UserAddress           string          `json:"userAddress"`
	DestinationFiatAmount decimal.Decimal `json:"destinationFiatAmount"`
}

// OffRampResponseDTO reports the saga's outcome. Status is "completed" when
// the payout reached a terminal success status, or "pending" when the saga
// ran out of polling budget with the payout still in flight.
type OffRampResponseDTO struct {
	RequestID         string `json:"requestId"`
	Status            string `json:"status"`
	SourceChainTxHash string `json:"sourceChainTxHash,omitempty"`
	SettlementTxHash  string `json:"settlementTxHash,omitempty"`
	PayoutOrderID     string `json:"paycrestOrderId,omitempty"`
	FinalStatus       string `json:"finalStatus,omitempty"`
}

type RatePreviewDTO struct {
	Token      string `json:"token"`
	Currency   string `json:"currency"`
	Rate       string `json:"rate"`
	Amount     string `json:"amount"`
	FiatAmount string `json:"fiatAmount"`
}

type InstitutionDTO struct {
	Name string `json:"name"`
	Code string `json:"code"`
	Type string `json:"type"`
}

type VerifyAccountRequestDTO struct {
	Institution       string `json:"institution"`
	AccountIdentifier string `json:"accountIdentifier"`
}

type VerifyAccountResponseDTO struct {
	AccountName string `json:"accountName"`
}

// ErrorResponse is the failure body on every error path. Clients parse the
// error field; code is a machine-readable supplement.
type ErrorResponse struct {
	Error string `json:"error"`
	Code  string `json:"code"`
}
