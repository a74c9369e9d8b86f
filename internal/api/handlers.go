package api

import (
	"context"
	"encoding/json"
	"errors"
	"io"
	"net/http"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/offrampd/offramp-backend/internal/chain"
	"github.com/offrampd/offramp-backend/internal/config"
	"github.com/offrampd/offramp-backend/internal/offramp"
	"github.com/offrampd/offramp-backend/internal/payout"
	"github.com/offrampd/offramp-backend/internal/provider"
	"github.com/offrampd/offramp-backend/internal/repository"
	"github.com/offrampd/offramp-backend/internal/webhook"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

// MetricsInterface defines the interface for metrics recording
type MetricsInterface interface {
	RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration)
}

// SagaRunner runs one off-ramp saga to completion.
type SagaRunner interface {
	Run(ctx context.Context, req offramp.Request) (*offramp.Result, error)
}

// RequestReader serves persisted request summaries.
type RequestReader interface {
	GetRequest(ctx context.Context, requestID string) (*repository.RequestSummary, error)
	Ping(ctx context.Context) error
}

type Handler struct {
	saga       SagaRunner
	reconciler *webhook.Reconciler
	payoutAPI  payout.API
	repo       RequestReader
	config     *config.Config
	logger     *zap.SugaredLogger
	metrics    MetricsInterface
}

func NewHandler(
	saga SagaRunner,
	reconciler *webhook.Reconciler,
	payoutAPI payout.API,
	repo RequestReader,
	config *config.Config,
	logger *zap.SugaredLogger,
	metrics MetricsInterface,
) *Handler {
	return &Handler{
		saga:       saga,
		reconciler: reconciler,
		payoutAPI:  payoutAPI,
		repo:       repo,
		config:     config,
		logger:     logger,
		metrics:    metrics,
	}
}

// SubmitOffRamp runs the whole saga synchronously and reports the outcome.
func (h *Handler) SubmitOffRamp(w http.ResponseWriter, r *http.Request) {
	var dto OffRampRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}

	req := offramp.Request{
		SwapID:                dto.SwapID,
		Token:                 dto.Token,
		Amount:                dto.Amount,
		FiatCurrency:          dto.FiatCurrency,
		BankCode:              dto.BankCode,
		AccountNumber:         dto.AccountNumber,
		AccountName:           dto.AccountName,
		UserAddress:           dto.UserAddress,
		DestinationFiatAmount: dto.DestinationFiatAmount,
	}

	result, err := h.saga.Run(r.Context(), req)
	if err != nil {
		h.writeSagaError(w, err)
		return
	}

	h.writeJSON(w, http.StatusOK, OffRampResponseDTO{
		RequestID:         result.RequestID,
		Status:            "completed",
		SourceChainTxHash: result.SourceChainTxHash,
		SettlementTxHash:  result.SettlementTxHash,
		PayoutOrderID:     result.PayoutOrderID,
		FinalStatus:       string(result.FinalStatus),
	})
}

// writeSagaError maps a saga failure to a response. A poll timeout is not a
// failure: the payout may still land, so it reports "pending" with whatever
// identifiers exist for later lookup.
func (h *Handler) writeSagaError(w http.ResponseWriter, err error) {
	var sagaErr *offramp.Error
	if errors.As(err, &sagaErr) && offramp.IsPending(err) {
		h.writeJSON(w, http.StatusOK, OffRampResponseDTO{
			Status:            "pending",
			SourceChainTxHash: sagaErr.SourceTxHash,
			SettlementTxHash:  sagaErr.SettlementTxHash,
			PayoutOrderID:     sagaErr.PayoutOrderID,
			FinalStatus:       sagaErr.LastStatus,
		})
		return
	}

	var validationErr *offramp.ValidationError
	if errors.As(err, &validationErr) {
		h.writeError(w, http.StatusBadRequest, "VALIDATION_ERROR", validationErr.Error())
		return
	}

	if errors.Is(err, chain.ErrSponsorIneligible) {
		h.writeError(w, http.StatusBadRequest, "SPONSORSHIP_INELIGIBLE", "account is not eligible for gas sponsorship")
		return
	}

	var provErr *provider.Error
	if errors.As(err, &provErr) {
		switch {
		case provErr.StatusCode == http.StatusUnauthorized:
			h.writeError(w, http.StatusUnauthorized, "PROVIDER_AUTH_ERROR", provider.UserMessage(err))
		case provErr.StatusCode == http.StatusTooManyRequests:
			h.writeError(w, http.StatusTooManyRequests, "PROVIDER_RATE_LIMITED", provider.UserMessage(err))
		default:
			h.writeError(w, http.StatusBadGateway, "PROVIDER_ERROR", provider.UserMessage(err))
		}
		return
	}

	var settlementErr *chain.SettlementError
	if errors.As(err, &settlementErr) || errors.Is(err, chain.ErrDoubleSpendGuard) {
		h.writeError(w, http.StatusInternalServerError, "SETTLEMENT_ERROR", "settlement transfer failed, contact support")
		return
	}

	if errors.Is(err, offramp.ErrBridgeFailed) {
		h.writeError(w, http.StatusBadGateway, "BRIDGE_FAILED", "bridge swap did not complete")
		return
	}

	h.writeError(w, http.StatusInternalServerError, "OFFRAMP_ERROR", "off-ramp request failed")
}

// GetOffRamp returns the persisted state of one request.
func (h *Handler) GetOffRamp(w http.ResponseWriter, r *http.Request) {
	id := chi.URLParam(r, "id")

	summary, err := h.repo.GetRequest(r.Context(), id)
	if err != nil {
		if errors.Is(err, repository.ErrRequestNotFound) {
			h.writeError(w, http.StatusNotFound, "NOT_FOUND", "off-ramp request not found")
			return
		}
		h.writeError(w, http.StatusInternalServerError, "LOOKUP_ERROR", "failed to look up off-ramp request")
		return
	}

	h.writeJSON(w, http.StatusOK, summary)
}

// HandlePayoutWebhook receives the payout provider's status notifications.
func (h *Handler) HandlePayoutWebhook(w http.ResponseWriter, r *http.Request) {
	body, err := io.ReadAll(io.LimitReader(r.Body, 1<<20))
	if err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "failed to read webhook body")
		return
	}

	ack, err := h.reconciler.Handle(r.Context(), body, r.Header.Get("X-Paycrest-Signature"))
	if err != nil {
		if errors.Is(err, webhook.ErrSignatureInvalid) {
			h.writeError(w, http.StatusUnauthorized, "INVALID_SIGNATURE", "webhook signature verification failed")
			return
		}
		h.writeError(w, http.StatusBadRequest, "INVALID_EVENT", "webhook event could not be processed")
		return
	}

	h.writeJSON(w, http.StatusOK, ack)
}

// GetRatePreview quotes the current token-to-fiat rate without starting a saga.
func (h *Handler) GetRatePreview(w http.ResponseWriter, r *http.Request) {
	token := r.URL.Query().Get("token")
	currency := r.URL.Query().Get("currency")
	amountStr := r.URL.Query().Get("amount")
	if token == "" || currency == "" || amountStr == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_PARAMS", "token, amount, and currency are required")
		return
	}

	amount, err := decimal.NewFromString(amountStr)
	if err != nil || !amount.IsPositive() {
		h.writeError(w, http.StatusBadRequest, "INVALID_AMOUNT", "amount must be a positive decimal")
		return
	}

	rate, err := h.payoutAPI.GetRate(r.Context(), token, amount, currency)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "RATE_ERROR", provider.UserMessage(err))
		return
	}

	h.writeJSON(w, http.StatusOK, RatePreviewDTO{
		Token:      token,
		Currency:   currency,
		Rate:       rate.Rate.String(),
		Amount:     amount.String(),
		FiatAmount: amount.Mul(rate.Rate).String(),
	})
}

// ListInstitutions returns the receiving institutions for a fiat currency.
func (h *Handler) ListInstitutions(w http.ResponseWriter, r *http.Request) {
	currency := r.URL.Query().Get("currency")
	if currency == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_PARAMS", "currency is required")
		return
	}

	institutions, err := h.payoutAPI.GetInstitutions(r.Context(), currency)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "INSTITUTIONS_ERROR", provider.UserMessage(err))
		return
	}

	dtos := make([]InstitutionDTO, 0, len(institutions))
	for _, inst := range institutions {
		dtos = append(dtos, InstitutionDTO{
			Name: inst.Name,
			Code: inst.Code,
			Type: inst.Type,
		})
	}

	h.writeJSON(w, http.StatusOK, dtos)
}

// VerifyAccount resolves a bank account to its registered holder name.
func (h *Handler) VerifyAccount(w http.ResponseWriter, r *http.Request) {
	var dto VerifyAccountRequestDTO
	if err := json.NewDecoder(r.Body).Decode(&dto); err != nil {
		h.writeError(w, http.StatusBadRequest, "INVALID_BODY", "request body is not valid JSON")
		return
	}
	if dto.Institution == "" || dto.AccountIdentifier == "" {
		h.writeError(w, http.StatusBadRequest, "MISSING_PARAMS", "institution and accountIdentifier are required")
		return
	}

	verification, err := h.payoutAPI.VerifyAccount(r.Context(), dto.Institution, dto.AccountIdentifier)
	if err != nil {
		h.writeError(w, http.StatusBadGateway, "VERIFY_ERROR", provider.UserMessage(err))
		return
	}

	h.writeJSON(w, http.StatusOK, VerifyAccountResponseDTO{AccountName: verification.AccountName})
}

func (h *Handler) Healthz(w http.ResponseWriter, r *http.Request) {
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("OK"))
}

func (h *Handler) Readyz(w http.ResponseWriter, r *http.Request) {
	if h.repo != nil {
		ctx, cancel := context.WithTimeout(r.Context(), 2*time.Second)
		defer cancel()
		if err := h.repo.Ping(ctx); err != nil {
			h.logger.Warnw("Readiness check failed", "error", err)
			w.WriteHeader(http.StatusServiceUnavailable)
			w.Write([]byte("NOT READY"))
			return
		}
	}
	w.WriteHeader(http.StatusOK)
	w.Write([]byte("READY"))
}

// Utility methods
func (h *Handler) writeJSON(w http.ResponseWriter, status int, data any) {
	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(data)
}

func (h *Handler) writeError(w http.ResponseWriter, status int, code, message string) {
	h.logger.Errorw("API error", "code", code, "message", message, "status", status)

	w.Header().Set("Content-Type", "application/json")
	w.WriteHeader(status)

	err := ErrorResponse{
		Error: message,
		Code:  code,
	}
	json.NewEncoder(w).Encode(err)
}
