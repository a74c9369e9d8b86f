package api

import (
	"bytes"
	"context"
	"crypto/hmac"
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/go-chi/chi/v5"
	"github.com/offrampd/offramp-backend/internal/chain"
	"github.com/offrampd/offramp-backend/internal/config"
	"github.com/offrampd/offramp-backend/internal/offramp"
	"github.com/offrampd/offramp-backend/internal/payout"
	"github.com/offrampd/offramp-backend/internal/provider"
	"github.com/offrampd/offramp-backend/internal/repository"
	"github.com/offrampd/offramp-backend/internal/status"
	"github.com/offrampd/offramp-backend/internal/webhook"
	"github.com/offrampd/offramp-backend/pkg/kv/memory"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/mock"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

const testWebhookSecret = "whsec_test"

// Mock saga runner for testing
type MockSagaRunner struct {
	mock.Mock
}

func (m *MockSagaRunner) Run(ctx context.Context, req offramp.Request) (*offramp.Result, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*offramp.Result), args.Error(1)
}

var _ SagaRunner = (*MockSagaRunner)(nil)

// Mock payout client for testing
type MockPayoutAPI struct {
	mock.Mock
}

func (m *MockPayoutAPI) GetRate(ctx context.Context, token string, amount decimal.Decimal, currency string) (*payout.Rate, error) {
	args := m.Called(ctx, token, amount, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payout.Rate), args.Error(1)
}

func (m *MockPayoutAPI) GetInstitutions(ctx context.Context, currency string) ([]payout.Institution, error) {
	args := m.Called(ctx, currency)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).([]payout.Institution), args.Error(1)
}

func (m *MockPayoutAPI) VerifyAccount(ctx context.Context, institution, accountID string) (*payout.AccountVerification, error) {
	args := m.Called(ctx, institution, accountID)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payout.AccountVerification), args.Error(1)
}

func (m *MockPayoutAPI) CreateOrder(ctx context.Context, req payout.CreateOrderRequest) (*payout.Order, error) {
	args := m.Called(ctx, req)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payout.Order), args.Error(1)
}

func (m *MockPayoutAPI) GetOrder(ctx context.Context, id string) (*payout.Order, error) {
	args := m.Called(ctx, id)
	if args.Get(0) == nil {
		return nil, args.Error(1)
	}
	return args.Get(0).(*payout.Order), args.Error(1)
}

var _ payout.API = (*MockPayoutAPI)(nil)

type fakeRepo struct {
	summary *repository.RequestSummary
}

func (f *fakeRepo) GetRequest(ctx context.Context, requestID string) (*repository.RequestSummary, error) {
	if f.summary == nil || f.summary.ID != requestID {
		return nil, repository.ErrRequestNotFound
	}
	return f.summary, nil
}

func (f *fakeRepo) Ping(ctx context.Context) error { return nil }

// Mock metrics for testing
type MockMetrics struct{}

func (m *MockMetrics) RecordHTTPRequest(ctx context.Context, method, path string, status int, duration time.Duration) {
}

func createTestHandler() (*Handler, *MockSagaRunner, *MockPayoutAPI, *fakeRepo) {
	logger := zap.NewNop().Sugar()

	mockSaga := &MockSagaRunner{}
	mockPayout := &MockPayoutAPI{}
	repo := &fakeRepo{}

	statusStore := status.NewStore(memory.New(), logger)
	reconciler := webhook.NewReconciler(testWebhookSecret, statusStore, nil, nil, logger)

	handler := NewHandler(mockSaga, reconciler, mockPayout, repo, &config.Config{}, logger, &MockMetrics{})
	return handler, mockSaga, mockPayout, repo
}

func validSubmitBody(t *testing.T) *bytes.Reader {
	t.Helper()
	body, err := json.Marshal(OffRampRequestDTO{
		SwapID:                "swap-1",
		Token:                 "USDC",
		Amount:                decimal.RequireFromString("100"),
		FiatCurrency:          "NGN",
		BankCode:              "FBNINGLA",
		AccountNumber:         "0123456789",
		AccountName:           "ADA OBI",
		UserAddress:           "0xuser",
		DestinationFiatAmount: decimal.RequireFromString("165000"),
	})
	require.NoError(t, err)
	return bytes.NewReader(body)
}

func TestSubmitOffRamp_Success(t *testing.T) {
	handler, mockSaga, _, _ := createTestHandler()

	mockSaga.On("Run", mock.Anything, mock.MatchedBy(func(req offramp.Request) bool {
		return req.SwapID == "swap-1" && req.FiatCurrency == "NGN"
	})).Return(&offramp.Result{
		RequestID:         "req-1",
		SourceChainTxHash: "0xsource",
		SettlementTxHash:  "0xsettle",
		PayoutOrderID:     "order-1",
		FinalStatus:       payout.StatusSettled,
	}, nil)

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", validSubmitBody(t))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp OffRampResponseDTO
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "completed", resp.Status)
	assert.Equal(t, "0xsource", resp.SourceChainTxHash)
	assert.Equal(t, "0xsettle", resp.SettlementTxHash)
	assert.Equal(t, "order-1", resp.PayoutOrderID)
	assert.Equal(t, "settled", resp.FinalStatus)
}

func TestSubmitOffRamp_PollTimeoutReportsPending(t *testing.T) {
	handler, mockSaga, _, _ := createTestHandler()

	mockSaga.On("Run", mock.Anything, mock.Anything).Return(nil, &offramp.Error{
		Step:             offramp.StepAwaitPayout,
		SourceSubmitted:  true,
		SourceTxHash:     "0xsource",
		SettlementTxHash: "0xsettle",
		PayoutOrderID:    "order-1",
		LastStatus:       "pending",
		Err:              offramp.ErrPollTimeout,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", validSubmitBody(t))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusOK, w.Code, "a timed-out poll is not an error response")

	var resp OffRampResponseDTO
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "pending", resp.Status)
	assert.Equal(t, "order-1", resp.PayoutOrderID)
}

func TestSubmitOffRamp_ValidationError(t *testing.T) {
	handler, mockSaga, _, _ := createTestHandler()

	mockSaga.On("Run", mock.Anything, mock.Anything).Return(nil, &offramp.Error{
		Step: offramp.StepValidate,
		Err:  &offramp.ValidationError{Field: "swapId", Reason: "is required"},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", validSubmitBody(t))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "VALIDATION_ERROR", resp.Code)
	assert.Contains(t, resp.Error, "swapId")
}

func TestSubmitOffRamp_ProviderAuthError(t *testing.T) {
	handler, mockSaga, _, _ := createTestHandler()

	mockSaga.On("Run", mock.Anything, mock.Anything).Return(nil, &offramp.Error{
		Step: offramp.StepFetchSwap,
		Err:  provider.NewError("bridge", "get_swap", http.StatusUnauthorized, "bad key"),
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", validSubmitBody(t))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestSubmitOffRamp_SettlementError(t *testing.T) {
	handler, mockSaga, _, _ := createTestHandler()

	mockSaga.On("Run", mock.Anything, mock.Anything).Return(nil, &offramp.Error{
		Step:          offramp.StepSettlement,
		PayoutOrderID: "order-1",
		Err:           &chain.SettlementError{IdempotencyKey: "order-1", Err: errors.New("reverted")},
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", validSubmitBody(t))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusInternalServerError, w.Code)

	var resp ErrorResponse
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "SETTLEMENT_ERROR", resp.Code)
	assert.NotEmpty(t, resp.Error)
}

func TestSubmitOffRamp_BridgeFailure(t *testing.T) {
	handler, mockSaga, _, _ := createTestHandler()

	mockSaga.On("Run", mock.Anything, mock.Anything).Return(nil, &offramp.Error{
		Step:            offramp.StepAwaitBridge,
		SourceSubmitted: true,
		Err:             offramp.ErrBridgeFailed,
	})

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", validSubmitBody(t))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusBadGateway, w.Code)
}

func TestSubmitOffRamp_MalformedBody(t *testing.T) {
	handler, _, _, _ := createTestHandler()

	req := httptest.NewRequest(http.MethodPost, "/v1/offramp", bytes.NewReader([]byte("{not json")))
	w := httptest.NewRecorder()
	handler.SubmitOffRamp(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)

	// The wire contract keys the failure message as "error".
	var body map[string]string
	require.NoError(t, json.NewDecoder(w.Body).Decode(&body))
	assert.Equal(t, "request body is not valid JSON", body["error"])
	assert.Equal(t, "INVALID_BODY", body["code"])
}

func signWebhook(body []byte) string {
	mac := hmac.New(sha256.New, []byte(testWebhookSecret))
	mac.Write(body)
	return hex.EncodeToString(mac.Sum(nil))
}

func TestHandlePayoutWebhook_Valid(t *testing.T) {
	handler, _, _, _ := createTestHandler()

	body, _ := json.Marshal(webhook.Event{OrderID: "order-1", Status: "payment_order.settled", Timestamp: 1756700000})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payout", bytes.NewReader(body))
	req.Header.Set("X-Paycrest-Signature", signWebhook(body))

	w := httptest.NewRecorder()
	handler.HandlePayoutWebhook(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var ack webhook.Ack
	require.NoError(t, json.NewDecoder(w.Body).Decode(&ack))
	assert.True(t, ack.Received)
}

func TestHandlePayoutWebhook_BadSignature(t *testing.T) {
	handler, _, _, _ := createTestHandler()

	body, _ := json.Marshal(webhook.Event{OrderID: "order-1", Status: "payment_order.settled"})
	req := httptest.NewRequest(http.MethodPost, "/v1/webhooks/payout", bytes.NewReader(body))
	req.Header.Set("X-Paycrest-Signature", "deadbeef")

	w := httptest.NewRecorder()
	handler.HandlePayoutWebhook(w, req)

	assert.Equal(t, http.StatusUnauthorized, w.Code)
}

func TestGetOffRamp(t *testing.T) {
	handler, _, _, repo := createTestHandler()
	repo.summary = &repository.RequestSummary{
		ID:           "req-1",
		SwapID:       "swap-1",
		Token:        "USDC",
		Amount:       "100",
		FiatCurrency: "NGN",
		Step:         "await_payout",
	}

	r := chi.NewRouter()
	r.Get("/v1/offramp/{id}", handler.GetOffRamp)

	req := httptest.NewRequest(http.MethodGet, "/v1/offramp/req-1", nil)
	w := httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var summary repository.RequestSummary
	require.NoError(t, json.NewDecoder(w.Body).Decode(&summary))
	assert.Equal(t, "swap-1", summary.SwapID)

	req = httptest.NewRequest(http.MethodGet, "/v1/offramp/unknown", nil)
	w = httptest.NewRecorder()
	r.ServeHTTP(w, req)

	assert.Equal(t, http.StatusNotFound, w.Code)
}

func TestGetRatePreview(t *testing.T) {
	handler, _, mockPayout, _ := createTestHandler()

	mockPayout.On("GetRate", mock.Anything, "USDC", decimal.RequireFromString("100"), "NGN").
		Return(&payout.Rate{Token: "USDC", Currency: "NGN", Rate: decimal.RequireFromString("1650")}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/rates/preview?token=USDC&amount=100&currency=NGN", nil)
	w := httptest.NewRecorder()
	handler.GetRatePreview(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp RatePreviewDTO
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "1650", resp.Rate)
	assert.Equal(t, "165000", resp.FiatAmount)
}

func TestGetRatePreview_MissingParams(t *testing.T) {
	handler, _, _, _ := createTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/v1/rates/preview?token=USDC", nil)
	w := httptest.NewRecorder()
	handler.GetRatePreview(w, req)

	assert.Equal(t, http.StatusBadRequest, w.Code)
}

func TestVerifyAccount(t *testing.T) {
	handler, _, mockPayout, _ := createTestHandler()

	mockPayout.On("VerifyAccount", mock.Anything, "FBNINGLA", "0123456789").
		Return(&payout.AccountVerification{AccountName: "ADA OBI", Valid: true}, nil)

	body, _ := json.Marshal(VerifyAccountRequestDTO{Institution: "FBNINGLA", AccountIdentifier: "0123456789"})
	req := httptest.NewRequest(http.MethodPost, "/v1/accounts/verify", bytes.NewReader(body))
	w := httptest.NewRecorder()
	handler.VerifyAccount(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp VerifyAccountResponseDTO
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	assert.Equal(t, "ADA OBI", resp.AccountName)
}

func TestListInstitutions(t *testing.T) {
	handler, _, mockPayout, _ := createTestHandler()

	mockPayout.On("GetInstitutions", mock.Anything, "NGN").
		Return([]payout.Institution{{Name: "First Bank", Code: "FBNINGLA", Type: "bank"}}, nil)

	req := httptest.NewRequest(http.MethodGet, "/v1/institutions?currency=NGN", nil)
	w := httptest.NewRecorder()
	handler.ListInstitutions(w, req)

	assert.Equal(t, http.StatusOK, w.Code)

	var resp []InstitutionDTO
	require.NoError(t, json.NewDecoder(w.Body).Decode(&resp))
	require.Len(t, resp, 1)
	assert.Equal(t, "FBNINGLA", resp[0].Code)
}

func TestHealthz(t *testing.T) {
	handler, _, _, _ := createTestHandler()

	req := httptest.NewRequest(http.MethodGet, "/healthz", nil)
	w := httptest.NewRecorder()
	handler.Healthz(w, req)

	assert.Equal(t, http.StatusOK, w.Code)
}
