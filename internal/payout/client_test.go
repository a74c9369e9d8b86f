package payout

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/offrampd/offramp-backend/internal/provider"
	"github.com/shopspring/decimal"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"
)

func respond(t *testing.T, w http.ResponseWriter, status int, data any) {
	t.Helper()
	raw, err := json.Marshal(data)
	require.NoError(t, err)
	w.WriteHeader(status)
	json.NewEncoder(w).Encode(envelope{Status: "success", Data: raw})
}

func testOrder(id string, status OrderStatus) Order {
	return Order{
		ID:             id,
		Status:         status,
		Amount:         decimal.RequireFromString("165000"),
		Token:          "USDC",
		Currency:       "NGN",
		ReceiveAddress: "0x8ba1f109551bD432803012645Ac136ddd64DBA72",
		ValidUntil:     time.Now().Add(30 * time.Minute),
		SenderFee:      decimal.RequireFromString("0.5"),
		TransactionFee: decimal.RequireFromString("0.1"),
	}
}

func TestGetRate_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/rates/USDC/99.0/NGN", r.URL.Path)
		assert.Equal(t, "test-key", r.Header.Get("API-Key"))
		respond(t, w, http.StatusOK, "1650.25")
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	rate, err := c.GetRate(context.Background(), "USDC", decimal.RequireFromString("99.0"), "NGN")

	require.NoError(t, err)
	assert.Equal(t, "1650.25", rate.Rate.String())
	assert.Equal(t, "USDC", rate.Token)
	assert.Equal(t, "NGN", rate.Currency)
}

func TestGetRate_NonPositiveRateRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, http.StatusOK, "0")
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	_, err := c.GetRate(context.Background(), "USDC", decimal.RequireFromString("10"), "NGN")

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "non-positive")
}

func TestGetInstitutions_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/institutions/NGN", r.URL.Path)
		respond(t, w, http.StatusOK, []Institution{
			{Name: "First Bank", Code: "FBNINGLA", Type: "bank"},
			{Name: "OPay", Code: "OPAYNGPC", Type: "mobile_money"},
		})
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	institutions, err := c.GetInstitutions(context.Background(), "NGN")

	require.NoError(t, err)
	require.Len(t, institutions, 2)
	assert.Equal(t, "FBNINGLA", institutions[0].Code)
}

func TestVerifyAccount_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/verify-account", r.URL.Path)

		var body map[string]string
		require.NoError(t, json.NewDecoder(r.Body).Decode(&body))
		assert.Equal(t, "FBNINGLA", body["institution"])
		assert.Equal(t, "0123456789", body["accountIdentifier"])

		respond(t, w, http.StatusOK, "ADA OBI")
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	verification, err := c.VerifyAccount(context.Background(), "FBNINGLA", "0123456789")

	require.NoError(t, err)
	assert.Equal(t, "ADA OBI", verification.AccountName)
	assert.True(t, verification.Valid)
}

func TestCreateOrder_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sender/orders", r.URL.Path)

		var req CreateOrderRequest
		require.NoError(t, json.NewDecoder(r.Body).Decode(&req))
		assert.Equal(t, "ref-token-1", req.Reference)

		respond(t, w, http.StatusCreated, testOrder("order-1", StatusPending))
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	order, err := c.CreateOrder(context.Background(), CreateOrderRequest{
		Amount:    decimal.RequireFromString("165000"),
		Token:     "USDC",
		Currency:  "NGN",
		Reference: "ref-token-1",
		Recipient: Recipient{Institution: "FBNINGLA", AccountIdentifier: "0123456789", AccountName: "ADA OBI"},
	})

	require.NoError(t, err)
	assert.Equal(t, "order-1", order.ID)
	assert.Equal(t, StatusPending, order.Status)
	assert.NotEmpty(t, order.ReceiveAddress)
}

func TestCreateOrder_EnvelopeErrorSurfaces(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		json.NewEncoder(w).Encode(envelope{Status: "error", Message: "invalid recipient"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	_, err := c.CreateOrder(context.Background(), CreateOrderRequest{})

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "invalid recipient")
}

func TestGetOrder_Success(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "/sender/orders/order-2", r.URL.Path)
		respond(t, w, http.StatusOK, testOrder("order-2", StatusSettled))
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	order, err := c.GetOrder(context.Background(), "order-2")

	require.NoError(t, err)
	assert.Equal(t, StatusSettled, order.Status)
}

func TestGetOrder_UnknownStatusRejected(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		respond(t, w, http.StatusOK, testOrder("order-3", OrderStatus("vanished")))
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	_, err := c.GetOrder(context.Background(), "order-3")

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Contains(t, pe.Message, "vanished")
}

func TestGetOrder_UpstreamStatusMapped(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusTooManyRequests)
		json.NewEncoder(w).Encode(envelope{Status: "error", Message: "slow down"})
	}))
	defer server.Close()

	c := NewClient(server.URL, "test-key", zap.NewNop().Sugar())
	_, err := c.GetOrder(context.Background(), "order-4")

	var pe *provider.Error
	require.ErrorAs(t, err, &pe)
	assert.Equal(t, http.StatusTooManyRequests, pe.StatusCode)
	assert.True(t, provider.Retryable(err))
}

func TestOrderStatus_Transitions(t *testing.T) {
	assert.True(t, StatusPending.CanTransitionTo(StatusValidated))
	assert.True(t, StatusPending.CanTransitionTo(StatusSettled))
	// A validated order may still settle even though polling stops there.
	assert.True(t, StatusValidated.CanTransitionTo(StatusSettled))

	assert.False(t, StatusValidated.CanTransitionTo(StatusPending))
	assert.False(t, StatusSettled.CanTransitionTo(StatusRefunded))
	assert.False(t, StatusSettled.CanTransitionTo(StatusSettled))

	assert.True(t, StatusValidated.Terminal())
	assert.False(t, StatusPending.Terminal())
}
