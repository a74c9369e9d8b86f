package payout

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/offrampd/offramp-backend/internal/provider"
	"github.com/shopspring/decimal"
	"go.uber.org/zap"
)

const providerName = "payout"

// API is the surface the saga and the HTTP layer need from the payout
// provider.
type API interface {
	GetRate(ctx context.Context, token string, amount decimal.Decimal, currency string) (*Rate, error)
	GetInstitutions(ctx context.Context, currency string) ([]Institution, error)
	VerifyAccount(ctx context.Context, institution, accountID string) (*AccountVerification, error)
	CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error)
	GetOrder(ctx context.Context, id string) (*Order, error)
}

// Client is a typed wrapper over the payout provider's REST API.
type Client struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func NewClient(baseURL, apiKey string, logger *zap.SugaredLogger) *Client {
	return &Client{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 15 * time.Second,
		},
		logger: logger,
	}
}

// envelope is the provider's {status, message, data} response wrapper.
type envelope struct {
	Status  string          `json:"status"`
	Message string          `json:"message"`
	Data    json.RawMessage `json:"data"`
}

// GetRate fetches the fiat conversion rate for a token amount.
func (c *Client) GetRate(ctx context.Context, token string, amount decimal.Decimal, currency string) (*Rate, error) {
	u := fmt.Sprintf("%s/rates/%s/%s/%s",
		c.baseURL, url.PathEscape(token), url.PathEscape(amount.String()), url.PathEscape(currency))

	data, err := c.do(ctx, http.MethodGet, u, "get_rate", nil)
	if err != nil {
		return nil, err
	}

	// The provider returns the rate as a bare decimal string.
	var rateStr string
	if err := json.Unmarshal(data, &rateStr); err != nil {
		return nil, fmt.Errorf("decode rate: %w", err)
	}
	rate, err := decimal.NewFromString(rateStr)
	if err != nil {
		return nil, fmt.Errorf("parse rate %q: %w", rateStr, err)
	}
	if !rate.IsPositive() {
		return nil, provider.NewError(providerName, "get_rate", http.StatusBadGateway, "non-positive rate")
	}

	return &Rate{Token: token, Currency: currency, Rate: rate}, nil
}

// GetInstitutions lists receiving institutions for a fiat currency.
func (c *Client) GetInstitutions(ctx context.Context, currency string) ([]Institution, error) {
	u := fmt.Sprintf("%s/institutions/%s", c.baseURL, url.PathEscape(currency))

	data, err := c.do(ctx, http.MethodGet, u, "get_institutions", nil)
	if err != nil {
		return nil, err
	}

	var institutions []Institution
	if err := json.Unmarshal(data, &institutions); err != nil {
		return nil, fmt.Errorf("decode institutions: %w", err)
	}
	return institutions, nil
}

// VerifyAccount resolves the registered owner of a bank account.
func (c *Client) VerifyAccount(ctx context.Context, institution, accountID string) (*AccountVerification, error) {
	body, err := json.Marshal(map[string]string{
		"institution":       institution,
		"accountIdentifier": accountID,
	})
	if err != nil {
		return nil, fmt.Errorf("marshal verify account request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, c.baseURL+"/verify-account", "verify_account", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	// The provider returns the resolved account name as a bare string.
	var accountName string
	if err := json.Unmarshal(data, &accountName); err != nil {
		return nil, fmt.Errorf("decode account name: %w", err)
	}
	return &AccountVerification{AccountName: accountName, Valid: accountName != ""}, nil
}

// CreateOrder creates a fiat payout order. The provider deduplicates on
// req.Reference, so repeating a create with the same reference is safe.
func (c *Client) CreateOrder(ctx context.Context, req CreateOrderRequest) (*Order, error) {
	body, err := json.Marshal(req)
	if err != nil {
		return nil, fmt.Errorf("marshal create order request: %w", err)
	}

	data, err := c.do(ctx, http.MethodPost, c.baseURL+"/sender/orders", "create_order", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	order, err := decodeOrder(data, "create_order")
	if err != nil {
		return nil, err
	}

	c.logger.Infow("Payout order created",
		"orderId", order.ID,
		"amount", order.Amount.String(),
		"currency", order.Currency,
		"receiveAddress", order.ReceiveAddress,
		"validUntil", order.ValidUntil,
	)
	return order, nil
}

// GetOrder fetches the current state of a payout order by identifier.
func (c *Client) GetOrder(ctx context.Context, id string) (*Order, error) {
	if id == "" {
		return nil, provider.NewError(providerName, "get_order", http.StatusBadRequest, "empty order id")
	}

	data, err := c.do(ctx, http.MethodGet, c.baseURL+"/sender/orders/"+url.PathEscape(id), "get_order", nil)
	if err != nil {
		return nil, err
	}
	return decodeOrder(data, "get_order")
}

func decodeOrder(data json.RawMessage, operation string) (*Order, error) {
	var order Order
	if err := json.Unmarshal(data, &order); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", operation, err)
	}
	if order.ID == "" {
		return nil, provider.NewError(providerName, operation, http.StatusOK, "missing order id")
	}
	if !order.Status.Valid() {
		return nil, provider.NewError(providerName, operation, http.StatusOK,
			fmt.Sprintf("unknown order status %q", order.Status))
	}
	return &order, nil
}

func (c *Client) do(ctx context.Context, method, url, operation string, body io.Reader) (json.RawMessage, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("API-Key", c.apiKey)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("%s: %w", operation, err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return nil, fmt.Errorf("read %s response: %w", operation, err)
	}

	var env envelope
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		msg := http.StatusText(resp.StatusCode)
		if err := json.Unmarshal(payload, &env); err == nil && env.Message != "" {
			msg = env.Message
		}
		return nil, provider.NewError(providerName, operation, resp.StatusCode, msg)
	}

	if err := json.Unmarshal(payload, &env); err != nil {
		return nil, fmt.Errorf("decode %s envelope: %w", operation, err)
	}
	if env.Status == "error" {
		return nil, provider.NewError(providerName, operation, resp.StatusCode, env.Message)
	}
	return env.Data, nil
}
