package bridge

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"time"

	"github.com/offrampd/offramp-backend/internal/provider"
	"go.uber.org/zap"
)

const providerName = "bridge"

// API is the read/write surface the saga needs from the bridge provider.
type API interface {
	CreateSwap(ctx context.Context, req CreateSwapRequest) (*Swap, error)
	GetSwap(ctx context.Context, id string) (*Swap, error)
}

// Client is a typed wrapper over the bridge provider's REST API.
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

// swapEnvelope is the provider's response wrapper.
type swapEnvelope struct {
	Data  *Swap  `json:"data"`
	Error string `json:"error,omitempty"`
}

// CreateSwap registers a new swap with the bridge provider.
func (c *Client) CreateSwap(ctx context.Context, req CreateSwapRequest) (*Swap, error) {
	body, err := json.Marshal(struct {
		Swap CreateSwapRequest `json:"swap"`
	}{Swap: req})
	if err != nil {
		return nil, fmt.Errorf("marshal create swap request: %w", err)
	}

	swap, err := c.doSwapRequest(ctx, http.MethodPost, c.baseURL+"/swaps", "create_swap", bytes.NewReader(body))
	if err != nil {
		return nil, err
	}

	c.logger.Infow("Bridge swap created",
		"swapId", swap.ID,
		"status", swap.Status,
		"sourceToken", swap.SourceToken,
		"destToken", swap.DestToken,
	)
	return swap, nil
}

// GetSwap fetches the current state of a swap by identifier.
func (c *Client) GetSwap(ctx context.Context, id string) (*Swap, error) {
	if id == "" {
		return nil, provider.NewError(providerName, "get_swap", http.StatusBadRequest, "empty swap id")
	}
	return c.doSwapRequest(ctx, http.MethodGet, c.baseURL+"/swaps/"+id, "get_swap", nil)
}

func (c *Client) doSwapRequest(ctx context.Context, method, url, operation string, body io.Reader) (*Swap, error) {
	req, err := http.NewRequestWithContext(ctx, method, url, body)
	if err != nil {
		return nil, fmt.Errorf("build %s request: %w", operation, err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-LS-APIKEY", c.apiKey)
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

	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusCreated {
		return nil, provider.NewError(providerName, operation, resp.StatusCode, errorMessage(payload))
	}

	var envelope swapEnvelope
	if err := json.Unmarshal(payload, &envelope); err != nil {
		return nil, fmt.Errorf("decode %s response: %w", operation, err)
	}
	if envelope.Data == nil {
		return nil, provider.NewError(providerName, operation, resp.StatusCode, "missing swap payload")
	}
	if !envelope.Data.Status.Valid() {
		return nil, provider.NewError(providerName, operation, resp.StatusCode,
			fmt.Sprintf("unknown swap status %q", envelope.Data.Status))
	}
	return envelope.Data, nil
}

func errorMessage(payload []byte) string {
	var envelope swapEnvelope
	if err := json.Unmarshal(payload, &envelope); err == nil && envelope.Error != "" {
		return envelope.Error
	}
	if len(payload) > 256 {
		payload = payload[:256]
	}
	return string(payload)
}
