package chain

import (
	"bytes"
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/offrampd/offramp-backend/internal/bridge"
	"github.com/offrampd/offramp-backend/internal/provider"
	"go.uber.org/zap"
)

// ErrSponsorIneligible is returned when the user's account does not qualify
// for gas sponsorship. The saga fails fatally on it rather than falling back
// to a different payment method.
var ErrSponsorIneligible = errors.New("account not eligible for gas sponsorship")

// SponsorClient relays the bridge's deposit calls through a gas-sponsorship
// service on the source chain, so the user account pays no gas.
type SponsorClient struct {
	baseURL    string
	apiKey     string
	httpClient *http.Client
	logger     *zap.SugaredLogger
}

func NewSponsorClient(baseURL, apiKey string, logger *zap.SugaredLogger) *SponsorClient {
	return &SponsorClient{
		baseURL: baseURL,
		apiKey:  apiKey,
		httpClient: &http.Client{
			Timeout: 30 * time.Second,
		},
		logger: logger,
	}
}

type eligibilityResponse struct {
	Eligible bool   `json:"eligible"`
	Reason   string `json:"reason,omitempty"`
}

type executeRequest struct {
	UserAddress string               `json:"userAddress"`
	Calls       []bridge.DepositCall `json:"calls"`
}

type executeResponse struct {
	TransactionHash string `json:"transactionHash"`
	Error           string `json:"error,omitempty"`
}

// Eligible reports whether the account qualifies for sponsored execution.
func (c *SponsorClient) Eligible(ctx context.Context, account string) (bool, error) {
	u := fmt.Sprintf("%s/accounts/%s/sponsorship", c.baseURL, url.PathEscape(account))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return false, fmt.Errorf("build eligibility request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return false, fmt.Errorf("check sponsorship eligibility: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return false, nil
	}
	if resp.StatusCode != http.StatusOK {
		return false, provider.NewError("sponsor", "eligibility", resp.StatusCode, http.StatusText(resp.StatusCode))
	}

	var out eligibilityResponse
	if err := json.NewDecoder(resp.Body).Decode(&out); err != nil {
		return false, fmt.Errorf("decode eligibility response: %w", err)
	}
	return out.Eligible, nil
}

// ExecuteDeposit checks eligibility and relays the deposit action's calls as
// a sponsored transaction. Returns the source-chain transaction hash.
func (c *SponsorClient) ExecuteDeposit(ctx context.Context, account string, action bridge.DepositAction) (string, error) {
	eligible, err := c.Eligible(ctx, account)
	if err != nil {
		return "", err
	}
	if !eligible {
		return "", fmt.Errorf("%w: %s", ErrSponsorIneligible, account)
	}

	body, err := json.Marshal(executeRequest{UserAddress: account, Calls: action.Calls})
	if err != nil {
		return "", fmt.Errorf("marshal execute request: %w", err)
	}

	req, err := http.NewRequestWithContext(ctx, http.MethodPost, c.baseURL+"/execute", bytes.NewReader(body))
	if err != nil {
		return "", fmt.Errorf("build execute request: %w", err)
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("Content-Type", "application/json")
	req.Header.Set("API-Key", c.apiKey)

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return "", fmt.Errorf("execute sponsored deposit: %w", err)
	}
	defer resp.Body.Close()

	payload, err := io.ReadAll(io.LimitReader(resp.Body, 1<<20))
	if err != nil {
		return "", fmt.Errorf("read execute response: %w", err)
	}

	var out executeResponse
	if resp.StatusCode != http.StatusOK && resp.StatusCode != http.StatusAccepted {
		msg := http.StatusText(resp.StatusCode)
		if err := json.Unmarshal(payload, &out); err == nil && out.Error != "" {
			msg = out.Error
		}
		return "", provider.NewError("sponsor", "execute", resp.StatusCode, msg)
	}
	if err := json.Unmarshal(payload, &out); err != nil {
		return "", fmt.Errorf("decode execute response: %w", err)
	}
	if out.TransactionHash == "" {
		return "", provider.NewError("sponsor", "execute", resp.StatusCode, "missing transaction hash")
	}

	c.logger.Infow("Sponsored deposit executed",
		"account", account,
		"calls", len(action.Calls),
		"txHash", out.TransactionHash,
	)
	return out.TransactionHash, nil
}
