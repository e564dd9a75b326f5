package commerce

import (
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/merchantops/refundgate/internal/domain"
)

// LoyaltyClient reads cashback figures from the loyalty service. The
// integration is optional end to end: a nil client, a missing base URL, or
// any call failure all degrade to unknown cashback facts upstream.
type LoyaltyClient struct {
	httpClient *http.Client
	baseURL    string
	apiKey     string
}

// NewLoyaltyClient creates a loyalty client. Returns nil when no base URL is
// configured, which callers treat as "no loyalty integration".
func NewLoyaltyClient(baseURL, apiKey string) *LoyaltyClient {
	if baseURL == "" {
		return nil
	}
	return &LoyaltyClient{
		httpClient: &http.Client{Timeout: 15 * time.Second},
		baseURL:    baseURL,
		apiKey:     apiKey,
	}
}

// GetCreditBalance fetches the customer's cashback balance and lifetime
// spend. Spent figures arrive as negative credit movements.
func (c *LoyaltyClient) GetCreditBalance(ctx context.Context, tenant *domain.Tenant, customerID string) (*domain.CreditBalance, error) {
	u := fmt.Sprintf("%s/tenants/%s/customers/%s/credits",
		c.baseURL, url.PathEscape(tenant.ID), url.PathEscape(customerID))

	req, err := http.NewRequestWithContext(ctx, http.MethodGet, u, nil)
	if err != nil {
		return nil, err
	}
	req.Header.Set("Accept", "application/json")
	if c.apiKey != "" {
		req.Header.Set("Authorization", "Bearer "+c.apiKey)
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return nil, err
	}
	defer resp.Body.Close()

	if resp.StatusCode == http.StatusNotFound {
		return nil, nil // customer unknown to the loyalty program
	}
	if resp.StatusCode != http.StatusOK {
		io.Copy(io.Discard, io.LimitReader(resp.Body, 512))
		return nil, fmt.Errorf("loyalty API: %d", resp.StatusCode)
	}

	var balance domain.CreditBalance
	if err := json.NewDecoder(resp.Body).Decode(&balance); err != nil {
		return nil, err
	}
	return &balance, nil
}
