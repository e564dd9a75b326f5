// Package commerce is the HTTP client for the external commerce platform's
// admin API: orders, customers, refunds, and refund execution.
package commerce

import (
	"bytes"
	"context"
	"encoding/json"
	"fmt"
	"io"
	"net/http"
	"net/url"
	"time"

	"github.com/merchantops/refundgate/internal/domain"
)

// Client talks to the commerce platform on behalf of a tenant. The tenant
// record carries the shop domain, API version and access token; the client
// itself is tenant-agnostic and safe for concurrent use.
type Client struct {
	httpClient *http.Client

	// baseURL overrides the per-tenant shop domain; used in tests and for
	// platform proxies.
	baseURL string
}

// Option configures a Client.
type Option func(*Client)

// WithHTTPClient swaps the underlying HTTP client.
func WithHTTPClient(hc *http.Client) Option {
	return func(c *Client) { c.httpClient = hc }
}

// WithBaseURL routes all tenants through a fixed base URL.
func WithBaseURL(base string) Option {
	return func(c *Client) { c.baseURL = base }
}

// NewClient creates a commerce client.
func NewClient(opts ...Option) *Client {
	c := &Client{
		httpClient: &http.Client{Timeout: 30 * time.Second},
	}
	for _, opt := range opts {
		opt(c)
	}
	return c
}

// GetOrder fetches one order by id.
func (c *Client) GetOrder(ctx context.Context, tenant *domain.Tenant, orderID string) (*domain.Order, error) {
	var out struct {
		Order *domain.Order `json:"order"`
	}
	path := fmt.Sprintf("/orders/%s", url.PathEscape(orderID))
	if err := c.get(ctx, tenant, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Order, nil
}

// FindCustomerByPhone resolves a customer from a phone number. Returns
// (nil, nil) when no customer matches.
func (c *Client) FindCustomerByPhone(ctx context.Context, tenant *domain.Tenant, phone string) (*domain.Customer, error) {
	var out struct {
		Customers []*domain.Customer `json:"customers"`
	}
	q := url.Values{"phone": {phone}}
	if err := c.get(ctx, tenant, "/customers/search", q, &out); err != nil {
		return nil, err
	}
	if len(out.Customers) == 0 {
		return nil, nil
	}
	return out.Customers[0], nil
}

// ListOrdersForCustomer lists a customer's orders, newest first, optionally
// bounded by a creation time.
func (c *Client) ListOrdersForCustomer(ctx context.Context, tenant *domain.Tenant, customerID string, since *time.Time) ([]*domain.Order, error) {
	var out struct {
		Orders []*domain.Order `json:"orders"`
	}
	q := url.Values{}
	if since != nil {
		q.Set("created_at_min", since.UTC().Format(time.RFC3339))
	}
	path := fmt.Sprintf("/customers/%s/orders", url.PathEscape(customerID))
	if err := c.get(ctx, tenant, path, q, &out); err != nil {
		return nil, err
	}
	return out.Orders, nil
}

// ListRefundsForOrder lists the refunds already recorded on an order.
func (c *Client) ListRefundsForOrder(ctx context.Context, tenant *domain.Tenant, orderID string) ([]*domain.Refund, error) {
	var out struct {
		Refunds []*domain.Refund `json:"refunds"`
	}
	path := fmt.Sprintf("/orders/%s/refunds", url.PathEscape(orderID))
	if err := c.get(ctx, tenant, path, nil, &out); err != nil {
		return nil, err
	}
	return out.Refunds, nil
}

// ExecuteRefund performs the refund at the platform. The returned transaction
// id keys the ledger's idempotency marker.
func (c *Client) ExecuteRefund(ctx context.Context, tenant *domain.Tenant, orderID string, req *domain.RefundRequest) (*domain.RefundResult, error) {
	body := map[string]any{
		"amount": req.Amount,
		"reason": req.Reason,
	}
	if len(req.LineItems) > 0 {
		body["line_items"] = req.LineItems
	}

	var out struct {
		Refund *domain.RefundResult `json:"refund"`
	}
	path := fmt.Sprintf("/orders/%s/refunds", url.PathEscape(orderID))
	if err := c.post(ctx, tenant, path, map[string]any{"refund": body}, &out); err != nil {
		return nil, fmt.Errorf("%w: %v", domain.ErrRefundExecutionFailed, err)
	}
	if out.Refund == nil {
		return nil, fmt.Errorf("%w: empty refund response", domain.ErrRefundExecutionFailed)
	}
	return out.Refund, nil
}

func (c *Client) get(ctx context.Context, tenant *domain.Tenant, path string, query url.Values, out any) error {
	return c.do(ctx, tenant, http.MethodGet, path, query, nil, out)
}

func (c *Client) post(ctx context.Context, tenant *domain.Tenant, path string, body any, out any) error {
	return c.do(ctx, tenant, http.MethodPost, path, nil, body, out)
}

func (c *Client) do(ctx context.Context, tenant *domain.Tenant, method, path string, query url.Values, body, out any) error {
	u, err := c.endpoint(tenant, path)
	if err != nil {
		return err
	}
	if len(query) > 0 {
		u += "?" + query.Encode()
	}

	var reader io.Reader
	if body != nil {
		raw, err := json.Marshal(body)
		if err != nil {
			return fmt.Errorf("failed to encode request body: %w", err)
		}
		reader = bytes.NewReader(raw)
	}

	req, err := http.NewRequestWithContext(ctx, method, u, reader)
	if err != nil {
		return err
	}
	req.Header.Set("Accept", "application/json")
	req.Header.Set("X-Access-Token", tenant.AccessToken)
	if body != nil {
		req.Header.Set("Content-Type", "application/json")
	}

	resp, err := c.httpClient.Do(req)
	if err != nil {
		return err
	}
	defer resp.Body.Close()

	if resp.StatusCode < 200 || resp.StatusCode > 299 {
		payload, _ := io.ReadAll(io.LimitReader(resp.Body, 512))
		return fmt.Errorf("commerce API %s %s: %d %s", method, path, resp.StatusCode, bytes.TrimSpace(payload))
	}

	if out == nil {
		return nil
	}
	return json.NewDecoder(resp.Body).Decode(out)
}

func (c *Client) endpoint(tenant *domain.Tenant, path string) (string, error) {
	base := c.baseURL
	if base == "" {
		if tenant.ShopDomain == "" {
			return "", fmt.Errorf("%w: tenant has no shop domain", domain.ErrTenantMismatch)
		}
		version := tenant.APIVersion
		if version == "" {
			version = "v1"
		}
		base = fmt.Sprintf("https://%s/admin/api/%s", tenant.ShopDomain, version)
	}
	return base + path, nil
}
