package domain

import (
	"context"
	"time"
)

// Roles recognized by the enforcement gate.
const (
	RoleRefundAgent = "refund_agent"
	RoleSupervisor  = "super_admin"
)

// Actor is the acting user behind a refund request.
type Actor struct {
	ID    string   `json:"id"`
	Roles []string `json:"roles"`
}

// IsSupervisor reports whether the actor may bypass approval requirements.
func (a Actor) IsSupervisor() bool {
	for _, r := range a.Roles {
		if r == RoleSupervisor {
			return true
		}
	}
	return false
}

// Tenant is the resolved merchant making the request.
type Tenant struct {
	ID         string `json:"id"`
	ShopDomain string `json:"shopDomain"`
	APIVersion string `json:"apiVersion"`
	// Credentials for the commerce platform; opaque to this core.
	AccessToken string `json:"-"`
}

// TenantResolver yields the tenant record for an inbound request.
type TenantResolver interface {
	Resolve(ctx context.Context, tenantID string) (*Tenant, error)
}

// Order is the commerce platform's view of a target order.
type Order struct {
	ID            string        `json:"id"`
	CustomerID    string        `json:"customerId"`
	Total         float64       `json:"total"`
	PaymentMethod string        `json:"paymentMethod"`
	CreatedAt     time.Time     `json:"createdAt"`
	Fulfillments  []Fulfillment `json:"fulfillments,omitempty"`
}

// Fulfillment carries the timestamps used to resolve the delivery date.
type Fulfillment struct {
	DeliveredAt *time.Time `json:"deliveredAt,omitempty"`
	UpdatedAt   *time.Time `json:"updatedAt,omitempty"`
	CreatedAt   *time.Time `json:"createdAt,omitempty"`
}

// Customer is the commerce platform's customer record.
type Customer struct {
	ID    string `json:"id"`
	Phone string `json:"phone,omitempty"`
	Email string `json:"email,omitempty"`
}

// Refund is an existing refund on an order.
type Refund struct {
	ID           string    `json:"id"`
	OrderID      string    `json:"orderId"`
	Transactions int       `json:"transactions"` // recorded refund transactions
	CreatedAt    time.Time `json:"createdAt"`
}

// RefundResult is the commerce platform's acknowledgement of an executed
// refund. TransactionID keys the success-idempotency marker.
type RefundResult struct {
	RefundID      string  `json:"refundId"`
	TransactionID string  `json:"transactionId"`
	Amount        float64 `json:"amount"`
}

// CommerceClient is the black-box order/customer/refund data source. Every
// call may fail with network, rate-limit, or 5xx errors; the context builder's
// per-fact fallback policy is how the core tolerates that.
type CommerceClient interface {
	GetOrder(ctx context.Context, tenant *Tenant, orderID string) (*Order, error)
	FindCustomerByPhone(ctx context.Context, tenant *Tenant, phone string) (*Customer, error)
	ListOrdersForCustomer(ctx context.Context, tenant *Tenant, customerID string, since *time.Time) ([]*Order, error)
	ListRefundsForOrder(ctx context.Context, tenant *Tenant, orderID string) ([]*Refund, error)
	ExecuteRefund(ctx context.Context, tenant *Tenant, orderID string, req *RefundRequest) (*RefundResult, error)
}

// CreditBalance is the loyalty service's cashback snapshot for a customer.
type CreditBalance struct {
	Credits           float64 `json:"credits"`
	TotalSpentCredits float64 `json:"totalSpentCredits"`
}

// LoyaltyClient reads cashback figures. Fully optional: any failure yields
// nil facts without failing the context build.
type LoyaltyClient interface {
	GetCreditBalance(ctx context.Context, tenant *Tenant, customerID string) (*CreditBalance, error)
}
