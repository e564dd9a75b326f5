package domain

import "time"

// Pending approval statuses. Resolution transitions PENDING exactly once.
const (
	ApprovalPending  = "PENDING"
	ApprovalApproved = "APPROVED"
	ApprovalDenied   = "DENIED"
)

// PendingApproval freezes a refund request that the evaluator marked
// REQUIRE_APPROVAL for a non-supervisor under enforce mode. A supervisor later
// approves (the frozen payload is executed as-is) or denies it.
type PendingApproval struct {
	ID        string `json:"id"`
	TenantID  string `json:"tenantId"`
	Requester string `json:"requester"`

	Payload  RefundRequest   `json:"payload"`
	Decision Decision        `json:"decision"` // outcome REQUIRE_APPROVAL snapshot
	Context  DecisionContext `json:"context"`

	Status     string     `json:"status"`
	ResolvedBy string     `json:"resolvedBy,omitempty"`
	ResolvedAt *time.Time `json:"resolvedAt,omitempty"`
	CreatedAt  time.Time  `json:"createdAt"`
}
