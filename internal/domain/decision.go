package domain

// Decision outcomes.
const (
	OutcomeAllow           = "ALLOW"
	OutcomeDeny            = "DENY"
	OutcomeRequireApproval = "REQUIRE_APPROVAL"
)

// ReasonAllowedByDefault is the reason string when no predicate changed the
// outcome.
const ReasonAllowedByDefault = "allowed by default"

// RefundRequest is the inbound refund (or preview) request. At least one of
// Phone or OrderID is required.
type RefundRequest struct {
	Phone     string     `json:"phone,omitempty"`
	OrderID   string     `json:"orderId,omitempty"`
	Amount    float64    `json:"amount,omitempty"`
	LineItems []LineItem `json:"lineItems,omitempty"`
	Reason    string     `json:"reason,omitempty"`
}

// LineItem identifies part of an order for a partial refund.
type LineItem struct {
	ID       string `json:"id"`
	Quantity int    `json:"quantity"`
}

// Partial reports whether the request is a line-item (partial) refund.
func (r *RefundRequest) Partial() bool {
	return len(r.LineItems) > 0
}

// DecisionContext is the full fact bundle handed to the evaluator. It is
// assembled once by the context builder and never mutated afterwards; the
// evaluator is a pure function over it.
type DecisionContext struct {
	TenantID     string       `json:"tenantId"`
	RuleSetID    string       `json:"ruleSetId"` // empty when running on defaults
	RulesVersion int          `json:"rulesVersion"`
	Rules        RulesPayload `json:"rules"`

	Actor Actor `json:"actor"`

	Order            *Order   `json:"order,omitempty"`
	RequestedAmount  float64  `json:"requestedAmount"`
	RequestedPercent *float64 `json:"requestedPercent,omitempty"` // nil when order total unknown
	Partial          bool     `json:"partial"`

	Meta ContextMeta `json:"meta"`
}

// ContextMeta carries the gathered facts with their per-field fallback
// defaults already applied.
type ContextMeta struct {
	CustomerKey          string   `json:"customerKey"`
	AttemptsToday        int      `json:"attemptsToday"`
	AlreadyRefunded      bool     `json:"alreadyRefunded"`
	DaysSinceDelivery    *int     `json:"daysSinceDelivery,omitempty"`
	LifetimeRefundCount  int      `json:"lifetimeRefundCount"`
	CashbackBalance      *float64 `json:"cashbackBalance,omitempty"`
	CashbackSpent        *float64 `json:"cashbackSpent,omitempty"`
	DegradedFacts        []string `json:"degradedFacts,omitempty"` // facts that fell back to defaults
}

// Decision is the evaluator's verdict plus the audit data needed to reproduce
// it: every predicate that fired, the thresholds consulted, and the ruleset
// identity the decision was made under.
type Decision struct {
	Outcome      string             `json:"outcome"`
	Reason       string             `json:"reason"`
	Matched      []string           `json:"matched,omitempty"`
	Limits       map[string]float64 `json:"limits,omitempty"`
	RulesVersion int                `json:"rulesVersion"`
	RuleSetID    string             `json:"ruleSetId,omitempty"`
}
