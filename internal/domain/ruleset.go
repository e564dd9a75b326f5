package domain

import "time"

// PlatformTenantID marks the platform-wide default ruleset. A tenant without
// an active ruleset of its own falls back to this one.
const PlatformTenantID = "*"

// Enforcement modes. Anything unrecognized is treated as ModeObserve by the
// enforcement gate.
const (
	ModeObserve = "observe"
	ModeWarn    = "warn"
	ModeEnforce = "enforce"
)

// RuleSet is one immutable, versioned snapshot of refund policy configuration
// for a tenant (or the platform default). Rulesets are never mutated in place:
// every change publishes a new version and atomically deactivates the old one.
type RuleSet struct {
	ID        string       `json:"id"`
	TenantID  string       `json:"tenantId"` // PlatformTenantID for the default
	Version   int          `json:"version"`  // monotonic per tenant, starts at 1
	IsActive  bool         `json:"isActive"`
	CreatedBy string       `json:"createdBy"`
	Rules     RulesPayload `json:"rules"`
	CreatedAt time.Time    `json:"createdAt"`
	UpdatedAt time.Time    `json:"updatedAt"`
}

// RulesPayload holds the tenant-configurable refund policy knobs. Optional
// limits use pointers; nil means the predicate is not configured.
type RulesPayload struct {
	Mode string `json:"mode"`

	// MaxRefundPercent caps the requested refund as a percentage of the order
	// total, clamped to [0,100].
	MaxRefundPercent *float64 `json:"maxRefundPercent,omitempty"`

	// MaxRefundsPerDay caps refund attempts per customer per local day.
	MaxRefundsPerDay *int `json:"maxRefundsPerDay,omitempty"`

	// AllowPaymentMethods restricts refunds to orders paid with one of these
	// methods (normalized strings, substring match either direction).
	AllowPaymentMethods []string `json:"allowPaymentMethods,omitempty"`

	// RequireSupervisorAbovePercent forces human approval above this percent
	// unless the actor holds the supervisor role.
	RequireSupervisorAbovePercent *float64 `json:"requireSupervisorAbovePercent,omitempty"`

	// BypassPercentCapForPartials skips the percent cap for line-item refunds.
	BypassPercentCapForPartials bool `json:"bypassPercentCapForPartials"`

	// RefundWindowDays denies refunds this many days after delivery.
	// nil = unlimited window.
	RefundWindowDays *int `json:"refundWindowDays,omitempty"`

	// BlockIfAlreadyRefunded denies when the order already carries a refund
	// with recorded transactions.
	BlockIfAlreadyRefunded bool `json:"blockIfAlreadyRefunded"`

	// MaxLifetimeRefundCount caps total refunds per customer across all time.
	MaxLifetimeRefundCount *int `json:"maxLifetimeRefundCount,omitempty"`

	// CashbackSpentThreshold denies customers whose absolute cashback spend
	// meets or exceeds this figure (raw loyalty units).
	CashbackSpentThreshold *float64 `json:"cashbackSpentThreshold,omitempty"`

	// CustomRules are tenant-authored CEL deny predicates, evaluated after the
	// built-in deny predicates. A rule returning true denies the refund.
	CustomRules []CustomRule `json:"customRules,omitempty"`
}

// CustomRule is a named CEL expression over the decision context.
type CustomRule struct {
	Name       string `json:"name"`
	Expression string `json:"expression"`
}

// DefaultCashbackSpentThreshold applies when a ruleset does not configure its
// own cashback threshold.
const DefaultCashbackSpentThreshold = 39900.0

// DefaultRulesPayload is the policy applied when neither the tenant nor the
// platform has an active ruleset: everything allowed, observe mode.
func DefaultRulesPayload() RulesPayload {
	return RulesPayload{
		Mode:                        ModeObserve,
		BypassPercentCapForPartials: true,
	}
}
