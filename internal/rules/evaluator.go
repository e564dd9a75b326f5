package rules

import (
	"fmt"
	"math"

	"github.com/merchantops/refundgate/internal/domain"
)

// Predicate names as they appear in Decision.Matched and Decision.Limits.
const (
	PredCashbackSpent     = "cashbackSpentThreshold"
	PredLifetimeCount     = "maxLifetimeRefundCount"
	PredRefundWindow      = "refundWindowDays"
	PredAlreadyRefunded   = "blockIfAlreadyRefunded"
	PredMaxPercent        = "maxRefundPercent"
	PredDailyCap          = "maxRefundsPerDay"
	PredPaymentMethods    = "allowPaymentMethods"
	PredSupervisorPercent = "requireSupervisorAbovePercent"
)

// Evaluate is a pure function from a decision context to a decision. Built-in
// deny predicates run in a fixed order and short-circuit on the first DENY;
// tenant custom rules run after them; the supervisor threshold runs last and
// can only downgrade ALLOW to REQUIRE_APPROVAL, never override a DENY.
//
// Whenever a predicate performs its comparison, the threshold it compared
// against is recorded in Limits; whenever a predicate fires, its name is
// appended to Matched and its message becomes the decision reason.
func Evaluate(dc *domain.DecisionContext, custom []CompiledCustomRule) domain.Decision {
	d := domain.Decision{
		Outcome:      domain.OutcomeAllow,
		Reason:       domain.ReasonAllowedByDefault,
		RulesVersion: dc.RulesVersion,
		RuleSetID:    dc.RuleSetID,
	}

	rules := dc.Rules
	meta := dc.Meta

	limit := func(name string, threshold float64) {
		if d.Limits == nil {
			d.Limits = make(map[string]float64)
		}
		d.Limits[name] = threshold
	}
	deny := func(name, reason string) {
		d.Outcome = domain.OutcomeDeny
		d.Reason = reason
		d.Matched = append(d.Matched, name)
	}

	// 1. Cashback-spent block. The threshold applies even when the tenant has
	// not configured one; the comparison is on the absolute spent figure.
	if meta.CashbackSpent != nil {
		threshold := domain.DefaultCashbackSpentThreshold
		if rules.CashbackSpentThreshold != nil {
			threshold = *rules.CashbackSpentThreshold
		}
		limit(PredCashbackSpent, threshold)
		if spent := math.Abs(*meta.CashbackSpent); spent >= threshold {
			deny(PredCashbackSpent, fmt.Sprintf("cashback spent %.0f meets block threshold %.0f", spent, threshold))
		}
	}

	// 2. Lifetime count cap. The +1 accounts for the refund being evaluated.
	if d.Outcome != domain.OutcomeDeny && rules.MaxLifetimeRefundCount != nil {
		limit(PredLifetimeCount, float64(*rules.MaxLifetimeRefundCount))
		if meta.LifetimeRefundCount+1 > *rules.MaxLifetimeRefundCount {
			deny(PredLifetimeCount, fmt.Sprintf("lifetime refund count %d exceeds max %d",
				meta.LifetimeRefundCount+1, *rules.MaxLifetimeRefundCount))
		}
	}

	// 3. Refund window.
	if d.Outcome != domain.OutcomeDeny && rules.RefundWindowDays != nil && meta.DaysSinceDelivery != nil {
		limit(PredRefundWindow, float64(*rules.RefundWindowDays))
		if *meta.DaysSinceDelivery > *rules.RefundWindowDays {
			deny(PredRefundWindow, fmt.Sprintf("delivered %d days ago, refund window is %d days",
				*meta.DaysSinceDelivery, *rules.RefundWindowDays))
		}
	}

	// 4. Already-refunded block.
	if d.Outcome != domain.OutcomeDeny && rules.BlockIfAlreadyRefunded {
		limit(PredAlreadyRefunded, 1)
		if meta.AlreadyRefunded {
			deny(PredAlreadyRefunded, "order already has a recorded refund")
		}
	}

	// 5. Percent cap, skipped for partial refunds when the bypass is on.
	if d.Outcome != domain.OutcomeDeny && rules.MaxRefundPercent != nil &&
		!(dc.Partial && rules.BypassPercentCapForPartials) && dc.RequestedPercent != nil {
		limit(PredMaxPercent, *rules.MaxRefundPercent)
		if *dc.RequestedPercent > *rules.MaxRefundPercent {
			deny(PredMaxPercent, fmt.Sprintf("%.2f%% exceeds max %g%%",
				*dc.RequestedPercent, *rules.MaxRefundPercent))
		}
	}

	// 6. Daily attempt cap.
	if d.Outcome != domain.OutcomeDeny && rules.MaxRefundsPerDay != nil {
		limit(PredDailyCap, float64(*rules.MaxRefundsPerDay))
		if meta.AttemptsToday >= *rules.MaxRefundsPerDay {
			deny(PredDailyCap, fmt.Sprintf("daily refund limit reached (%d attempts, max %d)",
				meta.AttemptsToday, *rules.MaxRefundsPerDay))
		}
	}

	// 7. Payment-method allow-list.
	if d.Outcome != domain.OutcomeDeny && len(rules.AllowPaymentMethods) > 0 && dc.Order != nil {
		limit(PredPaymentMethods, float64(len(rules.AllowPaymentMethods)))
		if !paymentMethodAllowed(dc.Order.PaymentMethod, rules.AllowPaymentMethods) {
			deny(PredPaymentMethods, fmt.Sprintf("payment method %q is not in the allow-list",
				dc.Order.PaymentMethod))
		}
	}

	// Tenant custom deny predicates. A runtime evaluation error means the
	// rule did not fire.
	if d.Outcome != domain.OutcomeDeny && len(custom) > 0 {
		vars := activation(dc)
		for _, rule := range custom {
			fired, err := evalCustomRule(rule, vars)
			if err != nil || !fired {
				continue
			}
			deny(rule.Name, fmt.Sprintf("denied by rule %s", rule.Name))
			break
		}
	}

	// 8. Supervisor threshold, the only predicate that yields REQUIRE_APPROVAL.
	if d.Outcome != domain.OutcomeDeny && rules.RequireSupervisorAbovePercent != nil && dc.RequestedPercent != nil {
		limit(PredSupervisorPercent, *rules.RequireSupervisorAbovePercent)
		if *dc.RequestedPercent > *rules.RequireSupervisorAbovePercent && !dc.Actor.IsSupervisor() {
			d.Outcome = domain.OutcomeRequireApproval
			d.Reason = fmt.Sprintf("%.2f%% exceeds %g%%, supervisor approval required",
				*dc.RequestedPercent, *rules.RequireSupervisorAbovePercent)
			d.Matched = append(d.Matched, PredSupervisorPercent)
		}
	}

	return d
}
