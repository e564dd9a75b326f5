// Package facts assembles the decision context for a refund request:
// resolving the tenant's active ruleset, the target order and customer, and
// the behavioral facts the evaluator's predicates consume.
package facts

import (
	"math"

	"github.com/merchantops/refundgate/internal/domain"
)

// Fact names as recorded in ContextMeta.DegradedFacts.
const (
	FactCustomer        = "customer"
	FactAlreadyRefunded = "alreadyRefunded"
	FactAttemptsToday   = "attemptsToday"
	FactLifetimeCount   = "lifetimeRefundCount"
	FactDeliveryDate    = "daysSinceDelivery"
	FactCashback        = "cashback"
)

// fallbackPolicy declares what happens to a fact when its lookup fails. The
// degradation policy is data, not control flow scattered through the builder:
// fail-closed facts take the value that trips their predicate, fail-open
// facts take the value that skips it.
type fallbackPolicy struct {
	failClosed bool
	apply      func(meta *domain.ContextMeta)
}

var fallbacks = map[string]fallbackPolicy{
	// Assume already refunded rather than risk a double refund.
	FactAlreadyRefunded: {failClosed: true, apply: func(m *domain.ContextMeta) {
		m.AlreadyRefunded = true
	}},

	// A count nobody can be under trips the daily cap.
	FactAttemptsToday: {failClosed: true, apply: func(m *domain.ContextMeta) {
		m.AttemptsToday = math.MaxInt32
	}},

	// Cashback is advisory; unknown figures skip the cashback predicate.
	FactCashback: {apply: func(m *domain.ContextMeta) {
		m.CashbackBalance = nil
		m.CashbackSpent = nil
	}},

	// No ledger row reads as a first-time customer.
	FactLifetimeCount: {apply: func(m *domain.ContextMeta) {
		m.LifetimeRefundCount = 0
	}},

	// Unknown delivery date skips the refund-window predicate.
	FactDeliveryDate: {apply: func(m *domain.ContextMeta) {
		m.DaysSinceDelivery = nil
	}},

	// Customer resolution is optional; dependent facts degrade on their own.
	FactCustomer: {apply: func(m *domain.ContextMeta) {}},
}

// degrade applies the fact's fallback default and records the degradation.
func degrade(meta *domain.ContextMeta, fact string) {
	if p, ok := fallbacks[fact]; ok {
		p.apply(meta)
	}
	meta.DegradedFacts = append(meta.DegradedFacts, fact)
}
