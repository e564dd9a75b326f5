package domain

import "errors"

// Error taxonomy. The API layer maps these to HTTP statuses; everything else
// wraps them with fmt.Errorf("%w: ...").
var (
	// ErrInvalidRequest: missing required identifying field (no phone/orderId).
	ErrInvalidRequest = errors.New("invalid refund request")

	// ErrConfigUnavailable: the ruleset store is unreachable. The request is
	// never silently allowed in this state.
	ErrConfigUnavailable = errors.New("ruleset configuration unavailable")

	// ErrOrderNotFound / ErrCustomerNotFound: required entity resolution failed.
	ErrOrderNotFound    = errors.New("order not found")
	ErrCustomerNotFound = errors.New("customer not found")

	// ErrTenantNotFound / ErrTenantMismatch: tenant resolution failures.
	ErrTenantNotFound = errors.New("tenant not found")
	ErrTenantMismatch = errors.New("tenant mismatch")

	// ErrPolicyDenied: evaluator outcome DENY under enforce mode.
	ErrPolicyDenied = errors.New("refund denied by policy")

	// ErrApprovalRequired: REQUIRE_APPROVAL under enforce mode for a
	// non-supervisor; the request was captured as a pending approval.
	ErrApprovalRequired = errors.New("refund requires supervisor approval")

	// ErrApprovalResolved: the pending approval was already resolved.
	ErrApprovalResolved = errors.New("approval already resolved")

	// ErrRefundExecutionFailed: the external refund call failed after passing
	// policy; recorded in the ledger with backoff scheduling.
	ErrRefundExecutionFailed = errors.New("refund execution failed")
)
