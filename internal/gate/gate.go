// Package gate applies the ruleset's enforcement mode to an evaluated
// decision: observe computes without blocking, warn surfaces the decision to
// the caller, enforce actually blocks.
package gate

import "github.com/merchantops/refundgate/internal/domain"

// Result is the gate's verdict on whether the refund may proceed.
type Result struct {
	// Proceed reports whether the refund may be executed now.
	Proceed bool

	// RequiresApproval is set when the request must be captured as a pending
	// approval instead of executing (enforce mode, non-supervisor).
	RequiresApproval bool

	// Surface reports whether the decision should be exposed to the caller
	// without blocking (warn mode).
	Surface bool
}

// Apply runs the mode state machine. Unrecognized modes behave as observe:
// the decision already captured whatever blocking signal there was, so the
// gate fails open.
func Apply(decision *domain.Decision, rules domain.RulesPayload, actor domain.Actor) Result {
	switch rules.Mode {
	case domain.ModeEnforce:
		switch decision.Outcome {
		case domain.OutcomeDeny:
			return Result{}
		case domain.OutcomeRequireApproval:
			if actor.IsSupervisor() {
				return Result{Proceed: true}
			}
			return Result{RequiresApproval: true}
		default:
			return Result{Proceed: true}
		}

	case domain.ModeWarn:
		return Result{Proceed: true, Surface: true}

	default: // observe and anything unrecognized
		return Result{Proceed: true}
	}
}
