package gate

import (
	"testing"

	"github.com/merchantops/refundgate/internal/domain"
)

func TestApply(t *testing.T) {
	agent := domain.Actor{ID: "a1", Roles: []string{domain.RoleRefundAgent}}
	supervisor := domain.Actor{ID: "s1", Roles: []string{domain.RoleSupervisor}}

	cases := []struct {
		name    string
		mode    string
		outcome string
		actor   domain.Actor
		want    Result
	}{
		{"ObserveDenyProceeds", domain.ModeObserve, domain.OutcomeDeny, agent,
			Result{Proceed: true}},
		{"WarnDenyProceedsAndSurfaces", domain.ModeWarn, domain.OutcomeDeny, agent,
			Result{Proceed: true, Surface: true}},
		{"EnforceDenyBlocks", domain.ModeEnforce, domain.OutcomeDeny, agent,
			Result{}},
		{"EnforceAllowProceeds", domain.ModeEnforce, domain.OutcomeAllow, agent,
			Result{Proceed: true}},
		{"EnforceApprovalCaptured", domain.ModeEnforce, domain.OutcomeRequireApproval, agent,
			Result{RequiresApproval: true}},
		{"EnforceApprovalSupervisorBypass", domain.ModeEnforce, domain.OutcomeRequireApproval, supervisor,
			Result{Proceed: true}},
		{"UnknownModeActsAsObserve", "audit-only", domain.OutcomeDeny, agent,
			Result{Proceed: true}},
		{"EmptyModeActsAsObserve", "", domain.OutcomeDeny, agent,
			Result{Proceed: true}},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			got := Apply(&domain.Decision{Outcome: tc.outcome},
				domain.RulesPayload{Mode: tc.mode}, tc.actor)
			if got != tc.want {
				t.Errorf("mode=%s outcome=%s: got %+v, want %+v", tc.mode, tc.outcome, got, tc.want)
			}
		})
	}
}
