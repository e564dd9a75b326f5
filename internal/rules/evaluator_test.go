package rules

import (
	"reflect"
	"strings"
	"testing"

	"github.com/merchantops/refundgate/internal/domain"
)

func fptr(f float64) *float64 { return &f }
func iptr(n int) *int         { return &n }

func baseContext(rules domain.RulesPayload) *domain.DecisionContext {
	return &domain.DecisionContext{
		TenantID:     "tenant-001",
		RuleSetID:    "rs-1",
		RulesVersion: 1,
		Rules:        rules,
		Actor:        domain.Actor{ID: "agent-1", Roles: []string{domain.RoleRefundAgent}},
		Order: &domain.Order{
			ID:            "order-1",
			CustomerID:    "cust-1",
			Total:         200,
			PaymentMethod: "Credit Card",
		},
		RequestedAmount:  100,
		RequestedPercent: fptr(50),
	}
}

func TestEvaluateDefaults(t *testing.T) {
	t.Run("NoRulesetAllowsByDefault", func(t *testing.T) {
		// Scenario: no ruleset published, five attempts today already.
		dc := baseContext(domain.DefaultRulesPayload())
		dc.RuleSetID = ""
		dc.RulesVersion = 0
		dc.Meta.AttemptsToday = 5

		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW, got %s", d.Outcome)
		}
		if d.Reason != domain.ReasonAllowedByDefault {
			t.Errorf("expected default reason, got %q", d.Reason)
		}
		if len(d.Matched) != 0 {
			t.Errorf("expected no matched predicates, got %v", d.Matched)
		}
	})

	t.Run("PureFunction", func(t *testing.T) {
		dc := baseContext(domain.RulesPayload{
			Mode:             domain.ModeEnforce,
			MaxRefundPercent: fptr(30),
			MaxRefundsPerDay: iptr(3),
		})
		first := Evaluate(dc, nil)
		second := Evaluate(dc, nil)
		if !reflect.DeepEqual(first, second) {
			t.Errorf("evaluation is not deterministic:\n%+v\n%+v", first, second)
		}
	})
}

func TestEvaluatePercentCap(t *testing.T) {
	rules := domain.RulesPayload{
		Mode:                        domain.ModeEnforce,
		MaxRefundPercent:            fptr(30),
		BypassPercentCapForPartials: true,
	}

	t.Run("DeniesOverCap", func(t *testing.T) {
		d := Evaluate(baseContext(rules), nil)
		if d.Outcome != domain.OutcomeDeny {
			t.Fatalf("expected DENY, got %s", d.Outcome)
		}
		if !reflect.DeepEqual(d.Matched, []string{PredMaxPercent}) {
			t.Errorf("expected matched=[maxRefundPercent], got %v", d.Matched)
		}
		if !strings.Contains(d.Reason, "50.00% exceeds max 30%") {
			t.Errorf("unexpected reason %q", d.Reason)
		}
		if d.Limits[PredMaxPercent] != 30 {
			t.Errorf("expected limit 30 recorded, got %v", d.Limits)
		}
	})

	t.Run("AllowsUnderCap", func(t *testing.T) {
		dc := baseContext(rules)
		dc.RequestedAmount = 20
		dc.RequestedPercent = fptr(10)
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW, got %s (%s)", d.Outcome, d.Reason)
		}
		if d.Limits[PredMaxPercent] != 30 {
			t.Errorf("threshold must be recorded even without a deny, got %v", d.Limits)
		}
	})

	t.Run("PartialBypassesCap", func(t *testing.T) {
		dc := baseContext(rules)
		dc.Partial = true
		dc.RequestedPercent = fptr(99)
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW for bypassed partial, got %s", d.Outcome)
		}
		if _, ok := d.Limits[PredMaxPercent]; ok {
			t.Error("bypassed predicate must not record a limit")
		}
	})

	t.Run("PartialWithoutBypassDenies", func(t *testing.T) {
		strict := rules
		strict.BypassPercentCapForPartials = false
		dc := baseContext(strict)
		dc.Partial = true
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeDeny {
			t.Errorf("expected DENY, got %s", d.Outcome)
		}
	})

	t.Run("UnknownPercentSkips", func(t *testing.T) {
		dc := baseContext(rules)
		dc.RequestedPercent = nil
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW when percent unknown, got %s", d.Outcome)
		}
	})
}

func TestEvaluateSupervisorThreshold(t *testing.T) {
	rules := domain.RulesPayload{
		Mode:                          domain.ModeEnforce,
		RequireSupervisorAbovePercent: fptr(20),
		BypassPercentCapForPartials:   true,
	}

	t.Run("AgentRequiresApproval", func(t *testing.T) {
		dc := baseContext(rules)
		dc.RequestedAmount = 50
		dc.RequestedPercent = fptr(25)
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeRequireApproval {
			t.Fatalf("expected REQUIRE_APPROVAL, got %s", d.Outcome)
		}
		if !reflect.DeepEqual(d.Matched, []string{PredSupervisorPercent}) {
			t.Errorf("unexpected matched %v", d.Matched)
		}
	})

	t.Run("SupervisorAllowed", func(t *testing.T) {
		dc := baseContext(rules)
		dc.RequestedPercent = fptr(25)
		dc.Actor.Roles = []string{domain.RoleRefundAgent, domain.RoleSupervisor}
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW for supervisor, got %s", d.Outcome)
		}
	})

	t.Run("DenyIsNeverDowngraded", func(t *testing.T) {
		combined := rules
		combined.MaxRefundPercent = fptr(30)
		dc := baseContext(combined)
		dc.RequestedPercent = fptr(50)
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeDeny {
			t.Errorf("DENY must win over REQUIRE_APPROVAL, got %s", d.Outcome)
		}
	})
}

func TestEvaluateAlreadyRefunded(t *testing.T) {
	rules := domain.RulesPayload{
		Mode:                   domain.ModeEnforce,
		BlockIfAlreadyRefunded: true,
		MaxRefundPercent:       fptr(90),
	}

	dc := baseContext(rules)
	dc.Meta.AlreadyRefunded = true
	d := Evaluate(dc, nil)
	if d.Outcome != domain.OutcomeDeny {
		t.Fatalf("expected DENY, got %s", d.Outcome)
	}
	found := false
	for _, m := range d.Matched {
		if m == PredAlreadyRefunded {
			found = true
		}
	}
	if !found {
		t.Errorf("matched must include blockIfAlreadyRefunded, got %v", d.Matched)
	}
}

func TestEvaluateShortCircuit(t *testing.T) {
	// Both the window and the daily cap would deny; only the earlier
	// predicate may appear in matched.
	rules := domain.RulesPayload{
		Mode:             domain.ModeEnforce,
		RefundWindowDays: iptr(14),
		MaxRefundsPerDay: iptr(1),
	}

	dc := baseContext(rules)
	dc.Meta.DaysSinceDelivery = iptr(30)
	dc.Meta.AttemptsToday = 5

	d := Evaluate(dc, nil)
	if d.Outcome != domain.OutcomeDeny {
		t.Fatalf("expected DENY, got %s", d.Outcome)
	}
	if !reflect.DeepEqual(d.Matched, []string{PredRefundWindow}) {
		t.Errorf("expected short-circuit after refundWindowDays, got %v", d.Matched)
	}
	if _, ok := d.Limits[PredDailyCap]; ok {
		t.Errorf("short-circuited predicate must not record a limit, got %v", d.Limits)
	}
}

func TestEvaluateLifetimeCount(t *testing.T) {
	rules := domain.RulesPayload{
		Mode:                   domain.ModeEnforce,
		MaxLifetimeRefundCount: iptr(3),
	}

	t.Run("CountsTheCurrentRefund", func(t *testing.T) {
		dc := baseContext(rules)
		dc.Meta.LifetimeRefundCount = 3
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeDeny {
			t.Errorf("3 prior refunds + this one exceeds max 3, got %s", d.Outcome)
		}
	})

	t.Run("AtCapMinusOneAllows", func(t *testing.T) {
		dc := baseContext(rules)
		dc.Meta.LifetimeRefundCount = 2
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW, got %s (%s)", d.Outcome, d.Reason)
		}
	})
}

func TestEvaluateDailyCap(t *testing.T) {
	rules := domain.RulesPayload{
		Mode:             domain.ModeEnforce,
		MaxRefundsPerDay: iptr(3),
	}

	dc := baseContext(rules)
	dc.Meta.AttemptsToday = 3
	d := Evaluate(dc, nil)
	if d.Outcome != domain.OutcomeDeny {
		t.Errorf("expected DENY at the cap, got %s", d.Outcome)
	}

	dc.Meta.AttemptsToday = 2
	d = Evaluate(dc, nil)
	if d.Outcome != domain.OutcomeAllow {
		t.Errorf("expected ALLOW under the cap, got %s", d.Outcome)
	}
}

func TestEvaluateCashbackBlock(t *testing.T) {
	t.Run("DefaultThreshold", func(t *testing.T) {
		dc := baseContext(domain.DefaultRulesPayload())
		dc.Meta.CashbackSpent = fptr(-40000) // spent figures arrive negative
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeDeny {
			t.Errorf("expected DENY at default threshold, got %s", d.Outcome)
		}
		if d.Limits[PredCashbackSpent] != domain.DefaultCashbackSpentThreshold {
			t.Errorf("expected default threshold recorded, got %v", d.Limits)
		}
	})

	t.Run("ConfiguredThreshold", func(t *testing.T) {
		rules := domain.DefaultRulesPayload()
		rules.CashbackSpentThreshold = fptr(1000)
		dc := baseContext(rules)
		dc.Meta.CashbackSpent = fptr(999)
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW below threshold, got %s", d.Outcome)
		}

		dc.Meta.CashbackSpent = fptr(1000)
		d = Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeDeny {
			t.Errorf("expected DENY at threshold, got %s", d.Outcome)
		}
	})

	t.Run("UnknownSpendSkips", func(t *testing.T) {
		dc := baseContext(domain.DefaultRulesPayload())
		dc.Meta.CashbackSpent = nil
		d := Evaluate(dc, nil)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW when cashback unknown, got %s", d.Outcome)
		}
	})
}

func TestEvaluatePaymentMethods(t *testing.T) {
	rules := domain.RulesPayload{
		Mode:                domain.ModeEnforce,
		AllowPaymentMethods: []string{"credit card", "shop-pay"},
	}

	cases := []struct {
		name    string
		method  string
		outcome string
	}{
		{"ExactMatch", "credit card", domain.OutcomeAllow},
		{"PunctuationNormalized", "Credit-Card", domain.OutcomeAllow},
		{"SubstringEitherDirection", "Shop Pay Installments", domain.OutcomeAllow},
		{"NotListed", "cash on delivery", domain.OutcomeDeny},
		{"MissingMethodNotRestricted", "", domain.OutcomeAllow},
		{"PunctuationOnlyMethodNotRestricted", "--", domain.OutcomeAllow},
	}

	for _, tc := range cases {
		t.Run(tc.name, func(t *testing.T) {
			dc := baseContext(rules)
			dc.RequestedPercent = nil
			dc.Order.PaymentMethod = tc.method
			d := Evaluate(dc, nil)
			if d.Outcome != tc.outcome {
				t.Errorf("method %q: expected %s, got %s (%s)", tc.method, tc.outcome, d.Outcome, d.Reason)
			}
		})
	}
}

func TestEvaluateCustomRules(t *testing.T) {
	compiled, err := CompileCustomRules([]domain.CustomRule{
		{Name: "no-big-cash-refunds", Expression: `amount > 100.0 && payment_method == "cash"`},
	})
	if err != nil {
		t.Fatalf("compile failed: %v", err)
	}

	t.Run("Fires", func(t *testing.T) {
		dc := baseContext(domain.DefaultRulesPayload())
		dc.RequestedAmount = 150
		dc.Order.PaymentMethod = "cash"
		d := Evaluate(dc, compiled)
		if d.Outcome != domain.OutcomeDeny {
			t.Fatalf("expected DENY, got %s", d.Outcome)
		}
		if !reflect.DeepEqual(d.Matched, []string{"no-big-cash-refunds"}) {
			t.Errorf("unexpected matched %v", d.Matched)
		}
	})

	t.Run("DoesNotFire", func(t *testing.T) {
		dc := baseContext(domain.DefaultRulesPayload())
		dc.RequestedAmount = 50
		dc.Order.PaymentMethod = "cash"
		d := Evaluate(dc, compiled)
		if d.Outcome != domain.OutcomeAllow {
			t.Errorf("expected ALLOW, got %s", d.Outcome)
		}
	})
}

func TestNormalizePaymentMethod(t *testing.T) {
	cases := map[string]string{
		"Credit Card":   "credit card",
		"credit--card":  "credit card",
		"  Shop_Pay  ":  "shop pay",
		"CASH":          "cash",
		"pix (instant)": "pix instant",
		"":              "",
	}
	for in, want := range cases {
		if got := NormalizePaymentMethod(in); got != want {
			t.Errorf("NormalizePaymentMethod(%q) = %q, want %q", in, got, want)
		}
	}
}
