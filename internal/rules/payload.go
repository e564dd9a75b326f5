// Package rules implements the refund policy core: the typed payload parser,
// the read-through ruleset cache, and the ordered decision evaluator.
package rules

import (
	"encoding/json"
	"fmt"
	"strconv"
	"strings"

	"github.com/merchantops/refundgate/internal/domain"
)

// ParsePayload converts a raw ruleset payload into a fully-typed
// RulesPayload. Unknown fields are dropped, numeric knobs are clamped to
// their valid ranges, and custom rule expressions must compile. Tenant
// dashboards send loosely-typed JSON, so numbers are accepted as either
// JSON numbers or numeric strings, and the payment-method allow-list is
// accepted as either an array or a comma/newline-delimited string.
func ParsePayload(raw json.RawMessage) (domain.RulesPayload, error) {
	payload := domain.RulesPayload{
		Mode:                        domain.ModeObserve,
		BypassPercentCapForPartials: true,
	}

	if len(raw) == 0 {
		return payload, nil
	}

	var fields map[string]json.RawMessage
	if err := json.Unmarshal(raw, &fields); err != nil {
		return payload, fmt.Errorf("%w: rules payload is not a JSON object: %v", domain.ErrInvalidRequest, err)
	}

	if v, ok := fields["mode"]; ok {
		mode, err := coerceString(v)
		if err != nil {
			return payload, fmt.Errorf("%w: mode: %v", domain.ErrInvalidRequest, err)
		}
		payload.Mode = strings.ToLower(strings.TrimSpace(mode))
	}

	if v, ok := fields["maxRefundPercent"]; ok {
		pct, err := coerceFloat(v)
		if err != nil {
			return payload, fmt.Errorf("%w: maxRefundPercent: %v", domain.ErrInvalidRequest, err)
		}
		pct = clampPercent(pct)
		payload.MaxRefundPercent = &pct
	}

	if v, ok := fields["maxRefundsPerDay"]; ok {
		n, err := coerceCount(v)
		if err != nil {
			return payload, fmt.Errorf("%w: maxRefundsPerDay: %v", domain.ErrInvalidRequest, err)
		}
		payload.MaxRefundsPerDay = &n
	}

	if v, ok := fields["allowPaymentMethods"]; ok {
		methods, err := coerceStringList(v)
		if err != nil {
			return payload, fmt.Errorf("%w: allowPaymentMethods: %v", domain.ErrInvalidRequest, err)
		}
		payload.AllowPaymentMethods = methods
	}

	if v, ok := fields["requireSupervisorAbovePercent"]; ok {
		pct, err := coerceFloat(v)
		if err != nil {
			return payload, fmt.Errorf("%w: requireSupervisorAbovePercent: %v", domain.ErrInvalidRequest, err)
		}
		pct = clampPercent(pct)
		payload.RequireSupervisorAbovePercent = &pct
	}

	if v, ok := fields["bypassPercentCapForPartials"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			return payload, fmt.Errorf("%w: bypassPercentCapForPartials: %v", domain.ErrInvalidRequest, err)
		}
		payload.BypassPercentCapForPartials = b
	}

	if v, ok := fields["refundWindowDays"]; ok {
		n, err := coerceCount(v)
		if err != nil {
			return payload, fmt.Errorf("%w: refundWindowDays: %v", domain.ErrInvalidRequest, err)
		}
		payload.RefundWindowDays = &n
	}

	if v, ok := fields["blockIfAlreadyRefunded"]; ok {
		b, err := coerceBool(v)
		if err != nil {
			return payload, fmt.Errorf("%w: blockIfAlreadyRefunded: %v", domain.ErrInvalidRequest, err)
		}
		payload.BlockIfAlreadyRefunded = b
	}

	if v, ok := fields["maxLifetimeRefundCount"]; ok {
		n, err := coerceCount(v)
		if err != nil {
			return payload, fmt.Errorf("%w: maxLifetimeRefundCount: %v", domain.ErrInvalidRequest, err)
		}
		payload.MaxLifetimeRefundCount = &n
	}

	if v, ok := fields["cashbackSpentThreshold"]; ok {
		f, err := coerceFloat(v)
		if err != nil {
			return payload, fmt.Errorf("%w: cashbackSpentThreshold: %v", domain.ErrInvalidRequest, err)
		}
		if f < 0 {
			f = 0
		}
		payload.CashbackSpentThreshold = &f
	}

	if v, ok := fields["customRules"]; ok {
		var rules []domain.CustomRule
		if err := json.Unmarshal(v, &rules); err != nil {
			return payload, fmt.Errorf("%w: customRules: %v", domain.ErrInvalidRequest, err)
		}
		for i, r := range rules {
			if strings.TrimSpace(r.Name) == "" {
				return payload, fmt.Errorf("%w: customRules[%d]: name is required", domain.ErrInvalidRequest, i)
			}
			if err := ValidateExpression(r.Expression); err != nil {
				return payload, fmt.Errorf("%w: customRules[%d] (%s): %v", domain.ErrInvalidRequest, i, r.Name, err)
			}
		}
		payload.CustomRules = rules
	}

	return payload, nil
}

func clampPercent(pct float64) float64 {
	if pct < 0 {
		return 0
	}
	if pct > 100 {
		return 100
	}
	return pct
}

func coerceString(raw json.RawMessage) (string, error) {
	var s string
	if err := json.Unmarshal(raw, &s); err != nil {
		return "", fmt.Errorf("expected string, got %s", raw)
	}
	return s, nil
}

func coerceFloat(raw json.RawMessage) (float64, error) {
	var f float64
	if err := json.Unmarshal(raw, &f); err == nil {
		return f, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		f, err := strconv.ParseFloat(strings.TrimSpace(s), 64)
		if err == nil {
			return f, nil
		}
	}

	return 0, fmt.Errorf("expected number, got %s", raw)
}

func coerceCount(raw json.RawMessage) (int, error) {
	f, err := coerceFloat(raw)
	if err != nil {
		return 0, err
	}
	n := int(f)
	if n < 0 {
		n = 0
	}
	return n, nil
}

func coerceBool(raw json.RawMessage) (bool, error) {
	var b bool
	if err := json.Unmarshal(raw, &b); err == nil {
		return b, nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		switch strings.ToLower(strings.TrimSpace(s)) {
		case "true", "1", "yes":
			return true, nil
		case "false", "0", "no", "":
			return false, nil
		}
	}

	return false, fmt.Errorf("expected boolean, got %s", raw)
}

func coerceStringList(raw json.RawMessage) ([]string, error) {
	var list []string
	if err := json.Unmarshal(raw, &list); err == nil {
		return trimNonEmpty(list), nil
	}

	var s string
	if err := json.Unmarshal(raw, &s); err == nil {
		parts := strings.FieldsFunc(s, func(r rune) bool { return r == ',' || r == '\n' })
		return trimNonEmpty(parts), nil
	}

	return nil, fmt.Errorf("expected string array or delimited string, got %s", raw)
}

func trimNonEmpty(in []string) []string {
	out := make([]string, 0, len(in))
	for _, s := range in {
		s = strings.TrimSpace(s)
		if s != "" {
			out = append(out, s)
		}
	}
	if len(out) == 0 {
		return nil
	}
	return out
}
