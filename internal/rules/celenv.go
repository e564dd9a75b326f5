package rules

import (
	"fmt"
	"sync"

	"github.com/google/cel-go/cel"
	"github.com/google/cel-go/common/types"

	"github.com/merchantops/refundgate/internal/domain"
)

// celEnv is built once; the variable set is fixed, so a shared environment is
// safe for concurrent Compile calls.
var (
	celEnvOnce sync.Once
	celEnv     *cel.Env
	celEnvErr  error
)

func env() (*cel.Env, error) {
	celEnvOnce.Do(func() {
		celEnv, celEnvErr = cel.NewEnv(
			cel.Variable("amount", cel.DoubleType),
			cel.Variable("order_total", cel.DoubleType),
			cel.Variable("requested_percent", cel.DoubleType),
			cel.Variable("payment_method", cel.StringType),
			cel.Variable("partial", cel.BoolType),
			cel.Variable("attempts_today", cel.IntType),
			cel.Variable("lifetime_refund_count", cel.IntType),
			cel.Variable("days_since_delivery", cel.IntType),
			cel.Variable("already_refunded", cel.BoolType),
			cel.Variable("cashback_spent", cel.DoubleType),
		)
	})
	return celEnv, celEnvErr
}

// CompiledCustomRule is a tenant custom deny predicate with its program ready
// to evaluate.
type CompiledCustomRule struct {
	Name    string
	Program cel.Program
}

// ValidateExpression compiles an expression without retaining the program.
// Used at publish time so bad rules are rejected before they are stored.
func ValidateExpression(expr string) error {
	e, err := env()
	if err != nil {
		return err
	}
	_, err = compile(e, expr)
	return err
}

// CompileCustomRules compiles every custom rule in the payload. Rulesets are
// validated at publish time, so a compile failure here means the stored
// payload predates validation; the caller decides whether to skip or fail.
func CompileCustomRules(customRules []domain.CustomRule) ([]CompiledCustomRule, error) {
	if len(customRules) == 0 {
		return nil, nil
	}

	e, err := env()
	if err != nil {
		return nil, err
	}

	compiled := make([]CompiledCustomRule, 0, len(customRules))
	for _, r := range customRules {
		prog, err := compile(e, r.Expression)
		if err != nil {
			return nil, fmt.Errorf("custom rule %s: %w", r.Name, err)
		}
		compiled = append(compiled, CompiledCustomRule{Name: r.Name, Program: prog})
	}
	return compiled, nil
}

func compile(e *cel.Env, expr string) (cel.Program, error) {
	ast, issues := e.Compile(expr)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("failed to compile expression: %w", issues.Err())
	}

	if ast.OutputType() != cel.BoolType {
		return nil, fmt.Errorf("expression must return bool, got %s", ast.OutputType())
	}

	return e.Program(ast)
}

// activation maps a decision context onto the CEL variable set. Unknown facts
// take neutral values so expressions never error on missing data.
func activation(dc *domain.DecisionContext) map[string]any {
	vars := map[string]any{
		"amount":                dc.RequestedAmount,
		"order_total":           0.0,
		"requested_percent":     0.0,
		"payment_method":        "",
		"partial":               dc.Partial,
		"attempts_today":        int64(dc.Meta.AttemptsToday),
		"lifetime_refund_count": int64(dc.Meta.LifetimeRefundCount),
		"days_since_delivery":   int64(-1),
		"already_refunded":      dc.Meta.AlreadyRefunded,
		"cashback_spent":        0.0,
	}

	if dc.Order != nil {
		vars["order_total"] = dc.Order.Total
		vars["payment_method"] = dc.Order.PaymentMethod
	}
	if dc.RequestedPercent != nil {
		vars["requested_percent"] = *dc.RequestedPercent
	}
	if dc.Meta.DaysSinceDelivery != nil {
		vars["days_since_delivery"] = int64(*dc.Meta.DaysSinceDelivery)
	}
	if dc.Meta.CashbackSpent != nil {
		vars["cashback_spent"] = *dc.Meta.CashbackSpent
	}

	return vars
}

// evalCustomRule runs one compiled predicate. Runtime errors are reported to
// the caller, which treats them as "did not fire" so a broken expression
// cannot take refunds down with it.
func evalCustomRule(rule CompiledCustomRule, vars map[string]any) (bool, error) {
	out, _, err := rule.Program.Eval(vars)
	if err != nil {
		return false, err
	}
	if b, ok := out.(types.Bool); ok {
		return bool(b), nil
	}
	return false, fmt.Errorf("custom rule %s: non-bool result", rule.Name)
}
