// Package policy implements the operator-configurable CEL rule
// middleware. Rules are deny-list expressions over the request: a rule
// that evaluates to true blocks the request with a RuleViolation error.
package policy

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"log/slog"

	"github.com/google/cel-go/cel"

	"github.com/codedeck/ecpd/internal/domain/middleware"
	"github.com/codedeck/ecpd/pkg/ecp"
)

// maxExpressionLength bounds operator-supplied CEL expressions.
const maxExpressionLength = 1024

// maxCostBudget is the CEL runtime cost limit per evaluation.
const maxCostBudget = 100_000

// Rule is one operator-written deny rule.
type Rule struct {
	// Name identifies the rule in rejections and logs.
	Name string
	// Expression is a CEL expression over method, params, and caller.
	// True means deny.
	Expression string
	// Message is the human-readable feedback on denial. Optional.
	Message string
}

type compiledRule struct {
	rule Rule
	prg  cel.Program
}

// Middleware evaluates configured deny rules against every routed
// request. It is composed into the chain at start-up only when rules
// are configured.
type Middleware struct {
	rules  []compiledRule
	logger *slog.Logger
}

// New compiles the given rules into a policy middleware. Compilation
// failures are start-up errors: a rule that does not compile must not
// silently stop guarding.
func New(rules []Rule, logger *slog.Logger) (*Middleware, error) {
	if logger == nil {
		logger = slog.Default()
	}

	env, err := cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("params", cel.MapType(cel.StringType, cel.DynType)),
		cel.Variable("caller", cel.MapType(cel.StringType, cel.StringType)),
	)
	if err != nil {
		return nil, fmt.Errorf("failed to create policy environment: %w", err)
	}

	m := &Middleware{logger: logger}
	for _, rule := range rules {
		prg, err := compile(env, rule.Expression)
		if err != nil {
			return nil, fmt.Errorf("policy rule %q: %w", rule.Name, err)
		}
		m.rules = append(m.rules, compiledRule{rule: rule, prg: prg})
	}
	return m, nil
}

func compile(env *cel.Env, expression string) (cel.Program, error) {
	if expression == "" {
		return nil, errors.New("expression is empty")
	}
	if len(expression) > maxExpressionLength {
		return nil, fmt.Errorf("expression too long: %d characters (max %d)", len(expression), maxExpressionLength)
	}

	ast, issues := env.Compile(expression)
	if issues != nil && issues.Err() != nil {
		return nil, fmt.Errorf("compilation failed: %w", issues.Err())
	}
	prg, err := env.Program(ast,
		cel.EvalOptions(cel.OptOptimize),
		cel.CostLimit(maxCostBudget),
	)
	if err != nil {
		return nil, fmt.Errorf("program creation failed: %w", err)
	}
	return prg, nil
}

// Name implements middleware.Middleware.
func (m *Middleware) Name() string { return "policy-rules" }

// Priority implements middleware.Middleware. Runs after governance.
func (m *Middleware) Priority() int { return 60 }

// AppliesTo implements middleware.Middleware: rules see every method.
func (m *Middleware) AppliesTo(string) bool { return len(m.rules) > 0 }

// Validate implements middleware.Middleware. The first matching deny
// rule blocks the request. An evaluation error fails closed for that
// rule: a rule the engine cannot evaluate must not silently pass.
func (m *Middleware) Validate(_ context.Context, mc *middleware.Context) (middleware.Result, error) {
	activation := m.activation(mc)

	for _, cr := range m.rules {
		out, _, err := cr.prg.Eval(activation)
		if err != nil {
			return middleware.Result{}, fmt.Errorf("rule %q evaluation failed: %w", cr.rule.Name, err)
		}
		denied, ok := out.Value().(bool)
		if !ok {
			return middleware.Result{}, fmt.Errorf("rule %q did not evaluate to a boolean", cr.rule.Name)
		}
		if denied {
			feedback := cr.rule.Message
			if feedback == "" {
				feedback = fmt.Sprintf("Request denied by policy rule %q.", cr.rule.Name)
			}
			m.logger.Info("request denied by policy rule",
				"rule", cr.rule.Name,
				"method", mc.Method,
				"session_id", mc.SessionID,
			)
			return middleware.Result{
				Feedback:  feedback,
				ErrorCode: ecp.CodeRuleViolation,
				ErrorData: map[string]any{"rule": cr.rule.Name},
			}, nil
		}
	}
	return middleware.Allow(), nil
}

func (m *Middleware) activation(mc *middleware.Context) map[string]any {
	params := map[string]any{}
	if len(mc.Params) > 0 {
		// A non-object params value evaluates against an empty map.
		_ = json.Unmarshal(mc.Params, &params)
	}

	callerMap := map[string]string{}
	if caller, ok := mc.Caller(); ok {
		callerMap["type"] = string(caller.Type)
		callerMap["agentId"] = caller.AgentID
		callerMap["executionId"] = caller.ExecutionID
		callerMap["roleType"] = caller.RoleType
	}

	return map[string]any{
		"method": mc.Method,
		"params": params,
		"caller": callerMap,
	}
}

var _ middleware.Middleware = (*Middleware)(nil)
