package agent

import (
	"context"
	"fmt"

	"github.com/google/cel-go/cel"
)

// PolicyRule gates a tool call behind a CEL boolean expression. The
// expression sees two variables: tool_name (string) and args (map). When the
// expression evaluates to false the call is blocked with Reason.
type PolicyRule struct {
	ToolName string // empty matches every tool
	Expr     string
	Reason   string
}

// PolicyHook is a PreToolUse Hook that evaluates a set of CEL rules against
// each tool call's arguments and blocks calls that fail their rule.
type PolicyHook struct {
	name  string
	env   *cel.Env
	rules []compiledRule
}

type compiledRule struct {
	rule    PolicyRule
	program cel.Program
}

// NewPolicyHook compiles rules up front so a malformed expression fails at
// construction time rather than on the first matching tool call.
func NewPolicyHook(name string, rules []PolicyRule) (*PolicyHook, error) {
	env, err := cel.NewEnv(
		cel.Variable("tool_name", cel.StringType),
		cel.Variable("args", cel.MapType(cel.StringType, cel.DynType)),
	)
	if err != nil {
		return nil, fmt.Errorf("policy hook: build cel env: %w", err)
	}

	h := &PolicyHook{name: name, env: env}
	for _, r := range rules {
		ast, issues := env.Compile(r.Expr)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("policy hook: compile rule %q: %w", r.Expr, issues.Err())
		}
		prog, err := env.Program(ast)
		if err != nil {
			return nil, fmt.Errorf("policy hook: program rule %q: %w", r.Expr, err)
		}
		h.rules = append(h.rules, compiledRule{rule: r, program: prog})
	}
	return h, nil
}

func (h *PolicyHook) Name() string    { return h.name }
func (h *PolicyHook) Point() HookPoint { return PreToolUse }

// Run evaluates every rule whose ToolName matches (or is empty) against the
// call. The first rule that evaluates to false blocks the call.
func (h *PolicyHook) Run(_ context.Context, hc HookContext) (HookOutcome, error) {
	for _, cr := range h.rules {
		if cr.rule.ToolName != "" && cr.rule.ToolName != hc.ToolName {
			continue
		}
		out, _, err := cr.program.Eval(map[string]any{
			"tool_name": hc.ToolName,
			"args":      hc.Args,
		})
		if err != nil {
			return HookOutcome{}, fmt.Errorf("policy hook: eval rule %q: %w", cr.rule.Expr, err)
		}
		allowed, ok := out.Value().(bool)
		if !ok {
			return HookOutcome{}, fmt.Errorf("policy hook: rule %q did not evaluate to bool", cr.rule.Expr)
		}
		if !allowed {
			reason := cr.rule.Reason
			if reason == "" {
				reason = fmt.Sprintf("blocked by policy rule: %s", cr.rule.Expr)
			}
			return HookOutcome{Kind: HookBlock, Reason: reason}, nil
		}
	}
	return HookOutcome{Kind: HookAllow}, nil
}
