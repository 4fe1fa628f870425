// Package access evaluates CEL-based request access rules. Rules are
// compiled once at startup from configuration; a denied request maps to
// 403 at the dispatcher before any handler runs.
package access

import (
	"context"
	"fmt"
	"time"

	"github.com/google/cel-go/cel"
)

// maxExpressionLength bounds a single rule expression.
const maxExpressionLength = 1024

// evalTimeout caps a single rule evaluation.
const evalTimeout = 2 * time.Second

// Rule is one compiled access rule.
type Rule struct {
	expr string
	prg  cel.Program
	// Deny inverts the rule: a matching deny rule refuses the request.
	Deny bool
}

// Checker evaluates the configured rule list against each request.
// Deny rules are checked first; then, if any allow rules exist, at least
// one must match. An empty rule set allows everything.
type Checker struct {
	rules []Rule
	any   bool // at least one allow rule configured
}

// newEnv builds the CEL environment exposing the request attributes
// rules may reference.
func newEnv() (*cel.Env, error) {
	return cel.NewEnv(
		cel.Variable("method", cel.StringType),
		cel.Variable("path", cel.StringType),
		cel.Variable("host", cel.StringType),
		cel.Variable("secure", cel.BoolType),
		cel.Variable("remote_addr", cel.StringType),
	)
}

// RuleSpec is one uncompiled rule from configuration.
type RuleSpec struct {
	Expression string
	Deny       bool
}

// NewChecker compiles the rule list. Invalid expressions fail startup
// rather than silently admitting traffic.
func NewChecker(specs []RuleSpec) (*Checker, error) {
	env, err := newEnv()
	if err != nil {
		return nil, fmt.Errorf("creating access rule environment: %w", err)
	}
	c := &Checker{}
	for _, spec := range specs {
		if spec.Expression == "" {
			return nil, fmt.Errorf("empty access rule expression")
		}
		if len(spec.Expression) > maxExpressionLength {
			return nil, fmt.Errorf("access rule too long: %d characters (max %d)",
				len(spec.Expression), maxExpressionLength)
		}
		ast, issues := env.Compile(spec.Expression)
		if issues != nil && issues.Err() != nil {
			return nil, fmt.Errorf("compiling access rule %q: %w", spec.Expression, issues.Err())
		}
		if ast.OutputType() != cel.BoolType {
			return nil, fmt.Errorf("access rule %q must evaluate to bool", spec.Expression)
		}
		prg, err := env.Program(ast, cel.EvalOptions(cel.OptOptimize))
		if err != nil {
			return nil, fmt.Errorf("preparing access rule %q: %w", spec.Expression, err)
		}
		c.rules = append(c.rules, Rule{expr: spec.Expression, prg: prg, Deny: spec.Deny})
		if !spec.Deny {
			c.any = true
		}
	}
	return c, nil
}

// RequestAttrs are the attributes rules see.
type RequestAttrs struct {
	Method     string
	Path       string
	Host       string
	Secure     bool
	RemoteAddr string
}

// Allow reports whether the request passes the rule set. Evaluation
// errors fail closed on deny rules and open on allow rules, and are
// returned for logging either way.
func (c *Checker) Allow(ctx context.Context, attrs RequestAttrs) (bool, error) {
	if len(c.rules) == 0 {
		return true, nil
	}
	activation := map[string]any{
		"method":      attrs.Method,
		"path":        attrs.Path,
		"host":        attrs.Host,
		"secure":      attrs.Secure,
		"remote_addr": attrs.RemoteAddr,
	}
	ctx, cancel := context.WithTimeout(ctx, evalTimeout)
	defer cancel()

	allowed := !c.any
	for _, rule := range c.rules {
		out, _, err := rule.prg.ContextEval(ctx, activation)
		if err != nil {
			if rule.Deny {
				return false, fmt.Errorf("evaluating deny rule %q: %w", rule.expr, err)
			}
			continue
		}
		match, ok := out.Value().(bool)
		if !ok {
			continue
		}
		if rule.Deny && match {
			return false, nil
		}
		if !rule.Deny && match {
			allowed = true
		}
	}
	return allowed, nil
}
