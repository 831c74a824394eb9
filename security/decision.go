package security

import (
	"context"
	"errors"
	"fmt"
)

// Decisions returned by rules. Rules may wrap them, so match with errors.Is.
var (
	Allow = errors.New("security: allow rule")
	Deny  = errors.New("security: deny rule")
	// Skip passes the decision to the next rule.
	Skip = errors.New("security: skip rule")
)

func decisionf(decision error, format string, a []any) error {
	return fmt.Errorf("%s: %w", fmt.Sprintf(format, a...), decision)
}

// Allowf wraps Allow with a reason.
func Allowf(format string, a ...any) error { return decisionf(Allow, format, a) }

// Denyf wraps Deny with a reason.
func Denyf(format string, a ...any) error { return decisionf(Deny, format, a) }

// Skipf wraps Skip with a reason.
func Skipf(format string, a ...any) error { return decisionf(Skip, format, a) }

type decisionKey struct{}

// DecisionContext returns a context whose decision overrides every rule,
// e.g. Allow for system jobs. Skip and nil leave the context unchanged.
func DecisionContext(parent context.Context, decision error) context.Context {
	if decision == nil || errors.Is(decision, Skip) {
		return parent
	}
	return context.WithValue(parent, decisionKey{}, decision)
}

// DecisionFromContext returns the overriding decision of the context, nil
// for Allow.
func DecisionFromContext(ctx context.Context) (error, bool) {
	decision, ok := ctx.Value(decisionKey{}).(error)
	if !ok {
		return nil, false
	}
	if errors.Is(decision, Allow) {
		return nil, true
	}
	return decision, true
}
