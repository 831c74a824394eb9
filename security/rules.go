package security

import (
	"context"
	"fmt"
	"slices"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
)

// Request is the subject of a rule evaluation.
type Request struct {
	Class *metadata.Class
	Op    vxdata.EntityOp
	// Attribute and AttrOp are set for attribute checks.
	Attribute string
	AttrOp    vxdata.AttrOp
}

// IsAttribute reports whether the request checks an attribute.
func (r Request) IsAttribute() bool { return r.Attribute != "" }

// Rule decides on a request.
type Rule interface {
	Eval(context.Context, Request) error
}

// RuleFunc adapts a function to Rule.
type RuleFunc func(context.Context, Request) error

// Eval returns f(ctx, r).
func (f RuleFunc) Eval(ctx context.Context, r Request) error { return f(ctx, r) }

type fixedDecision struct{ decision error }

func (f fixedDecision) Eval(context.Context, Request) error { return f.decision }

// AlwaysAllowRule returns a rule that always allows.
func AlwaysAllowRule() Rule { return fixedDecision{Allow} }

// AlwaysDenyRule returns a rule that always denies.
func AlwaysDenyRule() Rule { return fixedDecision{Deny} }

// ContextRule returns a rule evaluating only the context. Returning nil is
// equivalent to Skip.
func ContextRule(eval func(context.Context) error) Rule {
	return RuleFunc(func(ctx context.Context, _ Request) error { return eval(ctx) })
}

// Viewer is the authenticated caller.
type Viewer interface {
	GetID() string
	GetRoles() []string
	GetTenantID() string
}

type viewerCtxKey struct{}

// WithViewer returns a context with the viewer attached.
func WithViewer(ctx context.Context, v Viewer) context.Context {
	return context.WithValue(ctx, viewerCtxKey{}, v)
}

// ViewerFromContext returns the viewer, or nil.
func ViewerFromContext(ctx context.Context) Viewer {
	v, _ := ctx.Value(viewerCtxKey{}).(Viewer)
	return v
}

// SimpleViewer is a basic Viewer.
type SimpleViewer struct {
	UserID   string
	Roles    []string
	TenantID string
}

// GetID returns the user id.
func (v *SimpleViewer) GetID() string { return v.UserID }

// GetRoles returns the roles.
func (v *SimpleViewer) GetRoles() []string { return v.Roles }

// GetTenantID returns the tenant id.
func (v *SimpleViewer) GetTenantID() string { return v.TenantID }

// DenyIfNoViewer denies when no viewer is attached.
func DenyIfNoViewer() Rule {
	return ContextRule(func(ctx context.Context) error {
		if ViewerFromContext(ctx) == nil {
			return Denyf("security: viewer required")
		}
		return Skip
	})
}

// HasRole allows when the viewer has the role, and skips otherwise.
func HasRole(role string) Rule {
	return HasAnyRole(role)
}

// HasAnyRole allows when the viewer has one of the roles, and skips otherwise.
func HasAnyRole(roles ...string) Rule {
	return ContextRule(func(ctx context.Context) error {
		v := ViewerFromContext(ctx)
		if v == nil {
			return Skip
		}
		for _, r := range roles {
			if slices.Contains(v.GetRoles(), r) {
				return Allow
			}
		}
		return Skip
	})
}

// DenyOperation denies the given operations and skips the others.
func DenyOperation(ops ...vxdata.EntityOp) Rule {
	return RuleFunc(func(_ context.Context, r Request) error {
		if !r.IsAttribute() && slices.Contains(ops, r.Op) {
			return Denyf("security: operation %s is not allowed on %s", r.Op, r.Class.Name())
		}
		return Skip
	})
}

// Constraint is a row-level predicate evaluated on loaded instances. It
// returns false when the viewer may not see or change the instance.
type Constraint func(context.Context, *entity.Entity) bool

// OwnerConstraint permits instances whose attribute equals the viewer id.
func OwnerConstraint(attr string) Constraint {
	return func(ctx context.Context, e *entity.Entity) bool {
		v := ViewerFromContext(ctx)
		if v == nil {
			return false
		}
		return stringValue(e.Get(attr)) == v.GetID()
	}
}

// TenantConstraint permits instances whose attribute equals the viewer
// tenant. Viewers without a tenant see every instance.
func TenantConstraint(attr string) Constraint {
	return func(ctx context.Context, e *entity.Entity) bool {
		v := ViewerFromContext(ctx)
		if v == nil {
			return false
		}
		if v.GetTenantID() == "" {
			return true
		}
		return stringValue(e.Get(attr)) == v.GetTenantID()
	}
}

func stringValue(v any) string {
	switch v := v.(type) {
	case nil:
		return ""
	case string:
		return v
	default:
		return fmt.Sprint(v)
	}
}
