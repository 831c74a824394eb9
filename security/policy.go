package security

import (
	"context"
	"errors"
	"slices"
	"sync"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
)

// Security is the permission and constraint provider used by the data store.
type Security interface {
	// IsEntityOpPermitted reports whether the operation is permitted on the class.
	IsEntityOpPermitted(ctx context.Context, class *metadata.Class, op vxdata.EntityOp) bool
	// IsEntityAttrPermitted reports whether the attribute operation is permitted.
	IsEntityAttrPermitted(ctx context.Context, class *metadata.Class, attr string, op vxdata.AttrOp) bool
	// HasInMemoryConstraints reports whether the class has constraints for any of the ops.
	HasInMemoryConstraints(class *metadata.Class, ops ...vxdata.EntityOp) bool
	// Filter reports whether the instance fails the constraints of the operation.
	Filter(ctx context.Context, e *entity.Entity, op vxdata.EntityOp) bool
	// FilterByConstraints returns the instances passing READ constraints and
	// whether any instance was removed.
	FilterByConstraints(ctx context.Context, entities []*entity.Entity) ([]*entity.Entity, bool)
	// CalculateFilteredData hides collection elements failing READ constraints
	// and attributes the viewer may not see, recording them in the security state.
	CalculateFilteredData(ctx context.Context, entities []*entity.Entity)
	// RestoreSecurityState puts masked attribute values back.
	RestoreSecurityState(e *entity.Entity)
	// RestoreFilteredData re-adds filtered references, resolving ids with lookup.
	RestoreFilteredData(e *entity.Entity, lookup Lookup)
}

// Lookup resolves a referenced instance by class and id, or returns nil.
type Lookup func(class *metadata.Class, id any) *entity.Entity

type attrKey struct {
	attr string
	op   vxdata.AttrOp
}

// Policy is a rule based Security. Registration is not safe for use
// concurrently with evaluation; build the policy before use.
type Policy struct {
	mu          sync.RWMutex
	entity      map[string]map[vxdata.EntityOp][]Rule
	attrs       map[string]map[attrKey][]Rule
	constraints map[string]map[vxdata.EntityOp][]Constraint
}

var _ Security = (*Policy)(nil)

// NewPolicy returns an empty policy permitting everything.
func NewPolicy() *Policy {
	return &Policy{
		entity:      make(map[string]map[vxdata.EntityOp][]Rule),
		attrs:       make(map[string]map[attrKey][]Rule),
		constraints: make(map[string]map[vxdata.EntityOp][]Constraint),
	}
}

// AllOps lists every entity operation.
var AllOps = []vxdata.EntityOp{vxdata.OpRead, vxdata.OpCreate, vxdata.OpUpdate, vxdata.OpDelete}

// Entity registers rules for operations on a class. A nil ops slice means
// every operation.
func (p *Policy) Entity(class string, ops []vxdata.EntityOp, rules ...Rule) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	if ops == nil {
		ops = AllOps
	}
	m := p.entity[class]
	if m == nil {
		m = make(map[vxdata.EntityOp][]Rule)
		p.entity[class] = m
	}
	for _, op := range ops {
		m[op] = append(m[op], rules...)
	}
	return p
}

// Deny denies operations on a class.
func (p *Policy) Deny(class string, ops ...vxdata.EntityOp) *Policy {
	return p.Entity(class, ops, AlwaysDenyRule())
}

// Attribute registers rules for an attribute operation.
func (p *Policy) Attribute(class, attr string, op vxdata.AttrOp, rules ...Rule) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.attrs[class]
	if m == nil {
		m = make(map[attrKey][]Rule)
		p.attrs[class] = m
	}
	k := attrKey{attr, op}
	m[k] = append(m[k], rules...)
	return p
}

// HideAttribute denies viewing and modifying an attribute.
func (p *Policy) HideAttribute(class, attr string) *Policy {
	p.Attribute(class, attr, vxdata.AttrView, AlwaysDenyRule())
	return p.Attribute(class, attr, vxdata.AttrModify, AlwaysDenyRule())
}

// Constrain registers an in-memory constraint for an operation on a class.
func (p *Policy) Constrain(class string, op vxdata.EntityOp, c Constraint) *Policy {
	p.mu.Lock()
	defer p.mu.Unlock()
	m := p.constraints[class]
	if m == nil {
		m = make(map[vxdata.EntityOp][]Constraint)
		p.constraints[class] = m
	}
	m[op] = append(m[op], c)
	return p
}

// CheckEntityOp returns nil if the operation is permitted, or the deciding error.
func (p *Policy) CheckEntityOp(ctx context.Context, class *metadata.Class, op vxdata.EntityOp) error {
	p.mu.RLock()
	var rules []Rule
	for c := class; c != nil; c = c.Ancestor() {
		rules = append(rules, p.entity[c.Name()][op]...)
	}
	p.mu.RUnlock()
	return eval(ctx, rules, Request{Class: class, Op: op})
}

// CheckEntityAttr returns nil if the attribute operation is permitted, or the deciding error.
func (p *Policy) CheckEntityAttr(ctx context.Context, class *metadata.Class, attr string, op vxdata.AttrOp) error {
	p.mu.RLock()
	var rules []Rule
	for c := class; c != nil; c = c.Ancestor() {
		rules = append(rules, p.attrs[c.Name()][attrKey{attr, op}]...)
	}
	p.mu.RUnlock()
	return eval(ctx, rules, Request{Class: class, Attribute: attr, AttrOp: op})
}

func eval(ctx context.Context, rules []Rule, r Request) error {
	if decision, ok := DecisionFromContext(ctx); ok {
		return decision
	}
	for _, rule := range rules {
		switch decision := rule.Eval(ctx, r); {
		case decision == nil || errors.Is(decision, Skip):
		case errors.Is(decision, Allow):
			return nil
		default:
			return decision
		}
	}
	return nil
}

// IsEntityOpPermitted implements Security.
func (p *Policy) IsEntityOpPermitted(ctx context.Context, class *metadata.Class, op vxdata.EntityOp) bool {
	return p.CheckEntityOp(ctx, class, op) == nil
}

// IsEntityAttrPermitted implements Security.
func (p *Policy) IsEntityAttrPermitted(ctx context.Context, class *metadata.Class, attr string, op vxdata.AttrOp) bool {
	return p.CheckEntityAttr(ctx, class, attr, op) == nil
}

// HasInMemoryConstraints implements Security.
func (p *Policy) HasInMemoryConstraints(class *metadata.Class, ops ...vxdata.EntityOp) bool {
	return len(p.constraintsFor(class, ops...)) > 0
}

func (p *Policy) constraintsFor(class *metadata.Class, ops ...vxdata.EntityOp) []Constraint {
	p.mu.RLock()
	defer p.mu.RUnlock()
	var out []Constraint
	for c := class; c != nil; c = c.Ancestor() {
		for _, op := range ops {
			out = append(out, p.constraints[c.Name()][op]...)
		}
	}
	return out
}

// Filter implements Security.
func (p *Policy) Filter(ctx context.Context, e *entity.Entity, op vxdata.EntityOp) bool {
	if _, ok := DecisionFromContext(ctx); ok {
		return false
	}
	for _, c := range p.constraintsFor(e.Class(), op) {
		if !c(ctx, e) {
			return true
		}
	}
	return false
}

// FilterByConstraints implements Security.
func (p *Policy) FilterByConstraints(ctx context.Context, entities []*entity.Entity) ([]*entity.Entity, bool) {
	out := slices.DeleteFunc(slices.Clone(entities), func(e *entity.Entity) bool {
		return p.Filter(ctx, e, vxdata.OpRead)
	})
	return out, len(out) != len(entities)
}
