// Package fetchplan describes which properties and associations of an entity
// graph are loaded by a query.
//
// A FetchPlan is a tree: each Property may carry a nested plan for the
// association target and a FetchMode hint telling the loader how to fetch it.
// Plans are immutable once built; use Copy, With or a Builder to derive
// variants.
//
//	plan := fetchplan.New(customer).
//	    Add("name", "email").
//	    AddPlan("orders", fetchplan.New(order).Add("number").MustBuild(), fetchplan.Batch).
//	    MustBuild()
package fetchplan

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/syssam/vxdata/metadata"
)

// Names of the predefined plans.
const (
	LocalName   = "_local"
	MinimalName = "_minimal"
	BaseName    = "_base"
)

// FetchMode tells the loader how to fetch an association.
type FetchMode int

// Fetch modes.
const (
	// Auto lets the loader pick JOIN or BATCH.
	Auto FetchMode = iota
	// Join fetches the association in the same query with an outer join.
	Join
	// Batch fetches the association in a follow-up query keyed by the parent ids.
	Batch
	// Undefined leaves the association to the ORM, used for globally cached targets.
	Undefined
)

var modeNames = [...]string{Auto: "auto", Join: "join", Batch: "batch", Undefined: "undefined"}

// String returns the mode name.
func (m FetchMode) String() string {
	if int(m) < len(modeNames) {
		return modeNames[m]
	}
	return fmt.Sprintf("FetchMode(%d)", int(m))
}

// ParseFetchMode parses a mode name. The empty string is Auto.
func ParseFetchMode(s string) (FetchMode, error) {
	if s == "" {
		return Auto, nil
	}
	for i, n := range modeNames {
		if strings.EqualFold(n, s) {
			return FetchMode(i), nil
		}
	}
	return 0, fmt.Errorf("fetchplan: unknown fetch mode %q", s)
}

// Property is a single entry of a plan.
type Property struct {
	name string
	plan *FetchPlan
	mode FetchMode
}

// Name returns the property name.
func (p Property) Name() string { return p.name }

// Plan returns the nested plan, or nil.
func (p Property) Plan() *FetchPlan { return p.plan }

// Mode returns the fetch mode.
func (p Property) Mode() FetchMode { return p.mode }

// FetchPlan is an immutable tree of properties to load.
type FetchPlan struct {
	class   *metadata.Class
	name    string
	props   []Property
	index   map[string]int
	partial bool
}

// Class returns the entity class of the plan.
func (p *FetchPlan) Class() *metadata.Class { return p.class }

// Entity returns the entity name of the plan.
func (p *FetchPlan) Entity() string { return p.class.Name() }

// Name returns the plan name, may be empty.
func (p *FetchPlan) Name() string { return p.name }

// LoadPartialEntities reports whether entities are loaded with only the
// plan's attributes instead of all local attributes.
func (p *FetchPlan) LoadPartialEntities() bool { return p.partial }

// Properties returns the plan properties in declaration order.
func (p *FetchPlan) Properties() []Property {
	return slices.Clone(p.props)
}

// Property returns the named property.
func (p *FetchPlan) Property(name string) (Property, bool) {
	i, ok := p.index[name]
	if !ok {
		return Property{}, false
	}
	return p.props[i], true
}

// Contains reports whether the plan has the named property.
func (p *FetchPlan) Contains(name string) bool {
	_, ok := p.index[name]
	return ok
}

// ContainsPath reports whether a dotted path is covered by the plan.
func (p *FetchPlan) ContainsPath(path string) bool {
	cur := p
	for _, seg := range strings.Split(path, ".") {
		if cur == nil {
			return false
		}
		prop, ok := cur.Property(seg)
		if !ok {
			return false
		}
		cur = prop.plan
	}
	return true
}

// Copy returns a deep copy of the plan.
func (p *FetchPlan) Copy() *FetchPlan {
	if p == nil {
		return nil
	}
	c := &FetchPlan{
		class:   p.class,
		name:    p.name,
		props:   make([]Property, len(p.props)),
		index:   make(map[string]int, len(p.props)),
		partial: p.partial,
	}
	for i, prop := range p.props {
		prop.plan = prop.plan.Copy()
		c.props[i] = prop
		c.index[prop.name] = i
	}
	return c
}

// With returns a copy of the plan modified by fn.
func (p *FetchPlan) With(fn func(*Builder)) (*FetchPlan, error) {
	b := &Builder{plan: p.Copy()}
	fn(b)
	return b.Build()
}

// String returns a compact representation, e.g. "Customer{name, orders{number}}".
func (p *FetchPlan) String() string {
	var sb strings.Builder
	p.write(&sb)
	return sb.String()
}

func (p *FetchPlan) write(sb *strings.Builder) {
	sb.WriteString(p.Entity())
	p.writeProps(sb)
}

func (p *FetchPlan) writeProps(sb *strings.Builder) {
	sb.WriteByte('{')
	for i, prop := range p.props {
		if i > 0 {
			sb.WriteString(", ")
		}
		sb.WriteString(prop.name)
		if prop.mode != Auto {
			sb.WriteByte(':')
			sb.WriteString(prop.mode.String())
		}
		if prop.plan != nil {
			prop.plan.writeProps(sb)
		}
	}
	sb.WriteByte('}')
}

// Builder builds a FetchPlan.
type Builder struct {
	plan *FetchPlan
	errs []error
}

// New returns a builder for a plan of the class. Plans load partial
// entities unless Partial(false) is set, so loads use a fetch group by
// default and a load group for full plans.
func New(class *metadata.Class) *Builder {
	return &Builder{plan: &FetchPlan{class: class, index: make(map[string]int), partial: true}}
}

// Name sets the plan name.
func (b *Builder) Name(name string) *Builder {
	b.plan.name = name
	return b
}

// Partial sets whether entities are loaded partially.
func (b *Builder) Partial(partial bool) *Builder {
	b.plan.partial = partial
	return b
}

// Add adds properties by name. Dotted paths add nested plans along the way,
// e.g. Add("customer.name") adds customer with a nested plan holding name.
func (b *Builder) Add(names ...string) *Builder {
	for _, n := range names {
		b.addPath(b.plan, strings.Split(n, "."), Auto)
	}
	return b
}

// AddMode adds a property with a fetch mode and an optional nested plan.
func (b *Builder) AddMode(name string, nested *FetchPlan, mode FetchMode) *Builder {
	if b.plan.class.Property(name) == nil {
		b.errs = append(b.errs, fmt.Errorf("fetchplan: property %q not found in %s", name, b.plan.Entity()))
		return b
	}
	b.plan.put(Property{name: name, plan: nested, mode: mode})
	return b
}

// AddPlan adds a property with a nested plan.
func (b *Builder) AddPlan(name string, nested *FetchPlan, mode ...FetchMode) *Builder {
	m := Auto
	if len(mode) > 0 {
		m = mode[0]
	}
	return b.AddMode(name, nested, m)
}

// AddLocal adds all local properties of the class.
func (b *Builder) AddLocal() *Builder {
	for _, p := range b.plan.class.Properties() {
		if isLocal(p) {
			b.plan.put(Property{name: p.Name()})
		}
	}
	return b
}

// AddMinimal adds the instance name properties of the class.
func (b *Builder) AddMinimal() *Builder {
	addMinimal(b.plan, 0)
	return b
}

// Remove removes properties by name.
func (b *Builder) Remove(names ...string) *Builder {
	for _, n := range names {
		b.plan.remove(n)
	}
	return b
}

// Build returns the plan.
func (b *Builder) Build() (*FetchPlan, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("fetchplan: build %s: %w", b.plan.Entity(), errors.Join(b.errs...))
	}
	return b.plan, nil
}

// MustBuild is like Build but panics on error.
func (b *Builder) MustBuild() *FetchPlan {
	p, err := b.Build()
	if err != nil {
		panic(err)
	}
	return p
}

func (b *Builder) addPath(plan *FetchPlan, segs []string, mode FetchMode) {
	prop := plan.class.Property(segs[0])
	if prop == nil {
		b.errs = append(b.errs, fmt.Errorf("fetchplan: property %q not found in %s", segs[0], plan.Entity()))
		return
	}
	if len(segs) == 1 {
		if _, ok := plan.Property(segs[0]); !ok {
			plan.put(Property{name: segs[0], mode: mode})
		}
		return
	}
	if prop.Target() == nil {
		b.errs = append(b.errs, fmt.Errorf("fetchplan: property %s has no nested properties", prop))
		return
	}
	// Nested plans added with AddPlan may be shared, so they are copied
	// before being extended.
	existing, _ := plan.Property(segs[0])
	nested := existing.plan.Copy()
	if nested == nil {
		nested = &FetchPlan{class: prop.Target(), index: make(map[string]int), partial: plan.partial}
	}
	plan.put(Property{name: segs[0], plan: nested, mode: existing.mode})
	b.addPath(nested, segs[1:], mode)
}

// put adds or replaces a property keeping its position.
func (p *FetchPlan) put(prop Property) {
	if i, ok := p.index[prop.name]; ok {
		p.props[i] = prop
		return
	}
	p.index[prop.name] = len(p.props)
	p.props = append(p.props, prop)
}

func (p *FetchPlan) remove(name string) {
	i, ok := p.index[name]
	if !ok {
		return
	}
	p.props = slices.Delete(p.props, i, i+1)
	delete(p.index, name)
	for j := i; j < len(p.props); j++ {
		p.index[p.props[j].name] = j
	}
}

func isLocal(p *metadata.Property) bool {
	return p.IsPersistent() && !p.IsReference()
}

func addMinimal(plan *FetchPlan, depth int) {
	for _, p := range metadata.InstanceNameRelatedProperties(plan.class, false) {
		if _, ok := plan.Property(p.Name()); ok {
			continue
		}
		prop := Property{name: p.Name()}
		if p.IsReference() && depth < 4 {
			nested := &FetchPlan{class: p.Target(), index: make(map[string]int), partial: true, name: MinimalName}
			addMinimal(nested, depth+1)
			prop.plan = nested
		}
		plan.put(prop)
	}
}

// Local returns the plan of all persistent non-reference properties.
func Local(class *metadata.Class) *FetchPlan {
	return New(class).Name(LocalName).AddLocal().MustBuild()
}

// Minimal returns the plan of the instance name properties.
func Minimal(class *metadata.Class) *FetchPlan {
	return New(class).Name(MinimalName).AddMinimal().MustBuild()
}

// Base returns the union of Local and Minimal.
func Base(class *metadata.Class) *FetchPlan {
	return New(class).Name(BaseName).AddLocal().AddMinimal().MustBuild()
}
