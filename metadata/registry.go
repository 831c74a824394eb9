package metadata

import (
	"errors"
	"fmt"
	"slices"
	"strings"

	"github.com/go-openapi/inflect"
)

// ErrInvalidSchema indicates a schema definition error.
var ErrInvalidSchema = errors.New("metadata: invalid schema")

// SchemaError represents a schema definition error.
type SchemaError struct {
	Class    string // Entity name
	Property string // Property name (if applicable)
	Message  string
	Cause    error
}

// Error implements the error interface.
func (e *SchemaError) Error() string {
	var b strings.Builder
	b.WriteString("metadata: schema error")
	if e.Class != "" {
		b.WriteString(" on class ")
		b.WriteString(e.Class)
	}
	if e.Property != "" {
		b.WriteString(" property ")
		b.WriteString(e.Property)
	}
	if e.Message != "" {
		b.WriteString(": ")
		b.WriteString(e.Message)
	}
	if e.Cause != nil {
		b.WriteString(": ")
		b.WriteString(e.Cause.Error())
	}
	return b.String()
}

// Unwrap returns the underlying error.
func (e *SchemaError) Unwrap() error {
	return e.Cause
}

// Is reports whether the target matches ErrInvalidSchema.
func (e *SchemaError) Is(target error) bool {
	return target == ErrInvalidSchema
}

// Mixin is a reusable set of properties applied to a class spec.
type Mixin interface {
	Properties() []PropertySpec
}

// ClassSpec declares a class.
type ClassSpec struct {
	Name           string         `yaml:"name"`
	Table          string         `yaml:"table,omitempty"`
	Extends        string         `yaml:"extends,omitempty"`
	PrimaryKey     string         `yaml:"primaryKey,omitempty"`
	Embeddable     bool           `yaml:"embeddable,omitempty"`
	Cacheable      bool           `yaml:"cacheable,omitempty"`
	InstanceName   []string       `yaml:"instanceName,omitempty"`
	PublishChanges bool           `yaml:"publishChanges,omitempty"`
	IDSequence     string         `yaml:"idSequence,omitempty"`
	IDCached       bool           `yaml:"idSequenceCached,omitempty"`
	MixinNames     []string       `yaml:"mixins,omitempty"`
	Properties     []PropertySpec `yaml:"properties,omitempty"`
	Mixins         []Mixin        `yaml:"-"`
}

// PropertySpec declares a property.
type PropertySpec struct {
	Name        string   `yaml:"name"`
	Type        string   `yaml:"type"`
	Target      string   `yaml:"target,omitempty"`
	Cardinality string   `yaml:"cardinality,omitempty"`
	Inverse     string   `yaml:"inverse,omitempty"`
	Transient   bool     `yaml:"transient,omitempty"`
	Lob         bool     `yaml:"lob,omitempty"`
	Mandatory   bool     `yaml:"mandatory,omitempty"`
	Composition bool     `yaml:"composition,omitempty"`
	ReadOnly    bool     `yaml:"readOnly,omitempty"`
	DBGenerated bool     `yaml:"dbGenerated,omitempty"`
	Related     []string `yaml:"related,omitempty"`
	Enum        []string `yaml:"enum,omitempty"`
}

// Registry is an immutable set of classes.
type Registry struct {
	classes map[string]*Class
	order   []string
}

// Class returns the named class.
func (r *Registry) Class(name string) (*Class, error) {
	c, ok := r.classes[name]
	if !ok {
		return nil, &SchemaError{Class: name, Message: "unknown class"}
	}
	return c, nil
}

// Lookup returns the named class and whether it exists.
func (r *Registry) Lookup(name string) (*Class, bool) {
	c, ok := r.classes[name]
	return c, ok
}

// MustClass is like Class but panics if the class is unknown.
func (r *Registry) MustClass(name string) *Class {
	c, err := r.Class(name)
	if err != nil {
		panic(err)
	}
	return c
}

// Classes returns all classes in declaration order.
func (r *Registry) Classes() []*Class {
	out := make([]*Class, 0, len(r.order))
	for _, n := range r.order {
		out = append(out, r.classes[n])
	}
	return out
}

// Builder collects class specs and builds a Registry.
type Builder struct {
	specs []ClassSpec
	mixin func(string) (Mixin, bool)
	errs  []error
}

// NewBuilder returns an empty Builder.
func NewBuilder() *Builder {
	return &Builder{}
}

// WithMixinResolver sets the function resolving named mixins of YAML specs.
func (b *Builder) WithMixinResolver(resolve func(string) (Mixin, bool)) *Builder {
	b.mixin = resolve
	return b
}

// Add appends class specs.
func (b *Builder) Add(specs ...ClassSpec) *Builder {
	b.specs = append(b.specs, specs...)
	return b
}

// Build validates the specs and returns the registry.
func (b *Builder) Build() (*Registry, error) {
	b.errs = nil
	r := &Registry{classes: make(map[string]*Class, len(b.specs))}
	specs := make(map[string]*ClassSpec, len(b.specs))
	for i := range b.specs {
		s := &b.specs[i]
		if s.Name == "" {
			b.errs = append(b.errs, &SchemaError{Message: "class name is empty"})
			continue
		}
		if _, ok := specs[s.Name]; ok {
			b.errs = append(b.errs, &SchemaError{Class: s.Name, Message: "duplicate class"})
			continue
		}
		specs[s.Name] = s
		r.order = append(r.order, s.Name)
		r.classes[s.Name] = &Class{
			name:         s.Name,
			table:        tableName(s),
			primaryKey:   s.PrimaryKey,
			embeddable:   s.Embeddable,
			cacheable:    s.Cacheable,
			instanceName: s.InstanceName,
			config: EntityConfig{
				PublishChanges:   s.PublishChanges,
				IDSequence:       s.IDSequence,
				IDSequenceCached: s.IDCached,
			},
			byName: make(map[string]*Property),
		}
	}
	// Properties are declared in inheritance order so that descendants see
	// the ancestor's properties first.
	done := make(map[string]bool, len(r.order))
	var declare func(name string, stack []string)
	declare = func(name string, stack []string) {
		if done[name] {
			return
		}
		if slices.Contains(stack, name) {
			b.errs = append(b.errs, &SchemaError{Class: name, Message: "inheritance cycle " + strings.Join(append(stack, name), " -> ")})
			done[name] = true
			return
		}
		s, c := specs[name], r.classes[name]
		if s.Extends != "" {
			anc, ok := r.classes[s.Extends]
			if !ok {
				b.errs = append(b.errs, &SchemaError{Class: name, Message: fmt.Sprintf("unknown ancestor %q", s.Extends)})
			} else {
				declare(s.Extends, append(stack, name))
				c.ancestor = anc
				anc.descendants = append(anc.descendants, c)
				for _, p := range anc.props {
					c.addProperty(p)
				}
				if c.primaryKey == "" {
					c.primaryKey = anc.primaryKey
				}
				if c.instanceName == nil {
					c.instanceName = anc.instanceName
				}
			}
		}
		for _, m := range b.mixins(s) {
			for _, ps := range m.Properties() {
				b.declareProperty(c, ps)
			}
		}
		for _, ps := range s.Properties {
			b.declareProperty(c, ps)
		}
		done[name] = true
	}
	for _, name := range r.order {
		declare(name, nil)
	}
	for _, name := range r.order {
		b.resolveTargets(r, r.classes[name])
	}
	for _, name := range r.order {
		b.validate(specs[name], r.classes[name])
	}
	if err := errors.Join(b.errs...); err != nil {
		return nil, err
	}
	return r, nil
}

func (b *Builder) mixins(s *ClassSpec) []Mixin {
	ms := slices.Clone(s.Mixins)
	for _, n := range s.MixinNames {
		if b.mixin == nil {
			b.errs = append(b.errs, &SchemaError{Class: s.Name, Message: fmt.Sprintf("mixin %q requires a mixin resolver", n)})
			continue
		}
		m, ok := b.mixin(n)
		if !ok {
			b.errs = append(b.errs, &SchemaError{Class: s.Name, Message: fmt.Sprintf("unknown mixin %q", n)})
			continue
		}
		ms = append(ms, m)
	}
	return ms
}

func (b *Builder) declareProperty(c *Class, ps PropertySpec) {
	fail := func(msg string, cause error) {
		b.errs = append(b.errs, &SchemaError{Class: c.name, Property: ps.Name, Message: msg, Cause: cause})
	}
	if ps.Name == "" {
		fail("property name is empty", nil)
		return
	}
	typ, err := ParseType(ps.Type)
	if err != nil {
		fail("invalid type", err)
		return
	}
	card, err := ParseCardinality(ps.Cardinality)
	if err != nil {
		fail("invalid cardinality", err)
		return
	}
	switch {
	case typ == TypeEntity && card == CardinalityNone:
		fail("reference property requires a cardinality", nil)
		return
	case typ != TypeEntity && card != CardinalityNone:
		fail("cardinality is only allowed on reference properties", nil)
		return
	case (typ == TypeEntity || typ == TypeEmbedded) && ps.Target == "":
		fail("missing target class", nil)
		return
	}
	if old := c.byName[ps.Name]; old != nil && old.owner == c {
		fail("duplicate property", nil)
		return
	}
	c.addProperty(&Property{
		name:        ps.Name,
		typ:         typ,
		owner:       c,
		cardinality: card,
		inverse:     ps.Inverse,
		persistent:  !ps.Transient,
		lob:         ps.Lob,
		mandatory:   ps.Mandatory,
		composition: ps.Composition,
		readOnly:    ps.ReadOnly,
		dbGenerated: ps.DBGenerated,
		related:     ps.Related,
		enumValues:  ps.Enum,
	})
	// Target names are resolved in resolveTargets, keep the spec name around until then.
	c.byName[ps.Name].target = &Class{name: ps.Target}
}

// addProperty adds or overrides a property keeping declaration order.
func (c *Class) addProperty(p *Property) {
	if old, ok := c.byName[p.name]; ok {
		i := slices.Index(c.props, old)
		c.props[i] = p
	} else {
		c.props = append(c.props, p)
	}
	c.byName[p.name] = p
}

// resolveTargets replaces the placeholder targets left by declareProperty.
func (b *Builder) resolveTargets(r *Registry, c *Class) {
	fail := func(prop, msg string) {
		b.errs = append(b.errs, &SchemaError{Class: c.name, Property: prop, Message: msg})
	}
	for _, p := range c.props {
		if p.owner != c || p.target == nil {
			continue
		}
		name := p.target.name
		if name == "" {
			p.target = nil
			continue
		}
		t, ok := r.classes[name]
		if !ok {
			fail(p.name, fmt.Sprintf("unknown target class %q", name))
			p.target = nil
			continue
		}
		if p.typ == TypeEmbedded && !t.embeddable {
			fail(p.name, fmt.Sprintf("target %q of embedded property is not embeddable", name))
		}
		if p.typ == TypeEntity && t.embeddable {
			fail(p.name, fmt.Sprintf("target %q of reference property is embeddable", name))
		}
		p.target = t
	}
}

// validate checks cross-class invariants once all targets are resolved.
func (b *Builder) validate(s *ClassSpec, c *Class) {
	fail := func(prop, msg string) {
		b.errs = append(b.errs, &SchemaError{Class: c.name, Property: prop, Message: msg})
	}
	for _, p := range c.props {
		if p.owner != c || p.inverse == "" || p.target == nil {
			continue
		}
		inv := p.target.Property(p.inverse)
		if inv == nil {
			fail(p.name, fmt.Sprintf("inverse property %q not found on %s", p.inverse, p.target.name))
			continue
		}
		if inv.target != nil && !inv.target.Related(c) {
			fail(p.name, fmt.Sprintf("inverse property %s.%s does not refer back to %s", p.target.name, p.inverse, c.name))
		}
	}
	if c.embeddable {
		return
	}
	switch pk := c.byName[c.primaryKey]; {
	case c.primaryKey == "":
		fail("", "missing primary key")
	case pk == nil:
		fail(c.primaryKey, "primary key property not declared")
	case pk.IsReference():
		fail(c.primaryKey, "primary key cannot be a reference")
	}
	for _, n := range s.InstanceName {
		if c.byName[n] == nil {
			fail(n, "instance name property not declared")
		}
	}
}

func tableName(s *ClassSpec) string {
	if s.Table != "" {
		return s.Table
	}
	return inflect.Underscore(inflect.Pluralize(s.Name))
}
