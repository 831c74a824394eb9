// Package importexport moves entity graphs in and out of a data store as
// JSON or ZIP archives.
//
// An ImportView tells the importer which properties of the imported graph
// are written and how collections and references are reconciled with the
// stored graph:
//
//	view := importexport.NewImportView(order).
//	    AddLocalProperties().
//	    AddManyToOne("customer", importexport.ErrorOnMissing).
//	    AddOneToMany("lines", lineView, importexport.RemoveAbsent).
//	    MustBuild()
//	imported, err := importexport.NewImporter(store).ImportJSON(ctx, payload, view)
package importexport

import (
	"errors"
	"fmt"

	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/metadata"
)

// CollectionPolicy tells what happens to stored collection elements that are
// absent from the imported collection.
type CollectionPolicy int

// Collection policies.
const (
	// RemoveAbsent removes absent elements: compositions delete them,
	// associations unlink them.
	RemoveAbsent CollectionPolicy = iota
	// KeepAbsent keeps absent elements and adds the imported ones.
	KeepAbsent
)

// String returns the policy name.
func (p CollectionPolicy) String() string {
	if p == KeepAbsent {
		return "keep-absent"
	}
	return "remove-absent"
}

// ReferencePolicy tells what happens when a referenced instance is found
// neither in the import batch nor in the store.
type ReferencePolicy int

// Reference policies.
const (
	// ErrorOnMissing fails the import.
	ErrorOnMissing ReferencePolicy = iota
	// IgnoreMissing leaves the reference unchanged.
	IgnoreMissing
)

// String returns the policy name.
func (p ReferencePolicy) String() string {
	if p == IgnoreMissing {
		return "ignore-missing"
	}
	return "error-on-missing"
}

// ViewProperty is an imported property of an ImportView.
type ViewProperty struct {
	name       string
	prop       *metadata.Property
	view       *ImportView
	collection CollectionPolicy
	reference  ReferencePolicy
}

// Name returns the property name.
func (p ViewProperty) Name() string { return p.name }

// View returns the view of the referenced or embedded instances. A nil view
// on a reference imports it by id only.
func (p ViewProperty) View() *ImportView { return p.view }

// CollectionPolicy returns the policy of absent collection elements.
func (p ViewProperty) CollectionPolicy() CollectionPolicy { return p.collection }

// ReferencePolicy returns the policy of missing referenced instances.
func (p ViewProperty) ReferencePolicy() ReferencePolicy { return p.reference }

// ImportView is the tree of imported properties of a class.
type ImportView struct {
	class *metadata.Class
	props []ViewProperty
	index map[string]int
}

// Class returns the imported class.
func (v *ImportView) Class() *metadata.Class { return v.class }

// Properties returns the imported properties in insertion order.
func (v *ImportView) Properties() []ViewProperty { return v.props }

// Property returns the imported property with the name.
func (v *ImportView) Property(name string) (ViewProperty, bool) {
	i, ok := v.index[name]
	if !ok {
		return ViewProperty{}, false
	}
	return v.props[i], true
}

// ImportViewBuilder builds an ImportView.
type ImportViewBuilder struct {
	view *ImportView
	errs []error
}

// NewImportView returns a builder for a view of the class.
func NewImportView(class *metadata.Class) *ImportViewBuilder {
	return &ImportViewBuilder{view: &ImportView{class: class, index: make(map[string]int)}}
}

func (b *ImportViewBuilder) put(p ViewProperty) {
	if i, ok := b.view.index[p.name]; ok {
		b.view.props[i] = p
		return
	}
	b.view.index[p.name] = len(b.view.props)
	b.view.props = append(b.view.props, p)
}

func (b *ImportViewBuilder) lookup(name string, check func(*metadata.Property) bool, kind string) *metadata.Property {
	p := b.view.class.Property(name)
	switch {
	case p == nil:
		b.errs = append(b.errs, fmt.Errorf("importexport: property %q not found in %s", name, b.view.class.Name()))
		return nil
	case !check(p):
		b.errs = append(b.errs, fmt.Errorf("importexport: %s is not %s", p, kind))
		return nil
	}
	return p
}

func isLocal(p *metadata.Property) bool {
	return p.IsPersistent() && !p.IsReference() && !p.IsEmbedded()
}

// AddLocalProperties adds every persistent non-reference property.
func (b *ImportViewBuilder) AddLocalProperties() *ImportViewBuilder {
	for _, p := range b.view.class.Properties() {
		if isLocal(p) {
			b.put(ViewProperty{name: p.Name(), prop: p})
		}
	}
	return b
}

// AddProperty adds local properties by name.
func (b *ImportViewBuilder) AddProperty(names ...string) *ImportViewBuilder {
	for _, name := range names {
		if p := b.lookup(name, isLocal, "a local property"); p != nil {
			b.put(ViewProperty{name: name, prop: p})
		}
	}
	return b
}

// AddManyToOne adds a reference imported by id and resolved after the whole
// batch is imported.
func (b *ImportViewBuilder) AddManyToOne(name string, policy ReferencePolicy) *ImportViewBuilder {
	if p := b.lookup(name, isSingleReference, "a single reference"); p != nil {
		b.put(ViewProperty{name: name, prop: p, reference: policy})
	}
	return b
}

// AddManyToOneView adds a reference whose instance is imported with the view.
func (b *ImportViewBuilder) AddManyToOneView(name string, view *ImportView) *ImportViewBuilder {
	if p := b.lookup(name, isSingleReference, "a single reference"); p != nil {
		if b.checkView(p, view) {
			b.put(ViewProperty{name: name, prop: p, view: view})
		}
	}
	return b
}

// AddOneToMany adds a collection whose elements are imported with the view.
func (b *ImportViewBuilder) AddOneToMany(name string, view *ImportView, policy CollectionPolicy) *ImportViewBuilder {
	if p := b.lookup(name, (*metadata.Property).IsCollection, "a collection"); p != nil {
		if b.checkView(p, view) {
			b.put(ViewProperty{name: name, prop: p, view: view, collection: policy})
		}
	}
	return b
}

// AddManyToMany adds a collection of references imported by id.
func (b *ImportViewBuilder) AddManyToMany(name string, reference ReferencePolicy, collection CollectionPolicy) *ImportViewBuilder {
	if p := b.lookup(name, (*metadata.Property).IsCollection, "a collection"); p != nil {
		b.put(ViewProperty{name: name, prop: p, reference: reference, collection: collection})
	}
	return b
}

// AddEmbedded adds an embedded property imported with the view.
func (b *ImportViewBuilder) AddEmbedded(name string, view *ImportView) *ImportViewBuilder {
	if p := b.lookup(name, (*metadata.Property).IsEmbedded, "an embedded property"); p != nil {
		if b.checkView(p, view) {
			b.put(ViewProperty{name: name, prop: p, view: view})
		}
	}
	return b
}

func (b *ImportViewBuilder) checkView(p *metadata.Property, view *ImportView) bool {
	if view == nil {
		b.errs = append(b.errs, fmt.Errorf("importexport: %s needs a view", p))
		return false
	}
	if !p.Target().IsAssignableFrom(view.class) {
		b.errs = append(b.errs, fmt.Errorf("importexport: view of %s does not fit %s", view.class.Name(), p))
		return false
	}
	return true
}

func isSingleReference(p *metadata.Property) bool {
	return p.IsReference() && !p.IsCollection()
}

// Build returns the view.
func (b *ImportViewBuilder) Build() (*ImportView, error) {
	if len(b.errs) > 0 {
		return nil, fmt.Errorf("importexport: build view of %s: %w", b.view.class.Name(), errors.Join(b.errs...))
	}
	return b.view, nil
}

// MustBuild is like Build but panics on error.
func (b *ImportViewBuilder) MustBuild() *ImportView {
	v, err := b.Build()
	if err != nil {
		panic(err)
	}
	return v
}

// BuildFetchPlan returns the plan loading the stored graph an import with
// the view compares against. References imported by id load their minimal
// plan. Elements of imported collections also load their reference back to
// the owner.
func BuildFetchPlan(view *ImportView) *fetchplan.FetchPlan {
	return buildFetchPlan(view, "")
}

func buildFetchPlan(view *ImportView, inverse string) *fetchplan.FetchPlan {
	b := fetchplan.New(view.class).Partial(true)
	for _, p := range view.props {
		switch {
		case p.view != nil && p.prop.IsCollection():
			b.AddPlan(p.name, buildFetchPlan(p.view, p.prop.Inverse()))
		case p.view != nil:
			b.AddPlan(p.name, buildFetchPlan(p.view, ""))
		case p.prop.IsReference():
			b.AddPlan(p.name, fetchplan.Minimal(p.prop.Target()))
		default:
			b.Add(p.name)
		}
	}
	if _, ok := view.index[inverse]; !ok && inverse != "" {
		if ip := view.class.Property(inverse); ip != nil && ip.IsReference() {
			b.AddPlan(inverse, fetchplan.Minimal(ip.Target()))
		}
	}
	// The view holds existing properties only.
	return b.MustBuild()
}
