// Package fetchgroup turns a fetch plan into the attribute group and the
// per-path JOIN/BATCH hints applied to an ORM query.
//
// The plan tree is flattened into fields keyed by (owner class, path). Each
// reference field is then assigned a strategy: JOIN for to-one associations,
// BATCH for collections and self references, nothing for globally cached
// targets. A few shapes the ORM cannot load correctly are corrected
// afterwards: outer joins on null-checked paths, batch fetches that would run
// the same follow-up query twice through a cycle, and batches that are
// pointless for a single-row load.
package fetchgroup

import (
	"fmt"
	"log/slog"
	"maps"
	"slices"
	"strings"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// Hint is the loading strategy of an association path.
type Hint int

// Hints.
const (
	Join Hint = iota + 1
	Batch
)

// String returns the hint name.
func (h Hint) String() string {
	switch h {
	case Join:
		return "JOIN"
	case Batch:
		return "BATCH"
	default:
		return fmt.Sprintf("Hint(%d)", int(h))
	}
}

// maxRelatedDepth caps the expansion of related properties through minimal
// plans of referenced classes.
const maxRelatedDepth = 8

// Description is the result of a fetch group calculation.
type Description struct {
	alias      string
	partial    bool
	attributes []string
	hints      map[string]Hint
	hasBatches bool
}

// Attributes returns the sorted attribute paths of the group.
func (d *Description) Attributes() []string { return slices.Clone(d.attributes) }

// Hints returns the hints keyed by alias-qualified path, e.g. "e.customer".
func (d *Description) Hints() map[string]Hint { return maps.Clone(d.hints) }

// Hint returns the hint of an alias-qualified path.
func (d *Description) Hint(path string) (Hint, bool) {
	h, ok := d.hints[path]
	return h, ok
}

// JoinPaths returns the sorted alias-qualified paths hinted JOIN.
func (d *Description) JoinPaths() []string { return d.paths(Join) }

// BatchPaths returns the sorted alias-qualified paths hinted BATCH.
func (d *Description) BatchPaths() []string { return d.paths(Batch) }

// HasBatches reports whether any path is hinted BATCH.
func (d *Description) HasBatches() bool { return d.hasBatches }

// Partial reports whether the group is a fetch group rather than a load group.
func (d *Description) Partial() bool { return d.partial }

// Alias returns the root variable of the query the hints are keyed by.
func (d *Description) Alias() string { return d.alias }

// FetchGroup returns the attributes as an ORM fetch group.
func (d *Description) FetchGroup() *orm.FetchGroup {
	return orm.NewFetchGroup(d.attributes...)
}

func (d *Description) paths(h Hint) []string {
	var out []string
	for p, v := range d.hints {
		if v == h {
			out = append(out, p)
		}
	}
	slices.Sort(out)
	return out
}

// Option configures a Manager.
type Option func(*Manager)

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(m *Manager) {
		m.log = l
	}
}

// Manager computes fetch group descriptions. It holds no per-call state and
// is safe for concurrent use.
type Manager struct {
	log *slog.Logger
}

// NewManager returns a Manager.
func NewManager(opts ...Option) *Manager {
	m := &Manager{log: slog.Default()}
	for _, opt := range opts {
		opt(m)
	}
	return m
}

// SetHints computes the description of the plan for the query and applies it:
// the fetch group (partial plans) or load group, and one hint per hinted path.
// A nil plan leaves the query untouched.
func (m *Manager) SetHints(q orm.Query, plan *fetchplan.FetchPlan, singleResult bool) (*Description, error) {
	if plan == nil {
		return nil, nil
	}
	d, err := m.CalculateFetchGroup(q.Text(), plan, singleResult, plan.LoadPartialEntities())
	if err != nil {
		return nil, err
	}
	Apply(q, d)
	return d, nil
}

// Apply sets the group and hints of the description on the query.
func Apply(q orm.Query, d *Description) {
	if d.partial {
		q.SetFetchGroup(d.FetchGroup())
	} else {
		q.SetLoadGroup(d.FetchGroup())
	}
	for _, p := range d.JoinPaths() {
		q.SetHint(orm.HintLeftJoinFetch, p)
	}
	for _, p := range d.BatchPaths() {
		q.SetHint(orm.HintBatch, p)
	}
	if d.hasBatches {
		q.SetHint(orm.HintBatchType, orm.BatchTypeIN)
	}
}

// field is a flattened plan property.
type field struct {
	owner  *metadata.Class
	parent *field
	prop   *metadata.Property
	path   string
	mode   fetchplan.FetchMode
}

func (f *field) key() string { return f.owner.Name() + "#" + f.path }

// isRef reports whether the field is a non-embedded association.
func (f *field) isRef() bool { return f.prop.IsReference() }

func (f *field) isMany() bool { return f.prop.Cardinality().IsMany() }

// under reports whether f is strictly below the other field.
func (f *field) under(other *field) bool {
	return strings.HasPrefix(f.path, other.path+".")
}

// chain returns the fields from the root down to f.
func (f *field) chain() []*field {
	var out []*field
	for c := f; c != nil; c = c.parent {
		out = append(out, c)
	}
	slices.Reverse(out)
	return out
}

// fieldSet is an insertion ordered set of fields.
type fieldSet struct {
	list  []*field
	index map[string]*field
}

func (s *fieldSet) add(f *field) (*field, bool) {
	if s.index == nil {
		s.index = make(map[string]*field)
	}
	if existing, ok := s.index[f.key()]; ok {
		return existing, false
	}
	s.index[f.key()] = f
	s.list = append(s.list, f)
	return f, true
}

// CalculateFetchGroup computes the attribute group and hints of the plan for
// the query. When useFetchGroup is true the group lists every attribute to
// load; otherwise it lists the references loaded on top of full entities.
func (m *Manager) CalculateFetchGroup(query string, plan *fetchplan.FetchPlan, singleResultExpected, useFetchGroup bool) (*Description, error) {
	parsed, err := jpql.Parse(query)
	if err != nil {
		return nil, fmt.Errorf("fetchgroup: parse query: %w", err)
	}
	var fields fieldSet
	if err := m.process(plan, nil, &fields, useFetchGroup, 0); err != nil {
		return nil, err
	}
	attrs := make(map[string]struct{})
	for _, f := range fields.list {
		attrs[f.path] = struct{}{}
	}
	d := &Description{
		alias:   parsed.EntityAlias(),
		partial: useFetchGroup,
		hints:   make(map[string]Hint),
	}
	var refs []*field
	for _, f := range fields.list {
		if f.isRef() {
			refs = append(refs, f)
		}
	}
	if len(refs) > 0 {
		joins, batches := m.assign(plan.Class(), refs, fields.list, attrs, useFetchGroup)
		joins, batches = dropNullChecked(parsed.NullCheckPaths(), joins, batches, attrs)
		batches = dropSingleResultBatches(singleResultExpected, refs, batches)
		batches = dropCycles(refs, batches, metadata.ManyToMany)
		batches = dropCycles(refs, batches, metadata.OneToMany)
		for _, f := range joins {
			d.hints[d.alias+"."+f.path] = Join
		}
		for _, f := range batches {
			if f.mode == fetchplan.Batch || !singleResultExpected || len(batches) > 1 {
				d.hints[d.alias+"."+f.path] = Batch
				d.hasBatches = true
			}
		}
	}
	d.attributes = slices.Sorted(maps.Keys(attrs))
	m.log.Debug("fetch group calculated",
		"entity", plan.Entity(),
		"plan", plan.Name(),
		"attributes", len(d.attributes),
		"hints", len(d.hints),
	)
	return d, nil
}

// process flattens the plan into fields.
func (m *Manager) process(plan *fetchplan.FetchPlan, parent *field, fields *fieldSet, useFetchGroup bool, depth int) error {
	class := plan.Class()
	if useFetchGroup {
		// Soft delete markers and the surrogate uuid are always loaded, the
		// entity manager relies on them.
		if class.IsSoftDelete() {
			for _, name := range metadata.SoftDeleteProperties() {
				if p := class.Property(name); p != nil {
					fields.add(newField(class, parent, p, fetchplan.Auto))
				}
			}
		}
		if metadata.HasUUIDProperty(class) && !metadata.HasUUIDPrimaryKey(class) {
			fields.add(newField(class, parent, class.Property(metadata.UUIDProperty), fetchplan.Auto))
		}
	}
	for _, pp := range plan.Properties() {
		p := class.Property(pp.Name())
		if p == nil {
			return vxdata.NewDevelopmentError("property not found", "entity", class.Name(), "property", pp.Name())
		}
		if pp.Plan() != nil && p.Target() == nil {
			return vxdata.NewDevelopmentError("nested fetch plan on a datatype property",
				"entity", class.Name(), "property", p.Name(), "plan", plan.Name())
		}
		if p.IsPersistent() && (p.Target() != nil || useFetchGroup) {
			f, added := fields.add(newField(class, parent, p, pp.Mode()))
			if added && pp.Plan() != nil {
				if err := m.process(pp.Plan(), f, fields, useFetchGroup, depth); err != nil {
					return err
				}
			}
		}
		for _, name := range metadata.RelatedProperties(p) {
			if plan.Contains(name) {
				continue
			}
			rp := class.Property(name)
			if rp == nil || !rp.IsPersistent() {
				continue
			}
			f, added := fields.add(newField(class, parent, rp, fetchplan.Auto))
			if added && rp.IsReference() && depth < maxRelatedDepth {
				if err := m.process(fetchplan.Minimal(rp.Target()), f, fields, useFetchGroup, depth+1); err != nil {
					return err
				}
			}
		}
	}
	return nil
}

func newField(owner *metadata.Class, parent *field, p *metadata.Property, mode fetchplan.FetchMode) *field {
	path := p.Name()
	if parent != nil {
		path = parent.path + "." + path
	}
	if mode == fetchplan.Auto && p.IsReference() && metadata.IsCacheable(p.Target()) {
		mode = fetchplan.Undefined
	}
	return &field{owner: owner, parent: parent, prop: p, path: path, mode: mode}
}

// assign splits the reference fields into JOIN and BATCH sets.
func (m *Manager) assign(root *metadata.Class, refs, all []*field, attrs map[string]struct{}, useFetchGroup bool) (joins, batches []*field) {
	for _, f := range refs {
		if f.mode == fetchplan.Undefined {
			if f.isMany() {
				addMasterAttributes(f, attrs, useFetchGroup)
			}
			continue
		}
		if isSelfReference(root, f) {
			batches = append(batches, f)
			continue
		}
		if f.isMany() {
			addMasterAttributes(f, attrs, useFetchGroup)
			if f.mode == fetchplan.Join {
				joins = append(joins, f)
			} else {
				batches = append(batches, f)
			}
			continue
		}
		if f.mode == fetchplan.Batch {
			batches = append(batches, f)
		} else {
			joins = append(joins, f)
		}
	}
	// An AUTO join below a cached target is left to the ORM, one below a
	// batch field is loaded by that batch.
	for _, f := range slices.Clone(joins) {
		if f.mode != fetchplan.Auto {
			continue
		}
		if a := nearestExplicitAncestor(f, refs); a != nil && a.mode == fetchplan.Undefined {
			joins = remove(joins, f)
			continue
		}
		for _, b := range batches {
			if f.under(b) {
				joins = remove(joins, f)
				batches = append(batches, f)
				break
			}
		}
	}
	// A batch below a cached target cannot be keyed by parent ids.
	for _, f := range slices.Clone(batches) {
		for _, r := range refs {
			if r.mode == fetchplan.Undefined && f.under(r) {
				batches = remove(batches, f)
				break
			}
		}
	}
	return joins, batches
}

// isSelfReference reports whether an association on the path of f targets a
// type related to the root type.
func isSelfReference(root *metadata.Class, f *field) bool {
	for _, c := range f.chain() {
		if t := c.prop.Target(); t != nil && c.prop.IsReference() && t.Related(root) {
			return true
		}
	}
	return false
}

func nearestExplicitAncestor(f *field, refs []*field) *field {
	var best *field
	for _, r := range refs {
		if r.mode == fetchplan.Auto || !f.under(r) {
			continue
		}
		if best == nil || len(r.path) > len(best.path) {
			best = r
		}
	}
	return best
}

// addMasterAttributes adds the back reference of a collection so that loaded
// elements can be attached to their owners.
func addMasterAttributes(f *field, attrs map[string]struct{}, useFetchGroup bool) {
	if !useFetchGroup {
		return
	}
	inv := f.prop.InverseProperty()
	if inv == nil || inv.Cardinality().IsMany() {
		return
	}
	attrs[f.path+"."+inv.Name()] = struct{}{}
}

// dropNullChecked removes AUTO fields tested with "is null" in the query,
// with their descendants, from the join and batch sets. Those paths are left
// lazy. An outer join fetch would otherwise turn the null test into a test on
// the joined row.
func dropNullChecked(nullPaths []string, joins, batches []*field, attrs map[string]struct{}) ([]*field, []*field) {
	if len(nullPaths) == 0 {
		return joins, batches
	}
	var checked []*field
	for _, f := range slices.Concat(joins, batches) {
		if f.mode != fetchplan.Auto {
			continue
		}
		for _, np := range nullPaths {
			if np == f.path || strings.HasPrefix(np, f.path+".") {
				checked = append(checked, f)
				break
			}
		}
	}
	if len(checked) == 0 {
		return joins, batches
	}
	affected := func(f *field) bool {
		for _, c := range checked {
			if f == c || f.under(c) {
				return true
			}
		}
		return false
	}
	joins = slices.DeleteFunc(joins, affected)
	batches = slices.DeleteFunc(batches, affected)
	for a := range attrs {
		for _, c := range checked {
			if strings.HasPrefix(a, c.path+".") {
				delete(attrs, a)
			}
		}
	}
	return joins, batches
}

// dropSingleResultBatches leaves leaf collections of a single row load to
// lazy loading when there is at most one collection in the plan.
func dropSingleResultBatches(single bool, refs, batches []*field) []*field {
	if !single {
		return batches
	}
	toMany := 0
	for _, f := range refs {
		if f.isMany() {
			toMany++
		}
	}
	if toMany > 1 {
		return batches
	}
	return slices.DeleteFunc(batches, func(b *field) bool {
		if !b.isMany() || b.mode == fetchplan.Batch {
			return false
		}
		for _, r := range refs {
			if r != b && r.under(b) {
				return false
			}
		}
		return true
	})
}

// dropCycles removes from the batch set the fields of E.b.a.b shaped cycles
// starting at a collection of the given cardinality. Both levels would run
// the same batch query at once and mix up the results.
func dropCycles(refs, batches []*field, card metadata.Cardinality) []*field {
	for _, r := range refs {
		if r.mode != fetchplan.Auto || r.prop.Cardinality() != card {
			continue
		}
		for _, self := range refs {
			if !isTransitiveSelfReference(r, self) {
				continue
			}
			for _, second := range refs {
				if isTransitiveSelfReference(self, second) {
					batches = remove(batches, second)
					batches = remove(batches, self)
					batches = remove(batches, r)
				}
			}
		}
	}
	return batches
}

// isTransitiveSelfReference reports whether cur is below root and leads back
// to the type that owns root.
func isTransitiveSelfReference(root, cur *field) bool {
	t := cur.prop.Target()
	return cur.under(root) && t != nil && t.Related(root.owner)
}

func remove(fields []*field, f *field) []*field {
	return slices.DeleteFunc(fields, func(x *field) bool { return x == f })
}
