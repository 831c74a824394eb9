package ormmem

import (
	"context"
	"fmt"
	"reflect"
	"slices"
	"time"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// CascadePersistMessage is the error text reported when a flushed instance
// references a new instance that was not persisted.
const CascadePersistMessage = "During synchronization a new object was found through a relationship that was not marked cascade PERSIST"

// EntityManager is the persistence context of a transaction.
type EntityManager struct {
	db           *DB
	overlay      *overlay
	managed      map[string]map[any]*entity.Entity
	order        []*entity.Entity
	inserts      map[*entity.Entity]bool
	persisted    map[*entity.Entity]bool
	removed      map[*entity.Entity]bool
	written      map[*entity.Entity]*row
	softDeletion bool
}

var _ orm.EntityManager = (*EntityManager)(nil)

func newEntityManager(db *DB) *EntityManager {
	return &EntityManager{
		db:           db,
		overlay:      newOverlay(),
		managed:      make(map[string]map[any]*entity.Entity),
		inserts:      make(map[*entity.Entity]bool),
		persisted:    make(map[*entity.Entity]bool),
		removed:      make(map[*entity.Entity]bool),
		written:      make(map[*entity.Entity]*row),
		softDeletion: true,
	}
}

func (em *EntityManager) view() view { return view{db: em.db, o: em.overlay} }

// SetSoftDeletion implements orm.EntityManager.
func (em *EntityManager) SetSoftDeletion(v bool) { em.softDeletion = v }

// SoftDeletion implements orm.EntityManager.
func (em *EntityManager) SoftDeletion() bool { return em.softDeletion }

func rootName(c *metadata.Class) string { return rootOf(c).Name() }

func (em *EntityManager) managedFor(class *metadata.Class, key any) *entity.Entity {
	return em.managed[rootName(class)][key]
}

// IsManaged implements orm.EntityManager.
func (em *EntityManager) IsManaged(e *entity.Entity) bool {
	if e == nil || e.Class().IsEmbeddable() {
		return false
	}
	return em.managedFor(e.Class(), e.Key()) == e
}

func (em *EntityManager) register(e *entity.Entity) {
	root := rootName(e.Class())
	m := em.managed[root]
	if m == nil {
		m = make(map[any]*entity.Entity)
		em.managed[root] = m
	}
	m[e.Key()] = e
	em.order = append(em.order, e)
	e.SetState(entity.StateManaged)
}

func (em *EntityManager) unregister(e *entity.Entity) {
	if m := em.managed[rootName(e.Class())]; m != nil && m[e.Key()] == e {
		delete(m, e.Key())
	}
	em.order = slices.DeleteFunc(em.order, func(x *entity.Entity) bool { return x == e })
	delete(em.inserts, e)
	delete(em.persisted, e)
	delete(em.removed, e)
	delete(em.written, e)
}

// Persist implements orm.EntityManager.
func (em *EntityManager) Persist(_ context.Context, e *entity.Entity) error {
	if e.ID() == nil {
		return fmt.Errorf("ormmem: cannot persist %s without id", e.Class().Name())
	}
	if em.IsManaged(e) {
		return nil
	}
	if em.managedFor(e.Class(), e.Key()) != nil || em.view().get(rootName(e.Class()), e.Key()) != nil {
		return fmt.Errorf("ormmem: duplicate key %s", e)
	}
	if p := e.Class().Property("createTs"); p != nil && !e.Has("createTs") {
		e.Set("createTs", time.Now())
	}
	e.MarkFullyLoaded()
	em.register(e)
	em.inserts[e] = true
	em.persisted[e] = true
	return nil
}

// Merge implements orm.EntityManager.
func (em *EntityManager) Merge(ctx context.Context, e *entity.Entity) (*entity.Entity, error) {
	if em.IsManaged(e) {
		return e, nil
	}
	m := em.managedFor(e.Class(), e.Key())
	if m == nil {
		r := em.view().get(rootName(e.Class()), e.Key())
		if r == nil {
			m = entity.Empty(e.Class())
			m.SetID(cloneValue(e.ID()))
			m.MarkFullyLoaded()
			em.register(m)
			em.inserts[m] = true
			em.copyState(e, m)
			return m, nil
		}
		m = em.materialize(r, false, nil)
	}
	if vp := e.Class().Property(metadata.VersionProperty); vp != nil && e.IsLoaded(vp.Name()) {
		if ev, mv := e.Get(vp.Name()), m.Get(vp.Name()); ev != nil && mv != nil && !equal(ev, mv) {
			return nil, fmt.Errorf("ormmem: optimistic lock failed for %s: version %v, stored %v", e, ev, mv)
		}
	}
	em.copyState(e, m)
	return m, nil
}

func (em *EntityManager) copyState(src, dst *entity.Entity) {
	pk := src.Class().PrimaryKey()
	for _, p := range src.Class().Properties() {
		name := p.Name()
		if name == pk || !p.IsPersistent() || !src.IsLoaded(name) {
			continue
		}
		v := src.Get(name)
		switch {
		case p.IsCollection():
			refs := src.Refs(name)
			out := make([]*entity.Entity, 0, len(refs))
			for _, r := range refs {
				out = append(out, em.resolveRef(r))
			}
			dst.Set(name, out)
		case p.IsReference():
			dst.Set(name, em.resolveRef(src.Ref(name)))
		case p.IsEmbedded():
			if emb, ok := v.(*entity.Entity); ok {
				dst.Set(name, emb.Copy())
			} else {
				dst.Set(name, nil)
			}
		default:
			dst.Set(name, cloneValue(v))
		}
		dst.MarkLoaded(name)
	}
}

// resolveRef returns the managed instance of a referenced row, loading it if
// needed. Unknown new instances are returned as is and fail on flush.
func (em *EntityManager) resolveRef(r *entity.Entity) *entity.Entity {
	if r == nil || em.IsManaged(r) {
		return r
	}
	if m := em.managedFor(r.Class(), r.Key()); m != nil {
		return m
	}
	if row := em.view().get(rootName(r.Class()), r.Key()); row != nil {
		return em.materialize(row, false, nil)
	}
	return r
}

// Remove implements orm.EntityManager.
func (em *EntityManager) Remove(_ context.Context, e *entity.Entity) error {
	if !em.IsManaged(e) {
		return fmt.Errorf("ormmem: cannot remove unmanaged instance %s", e)
	}
	if em.softDeletion && e.Class().IsSoftDelete() {
		if !e.IsDeleted() {
			e.Set(metadata.DeleteTsProperty, time.Now())
			e.MarkLoaded(metadata.DeleteTsProperty)
		}
		return nil
	}
	if em.inserts[e] {
		em.unregister(e)
		e.SetState(entity.StateRemoved)
		return nil
	}
	em.removed[e] = true
	e.SetState(entity.StateRemoved)
	return nil
}

// Detach implements orm.EntityManager.
func (em *EntityManager) Detach(e *entity.Entity) {
	if !em.IsManaged(e) {
		return
	}
	em.unregister(e)
	e.SetState(entity.StateDetached)
}

// close detaches every managed instance. Instances persisted by a
// transaction that did not commit are new again.
func (em *EntityManager) close(committed bool) {
	for _, e := range em.order {
		switch {
		case !committed && em.persisted[e]:
			e.SetState(entity.StateNew)
		case e.State() == entity.StateManaged:
			e.SetState(entity.StateDetached)
		}
	}
	em.managed = make(map[string]map[any]*entity.Entity)
	em.order = nil
	clear(em.inserts)
	clear(em.persisted)
	clear(em.removed)
	clear(em.written)
}

// Flush implements orm.EntityManager.
func (em *EntityManager) Flush(context.Context) error {
	if err := em.checkCascade(); err != nil {
		return err
	}
	for _, e := range slices.Clone(em.order) {
		root := rootName(e.Class())
		if em.removed[e] {
			em.overlay.del(root, e.Key())
			em.unregister(e)
			continue
		}
		if em.inserts[e] {
			em.generate(e)
			img := em.image(e)
			em.overlay.put(root, img)
			delete(em.inserts, e)
			em.written[e] = img.clone()
			continue
		}
		img := em.image(e)
		prev := em.written[e]
		if prev != nil && reflect.DeepEqual(prev.values, img.values) {
			continue
		}
		if vp := e.Class().Property(metadata.VersionProperty); vp != nil {
			v := toInt64(e.Get(vp.Name())) + 1
			e.Set(vp.Name(), v)
			img.values[vp.Name()] = v
		}
		if e.Class().Property("updateTs") != nil {
			now := time.Now()
			e.Set("updateTs", now)
			img.values["updateTs"] = now
		}
		em.overlay.put(root, img)
		em.written[e] = img.clone()
	}
	return nil
}

func (em *EntityManager) checkCascade() error {
	for _, e := range em.order {
		if em.removed[e] {
			continue
		}
		for _, p := range entityRefs(e) {
			for _, r := range e.Refs(p.Name()) {
				if r != nil && r.IsNew() && !em.IsManaged(r) {
					return fmt.Errorf("ormmem: %s: %s.", CascadePersistMessage, r)
				}
			}
			if r := e.Ref(p.Name()); r != nil && r.IsNew() && !em.IsManaged(r) {
				return fmt.Errorf("ormmem: %s: %s.", CascadePersistMessage, r)
			}
		}
	}
	return nil
}

func entityRefs(e *entity.Entity) []*metadata.Property {
	var out []*metadata.Property
	for _, p := range e.Class().Properties() {
		if p.IsReference() && p.IsPersistent() && e.IsLoaded(p.Name()) {
			out = append(out, p)
		}
	}
	return out
}

func (em *EntityManager) generate(e *entity.Entity) {
	for _, p := range e.Class().Properties() {
		if !p.IsDBGenerated() || e.Has(p.Name()) {
			continue
		}
		if p.Type() == metadata.TypeTime {
			e.Set(p.Name(), time.Now())
		} else {
			e.Set(p.Name(), em.db.nextGenerated())
		}
	}
}

// image returns the stored row of the instance: the current row overlaid
// with the loaded attributes.
func (em *EntityManager) image(e *entity.Entity) *row {
	var img *row
	if r := em.view().get(rootName(e.Class()), e.Key()); r != nil {
		img = r.clone()
		img.class = e.Class()
	} else {
		img = &row{class: e.Class(), key: e.Key(), values: make(map[string]any)}
	}
	for _, p := range e.Class().Properties() {
		name := p.Name()
		if !p.IsPersistent() || !e.IsLoaded(name) {
			continue
		}
		if p.Cardinality() == metadata.OneToMany && p.Inverse() != "" {
			continue
		}
		v := e.Get(name)
		if v == nil {
			delete(img.values, name)
			continue
		}
		switch {
		case p.IsCollection():
			refs := e.Refs(name)
			ids := make([]any, 0, len(refs))
			for _, r := range refs {
				if r != nil {
					ids = append(ids, cloneValue(r.ID()))
				}
			}
			img.values[name] = ids
		case p.IsReference():
			r := e.Ref(name)
			if r == nil {
				delete(img.values, name)
				continue
			}
			img.values[name] = cloneValue(r.ID())
		default:
			img.values[name] = cloneValue(v)
		}
	}
	return img
}

// Changes implements orm.EntityManager.
func (em *EntityManager) Changes(e *entity.Entity) map[string]any {
	img := em.image(e)
	prev := em.written[e]
	if prev == nil || em.inserts[e] {
		prev = &row{values: map[string]any{}}
	}
	out := make(map[string]any)
	for k, v := range img.values {
		if old, ok := prev.values[k]; !ok || !reflect.DeepEqual(old, v) {
			out[k] = prev.values[k]
		}
	}
	for k, old := range prev.values {
		if _, ok := img.values[k]; !ok {
			out[k] = old
		}
	}
	return out
}

// Find implements orm.EntityManager.
func (em *EntityManager) Find(_ context.Context, class *metadata.Class, id any) (*entity.Entity, error) {
	key := entity.IDKey(id)
	if m := em.managedFor(class, key); m != nil && class.IsAssignableFrom(m.Class()) {
		return m, nil
	}
	r := em.view().get(rootName(class), key)
	if r == nil || !class.IsAssignableFrom(r.class) || em.hidden(r) {
		return nil, nil
	}
	return em.materialize(r, false, nil), nil
}

// Reload implements orm.EntityManager.
func (em *EntityManager) Reload(_ context.Context, e *entity.Entity, g *orm.FetchGroup) error {
	r := em.view().get(rootName(e.Class()), e.Key())
	if r == nil {
		return fmt.Errorf("ormmem: %s not found", e)
	}
	names := localNames(r.class)
	if g != nil {
		names = append(names, g.Local()...)
	}
	for _, name := range names {
		p := r.class.Property(name)
		if p == nil || !p.IsPersistent() {
			continue
		}
		em.setFromRow(e, r, p, false, g.Nested(name))
		e.MarkLoaded(name)
	}
	em.written[e] = em.image(e)
	return nil
}

// CreateQuery implements orm.EntityManager.
func (em *EntityManager) CreateQuery(text string) orm.Query {
	return &Query{em: em, text: text, params: make(map[string]any), hints: make(map[string][]any)}
}

func (em *EntityManager) hidden(r *row) bool {
	return em.softDeletion && r.class.IsSoftDelete() && r.values[metadata.DeleteTsProperty] != nil
}

func localNames(c *metadata.Class) []string {
	var out []string
	for _, p := range c.Properties() {
		if p.IsPersistent() && !p.IsReference() {
			out = append(out, p.Name())
		}
	}
	return out
}

// materialize returns the managed instance of a row, loading the attributes
// of the group. Partial loads only the primary key, version and group
// attributes; otherwise all local attributes are loaded and the group names
// the references to load.
func (em *EntityManager) materialize(r *row, partial bool, g *orm.FetchGroup) *entity.Entity {
	e := em.managed[rootName(r.class)][r.key]
	fresh := e == nil
	if fresh {
		e = entity.Empty(r.class)
		e.SetID(cloneValue(r.values[r.class.PrimaryKey()]))
		em.register(e)
	}
	var names []string
	if partial {
		names = append(names, r.class.PrimaryKey())
		if r.class.Property(metadata.VersionProperty) != nil {
			names = append(names, metadata.VersionProperty)
		}
	} else {
		names = localNames(r.class)
	}
	for _, n := range g.Local() {
		if !slices.Contains(names, n) {
			names = append(names, n)
		}
	}
	for _, name := range names {
		p := r.class.Property(name)
		if p == nil || !p.IsPersistent() {
			continue
		}
		nested := g.Nested(name)
		if !fresh && e.IsLoaded(name) {
			if nested != nil {
				em.extend(e, p, partial, nested)
			}
			continue
		}
		em.setFromRow(e, r, p, partial, nested)
		e.MarkLoaded(name)
	}
	if fresh {
		em.written[e] = em.image(e)
	}
	return e
}

// extend loads nested group attributes into references that are already loaded.
func (em *EntityManager) extend(e *entity.Entity, p *metadata.Property, partial bool, g *orm.FetchGroup) {
	var refs []*entity.Entity
	switch {
	case p.IsCollection():
		refs = e.Refs(p.Name())
	case p.IsReference():
		if r := e.Ref(p.Name()); r != nil {
			refs = []*entity.Entity{r}
		}
	default:
		return
	}
	for _, r := range refs {
		if stored := em.view().get(rootName(r.Class()), r.Key()); stored != nil && em.IsManaged(r) {
			em.materialize(stored, partial, g)
		}
	}
}

func (em *EntityManager) setFromRow(e *entity.Entity, r *row, p *metadata.Property, partial bool, nested *orm.FetchGroup) {
	name := p.Name()
	switch {
	case p.IsCollection():
		rows := em.collectionRows(r, p)
		refs := make([]*entity.Entity, 0, len(rows))
		for _, cr := range rows {
			el := em.materialize(cr, partial && nested != nil, nested)
			em.attachOwner(el, cr, p.InverseProperty(), e, r)
			refs = append(refs, el)
		}
		e.Set(name, refs)
	case p.IsReference():
		tr := em.refRow(r, p)
		if tr == nil {
			e.Set(name, nil)
			return
		}
		e.Set(name, em.materialize(tr, partial && nested != nil, nested))
	default:
		e.Set(name, cloneValue(r.values[name]))
	}
}

// attachOwner sets the to-one inverse of a collection element to the owner
// when the stored row refers to it and the element has not loaded it yet.
func (em *EntityManager) attachOwner(el *entity.Entity, elRow *row, inv *metadata.Property, owner *entity.Entity, ownerRow *row) {
	if inv == nil || inv.Cardinality().IsMany() || el.IsLoaded(inv.Name()) {
		return
	}
	id, ok := elRow.values[inv.Name()]
	if !ok || entity.IDKey(id) != ownerRow.key {
		return
	}
	el.Set(inv.Name(), owner)
	el.MarkLoaded(inv.Name())
	if w := em.written[el]; w != nil {
		w.values[inv.Name()] = cloneValue(id)
	}
}

func (em *EntityManager) refRow(r *row, p *metadata.Property) *row {
	id, ok := r.values[p.Name()]
	if !ok || id == nil {
		return nil
	}
	tr := em.view().get(rootName(p.Target()), entity.IDKey(id))
	if tr == nil || !p.Target().IsAssignableFrom(tr.class) {
		return nil
	}
	return tr
}

// collectionRows returns the rows of a to-many association: owned id lists
// plus rows referring back through the inverse property.
func (em *EntityManager) collectionRows(r *row, p *metadata.Property) []*row {
	var (
		out    []*row
		seen   = make(map[any]struct{})
		target = p.Target()
		root   = rootName(target)
	)
	add := func(tr *row) {
		if tr == nil || !target.IsAssignableFrom(tr.class) || em.hidden(tr) {
			return
		}
		if _, ok := seen[tr.key]; ok {
			return
		}
		seen[tr.key] = struct{}{}
		out = append(out, tr)
	}
	if ids, ok := r.values[p.Name()].([]any); ok {
		for _, id := range ids {
			add(em.view().get(root, entity.IDKey(id)))
		}
	}
	inv := p.InverseProperty()
	if inv == nil {
		return out
	}
	for _, tr := range em.view().scan(root) {
		switch v := tr.values[inv.Name()].(type) {
		case nil:
		case []any:
			if slices.ContainsFunc(v, func(id any) bool { return entity.IDKey(id) == r.key }) {
				add(tr)
			}
		default:
			if entity.IDKey(v) == r.key {
				add(tr)
			}
		}
	}
	return out
}
