package importexport

import (
	"bytes"
	"context"
	"fmt"
	"log/slog"
	"reflect"
	"time"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/metadata"
)

// DataStore is the store an Importer reads from and commits to.
type DataStore interface {
	Registry() *metadata.Registry
	Load(ctx context.Context, lc *data.LoadContext) (*entity.Entity, error)
	Commit(ctx context.Context, cc *data.CommitContext) ([]*entity.Entity, error)
}

// Importer writes imported entity graphs to a data store.
type Importer struct {
	ds   DataStore
	log  *slog.Logger
	auth bool
}

// ImporterOption configures an Importer.
type ImporterOption func(*Importer)

// WithImportLogger sets the logger of the importer.
func WithImportLogger(l *slog.Logger) ImporterOption {
	return func(im *Importer) { im.log = l }
}

// WithAuthorization makes the importer load and commit with security checks.
func WithAuthorization(auth bool) ImporterOption {
	return func(im *Importer) { im.auth = auth }
}

// NewImporter returns an importer writing to the store.
func NewImporter(ds DataStore, opts ...ImporterOption) *Importer {
	im := &Importer{ds: ds, log: slog.Default()}
	for _, opt := range opts {
		opt(im)
	}
	return im
}

// ImportJSON imports a JSON array made by Exporter.ExportJSON.
func (im *Importer) ImportJSON(ctx context.Context, b []byte, view *ImportView) ([]*entity.Entity, error) {
	dec := &decoder{reg: im.ds.Registry()}
	sources, err := dec.entities(b)
	if err != nil {
		return nil, err
	}
	return im.Import(ctx, sources, view)
}

// ImportZIP imports an archive made by Exporter.ExportZIP.
func (im *Importer) ImportZIP(ctx context.Context, b []byte, view *ImportView) ([]*entity.Entity, error) {
	payload, err := readArchive(b)
	if err != nil {
		return nil, err
	}
	return im.ImportJSON(ctx, payload, view)
}

// Import copies the source graphs onto the stored graphs along the view and
// commits the changed instances in one commit. It returns the committed
// instances; importing a graph equal to the stored one commits nothing.
//
// Sources are imported in two passes. The first copies values and imports
// the instances of nested views, loading or creating each counterpart.
// References imported by id are only recorded, since they may point to an
// instance imported later in the batch. The second pass resolves them
// against the batch first and the store second.
func (im *Importer) Import(ctx context.Context, sources []*entity.Entity, view *ImportView) ([]*entity.Entity, error) {
	run := &importRun{
		im:        im,
		ctx:       ctx,
		touched:   make(map[rowKey]*entity.Entity),
		found:     make(map[rowKey]*entity.Entity),
		preloaded: make(map[rowKey]*entity.Entity),
		changed:   make(map[*entity.Entity]struct{}),
	}
	for _, src := range sources {
		if !view.Class().IsAssignableFrom(src.Class()) {
			return nil, fmt.Errorf("importexport: cannot import %s with a view of %s", src.Class().Name(), view.Class().Name())
		}
		if _, err := run.importEntity(src, view); err != nil {
			return nil, err
		}
	}
	if err := run.resolveReferences(); err != nil {
		return nil, err
	}
	b := data.NewCommit().Authorization(im.auth)
	for _, e := range run.order {
		if _, ok := run.changed[e]; ok {
			b.Commit(e, nil)
		}
	}
	b.Remove(run.removed...)
	cc := b.Build()
	im.log.Debug("importexport: imported", "sources", len(sources), "touched", len(run.order),
		"changed", len(run.changed), "removed", len(run.removed))
	if cc.IsEmpty() {
		return nil, nil
	}
	return im.ds.Commit(ctx, cc)
}

// referenceInfo is a reference recorded in the first pass and resolved in
// the second.
type referenceInfo struct {
	owner *entity.Entity
	prop  ViewProperty
	refs  []*entity.Entity
}

type rowKey struct {
	root string
	key  any
}

func keyOf(e *entity.Entity) rowKey {
	root := e.Class()
	for root.Ancestor() != nil {
		root = root.Ancestor()
	}
	return rowKey{root: root.Name(), key: entity.IDKey(e.ID())}
}

func sameRow(a, b *entity.Entity) bool {
	if a == nil || b == nil {
		return a == b
	}
	return keyOf(a) == keyOf(b)
}

func sameRows(a, b []*entity.Entity) bool {
	if len(a) != len(b) {
		return false
	}
	keys := make(map[rowKey]int, len(a))
	for _, e := range a {
		keys[keyOf(e)]++
	}
	for _, e := range b {
		k := keyOf(e)
		if keys[k] == 0 {
			return false
		}
		keys[k]--
	}
	return true
}

// importRun is the state of one import.
type importRun struct {
	im  *Importer
	ctx context.Context
	// touched maps the rows of the batch to their stored counterparts.
	touched map[rowKey]*entity.Entity
	// found caches instances looked up in the store for references.
	found map[rowKey]*entity.Entity
	// preloaded holds instances loaded with the graph of their owner.
	preloaded map[rowKey]*entity.Entity
	order     []*entity.Entity
	changed   map[*entity.Entity]struct{}
	removed   []*entity.Entity
	refs      []referenceInfo
}

func (run *importRun) markChanged(e *entity.Entity) {
	run.changed[e] = struct{}{}
}

func (run *importRun) load(class *metadata.Class, id any, plan *fetchplan.FetchPlan) (*entity.Entity, error) {
	lc := data.NewLoadContext(class.Name()).
		WithID(id).
		WithFetchPlan(plan).
		WithSoftDeletion(false).
		WithAuthorization(run.im.auth)
	e, err := run.im.ds.Load(run.ctx, lc)
	if err != nil {
		return nil, fmt.Errorf("importexport: loading %s %v: %w", class.Name(), id, err)
	}
	return e, nil
}

// importEntity returns the stored counterpart of the source with the values
// of the view copied onto it.
func (run *importRun) importEntity(src *entity.Entity, view *ImportView) (*entity.Entity, error) {
	if src.ID() == nil {
		return nil, fmt.Errorf("importexport: %s without id", src.Class().Name())
	}
	key := keyOf(src)
	if dst, ok := run.touched[key]; ok {
		return dst, nil
	}
	dst, ok := run.preloaded[key]
	if !ok {
		var err error
		if dst, err = run.load(src.Class(), src.ID(), BuildFetchPlan(view)); err != nil {
			return nil, err
		}
	}
	if dst == nil {
		dst = entity.NewWithID(src.Class(), src.ID())
		run.markChanged(dst)
	}
	run.touched[key] = dst
	run.order = append(run.order, dst)

	for _, vp := range view.Properties() {
		name := vp.Name()
		if !src.IsLoaded(name) {
			continue
		}
		p := vp.prop
		switch {
		case p.IsEmbedded():
			run.importEmbedded(dst, src, vp)
		case p.IsCollection() && vp.view != nil:
			if err := run.importComposition(dst, src, vp); err != nil {
				return nil, err
			}
		case p.IsCollection():
			run.refs = append(run.refs, referenceInfo{owner: dst, prop: vp, refs: src.Refs(name)})
		case p.IsReference():
			r := src.Ref(name)
			switch {
			case r == nil:
				if dst.Ref(name) != nil {
					dst.Set(name, nil)
					run.markChanged(dst)
				}
			case vp.view != nil:
				run.preload(dst.Ref(name))
				nested, err := run.importEntity(r, vp.view)
				if err != nil {
					return nil, err
				}
				run.setRef(dst, name, nested)
			default:
				run.refs = append(run.refs, referenceInfo{owner: dst, prop: vp, refs: []*entity.Entity{r}})
			}
		default:
			if skipValue(p, dst) {
				continue
			}
			if !sameValue(dst.Get(name), src.Get(name)) {
				dst.Set(name, src.Get(name))
				run.markChanged(dst)
			}
		}
	}
	return dst, nil
}

// skipValue reports whether an imported value is left to the store: keys,
// versions and generated values, and read-only values of stored instances.
func skipValue(p *metadata.Property, dst *entity.Entity) bool {
	switch {
	case p.Name() == p.Owner().PrimaryKey(), p.Name() == metadata.VersionProperty, p.IsDBGenerated():
		return true
	}
	return p.IsReadOnly() && !dst.IsNew()
}

func (run *importRun) preload(entities ...*entity.Entity) {
	for _, e := range entities {
		if e != nil && e.ID() != nil {
			run.preloaded[keyOf(e)] = e
		}
	}
}

func (run *importRun) setRef(owner *entity.Entity, name string, r *entity.Entity) {
	if !sameRow(owner.Ref(name), r) {
		run.markChanged(owner)
	}
	owner.Set(name, r)
}

func (run *importRun) importEmbedded(dst, src *entity.Entity, vp ViewProperty) {
	name := vp.Name()
	se, cur := src.Ref(name), dst.Ref(name)
	if se == nil {
		if cur != nil {
			dst.Set(name, nil)
			run.markChanged(dst)
		}
		return
	}
	next := entity.New(vp.prop.Target())
	if cur != nil {
		next = cur.Copy()
	}
	changed := cur == nil
	for _, ep := range vp.view.Properties() {
		n := ep.Name()
		if !se.IsLoaded(n) || ep.prop.IsReference() || ep.prop.IsEmbedded() {
			continue
		}
		if !sameValue(next.Get(n), se.Get(n)) {
			next.Set(n, se.Get(n))
			changed = true
		}
	}
	if changed {
		dst.Set(name, next)
		run.markChanged(dst)
	}
}

// isFiltered reports whether the element was hidden from the viewer when
// the owner was loaded.
func isFiltered(owner *entity.Entity, name string, e *entity.Entity) bool {
	ss := owner.SecurityState()
	return ss != nil && ss.IsFiltered(name, e.ID())
}

// importComposition imports the elements of a collection with their view and
// reconciles the stored elements absent from the source.
func (run *importRun) importComposition(dst, src *entity.Entity, vp ViewProperty) error {
	name := vp.Name()
	inverse := vp.prop.Inverse()
	cur := dst.Refs(name)
	run.preload(cur...)
	var next []*entity.Entity
	imported := make(map[rowKey]struct{})
	for _, r := range src.Refs(name) {
		if isFiltered(dst, name, r) {
			continue
		}
		nested, err := run.importEntity(r, vp.view)
		if err != nil {
			return err
		}
		if inverse != "" {
			run.setRef(nested, inverse, dst)
		}
		next = append(next, nested)
		imported[keyOf(nested)] = struct{}{}
	}
	for _, c := range cur {
		if _, ok := imported[keyOf(c)]; ok {
			continue
		}
		switch {
		case vp.collection == KeepAbsent:
			next = append(next, c)
		case vp.prop.IsComposition():
			run.removed = append(run.removed, c)
		case inverse != "":
			c.Set(inverse, nil)
			run.markChanged(c)
			run.order = append(run.order, c)
		}
	}
	if !sameRows(cur, next) {
		run.markChanged(dst)
	}
	dst.Set(name, next)
	return nil
}

// lookup returns the instance a recorded reference points to: the imported
// counterpart if the batch holds the row, the stored instance otherwise, or
// nil.
func (run *importRun) lookup(r *entity.Entity) (*entity.Entity, error) {
	key := keyOf(r)
	if e, ok := run.touched[key]; ok {
		return e, nil
	}
	if e, ok := run.found[key]; ok {
		return e, nil
	}
	e, err := run.load(r.Class(), r.ID(), fetchplan.Minimal(r.Class()))
	if err != nil {
		return nil, err
	}
	run.found[key] = e
	return e, nil
}

func (run *importRun) resolveReferences() error {
	for _, ri := range run.refs {
		name := ri.prop.Name()
		resolved := make([]*entity.Entity, 0, len(ri.refs))
		for _, r := range ri.refs {
			if isFiltered(ri.owner, name, r) {
				continue
			}
			t, err := run.lookup(r)
			if err != nil {
				return err
			}
			if t == nil {
				if ri.prop.ReferencePolicy() == ErrorOnMissing {
					return fmt.Errorf("importexport: %s of %s: %w", name, ri.owner,
						vxdata.NewEntityNotFoundError(r.Class().Name(), r.ID()))
				}
				run.im.log.Debug("importexport: ignoring missing reference", "property", ri.prop.prop.String(), "id", r.ID())
				continue
			}
			resolved = append(resolved, t)
		}
		if !ri.prop.prop.IsCollection() {
			if len(resolved) > 0 {
				run.setRef(ri.owner, name, resolved[0])
			}
			continue
		}
		cur := ri.owner.Refs(name)
		if ri.prop.CollectionPolicy() == KeepAbsent {
			for _, c := range cur {
				if !containsRow(resolved, c) {
					resolved = append(resolved, c)
				}
			}
		}
		if !sameRows(cur, resolved) {
			run.markChanged(ri.owner)
		}
		ri.owner.Set(name, resolved)
	}
	return nil
}

func containsRow(list []*entity.Entity, e *entity.Entity) bool {
	for _, x := range list {
		if sameRow(x, e) {
			return true
		}
	}
	return false
}

// sameValue compares attribute values, widening integers and comparing
// times by instant.
func sameValue(a, b any) bool {
	switch av := a.(type) {
	case time.Time:
		bv, ok := b.(time.Time)
		return ok && av.Equal(bv)
	case []byte:
		bv, ok := b.([]byte)
		return ok && bytes.Equal(av, bv)
	}
	return reflect.DeepEqual(entity.IDKey(a), entity.IDKey(b))
}
