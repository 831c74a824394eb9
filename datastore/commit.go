package datastore

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
	"github.com/syssam/vxdata/security"
)

// defaultValidationGroup holds the mandatory property checks.
const defaultValidationGroup = "Default"

// Commit writes the commit context in one transaction and returns the
// committed instances, or nothing if the context discards them.
//
// New instances are persisted first, then existing ones are merged, then
// removed instances are merged and removed. Soft-deletable instances are
// marked deleted when soft deletion is on. Every instance in the result that
// references another committed row points to the returned instance of that
// row.
func (s *Store) Commit(ctx context.Context, cc *data.CommitContext) ([]*entity.Entity, error) {
	if cc.IsEmpty() {
		return nil, nil
	}
	auth := s.authorized(cc.AuthorizationRequired())
	if err := validate(cc, auth); err != nil {
		return nil, err
	}
	join := s.joinTx(cc.JoinTransaction())
	tx, err := s.txm.SaveTransaction(ctx, join)
	if err != nil {
		return nil, fmt.Errorf("datastore: starting save transaction: %w", err)
	}
	defer tx.End(ctx)
	ctx = orm.NewContext(ctx, tx)
	em := tx.EntityManager()
	em.SetSoftDeletion(cc.SoftDeletion())

	w := &commitWork{
		store:   s,
		em:      em,
		auth:    auth,
		checked: make(map[checkKey]struct{}),
		touched: make(map[string]*metadata.Class),
	}
	// Persisting makes instances managed, so split before either phase runs.
	created, updated := splitNew(cc.Committed())
	if err := w.persist(ctx, created); err != nil {
		return nil, err
	}
	if err := w.merge(ctx, updated); err != nil {
		return nil, err
	}
	if err := w.remove(ctx, cc.Removed(), cc.SoftDeletion()); err != nil {
		return nil, err
	}
	updateReferences(w.results())
	events := collectEvents(em, w.persisted, w.merged, w.removed)
	if err := em.Flush(ctx); err != nil {
		return nil, translate(err, "")
	}
	if err := w.reload(ctx, cc); err != nil {
		return nil, err
	}
	if err := w.after(ctx); err != nil {
		return nil, err
	}
	if s.publisher != nil && len(events) > 0 {
		if err := s.publisher.Publish(ctx, events); err != nil {
			return nil, fmt.Errorf("datastore: publishing entity changed events: %w", err)
		}
	}
	results := w.results()
	if join {
		seen := make(map[*entity.Entity]struct{})
		for _, e := range results {
			detachGraph(em, e, cc.FetchPlan(e), seen)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, fmt.Errorf("datastore: committing: %w", translate(err, ""))
	}
	s.evict(ctx, w.touched)
	s.log.Debug("datastore: committed", "persisted", len(w.persisted), "merged", len(w.merged), "removed", len(w.removed))
	if cc.DiscardCommitted() {
		return nil, nil
	}
	if auth {
		s.sec.CalculateFilteredData(ctx, results)
	}
	return results, nil
}

type checkKey struct {
	class string
	op    vxdata.EntityOp
}

// commitWork is the state of one commit.
type commitWork struct {
	store   *Store
	em      orm.EntityManager
	auth    bool
	checked map[checkKey]struct{}
	touched map[string]*metadata.Class

	persisted []*entity.Entity
	merged    []*entity.Entity
	removed   []*entity.Entity
}

// check returns an error if the operation is denied on the class, or on the
// instance by an in-memory constraint. Class checks run once per class.
func (w *commitWork) check(ctx context.Context, e *entity.Entity, op vxdata.EntityOp) error {
	if !w.auth {
		return nil
	}
	class := e.Class()
	key := checkKey{class: class.Name(), op: op}
	if _, ok := w.checked[key]; !ok {
		if !w.store.sec.IsEntityOpPermitted(ctx, class, op) {
			return vxdata.NewAccessDeniedError(class.Name(), op)
		}
		w.checked[key] = struct{}{}
	}
	if w.store.sec.Filter(ctx, e, op) {
		return vxdata.NewAccessDeniedError(class.Name(), op)
	}
	return nil
}

func (w *commitWork) touch(class *metadata.Class) {
	w.touched[class.Name()] = class
}

// splitNew separates new instances from existing ones.
func splitNew(entities []*entity.Entity) (created, updated []*entity.Entity) {
	for _, e := range entities {
		if e.IsNew() {
			created = append(created, e)
		} else {
			updated = append(updated, e)
		}
	}
	return created, updated
}

func (w *commitWork) persist(ctx context.Context, entities []*entity.Entity) error {
	for _, e := range entities {
		if err := w.check(ctx, e, vxdata.OpCreate); err != nil {
			return err
		}
		if e.ID() == nil {
			if err := w.store.assignID(ctx, e); err != nil {
				return err
			}
		}
		if err := w.store.fire(ctx, BeforeInsert, e); err != nil {
			return err
		}
		if err := w.em.Persist(ctx, e); err != nil {
			return translate(err, "")
		}
		w.touch(e.Class())
		w.persisted = append(w.persisted, e)
	}
	return nil
}

func (w *commitWork) merge(ctx context.Context, entities []*entity.Entity) error {
	for _, e := range entities {
		w.restore(ctx, e)
		m, err := w.em.Merge(ctx, e)
		if err != nil {
			return translate(err, "")
		}
		if err := w.check(ctx, m, vxdata.OpUpdate); err != nil {
			return err
		}
		if err := w.store.fire(ctx, BeforeUpdate, m); err != nil {
			return err
		}
		w.touch(m.Class())
		w.merged = append(w.merged, m)
	}
	return nil
}

func (w *commitWork) remove(ctx context.Context, entities []*entity.Entity, softDeletion bool) error {
	for _, e := range entities {
		w.restore(ctx, e)
		m, err := w.em.Merge(ctx, e)
		if err != nil {
			return translate(err, "")
		}
		if err := w.check(ctx, m, vxdata.OpDelete); err != nil {
			return err
		}
		if err := w.store.fire(ctx, BeforeDelete, m); err != nil {
			return err
		}
		if softDeletion && m.Class().IsSoftDelete() && !m.IsDeleted() && m.Class().Property(metadata.DeletedByProperty) != nil {
			if v := security.ViewerFromContext(ctx); v != nil {
				m.Set(metadata.DeletedByProperty, v.GetID())
				m.MarkLoaded(metadata.DeletedByProperty)
			}
		}
		if err := w.em.Remove(ctx, m); err != nil {
			return translate(err, "")
		}
		w.touch(m.Class())
		w.removed = append(w.removed, m)
	}
	return nil
}

// restore puts back the values hidden from the viewer when the instance
// was loaded, so that merging does not overwrite them.
func (w *commitWork) restore(ctx context.Context, e *entity.Entity) {
	if !w.auth || e.SecurityState() == nil {
		return
	}
	w.store.sec.RestoreSecurityState(e)
	w.store.sec.RestoreFilteredData(e, func(class *metadata.Class, id any) *entity.Entity {
		r, err := w.em.Find(ctx, class, id)
		if err != nil {
			return nil
		}
		return r
	})
}

// reload refreshes persisted instances after the flush, for values that
// only exist once the row is inserted.
func (w *commitWork) reload(ctx context.Context, cc *data.CommitContext) error {
	for _, e := range w.persisted {
		plan := cc.FetchPlan(e)
		if plan == nil && !hasGeneratedValues(e.Class()) {
			continue
		}
		var g *orm.FetchGroup
		if plan != nil {
			d, err := w.store.fetchGroups.CalculateFetchGroup(selectAll(e.Class()), plan, true, true)
			if err != nil {
				return err
			}
			g = d.FetchGroup()
		}
		if err := w.em.Reload(ctx, e, g); err != nil {
			return fmt.Errorf("datastore: reloading %s: %w", e, err)
		}
	}
	return nil
}

func (w *commitWork) after(ctx context.Context) error {
	for _, step := range []struct {
		ev       LifecycleEvent
		entities []*entity.Entity
	}{
		{AfterInsert, w.persisted},
		{AfterUpdate, w.merged},
		{AfterDelete, w.removed},
	} {
		for _, e := range step.entities {
			if err := w.store.fire(ctx, step.ev, e); err != nil {
				return err
			}
		}
	}
	return nil
}

func (w *commitWork) results() []*entity.Entity {
	out := make([]*entity.Entity, 0, len(w.persisted)+len(w.merged)+len(w.removed))
	out = append(out, w.persisted...)
	out = append(out, w.merged...)
	return append(out, w.removed...)
}

func hasGeneratedValues(class *metadata.Class) bool {
	return slices.ContainsFunc(class.Properties(), (*metadata.Property).IsDBGenerated)
}

// assignID sets a generated numeric primary key on a new instance.
func (s *Store) assignID(ctx context.Context, e *entity.Entity) error {
	class := e.Class()
	pk := class.PrimaryKeyProperty()
	if pk == nil || (pk.Type() != metadata.TypeInt64 && pk.Type() != metadata.TypeInt) {
		return vxdata.NewDevelopmentError("new instance has no id", "entity", class.Name())
	}
	if s.ids == nil {
		return vxdata.NewDevelopmentError("no id generator for numeric primary key", "entity", class.Name())
	}
	n, err := s.ids.Next(ctx, class)
	if err != nil {
		return fmt.Errorf("datastore: generating id of %s: %w", class.Name(), err)
	}
	if pk.Type() == metadata.TypeInt {
		e.SetID(int(n))
	} else {
		e.SetID(n)
	}
	return nil
}

// validate checks mandatory properties of committed instances. Validation
// runs when the mode asks for it, or by default when authorization applies.
func validate(cc *data.CommitContext, auth bool) error {
	switch cc.ValidationMode() {
	case data.ValidationNever:
		return nil
	case data.ValidationDefault:
		if !auth {
			return nil
		}
	}
	if groups := cc.ValidationGroups(); len(groups) > 0 && !slices.Contains(groups, defaultValidationGroup) {
		return nil
	}
	var errs []error
	for _, e := range cc.Committed() {
		if err := validateEntity(e); err != nil {
			errs = append(errs, err)
		}
	}
	return errors.Join(errs...)
}

func validateEntity(e *entity.Entity) error {
	class := e.Class()
	var violations []string
	for _, p := range class.Properties() {
		name := p.Name()
		if !p.IsMandatory() || p.IsDBGenerated() || name == class.PrimaryKey() {
			continue
		}
		if !e.IsNew() && !e.IsLoaded(name) {
			continue
		}
		if !e.Has(name) {
			violations = append(violations, name+" is required")
		}
	}
	if len(violations) == 0 {
		return nil
	}
	return &vxdata.ValidationError{Entity: e.String(), Violations: violations}
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
	return rowKey{root: root.Name(), key: e.Key()}
}

// updateReferences points every reference between committed instances at
// the committed instance of the row, replacing stale copies. It runs before
// the flush so that a copy of a new instance is not taken for an uncommitted
// one.
func updateReferences(results []*entity.Entity) {
	byRow := make(map[rowKey]*entity.Entity, len(results))
	for _, e := range results {
		if _, ok := byRow[keyOf(e)]; !ok {
			byRow[keyOf(e)] = e
		}
	}
	current := func(r *entity.Entity) *entity.Entity {
		if r == nil || r.Class().IsEmbeddable() {
			return nil
		}
		if c := byRow[keyOf(r)]; c != nil && c != r {
			return c
		}
		return nil
	}
	for _, e := range results {
		for _, p := range e.Class().Properties() {
			name := p.Name()
			if !p.IsReference() || !e.IsLoaded(name) || !e.Has(name) {
				continue
			}
			if p.IsCollection() {
				refs := e.Refs(name)
				changed := false
				for i, r := range refs {
					if c := current(r); c != nil {
						refs[i] = c
						changed = true
					}
				}
				if changed {
					e.Set(name, refs)
				}
				continue
			}
			if c := current(e.Ref(name)); c != nil {
				e.Set(name, c)
			}
		}
	}
}
