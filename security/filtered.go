package security

import (
	"context"
	"slices"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
)

// CalculateFilteredData implements Security.
func (p *Policy) CalculateFilteredData(ctx context.Context, entities []*entity.Entity) {
	visited := make(map[*entity.Entity]struct{})
	for _, e := range entities {
		p.filterGraph(ctx, e, visited)
	}
}

func (p *Policy) filterGraph(ctx context.Context, e *entity.Entity, visited map[*entity.Entity]struct{}) {
	if e == nil {
		return
	}
	if _, ok := visited[e]; ok {
		return
	}
	visited[e] = struct{}{}
	class := e.Class()
	for _, prop := range class.Properties() {
		name := prop.Name()
		if !e.IsLoaded(name) || !e.Has(name) {
			continue
		}
		if !p.IsEntityAttrPermitted(ctx, class, name, vxdata.AttrView) {
			e.Security().Mask(name, e.Get(name))
			e.Set(name, nil)
			continue
		}
		switch {
		case prop.IsCollection():
			refs := e.Refs(name)
			kept := refs[:0:0]
			for _, r := range refs {
				if p.Filter(ctx, r, vxdata.OpRead) {
					e.Security().AddFiltered(name, r.ID())
					continue
				}
				kept = append(kept, r)
			}
			if len(kept) != len(refs) {
				e.Set(name, kept)
			}
			for _, r := range kept {
				p.filterGraph(ctx, r, visited)
			}
		case prop.IsReference():
			r := e.Ref(name)
			if r != nil && p.Filter(ctx, r, vxdata.OpRead) {
				e.Security().AddFiltered(name, r.ID())
				e.Security().Erase(r.ID())
				e.Set(name, nil)
				continue
			}
			p.filterGraph(ctx, r, visited)
		}
	}
}

// RestoreSecurityState implements Security. Masked values are restored only
// where the caller left the attribute empty.
func (p *Policy) RestoreSecurityState(e *entity.Entity) {
	s := e.SecurityState()
	for _, attr := range s.MaskedAttributes() {
		if e.Has(attr) {
			continue
		}
		v, _ := s.Masked(attr)
		e.Set(attr, v)
	}
}

// RestoreFilteredData implements Security.
func (p *Policy) RestoreFilteredData(e *entity.Entity, lookup Lookup) {
	s := e.SecurityState()
	for _, attr := range s.FilteredAttributes() {
		prop := e.Class().Property(attr)
		if prop == nil || prop.Target() == nil {
			continue
		}
		ids := s.FilteredIDs(attr)
		if prop.IsCollection() {
			refs := e.Refs(attr)
			for _, id := range ids {
				if slices.ContainsFunc(refs, func(r *entity.Entity) bool { return r.Key() == id }) {
					continue
				}
				if r := lookup(prop.Target(), id); r != nil {
					refs = append(refs, r)
				}
			}
			e.Set(attr, refs)
			continue
		}
		if e.Has(attr) || len(ids) == 0 {
			continue
		}
		if r := lookup(prop.Target(), ids[0]); r != nil {
			e.Set(attr, r)
		}
	}
}

// RestrictFetchPlan returns the plan without the attributes the viewer may
// not see, applied recursively to nested plans. The plan itself is returned
// when nothing is removed.
func RestrictFetchPlan(ctx context.Context, sec Security, plan *fetchplan.FetchPlan) *fetchplan.FetchPlan {
	if plan == nil || sec == nil {
		return plan
	}
	var (
		changed bool
		b       = fetchplan.New(plan.Class()).Name(plan.Name()).Partial(plan.LoadPartialEntities())
	)
	for _, prop := range plan.Properties() {
		if !sec.IsEntityAttrPermitted(ctx, plan.Class(), prop.Name(), vxdata.AttrView) {
			changed = true
			continue
		}
		nested := prop.Plan()
		if nested != nil {
			restricted := RestrictFetchPlan(ctx, sec, nested)
			if restricted != nested {
				changed = true
			}
			nested = restricted
		}
		b.AddMode(prop.Name(), nested, prop.Mode())
	}
	if !changed {
		return plan
	}
	restricted, err := b.Build()
	if err != nil {
		return plan
	}
	return restricted
}
