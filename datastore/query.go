package datastore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// Parameter names used by generated queries.
const (
	paramEntityID  = "entityId"
	paramEntityIDs = "entityIds"
	paramPrevIDs   = "prevIds"
)

// loadQuery is the ORM query text and settings derived from a load context.
type loadQuery struct {
	text      string
	params    map[string]any
	first     int
	max       int
	cacheable bool
	// distinct is set when distinct was removed from the text and must be
	// applied in memory.
	distinct bool
}

func selectAll(class *metadata.Class) string {
	return fmt.Sprintf("select e from %s e", class.Name())
}

func byIDQuery(class *metadata.Class) string {
	return fmt.Sprintf("select e from %s e where e.%s = :%s", class.Name(), class.PrimaryKey(), paramEntityID)
}

func byIDsQuery(class *metadata.Class) string {
	return fmt.Sprintf("select e from %s e where e.%s in :%s", class.Name(), class.PrimaryKey(), paramEntityIDs)
}

// queryFor builds the query of a load by id or by query text. The id takes
// precedence over the query.
func (s *Store) queryFor(ctx context.Context, em orm.EntityManager, class *metadata.Class, lc *data.LoadContext) (*loadQuery, error) {
	if lc.HasID() {
		return &loadQuery{text: byIDQuery(class), params: map[string]any{paramEntityID: lc.ID()}}, nil
	}
	q := lc.Query()
	if q == nil {
		q = data.NewQuery("")
	}
	lq := &loadQuery{
		text:      q.Text,
		params:    q.Params(),
		first:     q.FirstResult,
		max:       q.MaxResults,
		cacheable: q.Cacheable,
	}
	if lq.params == nil {
		lq.params = make(map[string]any)
	}
	if strings.TrimSpace(lq.text) == "" {
		lq.text = selectAll(class)
	}
	t, err := jpql.NewTransformer(lq.text)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	if q.Condition != "" {
		if err := t.AddWhere(q.Condition); err != nil {
			return nil, fmt.Errorf("datastore: %w", err)
		}
	}
	if prev := lc.PrevQueries(); len(prev) > 0 {
		ids, err := s.prevIDs(ctx, em, prev)
		if err != nil {
			return nil, err
		}
		cond := fmt.Sprintf("%s.%s in :%s", jpql.EntityPlaceholder, class.PrimaryKey(), paramPrevIDs)
		if err := t.AddWhere(cond); err != nil {
			return nil, fmt.Errorf("datastore: %w", err)
		}
		lq.params[paramPrevIDs] = ids
	}
	if s.cfg.InMemoryDistinct {
		lq.distinct = t.RemoveDistinct()
	}
	lq.text = t.Result()
	if !q.Sort.IsEmpty() {
		if lq.text, err = s.sorter.ProcessQuery(class.Name(), nil, lq.text, q.Sort); err != nil {
			return nil, err
		}
	}
	return lq, nil
}

// prevIDs returns the ids selected by every previous query of a chain.
func (s *Store) prevIDs(ctx context.Context, em orm.EntityManager, prev []*data.Query) ([]any, error) {
	var ids []any
	for i, pq := range prev {
		q := em.CreateQuery(pq.Text)
		for name, v := range pq.Params() {
			q.SetParameter(name, v)
		}
		rows, err := q.ResultList(ctx)
		if err != nil {
			return nil, fmt.Errorf("datastore: previous query %q: %w", pq.Text, err)
		}
		cur := make([]any, 0, len(rows))
		for _, r := range rows {
			if e, ok := r.(*entity.Entity); ok {
				cur = append(cur, e.ID())
			}
		}
		if i == 0 {
			ids = cur
			continue
		}
		keep := make(map[any]struct{}, len(cur))
		for _, id := range cur {
			keep[entity.IDKey(id)] = struct{}{}
		}
		ids = slices.DeleteFunc(ids, func(id any) bool {
			_, ok := keep[entity.IDKey(id)]
			return !ok
		})
	}
	if ids == nil {
		ids = []any{}
	}
	return ids, nil
}

// createQuery returns the ORM query with parameters, hints and the fetch
// group of the plan set. Paging is left to the caller.
func (s *Store) createQuery(em orm.EntityManager, lq *loadQuery, plan *fetchplan.FetchPlan, single bool, hints map[string]any) (orm.Query, error) {
	q := em.CreateQuery(lq.text)
	for name, v := range lq.params {
		q.SetParameter(name, v)
	}
	for _, name := range slices.Sorted(maps.Keys(hints)) {
		q.SetHint(name, hints[name])
	}
	if lq.cacheable {
		q.SetCacheable(true)
	}
	d, err := s.fetchGroups.SetHints(q, plan, single)
	if err != nil {
		return nil, err
	}
	if d != nil {
		s.log.Debug("datastore: fetch group", "query", lq.text, "attributes", d.Attributes(), "batches", d.HasBatches())
	}
	return q, nil
}

func requireQuery(lc *data.LoadContext) error {
	if lc.HasID() || lc.Query() != nil {
		return nil
	}
	return vxdata.NewDevelopmentError("either an id or a query is required", "entity", lc.Entity())
}
