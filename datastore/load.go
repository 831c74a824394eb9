package datastore

import (
	"context"
	"errors"
	"fmt"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/internal/keyorder"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// Load returns the instance selected by the context, or nil if there is
// none, READ is denied, or the instance fails the in-memory constraints.
//
// Loading by id expects a single row. A query with MaxResults 1 is run as a
// list query and its first row is returned, so that zero rows yield nil.
func (s *Store) Load(ctx context.Context, lc *data.LoadContext) (*entity.Entity, error) {
	class, err := s.reg.Class(lc.Entity())
	if err != nil {
		return nil, err
	}
	if err := requireQuery(lc); err != nil {
		return nil, err
	}
	auth := s.authorized(lc.AuthorizationRequired())
	if !s.permitted(ctx, auth, class, vxdata.OpRead) {
		s.log.Debug("datastore: read denied", "entity", class.Name())
		return nil, nil
	}
	plan := s.fetchPlan(ctx, class, lc.FetchPlan(), auth)
	join := s.joinTx(lc.JoinTransaction())
	tx, err := s.txm.LoadTransaction(ctx, join, !join)
	if err != nil {
		return nil, fmt.Errorf("datastore: starting load transaction: %w", err)
	}
	defer tx.End(ctx)
	em := tx.EntityManager()
	em.SetSoftDeletion(lc.SoftDeletion())

	q := lc.Query()
	single := lc.HasID() && !(q != nil && q.MaxResults == 1 && q.Text != "")
	lq, err := s.queryFor(ctx, em, class, lc)
	if err != nil {
		return nil, err
	}
	if !single {
		lq.max = 1
	}
	oq, err := s.createQuery(em, lq, plan, single, lc.Hints())
	if err != nil {
		return nil, err
	}
	oq.SetFirstResult(lq.first).SetMaxResults(lq.max)
	s.log.Debug("datastore: load", "entity", class.Name(), "query", lq.text, "single", single)

	var result *entity.Entity
	if single {
		v, err := oq.SingleResult(ctx)
		switch {
		case errors.Is(err, orm.ErrNoResult):
		case err != nil:
			return nil, translate(err, lq.text)
		default:
			ents, err := toEntities([]any{v}, lq.text)
			if err != nil {
				return nil, err
			}
			result = ents[0]
		}
	} else {
		rows, err := oq.ResultList(ctx)
		if err != nil {
			return nil, translate(err, lq.text)
		}
		ents, err := toEntities(rows, lq.text)
		if err != nil {
			return nil, err
		}
		if len(ents) > 0 {
			result = ents[0]
		}
	}
	if result != nil && auth && s.sec.Filter(ctx, result, vxdata.OpRead) {
		s.log.Debug("datastore: instance filtered by constraints", "entity", class.Name(), "id", result.ID())
		result = nil
	}
	var loaded []*entity.Entity
	if result != nil {
		loaded = []*entity.Entity{result}
	}
	if err := s.finishLoad(ctx, tx, join, plan, loaded); err != nil {
		return nil, err
	}
	if auth && result != nil {
		s.sec.CalculateFilteredData(ctx, loaded)
	}
	return result, nil
}

// LoadList returns the instances selected by the context in query order, or
// in the order of the requested ids. A denied READ returns no instances.
func (s *Store) LoadList(ctx context.Context, lc *data.LoadContext) ([]*entity.Entity, error) {
	class, err := s.reg.Class(lc.Entity())
	if err != nil {
		return nil, err
	}
	auth := s.authorized(lc.AuthorizationRequired())
	if !s.permitted(ctx, auth, class, vxdata.OpRead) {
		s.log.Debug("datastore: read denied", "entity", class.Name())
		return nil, nil
	}
	plan := s.fetchPlan(ctx, class, lc.FetchPlan(), auth)
	join := s.joinTx(lc.JoinTransaction())
	tx, err := s.txm.LoadTransaction(ctx, join, !join)
	if err != nil {
		return nil, fmt.Errorf("datastore: starting load transaction: %w", err)
	}
	defer tx.End(ctx)
	em := tx.EntityManager()
	em.SetSoftDeletion(lc.SoftDeletion())

	filter := auth && s.sec.HasInMemoryConstraints(class, vxdata.OpRead)
	var result []*entity.Entity
	if lc.HasIDs() {
		result, err = s.loadByIDs(ctx, em, class, lc.IDs(), plan, lc.Hints(), filter)
	} else {
		result, err = s.loadByQuery(ctx, em, class, lc, plan, filter, join)
	}
	if err != nil {
		return nil, err
	}
	if err := s.finishLoad(ctx, tx, join, plan, result); err != nil {
		return nil, err
	}
	if auth {
		s.sec.CalculateFilteredData(ctx, result)
	}
	return result, nil
}

func (s *Store) loadByQuery(ctx context.Context, em orm.EntityManager, class *metadata.Class, lc *data.LoadContext, plan *fetchplan.FetchPlan, filter, join bool) ([]*entity.Entity, error) {
	lq, err := s.queryFor(ctx, em, class, lc)
	if err != nil {
		return nil, err
	}
	q, err := s.createQuery(em, lq, plan, false, lc.Hints())
	if err != nil {
		return nil, err
	}
	s.log.Debug("datastore: load list", "entity", class.Name(), "query", lq.text,
		"first", lq.first, "max", lq.max, "inMemoryFilter", filter, "inMemoryDistinct", lq.distinct)
	run := func(ctx context.Context) ([]*entity.Entity, error) {
		if (filter || lq.distinct) && (lq.first > 0 || lq.max > 0) {
			return s.pageInMemory(ctx, q, lq, filter)
		}
		q.SetFirstResult(lq.first).SetMaxResults(lq.max)
		rows, err := q.ResultList(ctx)
		if err != nil {
			return nil, translate(err, lq.text)
		}
		ents, err := toEntities(rows, lq.text)
		if err != nil {
			return nil, err
		}
		if lq.distinct {
			ents = keyorder.Distinct(ents, (*entity.Entity).Key)
		}
		if filter {
			ents, _ = s.sec.FilterByConstraints(ctx, ents)
		}
		return ents, nil
	}
	if lq.cacheable && s.cache != nil && !filter && !join {
		return s.cachedList(ctx, em, class, lc, lq, plan, run)
	}
	return run(ctx)
}

// pageInMemory fills the requested page when rows are removed in memory by
// distinct or by constraints. It reads consecutive windows of growing size,
// starting at offset 0, until enough rows survive or the rows run out.
func (s *Store) pageInMemory(ctx context.Context, q orm.Query, lq *loadQuery, filter bool) ([]*entity.Entity, error) {
	want := lq.first + lq.max
	window := want * 2
	if lq.max == 0 {
		// Only an offset: every row must be read.
		window = 0
	}
	var (
		out    []*entity.Entity
		seen   = make(map[any]struct{})
		offset int
	)
	for i := 0; ; i++ {
		if i >= s.cfg.MaxRepagingIterations {
			s.log.Warn("datastore: re-paging iteration limit reached, returning a partial page",
				"query", lq.text, "iterations", i, "rows", len(out))
			break
		}
		q.SetFirstResult(offset).SetMaxResults(window)
		rows, err := q.ResultList(ctx)
		if err != nil {
			return nil, translate(err, lq.text)
		}
		if len(rows) == 0 {
			break
		}
		ents, err := toEntities(rows, lq.text)
		if err != nil {
			return nil, err
		}
		survived := ents
		if filter {
			survived, _ = s.sec.FilterByConstraints(ctx, ents)
		}
		for _, e := range survived {
			k := e.Key()
			if _, ok := seen[k]; ok {
				continue
			}
			seen[k] = struct{}{}
			out = append(out, e)
		}
		if window == 0 || len(rows) < window || (lq.max > 0 && len(out) >= want) {
			break
		}
		offset += window
		window = min(window*growth(len(ents), len(survived)), maxWindow)
	}
	if lq.first >= len(out) {
		return nil, nil
	}
	out = out[lq.first:]
	if lq.max > 0 && len(out) > lq.max {
		out = out[:lq.max]
	}
	return out, nil
}

// maxWindow bounds the rows requested by one re-paging query.
const maxWindow = 1 << 16

// growth returns the window multiplier from the share of rows surviving the
// last read: twice the inverse survival rate, at least 2.
func growth(read, survived int) int {
	if survived == 0 {
		return 4
	}
	return max((read+survived-1)/survived*2, 2)
}

// loadByIDs loads the instances of the ids, one query per id for embedded
// keys, or IN queries of at most maxIn ids otherwise, and returns them in
// id order. A missing id is an error.
func (s *Store) loadByIDs(ctx context.Context, em orm.EntityManager, class *metadata.Class, ids []any, plan *fetchplan.FetchPlan, hints map[string]any, filter bool) ([]*entity.Entity, error) {
	keys := make([]any, len(ids))
	for i, id := range ids {
		keys[i] = entity.IDKey(id)
	}
	unique := keyorder.Distinct(ids, entity.IDKey)
	var loaded []*entity.Entity
	if metadata.HasCompositePrimaryKey(class) {
		for _, id := range unique {
			lq := &loadQuery{text: byIDQuery(class), params: map[string]any{paramEntityID: id}}
			q, err := s.createQuery(em, lq, plan, true, hints)
			if err != nil {
				return nil, err
			}
			v, err := q.SingleResult(ctx)
			if errors.Is(err, orm.ErrNoResult) {
				continue
			}
			if err != nil {
				return nil, translate(err, lq.text)
			}
			ents, err := toEntities([]any{v}, lq.text)
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, ents...)
		}
	} else {
		batches := keyorder.Chunk(unique, s.maxIn())
		s.log.Debug("datastore: load by ids", "entity", class.Name(), "ids", len(unique), "batches", len(batches))
		for _, batch := range batches {
			lq := &loadQuery{text: byIDsQuery(class), params: map[string]any{paramEntityIDs: batch}}
			q, err := s.createQuery(em, lq, plan, false, hints)
			if err != nil {
				return nil, err
			}
			rows, err := q.ResultList(ctx)
			if err != nil {
				return nil, translate(err, lq.text)
			}
			ents, err := toEntities(rows, lq.text)
			if err != nil {
				return nil, err
			}
			loaded = append(loaded, ents...)
		}
	}
	filtered := make(map[any]struct{})
	if filter {
		kept, removed := s.sec.FilterByConstraints(ctx, loaded)
		if removed {
			for _, e := range loaded {
				filtered[e.Key()] = struct{}{}
			}
			for _, e := range kept {
				delete(filtered, e.Key())
			}
		}
		loaded = kept
	}
	ordered, err := keyorder.OrderByKeys(keys, loaded, (*entity.Entity).Key)
	var missing *keyorder.MissingKeysError[any]
	if errors.As(err, &missing) {
		k := missing.Keys[0]
		if _, ok := filtered[k]; ok {
			return nil, vxdata.NewAccessDeniedError(class.Name(), vxdata.OpRead)
		}
		return nil, vxdata.NewEntityNotFoundError(class.Name(), k)
	}
	if err != nil {
		return nil, err
	}
	return ordered, nil
}

// GetCount returns the number of instances selected by the context,
// ignoring paging. Entities with in-memory READ constraints are loaded and
// counted since the database cannot apply the constraints.
func (s *Store) GetCount(ctx context.Context, lc *data.LoadContext) (int64, error) {
	class, err := s.reg.Class(lc.Entity())
	if err != nil {
		return 0, err
	}
	auth := s.authorized(lc.AuthorizationRequired())
	if !s.permitted(ctx, auth, class, vxdata.OpRead) {
		return 0, nil
	}
	unpaged := lc
	if q := lc.Query(); q != nil {
		cp := q.Copy()
		cp.FirstResult, cp.MaxResults = 0, 0
		cp.Sort = data.Sort{}
		unpaged = lc.WithQuery(cp)
	}
	if lc.HasIDs() || (auth && s.sec.HasInMemoryConstraints(class, vxdata.OpRead)) {
		// Constraints read any attribute, so the rows are loaded fully.
		plan, err := fetchplan.Base(class).With(func(b *fetchplan.Builder) { b.Partial(false) })
		if err != nil {
			return 0, err
		}
		ents, err := s.LoadList(ctx, unpaged.WithFetchPlan(plan))
		if err != nil {
			return 0, err
		}
		return int64(len(ents)), nil
	}
	join := s.joinTx(lc.JoinTransaction())
	tx, err := s.txm.LoadTransaction(ctx, join, !join)
	if err != nil {
		return 0, fmt.Errorf("datastore: starting load transaction: %w", err)
	}
	defer tx.End(ctx)
	em := tx.EntityManager()
	em.SetSoftDeletion(lc.SoftDeletion())
	lq, err := s.queryFor(ctx, em, class, unpaged)
	if err != nil {
		return 0, err
	}
	t, err := jpql.NewTransformer(lq.text)
	if err != nil {
		return 0, fmt.Errorf("datastore: %w", err)
	}
	if lq.distinct {
		// Count distinct rows in the database since nothing is loaded.
		t.Query().Distinct = true
	}
	t.ReplaceWithCount()
	lq.text = t.Result()
	q := em.CreateQuery(lq.text)
	for name, v := range lq.params {
		q.SetParameter(name, v)
	}
	v, err := q.SingleResult(ctx)
	if err != nil {
		return 0, translate(err, lq.text)
	}
	if err := tx.Commit(ctx); err != nil {
		return 0, err
	}
	n, ok := toInt64(v)
	if !ok {
		return 0, fmt.Errorf("datastore: count query %q returned %T", lq.text, v)
	}
	return n, nil
}

func toInt64(v any) (int64, bool) {
	switch n := v.(type) {
	case int64:
		return n, true
	case int:
		return int64(n), true
	case int32:
		return int64(n), true
	case float64:
		return int64(n), true
	}
	return 0, false
}
