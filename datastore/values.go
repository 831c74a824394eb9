package datastore

import (
	"context"
	"fmt"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/metadata"
)

// LoadValues runs a projection query and maps each row to a KeyValue by
// position. Columns the viewer may not see are nulled, keeping the column
// layout intact. A denied READ on the root entity returns no rows.
func (s *Store) LoadValues(ctx context.Context, vc *data.ValueLoadContext) ([]*entity.KeyValue, error) {
	q := vc.Query()
	if q == nil || q.Text == "" {
		return nil, vxdata.NewDevelopmentError("a query is required to load values")
	}
	t, err := jpql.NewTransformer(q.Text)
	if err != nil {
		return nil, fmt.Errorf("datastore: %w", err)
	}
	if q.Condition != "" {
		if err := t.AddWhere(q.Condition); err != nil {
			return nil, fmt.Errorf("datastore: %w", err)
		}
	}
	parsed := t.Query()
	class, err := s.reg.Class(parsed.EntityName())
	if err != nil {
		return nil, err
	}
	auth := s.authorized(vc.AuthorizationRequired())
	if !s.permitted(ctx, auth, class, vxdata.OpRead) {
		return nil, nil
	}
	names := vc.Properties()
	hidden := make([]bool, len(names))
	if auth {
		for i, expr := range parsed.SelectedExpressions() {
			if i < len(hidden) {
				hidden[i] = !s.viewPermitted(ctx, parsed, class, expr)
			}
		}
	}
	text := t.Result()
	if !q.Sort.IsEmpty() {
		if text, err = s.sorter.ProcessQuery("", names, text, q.Sort); err != nil {
			return nil, err
		}
	}

	join := s.joinTx(vc.JoinTransaction())
	tx, err := s.txm.LoadTransaction(ctx, join, !join)
	if err != nil {
		return nil, fmt.Errorf("datastore: starting load transaction: %w", err)
	}
	defer tx.End(ctx)
	em := tx.EntityManager()
	em.SetSoftDeletion(vc.SoftDeletion())
	oq := em.CreateQuery(text)
	for name, v := range q.Params() {
		oq.SetParameter(name, v)
	}
	oq.SetFirstResult(q.FirstResult).SetMaxResults(q.MaxResults)
	rows, err := oq.ResultList(ctx)
	if err != nil {
		return nil, translate(err, text)
	}
	if err := tx.Commit(ctx); err != nil {
		return nil, err
	}
	out := make([]*entity.KeyValue, 0, len(rows))
	for _, row := range rows {
		kv := entity.NewKeyValue(names)
		cols, ok := row.([]any)
		if !ok {
			cols = []any{row}
		}
		for i, v := range cols {
			if i >= len(names) {
				break
			}
			if hidden[i] {
				continue
			}
			kv.SetAt(i, v)
		}
		out = append(out, kv)
	}
	return out, nil
}

// viewPermitted reports whether every attribute on the path of a selected
// expression may be viewed. Expressions that are not paths are permitted.
func (s *Store) viewPermitted(ctx context.Context, q *jpql.Query, root *metadata.Class, expr string) bool {
	e, err := jpql.ParseExpr(expr)
	if err != nil {
		return true
	}
	p, ok := e.(*jpql.Path)
	if !ok {
		return true
	}
	rel, ok := q.Resolve(p)
	if !ok || rel == "" {
		return true
	}
	owner := root
	for _, prop := range root.PropertyPath(rel) {
		if !s.sec.IsEntityAttrPermitted(ctx, owner, prop.Name(), vxdata.AttrView) {
			return false
		}
		owner = prop.Target()
		if owner == nil {
			break
		}
	}
	return true
}
