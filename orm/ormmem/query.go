package ormmem

import (
	"context"
	"fmt"
	"maps"
	"slices"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/jpql"
	"github.com/syssam/vxdata/orm"
)

// ReportQueryMessage is the error text reported when a fetch or load group
// is set on a query that does not select root entities.
const ReportQueryMessage = "Fetch group cannot be set on report query"

// Query is a query of an EntityManager.
type Query struct {
	em        *EntityManager
	text      string
	params    map[string]any
	hints     map[string][]any
	first     int
	max       int
	cacheable bool
	fg, lg    *orm.FetchGroup
}

var _ orm.Query = (*Query)(nil)

// Text implements orm.Query.
func (q *Query) Text() string { return q.text }

// SetParameter implements orm.Query.
func (q *Query) SetParameter(name string, v any) orm.Query {
	q.params[name] = v
	return q
}

// SetHint implements orm.Query. Hints are multi-valued.
func (q *Query) SetHint(name string, v any) orm.Query {
	q.hints[name] = append(q.hints[name], v)
	return q
}

// SetFirstResult implements orm.Query.
func (q *Query) SetFirstResult(n int) orm.Query {
	q.first = n
	return q
}

// SetMaxResults implements orm.Query.
func (q *Query) SetMaxResults(n int) orm.Query {
	q.max = n
	return q
}

// SetCacheable implements orm.Query.
func (q *Query) SetCacheable(cacheable bool) orm.Query {
	q.cacheable = cacheable
	return q
}

// SetFetchGroup implements orm.Query.
func (q *Query) SetFetchGroup(g *orm.FetchGroup) orm.Query {
	q.fg = g
	return q
}

// SetLoadGroup implements orm.Query.
func (q *Query) SetLoadGroup(g *orm.FetchGroup) orm.Query {
	q.lg = g
	return q
}

// SingleResult implements orm.Query.
func (q *Query) SingleResult(ctx context.Context) (any, error) {
	rows, err := q.ResultList(ctx)
	if err != nil {
		return nil, err
	}
	switch len(rows) {
	case 0:
		return nil, orm.ErrNoResult
	case 1:
		return rows[0], nil
	}
	return nil, orm.ErrNonUniqueResult
}

// ResultList implements orm.Query.
func (q *Query) ResultList(ctx context.Context) ([]any, error) {
	if err := ctx.Err(); err != nil {
		return nil, err
	}
	parsed, err := jpql.Parse(q.text)
	if err != nil {
		return nil, fmt.Errorf("ormmem: %w", err)
	}
	entitySelect := parsed.IsEntitySelect()
	if (q.fg != nil || q.lg != nil) && !entitySelect {
		return nil, fmt.Errorf("ormmem: %s.", ReportQueryMessage)
	}
	if err := q.checkInLists(parsed.Where); err != nil {
		return nil, err
	}
	ev := &evaluator{em: q.em, q: parsed, params: q.params}
	tuples, err := ev.run()
	if err != nil {
		return nil, err
	}
	tuples = page(tuples, q.first, q.max)
	out := make([]any, 0, len(tuples))
	for _, t := range tuples {
		cols := make([]any, len(t))
		for i, v := range t {
			if cols[i], err = q.value(v, entitySelect); err != nil {
				return nil, err
			}
		}
		if len(cols) == 1 {
			out = append(out, cols[0])
		} else {
			out = append(out, cols)
		}
	}
	q.em.db.record(Executed{
		Text:        q.text,
		Params:      maps.Clone(q.params),
		Hints:       cloneHints(q.hints),
		FetchGroup:  q.fg,
		LoadGroup:   q.lg,
		FirstResult: q.first,
		MaxResults:  q.max,
		Cacheable:   q.cacheable,
		Rows:        len(out),
	})
	q.em.db.log.Debug("ormmem: query executed", "query", q.text, "rows", len(out))
	return out, nil
}

// checkInLists rejects IN lists longer than the database limit before any
// row is read, so that the error does not depend on the data.
func (q *Query) checkInLists(where jpql.Expr) error {
	limit := q.em.db.maxIn
	if limit <= 0 || where == nil {
		return nil
	}
	var err error
	jpql.Walk(where, func(e jpql.Expr) bool {
		in, ok := e.(*jpql.In)
		if !ok || err != nil {
			return err == nil
		}
		n := 0
		for _, item := range in.List {
			if p, ok := item.(*jpql.Param); ok {
				n += len(expand(q.params[p.Name]))
				continue
			}
			n++
		}
		if n > limit {
			err = fmt.Errorf("ormmem: IN list of %d elements exceeds the maximum of %d", n, limit)
		}
		return err == nil
	})
	return err
}

func (q *Query) value(v any, entitySelect bool) (any, error) {
	switch v := v.(type) {
	case *row:
		if entitySelect {
			g := q.fg
			if g == nil {
				g = q.lg
			}
			return q.em.materialize(v, q.fg != nil, g), nil
		}
		return q.em.materialize(v, false, nil), nil
	case []*row:
		return nil, fmt.Errorf("ormmem: cannot select a collection in %q", q.text)
	case *entity.Entity:
		return v.Copy(), nil
	}
	return cloneValue(v), nil
}

func page[T any](rows []T, first, max int) []T {
	if first > 0 {
		if first >= len(rows) {
			return nil
		}
		rows = rows[first:]
	}
	if max > 0 && max < len(rows) {
		rows = rows[:max]
	}
	return rows
}

func cloneHints(h map[string][]any) map[string][]any {
	out := make(map[string][]any, len(h))
	for k, v := range h {
		out[k] = slices.Clone(v)
	}
	return out
}
