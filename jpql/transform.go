package jpql

import (
	"fmt"
	"strings"
)

// EntityPlaceholder in conditions passed to AddWhere is replaced with the
// root identification variable.
const EntityPlaceholder = "{E}"

// Transformer rewrites a query. Methods modify the parsed query in place and
// Result renders it.
type Transformer struct {
	q *Query
}

// NewTransformer parses the query text.
func NewTransformer(text string) (*Transformer, error) {
	q, err := Parse(text)
	if err != nil {
		return nil, err
	}
	return &Transformer{q: q}, nil
}

// TransformerFor returns a transformer working on a copy of the query.
func TransformerFor(q *Query) *Transformer {
	return &Transformer{q: q.Clone()}
}

// Query returns the query being rewritten.
func (t *Transformer) Query() *Query { return t.q }

// Result returns the rewritten query text.
func (t *Transformer) Result() string { return t.q.String() }

// RemoveDistinct drops the distinct keyword and reports whether it was present.
func (t *Transformer) RemoveDistinct() bool {
	had := t.q.Distinct
	t.q.Distinct = false
	return had
}

// ReplaceWithCount replaces the select list with a count of the root
// variable and drops the order by clause.
func (t *Transformer) ReplaceWithCount() {
	t.q.Select = []SelectItem{{Expr: &Func{
		Name:     "count",
		Distinct: t.q.Distinct,
		Args:     []Expr{&Path{Parts: []string{t.q.Alias}}},
	}}}
	t.q.Distinct = false
	t.q.OrderBy = nil
}

// RemoveOrderBy drops the order by clause.
func (t *Transformer) RemoveOrderBy() {
	t.q.OrderBy = nil
}

// ReplaceOrderByExpressions replaces the order by clause with the given
// expressions, all sorted in one direction. Expressions are paths relative
// to the root variable unless they already start with it.
func (t *Transformer) ReplaceOrderByExpressions(desc bool, exprs ...string) error {
	var items []OrderItem
	for _, s := range exprs {
		e, err := ParseExpr(t.qualify(s))
		if err != nil {
			return fmt.Errorf("jpql: order by expression %q: %w", s, err)
		}
		items = append(items, OrderItem{Expr: e, Desc: desc})
	}
	t.q.OrderBy = items
	return nil
}

func (t *Transformer) qualify(s string) string {
	if s == t.q.Alias || strings.HasPrefix(s, t.q.Alias+".") || strings.Contains(s, "(") {
		return s
	}
	for _, j := range t.q.Joins {
		if j.Alias != "" && (s == j.Alias || strings.HasPrefix(s, j.Alias+".")) {
			return s
		}
	}
	return t.q.Alias + "." + s
}

// AddWhere ANDs a condition into the where clause. EntityPlaceholder in the
// condition is replaced with the root variable.
func (t *Transformer) AddWhere(cond string) error {
	cond = strings.ReplaceAll(cond, EntityPlaceholder, t.q.Alias)
	e, err := ParseCondition(cond)
	if err != nil {
		return fmt.Errorf("jpql: condition %q: %w", cond, err)
	}
	t.q.Where = And(t.q.Where, e)
	return nil
}

// ReplaceEntityName replaces the root entity name.
func (t *Transformer) ReplaceEntityName(name string) {
	t.q.Entity = name
}

// And returns the conjunction of the conditions, parenthesizing
// disjunctions. Nil conditions are skipped.
func And(conds ...Expr) Expr {
	var out Expr
	for _, c := range conds {
		if c == nil {
			continue
		}
		if l, ok := c.(*Logical); ok && l.Op == "or" {
			c = &Paren{X: c}
		}
		if out == nil {
			out = c
			continue
		}
		out = &Logical{Op: "and", Left: out, Right: c}
	}
	return out
}
