package data

import (
	"maps"
	"slices"

	"github.com/tiendc/go-deepcopy"
)

// Query is a JPQL query with parameters and paging. It is a value type:
// With methods return modified copies.
type Query struct {
	// Text is the JPQL query text; empty selects every instance of the entity.
	Text string
	// FirstResult is the offset of the first row.
	FirstResult int
	// MaxResults limits the rows returned; 0 is unlimited.
	MaxResults int
	// Cacheable enables the query-result cache.
	Cacheable bool
	// Condition is a where fragment ANDed into the query, using the root alias.
	Condition string
	// Sort is applied by rewriting the order by clause.
	Sort Sort

	params map[string]any
}

// NewQuery returns a query with the given text.
func NewQuery(text string) *Query {
	return &Query{Text: text}
}

// Param returns the named parameter value.
func (q *Query) Param(name string) (any, bool) {
	v, ok := q.params[name]
	return v, ok
}

// Params returns a copy of the parameters.
func (q *Query) Params() map[string]any {
	return maps.Clone(q.params)
}

// ParamNames returns the parameter names, sorted.
func (q *Query) ParamNames() []string {
	return slices.Sorted(maps.Keys(q.params))
}

// Copy returns an independent copy. Parameter values are shared.
func (q *Query) Copy() *Query {
	if q == nil {
		return nil
	}
	c := &Query{}
	if err := deepcopy.Copy(c, q); err != nil {
		*c = *q
		c.Sort.Orders = slices.Clone(q.Sort.Orders)
	}
	c.params = maps.Clone(q.params)
	return c
}

// WithText returns a copy with the query text replaced.
func (q *Query) WithText(text string) *Query {
	c := q.Copy()
	c.Text = text
	return c
}

// WithParam returns a copy with the named parameter set.
func (q *Query) WithParam(name string, v any) *Query {
	c := q.Copy()
	if c.params == nil {
		c.params = make(map[string]any)
	}
	c.params[name] = v
	return c
}

// WithParams returns a copy with all parameters set.
func (q *Query) WithParams(params map[string]any) *Query {
	c := q.Copy()
	if c.params == nil {
		c.params = make(map[string]any, len(params))
	}
	maps.Copy(c.params, params)
	return c
}

// WithPage returns a copy with first and max results set.
func (q *Query) WithPage(first, max int) *Query {
	c := q.Copy()
	c.FirstResult, c.MaxResults = first, max
	return c
}

// WithSort returns a copy with the sort set.
func (q *Query) WithSort(s Sort) *Query {
	c := q.Copy()
	c.Sort = s
	return c
}

// WithCondition returns a copy with the where fragment set.
func (q *Query) WithCondition(cond string) *Query {
	c := q.Copy()
	c.Condition = cond
	return c
}

// WithCacheable returns a copy with the cacheable flag set.
func (q *Query) WithCacheable(cacheable bool) *Query {
	c := q.Copy()
	c.Cacheable = cacheable
	return c
}
