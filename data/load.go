package data

import (
	"maps"
	"slices"

	"github.com/syssam/vxdata/fetchplan"
)

// LoadContext describes a request to load entities. It is immutable: With
// methods return copies. At most one of id and id list is set; either one
// takes precedence over the query text when the store builds the query.
type LoadContext struct {
	entity       string
	query        *Query
	id           any
	ids          []any
	softDeletion bool
	plan         *fetchplan.FetchPlan
	authRequired bool
	joinTx       bool
	hints        map[string]any
	prevQueries  []*Query
	queryKey     int
}

// NewLoadContext returns a context loading instances of the entity.
func NewLoadContext(entity string) *LoadContext {
	return &LoadContext{entity: entity, softDeletion: true}
}

// Entity returns the entity name.
func (c *LoadContext) Entity() string { return c.entity }

// Query returns the query, or nil.
func (c *LoadContext) Query() *Query { return c.query }

// ID returns the id to load, or nil.
func (c *LoadContext) ID() any { return c.id }

// IDs returns the ids to load.
func (c *LoadContext) IDs() []any { return slices.Clone(c.ids) }

// HasID reports whether the context loads by a single id.
func (c *LoadContext) HasID() bool { return c.id != nil }

// HasIDs reports whether the context loads by an id list.
func (c *LoadContext) HasIDs() bool { return len(c.ids) > 0 }

// SoftDeletion reports whether soft-deleted rows are excluded.
func (c *LoadContext) SoftDeletion() bool { return c.softDeletion }

// FetchPlan returns the fetch plan, or nil for the default plan.
func (c *LoadContext) FetchPlan() *fetchplan.FetchPlan { return c.plan }

// AuthorizationRequired reports whether security checks apply.
func (c *LoadContext) AuthorizationRequired() bool { return c.authRequired }

// JoinTransaction reports whether the load joins the ambient transaction.
func (c *LoadContext) JoinTransaction() bool { return c.joinTx }

// Hints returns a copy of the ORM hints.
func (c *LoadContext) Hints() map[string]any { return maps.Clone(c.hints) }

// Hint returns the named hint.
func (c *LoadContext) Hint(name string) (any, bool) {
	v, ok := c.hints[name]
	return v, ok
}

// PrevQueries returns the queries of previous chained loads.
func (c *LoadContext) PrevQueries() []*Query { return slices.Clone(c.prevQueries) }

// QueryKey returns the key identifying a chain of queries.
func (c *LoadContext) QueryKey() int { return c.queryKey }

// Copy returns a structurally independent copy. The query is deep-copied,
// the fetch plan is shared.
func (c *LoadContext) Copy() *LoadContext {
	cp := *c
	cp.query = c.query.Copy()
	cp.ids = slices.Clone(c.ids)
	cp.hints = maps.Clone(c.hints)
	cp.prevQueries = make([]*Query, len(c.prevQueries))
	for i, q := range c.prevQueries {
		cp.prevQueries[i] = q.Copy()
	}
	return &cp
}

// WithQuery returns a copy with the query set.
func (c *LoadContext) WithQuery(q *Query) *LoadContext {
	cp := c.Copy()
	cp.query = q.Copy()
	return cp
}

// WithQueryText returns a copy with a query of the given text and parameters
// in key/value pairs.
func (c *LoadContext) WithQueryText(text string, kv ...any) *LoadContext {
	q := NewQuery(text)
	for i := 0; i+1 < len(kv); i += 2 {
		if name, ok := kv[i].(string); ok {
			q = q.WithParam(name, kv[i+1])
		}
	}
	return c.WithQuery(q)
}

// WithID returns a copy loading by a single id.
func (c *LoadContext) WithID(id any) *LoadContext {
	cp := c.Copy()
	cp.id, cp.ids = id, nil
	return cp
}

// WithIDs returns a copy loading by an id list.
func (c *LoadContext) WithIDs(ids ...any) *LoadContext {
	cp := c.Copy()
	cp.id, cp.ids = nil, slices.Clone(ids)
	return cp
}

// WithSoftDeletion returns a copy with the soft deletion flag set.
func (c *LoadContext) WithSoftDeletion(v bool) *LoadContext {
	cp := c.Copy()
	cp.softDeletion = v
	return cp
}

// WithFetchPlan returns a copy with the fetch plan set.
func (c *LoadContext) WithFetchPlan(p *fetchplan.FetchPlan) *LoadContext {
	cp := c.Copy()
	cp.plan = p
	return cp
}

// WithAuthorization returns a copy with the authorization flag set.
func (c *LoadContext) WithAuthorization(v bool) *LoadContext {
	cp := c.Copy()
	cp.authRequired = v
	return cp
}

// WithJoinTransaction returns a copy with the join transaction flag set.
func (c *LoadContext) WithJoinTransaction(v bool) *LoadContext {
	cp := c.Copy()
	cp.joinTx = v
	return cp
}

// WithHint returns a copy with an ORM hint set.
func (c *LoadContext) WithHint(name string, v any) *LoadContext {
	cp := c.Copy()
	if cp.hints == nil {
		cp.hints = make(map[string]any)
	}
	cp.hints[name] = v
	return cp
}

// WithPrevQueries returns a copy chained to previous queries under a key.
// Results are restricted to the rows selected by every previous query.
func (c *LoadContext) WithPrevQueries(key int, queries ...*Query) *LoadContext {
	cp := c.Copy()
	cp.queryKey = key
	cp.prevQueries = make([]*Query, len(queries))
	for i, q := range queries {
		cp.prevQueries[i] = q.Copy()
	}
	return cp
}

// ValueLoadContext describes a value (projection) query.
type ValueLoadContext struct {
	query        *Query
	properties   []string
	softDeletion bool
	authRequired bool
	joinTx       bool
}

// NewValueLoadContext returns a context for the query selecting the given
// properties in select-list order.
func NewValueLoadContext(q *Query, properties ...string) *ValueLoadContext {
	return &ValueLoadContext{query: q.Copy(), properties: slices.Clone(properties), softDeletion: true}
}

// Query returns the query.
func (c *ValueLoadContext) Query() *Query { return c.query }

// Properties returns the selected property names.
func (c *ValueLoadContext) Properties() []string { return slices.Clone(c.properties) }

// SoftDeletion reports whether soft-deleted rows are excluded.
func (c *ValueLoadContext) SoftDeletion() bool { return c.softDeletion }

// AuthorizationRequired reports whether security checks apply.
func (c *ValueLoadContext) AuthorizationRequired() bool { return c.authRequired }

// JoinTransaction reports whether the load joins the ambient transaction.
func (c *ValueLoadContext) JoinTransaction() bool { return c.joinTx }

func (c *ValueLoadContext) copy() *ValueLoadContext {
	cp := *c
	cp.query = c.query.Copy()
	cp.properties = slices.Clone(c.properties)
	return &cp
}

// WithSoftDeletion returns a copy with the soft deletion flag set.
func (c *ValueLoadContext) WithSoftDeletion(v bool) *ValueLoadContext {
	cp := c.copy()
	cp.softDeletion = v
	return cp
}

// WithAuthorization returns a copy with the authorization flag set.
func (c *ValueLoadContext) WithAuthorization(v bool) *ValueLoadContext {
	cp := c.copy()
	cp.authRequired = v
	return cp
}

// WithJoinTransaction returns a copy with the join transaction flag set.
func (c *ValueLoadContext) WithJoinTransaction(v bool) *ValueLoadContext {
	cp := c.copy()
	cp.joinTx = v
	return cp
}
