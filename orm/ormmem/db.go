// Package ormmem is an in-memory implementation of the orm interfaces.
//
// A DB holds committed rows per entity hierarchy. Each transaction has its
// own persistence context (an identity map of managed instances) and a write
// overlay applied to the DB on commit. Queries are evaluated over the JPQL
// subset of package jpql; hints and fetch groups are recorded so tests can
// inspect what the data store asked for.
package ormmem

import (
	"log/slog"
	"maps"
	"slices"
	"sync"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// row is the stored image of an instance: datatype values, embedded values
// as detached *entity.Entity copies, to-one references as raw ids and owned
// to-many references as []any ids.
type row struct {
	class  *metadata.Class
	key    any
	values map[string]any
}

func (r *row) clone() *row {
	c := &row{class: r.class, key: r.key, values: make(map[string]any, len(r.values))}
	for k, v := range r.values {
		c.values[k] = cloneValue(v)
	}
	return c
}

func cloneValue(v any) any {
	switch v := v.(type) {
	case *entity.Entity:
		return v.Copy()
	case []any:
		return slices.Clone(v)
	}
	return v
}

// table is an insertion-ordered set of rows of one hierarchy.
type table struct {
	keys []any
	rows map[any]*row
}

func newTable() *table { return &table{rows: make(map[any]*row)} }

func (t *table) put(r *row) {
	if _, ok := t.rows[r.key]; !ok {
		t.keys = append(t.keys, r.key)
	}
	t.rows[r.key] = r
}

func (t *table) del(key any) {
	if _, ok := t.rows[key]; !ok {
		return
	}
	delete(t.rows, key)
	t.keys = slices.DeleteFunc(t.keys, func(k any) bool { return k == key })
}

func rootOf(c *metadata.Class) *metadata.Class {
	for c.Ancestor() != nil {
		c = c.Ancestor()
	}
	return c
}

// Executed records an executed query.
type Executed struct {
	Text        string
	Params      map[string]any
	Hints       map[string][]any
	FetchGroup  *orm.FetchGroup
	LoadGroup   *orm.FetchGroup
	FirstResult int
	MaxResults  int
	Cacheable   bool
	Rows        int
}

// HintValues returns the values of a hint, sorted as strings.
func (e Executed) HintValues(name string) []string {
	var out []string
	for _, v := range e.Hints[name] {
		if s, ok := v.(string); ok {
			out = append(out, s)
		}
	}
	slices.Sort(out)
	return out
}

// Option configures a DB.
type Option func(*DB)

// WithMaxInListSize makes queries fail when an IN list exceeds n elements.
func WithMaxInListSize(n int) Option {
	return func(db *DB) { db.maxIn = n }
}

// WithLogger sets the logger.
func WithLogger(l *slog.Logger) Option {
	return func(db *DB) { db.log = l }
}

// DB is an in-memory database.
type DB struct {
	reg   *metadata.Registry
	maxIn int
	log   *slog.Logger

	mu       sync.RWMutex
	tables   map[string]*table
	gen      int64
	executed []Executed
}

// New returns an empty database for the schema.
func New(reg *metadata.Registry, opts ...Option) *DB {
	db := &DB{reg: reg, tables: make(map[string]*table), log: slog.Default()}
	for _, opt := range opts {
		opt(db)
	}
	return db
}

// Registry returns the schema.
func (db *DB) Registry() *metadata.Registry { return db.reg }

// MaxInListSize returns the IN list limit, 0 if unlimited.
func (db *DB) MaxInListSize() int { return db.maxIn }

// Executed returns the queries executed so far.
func (db *DB) Executed() []Executed {
	db.mu.RLock()
	defer db.mu.RUnlock()
	return slices.Clone(db.executed)
}

// ResetExecuted clears the executed query log.
func (db *DB) ResetExecuted() {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.executed = nil
}

func (db *DB) record(e Executed) {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.executed = append(db.executed, e)
}

// Count returns the number of stored rows of the class and its descendants,
// including soft-deleted ones.
func (db *DB) Count(class *metadata.Class) int {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t := db.tables[rootOf(class).Name()]
	if t == nil {
		return 0
	}
	n := 0
	for _, r := range t.rows {
		if class.IsAssignableFrom(r.class) {
			n++
		}
	}
	return n
}

// Value returns a stored attribute value of a committed row.
func (db *DB) Value(class *metadata.Class, id any, attr string) (any, bool) {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t := db.tables[rootOf(class).Name()]
	if t == nil {
		return nil, false
	}
	r, ok := t.rows[entity.IDKey(id)]
	if !ok {
		return nil, false
	}
	v, ok := r.values[attr]
	return v, ok
}

func (db *DB) get(root string, key any) *row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	if t := db.tables[root]; t != nil {
		return t.rows[key]
	}
	return nil
}

func (db *DB) scan(root string) []*row {
	db.mu.RLock()
	defer db.mu.RUnlock()
	t := db.tables[root]
	if t == nil {
		return nil
	}
	out := make([]*row, 0, len(t.keys))
	for _, k := range t.keys {
		out = append(out, t.rows[k])
	}
	return out
}

func (db *DB) nextGenerated() int64 {
	db.mu.Lock()
	defer db.mu.Unlock()
	db.gen++
	return db.gen
}

func (db *DB) apply(o *overlay) {
	db.mu.Lock()
	defer db.mu.Unlock()
	for root, t := range o.writes {
		dst := db.tables[root]
		if dst == nil {
			dst = newTable()
			db.tables[root] = dst
		}
		for _, k := range t.keys {
			dst.put(t.rows[k])
		}
	}
	for root, keys := range o.deletes {
		if dst := db.tables[root]; dst != nil {
			for k := range keys {
				dst.del(k)
			}
		}
	}
}

// overlay holds the uncommitted writes of a transaction.
type overlay struct {
	writes  map[string]*table
	deletes map[string]map[any]struct{}
}

func newOverlay() *overlay {
	return &overlay{writes: make(map[string]*table), deletes: make(map[string]map[any]struct{})}
}

func (o *overlay) put(root string, r *row) {
	t := o.writes[root]
	if t == nil {
		t = newTable()
		o.writes[root] = t
	}
	t.put(r)
	delete(o.deletes[root], r.key)
}

func (o *overlay) del(root string, key any) {
	if t := o.writes[root]; t != nil {
		t.del(key)
	}
	if o.deletes[root] == nil {
		o.deletes[root] = make(map[any]struct{})
	}
	o.deletes[root][key] = struct{}{}
}

// view merges the committed rows with a transaction overlay.
type view struct {
	db *DB
	o  *overlay
}

func (v view) get(root string, key any) *row {
	if _, ok := v.o.deletes[root][key]; ok {
		return nil
	}
	if t := v.o.writes[root]; t != nil {
		if r, ok := t.rows[key]; ok {
			return r
		}
	}
	return v.db.get(root, key)
}

func (v view) scan(root string) []*row {
	base := v.db.scan(root)
	deleted := v.o.deletes[root]
	written := v.o.writes[root]
	out := make([]*row, 0, len(base))
	seen := make(map[any]struct{}, len(base))
	for _, r := range base {
		if _, ok := deleted[r.key]; ok {
			continue
		}
		seen[r.key] = struct{}{}
		if written != nil {
			if w, ok := written.rows[r.key]; ok {
				r = w
			}
		}
		out = append(out, r)
	}
	if written != nil {
		for _, k := range written.keys {
			if _, ok := seen[k]; !ok {
				out = append(out, written.rows[k])
			}
		}
	}
	return out
}

// Snapshot returns the committed rows of the class as attribute maps, for tests.
func (db *DB) Snapshot(class *metadata.Class) []map[string]any {
	var out []map[string]any
	for _, r := range db.scan(rootOf(class).Name()) {
		if class.IsAssignableFrom(r.class) {
			out = append(out, maps.Clone(r.values))
		}
	}
	return out
}
