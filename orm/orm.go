// Package orm defines the persistence engine consumed by the data store.
//
// The data store never talks to a database directly: it builds query text
// and hints, and drives an EntityManager inside a Transaction. Package
// ormmem provides an in-memory implementation.
package orm

import (
	"context"
	"errors"
	"fmt"
	"slices"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/metadata"
)

// Query hint names.
const (
	// HintLeftJoinFetch eagerly loads a path with an outer join. The value is
	// the path prefixed by the query alias, e.g. "e.customer".
	HintLeftJoinFetch = "orm.left-join-fetch"
	// HintBatch loads a path with a follow-up query keyed by parent ids.
	HintBatch = "orm.batch"
	// HintBatchType selects the batch query shape, see BatchTypeIN.
	HintBatchType = "orm.batch.type"
	// HintQueryCache enables the ORM query cache.
	HintQueryCache = "orm.query-cache"
)

// BatchTypeIN batches with "where id in (...)".
const BatchTypeIN = "IN"

// ErrNoResult is returned by SingleResult when the query has no rows.
var ErrNoResult = errors.New("orm: no result")

// ErrNonUniqueResult is returned by SingleResult when the query has more than one row.
var ErrNonUniqueResult = errors.New("orm: more than one result")

// FetchGroup restricts the attributes materialized by a query.
type FetchGroup struct {
	// Attributes are dotted attribute paths relative to the root entity.
	Attributes []string
}

// NewFetchGroup returns a fetch group of the attributes.
func NewFetchGroup(attrs ...string) *FetchGroup {
	return &FetchGroup{Attributes: slices.Clone(attrs)}
}

// Contains reports whether the path is in the group.
func (g *FetchGroup) Contains(path string) bool {
	return g != nil && slices.Contains(g.Attributes, path)
}

// Local returns the first-level attribute names of the group.
func (g *FetchGroup) Local() []string {
	if g == nil {
		return nil
	}
	var out []string
	for _, a := range g.Attributes {
		name := a
		for i := range len(a) {
			if a[i] == '.' {
				name = a[:i]
				break
			}
		}
		if !slices.Contains(out, name) {
			out = append(out, name)
		}
	}
	return out
}

// Nested returns the group of the paths below the attribute, or nil.
func (g *FetchGroup) Nested(attr string) *FetchGroup {
	if g == nil {
		return nil
	}
	prefix := attr + "."
	var sub []string
	for _, a := range g.Attributes {
		if len(a) > len(prefix) && a[:len(prefix)] == prefix {
			sub = append(sub, a[len(prefix):])
		}
	}
	if sub == nil {
		return nil
	}
	return &FetchGroup{Attributes: sub}
}

// Query is an executable query.
type Query interface {
	// Text returns the query text.
	Text() string
	SetParameter(name string, v any) Query
	SetHint(name string, v any) Query
	SetFirstResult(n int) Query
	SetMaxResults(n int) Query
	SetCacheable(cacheable bool) Query
	// SetFetchGroup loads entities partially, with only the group's attributes.
	SetFetchGroup(g *FetchGroup) Query
	// SetLoadGroup loads entities fully and also loads the group's references.
	SetLoadGroup(g *FetchGroup) Query
	// SingleResult returns the only row, ErrNoResult or ErrNonUniqueResult.
	SingleResult(ctx context.Context) (any, error)
	// ResultList returns all rows. Entity queries return *entity.Entity rows,
	// value queries return []any rows for multiple columns.
	ResultList(ctx context.Context) ([]any, error)
}

// EntityManager manages instances within a persistence context.
type EntityManager interface {
	// Persist makes a new instance managed. It is inserted on flush.
	Persist(ctx context.Context, e *entity.Entity) error
	// Merge copies the state of the instance into the managed instance of the
	// same row and returns the managed one.
	Merge(ctx context.Context, e *entity.Entity) (*entity.Entity, error)
	// Remove removes a managed instance, or marks it deleted under soft deletion.
	Remove(ctx context.Context, e *entity.Entity) error
	// Detach detaches a managed instance.
	Detach(e *entity.Entity)
	// Flush writes pending changes.
	Flush(ctx context.Context) error
	// Find returns the managed instance of the row, or nil.
	Find(ctx context.Context, class *metadata.Class, id any) (*entity.Entity, error)
	// Reload loads the attributes of a managed instance from the database.
	Reload(ctx context.Context, e *entity.Entity, g *FetchGroup) error
	// CreateQuery returns a query of the text.
	CreateQuery(text string) Query
	// SetSoftDeletion sets whether soft-deleted rows are hidden and removes mark instead of delete.
	SetSoftDeletion(v bool)
	SoftDeletion() bool
	// IsManaged reports whether the instance belongs to this persistence context.
	IsManaged(e *entity.Entity) bool
	// Changes returns the attributes of a managed instance that differ from
	// the database state, with their old values.
	Changes(e *entity.Entity) map[string]any
}

// Transaction is a scoped persistence context.
type Transaction interface {
	EntityManager() EntityManager
	// Commit writes and commits the changes. A joined transaction only flushes.
	Commit(ctx context.Context) error
	// End rolls back an uncommitted transaction and releases it. It is safe to
	// call after Commit.
	End(ctx context.Context)
	// Joined reports whether the transaction joined an ambient one.
	Joined() bool
}

// TxManager opens transactions.
type TxManager interface {
	// LoadTransaction opens a transaction for reading. When join is true an
	// ambient transaction in the context is joined.
	LoadTransaction(ctx context.Context, join, readOnly bool) (Transaction, error)
	// SaveTransaction opens a transaction for writing.
	SaveTransaction(ctx context.Context, join bool) (Transaction, error)
}

type txCtxKey struct{}

// NewContext returns a context carrying an ambient transaction.
func NewContext(parent context.Context, tx Transaction) context.Context {
	return context.WithValue(parent, txCtxKey{}, tx)
}

// FromContext returns the ambient transaction, or nil.
func FromContext(ctx context.Context) Transaction {
	tx, _ := ctx.Value(txCtxKey{}).(Transaction)
	return tx
}

// InTx runs fn in the transaction, committing on success. The transaction
// is ended on every path, including panics.
func InTx(ctx context.Context, tx Transaction, fn func(context.Context, EntityManager) error) error {
	defer tx.End(ctx)
	if err := fn(NewContext(ctx, tx), tx.EntityManager()); err != nil {
		return err
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("orm: committing transaction: %w", err)
	}
	return nil
}
