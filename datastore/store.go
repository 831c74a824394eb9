// Package datastore loads and commits entity graphs through an ORM.
//
// A Store turns a LoadContext into an ORM query: the fetch plan becomes a
// fetch group with join and batch hints, the sort becomes an order by
// clause, and id lists are split into IN queries. Loaded rows are filtered by
// in-memory security constraints, with pages refilled when filtering leaves
// them short.
//
//	store, err := datastore.New(reg, db, datastore.WithSecurity(policy))
//	orders, err := store.LoadList(ctx, data.NewLoadContext("Order").
//	    WithQuery(data.NewQuery("select o from Order o where o.amount > :a").WithParam("a", 100)).
//	    WithFetchPlan(plan))
package datastore

import (
	"context"
	"fmt"
	"log/slog"
	"strings"

	"golang.org/x/sync/singleflight"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchgroup"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/idgen"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
	"github.com/syssam/vxdata/security"
	"github.com/syssam/vxdata/sortgen"
)

// cascadePersistPattern and reportQueryPattern identify ORM errors that are
// translated into clearer ones.
const (
	cascadePersistPattern = "cascade PERSIST"
	reportQueryPattern    = "Fetch group cannot be set on report query"
)

// Store loads and commits entities. It keeps no per-call state and is safe
// for concurrent use.
type Store struct {
	reg         *metadata.Registry
	txm         orm.TxManager
	sec         security.Security
	cfg         Config
	log         *slog.Logger
	fetchGroups *fetchgroup.Manager
	sorter      *sortgen.Generator
	cache       vxdata.Cache
	flight      singleflight.Group
	ids         *idgen.Cache
	listeners   []listenerEntry
	publisher   EventPublisher
}

// New returns a store over the transaction manager.
func New(reg *metadata.Registry, txm orm.TxManager, opts ...Option) (*Store, error) {
	if reg == nil || txm == nil {
		return nil, vxdata.NewConfigError("Store", nil, "registry and transaction manager are required")
	}
	s := &Store{
		reg: reg,
		txm: txm,
		cfg: DefaultConfig(),
		log: slog.Default(),
	}
	for _, opt := range opts {
		if err := opt(s); err != nil {
			return nil, err
		}
	}
	s.fetchGroups = fetchgroup.NewManager(fetchgroup.WithLogger(s.log))
	s.sorter = sortgen.New(reg, sortgen.WithLobSortSupported(s.cfg.LobSortSupported))
	return s, nil
}

// Registry returns the schema the store works with.
func (s *Store) Registry() *metadata.Registry { return s.reg }

// authorized reports whether security applies to a call.
func (s *Store) authorized(required bool) bool {
	return required && s.sec != nil
}

func (s *Store) permitted(ctx context.Context, auth bool, class *metadata.Class, op vxdata.EntityOp) bool {
	return !auth || s.sec.IsEntityOpPermitted(ctx, class, op)
}

// fetchPlan returns the plan of a load, restricted to the attributes the
// viewer may see. Loads without a plan use the local plan.
func (s *Store) fetchPlan(ctx context.Context, class *metadata.Class, plan *fetchplan.FetchPlan, auth bool) *fetchplan.FetchPlan {
	if plan == nil {
		plan = fetchplan.Local(class)
	}
	if auth {
		plan = security.RestrictFetchPlan(ctx, s.sec, plan)
	}
	return plan
}

// maxIn returns the largest id list of one IN query, 0 if unlimited.
func (s *Store) maxIn() int {
	if s.cfg.MaxIDListSize > 0 {
		return s.cfg.MaxIDListSize
	}
	if l, ok := s.txm.(interface{ MaxInListSize() int }); ok {
		return l.MaxInListSize()
	}
	return 0
}

func (s *Store) joinTx(v bool) bool {
	return v || s.cfg.DefaultJoinTransaction
}

// finishLoad ends the read part of a load. Loads joining the ambient
// transaction flush it and detach the loaded graph so that callers never
// hold instances managed by a transaction they do not own.
func (s *Store) finishLoad(ctx context.Context, tx orm.Transaction, join bool, plan *fetchplan.FetchPlan, entities []*entity.Entity) error {
	em := tx.EntityManager()
	if join {
		if err := em.Flush(ctx); err != nil {
			return translate(err, "")
		}
		seen := make(map[*entity.Entity]struct{})
		for _, e := range entities {
			detachGraph(em, e, plan, seen)
		}
	}
	if err := tx.Commit(ctx); err != nil {
		return fmt.Errorf("datastore: committing load transaction: %w", translate(err, ""))
	}
	return nil
}

// detachGraph detaches the instance and every non-embedded instance
// reachable through the plan.
func detachGraph(em orm.EntityManager, e *entity.Entity, plan *fetchplan.FetchPlan, seen map[*entity.Entity]struct{}) {
	if e == nil {
		return
	}
	if _, ok := seen[e]; ok {
		return
	}
	seen[e] = struct{}{}
	em.Detach(e)
	if plan == nil {
		return
	}
	for _, fp := range plan.Properties() {
		p := e.Class().Property(fp.Name())
		if p == nil || !p.IsReference() || !e.IsLoaded(p.Name()) {
			continue
		}
		if p.IsCollection() {
			for _, r := range e.Refs(p.Name()) {
				detachGraph(em, r, fp.Plan(), seen)
			}
			continue
		}
		detachGraph(em, e.Ref(p.Name()), fp.Plan(), seen)
	}
}

// translate replaces ORM errors known by their message with clearer ones.
// The original error stays reachable through errors.Is and errors.As.
func translate(err error, query string) error {
	if err == nil {
		return nil
	}
	msg := err.Error()
	switch {
	case strings.Contains(msg, cascadePersistPattern):
		return &vxdata.IllegalStateError{
			Message: "an instance references a new instance that is not committed; " +
				"every new instance must be committed in the same commit context",
			Suppressed: err,
		}
	case strings.Contains(msg, reportQueryPattern):
		return &vxdata.ReportQueryError{Query: query, Err: err}
	}
	return err
}

func toEntities(rows []any, query string) ([]*entity.Entity, error) {
	out := make([]*entity.Entity, 0, len(rows))
	for _, r := range rows {
		e, ok := r.(*entity.Entity)
		if !ok {
			return nil, &vxdata.ReportQueryError{Query: query, Err: fmt.Errorf("datastore: query returned %T instead of an entity", r)}
		}
		out = append(out, e)
	}
	return out, nil
}
