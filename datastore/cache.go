package datastore

import (
	"context"
	"fmt"
	"maps"
	"slices"
	"strings"

	"github.com/google/uuid"
	"github.com/vmihailenco/msgpack/v5"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
)

// cachedIDs is the cached result of a query: the ids of the loaded rows in
// result order. Only one list is set, depending on the primary key type.
type cachedIDs struct {
	Ints    []int64  `msgpack:"i,omitempty"`
	Strings []string `msgpack:"s,omitempty"`
	UUIDs   []string `msgpack:"u,omitempty"`
}

// cacheableIDs reports whether the ids of the class can be cached.
func cacheableIDs(class *metadata.Class) bool {
	switch class.PrimaryKeyProperty().Type() {
	case metadata.TypeInt, metadata.TypeInt64, metadata.TypeString, metadata.TypeUUID:
		return true
	}
	return false
}

func encodeIDs(class *metadata.Class, ents []*entity.Entity) ([]byte, error) {
	var c cachedIDs
	for _, e := range ents {
		switch id := e.ID().(type) {
		case int64:
			c.Ints = append(c.Ints, id)
		case int:
			c.Ints = append(c.Ints, int64(id))
		case string:
			c.Strings = append(c.Strings, id)
		case uuid.UUID:
			c.UUIDs = append(c.UUIDs, id.String())
		default:
			return nil, fmt.Errorf("datastore: cannot cache %s id of type %T", class.Name(), id)
		}
	}
	return msgpack.Marshal(&c)
}

func decodeIDs(b []byte) ([]any, error) {
	var c cachedIDs
	if err := msgpack.Unmarshal(b, &c); err != nil {
		return nil, err
	}
	ids := make([]any, 0, len(c.Ints)+len(c.Strings)+len(c.UUIDs))
	for _, id := range c.Ints {
		ids = append(ids, id)
	}
	for _, id := range c.Strings {
		ids = append(ids, id)
	}
	for _, s := range c.UUIDs {
		id, err := uuid.Parse(s)
		if err != nil {
			return nil, err
		}
		ids = append(ids, id)
	}
	return ids, nil
}

func cacheKey(class *metadata.Class, lc *data.LoadContext, lq *loadQuery) string {
	params := make([]string, 0, len(lq.params))
	for _, name := range slices.Sorted(maps.Keys(lq.params)) {
		params = append(params, fmt.Sprintf("%s=%v", name, lq.params[name]))
	}
	return vxdata.CacheKey{
		Entity:      class.Name(),
		Query:       lq.text,
		Params:      strings.Join(params, "&"),
		FirstResult: lq.first,
		MaxResults:  lq.max,
		SoftDelete:  lc.SoftDeletion(),
	}.String()
}

// cachedList serves a cacheable query from the cache of result ids, loading
// the instances by id. On a miss the query runs once for all concurrent
// callers with the same key; callers other than the one that ran it load
// the ids in their own transaction.
func (s *Store) cachedList(ctx context.Context, em orm.EntityManager, class *metadata.Class, lc *data.LoadContext, lq *loadQuery, plan *fetchplan.FetchPlan, run func(context.Context) ([]*entity.Entity, error)) ([]*entity.Entity, error) {
	if !cacheableIDs(class) {
		return run(ctx)
	}
	key := cacheKey(class, lc, lq)
	fromIDs := func(b []byte) ([]*entity.Entity, error) {
		ids, err := decodeIDs(b)
		if err != nil {
			return nil, err
		}
		if len(ids) == 0 {
			return nil, nil
		}
		return s.loadByIDs(ctx, em, class, ids, plan, lc.Hints(), false)
	}
	if b, err := s.cache.Get(ctx, key); err != nil {
		s.log.Warn("datastore: query cache get failed", "key", key, "error", err)
	} else if b != nil {
		ents, err := fromIDs(b)
		if err == nil {
			s.log.Debug("datastore: query cache hit", "key", key, "rows", len(ents))
			return ents, nil
		}
		// Rows were deleted since the result was cached.
		s.log.Debug("datastore: stale query cache entry", "key", key, "error", err)
		_ = s.cache.Delete(ctx, key)
	}
	var mine []*entity.Entity
	v, err, _ := s.flight.Do(key, func() (any, error) {
		ents, err := run(ctx)
		if err != nil {
			return nil, err
		}
		mine = ents
		b, err := encodeIDs(class, ents)
		if err != nil {
			return nil, err
		}
		if err := s.cache.Set(ctx, key, b, s.cfg.QueryCacheTTL); err != nil {
			s.log.Warn("datastore: query cache set failed", "key", key, "error", err)
		}
		return b, nil
	})
	if err != nil {
		return nil, err
	}
	if mine != nil {
		return mine, nil
	}
	return fromIDs(v.([]byte))
}

// evict drops the cached query results of the classes and their hierarchies.
func (s *Store) evict(ctx context.Context, classes map[string]*metadata.Class) {
	if s.cache == nil {
		return
	}
	names := make(map[string]struct{})
	var walkDown func(c *metadata.Class)
	walkDown = func(c *metadata.Class) {
		names[c.Name()] = struct{}{}
		for _, d := range c.Descendants() {
			walkDown(d)
		}
	}
	for _, c := range classes {
		for a := c; a != nil; a = a.Ancestor() {
			names[a.Name()] = struct{}{}
		}
		walkDown(c)
	}
	for _, name := range slices.Sorted(maps.Keys(names)) {
		prefix := vxdata.CacheKey{Entity: name}.Prefix()
		if err := s.cache.DeletePrefix(ctx, prefix); err != nil {
			s.log.Warn("datastore: query cache eviction failed", "entity", name, "error", err)
		}
	}
}
