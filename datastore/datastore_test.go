package datastore_test

import (
	"context"
	"errors"
	"fmt"
	"io"
	"log/slog"
	"maps"
	"slices"
	"strings"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/datastore"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/internal/testschema"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
	"github.com/syssam/vxdata/orm/ormmem"
	"github.com/syssam/vxdata/security"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	reg      *metadata.Registry
	db       *ormmem.DB
	store    *datastore.Store
	customer *metadata.Class
	order    *metadata.Class
}

func newFixture(t *testing.T, dbOpts []ormmem.Option, opts ...datastore.Option) *fixture {
	t.Helper()
	reg := testschema.Registry()
	db := ormmem.New(reg, append([]ormmem.Option{ormmem.WithLogger(quiet)}, dbOpts...)...)
	s, err := datastore.New(reg, db, append([]datastore.Option{datastore.WithLogger(quiet)}, opts...)...)
	require.NoError(t, err)
	return &fixture{
		reg:      reg,
		db:       db,
		store:    s,
		customer: reg.MustClass("Customer"),
		order:    reg.MustClass("Order"),
	}
}

func (f *fixture) save(t *testing.T, entities ...*entity.Entity) {
	t.Helper()
	ctx := context.Background()
	err := orm.InTx(ctx, f.db.Begin(), func(ctx context.Context, em orm.EntityManager) error {
		for _, e := range entities {
			if err := em.Persist(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

// seedOrders stores orders with ids 1..n numbered "n01".."nNN".
func (f *fixture) seedOrders(t *testing.T, n int) []*entity.Entity {
	t.Helper()
	out := make([]*entity.Entity, n)
	for i := range n {
		o := entity.New(f.order)
		o.SetID(int64(i + 1))
		o.Set("number", fmt.Sprintf("n%02d", i+1))
		out[i] = o
	}
	f.save(t, out...)
	return out
}

func (f *fixture) customerNamed(t *testing.T, name string) *entity.Entity {
	t.Helper()
	c := entity.New(f.customer)
	c.Set("name", name)
	f.save(t, c)
	return c
}

func numbers(ents []*entity.Entity) []string {
	out := make([]string, len(ents))
	for i, e := range ents {
		out[i], _ = e.Get("number").(string)
	}
	return out
}

func executedLike(db *ormmem.DB, fragment string) []ormmem.Executed {
	var out []ormmem.Executed
	for _, e := range db.Executed() {
		if strings.Contains(e.Text, fragment) {
			out = append(out, e)
		}
	}
	return out
}

// evenOrders passes orders with an even id.
func evenOrders(_ context.Context, e *entity.Entity) bool {
	id, _ := e.ID().(int64)
	return id%2 == 0
}

// memCache is a vxdata.Cache over a map.
type memCache struct {
	mu   sync.Mutex
	data map[string][]byte
}

func newMemCache() *memCache { return &memCache{data: make(map[string][]byte)} }

func (c *memCache) Get(_ context.Context, key string) ([]byte, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	return c.data[key], nil
}

func (c *memCache) Set(_ context.Context, key string, value []byte, _ time.Duration) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.data[key] = value
	return nil
}

func (c *memCache) Delete(_ context.Context, key string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	delete(c.data, key)
	return nil
}

func (c *memCache) DeletePrefix(_ context.Context, prefix string) error {
	c.mu.Lock()
	defer c.mu.Unlock()
	maps.DeleteFunc(c.data, func(k string, _ []byte) bool { return strings.HasPrefix(k, prefix) })
	return nil
}

func (c *memCache) keys() []string {
	c.mu.Lock()
	defer c.mu.Unlock()
	return slices.Sorted(maps.Keys(c.data))
}

var _ vxdata.Cache = (*memCache)(nil)

func TestNew(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	db := ormmem.New(reg)

	_, err := datastore.New(nil, db)
	assert.True(t, vxdata.IsConfigError(err))

	_, err = datastore.New(reg, db, datastore.WithSecurity(nil))
	assert.True(t, vxdata.IsConfigError(err))

	_, err = datastore.New(reg, db, datastore.WithListener("Nope", datastore.ListenerFunc(
		func(context.Context, datastore.LifecycleEvent, *entity.Entity) error { return nil })))
	assert.True(t, vxdata.IsConfigError(err))

	s, err := datastore.New(reg, db)
	require.NoError(t, err)
	assert.Same(t, reg, s.Registry())
}

func TestLoad(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seedOrders(t, 3)
	ctx := context.Background()

	tests := []struct {
		name string
		lc   *data.LoadContext
		want string
	}{
		{
			name: "by id",
			lc:   data.NewLoadContext("Order").WithID(int64(2)),
			want: "n02",
		},
		{
			name: "by int id",
			lc:   data.NewLoadContext("Order").WithID(3),
			want: "n03",
		},
		{
			name: "missing id",
			lc:   data.NewLoadContext("Order").WithID(int64(42)),
		},
		{
			name: "first row of query",
			lc: data.NewLoadContext("Order").WithQuery(
				data.NewQuery("select o from Order o where o.number > :n").WithParam("n", "n01").WithSort(data.SortBy("number"))),
			want: "n02",
		},
		{
			name: "query with max results 1 and no row",
			lc: data.NewLoadContext("Order").WithQuery(
				data.NewQuery("select o from Order o where o.number = 'x'").WithPage(0, 1)),
		},
		{
			name: "id with max results 1",
			lc: data.NewLoadContext("Order").WithID(int64(1)).WithQuery(
				data.NewQuery("select o from Order o where o.number = 'x'").WithPage(0, 1)),
			want: "n01",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got, err := f.store.Load(ctx, tt.lc)
			require.NoError(t, err)
			if tt.want == "" {
				assert.Nil(t, got)
				return
			}
			require.NotNil(t, got)
			assert.Equal(t, tt.want, got.Get("number"))
			assert.Equal(t, entity.StateDetached, got.State())
		})
	}
}

func TestLoadRequiresIDOrQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	_, err := f.store.Load(context.Background(), data.NewLoadContext("Order"))
	assert.True(t, vxdata.IsDevelopmentError(err))
}

func TestLoadListAll(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seedOrders(t, 4)
	got, err := f.store.LoadList(context.Background(), data.NewLoadContext("Order").
		WithQuery(data.NewQuery("").WithSort(data.SortByDirection(data.Desc, "number"))))
	require.NoError(t, err)
	assert.Equal(t, []string{"n04", "n03", "n02", "n01"}, numbers(got))
}

func TestLoadListByIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, []ormmem.Option{ormmem.WithMaxInListSize(2)})
	f.seedOrders(t, 5)
	ctx := context.Background()

	got, err := f.store.LoadList(ctx, data.NewLoadContext("Order").WithIDs(int64(3), int64(1), int64(2)))
	require.NoError(t, err)
	assert.Equal(t, []string{"n03", "n01", "n02"}, numbers(got))

	f.db.ResetExecuted()
	got, err = f.store.LoadList(ctx, data.NewLoadContext("Order").WithIDs(5, 4, 3, 2, 1))
	require.NoError(t, err)
	assert.Equal(t, []string{"n05", "n04", "n03", "n02", "n01"}, numbers(got))
	assert.Len(t, executedLike(f.db, ":entityIds"), 3, "five ids in IN lists of two")

	_, err = f.store.LoadList(ctx, data.NewLoadContext("Order").WithIDs(int64(1), int64(99)))
	assert.True(t, vxdata.IsEntityNotFound(err))
}

func TestLoadListByIDsFilteredByConstraint(t *testing.T) {
	t.Parallel()
	policy := security.NewPolicy().Constrain("Order", vxdata.OpRead, evenOrders)
	f := newFixture(t, nil, datastore.WithSecurity(policy))
	f.seedOrders(t, 4)

	_, err := f.store.LoadList(context.Background(), data.NewLoadContext("Order").
		WithIDs(int64(2), int64(3)).WithAuthorization(true))
	assert.True(t, vxdata.IsAccessDenied(err))
}

func TestLoadListCompositeIDs(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	shipment := f.reg.MustClass("Shipment")
	var ids []any
	for i := range 3 {
		id := entity.EmbeddedID(shipment, int64(7), i)
		s := entity.NewWithID(shipment, id)
		s.Set("carrier", fmt.Sprintf("c%d", i))
		f.save(t, s)
		ids = append(ids, id)
	}
	f.db.ResetExecuted()
	got, err := f.store.LoadList(context.Background(), data.NewLoadContext("Shipment").WithIDs(ids[2], ids[0]))
	require.NoError(t, err)
	require.Len(t, got, 2)
	assert.Equal(t, "c2", got[0].Get("carrier"))
	assert.Equal(t, "c0", got[1].Get("carrier"))
	assert.Len(t, executedLike(f.db, "e.id = :"), 2, "one query per embedded key")
}

func TestLoadListRepaging(t *testing.T) {
	t.Parallel()
	policy := security.NewPolicy().Constrain("Order", vxdata.OpRead, evenOrders)
	f := newFixture(t, nil, datastore.WithSecurity(policy))
	f.seedOrders(t, 20)
	ctx := context.Background()

	tests := []struct {
		name       string
		first, max int
		want       []string
		unfiltered bool
	}{
		{name: "first page", max: 3, want: []string{"n02", "n04", "n06"}},
		{name: "second page", first: 3, max: 3, want: []string{"n08", "n10", "n12"}},
		{name: "last short page", first: 8, max: 5, want: []string{"n18", "n20"}},
		{name: "past the end", first: 30, max: 5},
		{name: "without authorization", first: 1, max: 2, unfiltered: true, want: []string{"n02", "n03"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q := data.NewQuery("select o from Order o").WithPage(tt.first, tt.max).WithSort(data.SortBy("number"))
			got, err := f.store.LoadList(ctx, data.NewLoadContext("Order").WithQuery(q).WithAuthorization(!tt.unfiltered))
			require.NoError(t, err)
			if tt.want == nil {
				assert.Empty(t, got)
				return
			}
			assert.Equal(t, tt.want, numbers(got))
		})
	}
}

func TestReadDenied(t *testing.T) {
	t.Parallel()
	policy := security.NewPolicy().Deny("Order", vxdata.OpRead)
	f := newFixture(t, nil, datastore.WithSecurity(policy))
	f.seedOrders(t, 2)
	ctx := context.Background()
	lc := data.NewLoadContext("Order").WithAuthorization(true)

	one, err := f.store.Load(ctx, lc.WithID(int64(1)))
	require.NoError(t, err)
	assert.Nil(t, one)

	list, err := f.store.LoadList(ctx, lc)
	require.NoError(t, err)
	assert.Empty(t, list)

	n, err := f.store.GetCount(ctx, lc)
	require.NoError(t, err)
	assert.Zero(t, n)

	list, err = f.store.LoadList(ctx, lc.WithAuthorization(false))
	require.NoError(t, err)
	assert.Len(t, list, 2)
}

func TestGetCount(t *testing.T) {
	t.Parallel()
	policy := security.NewPolicy().Constrain("Order", vxdata.OpRead, evenOrders)
	f := newFixture(t, nil, datastore.WithSecurity(policy))
	f.seedOrders(t, 7)
	ctx := context.Background()
	q := data.NewQuery("select o from Order o where o.number > :n").WithParam("n", "n01").WithPage(0, 2)

	tests := []struct {
		name string
		lc   *data.LoadContext
		want int64
	}{
		{name: "count query ignores paging", lc: data.NewLoadContext("Order").WithQuery(q), want: 6},
		{name: "in-memory constraints", lc: data.NewLoadContext("Order").WithQuery(q).WithAuthorization(true), want: 3},
		{name: "ids", lc: data.NewLoadContext("Order").WithIDs(int64(1), int64(2)), want: 2},
		{name: "all", lc: data.NewLoadContext("Order"), want: 7},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			n, err := f.store.GetCount(ctx, tt.lc)
			require.NoError(t, err)
			assert.Equal(t, tt.want, n)
		})
	}
}

func TestGetCountConstraintOnAttribute(t *testing.T) {
	t.Parallel()
	active := func(_ context.Context, e *entity.Entity) bool { return e.Get("status") == "active" }
	policy := security.NewPolicy().Constrain("Customer", vxdata.OpRead, active)
	f := newFixture(t, nil, datastore.WithSecurity(policy))
	for i, status := range []string{"active", "blocked", "active"} {
		c := entity.New(f.customer)
		c.Set("name", fmt.Sprintf("c%d", i))
		c.Set("status", status)
		f.save(t, c)
	}
	ctx := context.Background()
	lc := data.NewLoadContext("Customer").WithAuthorization(true)

	list, err := f.store.LoadList(ctx, lc.WithFetchPlan(fetchplan.Local(f.customer)))
	require.NoError(t, err)
	assert.Len(t, list, 2)

	n, err := f.store.GetCount(ctx, lc)
	require.NoError(t, err)
	assert.Equal(t, int64(2), n)
}

func TestLoadValues(t *testing.T) {
	t.Parallel()
	policy := security.NewPolicy().HideAttribute("Order", "number")
	f := newFixture(t, nil, datastore.WithSecurity(policy))
	f.seedOrders(t, 2)
	ctx := context.Background()
	q := data.NewQuery("select o.id, o.number from Order o order by o.id")

	rows, err := f.store.LoadValues(ctx, data.NewValueLoadContext(q, "id", "number"))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.Equal(t, "n01", rows[0].Get("number"))

	rows, err = f.store.LoadValues(ctx, data.NewValueLoadContext(q, "id", "number").WithAuthorization(true))
	require.NoError(t, err)
	require.Len(t, rows, 2)
	assert.EqualValues(t, 1, rows[0].Get("id"))
	assert.Nil(t, rows[0].Get("number"))

	_, err = f.store.LoadValues(ctx, data.NewValueLoadContext(nil, "id"))
	assert.True(t, vxdata.IsDevelopmentError(err))
}

func TestReportQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seedOrders(t, 1)
	_, err := f.store.LoadList(context.Background(), data.NewLoadContext("Order").
		WithQuery(data.NewQuery("select o.number from Order o")))
	var rq *vxdata.ReportQueryError
	require.ErrorAs(t, err, &rq)
	assert.Equal(t, "select o.number from Order o", rq.Query)
}

func TestPrevQueries(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seedOrders(t, 6)
	prev := data.NewQuery("select o from Order o where o.number > :n").WithParam("n", "n02")
	got, err := f.store.LoadList(context.Background(), data.NewLoadContext("Order").
		WithQuery(data.NewQuery("select o from Order o where o.number < 'n06'").WithSort(data.SortBy("number"))).
		WithPrevQueries(1, prev))
	require.NoError(t, err)
	assert.Equal(t, []string{"n03", "n04", "n05"}, numbers(got))
}

func TestFetchPlanHints(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	c := f.customerNamed(t, "alice")
	o := entity.New(f.order)
	o.SetID(int64(1))
	o.Set("number", "n01")
	o.Set("customer", c)
	f.save(t, o)

	tests := []struct {
		name      string
		partial   bool
		loadGroup bool
	}{
		{name: "partial plan sets a fetch group", partial: true},
		{name: "full plan sets a load group", loadGroup: true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			plan := fetchplan.New(f.order).
				Partial(tt.partial).
				AddPlan("customer", fetchplan.Local(f.customer)).
				MustBuild()
			got, err := f.store.LoadList(context.Background(), data.NewLoadContext("Order").WithFetchPlan(plan))
			require.NoError(t, err)
			require.Len(t, got, 1)
			require.NotNil(t, got[0].Ref("customer"))
			assert.Equal(t, "alice", got[0].Ref("customer").Get("name"))
			executed := f.db.Executed()
			require.NotEmpty(t, executed)
			last := executed[len(executed)-1]
			if tt.loadGroup {
				assert.NotNil(t, last.LoadGroup)
				assert.Nil(t, last.FetchGroup)
			} else {
				assert.NotNil(t, last.FetchGroup)
				assert.Nil(t, last.LoadGroup)
			}
		})
	}
}

func TestQueryCache(t *testing.T) {
	t.Parallel()
	cache := newMemCache()
	f := newFixture(t, nil, datastore.WithCache(cache))
	f.seedOrders(t, 3)
	ctx := context.Background()
	lc := data.NewLoadContext("Order").WithQuery(
		data.NewQuery("select o from Order o where o.number > 'n01'").WithSort(data.SortBy("number")).WithCacheable(true))

	first, err := f.store.LoadList(ctx, lc)
	require.NoError(t, err)
	require.Len(t, cache.keys(), 1)
	assert.True(t, strings.HasPrefix(cache.keys()[0], "Order:"))

	f.db.ResetExecuted()
	second, err := f.store.LoadList(ctx, lc)
	require.NoError(t, err)
	assert.Equal(t, numbers(first), numbers(second))
	assert.Empty(t, executedLike(f.db, "'n01'"), "served from the cache")
	assert.Len(t, executedLike(f.db, ":entityIds"), 1)

	o := entity.New(f.order)
	o.Set("number", "n09")
	o.SetID(int64(9))
	_, err = f.store.Commit(ctx, data.NewCommit(o).Build())
	require.NoError(t, err)
	assert.Empty(t, cache.keys(), "commit evicts the entity results")

	third, err := f.store.LoadList(ctx, lc)
	require.NoError(t, err)
	assert.Equal(t, []string{"n02", "n03", "n09"}, numbers(third))
}

func TestJoinTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t, nil)
	f.seedOrders(t, 2)
	ctx := context.Background()

	tx := f.db.Begin()
	defer tx.End(ctx)
	ctx = orm.NewContext(ctx, tx)
	got, err := f.store.LoadList(ctx, data.NewLoadContext("Order").WithJoinTransaction(true))
	require.NoError(t, err)
	require.Len(t, got, 2)
	for _, e := range got {
		assert.False(t, tx.EntityManager().IsManaged(e))
	}
}

func TestLoadConfig(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		in      string
		want    datastore.Config
		wantErr bool
	}{
		{
			name: "empty",
			want: datastore.DefaultConfig(),
		},
		{
			name: "values",
			in:   "maxIdListSize: 500\ninMemoryDistinct: true\nqueryCacheTTL: 1m\n",
			want: datastore.Config{
				MaxIDListSize:         500,
				InMemoryDistinct:      true,
				MaxRepagingIterations: datastore.DefaultMaxRepagingIterations,
				QueryCacheTTL:         time.Minute,
			},
		},
		{
			name:    "negative",
			in:      "maxIdListSize: -1\n",
			wantErr: true,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			cfg, err := datastore.LoadConfig(strings.NewReader(tt.in))
			if tt.wantErr {
				assert.True(t, vxdata.IsConfigError(err))
				assert.True(t, errors.Is(err, vxdata.ErrInvalidConfig))
				return
			}
			require.NoError(t, err)
			assert.Equal(t, tt.want, cfg)
		})
	}
}
