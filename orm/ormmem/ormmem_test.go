package ormmem_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/internal/testschema"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
	"github.com/syssam/vxdata/orm/ormmem"
)

type fixture struct {
	reg      *metadata.Registry
	db       *ormmem.DB
	customer *metadata.Class
	order    *metadata.Class
}

func newFixture(t *testing.T, opts ...ormmem.Option) *fixture {
	t.Helper()
	reg := testschema.Registry()
	return &fixture{
		reg:      reg,
		db:       ormmem.New(reg, opts...),
		customer: reg.MustClass("Customer"),
		order:    reg.MustClass("Order"),
	}
}

func (f *fixture) customerNamed(name string) *entity.Entity {
	c := entity.New(f.customer)
	c.Set("name", name)
	return c
}

func (f *fixture) save(t *testing.T, entities ...*entity.Entity) {
	t.Helper()
	ctx := context.Background()
	tx := f.db.Begin()
	err := orm.InTx(ctx, tx, func(ctx context.Context, em orm.EntityManager) error {
		for _, e := range entities {
			if err := em.Persist(ctx, e); err != nil {
				return err
			}
		}
		return nil
	})
	require.NoError(t, err)
}

func (f *fixture) list(t *testing.T, text string, setup func(orm.Query)) []any {
	t.Helper()
	ctx := context.Background()
	tx := f.db.Begin()
	defer tx.End(ctx)
	q := tx.EntityManager().CreateQuery(text)
	if setup != nil {
		setup(q)
	}
	rows, err := q.ResultList(ctx)
	require.NoError(t, err)
	return rows
}

func names(rows []any) []string {
	out := make([]string, len(rows))
	for i, r := range rows {
		out[i], _ = r.(*entity.Entity).Get("name").(string)
	}
	return out
}

func TestPersistFind(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	c := f.customerNamed("alice")
	f.save(t, c)
	assert.Equal(t, 1, f.db.Count(f.customer))
	assert.Equal(t, entity.StateDetached, c.State())

	tx := f.db.Begin()
	defer tx.End(ctx)
	found, err := tx.EntityManager().Find(ctx, f.customer, c.ID())
	require.NoError(t, err)
	require.NotNil(t, found)
	assert.NotSame(t, c, found)
	assert.Equal(t, "alice", found.Get("name"))
	assert.True(t, tx.EntityManager().IsManaged(found))

	again, err := tx.EntityManager().Find(ctx, f.customer, c.ID())
	require.NoError(t, err)
	assert.Same(t, found, again)

	err = tx.EntityManager().Persist(ctx, c)
	assert.ErrorContains(t, err, "duplicate key")
}

func TestQuery(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.save(t, f.customerNamed("Anna"), f.customerNamed("bob"), f.customerNamed("Alex"), f.customerNamed("Carl"))

	tests := []struct {
		name  string
		text  string
		setup func(orm.Query)
		want  []string
	}{
		{
			name: "order by",
			text: "select c from Customer c order by c.name",
			want: []string{"Alex", "Anna", "Carl", "bob"},
		},
		{
			name: "like desc",
			text: "select c from Customer c where c.name like 'A%' order by c.name desc",
			want: []string{"Anna", "Alex"},
		},
		{
			name: "lower",
			text: "select c from Customer c where lower(c.name) in ('bob', 'carl') order by c.name",
			want: []string{"Carl", "bob"},
		},
		{
			name: "paging",
			text: "select c from Customer c order by c.name",
			setup: func(q orm.Query) {
				q.SetFirstResult(1).SetMaxResults(2)
			},
			want: []string{"Anna", "Carl"},
		},
		{
			name: "param",
			text: "select c from Customer c where c.name = :name",
			setup: func(q orm.Query) {
				q.SetParameter("name", "bob")
			},
			want: []string{"bob"},
		},
		{
			name: "list param",
			text: "select c from Customer c where c.name not in :names order by c.name",
			setup: func(q orm.Query) {
				q.SetParameter("names", []string{"Anna", "Alex"})
			},
			want: []string{"Carl", "bob"},
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			assert.Equal(t, tt.want, names(f.list(t, tt.text, tt.setup)))
		})
	}
}

func TestValueQueries(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	a, b := f.customerNamed("a"), f.customerNamed("b")
	o1 := entity.NewWithID(f.order, int64(1))
	o1.Set("number", "1")
	o1.Set("amount", 10.0)
	o1.Set("customer", a)
	o2 := entity.NewWithID(f.order, int64(2))
	o2.Set("number", "2")
	o2.Set("amount", 5.0)
	o2.Set("customer", a)
	o3 := entity.NewWithID(f.order, int64(3))
	o3.Set("number", "3")
	o3.Set("amount", 1.0)
	o3.Set("customer", b)
	f.save(t, a, b, o1, o2, o3)

	rows := f.list(t, "select count(o) from Order o", nil)
	assert.Equal(t, []any{int64(3)}, rows)

	rows = f.list(t, "select o.customer.name, sum(o.amount) as total from Order o group by o.customer.name order by total desc", nil)
	assert.Equal(t, []any{[]any{"a", 15.0}, []any{"b", 1.0}}, rows)

	rows = f.list(t, "select distinct c.name from Customer c join c.orders o where o.amount > 2", nil)
	assert.Equal(t, []any{"a"}, rows)

	rows = f.list(t, "select c.name from Customer c left join c.orders o where o.id is null", nil)
	assert.Empty(t, rows)
}

func TestFetchGroups(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	c := f.customerNamed("alice")
	c.Set("email", "a@example.com")
	o := entity.NewWithID(f.order, int64(1))
	o.Set("number", "N1")
	o.Set("amount", 3.5)
	o.Set("customer", c)
	f.save(t, c, o)

	t.Run("partial", func(t *testing.T) {
		rows := f.list(t, "select o from Order o", func(q orm.Query) {
			q.SetFetchGroup(orm.NewFetchGroup("number", "customer.name"))
		})
		require.Len(t, rows, 1)
		got := rows[0].(*entity.Entity)
		assert.True(t, got.IsLoaded("number"))
		assert.False(t, got.IsLoaded("amount"))
		assert.Nil(t, got.Get("amount"))
		cust := got.Ref("customer")
		require.NotNil(t, cust)
		assert.Equal(t, "alice", cust.Get("name"))
		assert.False(t, cust.IsLoaded("email"))
	})
	t.Run("load group", func(t *testing.T) {
		rows := f.list(t, "select c from Customer c", func(q orm.Query) {
			q.SetLoadGroup(orm.NewFetchGroup("orders"))
		})
		require.Len(t, rows, 1)
		got := rows[0].(*entity.Entity)
		assert.Equal(t, "a@example.com", got.Get("email"))
		orders := got.Refs("orders")
		require.Len(t, orders, 1)
		assert.Equal(t, "N1", orders[0].Get("number"))
		assert.Same(t, got, orders[0].Ref("customer"))
	})
	t.Run("report query", func(t *testing.T) {
		ctx := context.Background()
		tx := f.db.Begin()
		defer tx.End(ctx)
		_, err := tx.EntityManager().CreateQuery("select c.name from Customer c").
			SetFetchGroup(orm.NewFetchGroup("name")).
			ResultList(ctx)
		assert.ErrorContains(t, err, ormmem.ReportQueryMessage)
	})
}

func TestHintsRecorded(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	f.list(t, "select c from Customer c", func(q orm.Query) {
		q.SetHint(orm.HintBatch, "c.orders").SetHint(orm.HintBatch, "c.groups").SetHint(orm.HintLeftJoinFetch, "c.manager")
	})
	executed := f.db.Executed()
	require.Len(t, executed, 1)
	assert.Equal(t, []string{"c.groups", "c.orders"}, executed[0].HintValues(orm.HintBatch))
	assert.Equal(t, []string{"c.manager"}, executed[0].HintValues(orm.HintLeftJoinFetch))
	f.db.ResetExecuted()
	assert.Empty(t, f.db.Executed())
}

func TestSoftDeletion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := f.customerNamed("gone")
	f.save(t, c)

	remove := func() {
		tx := f.db.Begin()
		err := orm.InTx(ctx, tx, func(ctx context.Context, em orm.EntityManager) error {
			m, err := em.Find(ctx, f.customer, c.ID())
			if err != nil || m == nil {
				return err
			}
			return em.Remove(ctx, m)
		})
		require.NoError(t, err)
	}
	remove()
	assert.Equal(t, 1, f.db.Count(f.customer))
	ts, ok := f.db.Value(f.customer, c.ID(), metadata.DeleteTsProperty)
	require.True(t, ok)
	assert.NotNil(t, ts)

	assert.Empty(t, f.list(t, "select c from Customer c", nil))
	tx := f.db.Begin()
	tx.EntityManager().SetSoftDeletion(false)
	rows, err := tx.EntityManager().CreateQuery("select c from Customer c").ResultList(ctx)
	tx.End(ctx)
	require.NoError(t, err)
	require.Len(t, rows, 1)
	assert.True(t, rows[0].(*entity.Entity).IsDeleted())

	remove()
	assert.Equal(t, 1, f.db.Count(f.customer))
}

func TestHardDelete(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := f.customerNamed("gone")
	f.save(t, c)

	tx := f.db.Begin()
	err := orm.InTx(ctx, tx, func(ctx context.Context, em orm.EntityManager) error {
		em.SetSoftDeletion(false)
		m, err := em.Find(ctx, f.customer, c.ID())
		require.NoError(t, err)
		return em.Remove(ctx, m)
	})
	require.NoError(t, err)
	assert.Zero(t, f.db.Count(f.customer))
}

func TestMergeVersion(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()
	c := f.customerNamed("before")
	f.save(t, c)

	detached := entity.Empty(f.customer)
	detached.SetID(c.ID())
	detached.Set("name", "after")
	detached.SetLoaded("id", "name")
	detached.SetState(entity.StateDetached)

	var merged *entity.Entity
	tx := f.db.Begin()
	err := orm.InTx(ctx, tx, func(ctx context.Context, em orm.EntityManager) error {
		var err error
		merged, err = em.Merge(ctx, detached)
		if err != nil {
			return err
		}
		assert.Contains(t, em.Changes(merged), "name")
		return nil
	})
	require.NoError(t, err)
	assert.NotSame(t, detached, merged)
	name, _ := f.db.Value(f.customer, c.ID(), "name")
	assert.Equal(t, "after", name)
	version, _ := f.db.Value(f.customer, c.ID(), metadata.VersionProperty)
	assert.Equal(t, int64(1), version)

	stale := entity.Empty(f.customer)
	stale.SetID(c.ID())
	stale.Set(metadata.VersionProperty, int64(0))
	stale.SetLoaded("id", metadata.VersionProperty)
	tx = f.db.Begin()
	defer tx.End(ctx)
	_, err = tx.EntityManager().Merge(ctx, stale)
	assert.ErrorContains(t, err, "optimistic lock")
}

func TestFlushErrors(t *testing.T) {
	t.Parallel()

	t.Run("cascade persist", func(t *testing.T) {
		f := newFixture(t)
		ctx := context.Background()
		o := entity.NewWithID(f.order, int64(1))
		o.Set("number", "1")
		o.Set("customer", f.customerNamed("transient"))
		tx := f.db.Begin()
		err := orm.InTx(ctx, tx, func(ctx context.Context, em orm.EntityManager) error {
			return em.Persist(ctx, o)
		})
		assert.ErrorContains(t, err, ormmem.CascadePersistMessage)
		assert.Zero(t, f.db.Count(f.order))
		assert.Equal(t, entity.StateNew, o.State())
	})
	t.Run("max in list", func(t *testing.T) {
		f := newFixture(t, ormmem.WithMaxInListSize(2))
		ctx := context.Background()
		tx := f.db.Begin()
		defer tx.End(ctx)
		_, err := tx.EntityManager().CreateQuery("select o from Order o where o.id in :ids").
			SetParameter("ids", []int64{1, 2, 3}).
			ResultList(ctx)
		assert.ErrorContains(t, err, "exceeds the maximum")
	})
}

func TestGeneratedValues(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	o := entity.NewWithID(f.order, int64(1))
	o.Set("number", "1")
	f.save(t, o)
	assert.Equal(t, int64(1), o.Get("createdNo"))
	stored, _ := f.db.Value(f.order, int64(1), "createdNo")
	assert.Equal(t, int64(1), stored)
}

func TestJoinTransaction(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	ctx := context.Background()

	outer, err := f.db.SaveTransaction(ctx, false)
	require.NoError(t, err)
	defer outer.End(ctx)
	octx := orm.NewContext(ctx, outer)

	inner, err := f.db.SaveTransaction(octx, true)
	require.NoError(t, err)
	assert.True(t, inner.Joined())
	assert.Same(t, outer.EntityManager(), inner.EntityManager())
	require.NoError(t, inner.EntityManager().Persist(octx, f.customerNamed("x")))
	require.NoError(t, inner.Commit(octx))
	inner.End(octx)
	assert.Zero(t, f.db.Count(f.customer))

	require.NoError(t, outer.Commit(ctx))
	assert.Equal(t, 1, f.db.Count(f.customer))

	fresh, err := f.db.LoadTransaction(octx, false, true)
	require.NoError(t, err)
	assert.False(t, fresh.Joined())
	fresh.End(ctx)
}
