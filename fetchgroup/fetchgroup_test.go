package fetchgroup_test

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/fetchgroup"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/internal/testschema"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm"
	"github.com/syssam/vxdata/orm/ormmem"
)

var reg = testschema.Registry()

func class(name string) *metadata.Class { return reg.MustClass(name) }

func calc(t *testing.T, query string, plan *fetchplan.FetchPlan, single bool) *fetchgroup.Description {
	t.Helper()
	d, err := fetchgroup.NewManager().CalculateFetchGroup(query, plan, single, plan.LoadPartialEntities())
	require.NoError(t, err)
	return d
}

func TestDeterministic(t *testing.T) {
	t.Parallel()
	order := fetchplan.New(class("Order")).Add("number", "lines.quantity", "lines.product.name").MustBuild()
	plan := fetchplan.New(class("Customer")).
		Add("name", "manager.name").
		AddPlan("orders", order).
		MustBuild()
	const q = "select e from Customer e where e.name like :name"
	first := calc(t, q, plan, false)
	for range 5 {
		next := calc(t, q, plan, false)
		assert.Equal(t, first.Attributes(), next.Attributes())
		assert.Equal(t, first.Hints(), next.Hints())
		assert.Equal(t, first.HasBatches(), next.HasBatches())
	}
}

func TestNoDuplicateAttributes(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Customer")).
		Add("name", "fullName", "email", "name", "orders.number", "orders.number").
		MustBuild()
	d := calc(t, "select e from Customer e", plan, false)
	attrs := d.Attributes()
	seen := make(map[string]bool)
	for _, a := range attrs {
		assert.False(t, seen[a], "duplicate attribute %s", a)
		seen[a] = true
	}
	assert.Subset(t, attrs, []string{"name", "email", "deleteTs", "deletedBy", "orders", "orders.number", "orders.customer"})
	assert.NotContains(t, attrs, "fullName")
}

func TestSurrogateUUIDAdded(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).Add("number").MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	assert.Contains(t, d.Attributes(), "uuid")

	plan = fetchplan.New(class("Customer")).Add("name").MustBuild()
	d = calc(t, "select e from Customer e", plan, false)
	assert.NotContains(t, d.Attributes(), "uuid")
}

func TestLoadGroupListsReferencesOnly(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).Partial(false).Add("number", "customer.name").MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	assert.False(t, d.Partial())
	assert.Equal(t, []string{"customer"}, d.Attributes())
	assert.Equal(t, []string{"o.customer"}, d.JoinPaths())
}

func TestToOneJoinToManyBatch(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).
		Add("number", "customer.name", "lines.quantity").
		MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	assert.Equal(t, []string{"o.customer"}, d.JoinPaths())
	assert.Equal(t, []string{"o.lines"}, d.BatchPaths())
	assert.True(t, d.HasBatches())
}

func TestExplicitModes(t *testing.T) {
	t.Parallel()
	customer := fetchplan.New(class("Customer")).Add("name").MustBuild()
	lines := fetchplan.New(class("OrderLine")).Add("quantity").MustBuild()
	plan := fetchplan.New(class("Order")).
		AddPlan("customer", customer, fetchplan.Batch).
		AddPlan("lines", lines, fetchplan.Join).
		MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	assert.Equal(t, []string{"o.lines"}, d.JoinPaths())
	assert.Equal(t, []string{"o.customer"}, d.BatchPaths())
}

func TestJoinBelowBatchIsBatched(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).Add("lines.product.name").MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	assert.Empty(t, d.JoinPaths())
	assert.Equal(t, []string{"o.lines", "o.lines.product"}, d.BatchPaths())
}

func TestCycleSafety(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Customer")).Add("groups.customers.groups.name").MustBuild()
	d := calc(t, "select e from Customer e", plan, false)
	for _, p := range []string{"e.groups", "e.groups.customers", "e.groups.customers.groups"} {
		_, ok := d.Hint(p)
		assert.False(t, ok, "%s must not be hinted", p)
	}
	assert.Contains(t, d.Attributes(), "groups.customers.groups.name")
}

func TestOneToManyBackEdgeCycle(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).Add("customer.orders.customer.orders.number").MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	for _, p := range d.BatchPaths() {
		assert.NotEqual(t, "o.customer.orders", p)
		assert.NotEqual(t, "o.customer.orders.customer.orders", p)
	}
}

func TestSelfReferenceNeverJoined(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		query string
		plan  *fetchplan.FetchPlan
		path  string
	}{
		{
			name:  "same type",
			query: "select e from Customer e",
			plan:  fetchplan.New(class("Customer")).Add("name", "manager.name").MustBuild(),
			path:  "e.manager",
		},
		{
			name:  "super type",
			query: "select e from VipCustomer e",
			plan:  fetchplan.New(class("VipCustomer")).Add("manager.name").MustBuild(),
			path:  "e.manager",
		},
		{
			name:  "below self reference",
			query: "select g from Group g",
			plan:  fetchplan.New(class("Group")).Add("parent.name", "parent.children.name").MustBuild(),
			path:  "g.parent",
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			d := calc(t, tt.query, tt.plan, false)
			assert.Empty(t, d.JoinPaths())
			h, ok := d.Hint(tt.path)
			require.True(t, ok)
			assert.Equal(t, fetchgroup.Batch, h)
		})
	}
}

func TestNullCheckSuppression(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).Add("number", "customer.name", "customer.address.city").MustBuild()
	d := calc(t, "select o from Order o where o.customer is null or o.number = :n", plan, false)
	for p := range d.Hints() {
		assert.NotContains(t, p, "o.customer")
	}
	assert.Contains(t, d.Attributes(), "customer")
	assert.NotContains(t, d.Attributes(), "customer.name")

	d = calc(t, "select o from Order o join o.customer c where c.name is not null", plan, false)
	assert.Empty(t, d.JoinPaths())

	self := fetchplan.New(class("Customer")).Add("name", "manager.name").MustBuild()
	d = calc(t, "select e from Customer e where e.manager is null", self, false)
	_, ok := d.Hint("e.manager")
	assert.False(t, ok, "batched self reference is left lazy too")
	assert.Empty(t, d.BatchPaths())
	assert.False(t, d.HasBatches())

	d = calc(t, "select e from Customer e", self, false)
	_, ok = d.Hint("e.manager")
	assert.True(t, ok)
}

func TestCachedTargetLeftToORM(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Order")).Add("number", "currency.name").MustBuild()
	d := calc(t, "select o from Order o", plan, false)
	_, ok := d.Hint("o.currency")
	assert.False(t, ok)
	assert.Contains(t, d.Attributes(), "currency.name")
}

func TestSingleResultFlatCollection(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Customer")).Add("name", "orders.number").MustBuild()
	const q = "select e from Customer e where e.id = :entityId"

	d := calc(t, q, plan, true)
	assert.Empty(t, d.BatchPaths())
	assert.False(t, d.HasBatches())

	d = calc(t, q, plan, false)
	assert.Equal(t, []string{"e.orders"}, d.BatchPaths())

	explicit := fetchplan.New(class("Customer")).
		AddPlan("orders", fetchplan.New(class("Order")).Add("number").MustBuild(), fetchplan.Batch).
		MustBuild()
	d = calc(t, q, explicit, true)
	assert.Equal(t, []string{"e.orders"}, d.BatchPaths())
}

func TestNestedPlanOnDatatype(t *testing.T) {
	t.Parallel()
	plan := fetchplan.New(class("Customer")).
		AddPlan("name", fetchplan.Local(class("Customer"))).
		MustBuild()
	_, err := fetchgroup.NewManager().CalculateFetchGroup("select e from Customer e", plan, false, true)
	require.Error(t, err)
	assert.True(t, vxdata.IsDevelopmentError(err))
}

func TestSetHints(t *testing.T) {
	t.Parallel()
	db := ormmem.New(reg)
	tx := db.Begin()
	ctx := context.Background()
	defer tx.End(ctx)

	plan := fetchplan.New(class("Order")).Add("number", "customer.name", "lines.quantity").MustBuild()
	q := tx.EntityManager().CreateQuery("select o from Order o")
	d, err := fetchgroup.NewManager().SetHints(q, plan, false)
	require.NoError(t, err)
	require.NotNil(t, d)
	_, err = q.ResultList(ctx)
	require.NoError(t, err)

	exec := db.Executed()
	require.Len(t, exec, 1)
	assert.Equal(t, []string{"o.customer"}, exec[0].HintValues(orm.HintLeftJoinFetch))
	assert.Equal(t, []string{"o.lines"}, exec[0].HintValues(orm.HintBatch))
	assert.Equal(t, []string{orm.BatchTypeIN}, exec[0].HintValues(orm.HintBatchType))
	require.NotNil(t, exec[0].FetchGroup)
	assert.Equal(t, d.Attributes(), exec[0].FetchGroup.Attributes)
	assert.Nil(t, exec[0].LoadGroup)
}
