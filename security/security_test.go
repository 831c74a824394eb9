package security_test

import (
	"context"
	"errors"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/internal/testschema"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/security"
)

func TestDecisionErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name     string
		decision error
		want     error
	}{
		{name: "allow", decision: security.Allow, want: security.Allow},
		{name: "deny", decision: security.Deny, want: security.Deny},
		{name: "skip", decision: security.Skip, want: security.Skip},
		{name: "allowf", decision: security.Allowf("admin %s", "bob"), want: security.Allow},
		{name: "denyf", decision: security.Denyf("blocked %d", 1), want: security.Deny},
		{name: "skipf", decision: security.Skipf("n/a"), want: security.Skip},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.True(t, errors.Is(tt.decision, tt.want))
		})
	}
	assert.Equal(t, "blocked 1: security: deny rule", security.Denyf("blocked %d", 1).Error())
}

func TestDecisionContext(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	assert.Equal(t, ctx, security.DecisionContext(ctx, security.Skip))
	assert.Equal(t, ctx, security.DecisionContext(ctx, nil))

	d, ok := security.DecisionFromContext(security.DecisionContext(ctx, security.Allow))
	assert.True(t, ok)
	assert.NoError(t, d)

	d, ok = security.DecisionFromContext(security.DecisionContext(ctx, security.Deny))
	assert.True(t, ok)
	assert.ErrorIs(t, d, security.Deny)
}

func TestPolicyEntityOps(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer := reg.MustClass("Customer")
	vip := reg.MustClass("VipCustomer")

	pol := security.NewPolicy().
		Entity("Customer", []vxdata.EntityOp{vxdata.OpDelete},
			security.DenyIfNoViewer(),
			security.HasRole("admin"),
			security.AlwaysDenyRule(),
		).
		Deny("Product", vxdata.OpCreate)

	anon := context.Background()
	admin := security.WithViewer(anon, &security.SimpleViewer{UserID: "1", Roles: []string{"admin"}})
	user := security.WithViewer(anon, &security.SimpleViewer{UserID: "2", Roles: []string{"user"}})

	tests := []struct {
		name  string
		ctx   context.Context
		class *metadata.Class
		op    vxdata.EntityOp
		want  bool
	}{
		{"read without rules", anon, customer, vxdata.OpRead, true},
		{"delete anonymous", anon, customer, vxdata.OpDelete, false},
		{"delete admin", admin, customer, vxdata.OpDelete, true},
		{"delete user", user, customer, vxdata.OpDelete, false},
		{"inherited by descendant", user, vip, vxdata.OpDelete, false},
		{"inherited admin", admin, vip, vxdata.OpDelete, true},
		{"create denied", admin, reg.MustClass("Product"), vxdata.OpCreate, false},
		{"system override", security.DecisionContext(user, security.Allow), customer, vxdata.OpDelete, true},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, pol.IsEntityOpPermitted(tt.ctx, tt.class, tt.op))
		})
	}
	err := pol.CheckEntityOp(user, customer, vxdata.OpDelete)
	assert.ErrorIs(t, err, security.Deny)
}

func TestPolicyAttributes(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer := reg.MustClass("Customer")

	pol := security.NewPolicy().
		Attribute("Customer", "notes", vxdata.AttrView, security.HasRole("support"), security.AlwaysDenyRule())
	support := security.WithViewer(context.Background(), &security.SimpleViewer{Roles: []string{"support"}})

	assert.False(t, pol.IsEntityAttrPermitted(context.Background(), customer, "notes", vxdata.AttrView))
	assert.True(t, pol.IsEntityAttrPermitted(support, customer, "notes", vxdata.AttrView))
	assert.True(t, pol.IsEntityAttrPermitted(context.Background(), customer, "notes", vxdata.AttrModify))
	assert.True(t, pol.IsEntityAttrPermitted(context.Background(), customer, "name", vxdata.AttrView))
}

func TestConstraints(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer := reg.MustClass("Customer")

	pol := security.NewPolicy().Constrain("Customer", vxdata.OpRead, func(_ context.Context, e *entity.Entity) bool {
		return e.Get("status") != "blocked"
	})
	assert.True(t, pol.HasInMemoryConstraints(customer, vxdata.OpRead))
	assert.True(t, pol.HasInMemoryConstraints(reg.MustClass("VipCustomer"), vxdata.OpRead))
	assert.False(t, pol.HasInMemoryConstraints(customer, vxdata.OpUpdate))

	a := entity.New(customer)
	b := entity.New(customer)
	b.Set("status", "blocked")
	ctx := context.Background()
	assert.False(t, pol.Filter(ctx, a, vxdata.OpRead))
	assert.True(t, pol.Filter(ctx, b, vxdata.OpRead))

	out, filtered := pol.FilterByConstraints(ctx, []*entity.Entity{a, b})
	assert.True(t, filtered)
	assert.Equal(t, []*entity.Entity{a}, out)
}

func TestOwnerAndTenantConstraints(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	c := entity.New(reg.MustClass("Customer"))
	c.Set("email", "42")

	owner := security.OwnerConstraint("email")
	tenant := security.TenantConstraint("email")
	ctx := context.Background()
	assert.False(t, owner(ctx, c))
	assert.True(t, owner(security.WithViewer(ctx, &security.SimpleViewer{UserID: "42"}), c))
	assert.True(t, tenant(security.WithViewer(ctx, &security.SimpleViewer{}), c))
	assert.False(t, tenant(security.WithViewer(ctx, &security.SimpleViewer{TenantID: "7"}), c))
}

func TestFilteredDataRoundTrip(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer := reg.MustClass("Customer")
	order := reg.MustClass("Order")

	pol := security.NewPolicy().
		Constrain("Order", vxdata.OpRead, func(_ context.Context, e *entity.Entity) bool {
			return e.Get("number") != "secret"
		}).
		HideAttribute("Customer", "notes")

	visible := entity.NewWithID(order, int64(1))
	visible.Set("number", "a")
	hidden := entity.NewWithID(order, int64(2))
	hidden.Set("number", "secret")
	c := entity.New(customer)
	c.Set("notes", "vip")
	c.Set("orders", []*entity.Entity{visible, hidden})

	pol.CalculateFilteredData(context.Background(), []*entity.Entity{c})
	assert.Equal(t, []*entity.Entity{visible}, c.Refs("orders"))
	assert.Nil(t, c.Get("notes"))
	assert.Equal(t, []any{int64(2)}, c.SecurityState().FilteredIDs("orders"))

	pol.RestoreSecurityState(c)
	assert.Equal(t, "vip", c.Get("notes"))

	pol.RestoreFilteredData(c, func(class *metadata.Class, id any) *entity.Entity {
		require.Equal(t, order, class)
		if id == int64(2) {
			return hidden
		}
		return nil
	})
	assert.Equal(t, []*entity.Entity{visible, hidden}, c.Refs("orders"))
}

func TestRestrictFetchPlan(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer := reg.MustClass("Customer")
	order := reg.MustClass("Order")

	plan := fetchplan.New(customer).
		Add("name", "notes").
		AddPlan("orders", fetchplan.New(order).Add("number", "amount").MustBuild()).
		MustBuild()

	open := security.NewPolicy()
	assert.Same(t, plan, security.RestrictFetchPlan(context.Background(), open, plan))

	pol := security.NewPolicy().HideAttribute("Customer", "notes").HideAttribute("Order", "amount")
	restricted := security.RestrictFetchPlan(context.Background(), pol, plan)
	assert.Equal(t, "Customer{name, orders{number}}", restricted.String())
	assert.Equal(t, "Customer{name, notes, orders{number, amount}}", plan.String())
}
