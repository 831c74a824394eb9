package importexport_test

import (
	"context"
	"io"
	"log/slog"
	"testing"

	"github.com/google/uuid"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata"
	"github.com/syssam/vxdata/data"
	"github.com/syssam/vxdata/datastore"
	"github.com/syssam/vxdata/entity"
	"github.com/syssam/vxdata/fetchplan"
	"github.com/syssam/vxdata/importexport"
	"github.com/syssam/vxdata/internal/testschema"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/orm/ormmem"
)

var quiet = slog.New(slog.NewTextHandler(io.Discard, nil))

type fixture struct {
	reg      *metadata.Registry
	db       *ormmem.DB
	store    *datastore.Store
	importer *importexport.Importer
	exporter *importexport.Exporter
}

func newFixture(t *testing.T) *fixture {
	t.Helper()
	reg := testschema.Registry()
	db := ormmem.New(reg, ormmem.WithLogger(quiet))
	s, err := datastore.New(reg, db, datastore.WithLogger(quiet))
	require.NoError(t, err)
	return &fixture{
		reg:      reg,
		db:       db,
		store:    s,
		importer: importexport.NewImporter(s, importexport.WithImportLogger(quiet)),
		exporter: importexport.NewExporter(importexport.WithExportLogger(quiet)),
	}
}

func (f *fixture) class(name string) *metadata.Class { return f.reg.MustClass(name) }

func (f *fixture) commit(t *testing.T, entities ...*entity.Entity) {
	t.Helper()
	_, err := f.store.Commit(context.Background(), data.NewCommit(entities...).Build())
	require.NoError(t, err)
}

func (f *fixture) load(t *testing.T, class string, id any, plan *fetchplan.FetchPlan) *entity.Entity {
	t.Helper()
	e, err := f.store.Load(context.Background(), data.NewLoadContext(class).WithID(id).WithFetchPlan(plan))
	require.NoError(t, err)
	return e
}

// orderViews returns an order view importing the customer deeply and the
// lines as a composition with the policy.
func orderView(reg *metadata.Registry, policy importexport.CollectionPolicy) *importexport.ImportView {
	address := importexport.NewImportView(reg.MustClass("Address")).AddLocalProperties().MustBuild()
	customer := importexport.NewImportView(reg.MustClass("Customer")).
		AddLocalProperties().
		AddEmbedded("address", address).
		MustBuild()
	line := importexport.NewImportView(reg.MustClass("OrderLine")).
		AddLocalProperties().
		AddManyToOne("product", importexport.IgnoreMissing).
		MustBuild()
	return importexport.NewImportView(reg.MustClass("Order")).
		AddLocalProperties().
		AddManyToOneView("customer", customer).
		AddOneToMany("lines", line, policy).
		MustBuild()
}

// sourceGraph returns an order of a customer with two lines, built outside
// any store.
func sourceGraph(reg *metadata.Registry) (order *entity.Entity, lines []*entity.Entity) {
	customer := entity.New(reg.MustClass("Customer"))
	customer.Set("name", "Acme")
	customer.Set("email", "sales@acme.test")
	customer.Set("status", "active")
	addr := entity.New(reg.MustClass("Address"))
	addr.Set("city", "Lyon")
	customer.Set("address", addr)

	order = entity.New(reg.MustClass("Order"))
	order.SetID(int64(1))
	order.Set("number", "n01")
	order.Set("amount", 12.5)
	order.Set("customer", customer)
	for i := range 2 {
		l := entity.New(reg.MustClass("OrderLine"))
		l.Set("quantity", i+1)
		l.Set("order", order)
		lines = append(lines, l)
	}
	order.Set("lines", lines)
	return order, lines
}

func TestExportImportRoundTrip(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		export func(*importexport.Exporter, []*entity.Entity, *fetchplan.FetchPlan) ([]byte, error)
		imp    func(*importexport.Importer, context.Context, []byte, *importexport.ImportView) ([]*entity.Entity, error)
	}{
		{name: "json", export: (*importexport.Exporter).ExportJSON, imp: (*importexport.Importer).ImportJSON},
		{name: "zip", export: (*importexport.Exporter).ExportZIP, imp: (*importexport.Importer).ImportZIP},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			view := orderView(f.reg, importexport.RemoveAbsent)
			order, lines := sourceGraph(f.reg)

			payload, err := tt.export(f.exporter, []*entity.Entity{order}, importexport.BuildFetchPlan(view))
			require.NoError(t, err)

			imported, err := tt.imp(f.importer, ctx, payload, view)
			require.NoError(t, err)
			assert.Len(t, imported, 4, "order, customer and two lines")
			assert.Equal(t, 1, f.db.Count(f.class("Order")))
			assert.Equal(t, 1, f.db.Count(f.class("Customer")))
			assert.Equal(t, 2, f.db.Count(f.class("OrderLine")))

			number, _ := f.db.Value(f.class("Order"), int64(1), "number")
			assert.Equal(t, "n01", number)
			qty, _ := f.db.Value(f.class("OrderLine"), lines[1].ID(), "quantity")
			assert.EqualValues(t, 2, qty)

			stored := f.load(t, "Order", int64(1), importexport.BuildFetchPlan(view))
			require.NotNil(t, stored)
			require.NotNil(t, stored.Ref("customer"))
			assert.Equal(t, order.Ref("customer").ID(), stored.Ref("customer").ID())
			assert.Equal(t, "Lyon", stored.Ref("customer").Ref("address").Get("city"))
			assert.Len(t, stored.Refs("lines"), 2)

			again, err := tt.imp(f.importer, ctx, payload, view)
			require.NoError(t, err)
			assert.Empty(t, again, "importing an unchanged graph commits nothing")
		})
	}
}

func TestImportCollectionPolicies(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name      string
		policy    importexport.CollectionPolicy
		wantLines int
	}{
		{name: "remove absent", policy: importexport.RemoveAbsent, wantLines: 1},
		{name: "keep absent", policy: importexport.KeepAbsent, wantLines: 2},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			view := orderView(f.reg, tt.policy)
			order, lines := sourceGraph(f.reg)
			_, err := f.importer.Import(ctx, []*entity.Entity{order}, view)
			require.NoError(t, err)

			lines[0].Set("quantity", 10)
			order.Set("lines", lines[:1])
			imported, err := f.importer.Import(ctx, []*entity.Entity{order}, view)
			require.NoError(t, err)
			assert.NotEmpty(t, imported)

			assert.Equal(t, tt.wantLines, f.db.Count(f.class("OrderLine")))
			qty, _ := f.db.Value(f.class("OrderLine"), lines[0].ID(), "quantity")
			assert.EqualValues(t, 10, qty)
			stored := f.load(t, "Order", int64(1), importexport.BuildFetchPlan(view))
			assert.Len(t, stored.Refs("lines"), tt.wantLines)
		})
	}
}

func TestImportForwardReference(t *testing.T) {
	t.Parallel()
	ctx := context.Background()
	f := newFixture(t)
	customer := f.class("Customer")
	view := importexport.NewImportView(customer).
		AddProperty("name").
		AddManyToOne("manager", importexport.ErrorOnMissing).
		MustBuild()

	boss := entity.New(customer)
	boss.Set("name", "Boss")
	clerk := entity.New(customer)
	clerk.Set("name", "Clerk")
	clerk.Set("manager", entity.NewWithID(customer, boss.ID()))

	// The clerk refers to the boss imported after it.
	_, err := f.importer.Import(ctx, []*entity.Entity{clerk, boss}, view)
	require.NoError(t, err)

	stored := f.load(t, "Customer", clerk.ID(), importexport.BuildFetchPlan(view))
	require.NotNil(t, stored)
	require.NotNil(t, stored.Ref("manager"))
	assert.Equal(t, boss.ID(), stored.Ref("manager").ID())
}

func TestImportMissingReference(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name    string
		policy  importexport.ReferencePolicy
		wantErr bool
	}{
		{name: "error on missing", policy: importexport.ErrorOnMissing, wantErr: true},
		{name: "ignore missing", policy: importexport.IgnoreMissing},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			customer := f.class("Customer")
			view := importexport.NewImportView(customer).
				AddProperty("name").
				AddManyToOne("manager", tt.policy).
				MustBuild()
			c := entity.New(customer)
			c.Set("name", "Orphan")
			c.Set("manager", entity.NewWithID(customer, uuid.New()))

			_, err := f.importer.Import(ctx, []*entity.Entity{c}, view)
			if tt.wantErr {
				require.Error(t, err)
				assert.True(t, vxdata.IsEntityNotFound(err))
				assert.Equal(t, 0, f.db.Count(customer))
				return
			}
			require.NoError(t, err)
			stored := f.load(t, "Customer", c.ID(), importexport.BuildFetchPlan(view))
			require.NotNil(t, stored)
			assert.Equal(t, "Orphan", stored.Get("name"))
			assert.Nil(t, stored.Ref("manager"))
		})
	}
}

func TestImportManyToMany(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name   string
		policy importexport.CollectionPolicy
		want   []string
	}{
		{name: "remove absent", policy: importexport.RemoveAbsent, want: []string{"g2", "g3"}},
		{name: "keep absent", policy: importexport.KeepAbsent, want: []string{"g1", "g2", "g3"}},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			ctx := context.Background()
			f := newFixture(t)
			customer, group := f.class("Customer"), f.class("Group")
			groups := make(map[string]*entity.Entity)
			for _, name := range []string{"g1", "g2", "g3"} {
				g := entity.New(group)
				g.Set("name", name)
				groups[name] = g
			}
			c := entity.New(customer)
			c.Set("name", "Acme")
			c.Set("groups", []*entity.Entity{groups["g1"], groups["g2"]})
			f.commit(t, groups["g1"], groups["g2"], groups["g3"], c)

			view := importexport.NewImportView(customer).
				AddProperty("name").
				AddManyToMany("groups", importexport.ErrorOnMissing, tt.policy).
				MustBuild()
			src := entity.NewWithID(customer, c.ID())
			src.Set("name", "Acme")
			src.Set("groups", []*entity.Entity{
				entity.NewWithID(group, groups["g2"].ID()),
				entity.NewWithID(group, groups["g3"].ID()),
			})
			_, err := f.importer.Import(ctx, []*entity.Entity{src}, view)
			require.NoError(t, err)

			plan := fetchplan.New(customer).AddPlan("groups", fetchplan.New(group).Add("name").MustBuild()).MustBuild()
			stored := f.load(t, "Customer", c.ID(), plan)
			require.NotNil(t, stored)
			var names []string
			for _, g := range stored.Refs("groups") {
				names = append(names, g.Get("name").(string))
			}
			assert.ElementsMatch(t, tt.want, names)
		})
	}
}

func TestImportRejectsForeignClass(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	view := importexport.NewImportView(f.class("Customer")).AddProperty("name").MustBuild()
	o := entity.New(f.class("Order"))
	o.SetID(int64(7))
	_, err := f.importer.Import(context.Background(), []*entity.Entity{o}, view)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "cannot import Order")
}

func TestImportMalformedPayload(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	view := importexport.NewImportView(f.class("Customer")).AddProperty("name").MustBuild()
	tests := []struct {
		name    string
		payload string
		wantErr string
	}{
		{name: "not an array", payload: `{}`, wantErr: "decoding entities"},
		{name: "unknown entity", payload: `[{"_entityName":"Nope"}]`, wantErr: "Nope"},
		{name: "unknown property", payload: `[{"_entityName":"Customer","nope":1}]`, wantErr: `property "nope" not found`},
		{name: "wrong type", payload: `[{"_entityName":"Customer","name":1}]`, wantErr: "unexpected string value"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := f.importer.ImportJSON(context.Background(), []byte(tt.payload), view)
			require.Error(t, err)
			assert.Contains(t, err.Error(), tt.wantErr)
		})
	}

	_, err := f.importer.ImportZIP(context.Background(), []byte("not a zip"), view)
	require.Error(t, err)
	assert.Contains(t, err.Error(), "reading archive")
}

func TestExportJSON(t *testing.T) {
	t.Parallel()
	f := newFixture(t)
	order, _ := sourceGraph(f.reg)
	plan := fetchplan.New(f.class("Order")).
		Add("number").
		AddPlan("customer", fetchplan.Minimal(f.class("Customer"))).
		MustBuild()

	b, err := f.exporter.ExportJSON([]*entity.Entity{order}, plan)
	require.NoError(t, err)
	s := string(b)
	assert.Contains(t, s, `"_entityName": "Order"`)
	assert.Contains(t, s, `"number": "n01"`)
	assert.Contains(t, s, `"name": "Acme"`)
	assert.NotContains(t, s, "amount")
	assert.NotContains(t, s, "lines")
}
