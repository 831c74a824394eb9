package metadata_test

import (
	"errors"
	"strings"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/syssam/vxdata/internal/testschema"
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/metadata/mixin"
)

func TestRegistryBuild(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()

	customer := reg.MustClass("Customer")
	assert.Equal(t, "customers", customer.Table())
	assert.Equal(t, "id", customer.PrimaryKey())
	assert.True(t, customer.IsSoftDelete())
	assert.True(t, metadata.HasUUIDPrimaryKey(customer))
	assert.False(t, metadata.HasCompositePrimaryKey(customer))

	orders := customer.Property("orders")
	require.NotNil(t, orders)
	assert.Equal(t, metadata.OneToMany, orders.Cardinality())
	assert.True(t, orders.IsCollection())
	assert.Equal(t, reg.MustClass("Order"), orders.Target())
	assert.Equal(t, "customer", orders.InverseProperty().Name())

	fullName := customer.Property("fullName")
	assert.False(t, fullName.IsPersistent())
	assert.Equal(t, []string{"name", "email"}, fullName.RelatedProperties())
	assert.True(t, customer.Property("notes").IsLob())
	assert.True(t, customer.Property("status").IsEnum())
	assert.True(t, customer.Property("address").IsEmbedded())
}

func TestRegistryInheritance(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer, vip := reg.MustClass("Customer"), reg.MustClass("VipCustomer")

	assert.Equal(t, customer, vip.Ancestor())
	assert.Equal(t, []*metadata.Class{vip}, customer.Descendants())
	assert.True(t, customer.IsAssignableFrom(vip))
	assert.False(t, vip.IsAssignableFrom(customer))
	assert.True(t, vip.Related(customer))
	assert.False(t, customer.Related(reg.MustClass("Order")))

	assert.Equal(t, "id", vip.PrimaryKey())
	assert.Equal(t, []string{"name"}, vip.InstanceName())
	require.NotNil(t, vip.Property("orders"))
	require.NotNil(t, vip.Property("level"))
	assert.Nil(t, customer.Property("level"))
	// Inherited properties come first.
	assert.Equal(t, "id", vip.Properties()[0].Name())
	assert.Equal(t, "level", vip.Properties()[len(vip.Properties())-1].Name())
}

func TestPrimaryKeyPaths(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()

	assert.Equal(t, []string{"id"}, metadata.PrimaryKeyPaths(reg.MustClass("Customer")))
	shipment := reg.MustClass("Shipment")
	assert.True(t, metadata.HasCompositePrimaryKey(shipment))
	assert.Equal(t, []string{"id.orderNo", "id.lineNo"}, metadata.PrimaryKeyPaths(shipment))
	assert.Nil(t, metadata.PrimaryKeyPaths(reg.MustClass("Address")))
}

func TestPropertyPath(t *testing.T) {
	t.Parallel()
	reg := testschema.Registry()
	customer := reg.MustClass("Customer")

	path := customer.PropertyPath("orders.lines.product.name")
	require.Len(t, path, 4)
	assert.Equal(t, "Product.name", path[3].String())
	assert.True(t, metadata.IsPersistent(path))

	assert.Nil(t, customer.PropertyPath("orders.unknown"))
	assert.Nil(t, customer.PropertyPath("name.length"))
	assert.Nil(t, customer.PropertyPath(""))
	assert.False(t, metadata.IsPersistent(customer.PropertyPath("fullName")))
}

func TestInstanceNameRelatedProperties(t *testing.T) {
	t.Parallel()
	reg, err := metadata.NewBuilder().Add(metadata.ClassSpec{
		Name:         "Person",
		PrimaryKey:   "id",
		InstanceName: []string{"caption", "login"},
		Mixins:       []metadata.Mixin{mixin.UUIDKey{}},
		Properties: []metadata.PropertySpec{
			{Name: "first", Type: "string"},
			{Name: "last", Type: "string"},
			{Name: "login", Type: "string"},
			{Name: "caption", Type: "string", Transient: true, Related: []string{"first", "last", "login"}},
		},
	}).Build()
	require.NoError(t, err)
	person := reg.MustClass("Person")

	names := func(ps []*metadata.Property) (out []string) {
		for _, p := range ps {
			out = append(out, p.Name())
		}
		return out
	}
	assert.Equal(t, []string{"first", "last", "login"}, names(metadata.InstanceNameRelatedProperties(person, false)))
	assert.Equal(t, []string{"caption", "login"}, names(metadata.InstanceNameRelatedProperties(person, true)))
}

func TestBuilderErrors(t *testing.T) {
	t.Parallel()
	tests := []struct {
		name  string
		specs []metadata.ClassSpec
		want  string
	}{
		{
			name:  "missing_primary_key",
			specs: []metadata.ClassSpec{{Name: "A"}},
			want:  "missing primary key",
		},
		{
			name: "unknown_target",
			specs: []metadata.ClassSpec{{
				Name: "A", PrimaryKey: "id", Mixins: []metadata.Mixin{mixin.UUIDKey{}},
				Properties: []metadata.PropertySpec{{Name: "b", Type: "entity", Target: "B", Cardinality: "many-to-one"}},
			}},
			want: `unknown target class "B"`,
		},
		{
			name: "reference_without_cardinality",
			specs: []metadata.ClassSpec{{
				Name: "A", PrimaryKey: "id", Mixins: []metadata.Mixin{mixin.UUIDKey{}},
				Properties: []metadata.PropertySpec{{Name: "self", Type: "entity", Target: "A"}},
			}},
			want: "reference property requires a cardinality",
		},
		{
			name: "duplicate_property",
			specs: []metadata.ClassSpec{{
				Name: "A", PrimaryKey: "id", Mixins: []metadata.Mixin{mixin.UUIDKey{}},
				Properties: []metadata.PropertySpec{{Name: "x", Type: "string"}, {Name: "x", Type: "int"}},
			}},
			want: "duplicate property",
		},
		{
			name: "bad_inverse",
			specs: []metadata.ClassSpec{
				{
					Name: "A", PrimaryKey: "id", Mixins: []metadata.Mixin{mixin.UUIDKey{}},
					Properties: []metadata.PropertySpec{{Name: "bs", Type: "entity", Target: "B", Cardinality: "one-to-many", Inverse: "missing"}},
				},
				{Name: "B", PrimaryKey: "id", Mixins: []metadata.Mixin{mixin.UUIDKey{}}},
			},
			want: `inverse property "missing" not found on B`,
		},
		{
			name: "inheritance_cycle",
			specs: []metadata.ClassSpec{
				{Name: "A", Extends: "B", PrimaryKey: "id"},
				{Name: "B", Extends: "A", PrimaryKey: "id"},
			},
			want: "inheritance cycle",
		},
		{
			name:  "unknown_type",
			specs: []metadata.ClassSpec{{Name: "A", PrimaryKey: "id", Properties: []metadata.PropertySpec{{Name: "id", Type: "blob"}}}},
			want:  `unknown type "blob"`,
		},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			t.Parallel()
			_, err := metadata.NewBuilder().Add(tt.specs...).Build()
			require.Error(t, err)
			assert.True(t, errors.Is(err, metadata.ErrInvalidSchema))
			assert.Contains(t, err.Error(), tt.want)
		})
	}
}

func TestLoadYAML(t *testing.T) {
	t.Parallel()
	const doc = `
classes:
  - name: Customer
    primaryKey: id
    mixins: [uuidKey, softDelete]
    instanceName: [name]
    properties:
      - {name: name, type: string, mandatory: true}
      - {name: orders, type: entity, target: Order, cardinality: one-to-many, inverse: customer}
  - name: Order
    primaryKey: id
    publishChanges: true
    idSequence: order_seq
    properties:
      - {name: id, type: int64}
      - {name: customer, type: entity, target: Customer, cardinality: many_to_one, inverse: orders}
`
	reg, err := metadata.LoadYAML(strings.NewReader(doc), metadata.WithMixins(mixin.ByName))
	require.NoError(t, err)
	customer := reg.MustClass("Customer")
	assert.True(t, customer.IsSoftDelete())
	assert.Equal(t, metadata.TypeUUID, customer.PrimaryKeyProperty().Type())
	order := reg.MustClass("Order")
	assert.Equal(t, metadata.ManyToOne, order.Property("customer").Cardinality())
	assert.Equal(t, metadata.EntityConfig{PublishChanges: true, IDSequence: "order_seq"}, order.Config())
	assert.Len(t, reg.Classes(), 2)

	_, err = metadata.LoadYAML(strings.NewReader(doc))
	assert.ErrorContains(t, err, "requires a mixin resolver")

	_, err = metadata.LoadYAML(strings.NewReader("classes:\n  - name: A\n    bogus: 1\n"))
	assert.ErrorContains(t, err, "decode yaml")
}

func TestParseCardinality(t *testing.T) {
	t.Parallel()
	for in, want := range map[string]metadata.Cardinality{
		"":             metadata.CardinalityNone,
		"one-to-one":   metadata.OneToOne,
		"MANY_TO_ONE":  metadata.ManyToOne,
		"one-to-many":  metadata.OneToMany,
		"many-to-many": metadata.ManyToMany,
	} {
		got, err := metadata.ParseCardinality(in)
		require.NoError(t, err, in)
		assert.Equal(t, want, got, in)
	}
	_, err := metadata.ParseCardinality("some")
	assert.Error(t, err)
}
