// Package testschema provides the sample schema shared by package tests.
package testschema

import (
	"github.com/syssam/vxdata/metadata"
	"github.com/syssam/vxdata/metadata/mixin"
)

// Specs returns the class specs of the sample schema.
//
//	Customer  1-* Order  1-* OrderLine *-1 Product
//	Customer  *-* Group (self-referencing parent/children)
//	Customer  *-1 Customer (manager)
//	Order     *-1 Currency (cacheable)
//	Shipment  composite key
func Specs() []metadata.ClassSpec {
	return []metadata.ClassSpec{
		{
			Name:         "Customer",
			PrimaryKey:   "id",
			InstanceName: []string{"name"},
			Mixins:       []metadata.Mixin{mixin.UUIDKey{}, mixin.SoftDelete{}, mixin.Versioned{}},
			Properties: []metadata.PropertySpec{
				{Name: "name", Type: "string", Mandatory: true},
				{Name: "email", Type: "string"},
				{Name: "status", Type: "enum", Enum: []string{"active", "blocked"}},
				{Name: "fullName", Type: "string", Transient: true, Related: []string{"name", "email"}},
				{Name: "notes", Type: "string", Lob: true},
				{Name: "address", Type: "embedded", Target: "Address"},
				{Name: "manager", Type: "entity", Target: "Customer", Cardinality: "many-to-one"},
				{Name: "orders", Type: "entity", Target: "Order", Cardinality: "one-to-many", Inverse: "customer"},
				{Name: "groups", Type: "entity", Target: "Group", Cardinality: "many-to-many", Inverse: "customers"},
			},
		},
		{
			Name:    "VipCustomer",
			Extends: "Customer",
			Properties: []metadata.PropertySpec{
				{Name: "level", Type: "int"},
			},
		},
		{
			Name:       "Address",
			Embeddable: true,
			Properties: []metadata.PropertySpec{
				{Name: "city", Type: "string"},
				{Name: "street", Type: "string"},
			},
		},
		{
			Name:           "Order",
			PrimaryKey:     "id",
			InstanceName:   []string{"number"},
			PublishChanges: true,
			IDSequence:     "order_seq",
			IDCached:       true,
			Mixins:         []metadata.Mixin{mixin.UUID{}, mixin.SoftDelete{}},
			Properties: []metadata.PropertySpec{
				{Name: "id", Type: "int64"},
				{Name: "number", Type: "string", Mandatory: true},
				{Name: "amount", Type: "decimal"},
				{Name: "createdNo", Type: "int64", DBGenerated: true},
				{Name: "customer", Type: "entity", Target: "Customer", Cardinality: "many-to-one", Inverse: "orders"},
				{Name: "currency", Type: "entity", Target: "Currency", Cardinality: "many-to-one"},
				{Name: "lines", Type: "entity", Target: "OrderLine", Cardinality: "one-to-many", Inverse: "order", Composition: true},
			},
		},
		{
			Name:       "OrderLine",
			PrimaryKey: "id",
			Mixins:     []metadata.Mixin{mixin.UUIDKey{}},
			Properties: []metadata.PropertySpec{
				{Name: "quantity", Type: "int"},
				{Name: "order", Type: "entity", Target: "Order", Cardinality: "many-to-one", Inverse: "lines"},
				{Name: "product", Type: "entity", Target: "Product", Cardinality: "many-to-one"},
			},
		},
		{
			Name:         "Product",
			PrimaryKey:   "id",
			InstanceName: []string{"name"},
			Mixins:       []metadata.Mixin{mixin.UUIDKey{}},
			Properties: []metadata.PropertySpec{
				{Name: "name", Type: "string"},
				{Name: "price", Type: "decimal"},
			},
		},
		{
			Name:         "Group",
			PrimaryKey:   "id",
			InstanceName: []string{"name"},
			Mixins:       []metadata.Mixin{mixin.UUIDKey{}},
			Properties: []metadata.PropertySpec{
				{Name: "name", Type: "string"},
				{Name: "customers", Type: "entity", Target: "Customer", Cardinality: "many-to-many", Inverse: "groups"},
				{Name: "parent", Type: "entity", Target: "Group", Cardinality: "many-to-one", Inverse: "children"},
				{Name: "children", Type: "entity", Target: "Group", Cardinality: "one-to-many", Inverse: "parent"},
			},
		},
		{
			Name:       "Currency",
			PrimaryKey: "code",
			Cacheable:  true,
			Properties: []metadata.PropertySpec{
				{Name: "code", Type: "string"},
				{Name: "name", Type: "string"},
			},
		},
		{
			Name:       "ShipmentKey",
			Embeddable: true,
			Properties: []metadata.PropertySpec{
				{Name: "orderNo", Type: "int64"},
				{Name: "lineNo", Type: "int"},
			},
		},
		{
			Name:       "Shipment",
			PrimaryKey: "id",
			Properties: []metadata.PropertySpec{
				{Name: "id", Type: "embedded", Target: "ShipmentKey"},
				{Name: "carrier", Type: "string"},
			},
		},
	}
}

// Registry builds the sample schema. It panics on error since the schema is static.
func Registry() *metadata.Registry {
	reg, err := metadata.NewBuilder().Add(Specs()...).Build()
	if err != nil {
		panic(err)
	}
	return reg
}
