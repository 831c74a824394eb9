// Package mixin provides common property sets for metadata classes.
//
// These mixins are OPTIONAL and provided as convenient starting points:
//   - UUIDKey: UUID primary key "id"
//   - UUID: surrogate "uuid" property for numeric keys
//   - SoftDelete: deleteTs and deletedBy markers
//   - Standard: createTs, createdBy, updateTs, updatedBy
//   - Versioned: optimistic lock version
//
// Usage:
//
//	metadata.ClassSpec{
//	    Name:       "Customer",
//	    PrimaryKey: "id",
//	    Mixins:     []metadata.Mixin{mixin.UUIDKey{}, mixin.SoftDelete{}},
//	}
//
// In YAML schemas mixins are referenced by name and resolved with ByName:
//
//	reg, err := metadata.LoadFile("schema.yaml", metadata.WithMixins(mixin.ByName))
package mixin

import "github.com/syssam/vxdata/metadata"

// UUIDKey adds a UUID primary key property named "id".
type UUIDKey struct{}

// Properties of the UUIDKey mixin.
func (UUIDKey) Properties() []metadata.PropertySpec {
	return []metadata.PropertySpec{
		{Name: "id", Type: "uuid", Mandatory: true, ReadOnly: true},
	}
}

// UUID adds the surrogate uuid property carried by entities with non-UUID keys.
type UUID struct{}

// Properties of the UUID mixin.
func (UUID) Properties() []metadata.PropertySpec {
	return []metadata.PropertySpec{
		{Name: metadata.UUIDProperty, Type: "uuid", ReadOnly: true},
	}
}

// SoftDelete adds the soft-delete markers. Entities are not physically
// deleted but marked with a deletion timestamp.
type SoftDelete struct{}

// Properties of the SoftDelete mixin.
func (SoftDelete) Properties() []metadata.PropertySpec {
	return []metadata.PropertySpec{
		{Name: metadata.DeleteTsProperty, Type: "time"},
		{Name: metadata.DeletedByProperty, Type: "string"},
	}
}

// Standard adds the audit properties.
type Standard struct{}

// Properties of the Standard mixin.
func (Standard) Properties() []metadata.PropertySpec {
	return []metadata.PropertySpec{
		{Name: "createTs", Type: "time", ReadOnly: true},
		{Name: "createdBy", Type: "string", ReadOnly: true},
		{Name: "updateTs", Type: "time"},
		{Name: "updatedBy", Type: "string"},
	}
}

// Versioned adds the optimistic lock version.
type Versioned struct{}

// Properties of the Versioned mixin.
func (Versioned) Properties() []metadata.PropertySpec {
	return []metadata.PropertySpec{
		{Name: metadata.VersionProperty, Type: "int"},
	}
}

// Every mixin must implement the metadata.Mixin interface.
var (
	_ metadata.Mixin = UUIDKey{}
	_ metadata.Mixin = UUID{}
	_ metadata.Mixin = SoftDelete{}
	_ metadata.Mixin = Standard{}
	_ metadata.Mixin = Versioned{}
)

var named = map[string]metadata.Mixin{
	"uuidKey":    UUIDKey{},
	"uuid":       UUID{},
	"softDelete": SoftDelete{},
	"standard":   Standard{},
	"versioned":  Versioned{},
}

// ByName resolves a mixin by its schema name.
func ByName(name string) (metadata.Mixin, bool) {
	m, ok := named[name]
	return m, ok
}
