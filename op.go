// Package vxdata is the root of a fetch-plan driven data layer: entities are
// declared in a metadata registry, loaded through fetch plans and JPQL
// queries, filtered by security constraints and committed as units of work.
//
// The root package holds the shared error taxonomy, operation kinds and the
// query-result cache interface. The pipeline itself lives in the datastore
// package.
package vxdata

// EntityOp is an operation on an entity type checked by the security layer.
type EntityOp int

// Entity operations.
const (
	OpRead EntityOp = iota
	OpCreate
	OpUpdate
	OpDelete
)

var entityOpNames = [...]string{
	OpRead:   "read",
	OpCreate: "create",
	OpUpdate: "update",
	OpDelete: "delete",
}

// String returns the operation name.
func (op EntityOp) String() string {
	if int(op) < len(entityOpNames) {
		return entityOpNames[op]
	}
	return "unknown"
}

// AttrOp is an operation on a single entity attribute.
type AttrOp int

// Attribute operations.
const (
	AttrView AttrOp = iota
	AttrModify
)

// String returns the operation name.
func (op AttrOp) String() string {
	if op == AttrModify {
		return "modify"
	}
	return "view"
}
