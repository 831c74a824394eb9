// Package security decides which entity operations and attributes a caller
// may use, and filters loaded data by in-memory constraints.
//
// # Core Concepts
//
//   - Rule: returns Allow, Deny or Skip for an operation on a class
//   - Constraint: a row-level predicate that cannot be pushed into the query
//     and is evaluated on loaded instances
//   - Viewer: the caller, attached to the context with WithViewer
//
// # Defining Policies
//
//	pol := security.NewPolicy().
//	    Entity("Customer", []vxdata.EntityOp{vxdata.OpDelete},
//	        security.DenyIfNoViewer(),
//	        security.HasRole("admin"),
//	        security.AlwaysDenyRule(),
//	    ).
//	    Attribute("Customer", "notes", vxdata.AttrView, security.HasRole("support")).
//	    Constrain("Order", vxdata.OpRead, security.OwnerConstraint("createdBy"))
//
// Rules registered on a class also apply to its descendants. An operation
// with no deciding rule is permitted.
//
// # Filtered Data
//
// CalculateFilteredData removes collection elements failing READ
// constraints and nulls attributes the viewer may not see, recording both in
// the instance's entity.SecurityState. Before a merge, RestoreSecurityState
// and RestoreFilteredData put the hidden values back so they are not
// overwritten.
package security
