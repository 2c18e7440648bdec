// Package types defines the entities, field constraints, repository
// interfaces, and standard errors of the metadata field value and approval
// engine.
//
// Field definitions carry a Constraint, a tagged variant over the closed set
// of semantic field types. Values are type-erased (any) and normalized by the
// field's constraint before they are stored.
package types
