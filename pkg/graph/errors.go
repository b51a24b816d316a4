package graph

import "errors"

// Sentinel errors returned by [Store] operations. Callers should test with
// [errors.Is]; the store wraps these with contextual detail.
var (
	// ErrNodeNotFound is returned when a node id does not resolve.
	ErrNodeNotFound = errors.New("graph: node not found")

	// ErrLinkNotFound is returned when a link id does not resolve.
	ErrLinkNotFound = errors.New("graph: link not found")

	// ErrRootDelete is returned when a caller attempts to delete the root.
	ErrRootDelete = errors.New("graph: cannot delete root node")

	// ErrInvalidNodeType is returned when a node type is outside the six-type set.
	ErrInvalidNodeType = errors.New("graph: invalid node type")

	// ErrInvalidRelation is returned when a link relation is non-canonical.
	ErrInvalidRelation = errors.New("graph: relation not in canonical set")

	// ErrSelfLink is returned when a link's endpoints are the same node.
	ErrSelfLink = errors.New("graph: link endpoints must differ")

	// ErrTemporalInverted is returned when valid_from is after valid_until.
	ErrTemporalInverted = errors.New("graph: temporal valid_from after valid_until")

	// ErrCorruptSnapshot is returned when an on-disk snapshot fails invariant
	// validation. The store refuses to adopt such state.
	ErrCorruptSnapshot = errors.New("graph: snapshot violates graph invariants")
)
