package domain

import (
	"github.com/CyberFlameGO/envkey/internal/errors"
)

// Graph access errors.
var (
	// ErrNodeNotFound indicates no node with the requested id exists in the graph.
	ErrNodeNotFound = errors.Wrap(errors.ErrNotFound, "graph node not found")

	// ErrWrongNodeType indicates a node was accessed through an accessor for a
	// different type.
	ErrWrongNodeType = errors.Wrap(errors.ErrInvalidState, "wrong graph node type")

	// ErrUnknownNodeType indicates a persisted payload carried a type
	// discriminant outside the closed node set.
	ErrUnknownNodeType = errors.Wrap(errors.ErrInvalidState, "unknown graph node type")
)
