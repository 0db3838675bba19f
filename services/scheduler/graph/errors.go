// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package graph

import (
	"errors"
	"fmt"
	"strings"
)

// Sentinel errors for the graph package.
var (
	// ErrNilNode is returned when a nil node is provided.
	ErrNilNode = errors.New("node must not be nil")

	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrDuplicateNode is returned when adding a node with an existing id.
	ErrDuplicateNode = errors.New("node with this id already exists")

	// ErrDuplicateEdge is returned when an edge between the same pair exists.
	ErrDuplicateEdge = errors.New("edge already exists")

	// ErrEdgeNotFound is returned when removing an edge that does not exist.
	ErrEdgeNotFound = errors.New("edge not found")

	// ErrNodeNotFound is returned when a referenced node doesn't exist.
	ErrNodeNotFound = errors.New("node not found")

	// ErrCycleDetected is returned when the graph contains a cycle.
	ErrCycleDetected = errors.New("cycle detected in graph")

	// ErrNotPending is returned when claiming a node that is not pending.
	ErrNotPending = errors.New("node is not pending")

	// ErrNotReady is returned when claiming a node with incomplete dependencies.
	ErrNotReady = errors.New("node dependencies are not completed")

	// ErrInvalidTransition is returned for a status change the lifecycle forbids.
	ErrInvalidTransition = errors.New("invalid status transition")

	// ErrUnsupportedVersion is returned when restoring an unknown document version.
	ErrUnsupportedVersion = errors.New("unsupported document version")
)

// ErrorKind distinguishes GraphError causes.
type ErrorKind int

const (
	// KindUnknownNode means an operation referenced a node id not in the store.
	KindUnknownNode ErrorKind = iota + 1

	// KindCycleDetected means the operation requires an acyclic graph.
	KindCycleDetected
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindUnknownNode:
		return "UnknownNode"
	case KindCycleDetected:
		return "CycleDetected"
	default:
		return "Unknown"
	}
}

// GraphError reports a structural problem with the graph.
//
// It unwraps to ErrNodeNotFound or ErrCycleDetected depending on Kind.
type GraphError struct {
	Kind   ErrorKind
	NodeID string
	Cycle  []string
}

// Error returns the error message.
func (e *GraphError) Error() string {
	switch e.Kind {
	case KindUnknownNode:
		return fmt.Sprintf("unknown node %q", e.NodeID)
	case KindCycleDetected:
		return fmt.Sprintf("cycle detected: %s", strings.Join(e.Cycle, " -> "))
	default:
		return "graph error"
	}
}

// Unwrap returns the sentinel matching the error kind.
func (e *GraphError) Unwrap() error {
	switch e.Kind {
	case KindUnknownNode:
		return ErrNodeNotFound
	case KindCycleDetected:
		return ErrCycleDetected
	default:
		return nil
	}
}

func unknownNode(id string) *GraphError {
	return &GraphError{Kind: KindUnknownNode, NodeID: id}
}
