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

import "fmt"

// MergeResult reports what Merge changed.
type MergeResult struct {
	AddedNodes   []string `json:"addedNodes"`
	SkippedNodes []string `json:"skippedNodes,omitempty"`
	AddedEdges   int      `json:"addedEdges"`
	SkippedEdges int      `json:"skippedEdges"`
}

// Merge adds nodes and edges that are not already in the store.
//
// # Description
//
// Everything is validated before the store is touched, and all additions
// happen under one lock so a worker never sees a new node without its
// incoming edges. Nodes whose id already exists are skipped. Edges into an
// existing node are skipped too: a node that may already be running does
// not gain dependencies. Each node's declared Dependencies are treated as
// dependency edges. Because edges only ever point into new nodes, a cycle
// can only form among the new nodes, and that is rejected.
//
// # Outputs
//
//   - MergeResult: Added and skipped counts.
//   - error: ErrInvalidInput, GraphError{KindUnknownNode} or
//     GraphError{KindCycleDetected}. The store is unchanged on error.
func (s *Store) Merge(nodes []*Node, edges []Edge) (MergeResult, error) {
	incoming := make(map[string]*Node, len(nodes))
	order := make([]string, 0, len(nodes))
	for _, n := range nodes {
		if err := validateNode(n); err != nil {
			return MergeResult{}, err
		}
		if _, dup := incoming[n.ID]; dup {
			return MergeResult{}, fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		incoming[n.ID] = n
		order = append(order, n.ID)
	}

	all := append([]Edge(nil), edges...)
	for _, id := range order {
		for _, dep := range incoming[id].Dependencies {
			all = append(all, Edge{Source: dep, Target: id})
		}
	}
	for i := range all {
		if err := normalizeEdge(&all[i]); err != nil {
			return MergeResult{}, err
		}
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	var res MergeResult
	fresh := make(map[string]*Node, len(incoming))
	for _, id := range order {
		if _, exists := s.nodes[id]; exists {
			res.SkippedNodes = append(res.SkippedNodes, id)
			continue
		}
		fresh[id] = incoming[id]
	}

	seen := make(map[edgeKey]struct{}, len(all))
	var accepted []Edge
	for _, e := range all {
		_, srcExisting := s.nodes[e.Source]
		_, srcFresh := fresh[e.Source]
		_, dstFresh := fresh[e.Target]
		_, dstExisting := s.nodes[e.Target]
		if !srcExisting && !srcFresh {
			return MergeResult{}, unknownNode(e.Source)
		}
		if !dstFresh {
			if !dstExisting {
				return MergeResult{}, unknownNode(e.Target)
			}
			res.SkippedEdges++
			continue
		}
		key := edgeKey{e.Source, e.Target}
		if _, dup := seen[key]; dup {
			res.SkippedEdges++
			continue
		}
		seen[key] = struct{}{}
		accepted = append(accepted, e)
	}

	if cycle := freshCycle(fresh, accepted); cycle != nil {
		return MergeResult{}, &GraphError{Kind: KindCycleDetected, Cycle: cycle}
	}

	now := s.now()
	for _, id := range order {
		n, ok := fresh[id]
		if !ok {
			continue
		}
		stored := n.Clone()
		stored.Status = StatusPending
		stored.Dependencies = nil
		stored.Dependents = nil
		stored.Metadata.CreatedAt = now
		stored.Metadata.UpdatedAt = now
		stored.Metadata.StartedAt = nil
		stored.Metadata.CompletedAt = nil
		s.nodes[id] = stored
		res.AddedNodes = append(res.AddedNodes, id)
	}
	for i := range accepted {
		e := accepted[i]
		s.insertEdgeLocked(&e)
		res.AddedEdges++
	}
	return res, nil
}

// freshCycle reports the first cycle among new nodes, or nil.
func freshCycle(fresh map[string]*Node, edges []Edge) []string {
	scratch := &Store{
		nodes:     make(map[string]*Node, len(fresh)),
		edges:     make(map[edgeKey]*Edge),
		completed: make(map[string]struct{}),
	}
	for id := range fresh {
		scratch.nodes[id] = &Node{ID: id}
	}
	for i := range edges {
		e := edges[i]
		if _, ok := scratch.nodes[e.Source]; !ok {
			continue
		}
		scratch.insertEdgeLocked(&e)
	}
	if cycles := scratch.detectCyclesLocked(); len(cycles) > 0 {
		return cycles[0]
	}
	return nil
}

func validateNode(n *Node) error {
	if n == nil {
		return ErrNilNode
	}
	if n.ID == "" {
		return fmt.Errorf("%w: node id is empty", ErrInvalidInput)
	}
	if !n.Type.Valid() {
		return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidInput, n.ID, n.Type)
	}
	if n.ComplianceScore < 0 || n.ComplianceScore > 100 {
		return fmt.Errorf("%w: node %q compliance %.2f outside [0,100]", ErrInvalidInput, n.ID, n.ComplianceScore)
	}
	return nil
}

func normalizeEdge(e *Edge) error {
	if e.Source == "" || e.Target == "" {
		return fmt.Errorf("%w: edge endpoints must be set", ErrInvalidInput)
	}
	if e.Source == e.Target {
		return fmt.Errorf("%w: self edge on %q", ErrInvalidInput, e.Source)
	}
	if e.Strength < 0 || e.Strength > 1 {
		return fmt.Errorf("%w: edge strength %.2f outside [0,1]", ErrInvalidInput, e.Strength)
	}
	if e.Type == "" {
		e.Type = EdgeTypeDependency
	}
	if !e.Type.Valid() {
		return fmt.Errorf("%w: unknown edge type %q", ErrInvalidInput, e.Type)
	}
	if e.Strength == 0 {
		e.Strength = 1
	}
	if e.ID == "" {
		e.ID = EdgeID(e.Source, e.Target)
	}
	return nil
}

