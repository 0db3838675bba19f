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
	"log/slog"
	"sort"
	"strings"
)

const (
	white = iota
	gray
	black
)

// DetectCycles finds cycles with a depth-first search.
//
// # Description
//
// Roots are visited in ascending id order and outgoing edges (source to
// target) in ascending target order. Each back-edge to a node on the
// recursion stack records the stack slice from that node to the current
// one. The path [a b c] means a->b, b->c and c->a.
//
// # Outputs
//
//   - [][]string: Cycles found. Non-nil and empty when the graph is acyclic.
func (s *Store) DetectCycles() [][]string {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.detectCyclesLocked()
}

func (s *Store) detectCyclesLocked() [][]string {
	cycles := make([][]string, 0)
	color := make(map[string]int, len(s.nodes))
	var stack []string

	var visit func(id string)
	visit = func(id string) {
		color[id] = gray
		stack = append(stack, id)

		next := append([]string(nil), s.nodes[id].Dependents...)
		sort.Strings(next)
		for _, v := range next {
			switch color[v] {
			case gray:
				for i := len(stack) - 1; i >= 0; i-- {
					if stack[i] == v {
						cycles = append(cycles, append([]string(nil), stack[i:]...))
						break
					}
				}
			case white:
				visit(v)
			}
		}

		stack = stack[:len(stack)-1]
		color[id] = black
	}

	for _, id := range s.sortedIDsLocked() {
		if color[id] == white {
			visit(id)
		}
	}
	return cycles
}

// RepairCycles breaks cycles by deleting edges until none remain.
//
// # Description
//
// For the first detected cycle, the node with the smallest id is located
// and the edge entering it from its predecessor on the cycle is removed.
// This repeats until DetectCycles reports nothing. Each removal is logged
// as a warning since it changes what the graph means.
//
// # Outputs
//
//   - []Edge: Removed edges, in removal order.
func (s *Store) RepairCycles() []Edge {
	s.mu.Lock()
	defer s.mu.Unlock()

	var removed []Edge
	for {
		cycles := s.detectCyclesLocked()
		if len(cycles) == 0 {
			return removed
		}
		cycle := cycles[0]

		minIdx := 0
		for i, id := range cycle {
			if id < cycle[minIdx] {
				minIdx = i
			}
		}
		target := cycle[minIdx]
		source := cycle[(minIdx-1+len(cycle))%len(cycle)]

		edge := *s.edges[edgeKey{source, target}]
		if err := s.removeEdgeLocked(source, target); err != nil {
			// Unreachable: the edge was just observed under the same lock.
			s.logger.Error("cycle repair failed", slog.String("error", err.Error()))
			return removed
		}
		removed = append(removed, edge)

		s.logger.Warn("removed edge to break cycle",
			slog.String("source", source),
			slog.String("target", target),
			slog.String("cycle", strings.Join(cycle, " -> ")),
		)
	}
}

// TopologicalOrder returns node ids in dependency order.
//
// # Description
//
// Kahn's algorithm. Among nodes whose dependencies are already emitted the
// smallest id goes first, so the order is deterministic.
//
// # Outputs
//
//   - []string: Every node id, each after all of its dependencies.
//   - error: GraphError{KindCycleDetected} carrying the first cycle.
func (s *Store) TopologicalOrder() ([]string, error) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	inDegree := make(map[string]int, len(s.nodes))
	var queue []string
	for _, id := range s.sortedIDsLocked() {
		inDegree[id] = len(s.nodes[id].Dependencies)
		if inDegree[id] == 0 {
			queue = append(queue, id)
		}
	}

	order := make([]string, 0, len(s.nodes))
	for len(queue) > 0 {
		id := queue[0]
		queue = queue[1:]
		order = append(order, id)

		for _, next := range s.nodes[id].Dependents {
			inDegree[next]--
			if inDegree[next] == 0 {
				idx := sort.SearchStrings(queue, next)
				queue = append(queue, "")
				copy(queue[idx+1:], queue[idx:])
				queue[idx] = next
			}
		}
	}

	if len(order) != len(s.nodes) {
		err := &GraphError{Kind: KindCycleDetected}
		if cycles := s.detectCyclesLocked(); len(cycles) > 0 {
			err.Cycle = cycles[0]
		}
		return nil, err
	}
	return order, nil
}
