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
	"math/rand"
	"reflect"
	"testing"
)

func buildCycle(t *testing.T) *Store {
	t.Helper()
	s := NewStore(nil)
	mustAdd(t, s, newNode("A"), newNode("B", "A"), newNode("C", "B"))
	if err := s.AddEdge(Edge{Source: "C", Target: "A"}); err != nil {
		t.Fatalf("AddEdge(C->A): %v", err)
	}
	return s
}

func TestDetectCycles_Acyclic(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("a"), newNode("b", "a"))

	cycles := s.DetectCycles()
	if cycles == nil || len(cycles) != 0 {
		t.Errorf("DetectCycles() = %#v, want empty non-nil", cycles)
	}
}

func TestDetectCycles_ThreeNodeCycle(t *testing.T) {
	s := buildCycle(t)

	cycles := s.DetectCycles()
	if len(cycles) != 1 {
		t.Fatalf("got %d cycles, want 1: %v", len(cycles), cycles)
	}
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(cycles[0], want) {
		t.Errorf("cycle = %v, want %v", cycles[0], want)
	}

	_, err := s.TopologicalOrder()
	var gerr *GraphError
	if !errors.As(err, &gerr) || gerr.Kind != KindCycleDetected {
		t.Fatalf("TopologicalOrder error = %v, want CycleDetected", err)
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Error("GraphError should unwrap to ErrCycleDetected")
	}
}

func TestRepairCycles_RemovesEdgeIntoSmallestID(t *testing.T) {
	s := buildCycle(t)

	removed := s.RepairCycles()
	if len(removed) != 1 {
		t.Fatalf("removed %d edges, want 1", len(removed))
	}
	if removed[0].Source != "C" || removed[0].Target != "A" {
		t.Errorf("removed %s->%s, want C->A", removed[0].Source, removed[0].Target)
	}
	if cycles := s.DetectCycles(); len(cycles) != 0 {
		t.Errorf("cycles remain after repair: %v", cycles)
	}
	order, err := s.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder after repair: %v", err)
	}
	if want := []string{"A", "B", "C"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

func TestRepairCycles_MultipleCycles(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("a"), newNode("b", "a"), newNode("x"), newNode("y", "x"))
	_ = s.AddEdge(Edge{Source: "b", Target: "a"})
	_ = s.AddEdge(Edge{Source: "y", Target: "x"})

	removed := s.RepairCycles()
	if len(removed) != 2 {
		t.Fatalf("removed %v, want two edges", removed)
	}
	if len(s.DetectCycles()) != 0 {
		t.Error("graph still cyclic")
	}
}

func TestTopologicalOrder_Deterministic(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("c"), newNode("a"), newNode("b", "c"), newNode("d", "a", "b"))

	order, err := s.TopologicalOrder()
	if err != nil {
		t.Fatal(err)
	}
	if want := []string{"a", "c", "b", "d"}; !reflect.DeepEqual(order, want) {
		t.Errorf("order = %v, want %v", order, want)
	}
}

// A graph has a cycle iff it has no topological order. Random graphs mix
// forward edges (always acyclic) with occasional back edges.
func TestCycleDetection_AgreesWithTopologicalOrder(t *testing.T) {
	rng := rand.New(rand.NewSource(42))

	for round := 0; round < 200; round++ {
		s := NewStore(nil)
		n := 2 + rng.Intn(8)
		for i := 0; i < n; i++ {
			mustAdd(t, s, newNode(fmt.Sprintf("n%02d", i)))
		}
		for e := 0; e < n*2; e++ {
			i, j := rng.Intn(n), rng.Intn(n)
			if i == j {
				continue
			}
			if i > j && rng.Intn(4) != 0 {
				i, j = j, i
			}
			_ = s.AddEdge(Edge{Source: fmt.Sprintf("n%02d", i), Target: fmt.Sprintf("n%02d", j)})
		}

		hasCycle := len(s.DetectCycles()) > 0
		_, err := s.TopologicalOrder()
		if hasCycle != (err != nil) {
			t.Fatalf("round %d: DetectCycles=%v but TopologicalOrder err=%v", round, hasCycle, err)
		}

		if hasCycle {
			s.RepairCycles()
			if _, err := s.TopologicalOrder(); err != nil {
				t.Fatalf("round %d: still cyclic after repair: %v", round, err)
			}
		}
	}
}

// Every reported cycle must be a closed walk over real edges.
func TestDetectCycles_PathsAreRealEdges(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("a"), newNode("b", "a"), newNode("c", "b"), newNode("d", "c"))
	_ = s.AddEdge(Edge{Source: "c", Target: "a"})
	_ = s.AddEdge(Edge{Source: "d", Target: "b"})

	edges := make(map[string]bool)
	for _, e := range s.Edges() {
		edges[e.Source+"->"+e.Target] = true
	}
	for _, cycle := range s.DetectCycles() {
		for i := range cycle {
			from, to := cycle[i], cycle[(i+1)%len(cycle)]
			if !edges[from+"->"+to] {
				t.Errorf("cycle %v uses missing edge %s->%s", cycle, from, to)
			}
		}
	}
}
