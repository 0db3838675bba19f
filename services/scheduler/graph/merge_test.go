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
	"reflect"
	"testing"
)

func TestStore_Merge_OutOfOrderNodes(t *testing.T) {
	s := NewStore(nil)

	res, err := s.Merge(
		[]*Node{newNode("c", "b"), newNode("b", "a"), newNode("a")},
		[]Edge{{Source: "a", Target: "c", Type: EdgeTypeData, Strength: 0.5}},
	)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !reflect.DeepEqual(res.AddedNodes, []string{"c", "b", "a"}) {
		t.Errorf("AddedNodes = %v", res.AddedNodes)
	}
	if res.AddedEdges != 3 {
		t.Errorf("AddedEdges = %d, want 3", res.AddedEdges)
	}

	order, err := s.TopologicalOrder()
	if err != nil {
		t.Fatalf("TopologicalOrder() error = %v", err)
	}
	if !reflect.DeepEqual(order, []string{"a", "b", "c"}) {
		t.Errorf("order = %v, want [a b c]", order)
	}
	for _, e := range s.Edges() {
		if e.Source == "a" && e.Target == "c" && (e.Type != EdgeTypeData || e.Strength != 0.5) {
			t.Errorf("edge a->c lost attributes: %+v", e)
		}
	}
}

func TestStore_Merge_SkipsExisting(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("a"), newNode("b"))

	res, err := s.Merge(
		[]*Node{newNode("a"), newNode("b", "a"), newNode("c", "a", "b")},
		nil,
	)
	if err != nil {
		t.Fatalf("Merge() error = %v", err)
	}
	if !reflect.DeepEqual(res.AddedNodes, []string{"c"}) {
		t.Errorf("AddedNodes = %v, want [c]", res.AddedNodes)
	}
	if !reflect.DeepEqual(res.SkippedNodes, []string{"a", "b"}) {
		t.Errorf("SkippedNodes = %v, want [a b]", res.SkippedNodes)
	}
	// b->a would give the existing node b a new dependency.
	if res.SkippedEdges != 1 {
		t.Errorf("SkippedEdges = %d, want 1", res.SkippedEdges)
	}
	b, _ := s.Get("b")
	if len(b.Dependencies) != 0 {
		t.Errorf("existing node gained dependencies: %v", b.Dependencies)
	}
}

func TestStore_Merge_RejectsCycleAtomically(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("root"))

	_, err := s.Merge([]*Node{newNode("x", "root", "y"), newNode("y", "x")}, nil)

	var ge *GraphError
	if !errors.As(err, &ge) || ge.Kind != KindCycleDetected {
		t.Fatalf("error = %v, want cycle GraphError", err)
	}
	if !errors.Is(err, ErrCycleDetected) {
		t.Errorf("error does not unwrap to ErrCycleDetected")
	}
	if s.Len() != 1 {
		t.Errorf("store changed on error: len = %d", s.Len())
	}
}

func TestStore_Merge_UnknownEndpoint(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Merge([]*Node{newNode("a", "ghost")}, nil)

	if !errors.Is(err, ErrNodeNotFound) {
		t.Errorf("error = %v, want ErrNodeNotFound", err)
	}
	if s.Len() != 0 {
		t.Errorf("store changed on error")
	}
}

func TestStore_Merge_InvalidNode(t *testing.T) {
	s := NewStore(nil)

	_, err := s.Merge([]*Node{{ID: "a", Type: "spaceship"}}, nil)

	if !errors.Is(err, ErrInvalidInput) {
		t.Errorf("error = %v, want ErrInvalidInput", err)
	}
}
