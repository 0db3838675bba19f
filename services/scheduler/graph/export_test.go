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

func TestStats(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s,
		&Node{ID: "a", Type: NodeTypeRepo, ComplianceScore: 100, Metadata: Metadata{Org: "acme"}},
		&Node{ID: "b", Type: NodeTypeRepo, ComplianceScore: 50, Dependencies: []string{"a"}, Metadata: Metadata{Org: "acme"}},
		&Node{ID: "c", Type: NodeTypeAgent, ComplianceScore: 0},
	)
	mustRun(t, s, "a")
	if _, err := s.Claim("b"); err != nil {
		t.Fatal(err)
	}

	st := s.Stats()
	if st.TotalNodes != 3 || st.TotalEdges != 1 {
		t.Errorf("totals = %d/%d, want 3/1", st.TotalNodes, st.TotalEdges)
	}
	if st.NodesByType[NodeTypeRepo] != 2 || st.NodesByType[NodeTypeAgent] != 1 {
		t.Errorf("NodesByType = %v", st.NodesByType)
	}
	if st.NodesByOrg["acme"] != 2 {
		t.Errorf("NodesByOrg = %v", st.NodesByOrg)
	}
	if st.AvgCompliance != 50 {
		t.Errorf("AvgCompliance = %v, want 50", st.AvgCompliance)
	}
	if st.CompletedNodes != 1 || st.CurrentlyExecuting != 1 || st.PendingNodes != 1 || st.FailedNodes != 0 {
		t.Errorf("status counts = %+v", st)
	}
}

func TestExportRestore(t *testing.T) {
	s := NewStore(nil)
	mustAdd(t, s, newNode("a"), newNode("b", "a"), newNode("c", "b"))
	mustRun(t, s, "a")
	if _, err := s.Claim("b"); err != nil {
		t.Fatal(err)
	}

	doc := s.Export()
	if doc.Version != DocumentVersion || len(doc.Nodes) != 3 || len(doc.Edges) != 2 {
		t.Fatalf("unexpected document: %+v", doc)
	}

	restored := NewStore(nil)
	if err := restored.Restore(doc); err != nil {
		t.Fatalf("Restore: %v", err)
	}

	b, _ := restored.Get("b")
	if b.Status != StatusPending {
		t.Errorf("running node restored as %s, want pending", b.Status)
	}
	ready := restored.GetReadyNodes()
	if len(ready) != 1 || ready[0].ID != "b" {
		t.Errorf("ready after restore = %v, want [b]", ready)
	}
	c, _ := restored.Get("c")
	if !reflect.DeepEqual(c.Dependencies, []string{"b"}) {
		t.Errorf("c.Dependencies = %v", c.Dependencies)
	}
}

func TestRestore_RejectsInvalidDocuments(t *testing.T) {
	tests := []struct {
		name string
		doc  *Document
		want error
	}{
		{"nil", nil, ErrInvalidInput},
		{"version", &Document{Version: 99}, ErrUnsupportedVersion},
		{"dangling edge", &Document{
			Version: DocumentVersion,
			Nodes:   []*Node{{ID: "a", Type: NodeTypeFile}},
			Edges:   []Edge{{Source: "a", Target: "b"}},
		}, ErrNodeNotFound},
		{"duplicate node", &Document{
			Version: DocumentVersion,
			Nodes:   []*Node{{ID: "a", Type: NodeTypeFile}, {ID: "a", Type: NodeTypeFile}},
		}, ErrDuplicateNode},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			s := NewStore(nil)
			mustAdd(t, s, newNode("keep"))
			if err := s.Restore(tt.doc); !errors.Is(err, tt.want) {
				t.Errorf("Restore() error = %v, want %v", err, tt.want)
			}
			if _, ok := s.Get("keep"); !ok {
				t.Error("failed restore replaced store contents")
			}
		})
	}
}
