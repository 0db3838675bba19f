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
	"fmt"
	"math"
	"time"
)

// DocumentVersion is the current export document format.
const DocumentVersion = 1

// Stats summarizes the graph.
type Stats struct {
	TotalNodes         int              `json:"totalNodes" yaml:"totalNodes"`
	TotalEdges         int              `json:"totalEdges" yaml:"totalEdges"`
	NodesByType        map[NodeType]int `json:"nodesByType" yaml:"nodesByType"`
	NodesByOrg         map[string]int   `json:"nodesByOrg" yaml:"nodesByOrg"`
	AvgCompliance      float64          `json:"avgCompliance" yaml:"avgCompliance"`
	PendingNodes       int              `json:"pendingNodes" yaml:"pendingNodes"`
	CompletedNodes     int              `json:"completedNodes" yaml:"completedNodes"`
	FailedNodes        int              `json:"failedNodes" yaml:"failedNodes"`
	CurrentlyExecuting int              `json:"currentlyExecuting" yaml:"currentlyExecuting"`
}

// Document is a serializable snapshot of a graph.
type Document struct {
	Version    int       `json:"version" yaml:"version"`
	ExportedAt time.Time `json:"exportedAt" yaml:"exportedAt"`
	Nodes      []*Node   `json:"nodes" yaml:"nodes"`
	Edges      []Edge    `json:"edges" yaml:"edges"`
	Stats      Stats     `json:"stats" yaml:"stats"`
}

// Stats computes summary counters.
func (s *Store) Stats() Stats {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.statsLocked()
}

func (s *Store) statsLocked() Stats {
	st := Stats{
		TotalNodes:  len(s.nodes),
		TotalEdges:  len(s.edges),
		NodesByType: make(map[NodeType]int),
		NodesByOrg:  make(map[string]int),
	}
	var compliance float64
	for _, n := range s.nodes {
		st.NodesByType[n.Type]++
		if n.Metadata.Org != "" {
			st.NodesByOrg[n.Metadata.Org]++
		}
		compliance += n.ComplianceScore
		switch n.Status {
		case StatusPending:
			st.PendingNodes++
		case StatusRunning:
			st.CurrentlyExecuting++
		case StatusCompleted:
			st.CompletedNodes++
		case StatusFailed:
			st.FailedNodes++
		}
	}
	if len(s.nodes) > 0 {
		st.AvgCompliance = math.Round(compliance/float64(len(s.nodes))*100) / 100
	}
	return st
}

// Export takes a consistent snapshot of the whole graph.
func (s *Store) Export() *Document {
	s.mu.RLock()
	defer s.mu.RUnlock()

	return &Document{
		Version:    DocumentVersion,
		ExportedAt: s.now().UTC(),
		Nodes:      s.nodesLocked(),
		Edges:      s.edgesLocked(),
		Stats:      s.statsLocked(),
	}
}

// Restore replaces the store contents with a document.
//
// # Description
//
// The document is validated completely before anything is replaced. Nodes
// that were running when exported are restored as pending, since no worker
// owns them anymore. Dependencies and Dependents are rebuilt from the
// document's edges.
//
// # Outputs
//
//   - error: ErrUnsupportedVersion, ErrInvalidInput, ErrDuplicateNode,
//     ErrDuplicateEdge or GraphError{KindUnknownNode}.
func (s *Store) Restore(doc *Document) error {
	if doc == nil {
		return fmt.Errorf("%w: nil document", ErrInvalidInput)
	}
	if doc.Version != DocumentVersion {
		return fmt.Errorf("%w: %d", ErrUnsupportedVersion, doc.Version)
	}

	nodes := make(map[string]*Node, len(doc.Nodes))
	completed := make(map[string]struct{})
	for _, n := range doc.Nodes {
		if n == nil || n.ID == "" {
			return fmt.Errorf("%w: node without id", ErrInvalidInput)
		}
		if !n.Type.Valid() {
			return fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidInput, n.ID, n.Type)
		}
		if _, dup := nodes[n.ID]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateNode, n.ID)
		}
		c := n.Clone()
		c.Dependencies = nil
		c.Dependents = nil
		switch c.Status {
		case StatusRunning, "":
			c.Status = StatusPending
			c.Metadata.StartedAt = nil
		case StatusCompleted:
			completed[c.ID] = struct{}{}
		}
		nodes[c.ID] = c
	}

	edges := make(map[edgeKey]*Edge, len(doc.Edges))
	for i := range doc.Edges {
		e := doc.Edges[i]
		if _, ok := nodes[e.Source]; !ok {
			return unknownNode(e.Source)
		}
		if _, ok := nodes[e.Target]; !ok {
			return unknownNode(e.Target)
		}
		if e.Source == e.Target {
			return fmt.Errorf("%w: self edge on %q", ErrInvalidInput, e.Source)
		}
		key := edgeKey{e.Source, e.Target}
		if _, dup := edges[key]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateEdge, EdgeID(e.Source, e.Target))
		}
		if e.ID == "" {
			e.ID = EdgeID(e.Source, e.Target)
		}
		if e.Type == "" {
			e.Type = EdgeTypeDependency
		}
		edges[key] = &e
		nodes[e.Source].Dependents = append(nodes[e.Source].Dependents, e.Target)
		nodes[e.Target].Dependencies = append(nodes[e.Target].Dependencies, e.Source)
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	s.nodes = nodes
	s.edges = edges
	s.completed = completed
	return nil
}
