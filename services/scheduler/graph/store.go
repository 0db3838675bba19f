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
	"log/slog"
	"sort"
	"sync"
	"time"
)

// ErrUpstreamFailed is recorded on pending nodes that can never run because
// a node they depend on failed.
var ErrUpstreamFailed = errors.New("upstream dependency failed")

// Store holds the nodes, edges and execution status of one graph.
//
// # Description
//
// Edges are the source of truth for the dependency relation. Every
// AddEdge/RemoveEdge keeps Node.Dependencies (of the target) and
// Node.Dependents (of the source) consistent with the edge set.
//
// Claim, MarkCompleted, MarkFailed and Requeue are the only status
// mutators. Each runs under the write lock and updates the node status and
// the completed set together, so GetReadyNodes never observes one without
// the other.
//
// # Thread Safety
//
// Safe for concurrent use. Returned nodes are copies.
type Store struct {
	mu        sync.RWMutex
	nodes     map[string]*Node
	edges     map[edgeKey]*Edge
	completed map[string]struct{}
	logger    *slog.Logger
	now       func() time.Time
}

// NewStore creates an empty graph store.
//
// # Inputs
//
//   - logger: Logger for lossy repairs. If nil, uses slog.Default().
//
// # Outputs
//
//   - *Store: Ready-to-use store.
func NewStore(logger *slog.Logger) *Store {
	if logger == nil {
		logger = slog.Default()
	}
	return &Store{
		nodes:     make(map[string]*Node),
		edges:     make(map[edgeKey]*Edge),
		completed: make(map[string]struct{}),
		logger:    logger.With(slog.String("component", "graph")),
		now:       time.Now,
	}
}

// AddNode inserts a node in pending status.
//
// # Description
//
// Declared Dependencies are turned into dependency edges in the same
// critical section, so the node is never visible without its edges. The
// caller's node is not retained.
//
// # Outputs
//
//   - error: ErrNilNode, ErrInvalidInput, ErrDuplicateNode, or a
//     GraphError{KindUnknownNode} naming the first unknown dependency.
func (s *Store) AddNode(node *Node) error {
	if err := validateNode(node); err != nil {
		return err
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, exists := s.nodes[node.ID]; exists {
		return fmt.Errorf("%w: %s", ErrDuplicateNode, node.ID)
	}

	deps := make([]string, 0, len(node.Dependencies))
	seen := make(map[string]struct{}, len(node.Dependencies))
	for _, dep := range node.Dependencies {
		if dep == node.ID {
			return fmt.Errorf("%w: node %q depends on itself", ErrInvalidInput, node.ID)
		}
		if _, ok := s.nodes[dep]; !ok {
			return unknownNode(dep)
		}
		if _, dup := seen[dep]; dup {
			continue
		}
		seen[dep] = struct{}{}
		deps = append(deps, dep)
	}

	stored := node.Clone()
	now := s.now()
	stored.Status = StatusPending
	stored.Dependencies = nil
	stored.Dependents = nil
	stored.Metadata.CreatedAt = now
	stored.Metadata.UpdatedAt = now
	stored.Metadata.StartedAt = nil
	stored.Metadata.CompletedAt = nil
	s.nodes[stored.ID] = stored

	for _, dep := range deps {
		s.insertEdgeLocked(&Edge{
			ID:       EdgeID(dep, stored.ID),
			Source:   dep,
			Target:   stored.ID,
			Type:     EdgeTypeDependency,
			Strength: 1,
		})
	}
	return nil
}

// AddEdge inserts an edge. Target depends on Source afterwards.
//
// # Description
//
// An empty Type defaults to dependency and an empty ID to EdgeID(source,
// target). AddEdge does not reject cycles; use DetectCycles or
// RepairCycles after population.
//
// # Outputs
//
//   - error: GraphError{KindUnknownNode}, ErrInvalidInput or ErrDuplicateEdge.
func (s *Store) AddEdge(edge Edge) error {
	if edge.Source == "" || edge.Target == "" {
		return fmt.Errorf("%w: edge endpoints must be set", ErrInvalidInput)
	}
	if edge.Source == edge.Target {
		return fmt.Errorf("%w: self edge on %q", ErrInvalidInput, edge.Source)
	}
	if edge.Strength < 0 || edge.Strength > 1 {
		return fmt.Errorf("%w: edge strength %.2f outside [0,1]", ErrInvalidInput, edge.Strength)
	}
	if edge.Type == "" {
		edge.Type = EdgeTypeDependency
	}
	if !edge.Type.Valid() {
		return fmt.Errorf("%w: unknown edge type %q", ErrInvalidInput, edge.Type)
	}
	if edge.ID == "" {
		edge.ID = EdgeID(edge.Source, edge.Target)
	}

	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[edge.Source]; !ok {
		return unknownNode(edge.Source)
	}
	if _, ok := s.nodes[edge.Target]; !ok {
		return unknownNode(edge.Target)
	}
	if _, dup := s.edges[edgeKey{edge.Source, edge.Target}]; dup {
		return fmt.Errorf("%w: %s", ErrDuplicateEdge, EdgeID(edge.Source, edge.Target))
	}

	s.insertEdgeLocked(&edge)
	return nil
}

// RemoveEdge deletes the edge from source to target.
func (s *Store) RemoveEdge(source, target string) error {
	s.mu.Lock()
	defer s.mu.Unlock()
	return s.removeEdgeLocked(source, target)
}

func (s *Store) insertEdgeLocked(edge *Edge) {
	s.edges[edgeKey{edge.Source, edge.Target}] = edge
	src := s.nodes[edge.Source]
	dst := s.nodes[edge.Target]
	src.Dependents = append(src.Dependents, edge.Target)
	dst.Dependencies = append(dst.Dependencies, edge.Source)
}

func (s *Store) removeEdgeLocked(source, target string) error {
	key := edgeKey{source, target}
	if _, ok := s.edges[key]; !ok {
		return fmt.Errorf("%w: %s", ErrEdgeNotFound, EdgeID(source, target))
	}
	delete(s.edges, key)
	src := s.nodes[source]
	dst := s.nodes[target]
	src.Dependents = without(src.Dependents, target)
	dst.Dependencies = without(dst.Dependencies, source)
	return nil
}

func without(ids []string, id string) []string {
	out := ids[:0]
	for _, v := range ids {
		if v != id {
			out = append(out, v)
		}
	}
	return out
}

// Get returns a copy of the node with the given id.
func (s *Store) Get(id string) (*Node, bool) {
	s.mu.RLock()
	defer s.mu.RUnlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, false
	}
	return n.Clone(), true
}

// Nodes returns copies of all nodes sorted by id.
func (s *Store) Nodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.nodesLocked()
}

func (s *Store) nodesLocked() []*Node {
	out := make([]*Node, 0, len(s.nodes))
	for _, id := range s.sortedIDsLocked() {
		out = append(out, s.nodes[id].Clone())
	}
	return out
}

// Edges returns all edges sorted by source then target.
func (s *Store) Edges() []Edge {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return s.edgesLocked()
}

func (s *Store) edgesLocked() []Edge {
	out := make([]Edge, 0, len(s.edges))
	for _, e := range s.edges {
		out = append(out, *e)
	}
	sort.Slice(out, func(i, j int) bool {
		if out[i].Source != out[j].Source {
			return out[i].Source < out[j].Source
		}
		return out[i].Target < out[j].Target
	})
	return out
}

// Len returns the number of nodes.
func (s *Store) Len() int {
	s.mu.RLock()
	defer s.mu.RUnlock()
	return len(s.nodes)
}

// Done reports whether every node is completed or failed.
func (s *Store) Done() bool {
	s.mu.RLock()
	defer s.mu.RUnlock()

	for _, n := range s.nodes {
		if !n.Status.Terminal() {
			return false
		}
	}
	return true
}

// SetPriority updates a node's priority.
func (s *Store) SetPriority(id string, priority int) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return unknownNode(id)
	}
	n.Priority = priority
	n.Metadata.UpdatedAt = s.now()
	return nil
}

// GetReadyNodes returns the readiness frontier.
//
// # Description
//
// A node is ready iff it is pending and every dependency is in the
// completed set. The result is a point-in-time snapshot sorted by priority
// descending, then id ascending. Two callers may see the same node; only
// one of them can Claim it.
func (s *Store) GetReadyNodes() []*Node {
	s.mu.RLock()
	defer s.mu.RUnlock()

	var ready []*Node
	for _, n := range s.nodes {
		if s.readyLocked(n) {
			ready = append(ready, n.Clone())
		}
	}
	sort.Slice(ready, func(i, j int) bool {
		if ready[i].Priority != ready[j].Priority {
			return ready[i].Priority > ready[j].Priority
		}
		return ready[i].ID < ready[j].ID
	})
	return ready
}

func (s *Store) readyLocked(n *Node) bool {
	if n.Status != StatusPending {
		return false
	}
	for _, dep := range n.Dependencies {
		if _, ok := s.completed[dep]; !ok {
			return false
		}
	}
	return true
}

// Claim atomically moves a ready node from pending to running.
//
// # Description
//
// Compare-and-set under the write lock. Among concurrent claims of the
// same node exactly one succeeds.
//
// # Outputs
//
//   - *Node: Copy of the claimed node.
//   - error: GraphError{KindUnknownNode}, ErrNotPending or ErrNotReady.
func (s *Store) Claim(id string) (*Node, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return nil, unknownNode(id)
	}
	if n.Status != StatusPending {
		return nil, fmt.Errorf("%w: %s is %s", ErrNotPending, id, n.Status)
	}
	if !s.readyLocked(n) {
		return nil, fmt.Errorf("%w: %s", ErrNotReady, id)
	}

	now := s.now()
	n.Status = StatusRunning
	n.Metadata.StartedAt = &now
	n.Metadata.UpdatedAt = now
	return n.Clone(), nil
}

// MarkCompleted moves a running node to completed.
func (s *Store) MarkCompleted(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return unknownNode(id)
	}
	if n.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, n.Status, StatusRunning)
	}

	now := s.now()
	n.Status = StatusCompleted
	n.Metadata.CompletedAt = &now
	n.Metadata.UpdatedAt = now
	n.Metadata.LastError = ""
	s.completed[id] = struct{}{}
	return nil
}

// MarkFailed moves a running or pending node to failed and records cause.
//
// Pending nodes may be failed directly when an upstream failure makes them
// unreachable.
func (s *Store) MarkFailed(id string, cause error) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return unknownNode(id)
	}
	return s.failLocked(n, cause)
}

func (s *Store) failLocked(n *Node, cause error) error {
	if n.Status.Terminal() {
		return fmt.Errorf("%w: %s is already %s", ErrInvalidTransition, n.ID, n.Status)
	}
	now := s.now()
	n.Status = StatusFailed
	n.Metadata.CompletedAt = &now
	n.Metadata.UpdatedAt = now
	if cause != nil {
		n.Metadata.LastError = cause.Error()
	}
	delete(s.completed, n.ID)
	return nil
}

// FailDependents fails every pending node that transitively depends on id.
//
// # Outputs
//
//   - []string: Ids of the nodes failed, sorted.
//   - error: GraphError{KindUnknownNode} if id is unknown.
func (s *Store) FailDependents(id string) ([]string, error) {
	s.mu.Lock()
	defer s.mu.Unlock()

	if _, ok := s.nodes[id]; !ok {
		return nil, unknownNode(id)
	}

	var failed []string
	visited := map[string]bool{id: true}
	queue := []string{id}
	for len(queue) > 0 {
		cur := queue[0]
		queue = queue[1:]
		for _, next := range s.nodes[cur].Dependents {
			if visited[next] {
				continue
			}
			visited[next] = true
			child := s.nodes[next]
			if child.Status != StatusPending {
				continue
			}
			cause := fmt.Errorf("%w: %s", ErrUpstreamFailed, cur)
			if err := s.failLocked(child, cause); err != nil {
				return failed, err
			}
			failed = append(failed, next)
			queue = append(queue, next)
		}
	}
	sort.Strings(failed)
	return failed, nil
}

// Requeue moves a failed node back to pending and increments RetryCount.
func (s *Store) Requeue(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return unknownNode(id)
	}
	if n.Status != StatusFailed {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, n.Status, StatusFailed)
	}
	n.Status = StatusPending
	n.Metadata.RetryCount++
	n.Metadata.StartedAt = nil
	n.Metadata.CompletedAt = nil
	n.Metadata.UpdatedAt = s.now()
	return nil
}

// Release hands a running node back as pending without counting a retry.
//
// Used when execution is interrupted before the node's outcome is known.
func (s *Store) Release(id string) error {
	s.mu.Lock()
	defer s.mu.Unlock()

	n, ok := s.nodes[id]
	if !ok {
		return unknownNode(id)
	}
	if n.Status != StatusRunning {
		return fmt.Errorf("%w: %s is %s, want %s", ErrInvalidTransition, id, n.Status, StatusRunning)
	}
	n.Status = StatusPending
	n.Metadata.StartedAt = nil
	n.Metadata.UpdatedAt = s.now()
	return nil
}

func (s *Store) sortedIDsLocked() []string {
	ids := make([]string, 0, len(s.nodes))
	for id := range s.nodes {
		ids = append(ids, id)
	}
	sort.Strings(ids)
	return ids
}
