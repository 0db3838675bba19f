// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package strategies resolves the execution strategies tried for a node
// and provides the built-in ones.
package strategies

import (
	"errors"
	"fmt"
	"sort"
	"sync"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

var (
	// ErrUnknownStrategy is returned when a node names an unregistered strategy.
	ErrUnknownStrategy = errors.New("unknown strategy")

	// ErrDuplicateStrategy is returned when registering a taken name.
	ErrDuplicateStrategy = errors.New("strategy already registered")
)

// Registry maps strategy names to implementations and node types to
// default strategy lists.
//
// Thread Safety: Safe for concurrent use.
type Registry struct {
	mu         sync.RWMutex
	strategies map[string]execution.Strategy
	defaults   map[graph.NodeType][]string
	fallback   []string
}

// NewRegistry creates an empty registry.
func NewRegistry() *Registry {
	return &Registry{
		strategies: make(map[string]execution.Strategy),
		defaults:   make(map[graph.NodeType][]string),
	}
}

// Register adds strategies under their IDs.
func (r *Registry) Register(ss ...execution.Strategy) error {
	r.mu.Lock()
	defer r.mu.Unlock()

	for _, s := range ss {
		if _, dup := r.strategies[s.ID()]; dup {
			return fmt.Errorf("%w: %s", ErrDuplicateStrategy, s.ID())
		}
		r.strategies[s.ID()] = s
	}
	return nil
}

// SetDefaults sets the strategies tried for nodes of type t that name none.
func (r *Registry) SetDefaults(t graph.NodeType, names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.defaults[t] = append([]string(nil), names...)
}

// SetFallback sets the strategies tried when a type has no defaults.
func (r *Registry) SetFallback(names ...string) {
	r.mu.Lock()
	defer r.mu.Unlock()
	r.fallback = append([]string(nil), names...)
}

// Get returns the strategy registered under name.
func (r *Registry) Get(name string) (execution.Strategy, bool) {
	r.mu.RLock()
	defer r.mu.RUnlock()
	s, ok := r.strategies[name]
	return s, ok
}

// Names returns registered strategy names in sorted order.
func (r *Registry) Names() []string {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := make([]string, 0, len(r.strategies))
	for name := range r.strategies {
		names = append(names, name)
	}
	sort.Strings(names)
	return names
}

// Resolve returns the ordered strategies for node.
//
// # Description
//
// The node's own Strategies list wins. Otherwise the defaults for its
// type are used, then the registry fallback.
//
// # Outputs
//
//   - []execution.Strategy: Strategies in the order they should be tried.
//   - error: ErrUnknownStrategy for an unregistered name, or
//     execution.ErrNoStrategies when nothing applies.
func (r *Registry) Resolve(node *graph.Node) ([]execution.Strategy, error) {
	r.mu.RLock()
	defer r.mu.RUnlock()

	names := node.Strategies
	if len(names) == 0 {
		names = r.defaults[node.Type]
	}
	if len(names) == 0 {
		names = r.fallback
	}
	if len(names) == 0 {
		return nil, fmt.Errorf("%w: node %s", execution.ErrNoStrategies, node.ID)
	}

	out := make([]execution.Strategy, 0, len(names))
	for _, name := range names {
		s, ok := r.strategies[name]
		if !ok {
			return nil, fmt.Errorf("%w: %q for node %s", ErrUnknownStrategy, name, node.ID)
		}
		out = append(out, s)
	}
	return out, nil
}
