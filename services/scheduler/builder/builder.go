// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package builder

import (
	"errors"
	"fmt"
	"log/slog"

	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

// Plan is a validated, acyclic set of nodes and edges ready to merge.
type Plan struct {
	// Nodes in topological order.
	Nodes []*graph.Node

	// Edges that survived cycle repair.
	Edges []graph.Edge

	// Removed lists edges deleted to break cycles.
	Removed []graph.Edge

	// Inferred maps node ids whose type came from the rule table.
	Inferred map[string]graph.NodeType
}

// Options configures a Builder.
type Options struct {
	// Rules infers missing node types. Nil means DefaultRules.
	Rules Rules

	// FallbackType labels nodes no rule matches. Empty means repo.
	FallbackType graph.NodeType

	// AutoRepairCycles removes edges to break cycles instead of failing.
	AutoRepairCycles bool

	Logger *slog.Logger
}

// Builder converts manifests into plans.
type Builder struct {
	rules      Rules
	fallback   graph.NodeType
	autoRepair bool
	logger     *slog.Logger
}

// New creates a builder.
func New(opts Options) *Builder {
	if opts.Rules == nil {
		opts.Rules = DefaultRules
	}
	if opts.FallbackType == "" {
		opts.FallbackType = graph.NodeTypeRepo
	}
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	return &Builder{
		rules:      opts.Rules,
		fallback:   opts.FallbackType,
		autoRepair: opts.AutoRepairCycles,
		logger:     opts.Logger.With(slog.String("component", "builder")),
	}
}

// Build assembles m into a plan.
//
// Description:
//
//	Nodes are staged in a scratch graph. Explicit edges are added first so
//	their attributes win over a matching depends_on entry. Cycles are then
//	repaired or rejected per the builder's policy.
//
// Outputs:
//
//	*Plan - Nodes in dependency order plus surviving edges.
//	error - ErrInvalidManifest, or a graph.GraphError for unknown
//	        references and, when repair is off, cycles.
func (b *Builder) Build(m *Manifest) (*Plan, error) {
	if m == nil {
		return nil, fmt.Errorf("%w: nil manifest", ErrInvalidManifest)
	}

	scratch := graph.NewStore(b.logger)
	plan := &Plan{Inferred: make(map[string]graph.NodeType)}

	for _, spec := range m.Nodes {
		node, inferred, err := b.node(spec)
		if err != nil {
			return nil, err
		}
		if inferred {
			plan.Inferred[spec.ID] = node.Type
		}
		if err := scratch.AddNode(node); err != nil {
			return nil, fmt.Errorf("%w: %w", ErrInvalidManifest, err)
		}
	}

	for _, e := range m.Edges {
		err := scratch.AddEdge(graph.Edge{
			Source:   e.Source,
			Target:   e.Target,
			Type:     graph.EdgeType(e.Type),
			Strength: strengthOrDefault(e.Strength),
			Critical: e.Critical,
		})
		if errors.Is(err, graph.ErrDuplicateEdge) {
			continue
		}
		if err != nil {
			return nil, fmt.Errorf("%w: edge %s: %w", ErrInvalidManifest, graph.EdgeID(e.Source, e.Target), err)
		}
	}
	for _, spec := range m.Nodes {
		for _, dep := range spec.DependsOn {
			err := scratch.AddEdge(graph.Edge{Source: dep, Target: spec.ID, Strength: 1})
			if errors.Is(err, graph.ErrDuplicateEdge) {
				continue
			}
			if err != nil {
				return nil, fmt.Errorf("%w: node %s depends_on %s: %w", ErrInvalidManifest, spec.ID, dep, err)
			}
		}
	}

	if cycles := scratch.DetectCycles(); len(cycles) > 0 {
		if !b.autoRepair {
			return nil, &graph.GraphError{Kind: graph.KindCycleDetected, Cycle: cycles[0]}
		}
		plan.Removed = scratch.RepairCycles()
		b.logger.Warn("manifest cycles repaired",
			slog.Int("cycles", len(cycles)),
			slog.Int("edges_removed", len(plan.Removed)),
		)
	}

	order, err := scratch.TopologicalOrder()
	if err != nil {
		return nil, err
	}
	for _, id := range order {
		n, _ := scratch.Get(id)
		n.Dependencies = nil
		n.Dependents = nil
		plan.Nodes = append(plan.Nodes, n)
	}
	plan.Edges = scratch.Edges()

	b.logger.Info("manifest built",
		slog.Int("nodes", len(plan.Nodes)),
		slog.Int("edges", len(plan.Edges)),
		slog.Int("inferred_types", len(plan.Inferred)),
	)
	return plan, nil
}

// node converts a spec, inferring the type when it is missing.
func (b *Builder) node(spec NodeSpec) (*graph.Node, bool, error) {
	typ := graph.NodeType(spec.Type)
	inferred := false
	if typ == "" {
		typ = b.rules.Infer(spec, b.fallback)
		inferred = true
	} else if !typ.Valid() {
		return nil, false, fmt.Errorf("%w: node %q has unknown type %q", ErrInvalidManifest, spec.ID, spec.Type)
	}

	n := &graph.Node{
		ID:              spec.ID,
		Type:            typ,
		Priority:        spec.Priority,
		ComplianceScore: spec.Compliance,
		Strategies:      append([]string(nil), spec.Strategies...),
		Metadata: graph.Metadata{
			Org:    spec.Org,
			Path:   spec.Path,
			Labels: spec.Labels,
		},
	}
	if len(spec.Payload) > 0 {
		n.Payload = spec.Payload
	}
	return n, inferred, nil
}

func strengthOrDefault(s float64) float64 {
	if s == 0 {
		return 1
	}
	return s
}

// Apply merges the plan into store. Nodes already present are left alone.
func Apply(store *graph.Store, plan *Plan) (graph.MergeResult, error) {
	return store.Merge(plan.Nodes, plan.Edges)
}

// LoadFile reads, builds and applies the manifest at path.
func (b *Builder) LoadFile(path string, store *graph.Store) (*Plan, graph.MergeResult, error) {
	m, err := LoadManifest(path)
	if err != nil {
		return nil, graph.MergeResult{}, err
	}
	plan, err := b.Build(m)
	if err != nil {
		return nil, graph.MergeResult{}, err
	}
	res, err := Apply(store, plan)
	if err != nil {
		return plan, res, fmt.Errorf("apply manifest: %w", err)
	}
	return plan, res, nil
}
