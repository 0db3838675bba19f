// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package optimizer re-ranks pending graph nodes with compliance and
// fan-out heuristics.
package optimizer

import (
	"fmt"
	"log/slog"
	"sort"

	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

const (
	// ComplianceBoost is added to nodes with a perfect compliance score.
	ComplianceBoost = 2

	// FanOutThreshold is the dependent count above which a node is deferred.
	FanOutThreshold = 10

	// FanOutPenalty is subtracted from high fan-out nodes.
	FanOutPenalty = 1

	// MaxDependencies is the dependency count above which truncation applies.
	MaxDependencies = 5

	// KeepDependencies is how many leading dependencies truncation keeps.
	KeepDependencies = 3
)

// Config controls the optimizer's lossy policies.
type Config struct {
	// TruncateDependencies removes all but the first KeepDependencies
	// dependency edges of nodes with more than MaxDependencies. Lossy.
	TruncateDependencies bool
}

// DefaultConfig returns the default optimizer policy.
func DefaultConfig() Config {
	return Config{TruncateDependencies: true}
}

// Ranked is one entry of an optimization ranking.
type Ranked struct {
	ID       string `json:"id"`
	Priority int    `json:"priority"`
	Depth    int    `json:"depth"`
	// Truncated lists dependencies dropped from this node, if any.
	Truncated []string `json:"truncated,omitempty"`
}

// Optimizer adjusts priorities of pending nodes in a graph.Store.
//
// # Thread Safety
//
// Safe for concurrent use. Each adjustment goes through the store's own
// locking; a concurrent Claim may move a node out of pending between the
// snapshot and the update, which only affects a node no longer scheduled.
type Optimizer struct {
	store  *graph.Store
	config Config
	logger *slog.Logger
}

// New creates an optimizer over store.
func New(store *graph.Store, config Config, logger *slog.Logger) *Optimizer {
	if logger == nil {
		logger = slog.Default()
	}
	return &Optimizer{
		store:  store,
		config: config,
		logger: logger.With(slog.String("component", "optimizer")),
	}
}

// Optimize re-ranks pending nodes of the given type.
//
// # Description
//
// For each pending node of nodeType (all types if empty):
//   - +ComplianceBoost when ComplianceScore is exactly 100.
//   - -FanOutPenalty when it has more than FanOutThreshold dependents.
//   - When truncation is enabled and it has more than MaxDependencies
//     dependencies, edges beyond the first KeepDependencies are removed.
//
// Adjustments accumulate across calls. The returned ranking is sorted by
// priority descending, depth ascending, then id ascending, where depth is
// 0 for nodes without dependencies and 1 + the deepest dependency
// otherwise.
//
// # Outputs
//
//   - []Ranked: Ranking of the affected nodes.
//   - error: Non-nil if the store rejected an update.
func (o *Optimizer) Optimize(nodeType graph.NodeType) ([]Ranked, error) {
	var ranking []Ranked

	for _, n := range o.store.Nodes() {
		if n.Status != graph.StatusPending {
			continue
		}
		if nodeType != "" && n.Type != nodeType {
			continue
		}

		entry := Ranked{ID: n.ID, Priority: n.Priority}
		if n.ComplianceScore == 100 {
			entry.Priority += ComplianceBoost
		}
		if len(n.Dependents) > FanOutThreshold {
			entry.Priority -= FanOutPenalty
		}
		if entry.Priority != n.Priority {
			if err := o.store.SetPriority(n.ID, entry.Priority); err != nil {
				return nil, fmt.Errorf("set priority of %s: %w", n.ID, err)
			}
		}

		if o.config.TruncateDependencies && len(n.Dependencies) > MaxDependencies {
			dropped := n.Dependencies[KeepDependencies:]
			for _, dep := range dropped {
				if err := o.store.RemoveEdge(dep, n.ID); err != nil {
					return nil, fmt.Errorf("truncate dependencies of %s: %w", n.ID, err)
				}
			}
			entry.Truncated = append([]string(nil), dropped...)
			o.logger.Warn("truncated dependencies",
				slog.String("node_id", n.ID),
				slog.Int("kept", KeepDependencies),
				slog.Any("dropped", dropped),
			)
		}

		ranking = append(ranking, entry)
	}

	depths := Depths(o.store.Nodes())
	for i := range ranking {
		ranking[i].Depth = depths[ranking[i].ID]
	}

	sort.Slice(ranking, func(i, j int) bool {
		a, b := ranking[i], ranking[j]
		if a.Priority != b.Priority {
			return a.Priority > b.Priority
		}
		if a.Depth != b.Depth {
			return a.Depth < b.Depth
		}
		return a.ID < b.ID
	})

	o.logger.Debug("optimized pending nodes",
		slog.String("type", string(nodeType)),
		slog.Int("count", len(ranking)),
	)
	return ranking, nil
}

// Depths computes 1 + max(dependency depth) for every node, 0 for leaves.
//
// Nodes on a cycle get the depth reached before the cycle closes, so the
// computation always terminates.
func Depths(nodes []*graph.Node) map[string]int {
	byID := make(map[string]*graph.Node, len(nodes))
	for _, n := range nodes {
		byID[n.ID] = n
	}

	depth := make(map[string]int, len(nodes))
	visiting := make(map[string]bool)

	var calc func(id string) int
	calc = func(id string) int {
		if d, ok := depth[id]; ok {
			return d
		}
		n, ok := byID[id]
		if !ok || visiting[id] {
			return 0
		}
		visiting[id] = true
		d := 0
		for _, dep := range n.Dependencies {
			if v := calc(dep) + 1; v > d {
				d = v
			}
		}
		visiting[id] = false
		depth[id] = d
		return d
	}

	for _, n := range nodes {
		calc(n.ID)
	}
	return depth
}
