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
	"context"
	"errors"
	"os"
	"path/filepath"
	"sync"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dagheal/services/scheduler/graph"
)

const sample = `
version: 1
nodes:
  - id: core
    path: github.com/acme/core
    org: acme
    priority: 5
    compliance: 90
  - id: ci
    path: .github/workflows/build.yml
    depends_on: [core]
    strategies: [echo]
  - id: ship
    path: deploy/prod
    depends_on: [ci]
    payload:
      region: eu-west-1
  - id: lint
    type: agent
edges:
  - source: core
    target: lint
    type: data
    strength: 0.4
`

func TestParseManifest(t *testing.T) {
	m, err := ParseManifest([]byte(sample))
	require.NoError(t, err)

	require.Len(t, m.Nodes, 4)
	assert.Equal(t, []string{"core"}, m.Nodes[1].DependsOn)
	assert.Equal(t, "eu-west-1", m.Nodes[2].Payload["region"])
}

func TestParseManifest_Invalid(t *testing.T) {
	tests := []struct {
		name string
		doc  string
	}{
		{"empty", ""},
		{"no nodes", "version: 1\nnodes: []\n"},
		{"missing id", "nodes:\n  - path: x\n"},
		{"unknown field", "nodes:\n  - id: a\n    colour: red\n"},
		{"compliance range", "nodes:\n  - id: a\n    compliance: 140\n"},
		{"bad edge type", "nodes:\n  - id: a\n  - id: b\nedges:\n  - {source: a, target: b, type: magic}\n"},
		{"self edge", "nodes:\n  - id: a\nedges:\n  - {source: a, target: a}\n"},
		{"duplicate id", "nodes:\n  - id: a\n  - id: a\n"},
		{"bad version", "version: 2\nnodes:\n  - id: a\n"},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			_, err := ParseManifest([]byte(tt.doc))
			assert.ErrorIs(t, err, ErrInvalidManifest)
		})
	}
}

func TestDefaultRules(t *testing.T) {
	tests := []struct {
		spec NodeSpec
		want graph.NodeType
	}{
		{NodeSpec{ID: "x", Path: ".github/workflows/ci.yml"}, graph.NodeTypePipeline},
		{NodeSpec{ID: "pipeline:nightly"}, graph.NodeTypePipeline},
		{NodeSpec{ID: "x", Path: "infra/helm/api"}, graph.NodeTypeDeployment},
		{NodeSpec{ID: "agent:triage"}, graph.NodeTypeAgent},
		{NodeSpec{ID: "x", Path: "eu-cluster-2"}, graph.NodeTypeCluster},
		{NodeSpec{ID: "x", Path: "pkg/auth.go#Login"}, graph.NodeTypeSemanticUnit},
		{NodeSpec{ID: "x", Path: "README.md"}, graph.NodeTypeFile},
		{NodeSpec{ID: "x", Path: "github.com/acme/core"}, graph.NodeTypeRepo},
	}
	for _, tt := range tests {
		got := DefaultRules.Infer(tt.spec, graph.NodeTypeRepo)
		assert.Equal(t, tt.want, got, "spec %+v", tt.spec)
	}
}

func TestBuilder_Build(t *testing.T) {
	m, err := ParseManifest([]byte(sample))
	require.NoError(t, err)

	plan, err := New(Options{}).Build(m)
	require.NoError(t, err)

	ids := make([]string, len(plan.Nodes))
	for i, n := range plan.Nodes {
		ids[i] = n.ID
	}
	assert.Equal(t, []string{"core", "ci", "lint", "ship"}, ids)
	assert.Equal(t, graph.NodeTypePipeline, plan.Inferred["ci"])
	assert.Equal(t, graph.NodeTypeDeployment, plan.Inferred["ship"])
	assert.Equal(t, graph.NodeTypeRepo, plan.Inferred["core"])
	assert.NotContains(t, plan.Inferred, "lint")
	assert.Equal(t, []string{"echo"}, plan.Nodes[1].Strategies)
	assert.Len(t, plan.Edges, 3)

	store := graph.NewStore(nil)
	res, err := Apply(store, plan)
	require.NoError(t, err)
	assert.Len(t, res.AddedNodes, 4)

	ready := store.GetReadyNodes()
	require.Len(t, ready, 1)
	assert.Equal(t, "core", ready[0].ID)
	core, _ := store.Get("core")
	assert.Equal(t, "acme", core.Metadata.Org)
	assert.Equal(t, 90.0, core.ComplianceScore)
}

const cyclic = `
nodes:
  - id: a
    depends_on: [c]
  - id: b
    depends_on: [a]
  - id: c
    depends_on: [b]
`

func TestBuilder_CycleRepaired(t *testing.T) {
	m, err := ParseManifest([]byte(cyclic))
	require.NoError(t, err)

	plan, err := New(Options{AutoRepairCycles: true}).Build(m)
	require.NoError(t, err)

	require.Len(t, plan.Removed, 1)
	assert.Equal(t, "c", plan.Removed[0].Source)
	assert.Equal(t, "a", plan.Removed[0].Target)
	assert.Len(t, plan.Edges, 2)
}

func TestBuilder_CycleRejected(t *testing.T) {
	m, err := ParseManifest([]byte(cyclic))
	require.NoError(t, err)

	_, err = New(Options{}).Build(m)

	assert.ErrorIs(t, err, graph.ErrCycleDetected)
}

func TestBuilder_UnknownDependency(t *testing.T) {
	m, err := ParseManifest([]byte("nodes:\n  - id: a\n    depends_on: [ghost]\n"))
	require.NoError(t, err)

	_, err = New(Options{}).Build(m)

	assert.ErrorIs(t, err, ErrInvalidManifest)
	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestBuilder_LoadFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte(sample), 0o600))
	store := graph.NewStore(nil)

	_, res, err := New(Options{}).LoadFile(path, store)
	require.NoError(t, err)

	assert.Len(t, res.AddedNodes, 4)
	assert.Equal(t, 4, store.Len())
}

func TestWatcher_ReloadsOnWrite(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - id: a\n"), 0o600))

	store := graph.NewStore(nil)
	var mu sync.Mutex
	applied := 0
	apply := func(_ context.Context, plan *Plan) error {
		mu.Lock()
		defer mu.Unlock()
		applied++
		_, err := Apply(store, plan)
		return err
	}

	ctx, cancel := context.WithCancel(context.Background())
	defer cancel()
	w := NewWatcher(path, New(Options{}), apply, 20*time.Millisecond, nil)
	done := make(chan error, 1)
	go func() { done <- w.Run(ctx) }()

	// Writes can race the watch registration; keep rewriting until seen.
	require.Eventually(t, func() bool {
		_ = os.WriteFile(path, []byte("nodes:\n  - id: a\n  - id: b\n    depends_on: [a]\n"), 0o600)
		return store.Len() == 2
	}, 3*time.Second, 50*time.Millisecond)

	cancel()
	select {
	case err := <-done:
		assert.NoError(t, err)
	case <-time.After(time.Second):
		t.Fatal("watcher did not stop")
	}
	mu.Lock()
	assert.GreaterOrEqual(t, applied, 1)
	mu.Unlock()
}

func TestWatcher_BadEditKeepsWatching(t *testing.T) {
	dir := t.TempDir()
	path := filepath.Join(dir, "graph.yaml")
	require.NoError(t, os.WriteFile(path, []byte("nodes:\n  - id: a\n"), 0o600))

	var calls int
	var mu sync.Mutex
	w := NewWatcher(path, New(Options{}), func(context.Context, *Plan) error {
		mu.Lock()
		defer mu.Unlock()
		calls++
		return errors.New("unused")
	}, 10*time.Millisecond, nil)

	// reload is exercised directly: a broken document must not reach apply.
	require.NoError(t, os.WriteFile(path, []byte("nodes: [unclosed"), 0o600))
	w.reload(context.Background())

	mu.Lock()
	assert.Equal(t, 0, calls)
	mu.Unlock()
}
