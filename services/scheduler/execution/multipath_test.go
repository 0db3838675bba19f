// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package execution

import (
	"context"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func withMetrics(id string, r Result) Strategy {
	return NewStrategy(id, func(ctx context.Context, ec *Context) (Result, error) {
		return r, nil
	})
}

func run(t *testing.T, cfg PathConfig, strategies ...Strategy) MultiPathResult {
	t.Helper()
	out, err := NewRunner(nil, nil).Run(context.Background(), strategies, NewContext("task", nil, 0), cfg)
	require.NoError(t, err)
	return out
}

func TestRunner_Errors(t *testing.T) {
	r := NewRunner(nil, nil)

	_, err := r.Run(context.Background(), nil, NewContext("t", nil, 0), PathConfig{})
	assert.ErrorIs(t, err, ErrNoStrategies)

	_, err = r.Run(context.Background(), []Strategy{succeed("a", 1)}, NewContext("t", nil, 0), PathConfig{SelectionCriteria: "BEST"})
	assert.ErrorIs(t, err, ErrInvalidInput)

	_, err = r.Run(context.Background(), []Strategy{succeed("a", 1)}, nil, PathConfig{})
	assert.ErrorIs(t, err, ErrInvalidInput)
}

func TestRunner_OnlyDispatchesMaxConcurrentPaths(t *testing.T) {
	out := run(t, PathConfig{MaxConcurrentPaths: 2, SelectionCriteria: HighestQuality},
		succeed("a", 1), succeed("b", 2), succeed("c", 3))

	assert.Len(t, out.AllPaths, 2)
}

func TestRunner_FirstSuccess_PrefersDispatchOrder(t *testing.T) {
	out := run(t, PathConfig{SelectionCriteria: FirstSuccess},
		fail("a"), sleeper("b", 30*time.Millisecond, "b"), succeed("c", "c"))

	assert.Equal(t, "b", out.Selected.StrategyID)
	assert.Equal(t, 1, out.SelectedIndex)
	assert.True(t, out.AnySucceeded())
}

func TestRunner_FirstSuccess_CancelsRemainingPaths(t *testing.T) {
	start := time.Now()
	out := run(t, PathConfig{SelectionCriteria: FirstSuccess},
		succeed("fast", 1), sleeper("slow", 5*time.Second, 2))

	assert.Less(t, time.Since(start), 2*time.Second)
	assert.Equal(t, "fast", out.Selected.StrategyID)
	require.Len(t, out.AllPaths, 2)
	assert.False(t, out.AllPaths[1].Success)
	assert.ErrorIs(t, out.AllPaths[1].Cause, ErrCancelled)
}

func TestRunner_FirstSuccess_NoneSucceeded(t *testing.T) {
	out := run(t, PathConfig{SelectionCriteria: FirstSuccess}, fail("a"), fail("b"))

	assert.Equal(t, "a", out.Selected.StrategyID)
	assert.False(t, out.Selected.Success)
	assert.False(t, out.AnySucceeded())
}

func TestRunner_Timeout(t *testing.T) {
	out := run(t, PathConfig{MaxConcurrentPaths: 3, Timeout: 50 * time.Millisecond, SelectionCriteria: HighestQuality},
		succeed("a", 1), sleeper("slow", 200*time.Millisecond, 2), succeed("c", 3))

	require.Len(t, out.AllPaths, 3)
	slow := out.AllPaths[1]
	assert.False(t, slow.Success)
	assert.Equal(t, "Execution timeout after 50ms", slow.Error)
	assert.ErrorIs(t, slow.Cause, ErrTimeout)
	assert.True(t, out.Selected.Success)
}

func TestRunner_HighestQuality(t *testing.T) {
	plain := Result{Success: true, Metrics: Metrics{ResourceUsage: ResourceUsage{MemoryMB: 500}}}
	validated := Result{Success: true, Metrics: Metrics{ValidationPassed: true, ResourceUsage: ResourceUsage{MemoryMB: 500}}}

	out := run(t, PathConfig{SelectionCriteria: HighestQuality},
		withMetrics("plain", plain), withMetrics("validated", validated))

	assert.Equal(t, "validated", out.Selected.StrategyID)
}

func TestRunner_HighestQuality_CustomScorer(t *testing.T) {
	scorer := ScorerFunc(func(r Result) float64 {
		if r.StrategyID == "b" {
			return 10
		}
		return 1
	})

	out := run(t, PathConfig{SelectionCriteria: HighestQuality, Scorer: scorer},
		succeed("a", 1), succeed("b", 2))

	assert.Equal(t, "b", out.Selected.StrategyID)
}

func TestQualityScorer(t *testing.T) {
	tests := []struct {
		name string
		r    Result
		want float64
	}{
		{"failed heavy", Result{Metrics: Metrics{ResourceUsage: ResourceUsage{MemoryMB: 2000}}}, 0},
		{"success no memory", Result{Success: true}, 200},
		{"everything", Result{Success: true, Metrics: Metrics{ValidationPassed: true, HealingApplied: true, ResourceUsage: ResourceUsage{MemoryMB: 100}}}, 220},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.InDelta(t, tt.want, QualityScorer{}.Score(tt.r), 1e-9)
		})
	}
}

func TestRunner_Fastest(t *testing.T) {
	out := run(t, PathConfig{SelectionCriteria: Fastest},
		sleeper("slow", 80*time.Millisecond, 1), sleeper("quick", 5*time.Millisecond, 2), fail("broken"))

	assert.Equal(t, "quick", out.Selected.StrategyID)
}

func TestRunner_Fastest_NoSuccessFallsBackToAll(t *testing.T) {
	out := run(t, PathConfig{SelectionCriteria: Fastest}, fail("a"), fail("b"))

	assert.False(t, out.Selected.Success)
	assert.Contains(t, out.SelectionReason, "no successful path")
}

func TestRunner_MajorityConsensus(t *testing.T) {
	out := run(t, PathConfig{SelectionCriteria: MajorityConsensus},
		succeed("p1", "A"), succeed("p2", "A"), succeed("p3", "B"))

	assert.Equal(t, "A", out.Selected.Output)
	assert.Equal(t, "p1", out.Selected.StrategyID)
	assert.Equal(t, "majority consensus 2/3", out.SelectionReason)
}

func TestRunner_MajorityConsensus_TieGoesToFirstSeen(t *testing.T) {
	out := run(t, PathConfig{MaxConcurrentPaths: 4, SelectionCriteria: MajorityConsensus},
		succeed("p1", map[string]int{"x": 1}), succeed("p2", "B"), succeed("p3", "B"), succeed("p4", map[string]int{"x": 1}))

	assert.Equal(t, "p1", out.Selected.StrategyID)
}

func TestRunner_CustomPathFunc(t *testing.T) {
	calls := make(chan string, 3)
	path := func(ctx context.Context, s Strategy, ec *Context) Result {
		calls <- s.ID()
		return Result{Success: true, Output: "wrapped", Metrics: Metrics{HealingApplied: true}}
	}

	out, err := NewRunner(path, nil).Run(context.Background(),
		[]Strategy{succeed("a", 1), succeed("b", 2)}, NewContext("t", nil, 0),
		PathConfig{SelectionCriteria: HighestQuality})
	require.NoError(t, err)

	assert.Len(t, calls, 2)
	assert.Equal(t, "wrapped", out.Selected.Output)
	assert.Equal(t, "a", out.Selected.StrategyID)
}

func TestRunner_PathPanicIsContained(t *testing.T) {
	path := func(ctx context.Context, s Strategy, ec *Context) Result {
		panic("path exploded")
	}

	out, err := NewRunner(path, nil).Run(context.Background(),
		[]Strategy{succeed("a", 1)}, NewContext("t", nil, 0), PathConfig{})
	require.NoError(t, err)

	assert.False(t, out.Selected.Success)
	assert.Contains(t, out.Selected.Error, "path exploded")
}
