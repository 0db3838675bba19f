// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"context"
	"errors"
	"sync"
	"sync/atomic"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/AleutianAI/dagheal/services/scheduler/builder"
	"github.com/AleutianAI/dagheal/services/scheduler/events"
	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/storage/badger"
	"github.com/AleutianAI/dagheal/services/scheduler/strategies"
	"github.com/AleutianAI/dagheal/services/scheduler/validation"
)

func testOptions() Options {
	return Options{
		Workers:      4,
		PollInterval: 10 * time.Millisecond,
		Validation: validation.Config{
			MaxIterations:       1,
			ValidationThreshold: validation.DefaultValidationThreshold,
		},
	}
}

func node(id string, deps ...string) *graph.Node {
	return &graph.Node{ID: id, Type: graph.NodeTypeRepo, Dependencies: deps, ComplianceScore: 90}
}

func failing(id string) execution.Strategy {
	return execution.NewStrategy(id, func(context.Context, *execution.Context) (execution.Result, error) {
		return execution.Result{}, errors.New(id + " broke")
	})
}

type recorder struct {
	mu     sync.Mutex
	events []events.Event
}

func record(bus *events.Bus) *recorder {
	r := &recorder{}
	bus.Subscribe(func(e events.Event) {
		r.mu.Lock()
		defer r.mu.Unlock()
		r.events = append(r.events, e)
	})
	return r
}

func (r *recorder) nodes(t events.Type) []string {
	r.mu.Lock()
	defer r.mu.Unlock()
	var out []string
	for _, e := range r.events {
		if e.Type == t {
			out = append(out, e.NodeID)
		}
	}
	return out
}

func newOrchestrator(t *testing.T, store *graph.Store, reg *strategies.Registry, opts Options) (*Orchestrator, *recorder) {
	t.Helper()
	bus := events.NewBus(100, nil)
	rec := record(bus)
	o, err := New(store, reg, bus, opts)
	require.NoError(t, err)
	return o, rec
}

func run(t *testing.T, o *Orchestrator) {
	t.Helper()
	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Second)
	defer cancel()
	require.NoError(t, o.Run(ctx))
}

func status(t *testing.T, s *graph.Store, id string) graph.Status {
	t.Helper()
	n, ok := s.Get(id)
	require.True(t, ok, "node %s", id)
	return n.Status
}

func TestRun_ChainCompletesInDependencyOrder(t *testing.T) {
	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("a")))
	require.NoError(t, store.AddNode(node("b", "a")))
	require.NoError(t, store.AddNode(node("c", "b")))

	o, rec := newOrchestrator(t, store, strategies.Default(nil), testOptions())
	run(t, o)

	assert.Equal(t, []string{"a", "b", "c"}, rec.nodes(events.TypeNodeCompleted))
	assert.True(t, store.Done())

	st, err := o.Status("b")
	require.NoError(t, err)
	require.Len(t, st.Reports, 1)
	rep := st.Reports[0]
	assert.Equal(t, graph.StatusCompleted, rep.Status)
	assert.Equal(t, strategies.EchoName, rep.Result.StrategyID)
	assert.Equal(t, 1.0, rep.Completion.Score)
	assert.Nil(t, rep.Fallback)
}

func TestRun_FailurePropagatesToDependents(t *testing.T) {
	reg := strategies.Default(nil)
	require.NoError(t, reg.Register(failing("boom")))

	store := graph.NewStore(nil)
	x := node("x")
	x.Strategies = []string{"boom"}
	require.NoError(t, store.AddNode(x))
	require.NoError(t, store.AddNode(node("y", "x")))
	require.NoError(t, store.AddNode(node("z", "y")))
	require.NoError(t, store.AddNode(node("free")))

	o, rec := newOrchestrator(t, store, reg, testOptions())
	run(t, o)

	assert.Equal(t, graph.StatusFailed, status(t, store, "x"))
	assert.Equal(t, graph.StatusFailed, status(t, store, "y"))
	assert.Equal(t, graph.StatusFailed, status(t, store, "z"))
	assert.Equal(t, graph.StatusCompleted, status(t, store, "free"))
	assert.ElementsMatch(t, []string{"y", "z"}, rec.nodes(events.TypeNodeSkipped))

	st, err := o.Status("x")
	require.NoError(t, err)
	require.Len(t, st.Reports, 1)
	assert.Contains(t, st.Reports[0].Completion.CriticalFailures, "execution-success")
	assert.Equal(t, []string{"y", "z"}, st.Reports[0].Skipped)

	n, _ := store.Get("x")
	assert.Contains(t, n.Metadata.LastError, ErrIncomplete.Error())
}

func TestRun_FallbackRescuesFailedPaths(t *testing.T) {
	reg := strategies.Default(nil)
	require.NoError(t, reg.Register(failing("boom"), failing("bust")))

	store := graph.NewStore(nil)
	x := node("x")
	x.Strategies = []string{"boom", "bust"}
	require.NoError(t, store.AddNode(x))

	opts := testOptions()
	opts.FallbackEnabled = true
	o, rec := newOrchestrator(t, store, reg, opts)
	run(t, o)

	assert.Equal(t, graph.StatusCompleted, status(t, store, "x"))
	assert.Equal(t, []string{"x"}, rec.nodes(events.TypeFallbackInvoked))
	assert.Len(t, rec.nodes(events.TypePathCompleted), 2)

	st, err := o.Status("x")
	require.NoError(t, err)
	rep := st.Reports[0]
	require.NotNil(t, rep.Fallback)
	assert.Equal(t, "minimal", rep.Fallback.Strategy)
	assert.Equal(t, 0.5, rep.Fallback.Confidence)
	assert.Equal(t, "fallback:minimal", rep.Result.StrategyID)
	assert.Contains(t, rep.Completion.FailedChecks(), "validation-status")
}

func TestRun_RetriesBeforeFailing(t *testing.T) {
	var calls atomic.Int32
	flaky := execution.NewStrategy("flaky", func(context.Context, *execution.Context) (execution.Result, error) {
		if calls.Add(1) == 1 {
			return execution.Result{}, errors.New("transient")
		}
		return execution.Result{
			Success: true,
			Output:  "ok",
			Metrics: execution.Metrics{ValidationPassed: true},
		}, nil
	})
	reg := strategies.NewRegistry()
	require.NoError(t, reg.Register(flaky))
	reg.SetFallback("flaky")

	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("n")))

	opts := testOptions()
	opts.MaxRetries = 1
	o, rec := newOrchestrator(t, store, reg, opts)
	run(t, o)

	assert.Equal(t, graph.StatusCompleted, status(t, store, "n"))
	assert.Equal(t, []string{"n"}, rec.nodes(events.TypeNodeRequeued))

	st, err := o.Status("n")
	require.NoError(t, err)
	require.Len(t, st.Reports, 2)
	assert.True(t, st.Reports[0].Requeued)
	assert.Equal(t, 2, st.Reports[1].Attempt)
	assert.Equal(t, 1, st.Node.Metadata.RetryCount)
}

func TestRun_UnknownStrategyFailsNode(t *testing.T) {
	store := graph.NewStore(nil)
	n := node("n")
	n.Strategies = []string{"missing"}
	require.NoError(t, store.AddNode(n))

	opts := testOptions()
	opts.FallbackEnabled = true
	o, _ := newOrchestrator(t, store, strategies.Default(nil), opts)
	run(t, o)

	got, _ := store.Get("n")
	assert.Equal(t, graph.StatusFailed, got.Status)
	assert.Contains(t, got.Metadata.LastError, strategies.ErrUnknownStrategy.Error())
}

func TestRun_EachNodeExecutesOnce(t *testing.T) {
	var mu sync.Mutex
	seen := map[string]int{}
	counting := execution.NewStrategy("count", func(_ context.Context, ec *execution.Context) (execution.Result, error) {
		mu.Lock()
		seen[ec.Task]++
		mu.Unlock()
		return execution.Result{Success: true, Output: ec.Task, Metrics: execution.Metrics{ValidationPassed: true}}, nil
	})
	reg := strategies.NewRegistry()
	require.NoError(t, reg.Register(counting))
	reg.SetFallback("count")

	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("root")))
	ids := []string{"a", "b", "c", "d", "e", "f", "g", "h", "i", "j"}
	for _, id := range ids {
		require.NoError(t, store.AddNode(node(id, "root")))
	}

	opts := testOptions()
	opts.Workers = 8
	o, _ := newOrchestrator(t, store, reg, opts)
	run(t, o)

	mu.Lock()
	defer mu.Unlock()
	assert.Len(t, seen, len(ids)+1)
	for id, n := range seen {
		assert.Equal(t, 1, n, "node %s", id)
	}
}

func TestRun_ClearsStrandedDependents(t *testing.T) {
	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("a")))
	require.NoError(t, store.AddNode(node("b", "a")))
	_, err := store.Claim("a")
	require.NoError(t, err)
	require.NoError(t, store.MarkFailed("a", errors.New("earlier run")))

	o, rec := newOrchestrator(t, store, strategies.Default(nil), testOptions())
	run(t, o)

	assert.Equal(t, graph.StatusFailed, status(t, store, "b"))
	assert.Equal(t, []string{"b"}, rec.nodes(events.TypeNodeSkipped))
}

func TestRun_Cancelled(t *testing.T) {
	block := execution.NewStrategy("block", func(ctx context.Context, _ *execution.Context) (execution.Result, error) {
		<-ctx.Done()
		return execution.Result{}, ctx.Err()
	})
	reg := strategies.NewRegistry()
	require.NoError(t, reg.Register(block))
	reg.SetFallback("block")

	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("n")))

	o, _ := newOrchestrator(t, store, reg, testOptions())
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	assert.ErrorIs(t, o.Run(ctx), context.DeadlineExceeded)
}

func TestRun_CancelledNodeIsReleased(t *testing.T) {
	block := execution.NewStrategy("block", func(ctx context.Context, _ *execution.Context) (execution.Result, error) {
		<-ctx.Done()
		return execution.Result{}, ctx.Err()
	})
	reg := strategies.NewRegistry()
	require.NoError(t, reg.Register(block))
	reg.SetFallback("block")

	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("n")))
	require.NoError(t, store.AddNode(node("child", "n")))

	opts := testOptions()
	opts.FallbackEnabled = true
	o, rec := newOrchestrator(t, store, reg, opts)
	ctx, cancel := context.WithTimeout(context.Background(), 50*time.Millisecond)
	defer cancel()

	require.ErrorIs(t, o.Run(ctx), context.DeadlineExceeded)

	assert.Equal(t, graph.StatusPending, status(t, store, "n"))
	assert.Equal(t, graph.StatusPending, status(t, store, "child"))
	assert.Empty(t, rec.nodes(events.TypeNodeCompleted))
	assert.Empty(t, rec.nodes(events.TypeFallbackInvoked))
	assert.Empty(t, rec.nodes(events.TypeNodeSkipped))

	n, _ := store.Get("n")
	assert.Zero(t, n.Metadata.RetryCount)
	st, err := o.Status("n")
	require.NoError(t, err)
	require.NotEmpty(t, st.Reports)
	for _, r := range st.Reports {
		assert.Equal(t, graph.StatusPending, r.Status)
		assert.Nil(t, r.Fallback)
	}
}

func TestServe_PicksUpSubmissions(t *testing.T) {
	store := graph.NewStore(nil)
	o, rec := newOrchestrator(t, store, strategies.Default(nil), testOptions())

	ctx, cancel := context.WithCancel(context.Background())
	done := make(chan error, 1)
	go func() { done <- o.Serve(ctx) }()

	require.NoError(t, o.Submit(ctx, node("late")))
	assert.ErrorIs(t, o.Submit(ctx, node("late")), graph.ErrDuplicateNode)
	assert.ErrorIs(t, o.Submit(ctx, nil), ErrNilNode)

	require.Eventually(t, func() bool {
		n, ok := store.Get("late")
		return ok && n.Status == graph.StatusCompleted
	}, 2*time.Second, 10*time.Millisecond)

	cancel()
	require.NoError(t, <-done)
	assert.Equal(t, []string{"late"}, rec.nodes(events.TypeNodeSubmitted))
}

func TestSubmitPlan_RepairsCyclesAndMerges(t *testing.T) {
	m, err := builder.ParseManifest([]byte(`
nodes:
  - id: a
    type: repo
    depends_on: [c]
  - id: b
    type: repo
    depends_on: [a]
  - id: c
    type: repo
    depends_on: [b]
`))
	require.NoError(t, err)
	plan, err := builder.New(builder.Options{AutoRepairCycles: true}).Build(m)
	require.NoError(t, err)

	store := graph.NewStore(nil)
	o, rec := newOrchestrator(t, store, strategies.Default(nil), testOptions())

	res, err := o.SubmitPlan(context.Background(), plan)
	require.NoError(t, err)
	assert.Len(t, res.AddedNodes, 3)
	assert.Len(t, rec.nodes(events.TypeCycleRepaired), 1)
	assert.Len(t, rec.nodes(events.TypeManifestReloaded), 1)

	run(t, o)
	assert.Equal(t, 3, store.Stats().CompletedNodes)
}

func TestStatus_UnknownNode(t *testing.T) {
	o, _ := newOrchestrator(t, graph.NewStore(nil), strategies.Default(nil), testOptions())

	_, err := o.Status("nope")

	assert.ErrorIs(t, err, graph.ErrNodeNotFound)
}

func TestOptimize_PublishesRanking(t *testing.T) {
	store := graph.NewStore(nil)
	n := node("gold")
	n.ComplianceScore = 100
	require.NoError(t, store.AddNode(n))
	require.NoError(t, store.AddNode(node("plain")))

	o, rec := newOrchestrator(t, store, strategies.Default(nil), testOptions())
	ranking, err := o.Optimize("")
	require.NoError(t, err)

	require.Len(t, ranking, 2)
	assert.Equal(t, "gold", ranking[0].ID)
	assert.Len(t, rec.nodes(events.TypeGraphOptimized), 1)
}

func TestSnapshots(t *testing.T) {
	db, err := badger.Open(badger.InMemoryConfig())
	require.NoError(t, err)
	defer db.Close()

	store := graph.NewStore(nil)
	require.NoError(t, store.AddNode(node("a")))
	require.NoError(t, store.AddNode(node("b", "a")))

	opts := testOptions()
	opts.Snapshots = badger.NewSnapshotStore(db, nil)
	o, _ := newOrchestrator(t, store, strategies.Default(nil), opts)
	run(t, o)

	info, err := o.Snapshot(context.Background())
	require.NoError(t, err)
	assert.Equal(t, 2, info.Completed)

	fresh := graph.NewStore(nil)
	o2, _ := newOrchestrator(t, fresh, strategies.Default(nil), opts)
	restored, err := o2.RestoreLatest(context.Background())
	require.NoError(t, err)
	assert.Equal(t, info.ID, restored.ID)
	assert.Equal(t, graph.StatusCompleted, status(t, fresh, "b"))

	plain, _ := newOrchestrator(t, graph.NewStore(nil), strategies.Default(nil), testOptions())
	_, err = plain.Snapshot(context.Background())
	assert.ErrorIs(t, err, ErrSnapshotsDisabled)
}
