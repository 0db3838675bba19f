// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package orchestrator drives a graph.Store to completion with a pool of
// workers.
//
// Each worker takes a node from the readiness frontier, claims it, runs its
// strategies as parallel paths wrapped in validation loops, falls back when
// every path failed, scores the final result with the completion checker
// and marks the node completed or failed.
package orchestrator

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"go.opentelemetry.io/otel"
	"golang.org/x/sync/errgroup"
	"golang.org/x/time/rate"

	"github.com/AleutianAI/dagheal/services/scheduler/builder"
	"github.com/AleutianAI/dagheal/services/scheduler/events"
	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/fallback"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/history"
	"github.com/AleutianAI/dagheal/services/scheduler/optimizer"
	"github.com/AleutianAI/dagheal/services/scheduler/storage/badger"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
	"github.com/AleutianAI/dagheal/services/scheduler/validation"
)

var tracer = otel.Tracer("dagheal.orchestrator")

// Defaults applied by New to zero Options fields.
const (
	DefaultWorkers        = 4
	DefaultPollInterval   = 250 * time.Millisecond
	DefaultReportsPerNode = 8
	DefaultMaxReports     = 4096
)

// Resolver picks the strategies for a node. *strategies.Registry
// implements it.
type Resolver interface {
	Resolve(node *graph.Node) ([]execution.Strategy, error)
}

// SnapshotStore persists graph exports. *badger.SnapshotStore implements it.
type SnapshotStore interface {
	Save(ctx context.Context, doc *graph.Document) (badger.SnapshotInfo, error)
	Latest(ctx context.Context) (*graph.Document, badger.SnapshotInfo, error)
}

// Options configures an Orchestrator.
type Options struct {
	// Workers is the number of concurrent node workers.
	Workers int

	// MaxRetries requeues a node that did not complete up to this many
	// times before its dependents are failed. Zero disables retries.
	MaxRetries int

	// PollInterval bounds how long an idle worker sleeps between scans.
	PollInterval time.Duration

	// RateLimit caps node dispatches per second. Zero is unlimited.
	RateLimit float64
	Burst     int

	// StrategyTimeout bounds each strategy call inside a validation loop.
	StrategyTimeout time.Duration

	// ReoptimizeEvery re-ranks pending nodes after this many completions.
	ReoptimizeEvery int

	// OptimizeOnStart ranks pending nodes once before workers start.
	OptimizeOnStart bool

	Paths      execution.PathConfig
	Validation validation.Config
	Completion validation.CompletionConfig

	// FallbackEnabled invokes the fallback engine when every path failed.
	FallbackEnabled bool
	Fallback        fallback.Options

	Optimizer optimizer.Config

	// HistoryPerContext bounds results kept per execution context.
	HistoryPerContext int

	// ReportsPerNode and MaxReports bound retained execution reports.
	ReportsPerNode int
	MaxReports     int

	// Checks are extra validation checks run on every iteration.
	Checks []validation.Check

	// Snapshots, if set, enables Snapshot and RestoreLatest.
	Snapshots SnapshotStore

	// Metrics may be nil.
	Metrics *telemetry.Metrics

	Logger *slog.Logger
}

func (o *Options) withDefaults() {
	if o.Workers <= 0 {
		o.Workers = DefaultWorkers
	}
	if o.PollInterval <= 0 {
		o.PollInterval = DefaultPollInterval
	}
	if o.ReportsPerNode <= 0 {
		o.ReportsPerNode = DefaultReportsPerNode
	}
	if o.MaxReports <= 0 {
		o.MaxReports = DefaultMaxReports
	}
	if o.Validation.MaxIterations == 0 {
		o.Validation = validation.DefaultConfig()
	}
	if o.Logger == nil {
		o.Logger = slog.Default()
	}
}

// Report describes one execution of a node.
type Report struct {
	NodeID          string                      `json:"nodeId"`
	Attempt         int                         `json:"attempt"`
	Status          graph.Status                `json:"status"`
	Result          execution.Result            `json:"result"`
	Paths           []execution.Result          `json:"paths,omitempty"`
	SelectionReason string                      `json:"selectionReason,omitempty"`
	Fallback        *fallback.Outcome           `json:"fallback,omitempty"`
	Completion      validation.CompletionReport `json:"completion"`
	Requeued        bool                        `json:"requeued,omitempty"`
	Skipped         []string                    `json:"skipped,omitempty"`
	Duration        time.Duration               `json:"duration"`
	FinishedAt      time.Time                   `json:"finishedAt"`
}

// NodeStatus is a node together with its execution reports.
type NodeStatus struct {
	Node    *graph.Node `json:"node"`
	Reports []Report    `json:"reports"`
}

// Orchestrator schedules and executes the nodes of a graph.
//
// # Description
//
// Run starts Workers goroutines in an errgroup. Each one repeatedly pulls
// the readiness frontier, claims a node and owns it until it is terminal
// or requeued. Workers sleep for PollInterval when nothing is ready and
// wake early whenever a node finishes or new nodes are submitted.
//
// Cancellation is cooperative: strategies see the cancelled context but
// a strategy that ignores it keeps its worker busy until it returns.
//
// # Thread Safety
//
// Safe for concurrent use. Submit and Status may be called while Run is
// active.
type Orchestrator struct {
	store     *graph.Store
	resolver  Resolver
	bus       *events.Bus
	opts      Options
	logger    *slog.Logger
	metrics   *telemetry.Metrics
	loop      *validation.Loop
	runner    *execution.Runner
	fallback  *fallback.Engine
	checker   *validation.CompletionChecker
	optimizer *optimizer.Optimizer
	limiter   *rate.Limiter
	reports   *history.Store[Report]

	completions atomic.Int64

	// inflight counts nodes between a claim attempt and their final
	// transition, including the failed-then-requeued window.
	inflight atomic.Int64

	// settle is held shared while a worker fails or requeues a node and
	// exclusively by stalled.
	settle sync.RWMutex

	wakeMu sync.Mutex
	wake   chan struct{}
}

// New creates an orchestrator.
//
// # Inputs
//
//   - store: The graph to execute. Required.
//   - resolver: Picks strategies per node. Required.
//   - bus: Receives lifecycle events. If nil, a private bus is created.
//   - opts: Zero fields take package defaults.
//
// # Outputs
//
//   - error: Non-nil if the validation configuration is invalid.
func New(store *graph.Store, resolver Resolver, bus *events.Bus, opts Options) (*Orchestrator, error) {
	if store == nil || resolver == nil {
		return nil, errors.New("orchestrator requires a store and a resolver")
	}
	opts.withDefaults()
	logger := opts.Logger.With(slog.String("component", "orchestrator"))
	if bus == nil {
		bus = events.NewBus(0, opts.Logger)
	}

	executor := execution.NewExecutor(opts.StrategyTimeout, opts.Logger)
	loop, err := validation.NewLoop(opts.Validation, executor,
		validation.NewValidator(opts.Checks...), validation.DefaultRepairDispatcher(), opts.Logger)
	if err != nil {
		return nil, fmt.Errorf("create validation loop: %w", err)
	}

	o := &Orchestrator{
		store:     store,
		resolver:  resolver,
		bus:       bus,
		opts:      opts,
		logger:    logger,
		metrics:   opts.Metrics,
		loop:      loop,
		checker:   validation.NewCompletionChecker(opts.Completion),
		optimizer: optimizer.New(store, opts.Optimizer, opts.Logger),
		reports:   history.NewStore[Report](opts.ReportsPerNode, opts.MaxReports),
		wake:      make(chan struct{}),
	}
	o.runner = execution.NewRunner(o.path, opts.Logger)
	if opts.FallbackEnabled {
		o.fallback = fallback.NewDefaultEngine(opts.Fallback)
	}
	if opts.RateLimit > 0 {
		burst := opts.Burst
		if burst <= 0 {
			burst = 1
		}
		o.limiter = rate.NewLimiter(rate.Limit(opts.RateLimit), burst)
	}
	return o, nil
}

// Store returns the underlying graph store.
func (o *Orchestrator) Store() *graph.Store { return o.store }

// Bus returns the event bus.
func (o *Orchestrator) Bus() *events.Bus { return o.bus }

// Submit adds a node to the graph and wakes idle workers.
func (o *Orchestrator) Submit(ctx context.Context, node *graph.Node) error {
	if node == nil {
		return ErrNilNode
	}
	if err := o.store.AddNode(node); err != nil {
		return err
	}
	o.metrics.RecordSubmitted(ctx, string(node.Type))
	o.bus.Publish(events.TypeNodeSubmitted, node.ID, events.NodeData{
		Status:   string(graph.StatusPending),
		Priority: node.Priority,
	})
	o.signal()
	return nil
}

// SubmitPlan merges a builder plan into the graph.
//
// Nodes that already exist are left untouched. Edges removed by cycle
// repair while building the plan are counted and reported.
func (o *Orchestrator) SubmitPlan(ctx context.Context, plan *builder.Plan) (graph.MergeResult, error) {
	res, err := builder.Apply(o.store, plan)
	if err != nil {
		return res, err
	}

	o.metrics.RecordCycleRepairs(ctx, len(plan.Removed))
	if len(plan.Removed) > 0 {
		o.bus.Publish(events.TypeCycleRepaired, "", events.GraphData{
			Count:   len(plan.Removed),
			Details: edgeIDs(plan.Removed),
		})
	}
	for _, n := range plan.Nodes {
		if contains(res.AddedNodes, n.ID) {
			o.metrics.RecordSubmitted(ctx, string(n.Type))
		}
	}
	o.bus.Publish(events.TypeManifestReloaded, "", events.GraphData{
		Count:   len(res.AddedNodes),
		Details: res.AddedNodes,
	})
	o.logger.Info("plan merged",
		slog.Int("added_nodes", len(res.AddedNodes)),
		slog.Int("skipped_nodes", len(res.SkippedNodes)),
		slog.Int("added_edges", res.AddedEdges),
		slog.Int("removed_edges", len(plan.Removed)),
	)
	o.signal()
	return res, nil
}

// ApplyPlan adapts SubmitPlan to builder.ApplyFunc.
func (o *Orchestrator) ApplyPlan(ctx context.Context, plan *builder.Plan) error {
	_, err := o.SubmitPlan(ctx, plan)
	return err
}

// Status returns a node and its recent execution reports, oldest first.
func (o *Orchestrator) Status(id string) (NodeStatus, error) {
	n, ok := o.store.Get(id)
	if !ok {
		return NodeStatus{}, fmt.Errorf("%w: %s", graph.ErrNodeNotFound, id)
	}
	return NodeStatus{Node: n, Reports: o.reports.Get(id)}, nil
}

// ExportGraph returns a snapshot document of the graph.
func (o *Orchestrator) ExportGraph() *graph.Document {
	return o.store.Export()
}

// Optimize re-ranks pending nodes of nodeType (all types if empty).
func (o *Orchestrator) Optimize(nodeType graph.NodeType) ([]optimizer.Ranked, error) {
	ranking, err := o.optimizer.Optimize(nodeType)
	if err != nil {
		return ranking, err
	}
	o.bus.Publish(events.TypeGraphOptimized, "", events.GraphData{Count: len(ranking)})
	o.signal()
	return ranking, nil
}

// Snapshot saves the current graph export.
func (o *Orchestrator) Snapshot(ctx context.Context) (badger.SnapshotInfo, error) {
	if o.opts.Snapshots == nil {
		return badger.SnapshotInfo{}, ErrSnapshotsDisabled
	}
	info, err := o.opts.Snapshots.Save(ctx, o.store.Export())
	if err != nil {
		return info, fmt.Errorf("save snapshot: %w", err)
	}
	o.logger.Info("snapshot saved",
		slog.String("snapshot_id", info.ID),
		slog.Int("nodes", info.Nodes),
		slog.Int("size_bytes", info.SizeBytes),
	)
	return info, nil
}

// RestoreLatest replaces the graph with the newest snapshot.
//
// Nodes that were running when the snapshot was taken come back pending.
func (o *Orchestrator) RestoreLatest(ctx context.Context) (badger.SnapshotInfo, error) {
	if o.opts.Snapshots == nil {
		return badger.SnapshotInfo{}, ErrSnapshotsDisabled
	}
	doc, info, err := o.opts.Snapshots.Latest(ctx)
	if err != nil {
		return info, err
	}
	if err := o.store.Restore(doc); err != nil {
		return info, fmt.Errorf("restore snapshot %s: %w", info.ID, err)
	}
	o.logger.Info("snapshot restored",
		slog.String("snapshot_id", info.ID),
		slog.Int("nodes", info.Nodes),
	)
	o.signal()
	return info, nil
}

// Run executes the graph until every node is terminal.
//
// # Outputs
//
//   - error: ctx.Err() on cancellation, ErrStalled when pending nodes can
//     never become ready, nil otherwise.
func (o *Orchestrator) Run(ctx context.Context) error {
	return o.run(ctx, true)
}

// Serve executes nodes as they become ready until ctx is cancelled.
//
// Unlike Run it keeps waiting for submissions once the graph is done.
func (o *Orchestrator) Serve(ctx context.Context) error {
	err := o.run(ctx, false)
	if errors.Is(err, context.Canceled) {
		return nil
	}
	return err
}

func (o *Orchestrator) run(ctx context.Context, untilDone bool) error {
	start := time.Now()
	o.bus.Publish(events.TypeRunStarted, "", events.GraphData{Count: o.store.Len()})
	o.logger.Info("run started",
		slog.Int("nodes", o.store.Len()),
		slog.Int("workers", o.opts.Workers),
		slog.Bool("until_done", untilDone),
	)

	if o.opts.OptimizeOnStart {
		if _, err := o.Optimize(""); err != nil {
			o.logger.Warn("initial optimization failed", slog.String("error", err.Error()))
		}
	}

	g, gctx := errgroup.WithContext(ctx)
	for i := 0; i < o.opts.Workers; i++ {
		worker := i
		g.Go(func() error { return o.work(gctx, worker, untilDone) })
	}
	err := g.Wait()

	stats := o.store.Stats()
	o.bus.Publish(events.TypeRunFinished, "", events.GraphData{Count: stats.CompletedNodes})
	o.logger.Info("run finished",
		slog.Int("completed", stats.CompletedNodes),
		slog.Int("failed", stats.FailedNodes),
		slog.Int("pending", stats.PendingNodes),
		slog.Duration("elapsed", time.Since(start)),
	)
	return err
}

// work is one worker's loop.
func (o *Orchestrator) work(ctx context.Context, worker int, untilDone bool) error {
	logger := o.logger.With(slog.Int("worker", worker))
	for {
		if err := ctx.Err(); err != nil {
			return err
		}

		wake := o.waitChannel()
		node, err := o.next(ctx)
		if err != nil {
			return err
		}
		if node != nil {
			o.process(ctx, node)
			o.inflight.Add(-1)
			o.signal()
			continue
		}

		if untilDone {
			if o.store.Done() {
				o.signal()
				return nil
			}
			if o.stalled() {
				logger.Error("no pending node can become ready")
				o.signal()
				return ErrStalled
			}
		}

		timer := time.NewTimer(o.opts.PollInterval)
		select {
		case <-ctx.Done():
			timer.Stop()
			return ctx.Err()
		case <-wake:
			timer.Stop()
		case <-timer.C:
		}
	}
}

// next claims the highest-ranked ready node, or returns nil if none could
// be claimed.
func (o *Orchestrator) next(ctx context.Context) (*graph.Node, error) {
	for _, candidate := range o.store.GetReadyNodes() {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		if o.limiter != nil {
			if err := o.limiter.Wait(ctx); err != nil {
				return nil, err
			}
		}
		o.inflight.Add(1)
		node, err := o.store.Claim(candidate.ID)
		if err == nil {
			return node, nil
		}
		o.inflight.Add(-1)
		if !errors.Is(err, graph.ErrNotPending) && !errors.Is(err, graph.ErrNotReady) {
			o.logger.Warn("claim failed",
				slog.String("node_id", candidate.ID),
				slog.String("error", err.Error()),
			)
		}
	}
	return nil, nil
}

// stalled reports whether pending nodes remain with nothing running and
// nothing ready. Pending dependents of failed nodes are failed first, which
// clears graphs restored from a snapshot taken mid-run.
func (o *Orchestrator) stalled() bool {
	o.settle.Lock()
	defer o.settle.Unlock()

	if o.inflight.Load() > 0 {
		return false
	}
	stats := o.store.Stats()
	if stats.CurrentlyExecuting > 0 || stats.PendingNodes == 0 {
		return false
	}
	if len(o.store.GetReadyNodes()) > 0 {
		return false
	}
	for _, n := range o.store.Nodes() {
		if n.Status != graph.StatusFailed {
			continue
		}
		if skipped, err := o.store.FailDependents(n.ID); err == nil && len(skipped) > 0 {
			o.publishSkipped(n.ID, skipped)
		}
	}
	if o.store.Done() {
		return false
	}
	return o.inflight.Load() == 0 && len(o.store.GetReadyNodes()) == 0
}

// waitChannel returns the channel closed by the next signal.
func (o *Orchestrator) waitChannel() <-chan struct{} {
	o.wakeMu.Lock()
	defer o.wakeMu.Unlock()
	return o.wake
}

// signal wakes every idle worker.
func (o *Orchestrator) signal() {
	o.wakeMu.Lock()
	defer o.wakeMu.Unlock()
	close(o.wake)
	o.wake = make(chan struct{})
}

func edgeIDs(edges []graph.Edge) []string {
	out := make([]string, len(edges))
	for i, e := range edges {
		out[i] = graph.EdgeID(e.Source, e.Target)
	}
	return out
}

func contains(ids []string, id string) bool {
	for _, v := range ids {
		if v == id {
			return true
		}
	}
	return false
}
