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
	"crypto/sha256"
	"encoding/hex"
	"encoding/json"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagheal/services/scheduler/events"
	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/graph"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
)

// GovernanceThreshold is the compliance score at which a node counts as
// governance compliant.
const GovernanceThreshold = 80

// process runs one claimed node to a terminal or requeued state.
func (o *Orchestrator) process(ctx context.Context, node *graph.Node) {
	start := time.Now()
	attempt := node.Metadata.RetryCount + 1
	ctx, span := tracer.Start(ctx, "orchestrator.Node",
		trace.WithAttributes(
			attribute.String("node.id", node.ID),
			attribute.String("node.type", string(node.Type)),
			attribute.Int("node.attempt", attempt),
		),
	)
	defer span.End()

	o.metrics.AddInFlight(ctx, 1)
	defer o.metrics.AddInFlight(ctx, -1)

	o.bus.Publish(events.TypeNodeClaimed, node.ID, events.NodeData{
		Status:   string(graph.StatusRunning),
		Priority: node.Priority,
		Attempts: attempt,
	})

	report := Report{NodeID: node.ID, Attempt: attempt}
	defer func() {
		report.FinishedAt = time.Now()
		o.reports.Append(node.ID, report)
	}()

	strategies, err := o.resolver.Resolve(node)
	if err != nil {
		report.Result = execution.Failed("", err)
		report.Duration = time.Since(start)
		telemetry.RecordError(span, err)
		o.fail(ctx, node, err, &report)
		return
	}

	ec := o.newContext(ctx, node)
	res, failed := o.execute(ctx, node, ec, strategies, &report)
	if o.interrupted(ctx, node, &report, start) {
		return
	}

	if !res.Success && o.fallback != nil {
		ec.Set(execution.MetaFailedStrategies, failed)
		out, ferr := o.fallback.Execute(ctx, ec, failed)
		if ferr != nil {
			o.logger.Warn("fallback failed",
				slog.String("node_id", node.ID),
				slog.String("error", ferr.Error()),
			)
		} else {
			res = out.Result()
			report.Fallback = &out
			o.metrics.RecordFallback(ctx, out.Strategy, out.Success)
			o.bus.Publish(events.TypeFallbackInvoked, node.ID, events.FallbackData{
				Strategy:         out.Strategy,
				Success:          out.Success,
				Confidence:       out.Confidence,
				FailedStrategies: len(failed),
			})
		}
	}

	if o.interrupted(ctx, node, &report, start) {
		return
	}

	recordEvidence(ec, res)
	completion := o.checker.Check(res, ec)
	report.Result = res
	report.Completion = completion
	report.Duration = time.Since(start)
	o.metrics.RecordCompletionScore(ctx, completion.Score, completion.Completed)
	span.SetAttributes(
		attribute.Float64("completion.score", completion.Score),
		attribute.Bool("completion.completed", completion.Completed),
	)

	if completion.Completed {
		o.complete(ctx, node, &report)
		span.SetStatus(codes.Ok, "")
		return
	}
	cause := incompleteError(completion.FailedChecks(), res.Cause)
	telemetry.RecordError(span, cause)
	o.fail(ctx, node, cause, &report)
}

// execute runs the node's strategies as parallel paths and returns the
// selected result together with the ids of the paths that failed.
func (o *Orchestrator) execute(ctx context.Context, node *graph.Node, ec *execution.Context, strategies []execution.Strategy, report *Report) (execution.Result, []string) {
	mp, err := o.runner.Run(ctx, strategies, ec, o.opts.Paths)
	if err != nil {
		ids := make([]string, len(strategies))
		for i, s := range strategies {
			ids[i] = s.ID()
		}
		return execution.Failed("", err), ids
	}

	report.Paths = mp.AllPaths
	report.SelectionReason = mp.SelectionReason

	var failed []string
	for i, p := range mp.AllPaths {
		if !p.Success {
			failed = append(failed, p.StrategyID)
		}
		o.bus.Publish(events.TypePathCompleted, node.ID, events.PathData{
			StrategyID: p.StrategyID,
			Success:    p.Success,
			Selected:   i == mp.SelectedIndex,
			Duration:   p.Duration,
			Error:      p.Error,
		})
	}
	return mp.Selected, failed
}

// path wraps one strategy in the validation loop and publishes each
// iteration.
func (o *Orchestrator) path(ctx context.Context, strategy execution.Strategy, ec *execution.Context) execution.Result {
	iterations := o.loop.Run(ctx, strategy, ec)
	for _, it := range iterations {
		o.bus.Publish(events.TypeValidationPass, ec.Task, events.ValidationData{
			StrategyID: strategy.ID(),
			Iteration:  it.Iteration,
			Score:      it.Validation.Score,
			Valid:      it.Validation.Valid,
			Issues:     len(it.Validation.Issues),
			Repaired:   it.Repaired,
			Completed:  it.Completed,
		})
	}
	return o.loop.Summarize(strategy.ID(), iterations)
}

// newContext builds the execution context for a claimed node.
//
// The trace id is the active span's, or the context id when tracing is
// disabled, so completion traceability holds either way.
func (o *Orchestrator) newContext(ctx context.Context, node *graph.Node) *execution.Context {
	ec := execution.NewContext(node.ID, node, o.opts.HistoryPerContext)
	ec.Set(execution.MetaNodeType, string(node.Type))
	ec.Set(execution.MetaGovernanceCompliant, node.ComplianceScore >= GovernanceThreshold)

	traceID := telemetry.TraceID(ctx)
	if traceID == "" {
		traceID = ec.ID
	}
	ec.Set(execution.MetaTraceID, traceID)
	return ec
}

// recordEvidence stores the artifact reference and output hash of res,
// unless a strategy already recorded them.
func recordEvidence(ec *execution.Context, res execution.Result) {
	if res.Output == nil {
		return
	}
	if _, ok := ec.Get(execution.MetaArtifacts); !ok {
		ec.Set(execution.MetaArtifacts, []string{ec.Task + "/" + res.StrategyID})
	}
	if ec.GetString(execution.MetaEvidenceHash) != "" {
		return
	}
	raw, err := json.Marshal(res.Output)
	if err != nil {
		return
	}
	sum := sha256.Sum256(raw)
	ec.Set(execution.MetaEvidenceHash, hex.EncodeToString(sum[:]))
}

// interrupted hands the node back as pending once ctx has ended. It reports
// whether it did so.
func (o *Orchestrator) interrupted(ctx context.Context, node *graph.Node, report *Report, start time.Time) bool {
	cause := ctx.Err()
	if cause == nil {
		return false
	}
	report.Duration = time.Since(start)
	report.Result = execution.Failed("", cause)

	o.settle.RLock()
	defer o.settle.RUnlock()

	if err := o.store.Release(node.ID); err != nil {
		o.logger.Error("release failed",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()),
		)
		return true
	}
	report.Status = graph.StatusPending
	o.logger.Warn("node released",
		slog.String("node_id", node.ID),
		slog.Int("attempt", report.Attempt),
		slog.String("error", cause.Error()),
	)
	return true
}

func (o *Orchestrator) complete(ctx context.Context, node *graph.Node, report *Report) {
	if err := o.store.MarkCompleted(node.ID); err != nil {
		o.logger.Error("mark completed failed",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	report.Status = graph.StatusCompleted

	o.metrics.RecordNodeFinished(ctx, string(node.Type), string(graph.StatusCompleted), report.Duration.Seconds())
	o.bus.Publish(events.TypeNodeCompleted, node.ID, events.NodeData{
		Status:   string(graph.StatusCompleted),
		Priority: node.Priority,
		Attempts: report.Attempt,
		Score:    report.Completion.Score,
		Duration: report.Duration,
	})
	o.logger.Info("node completed",
		slog.String("node_id", node.ID),
		slog.String("strategy", report.Result.StrategyID),
		slog.Float64("score", report.Completion.Score),
		slog.Duration("duration", report.Duration),
	)

	n := o.completions.Add(1)
	if every := int64(o.opts.ReoptimizeEvery); every > 0 && n%every == 0 {
		if _, err := o.Optimize(""); err != nil {
			o.logger.Warn("re-optimization failed", slog.String("error", err.Error()))
		}
	}
}

// fail marks the node failed, then either requeues it or fails every
// pending node downstream of it.
func (o *Orchestrator) fail(ctx context.Context, node *graph.Node, cause error, report *Report) {
	o.settle.RLock()
	defer o.settle.RUnlock()

	if err := o.store.MarkFailed(node.ID, cause); err != nil {
		o.logger.Error("mark failed failed",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()),
		)
		return
	}
	report.Status = graph.StatusFailed

	if node.Metadata.RetryCount < o.opts.MaxRetries {
		if err := o.store.Requeue(node.ID); err == nil {
			report.Status = graph.StatusPending
			report.Requeued = true
			o.metrics.RecordRetry(ctx, string(node.Type))
			o.bus.Publish(events.TypeNodeRequeued, node.ID, events.NodeData{
				Status:   string(graph.StatusPending),
				Attempts: report.Attempt,
				Error:    cause.Error(),
			})
			o.logger.Warn("node requeued",
				slog.String("node_id", node.ID),
				slog.Int("attempt", report.Attempt),
				slog.Int("max_retries", o.opts.MaxRetries),
				slog.String("error", cause.Error()),
			)
			return
		}
	}

	o.metrics.RecordNodeFinished(ctx, string(node.Type), string(graph.StatusFailed), report.Duration.Seconds())
	o.bus.Publish(events.TypeNodeFailed, node.ID, events.NodeData{
		Status:   string(graph.StatusFailed),
		Priority: node.Priority,
		Attempts: report.Attempt,
		Score:    report.Completion.Score,
		Duration: report.Duration,
		Error:    cause.Error(),
	})
	o.logger.Warn("node failed",
		slog.String("node_id", node.ID),
		slog.Int("attempt", report.Attempt),
		slog.Any("failed_checks", report.Completion.FailedChecks()),
		slog.String("error", cause.Error()),
	)

	skipped, err := o.store.FailDependents(node.ID)
	if err != nil {
		o.logger.Error("fail dependents failed",
			slog.String("node_id", node.ID),
			slog.String("error", err.Error()),
		)
	}
	report.Skipped = skipped
	o.publishSkipped(node.ID, skipped)
}

func (o *Orchestrator) publishSkipped(upstream string, skipped []string) {
	for _, id := range skipped {
		o.bus.Publish(events.TypeNodeSkipped, id, events.NodeData{
			Status: string(graph.StatusFailed),
			Error:  graph.ErrUpstreamFailed.Error() + ": " + upstream,
		})
	}
	if len(skipped) > 0 {
		o.logger.Warn("dependents failed",
			slog.String("upstream", upstream),
			slog.Any("skipped", skipped),
		)
	}
}

