// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package telemetry

import (
	"context"
	"fmt"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/metric"
)

// Metrics holds the scheduler-level instruments.
//
// Description:
//
//	Counters and histograms for node lifecycle, fallback use, validation
//	scores, cycle repairs and the HTTP API. Strategy and path level
//	instruments live in the execution package. All names use the
//	"dagheal_" prefix.
//
// Thread Safety: Safe for concurrent use after creation.
type Metrics struct {
	// --- Node Metrics ---

	// NodesSubmittedTotal counts nodes added to the graph.
	NodesSubmittedTotal metric.Int64Counter

	// NodesFinishedTotal counts nodes reaching a terminal status, by status.
	NodesFinishedTotal metric.Int64Counter

	// NodeDuration records claim-to-terminal time in seconds.
	NodeDuration metric.Float64Histogram

	// NodesInFlight tracks claimed nodes not yet terminal.
	NodesInFlight metric.Int64UpDownCounter

	// NodeRetriesTotal counts requeues.
	NodeRetriesTotal metric.Int64Counter

	// --- Healing Metrics ---

	// FallbacksTotal counts fallback invocations by strategy and success.
	FallbacksTotal metric.Int64Counter

	// CompletionScore records completion scores.
	CompletionScore metric.Float64Histogram

	// CycleRepairsTotal counts edges removed by cycle repair.
	CycleRepairsTotal metric.Int64Counter

	// --- HTTP Metrics ---

	// HTTPRequestsTotal counts API requests by route and status.
	HTTPRequestsTotal metric.Int64Counter
}

// NewMetrics registers all instruments with meter.
//
// Description:
//
//	Returns an error naming the first instrument that failed to register.
//
// Example:
//
//	m, err := telemetry.NewMetrics(otel.Meter("dagheal"))
//	if err != nil {
//	    return fmt.Errorf("create metrics: %w", err)
//	}
//	m.RecordNodeFinished(ctx, "agent", "completed", time.Since(start).Seconds())
func NewMetrics(meter metric.Meter) (*Metrics, error) {
	m := &Metrics{}
	var err error

	m.NodesSubmittedTotal, err = meter.Int64Counter(
		"dagheal_nodes_submitted_total",
		metric.WithDescription("Total nodes added to the graph"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create nodes_submitted_total: %w", err)
	}

	m.NodesFinishedTotal, err = meter.Int64Counter(
		"dagheal_nodes_finished_total",
		metric.WithDescription("Total nodes reaching a terminal status"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create nodes_finished_total: %w", err)
	}

	m.NodeDuration, err = meter.Float64Histogram(
		"dagheal_node_duration_seconds",
		metric.WithDescription("Time from claim to terminal status"),
		metric.WithUnit("s"),
		metric.WithExplicitBucketBoundaries(0.01, 0.05, 0.1, 0.5, 1, 2.5, 5, 10, 30, 60, 300),
	)
	if err != nil {
		return nil, fmt.Errorf("create node_duration: %w", err)
	}

	m.NodesInFlight, err = meter.Int64UpDownCounter(
		"dagheal_nodes_in_flight",
		metric.WithDescription("Nodes currently executing"),
		metric.WithUnit("{node}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create nodes_in_flight: %w", err)
	}

	m.NodeRetriesTotal, err = meter.Int64Counter(
		"dagheal_node_retries_total",
		metric.WithDescription("Total failed nodes requeued for another attempt"),
		metric.WithUnit("{retry}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create node_retries_total: %w", err)
	}

	m.FallbacksTotal, err = meter.Int64Counter(
		"dagheal_fallbacks_total",
		metric.WithDescription("Total fallback strategy invocations"),
		metric.WithUnit("{fallback}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create fallbacks_total: %w", err)
	}

	m.CompletionScore, err = meter.Float64Histogram(
		"dagheal_completion_score",
		metric.WithDescription("Completion check scores"),
		metric.WithExplicitBucketBoundaries(0.1, 0.2, 0.3, 0.4, 0.5, 0.6, 0.7, 0.8, 0.9, 1),
	)
	if err != nil {
		return nil, fmt.Errorf("create completion_score: %w", err)
	}

	m.CycleRepairsTotal, err = meter.Int64Counter(
		"dagheal_cycle_repairs_total",
		metric.WithDescription("Total edges removed to break cycles"),
		metric.WithUnit("{edge}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create cycle_repairs_total: %w", err)
	}

	m.HTTPRequestsTotal, err = meter.Int64Counter(
		"dagheal_http_requests_total",
		metric.WithDescription("Total HTTP API requests"),
		metric.WithUnit("{request}"),
	)
	if err != nil {
		return nil, fmt.Errorf("create http_requests_total: %w", err)
	}

	return m, nil
}

// RecordNodeFinished counts a terminal node and its duration.
func (m *Metrics) RecordNodeFinished(ctx context.Context, nodeType, status string, seconds float64) {
	if m == nil {
		return
	}
	attrs := metric.WithAttributes(
		attribute.String("node_type", nodeType),
		attribute.String("status", status),
	)
	m.NodesFinishedTotal.Add(ctx, 1, attrs)
	m.NodeDuration.Record(ctx, seconds, attrs)
}

// RecordFallback counts a fallback invocation.
func (m *Metrics) RecordFallback(ctx context.Context, strategy string, success bool) {
	if m == nil {
		return
	}
	m.FallbacksTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("strategy", strategy),
		attribute.Bool("success", success),
	))
}

// RecordHTTPRequest counts one API request.
func (m *Metrics) RecordHTTPRequest(ctx context.Context, method, route string, status int) {
	if m == nil {
		return
	}
	m.HTTPRequestsTotal.Add(ctx, 1, metric.WithAttributes(
		attribute.String("method", method),
		attribute.String("route", route),
		attribute.Int("status", status),
	))
}

// RecordSubmitted counts a node added to the graph.
func (m *Metrics) RecordSubmitted(ctx context.Context, nodeType string) {
	if m == nil {
		return
	}
	m.NodesSubmittedTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", nodeType)))
}

// AddInFlight adjusts the in-flight gauge by delta.
func (m *Metrics) AddInFlight(ctx context.Context, delta int64) {
	if m == nil {
		return
	}
	m.NodesInFlight.Add(ctx, delta)
}

// RecordRetry counts a requeue.
func (m *Metrics) RecordRetry(ctx context.Context, nodeType string) {
	if m == nil {
		return
	}
	m.NodeRetriesTotal.Add(ctx, 1, metric.WithAttributes(attribute.String("node_type", nodeType)))
}

// RecordCompletionScore records a completion verdict.
func (m *Metrics) RecordCompletionScore(ctx context.Context, score float64, completed bool) {
	if m == nil {
		return
	}
	m.CompletionScore.Record(ctx, score, metric.WithAttributes(attribute.Bool("completed", completed)))
}

// RecordCycleRepairs counts edges removed to break cycles.
func (m *Metrics) RecordCycleRepairs(ctx context.Context, removed int) {
	if m == nil || removed <= 0 {
		return
	}
	m.CycleRepairsTotal.Add(ctx, int64(removed))
}
