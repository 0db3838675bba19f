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
	"encoding/json"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

// SelectionCriteria decides which path result a Runner returns.
type SelectionCriteria string

const (
	// FirstSuccess picks the earliest successful path in dispatch order.
	FirstSuccess SelectionCriteria = "FIRST_SUCCESS"

	// HighestQuality picks the path with the highest Scorer score.
	HighestQuality SelectionCriteria = "HIGHEST_QUALITY"

	// Fastest picks the quickest successful path.
	Fastest SelectionCriteria = "FASTEST"

	// MajorityConsensus picks a path from the largest group of identical outputs.
	MajorityConsensus SelectionCriteria = "MAJORITY_CONSENSUS"
)

// Valid reports whether c is a known criterion.
func (c SelectionCriteria) Valid() bool {
	switch c {
	case FirstSuccess, HighestQuality, Fastest, MajorityConsensus:
		return true
	}
	return false
}

// DefaultMaxConcurrentPaths is used when PathConfig leaves it unset.
const DefaultMaxConcurrentPaths = 3

// Scorer rates a result for HighestQuality selection.
type Scorer interface {
	Score(r Result) float64
}

// ScorerFunc adapts a function to Scorer.
type ScorerFunc func(r Result) float64

// Score implements Scorer.
func (f ScorerFunc) Score(r Result) float64 { return f(r) }

// QualityScorer is the default Scorer.
//
// score = (success ? 100 : 0) + (validationPassed ? 20 : 0) +
// (healingApplied ? 10 : 0) + max(0, 100 - memoryMB/10)
type QualityScorer struct{}

// Score implements Scorer.
func (QualityScorer) Score(r Result) float64 {
	var s float64
	if r.Success {
		s += 100
	}
	if r.Metrics.ValidationPassed {
		s += 20
	}
	if r.Metrics.HealingApplied {
		s += 10
	}
	if mem := 100 - r.Metrics.ResourceUsage.MemoryMB/10; mem > 0 {
		s += mem
	}
	return s
}

// PathConfig configures one multi-path run.
type PathConfig struct {
	// MaxConcurrentPaths is how many leading strategies are dispatched.
	MaxConcurrentPaths int

	// Timeout bounds each path. Zero means no per-path deadline.
	Timeout time.Duration

	// SelectionCriteria picks the returned result. Empty means FirstSuccess.
	SelectionCriteria SelectionCriteria

	// Scorer rates results for HighestQuality. Nil means QualityScorer.
	Scorer Scorer
}

// MultiPathResult is the outcome of a multi-path run.
type MultiPathResult struct {
	Selected        Result        `json:"selected"`
	SelectedIndex   int           `json:"selectedIndex"`
	AllPaths        []Result      `json:"allPaths"`
	SelectionReason string        `json:"selectionReason"`
	TotalDuration   time.Duration `json:"totalDuration"`
}

// AnySucceeded reports whether at least one path succeeded.
func (m MultiPathResult) AnySucceeded() bool {
	for _, r := range m.AllPaths {
		if r.Success {
			return true
		}
	}
	return false
}

// PathFunc executes one path. The orchestrator uses it to wrap each
// strategy in a validation loop.
type PathFunc func(ctx context.Context, strategy Strategy, ec *Context) Result

// Runner executes several strategies for the same context in parallel.
//
// # Description
//
// The first MaxConcurrentPaths strategies run concurrently, each under its
// own deadline. A path that exceeds it is recorded as a failed result with
// the error "Execution timeout after Nms". The runner waits for every path
// except under FirstSuccess, where it returns as soon as the earliest
// successful path in dispatch order is known; the remaining paths are
// cancelled and recorded as failed.
//
// # Thread Safety
//
// Safe for concurrent use.
type Runner struct {
	path   PathFunc
	logger *slog.Logger

	metricsOnce sync.Once
	runLatency  metric.Float64Histogram
	pathResults metric.Int64Counter
}

// NewRunner creates a multi-path runner.
//
// # Inputs
//
//   - path: Executes one path. If nil, strategies run once through an
//     Executor with no deadline of its own.
//   - logger: If nil, uses slog.Default().
func NewRunner(path PathFunc, logger *slog.Logger) *Runner {
	if logger == nil {
		logger = slog.Default()
	}
	if path == nil {
		exec := NewExecutor(0, logger)
		path = exec.Run
	}
	return &Runner{path: path, logger: logger}
}

func (r *Runner) initMetrics() {
	r.metricsOnce.Do(func() {
		var err error
		r.runLatency, err = meter.Float64Histogram("dagheal_multipath_duration_seconds",
			metric.WithDescription("Wall time of a multi-path run"),
			metric.WithUnit("s"),
		)
		if err != nil {
			r.logger.Error("failed to create multipath latency metric", slog.String("error", err.Error()))
		}
		r.pathResults, err = meter.Int64Counter("dagheal_multipath_paths_total",
			metric.WithDescription("Paths executed by outcome"),
		)
		if err != nil {
			r.logger.Error("failed to create multipath path metric", slog.String("error", err.Error()))
		}
	})
}

type pathOutcome struct {
	index  int
	result Result
}

// Run dispatches strategies and selects a result.
//
// # Outputs
//
//   - MultiPathResult: AllPaths is in dispatch order.
//   - error: ErrNoStrategies or ErrInvalidInput. Path failures are not
//     errors; they are results with Success false.
func (r *Runner) Run(ctx context.Context, strategies []Strategy, ec *Context, cfg PathConfig) (MultiPathResult, error) {
	if len(strategies) == 0 {
		return MultiPathResult{}, ErrNoStrategies
	}
	if ec == nil {
		return MultiPathResult{}, fmt.Errorf("%w: execution context is nil", ErrInvalidInput)
	}
	if cfg.SelectionCriteria == "" {
		cfg.SelectionCriteria = FirstSuccess
	}
	if !cfg.SelectionCriteria.Valid() {
		return MultiPathResult{}, fmt.Errorf("%w: unknown selection criteria %q", ErrInvalidInput, cfg.SelectionCriteria)
	}
	if cfg.MaxConcurrentPaths <= 0 {
		cfg.MaxConcurrentPaths = DefaultMaxConcurrentPaths
	}
	if cfg.Scorer == nil {
		cfg.Scorer = QualityScorer{}
	}
	r.initMetrics()

	n := min(len(strategies), cfg.MaxConcurrentPaths)
	ctx, span := tracer.Start(ctx, "execution.MultiPath",
		trace.WithAttributes(
			attribute.String("task", ec.Task),
			attribute.Int("paths", n),
			attribute.String("criteria", string(cfg.SelectionCriteria)),
		),
	)
	defer span.End()

	start := time.Now()
	runCtx, cancel := context.WithCancel(ctx)
	defer cancel()

	outcomes := make(chan pathOutcome, n)
	for i := 0; i < n; i++ {
		s := strategies[i]
		go func(i int) {
			pathStart := time.Now()
			res := invoke(runCtx, cfg.Timeout, s.ID(), func(ctx context.Context) (Result, error) {
				return r.path(ctx, s, ec), nil
			})
			res.StrategyID = s.ID()
			if res.Duration == 0 {
				res.Duration = time.Since(pathStart)
			}
			outcomes <- pathOutcome{index: i, result: res}
		}(i)
	}

	results := make([]Result, n)
	settled := make([]bool, n)
	remaining := n
	for remaining > 0 {
		o := <-outcomes
		results[o.index] = o.result
		settled[o.index] = true
		remaining--

		if cfg.SelectionCriteria == FirstSuccess && remaining > 0 && firstSuccessKnown(results, settled) {
			cancel()
			for i := range settled {
				if !settled[i] {
					results[i] = Failed(strategies[i].ID(), &ExecutionError{
						Kind:       KindCancelled,
						StrategyID: strategies[i].ID(),
						Err:        fmt.Errorf("cancelled after an earlier path succeeded"),
					})
				}
			}
			break
		}
	}

	idx, reason := selectResult(results, cfg)
	out := MultiPathResult{
		Selected:        results[idx],
		SelectedIndex:   idx,
		AllPaths:        results,
		SelectionReason: reason,
		TotalDuration:   time.Since(start),
	}

	if r.runLatency != nil {
		r.runLatency.Record(ctx, out.TotalDuration.Seconds(),
			metric.WithAttributes(attribute.String("criteria", string(cfg.SelectionCriteria))))
	}
	if r.pathResults != nil {
		for _, res := range results {
			r.pathResults.Add(ctx, 1, metric.WithAttributes(attribute.Bool("success", res.Success)))
		}
	}

	if out.Selected.Success {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "no successful path")
	}
	r.logger.Debug("multi-path run finished",
		slog.String("task", ec.Task),
		slog.Int("paths", n),
		slog.String("selected", out.Selected.StrategyID),
		slog.String("reason", reason),
		slog.Duration("duration", out.TotalDuration),
	)
	return out, nil
}

// firstSuccessKnown reports whether the earliest successful path in
// dispatch order is settled, i.e. every earlier path has settled and failed.
func firstSuccessKnown(results []Result, settled []bool) bool {
	for i := range results {
		if !settled[i] {
			return false
		}
		if results[i].Success {
			return true
		}
	}
	return false
}

func selectResult(results []Result, cfg PathConfig) (int, string) {
	switch cfg.SelectionCriteria {
	case HighestQuality:
		best, bestScore := 0, cfg.Scorer.Score(results[0])
		for i := 1; i < len(results); i++ {
			if s := cfg.Scorer.Score(results[i]); s > bestScore {
				best, bestScore = i, s
			}
		}
		return best, fmt.Sprintf("highest quality score %.1f", bestScore)

	case Fastest:
		best := -1
		for i, res := range results {
			if res.Success && (best < 0 || res.Duration < results[best].Duration) {
				best = i
			}
		}
		if best >= 0 {
			return best, fmt.Sprintf("fastest successful path (%s)", results[best].Duration)
		}
		best = 0
		for i, res := range results {
			if res.Duration < results[best].Duration {
				best = i
			}
		}
		return best, "no successful path; fastest overall"

	case MajorityConsensus:
		type group struct {
			first int
			count int
		}
		var order []string
		groups := make(map[string]*group)
		for i, res := range results {
			if !res.Success {
				continue
			}
			key := outputKey(res.Output)
			g, ok := groups[key]
			if !ok {
				g = &group{first: i}
				groups[key] = g
				order = append(order, key)
			}
			g.count++
		}
		if len(order) == 0 {
			return 0, "no successful path; first path"
		}
		winner := groups[order[0]]
		for _, key := range order[1:] {
			if groups[key].count > winner.count {
				winner = groups[key]
			}
		}
		return winner.first, fmt.Sprintf("majority consensus %d/%d", winner.count, len(results))

	default:
		for i, res := range results {
			if res.Success {
				return i, "first successful path"
			}
		}
		return 0, "no successful path; first path"
	}
}

// outputKey serializes an output for consensus grouping.
func outputKey(output any) string {
	b, err := json.Marshal(output)
	if err != nil {
		return fmt.Sprintf("%T:%v", output, output)
	}
	return string(b)
}
