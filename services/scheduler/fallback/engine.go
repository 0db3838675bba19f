// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package fallback degrades a node to progressively weaker outcomes once
// all primary strategies have failed.
package fallback

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sort"
	"time"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/history"
)

// ErrFallbackExhausted is returned when no fallback strategy is registered.
var ErrFallbackExhausted = errors.New("no fallback strategy available")

// Strategy is a degraded way to finish a task.
type Strategy interface {
	// Name identifies the strategy.
	Name() string

	// Priority orders strategies; lower runs first.
	Priority() int

	// CanHandle reports whether the strategy applies after the given failures.
	CanHandle(ec *execution.Context, failed []string) bool

	// IsLastResort marks the strategy used when nothing else applies.
	IsLastResort() bool

	// Execute produces the degraded outcome.
	Execute(ctx context.Context, ec *execution.Context, failed []string) (Outcome, error)
}

// Outcome is what a fallback strategy produced.
type Outcome struct {
	Strategy   string  `json:"strategy"`
	Success    bool    `json:"success"`
	Confidence float64 `json:"confidence"`
	Message    string  `json:"message"`
	Output     any     `json:"output,omitempty"`
}

// Result converts the outcome into an execution result.
func (o Outcome) Result() execution.Result {
	r := execution.Result{
		Success:    o.Success,
		StrategyID: "fallback:" + o.Strategy,
		Output:     o.Output,
	}
	if !o.Success {
		r.Error = o.Message
	}
	return r
}

// Invocation records one use of the engine.
type Invocation struct {
	Task             string    `json:"task"`
	Strategy         string    `json:"strategy"`
	FailedStrategies []string  `json:"failedStrategies"`
	Success          bool      `json:"success"`
	Confidence       float64   `json:"confidence"`
	Error            string    `json:"error,omitempty"`
	At               time.Time `json:"at"`
}

// Engine picks and runs a fallback strategy.
//
// # Description
//
// Strategies are kept sorted by ascending priority. Select returns the
// first whose CanHandle is true. If none is, it returns the strategy marked
// IsLastResort, or the last one in priority order when none is marked. Every invocation is recorded in a bounded per-task history.
//
// # Thread Safety
//
// Safe for concurrent use. Strategies are fixed at construction.
type Engine struct {
	strategies []Strategy
	history    *history.Store[Invocation]
	logger     *slog.Logger
}

// Options configures an Engine.
type Options struct {
	// HistoryPerTask bounds invocations kept per task.
	HistoryPerTask int
	// MaxTasks bounds how many tasks keep history.
	MaxTasks int
	Logger   *slog.Logger
}

// NewEngine creates an engine over strategies.
func NewEngine(opts Options, strategies ...Strategy) *Engine {
	if opts.Logger == nil {
		opts.Logger = slog.Default()
	}
	sorted := append([]Strategy(nil), strategies...)
	sort.SliceStable(sorted, func(i, j int) bool {
		return sorted[i].Priority() < sorted[j].Priority()
	})
	return &Engine{
		strategies: sorted,
		history:    history.NewStore[Invocation](opts.HistoryPerTask, opts.MaxTasks),
		logger:     opts.Logger.With(slog.String("component", "fallback")),
	}
}

// NewDefaultEngine creates an engine with minimal, manual-intervention and
// last-resort strategies.
func NewDefaultEngine(opts Options) *Engine {
	return NewEngine(opts, Minimal{}, ManualIntervention{}, LastResort{})
}

// Strategies returns the registered strategies in selection order.
func (e *Engine) Strategies() []Strategy {
	return append([]Strategy(nil), e.strategies...)
}

// Select chooses the strategy for the given failures.
func (e *Engine) Select(ec *execution.Context, failed []string) (Strategy, error) {
	if len(e.strategies) == 0 {
		return nil, ErrFallbackExhausted
	}
	for _, s := range e.strategies {
		if s.CanHandle(ec, failed) {
			return s, nil
		}
	}
	for _, s := range e.strategies {
		if s.IsLastResort() {
			return s, nil
		}
	}
	return e.strategies[len(e.strategies)-1], nil
}

// Execute selects a strategy, runs it and records the invocation.
//
// # Outputs
//
//   - Outcome: The degraded outcome.
//   - error: ErrFallbackExhausted, or the strategy's error wrapped.
func (e *Engine) Execute(ctx context.Context, ec *execution.Context, failed []string) (Outcome, error) {
	s, err := e.Select(ec, failed)
	if err != nil {
		return Outcome{}, err
	}

	out, err := s.Execute(ctx, ec, failed)
	out.Strategy = s.Name()

	inv := Invocation{
		Task:             ec.Task,
		Strategy:         s.Name(),
		FailedStrategies: append([]string(nil), failed...),
		Success:          err == nil && out.Success,
		Confidence:       out.Confidence,
		At:               time.Now(),
	}
	if err != nil {
		inv.Error = err.Error()
	}
	e.history.Append(ec.Task, inv)

	if err != nil {
		e.logger.Error("fallback strategy failed",
			slog.String("task", ec.Task),
			slog.String("strategy", s.Name()),
			slog.String("error", err.Error()),
		)
		return out, fmt.Errorf("fallback %s: %w", s.Name(), err)
	}

	e.logger.Warn("fallback applied",
		slog.String("task", ec.Task),
		slog.String("strategy", s.Name()),
		slog.Int("failed_strategies", len(failed)),
		slog.Bool("success", out.Success),
		slog.Float64("confidence", out.Confidence),
	)
	return out, nil
}

// History returns recorded invocations for task, oldest first.
func (e *Engine) History(task string) []Invocation {
	return e.history.Get(task)
}
