// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package validation wraps strategy execution in an iterate, validate and
// repair cycle, and scores the final result for completion.
package validation

import (
	"context"
	"fmt"
	"log/slog"
	"time"

	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/trace"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
)

var tracer = otel.Tracer("dagheal.validation")

// DefaultValidationThreshold is the score a valid result must reach.
const DefaultValidationThreshold = 0.85

// Config controls a validation loop.
type Config struct {
	MaxIterations       int     `json:"max_iterations" yaml:"max_iterations"`
	ValidationThreshold float64 `json:"validation_threshold" yaml:"validation_threshold"`
	AutoRepairEnabled   bool    `json:"auto_repair_enabled" yaml:"auto_repair_enabled"`
	StrictMode          bool    `json:"strict_mode" yaml:"strict_mode"`
}

// DefaultConfig returns the default loop configuration.
func DefaultConfig() Config {
	return Config{
		MaxIterations:       3,
		ValidationThreshold: DefaultValidationThreshold,
		AutoRepairEnabled:   true,
	}
}

// Validate checks the configuration.
func (c Config) Validate() error {
	if c.MaxIterations < 1 {
		return fmt.Errorf("%w: max iterations must be at least 1, got %d", ErrInvalidConfig, c.MaxIterations)
	}
	if c.ValidationThreshold < 0 || c.ValidationThreshold > 1 {
		return fmt.Errorf("%w: threshold %.2f outside [0,1]", ErrInvalidConfig, c.ValidationThreshold)
	}
	return nil
}

// IterationResult records one pass through the loop.
type IterationResult struct {
	Iteration  int              `json:"iteration"`
	Execution  execution.Result `json:"execution"`
	Validation Result           `json:"validation"`
	Duration   time.Duration    `json:"duration"`
	Repair     *RepairResult    `json:"repair,omitempty"`
	Repaired   bool             `json:"repaired"`
	Completed  bool             `json:"completed"`
}

// Loop executes a strategy repeatedly until its result validates.
//
// # Description
//
// Each iteration executes the strategy, validates the result and, when
// auto-repair is enabled and another iteration remains, dispatches every
// repairable issue. The loop stops when:
//
//   - the result is valid and its score reaches the threshold (Completed),
//   - strict mode is on and a critical issue is not repairable, or
//   - MaxIterations is reached.
//
// Iterations of one loop are strictly sequential.
//
// # Thread Safety
//
// Safe for concurrent use; each Run keeps its own state.
type Loop struct {
	config    Config
	executor  *execution.Executor
	validator *Validator
	repairs   *RepairDispatcher
	logger    *slog.Logger
}

// NewLoop creates a validation loop.
//
// # Inputs
//
//   - config: Must pass Config.Validate.
//   - executor: Runs the strategy. If nil, a deadline-free executor is used.
//   - validator: If nil, only the built-in checks run.
//   - repairs: If nil, the no-op dispatcher is used.
//   - logger: If nil, uses slog.Default().
func NewLoop(config Config, executor *execution.Executor, validator *Validator, repairs *RepairDispatcher, logger *slog.Logger) (*Loop, error) {
	if err := config.Validate(); err != nil {
		return nil, err
	}
	if logger == nil {
		logger = slog.Default()
	}
	if executor == nil {
		executor = execution.NewExecutor(0, logger)
	}
	if validator == nil {
		validator = NewValidator()
	}
	if repairs == nil {
		repairs = NewRepairDispatcher()
	}
	return &Loop{
		config:    config,
		executor:  executor,
		validator: validator,
		repairs:   repairs,
		logger:    logger.With(slog.String("component", "validation_loop")),
	}, nil
}

// Config returns the loop configuration.
func (l *Loop) Config() Config { return l.config }

// Run executes the loop and returns every iteration in order.
//
// The returned slice is never empty unless ctx was already done.
func (l *Loop) Run(ctx context.Context, strategy execution.Strategy, ec *execution.Context) []IterationResult {
	ctx, span := tracer.Start(ctx, "validation.Loop",
		trace.WithAttributes(
			attribute.String("strategy.id", strategy.ID()),
			attribute.String("task", ec.Task),
			attribute.Int("max_iterations", l.config.MaxIterations),
		),
	)
	defer span.End()

	var iterations []IterationResult
	for i := 1; i <= l.config.MaxIterations; i++ {
		if ctx.Err() != nil {
			break
		}
		start := time.Now()

		res := l.executor.Run(ctx, strategy, ec)
		val := l.validator.Validate(res, ec)
		it := IterationResult{
			Iteration:  i,
			Execution:  res,
			Validation: val,
		}

		if val.Valid && val.Score >= l.config.ValidationThreshold {
			it.Completed = true
			it.Duration = time.Since(start)
			iterations = append(iterations, it)
			break
		}

		if l.config.StrictMode && val.HasUnrepairableCritical() {
			it.Duration = time.Since(start)
			iterations = append(iterations, it)
			l.logger.Warn("strict mode stopped on unrepairable critical issue",
				slog.String("task", ec.Task),
				slog.String("strategy", strategy.ID()),
				slog.Int("iteration", i),
			)
			break
		}

		if l.config.AutoRepairEnabled && i < l.config.MaxIterations {
			rr := l.repairs.Repair(ctx, val.Issues, ec)
			it.Repair = &rr
			it.Repaired = len(rr.Repaired) > 0
			ec.RecordRepair(execution.RepairRecord{
				Iteration:  i,
				StrategyID: strategy.ID(),
				Repaired:   rr.Repaired,
				Failed:     rr.Failed,
				At:         time.Now(),
			})
		}

		it.Duration = time.Since(start)
		iterations = append(iterations, it)
		l.logger.Debug("validation iteration did not converge",
			slog.String("task", ec.Task),
			slog.String("strategy", strategy.ID()),
			slog.Int("iteration", i),
			slog.Float64("score", val.Score),
			slog.Int("issues", len(val.Issues)),
		)
	}

	if n := len(iterations); n > 0 && iterations[n-1].Completed {
		span.SetStatus(codes.Ok, "")
	} else {
		span.SetStatus(codes.Error, "validation did not converge")
	}
	return iterations
}

// Summarize turns a loop's iterations into one path result.
//
// # Description
//
// The last iteration's execution result is returned. ValidationPassed
// reflects whether the loop converged and HealingApplied whether any
// repair succeeded. A loop that did not converge yields Success false with
// a *ValidationError as Cause.
func (l *Loop) Summarize(strategyID string, iterations []IterationResult) execution.Result {
	if len(iterations) == 0 {
		return execution.Failed(strategyID, fmt.Errorf("%w: no iterations ran", ErrThresholdNotMet))
	}

	last := iterations[len(iterations)-1]
	res := last.Execution
	res.StrategyID = strategyID
	res.Metrics.ValidationPassed = last.Completed
	for _, it := range iterations {
		if it.Repaired {
			res.Metrics.HealingApplied = true
			break
		}
	}
	if last.Completed {
		return res
	}

	kind := KindThresholdNotMet
	if l.config.StrictMode && last.Validation.HasUnrepairableCritical() {
		kind = KindUnrepairableCritical
	}
	verr := &ValidationError{
		Kind:       kind,
		Score:      last.Validation.Score,
		Threshold:  l.config.ValidationThreshold,
		Iterations: len(iterations),
		Issues:     last.Validation.Issues,
	}
	res.Success = false
	res.Cause = verr
	if res.Error == "" {
		res.Error = verr.Error()
	}
	return res
}

// Path adapts the loop to execution.PathFunc so every path of a
// multi-path run is validated and repaired independently.
//
// observe, if non-nil, receives each path's iterations.
func (l *Loop) Path(observe func(strategyID string, iterations []IterationResult)) execution.PathFunc {
	return func(ctx context.Context, strategy execution.Strategy, ec *execution.Context) execution.Result {
		iterations := l.Run(ctx, strategy, ec)
		if observe != nil {
			observe(strategy.ID(), iterations)
		}
		return l.Summarize(strategy.ID(), iterations)
	}
}
