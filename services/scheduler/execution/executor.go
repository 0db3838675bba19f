// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package execution runs strategies against an execution context.
//
// Executor wraps a single strategy call with a deadline, panic recovery,
// history recording and tracing. Runner fans a node out over several
// strategies in parallel and selects one result.
package execution

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"sync"
	"time"

	"github.com/sourcegraph/conc/panics"
	"go.opentelemetry.io/otel"
	"go.opentelemetry.io/otel/attribute"
	"go.opentelemetry.io/otel/codes"
	"go.opentelemetry.io/otel/metric"
	"go.opentelemetry.io/otel/trace"
)

var (
	tracer = otel.Tracer("dagheal.execution")
	meter  = otel.Meter("dagheal.execution")
)

// Executor invokes one strategy with observability.
//
// Description:
//
//	Run increments the context's attempt counter, calls the strategy under
//	an optional deadline, converts errors and panics into failed results,
//	and appends the result to the context history. Run never returns an
//	error; failure is carried in Result.Success.
//
// Thread Safety:
//
//	Safe for concurrent use.
type Executor struct {
	timeout time.Duration
	logger  *slog.Logger

	// Metrics (initialized lazily)
	metricsOnce sync.Once
	latency     metric.Float64Histogram
	successes   metric.Int64Counter
	failures    metric.Int64Counter
}

// NewExecutor creates a strategy executor.
//
// Inputs:
//
//	timeout - Deadline per call. Zero disables the executor's own deadline.
//	logger - Logger for execution logs. If nil, uses slog.Default().
func NewExecutor(timeout time.Duration, logger *slog.Logger) *Executor {
	if logger == nil {
		logger = slog.Default()
	}
	return &Executor{timeout: timeout, logger: logger}
}

func (e *Executor) initMetrics() {
	e.metricsOnce.Do(func() {
		var initErrors []string
		var err error

		e.latency, err = meter.Float64Histogram("dagheal_strategy_duration_seconds",
			metric.WithDescription("Time spent executing each strategy"),
			metric.WithUnit("s"),
		)
		if err != nil {
			initErrors = append(initErrors, "latency: "+err.Error())
		}

		e.successes, err = meter.Int64Counter("dagheal_strategy_success_total",
			metric.WithDescription("Number of successful strategy executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "successes: "+err.Error())
		}

		e.failures, err = meter.Int64Counter("dagheal_strategy_failure_total",
			metric.WithDescription("Number of failed strategy executions"),
		)
		if err != nil {
			initErrors = append(initErrors, "failures: "+err.Error())
		}

		if len(initErrors) > 0 {
			e.logger.Error("failed to initialize some execution metrics (observability degraded)",
				slog.Int("failed_count", len(initErrors)),
				slog.Any("errors", initErrors),
			)
		}
	})
}

// Run executes strategy against ec.
//
// Outputs:
//
//	Result - Always populated. StrategyID and Duration are set by Run.
func (e *Executor) Run(ctx context.Context, strategy Strategy, ec *Context) Result {
	e.initMetrics()

	attempt := ec.IncrementAttempts()
	ctx, span := tracer.Start(ctx, "execution.Strategy",
		trace.WithAttributes(
			attribute.String("strategy.id", strategy.ID()),
			attribute.String("task", ec.Task),
			attribute.Int("attempt", attempt),
		),
	)
	defer span.End()

	start := time.Now()
	result := invoke(ctx, e.timeoutFor(ec), strategy.ID(), func(ctx context.Context) (Result, error) {
		return strategy.Execute(ctx, ec)
	})
	result.StrategyID = strategy.ID()
	result.Duration = time.Since(start)
	ec.RecordResult(result)

	attrs := metric.WithAttributes(attribute.String("strategy", strategy.ID()))
	if e.latency != nil {
		e.latency.Record(ctx, result.Duration.Seconds(), attrs)
	}

	if !result.Success {
		if e.failures != nil {
			e.failures.Add(ctx, 1, attrs)
		}
		span.SetStatus(codes.Error, result.Error)
		if result.Cause != nil {
			span.RecordError(result.Cause)
		}
		e.logger.Debug("strategy failed",
			slog.String("task", ec.Task),
			slog.String("strategy", strategy.ID()),
			slog.Duration("duration", result.Duration),
			slog.String("error", result.Error),
		)
		return result
	}

	if e.successes != nil {
		e.successes.Add(ctx, 1, attrs)
	}
	span.SetStatus(codes.Ok, "")
	e.logger.Debug("strategy succeeded",
		slog.String("task", ec.Task),
		slog.String("strategy", strategy.ID()),
		slog.Duration("duration", result.Duration),
	)
	return result
}

// timeoutFor scales the executor timeout by params.timeout_scale when a
// repair has set it.
func (e *Executor) timeoutFor(ec *Context) time.Duration {
	if e.timeout <= 0 {
		return e.timeout
	}
	v, ok := ec.Get(MetaParamTimeoutScale)
	if !ok {
		return e.timeout
	}
	scale, ok := v.(float64)
	if !ok || scale <= 0 {
		return e.timeout
	}
	return time.Duration(float64(e.timeout) * scale)
}

// TimeoutMessage is the error text of a result that exceeded its deadline.
func TimeoutMessage(timeout time.Duration) string {
	return fmt.Sprintf("Execution timeout after %dms", timeout.Milliseconds())
}

// invoke calls fn with a deadline and turns errors, panics and timeouts
// into failed results.
//
// fn runs in its own goroutine so an expired deadline returns promptly even
// if fn ignores ctx. Such an fn keeps running; its result is dropped.
func invoke(ctx context.Context, timeout time.Duration, strategyID string, fn func(context.Context) (Result, error)) Result {
	callCtx, cancel := ctx, context.CancelFunc(func() {})
	if timeout > 0 {
		callCtx, cancel = context.WithTimeout(ctx, timeout)
	}
	defer cancel()

	done := make(chan Result, 1)
	go func() {
		var (
			result Result
			err    error
		)
		var pc panics.Catcher
		pc.Try(func() {
			result, err = fn(callCtx)
		})
		if r := pc.Recovered(); r != nil {
			err = fmt.Errorf("panic: %v", r.Value)
			result = Result{}
		}
		if err != nil {
			result.Success = false
			result.Error = err.Error()
			var execErr *ExecutionError
			if errors.As(err, &execErr) {
				result.Cause = err
			} else {
				result.Cause = &ExecutionError{Kind: KindStrategyFailure, StrategyID: strategyID, Err: err}
			}
		}
		done <- result
	}()

	select {
	case result := <-done:
		return result
	case <-callCtx.Done():
		if errors.Is(callCtx.Err(), context.DeadlineExceeded) && ctx.Err() == nil {
			msg := TimeoutMessage(timeout)
			return Result{
				StrategyID: strategyID,
				Duration:   timeout,
				Error:      msg,
				Cause:      &ExecutionError{Kind: KindTimeout, StrategyID: strategyID, Err: errors.New(msg)},
			}
		}
		return Failed(strategyID, &ExecutionError{Kind: KindCancelled, StrategyID: strategyID, Err: ctx.Err()})
	}
}
