// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package validation

import (
	"context"
	"fmt"
	"sync"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
)

// RepairHandler attempts to fix one issue before the next iteration.
//
// Handlers usually adjust context metadata that strategies read on their
// next execution.
type RepairHandler func(ctx context.Context, issue Issue, ec *execution.Context) error

// RepairResult lists which issues a repair pass handled.
type RepairResult struct {
	Repaired []string `json:"repaired"`
	Failed   []string `json:"failed"`
}

// RepairDispatcher routes issues to handlers by repair strategy name.
//
// Thread Safety: safe for concurrent use.
type RepairDispatcher struct {
	mu       sync.RWMutex
	handlers map[string]RepairHandler
}

func noopRepair(context.Context, Issue, *execution.Context) error { return nil }

// NewRepairDispatcher creates a dispatcher where every built-in repair
// strategy is a no-op that reports success.
func NewRepairDispatcher() *RepairDispatcher {
	return &RepairDispatcher{handlers: map[string]RepairHandler{
		RepairRetryDifferentStrategy: noopRepair,
		RepairAdjustParameters:       noopRepair,
		RepairOptimizeMemory:         noopRepair,
		RepairEnableAutoRepair:       noopRepair,
	}}
}

// DefaultRepairDispatcher creates a dispatcher whose built-in handlers
// record parameter hints in the execution context.
//
//   - retry-with-different-strategy sets params.strategy_hint to "alternate".
//   - adjust-execution-parameters multiplies params.timeout_scale by 1.5,
//     which the executor applies to its timeout.
//   - optimize-memory-usage sets params.memory_limit_mb to the high-memory threshold.
//   - enable-auto-repair sets params.auto_repair.
//
// The memory limit and auto-repair flags are hints for strategies; the
// built-in strategies ignore them.
func DefaultRepairDispatcher() *RepairDispatcher {
	d := NewRepairDispatcher()
	d.Register(RepairRetryDifferentStrategy, func(_ context.Context, _ Issue, ec *execution.Context) error {
		ec.Set(execution.MetaParamStrategyHint, "alternate")
		return nil
	})
	d.Register(RepairAdjustParameters, func(_ context.Context, _ Issue, ec *execution.Context) error {
		scale := 1.0
		if v, ok := ec.Get(execution.MetaParamTimeoutScale); ok {
			if f, ok := v.(float64); ok && f > 0 {
				scale = f
			}
		}
		ec.Set(execution.MetaParamTimeoutScale, scale*1.5)
		return nil
	})
	d.Register(RepairOptimizeMemory, func(_ context.Context, _ Issue, ec *execution.Context) error {
		ec.Set(execution.MetaParamMemoryLimitMB, float64(HighMemoryThresholdMB))
		return nil
	})
	d.Register(RepairEnableAutoRepair, func(_ context.Context, _ Issue, ec *execution.Context) error {
		ec.Set(execution.MetaParamAutoRepair, true)
		return nil
	})
	return d
}

// Register installs or replaces the handler for a repair strategy.
func (d *RepairDispatcher) Register(name string, h RepairHandler) {
	d.mu.Lock()
	defer d.mu.Unlock()
	d.handlers[name] = h
}

// Dispatch runs one issue's handler.
func (d *RepairDispatcher) Dispatch(ctx context.Context, issue Issue, ec *execution.Context) error {
	d.mu.RLock()
	h, ok := d.handlers[issue.RepairStrategy]
	d.mu.RUnlock()
	if !ok {
		return fmt.Errorf("%w: %q", ErrUnknownRepairStrategy, issue.RepairStrategy)
	}
	return h(ctx, issue, ec)
}

// Repair dispatches every repairable issue and reports the outcome.
// Issues that are not repairable are skipped.
func (d *RepairDispatcher) Repair(ctx context.Context, issues []Issue, ec *execution.Context) RepairResult {
	var out RepairResult
	for _, is := range issues {
		if !is.Repairable {
			continue
		}
		if err := d.Dispatch(ctx, is, ec); err != nil {
			out.Failed = append(out.Failed, is.ID)
			continue
		}
		out.Repaired = append(out.Repaired, is.ID)
	}
	return out
}
