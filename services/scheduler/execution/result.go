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
	"time"
)

// ResourceUsage reports what a strategy consumed.
type ResourceUsage struct {
	MemoryMB   float64 `json:"memoryMB"`
	CPUPercent float64 `json:"cpuPercent"`
	DiskIO     float64 `json:"diskIO"`
	NetworkIO  float64 `json:"networkIO"`
}

// Metrics describes how a strategy execution went.
type Metrics struct {
	ResourceUsage       ResourceUsage `json:"resourceUsage"`
	OperationsPerformed int           `json:"operationsPerformed"`
	ValidationPassed    bool          `json:"validationPassed"`
	HealingApplied      bool          `json:"healingApplied"`
}

// Result is the outcome of one strategy execution.
//
// Results are values; once produced they are not modified.
type Result struct {
	Success    bool          `json:"success"`
	StrategyID string        `json:"strategyId"`
	Duration   time.Duration `json:"duration"`
	Output     any           `json:"output,omitempty"`
	Error      string        `json:"error,omitempty"`
	Metrics    Metrics       `json:"metrics"`

	// Cause is the typed error behind Error, if any.
	Cause error `json:"-"`
}

// Failed builds an unsuccessful result for strategyID.
func Failed(strategyID string, err error) Result {
	r := Result{StrategyID: strategyID, Cause: err}
	if err != nil {
		r.Error = err.Error()
	}
	return r
}

// RepairRecord is one auto-repair pass over a result's issues.
type RepairRecord struct {
	Iteration  int       `json:"iteration"`
	StrategyID string    `json:"strategyId"`
	Repaired   []string  `json:"repaired"`
	Failed     []string  `json:"failed"`
	At         time.Time `json:"at"`
}
