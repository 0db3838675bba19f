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
	"fmt"
	"math"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
)

// Severity ranks how serious an issue or failed check is.
type Severity string

const (
	SeverityCritical Severity = "critical"
	SeverityHigh     Severity = "high"
	SeverityMedium   Severity = "medium"
	SeverityLow      Severity = "low"
)

// Repair strategy names understood by the default dispatcher.
const (
	RepairRetryDifferentStrategy = "retry-with-different-strategy"
	RepairAdjustParameters       = "adjust-execution-parameters"
	RepairOptimizeMemory         = "optimize-memory-usage"
	RepairEnableAutoRepair       = "enable-auto-repair"
)

// HighMemoryThresholdMB is the memory use above which high-memory fires.
const HighMemoryThresholdMB = 1000

// Issue is a problem found in an execution result.
type Issue struct {
	ID             string   `json:"id"`
	Severity       Severity `json:"severity"`
	Type           string   `json:"type"`
	Message        string   `json:"message"`
	Repairable     bool     `json:"repairable"`
	RepairStrategy string   `json:"repairStrategy,omitempty"`
}

// Result is the outcome of validating one execution result.
type Result struct {
	Valid  bool    `json:"valid"`
	Score  float64 `json:"score"`
	Passed int     `json:"passed"`
	Total  int     `json:"total"`
	Issues []Issue `json:"issues"`
}

// HasUnrepairableCritical reports whether a critical issue cannot be repaired.
func (r Result) HasUnrepairableCritical() bool {
	for _, is := range r.Issues {
		if is.Severity == SeverityCritical && !is.Repairable {
			return true
		}
	}
	return false
}

// Check inspects a result and reports at most one issue.
type Check interface {
	Name() string
	Check(res execution.Result, ec *execution.Context) *Issue
}

// CheckFunc adapts a function to Check.
type CheckFunc struct {
	ID string
	Fn func(res execution.Result, ec *execution.Context) *Issue
}

// Name implements Check.
func (c CheckFunc) Name() string { return c.ID }

// Check implements Check.
func (c CheckFunc) Check(res execution.Result, ec *execution.Context) *Issue {
	return c.Fn(res, ec)
}

// Validator runs the built-in checks plus any extras.
//
// Built-ins run in order: execution-success, metrics-validation,
// high-memory, then the extras, and healing-not-applied last because it
// depends on whether anything else failed.
type Validator struct {
	extra []Check
}

// NewValidator creates a validator with additional checks.
func NewValidator(extra ...Check) *Validator {
	return &Validator{extra: extra}
}

// Validate runs all checks and scores the result.
func (v *Validator) Validate(res execution.Result, ec *execution.Context) Result {
	checks := []Check{
		CheckFunc{ID: "execution-success", Fn: checkExecutionSuccess},
		CheckFunc{ID: "metrics-validation", Fn: checkMetricsValidation},
		CheckFunc{ID: "high-memory", Fn: checkHighMemory},
	}
	checks = append(checks, v.extra...)

	var issues []Issue
	total := len(checks) + 1
	for _, c := range checks {
		if is := c.Check(res, ec); is != nil {
			if is.ID == "" {
				is.ID = c.Name()
			}
			issues = append(issues, *is)
		}
	}
	if len(issues) > 0 && !res.Metrics.HealingApplied {
		issues = append(issues, Issue{
			ID:             "healing-not-applied",
			Severity:       SeverityLow,
			Type:           "healing",
			Message:        fmt.Sprintf("%d issue(s) present and no healing applied", len(issues)),
			Repairable:     true,
			RepairStrategy: RepairEnableAutoRepair,
		})
	}

	return Result{
		Valid:  !hasSeverity(issues, SeverityCritical),
		Score:  Score(total-len(issues), total, issues),
		Passed: total - len(issues),
		Total:  total,
		Issues: issues,
	}
}

// Score computes passed/total minus severity penalties, floored at 0.
//
// Penalties are 0.3 per critical, 0.2 per high, 0.1 per medium and 0.05
// per low issue.
func Score(passed, total int, issues []Issue) float64 {
	if total <= 0 {
		return 0
	}
	s := float64(passed) / float64(total)
	for _, is := range issues {
		switch is.Severity {
		case SeverityCritical:
			s -= 0.3
		case SeverityHigh:
			s -= 0.2
		case SeverityMedium:
			s -= 0.1
		case SeverityLow:
			s -= 0.05
		}
	}
	// Round away float noise so 0.5 stays 0.5.
	s = math.Round(s*1e9) / 1e9
	return math.Max(0, s)
}

func hasSeverity(issues []Issue, sev Severity) bool {
	for _, is := range issues {
		if is.Severity == sev {
			return true
		}
	}
	return false
}

func checkExecutionSuccess(res execution.Result, _ *execution.Context) *Issue {
	if res.Success {
		return nil
	}
	msg := "execution failed"
	if res.Error != "" {
		msg = res.Error
	}
	return &Issue{
		Severity:       SeverityCritical,
		Type:           "execution",
		Message:        msg,
		Repairable:     true,
		RepairStrategy: RepairRetryDifferentStrategy,
	}
}

func checkMetricsValidation(res execution.Result, _ *execution.Context) *Issue {
	if res.Metrics.ValidationPassed {
		return nil
	}
	return &Issue{
		Severity:       SeverityMedium,
		Type:           "metrics",
		Message:        "result metrics did not pass validation",
		Repairable:     true,
		RepairStrategy: RepairAdjustParameters,
	}
}

func checkHighMemory(res execution.Result, _ *execution.Context) *Issue {
	mem := res.Metrics.ResourceUsage.MemoryMB
	if mem <= HighMemoryThresholdMB {
		return nil
	}
	return &Issue{
		Severity:       SeverityMedium,
		Type:           "resource",
		Message:        fmt.Sprintf("memory usage %.0fMB exceeds %dMB", mem, HighMemoryThresholdMB),
		Repairable:     true,
		RepairStrategy: RepairOptimizeMemory,
	}
}
