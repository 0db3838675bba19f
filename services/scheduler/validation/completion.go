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
	"reflect"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
)

// DefaultMinCompletionScore is the weighted score strict mode requires.
const DefaultMinCompletionScore = 0.8

// CompletionConfig controls the completion gate.
type CompletionConfig struct {
	StrictMode bool    `json:"strict_mode" yaml:"strict_mode"`
	MinScore   float64 `json:"min_score" yaml:"min_score"`
}

// CompletionCheck is the outcome of one completion criterion.
type CompletionCheck struct {
	ID       string         `json:"id"`
	Name     string         `json:"name"`
	Passed   bool           `json:"passed"`
	Severity Severity       `json:"severity"`
	Message  string         `json:"message"`
	Details  map[string]any `json:"details,omitempty"`
}

// CompletionReport is the verdict for a node's final result.
type CompletionReport struct {
	Completed        bool              `json:"completed"`
	Score            float64           `json:"score"`
	Checks           []CompletionCheck `json:"checks"`
	CriticalFailures []string          `json:"criticalFailures,omitempty"`
}

// FailedChecks returns the ids of failed checks.
func (r CompletionReport) FailedChecks() []string {
	var out []string
	for _, c := range r.Checks {
		if !c.Passed {
			out = append(out, c.ID)
		}
	}
	return out
}

// Weight returns the completion weight of a severity.
func Weight(s Severity) float64 {
	switch s {
	case SeverityCritical:
		return 3
	case SeverityHigh:
		return 2
	case SeverityMedium:
		return 1
	case SeverityLow:
		return 0.5
	default:
		return 0
	}
}

// CompletionChecker decides whether a node's final result counts as done.
//
// Description:
//
//	Eight independent checks run against the result and the execution
//	context metadata. The score is the weight of passed checks over the
//	total weight. A node is completed when no critical check failed and,
//	in strict mode, the score reaches MinScore.
type CompletionChecker struct {
	config CompletionConfig
}

// NewCompletionChecker creates a checker. A zero MinScore uses the default.
func NewCompletionChecker(config CompletionConfig) *CompletionChecker {
	if config.MinScore <= 0 {
		config.MinScore = DefaultMinCompletionScore
	}
	return &CompletionChecker{config: config}
}

type completionCriterion struct {
	id       string
	name     string
	severity Severity
	eval     func(res execution.Result, ec *execution.Context) (bool, string, map[string]any)
}

var completionCriteria = []completionCriterion{
	{"execution-success", "Execution Success", SeverityCritical, func(res execution.Result, _ *execution.Context) (bool, string, map[string]any) {
		if res.Success {
			return true, "execution succeeded", nil
		}
		return false, "execution failed", map[string]any{"error": res.Error}
	}},
	{"output-validity", "Output Validity", SeverityHigh, func(res execution.Result, _ *execution.Context) (bool, string, map[string]any) {
		if isEmpty(res.Output) {
			return false, "no output produced", nil
		}
		return true, "output present", map[string]any{"type": fmt.Sprintf("%T", res.Output)}
	}},
	{"validation-status", "Validation Status", SeverityHigh, func(res execution.Result, _ *execution.Context) (bool, string, map[string]any) {
		if res.Metrics.ValidationPassed {
			return true, "validation passed", nil
		}
		return false, "validation did not pass", nil
	}},
	{"governance-compliance", "Governance Compliance", SeverityMedium, func(_ execution.Result, ec *execution.Context) (bool, string, map[string]any) {
		if ec.GetBool(execution.MetaGovernanceCompliant) {
			return true, "governance requirements met", nil
		}
		return false, "governance compliance not established", nil
	}},
	{"artifact-generation", "Artifact Generation", SeverityLow, func(_ execution.Result, ec *execution.Context) (bool, string, map[string]any) {
		v, _ := ec.Get(execution.MetaArtifacts)
		if isEmpty(v) {
			return false, "no artifacts recorded", nil
		}
		return true, "artifacts recorded", map[string]any{"artifacts": v}
	}},
	{"traceability", "Traceability", SeverityMedium, func(_ execution.Result, ec *execution.Context) (bool, string, map[string]any) {
		if id := ec.GetString(execution.MetaTraceID); id != "" {
			return true, "trace id recorded", map[string]any{"trace_id": id}
		}
		return false, "no trace id", nil
	}},
	{"provability", "Provability", SeverityLow, func(_ execution.Result, ec *execution.Context) (bool, string, map[string]any) {
		if h := ec.GetString(execution.MetaEvidenceHash); h != "" {
			return true, "evidence hash recorded", map[string]any{"hash": h}
		}
		return false, "no evidence hash", nil
	}},
	{"side-effects", "Side Effects", SeverityMedium, func(_ execution.Result, ec *execution.Context) (bool, string, map[string]any) {
		v, _ := ec.Get(execution.MetaUnexpectedEffects)
		clean := isEmpty(v)
		if b, ok := v.(bool); ok {
			clean = !b
		}
		if clean {
			return true, "no unexpected side effects", nil
		}
		return false, "unexpected side effects reported", map[string]any{"side_effects": v}
	}},
}

// Check scores res against all completion criteria.
func (c *CompletionChecker) Check(res execution.Result, ec *execution.Context) CompletionReport {
	var (
		report     CompletionReport
		total, won float64
	)
	for _, crit := range completionCriteria {
		passed, msg, details := crit.eval(res, ec)
		report.Checks = append(report.Checks, CompletionCheck{
			ID:       crit.id,
			Name:     crit.name,
			Passed:   passed,
			Severity: crit.severity,
			Message:  msg,
			Details:  details,
		})
		w := Weight(crit.severity)
		total += w
		if passed {
			won += w
		} else if crit.severity == SeverityCritical {
			report.CriticalFailures = append(report.CriticalFailures, crit.id)
		}
	}

	report.Score = math.Round(won/total*1e4) / 1e4
	report.Completed = len(report.CriticalFailures) == 0 &&
		(!c.config.StrictMode || report.Score >= c.config.MinScore)
	return report
}

// isEmpty reports nil values, empty strings and empty collections.
func isEmpty(v any) bool {
	if v == nil {
		return true
	}
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.String, reflect.Slice, reflect.Map, reflect.Array:
		return rv.Len() == 0
	case reflect.Pointer, reflect.Interface:
		return rv.IsNil()
	}
	return false
}
