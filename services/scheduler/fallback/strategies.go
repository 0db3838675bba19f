// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package fallback

import (
	"context"
	"fmt"
	"math"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
)

const (
	// MinimalMaxFailures is the failure count below which Minimal applies.
	MinimalMaxFailures = 5

	// ManualMaxFailures is the failure count below which ManualIntervention applies.
	ManualMaxFailures = 10

	// LastResortConfidence is the fixed confidence of LastResort.
	LastResortConfidence = 0.3
)

// DecayingConfidence is 0.7 minus 0.1 per failed strategy, floored at 0.4.
func DecayingConfidence(failed int) float64 {
	c := math.Max(0.4, 0.7-0.1*float64(failed))
	return math.Round(c*100) / 100
}

// PartialResult is the output of Minimal.
type PartialResult struct {
	Task             string   `json:"task"`
	Mode             string   `json:"mode"`
	FailedStrategies []string `json:"failedStrategies"`
	Note             string   `json:"note"`
}

// ReviewRequest is the output of ManualIntervention.
type ReviewRequest struct {
	Task             string   `json:"task"`
	Reason           string   `json:"reason"`
	FailedStrategies []string `json:"failedStrategies"`
	LastErrors       []string `json:"lastErrors"`
	SuggestedActions []string `json:"suggestedActions"`
}

// EscalationReport is the output of LastResort.
type EscalationReport struct {
	Task             string   `json:"task"`
	Severity         string   `json:"severity"`
	Attempts         int      `json:"attempts"`
	FailedStrategies []string `json:"failedStrategies"`
	LastErrors       []string `json:"lastErrors"`
	Recommendation   string   `json:"recommendation"`
}

// lastErrors collects up to n recent error strings from the context.
func lastErrors(ec *execution.Context, n int) []string {
	var out []string
	h := ec.History()
	for i := len(h) - 1; i >= 0 && len(out) < n; i-- {
		if h[i].Error != "" {
			out = append(out, h[i].Error)
		}
	}
	return out
}

// Minimal returns a partial success while few strategies have failed.
type Minimal struct{}

func (Minimal) Name() string       { return "minimal" }
func (Minimal) Priority() int      { return 1 }
func (Minimal) IsLastResort() bool { return false }

func (Minimal) CanHandle(_ *execution.Context, failed []string) bool {
	return len(failed) < MinimalMaxFailures
}

func (Minimal) Execute(_ context.Context, ec *execution.Context, failed []string) (Outcome, error) {
	return Outcome{
		Success:    true,
		Confidence: DecayingConfidence(len(failed)),
		Message:    "minimal fallback produced a partial result",
		Output: PartialResult{
			Task:             ec.Task,
			Mode:             "minimal",
			FailedStrategies: append([]string(nil), failed...),
			Note:             fmt.Sprintf("%d strateg(ies) failed; result is partial", len(failed)),
		},
	}, nil
}

// ManualIntervention requests human review.
type ManualIntervention struct{}

func (ManualIntervention) Name() string       { return "manual-intervention" }
func (ManualIntervention) Priority() int      { return 2 }
func (ManualIntervention) IsLastResort() bool { return false }

func (ManualIntervention) CanHandle(_ *execution.Context, failed []string) bool {
	return len(failed) < ManualMaxFailures
}

func (ManualIntervention) Execute(_ context.Context, ec *execution.Context, failed []string) (Outcome, error) {
	return Outcome{
		Success:    false,
		Confidence: DecayingConfidence(len(failed)),
		Message:    "manual review requested",
		Output: ReviewRequest{
			Task:             ec.Task,
			Reason:           fmt.Sprintf("%d strategies failed", len(failed)),
			FailedStrategies: append([]string(nil), failed...),
			LastErrors:       lastErrors(ec, 3),
			SuggestedActions: []string{
				"inspect the last errors",
				"adjust strategy configuration",
				"requeue the node once fixed",
			},
		},
	}, nil
}

// LastResort always applies and escalates.
type LastResort struct{}

func (LastResort) Name() string       { return "last-resort" }
func (LastResort) Priority() int      { return 3 }
func (LastResort) IsLastResort() bool { return true }

func (LastResort) CanHandle(*execution.Context, []string) bool { return true }

func (LastResort) Execute(_ context.Context, ec *execution.Context, failed []string) (Outcome, error) {
	return Outcome{
		Success:    false,
		Confidence: LastResortConfidence,
		Message:    "all strategies exhausted; escalated",
		Output: EscalationReport{
			Task:             ec.Task,
			Severity:         "critical",
			Attempts:         ec.Attempts(),
			FailedStrategies: append([]string(nil), failed...),
			LastErrors:       lastErrors(ec, 5),
			Recommendation:   "escalate to an operator",
		},
	}, nil
}
