// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package policy scans node outputs for sensitive content.
//
// Rules are YAML classifications of regular expressions, each with a
// confidence. The built-in rules are embedded in the binary; a deployment
// may load its own file instead. Check adapts an engine into a
// validation.Check so leaking outputs fail validation and are repaired.
package policy

import (
	_ "embed"
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"regexp"
	"sort"
	"strings"

	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/validation"
)

//go:embed rules.yaml
var defaultRules []byte

// ClassPublic is what Classify returns when nothing matches.
const ClassPublic = "public"

// ErrInvalidRules wraps rule parse and compile failures.
var ErrInvalidRules = errors.New("invalid policy rules")

// Confidence ranks how likely a match is a true positive.
type Confidence string

const (
	Low    Confidence = "low"
	Medium Confidence = "medium"
	High   Confidence = "high"
)

func (c Confidence) rank() int {
	switch c {
	case High:
		return 3
	case Medium:
		return 2
	case Low:
		return 1
	}
	return 0
}

// UnmarshalYAML rejects unknown confidence levels.
func (c *Confidence) UnmarshalYAML(value *yaml.Node) error {
	var s string
	if err := value.Decode(&s); err != nil {
		return err
	}
	switch Confidence(s) {
	case High, Medium, Low:
		*c = Confidence(s)
		return nil
	default:
		return fmt.Errorf("invalid confidence %q", s)
	}
}

// ParseConfidence converts a config string. Empty means Medium.
func ParseConfidence(s string) (Confidence, error) {
	if s == "" {
		return Medium, nil
	}
	c := Confidence(strings.ToLower(s))
	if c.rank() == 0 {
		return "", fmt.Errorf("invalid confidence %q", s)
	}
	return c, nil
}

type rulesFile struct {
	Classifications []Classification `yaml:"classifications"`
}

// Classification groups patterns under one label.
type Classification struct {
	Name        string    `yaml:"name"`
	Description string    `yaml:"description"`
	Priority    int       `yaml:"priority"`
	Patterns    []Pattern `yaml:"patterns"`
}

// Pattern is one regular expression.
type Pattern struct {
	ID          string     `yaml:"id"`
	Description string     `yaml:"description"`
	Regex       string     `yaml:"regex"`
	Confidence  Confidence `yaml:"confidence"`

	re *regexp.Regexp
}

// Finding is one match. Matched is masked so findings can be logged.
type Finding struct {
	Line           int        `json:"line"`
	Classification string     `json:"classification"`
	PatternID      string     `json:"patternId"`
	Confidence     Confidence `json:"confidence"`
	Matched        string     `json:"matched"`
}

// Engine holds compiled rules, highest priority first.
//
// Thread Safety: immutable after construction.
type Engine struct {
	classes []Classification
}

// New parses and compiles YAML rules.
func New(data []byte) (*Engine, error) {
	var f rulesFile
	if err := yaml.Unmarshal(data, &f); err != nil {
		return nil, fmt.Errorf("%w: %v", ErrInvalidRules, err)
	}
	for i := range f.Classifications {
		c := &f.Classifications[i]
		for j := range c.Patterns {
			p := &c.Patterns[j]
			re, err := regexp.Compile(p.Regex)
			if err != nil {
				return nil, fmt.Errorf("%w: pattern %s: %v", ErrInvalidRules, p.ID, err)
			}
			p.re = re
		}
	}
	sort.SliceStable(f.Classifications, func(i, j int) bool {
		return f.Classifications[i].Priority > f.Classifications[j].Priority
	})
	return &Engine{classes: f.Classifications}, nil
}

// Default returns an engine over the embedded rules.
func Default() (*Engine, error) {
	return New(defaultRules)
}

// Load reads rules from path, or the embedded rules when path is empty.
func Load(path string) (*Engine, error) {
	if path == "" {
		return Default()
	}
	data, err := os.ReadFile(path)
	if err != nil {
		return nil, fmt.Errorf("read policy rules: %w", err)
	}
	return New(data)
}

// Classify returns the highest-priority classification matching data.
func (e *Engine) Classify(data []byte) string {
	for _, c := range e.classes {
		for _, p := range c.Patterns {
			if p.re.Match(data) {
				return c.Name
			}
		}
	}
	return ClassPublic
}

// Scan reports every match in content, line by line.
func (e *Engine) Scan(content string) []Finding {
	var out []Finding
	for n, line := range strings.Split(content, "\n") {
		for _, c := range e.classes {
			for _, p := range c.Patterns {
				m := p.re.FindString(line)
				if m == "" {
					continue
				}
				out = append(out, Finding{
					Line:           n + 1,
					Classification: c.Name,
					PatternID:      p.ID,
					Confidence:     p.Confidence,
					Matched:        mask(strings.TrimSpace(m)),
				})
			}
		}
	}
	return out
}

// mask keeps the first and last two characters.
func mask(s string) string {
	if len(s) <= 6 {
		return strings.Repeat("*", len(s))
	}
	return s[:2] + strings.Repeat("*", len(s)-4) + s[len(s)-2:]
}

// CheckName is the validation issue id produced by Check.
const CheckName = "sensitive-output"

// Check returns a validation check that flags outputs with findings at or
// above threshold. High-confidence findings are critical, which makes
// the iteration invalid; others are high severity.
func (e *Engine) Check(threshold Confidence) validation.Check {
	return validation.CheckFunc{ID: CheckName, Fn: func(res execution.Result, _ *execution.Context) *validation.Issue {
		if res.Output == nil {
			return nil
		}
		text, ok := res.Output.(string)
		if !ok {
			b, err := json.Marshal(res.Output)
			if err != nil {
				return nil
			}
			text = string(b)
		}

		var ids []string
		severity := validation.SeverityHigh
		for _, f := range e.Scan(text) {
			if f.Confidence.rank() < threshold.rank() {
				continue
			}
			ids = append(ids, f.PatternID)
			if f.Confidence == High {
				severity = validation.SeverityCritical
			}
		}
		if len(ids) == 0 {
			return nil
		}
		return &validation.Issue{
			Severity:       severity,
			Type:           "policy",
			Message:        fmt.Sprintf("output matched sensitive pattern(s): %s", strings.Join(dedupe(ids), ", ")),
			Repairable:     true,
			RepairStrategy: validation.RepairRetryDifferentStrategy,
		}
	}}
}

func dedupe(ids []string) []string {
	seen := make(map[string]bool, len(ids))
	out := ids[:0]
	for _, id := range ids {
		if !seen[id] {
			seen[id] = true
			out = append(out, id)
		}
	}
	return out
}
