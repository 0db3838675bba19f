// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package config

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// envBinding maps one DAGHEAL_* variable onto a field.
type envBinding struct {
	name string
	set  func(c *Config, v string) error
}

func intVar(dst func(*Config) *int) func(*Config, string) error {
	return func(c *Config, v string) error {
		i, err := strconv.Atoi(v)
		if err != nil {
			return err
		}
		*dst(c) = i
		return nil
	}
}

func floatVar(dst func(*Config) *float64) func(*Config, string) error {
	return func(c *Config, v string) error {
		f, err := strconv.ParseFloat(v, 64)
		if err != nil {
			return err
		}
		*dst(c) = f
		return nil
	}
}

func boolVar(dst func(*Config) *bool) func(*Config, string) error {
	return func(c *Config, v string) error {
		b, err := strconv.ParseBool(v)
		if err != nil {
			return err
		}
		*dst(c) = b
		return nil
	}
}

func durationVar(dst func(*Config) *time.Duration) func(*Config, string) error {
	return func(c *Config, v string) error {
		d, err := time.ParseDuration(v)
		if err != nil {
			return err
		}
		*dst(c) = d
		return nil
	}
}

func stringVar(dst func(*Config) *string) func(*Config, string) error {
	return func(c *Config, v string) error {
		*dst(c) = v
		return nil
	}
}

func listVar(dst func(*Config) *[]string) func(*Config, string) error {
	return func(c *Config, v string) error {
		var out []string
		for _, item := range strings.Split(v, ",") {
			if item = strings.TrimSpace(item); item != "" {
				out = append(out, item)
			}
		}
		*dst(c) = out
		return nil
	}
}

var envBindings = []envBinding{
	{"SCHEDULER_WORKERS", intVar(func(c *Config) *int { return &c.Scheduler.Workers })},
	{"SCHEDULER_MAX_RETRIES", intVar(func(c *Config) *int { return &c.Scheduler.MaxRetries })},
	{"SCHEDULER_POLL_INTERVAL", durationVar(func(c *Config) *time.Duration { return &c.Scheduler.PollInterval })},
	{"SCHEDULER_RATE_LIMIT", floatVar(func(c *Config) *float64 { return &c.Scheduler.RateLimit })},
	{"SCHEDULER_STRATEGY_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Scheduler.StrategyTimeout })},
	{"PATHS_MAX_CONCURRENT", intVar(func(c *Config) *int { return &c.Paths.MaxConcurrent })},
	{"PATHS_TIMEOUT", durationVar(func(c *Config) *time.Duration { return &c.Paths.Timeout })},
	{"PATHS_SELECTION_CRITERIA", stringVar(func(c *Config) *string { return &c.Paths.SelectionCriteria })},
	{"VALIDATION_MAX_ITERATIONS", intVar(func(c *Config) *int { return &c.Validation.MaxIterations })},
	{"VALIDATION_THRESHOLD", floatVar(func(c *Config) *float64 { return &c.Validation.ValidationThreshold })},
	{"VALIDATION_AUTO_REPAIR", boolVar(func(c *Config) *bool { return &c.Validation.AutoRepairEnabled })},
	{"VALIDATION_STRICT_MODE", boolVar(func(c *Config) *bool { return &c.Validation.StrictMode })},
	{"COMPLETION_STRICT_MODE", boolVar(func(c *Config) *bool { return &c.Completion.StrictMode })},
	{"COMPLETION_MIN_SCORE", floatVar(func(c *Config) *float64 { return &c.Completion.MinScore })},
	{"FALLBACK_ENABLED", boolVar(func(c *Config) *bool { return &c.Fallback.Enabled })},
	{"GRAPH_AUTO_REPAIR_CYCLES", boolVar(func(c *Config) *bool { return &c.Graph.AutoRepairCycles })},
	{"OPTIMIZER_TRUNCATE_DEPENDENCIES", boolVar(func(c *Config) *bool { return &c.Optimizer.TruncateDependencies })},
	{"LOG_LEVEL", stringVar(func(c *Config) *string { return &c.Logging.Level })},
	{"LOG_DIR", stringVar(func(c *Config) *string { return &c.Logging.Dir })},
	{"STORAGE_ENABLED", boolVar(func(c *Config) *bool { return &c.Storage.Enabled })},
	{"STORAGE_PATH", stringVar(func(c *Config) *string { return &c.Storage.Badger.Path })},
	{"SERVER_ADDR", stringVar(func(c *Config) *string { return &c.Server.Addr })},
	{"SERVER_API_TOKENS", listVar(func(c *Config) *[]string { return &c.Server.APITokens })},
	{"LLM_BASE_URL", stringVar(func(c *Config) *string { return &c.LLM.BaseURL })},
	{"LLM_API_KEY", stringVar(func(c *Config) *string { return &c.LLM.APIKey })},
	{"LLM_MODEL", stringVar(func(c *Config) *string { return &c.LLM.Model })},
	{"INFLUX_ENABLED", boolVar(func(c *Config) *bool { return &c.Influx.Enabled })},
	{"INFLUX_URL", stringVar(func(c *Config) *string { return &c.Influx.URL })},
	{"INFLUX_TOKEN", stringVar(func(c *Config) *string { return &c.Influx.Token })},
	{"INFLUX_ORG", stringVar(func(c *Config) *string { return &c.Influx.Org })},
	{"INFLUX_BUCKET", stringVar(func(c *Config) *string { return &c.Influx.Bucket })},
	{"POLICY_ENABLED", boolVar(func(c *Config) *bool { return &c.Policy.Enabled })},
	{"POLICY_RULES_FILE", stringVar(func(c *Config) *string { return &c.Policy.RulesFile })},
}

// applyEnv overlays DAGHEAL_* variables. Malformed values are errors.
func applyEnv(c *Config, lookup func(string) (string, bool)) error {
	for _, b := range envBindings {
		v, ok := lookup(EnvPrefix + b.name)
		if !ok || v == "" {
			continue
		}
		if err := b.set(c, v); err != nil {
			return fmt.Errorf("%w: %s%s=%q: %v", ErrInvalidConfig, EnvPrefix, b.name, v, err)
		}
	}
	return nil
}
