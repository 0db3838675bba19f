// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

// Package config loads the scheduler configuration.
//
// Values are layered: built-in defaults, then a YAML or JSON file, then
// DAGHEAL_* environment variables. The merged result is validated with
// struct tags before use.
package config

import (
	"encoding/json"
	"errors"
	"fmt"
	"os"
	"strings"
	"time"

	"github.com/go-playground/validator/v10"
	"gopkg.in/yaml.v3"

	"github.com/AleutianAI/dagheal/services/scheduler/execution"
	"github.com/AleutianAI/dagheal/services/scheduler/optimizer"
	"github.com/AleutianAI/dagheal/services/scheduler/storage/badger"
	"github.com/AleutianAI/dagheal/services/scheduler/telemetry"
	"github.com/AleutianAI/dagheal/services/scheduler/validation"
)

// ErrInvalidConfig wraps every validation failure.
var ErrInvalidConfig = errors.New("invalid config")

// EnvPrefix prefixes every environment override.
const EnvPrefix = "DAGHEAL_"

// Config is the top-level scheduler configuration.
//
// Thread Safety: Safe to read concurrently. Not safe to modify after Load.
type Config struct {
	Scheduler  SchedulerConfig             `json:"scheduler" yaml:"scheduler"`
	Paths      PathsConfig                 `json:"paths" yaml:"paths"`
	Validation validation.Config           `json:"validation" yaml:"validation"`
	Completion validation.CompletionConfig `json:"completion" yaml:"completion"`
	Fallback   FallbackConfig              `json:"fallback" yaml:"fallback"`
	Graph      GraphConfig                 `json:"graph" yaml:"graph"`
	Optimizer  OptimizerConfig             `json:"optimizer" yaml:"optimizer"`
	History    HistoryConfig               `json:"history" yaml:"history"`
	Logging    LoggingConfig               `json:"logging" yaml:"logging"`
	Telemetry  telemetry.Config            `json:"telemetry" yaml:"telemetry"`
	Storage    StorageConfig               `json:"storage" yaml:"storage"`
	Server     ServerConfig                `json:"server" yaml:"server"`
	LLM        LLMConfig                   `json:"llm" yaml:"llm"`
	Influx     InfluxConfig                `json:"influx" yaml:"influx"`
	Policy     PolicyConfig                `json:"policy" yaml:"policy"`
}

// SchedulerConfig controls the worker pool.
type SchedulerConfig struct {
	// Workers is the number of concurrent node workers.
	Workers int `json:"workers" yaml:"workers" validate:"gte=1,lte=1024"`

	// MaxRetries requeues a failed node up to this many times. Zero disables retries.
	MaxRetries int `json:"max_retries" yaml:"max_retries" validate:"gte=0"`

	// PollInterval bounds how long an idle worker waits before rescanning.
	PollInterval time.Duration `json:"poll_interval" yaml:"poll_interval" validate:"gt=0"`

	// RateLimit caps node dispatches per second. Zero is unlimited.
	RateLimit float64 `json:"rate_limit" yaml:"rate_limit" validate:"gte=0"`

	// Burst is the limiter burst size.
	Burst int `json:"burst" yaml:"burst" validate:"gte=0"`

	// StrategyTimeout bounds one strategy call. Zero disables it.
	StrategyTimeout time.Duration `json:"strategy_timeout" yaml:"strategy_timeout" validate:"gte=0"`

	// ReoptimizeEvery re-runs the optimizer after this many completions. Zero disables it.
	ReoptimizeEvery int `json:"reoptimize_every" yaml:"reoptimize_every" validate:"gte=0"`
}

// PathsConfig controls multi-path execution.
type PathsConfig struct {
	MaxConcurrent     int           `json:"max_concurrent" yaml:"max_concurrent" validate:"gte=1,lte=64"`
	Timeout           time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
	SelectionCriteria string        `json:"selection_criteria" yaml:"selection_criteria" validate:"oneof=FIRST_SUCCESS HIGHEST_QUALITY FASTEST MAJORITY_CONSENSUS"`
}

// PathConfig converts the section into an execution.PathConfig.
func (p PathsConfig) PathConfig() execution.PathConfig {
	return execution.PathConfig{
		MaxConcurrentPaths: p.MaxConcurrent,
		Timeout:            p.Timeout,
		SelectionCriteria:  execution.SelectionCriteria(p.SelectionCriteria),
	}
}

// FallbackConfig controls the fallback engine.
type FallbackConfig struct {
	Enabled        bool `json:"enabled" yaml:"enabled"`
	HistoryPerTask int  `json:"history_per_task" yaml:"history_per_task" validate:"gte=1"`
	MaxTasks       int  `json:"max_tasks" yaml:"max_tasks" validate:"gte=1"`
}

// GraphConfig controls graph policies.
type GraphConfig struct {
	// AutoRepairCycles removes edges to break cycles after a manifest loads.
	// When false, a cyclic manifest is rejected.
	AutoRepairCycles bool `json:"auto_repair_cycles" yaml:"auto_repair_cycles"`
}

// OptimizerConfig controls the priority optimizer.
type OptimizerConfig struct {
	TruncateDependencies bool `json:"truncate_dependencies" yaml:"truncate_dependencies"`

	// OnStart runs the optimizer once before workers start.
	OnStart bool `json:"on_start" yaml:"on_start"`
}

// Optimizer converts the section into an optimizer.Config.
func (o OptimizerConfig) Optimizer() optimizer.Config {
	return optimizer.Config{TruncateDependencies: o.TruncateDependencies}
}

// HistoryConfig bounds retained history.
type HistoryConfig struct {
	// PerContext is how many results each execution context keeps.
	PerContext int `json:"per_context" yaml:"per_context" validate:"gte=1"`

	// EventBuffer is how many events the bus retains for replay.
	EventBuffer int `json:"event_buffer" yaml:"event_buffer" validate:"gte=1"`
}

// LoggingConfig controls the process logger.
type LoggingConfig struct {
	Level string `json:"level" yaml:"level" validate:"oneof=debug info warn error"`

	// Dir, when set, also writes JSON logs to {service}_{date}.log there.
	Dir string `json:"dir" yaml:"dir"`

	// JSON forces JSON output even on a terminal.
	JSON bool `json:"json" yaml:"json"`
}

// StorageConfig controls snapshot persistence.
type StorageConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	Badger badger.Config `json:"badger" yaml:"badger"`

	// SnapshotOnFinish saves an export when a run ends.
	SnapshotOnFinish bool `json:"snapshot_on_finish" yaml:"snapshot_on_finish"`

	// RestoreOnStart loads the latest snapshot before a run.
	RestoreOnStart bool `json:"restore_on_start" yaml:"restore_on_start"`

	// Keep is how many snapshots Prune retains. Zero keeps all.
	Keep int `json:"keep" yaml:"keep" validate:"gte=0"`
}

// ServerConfig controls the HTTP API.
type ServerConfig struct {
	Addr            string        `json:"addr" yaml:"addr" validate:"required"`
	ReadTimeout     time.Duration `json:"read_timeout" yaml:"read_timeout" validate:"gte=0"`
	ShutdownTimeout time.Duration `json:"shutdown_timeout" yaml:"shutdown_timeout" validate:"gte=0"`
	GinMode         string        `json:"gin_mode" yaml:"gin_mode" validate:"oneof=debug release test"`

	// APITokens, when non-empty, require a matching bearer token on every
	// route except /v1/health and /metrics.
	APITokens []string `json:"api_tokens" yaml:"api_tokens" validate:"dive,min=16"`
}

// LLMConfig configures the chat strategy's OpenAI-compatible endpoint.
type LLMConfig struct {
	BaseURL     string        `json:"base_url" yaml:"base_url" validate:"omitempty,url"`
	APIKey      string        `json:"api_key" yaml:"api_key"`
	Model       string        `json:"model" yaml:"model"`
	MaxTokens   int           `json:"max_tokens" yaml:"max_tokens" validate:"gte=0"`
	Temperature float32       `json:"temperature" yaml:"temperature" validate:"gte=0,lte=2"`
	Timeout     time.Duration `json:"timeout" yaml:"timeout" validate:"gte=0"`
}

// InfluxConfig configures the InfluxDB event sink.
type InfluxConfig struct {
	Enabled bool   `json:"enabled" yaml:"enabled"`
	URL     string `json:"url" yaml:"url" validate:"omitempty,url"`
	Token   string `json:"token" yaml:"token"`
	Org     string `json:"org" yaml:"org"`
	Bucket  string `json:"bucket" yaml:"bucket"`
}

// PolicyConfig controls the sensitive-output validation check.
type PolicyConfig struct {
	Enabled bool `json:"enabled" yaml:"enabled"`

	// RulesFile replaces the built-in rules when set.
	RulesFile string `json:"rules_file" yaml:"rules_file"`

	// MinConfidence is the lowest finding confidence that fails validation.
	MinConfidence string `json:"min_confidence" yaml:"min_confidence" validate:"omitempty,oneof=low medium high"`
}

// Default returns the default configuration.
func Default() Config {
	return Config{
		Scheduler: SchedulerConfig{
			Workers:         4,
			PollInterval:    250 * time.Millisecond,
			StrategyTimeout: 30 * time.Second,
		},
		Paths: PathsConfig{
			MaxConcurrent:     execution.DefaultMaxConcurrentPaths,
			Timeout:           time.Minute,
			SelectionCriteria: string(execution.FirstSuccess),
		},
		Validation: validation.DefaultConfig(),
		Completion: validation.CompletionConfig{MinScore: validation.DefaultMinCompletionScore},
		Fallback:   FallbackConfig{Enabled: true, HistoryPerTask: 20, MaxTasks: 1024},
		Graph:      GraphConfig{AutoRepairCycles: true},
		Optimizer:  OptimizerConfig{TruncateDependencies: true},
		History:    HistoryConfig{PerContext: execution.DefaultHistorySize, EventBuffer: 1000},
		Logging:    LoggingConfig{Level: "info"},
		Telemetry:  telemetry.DefaultConfig(),
		Storage: StorageConfig{
			Badger: badger.DefaultConfig("./data/snapshots"),
			Keep:   20,
		},
		Server: ServerConfig{
			Addr:            ":8080",
			ReadTimeout:     15 * time.Second,
			ShutdownTimeout: 10 * time.Second,
			GinMode:         "release",
		},
		LLM: LLMConfig{
			BaseURL:     "http://localhost:11434/v1",
			Model:       "llama3",
			MaxTokens:   512,
			Temperature: 0.2,
			Timeout:     time.Minute,
		},
		Influx: InfluxConfig{URL: "http://localhost:8086"},
		Policy: PolicyConfig{MinConfidence: "medium"},
	}
}

// Load builds a configuration with priority env > file > defaults.
//
// Inputs:
//   - path: YAML or JSON file. Empty or missing means defaults only.
//
// Outputs:
//   - Config: The merged configuration.
//   - error: Non-nil if the file cannot be parsed or validation fails.
func Load(path string) (Config, error) {
	cfg := Default()

	if path != "" {
		if err := loadFile(path, &cfg); err != nil {
			return cfg, fmt.Errorf("load config file: %w", err)
		}
	}

	if err := applyEnv(&cfg, os.LookupEnv); err != nil {
		return cfg, err
	}

	if err := cfg.Validate(); err != nil {
		return cfg, err
	}
	return cfg, nil
}

func loadFile(path string, cfg *Config) error {
	data, err := os.ReadFile(path)
	if err != nil {
		if os.IsNotExist(err) {
			return nil
		}
		return err
	}

	// Try YAML first, then JSON.
	if err := yaml.Unmarshal(data, cfg); err != nil {
		if jsonErr := json.Unmarshal(data, cfg); jsonErr != nil {
			return fmt.Errorf("parse config (tried YAML and JSON): YAML error: %v, JSON error: %w", err, jsonErr)
		}
	}
	return nil
}

var validate = validator.New(validator.WithRequiredStructEnabled())

// Validate checks struct tags and cross-field constraints.
func (c Config) Validate() error {
	if err := validate.Struct(c); err != nil {
		var verrs validator.ValidationErrors
		if errors.As(err, &verrs) {
			msgs := make([]string, 0, len(verrs))
			for _, fe := range verrs {
				msgs = append(msgs, fmt.Sprintf("%s failed %q", fe.Namespace(), fe.Tag()))
			}
			return fmt.Errorf("%w: %s", ErrInvalidConfig, strings.Join(msgs, "; "))
		}
		return fmt.Errorf("%w: %v", ErrInvalidConfig, err)
	}
	if err := c.Validation.Validate(); err != nil {
		return fmt.Errorf("%w: validation: %v", ErrInvalidConfig, err)
	}
	if c.Completion.MinScore < 0 || c.Completion.MinScore > 1 {
		return fmt.Errorf("%w: completion.min_score %.2f outside [0,1]", ErrInvalidConfig, c.Completion.MinScore)
	}
	if c.Storage.Enabled && !c.Storage.Badger.InMemory && c.Storage.Badger.Path == "" {
		return fmt.Errorf("%w: storage.badger.path is required", ErrInvalidConfig)
	}
	if c.Influx.Enabled && (c.Influx.URL == "" || c.Influx.Org == "" || c.Influx.Bucket == "") {
		return fmt.Errorf("%w: influx requires url, org and bucket when enabled", ErrInvalidConfig)
	}
	return nil
}
