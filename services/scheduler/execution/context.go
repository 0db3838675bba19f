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
	"sync"

	"github.com/google/uuid"

	"github.com/AleutianAI/dagheal/services/scheduler/history"
)

// Well-known metadata keys read by repair handlers and completion checks.
const (
	MetaGovernanceCompliant = "governance.compliant"
	MetaArtifacts           = "artifacts"
	MetaTraceID             = "trace_id"
	MetaEvidenceHash        = "evidence.hash"
	MetaUnexpectedEffects   = "side_effects.unexpected"
	MetaNodeType            = "node.type"
	MetaFailedStrategies    = "failed_strategies"

	// Parameters adjusted by repair handlers. Executor.Run applies the
	// timeout scale; the others are hints that strategies may honor.
	MetaParamStrategyHint  = "params.strategy_hint"
	MetaParamTimeoutScale  = "params.timeout_scale"
	MetaParamMemoryLimitMB = "params.memory_limit_mb"
	MetaParamAutoRepair    = "params.auto_repair"
)

// DefaultHistorySize bounds how many results a Context keeps.
const DefaultHistorySize = 32

// Context carries the state of one node's execution.
//
// Description:
//
//	A Context is created per dispatch and shared by every path, validation
//	iteration and fallback attempt for that node. History and repair logs
//	are append-only and bounded; the oldest entries are dropped first.
//
// Thread Safety:
//
//	Safe for concurrent use. Parallel paths share one Context.
type Context struct {
	// ID uniquely identifies this dispatch.
	ID string

	// Task names the work, usually the node id.
	Task string

	// Target is the opaque payload strategies act on.
	Target any

	mu       sync.RWMutex
	attempts int
	results  *history.RingBuffer[Result]
	repairs  *history.RingBuffer[RepairRecord]
	metadata map[string]any
}

// NewContext creates a context for task.
//
// Inputs:
//
//	task - Task name, usually the node id.
//	target - Payload handed to strategies. May be nil.
//	historySize - Results kept. Non-positive uses DefaultHistorySize.
func NewContext(task string, target any, historySize int) *Context {
	if historySize <= 0 {
		historySize = DefaultHistorySize
	}
	return &Context{
		ID:       uuid.NewString(),
		Task:     task,
		Target:   target,
		results:  history.NewRingBuffer[Result](historySize),
		repairs:  history.NewRingBuffer[RepairRecord](historySize),
		metadata: make(map[string]any),
	}
}

// Attempts returns how many strategy executions have started.
func (c *Context) Attempts() int {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.attempts
}

// IncrementAttempts records a new execution and returns the updated count.
func (c *Context) IncrementAttempts() int {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.attempts++
	return c.attempts
}

// RecordResult appends to the result history.
func (c *Context) RecordResult(r Result) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.results.Push(r)
}

// History returns recorded results, oldest first.
func (c *Context) History() []Result {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results.Items()
}

// LastResult returns the newest recorded result.
func (c *Context) LastResult() (Result, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.results.Newest()
}

// RecordRepair appends to the repair history.
func (c *Context) RecordRepair(r RepairRecord) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.repairs.Push(r)
}

// Repairs returns recorded repair passes, oldest first.
func (c *Context) Repairs() []RepairRecord {
	c.mu.RLock()
	defer c.mu.RUnlock()
	return c.repairs.Items()
}

// Set stores a metadata value.
func (c *Context) Set(key string, value any) {
	c.mu.Lock()
	defer c.mu.Unlock()
	c.metadata[key] = value
}

// Get returns a metadata value.
func (c *Context) Get(key string) (any, bool) {
	c.mu.RLock()
	defer c.mu.RUnlock()
	v, ok := c.metadata[key]
	return v, ok
}

// GetBool returns a boolean metadata value, or false if absent or not a bool.
func (c *Context) GetBool(key string) bool {
	v, _ := c.Get(key)
	b, _ := v.(bool)
	return b
}

// GetString returns a string metadata value, or "" if absent or not a string.
func (c *Context) GetString(key string) string {
	v, _ := c.Get(key)
	s, _ := v.(string)
	return s
}

// Metadata returns a shallow copy of the metadata map.
func (c *Context) Metadata() map[string]any {
	c.mu.RLock()
	defer c.mu.RUnlock()
	out := make(map[string]any, len(c.metadata))
	for k, v := range c.metadata {
		out[k] = v
	}
	return out
}
