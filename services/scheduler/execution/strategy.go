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
	"context"
)

// Strategy is one way of carrying out a task.
//
// Implementations should honor ctx cancellation. A strategy that ignores it
// keeps running in the background after its result has been discarded.
type Strategy interface {
	// ID names the strategy. It must be stable and unique within a run.
	ID() string

	// Execute performs the work. A returned error marks the result failed.
	Execute(ctx context.Context, ec *Context) (Result, error)
}

// StrategyFunc adapts a function to the Strategy interface.
type StrategyFunc struct {
	Name string
	Fn   func(ctx context.Context, ec *Context) (Result, error)
}

// NewStrategy creates a Strategy from a function.
func NewStrategy(id string, fn func(ctx context.Context, ec *Context) (Result, error)) Strategy {
	return StrategyFunc{Name: id, Fn: fn}
}

// ID implements Strategy.
func (s StrategyFunc) ID() string { return s.Name }

// Execute implements Strategy.
func (s StrategyFunc) Execute(ctx context.Context, ec *Context) (Result, error) {
	return s.Fn(ctx, ec)
}
