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
	"errors"
	"fmt"
)

// Sentinel errors for the execution package.
var (
	// ErrInvalidInput is returned when input validation fails.
	ErrInvalidInput = errors.New("invalid input")

	// ErrNoStrategies is returned when a runner is given nothing to run.
	ErrNoStrategies = errors.New("no strategies to execute")

	// ErrStrategyFailed marks a strategy that returned an error or panicked.
	ErrStrategyFailed = errors.New("strategy failed")

	// ErrTimeout marks a strategy or path that exceeded its deadline.
	ErrTimeout = errors.New("execution timed out")

	// ErrCancelled marks a path abandoned before it finished.
	ErrCancelled = errors.New("execution cancelled")
)

// ErrorKind distinguishes ExecutionError causes.
type ErrorKind int

const (
	// KindStrategyFailure means the strategy returned an error or panicked.
	KindStrategyFailure ErrorKind = iota + 1

	// KindTimeout means the strategy did not finish within its deadline.
	KindTimeout

	// KindCancelled means the path was cancelled by its caller.
	KindCancelled
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindStrategyFailure:
		return "StrategyFailure"
	case KindTimeout:
		return "Timeout"
	case KindCancelled:
		return "Cancelled"
	default:
		return "Unknown"
	}
}

// ExecutionError wraps a failure with the strategy that caused it.
//
// errors.Is matches both the kind sentinel and the wrapped cause.
type ExecutionError struct {
	Kind       ErrorKind
	StrategyID string
	Err        error
}

// Error returns the error message.
func (e *ExecutionError) Error() string {
	if e.Err == nil {
		return fmt.Sprintf("strategy %q: %s", e.StrategyID, e.Kind)
	}
	return fmt.Sprintf("strategy %q: %v", e.StrategyID, e.Err)
}

// Unwrap returns the kind sentinel and the underlying error.
func (e *ExecutionError) Unwrap() []error {
	var sentinel error
	switch e.Kind {
	case KindStrategyFailure:
		sentinel = ErrStrategyFailed
	case KindTimeout:
		sentinel = ErrTimeout
	case KindCancelled:
		sentinel = ErrCancelled
	}
	out := make([]error, 0, 2)
	if sentinel != nil {
		out = append(out, sentinel)
	}
	if e.Err != nil {
		out = append(out, e.Err)
	}
	return out
}
