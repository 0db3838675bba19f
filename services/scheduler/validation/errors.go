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
	"errors"
	"fmt"
)

// Sentinel errors for the validation package.
var (
	// ErrThresholdNotMet means the loop ran out of iterations before the
	// validation score reached the threshold.
	ErrThresholdNotMet = errors.New("validation threshold not met")

	// ErrUnrepairableCritical means strict mode stopped on a critical issue
	// that no repair strategy can address.
	ErrUnrepairableCritical = errors.New("unrepairable critical issue")

	// ErrUnknownRepairStrategy is returned when dispatching an unregistered strategy.
	ErrUnknownRepairStrategy = errors.New("unknown repair strategy")

	// ErrInvalidConfig is returned when loop or checker configuration is invalid.
	ErrInvalidConfig = errors.New("invalid validation config")
)

// ErrorKind distinguishes ValidationError causes.
type ErrorKind int

const (
	KindThresholdNotMet ErrorKind = iota + 1
	KindUnrepairableCritical
)

// String returns the kind name.
func (k ErrorKind) String() string {
	switch k {
	case KindThresholdNotMet:
		return "ThresholdNotMet"
	case KindUnrepairableCritical:
		return "UnrepairableCritical"
	default:
		return "Unknown"
	}
}

// ValidationError explains why a validation loop did not converge.
type ValidationError struct {
	Kind       ErrorKind
	Score      float64
	Threshold  float64
	Iterations int
	Issues     []Issue
}

// Error returns the error message.
func (e *ValidationError) Error() string {
	return fmt.Sprintf("%s after %d iteration(s): score %.2f, threshold %.2f, %d issue(s)",
		e.Kind, e.Iterations, e.Score, e.Threshold, len(e.Issues))
}

// Unwrap returns the sentinel matching the error kind.
func (e *ValidationError) Unwrap() error {
	switch e.Kind {
	case KindThresholdNotMet:
		return ErrThresholdNotMet
	case KindUnrepairableCritical:
		return ErrUnrepairableCritical
	default:
		return nil
	}
}
