// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package orchestrator

import (
	"errors"
	"fmt"
	"strings"
)

var (
	// ErrIncomplete is the cause recorded on a node whose final result did
	// not pass the completion gate.
	ErrIncomplete = errors.New("node did not complete")

	// ErrStalled is returned by Run when pending nodes remain but none can
	// become ready.
	ErrStalled = errors.New("scheduler stalled")

	// ErrSnapshotsDisabled is returned by snapshot operations when no
	// snapshot store was configured.
	ErrSnapshotsDisabled = errors.New("snapshots are not configured")

	// ErrNilNode is returned by Submit for a nil node.
	ErrNilNode = errors.New("node must not be nil")
)

// incompleteError builds the cause recorded when the completion gate fails.
func incompleteError(failedChecks []string, cause error) error {
	msg := "no checks failed"
	if len(failedChecks) > 0 {
		msg = "failed checks: " + strings.Join(failedChecks, ", ")
	}
	if cause != nil {
		return fmt.Errorf("%w (%s): %w", ErrIncomplete, msg, cause)
	}
	return fmt.Errorf("%w (%s)", ErrIncomplete, msg)
}
