// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package extensions

import (
	"context"
	"log/slog"
	"time"
)

// Audit outcomes.
const (
	OutcomeSuccess = "success"
	OutcomeFailure = "failure"
	OutcomeDenied  = "denied"
)

// AuditEvent records one security-relevant action.
type AuditEvent struct {
	// EventType is "category.action", e.g. "api.write".
	EventType string
	Timestamp time.Time
	UserID    string
	Action    string

	// Resource is the route template; ResourceID the concrete id, if any.
	Resource   string
	ResourceID string

	Outcome   string
	RequestID string
	Status    int
	Duration  time.Duration
}

// AuditLogger persists audit events.
type AuditLogger interface {
	Log(ctx context.Context, event AuditEvent) error
}

// NopAuditLogger discards events.
type NopAuditLogger struct{}

// Log implements AuditLogger.
func (l *NopAuditLogger) Log(context.Context, AuditEvent) error { return nil }

// SlogAuditLogger writes events as structured log records.
type SlogAuditLogger struct {
	logger *slog.Logger
}

// NewSlogAuditLogger creates an audit logger on logger.
func NewSlogAuditLogger(logger *slog.Logger) *SlogAuditLogger {
	if logger == nil {
		logger = slog.Default()
	}
	return &SlogAuditLogger{logger: logger.With(slog.String("component", "audit"))}
}

// Log implements AuditLogger. Denied and failed actions log at warn.
func (l *SlogAuditLogger) Log(ctx context.Context, e AuditEvent) error {
	if e.Timestamp.IsZero() {
		e.Timestamp = time.Now().UTC()
	}
	level := slog.LevelInfo
	if e.Outcome != OutcomeSuccess {
		level = slog.LevelWarn
	}
	l.logger.LogAttrs(ctx, level, "audit",
		slog.String("event_type", e.EventType),
		slog.Time("at", e.Timestamp),
		slog.String("user_id", e.UserID),
		slog.String("action", e.Action),
		slog.String("resource", e.Resource),
		slog.String("resource_id", e.ResourceID),
		slog.String("outcome", e.Outcome),
		slog.String("request_id", e.RequestID),
		slog.Int("status", e.Status),
		slog.Duration("duration", e.Duration),
	)
	return nil
}
