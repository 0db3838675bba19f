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
	"bytes"
	"context"
	"errors"
	"log/slog"
	"strings"
	"testing"
)

func TestDefaultOptions(t *testing.T) {
	opts := DefaultOptions()
	if opts.AuthProvider == nil || opts.AuthzProvider == nil || opts.AuditLogger == nil {
		t.Fatalf("DefaultOptions() left a nil hook: %+v", opts)
	}
	if opts.AuthProvider.Required() {
		t.Error("default auth should not require a token")
	}
}

func TestServiceOptions_WithDefaults(t *testing.T) {
	tokens := NewTokenAuthProvider(nil)
	opts := ServiceOptions{}.WithAuth(tokens).WithDefaults()

	if opts.AuthProvider != tokens {
		t.Error("WithDefaults replaced a configured provider")
	}
	if _, ok := opts.AuditLogger.(*NopAuditLogger); !ok {
		t.Errorf("AuditLogger = %T, want *NopAuditLogger", opts.AuditLogger)
	}
	if _, ok := opts.AuthzProvider.(*NopAuthzProvider); !ok {
		t.Errorf("AuthzProvider = %T, want *NopAuthzProvider", opts.AuthzProvider)
	}
}

func TestTokenAuthProvider_Validate(t *testing.T) {
	p := NewTokenAuthProvider(OperatorTokens([]string{"aaaaaaaaaaaaaaaa", "bbbbbbbbbbbbbbbb"}))
	ctx := context.Background()

	info, err := p.Validate(ctx, "bbbbbbbbbbbbbbbb")
	if err != nil {
		t.Fatalf("Validate() error = %v", err)
	}
	if info.UserID != "token-2" || !info.HasRole(RoleOperator) {
		t.Errorf("Validate() = %+v", info)
	}

	for _, tok := range []string{"", "aaaa", "cccccccccccccccc"} {
		if _, err := p.Validate(ctx, tok); !errors.Is(err, ErrUnauthorized) {
			t.Errorf("Validate(%q) error = %v, want ErrUnauthorized", tok, err)
		}
	}
	if !p.Required() {
		t.Error("token auth should be required")
	}
}

func TestRoleAuthorizer(t *testing.T) {
	viewer := &AuthInfo{UserID: "v", Roles: []string{RoleViewer}}
	operator := &AuthInfo{UserID: "o", Roles: []string{RoleOperator}}
	ctx := context.Background()

	tests := []struct {
		name    string
		user    *AuthInfo
		action  string
		allowed bool
	}{
		{"viewer reads", viewer, "read", true},
		{"viewer writes", viewer, "write", false},
		{"operator writes", operator, "write", true},
		{"anonymous reads", nil, "read", false},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			err := RoleAuthorizer{}.Authorize(ctx, AuthzRequest{User: tt.user, Action: tt.action, Resource: "/v1/nodes"})
			if tt.allowed && err != nil {
				t.Errorf("Authorize() error = %v", err)
			}
			if !tt.allowed && !errors.Is(err, ErrForbidden) {
				t.Errorf("Authorize() error = %v, want ErrForbidden", err)
			}
		})
	}
}

func TestSlogAuditLogger_Log(t *testing.T) {
	var buf bytes.Buffer
	l := NewSlogAuditLogger(slog.New(slog.NewJSONHandler(&buf, nil)))

	err := l.Log(context.Background(), AuditEvent{
		EventType:  "api.write",
		UserID:     "token-1",
		Action:     "POST",
		Resource:   "/v1/nodes",
		ResourceID: "lint",
		Outcome:    OutcomeDenied,
		Status:     403,
	})
	if err != nil {
		t.Fatalf("Log() error = %v", err)
	}

	out := buf.String()
	for _, want := range []string{`"level":"WARN"`, `"component":"audit"`, `"user_id":"token-1"`, `"outcome":"denied"`, `"status":403`} {
		if !strings.Contains(out, want) {
			t.Errorf("audit record missing %s: %s", want, out)
		}
	}
}
