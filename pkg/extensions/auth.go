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
	"crypto/subtle"
	"errors"
	"fmt"
	"slices"
)

// ErrUnauthorized is returned when a token is missing or invalid.
var ErrUnauthorized = errors.New("unauthorized")

// ErrForbidden is returned when an authenticated caller may not act.
var ErrForbidden = errors.New("forbidden")

// Roles understood by RoleAuthorizer.
const (
	RoleViewer   = "viewer"
	RoleOperator = "operator"
)

// AuthInfo identifies an authenticated caller.
type AuthInfo struct {
	// UserID is never empty.
	UserID string
	Roles  []string
}

// HasRole reports whether the caller holds role.
func (a *AuthInfo) HasRole(role string) bool {
	return a != nil && slices.Contains(a.Roles, role)
}

// AuthProvider validates bearer tokens.
type AuthProvider interface {
	// Validate returns the caller's identity or an error wrapping ErrUnauthorized.
	Validate(ctx context.Context, token string) (*AuthInfo, error)

	// Required reports whether requests without a token are rejected.
	Required() bool
}

// NopAuthProvider accepts every request as a local operator.
type NopAuthProvider struct{}

// Validate implements AuthProvider.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	return &AuthInfo{UserID: "local", Roles: []string{RoleOperator}}, nil
}

// Required implements AuthProvider.
func (p *NopAuthProvider) Required() bool { return false }

// TokenAuthProvider checks tokens against a fixed table.
//
// Thread Safety: immutable after construction.
type TokenAuthProvider struct {
	tokens map[string]AuthInfo
}

// NewTokenAuthProvider creates a provider over token -> identity.
func NewTokenAuthProvider(tokens map[string]AuthInfo) *TokenAuthProvider {
	cp := make(map[string]AuthInfo, len(tokens))
	for k, v := range tokens {
		cp[k] = v
	}
	return &TokenAuthProvider{tokens: cp}
}

// OperatorTokens gives each token an operator identity named token-N.
func OperatorTokens(tokens []string) map[string]AuthInfo {
	out := make(map[string]AuthInfo, len(tokens))
	for i, t := range tokens {
		out[t] = AuthInfo{UserID: fmt.Sprintf("token-%d", i+1), Roles: []string{RoleOperator}}
	}
	return out
}

// Validate implements AuthProvider. Every stored token is compared in
// constant time.
func (p *TokenAuthProvider) Validate(_ context.Context, token string) (*AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("missing bearer token: %w", ErrUnauthorized)
	}
	var found *AuthInfo
	for t, info := range p.tokens {
		if subtle.ConstantTimeCompare([]byte(t), []byte(token)) == 1 {
			info := info
			found = &info
		}
	}
	if found == nil {
		return nil, fmt.Errorf("unknown token: %w", ErrUnauthorized)
	}
	return found, nil
}

// Required implements AuthProvider.
func (p *TokenAuthProvider) Required() bool { return true }

// AuthzRequest describes an attempted action.
type AuthzRequest struct {
	User *AuthInfo

	// Action is "read" or "write".
	Action string

	// Resource is the route template, e.g. /v1/nodes/:id.
	Resource string
}

// AuthzProvider decides whether a request may proceed.
type AuthzProvider interface {
	// Authorize returns nil or an error wrapping ErrForbidden.
	Authorize(ctx context.Context, req AuthzRequest) error
}

// NopAuthzProvider allows everything.
type NopAuthzProvider struct{}

// Authorize implements AuthzProvider.
func (p *NopAuthzProvider) Authorize(context.Context, AuthzRequest) error { return nil }

// RoleAuthorizer lets viewers read and operators read and write.
type RoleAuthorizer struct{}

// Authorize implements AuthzProvider.
func (RoleAuthorizer) Authorize(_ context.Context, req AuthzRequest) error {
	switch {
	case req.User.HasRole(RoleOperator):
		return nil
	case req.Action == "read" && req.User.HasRole(RoleViewer):
		return nil
	}
	user := "anonymous"
	if req.User != nil {
		user = req.User.UserID
	}
	return fmt.Errorf("%s may not %s %s: %w", user, req.Action, req.Resource, ErrForbidden)
}
