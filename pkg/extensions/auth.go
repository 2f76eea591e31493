// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.

package extensions

import (
	"context"
	"errors"
)

// ErrUnauthorized is returned by AuthProvider.Validate for missing,
// malformed, expired or otherwise rejected tokens.
var ErrUnauthorized = errors.New("unauthorized")

// DefaultLocalUserID is the identity of NopAuthProvider.
const DefaultLocalUserID = "local-user"

// AuthInfo is the identity behind a validated token.
type AuthInfo struct {
	// UserID is the unique identifier for the authenticated user.
	// This is the only required field and must never be empty.
	UserID string

	// Email may be empty if the token does not carry one.
	Email string

	// Roles contains the user's role memberships.
	Roles []string

	// Claims holds any other token claims.
	Claims map[string]any
}

// HasRole reports whether the user has role.
func (a *AuthInfo) HasRole(role string) bool {
	for _, r := range a.Roles {
		if r == role {
			return true
		}
	}
	return false
}

// AuthProvider validates access tokens.
//
// The token format is implementation-specific: a JWT, an API key or a
// session id. An empty token means the request carried none.
type AuthProvider interface {
	// Validate returns the identity behind token.
	//
	// Returns ErrUnauthorized (or a wrapped form) for rejected tokens and
	// other errors for provider failures.
	Validate(ctx context.Context, token string) (*AuthInfo, error)
}

// NopAuthProvider accepts every request as a single local user.
//
// Used for local single-user deployments. The token is ignored.
type NopAuthProvider struct {
	// UserID overrides DefaultLocalUserID.
	UserID string
}

// Validate always succeeds.
func (p *NopAuthProvider) Validate(_ context.Context, _ string) (*AuthInfo, error) {
	userID := p.UserID
	if userID == "" {
		userID = DefaultLocalUserID
	}
	return &AuthInfo{
		UserID: userID,
		Roles:  []string{"admin"},
	}, nil
}
