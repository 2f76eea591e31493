// Copyright (C) 2025 Aleutian AI (jinterlante@aleutian.ai)
// This program is free software: you can redistribute it and/or modify
// it under the terms of the GNU Affero General Public License as published by
// the Free Software Foundation, either version 3 of the License, or
// (at your option) any later version.
// See the LICENSE.txt file for the full license text.
//
// NOTE: This work is subject to additional terms under AGPL v3 Section 7.
// See the NOTICE.txt file for details regarding AI system attribution.

package middleware

import (
	"context"
	"fmt"

	"github.com/golang-jwt/jwt/v5"

	"github.com/AleutianAI/AleutianChat/pkg/extensions"
)

// DefaultUserClaim is the claim holding the user id.
const DefaultUserClaim = "userId"

// JWTAuthProvider validates HMAC-signed access tokens.
//
// # Description
//
// Tokens are issued elsewhere; this provider only verifies the signature
// and expiry and reads the user id claim. Only HS256/HS384/HS512 are
// accepted, which rules out "none" and algorithm-confusion tokens.
//
// # Thread Safety
//
// Safe for concurrent use.
type JWTAuthProvider struct {
	secret    []byte
	userClaim string
	parser    *jwt.Parser
}

var _ extensions.AuthProvider = (*JWTAuthProvider)(nil)

// NewJWTAuthProvider creates a provider for secret. An empty userClaim
// means DefaultUserClaim.
func NewJWTAuthProvider(secret []byte, userClaim string) (*JWTAuthProvider, error) {
	if len(secret) == 0 {
		return nil, fmt.Errorf("jwt: secret is required")
	}
	if userClaim == "" {
		userClaim = DefaultUserClaim
	}
	return &JWTAuthProvider{
		secret:    secret,
		userClaim: userClaim,
		parser: jwt.NewParser(
			jwt.WithValidMethods([]string{"HS256", "HS384", "HS512"}),
			jwt.WithExpirationRequired(),
		),
	}, nil
}

// Validate implements extensions.AuthProvider.
func (p *JWTAuthProvider) Validate(_ context.Context, token string) (*extensions.AuthInfo, error) {
	if token == "" {
		return nil, fmt.Errorf("%w: missing token", extensions.ErrUnauthorized)
	}

	claims := jwt.MapClaims{}
	_, err := p.parser.ParseWithClaims(token, claims, func(*jwt.Token) (interface{}, error) {
		return p.secret, nil
	})
	if err != nil {
		return nil, fmt.Errorf("%w: %v", extensions.ErrUnauthorized, err)
	}

	userID, _ := claims[p.userClaim].(string)
	if userID == "" {
		return nil, fmt.Errorf("%w: claim %q missing", extensions.ErrUnauthorized, p.userClaim)
	}

	info := &extensions.AuthInfo{UserID: userID, Claims: claims}
	if email, ok := claims["email"].(string); ok {
		info.Email = email
	}
	if roles, ok := claims["roles"].([]interface{}); ok {
		for _, r := range roles {
			if s, ok := r.(string); ok {
				info.Roles = append(info.Roles, s)
			}
		}
	}
	return info, nil
}
