// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

// Package auth provides bearer token validation and the per-request
// authorization context for the MCP runtime.
package auth

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"
)

// Context represents an authenticated principal attached to a request and,
// once bound, to a session. It is propagated to handlers as an explicit
// field rather than through request-local storage.
type Context struct {
	// UserID is the token subject ('sub' claim).
	UserID string `json:"userId"`

	// ClientID comes from 'client_id', falling back to 'azp'.
	ClientID string `json:"clientId,omitempty"`

	// Scopes are parsed from a space-delimited 'scope' claim or a
	// 'scopes' array claim.
	Scopes []string `json:"scopes,omitempty"`

	// Audience is the 'aud' claim normalised to an array.
	Audience []string `json:"audience,omitempty"`

	// Issuer is the authorization server that minted the token.
	Issuer string `json:"issuer,omitempty"`

	// TokenType is the scheme the token was presented with.
	TokenType string `json:"tokenType"`

	// TokenHash is the SHA-256 of the access token, used as the
	// token-to-session mapping key. The raw token is never stored.
	TokenHash string `json:"tokenHash"`

	// ExpiresAt and IssuedAt come from the 'exp' and 'iat' claims.
	ExpiresAt time.Time `json:"expiresAt,omitempty"`
	IssuedAt  time.Time `json:"issuedAt,omitempty"`

	// RefreshToken, when present, enables background refresh.
	RefreshToken string `json:"refreshToken,omitempty"`
}

// HashToken returns the hex-encoded SHA-256 of an access token.
func HashToken(token string) string {
	sum := sha256.Sum256([]byte(token))
	return hex.EncodeToString(sum[:])
}

// FromClaims builds a Context from validated token claims.
func FromClaims(claims jwt.MapClaims, rawToken string) (*Context, error) {
	sub, err := claims.GetSubject()
	if err != nil || sub == "" {
		return nil, fmt.Errorf("token has no subject: %w", err)
	}

	ac := &Context{
		UserID:    sub,
		ClientID:  stringClaim(claims, "client_id"),
		TokenType: "Bearer",
		TokenHash: HashToken(rawToken),
	}
	if ac.ClientID == "" {
		ac.ClientID = stringClaim(claims, "azp")
	}

	ac.Scopes = scopesFromClaims(claims)

	if aud, err := claims.GetAudience(); err == nil {
		ac.Audience = []string(aud)
	}
	if iss, err := claims.GetIssuer(); err == nil {
		ac.Issuer = iss
	}
	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		ac.ExpiresAt = exp.Time
	}
	if iat, err := claims.GetIssuedAt(); err == nil && iat != nil {
		ac.IssuedAt = iat.Time
	}

	return ac, nil
}

// HasScope reports whether the context carries the given scope.
func (c *Context) HasScope(scope string) bool {
	for _, s := range c.Scopes {
		if s == scope {
			return true
		}
	}
	return false
}

// String returns a representation safe for logging; no token material.
func (c *Context) String() string {
	if c == nil {
		return "<nil>"
	}
	return fmt.Sprintf("auth.Context{UserID:%q, ClientID:%q}", c.UserID, c.ClientID)
}

func stringClaim(claims jwt.MapClaims, name string) string {
	if v, ok := claims[name].(string); ok {
		return v
	}
	return ""
}

// scopesFromClaims handles both the RFC 8693 space-delimited 'scope' string
// and the array-valued 'scopes' claim some servers emit.
func scopesFromClaims(claims jwt.MapClaims) []string {
	if scope, ok := claims["scope"].(string); ok && scope != "" {
		return strings.Fields(scope)
	}
	if raw, ok := claims["scopes"].([]any); ok {
		scopes := make([]string, 0, len(raw))
		for _, v := range raw {
			if s, ok := v.(string); ok {
				scopes = append(scopes, s)
			}
		}
		return scopes
	}
	return nil
}

// contextKey is the context.Context key type for the auth context.
type contextKey struct{}

// WithContext attaches the auth context to a context.Context.
func WithContext(ctx context.Context, ac *Context) context.Context {
	return context.WithValue(ctx, contextKey{}, ac)
}

// FromContext extracts the auth context, if any.
func FromContext(ctx context.Context) (*Context, bool) {
	ac, ok := ctx.Value(contextKey{}).(*Context)
	return ac, ok
}

