// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"crypto/rand"
	"crypto/rsa"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"testing"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/jwx/v3/jwk"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

const testKeyID = "test-key-1"

// newJWKSServer serves a JWKS containing the public half of the returned
// signing key.
func newJWKSServer(t *testing.T) (*httptest.Server, *rsa.PrivateKey) {
	t.Helper()

	priv, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	pub, err := jwk.Import(priv.Public())
	require.NoError(t, err)
	require.NoError(t, pub.Set(jwk.KeyIDKey, testKeyID))
	require.NoError(t, pub.Set(jwk.AlgorithmKey, "RS256"))

	set := jwk.NewSet()
	require.NoError(t, set.AddKey(pub))

	payload, err := json.Marshal(set)
	require.NoError(t, err)

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write(payload)
	}))
	t.Cleanup(srv.Close)
	return srv, priv
}

func signToken(t *testing.T, priv *rsa.PrivateKey, claims jwt.MapClaims) string {
	t.Helper()
	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, claims)
	tok.Header["kid"] = testKeyID
	signed, err := tok.SignedString(priv)
	require.NoError(t, err)
	return signed
}

func TestValidator_JWKSPath(t *testing.T) {
	t.Parallel()
	srv, priv := newJWKSServer(t)

	v, err := NewValidator(context.Background(), ValidatorConfig{
		JWKSURL:  srv.URL,
		Issuer:   "https://as.example.com",
		Audience: "https://mcp.example.com",
	})
	require.NoError(t, err)

	token := signToken(t, priv, jwt.MapClaims{
		"sub":   "user-1",
		"iss":   "https://as.example.com",
		"aud":   "https://mcp.example.com",
		"scope": "read",
		"exp":   time.Now().Add(time.Hour).Unix(),
		"iat":   time.Now().Unix(),
	})

	ac, err := v.ValidateToken(context.Background(), token)
	require.NoError(t, err)
	assert.Equal(t, "user-1", ac.UserID)
	assert.Equal(t, []string{"read"}, ac.Scopes)
	assert.Equal(t, HashToken(token), ac.TokenHash)
}

func TestValidator_JWKSRejectsBadIssuerAndExpiry(t *testing.T) {
	t.Parallel()
	srv, priv := newJWKSServer(t)

	v, err := NewValidator(context.Background(), ValidatorConfig{
		JWKSURL: srv.URL,
		Issuer:  "https://as.example.com",
	})
	require.NoError(t, err)
	ctx := context.Background()

	wrongIssuer := signToken(t, priv, jwt.MapClaims{
		"sub": "u", "iss": "https://evil.example.com",
		"exp": time.Now().Add(time.Hour).Unix(),
	})
	_, err = v.ValidateToken(ctx, wrongIssuer)
	assert.ErrorIs(t, err, ErrInvalidIssuer)

	expired := signToken(t, priv, jwt.MapClaims{
		"sub": "u", "iss": "https://as.example.com",
		"exp": time.Now().Add(-time.Hour).Unix(),
	})
	_, err = v.ValidateToken(ctx, expired)
	assert.ErrorIs(t, err, ErrTokenExpired)
}

func TestValidator_JWKSRejectsUnknownKey(t *testing.T) {
	t.Parallel()
	srv, _ := newJWKSServer(t)

	otherKey, err := rsa.GenerateKey(rand.Reader, 2048)
	require.NoError(t, err)

	v, err := NewValidator(context.Background(), ValidatorConfig{JWKSURL: srv.URL})
	require.NoError(t, err)

	tok := jwt.NewWithClaims(jwt.SigningMethodRS256, jwt.MapClaims{
		"sub": "u", "exp": time.Now().Add(time.Hour).Unix(),
	})
	tok.Header["kid"] = "unknown-key"
	signed, err := tok.SignedString(otherKey)
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), signed)
	assert.ErrorIs(t, err, ErrInvalidToken)
}

func TestValidator_IntrospectionPath(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		user, pass, ok := r.BasicAuth()
		require.True(t, ok)
		assert.Equal(t, "client-1", user)
		assert.Equal(t, "secret", pass)
		require.NoError(t, r.ParseForm())
		assert.Equal(t, "opaque-token", r.Form.Get("token"))

		w.Header().Set("Content-Type", "application/json")
		_, _ = w.Write([]byte(`{
			"active": true,
			"sub": "user-2",
			"client_id": "client-1",
			"scope": "read write",
			"exp": ` + jsonInt(time.Now().Add(time.Hour).Unix()) + `
		}`))
	}))
	t.Cleanup(srv.Close)

	v, err := NewValidator(context.Background(), ValidatorConfig{
		IntrospectionURL:  srv.URL,
		IntrospectionMode: IntrospectionAuthBasic,
		ClientID:          "client-1",
		ClientSecret:      "secret",
	})
	require.NoError(t, err)

	ac, err := v.ValidateToken(context.Background(), "opaque-token")
	require.NoError(t, err)
	assert.Equal(t, "user-2", ac.UserID)
	assert.Equal(t, []string{"read", "write"}, ac.Scopes)
}

func jsonInt(n int64) string {
	data, _ := json.Marshal(n)
	return string(data)
}

func TestValidator_IntrospectionInactiveToken(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, _ *http.Request) {
		_, _ = w.Write([]byte(`{"active": false}`))
	}))
	t.Cleanup(srv.Close)

	v, err := NewValidator(context.Background(), ValidatorConfig{IntrospectionURL: srv.URL})
	require.NoError(t, err)

	_, err = v.ValidateToken(context.Background(), "revoked")
	assert.ErrorIs(t, err, ErrTokenInactive)
}

func TestValidator_IntrospectionBearerAuth(t *testing.T) {
	t.Parallel()

	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		assert.Equal(t, "Bearer service-token", r.Header.Get("Authorization"))
		_, _ = w.Write([]byte(`{"active": true, "sub": "user-3"}`))
	}))
	t.Cleanup(srv.Close)

	v, err := NewValidator(context.Background(), ValidatorConfig{
		IntrospectionURL:  srv.URL,
		IntrospectionMode: IntrospectionAuthBearer,
		BearerToken:       "service-token",
	})
	require.NoError(t, err)

	ac, err := v.ValidateToken(context.Background(), "opaque")
	require.NoError(t, err)
	assert.Equal(t, "user-3", ac.UserID)
}

func TestNewValidator_RequiresAPath(t *testing.T) {
	t.Parallel()

	_, err := NewValidator(context.Background(), ValidatorConfig{})
	assert.ErrorIs(t, err, ErrNoValidationPath)
}
