// SPDX-FileCopyrightText: Copyright 2025 Caldera Labs
// SPDX-License-Identifier: Apache-2.0

package auth

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"net/http"
	"net/url"
	"strings"
	"sync"
	"time"

	"github.com/golang-jwt/jwt/v5"
	"github.com/lestrrat-go/httprc/v3"
	"github.com/lestrrat-go/jwx/v3/jwk"
)

// Validation errors.
var (
	ErrMissingToken     = errors.New("missing or malformed bearer token")
	ErrInvalidToken     = errors.New("invalid token")
	ErrTokenExpired     = errors.New("token expired")
	ErrInvalidIssuer    = errors.New("invalid issuer")
	ErrInvalidAudience  = errors.New("invalid audience")
	ErrTokenInactive    = errors.New("token is not active")
	ErrNoValidationPath = errors.New("no JWKS URL or introspection endpoint configured")
)

// IntrospectionAuth selects how the introspection request authenticates to
// the authorization server (RFC 7662 section 2.1 leaves this open).
type IntrospectionAuth string

// Supported introspection authentication modes.
const (
	IntrospectionAuthNone   IntrospectionAuth = "none"
	IntrospectionAuthBearer IntrospectionAuth = "bearer"
	IntrospectionAuthBasic  IntrospectionAuth = "basic"
)

// ValidatorConfig configures token validation. Exactly one validation path
// is used: JWKS when JWKSURL is set, introspection otherwise.
type ValidatorConfig struct {
	// Issuer, when set, must match the token's iss claim.
	Issuer string

	// Audience, when set, must appear in the token's aud claim.
	Audience string

	// JWKSURL selects JWT validation against the published key set.
	JWKSURL string

	// IntrospectionURL selects RFC 7662 introspection for opaque tokens.
	IntrospectionURL  string
	IntrospectionMode IntrospectionAuth

	// ClientID and ClientSecret authenticate the introspection request in
	// basic mode; BearerToken in bearer mode.
	ClientID     string
	ClientSecret string
	BearerToken  string

	// HTTPClient overrides the client used for JWKS and introspection.
	HTTPClient *http.Client
}

// Validator validates bearer tokens and produces auth contexts. The JWKS
// is cached with automatic refresh; registration of the JWKS URL is lazy
// so construction never blocks on the network.
type Validator struct {
	cfg        ValidatorConfig
	httpClient *http.Client

	jwksCache *jwk.Cache

	regMu   sync.Mutex
	regDone bool
	regErr  error
}

// NewValidator creates a validator. ctx bounds the lifetime of the JWKS
// auto-refresh machinery.
func NewValidator(ctx context.Context, cfg ValidatorConfig) (*Validator, error) {
	if cfg.JWKSURL == "" && cfg.IntrospectionURL == "" {
		return nil, ErrNoValidationPath
	}

	httpClient := cfg.HTTPClient
	if httpClient == nil {
		httpClient = &http.Client{Timeout: 10 * time.Second}
	}

	v := &Validator{cfg: cfg, httpClient: httpClient}

	if cfg.JWKSURL != "" {
		cache, err := jwk.NewCache(ctx, httprc.NewClient(httprc.WithHTTPClient(httpClient)))
		if err != nil {
			return nil, fmt.Errorf("failed to create JWKS cache: %w", err)
		}
		v.jwksCache = cache
	}
	return v, nil
}

// ValidateToken validates a bearer token and returns its auth context.
func (v *Validator) ValidateToken(ctx context.Context, token string) (*Context, error) {
	var claims jwt.MapClaims
	var err error

	if v.jwksCache != nil {
		claims, err = v.validateJWT(ctx, token)
	} else {
		claims, err = v.introspect(ctx, token)
	}
	if err != nil {
		return nil, err
	}

	if err := v.validateClaims(claims); err != nil {
		return nil, err
	}
	return FromClaims(claims, token)
}

func (v *Validator) validateJWT(ctx context.Context, tokenString string) (jwt.MapClaims, error) {
	token, err := jwt.Parse(tokenString, func(t *jwt.Token) (any, error) {
		return v.keyFromJWKS(ctx, t)
	})
	if err != nil {
		if errors.Is(err, jwt.ErrTokenExpired) {
			return nil, ErrTokenExpired
		}
		return nil, fmt.Errorf("%w: %w", ErrInvalidToken, err)
	}

	claims, ok := token.Claims.(jwt.MapClaims)
	if !ok {
		return nil, fmt.Errorf("%w: unexpected claims type", ErrInvalidToken)
	}
	return claims, nil
}

// ensureRegistered registers the JWKS URL with the cache once. The cache
// refreshes the key set in the background from then on.
func (v *Validator) ensureRegistered(ctx context.Context) error {
	v.regMu.Lock()
	defer v.regMu.Unlock()

	if v.regDone {
		return v.regErr
	}

	regCtx, cancel := context.WithTimeout(ctx, 5*time.Second)
	defer cancel()

	if err := v.jwksCache.Register(regCtx, v.cfg.JWKSURL); err != nil {
		v.regErr = fmt.Errorf("failed to register JWKS URL: %w", err)
	}
	v.regDone = true
	return v.regErr
}

func (v *Validator) keyFromJWKS(ctx context.Context, token *jwt.Token) (any, error) {
	if err := v.ensureRegistered(ctx); err != nil {
		return nil, err
	}

	switch token.Method.(type) {
	case *jwt.SigningMethodRSA, *jwt.SigningMethodECDSA:
	default:
		return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
	}

	kid, ok := token.Header["kid"].(string)
	if !ok {
		return nil, errors.New("token header missing kid")
	}

	keySet, err := v.jwksCache.Lookup(ctx, v.cfg.JWKSURL)
	if err != nil {
		return nil, fmt.Errorf("failed to lookup JWKS: %w", err)
	}

	key, found := keySet.LookupKeyID(kid)
	if !found {
		return nil, fmt.Errorf("key ID %s not found in JWKS", kid)
	}

	var rawKey any
	if err := jwk.Export(key, &rawKey); err != nil {
		return nil, fmt.Errorf("failed to export key: %w", err)
	}
	return rawKey, nil
}

// introspect posts the token to the RFC 7662 endpoint and converts the
// response into claims.
func (v *Validator) introspect(ctx context.Context, token string) (jwt.MapClaims, error) {
	form := url.Values{"token": {token}}
	req, err := http.NewRequestWithContext(ctx, http.MethodPost, v.cfg.IntrospectionURL,
		strings.NewReader(form.Encode()))
	if err != nil {
		return nil, fmt.Errorf("failed to build introspection request: %w", err)
	}
	req.Header.Set("Content-Type", "application/x-www-form-urlencoded")

	switch v.cfg.IntrospectionMode {
	case IntrospectionAuthBasic:
		req.SetBasicAuth(v.cfg.ClientID, v.cfg.ClientSecret)
	case IntrospectionAuthBearer:
		req.Header.Set("Authorization", "Bearer "+v.cfg.BearerToken)
	case IntrospectionAuthNone, "":
	default:
		return nil, fmt.Errorf("unknown introspection auth mode: %s", v.cfg.IntrospectionMode)
	}

	resp, err := v.httpClient.Do(req)
	if err != nil {
		return nil, fmt.Errorf("introspection request failed: %w", err)
	}
	defer resp.Body.Close()

	if resp.StatusCode != http.StatusOK {
		return nil, fmt.Errorf("introspection endpoint returned %d", resp.StatusCode)
	}

	var body map[string]any
	if err := json.NewDecoder(resp.Body).Decode(&body); err != nil {
		return nil, fmt.Errorf("failed to decode introspection response: %w", err)
	}

	active, _ := body["active"].(bool)
	if !active {
		return nil, ErrTokenInactive
	}
	delete(body, "active")
	return jwt.MapClaims(body), nil
}

func (v *Validator) validateClaims(claims jwt.MapClaims) error {
	if v.cfg.Issuer != "" {
		iss, err := claims.GetIssuer()
		if err != nil || strings.TrimSpace(iss) != strings.TrimSpace(v.cfg.Issuer) {
			return ErrInvalidIssuer
		}
	}

	if v.cfg.Audience != "" {
		audiences, err := claims.GetAudience()
		if err != nil {
			return ErrInvalidAudience
		}
		found := false
		for _, aud := range audiences {
			if aud == v.cfg.Audience {
				found = true
				break
			}
		}
		if !found {
			return ErrInvalidAudience
		}
	}

	if exp, err := claims.GetExpirationTime(); err == nil && exp != nil {
		if exp.Before(time.Now()) {
			return ErrTokenExpired
		}
	}
	if nbf, err := claims.GetNotBefore(); err == nil && nbf != nil {
		if nbf.After(time.Now()) {
			return fmt.Errorf("%w: token not yet valid", ErrInvalidToken)
		}
	}
	return nil
}
