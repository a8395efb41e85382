// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package api

import (
	"fmt"
	"net/http"
	"strings"
	"time"

	"github.com/golang-jwt/jwt/v5"

	"github.com/clinovia/clinovia/internal/logging"
	"github.com/clinovia/clinovia/internal/rbac"
)

// Claims are the JWT claims carried by an access token. Role and tenant
// travel in the token; permissions are resolved server-side on every
// request so a stale token never carries a stale permission set.
type Claims struct {
	Email       string `json:"email"`
	Role        string `json:"role"`
	TenantID    string `json:"tenant_id"`
	DisplayName string `json:"display_name"`
	jwt.RegisteredClaims
}

// Authenticator verifies bearer tokens and builds the caller's
// UserContext. Uses HMAC-SHA256 signing.
type Authenticator struct {
	secret []byte
	issuer string
	engine *rbac.Engine
}

// NewAuthenticator creates a token authenticator.
func NewAuthenticator(secret, issuer string, engine *rbac.Engine) (*Authenticator, error) {
	if secret == "" {
		return nil, fmt.Errorf("jwt secret is required")
	}
	return &Authenticator{
		secret: []byte(secret),
		issuer: issuer,
		engine: engine,
	}, nil
}

// IssueToken signs an access token for the given identity. Used by the
// surrounding app's sign-in flow and by tests.
func (a *Authenticator) IssueToken(userID, email string, role rbac.Role, tenantID, displayName string, ttl time.Duration) (string, error) {
	now := time.Now()
	claims := &Claims{
		Email:       email,
		Role:        string(role),
		TenantID:    tenantID,
		DisplayName: displayName,
		RegisteredClaims: jwt.RegisteredClaims{
			Subject:   userID,
			Issuer:    a.issuer,
			ExpiresAt: jwt.NewNumericDate(now.Add(ttl)),
			IssuedAt:  jwt.NewNumericDate(now),
			NotBefore: jwt.NewNumericDate(now),
		},
	}

	token := jwt.NewWithClaims(jwt.SigningMethodHS256, claims)
	signed, err := token.SignedString(a.secret)
	if err != nil {
		return "", fmt.Errorf("failed to sign token: %w", err)
	}
	return signed, nil
}

// ValidateToken parses and verifies a token string.
func (a *Authenticator) ValidateToken(tokenString string) (*Claims, error) {
	opts := []jwt.ParserOption{jwt.WithExpirationRequired()}
	if a.issuer != "" {
		opts = append(opts, jwt.WithIssuer(a.issuer))
	}

	token, err := jwt.ParseWithClaims(tokenString, &Claims{}, func(token *jwt.Token) (interface{}, error) {
		if _, ok := token.Method.(*jwt.SigningMethodHMAC); !ok {
			return nil, fmt.Errorf("unexpected signing method: %v", token.Header["alg"])
		}
		return a.secret, nil
	}, opts...)
	if err != nil {
		return nil, fmt.Errorf("failed to parse token: %w", err)
	}

	claims, ok := token.Claims.(*Claims)
	if !ok || !token.Valid {
		return nil, fmt.Errorf("invalid token claims")
	}
	return claims, nil
}

// userContextFromClaims resolves the full caller identity. Permission
// and route sets come from the engine, not the token.
func (a *Authenticator) userContextFromClaims(claims *Claims) *UserContext {
	role := rbac.Role(claims.Role)
	return &UserContext{
		ID:               claims.Subject,
		Email:            claims.Email,
		Role:             role,
		TenantID:         claims.TenantID,
		DisplayName:      claims.DisplayName,
		Permissions:      a.engine.Permissions(role),
		AccessibleRoutes: a.engine.AccessibleRoutes(role),
	}
}

// Middleware authenticates the request from its Authorization header
// and stores the UserContext in the request context. Missing or invalid
// tokens get a 401; authorization happens later in the guard.
func (a *Authenticator) Middleware(next http.Handler) http.Handler {
	return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		tokenString := bearerToken(r)
		if tokenString == "" {
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "missing bearer token", nil)
			return
		}

		claims, err := a.ValidateToken(tokenString)
		if err != nil {
			logging.Warn().Err(err).Str("path", r.URL.Path).Msg("rejected invalid access token")
			writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "invalid or expired token", nil)
			return
		}

		user := a.userContextFromClaims(claims)
		next.ServeHTTP(w, r.WithContext(WithUserContext(r.Context(), user)))
	})
}

// bearerToken extracts the token from the Authorization header, falling
// back to the access_token query parameter for websocket upgrades where
// browsers cannot set headers.
func bearerToken(r *http.Request) string {
	header := r.Header.Get("Authorization")
	if strings.HasPrefix(header, "Bearer ") {
		return strings.TrimPrefix(header, "Bearer ")
	}
	return r.URL.Query().Get("access_token")
}
