// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package api exposes the core over HTTP: a chi router with JWT
// authentication, the authorization guard, notification endpoints, the
// audit query surface, and the websocket upgrade path.
package api

import (
	"context"
	"net/http"

	"github.com/clinovia/clinovia/internal/rbac"
)

// UserContext is the authenticated caller's resolved identity. Built
// once per request from the bearer token and the permission engine;
// handlers never consult the engine for identity data again.
type UserContext struct {
	ID               string            `json:"id"`
	Email            string            `json:"email"`
	Role             rbac.Role         `json:"role"`
	TenantID         string            `json:"tenant_id"`
	DisplayName      string            `json:"display_name"`
	Permissions      []rbac.Permission `json:"permissions"`
	AccessibleRoutes []string          `json:"accessible_routes"`
}

type contextKey string

const userContextKey contextKey = "api_user_context"

// WithUserContext returns a context carrying the caller identity.
func WithUserContext(ctx context.Context, user *UserContext) context.Context {
	return context.WithValue(ctx, userContextKey, user)
}

// GetUserContext extracts the caller identity set by the authentication
// middleware. Nil when the request never passed through it.
func GetUserContext(r *http.Request) *UserContext {
	user, _ := r.Context().Value(userContextKey).(*UserContext)
	return user
}
