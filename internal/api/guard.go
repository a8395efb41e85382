// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package api

import (
	"fmt"
	"net/http"

	"github.com/clinovia/clinovia/internal/audit"
	"github.com/clinovia/clinovia/internal/metrics"
	"github.com/clinovia/clinovia/internal/rbac"
)

// denialDetails names the exact requirement the caller is missing so
// the client can render a specific message instead of a generic one.
type denialDetails struct {
	Reason   string `json:"reason"`
	Role     string `json:"role"`
	Resource string `json:"resource,omitempty"`
	Action   string `json:"action,omitempty"`
	Feature  string `json:"feature,omitempty"`
}

// requirePermission gates a route on a (resource, action) permission.
// Every evaluation produces exactly one audit record, granted or not.
func (s *Server) requirePermission(resource string, action rbac.Action) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserContext(r)
			if user == nil {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
				return
			}

			if !rbac.IsValidRole(user.Role) {
				s.auditor.LogDecision(r.Context(), user.ID, user.TenantID, audit.ActionRoleDenied, resource, false)
				metrics.RecordAuthzDecision(string(user.Role), resource, string(action), false)
				writeError(w, http.StatusForbidden, ErrCodeForbidden,
					fmt.Sprintf("role %q is not recognized", user.Role),
					denialDetails{Reason: audit.ActionRoleDenied, Role: string(user.Role), Resource: resource, Action: string(action)})
				return
			}

			allowed := s.engine.HasPermission(user.Role, resource, action)
			metrics.RecordAuthzDecision(string(user.Role), resource, string(action), allowed)
			if !allowed {
				s.auditor.LogDecision(r.Context(), user.ID, user.TenantID, audit.ActionPermissionDenied, resource, false)
				writeError(w, http.StatusForbidden, ErrCodeForbidden,
					fmt.Sprintf("role %q lacks permission %s:%s", user.Role, resource, action),
					denialDetails{Reason: audit.ActionPermissionDenied, Role: string(user.Role), Resource: resource, Action: string(action)})
				return
			}

			s.auditor.LogDecision(r.Context(), user.ID, user.TenantID, audit.ActionGranted, resource, false)
			next.ServeHTTP(w, r)
		})
	}
}

// requireFeature gates a route on sensitive-feature membership.
// Grants are audited at low risk: membership is already narrow, and the
// interesting signal is the denial.
func (s *Server) requireFeature(feature rbac.Feature) func(http.Handler) http.Handler {
	return func(next http.Handler) http.Handler {
		return http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
			user := GetUserContext(r)
			if user == nil {
				writeError(w, http.StatusUnauthorized, ErrCodeUnauthorized, "authentication required", nil)
				return
			}

			allowed := s.engine.HasSensitiveAccess(user.Role, feature)
			metrics.RecordAuthzDecision(string(user.Role), string(feature), "access", allowed)
			if !allowed {
				s.auditor.LogDecision(r.Context(), user.ID, user.TenantID, audit.ActionSensitiveFeatureDenied, string(feature), false)
				writeError(w, http.StatusForbidden, ErrCodeForbidden,
					fmt.Sprintf("role %q lacks access to feature %q", user.Role, feature),
					denialDetails{Reason: audit.ActionSensitiveFeatureDenied, Role: string(user.Role), Feature: string(feature)})
				return
			}

			s.auditor.LogDecision(r.Context(), user.ID, user.TenantID, audit.ActionGranted, string(feature), true)
			next.ServeHTTP(w, r)
		})
	}
}
