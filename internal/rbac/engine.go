// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

// Package rbac implements the permission engine: a pure decision layer
// over a static role→permission table, a sensitive-feature table, and a
// route registry. It holds no mutable state after construction, performs
// no I/O, and is safe to consult on every request.
//
// All failure modes resolve to a denial. An unknown role, resource, or
// action never produces an error a caller could mistake for an allow.
package rbac

import (
	_ "embed"
	"fmt"

	"github.com/casbin/casbin/v2"
	"github.com/casbin/casbin/v2/model"

	"github.com/clinovia/clinovia/internal/logging"
)

//go:embed model.conf
var embeddedModel string

// Route declares a UI route and the permission or feature required to
// reach it. Base routes are reachable by every authenticated role.
type Route struct {
	// Path is the route path (e.g. "/appointments").
	Path string

	// Resource and Action form the permission requirement. Ignored for
	// base and feature-gated routes.
	Resource string
	Action   Action

	// Feature gates the route on sensitive-feature membership instead
	// of a permission pair.
	Feature Feature

	// Base marks the route as unconditionally included.
	Base bool
}

// DefaultRouteRegistry returns the static route→requirement table.
func DefaultRouteRegistry() []Route {
	return []Route{
		{Path: "/", Base: true},
		{Path: "/profile", Base: true},
		{Path: "/notifications", Base: true},
		{Path: "/patients", Resource: ResourcePatients, Action: ActionRead},
		{Path: "/appointments", Resource: ResourceAppointments, Action: ActionRead},
		{Path: "/billing", Resource: ResourceFinancial, Action: ActionRead},
		{Path: "/inventory", Resource: ResourceInventory, Action: ActionRead},
		{Path: "/staff", Resource: ResourceStaff, Action: ActionRead},
		{Path: "/reports", Resource: ResourceReports, Action: ActionRead},
		{Path: "/settings", Resource: ResourceSettings, Action: ActionUpdate},
		{Path: "/admin", Feature: FeatureSystemAdministration},
		{Path: "/audit", Feature: FeatureAuditLogViewer},
		{Path: "/reports/financial", Feature: FeatureFinancialReports},
	}
}

// Engine is the permission engine. Construct once at startup; all
// methods are safe for concurrent use and side-effect free.
type Engine struct {
	enforcer *casbin.SyncedEnforcer
	features SensitiveFeatureTable
	routes   []Route
}

// NewEngine builds an engine from the given tables. Nil tables use the
// defaults. The tables are validated and the casbin policy is populated
// from the permission table; the engine is immutable afterwards.
func NewEngine(perms RolePermissionTable, features SensitiveFeatureTable, routes []Route) (*Engine, error) {
	if perms == nil {
		perms = DefaultPermissionTable()
	}
	if features == nil {
		features = DefaultFeatureTable()
	}
	if routes == nil {
		routes = DefaultRouteRegistry()
	}

	if err := ValidateTables(perms, features); err != nil {
		return nil, fmt.Errorf("invalid permission tables: %w", err)
	}

	m, err := model.NewModelFromString(embeddedModel)
	if err != nil {
		return nil, fmt.Errorf("failed to load casbin model: %w", err)
	}

	enforcer, err := casbin.NewSyncedEnforcer(m)
	if err != nil {
		return nil, fmt.Errorf("failed to create casbin enforcer: %w", err)
	}

	for role, set := range perms {
		for _, p := range set {
			if _, err := enforcer.AddPolicy(string(role), p.Resource, string(p.Action)); err != nil {
				return nil, fmt.Errorf("failed to add policy (%s, %s, %s): %w", role, p.Resource, p.Action, err)
			}
		}
	}

	// Copy the feature table so callers cannot mutate the engine's view.
	featuresCopy := make(SensitiveFeatureTable, len(features))
	for feature, roles := range features {
		featuresCopy[feature] = append([]Role(nil), roles...)
	}

	return &Engine{
		enforcer: enforcer,
		features: featuresCopy,
		routes:   append([]Route(nil), routes...),
	}, nil
}

// HasPermission reports whether the role may perform the action on the
// resource. True iff the role holds (*, manage), the literal
// (resource, action), or (resource, manage). Unknown inputs and
// evaluation errors deny.
func (e *Engine) HasPermission(role Role, resource string, action Action) bool {
	// The matcher's manage rows cover any action string, so the action
	// vocabulary must be checked before enforcement.
	if !validActions[action] {
		return false
	}

	allowed, err := e.enforcer.Enforce(string(role), resource, string(action))
	if err != nil {
		// Fail closed. An enforcement error must never surface as an
		// allow, and must not throw back into the caller.
		logging.Error().Err(err).
			Str("role", string(role)).
			Str("resource", resource).
			Str("action", string(action)).
			Msg("permission enforcement error, denying")
		return false
	}
	return allowed
}

// HasSensitiveAccess reports whether the role is a member of the named
// sensitive feature. Unknown features and roles deny.
func (e *Engine) HasSensitiveAccess(role Role, feature Feature) bool {
	for _, r := range e.features[feature] {
		if r == role {
			return true
		}
	}
	return false
}

// CanManage reports whether roleA may administer roleB, by strict
// hierarchy rank. Never a substitute for HasPermission.
func (e *Engine) CanManage(roleA, roleB Role) bool {
	return CanManage(roleA, roleB)
}

// AccessibleRoutes returns the route paths the role may reach: base
// routes unconditionally, feature-gated routes by feature membership,
// and permission-gated routes by HasPermission.
func (e *Engine) AccessibleRoutes(role Role) []string {
	var paths []string
	for _, route := range e.routes {
		switch {
		case route.Base:
			paths = append(paths, route.Path)
		case route.Feature != "":
			if e.HasSensitiveAccess(role, route.Feature) {
				paths = append(paths, route.Path)
			}
		default:
			if e.HasPermission(role, route.Resource, route.Action) {
				paths = append(paths, route.Path)
			}
		}
	}
	return paths
}

// Permissions returns the role's resolved permission set as recorded in
// the policy table, for embedding into a user context at sign-in.
func (e *Engine) Permissions(role Role) []Permission {
	//nolint:errcheck // GetFilteredPolicy only fails if enforcer is nil, which is a programming error
	policies, _ := e.enforcer.GetFilteredPolicy(0, string(role))

	perms := make([]Permission, 0, len(policies))
	for _, p := range policies {
		if len(p) < 3 {
			continue
		}
		perms = append(perms, Permission{Resource: p[1], Action: Action(p[2])})
	}
	return perms
}
