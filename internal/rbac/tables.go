// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

package rbac

import (
	"errors"
	"fmt"
)

// Action is one of the five permission actions. ActionManage subsumes
// every other action on the same resource.
type Action string

const (
	ActionCreate Action = "create"
	ActionRead   Action = "read"
	ActionUpdate Action = "update"
	ActionDelete Action = "delete"
	ActionManage Action = "manage"
)

// ResourceWildcard paired with ActionManage subsumes everything. It is
// only meaningful together with manage; a wildcard with any other action
// grants nothing beyond that literal pair.
const ResourceWildcard = "*"

// Resource tags for the practice-management domain.
const (
	ResourcePatients      = "patients"
	ResourceAppointments  = "appointments"
	ResourceFinancial     = "financial"
	ResourceInventory     = "inventory"
	ResourceStaff         = "staff"
	ResourceReports       = "reports"
	ResourceSettings      = "settings"
	ResourceNotifications = "notifications"
	ResourceAudit         = "audit"
	ResourceSystem        = "system"
)

// Permission is a (resource, action) pair.
type Permission struct {
	Resource string
	Action   Action
}

// Feature is a named sensitive capability gated by role membership
// rather than a single (resource, action) permission.
type Feature string

const (
	FeatureSystemAdministration Feature = "system-administration"
	FeatureAuditLogViewer       Feature = "audit-log-viewer"
	FeatureFinancialReports     Feature = "financial-reports"
	FeatureStaffManagement      Feature = "staff-management"
	FeatureDataExport           Feature = "data-export"
)

// RolePermissionTable maps each role to its ordered permission set.
// Loaded at construction and immutable thereafter.
type RolePermissionTable map[Role][]Permission

// SensitiveFeatureTable maps each sensitive feature to the roles allowed
// to use it.
type SensitiveFeatureTable map[Feature][]Role

// DefaultPermissionTable returns the static role→permission table.
//
// Front desk deliberately holds financial create+read but not manage:
// payment intake is allowed, refunds and adjustments are not.
func DefaultPermissionTable() RolePermissionTable {
	return RolePermissionTable{
		RolePlatformAdmin: {
			{ResourceWildcard, ActionManage},
		},
		RoleTenantAdmin: {
			{ResourcePatients, ActionManage},
			{ResourceAppointments, ActionManage},
			{ResourceFinancial, ActionManage},
			{ResourceInventory, ActionManage},
			{ResourceStaff, ActionManage},
			{ResourceReports, ActionManage},
			{ResourceSettings, ActionManage},
			{ResourceNotifications, ActionManage},
		},
		RoleClinicianFull: {
			{ResourcePatients, ActionManage},
			{ResourceAppointments, ActionManage},
			{ResourceInventory, ActionRead},
			{ResourceReports, ActionRead},
			{ResourceNotifications, ActionRead},
			{ResourceNotifications, ActionUpdate},
		},
		RoleClinicianLimited: {
			{ResourcePatients, ActionRead},
			{ResourcePatients, ActionUpdate},
			{ResourceAppointments, ActionRead},
			{ResourceAppointments, ActionCreate},
			{ResourceAppointments, ActionUpdate},
			{ResourceNotifications, ActionRead},
			{ResourceNotifications, ActionUpdate},
		},
		RoleFrontDesk: {
			{ResourceAppointments, ActionManage},
			{ResourcePatients, ActionRead},
			{ResourcePatients, ActionCreate},
			{ResourcePatients, ActionUpdate},
			{ResourceFinancial, ActionCreate},
			{ResourceFinancial, ActionRead},
			{ResourceNotifications, ActionRead},
			{ResourceNotifications, ActionUpdate},
		},
		RoleSupportEngineer: {
			{ResourceSystem, ActionRead},
			{ResourceAudit, ActionRead},
			{ResourceReports, ActionRead},
		},
		RolePatient: {
			{ResourceAppointments, ActionRead},
			{ResourceAppointments, ActionCreate},
			{ResourcePatients, ActionRead},
			{ResourceNotifications, ActionRead},
			{ResourceNotifications, ActionUpdate},
		},
	}
}

// DefaultFeatureTable returns the static sensitive-feature table.
func DefaultFeatureTable() SensitiveFeatureTable {
	return SensitiveFeatureTable{
		FeatureSystemAdministration: {RolePlatformAdmin},
		FeatureAuditLogViewer:       {RolePlatformAdmin, RoleSupportEngineer},
		FeatureFinancialReports:     {RolePlatformAdmin, RoleTenantAdmin},
		FeatureStaffManagement:      {RolePlatformAdmin, RoleTenantAdmin},
		FeatureDataExport:           {RolePlatformAdmin, RoleTenantAdmin, RoleSupportEngineer},
	}
}

// Table validation errors.
var (
	ErrEmptyPermissionSet  = errors.New("role has empty permission set")
	ErrMultipleWildcards   = errors.New("more than one role holds the wildcard manage permission")
	ErrUnknownRoleInTable  = errors.New("table references unknown role")
	ErrUnknownActionInPair = errors.New("permission uses unknown action")
)

// validActions is the closed action vocabulary. Table validation and
// permission checks both refuse anything outside it.
var validActions = map[Action]bool{
	ActionCreate: true,
	ActionRead:   true,
	ActionUpdate: true,
	ActionDelete: true,
	ActionManage: true,
}

// ValidateTables checks the structural invariants on the static tables:
// every role maps to a non-empty set, at most one role holds (*, manage),
// and every referenced role and action is part of the closed sets.
func ValidateTables(perms RolePermissionTable, features SensitiveFeatureTable) error {
	wildcardHolders := 0

	for role, set := range perms {
		if !IsValidRole(role) {
			return fmt.Errorf("%w: %q", ErrUnknownRoleInTable, role)
		}
		if len(set) == 0 {
			return fmt.Errorf("%w: %q", ErrEmptyPermissionSet, role)
		}
		for _, p := range set {
			if !validActions[p.Action] {
				return fmt.Errorf("%w: %q on %q for role %q", ErrUnknownActionInPair, p.Action, p.Resource, role)
			}
			if p.Resource == ResourceWildcard && p.Action == ActionManage {
				wildcardHolders++
			}
		}
	}

	if wildcardHolders > 1 {
		return ErrMultipleWildcards
	}

	for feature, roles := range features {
		for _, role := range roles {
			if !IsValidRole(role) {
				return fmt.Errorf("%w: %q in feature %q", ErrUnknownRoleInTable, role, feature)
			}
		}
	}

	return nil
}
