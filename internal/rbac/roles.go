// Clinovia - Multi-Tenant Practice Management Core
// Copyright 2026 Clinovia Authors
// SPDX-License-Identifier: AGPL-3.0-or-later
// https://github.com/clinovia/clinovia

/*
roles.go - Role Definitions and Hierarchy

The role set is closed: roles are compiled in, not configured, and a role
string outside this set is treated as unknown (all checks fail closed).

The hierarchy rank is used only for "can role A administer role B" checks
(CanManage). It never participates in permission resolution; that goes
through the role→permission table exclusively.
*/

package rbac

// Role is an enumerated role tag. The set is fixed and closed.
type Role string

const (
	// RolePlatformAdmin is the platform operator. The only role holding
	// the (*, manage) wildcard.
	RolePlatformAdmin Role = "platform-admin"

	// RoleTenantAdmin administers a single clinic.
	RoleTenantAdmin Role = "tenant-admin"

	// RoleClinicianFull is a licensed clinician with full chart access.
	RoleClinicianFull Role = "clinician-full"

	// RoleClinicianLimited is a clinician with restricted chart access.
	RoleClinicianLimited Role = "clinician-limited"

	// RoleFrontDesk handles scheduling and payment intake.
	RoleFrontDesk Role = "front-desk"

	// RoleSupportEngineer is read-only operational support.
	RoleSupportEngineer Role = "support-engineer"

	// RolePatient is a patient portal account.
	RolePatient Role = "patient"
)

// ValidRoles contains all valid roles for validation.
var ValidRoles = []Role{
	RolePlatformAdmin,
	RoleTenantAdmin,
	RoleClinicianFull,
	RoleClinicianLimited,
	RoleFrontDesk,
	RoleSupportEngineer,
	RolePatient,
}

// hierarchyRank orders roles for management checks only.
// A higher rank can administer a strictly lower rank.
var hierarchyRank = map[Role]int{
	RolePlatformAdmin:    100,
	RoleTenantAdmin:      80,
	RoleClinicianFull:    60,
	RoleClinicianLimited: 50,
	RoleFrontDesk:        40,
	RoleSupportEngineer:  30,
	RolePatient:          10,
}

// IsValidRole checks if a role is part of the closed set.
func IsValidRole(role Role) bool {
	_, ok := hierarchyRank[role]
	return ok
}

// HierarchyRank returns the role's rank, or 0 for unknown roles so that
// an unknown role can never manage anything.
func HierarchyRank(role Role) int {
	return hierarchyRank[role]
}

// CanManage reports whether roleA may administer roleB. True iff roleA's
// rank is strictly greater. A role never manages itself, and unknown
// roles (rank 0) manage nothing.
func CanManage(roleA, roleB Role) bool {
	ra := hierarchyRank[roleA]
	rb, known := hierarchyRank[roleB]
	if ra == 0 || !known {
		return false
	}
	return ra > rb
}
