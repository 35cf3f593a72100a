package rbac

import (
	"fmt"
	"strings"
)

// Role is a membership role. RoleSuperAdmin is global; the rest are held at a
// specific facility.
type Role string

const (
	RoleSuperAdmin    Role = "super_admin"
	RoleFacilityAdmin Role = "facility_admin"
	RoleDoctor        Role = "doctor"
	RoleStaff         Role = "staff"
)

// Valid reports whether r is part of the role vocabulary.
func (r Role) Valid() bool {
	switch r {
	case RoleSuperAdmin, RoleFacilityAdmin, RoleDoctor, RoleStaff:
		return true
	}
	return false
}

// Global reports whether r requires global (facility-absent) scope.
func (r Role) Global() bool {
	return r == RoleSuperAdmin
}

// ParseRole normalizes and validates a role string.
func ParseRole(s string) (Role, error) {
	r := Role(strings.TrimSpace(strings.ToLower(s)))
	if !r.Valid() {
		return "", fmt.Errorf("%w: unknown role %q", ErrValidation, s)
	}
	return r, nil
}

// RoleFromLegacy translates a legacy hospital role label into the current
// vocabulary. Unrecognized labels fall back to RoleStaff, the least privileged
// role; a translation must never raise privilege for input it does not know.
func RoleFromLegacy(label string) Role {
	switch strings.TrimSpace(strings.ToLower(label)) {
	case "admin":
		return RoleFacilityAdmin
	case "doctor":
		return RoleDoctor
	default:
		return RoleStaff
	}
}
