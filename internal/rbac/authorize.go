package rbac

import (
	"context"
	"errors"
	"strings"
)

// DenyReason classifies a denial. It is logged server-side only; clients get
// a generic access-denied response regardless of the reason.
type DenyReason string

const (
	DenyNone             DenyReason = ""
	DenyUnauthenticated  DenyReason = "unauthenticated"
	DenyScope            DenyReason = "scope_denied"
	DenyInsufficientRole DenyReason = "insufficient_role"
)

// Decision is the scope resolver's verdict. Deny is an expected outcome on
// every request, so it is a value, never an error.
type Decision struct {
	Allowed bool
	Reason  DenyReason
	// Role is the effective role the decision was made under: RoleSuperAdmin
	// for global admins, the held facility role otherwise, empty for
	// principal-scoped access.
	Role Role
}

func allow(role Role) Decision   { return Decision{Allowed: true, Role: role} }
func deny(r DenyReason) Decision { return Decision{Reason: r} }

// Authorize resolves whether the presented claims permit an action. First
// match wins:
//
//  1. global admins pass unconditionally;
//  2. with no target facility the operation is principal-scoped and any
//     authenticated principal passes;
//  3. a target facility missing from the claims map is denied outright,
//     whatever roles the principal holds elsewhere;
//  4. otherwise the held role must intersect requiredRoles.
//
// The map lookup in step 3 is keyed by facility identity, which makes
// cross-facility leakage structurally impossible here.
func Authorize(claims *SessionClaims, requiredRoles []Role, targetFacility string) Decision {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" || claims.TokenType != TokenTypeAccess {
		return deny(DenyUnauthenticated)
	}
	if claims.IsSuperAdmin {
		return allow(RoleSuperAdmin)
	}
	if targetFacility == "" {
		return allow("")
	}
	held, ok := claims.FacilityRoles[targetFacility]
	if !ok {
		return deny(DenyScope)
	}
	for _, required := range requiredRoles {
		if required == held {
			return allow(held)
		}
	}
	return deny(DenyInsufficientRole)
}

// AuthorizeWrite is Authorize plus a point-in-time facility activation check.
// Access tokens are an optimistic cache of membership state: good enough for
// reads until expiry, but a deactivated facility must not accept new writes,
// so mutating handlers pay for the registry lookup.
func (s *Service) AuthorizeWrite(ctx context.Context, claims *SessionClaims, requiredRoles []Role, targetFacility string) (Decision, error) {
	decision := Authorize(claims, requiredRoles, targetFacility)
	if !decision.Allowed || targetFacility == "" {
		return decision, nil
	}
	facility, err := s.store.Facilities(ctx).FindByExternalID(ctx, targetFacility)
	if err != nil {
		if errors.Is(err, ErrNotFound) {
			return deny(DenyScope), nil
		}
		return Decision{}, err
	}
	if !facility.Active {
		return deny(DenyScope), nil
	}
	return decision, nil
}

// AuthorizeGlobal admits global admins only. Used by registry-level
// operations that have no facility target at all.
func AuthorizeGlobal(claims *SessionClaims) Decision {
	if claims == nil || strings.TrimSpace(claims.Subject) == "" || claims.TokenType != TokenTypeAccess {
		return deny(DenyUnauthenticated)
	}
	if claims.IsSuperAdmin {
		return allow(RoleSuperAdmin)
	}
	return deny(DenyInsufficientRole)
}
