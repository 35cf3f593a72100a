package rbac

import (
	"context"
	"crypto/subtle"
	"errors"
	"fmt"
	"strings"
)

// Bootstrap creates the very first global administrator. The gate is open
// while either the pre-shared bootstrap token matches or open signup is
// enabled, and consumes itself permanently once any active global admin
// exists: after that, additional global admins require an existing global
// admin's authority, never the shared secret again. The existence check runs
// before the proof check so a replayed valid secret cannot mint more admins.
func (s *Service) Bootstrap(ctx context.Context, mobile, fullName, proof string) (*Principal, error) {
	exists, err := s.store.Memberships(ctx).HasActiveGlobalAdmin(ctx)
	if err != nil {
		return nil, err
	}
	if exists {
		return nil, ErrAlreadyBootstrapped
	}
	if !s.bootstrapOpen(proof) {
		return nil, ErrInvalidProof
	}

	mobile = strings.TrimSpace(mobile)
	if mobile == "" {
		return nil, fmt.Errorf("%w: mobile number is required", ErrValidation)
	}

	principal, err := s.store.Principals(ctx).FindByMobile(ctx, mobile)
	switch {
	case errors.Is(err, ErrNotFound):
		principal, err = s.RegisterPrincipal(ctx, mobile, fullName, "", LoginFacility)
		if err != nil {
			return nil, err
		}
	case err != nil:
		return nil, err
	}

	if _, err := s.Grant(ctx, GrantRequest{
		PrincipalID: principal.ID,
		Role:        RoleSuperAdmin,
		GrantedBy:   principal.ID,
	}); err != nil {
		return nil, err
	}

	if err := s.appendAudit(ctx, &AuditEntry{
		ActorID:      principal.ID,
		Action:       "bootstrap.super_admin",
		ResourceType: "principal",
		ResourceID:   principal.ID,
	}); err != nil {
		return nil, err
	}
	return principal, nil
}

// bootstrapOpen reports whether the gate accepts the supplied proof. The two
// configured gates combine with OR, matching the legacy deployment behavior.
func (s *Service) bootstrapOpen(proof string) bool {
	if s.allowOpenSignup {
		return true
	}
	if s.bootstrapToken == "" {
		return false
	}
	proof = strings.TrimSpace(proof)
	if proof == "" {
		return false
	}
	return subtle.ConstantTimeCompare([]byte(proof), []byte(s.bootstrapToken)) == 1
}
