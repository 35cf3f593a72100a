package rbac

import (
	"context"
	"errors"
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/google/uuid"

	"vaxtrack.org/internal/ids"
)

const (
	defaultAccessTTL  = 15 * time.Minute
	defaultRefreshTTL = 7 * 24 * time.Hour
	defaultIssuer     = "vaxtrack"
)

// Service provides membership ledger operations, token issuance and the
// bootstrap gate.
type Service struct {
	store Store
	now   func() time.Time

	tokenSecret []byte
	issuer      string
	accessTTL   time.Duration
	refreshTTL  time.Duration

	bootstrapToken  string
	allowOpenSignup bool
}

// ServiceOption configures Service behavior.
type ServiceOption func(*Service) error

// WithTokenSecret enables HS256 token signing with the provided secret.
func WithTokenSecret(secret string) ServiceOption {
	return func(s *Service) error {
		if strings.TrimSpace(secret) == "" {
			return nil
		}
		s.tokenSecret = []byte(secret)
		return nil
	}
}

// WithIssuer overrides the token issuer claim.
func WithIssuer(issuer string) ServiceOption {
	return func(s *Service) error {
		if v := strings.TrimSpace(issuer); v != "" {
			s.issuer = v
		}
		return nil
	}
}

// WithAccessTTL configures access token lifetime.
func WithAccessTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.accessTTL = ttl
		}
		return nil
	}
}

// WithRefreshTTL configures refresh token lifetime.
func WithRefreshTTL(ttl time.Duration) ServiceOption {
	return func(s *Service) error {
		if ttl > 0 {
			s.refreshTTL = ttl
		}
		return nil
	}
}

// WithBootstrap configures the bootstrap gate: a pre-shared token and/or an
// open-signup toggle. Either one is sufficient to open the gate.
func WithBootstrap(token string, allowOpenSignup bool) ServiceOption {
	return func(s *Service) error {
		s.bootstrapToken = strings.TrimSpace(token)
		s.allowOpenSignup = allowOpenSignup
		return nil
	}
}

// WithClock overrides the time source (useful for tests).
func WithClock(fn func() time.Time) ServiceOption {
	return func(s *Service) error {
		if fn != nil {
			s.now = fn
		}
		return nil
	}
}

// NewService constructs a Service backed by the given store.
func NewService(store Store, opts ...ServiceOption) (*Service, error) {
	if store == nil {
		return nil, errors.New("rbac: store is required")
	}
	svc := &Service{
		store:      store,
		now:        time.Now,
		issuer:     defaultIssuer,
		accessTTL:  defaultAccessTTL,
		refreshTTL: defaultRefreshTTL,
	}
	for _, opt := range opts {
		if err := opt(svc); err != nil {
			return nil, err
		}
	}
	return svc, nil
}

// GrantRequest describes a role assignment. FacilityID must be nil for
// RoleSuperAdmin and set for every other role.
type GrantRequest struct {
	PrincipalID string
	FacilityID  *int64
	Role        Role
	GrantedBy   string
}

// Grant creates a new active membership. It fails with ErrConflict when an
// active membership already exists for the (principal, facility) pair; the
// caller must revoke first. The prior membership is never overwritten.
func (s *Service) Grant(ctx context.Context, req GrantRequest) (*Membership, error) {
	req.PrincipalID = strings.TrimSpace(req.PrincipalID)
	if req.PrincipalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", ErrValidation)
	}
	if !req.Role.Valid() {
		return nil, fmt.Errorf("%w: unknown role %q", ErrValidation, req.Role)
	}
	if req.Role.Global() && req.FacilityID != nil {
		return nil, fmt.Errorf("%w: %s must not be scoped to a facility", ErrValidation, req.Role)
	}
	if !req.Role.Global() && req.FacilityID == nil {
		return nil, fmt.Errorf("%w: %s requires a facility", ErrValidation, req.Role)
	}

	if _, err := s.store.Principals(ctx).Find(ctx, req.PrincipalID); err != nil {
		return nil, err
	}
	if req.FacilityID != nil {
		facility, err := s.store.Facilities(ctx).Find(ctx, *req.FacilityID)
		if err != nil {
			return nil, err
		}
		if !facility.Active {
			return nil, fmt.Errorf("%w: facility %s is deactivated", ErrValidation, facility.ExternalID)
		}
	}

	now := s.now().UTC()
	m := &Membership{
		ID:          ids.New(),
		PrincipalID: req.PrincipalID,
		FacilityID:  req.FacilityID,
		Role:        req.Role,
		Active:      true,
		GrantedBy:   strings.TrimSpace(req.GrantedBy),
		CreatedAt:   now,
		UpdatedAt:   now,
	}
	if err := s.store.Memberships(ctx).Create(ctx, m); err != nil {
		return nil, err
	}

	if err := s.appendAudit(ctx, &AuditEntry{
		ActorID:      m.GrantedBy,
		Action:       "membership.grant",
		ResourceType: "membership",
		ResourceID:   m.ID,
		Metadata: map[string]string{
			"principal_id": m.PrincipalID,
			"facility_id":  facilityIDLabel(m.FacilityID),
			"role":         string(m.Role),
		},
	}); err != nil {
		return nil, err
	}
	return m, nil
}

// Revoke soft-deletes a membership. Revoking an already-inactive membership is
// a no-op success so retried requests stay safe.
func (s *Service) Revoke(ctx context.Context, membershipID, revokedBy string) error {
	membershipID = strings.TrimSpace(membershipID)
	if membershipID == "" {
		return fmt.Errorf("%w: membership id is required", ErrValidation)
	}
	deactivated, err := s.store.Memberships(ctx).Deactivate(ctx, membershipID)
	if err != nil {
		return err
	}

	return s.appendAudit(ctx, &AuditEntry{
		ActorID:      strings.TrimSpace(revokedBy),
		Action:       "membership.revoke",
		ResourceType: "membership",
		ResourceID:   membershipID,
		Metadata: map[string]string{
			"prior_active": strconv.FormatBool(deactivated),
		},
	})
}

// Membership loads a single membership by id.
func (s *Service) Membership(ctx context.Context, membershipID string) (*Membership, error) {
	return s.store.Memberships(ctx).Find(ctx, strings.TrimSpace(membershipID))
}

// ListActiveForPrincipal returns all active memberships of a principal. Used
// by the claims builder and the profile endpoint.
func (s *Service) ListActiveForPrincipal(ctx context.Context, principalID string) ([]*Membership, error) {
	principalID = strings.TrimSpace(principalID)
	if principalID == "" {
		return nil, fmt.Errorf("%w: principal id is required", ErrValidation)
	}
	return s.store.Memberships(ctx).ListActiveForPrincipal(ctx, principalID)
}

// ListActiveForFacility returns active memberships at one facility only.
func (s *Service) ListActiveForFacility(ctx context.Context, facilityID int64) ([]*Membership, error) {
	return s.store.Memberships(ctx).ListActiveForFacility(ctx, facilityID)
}

// HasActiveGlobalAdmin reports whether any active global-admin membership
// exists. The bootstrap gate closes permanently once this is true.
func (s *Service) HasActiveGlobalAdmin(ctx context.Context) (bool, error) {
	return s.store.Memberships(ctx).HasActiveGlobalAdmin(ctx)
}

// CreateFacility registers a facility. The external identifier is generated
// here and never changes afterwards.
func (s *Service) CreateFacility(ctx context.Context, f *Facility, actorID string) (*Facility, error) {
	f.Name = strings.TrimSpace(f.Name)
	if f.Name == "" {
		return nil, fmt.Errorf("%w: facility name is required", ErrValidation)
	}
	f.Type = strings.TrimSpace(strings.ToLower(f.Type))
	if !ValidFacilityType(f.Type) {
		return nil, fmt.Errorf("%w: unsupported facility type %q", ErrValidation, f.Type)
	}
	if f.ExternalID == "" {
		f.ExternalID = uuid.NewString()
	}
	f.Active = true
	now := s.now().UTC()
	f.CreatedAt = now
	f.UpdatedAt = now
	if err := s.store.Facilities(ctx).Create(ctx, f); err != nil {
		return nil, err
	}

	if err := s.appendAudit(ctx, &AuditEntry{
		ActorID:      strings.TrimSpace(actorID),
		Action:       "facility.create",
		ResourceType: "facility",
		ResourceID:   f.ExternalID,
		Metadata:     map[string]string{"name": f.Name, "type": f.Type},
	}); err != nil {
		return nil, err
	}
	return f, nil
}

// DeactivateFacility soft-deletes a facility. Memberships and history stay in
// place; the facility just stops accepting new writes and drops out of active
// listings.
func (s *Service) DeactivateFacility(ctx context.Context, externalID, actorID string) error {
	facility, err := s.store.Facilities(ctx).FindByExternalID(ctx, strings.TrimSpace(externalID))
	if err != nil {
		return err
	}
	if err := s.store.Facilities(ctx).Deactivate(ctx, facility.ID); err != nil {
		return err
	}
	return s.appendAudit(ctx, &AuditEntry{
		ActorID:      strings.TrimSpace(actorID),
		Action:       "facility.deactivate",
		ResourceType: "facility",
		ResourceID:   facility.ExternalID,
	})
}

// FacilityByExternalID resolves a facility from its public identifier.
func (s *Service) FacilityByExternalID(ctx context.Context, externalID string) (*Facility, error) {
	return s.store.Facilities(ctx).FindByExternalID(ctx, strings.TrimSpace(externalID))
}

// ListFacilities returns active facilities for selection lists.
func (s *Service) ListFacilities(ctx context.Context) ([]*Facility, error) {
	return s.store.Facilities(ctx).ListActive(ctx)
}

// Principal loads an identity record.
func (s *Service) Principal(ctx context.Context, id string) (*Principal, error) {
	return s.store.Principals(ctx).Find(ctx, strings.TrimSpace(id))
}

// PrincipalByMobile resolves an identity record from its contact handle.
func (s *Service) PrincipalByMobile(ctx context.Context, mobile string) (*Principal, error) {
	return s.store.Principals(ctx).FindByMobile(ctx, strings.TrimSpace(mobile))
}

// RegisterPrincipal creates an identity record after external verification of
// the mobile number. The handle is immutable once assigned.
func (s *Service) RegisterPrincipal(ctx context.Context, mobile, fullName, email string, loginType LoginType) (*Principal, error) {
	mobile = strings.TrimSpace(mobile)
	fullName = strings.TrimSpace(fullName)
	if mobile == "" || fullName == "" {
		return nil, fmt.Errorf("%w: mobile number and full name are required", ErrValidation)
	}
	if loginType != LoginIndividual && loginType != LoginFacility {
		return nil, fmt.Errorf("%w: unsupported login type %q", ErrValidation, loginType)
	}
	now := s.now().UTC()
	p := &Principal{
		ID:           ids.New(),
		MobileNumber: mobile,
		FullName:     fullName,
		Email:        strings.TrimSpace(email),
		LoginType:    loginType,
		Active:       true,
		CreatedAt:    now,
		UpdatedAt:    now,
	}
	if err := s.store.Principals(ctx).Create(ctx, p); err != nil {
		return nil, err
	}
	if err := s.appendAudit(ctx, &AuditEntry{
		ActorID:      p.ID,
		Action:       "principal.register",
		ResourceType: "principal",
		ResourceID:   p.ID,
		Metadata:     map[string]string{"login_type": string(loginType)},
	}); err != nil {
		return nil, err
	}
	return p, nil
}

// appendAudit writes the audit record for a ledger mutation. The record is a
// compliance requirement, so a failed append is surfaced to the caller.
func (s *Service) appendAudit(ctx context.Context, entry *AuditEntry) error {
	entry.ID = ids.New()
	entry.OccurredAt = s.now().UTC()
	return s.store.Audit(ctx).Append(ctx, entry)
}

func facilityIDLabel(id *int64) string {
	if id == nil {
		return "global"
	}
	return strconv.FormatInt(*id, 10)
}
