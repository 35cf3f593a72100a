package rbac

import "context"

// Store describes persistence operations required by the RBAC subsystem.
type Store interface {
	Principals(ctx context.Context) PrincipalStore
	Facilities(ctx context.Context) FacilityStore
	Memberships(ctx context.Context) MembershipStore
	Audit(ctx context.Context) AuditStore
}

// PrincipalStore manages identity records.
type PrincipalStore interface {
	Create(ctx context.Context, p *Principal) error
	Find(ctx context.Context, id string) (*Principal, error)
	FindByMobile(ctx context.Context, mobile string) (*Principal, error)
	SetActive(ctx context.Context, id string, active bool) error
}

// FacilityStore manages the facility registry.
type FacilityStore interface {
	Create(ctx context.Context, f *Facility) error
	Find(ctx context.Context, id int64) (*Facility, error)
	FindByExternalID(ctx context.Context, externalID string) (*Facility, error)
	FindByLegacyHospitalID(ctx context.Context, hospitalID int64) (*Facility, error)
	ListActive(ctx context.Context) ([]*Facility, error)
	Deactivate(ctx context.Context, id int64) error
}

// MembershipStore manages the membership ledger. Create must fail with
// ErrConflict when an active membership already exists for the same
// (principal, facility) pair; the backing store enforces this with a
// uniqueness constraint so it holds under concurrent writers.
type MembershipStore interface {
	Create(ctx context.Context, m *Membership) error
	Find(ctx context.Context, id string) (*Membership, error)
	// Deactivate soft-revokes the membership. It returns false when the row
	// was already inactive and ErrNotFound when no such membership exists.
	Deactivate(ctx context.Context, id string) (bool, error)
	ActiveForPair(ctx context.Context, principalID string, facilityID *int64) (*Membership, error)
	ListActiveForPrincipal(ctx context.Context, principalID string) ([]*Membership, error)
	ListActiveForFacility(ctx context.Context, facilityID int64) ([]*Membership, error)
	HasActiveGlobalAdmin(ctx context.Context) (bool, error)
}

// AuditStore appends immutable entries.
type AuditStore interface {
	Append(ctx context.Context, entry *AuditEntry) error
}
