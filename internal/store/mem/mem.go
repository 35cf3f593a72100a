// Package mem is an in-memory rbac.Store for tests and local development. It
// mirrors the Postgres layer's semantics, including the active-pair
// uniqueness the production schema enforces with a partial unique index.
package mem

import (
	"context"
	"sync"

	"vaxtrack.org/internal/rbac"
)

type Store struct {
	mu          sync.Mutex
	principals  map[string]*rbac.Principal
	facilities  map[int64]*rbac.Facility
	memberships map[string]*rbac.Membership
	audit       []*rbac.AuditEntry

	nextFacilityID int64
}

var _ rbac.Store = (*Store)(nil)

func New() *Store {
	return &Store{
		principals:  make(map[string]*rbac.Principal),
		facilities:  make(map[int64]*rbac.Facility),
		memberships: make(map[string]*rbac.Membership),
	}
}

func (s *Store) Principals(ctx context.Context) rbac.PrincipalStore   { return principals{s} }
func (s *Store) Facilities(ctx context.Context) rbac.FacilityStore    { return facilities{s} }
func (s *Store) Memberships(ctx context.Context) rbac.MembershipStore { return memberships{s} }
func (s *Store) Audit(ctx context.Context) rbac.AuditStore            { return auditlog{s} }

// AuditEntries returns a snapshot of appended audit records.
func (s *Store) AuditEntries() []*rbac.AuditEntry {
	s.mu.Lock()
	defer s.mu.Unlock()
	out := make([]*rbac.AuditEntry, len(s.audit))
	copy(out, s.audit)
	return out
}

type principals struct{ s *Store }

func (v principals) Create(ctx context.Context, p *rbac.Principal) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, existing := range v.s.principals {
		if existing.MobileNumber == p.MobileNumber {
			return rbac.ErrConflict
		}
	}
	cp := *p
	v.s.principals[p.ID] = &cp
	return nil
}

func (v principals) Find(ctx context.Context, id string) (*rbac.Principal, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.principals[id]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (v principals) FindByMobile(ctx context.Context, mobile string) (*rbac.Principal, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, p := range v.s.principals {
		if p.MobileNumber == mobile {
			cp := *p
			return &cp, nil
		}
	}
	return nil, rbac.ErrNotFound
}

func (v principals) SetActive(ctx context.Context, id string, active bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.principals[id]
	if !ok {
		return rbac.ErrNotFound
	}
	p.Active = active
	return nil
}

type facilities struct{ s *Store }

func (v facilities) Create(ctx context.Context, f *rbac.Facility) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, existing := range v.s.facilities {
		if existing.ExternalID == f.ExternalID {
			return rbac.ErrConflict
		}
	}
	v.s.nextFacilityID++
	f.ID = v.s.nextFacilityID
	cp := *f
	v.s.facilities[f.ID] = &cp
	return nil
}

func (v facilities) Find(ctx context.Context, id int64) (*rbac.Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	f, ok := v.s.facilities[id]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (v facilities) FindByExternalID(ctx context.Context, externalID string) (*rbac.Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, f := range v.s.facilities {
		if f.ExternalID == externalID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, rbac.ErrNotFound
}

func (v facilities) FindByLegacyHospitalID(ctx context.Context, hospitalID int64) (*rbac.Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, f := range v.s.facilities {
		if f.LegacyHospitalID == hospitalID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, rbac.ErrNotFound
}

func (v facilities) ListActive(ctx context.Context) ([]*rbac.Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*rbac.Facility
	for _, f := range v.s.facilities {
		if f.Active {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v facilities) Deactivate(ctx context.Context, id int64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	f, ok := v.s.facilities[id]
	if !ok {
		return rbac.ErrNotFound
	}
	f.Active = false
	return nil
}

func sameFacility(a, b *int64) bool {
	if a == nil || b == nil {
		return a == nil && b == nil
	}
	return *a == *b
}

type memberships struct{ s *Store }

func (v memberships) Create(ctx context.Context, m *rbac.Membership) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, existing := range v.s.memberships {
		if existing.Active && existing.PrincipalID == m.PrincipalID && sameFacility(existing.FacilityID, m.FacilityID) {
			return rbac.ErrConflict
		}
	}
	cp := *m
	if cp.FacilityID != nil {
		if f, ok := v.s.facilities[*cp.FacilityID]; ok {
			cp.FacilityExternalID = f.ExternalID
		}
	}
	v.s.memberships[m.ID] = &cp
	return nil
}

func (v memberships) Find(ctx context.Context, id string) (*rbac.Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m, ok := v.s.memberships[id]
	if !ok {
		return nil, rbac.ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (v memberships) Deactivate(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m, ok := v.s.memberships[id]
	if !ok {
		return false, rbac.ErrNotFound
	}
	if !m.Active {
		return false, nil
	}
	m.Active = false
	return true, nil
}

func (v memberships) ActiveForPair(ctx context.Context, principalID string, facilityID *int64) (*rbac.Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, m := range v.s.memberships {
		if m.Active && m.PrincipalID == principalID && sameFacility(m.FacilityID, facilityID) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, rbac.ErrNotFound
}

func (v memberships) ListActiveForPrincipal(ctx context.Context, principalID string) ([]*rbac.Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*rbac.Membership
	for _, m := range v.s.memberships {
		if m.Active && m.PrincipalID == principalID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v memberships) ListActiveForFacility(ctx context.Context, facilityID int64) ([]*rbac.Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*rbac.Membership
	for _, m := range v.s.memberships {
		if m.Active && m.FacilityID != nil && *m.FacilityID == facilityID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v memberships) HasActiveGlobalAdmin(ctx context.Context) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, m := range v.s.memberships {
		if m.Active && m.FacilityID == nil && m.Role == rbac.RoleSuperAdmin {
			return true, nil
		}
	}
	return false, nil
}

type auditlog struct{ s *Store }

func (v auditlog) Append(ctx context.Context, entry *rbac.AuditEntry) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *entry
	v.s.audit = append(v.s.audit, &cp)
	return nil
}
