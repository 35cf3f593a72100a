package rbac

import (
	"context"
	"sync"
	"testing"
	"time"
)

// memStore is an in-memory Store used across the package tests. It enforces
// the same active-pair uniqueness the production schema enforces with a
// partial unique index.
type memStore struct {
	mu          sync.Mutex
	principals  map[string]*Principal
	facilities  map[int64]*Facility
	memberships map[string]*Membership
	audit       []*AuditEntry

	nextFacilityID int64
}

func newMemStore() *memStore {
	return &memStore{
		principals:  make(map[string]*Principal),
		facilities:  make(map[int64]*Facility),
		memberships: make(map[string]*Membership),
	}
}

func (s *memStore) Principals(ctx context.Context) PrincipalStore   { return memPrincipals{s} }
func (s *memStore) Facilities(ctx context.Context) FacilityStore    { return memFacilities{s} }
func (s *memStore) Memberships(ctx context.Context) MembershipStore { return memMemberships{s} }
func (s *memStore) Audit(ctx context.Context) AuditStore            { return memAudit{s} }

type memPrincipals struct{ s *memStore }

func (v memPrincipals) Create(ctx context.Context, p *Principal) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, existing := range v.s.principals {
		if existing.MobileNumber == p.MobileNumber {
			return ErrConflict
		}
	}
	cp := *p
	v.s.principals[p.ID] = &cp
	return nil
}

func (v memPrincipals) Find(ctx context.Context, id string) (*Principal, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.principals[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *p
	return &cp, nil
}

func (v memPrincipals) FindByMobile(ctx context.Context, mobile string) (*Principal, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, p := range v.s.principals {
		if p.MobileNumber == mobile {
			cp := *p
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (v memPrincipals) SetActive(ctx context.Context, id string, active bool) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	p, ok := v.s.principals[id]
	if !ok {
		return ErrNotFound
	}
	p.Active = active
	return nil
}

type memFacilities struct{ s *memStore }

func (v memFacilities) Create(ctx context.Context, f *Facility) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	v.s.nextFacilityID++
	f.ID = v.s.nextFacilityID
	cp := *f
	v.s.facilities[f.ID] = &cp
	return nil
}

func (v memFacilities) Find(ctx context.Context, id int64) (*Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	f, ok := v.s.facilities[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *f
	return &cp, nil
}

func (v memFacilities) FindByExternalID(ctx context.Context, externalID string) (*Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, f := range v.s.facilities {
		if f.ExternalID == externalID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (v memFacilities) FindByLegacyHospitalID(ctx context.Context, hospitalID int64) (*Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, f := range v.s.facilities {
		if f.LegacyHospitalID == hospitalID {
			cp := *f
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (v memFacilities) ListActive(ctx context.Context) ([]*Facility, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*Facility
	for _, f := range v.s.facilities {
		if f.Active {
			cp := *f
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v memFacilities) Deactivate(ctx context.Context, id int64) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	f, ok := v.s.facilities[id]
	if !ok {
		return ErrNotFound
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

type memMemberships struct{ s *memStore }

func (v memMemberships) Create(ctx context.Context, m *Membership) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, existing := range v.s.memberships {
		if existing.Active && existing.PrincipalID == m.PrincipalID && sameFacility(existing.FacilityID, m.FacilityID) {
			return ErrConflict
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

func (v memMemberships) Find(ctx context.Context, id string) (*Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m, ok := v.s.memberships[id]
	if !ok {
		return nil, ErrNotFound
	}
	cp := *m
	return &cp, nil
}

func (v memMemberships) Deactivate(ctx context.Context, id string) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	m, ok := v.s.memberships[id]
	if !ok {
		return false, ErrNotFound
	}
	if !m.Active {
		return false, nil
	}
	m.Active = false
	return true, nil
}

func (v memMemberships) ActiveForPair(ctx context.Context, principalID string, facilityID *int64) (*Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, m := range v.s.memberships {
		if m.Active && m.PrincipalID == principalID && sameFacility(m.FacilityID, facilityID) {
			cp := *m
			return &cp, nil
		}
	}
	return nil, ErrNotFound
}

func (v memMemberships) ListActiveForPrincipal(ctx context.Context, principalID string) ([]*Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*Membership
	for _, m := range v.s.memberships {
		if m.Active && m.PrincipalID == principalID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v memMemberships) ListActiveForFacility(ctx context.Context, facilityID int64) ([]*Membership, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	var out []*Membership
	for _, m := range v.s.memberships {
		if m.Active && m.FacilityID != nil && *m.FacilityID == facilityID {
			cp := *m
			out = append(out, &cp)
		}
	}
	return out, nil
}

func (v memMemberships) HasActiveGlobalAdmin(ctx context.Context) (bool, error) {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	for _, m := range v.s.memberships {
		if m.Active && m.FacilityID == nil && m.Role == RoleSuperAdmin {
			return true, nil
		}
	}
	return false, nil
}

type memAudit struct{ s *memStore }

func (v memAudit) Append(ctx context.Context, entry *AuditEntry) error {
	v.s.mu.Lock()
	defer v.s.mu.Unlock()
	cp := *entry
	v.s.audit = append(v.s.audit, &cp)
	return nil
}

func newTestService(t *testing.T, store Store, opts ...ServiceOption) *Service {
	t.Helper()
	base := []ServiceOption{
		WithTokenSecret("test-secret"),
		WithClock(func() time.Time { return time.Date(2026, 3, 1, 12, 0, 0, 0, time.UTC) }),
	}
	svc, err := NewService(store, append(base, opts...)...)
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func mustRegister(t *testing.T, svc *Service, mobile string) *Principal {
	t.Helper()
	p, err := svc.RegisterPrincipal(context.Background(), mobile, "Test Person", "", LoginFacility)
	if err != nil {
		t.Fatalf("RegisterPrincipal(%s): %v", mobile, err)
	}
	return p
}

func mustFacility(t *testing.T, svc *Service, name string) *Facility {
	t.Helper()
	f, err := svc.CreateFacility(context.Background(), &Facility{Name: name, Type: FacilityTypeHospital}, "")
	if err != nil {
		t.Fatalf("CreateFacility(%s): %v", name, err)
	}
	return f
}

func mustGrant(t *testing.T, svc *Service, principalID string, facilityID *int64, role Role) *Membership {
	t.Helper()
	m, err := svc.Grant(context.Background(), GrantRequest{PrincipalID: principalID, FacilityID: facilityID, Role: role})
	if err != nil {
		t.Fatalf("Grant(%s, %s): %v", principalID, role, err)
	}
	return m
}
