package legacy

import (
	"context"
	"fmt"
	"testing"

	"vaxtrack.org/internal/rbac"
	"vaxtrack.org/internal/store/mem"
)

type fakeSource struct {
	assignments []Assignment
	hospitals   map[int64]*Hospital
}

func (f *fakeSource) ActiveAssignments(ctx context.Context) ([]Assignment, error) {
	return f.assignments, nil
}

func (f *fakeSource) Hospital(ctx context.Context, id int64) (*Hospital, error) {
	h, ok := f.hospitals[id]
	if !ok {
		return nil, fmt.Errorf("hospital %d not found", id)
	}
	return h, nil
}

func newTestService(t *testing.T) *rbac.Service {
	t.Helper()
	svc, err := rbac.NewService(mem.New(), rbac.WithTokenSecret("test-secret"))
	if err != nil {
		t.Fatalf("NewService: %v", err)
	}
	return svc
}

func TestRunMigratesAssignments(t *testing.T) {
	svc := newTestService(t)
	source := &fakeSource{
		assignments: []Assignment{
			{ID: 1, MobileNumber: "+911111111111", FullName: "Dr. A", HospitalID: 10, Role: "doctor"},
			{ID: 2, MobileNumber: "+922222222222", FullName: "Admin B", HospitalID: 10, Role: "admin"},
			{ID: 3, MobileNumber: "+933333333333", FullName: "Nurse C", HospitalID: 10, Role: "nurse"},
		},
		hospitals: map[int64]*Hospital{10: {ID: 10, Name: "Legacy General"}},
	}

	report, err := NewAdapter(source, svc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Migrated != 3 || report.AlreadyPresent != 0 || report.InvalidReferences != 0 {
		t.Fatalf("report = %+v", report)
	}

	// The single legacy hospital became one facility with the deterministic
	// external identifier.
	facility, err := svc.FacilityByExternalID(context.Background(), FacilityExternalID(10))
	if err != nil {
		t.Fatalf("migrated facility missing: %v", err)
	}
	if facility.Name != "Legacy General" {
		t.Fatalf("facility name = %q", facility.Name)
	}

	// Conservative role mapping: nurse is not in the vocabulary and lands on
	// staff.
	p, err := svc.PrincipalByMobile(context.Background(), "+933333333333")
	if err != nil {
		t.Fatalf("PrincipalByMobile: %v", err)
	}
	memberships, err := svc.ListActiveForPrincipal(context.Background(), p.ID)
	if err != nil {
		t.Fatalf("ListActiveForPrincipal: %v", err)
	}
	if len(memberships) != 1 || memberships[0].Role != rbac.RoleStaff {
		t.Fatalf("nurse memberships = %+v, want one staff", memberships)
	}
}

func TestRunIsIdempotent(t *testing.T) {
	svc := newTestService(t)
	source := &fakeSource{
		assignments: []Assignment{
			{ID: 1, MobileNumber: "+911111111111", FullName: "Dr. A", HospitalID: 10, Role: "doctor"},
		},
		hospitals: map[int64]*Hospital{10: {ID: 10, Name: "Legacy General"}},
	}
	adapter := NewAdapter(source, svc)

	if _, err := adapter.Run(context.Background()); err != nil {
		t.Fatalf("first Run: %v", err)
	}
	report, err := adapter.Run(context.Background())
	if err != nil {
		t.Fatalf("second Run: %v", err)
	}
	if report.Migrated != 0 || report.AlreadyPresent != 1 {
		t.Fatalf("second run report = %+v, want all already-present", report)
	}
}

func TestRunSkipsBadRowsWithoutAborting(t *testing.T) {
	svc := newTestService(t)
	source := &fakeSource{
		assignments: []Assignment{
			{ID: 1, MobileNumber: "+911111111111", FullName: "Dr. A", HospitalID: 99, Role: "doctor"}, // dangling hospital
			{ID: 2, MobileNumber: "", FullName: "No Phone", HospitalID: 10, Role: "staff"},
			{ID: 3, MobileNumber: "+933333333333", FullName: "Nurse C", HospitalID: 10, Role: "nurse"},
		},
		hospitals: map[int64]*Hospital{10: {ID: 10, Name: "Legacy General"}},
	}

	report, err := NewAdapter(source, svc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Migrated != 1 || report.InvalidReferences != 2 {
		t.Fatalf("report = %+v, want 1 migrated / 2 invalid", report)
	}
	if len(report.Records) != 3 {
		t.Fatalf("records = %d, want a line per input row", len(report.Records))
	}
	for _, rec := range report.Records {
		if rec.Outcome == OutcomeInvalidReference && rec.Detail == "" {
			t.Fatalf("invalid-reference record without detail: %+v", rec)
		}
	}
}

func TestFacilityExternalIDIsDeterministic(t *testing.T) {
	a := FacilityExternalID(42)
	b := FacilityExternalID(42)
	c := FacilityExternalID(43)
	if a != b {
		t.Fatalf("same hospital produced different ids: %s vs %s", a, b)
	}
	if a == c {
		t.Fatalf("different hospitals collided: %s", a)
	}
}

func TestMigrationPreservesExistingPrincipal(t *testing.T) {
	svc := newTestService(t)
	existing, err := svc.RegisterPrincipal(context.Background(), "+911111111111", "Already Here", "", rbac.LoginIndividual)
	if err != nil {
		t.Fatalf("RegisterPrincipal: %v", err)
	}
	source := &fakeSource{
		assignments: []Assignment{
			{ID: 1, MobileNumber: "+911111111111", FullName: "Dr. A", HospitalID: 10, Role: "doctor"},
		},
		hospitals: map[int64]*Hospital{10: {ID: 10, Name: "Legacy General"}},
	}

	report, err := NewAdapter(source, svc).Run(context.Background())
	if err != nil {
		t.Fatalf("Run: %v", err)
	}
	if report.Migrated != 1 {
		t.Fatalf("report = %+v", report)
	}
	p, err := svc.PrincipalByMobile(context.Background(), "+911111111111")
	if err != nil {
		t.Fatalf("PrincipalByMobile: %v", err)
	}
	if p.ID != existing.ID {
		t.Fatal("migration duplicated an existing principal")
	}
	if p.FullName != "Already Here" {
		t.Fatalf("migration overwrote principal name: %q", p.FullName)
	}
}
