// Package legacy imports hospital_users rows from the previous single-tenant
// deployment into the membership ledger.
package legacy

import (
	"context"
	"database/sql"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"vaxtrack.org/internal/rbac"
)

// Assignment is one legacy hospital_users row.
type Assignment struct {
	ID           int64
	MobileNumber string
	FullName     string
	HospitalID   int64
	Role         string
}

// Hospital is a legacy hospital row referenced by assignments.
type Hospital struct {
	ID      int64
	Name    string
	Address string
	City    string
	State   string
	Pincode string
}

// Source reads the legacy schema. Implementations must return assignments in
// a stable order so repeated runs produce identical reports.
type Source interface {
	ActiveAssignments(ctx context.Context) ([]Assignment, error)
	Hospital(ctx context.Context, id int64) (*Hospital, error)
}

// facilityNamespace seeds deterministic external identifiers: the same legacy
// hospital maps to the same facility on every run, on every environment.
var facilityNamespace = uuid.MustParse("6ba7b810-9dad-11d1-80b4-00c04fd430c8")

// FacilityExternalID derives the stable public identifier for a legacy
// hospital.
func FacilityExternalID(hospitalID int64) string {
	return uuid.NewSHA1(facilityNamespace, []byte(fmt.Sprintf("legacy-hospital-%d", hospitalID))).String()
}

// Outcome classifies what happened to one legacy row.
type Outcome string

const (
	OutcomeMigrated         Outcome = "migrated"
	OutcomeAlreadyPresent   Outcome = "skipped-already-present"
	OutcomeInvalidReference Outcome = "skipped-invalid-reference"
)

// RecordResult is the per-row line of a migration report.
type RecordResult struct {
	AssignmentID int64   `json:"assignment_id"`
	MobileNumber string  `json:"mobile_number"`
	Outcome      Outcome `json:"outcome"`
	Detail       string  `json:"detail,omitempty"`
}

// Report summarizes one migration run.
type Report struct {
	Migrated          int            `json:"migrated"`
	AlreadyPresent    int            `json:"skipped_already_present"`
	InvalidReferences int            `json:"skipped_invalid_reference"`
	Records           []RecordResult `json:"records"`
}

func (r *Report) add(res RecordResult) {
	switch res.Outcome {
	case OutcomeMigrated:
		r.Migrated++
	case OutcomeAlreadyPresent:
		r.AlreadyPresent++
	case OutcomeInvalidReference:
		r.InvalidReferences++
	}
	r.Records = append(r.Records, res)
}

// Adapter copies legacy assignments into the ledger.
type Adapter struct {
	source Source
	svc    *rbac.Service
}

func NewAdapter(source Source, svc *rbac.Service) *Adapter {
	return &Adapter{source: source, svc: svc}
}

// Run migrates every active legacy assignment. The run is idempotent: rows
// whose principal already holds an active membership at the mapped facility
// are skipped, so a crashed run can simply be restarted. A bad row never
// aborts the batch; it is reported and the run moves on.
func (a *Adapter) Run(ctx context.Context) (*Report, error) {
	assignments, err := a.source.ActiveAssignments(ctx)
	if err != nil {
		return nil, fmt.Errorf("read legacy assignments: %w", err)
	}

	report := &Report{}
	for _, la := range assignments {
		res := a.migrateOne(ctx, la)
		res.AssignmentID = la.ID
		res.MobileNumber = la.MobileNumber
		report.add(res)
	}
	return report, nil
}

func (a *Adapter) migrateOne(ctx context.Context, la Assignment) RecordResult {
	if la.MobileNumber == "" {
		return RecordResult{Outcome: OutcomeInvalidReference, Detail: "empty mobile number"}
	}

	facility, err := a.ensureFacility(ctx, la.HospitalID)
	if err != nil {
		return RecordResult{Outcome: OutcomeInvalidReference, Detail: err.Error()}
	}

	principal, err := a.ensurePrincipal(ctx, la)
	if err != nil {
		return RecordResult{Outcome: OutcomeInvalidReference, Detail: err.Error()}
	}

	_, err = a.svc.Grant(ctx, rbac.GrantRequest{
		PrincipalID: principal.ID,
		FacilityID:  &facility.ID,
		Role:        rbac.RoleFromLegacy(la.Role),
	})
	switch {
	case errors.Is(err, rbac.ErrConflict):
		return RecordResult{Outcome: OutcomeAlreadyPresent}
	case err != nil:
		return RecordResult{Outcome: OutcomeInvalidReference, Detail: err.Error()}
	}
	return RecordResult{Outcome: OutcomeMigrated}
}

// ensureFacility resolves the facility for a legacy hospital, creating it on
// first sight with its deterministic external identifier.
func (a *Adapter) ensureFacility(ctx context.Context, hospitalID int64) (*rbac.Facility, error) {
	facility, err := a.svc.FacilityByExternalID(ctx, FacilityExternalID(hospitalID))
	if err == nil {
		return facility, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, err
	}

	hospital, err := a.source.Hospital(ctx, hospitalID)
	if err != nil {
		return nil, fmt.Errorf("legacy hospital %d: %w", hospitalID, err)
	}
	return a.svc.CreateFacility(ctx, &rbac.Facility{
		ExternalID:       FacilityExternalID(hospitalID),
		Name:             hospital.Name,
		Type:             rbac.FacilityTypeHospital,
		Address:          hospital.Address,
		City:             hospital.City,
		State:            hospital.State,
		Pincode:          hospital.Pincode,
		LegacyHospitalID: hospitalID,
	}, "")
}

func (a *Adapter) ensurePrincipal(ctx context.Context, la Assignment) (*rbac.Principal, error) {
	principal, err := a.svc.PrincipalByMobile(ctx, la.MobileNumber)
	if err == nil {
		return principal, nil
	}
	if !errors.Is(err, rbac.ErrNotFound) {
		return nil, err
	}
	fullName := la.FullName
	if fullName == "" {
		fullName = "Legacy User"
	}
	return a.svc.RegisterPrincipal(ctx, la.MobileNumber, fullName, "", rbac.LoginFacility)
}

// SQLSource reads the legacy schema over database/sql.
type SQLSource struct {
	db *sql.DB
}

func NewSQLSource(db *sql.DB) *SQLSource { return &SQLSource{db: db} }

func (s *SQLSource) ActiveAssignments(ctx context.Context) ([]Assignment, error) {
	rows, err := s.db.QueryContext(ctx, `
		select id, mobile_number, coalesce(full_name, ''), hospital_id, coalesce(role, '')
		from hospital_users
		where is_active
		order by id
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []Assignment
	for rows.Next() {
		var la Assignment
		if err := rows.Scan(&la.ID, &la.MobileNumber, &la.FullName, &la.HospitalID, &la.Role); err != nil {
			return nil, err
		}
		out = append(out, la)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (s *SQLSource) Hospital(ctx context.Context, id int64) (*Hospital, error) {
	var h Hospital
	err := s.db.QueryRowContext(ctx, `
		select id, name, coalesce(address, ''), coalesce(city, ''), coalesce(state, ''), coalesce(pincode, '')
		from hospitals
		where id = $1
	`, id).Scan(&h.ID, &h.Name, &h.Address, &h.City, &h.State, &h.Pincode)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("hospital %d not found", id)
	}
	if err != nil {
		return nil, err
	}
	return &h, nil
}
