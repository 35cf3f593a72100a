package rbac

import "time"

// LoginType distinguishes parent accounts from facility staff accounts.
type LoginType string

const (
	LoginIndividual LoginType = "individual"
	LoginFacility   LoginType = "facility"
)

// Principal represents a human identity keyed by a mobile number. Principals
// are created on first verified login and deactivated, never deleted.
type Principal struct {
	ID           string    `json:"id"`
	MobileNumber string    `json:"mobile_number"`
	FullName     string    `json:"full_name"`
	Email        string    `json:"email,omitempty"`
	LoginType    LoginType `json:"login_type"`
	Active       bool      `json:"active"`
	CreatedAt    time.Time `json:"created_at"`
	UpdatedAt    time.Time `json:"updated_at"`
}

// Facility represents a hospital/clinic. The serial ID is the storage key;
// ExternalID is the public identifier, unique for the lifetime of the system
// and never reused, even after deactivation.
type Facility struct {
	ID               int64     `json:"-"`
	ExternalID       string    `json:"facility_id"`
	Name             string    `json:"name"`
	Type             string    `json:"facility_type"`
	Address          string    `json:"address,omitempty"`
	City             string    `json:"city,omitempty"`
	State            string    `json:"state,omitempty"`
	Pincode          string    `json:"pincode,omitempty"`
	Phone            string    `json:"phone,omitempty"`
	Email            string    `json:"email,omitempty"`
	Active           bool      `json:"active"`
	LegacyHospitalID int64     `json:"-"`
	CreatedAt        time.Time `json:"created_at"`
	UpdatedAt        time.Time `json:"updated_at"`
}

// Membership joins a principal to a facility with exactly one role. A nil
// FacilityID means global scope and is permitted only for RoleSuperAdmin.
// Memberships are soft-revoked: the full history stays queryable.
type Membership struct {
	ID          string `json:"id"`
	PrincipalID string `json:"principal_id"`
	// FacilityID is the internal storage key; nil for global scope.
	FacilityID *int64 `json:"-"`
	// FacilityExternalID is populated on reads joined against the registry.
	FacilityExternalID string    `json:"facility_id,omitempty"`
	Role               Role      `json:"role"`
	Active             bool      `json:"active"`
	GrantedBy          string    `json:"granted_by,omitempty"`
	CreatedAt          time.Time `json:"created_at"`
	UpdatedAt          time.Time `json:"updated_at"`
}

// Global reports whether the membership carries global scope.
func (m *Membership) Global() bool {
	return m.FacilityID == nil
}

// AuditEntry is an append-only record of a privileged action.
type AuditEntry struct {
	ID           string
	OccurredAt   time.Time
	ActorID      string
	Action       string
	ResourceType string
	ResourceID   string
	Metadata     map[string]string
}

const (
	FacilityTypeHospital     = "hospital"
	FacilityTypeClinic       = "clinic"
	FacilityTypeHealthCenter = "health_center"
)

// ValidFacilityType reports whether t is a recognized facility category.
func ValidFacilityType(t string) bool {
	switch t {
	case FacilityTypeHospital, FacilityTypeClinic, FacilityTypeHealthCenter:
		return true
	}
	return false
}
