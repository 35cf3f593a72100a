package pg

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/jackc/pgx/v5/pgconn"

	"vaxtrack.org/internal/rbac"
)

const (
	pgErrUniqueViolation     = "23505"
	pgErrForeignKeyViolation = "23503"
)

type principals struct{ db *sql.DB }

func (v principals) Create(ctx context.Context, p *rbac.Principal) error {
	_, err := v.db.ExecContext(ctx, `
		insert into users (id, mobile_number, full_name, email, login_type, is_active, created_at, updated_at)
		values ($1, $2, $3, nullif($4, ''), $5, $6, $7, $8)
	`, p.ID, p.MobileNumber, p.FullName, p.Email, p.LoginType, p.Active, p.CreatedAt, p.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return rbac.ErrConflict
	}
	return err
}

const principalColumns = `id, mobile_number, full_name, coalesce(email, ''), login_type, is_active, created_at, updated_at`

func scanPrincipal(row *sql.Row) (*rbac.Principal, error) {
	var p rbac.Principal
	err := row.Scan(&p.ID, &p.MobileNumber, &p.FullName, &p.Email, &p.LoginType, &p.Active, &p.CreatedAt, &p.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &p, nil
}

func (v principals) Find(ctx context.Context, id string) (*rbac.Principal, error) {
	return scanPrincipal(v.db.QueryRowContext(ctx, `
		select `+principalColumns+` from users where id = $1
	`, id))
}

func (v principals) FindByMobile(ctx context.Context, mobile string) (*rbac.Principal, error) {
	return scanPrincipal(v.db.QueryRowContext(ctx, `
		select `+principalColumns+` from users where mobile_number = $1
	`, mobile))
}

func (v principals) SetActive(ctx context.Context, id string, active bool) error {
	res, err := v.db.ExecContext(ctx, `
		update users set is_active = $2, updated_at = now() where id = $1
	`, id, active)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

type facilities struct{ db *sql.DB }

func (v facilities) Create(ctx context.Context, f *rbac.Facility) error {
	err := v.db.QueryRowContext(ctx, `
		insert into facilities (external_id, name, facility_type, address, city, state, pincode, phone, email, is_active, legacy_hospital_id, created_at, updated_at)
		values ($1, $2, $3, $4, $5, $6, $7, $8, $9, $10, nullif($11, 0), $12, $13)
		returning id
	`, f.ExternalID, f.Name, f.Type, f.Address, f.City, f.State, f.Pincode, f.Phone, f.Email,
		f.Active, f.LegacyHospitalID, f.CreatedAt, f.UpdatedAt).Scan(&f.ID)
	if pgErr, ok := maybePgError(err); ok && pgErr.Code == pgErrUniqueViolation {
		return rbac.ErrConflict
	}
	return err
}

const facilityColumns = `id, external_id, name, facility_type, coalesce(address, ''), coalesce(city, ''),
	coalesce(state, ''), coalesce(pincode, ''), coalesce(phone, ''), coalesce(email, ''),
	is_active, coalesce(legacy_hospital_id, 0), created_at, updated_at`

func scanFacilityRow(scan func(dest ...any) error) (*rbac.Facility, error) {
	var f rbac.Facility
	err := scan(&f.ID, &f.ExternalID, &f.Name, &f.Type, &f.Address, &f.City, &f.State,
		&f.Pincode, &f.Phone, &f.Email, &f.Active, &f.LegacyHospitalID, &f.CreatedAt, &f.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	return &f, nil
}

func (v facilities) Find(ctx context.Context, id int64) (*rbac.Facility, error) {
	return scanFacilityRow(v.db.QueryRowContext(ctx, `
		select `+facilityColumns+` from facilities where id = $1
	`, id).Scan)
}

func (v facilities) FindByExternalID(ctx context.Context, externalID string) (*rbac.Facility, error) {
	return scanFacilityRow(v.db.QueryRowContext(ctx, `
		select `+facilityColumns+` from facilities where external_id = $1
	`, externalID).Scan)
}

func (v facilities) FindByLegacyHospitalID(ctx context.Context, hospitalID int64) (*rbac.Facility, error) {
	return scanFacilityRow(v.db.QueryRowContext(ctx, `
		select `+facilityColumns+` from facilities where legacy_hospital_id = $1
	`, hospitalID).Scan)
}

func (v facilities) ListActive(ctx context.Context) ([]*rbac.Facility, error) {
	rows, err := v.db.QueryContext(ctx, `
		select `+facilityColumns+` from facilities where is_active order by name
	`)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var out []*rbac.Facility
	for rows.Next() {
		f, err := scanFacilityRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, f)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (v facilities) Deactivate(ctx context.Context, id int64) error {
	res, err := v.db.ExecContext(ctx, `
		update facilities set is_active = false, updated_at = now() where id = $1
	`, id)
	if err != nil {
		return err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return err
	}
	if aff == 0 {
		return rbac.ErrNotFound
	}
	return nil
}

type memberships struct{ db *sql.DB }

// Create relies on the partial unique index over active (user, facility)
// pairs: two concurrent grants race to the same index entry and the loser
// comes back as a unique violation, which surfaces as ErrConflict.
func (v memberships) Create(ctx context.Context, m *rbac.Membership) error {
	_, err := v.db.ExecContext(ctx, `
		insert into facility_users (id, user_id, facility_id, role, is_active, granted_by, created_at, updated_at)
		values ($1, $2, $3, $4, $5, nullif($6, ''), $7, $8)
	`, m.ID, m.PrincipalID, m.FacilityID, m.Role, m.Active, m.GrantedBy, m.CreatedAt, m.UpdatedAt)
	if pgErr, ok := maybePgError(err); ok {
		switch pgErr.Code {
		case pgErrUniqueViolation:
			return rbac.ErrConflict
		case pgErrForeignKeyViolation:
			return rbac.ErrNotFound
		}
	}
	return err
}

const membershipColumns = `fu.id, fu.user_id, fu.facility_id, coalesce(f.external_id, ''),
	fu.role, fu.is_active, coalesce(fu.granted_by, ''), fu.created_at, fu.updated_at`

func scanMembershipRow(scan func(dest ...any) error) (*rbac.Membership, error) {
	var (
		m   rbac.Membership
		fid sql.NullInt64
	)
	err := scan(&m.ID, &m.PrincipalID, &fid, &m.FacilityExternalID, &m.Role, &m.Active,
		&m.GrantedBy, &m.CreatedAt, &m.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, rbac.ErrNotFound
	}
	if err != nil {
		return nil, err
	}
	if fid.Valid {
		m.FacilityID = &fid.Int64
	}
	return &m, nil
}

func (v memberships) Find(ctx context.Context, id string) (*rbac.Membership, error) {
	return scanMembershipRow(v.db.QueryRowContext(ctx, `
		select `+membershipColumns+`
		from facility_users fu
		left join facilities f on f.id = fu.facility_id
		where fu.id = $1
	`, id).Scan)
}

func (v memberships) Deactivate(ctx context.Context, id string) (bool, error) {
	res, err := v.db.ExecContext(ctx, `
		update facility_users set is_active = false, updated_at = now()
		where id = $1 and is_active
	`, id)
	if err != nil {
		return false, err
	}
	aff, err := res.RowsAffected()
	if err != nil {
		return false, err
	}
	if aff > 0 {
		return true, nil
	}
	// Nothing flipped: either the row is already inactive or it never existed.
	var exists int
	err = v.db.QueryRowContext(ctx, `select 1 from facility_users where id = $1`, id).Scan(&exists)
	if errors.Is(err, sql.ErrNoRows) {
		return false, rbac.ErrNotFound
	}
	if err != nil {
		return false, err
	}
	return false, nil
}

func (v memberships) ActiveForPair(ctx context.Context, principalID string, facilityID *int64) (*rbac.Membership, error) {
	return scanMembershipRow(v.db.QueryRowContext(ctx, `
		select `+membershipColumns+`
		from facility_users fu
		left join facilities f on f.id = fu.facility_id
		where fu.user_id = $1 and fu.facility_id is not distinct from $2 and fu.is_active
	`, principalID, facilityID).Scan)
}

func (v memberships) ListActiveForPrincipal(ctx context.Context, principalID string) ([]*rbac.Membership, error) {
	rows, err := v.db.QueryContext(ctx, `
		select `+membershipColumns+`
		from facility_users fu
		left join facilities f on f.id = fu.facility_id
		where fu.user_id = $1 and fu.is_active
		order by fu.created_at
	`, principalID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

func (v memberships) ListActiveForFacility(ctx context.Context, facilityID int64) ([]*rbac.Membership, error) {
	rows, err := v.db.QueryContext(ctx, `
		select `+membershipColumns+`
		from facility_users fu
		join facilities f on f.id = fu.facility_id
		where fu.facility_id = $1 and fu.is_active
		order by fu.created_at
	`, facilityID)
	if err != nil {
		return nil, err
	}
	defer rows.Close()
	return collectMemberships(rows)
}

func collectMemberships(rows *sql.Rows) ([]*rbac.Membership, error) {
	var out []*rbac.Membership
	for rows.Next() {
		m, err := scanMembershipRow(rows.Scan)
		if err != nil {
			return nil, err
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, err
	}
	return out, nil
}

func (v memberships) HasActiveGlobalAdmin(ctx context.Context) (bool, error) {
	var exists bool
	err := v.db.QueryRowContext(ctx, `
		select exists (
			select 1 from facility_users
			where facility_id is null and role = $1 and is_active
		)
	`, rbac.RoleSuperAdmin).Scan(&exists)
	if err != nil {
		return false, err
	}
	return exists, nil
}

type auditlog struct{ db *sql.DB }

func (v auditlog) Append(ctx context.Context, entry *rbac.AuditEntry) error {
	metaJSON := []byte("{}")
	if len(entry.Metadata) > 0 {
		raw, err := json.Marshal(entry.Metadata)
		if err != nil {
			return fmt.Errorf("marshal metadata: %w", err)
		}
		metaJSON = raw
	}
	_, err := v.db.ExecContext(ctx, `
		insert into audit_log (id, occurred_at, actor_id, action, resource_type, resource_id, metadata)
		values ($1, $2, nullif($3, ''), $4, $5, $6, $7)
	`, entry.ID, entry.OccurredAt, entry.ActorID, entry.Action, entry.ResourceType, entry.ResourceID, metaJSON)
	return err
}

func maybePgError(err error) (*pgconn.PgError, bool) {
	var pgErr *pgconn.PgError
	if errors.As(err, &pgErr) {
		return pgErr, true
	}
	return nil, false
}
