package pg

import (
	"context"
	"database/sql"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vaxtrack.org/internal/rbac"
)

// Store is the Postgres persistence layer. It satisfies rbac.Store through
// narrow per-aggregate views so the service layer never sees *sql.DB.
type Store struct {
	db *sql.DB
}

var _ rbac.Store = (*Store)(nil)

func Open(dsn string) (*Store, error) {
	db, err := sql.Open("pgx", dsn)
	if err != nil {
		return nil, err
	}
	// Tuned pool defaults; adjust under load tests
	db.SetMaxOpenConns(50)
	db.SetMaxIdleConns(25)
	db.SetConnMaxLifetime(15 * time.Minute)
	db.SetConnMaxIdleTime(5 * time.Minute)
	return &Store{db: db}, nil
}

// NewWithDB wraps an existing connection. Used by tests and the migration
// tooling, which manage the connection themselves.
func NewWithDB(db *sql.DB) *Store { return &Store{db: db} }

func (s *Store) Close() error { return s.db.Close() }

func (s *Store) DB() *sql.DB { return s.db }

// Ping verifies connectivity for readiness probes.
func (s *Store) Ping(ctx context.Context) error { return s.db.PingContext(ctx) }

func (s *Store) Principals(ctx context.Context) rbac.PrincipalStore   { return principals{s.db} }
func (s *Store) Facilities(ctx context.Context) rbac.FacilityStore    { return facilities{s.db} }
func (s *Store) Memberships(ctx context.Context) rbac.MembershipStore { return memberships{s.db} }
func (s *Store) Audit(ctx context.Context) rbac.AuditStore            { return auditlog{s.db} }
