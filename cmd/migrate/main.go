package main

import (
	"context"
	"database/sql"
	"encoding/json"
	"flag"
	"fmt"
	"log"
	"os"
	"time"

	_ "github.com/jackc/pgx/v5/stdlib"

	"vaxtrack.org/internal/legacy"
	"vaxtrack.org/internal/migrate"
	"vaxtrack.org/internal/rbac"
	"vaxtrack.org/internal/store/pg"
)

func main() {
	log.SetFlags(0)
	var (
		dsn            = flag.String("dsn", os.Getenv("VAX_PG_DSN"), "PostgreSQL DSN")
		legacyDSN      = flag.String("legacy-dsn", os.Getenv("VAX_LEGACY_PG_DSN"), "Legacy database DSN (for the legacy action)")
		migrationsPath = flag.String("migrations", "migrations", "Path to SQL migrations")
		seedsPath      = flag.String("seeds", "migrations/seeds", "Path to SQL seeds")
	)
	flag.Parse()

	if *dsn == "" {
		log.Fatal("missing DSN: provide via -dsn or VAX_PG_DSN")
	}
	if len(flag.Args()) == 0 {
		log.Fatal("usage: migrate [up|down|seed|status|legacy]")
	}

	ctx, cancel := context.WithTimeout(context.Background(), 5*time.Minute)
	defer cancel()

	db, err := sql.Open("pgx", *dsn)
	if err != nil {
		log.Fatalf("open db: %v", err)
	}
	defer db.Close()

	mgr := migrate.NewManager(db, *migrationsPath, *seedsPath)

	switch flag.Arg(0) {
	case "up":
		err = mgr.Up(ctx)
	case "down":
		err = mgr.Down(ctx)
	case "seed":
		err = mgr.Seed(ctx)
	case "status":
		var history []string
		history, err = mgr.Status(ctx)
		if err == nil {
			for _, item := range history {
				fmt.Println(item)
			}
		}
	case "legacy":
		err = runLegacy(ctx, db, *legacyDSN)
	default:
		log.Fatalf("unknown command %q", flag.Arg(0))
	}
	if err != nil {
		log.Fatalf("migrate %s: %v", flag.Arg(0), err)
	}
}

// runLegacy imports hospital_users from the previous deployment and prints a
// JSON report.
func runLegacy(ctx context.Context, db *sql.DB, legacyDSN string) error {
	if legacyDSN == "" {
		return fmt.Errorf("missing legacy DSN: provide via -legacy-dsn or VAX_LEGACY_PG_DSN")
	}
	legacyDB, err := sql.Open("pgx", legacyDSN)
	if err != nil {
		return fmt.Errorf("open legacy db: %w", err)
	}
	defer legacyDB.Close()

	svc, err := rbac.NewService(pg.NewWithDB(db))
	if err != nil {
		return err
	}
	report, err := legacy.NewAdapter(legacy.NewSQLSource(legacyDB), svc).Run(ctx)
	if err != nil {
		return err
	}
	enc := json.NewEncoder(os.Stdout)
	enc.SetIndent("", "  ")
	return enc.Encode(report)
}
