package store

import (
	"context"
	"database/sql"
	"errors"
	"os"
	"path/filepath"
	"strings"
	"testing"
	"time"

	"github.com/jackc/pgx/v5/pgconn"
)

// openTestPostgres returns a freshly migrated database, or skips when
// COLLAB_TEST_DATABASE_URL is not set.
func openTestPostgres(t *testing.T) *sql.DB {
	t.Helper()
	if testing.Short() {
		t.Skip("skipping integration test in short mode")
	}
	dsn := strings.TrimSpace(os.Getenv("COLLAB_TEST_DATABASE_URL"))
	if dsn == "" {
		t.Skip("COLLAB_TEST_DATABASE_URL is not set")
	}

	ctx, cancel := context.WithTimeout(context.Background(), time.Minute)
	defer cancel()

	db, err := OpenPostgres(ctx, dsn)
	if err != nil {
		t.Fatalf("open postgres: %v", err)
	}
	t.Cleanup(func() { _ = db.Close() })

	if _, err := db.ExecContext(ctx, `DROP SCHEMA IF EXISTS public CASCADE; CREATE SCHEMA public;`); err != nil {
		t.Fatalf("reset schema: %v", err)
	}
	if err := ApplyMigrations(ctx, db, filepath.Join("..", "..", "db", "migrations")); err != nil {
		t.Fatalf("apply migrations: %v", err)
	}
	return db
}

func TestPostgresStoreContract(t *testing.T) {
	db := openTestPostgres(t)
	runRepositoryContract(t, NewPostgresStore(db))
}

func TestMigrationsRoundTripPostgres(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	migrationsDir := filepath.Join("..", "..", "db", "migrations")

	if err := RollbackMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("rollback migrations: %v", err)
	}
	var remaining int
	if err := db.QueryRowContext(ctx, `SELECT COUNT(*) FROM schema_migrations`).Scan(&remaining); err != nil {
		t.Fatalf("count schema_migrations: %v", err)
	}
	if remaining != 0 {
		t.Fatalf("schema_migrations has %d rows after rollback, want 0", remaining)
	}
	if err := ApplyMigrations(ctx, db, migrationsDir); err != nil {
		t.Fatalf("apply up migrations (pass 2): %v", err)
	}
}

func TestActivitiesAreAppendOnly(t *testing.T) {
	db := openTestPostgres(t)
	ctx := context.Background()
	s := NewPostgresStore(db)

	owner := mustUser(t, s, "Owner")
	now := time.Now().UTC()
	if err := s.InsertBoard(ctx, Board{ID: "brd_append", Title: "Audit", OwnerID: owner.ID, CreatedAt: now, UpdatedAt: now}); err != nil {
		t.Fatalf("InsertBoard() error = %v", err)
	}
	if _, err := s.AppendActivity(ctx, Activity{ID: "act_append", BoardID: "brd_append", ActorID: owner.ID, Action: "BOARD_CREATED", TargetType: "Board", TargetID: "brd_append", CreatedAt: now}); err != nil {
		t.Fatalf("AppendActivity() error = %v", err)
	}

	_, err := db.ExecContext(ctx, `UPDATE activities SET action = 'BOARD_RENAMED' WHERE id = 'act_append'`)
	if err == nil {
		t.Fatal("expected UPDATE on activities to be rejected")
	}
	var pgErr *pgconn.PgError
	if !errors.As(err, &pgErr) || !strings.Contains(pgErr.Message, "append-only") {
		t.Fatalf("unexpected error: %v", err)
	}

	if n, err := s.DeleteActivitiesByBoard(ctx, "brd_append"); err != nil || n != 1 {
		t.Fatalf("DeleteActivitiesByBoard() = %d, %v; want 1", n, err)
	}
}
