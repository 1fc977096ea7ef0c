package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"strconv"
	"testing"
	"time"

	"github.com/lherron/boq/internal/db"
)

// TempDB creates a temporary, migrated SQLite database for testing
func TempDB(t *testing.T) *db.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// Ptr returns a pointer to v.
func Ptr[T any](v T) *T {
	return &v
}

// WorkFixture describes a work row to seed. Zero values become column defaults.
type WorkFixture struct {
	UUID       string
	Name       string
	Code       string
	ParentID   *int64
	UnitID     *int64
	LegacyUnit string
	Price      float64
	LaborRate  float64
	IsGroup    bool
	Deleted    bool
	UpdatedAt  time.Time
}

// InsertWork seeds a work and returns its id.
func InsertWork(t *testing.T, database *db.DB, f WorkFixture) int64 {
	t.Helper()

	var uuid, legacy *string
	if f.UUID != "" {
		uuid = &f.UUID
	}
	if f.LegacyUnit != "" {
		legacy = &f.LegacyUnit
	}
	updated := f.UpdatedAt
	if updated.IsZero() {
		updated = time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC)
	}

	res, err := database.Exec(database.Rebind(`
		INSERT INTO works (uuid, name, code, parent_id, unit_id, legacy_unit, price, labor_rate, is_group, marked_for_deletion, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?, ?)
	`), uuid, f.Name, f.Code, f.ParentID, f.UnitID, legacy, f.Price, f.LaborRate, f.IsGroup, f.Deleted, updated, updated)
	if err != nil {
		t.Fatalf("Failed to insert work %q: %v", f.Name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to read work id: %v", err)
	}
	return id
}

// InsertUnit seeds a unit and returns its id.
func InsertUnit(t *testing.T, database *db.DB, name string, deleted bool) int64 {
	t.Helper()
	res, err := database.Exec(database.Rebind(`
		INSERT INTO units (name, marked_for_deletion, updated_at) VALUES (?, ?, ?)
	`), name, deleted, time.Date(2024, 1, 1, 0, 0, 0, 0, time.UTC))
	if err != nil {
		t.Fatalf("Failed to insert unit %q: %v", name, err)
	}
	id, err := res.LastInsertId()
	if err != nil {
		t.Fatalf("Failed to read unit id: %v", err)
	}
	return id
}

// SetParent rewrites a parent link directly, bypassing validation. Used to
// build cyclic or dangling hierarchies.
func SetParent(t *testing.T, database *db.DB, workID int64, parentID *int64) {
	t.Helper()
	if _, err := database.Exec(database.Rebind("UPDATE works SET parent_id = ? WHERE id = ?"), parentID, workID); err != nil {
		t.Fatalf("Failed to set parent of %d: %v", workID, err)
	}
}

// FailCommitsTouching installs a trigger that makes any transaction which
// updates the given work fail at COMMIT. The deferred foreign key violation
// lets every statement succeed so only the commit itself errors.
func FailCommitsTouching(t *testing.T, database *db.DB, workID int64) {
	t.Helper()
	stmts := []string{
		`CREATE TABLE IF NOT EXISTS commit_guard_target (id INTEGER PRIMARY KEY)`,
		`CREATE TABLE IF NOT EXISTS commit_guard (
			ref INTEGER REFERENCES commit_guard_target(id) DEFERRABLE INITIALLY DEFERRED
		)`,
		`CREATE TRIGGER commit_guard_works AFTER UPDATE ON works WHEN NEW.id = ` + itoa(workID) + `
		BEGIN INSERT INTO commit_guard (ref) VALUES (-1); END`,
		`CREATE TRIGGER commit_guard_works_insert AFTER INSERT ON works WHEN NEW.id = ` + itoa(workID) + `
		BEGIN INSERT INTO commit_guard (ref) VALUES (-1); END`,
	}
	for _, stmt := range stmts {
		if _, err := database.Exec(stmt); err != nil {
			t.Fatalf("Failed to install commit guard: %v", err)
		}
	}
}

func itoa(n int64) string {
	return strconv.FormatInt(n, 10)
}

// WriteFile writes content to a file in a temporary directory
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}

// ReadFile reads content from a file
func ReadFile(t *testing.T, path string) string {
	t.Helper()
	data, err := os.ReadFile(path)
	if err != nil {
		t.Fatalf("Failed to read file %s: %v", path, err)
	}
	return string(data)
}

// UUIDFor returns a stable, readable uuid for fixture n.
func UUIDFor(n int) string {
	return fmt.Sprintf("00000000-0000-4000-8000-%012d", n)
}
