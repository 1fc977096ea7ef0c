package appctx

import (
	"path/filepath"
	"strings"
	"testing"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/db"
)

func testCmd() *cobra.Command {
	cmd := &cobra.Command{}
	cmd.Flags().String("db", "", "Database path")
	cmd.Flags().String("driver", "", "Driver")
	cmd.Flags().String("output", "", "Output")
	cmd.Flags().String("tree-strategy", "", "Strategy")
	return cmd
}

func isolate(t *testing.T) {
	t.Helper()
	t.Setenv("HOME", t.TempDir())
	t.Setenv("BOQ_DB_PATH", "")
	t.Setenv("BOQ_DB_DRIVER", "")
	t.Chdir(t.TempDir())
}

func TestBootstrap_ConfigOnly(t *testing.T) {
	isolate(t)
	t.Setenv("BOQ_DB_PATH", filepath.Join(t.TempDir(), "unused.db"))

	app, err := Bootstrap(testCmd(), Options{})
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.Config == nil || app.Logger == nil {
		t.Fatal("config and logger must be set")
	}
	if app.DB != nil || app.Service != nil {
		t.Error("DB and Service should be nil when NeedsDB is false")
	}
}

func TestBootstrap_WithDB(t *testing.T) {
	isolate(t)
	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to open database: %v", err)
	}
	if err := database.Migrate(); err != nil {
		t.Fatalf("Failed to run migrations: %v", err)
	}
	database.Close()

	cmd := testCmd()
	if err := cmd.Flags().Set("db", dbPath); err != nil {
		t.Fatal(err)
	}
	if err := cmd.Flags().Set("tree-strategy", "iterative"); err != nil {
		t.Fatal(err)
	}

	app, err := Bootstrap(cmd, DefaultOptions())
	if err != nil {
		t.Fatalf("Bootstrap failed: %v", err)
	}
	defer app.Close()

	if app.DB == nil || app.Store == nil || app.Service == nil {
		t.Fatal("DB, Store and Service must be set when NeedsDB is true")
	}
	if app.Config.DBPath != dbPath {
		t.Errorf("DBPath = %q, want flag value %q", app.Config.DBPath, dbPath)
	}
	if got := app.Service.TreeStrategy(); got != "iterative" {
		t.Errorf("TreeStrategy = %q, want iterative", got)
	}

	app.Close()
	app.Close() // safe to call twice
}

func TestBootstrap_PendingMigrations(t *testing.T) {
	isolate(t)
	cmd := testCmd()
	if err := cmd.Flags().Set("db", filepath.Join(t.TempDir(), "fresh.db")); err != nil {
		t.Fatal(err)
	}

	_, err := Bootstrap(cmd, DefaultOptions())
	if err == nil || !strings.Contains(err.Error(), "requires migration") {
		t.Fatalf("expected migration error, got %v", err)
	}

	app, err := Bootstrap(cmd, Options{NeedsDB: true, SkipMigrationCheck: true})
	if err != nil {
		t.Fatalf("Bootstrap with SkipMigrationCheck failed: %v", err)
	}
	app.Close()
}

func TestBootstrap_InvalidTreeStrategy(t *testing.T) {
	isolate(t)
	cmd := testCmd()
	if err := cmd.Flags().Set("tree-strategy", "sideways"); err != nil {
		t.Fatal(err)
	}
	if _, err := Bootstrap(cmd, Options{}); err == nil {
		t.Fatal("expected invalid tree strategy to fail")
	}
}
