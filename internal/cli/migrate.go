package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/db"
)

var migrateCmd = &cobra.Command{
	Use:   "migrate",
	Short: "Run any pending database migrations",
	Long: `Migrate applies any pending SQL migrations to the database.

Migrations are embedded in the binary per backend and tracked via the
schema_migrations table. Each migration file is applied exactly once, so the
command is safe to run repeatedly.

Use --dry-run to see which migrations would be applied without running them.
Use --status to show the current migration status.`,
	RunE: appctx.WithApp(appctx.Options{NeedsDB: true, SkipMigrationCheck: true}, runMigrate),
}

var (
	migrateDryRun bool
	migrateStatus bool
)

func init() {
	rootCmd.AddCommand(migrateCmd)

	migrateCmd.Flags().BoolVar(&migrateDryRun, "dry-run", false, "Show which migrations would be applied without running them")
	migrateCmd.Flags().BoolVar(&migrateStatus, "status", false, "Show current migration status")
}

func runMigrate(app *appctx.App, cmd *cobra.Command, args []string) error {
	out := cmd.OutOrStdout()

	if migrateStatus {
		return showMigrationStatus(app.DB, cmd)
	}
	if migrateDryRun {
		_, pending, err := app.DB.MigrationStatus()
		if err != nil {
			return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
		}
		if len(pending) == 0 {
			fmt.Fprintln(out, "No pending migrations. Database is up to date.")
			return nil
		}
		fmt.Fprintln(out, "Pending migrations (would be applied):")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
		fmt.Fprintf(out, "\nTotal: %d migration(s) would be applied.\n", len(pending))
		return nil
	}

	applied, err := app.DB.MigrateWithInfo()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to run migrations: %w", err))
	}
	if len(applied) == 0 {
		fmt.Fprintln(out, "Database is up to date. No migrations to apply.")
		return nil
	}
	for _, m := range applied {
		fmt.Fprintf(out, "✓ Applied migration: %s\n", m)
	}
	fmt.Fprintf(out, "\nApplied %d migration(s).\n", len(applied))
	return nil
}

func showMigrationStatus(database *db.DB, cmd *cobra.Command) error {
	out := cmd.OutOrStdout()
	applied, pending, err := database.MigrationStatus()
	if err != nil {
		return exitError(1, fmt.Errorf("failed to get migration status: %w", err))
	}

	fmt.Fprintf(out, "Backend: %s\n", database.Dialect().Name)
	if len(applied) == 0 && len(pending) == 0 {
		fmt.Fprintln(out, "No migrations found.")
		return nil
	}
	if len(applied) > 0 {
		fmt.Fprintln(out, "Applied migrations:")
		for _, m := range applied {
			fmt.Fprintf(out, "  ✓ %s\n", m)
		}
	}
	if len(pending) > 0 {
		if len(applied) > 0 {
			fmt.Fprintln(out)
		}
		fmt.Fprintln(out, "Pending migrations:")
		for _, m := range pending {
			fmt.Fprintf(out, "  ○ %s\n", m)
		}
	}
	return nil
}
