package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/id"
	"github.com/lherron/boq/internal/render"
)

var migrateUnitsCmd = &cobra.Command{
	Use:   "migrate-units [WORK...]",
	Short: "Match legacy unit text onto the unit catalog",
	Long: `Migrate-units resolves the free-text legacy unit of works that have no unit
yet. Matches at or above --threshold are applied; everything else is queued
for manual review with the best candidate. Without arguments every work that
still needs migration is processed. Re-running only touches works that still
need it.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runMigrateUnits),
}

var pendingCmd = &cobra.Command{
	Use:   "pending",
	Short: "List legacy unit migrations awaiting manual review",
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runPending),
}

var (
	migrateThreshold float64
	pendingLimit     int
)

func init() {
	rootCmd.AddCommand(migrateUnitsCmd, pendingCmd)

	migrateUnitsCmd.Flags().Float64Var(&migrateThreshold, "threshold", -1, "Auto-apply confidence between 0 and 1 (default from config)")
	migrateUnitsCmd.Flags().IntVar(&batchSizeFlag, "batch-size", 0, "Works per batch (default from config)")

	pendingCmd.Flags().IntVar(&pendingLimit, "limit", 0, "Maximum rows (default from config page size)")
}

func runMigrateUnits(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	ids, err := resolveWorkIDs(ctx, app, args)
	if err != nil {
		return err
	}
	threshold := migrateThreshold
	if !cmd.Flags().Changed("threshold") {
		threshold = app.Config.AutoApplyThreshold
	}

	res, err := app.Service.BulkMigrateLegacyUnits(batchContext(app, cmd), ids, threshold, batchSizeOrDefault(app))
	if err != nil {
		return exitError(2, err)
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table {
		return summaryTable(res.Errors,
			"migrated", res.MigratedCount, "pending", res.PendingCount, "skipped", res.SkippedCount,
			"errors", res.ErrorCount, "batches", res.Batches, "total", res.Total)
	}); err != nil {
		return err
	}
	return batchFailed(res.ErrorCount)
}

func runPending(app *appctx.App, cmd *cobra.Command, args []string) error {
	limit := pendingLimit
	if limit <= 0 {
		limit = app.Config.DefaultPageSize
	}
	pending, err := app.Service.ListPendingMigrations(cmd.Context(), limit)
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return r.Render(pending, func() render.Table {
		t := render.Table{Headers: []string{"WORK", "LEGACY", "CANDIDATE", "SCORE", "REASON"}}
		for _, p := range pending {
			candidate := ""
			if p.MatchedUnitID != nil {
				candidate = id.FormatUnit(*p.MatchedUnitID)
			}
			t.Rows = append(t.Rows, []string{
				id.FormatWork(p.WorkID), strconv.Quote(p.LegacyUnit), candidate,
				fmt.Sprintf("%.2f", p.ConfidenceScore), p.ReviewReason,
			})
		}
		return t
	})
}
