package cli

import (
	"fmt"
	"sort"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/hierarchy"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/render"
)

var statsCmd = &cobra.Command{
	Use:   "stats",
	Short: "Show hierarchy shape and unit normalization statistics",
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runStats),
}

var optimizeCmd = &cobra.Command{
	Use:   "optimize",
	Short: "Suggest indexes and cleanups for the work hierarchy",
	Long: `Optimize inspects the schema and the shape of the hierarchy and prints
advice: missing parent or unit indexes, orphaned works and trees deeper than
--max-depth. Nothing is changed.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runOptimize),
}

var optimizeMaxDepth int

func init() {
	rootCmd.AddCommand(statsCmd, optimizeCmd)
	optimizeCmd.Flags().IntVar(&optimizeMaxDepth, "max-depth", 0, "Depth considered excessive (default from config)")
}

type statsReport struct {
	Hierarchy *hierarchy.Statistics `json:"hierarchy" yaml:"hierarchy"`
	Units     *integrity.Statistics `json:"units" yaml:"units"`
}

func runStats(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	hs, err := app.Service.GetHierarchyStatistics(ctx)
	if err != nil {
		return err
	}
	us, err := app.Service.GetBulkOperationStatistics(ctx)
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return r.Render(statsReport{Hierarchy: hs, Units: us}, func() render.Table {
		depth := strconv.Itoa(hs.MaxDepthEstimate)
		if hs.MaxDepthIsEstimated {
			depth = fmt.Sprintf("~%d (sample of %d)", hs.MaxDepthEstimate, hs.DepthSampleSize)
		}
		t := render.KeyValues(
			"works", hs.TotalWorks,
			"roots", hs.RootCount,
			"orphans", hs.OrphanCount,
			"groups", hs.GroupCount,
			"unflagged parents", hs.UnflaggedParents,
			"avg children", strconv.FormatFloat(hs.AverageChildren, 'f', 2, 64),
			"max depth", depth,
			"with unit", us.WithUnit,
			"legacy only", us.LegacyOnly,
			"needing migration", us.NeedingMigration,
			"invalid unit refs", us.InvalidUnitRefs,
			"invalid parent refs", us.InvalidParentRefs,
		)
		statuses := make([]string, 0, len(us.MigrationStatus))
		for s := range us.MigrationStatus {
			statuses = append(statuses, string(s))
		}
		sort.Strings(statuses)
		for _, s := range statuses {
			t.Rows = append(t.Rows, []string{"migrations " + s, strconv.Itoa(us.MigrationStatus[domain.MigrationStatus(s)])})
		}
		return t
	})
}

func runOptimize(app *appctx.App, cmd *cobra.Command, args []string) error {
	res, err := app.Service.GetOptimizationAnalysis(cmd.Context(), depthOrDefault(app, optimizeMaxDepth))
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return r.Render(res, func() render.Table {
		t := render.Table{Headers: []string{"SEVERITY", "KIND", "MESSAGE"}}
		for _, s := range res.Suggestions {
			t.Rows = append(t.Rows, []string{s.Severity, s.Kind, s.Message})
		}
		if len(t.Rows) == 0 {
			t.Rows = append(t.Rows, []string{"info", "ok", "no suggestions"})
		}
		return t
	})
}
