package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/integrity"
	"github.com/lherron/boq/internal/render"
)

var validateCmd = &cobra.Command{
	Use:   "validate [WORK...]",
	Short: "Check unit and parent references of works",
	Long: `Validate checks that each work's unit exists and is live, that its parent
exists and is live, and that its parent chain does not loop back to it.
Without arguments every work is checked. Exits 4 when any record is invalid.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runValidate),
}

var reassignCmd = &cobra.Command{
	Use:   "reassign [WORK=UNIT...]",
	Short: "Point works at new units in batches",
	Long: `Reassign sets the unit of each work. Mappings are given as WORK=UNIT
arguments (W-00012=U-00003, 12=3) or with --file, a JSON or YAML list of
{work_id, unit_id} objects. Each batch commits on its own; a failure in one
batch does not undo earlier ones.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runReassign),
}

var (
	validateSkipUnits     bool
	validateSkipHierarchy bool
	batchSizeFlag         int
	reassignFile          string
	reassignNoValidate    bool
)

func init() {
	rootCmd.AddCommand(validateCmd, reassignCmd)

	validateCmd.Flags().BoolVar(&validateSkipUnits, "skip-units", false, "Do not check unit references")
	validateCmd.Flags().BoolVar(&validateSkipHierarchy, "skip-hierarchy", false, "Do not check parent references and cycles")
	validateCmd.Flags().IntVar(&batchSizeFlag, "batch-size", 0, "Records per batch (default from config)")

	reassignCmd.Flags().StringVarP(&reassignFile, "file", "f", "", "JSON or YAML file with mappings (- for stdin)")
	reassignCmd.Flags().BoolVar(&reassignNoValidate, "no-validate", false, "Skip the unit existence check")
	reassignCmd.Flags().IntVar(&batchSizeFlag, "batch-size", 0, "Mappings per batch (default from config)")
}

func batchSizeOrDefault(app *appctx.App) int {
	if batchSizeFlag > 0 {
		return batchSizeFlag
	}
	return app.Config.DefaultBatchSize
}

func runValidate(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()

	var ids []int64
	var err error
	if len(args) > 0 {
		ids, err = resolveWorkIDs(ctx, app, args)
	} else {
		err = app.DB.SelectContext(ctx, &ids, "SELECT id FROM works ORDER BY id")
	}
	if err != nil {
		return err
	}

	res, err := app.Service.BulkValidateReferentialIntegrity(batchContext(app, cmd), ids, !validateSkipUnits, !validateSkipHierarchy, batchSizeOrDefault(app))
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table {
		return summaryTable(res.Errors, "valid", res.ValidCount, "invalid", res.InvalidCount, "batches", res.Batches, "total", res.Total)
	}); err != nil {
		return err
	}
	return batchFailed(res.InvalidCount)
}

func runReassign(app *appctx.App, cmd *cobra.Command, args []string) error {
	var mappings []integrity.UnitMapping
	if reassignFile != "" {
		if err := decodeFile(reassignFile, &mappings); err != nil {
			return err
		}
	}
	for _, arg := range args {
		m, err := parseMapping(cmd, app, arg)
		if err != nil {
			return err
		}
		mappings = append(mappings, m)
	}
	if len(mappings) == 0 {
		return exitError(2, fmt.Errorf("no mappings given"))
	}

	res, err := app.Service.BulkUpdateUnitAssignments(batchContext(app, cmd), mappings, !reassignNoValidate, batchSizeOrDefault(app))
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table {
		return summaryTable(res.Errors, "succeeded", res.SuccessCount, "failed", res.FailureCount, "batches", res.Batches, "total", res.Total)
	}); err != nil {
		return err
	}
	return batchFailed(res.FailureCount)
}

func parseMapping(cmd *cobra.Command, app *appctx.App, arg string) (integrity.UnitMapping, error) {
	work, unit, ok := strings.Cut(arg, "=")
	if !ok {
		return integrity.UnitMapping{}, exitError(2, fmt.Errorf("invalid mapping %q: want WORK=UNIT", arg))
	}
	workID, err := resolveWorkID(cmd.Context(), app, work)
	if err != nil {
		return integrity.UnitMapping{}, err
	}
	unitID, err := resolveUnitID(unit)
	if err != nil {
		return integrity.UnitMapping{}, err
	}
	return integrity.UnitMapping{WorkID: workID, UnitID: unitID}, nil
}

// summaryTable lists counters followed by one row per reported error.
func summaryTable(errs []string, counters ...any) render.Table {
	t := render.KeyValues(counters...)
	for i, e := range errs {
		t.Rows = append(t.Rows, []string{"error " + strconv.Itoa(i+1), e})
	}
	return t
}
