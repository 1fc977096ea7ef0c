package cli

import (
	"fmt"
	"strconv"
	"strings"
	"time"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/render"
	"github.com/lherron/boq/internal/snapshot"
	"github.com/lherron/boq/internal/uuidsync"
)

var exportCmd = &cobra.Command{
	Use:   "export FILE",
	Short: "Write uuid-addressed works to a sync payload",
	Long: `Export writes every work with a uuid, or only those changed since --since,
to FILE as canonical JSON. The payload carries a sha256 revision of its
content that sync verifies before applying it.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runExport),
}

var syncCmd = &cobra.Command{
	Use:   "sync FILE",
	Short: "Apply a sync payload from another database copy",
	Long: `Sync matches the works in FILE to local works by uuid. Unknown uuids are
created, equal timestamps are left alone and differing timestamps are
resolved with --strategy:

  latest-wins             the newer side wins every field
  merge-non-conflicting   fill empty or zero local fields from the payload
  manual-review           record the conflict and change nothing
  skip-conflict           change nothing

--direction push never changes the local database; works where the local
copy wins are written to --outgoing instead. The whole payload commits as
one transaction.`,
	Args: cobra.ExactArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runSync),
}

var backfillCmd = &cobra.Command{
	Use:   "backfill-uuids",
	Short: "Assign uuids to works and units that have none",
	Long: `Backfill-uuids derives a uuid from the local id of each unit and work that
has none, so every database copy derives the same uuid for the same id. A
derived uuid that is already taken falls back to a random one.`,
	RunE: appctx.WithApp(appctx.DefaultOptions(), runBackfill),
}

var checkUUIDsCmd = &cobra.Command{
	Use:   "check-uuids",
	Short: "Find references to missing or deleted works and units",
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runCheckUUIDs),
}

var (
	exportSince   string
	syncDirection string
	syncStrategy  string
	syncOutgoing  string
	checkSample   int
)

func init() {
	rootCmd.AddCommand(exportCmd, syncCmd, backfillCmd, checkUUIDsCmd)

	exportCmd.Flags().StringVar(&exportSince, "since", "", "Only works updated at or after this RFC 3339 time")

	syncCmd.Flags().StringVar(&syncDirection, "direction", string(uuidsync.DirectionPull), "pull, push or both")
	syncCmd.Flags().StringVar(&syncStrategy, "strategy", string(uuidsync.StrategyLatestWins), "Conflict strategy")
	syncCmd.Flags().StringVar(&syncOutgoing, "outgoing", "", "Write works the remote copy should take to this file")

	backfillCmd.Flags().IntVar(&batchSizeFlag, "batch-size", 0, "Rows per transaction (default from config)")

	checkUUIDsCmd.Flags().IntVar(&checkSample, "sample", uuidsync.DefaultSampleSize, "Offending values listed per check")
}

func runExport(app *appctx.App, cmd *cobra.Command, args []string) error {
	var since *time.Time
	if exportSince != "" {
		t, err := domain.ValidateTimestamp(exportSince)
		if err != nil {
			return exitError(2, fmt.Errorf("--since: %w", err))
		}
		since = &t
	}

	works, err := app.Service.ExportForSync(cmd.Context(), since)
	if err != nil {
		return err
	}
	rev, err := snapshot.WriteFile(args[0], snapshot.New(app.DB.Dialect().Name, works))
	if err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Exported %d work(s) to %s (%s)\n", len(works), args[0], rev)
	return nil
}

func runSync(app *appctx.App, cmd *cobra.Command, args []string) error {
	direction, err := uuidsync.ParseDirection(syncDirection)
	if err != nil {
		return exitError(2, err)
	}
	strategy, err := uuidsync.ParseStrategy(syncStrategy)
	if err != nil {
		return exitError(2, err)
	}
	payload, err := snapshot.ReadFile(args[0])
	if err != nil {
		return exitError(2, err)
	}

	res, err := app.Service.SynchronizeWorksByUUID(cmd.Context(), payload.Works, direction, strategy)
	if err != nil {
		return err
	}

	if syncOutgoing != "" && len(res.Outgoing) > 0 {
		if _, err := snapshot.WriteFile(syncOutgoing, snapshot.New(app.DB.Dialect().Name, res.Outgoing)); err != nil {
			return err
		}
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table {
		return summaryTable(res.Errors,
			"committed", res.Committed, "created", res.Created, "updated", res.Updated, "skipped", res.Skipped,
			"conflicts detected", res.ConflictsDetected, "conflicts resolved", res.ConflictsResolved,
			"outgoing", len(res.Outgoing))
	}); err != nil {
		return err
	}
	if !res.Committed {
		return exitError(1, fmt.Errorf("synchronization was not committed"))
	}
	return batchFailed(len(res.Errors))
}

func runBackfill(app *appctx.App, cmd *cobra.Command, args []string) error {
	res, err := app.Service.BackfillUUIDs(cmd.Context(), batchSizeOrDefault(app))
	if res == nil {
		return err
	}

	r, rerr := newRenderer(app, cmd)
	if rerr != nil {
		return rerr
	}
	if rerr := r.Render(res, func() render.Table {
		return summaryTable(res.Errors,
			"units assigned", res.UnitsAssigned, "works assigned", res.WorksAssigned,
			"collisions", res.Collisions, "batches", res.Batches)
	}); rerr != nil {
		return rerr
	}
	if err != nil {
		return err
	}
	return batchFailed(len(res.Errors))
}

func runCheckUUIDs(app *appctx.App, cmd *cobra.Command, args []string) error {
	report, err := app.Service.ValidateUUIDRelationships(cmd.Context(), checkSample)
	if err != nil {
		return err
	}

	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(report, func() render.Table {
		t := render.Table{Headers: []string{"TABLE", "COLUMN", "ORPHANS", "SAMPLE"}}
		for _, c := range report.Checks {
			t.Rows = append(t.Rows, []string{c.Table, c.Column, strconv.Itoa(c.Count), strings.Join(c.Sample, ",")})
		}
		return t
	}); err != nil {
		return err
	}
	return batchFailed(report.TotalOrphans)
}
