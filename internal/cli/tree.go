package cli

import (
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/domain"
	"github.com/lherron/boq/internal/hierarchy"
	"github.com/lherron/boq/internal/id"
	"github.com/lherron/boq/internal/render"
	"github.com/lherron/boq/internal/service"
)

var treeCmd = &cobra.Command{
	Use:   "tree [WORK]",
	Short: "List the work tree, one page at a time",
	Long: `Tree lists the works below WORK, or the whole forest when no work is given.
Rows are ordered parent before child with siblings in id order. WORK may be a
friendly id (W-00042), a numeric id or a uuid.`,
	Args: cobra.MaximumNArgs(1),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runTree),
}

var ancestorsCmd = &cobra.Command{
	Use:   "ancestors WORK",
	Short: "Show the chain of groups above a work, root first",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runAncestors),
}

var descendantsCmd = &cobra.Command{
	Use:   "descendants WORK",
	Short: "List every work below a work, level by level",
	Args:  cobra.ExactArgs(1),
	RunE:  appctx.WithApp(appctx.DefaultOptions(), runDescendants),
}

var (
	treeMaxDepth       int
	treePage           int
	treePageSize       int
	treeUnits          bool
	treeIncludeDeleted bool
	ancestorsSelf      bool
)

func init() {
	rootCmd.AddCommand(treeCmd, ancestorsCmd, descendantsCmd)

	treeCmd.Flags().IntVar(&treeMaxDepth, "max-depth", 0, "Levels to descend (default from config)")
	treeCmd.Flags().IntVar(&treePage, "page", 1, "Page number")
	treeCmd.Flags().IntVar(&treePageSize, "page-size", 0, "Rows per page (default from config)")
	treeCmd.Flags().BoolVar(&treeUnits, "units", false, "Include unit names")
	treeCmd.Flags().BoolVar(&treeIncludeDeleted, "include-deleted", false, "Include works marked for deletion")

	ancestorsCmd.Flags().BoolVar(&ancestorsSelf, "self", false, "Include the work itself")

	descendantsCmd.Flags().IntVar(&treeMaxDepth, "max-depth", 0, "Levels to descend (default from config)")
	descendantsCmd.Flags().BoolVar(&treeIncludeDeleted, "include-deleted", false, "Include works marked for deletion")
}

func depthOrDefault(app *appctx.App, depth int) int {
	if depth == 0 {
		return app.Config.MaxDepth
	}
	return depth
}

func runTree(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := service.TreeRequest{
		MaxDepth:        depthOrDefault(app, treeMaxDepth),
		Page:            treePage,
		PageSize:        treePageSize,
		IncludeUnitInfo: treeUnits,
		IncludeDeleted:  treeIncludeDeleted,
	}
	if req.PageSize == 0 {
		req.PageSize = app.Config.DefaultPageSize
	}
	if len(args) == 1 {
		rootID, err := resolveWorkID(ctx, app, args[0])
		if err != nil {
			return err
		}
		req.RootID = &rootID
	}

	res := app.Service.GetWorkHierarchyTree(ctx, req)
	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table { return nodeTable(res.Data, treeUnits) }); err != nil {
		return err
	}
	if !res.Success {
		return exitError(3, fmt.Errorf("tree: %s", res.Error))
	}
	if app.Config.Output == "" || app.Config.Output == string(render.FormatTable) {
		p := res.Pagination
		fmt.Fprintf(cmd.ErrOrStderr(), "page %d of %d (%d rows, %s strategy)\n", p.Page, p.TotalPages, p.TotalItems, app.Service.TreeStrategy())
	}
	return nil
}

func runAncestors(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workID, err := resolveWorkID(ctx, app, args[0])
	if err != nil {
		return err
	}

	res := app.Service.GetWorkAncestors(ctx, workID, ancestorsSelf)
	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table { return workTable(res.Data) }); err != nil {
		return err
	}
	if !res.Success {
		return exitError(3, fmt.Errorf("ancestors: %s", res.Error))
	}
	return nil
}

func runDescendants(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	workID, err := resolveWorkID(ctx, app, args[0])
	if err != nil {
		return err
	}

	res := app.Service.GetWorkDescendants(ctx, workID, depthOrDefault(app, treeMaxDepth), treeIncludeDeleted)
	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	if err := r.Render(res, func() render.Table { return nodeTable(res.Data, false) }); err != nil {
		return err
	}
	if !res.Success {
		return exitError(3, fmt.Errorf("descendants: %s", res.Error))
	}
	return nil
}

func nodeTable(nodes []hierarchy.Node, withUnits bool) render.Table {
	t := render.Table{Headers: []string{"ID", "LEVEL", "NAME", "CODE", "GROUP", "PRICE"}}
	if withUnits {
		t.Headers = append(t.Headers, "UNIT")
	}
	for _, n := range nodes {
		name := strings.Repeat("  ", max(n.Level-1, 0)) + n.Name
		if n.MarkedForDeletion {
			name += " (deleted)"
		}
		row := []string{formatWork(&n.Work), strconv.Itoa(n.Level), name, n.Code, yesNo(n.IsGroup), formatFloat(n.Price)}
		if withUnits {
			row = append(row, optString(n.UnitName))
		}
		t.Rows = append(t.Rows, row)
	}
	return t
}

func workTable(works []domain.Work) render.Table {
	t := render.Table{Headers: []string{"ID", "UUID", "NAME", "CODE", "PARENT", "GROUP"}}
	for _, w := range works {
		parent := ""
		if w.ParentID != nil {
			parent = id.FormatWork(*w.ParentID)
		}
		t.Rows = append(t.Rows, []string{formatWork(&w), w.UUIDString(), w.Name, w.Code, parent, yesNo(w.IsGroup)})
	}
	return t
}
