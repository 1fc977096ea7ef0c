package cli

import (
	"github.com/spf13/cobra"

	"github.com/lherron/boq/internal/cli/appctx"
	"github.com/lherron/boq/internal/render"
)

var (
	// Version information (set by build flags)
	Version   = "dev"
	GitCommit = "unknown"
	BuildDate = "unknown"
)

var versionCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	RunE:  appctx.WithApp(appctx.Options{}, runVersion),
}

func init() {
	rootCmd.AddCommand(versionCmd)
	rootCmd.Version = Version
}

func runVersion(app *appctx.App, cmd *cobra.Command, args []string) error {
	info := map[string]any{
		"binary":     "boqadm",
		"version":    Version,
		"commit":     GitCommit,
		"build_date": BuildDate,
	}
	r, err := newRenderer(app, cmd)
	if err != nil {
		return err
	}
	return r.Render(info, func() render.Table {
		return render.KeyValues("version", Version, "commit", GitCommit, "built", BuildDate)
	})
}
