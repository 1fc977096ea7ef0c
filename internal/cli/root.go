package cli

import (
	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "boqadm",
	Short: "Consistency and synchronization tooling for the work catalog",
	Long: `boqadm keeps the bill-of-quantities work hierarchy consistent. It walks the
tree, validates unit and parent references, reassigns units in bulk, migrates
legacy unit text onto the unit catalog and synchronizes works with other
database copies by uuid.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	return rootCmd.Execute()
}

func init() {
	rootCmd.PersistentFlags().String("db", "", "Database file or DSN (overrides BOQ_DB_PATH)")
	rootCmd.PersistentFlags().String("driver", "", "Database driver: sqlite3, postgres or mysql (overrides BOQ_DB_DRIVER)")
	rootCmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, ndjson, yaml, tsv")
	rootCmd.PersistentFlags().String("log-level", "", "Log level (debug, info, warn, error)")
	rootCmd.PersistentFlags().String("as", "", "Actor recorded in the event log")
	rootCmd.PersistentFlags().String("tree-strategy", "", "Subtree strategy: auto, recursive or iterative")
	rootCmd.PersistentFlags().Bool("trace", false, "Write trace spans to stderr")
	rootCmd.PersistentFlags().Bool("porcelain", false, "Stable machine-readable output")
}
