package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootCmd = &cobra.Command{
	Use:   "recon",
	Short: "Read-only audit of clinic patient identities",
	Long: `recon compares the spreadsheet source with the clinic store and reports
identity problems: missing reservations, duplicate patients, patient ids
shared by several people, and references left behind by earlier fixes.

recon never writes to the store. Repairs are done with reconadm.`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// Execute runs the root command
func Execute() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootCmd.ExecuteContext(ctx)
}

func init() {
	addGlobalFlags(rootCmd)
}

func addGlobalFlags(cmd *cobra.Command) {
	cmd.PersistentFlags().String("db", "", "Store DSN or SQLite path (overrides RECON_STORE_DSN)")
	cmd.PersistentFlags().String("driver", "", "Store driver: sqlite3 or postgres (overrides RECON_STORE_DRIVER)")
	cmd.PersistentFlags().StringP("output", "o", "", "Output format: table, json, ndjson, yaml, tsv")
	cmd.PersistentFlags().String("log-level", "", "Log level: debug, info, warn, error")
	cmd.PersistentFlags().String("overrides", "", "Operator override list (YAML)")
	cmd.SetFlagErrorFunc(usageFlagError)
}
