package cli

import (
	"context"
	"os"
	"os/signal"
	"syscall"

	"github.com/spf13/cobra"
)

var rootAdmCmd = &cobra.Command{
	Use:   "reconadm",
	Short: "Repair clinic patient identities",
	Long: `reconadm is the mutating companion to recon. It migrates the store,
copies missing reservations from the spreadsheet source, merges duplicate
patients and splits patient ids shared by several people.

Every command is a dry run unless --confirm is given. Exit code 3 is the
only one that means data changed. Codes 1, 2 and 4 report runs that could
not finish on their own, so scripts can tell them apart from a repair:
  0  success or nothing to do
  1  failure (store or source error, halted run, residual after verify)
  2  usage error
  3  an anomaly was found and repaired
  4  escalated to manual review (conflicting identity fields)`,
	SilenceUsage:  true,
	SilenceErrors: true,
}

// ExecuteAdmin runs the admin root command
func ExecuteAdmin() error {
	ctx, stop := signal.NotifyContext(context.Background(), os.Interrupt, syscall.SIGTERM)
	defer stop()
	return rootAdmCmd.ExecuteContext(ctx)
}

func init() {
	addGlobalFlags(rootAdmCmd)
}
