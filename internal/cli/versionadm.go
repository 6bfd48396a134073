package cli

import (
	"github.com/spf13/cobra"
)

var versionAdmCmd = &cobra.Command{
	Use:   "version",
	Short: "Print version information",
	Long:  `Displays version, commit, and build date information for reconadm.`,
	Args:  usageArgs(cobra.NoArgs),
	RunE:  runVersionAdm,
}

func init() {
	rootAdmCmd.AddCommand(versionAdmCmd)
}

func runVersionAdm(cmd *cobra.Command, args []string) error {
	return printVersion(cmd, "reconadm")
}
