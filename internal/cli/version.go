package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/render"
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
	Long:  `Displays version, commit, and build date information.`,
	Args:  usageArgs(cobra.NoArgs),
	RunE:  runVersion,
}

func init() {
	rootCmd.AddCommand(versionCmd)
}

type versionInfo struct {
	Binary    string   `json:"binary" yaml:"binary"`
	Version   string   `json:"version" yaml:"version"`
	Commit    string   `json:"commit" yaml:"commit"`
	BuildDate string   `json:"build_date" yaml:"build_date"`
	Commands  []string `json:"supported_commands" yaml:"supported_commands"`
	Formats   []string `json:"supported_formats" yaml:"supported_formats"`
}

func runVersion(cmd *cobra.Command, args []string) error {
	return printVersion(cmd, "recon")
}

// printVersion writes version information for binary in the format chosen
// by --output.
func printVersion(cmd *cobra.Command, binary string) error {
	format, err := render.ParseFormat(cmd.Flag("output").Value.String())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	out := cmd.OutOrStdout()
	if format == render.FormatTable {
		fmt.Fprintf(out, "%s version %s\n", binary, Version)
		fmt.Fprintf(out, "  commit: %s\n", GitCommit)
		fmt.Fprintf(out, "  built:  %s\n", BuildDate)
		return nil
	}

	var commands []string
	for _, c := range cmd.Root().Commands() {
		if c.IsAvailableCommand() {
			commands = append(commands, c.Name())
		}
	}
	return render.NewRenderer(out, render.Options{Format: format}).Render(versionInfo{
		Binary:    binary,
		Version:   Version,
		Commit:    GitCommit,
		BuildDate: BuildDate,
		Commands:  commands,
		Formats:   []string{"table", "json", "ndjson", "yaml", "tsv"},
	})
}
