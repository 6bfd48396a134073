package cli

import (
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/render"
)

var logCmd = &cobra.Command{
	Use:   "log [RUN_ID]",
	Short: "Show journaled runs, or the audit events of one run",
	Long: `Without arguments, log lists every journaled merge, split and sync with
the last state it reached, most recent first. Given a run id it prints that
run's audit events in the order they were written.

Examples:
  recon log                    # all runs
  recon log --kind merge       # merges only
  recon log 0192f1c4-...       # events of one run`,
	Args: usageArgs(cobra.MaximumNArgs(1)),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runLog),
}

var logKind string

func init() {
	rootCmd.AddCommand(logCmd)
	logCmd.Flags().StringVar(&logKind, "kind", "", "Only runs of this kind: merge, split, sync")
}

type entryList []journal.Entry

func (l entryList) Headers() []string {
	return []string{"OP", "KIND", "STATE", "RUN_ID", "UPDATED"}
}

func (l entryList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, e := range l {
		rows = append(rows, []string{e.OpKey, e.Kind, string(e.State), e.RunID, e.UpdatedAt})
	}
	return rows
}

type eventList []journal.Event

func (l eventList) Headers() []string {
	return []string{"TIME", "EVENT", "PATIENT", "PAYLOAD"}
}

func (l eventList) Rows() [][]string {
	rows := make([][]string, 0, len(l))
	for _, e := range l {
		rows = append(rows, []string{e.CreatedAt, e.EventType, e.PatientID, e.Payload})
	}
	return rows
}

func runLog(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}

	if len(args) == 1 {
		events, err := app.Journal.Events(ctx, args[0])
		if err != nil {
			return exitError(ExitFailure, err)
		}
		if len(events) == 0 {
			return exitError(ExitFailure, fmt.Errorf("no events for run %s", args[0]))
		}
		return r.Render(eventList(events))
	}

	switch logKind {
	case "", journal.KindMerge, journal.KindSplit, journal.KindSync:
	default:
		return exitError(ExitUsage, fmt.Errorf("unknown --kind %q (want merge, split or sync)", logKind))
	}
	entries, err := app.Journal.List(ctx, logKind)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	if r.Format() == render.FormatTable && len(entries) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No journaled runs.")
		return nil
	}
	return r.Render(entryList(entries))
}
