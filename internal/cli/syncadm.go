package cli

import (
	"fmt"
	"strconv"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/reconcile"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/report"
)

var syncAdmCmd = &cobra.Command{
	Use:   "sync",
	Short: "Copy source rows missing from the store",
}

var syncReservationsCmd = &cobra.Command{
	Use:   "reservations",
	Short: "Insert reservations that exist only in the spreadsheet source",
	Long: `Sync reservations fetches every reservation from the spreadsheet source,
compares it with the store by reserve id, and inserts the ones the store is
missing. Rows only in the store and field mismatches are reported but never
changed. Canceled source reservations are not copied.

Without --confirm the missing reservations are only listed.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runSyncReservations),
}

var (
	syncConfirm bool
	syncXLSX    string
)

func init() {
	rootAdmCmd.AddCommand(syncAdmCmd)
	syncAdmCmd.AddCommand(syncReservationsCmd)

	syncReservationsCmd.Flags().BoolVar(&syncConfirm, "confirm", false, "Insert the missing reservations (default is a dry run)")
	syncReservationsCmd.Flags().StringVar(&syncXLSX, "xlsx", "", "Also write the summary to this workbook")
}

func runSyncReservations(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	src, err := app.Source()
	if err != nil {
		return exitError(ExitUsage, err)
	}

	before, err := tableCounts(ctx, app)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	res, err := reconcile.New(src, app.Store, app.Journal, app.Logger.Named("sync")).SyncReservations(ctx, syncConfirm)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	after, err := tableCounts(ctx, app)
	if err != nil {
		return exitError(ExitFailure, err)
	}

	sum := syncSummary(res)
	sum.Before, sum.After = before, after

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if f := r.Format(); f == render.FormatJSON || f == render.FormatYAML {
		if err := r.Render(struct {
			Summary *report.Summary       `json:"summary" yaml:"summary"`
			Sync    *reconcile.SyncResult `json:"sync" yaml:"sync"`
		}{sum, res}); err != nil {
			return err
		}
		if syncXLSX != "" {
			if err := sum.WriteXLSX(syncXLSX); err != nil {
				return err
			}
		}
		return outcome(sum)
	}
	if err := emitSummary(app, cmd, sum, syncXLSX); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "Source rows: %d fetched, %d skipped, %d canceled\n", res.Fetched, res.Skipped, res.Canceled)
	return outcome(sum)
}

// syncSummary turns a sync result into report items: one per missing
// reservation, plus one per store-only key and mismatch for review.
func syncSummary(res *reconcile.SyncResult) *report.Summary {
	sum := report.New("sync reservations", res.RunID, res.DryRun)
	missing := report.StatusPlanned
	if !res.DryRun {
		missing = report.StatusCreated
	}
	for _, k := range res.Missing {
		sum.Add(report.Item{Kind: "reservation", Key: k, Status: missing, Rows: 1, Detail: "only in source"})
	}
	for _, k := range res.CanceledInStore {
		sum.Add(report.Item{Kind: "reservation", Key: k, Status: report.StatusSkipped, Detail: "canceled in store"})
	}
	if res.Updated > 0 {
		sum.Add(report.Item{Kind: "reservation", Key: "existing", Status: report.StatusUpdated, Rows: res.Updated, Detail: "store rows overwritten"})
	}
	for _, k := range res.OnlyInStore {
		sum.Add(report.Item{Kind: "reservation", Key: k, Status: report.StatusSkipped, Detail: "only in store"})
	}
	for _, m := range res.Mismatches {
		sum.Add(report.Item{
			Kind:   "reservation",
			Key:    m.Key,
			Status: report.StatusSkipped,
			Detail: m.Field + ": source=" + strconv.Quote(m.A) + " store=" + strconv.Quote(m.B),
		})
	}
	return sum
}
