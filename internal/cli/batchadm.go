package cli

import (
	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/plan"
	"github.com/clinicops/recon/internal/report"
)

var batchAdmCmd = &cobra.Command{
	Use:   "batch",
	Short: "Apply every merge and split on the override list",
	Long: `Batch works through the override list: first every listed merge, then
every listed split. With --include-detected it also merges the duplicate
candidates recon dupes would report and splits every collided id still
found once the merges are done. Pairs on the ignore list are never merged.

A failure or escalation on one identity is recorded and the batch moves on
to the next. The exit code reflects the worst outcome: 1 if anything failed,
else 4 if anything was escalated, else 3 if anything was repaired.

Without --confirm every step is only planned and nothing is written.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runBatchAdm),
}

var (
	batchConfirm  bool
	batchDetected bool
	batchXLSX     string
)

func init() {
	rootAdmCmd.AddCommand(batchAdmCmd)

	batchAdmCmd.Flags().BoolVar(&batchConfirm, "confirm", false, "Apply the batch (default is a dry run)")
	batchAdmCmd.Flags().BoolVar(&batchDetected, "include-detected", false, "Also act on detected duplicates and collisions")
	batchAdmCmd.Flags().StringVar(&batchXLSX, "xlsx", "", "Also write the summary to this workbook")
}

func runBatchAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	planner, err := app.Planner()
	if err != nil {
		return exitError(ExitFailure, err)
	}
	exec := app.Executor()
	overrides := planner.Overrides()

	sum := report.New("batch", "", !batchConfirm)
	if sum.Before, err = tableCounts(ctx, app); err != nil {
		return exitError(ExitFailure, err)
	}

	seen := map[string]bool{}
	var merges []plan.MergeRequest
	for _, m := range overrides.Merges {
		seen[m.Source+"->"+m.Target] = true
		merges = append(merges, plan.MergeRequest{
			SourcePatientID: m.Source,
			TargetPatientID: m.Target,
			Reason:          domain.MatchOperator,
			Confirm:         batchConfirm,
		})
	}
	if batchDetected {
		idx, patients, err := storeIndex(ctx, app)
		if err != nil {
			return exitError(ExitFailure, err)
		}
		for _, c := range planner.FindDuplicates(idx, patients) {
			k := c.SourcePatientID + "->" + c.TargetPatientID
			if seen[k] {
				continue
			}
			seen[k] = true
			merges = append(merges, plan.MergeRequest{
				SourcePatientID: c.SourcePatientID,
				TargetPatientID: c.TargetPatientID,
				Reason:          c.Reason,
				Confirm:         batchConfirm,
			})
		}
	}
	for _, req := range merges {
		if err := ctx.Err(); err != nil {
			return exitError(ExitFailure, err)
		}
		mergePair(ctx, app, planner, exec, req, sum)
	}

	splitSeen := map[string]bool{}
	var splits []plan.SplitRequest
	for _, s := range overrides.Splits {
		splitSeen[s.PatientID] = true
		splits = append(splits, plan.SplitRequest{PatientID: s.PatientID, KeepPlatformUID: s.KeepPlatformUID, Confirm: batchConfirm})
	}
	if batchDetected {
		collisions, err := storeCollisions(ctx, app)
		if err != nil {
			return exitError(ExitFailure, err)
		}
		for _, c := range collisions {
			if splitSeen[c.PatientID] {
				continue
			}
			splitSeen[c.PatientID] = true
			splits = append(splits, plan.SplitRequest{PatientID: c.PatientID, Confirm: batchConfirm})
		}
	}
	for _, req := range splits {
		if err := ctx.Err(); err != nil {
			return exitError(ExitFailure, err)
		}
		splitOne(ctx, app, planner, exec, req, sum)
	}

	if sum.After, err = tableCounts(ctx, app); err != nil {
		return exitError(ExitFailure, err)
	}
	app.Logger.Info("batch finished",
		zap.Int("merges", len(merges)),
		zap.Int("splits", len(splits)),
		zap.Int("errored", sum.Counts.Errored),
		zap.Int("escalated", sum.Counts.Escalated),
		zap.Bool("dry_run", sum.DryRun),
	)
	if err := emitSummary(app, cmd, sum, batchXLSX); err != nil {
		return err
	}
	return outcome(sum)
}
