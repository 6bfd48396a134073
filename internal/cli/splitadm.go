package cli

import (
	"context"
	"errors"
	"fmt"
	"io"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/executor"
	"github.com/clinicops/recon/internal/plan"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/report"
)

var splitAdmCmd = &cobra.Command{
	Use:   "split <PATIENT_ID>",
	Short: "Separate the people sharing one patient id",
	Long: `Split partitions the rows of a patient id claimed by several platform
uids. The uid given by --keep-uid (or the override list, or the uid with the
oldest evidence) stays on the original id; every other uid moves to an
existing patient that already owns it, or to a newly minted id.

Rows are assigned by platform uid first, then by phone or name matching one
uid's intake, then by the nearest uid-bearing event in time. Rows with no
usable evidence stay on the original id and are listed for review.

Without --confirm the split is only planned and nothing is written.`,
	Args: usageArgs(cobra.ExactArgs(1)),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runSplitAdm),
}

var (
	splitKeepUID string
	splitConfirm bool
	splitXLSX    string
)

func init() {
	rootAdmCmd.AddCommand(splitAdmCmd)

	splitAdmCmd.Flags().StringVar(&splitKeepUID, "keep-uid", "", "Platform uid that keeps the original patient id")
	splitAdmCmd.Flags().BoolVar(&splitConfirm, "confirm", false, "Apply the split (default is a dry run)")
	splitAdmCmd.Flags().StringVar(&splitXLSX, "xlsx", "", "Also write the summary to this workbook")
}

type splitOutput struct {
	Summary *report.Summary        `json:"summary" yaml:"summary"`
	Plan    *domain.CollisionSplit `json:"plan,omitempty" yaml:"plan,omitempty"`
	Result  *executor.SplitResult  `json:"result,omitempty" yaml:"result,omitempty"`
}

func runSplitAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	planner, err := app.Planner()
	if err != nil {
		return exitError(ExitFailure, err)
	}
	sum := report.New("split", "", !splitConfirm)
	if sum.Before, err = tableCounts(ctx, app); err != nil {
		return exitError(ExitFailure, err)
	}

	req := plan.SplitRequest{PatientID: args[0], KeepPlatformUID: splitKeepUID, Confirm: splitConfirm}
	out := splitOutput{Summary: sum}
	out.Plan, out.Result = splitOne(ctx, app, planner, app.Executor(), req, sum)
	if out.Plan != nil {
		sum.RunID = out.Plan.RunID
	}
	if sum.After, err = tableCounts(ctx, app); err != nil {
		return exitError(ExitFailure, err)
	}

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if r.Format() == render.FormatTable {
		if out.Plan != nil {
			printSplitPlan(cmd.OutOrStdout(), out.Plan)
		}
		if err := emitSummary(app, cmd, sum, splitXLSX); err != nil {
			return err
		}
	} else {
		if err := r.Render(out); err != nil {
			return err
		}
		if splitXLSX != "" {
			if err := sum.WriteXLSX(splitXLSX); err != nil {
				return err
			}
		}
	}
	return outcome(sum)
}

// splitOne plans and, when confirmed, executes the split of one collided id.
// An id with a single uid is reported as skipped.
func splitOne(ctx context.Context, app *appctx.App, planner *plan.Planner, exec *executor.Executor, req plan.SplitRequest, sum *report.Summary) (*domain.CollisionSplit, *executor.SplitResult) {
	log := app.Logger.With(zap.String("patient_id", req.PatientID))

	split, err := planner.PlanSplit(ctx, req)
	if err != nil {
		if errors.Is(err, plan.ErrNoCollision) {
			sum.Add(report.Item{Kind: "split", Key: req.PatientID, Status: report.StatusSkipped, Detail: "single platform uid"})
			return nil, nil
		}
		log.Error("failed to plan split", zap.Error(err))
		sum.Add(report.Item{Kind: "split", Key: req.PatientID, Status: report.StatusErrored, Detail: err.Error()})
		return nil, nil
	}
	if split.DryRun {
		sum.Add(report.Item{Kind: "split", Key: req.PatientID, Status: report.StatusPlanned, Rows: len(split.Moves), Detail: splitDetail(split)})
		return split, nil
	}

	res, err := exec.ExecuteSplit(ctx, split)
	if err != nil {
		log.Error("split failed", zap.String("run_id", split.RunID), zap.Error(err))
		sum.Add(report.Item{Kind: "split", Key: req.PatientID, Status: report.StatusErrored, Detail: err.Error()})
		return split, res
	}
	if res.Verify != nil && !res.Verify.Clean() {
		sum.Add(report.Item{Kind: "split", Key: req.PatientID, Status: report.StatusErrored, Rows: res.Changes(), Detail: "verification found residual platform uids"})
		return split, res
	}
	status := report.StatusUpdated
	if res.Changes() == 0 {
		status = report.StatusSkipped
	}
	sum.Add(report.Item{Kind: "split", Key: req.PatientID, Status: status, Rows: res.Changes(), Detail: splitDetail(split)})
	return split, res
}

func splitDetail(s *domain.CollisionSplit) string {
	detail := fmt.Sprintf("keep %s; %d identit(ies) out", s.KeepPlatformUID, len(s.NewIdentities()))
	if n := len(s.Unassigned); n > 0 {
		detail += fmt.Sprintf("; %d unassigned", n)
	}
	return detail
}

func printSplitPlan(out io.Writer, s *domain.CollisionSplit) {
	fmt.Fprintf(out, "Split %s (keep %s)\n", s.PatientID, s.KeepPlatformUID)
	for _, ident := range s.Identities {
		mark := ""
		switch {
		case ident.PatientID == s.PatientID:
			mark = " (original)"
		case ident.Existing:
			mark = " (existing)"
		case ident.Minted:
			mark = " (new)"
		}
		fmt.Fprintf(out, "  %-8s %s %s%s\n", ident.PatientID, ident.PlatformUID, ident.Name, mark)
	}
	for _, mv := range s.Moves {
		fmt.Fprintf(out, "  move %s/%s -> %s [%s]\n", mv.Table, mv.RecordID, mv.PatientID, mv.Evidence)
	}
	for _, u := range s.Unassigned {
		fmt.Fprintf(out, "  unassigned %s/%s\n", u.Table, u.RecordID)
	}
	fmt.Fprintf(out, "  %d row(s) stay\n\n", s.Kept)
}
