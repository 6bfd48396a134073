package cli

import (
	"context"
	"fmt"
	"io"
	"sort"
	"strings"

	"github.com/spf13/cobra"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/executor"
	"github.com/clinicops/recon/internal/plan"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/report"
)

var mergeAdmCmd = &cobra.Command{
	Use:   "merge <SOURCE_PATIENT_ID> <TARGET_PATIENT_ID>",
	Short: "Fold a duplicate patient into the patient that survives",
	Long: `Merge moves every row referencing SOURCE onto TARGET, table by table in a
fixed order, fills TARGET's blank identity fields from SOURCE, and deletes
SOURCE last, once nothing references it.

A field both patients fill with different values (name, kana, sex,
birthday, phone) stops the merge and exits 4 for manual review, unless the
override list resolves it.

Without --confirm the merge is only planned and nothing is written.

Examples:
  reconadm merge 000812 000107             # show the plan
  reconadm merge 000812 000107 --confirm   # apply it`,
	Args: usageArgs(cobra.ExactArgs(2)),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runMergeAdm),
}

var (
	mergeConfirm bool
	mergeReason  string
	mergeXLSX    string
)

func init() {
	rootAdmCmd.AddCommand(mergeAdmCmd)

	mergeAdmCmd.Flags().BoolVar(&mergeConfirm, "confirm", false, "Apply the merge (default is a dry run)")
	mergeAdmCmd.Flags().StringVar(&mergeReason, "reason", string(domain.MatchOperator), "Why the two ids are one person: platform_uid, phone_name, operator")
	mergeAdmCmd.Flags().StringVar(&mergeXLSX, "xlsx", "", "Also write the summary to this workbook")
}

type mergeOutput struct {
	Summary *report.Summary        `json:"summary" yaml:"summary"`
	Plan    *domain.MergeOperation `json:"plan,omitempty" yaml:"plan,omitempty"`
	Result  *executor.MergeResult  `json:"result,omitempty" yaml:"result,omitempty"`
}

func runMergeAdm(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	req := plan.MergeRequest{
		SourcePatientID: args[0],
		TargetPatientID: args[1],
		Reason:          domain.MatchReason(mergeReason),
		Confirm:         mergeConfirm,
	}

	planner, err := app.Planner()
	if err != nil {
		return exitError(ExitFailure, err)
	}
	sum := report.New("merge", "", !mergeConfirm)
	if sum.Before, err = tableCounts(ctx, app); err != nil {
		return exitError(ExitFailure, err)
	}

	out := mergeOutput{Summary: sum}
	out.Plan, out.Result = mergePair(ctx, app, planner, app.Executor(), req, sum)
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
			printMergePlan(cmd.OutOrStdout(), out.Plan)
		}
		if err := emitSummary(app, cmd, sum, mergeXLSX); err != nil {
			return err
		}
	} else {
		if err := r.Render(out); err != nil {
			return err
		}
		if mergeXLSX != "" {
			if err := sum.WriteXLSX(mergeXLSX); err != nil {
				return err
			}
		}
	}
	return outcome(sum)
}

// mergePair plans and, when confirmed, executes one merge, recording the
// outcome in sum. Failures are logged and counted; they never abort the
// caller's loop.
func mergePair(ctx context.Context, app *appctx.App, planner *plan.Planner, exec *executor.Executor, req plan.MergeRequest, sum *report.Summary) (*domain.MergeOperation, *executor.MergeResult) {
	key := req.SourcePatientID + "->" + req.TargetPatientID
	log := app.Logger.With(zap.String("source", req.SourcePatientID), zap.String("target", req.TargetPatientID))

	done, err := exec.MergeDone(ctx, req.SourcePatientID, req.TargetPatientID)
	if err != nil {
		log.Error("failed to read journal", zap.Error(err))
		sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusErrored, Detail: err.Error()})
		return nil, nil
	}
	if done {
		sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusSkipped, Detail: "already merged"})
		return nil, nil
	}

	op, err := planner.PlanMerge(ctx, req)
	if err != nil {
		if domain.IsConflict(err) {
			log.Warn("merge escalated for manual review", zap.Error(err))
			sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusEscalated, Detail: err.Error()})
			return op, nil
		}
		log.Error("failed to plan merge", zap.Error(err))
		sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusErrored, Detail: err.Error()})
		return nil, nil
	}
	if op.DryRun {
		sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusPlanned, Rows: op.TotalMoved(), Detail: mergeDetail(op)})
		return op, nil
	}

	res, err := exec.ExecuteMerge(ctx, op)
	if err != nil {
		log.Error("merge failed", zap.String("run_id", op.RunID), zap.Error(err))
		sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusErrored, Detail: err.Error()})
		return op, res
	}
	if res.Verify != nil && !res.Verify.Clean() {
		sum.Add(report.Item{Kind: "merge", Key: key, Status: report.StatusErrored, Rows: res.Changes(), Detail: "verification found residual references"})
		return op, res
	}
	status := report.StatusUpdated
	if res.Changes() == 0 {
		status = report.StatusSkipped
	}
	sum.Add(report.Item{Kind: "merge", Key: key, Status: status, Rows: res.Changes(), Detail: string(res.State)})
	return op, res
}

func mergeDetail(op *domain.MergeOperation) string {
	var parts []string
	if updates := op.TargetUpdates(); len(updates) > 0 {
		fields := make([]string, 0, len(updates))
		for f := range updates {
			fields = append(fields, f)
		}
		sort.Strings(fields)
		parts = append(parts, "fill "+strings.Join(fields, ","))
	}
	if op.RetiredPlatformUID != "" {
		parts = append(parts, "retire uid "+op.RetiredPlatformUID)
	}
	if len(parts) == 0 {
		return string(op.Reason)
	}
	return string(op.Reason) + "; " + strings.Join(parts, "; ")
}

func printMergePlan(out io.Writer, op *domain.MergeOperation) {
	fmt.Fprintf(out, "Merge %s -> %s (%s)\n", op.SourcePatientID, op.TargetPatientID, op.Reason)
	for _, mv := range op.MovedTables {
		if mv.Count > 0 {
			fmt.Fprintf(out, "  %-14s %d row(s)\n", mv.Table, mv.Count)
		}
	}
	for _, field := range domain.MergeFields {
		chosen, ok := op.FieldMerge[field]
		if !ok || chosen == "" {
			continue
		}
		fmt.Fprintf(out, "  %-14s %q\n", field, chosen)
	}
	if op.RetiredPlatformUID != "" {
		fmt.Fprintf(out, "  retired uid    %s\n", op.RetiredPlatformUID)
	}
	for _, c := range op.Conflicts {
		fmt.Fprintf(out, "  CONFLICT %s: target=%q source=%q\n", c.Field, c.Target, c.Source)
	}
	fmt.Fprintln(out)
}
