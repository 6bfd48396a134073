package cli

import (
	"errors"
	"fmt"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/plan"
	"github.com/clinicops/recon/internal/render"
)

var collisionsCmd = &cobra.Command{
	Use:   "collisions",
	Short: "List patient ids claimed by more than one platform uid",
	Long: `Collisions lists every patient id whose rows, across the patients table
and every dependent table, carry more than one distinct platform uid. Such
an id is shared by several people and needs a split.

With --plan each collision is followed by the split reconadm split would
perform (a dry run; nothing is written).`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runCollisions),
}

var collisionsPlan bool

func init() {
	rootCmd.AddCommand(collisionsCmd)
	collisionsCmd.Flags().BoolVar(&collisionsPlan, "plan", false, "Show the split plan for each collision")
}

type collisionRow struct {
	plan.Collision `yaml:",inline"`
	Plan           *domain.CollisionSplit `json:"plan,omitempty" yaml:"plan,omitempty"`
	PlanError      string                 `json:"plan_error,omitempty" yaml:"plan_error,omitempty"`
}

type collisionList []collisionRow

func (c collisionList) Headers() []string {
	return []string{"PATIENT_ID", "PLATFORM_UIDS", "KEEP", "MOVES", "UNASSIGNED"}
}

func (c collisionList) Rows() [][]string {
	rows := make([][]string, 0, len(c))
	for _, row := range c {
		keep, moves, unassigned := "", "", ""
		if row.Plan != nil {
			keep = row.Plan.KeepPlatformUID
			moves = strconv.Itoa(len(row.Plan.Moves))
			unassigned = strconv.Itoa(len(row.Plan.Unassigned))
		} else if row.PlanError != "" {
			keep = "error: " + row.PlanError
		}
		rows = append(rows, []string{row.PatientID, strings.Join(row.PlatformUIDs, ","), keep, moves, unassigned})
	}
	return rows
}

func runCollisions(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	collisions, err := storeCollisions(ctx, app)
	if err != nil {
		return exitError(ExitFailure, err)
	}

	var out collisionList
	for _, c := range collisions {
		out = append(out, collisionRow{Collision: c})
	}

	if collisionsPlan && len(out) > 0 {
		planner, err := app.Planner()
		if err != nil {
			return exitError(ExitFailure, err)
		}
		for i := range out {
			split, err := planner.PlanSplit(ctx, plan.SplitRequest{PatientID: out[i].PatientID})
			switch {
			case errors.Is(err, plan.ErrNoCollision):
			case err != nil:
				out[i].PlanError = err.Error()
			default:
				out[i].Plan = split
			}
		}
	}

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if r.Format() == render.FormatTable && len(out) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No collisions.")
		return nil
	}
	if err := r.Render(out); err != nil {
		return err
	}
	if r.Format() == render.FormatTable && collisionsPlan {
		for _, row := range out {
			if row.Plan != nil {
				fmt.Fprintln(cmd.OutOrStdout())
				printSplitPlan(cmd.OutOrStdout(), row.Plan)
			}
		}
	}
	return nil
}
