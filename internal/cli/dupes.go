package cli

import (
	"context"
	"fmt"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/index"
	"github.com/clinicops/recon/internal/plan"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/store"
)

var dupesCmd = &cobra.Command{
	Use:   "dupes",
	Short: "List patient ids that look like the same person",
	Long: `Dupes scans the store for patient ids sharing a platform uid, and for ids
sharing a phone number whose names agree. Each candidate names the id that
would be folded away (SOURCE) and the id that would survive (TARGET).

Pairs on the override ignore list are left out.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runDupes),
}

var dupesProfiles bool

func init() {
	rootCmd.AddCommand(dupesCmd)
	dupesCmd.Flags().BoolVar(&dupesProfiles, "profiles", false, "Look up platform display names for each candidate")
}

type dupeRow struct {
	plan.Candidate `yaml:",inline"`
	DisplayName    string `json:"display_name,omitempty" yaml:"display_name,omitempty"`
}

type dupeList []dupeRow

func (d dupeList) Headers() []string {
	return []string{"SOURCE", "TARGET", "REASON", "KEY", "PROFILE"}
}

func (d dupeList) Rows() [][]string {
	rows := make([][]string, 0, len(d))
	for _, c := range d {
		rows = append(rows, []string{c.SourcePatientID, c.TargetPatientID, string(c.Reason), c.Key, c.DisplayName})
	}
	return rows
}

func runDupes(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	planner, err := app.Planner()
	if err != nil {
		return exitError(ExitFailure, err)
	}
	idx, patients, err := storeIndex(ctx, app)
	if err != nil {
		return exitError(ExitFailure, err)
	}

	var out dupeList
	for _, c := range planner.FindDuplicates(idx, patients) {
		out = append(out, dupeRow{Candidate: c})
	}

	if dupesProfiles && len(out) > 0 {
		client := app.Platform()
		if client == nil {
			return exitError(ExitUsage, errNoPlatformToken)
		}
		var uids []string
		for _, c := range out {
			if c.Reason == domain.MatchPlatformUID {
				uids = append(uids, c.Key)
			}
		}
		profiles, err := client.Profiles(ctx, uids)
		if err != nil {
			return exitError(ExitFailure, err)
		}
		for i, c := range out {
			if p, ok := profiles[c.Key]; ok && !p.Unknown {
				out[i].DisplayName = p.DisplayName
			}
		}
	}

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	if r.Format() == render.FormatTable && len(out) == 0 {
		fmt.Fprintln(cmd.OutOrStdout(), "No duplicate candidates.")
		return nil
	}
	return r.Render(out)
}

// storeIndex loads the patients table and every dependent table into one
// identity index.
func storeIndex(ctx context.Context, app *appctx.App) (*index.Index, []domain.Patient, error) {
	patients, err := app.Store.ListPatients(ctx)
	if err != nil {
		return nil, nil, err
	}
	sources := make([][]domain.Record, 0, len(store.DependentTables)+1)
	rows, err := app.Store.Records(ctx, store.PatientsTable.Name, nil)
	if err != nil {
		return nil, nil, err
	}
	sources = append(sources, rows)
	for _, t := range store.DependentTables {
		rows, err := app.Store.Records(ctx, t.Name, nil)
		if err != nil {
			return nil, nil, err
		}
		sources = append(sources, rows)
	}
	return index.Build(sources...), patients, nil
}

// storeCollisions lists collided ids in the current store, ignoring uids
// that earlier merges folded into an id.
func storeCollisions(ctx context.Context, app *appctx.App) ([]plan.Collision, error) {
	idx, _, err := storeIndex(ctx, app)
	if err != nil {
		return nil, err
	}
	aliases, err := app.Store.PlatformAliases(ctx)
	if err != nil {
		return nil, err
	}
	return plan.FindCollisions(idx, aliases), nil
}
