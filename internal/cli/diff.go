package cli

import (
	"fmt"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/diff"
	"github.com/clinicops/recon/internal/index"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/source"
)

var diffCmd = &cobra.Command{
	Use:   "diff",
	Short: "Compare the spreadsheet source with the store",
	Long: `Diff fetches one kind of row from the spreadsheet source, loads the
matching store table, and compares the two by key. Keys only in the source,
keys only in the store, and fields whose latest values differ are listed.
Canceled rows are left out of both sides unless --keep-canceled is given.

Examples:
  recon diff                                  # reservations by reserve id
  recon diff --op patients --space platform_uid
  recon diff --fields status,reserved_date --unified`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runDiff),
}

var (
	diffOp           string
	diffTable        string
	diffSpace        string
	diffIgnoreBlank  bool
	diffKeepCanceled bool
	diffFields       []string
	diffUnified      bool
)

// diffOps maps each source op to its store table and default key space.
var diffOps = map[string]struct {
	op    string
	table string
	space index.Space
}{
	"reservations": {source.OpReservations, "reservations", index.ByReserveID},
	"patients":     {source.OpPatients, "patients", index.ByPatientID},
	"intake":       {source.OpIntake, "intake", index.ByPatientID},
}

func init() {
	rootCmd.AddCommand(diffCmd)

	diffCmd.Flags().StringVar(&diffOp, "op", "reservations", "Source rows to compare: reservations, patients, intake")
	diffCmd.Flags().StringVar(&diffTable, "table", "", "Store table to compare against (default depends on --op)")
	diffCmd.Flags().StringVar(&diffSpace, "space", "", "Key space: patient_id, reserve_id, platform_uid, phone")
	diffCmd.Flags().BoolVar(&diffIgnoreBlank, "ignore-blank", false, "Skip fields blank on either side")
	diffCmd.Flags().BoolVar(&diffKeepCanceled, "keep-canceled", false, "Keep canceled rows in the comparison")
	diffCmd.Flags().StringSliceVar(&diffFields, "fields", nil, "Fields to compare (default depends on the key space)")
	diffCmd.Flags().BoolVar(&diffUnified, "unified", false, "Print a unified diff for each mismatched key")
}

// diffRows is the row-per-finding view of a diff result.
type diffRows struct {
	res *diff.Result
}

func (d diffRows) Headers() []string {
	return []string{"KEY", "CLASS", "FIELD", "SOURCE", "STORE"}
}

func (d diffRows) Rows() [][]string {
	var rows [][]string
	for _, k := range d.res.OnlyInA {
		rows = append(rows, []string{k, "only_in_source", "", "", ""})
	}
	for _, k := range d.res.OnlyInB {
		rows = append(rows, []string{k, "only_in_store", "", "", ""})
	}
	for _, m := range d.res.ValueMismatch {
		rows = append(rows, []string{m.Key, "mismatch", m.Field, m.A, m.B})
	}
	return rows
}

func runDiff(app *appctx.App, cmd *cobra.Command, args []string) error {
	ctx := cmd.Context()
	sel, ok := diffOps[strings.ToLower(diffOp)]
	if !ok {
		return exitError(ExitUsage, fmt.Errorf("unknown --op %q (want reservations, patients or intake)", diffOp))
	}
	table := sel.table
	if diffTable != "" {
		table = diffTable
	}
	space := sel.space
	if diffSpace != "" {
		space = index.Space(diffSpace)
		if !validSpace(space) {
			return exitError(ExitUsage, fmt.Errorf("unknown --space %q", diffSpace))
		}
	}

	src, err := app.Source()
	if err != nil {
		return exitError(ExitUsage, err)
	}
	fetched, _, err := src.Fetch(ctx, sel.op, nil)
	if err != nil {
		return exitError(ExitFailure, err)
	}
	stored, err := app.Store.Records(ctx, table, nil)
	if err != nil {
		return exitError(ExitFailure, err)
	}

	res := diff.Diff(space, index.Build(fetched), index.Build(stored), diff.Options{
		Fields:       diffFields,
		IgnoreBlank:  diffIgnoreBlank,
		KeepCanceled: diffKeepCanceled,
	})
	if err := res.Check(); err != nil {
		return exitError(ExitFailure, err)
	}

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	switch r.Format() {
	case render.FormatJSON, render.FormatYAML:
		return r.Render(res)
	case render.FormatTSV, render.FormatNDJSON:
		return r.Render(diffRows{res})
	}
	if res.Clean() {
		fmt.Fprintf(cmd.OutOrStdout(), "Source and store agree on %d %s key(s).\n", len(res.Both), space)
		return nil
	}
	if diffUnified {
		for _, k := range res.Mismatched() {
			fmt.Fprint(cmd.OutOrStdout(), res.UnifiedDiff(k, diffFields))
		}
		return nil
	}
	if err := r.Render(diffRows{res}); err != nil {
		return err
	}
	fmt.Fprintf(cmd.OutOrStdout(), "\n%d only in source, %d only in store, %d mismatched field(s); %d canceled source row(s) ignored\n",
		len(res.OnlyInA), len(res.OnlyInB), len(res.ValueMismatch), res.CanceledA)
	return nil
}

func validSpace(s index.Space) bool {
	for _, sp := range index.Spaces {
		if sp == s {
			return true
		}
	}
	return false
}
