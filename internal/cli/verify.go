package cli

import (
	"fmt"
	"sort"
	"strconv"
	"strings"

	"github.com/spf13/cobra"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/render"
	"github.com/clinicops/recon/internal/verify"
)

var verifyCmd = &cobra.Command{
	Use:   "verify",
	Short: "Count references the store still gets wrong",
	Long: `Verify re-queries the store and reports exact counts: rows in every
dependent table whose patient id matches no patient, rows still pointing at
an id that was merged away (--redirect SOURCE=TARGET), and the platform uids
left on an id that was split (--split ID).

Verify never repairs anything. It exits 1 when any count is not zero.`,
	Args: usageArgs(cobra.NoArgs),
	RunE: appctx.WithApp(appctx.DefaultOptions(), runVerify),
}

var (
	verifyRedirects []string
	verifySplits    []string
)

func init() {
	rootCmd.AddCommand(verifyCmd)

	verifyCmd.Flags().StringArrayVar(&verifyRedirects, "redirect", nil, "Merged pair as SOURCE=TARGET (repeatable)")
	verifyCmd.Flags().StringArrayVar(&verifySplits, "split", nil, "Split patient id to check for a single platform uid (repeatable)")
}

type verifyRows struct {
	rep *verify.Report
}

func (v verifyRows) Headers() []string {
	return []string{"CHECK", "SUBJECT", "COUNT", "DETAIL"}
}

func (v verifyRows) Rows() [][]string {
	var rows [][]string
	for _, t := range v.rep.Tables {
		var ids []string
		for pid := range t.OrphanIDs {
			ids = append(ids, pid)
		}
		sort.Strings(ids)
		rows = append(rows, []string{"orphans", t.Table, strconv.Itoa(t.Orphans), strings.Join(ids, ",")})
		if t.AtRedirected > 0 {
			rows = append(rows, []string{"at_redirected", t.Table, strconv.Itoa(t.AtRedirected), ""})
		}
	}
	for _, pid := range sortedBoolKeys(v.rep.RedirectedID) {
		n := 0
		if v.rep.RedirectedID[pid] {
			n = 1
		}
		rows = append(rows, []string{"redirected_exists", pid, strconv.Itoa(n), ""})
	}
	uidIDs := make([]string, 0, len(v.rep.UIDs))
	for pid := range v.rep.UIDs {
		uidIDs = append(uidIDs, pid)
	}
	sort.Strings(uidIDs)
	for _, pid := range uidIDs {
		uids := v.rep.UIDs[pid]
		rows = append(rows, []string{"platform_uids", pid, strconv.Itoa(len(uids)), strings.Join(uids, ",")})
	}
	return rows
}

func runVerify(app *appctx.App, cmd *cobra.Command, args []string) error {
	redirected, err := parsePairs(verifyRedirects)
	if err != nil {
		return exitError(ExitUsage, err)
	}
	rep, err := app.Verifier().Run(cmd.Context(), verify.Scope{Redirected: redirected, SplitIDs: verifySplits})
	if err != nil {
		return exitError(ExitFailure, err)
	}

	r, err := app.Renderer(cmd.OutOrStdout())
	if err != nil {
		return exitError(ExitUsage, err)
	}
	switch r.Format() {
	case render.FormatJSON, render.FormatYAML:
		err = r.Render(rep)
	default:
		err = r.Render(verifyRows{rep})
	}
	if err != nil {
		return err
	}
	if !rep.Clean() {
		return exitError(ExitFailure, fmt.Errorf("verification found %d orphan row(s) and %d row(s) at redirected ids", rep.Orphans, rep.AtRedirected))
	}
	return nil
}

func sortedBoolKeys(m map[string]bool) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
