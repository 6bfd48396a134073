package cli

import (
	"bytes"
	"context"
	"errors"
	"fmt"
	"path/filepath"
	"testing"

	"github.com/spf13/cobra"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/config"
	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/report"
	"github.com/clinicops/recon/internal/testutil"
)

// newTestApp wires an App around a migrated temporary store.
func newTestApp(t *testing.T) *appctx.App {
	t.Helper()
	database := testutil.TempDB(t)
	cfg := config.Default()
	cfg.StoreDSN = database.Path()
	return appctx.New(cfg, database, nil)
}

// runWith calls a command's run function the way WithApp would and returns
// what it wrote to stdout.
func runWith(t *testing.T, app *appctx.App, fn appctx.RunFunc, args ...string) (string, error) {
	t.Helper()
	var out bytes.Buffer
	cmd := &cobra.Command{}
	cmd.SetOut(&out)
	cmd.SetErr(&out)
	cmd.SetContext(context.Background())
	err := fn(app, cmd, args)
	return out.String(), err
}

// setFlag assigns a package-level flag variable for the duration of a test.
func setFlag[T any](t *testing.T, dst *T, v T) {
	t.Helper()
	old := *dst
	*dst = v
	t.Cleanup(func() { *dst = old })
}

// seedDuplicate stores two ids for one person: 100 is named, 101 carries
// the same phone in another format, no name, and the same platform uid.
func seedDuplicate(t *testing.T, d *db.DB) {
	t.Helper()
	testutil.Patient(t, d, "100", "山田太郎", "09012345678", "U_A")
	testutil.Patient(t, d, "101", "", "090-1234-5678", "U_A")
	testutil.Insert(t, d, "intake", map[string]any{"id": "i1", "patient_id": "101", "platform_uid": "U_A", "phone": "090-1234-5678"})
	testutil.Insert(t, d, "orders", map[string]any{"id": "o1", "patient_id": "101", "amount": 500})
	testutil.Insert(t, d, "patient_tags", map[string]any{"patient_id": "101", "tag_id": "vip"})
}

// seedConflict stores two ids under one phone whose names disagree.
func seedConflict(t *testing.T, d *db.DB) {
	t.Helper()
	testutil.Patient(t, d, "200", "山田太郎", "08011112222", "")
	testutil.Patient(t, d, "201", "佐藤花子", "080-1111-2222", "")
}

// seedCollision stores one id whose intake rows carry two platform uids.
func seedCollision(t *testing.T, d *db.DB) {
	t.Helper()
	testutil.Patient(t, d, "300", "鈴木一郎", "07011112222", "U_X")
	testutil.Insert(t, d, "intake", map[string]any{
		"id": "c1", "patient_id": "300", "platform_uid": "U_X", "name": "鈴木一郎", "phone": "07011112222",
		"created_at": "2026-02-01T09:00:00Z",
	})
	testutil.Insert(t, d, "intake", map[string]any{
		"id": "c2", "patient_id": "300", "platform_uid": "U_Y", "name": "鈴木二郎", "phone": "07033334444",
		"created_at": "2026-02-02T09:00:00Z",
	})
	testutil.Insert(t, d, "message_log", map[string]any{"id": "c3", "patient_id": "300", "platform_uid": "U_Y"})
}

func TestExitCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, ExitOK},
		{"plain failure", errors.New("boom"), ExitFailure},
		{"explicit code", exitError(ExitRepaired, nil), ExitRepaired},
		{"wrapped explicit code", fmt.Errorf("run: %w", exitError(ExitUsage, errors.New("bad"))), ExitUsage},
		{"conflict", &domain.ConflictError{SourcePatientID: "1", TargetPatientID: "2"}, ExitEscalated},
		{"unknown flag", errors.New("unknown flag: --nope"), ExitUsage},
		{"unknown command", errors.New(`unknown command "nope" for "recon"`), ExitUsage},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ExitCode(tt.err))
		})
	}
}

func TestReport_StatusOnlyErrorsArePrintedSilently(t *testing.T) {
	var stderr bytes.Buffer
	assert.Equal(t, ExitRepaired, Report(exitError(ExitRepaired, nil), &stderr))
	assert.Empty(t, stderr.String())

	assert.Equal(t, ExitFailure, Report(errors.New("store unreachable"), &stderr))
	assert.Contains(t, stderr.String(), "Error: store unreachable")
}

func TestOutcome_Precedence(t *testing.T) {
	build := func(dryRun bool, statuses ...report.Status) *report.Summary {
		s := report.New("batch", "", dryRun)
		for i, st := range statuses {
			s.Add(report.Item{Kind: "merge", Key: fmt.Sprint(i), Status: st})
		}
		return s
	}

	assert.NoError(t, outcome(build(false)))
	assert.NoError(t, outcome(build(false, report.StatusSkipped)))
	assert.NoError(t, outcome(build(true, report.StatusPlanned)), "a dry run never reports a repair")
	assert.Equal(t, ExitRepaired, ExitCode(outcome(build(false, report.StatusUpdated, report.StatusSkipped))))
	assert.Equal(t, ExitEscalated, ExitCode(outcome(build(false, report.StatusUpdated, report.StatusEscalated))))
	assert.Equal(t, ExitFailure, ExitCode(outcome(build(false, report.StatusEscalated, report.StatusErrored, report.StatusUpdated))))
}

func TestParsePairs(t *testing.T) {
	got, err := parsePairs([]string{"101=100", " 7 = 8 "})
	require.NoError(t, err)
	assert.Equal(t, map[string]string{"101": "100", "7": "8"}, got)

	for _, bad := range []string{"101", "=100", "101="} {
		_, err := parsePairs([]string{bad})
		assert.Error(t, err, bad)
	}
}

func TestUsageErrorsExitTwo(t *testing.T) {
	var out bytes.Buffer
	rootAdmCmd.SetOut(&out)
	rootAdmCmd.SetErr(&out)
	t.Cleanup(func() {
		rootAdmCmd.SetOut(nil)
		rootAdmCmd.SetErr(nil)
		rootAdmCmd.SetArgs(nil)
	})
	t.Setenv("RECON_STORE_DSN", filepath.Join(t.TempDir(), "unused.db"))

	rootAdmCmd.SetArgs([]string{"merge", "only-one"})
	assert.Equal(t, ExitUsage, ExitCode(rootAdmCmd.Execute()))

	rootAdmCmd.SetArgs([]string{"merge", "1", "2", "--no-such-flag"})
	assert.Equal(t, ExitUsage, ExitCode(rootAdmCmd.Execute()))
}
