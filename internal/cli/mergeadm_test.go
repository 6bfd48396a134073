package cli

import (
	"context"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/testutil"
)

func TestMergeAdm_DryRunWritesNothing(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	before := testutil.RowCounts(t, app.DB)

	out, err := runWith(t, app, runMergeAdm, "101", "100")
	require.NoError(t, err)
	assert.Equal(t, ExitOK, ExitCode(err))
	assert.Contains(t, out, "Merge 101 -> 100")
	assert.Contains(t, out, "Mode: dry-run")
	assert.Contains(t, out, "planned")

	assert.Equal(t, before, testutil.RowCounts(t, app.DB))
	entries, err := app.Journal.List(context.Background(), "")
	require.NoError(t, err)
	assert.Empty(t, entries, "a dry run journals nothing")
}

func TestMergeAdm_ConfirmRepairsThenNoOps(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	setFlag(t, &mergeConfirm, true)

	out, err := runWith(t, app, runMergeAdm, "101", "100")
	assert.Equal(t, ExitRepaired, ExitCode(err), out)
	assert.Contains(t, out, "updated")
	assert.Contains(t, out, "patients")

	_, err = app.Store.GetPatient(ctx, "101")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "intake", "100"))
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "orders", "100"))
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "patient_tags", "100"))

	entry, err := app.Journal.Get(ctx, journal.MergeKey("101", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerified, entry.State)

	out, err = runWith(t, app, runMergeAdm, "101", "100")
	assert.NoError(t, err, out)
	assert.Contains(t, out, "already merged")
}

func TestMergeAdm_ConflictEscalates(t *testing.T) {
	app := newTestApp(t)
	seedConflict(t, app.DB)
	setFlag(t, &mergeConfirm, true)
	before := testutil.RowCounts(t, app.DB)

	out, err := runWith(t, app, runMergeAdm, "201", "200")
	assert.Equal(t, ExitEscalated, ExitCode(err))
	assert.Contains(t, out, "CONFLICT name")
	assert.Contains(t, out, "escalated")
	assert.Equal(t, before, testutil.RowCounts(t, app.DB))
}

func TestMergeAdm_MissingPatientFails(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	setFlag(t, &mergeConfirm, true)

	out, err := runWith(t, app, runMergeAdm, "999", "100")
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "errored")
}

func TestMergeAdm_JSONOutput(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	app.Config.Output = "json"

	out, err := runWith(t, app, runMergeAdm, "101", "100")
	require.NoError(t, err)
	assert.Contains(t, out, `"source_patient_id": "101"`)
	assert.Contains(t, out, `"dry_run": true`)
}

func TestSplitAdm_ConfirmRepairsThenSkips(t *testing.T) {
	app := newTestApp(t)
	seedCollision(t, app.DB)

	out, err := runWith(t, app, runSplitAdm, "300")
	require.NoError(t, err, out)
	assert.Contains(t, out, "Split 300 (keep U_X)")
	assert.Equal(t, 2, testutil.CountWhere(t, app.DB, "intake", "300"), "dry run moves nothing")

	setFlag(t, &splitConfirm, true)
	out, err = runWith(t, app, runSplitAdm, "300")
	assert.Equal(t, ExitRepaired, ExitCode(err), out)
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "intake", "300"))

	out, err = runWith(t, app, runSplitAdm, "300")
	assert.NoError(t, err, out)
	assert.Contains(t, out, "single platform uid")
}

func TestSplitAdm_NoCollisionSkipped(t *testing.T) {
	app := newTestApp(t)
	testutil.Patient(t, app.DB, "400", "田中", "0311112222", "U_Q")
	setFlag(t, &splitConfirm, true)

	out, err := runWith(t, app, runSplitAdm, "400")
	assert.NoError(t, err)
	assert.Contains(t, out, "skipped")
}

func TestMergeAdm_UnrelatedOrphanDoesNotFailTheMerge(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	testutil.Insert(t, app.DB, "message_log", map[string]any{"id": "stray", "patient_id": "LINE_stray"})
	setFlag(t, &mergeConfirm, true)

	out, err := runWith(t, app, runMergeAdm, "101", "100")
	assert.Equal(t, ExitRepaired, ExitCode(err), out)

	entry, err := app.Journal.Get(context.Background(), journal.MergeKey("101", "100"))
	require.NoError(t, err)
	assert.Equal(t, domain.StateVerified, entry.State)
}
