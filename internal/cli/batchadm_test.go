package cli

import (
	"context"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/testutil"
)

func TestBatchAdm_DryRunPlansEverything(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	seedCollision(t, app.DB)
	setFlag(t, &batchDetected, true)
	before := testutil.RowCounts(t, app.DB)

	out, err := runWith(t, app, runBatchAdm)
	require.NoError(t, err, out)
	assert.Contains(t, out, "101->100")
	assert.Contains(t, out, "300")
	assert.Contains(t, out, "2 planned")
	assert.Equal(t, before, testutil.RowCounts(t, app.DB))
}

func TestBatchAdm_ConfirmRepairsThenNothingToDo(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	seedCollision(t, app.DB)
	setFlag(t, &batchDetected, true)
	setFlag(t, &batchConfirm, true)

	out, err := runWith(t, app, runBatchAdm)
	assert.Equal(t, ExitRepaired, ExitCode(err), out)

	_, err = app.Store.GetPatient(ctx, "101")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "intake", "300"))

	out, err = runWith(t, app, runBatchAdm)
	assert.NoError(t, err, out)
	assert.Contains(t, out, "0 created, 0 updated")
}

func TestBatchAdm_EscalationDoesNotStopOtherMerges(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	seedConflict(t, app.DB)
	path := testutil.WriteFile(t, t.TempDir(), "overrides.yaml", `
merges:
  - source: "201"
    target: "200"
  - source: "101"
    target: "100"
`)
	app.Config.OverridesPath = path
	setFlag(t, &batchConfirm, true)

	out, err := runWith(t, app, runBatchAdm)
	assert.Equal(t, ExitEscalated, ExitCode(err), out)
	assert.Contains(t, out, "escalated")
	assert.Zero(t, testutil.CountWhere(t, app.DB, "intake", "101"), "the later merge still ran")
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "patients", "201"), "the conflicting pair is untouched")
}

func TestBatchAdm_IgnoreListBlocksDetectedMerge(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	app.Config.OverridesPath = testutil.WriteFile(t, t.TempDir(), "overrides.yaml", "ignore:\n  - [\"101\", \"100\"]\n")
	setFlag(t, &batchDetected, true)
	setFlag(t, &batchConfirm, true)

	out, err := runWith(t, app, runBatchAdm)
	assert.NoError(t, err, out)
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "patients", "101"))
}

func TestBatchAdm_WritesWorkbook(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	setFlag(t, &batchDetected, true)
	path := filepath.Join(t.TempDir(), "batch.xlsx")
	setFlag(t, &batchXLSX, path)

	_, err := runWith(t, app, runBatchAdm)
	require.NoError(t, err)
	assert.FileExists(t, path)
}

func TestBatchAdm_MergeOfDistinctUIDsSettles(t *testing.T) {
	ctx := context.Background()
	app := newTestApp(t)
	testutil.Patient(t, app.DB, "1", "山田太郎", "09012345678", "U_A")
	testutil.Patient(t, app.DB, "2", "", "090-1234-5678", "U_B")
	testutil.Insert(t, app.DB, "intake", map[string]any{"id": "i1", "patient_id": "1", "platform_uid": "U_A"})
	testutil.Insert(t, app.DB, "intake", map[string]any{"id": "i2", "patient_id": "2", "platform_uid": "U_B"})
	testutil.Insert(t, app.DB, "message_log", map[string]any{"id": "m2", "patient_id": "2", "platform_uid": "U_B"})
	setFlag(t, &batchDetected, true)
	setFlag(t, &batchConfirm, true)

	out, err := runWith(t, app, runBatchAdm)
	assert.Equal(t, ExitRepaired, ExitCode(err), out)
	_, err = app.Store.GetPatient(ctx, "2")
	assert.ErrorIs(t, err, domain.ErrNotFound)
	assert.Equal(t, 2, testutil.CountWhere(t, app.DB, "intake", "1"))

	collisions, err := storeCollisions(ctx, app)
	require.NoError(t, err)
	assert.Empty(t, collisions, "U_B came in with the merge")

	for i := 0; i < 2; i++ {
		out, err = runWith(t, app, runBatchAdm)
		assert.NoError(t, err, out)
		assert.Contains(t, out, "0 created, 0 updated")
	}
	_, err = app.Store.GetPatient(ctx, "2")
	assert.ErrorIs(t, err, domain.ErrNotFound, "the merged-away id is not minted again")
}
