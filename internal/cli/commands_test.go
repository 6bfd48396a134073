package cli

import (
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/cli/appctx"
	"github.com/clinicops/recon/internal/config"
	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/testutil"
)

func TestDupes_ListsCandidate(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)

	out, err := runWith(t, app, runDupes)
	require.NoError(t, err)
	assert.Contains(t, out, "SOURCE")
	assert.Contains(t, out, "101")
	assert.Contains(t, out, "platform_uid")
}

func TestDupes_NoneFound(t *testing.T) {
	app := newTestApp(t)
	testutil.Patient(t, app.DB, "100", "山田太郎", "09012345678", "U_A")

	out, err := runWith(t, app, runDupes)
	require.NoError(t, err)
	assert.Contains(t, out, "No duplicate candidates.")
}

func TestDupes_ProfilesNeedToken(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	setFlag(t, &dupesProfiles, true)

	_, err := runWith(t, app, runDupes)
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestDupes_ProfilesAddDisplayName(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]string{"userId": "U_A", "displayName": "たろう"})
	}))
	t.Cleanup(srv.Close)

	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	app.Config.PlatformURL = srv.URL
	app.Config.PlatformToken = "channel-token"
	setFlag(t, &dupesProfiles, true)

	out, err := runWith(t, app, runDupes)
	require.NoError(t, err)
	assert.Contains(t, out, "たろう")
}

func TestCollisions_ListsAndPlans(t *testing.T) {
	app := newTestApp(t)
	seedCollision(t, app.DB)
	setFlag(t, &collisionsPlan, true)
	before := testutil.RowCounts(t, app.DB)

	out, err := runWith(t, app, runCollisions)
	require.NoError(t, err)
	assert.Contains(t, out, "U_X,U_Y")
	assert.Contains(t, out, "Split 300 (keep U_X)")
	assert.Equal(t, before, testutil.RowCounts(t, app.DB))
}

func TestVerify_OrphansFail(t *testing.T) {
	app := newTestApp(t)
	testutil.Patient(t, app.DB, "100", "山田太郎", "", "")

	out, err := runWith(t, app, runVerify)
	require.NoError(t, err, out)

	testutil.Insert(t, app.DB, "orders", map[string]any{"id": "o9", "patient_id": "999"})
	out, err = runWith(t, app, runVerify)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "999")
}

func TestVerify_RedirectedStillReferenced(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	setFlag(t, &verifyRedirects, []string{"101=100"})

	_, err := runWith(t, app, runVerify)
	assert.Equal(t, ExitFailure, ExitCode(err))

	setFlag(t, &verifyRedirects, []string{"bad"})
	_, err = runWith(t, app, runVerify)
	assert.Equal(t, ExitUsage, ExitCode(err))
}

func TestLog_ListsRunsAndEvents(t *testing.T) {
	app := newTestApp(t)
	seedDuplicate(t, app.DB)
	setFlag(t, &mergeConfirm, true)
	_, err := runWith(t, app, runMergeAdm, "101", "100")
	require.Equal(t, ExitRepaired, ExitCode(err))

	out, err := runWith(t, app, runLog)
	require.NoError(t, err)
	assert.Contains(t, out, "merge:101->100")
	assert.Contains(t, out, "verified")

	entries, err := app.Journal.List(t.Context(), "merge")
	require.NoError(t, err)
	require.Len(t, entries, 1)

	out, err = runWith(t, app, runLog, entries[0].RunID)
	require.NoError(t, err)
	assert.Contains(t, out, "patient.deleted")

	_, err = runWith(t, app, runLog, "no-such-run")
	assert.Equal(t, ExitFailure, ExitCode(err))
}

func TestDoctor_HealthyAndOrphans(t *testing.T) {
	app := newTestApp(t)
	testutil.Patient(t, app.DB, "100", "山田太郎", "", "")

	out, err := runWith(t, app, runDoctor)
	require.NoError(t, err, out)
	assert.Contains(t, out, "migrations")
	assert.Contains(t, out, "no lock server configured")

	testutil.Insert(t, app.DB, "intake", map[string]any{"id": "i9", "patient_id": "999"})
	out, err = runWith(t, app, runDoctor)
	require.NoError(t, err, "orphans are a warning")
	assert.Contains(t, out, "intake: 1 row(s) at 999")
}

func TestDoctor_PendingMigrationsFail(t *testing.T) {
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	app := appctx.New(config.Default(), database, nil)

	out, err := runWith(t, app, runDoctor)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Contains(t, out, "pending migration")
}

func TestMigrateAdm_ListsThenApplies(t *testing.T) {
	database, err := db.OpenSQLite(filepath.Join(t.TempDir(), "fresh.db"))
	require.NoError(t, err)
	t.Cleanup(func() { database.Close() })
	app := appctx.New(config.Default(), database, nil)

	out, err := runWith(t, app, runMigrateAdm)
	require.NoError(t, err)
	assert.Contains(t, out, "would be applied with --confirm")
	_, pending, err := database.MigrationStatus()
	require.NoError(t, err)
	assert.NotEmpty(t, pending)

	setFlag(t, &migrateConfirm, true)
	out, err = runWith(t, app, runMigrateAdm)
	assert.Equal(t, ExitRepaired, ExitCode(err))
	assert.Contains(t, out, "000001_baseline")

	out, err = runWith(t, app, runMigrateAdm)
	assert.NoError(t, err)
	assert.Contains(t, out, "up to date")
}

func reservationSource(t *testing.T, rows []map[string]any) string {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_ = json.NewEncoder(w).Encode(map[string]any{"ok": true, "reservations": rows})
	}))
	t.Cleanup(srv.Close)
	return srv.URL
}

func TestSyncReservations_DryRunThenConfirm(t *testing.T) {
	app := newTestApp(t)
	testutil.Insert(t, app.DB, "reservations", map[string]any{"reserve_id": "R1", "patient_id": "100", "status": "pending"})
	app.Config.SourceURL = reservationSource(t, []map[string]any{
		{"reserve_id": "R1", "patient_id": "100", "status": "pending"},
		{"reserve_id": "R2", "patient_id": "101", "reserved_date": "2026-03-02"},
	})
	app.Config.SourceToken = "tok"

	out, err := runWith(t, app, runSyncReservations)
	require.NoError(t, err, out)
	assert.Contains(t, out, "R2")
	assert.Zero(t, testutil.CountWhere(t, app.DB, "reservations", "101"))

	setFlag(t, &syncConfirm, true)
	out, err = runWith(t, app, runSyncReservations)
	assert.Equal(t, ExitRepaired, ExitCode(err), out)
	assert.Equal(t, 1, testutil.CountWhere(t, app.DB, "reservations", "101"))

	out, err = runWith(t, app, runSyncReservations)
	assert.NoError(t, err, out)
}

func TestSyncReservations_SourceDown(t *testing.T) {
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusBadGateway)
	}))
	t.Cleanup(srv.Close)

	app := newTestApp(t)
	app.Config.SourceURL = srv.URL
	app.Config.SourceToken = "tok"
	before := testutil.RowCounts(t, app.DB)

	_, err := runWith(t, app, runSyncReservations)
	assert.Equal(t, ExitFailure, ExitCode(err))
	assert.Equal(t, before, testutil.RowCounts(t, app.DB))
}

func TestSyncReservations_NeedsSource(t *testing.T) {
	app := newTestApp(t)
	_, err := runWith(t, app, runSyncReservations)
	assert.Equal(t, ExitUsage, ExitCode(err))
}
