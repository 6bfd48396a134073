package journal

import (
	"context"
	"encoding/json"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/testutil"
)

func TestAdvanceAndGet(t *testing.T) {
	ctx := context.Background()
	w := NewWriter(testutil.TempDB(t))
	key := MergeKey("P2", "P1")

	_, err := w.Get(ctx, key)
	assert.ErrorIs(t, err, domain.ErrNotFound)

	require.NoError(t, w.Advance(ctx, key, "run-1", KindMerge, domain.StateTablesMigrating, map[string]int{"intake": 2}))
	require.NoError(t, w.Advance(ctx, key, "run-1", KindMerge, domain.StatePatientMerged, nil))

	e, err := w.Get(ctx, key)
	require.NoError(t, err)
	assert.Equal(t, domain.StatePatientMerged, e.State)
	assert.Equal(t, "run-1", e.RunID)
	assert.Empty(t, e.Detail)

	require.NoError(t, w.Advance(ctx, SplitKey("P0"), "run-2", KindSplit, domain.StatePlanned, nil))
	all, err := w.List(ctx, "")
	require.NoError(t, err)
	assert.Len(t, all, 2)
	splits, err := w.List(ctx, KindSplit)
	require.NoError(t, err)
	require.Len(t, splits, 1)
	assert.Equal(t, "split:P0", splits[0].OpKey)
}

func TestEventsInOrder(t *testing.T) {
	ctx := context.Background()
	w := NewWriter(testutil.TempDB(t))

	require.NoError(t, w.LogTableMoved(ctx, "run-1", "P2", "P1", domain.TableMove{Table: "intake", Count: 3}))
	require.NoError(t, w.LogTableMoved(ctx, "run-1", "P2", "P1", domain.TableMove{Table: "orders", Count: 1}))
	require.NoError(t, w.LogPatientDeleted(ctx, "run-1", domain.Patient{PatientID: "P2", Phone: "09012345678"}))
	require.NoError(t, w.LogEvent(ctx, "run-other", EventVerified, "", nil))

	events, err := w.Events(ctx, "run-1")
	require.NoError(t, err)
	require.Len(t, events, 3)
	assert.Equal(t, EventTableMoved, events[0].EventType)
	assert.Equal(t, EventPatientDeleted, events[2].EventType)
	assert.Equal(t, "P2", events[2].PatientID)

	var payload map[string]any
	require.NoError(t, json.Unmarshal([]byte(events[0].Payload), &payload))
	assert.Equal(t, "intake", payload["table"])
	assert.EqualValues(t, 3, payload["count"])
}
