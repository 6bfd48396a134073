package source

import (
	"context"
	"encoding/json"
	"io"
	"net/http"
	"net/http/httptest"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
)

func serve(t *testing.T, status int, body string, seen *map[string]any) *httptest.Server {
	t.Helper()
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if seen != nil {
			raw, _ := io.ReadAll(r.Body)
			_ = json.Unmarshal(raw, seen)
		}
		w.Header().Set("Content-Type", "application/json")
		w.WriteHeader(status)
		_, _ = io.WriteString(w, body)
	}))
	t.Cleanup(srv.Close)
	return srv
}

func TestFetch_EnvelopeShapes(t *testing.T) {
	tests := []struct {
		name string
		body string
	}{
		{"rows envelope", `{"ok":true,"rows":[{"reserve_id":"R1","patient_id":"P1"}]}`},
		{"reservations envelope", `{"ok":true,"reservations":[{"reserveId":"R1","patientId":"P1"}]}`},
		{"data envelope", `{"data":[{"予約ID":"R1","患者ID":"P1"}]}`},
		{"bare array", `[{"reservation_id":"R1","PatientID":"P1"}]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			srv := serve(t, http.StatusOK, tt.body, nil)
			c := New(srv.URL, "secret", zap.NewNop())

			recs, stats, err := c.Fetch(context.Background(), OpReservations, nil)
			require.NoError(t, err)
			require.Len(t, recs, 1)
			assert.Equal(t, "R1", recs[0].ReserveID)
			assert.Equal(t, "P1", recs[0].PatientID)
			assert.Equal(t, 1, stats.Rows)
		})
	}
}

func TestFetch_SendsTypeAndToken(t *testing.T) {
	var seen map[string]any
	srv := serve(t, http.StatusOK, `[]`, &seen)
	c := New(srv.URL, "s3cret", zap.NewNop())

	_, _, err := c.Fetch(context.Background(), OpReservations, map[string]any{"from": "2026-01-01", "token": "override"})
	require.NoError(t, err)
	assert.Equal(t, OpReservations, seen["type"])
	assert.Equal(t, "s3cret", seen["token"], "params cannot replace the shared token")
	assert.Equal(t, "2026-01-01", seen["from"])
}

func TestFetch_Errors(t *testing.T) {
	t.Run("non-2xx", func(t *testing.T) {
		srv := serve(t, http.StatusBadGateway, `oops`, nil)
		_, _, err := New(srv.URL, "", zap.NewNop()).Fetch(context.Background(), OpPatients, nil)
		require.Error(t, err)
		var ne *domain.NetworkError
		require.ErrorAs(t, err, &ne)
		assert.Equal(t, http.StatusBadGateway, ne.StatusCode)
	})

	t.Run("ok false", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"ok":false,"error":"invalid token"}`, nil)
		_, _, err := New(srv.URL, "", zap.NewNop()).Fetch(context.Background(), OpPatients, nil)
		require.Error(t, err)
		assert.True(t, domain.IsNetwork(err))
		assert.Contains(t, err.Error(), "invalid token")
	})

	t.Run("unreachable", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `[]`, nil)
		url := srv.URL
		srv.Close()
		_, _, err := New(url, "", zap.NewNop()).Fetch(context.Background(), OpPatients, nil)
		assert.True(t, domain.IsNetwork(err))
	})

	t.Run("malformed", func(t *testing.T) {
		srv := serve(t, http.StatusOK, `{"rows":[`, nil)
		_, _, err := New(srv.URL, "", zap.NewNop()).Fetch(context.Background(), OpPatients, nil)
		assert.True(t, domain.IsNetwork(err))
	})
}

func TestFetch_SkipsRowsWithoutIdentity(t *testing.T) {
	body := `{"ok":true,"rows":[
		{"patient_id":"P1","name":"A"},
		{"name":"nobody","status":"pending"},
		{"phone":"090-1234-5678"}
	]}`
	srv := serve(t, http.StatusOK, body, nil)

	recs, stats, err := New(srv.URL, "", zap.NewNop()).Fetch(context.Background(), OpIntake, nil)
	require.NoError(t, err)
	assert.Equal(t, FetchStats{Rows: 3, Skipped: 1}, stats)
	require.Len(t, recs, 2)
	assert.Equal(t, 0, recs[0].Seq)
	assert.Equal(t, 2, recs[1].Seq, "seq is the position in the response, not in the result")
	assert.Equal(t, "source:"+OpIntake, recs[1].Origin)
}

func TestNormalize_ReservationFields(t *testing.T) {
	raw := RawRecord{
		"予約ID":   "R1",
		"患者ID":   json.Number("1024"),
		"予約日時":  "2026/1/30 9:00",
		"ステータス": "",
		"電話番号":  json.Number("9012345678"),
		"LINE UID": "Uabc",
		"updatedAt": "2026-01-29T12:00:00Z",
	}
	rec, err := Normalize(raw, "source:test", 4)
	require.NoError(t, err)
	assert.Equal(t, "R1", rec.ReserveID)
	assert.Equal(t, "1024", rec.PatientID)
	assert.Equal(t, "2026-01-30", rec.ReservedDate)
	assert.Equal(t, "09:00", rec.ReservedTime)
	assert.Equal(t, "9012345678", rec.Phone, "numbers keep their literal text")
	assert.Equal(t, "Uabc", rec.PlatformUID)
	assert.True(t, rec.HasTimestamp())
	assert.Equal(t, 4, rec.Seq)
}

func TestNormalize_SeparateDateAndTime(t *testing.T) {
	rec, err := Normalize(RawRecord{"reserve_id": "R2", "date": "2026-01-30", "time": "10:00:00"}, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-30", rec.ReservedDate)
	assert.Equal(t, "10:00", rec.ReservedTime)
	assert.False(t, rec.HasTimestamp())
}

func TestNormalize_CombinedDateInDateColumn(t *testing.T) {
	rec, err := Normalize(RawRecord{"reserve_id": "R3", "reserved_date": "2026-01-30 10:00"}, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, "2026-01-30", rec.ReservedDate)
	assert.Equal(t, "10:00", rec.ReservedTime)
}

func TestNormalize_FirstAliasWins(t *testing.T) {
	rec, err := Normalize(RawRecord{"patient_id": "", "patientId": "P9", "Patient Name": "X", "name": "Y"}, "s", 0)
	require.NoError(t, err)
	assert.Equal(t, "P9", rec.PatientID, "blank values fall through to the next alias")
	assert.Equal(t, "Y", rec.Name)
}

func TestNormalize_MissingIdentity(t *testing.T) {
	_, err := Normalize(RawRecord{"status": "pending"}, "s", 7)
	require.Error(t, err)
	assert.True(t, domain.IsValidation(err))
}
