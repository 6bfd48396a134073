package diff

import (
	"fmt"
	"math/rand"
	"testing"
	"time"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/index"
)

func reservations(rows ...domain.Record) *index.Index {
	return index.Build(rows)
}

func TestDiff_MissingSync(t *testing.T) {
	src := reservations(domain.Record{Origin: "source", ReserveID: "R1", PatientID: "P1", ReservedDate: "2026-01-30", ReservedTime: "10:00"})
	st := reservations()

	res := Diff(index.ByReserveID, src, st, Options{})
	assert.Equal(t, []string{"R1"}, res.OnlyInA)
	assert.Empty(t, res.OnlyInB)
	assert.Empty(t, res.Both)
	require.NoError(t, res.Check())
}

func TestDiff_CanceledRowsAreDropped(t *testing.T) {
	src := reservations(
		domain.Record{ReserveID: "R1", PatientID: "P1", Status: "キャンセル"},
		domain.Record{ReserveID: "R2", PatientID: "P1", Status: "pending"},
	)
	st := reservations(
		domain.Record{ReserveID: "R2", PatientID: "P1", Status: "pending"},
		domain.Record{ReserveID: "R3", PatientID: "P2", Status: "canceled"},
	)

	res := Diff(index.ByReserveID, src, st, Options{})
	assert.True(t, res.Clean(), "canceled-only discrepancies are not errors: %+v", res)
	assert.Equal(t, 1, res.CanceledA)
	assert.Equal(t, 1, res.CanceledB)

	res = Diff(index.ByReserveID, src, st, Options{KeepCanceled: true})
	assert.Equal(t, []string{"R1"}, res.OnlyInA)
	assert.Equal(t, []string{"R3"}, res.OnlyInB)
}

func TestDiff_ValueMismatch(t *testing.T) {
	src := reservations(domain.Record{ReserveID: "R1", PatientID: "P1", Status: "Confirmed", ReservedDate: "2026-01-30", ReservedTime: "10:00"})
	st := reservations(domain.Record{ReserveID: "R1", PatientID: "P2", Status: "confirmed", ReservedDate: "2026-01-30", ReservedTime: "11:00"})

	res := Diff(index.ByReserveID, src, st, Options{})
	assert.Equal(t, []string{"R1"}, res.Both)
	assert.Equal(t, []Mismatch{
		{Key: "R1", Field: FieldPatientID, A: "P1", B: "P2"},
		{Key: "R1", Field: FieldReservedTime, A: "10:00", B: "11:00"},
	}, res.ValueMismatch)
	assert.Equal(t, []string{"R1"}, res.Mismatched())

	ud := res.UnifiedDiff("R1", nil)
	assert.Contains(t, ud, "-patient_id: P1")
	assert.Contains(t, ud, "+patient_id: P2")
}

func TestDiff_IgnoreBlank(t *testing.T) {
	a := index.Build([]domain.Record{{PatientID: "P1", Name: "山田 太郎", Phone: "090-1234-5678"}})
	b := index.Build([]domain.Record{{PatientID: "P1", Name: "山田　太郎", Phone: ""}})

	res := Diff(index.ByPatientID, a, b, Options{IgnoreBlank: true})
	assert.Empty(t, res.ValueMismatch, "names compare width- and space-insensitively")

	res = Diff(index.ByPatientID, a, b, Options{})
	require.Len(t, res.ValueMismatch, 1)
	assert.Equal(t, FieldPhone, res.ValueMismatch[0].Field)
}

func TestLatest(t *testing.T) {
	t0 := time.Date(2026, 1, 1, 0, 0, 0, 0, time.UTC)
	t1 := t0.Add(time.Hour)

	tests := []struct {
		name string
		rows []domain.Record
		want int
	}{
		{"newest timestamp", []domain.Record{{Seq: 0, Timestamp: t1}, {Seq: 1, Timestamp: t0}}, 0},
		{"timestamp beats none", []domain.Record{{Seq: 5}, {Seq: 1, Timestamp: t0}}, 1},
		{"highest seq without timestamps", []domain.Record{{Seq: 2}, {Seq: 7}, {Seq: 3}}, 7},
		{"equal timestamps fall back to seq", []domain.Record{{Seq: 4, Timestamp: t0}, {Seq: 2, Timestamp: t0}}, 4},
	}
	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			got := Latest(tt.rows)
			assert.Equal(t, tt.want, got.Seq)
		})
	}
}

func TestDiff_PartitionProperty(t *testing.T) {
	rng := rand.New(rand.NewSource(42))
	for round := 0; round < 50; round++ {
		var a, b []domain.Record
		union := map[string]bool{}
		for i := 0; i < rng.Intn(40); i++ {
			k := fmt.Sprintf("R%d", rng.Intn(30))
			a = append(a, domain.Record{ReserveID: k, Seq: i})
			union[k] = true
		}
		for i := 0; i < rng.Intn(40); i++ {
			k := fmt.Sprintf("R%d", rng.Intn(30))
			b = append(b, domain.Record{ReserveID: k, Seq: i})
			union[k] = true
		}

		res := Diff(index.ByReserveID, index.Build(a), index.Build(b), Options{})
		require.NoError(t, res.Check(), "round %d", round)
		assert.Equal(t, len(union), len(res.OnlyInA)+len(res.Both)+len(res.OnlyInB), "round %d", round)
	}
}
