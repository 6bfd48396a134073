package index

import (
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/clinicops/recon/internal/domain"
)

func TestBuild_AllSpaces(t *testing.T) {
	src := []domain.Record{
		{Origin: "source", Seq: 0, PatientID: "P1", ReserveID: "R1", PlatformUID: "U_A", Phone: "+81 90-1234-5678"},
		{Origin: "source", Seq: 1, PatientID: "P2", ReserveID: "R2", PlatformUID: "U_B", Phone: "０９０１２３４５６７８"},
	}
	st := []domain.Record{
		{Origin: "store", Seq: 0, PatientID: "P1", ReserveID: "R1", PlatformUID: "U_A"},
		{Origin: "store", Seq: 1, PatientID: "P3"},
	}

	idx := Build(src, st)

	assert.Len(t, idx.Records(), 4)
	assert.Equal(t, []string{"P1", "P2", "P3"}, idx.Keys(ByPatientID))
	assert.Len(t, idx.Get(ByPatientID, "P1"), 2)
	assert.Equal(t, []string{"R1", "R2"}, idx.Keys(ByReserveID))

	phone := idx.Get(ByPhone, "09012345678")
	require.Len(t, phone, 2, "both spellings land on one normalized key")
	assert.Equal(t, []string{"P1", "P2"}, idx.PatientIDs(ByPhone, "09012345678"))
}

func TestCollisions(t *testing.T) {
	idx := Build([]domain.Record{
		{PatientID: "P0", PlatformUID: "U_X"},
		{PatientID: "P0", PlatformUID: "U_Y"},
		{PatientID: "P0", PlatformUID: "U_X"},
		{PatientID: "P5", PlatformUID: "U_Z"},
	})

	assert.Equal(t, []string{"P0"}, idx.Collisions(ByPatientID))
	assert.Equal(t, []string{"U_X"}, idx.Collisions(ByPlatformUID))
	assert.Equal(t, []string{"U_X", "U_Y"}, idx.PlatformUIDs("P0"))
	assert.Equal(t, []string{"U_Z"}, idx.PlatformUIDs("P5"))
}

func TestPlatformUIDsAreByteExact(t *testing.T) {
	idx := Build([]domain.Record{
		{PatientID: "P0", PlatformUID: "Uabc"},
		{PatientID: "P0", PlatformUID: "UABC"},
	})
	assert.Len(t, idx.PlatformUIDs("P0"), 2)
}

func TestRowsWithoutKeysAreNotIndexed(t *testing.T) {
	idx := Build([]domain.Record{
		{ReserveID: "R9", Phone: "123"},
	})
	assert.Equal(t, 0, idx.Len(ByPatientID))
	assert.Equal(t, 0, idx.Len(ByPhone), "invalid phones are not keys")
	assert.Equal(t, 1, idx.Len(ByReserveID))
	assert.Empty(t, idx.Claims())
}

func TestClaims(t *testing.T) {
	idx := Build([]domain.Record{
		{Origin: "source:getIntake", Seq: 3, PatientID: "P1", PlatformUID: "U_A"},
	})
	assert.Equal(t, []domain.IdentityClaim{{Origin: "source:getIntake", Seq: 3, PatientID: "P1", PlatformUID: "U_A"}}, idx.Claims())
}
