package report

import (
	"bytes"
	"path/filepath"
	"testing"

	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
	"github.com/xuri/excelize/v2"
)

func TestSummary_CountsAndRepaired(t *testing.T) {
	s := New("sync reservations", "run-1", false)
	s.Add(Item{Kind: "reservation", Key: "R1", Status: StatusSkipped})
	assert.False(t, s.Repaired)
	s.Add(Item{Kind: "reservation", Key: "R2", Status: StatusCreated})
	s.Add(Item{Kind: "merge", Key: "P2->P1", Status: StatusEscalated})
	s.Add(Item{Kind: "merge", Key: "P4->P3", Status: StatusErrored, Detail: "halted"})

	assert.Equal(t, Counts{Created: 1, Skipped: 1, Errored: 1, Escalated: 1}, s.Counts)
	assert.True(t, s.Repaired)

	dry := New("merge", "", true)
	dry.Add(Item{Kind: "merge", Key: "P2->P1", Status: StatusPlanned})
	assert.False(t, dry.Repaired, "dry runs never repair")
}

func TestSummary_Print(t *testing.T) {
	s := New("merge", "run-1", true)
	s.Before = map[string]int{"orders": 3, "patients": 2}
	s.After = map[string]int{"orders": 3, "patients": 1}
	s.Add(Item{Kind: "merge", Key: "P2->P1", Status: StatusPlanned, Rows: 3})

	var buf bytes.Buffer
	s.Print(&buf)
	assert.Equal(t, "merge (run run-1)\n"+
		"Mode: dry-run (re-run with --confirm to write)\n"+
		"Items: 0 created, 0 updated, 0 skipped, 0 errored, 1 planned\n"+
		"  orders         3 -> 3 (+0)\n"+
		"  patients       2 -> 1 (-1)\n", buf.String())
}

func TestSummary_WriteXLSX(t *testing.T) {
	s := New("sync reservations", "run-1", false)
	s.Before = map[string]int{"reservations": 1}
	s.After = map[string]int{"reservations": 2}
	s.Add(Item{Kind: "reservation", Key: "R2", Status: StatusCreated, Rows: 1})

	path := filepath.Join(t.TempDir(), "report.xlsx")
	require.NoError(t, s.WriteXLSX(path))

	f, err := excelize.OpenFile(path)
	require.NoError(t, err)
	defer f.Close()

	assert.Equal(t, []string{"Items", "Tables"}, f.GetSheetList())

	items, err := f.GetRows("Items")
	require.NoError(t, err)
	require.Len(t, items, 2)
	assert.Equal(t, []string{"Kind", "Key", "Status", "Rows", "Detail"}, items[0])
	require.GreaterOrEqual(t, len(items[1]), 4)
	assert.Equal(t, []string{"reservation", "R2", "created", "1"}, items[1][:4])

	tables, err := f.GetRows("Tables")
	require.NoError(t, err)
	assert.Equal(t, []string{"reservations", "1", "2", "1"}, tables[1])
}
