package testutil

import (
	"fmt"
	"os"
	"path/filepath"
	"sort"
	"strings"
	"testing"

	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/store"
)

// TempDB creates a temporary, migrated SQLite store for testing
func TempDB(t *testing.T) *db.DB {
	t.Helper()

	dbPath := filepath.Join(t.TempDir(), "test.db")

	database, err := db.OpenSQLite(dbPath)
	if err != nil {
		t.Fatalf("Failed to create test database: %v", err)
	}

	if err := database.Migrate(); err != nil {
		database.Close()
		t.Fatalf("Failed to run migrations: %v", err)
	}

	t.Cleanup(func() {
		database.Close()
	})

	return database
}

// TempStore wraps TempDB in a Store with a small page size, so tests cross
// page boundaries with a handful of rows.
func TempStore(t *testing.T, pageSize int) *store.Store {
	t.Helper()
	return store.New(TempDB(t), store.Options{PageSize: pageSize, BatchSize: 3}, zap.NewNop())
}

// Exec runs a statement and fails the test on error.
func Exec(t *testing.T, database *db.DB, query string, args ...any) {
	t.Helper()
	if _, err := database.Exec(database.Rebind(query), args...); err != nil {
		t.Fatalf("exec %q: %v", query, err)
	}
}

// Insert writes one row into table, filling created_at/updated_at when the
// table has them and the caller did not.
func Insert(t *testing.T, database *db.DB, table string, row map[string]any) {
	t.Helper()
	spec, ok := store.Lookup(table)
	if !ok {
		t.Fatalf("unknown table %s", table)
	}
	for _, col := range []string{"created_at", "updated_at"} {
		if _, set := row[col]; !set && spec.HasColumn(col) {
			row[col] = "2026-01-01T00:00:00Z"
		}
	}
	cols := make([]string, 0, len(row))
	for c := range row {
		cols = append(cols, c)
	}
	sort.Strings(cols)
	args := make([]any, len(cols))
	for i, c := range cols {
		args[i] = row[c]
	}
	marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
	Exec(t, database, fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s)", table, strings.Join(cols, ", "), marks), args...)
}

// Patient inserts a patient row. Blank fields become NULL.
func Patient(t *testing.T, database *db.DB, patientID, name, phone, platformUID string) {
	t.Helper()
	Insert(t, database, "patients", map[string]any{
		"patient_id":   patientID,
		"name":         nullable(name),
		"phone":        nullable(phone),
		"platform_uid": nullable(platformUID),
	})
}

// CountWhere returns COUNT(*) of table filtered by patient_id.
func CountWhere(t *testing.T, database *db.DB, table, patientID string) int {
	t.Helper()
	var n int
	if err := database.QueryRow(database.Rebind("SELECT COUNT(*) FROM "+table+" WHERE patient_id = ?"), patientID).Scan(&n); err != nil {
		t.Fatalf("count %s: %v", table, err)
	}
	return n
}

// RowCounts returns COUNT(*) for every registered table.
func RowCounts(t *testing.T, database *db.DB) map[string]int {
	t.Helper()
	out := map[string]int{}
	tables := append([]string{"patients"}, store.DependentTableNames()...)
	for _, table := range tables {
		var n int
		if err := database.QueryRow("SELECT COUNT(*) FROM " + table).Scan(&n); err != nil {
			t.Fatalf("count %s: %v", table, err)
		}
		out[table] = n
	}
	return out
}

func nullable(v string) any {
	if v == "" {
		return nil
	}
	return v
}

// WriteFile writes content to a file in a temporary directory
func WriteFile(t *testing.T, dir, filename, content string) string {
	t.Helper()
	path := filepath.Join(dir, filename)
	if err := os.WriteFile(path, []byte(content), 0644); err != nil {
		t.Fatalf("Failed to write file %s: %v", path, err)
	}
	return path
}
