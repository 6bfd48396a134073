package store

import (
	"context"
	"fmt"

	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/id"
)

// PatientFromRow converts a patients row.
func PatientFromRow(r Row) domain.Patient {
	return domain.Patient{
		PatientID:   r.String("patient_id"),
		Name:        r.String("name"),
		NameKana:    r.String("name_kana"),
		Sex:         r.String("sex"),
		Birthday:    r.String("birthday"),
		Phone:       r.String("phone"),
		PlatformUID: r.String("platform_uid"),
		CreatedAt:   db.ParseTime(r.String("created_at")),
		UpdatedAt:   db.ParseTime(r.String("updated_at")),
	}
}

// PatientRow converts a patient into a row for Upsert. Blank fields are
// written as NULL.
func PatientRow(p domain.Patient) Row {
	created := p.CreatedAt
	if created.IsZero() {
		created = p.UpdatedAt
	}
	row := Row{
		"patient_id": p.PatientID,
		"created_at": db.Now(),
		"updated_at": db.Now(),
	}
	if !created.IsZero() {
		row["created_at"] = db.FormatTime(created)
	}
	for _, field := range domain.MergeFields {
		row[field] = nullIfBlank(p.Field(field))
	}
	return row
}

func nullIfBlank(v string) any {
	if domain.IsBlank(v) {
		return nil
	}
	return v
}

// GetPatient loads one patient. It returns domain.ErrNotFound when absent.
func (s *Store) GetPatient(ctx context.Context, patientID string) (*domain.Patient, error) {
	rows, err := s.FetchAll(ctx, PatientsTable.Name, Where().Eq("patient_id", patientID))
	if err != nil {
		return nil, err
	}
	if len(rows) == 0 {
		return nil, fmt.Errorf("patient %s: %w", patientID, domain.ErrNotFound)
	}
	p := PatientFromRow(rows[0])
	return &p, nil
}

// ListPatients loads every patient.
func (s *Store) ListPatients(ctx context.Context) ([]domain.Patient, error) {
	rows, err := s.FetchAll(ctx, PatientsTable.Name, nil)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Patient, len(rows))
	for i, r := range rows {
		out[i] = PatientFromRow(r)
	}
	return out, nil
}

// PatientsByPlatformUID returns every patient claiming uid.
func (s *Store) PatientsByPlatformUID(ctx context.Context, uid string) ([]domain.Patient, error) {
	rows, err := s.FetchAll(ctx, PatientsTable.Name, Where().Eq("platform_uid", uid))
	if err != nil {
		return nil, err
	}
	out := make([]domain.Patient, len(rows))
	for i, r := range rows {
		out[i] = PatientFromRow(r)
	}
	return out, nil
}

// CreatePatient inserts a patient row, or leaves an identical existing one.
func (s *Store) CreatePatient(ctx context.Context, p domain.Patient) (UpsertResult, error) {
	return s.Upsert(ctx, PatientsTable.Name, []Row{PatientRow(p)}, "patient_id")
}

// UpdatePatientFields writes the given merge fields onto a patient.
func (s *Store) UpdatePatientFields(ctx context.Context, patientID string, fields map[string]string) (int64, error) {
	if len(fields) == 0 {
		return 0, nil
	}
	set := map[string]any{"updated_at": db.Now()}
	for k, v := range fields {
		set[k] = nullIfBlank(v)
	}
	return s.Update(ctx, PatientsTable.Name, set, Where().Eq("patient_id", patientID))
}

// DeletePatient removes one patient row.
func (s *Store) DeletePatient(ctx context.Context, patientID string) (int64, error) {
	if patientID == "" {
		return 0, fmt.Errorf("refusing to delete patient with empty id")
	}
	return s.Delete(ctx, PatientsTable.Name, Where().Eq("patient_id", patientID))
}

// NextPatientID mints the numeric id after the largest existing or
// merged-away one, skipping any in reserved.
func (s *Store) NextPatientID(ctx context.Context, reserved ...string) (string, error) {
	rows, err := s.FetchAll(ctx, PatientsTable.Name, nil)
	if err != nil {
		return "", err
	}
	merged, err := s.MergedPatientIDs(ctx)
	if err != nil {
		return "", err
	}
	ids := make([]string, 0, len(rows)+len(merged)+len(reserved))
	for _, r := range rows {
		ids = append(ids, r.String("patient_id"))
	}
	ids = append(ids, merged...)
	ids = append(ids, reserved...)
	max, width := id.MaxNumeric(ids)
	return id.Next(max, width), nil
}

// ReferenceCounts counts rows referencing patientID in every dependent table.
func (s *Store) ReferenceCounts(ctx context.Context, patientID string) ([]domain.TableMove, error) {
	out := make([]domain.TableMove, 0, len(DependentTables))
	for _, t := range DependentTables {
		n, err := s.Count(ctx, t.Name, Where().Eq("patient_id", patientID))
		if err != nil {
			return nil, err
		}
		out = append(out, domain.TableMove{Table: t.Name, Count: n})
	}
	return out, nil
}

// DependentRecords loads every row referencing patientID, in table order.
func (s *Store) DependentRecords(ctx context.Context, patientID string) ([]domain.DependentRecord, error) {
	var out []domain.DependentRecord
	for _, t := range DependentTables {
		rows, err := s.FetchAll(ctx, t.Name, Where().Eq("patient_id", patientID))
		if err != nil {
			return nil, err
		}
		for _, r := range rows {
			out = append(out, DependentFromRow(t, r))
		}
	}
	return out, nil
}

// DependentFromRow converts a dependent-table row using the table's
// evidence columns.
func DependentFromRow(t TableSpec, r Row) domain.DependentRecord {
	rec := domain.DependentRecord{
		Table:     t.Name,
		ID:        r.String(t.KeyColumn),
		PatientID: r.String("patient_id"),
	}
	if t.UIDColumn != "" {
		rec.PlatformUID = r.String(t.UIDColumn)
	}
	if t.PhoneColumn != "" {
		rec.Phone = r.String(t.PhoneColumn)
	}
	if t.NameColumn != "" {
		rec.Name = r.String(t.NameColumn)
	}
	if t.TimeColumn != "" {
		rec.CreatedAt = db.ParseTime(r.String(t.TimeColumn))
	}
	return rec
}

// RecordFromRow converts any registered table's row into the canonical
// record shape used by the identity index and the diff engine.
func RecordFromRow(t TableSpec, r Row, seq int) domain.Record {
	rec := domain.Record{
		Origin:    "store:" + t.Name,
		Seq:       seq,
		PatientID: r.String("patient_id"),
	}
	if t.HasColumn("reserve_id") {
		rec.ReserveID = r.String("reserve_id")
	}
	if t.UIDColumn != "" {
		rec.PlatformUID = r.String(t.UIDColumn)
	}
	if t.PhoneColumn != "" {
		rec.Phone = r.String(t.PhoneColumn)
	}
	if t.NameColumn != "" {
		rec.Name = r.String(t.NameColumn)
	}
	if t.HasColumn("name_kana") {
		rec.NameKana = r.String("name_kana")
	}
	if t.HasColumn("status") {
		rec.Status = r.String("status")
	}
	if t.HasColumn("reserved_date") {
		rec.ReservedDate = r.String("reserved_date")
		rec.ReservedTime = r.String("reserved_time")
	}
	switch {
	case t.HasColumn("updated_at"):
		rec.Timestamp = db.ParseTime(r.String("updated_at"))
	case t.TimeColumn != "":
		rec.Timestamp = db.ParseTime(r.String(t.TimeColumn))
	}
	return rec
}

// Records loads a table as canonical records, numbering them in page order.
func (s *Store) Records(ctx context.Context, table string, filter *Filter) ([]domain.Record, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	rows, err := s.FetchAll(ctx, table, filter)
	if err != nil {
		return nil, err
	}
	out := make([]domain.Record, len(rows))
	for i, r := range rows {
		out[i] = RecordFromRow(spec, r, i)
	}
	return out, nil
}

// Orphans returns, for table, the patient ids that match no patient row and
// how many rows carry each.
func (s *Store) Orphans(ctx context.Context, table string) (map[string]int, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	if spec.Name == PatientsTable.Name {
		return map[string]int{}, nil
	}
	query := fmt.Sprintf(`SELECT t.patient_id, COUNT(*) FROM %s t
		WHERE t.patient_id IS NOT NULL AND t.patient_id <> ''
		AND NOT EXISTS (SELECT 1 FROM patients p WHERE p.patient_id = t.patient_id)
		GROUP BY t.patient_id`, spec.Name)
	rows, err := s.db.QueryContext(ctx, query)
	if err != nil {
		return nil, s.netErr("orphans "+table, err)
	}
	defer rows.Close()

	out := map[string]int{}
	for rows.Next() {
		var pid string
		var n int
		if err := rows.Scan(&pid, &n); err != nil {
			return nil, s.netErr("orphans "+table, err)
		}
		out[pid] = n
	}
	if err := rows.Err(); err != nil {
		return nil, s.netErr("orphans "+table, err)
	}
	return out, nil
}
