package store

// TableSpec describes one addressable table. Only tables in the registry can
// be read or written; column names are checked against Columns before they
// reach SQL.
type TableSpec struct {
	Name      string
	KeyColumn string
	// UniqueWith lists columns that are unique together with patient_id.
	// A nil slice with KeyColumn == "patient_id" means one row per patient.
	UniqueWith  []string
	Columns     []string
	UIDColumn   string
	PhoneColumn string
	NameColumn  string
	TimeColumn  string
}

// HasColumn reports whether col is a column of the table.
func (t TableSpec) HasColumn(col string) bool {
	for _, c := range t.Columns {
		if c == col {
			return true
		}
	}
	return false
}

// OnePerPatient reports whether the table holds at most one row per patient.
func (t TableSpec) OnePerPatient() bool {
	return t.KeyColumn == "patient_id"
}

// Unique reports whether moving rows between patients can collide.
func (t TableSpec) Unique() bool {
	return t.OnePerPatient() || len(t.UniqueWith) > 0
}

// PatientsTable is the canonical identity table.
var PatientsTable = TableSpec{
	Name:        "patients",
	KeyColumn:   "patient_id",
	Columns:     []string{"patient_id", "name", "name_kana", "sex", "birthday", "phone", "platform_uid", "created_at", "updated_at"},
	UIDColumn:   "platform_uid",
	PhoneColumn: "phone",
	NameColumn:  "name",
	TimeColumn:  "created_at",
}

// DependentTables lists every table referencing patient_id, in the fixed
// order a merge migrates them: intake first (it carries the identity
// evidence), then bookings and billing, then messaging and labels.
var DependentTables = []TableSpec{
	{
		Name:        "intake",
		KeyColumn:   "id",
		Columns:     []string{"id", "patient_id", "reserve_id", "platform_uid", "name", "phone", "answers", "created_at"},
		UIDColumn:   "platform_uid",
		PhoneColumn: "phone",
		NameColumn:  "name",
		TimeColumn:  "created_at",
	},
	{
		Name:       "reservations",
		KeyColumn:  "reserve_id",
		Columns:    []string{"reserve_id", "patient_id", "reserved_date", "reserved_time", "status", "platform_uid", "created_at", "updated_at"},
		UIDColumn:  "platform_uid",
		TimeColumn: "created_at",
	},
	{
		Name:       "orders",
		KeyColumn:  "id",
		Columns:    []string{"id", "patient_id", "amount", "status", "created_at"},
		TimeColumn: "created_at",
	},
	{
		Name:       "reorders",
		KeyColumn:  "id",
		Columns:    []string{"id", "patient_id", "status", "created_at"},
		TimeColumn: "created_at",
	},
	{
		Name:       "message_log",
		KeyColumn:  "id",
		Columns:    []string{"id", "patient_id", "platform_uid", "direction", "content", "created_at"},
		UIDColumn:  "platform_uid",
		TimeColumn: "created_at",
	},
	{
		Name:       "patient_tags",
		KeyColumn:  "tag_id",
		UniqueWith: []string{"tag_id"},
		Columns:    []string{"patient_id", "tag_id", "created_at"},
		TimeColumn: "created_at",
	},
	{
		Name:       "patient_marks",
		KeyColumn:  "patient_id",
		Columns:    []string{"patient_id", "mark", "updated_at"},
		TimeColumn: "updated_at",
	},
	{
		Name:        "verify_codes",
		KeyColumn:   "id",
		Columns:     []string{"id", "patient_id", "phone", "code", "created_at"},
		PhoneColumn: "phone",
		TimeColumn:  "created_at",
	},
}

// Lookup returns the spec for a registered table.
func Lookup(name string) (TableSpec, bool) {
	if name == PatientsTable.Name {
		return PatientsTable, true
	}
	for _, t := range DependentTables {
		if t.Name == name {
			return t, true
		}
	}
	return TableSpec{}, false
}

// DependentTableNames returns the dependent table names in migration order.
func DependentTableNames() []string {
	names := make([]string, len(DependentTables))
	for i, t := range DependentTables {
		names[i] = t.Name
	}
	return names
}

// OrderKey returns columns giving a total, stable row order for paging.
func (t TableSpec) OrderKey() []string {
	if len(t.UniqueWith) > 0 {
		return append([]string{"patient_id"}, t.UniqueWith...)
	}
	return []string{t.KeyColumn}
}
