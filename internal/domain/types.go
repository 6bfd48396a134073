package domain

import (
	"time"
)

// Patient is the canonical identity row. Empty strings stand for NULL.
type Patient struct {
	PatientID   string    `json:"patient_id" yaml:"patient_id"`
	Name        string    `json:"name,omitempty" yaml:"name,omitempty"`
	NameKana    string    `json:"name_kana,omitempty" yaml:"name_kana,omitempty"`
	Sex         string    `json:"sex,omitempty" yaml:"sex,omitempty"`
	Birthday    string    `json:"birthday,omitempty" yaml:"birthday,omitempty"`
	Phone       string    `json:"phone,omitempty" yaml:"phone,omitempty"`
	PlatformUID string    `json:"platform_uid,omitempty" yaml:"platform_uid,omitempty"`
	CreatedAt   time.Time `json:"created_at" yaml:"created_at"`
	UpdatedAt   time.Time `json:"updated_at" yaml:"updated_at"`
}

// Patient field names, as used by field merges and the store.
const (
	FieldName        = "name"
	FieldNameKana    = "name_kana"
	FieldSex         = "sex"
	FieldBirthday    = "birthday"
	FieldPhone       = "phone"
	FieldPlatformUID = "platform_uid"
)

// MergeFields lists the patient fields a merge coalesces, in report order.
var MergeFields = []string{FieldName, FieldNameKana, FieldSex, FieldBirthday, FieldPhone, FieldPlatformUID}

// Field returns the value of a merge field by name.
func (p Patient) Field(name string) string {
	switch name {
	case FieldName:
		return p.Name
	case FieldNameKana:
		return p.NameKana
	case FieldSex:
		return p.Sex
	case FieldBirthday:
		return p.Birthday
	case FieldPhone:
		return p.Phone
	case FieldPlatformUID:
		return p.PlatformUID
	}
	return ""
}

// SetField sets a merge field by name. Unknown names are ignored.
func (p *Patient) SetField(name, value string) {
	switch name {
	case FieldName:
		p.Name = value
	case FieldNameKana:
		p.NameKana = value
	case FieldSex:
		p.Sex = value
	case FieldBirthday:
		p.Birthday = value
	case FieldPhone:
		p.Phone = value
	case FieldPlatformUID:
		p.PlatformUID = value
	}
}

// Record is the canonical row shape produced by both the source and the
// store adapters. Seq is the row's position in its origin and is the
// tie-breaker when Timestamp is zero.
type Record struct {
	Origin       string    `json:"origin"`
	Seq          int       `json:"seq"`
	PatientID    string    `json:"patient_id,omitempty"`
	ReserveID    string    `json:"reserve_id,omitempty"`
	PlatformUID  string    `json:"platform_uid,omitempty"`
	Phone        string    `json:"phone,omitempty"`
	Name         string    `json:"name,omitempty"`
	NameKana     string    `json:"name_kana,omitempty"`
	Status       string    `json:"status,omitempty"`
	ReservedDate string    `json:"reserved_date,omitempty"`
	ReservedTime string    `json:"reserved_time,omitempty"`
	Timestamp    time.Time `json:"timestamp,omitempty"`
}

// HasTimestamp reports whether the row carried an explicit timestamp.
func (r Record) HasTimestamp() bool {
	return !r.Timestamp.IsZero()
}

// Claim returns the identity claim this row makes.
func (r Record) Claim() IdentityClaim {
	return IdentityClaim{
		Origin:      r.Origin,
		Seq:         r.Seq,
		PatientID:   r.PatientID,
		PlatformUID: r.PlatformUID,
	}
}

// IdentityClaim is a (origin row, claimed patient id, claimed platform uid) tuple.
type IdentityClaim struct {
	Origin      string `json:"origin"`
	Seq         int    `json:"seq"`
	PatientID   string `json:"patient_id"`
	PlatformUID string `json:"platform_uid,omitempty"`
}

// DependentRecord is any row referencing a patient id by convention.
type DependentRecord struct {
	Table       string    `json:"table"`
	ID          string    `json:"id"`
	PatientID   string    `json:"patient_id"`
	PlatformUID string    `json:"platform_uid,omitempty"`
	Phone       string    `json:"phone,omitempty"`
	Name        string    `json:"name,omitempty"`
	CreatedAt   time.Time `json:"created_at,omitempty"`
}

// MatchReason explains why two patient ids are believed to be one person.
type MatchReason string

const (
	MatchPlatformUID MatchReason = "platform_uid"
	MatchPhoneName   MatchReason = "phone_name"
	MatchOperator    MatchReason = "operator"
)

// OperationState is a step of the merge/split state machine.
type OperationState string

const (
	StatePlanned         OperationState = "planned"
	StateTablesMigrating OperationState = "tables_migrating"
	StatePatientMerged   OperationState = "patient_merged"
	StateSourceDeleted   OperationState = "source_deleted"
	StatePatientsCreated OperationState = "patients_created"
	StateRecordsMoved    OperationState = "records_moved"
	StateVerified        OperationState = "verified"
)

// TableMove counts dependent rows rewired in one table.
type TableMove struct {
	Table   string `json:"table" yaml:"table"`
	Count   int    `json:"count" yaml:"count"`
	Deduped int    `json:"deduped,omitempty" yaml:"deduped,omitempty"`
}

// FieldConflict is a field where target and source both carry different values.
type FieldConflict struct {
	Field  string `json:"field" yaml:"field"`
	Target string `json:"target" yaml:"target"`
	Source string `json:"source" yaml:"source"`
}

// MergeOperation folds the source patient into the target patient.
// AbsorbedPlatformUIDs are uids found on the source that the target does not
// already carry; once merged they count as the target's own.
type MergeOperation struct {
	RunID                string            `json:"run_id" yaml:"run_id"`
	SourcePatientID      string            `json:"source_patient_id" yaml:"source_patient_id"`
	TargetPatientID      string            `json:"target_patient_id" yaml:"target_patient_id"`
	Reason               MatchReason       `json:"reason" yaml:"reason"`
	MovedTables          []TableMove       `json:"moved_tables" yaml:"moved_tables"`
	FieldMerge           map[string]string `json:"field_merge" yaml:"field_merge"`
	Conflicts            []FieldConflict   `json:"conflicts,omitempty" yaml:"conflicts,omitempty"`
	RetiredPlatformUID   string            `json:"retired_platform_uid,omitempty" yaml:"retired_platform_uid,omitempty"`
	AbsorbedPlatformUIDs []string          `json:"absorbed_platform_uids,omitempty" yaml:"absorbed_platform_uids,omitempty"`
	DryRun               bool              `json:"dry_run" yaml:"dry_run"`
	Source               Patient           `json:"source" yaml:"source"`
	Target               Patient           `json:"target" yaml:"target"`
}

// NeedsReview reports whether the merge carries unresolved conflicts.
func (m *MergeOperation) NeedsReview() bool {
	return len(m.Conflicts) > 0
}

// TargetUpdates returns the merged fields whose value differs from the
// target's current value.
func (m *MergeOperation) TargetUpdates() map[string]string {
	updates := map[string]string{}
	for _, field := range MergeFields {
		chosen, ok := m.FieldMerge[field]
		if !ok {
			continue
		}
		if chosen != m.Target.Field(field) {
			updates[field] = chosen
		}
	}
	return updates
}

// TotalMoved sums rewired rows across tables.
func (m *MergeOperation) TotalMoved() int {
	total := 0
	for _, mv := range m.MovedTables {
		total += mv.Count
	}
	return total
}

// Evidence names the rule that assigned a record during a split.
type Evidence string

const (
	EvidencePlatformUID Evidence = "platform_uid"
	EvidenceContent     Evidence = "content"
	EvidenceTemporal    Evidence = "temporal"
	EvidenceOverride    Evidence = "override"
	EvidenceNone        Evidence = "none"
)

// SplitIdentity is one of the humans found behind a collided patient id.
type SplitIdentity struct {
	PatientID   string `json:"patient_id" yaml:"patient_id"`
	PlatformUID string `json:"platform_uid" yaml:"platform_uid"`
	Name        string `json:"name,omitempty" yaml:"name,omitempty"`
	Phone       string `json:"phone,omitempty" yaml:"phone,omitempty"`
	Minted      bool   `json:"minted" yaml:"minted"`
	Existing    bool   `json:"existing,omitempty" yaml:"existing,omitempty"`
}

// RecordAssignment moves one dependent row to one identity.
type RecordAssignment struct {
	Table       string   `json:"table" yaml:"table"`
	RecordID    string   `json:"record_id" yaml:"record_id"`
	PatientID   string   `json:"patient_id" yaml:"patient_id"`
	PlatformUID string   `json:"platform_uid,omitempty" yaml:"platform_uid,omitempty"`
	Evidence    Evidence `json:"evidence" yaml:"evidence"`
}

// CollisionSplit separates the humans sharing one patient id.
type CollisionSplit struct {
	RunID           string             `json:"run_id" yaml:"run_id"`
	PatientID       string             `json:"patient_id" yaml:"patient_id"`
	KeepPlatformUID string             `json:"keep_platform_uid" yaml:"keep_platform_uid"`
	Identities      []SplitIdentity    `json:"identities" yaml:"identities"`
	Moves           []RecordAssignment `json:"moves" yaml:"moves"`
	Kept            int                `json:"kept" yaml:"kept"`
	Unassigned      []RecordAssignment `json:"unassigned,omitempty" yaml:"unassigned,omitempty"`
	DryRun          bool               `json:"dry_run" yaml:"dry_run"`
}

// NewIdentities returns the identities that leave the original id.
func (s *CollisionSplit) NewIdentities() []SplitIdentity {
	var out []SplitIdentity
	for _, ident := range s.Identities {
		if ident.PatientID != s.PatientID {
			out = append(out, ident)
		}
	}
	return out
}

// MovesByTable groups record ids to move, per destination patient id.
func (s *CollisionSplit) MovesByTable() map[string]map[string][]string {
	out := map[string]map[string][]string{}
	for _, mv := range s.Moves {
		if out[mv.Table] == nil {
			out[mv.Table] = map[string][]string{}
		}
		out[mv.Table][mv.PatientID] = append(out[mv.Table][mv.PatientID], mv.RecordID)
	}
	return out
}
