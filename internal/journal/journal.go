// Package journal persists the state of every merge and split, plus an
// append-only audit trail of each mutation they make.
package journal

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"fmt"

	"github.com/google/uuid"

	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/domain"
)

// Operation kinds.
const (
	KindMerge = "merge"
	KindSplit = "split"
	KindSync  = "sync"
)

// Event types.
const (
	EventTableMoved      = "table.moved"
	EventPatientMerged   = "patient.merged"
	EventPatientDeleted  = "patient.deleted"
	EventPatientCreated  = "patient.created"
	EventRecordsMoved    = "records.moved"
	EventReservationSync = "reservation.synced"
	EventVerified        = "run.verified"
)

// MergeKey identifies a merge independently of its run id, so a re-run of
// the same pair finds the earlier state.
func MergeKey(source, target string) string {
	return KindMerge + ":" + source + "->" + target
}

// SplitKey identifies a split of one patient id.
func SplitKey(patientID string) string {
	return KindSplit + ":" + patientID
}

// SyncKey identifies one confirmed sync run.
func SyncKey(runID string) string {
	return KindSync + ":" + runID
}

// Entry is one journaled operation.
type Entry struct {
	OpKey     string                `json:"op_key"`
	RunID     string                `json:"run_id"`
	Kind      string                `json:"kind"`
	State     domain.OperationState `json:"state"`
	Detail    string                `json:"detail,omitempty"`
	CreatedAt string                `json:"created_at"`
	UpdatedAt string                `json:"updated_at"`
}

// Event is one audit record.
type Event struct {
	ID        string `json:"id"`
	RunID     string `json:"run_id"`
	EventType string `json:"event_type"`
	PatientID string `json:"patient_id,omitempty"`
	Payload   string `json:"payload,omitempty"`
	CreatedAt string `json:"created_at"`
}

// Writer reads and writes the journal tables.
type Writer struct {
	db *db.DB
}

// NewWriter creates a journal writer.
func NewWriter(database *db.DB) *Writer {
	return &Writer{db: database}
}

// Get loads the entry for opKey. It returns domain.ErrNotFound when the
// operation has never been started.
func (w *Writer) Get(ctx context.Context, opKey string) (*Entry, error) {
	var e Entry
	var detail sql.NullString
	err := w.db.QueryRowContext(ctx, w.db.Rebind(`
		SELECT op_key, run_id, kind, state, detail, created_at, updated_at
		FROM recon_journal WHERE op_key = ?
	`), opKey).Scan(&e.OpKey, &e.RunID, &e.Kind, &e.State, &detail, &e.CreatedAt, &e.UpdatedAt)
	if errors.Is(err, sql.ErrNoRows) {
		return nil, fmt.Errorf("journal %s: %w", opKey, domain.ErrNotFound)
	}
	if err != nil {
		return nil, fmt.Errorf("failed to read journal: %w", err)
	}
	e.Detail = detail.String
	return &e, nil
}

// Advance records that opKey reached state. detail is stored as JSON.
func (w *Writer) Advance(ctx context.Context, opKey, runID, kind string, state domain.OperationState, detail any) error {
	payload, err := encode(detail)
	if err != nil {
		return err
	}
	now := db.Now()
	_, err = w.db.ExecContext(ctx, w.db.Rebind(`
		INSERT INTO recon_journal (op_key, run_id, kind, state, detail, created_at, updated_at)
		VALUES (?, ?, ?, ?, ?, ?, ?)
		ON CONFLICT (op_key) DO UPDATE SET
			run_id = excluded.run_id,
			state = excluded.state,
			detail = excluded.detail,
			updated_at = excluded.updated_at
	`), opKey, runID, kind, string(state), payload, now, now)
	if err != nil {
		return fmt.Errorf("failed to write journal: %w", err)
	}
	return nil
}

// List returns journal entries, most recently updated first.
func (w *Writer) List(ctx context.Context, kind string) ([]Entry, error) {
	query := "SELECT op_key, run_id, kind, state, detail, created_at, updated_at FROM recon_journal"
	var args []any
	if kind != "" {
		query += " WHERE kind = ?"
		args = append(args, kind)
	}
	query += " ORDER BY updated_at DESC, op_key"

	rows, err := w.db.QueryContext(ctx, w.db.Rebind(query), args...)
	if err != nil {
		return nil, fmt.Errorf("failed to list journal: %w", err)
	}
	defer rows.Close()

	var out []Entry
	for rows.Next() {
		var e Entry
		var detail sql.NullString
		if err := rows.Scan(&e.OpKey, &e.RunID, &e.Kind, &e.State, &detail, &e.CreatedAt, &e.UpdatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan journal: %w", err)
		}
		e.Detail = detail.String
		out = append(out, e)
	}
	return out, rows.Err()
}

// LogEvent appends an audit event.
func (w *Writer) LogEvent(ctx context.Context, runID, eventType, patientID string, payload any) error {
	body, err := encode(payload)
	if err != nil {
		return err
	}
	// v7 ids sort by creation time, which Events relies on.
	id, err := uuid.NewV7()
	if err != nil {
		return fmt.Errorf("failed to mint event id: %w", err)
	}
	_, err = w.db.ExecContext(ctx, w.db.Rebind(`
		INSERT INTO recon_events (id, run_id, event_type, patient_id, payload, created_at)
		VALUES (?, ?, ?, ?, ?, ?)
	`), id.String(), runID, eventType, nullable(patientID), body, db.Now())
	if err != nil {
		return fmt.Errorf("failed to write event: %w", err)
	}
	return nil
}

// LogTableMoved logs the rewrite of one table during a merge.
func (w *Writer) LogTableMoved(ctx context.Context, runID, from, to string, mv domain.TableMove) error {
	return w.LogEvent(ctx, runID, EventTableMoved, from, map[string]any{
		"table":   mv.Table,
		"from":    from,
		"to":      to,
		"count":   mv.Count,
		"deduped": mv.Deduped,
	})
}

// LogPatientMerged logs the field merge applied to a target patient.
func (w *Writer) LogPatientMerged(ctx context.Context, op *domain.MergeOperation, updates map[string]string) error {
	return w.LogEvent(ctx, op.RunID, EventPatientMerged, op.TargetPatientID, map[string]any{
		"source":       op.SourcePatientID,
		"updates":      updates,
		"retired_uid":  op.RetiredPlatformUID,
		"source_shape": op.Source,
	})
}

// LogPatientDeleted logs the deletion of a merged-away patient. The payload
// keeps the full row so the deletion can be audited later.
func (w *Writer) LogPatientDeleted(ctx context.Context, runID string, p domain.Patient) error {
	return w.LogEvent(ctx, runID, EventPatientDeleted, p.PatientID, p)
}

// LogPatientCreated logs a patient minted by a split.
func (w *Writer) LogPatientCreated(ctx context.Context, runID string, ident domain.SplitIdentity) error {
	return w.LogEvent(ctx, runID, EventPatientCreated, ident.PatientID, ident)
}

// LogRecordsMoved logs one table's reassignment during a split.
func (w *Writer) LogRecordsMoved(ctx context.Context, runID, from, to, table string, ids []string, count int64) error {
	return w.LogEvent(ctx, runID, EventRecordsMoved, from, map[string]any{
		"table": table,
		"from":  from,
		"to":    to,
		"ids":   ids,
		"count": count,
	})
}

// Events returns the audit trail of a run in insertion order.
func (w *Writer) Events(ctx context.Context, runID string) ([]Event, error) {
	rows, err := w.db.QueryContext(ctx, w.db.Rebind(`
		SELECT id, run_id, event_type, patient_id, payload, created_at
		FROM recon_events WHERE run_id = ? ORDER BY id
	`), runID)
	if err != nil {
		return nil, fmt.Errorf("failed to read events: %w", err)
	}
	defer rows.Close()

	var out []Event
	for rows.Next() {
		var e Event
		var patientID, payload sql.NullString
		if err := rows.Scan(&e.ID, &e.RunID, &e.EventType, &patientID, &payload, &e.CreatedAt); err != nil {
			return nil, fmt.Errorf("failed to scan event: %w", err)
		}
		e.PatientID = patientID.String
		e.Payload = payload.String
		out = append(out, e)
	}
	return out, rows.Err()
}

func encode(v any) (any, error) {
	if v == nil {
		return nil, nil
	}
	b, err := json.Marshal(v)
	if err != nil {
		return nil, fmt.Errorf("failed to encode payload: %w", err)
	}
	return string(b), nil
}

func nullable(s string) any {
	if s == "" {
		return nil
	}
	return s
}
