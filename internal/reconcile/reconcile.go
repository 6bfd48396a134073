// Package reconcile copies reservations that exist only in the spreadsheet
// source into the store. It never edits or deletes store rows; rows found
// only in the store and field mismatches are reported for review.
package reconcile

import (
	"context"
	"fmt"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/diff"
	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/index"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/source"
	"github.com/clinicops/recon/internal/store"
)

// DefaultStatus is written for source reservations that carry no status.
const DefaultStatus = "pending"

const reservationsTable = "reservations"

// Source is the read side of the spreadsheet adapter.
type Source interface {
	Fetch(ctx context.Context, op string, params map[string]any) ([]domain.Record, source.FetchStats, error)
}

// Store is the part of the store adapter a sync touches.
type Store interface {
	Records(ctx context.Context, table string, filter *store.Filter) ([]domain.Record, error)
	Upsert(ctx context.Context, table string, rows []store.Row, conflictKey string) (store.UpsertResult, error)
}

// SyncResult reports one reservation sync. CanceledInStore lists source
// reservations whose reserve id the store holds only as a canceled row;
// they are reported and never written.
type SyncResult struct {
	RunID           string          `json:"run_id" yaml:"run_id"`
	DryRun          bool            `json:"dry_run" yaml:"dry_run"`
	Fetched         int             `json:"fetched" yaml:"fetched"`
	Skipped         int             `json:"skipped" yaml:"skipped"`
	Missing         []string        `json:"missing" yaml:"missing"`
	Inserted        int             `json:"inserted" yaml:"inserted"`
	Updated         int             `json:"updated" yaml:"updated"`
	OnlyInStore     []string        `json:"only_in_store" yaml:"only_in_store"`
	CanceledInStore []string        `json:"canceled_in_store" yaml:"canceled_in_store"`
	Mismatches      []diff.Mismatch `json:"mismatches" yaml:"mismatches"`
	Canceled        int             `json:"canceled_in_source" yaml:"canceled_in_source"`
}

// Syncer runs reservation syncs.
type Syncer struct {
	source  Source
	store   Store
	journal *journal.Writer
	logger  *zap.Logger
}

// New creates a syncer. j may be nil, in which case nothing is audited.
func New(src Source, st Store, j *journal.Writer, logger *zap.Logger) *Syncer {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Syncer{source: src, store: st, journal: j, logger: logger}
}

// SyncReservations diffs source reservations against the store by reserve
// id. Without confirm it only reports what is missing. With confirm it
// upserts each missing reservation, so running it again inserts nothing.
// A source or store failure aborts the whole sync before any write.
func (s *Syncer) SyncReservations(ctx context.Context, confirm bool) (*SyncResult, error) {
	res := &SyncResult{RunID: uuid.NewString(), DryRun: !confirm}
	log := s.logger.With(zap.String("run_id", res.RunID))

	fetched, stats, err := s.source.Fetch(ctx, source.OpReservations, nil)
	if err != nil {
		return nil, fmt.Errorf("fetch source reservations: %w", err)
	}
	res.Fetched, res.Skipped = stats.Rows, stats.Skipped

	stored, err := s.store.Records(ctx, reservationsTable, nil)
	if err != nil {
		return nil, fmt.Errorf("load store reservations: %w", err)
	}

	d := diff.Diff(index.ByReserveID, index.Build(fetched), index.Build(stored), diff.Options{IgnoreBlank: true})
	// The diff drops canceled rows, so a reserve id canceled in the store can
	// surface as missing. The store row stays as it is.
	held := make(map[string]bool, len(stored))
	for _, r := range stored {
		held[r.ReserveID] = true
	}
	for _, key := range d.OnlyInA {
		if held[key] {
			res.CanceledInStore = append(res.CanceledInStore, key)
			continue
		}
		res.Missing = append(res.Missing, key)
	}
	res.OnlyInStore = d.OnlyInB
	res.Mismatches = d.ValueMismatch
	res.Canceled = d.CanceledA

	log.Info("diffed reservations",
		zap.Int("source", len(fetched)),
		zap.Int("store", len(stored)),
		zap.Int("missing", len(res.Missing)),
		zap.Int("canceled_in_store", len(res.CanceledInStore)),
		zap.Int("only_in_store", len(d.OnlyInB)),
		zap.Int("mismatches", len(d.ValueMismatch)),
	)
	if !confirm || len(res.Missing) == 0 {
		return res, nil
	}

	rows := make([]store.Row, 0, len(res.Missing))
	for _, key := range res.Missing {
		latest, _, _, _ := d.Latest(key)
		rows = append(rows, ReservationRow(latest))
	}
	up, err := s.store.Upsert(ctx, reservationsTable, rows, "reserve_id")
	if err != nil {
		return res, fmt.Errorf("insert missing reservations: %w", err)
	}
	res.Inserted, res.Updated = up.Inserted, up.Updated

	if s.journal != nil {
		detail := map[string]int{"inserted": up.Inserted, "updated": up.Updated}
		if err := s.journal.Advance(ctx, journal.SyncKey(res.RunID), res.RunID, journal.KindSync, domain.StateVerified, detail); err != nil {
			log.Warn("failed to journal sync run", zap.Error(err))
		}
		for _, row := range rows {
			if err := s.journal.LogEvent(ctx, res.RunID, journal.EventReservationSync, row.String("patient_id"), row); err != nil {
				log.Warn("failed to journal sync", zap.String("reserve_id", row.String("reserve_id")), zap.Error(err))
			}
		}
	}
	log.Info("inserted missing reservations", zap.Int("inserted", up.Inserted), zap.Int("updated", up.Updated))
	return res, nil
}

// ReservationRow maps a source reservation onto the store's reservations
// columns.
func ReservationRow(r domain.Record) store.Row {
	status := r.Status
	if domain.IsBlank(status) {
		status = DefaultStatus
	}
	now := db.Now()
	created := now
	if r.HasTimestamp() {
		created = db.FormatTime(r.Timestamp)
	}
	return store.Row{
		"reserve_id":    r.ReserveID,
		"patient_id":    nullIfBlank(r.PatientID),
		"reserved_date": nullIfBlank(r.ReservedDate),
		"reserved_time": nullIfBlank(r.ReservedTime),
		"status":        status,
		"platform_uid":  nullIfBlank(r.PlatformUID),
		"created_at":    created,
		"updated_at":    now,
	}
}

func nullIfBlank(v string) any {
	if domain.IsBlank(v) {
		return nil
	}
	return v
}
