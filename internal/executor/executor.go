// Package executor applies confirmed merge and split plans to the store.
//
// A merge walks planned -> tables_migrating -> patient_merged ->
// source_deleted -> verified. Every step before the source deletion is a
// conditional rewrite that changes nothing when repeated, so an
// interrupted run is resumed by running it again.
package executor

import (
	"context"
	"errors"
	"fmt"

	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/lock"
	"github.com/clinicops/recon/internal/store"
	"github.com/clinicops/recon/internal/verify"
)

// ErrDryRun is returned when a plan without confirmation reaches the
// executor.
var ErrDryRun = errors.New("refusing to execute a dry-run plan")

// Executor applies plans.
type Executor struct {
	store    *store.Store
	journal  *journal.Writer
	verifier *verify.Verifier
	locker   lock.Locker
	logger   *zap.Logger
}

// New creates an executor. A nil locker means no cross-process locking.
func New(st *store.Store, j *journal.Writer, v *verify.Verifier, l lock.Locker, logger *zap.Logger) *Executor {
	if l == nil {
		l = lock.Noop{}
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Executor{store: st, journal: j, verifier: v, locker: l, logger: logger}
}

// MergeResult reports what a merge run changed.
type MergeResult struct {
	RunID         string                `json:"run_id" yaml:"run_id"`
	State         domain.OperationState `json:"state" yaml:"state"`
	Moved         []domain.TableMove    `json:"moved" yaml:"moved"`
	Updated       map[string]string     `json:"updated,omitempty" yaml:"updated,omitempty"`
	SourceDeleted bool                  `json:"source_deleted" yaml:"source_deleted"`
	Verify        *verify.Report        `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// Changes counts rows this run changed.
func (r *MergeResult) Changes() int {
	n := len(r.Updated)
	for _, mv := range r.Moved {
		n += mv.Count + mv.Deduped
	}
	if r.SourceDeleted {
		n++
	}
	return n
}

// MergeDone reports whether source was already merged into target by an
// earlier run: the journal has passed the deletion and the source row is
// gone.
func (e *Executor) MergeDone(ctx context.Context, source, target string) (bool, error) {
	entry, err := e.journal.Get(ctx, journal.MergeKey(source, target))
	if errors.Is(err, domain.ErrNotFound) {
		return false, nil
	}
	if err != nil {
		return false, err
	}
	if entry.State != domain.StateSourceDeleted && entry.State != domain.StateVerified {
		return false, nil
	}
	if _, err := e.store.GetPatient(ctx, source); !errors.Is(err, domain.ErrNotFound) {
		return false, err
	}
	return true, nil
}

// ExecuteMerge applies op. Tables are rewired one at a time in the fixed
// registry order; the first failure halts the run with a
// *domain.PartialFailure. The target's fields are merged only after every
// table succeeded, and the source row is deleted last, once no reference to
// it remains.
func (e *Executor) ExecuteMerge(ctx context.Context, op *domain.MergeOperation) (*MergeResult, error) {
	if op.DryRun {
		return nil, ErrDryRun
	}
	if op.NeedsReview() {
		return nil, &domain.ConflictError{SourcePatientID: op.SourcePatientID, TargetPatientID: op.TargetPatientID, Conflicts: op.Conflicts}
	}

	release, err := lock.Hold(ctx, e.locker, lock.Patient(op.SourcePatientID), lock.Patient(op.TargetPatientID))
	if err != nil {
		return nil, err
	}
	defer release()

	key := journal.MergeKey(op.SourcePatientID, op.TargetPatientID)
	res := &MergeResult{RunID: op.RunID, State: domain.StatePlanned}
	log := e.logger.With(
		zap.String("run_id", op.RunID),
		zap.String("source", op.SourcePatientID),
		zap.String("target", op.TargetPatientID),
	)

	if err := e.advance(ctx, key, op.RunID, journal.KindMerge, res, domain.StateTablesMigrating, nil); err != nil {
		return res, err
	}
	// Rows keep their platform uid when they move, so the target would
	// otherwise look collided once they land.
	if err := e.store.RecordMerge(ctx, op.SourcePatientID, op.TargetPatientID, op.AbsorbedPlatformUIDs, op.RunID); err != nil {
		return res, err
	}

	for i, t := range store.DependentTables {
		mv, err := e.moveTable(ctx, t, op.SourcePatientID, op.TargetPatientID)
		if err != nil {
			pf := &domain.PartialFailure{
				RunID:     op.RunID,
				State:     res.State,
				Completed: res.Moved,
				Failed:    t.Name,
				Remaining: names(store.DependentTables[i+1:]),
				Err:       err,
			}
			log.Error("merge halted", zap.String("table", t.Name), zap.Error(err))
			if jerr := e.journal.Advance(ctx, key, op.RunID, journal.KindMerge, res.State, haltDetail(pf)); jerr != nil {
				log.Warn("failed to journal halt", zap.Error(jerr))
			}
			return res, pf
		}
		res.Moved = append(res.Moved, mv)
		log.Info("migrated table", zap.String("table", mv.Table), zap.Int("rows", mv.Count), zap.Int("deduped", mv.Deduped))
		if err := e.journal.LogTableMoved(ctx, op.RunID, op.SourcePatientID, op.TargetPatientID, mv); err != nil {
			return res, err
		}
	}

	updates := op.TargetUpdates()
	if len(updates) > 0 {
		if _, err := e.store.UpdatePatientFields(ctx, op.TargetPatientID, updates); err != nil {
			return res, &domain.PartialFailure{RunID: op.RunID, State: res.State, Completed: res.Moved, Failed: "patients", Err: err}
		}
		res.Updated = updates
	}
	if err := e.journal.LogPatientMerged(ctx, op, updates); err != nil {
		return res, err
	}
	if err := e.advance(ctx, key, op.RunID, journal.KindMerge, res, domain.StatePatientMerged, res.Moved); err != nil {
		return res, err
	}

	refs, err := e.store.ReferenceCounts(ctx, op.SourcePatientID)
	if err != nil {
		return res, err
	}
	if left := sumMoves(refs); left > 0 {
		return res, &domain.PartialFailure{
			RunID:     op.RunID,
			State:     res.State,
			Completed: res.Moved,
			Failed:    "reference check",
			Err:       fmt.Errorf("%d rows still reference %s; source not deleted", left, op.SourcePatientID),
		}
	}

	source, err := e.store.GetPatient(ctx, op.SourcePatientID)
	switch {
	case errors.Is(err, domain.ErrNotFound):
		log.Info("source patient already gone")
	case err != nil:
		return res, err
	default:
		if _, err := e.store.DeletePatient(ctx, op.SourcePatientID); err != nil {
			return res, &domain.PartialFailure{RunID: op.RunID, State: res.State, Completed: res.Moved, Failed: "patients", Err: err}
		}
		res.SourceDeleted = true
		if err := e.journal.LogPatientDeleted(ctx, op.RunID, *source); err != nil {
			return res, err
		}
		log.Info("deleted source patient")
	}
	if err := e.advance(ctx, key, op.RunID, journal.KindMerge, res, domain.StateSourceDeleted, res.Moved); err != nil {
		return res, err
	}

	rep, err := e.verify(ctx, key, op.RunID, journal.KindMerge, res, verify.Scope{
		PatientIDs: []string{op.SourcePatientID, op.TargetPatientID},
		Redirected: map[string]string{op.SourcePatientID: op.TargetPatientID},
	})
	res.Verify = rep
	return res, err
}

// moveTable rewires one table from source to target. Rows the target
// already holds under a unique key are deleted from the source first.
func (e *Executor) moveTable(ctx context.Context, t store.TableSpec, source, target string) (domain.TableMove, error) {
	mv := domain.TableMove{Table: t.Name}
	if t.Unique() {
		n, err := e.store.DeleteShadowed(ctx, t.Name, source, target)
		if err != nil {
			return mv, err
		}
		mv.Deduped = int(n)
	}
	n, err := e.store.Update(ctx, t.Name, map[string]any{"patient_id": target}, store.Where().Eq("patient_id", source))
	if err != nil {
		return mv, err
	}
	mv.Count = int(n)
	return mv, nil
}

type stateful interface {
	setState(domain.OperationState)
}

func (e *Executor) advance(ctx context.Context, key, runID, kind string, res stateful, state domain.OperationState, detail any) error {
	if err := e.journal.Advance(ctx, key, runID, kind, state, detail); err != nil {
		return err
	}
	res.setState(state)
	return nil
}

// verify runs the verifier over scope and moves the operation to verified
// when nothing is left over. A residual leaves the state where it was.
func (e *Executor) verify(ctx context.Context, key, runID, kind string, res stateful, scope verify.Scope) (*verify.Report, error) {
	if e.verifier == nil {
		return nil, nil
	}
	rep, err := e.verifier.Run(ctx, scope)
	if err != nil {
		return nil, err
	}
	if err := e.journal.LogEvent(ctx, runID, journal.EventVerified, "", rep); err != nil {
		return rep, err
	}
	if rep.Clean() {
		if err := e.advance(ctx, key, runID, kind, res, domain.StateVerified, rep); err != nil {
			return rep, err
		}
	}
	return rep, nil
}

func (r *MergeResult) setState(s domain.OperationState) { r.State = s }
func (r *SplitResult) setState(s domain.OperationState) { r.State = s }

func names(tables []store.TableSpec) []string {
	out := make([]string, len(tables))
	for i, t := range tables {
		out[i] = t.Name
	}
	return out
}

func sumMoves(moves []domain.TableMove) int {
	n := 0
	for _, m := range moves {
		n += m.Count
	}
	return n
}

func haltDetail(pf *domain.PartialFailure) map[string]any {
	return map[string]any{
		"completed": pf.Completed,
		"failed":    pf.Failed,
		"remaining": pf.Remaining,
		"error":     pf.Err.Error(),
	}
}
