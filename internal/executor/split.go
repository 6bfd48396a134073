package executor

import (
	"context"
	"sort"

	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/journal"
	"github.com/clinicops/recon/internal/lock"
	"github.com/clinicops/recon/internal/store"
	"github.com/clinicops/recon/internal/verify"
)

// SplitResult reports what a split run changed.
type SplitResult struct {
	RunID   string                 `json:"run_id" yaml:"run_id"`
	State   domain.OperationState  `json:"state" yaml:"state"`
	Created []domain.SplitIdentity `json:"created" yaml:"created"`
	Moved   []domain.TableMove     `json:"moved" yaml:"moved"`
	Verify  *verify.Report         `json:"verify,omitempty" yaml:"verify,omitempty"`
}

// Changes counts rows this run changed.
func (r *SplitResult) Changes() int {
	n := len(r.Created)
	for _, mv := range r.Moved {
		n += mv.Count + mv.Deduped
	}
	return n
}

// ExecuteSplit applies a collision split: it creates the minted patients,
// then moves each assigned row by id, only while the row still sits on the
// original id. Unassigned rows are left where they are.
func (e *Executor) ExecuteSplit(ctx context.Context, split *domain.CollisionSplit) (*SplitResult, error) {
	if split.DryRun {
		return nil, ErrDryRun
	}

	keys := []string{lock.Patient(split.PatientID)}
	for _, ident := range split.NewIdentities() {
		keys = append(keys, lock.Patient(ident.PatientID))
	}
	release, err := lock.Hold(ctx, e.locker, keys...)
	if err != nil {
		return nil, err
	}
	defer release()

	key := journal.SplitKey(split.PatientID)
	res := &SplitResult{RunID: split.RunID, State: domain.StatePlanned}
	log := e.logger.With(zap.String("run_id", split.RunID), zap.String("patient_id", split.PatientID))

	if err := e.journal.Advance(ctx, key, split.RunID, journal.KindSplit, domain.StatePlanned, split); err != nil {
		return res, err
	}

	for _, ident := range split.NewIdentities() {
		if ident.Existing {
			continue
		}
		up, err := e.store.CreatePatient(ctx, domain.Patient{
			PatientID:   ident.PatientID,
			Name:        ident.Name,
			Phone:       ident.Phone,
			PlatformUID: ident.PlatformUID,
		})
		if err != nil {
			return res, &domain.PartialFailure{RunID: split.RunID, State: res.State, Failed: "patients", Err: err}
		}
		if up.Inserted > 0 {
			res.Created = append(res.Created, ident)
			if err := e.journal.LogPatientCreated(ctx, split.RunID, ident); err != nil {
				return res, err
			}
			log.Info("created patient", zap.String("new_patient_id", ident.PatientID), zap.String("platform_uid", ident.PlatformUID))
		}
	}

	original, err := e.store.GetPatient(ctx, split.PatientID)
	if err != nil {
		return res, err
	}
	if original.PlatformUID != split.KeepPlatformUID {
		if _, err := e.store.UpdatePatientFields(ctx, split.PatientID, map[string]string{domain.FieldPlatformUID: split.KeepPlatformUID}); err != nil {
			return res, &domain.PartialFailure{RunID: split.RunID, State: res.State, Failed: "patients", Err: err}
		}
	}
	if err := e.advance(ctx, key, split.RunID, journal.KindSplit, res, domain.StatePatientsCreated, res.Created); err != nil {
		return res, err
	}

	byTable := split.MovesByTable()
	for i, t := range store.DependentTables {
		dests := byTable[t.Name]
		if len(dests) == 0 {
			continue
		}
		mv := domain.TableMove{Table: t.Name}
		for _, dest := range sortedKeys(dests) {
			ids := dests[dest]
			var deduped int64
			var err error
			if t.Unique() {
				deduped, err = e.store.DeleteShadowed(ctx, t.Name, split.PatientID, dest, ids...)
			}
			var n int64
			if err == nil {
				n, err = e.store.Update(ctx, t.Name,
					map[string]any{"patient_id": dest},
					store.Where().Eq("patient_id", split.PatientID).In(t.KeyColumn, ids...),
				)
			}
			if err != nil {
				pf := &domain.PartialFailure{
					RunID:     split.RunID,
					State:     res.State,
					Completed: res.Moved,
					Failed:    t.Name,
					Remaining: names(store.DependentTables[i+1:]),
					Err:       err,
				}
				log.Error("split halted", zap.String("table", t.Name), zap.Error(err))
				if jerr := e.journal.Advance(ctx, key, split.RunID, journal.KindSplit, res.State, haltDetail(pf)); jerr != nil {
					log.Warn("failed to journal halt", zap.Error(jerr))
				}
				return res, pf
			}
			mv.Count += int(n)
			mv.Deduped += int(deduped)
			if err := e.journal.LogRecordsMoved(ctx, split.RunID, split.PatientID, dest, t.Name, ids, n); err != nil {
				return res, err
			}
		}
		res.Moved = append(res.Moved, mv)
		log.Info("moved records", zap.String("table", t.Name), zap.Int("rows", mv.Count), zap.Int("deduped", mv.Deduped))
	}
	if err := e.advance(ctx, key, split.RunID, journal.KindSplit, res, domain.StateRecordsMoved, res.Moved); err != nil {
		return res, err
	}

	ids := []string{split.PatientID}
	for _, ident := range split.NewIdentities() {
		ids = append(ids, ident.PatientID)
	}
	rep, err := e.verify(ctx, key, split.RunID, journal.KindSplit, res, verify.Scope{PatientIDs: ids, SplitIDs: ids})
	res.Verify = rep
	return res, err
}

func sortedKeys(m map[string][]string) []string {
	out := make([]string, 0, len(m))
	for k := range m {
		out = append(out, k)
	}
	sort.Strings(out)
	return out
}
