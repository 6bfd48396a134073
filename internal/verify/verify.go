// Package verify re-queries the store after a batch and reports exact
// residual counts. It never repairs anything.
package verify

import (
	"context"
	"errors"
	"sort"

	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/store"
)

// Store is the part of the store adapter verification reads.
type Store interface {
	Orphans(ctx context.Context, table string) (map[string]int, error)
	Count(ctx context.Context, table string, filter *store.Filter) (int, error)
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)
	DependentRecords(ctx context.Context, patientID string) ([]domain.DependentRecord, error)
	PlatformAliasesOf(ctx context.Context, patientID string) ([]string, error)
}

// Scope selects what a run checks. With PatientIDs set, only orphans at
// those ids count as residual; orphans elsewhere predate the run and are
// reported as Unrelated. Without it the whole store is scanned.
type Scope struct {
	PatientIDs []string
	// Redirected maps ids that must no longer be referenced to the id that
	// replaced them (merge source -> target).
	Redirected map[string]string
	// SplitIDs are ids that must each carry a single platform uid.
	SplitIDs []string
}

// TableResult is the residual count of one dependent table.
type TableResult struct {
	Table        string         `json:"table" yaml:"table"`
	Orphans      int            `json:"orphans" yaml:"orphans"`
	OrphanIDs    map[string]int `json:"orphan_ids,omitempty" yaml:"orphan_ids,omitempty"`
	AtRedirected int            `json:"at_redirected" yaml:"at_redirected"`
	Unrelated    int            `json:"unrelated_orphans,omitempty" yaml:"unrelated_orphans,omitempty"`
}

// Report carries exact counts.
type Report struct {
	Tables       []TableResult       `json:"tables" yaml:"tables"`
	Orphans      int                 `json:"orphans" yaml:"orphans"`
	AtRedirected int                 `json:"at_redirected" yaml:"at_redirected"`
	Unrelated    int                 `json:"unrelated_orphans,omitempty" yaml:"unrelated_orphans,omitempty"`
	RedirectedID map[string]bool     `json:"redirected_patient_exists,omitempty" yaml:"redirected_patient_exists,omitempty"`
	UIDs         map[string][]string `json:"platform_uids,omitempty" yaml:"platform_uids,omitempty"`
}

// Clean reports whether the run found no residual at all.
func (r *Report) Clean() bool {
	if r.Orphans != 0 || r.AtRedirected != 0 {
		return false
	}
	for _, exists := range r.RedirectedID {
		if exists {
			return false
		}
	}
	for _, uids := range r.UIDs {
		if len(uids) > 1 {
			return false
		}
	}
	return true
}

// Verifier runs the checks.
type Verifier struct {
	store  Store
	logger *zap.Logger
}

// New creates a verifier.
func New(st Store, logger *zap.Logger) *Verifier {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Verifier{store: st, logger: logger}
}

// Run counts, per dependent table, rows whose patient id matches no patient
// and rows still at a redirected id; it also checks that redirected patient
// rows are gone and that each split id carries one platform uid. Residuals
// are logged as warnings and returned, never retried.
func (v *Verifier) Run(ctx context.Context, scope Scope) (*Report, error) {
	rep := &Report{}
	var inScope map[string]bool
	if len(scope.PatientIDs) > 0 {
		inScope = make(map[string]bool, len(scope.PatientIDs))
		for _, pid := range scope.PatientIDs {
			inScope[pid] = true
		}
	}
	for _, t := range store.DependentTables {
		orphans, err := v.store.Orphans(ctx, t.Name)
		if err != nil {
			return nil, err
		}
		res := TableResult{Table: t.Name}
		for pid, n := range orphans {
			if inScope != nil && !inScope[pid] {
				res.Unrelated += n
				continue
			}
			res.Orphans += n
			if res.OrphanIDs == nil {
				res.OrphanIDs = map[string]int{}
			}
			res.OrphanIDs[pid] = n
		}
		for old := range scope.Redirected {
			n, err := v.store.Count(ctx, t.Name, store.Where().Eq("patient_id", old))
			if err != nil {
				return nil, err
			}
			res.AtRedirected += n
		}
		rep.Orphans += res.Orphans
		rep.AtRedirected += res.AtRedirected
		rep.Unrelated += res.Unrelated
		rep.Tables = append(rep.Tables, res)
	}

	if len(scope.Redirected) > 0 {
		rep.RedirectedID = map[string]bool{}
		for old := range scope.Redirected {
			_, err := v.store.GetPatient(ctx, old)
			switch {
			case err == nil:
				rep.RedirectedID[old] = true
			case isNotFound(err):
				rep.RedirectedID[old] = false
			default:
				return nil, err
			}
		}
	}

	if len(scope.SplitIDs) > 0 {
		rep.UIDs = map[string][]string{}
		for _, pid := range scope.SplitIDs {
			uids, err := v.platformUIDs(ctx, pid)
			if err != nil {
				return nil, err
			}
			rep.UIDs[pid] = uids
		}
	}

	if !rep.Clean() {
		v.logger.Warn("verification found residual references",
			zap.Int("orphans", rep.Orphans),
			zap.Int("at_redirected", rep.AtRedirected),
			zap.Any("platform_uids", rep.UIDs),
		)
	} else {
		v.logger.Info("verification clean")
	}
	if rep.Unrelated > 0 {
		v.logger.Info("orphaned rows outside the run's ids", zap.Int("rows", rep.Unrelated))
	}
	return rep, nil
}

func (v *Verifier) platformUIDs(ctx context.Context, patientID string) ([]string, error) {
	seen := map[string]bool{}
	p, err := v.store.GetPatient(ctx, patientID)
	if err != nil && !isNotFound(err) {
		return nil, err
	}
	if p != nil && p.PlatformUID != "" {
		seen[p.PlatformUID] = true
	}
	records, err := v.store.DependentRecords(ctx, patientID)
	if err != nil {
		return nil, err
	}
	aliases, err := v.store.PlatformAliasesOf(ctx, patientID)
	if err != nil {
		return nil, err
	}
	merged := make(map[string]bool, len(aliases))
	for _, uid := range aliases {
		merged[uid] = true
	}
	for _, r := range records {
		if r.PlatformUID != "" && !merged[r.PlatformUID] {
			seen[r.PlatformUID] = true
		}
	}
	out := make([]string, 0, len(seen))
	for uid := range seen {
		out = append(out, uid)
	}
	sort.Strings(out)
	return out, nil
}

func isNotFound(err error) bool {
	return errors.Is(err, domain.ErrNotFound)
}
