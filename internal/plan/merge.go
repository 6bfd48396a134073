// Package plan proposes merges and collision splits. Every plan it returns
// is a dry run unless the request explicitly carries a confirmation.
package plan

import (
	"context"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
)

// Store is the read side of the store adapter the planner needs.
type Store interface {
	GetPatient(ctx context.Context, patientID string) (*domain.Patient, error)
	PatientsByPlatformUID(ctx context.Context, uid string) ([]domain.Patient, error)
	ReferenceCounts(ctx context.Context, patientID string) ([]domain.TableMove, error)
	DependentRecords(ctx context.Context, patientID string) ([]domain.DependentRecord, error)
	NextPatientID(ctx context.Context, reserved ...string) (string, error)
	PlatformAliasesOf(ctx context.Context, patientID string) ([]string, error)
}

// Options tunes the planner.
type Options struct {
	// SplitWindow bounds temporal-proximity evidence during a split.
	SplitWindow time.Duration
}

// Planner builds merge and split plans from store state and the override list.
type Planner struct {
	store     Store
	overrides *Overrides
	opts      Options
	logger    *zap.Logger
}

// New creates a planner.
func New(st Store, overrides *Overrides, opts Options, logger *zap.Logger) *Planner {
	if overrides == nil {
		overrides = &Overrides{}
	}
	if opts.SplitWindow <= 0 {
		opts.SplitWindow = 30 * time.Minute
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Planner{store: st, overrides: overrides, opts: opts, logger: logger}
}

// Overrides returns the override list the planner consults.
func (p *Planner) Overrides() *Overrides {
	return p.overrides
}

// MergeRequest names the two ids believed to be one human.
type MergeRequest struct {
	SourcePatientID string
	TargetPatientID string
	Reason          domain.MatchReason
	Confirm         bool
}

// hardStopFields are the identity fields whose disagreement blocks a merge.
// platform_uid is not among them: a second uid on the same human is the
// usual cause of a duplicate, and the source's uid is retired instead.
var hardStopFields = map[string]bool{
	domain.FieldName:     true,
	domain.FieldNameKana: true,
	domain.FieldSex:      true,
	domain.FieldBirthday: true,
	domain.FieldPhone:    true,
}

// Coalesce merges source into target field by field: the target's non-blank
// value is kept, otherwise the source's is taken. Fields where both sides
// are non-blank and disagree are returned as conflicts (identity fields) or
// as the retired platform uid.
func Coalesce(target, source domain.Patient) (merged map[string]string, conflicts []domain.FieldConflict, retiredUID string) {
	merged = map[string]string{}
	for _, field := range domain.MergeFields {
		t, s := target.Field(field), source.Field(field)
		if domain.IsBlank(t) {
			if !domain.IsBlank(s) {
				merged[field] = s
			}
			continue
		}
		merged[field] = t
		if domain.IsBlank(s) || domain.SameValue(field, t, s) {
			continue
		}
		if hardStopFields[field] {
			conflicts = append(conflicts, domain.FieldConflict{Field: field, Target: t, Source: s})
			continue
		}
		if field == domain.FieldPlatformUID {
			retiredUID = s
		}
	}
	return merged, conflicts, retiredUID
}

// PlanMerge proposes folding the source patient into the target. When the
// two carry conflicting identity fields that no override resolves, the plan
// is returned together with a *domain.ConflictError and must not execute.
func (p *Planner) PlanMerge(ctx context.Context, req MergeRequest) (*domain.MergeOperation, error) {
	if req.SourcePatientID == "" || req.TargetPatientID == "" {
		return nil, fmt.Errorf("merge needs both a source and a target patient id")
	}
	if req.SourcePatientID == req.TargetPatientID {
		return nil, fmt.Errorf("cannot merge patient %s into itself", req.SourcePatientID)
	}
	if p.overrides.Ignored(req.SourcePatientID, req.TargetPatientID) {
		return nil, fmt.Errorf("merge %s -> %s is blocked by the override list", req.SourcePatientID, req.TargetPatientID)
	}

	target, err := p.store.GetPatient(ctx, req.TargetPatientID)
	if err != nil {
		return nil, fmt.Errorf("load target: %w", err)
	}
	source, err := p.store.GetPatient(ctx, req.SourcePatientID)
	if err != nil {
		return nil, fmt.Errorf("load source: %w", err)
	}

	merged, conflicts, retired := Coalesce(*target, *source)
	if ov := p.overrides.MergeFor(req.SourcePatientID, req.TargetPatientID); ov != nil {
		var open []domain.FieldConflict
		for _, c := range conflicts {
			switch ov.Resolve[c.Field] {
			case ResolveSource:
				merged[c.Field] = c.Source
			case ResolveTarget:
			default:
				open = append(open, c)
			}
		}
		conflicts = open
	}

	moves, err := p.store.ReferenceCounts(ctx, req.SourcePatientID)
	if err != nil {
		return nil, fmt.Errorf("count references: %w", err)
	}

	absorbed, err := p.absorbedUIDs(ctx, *source, *target, merged[domain.FieldPlatformUID])
	if err != nil {
		return nil, err
	}

	reason := req.Reason
	if reason == "" {
		reason = domain.MatchOperator
	}
	op := &domain.MergeOperation{
		RunID:                uuid.NewString(),
		SourcePatientID:      source.PatientID,
		TargetPatientID:      target.PatientID,
		Reason:               reason,
		MovedTables:          moves,
		FieldMerge:           merged,
		Conflicts:            conflicts,
		RetiredPlatformUID:   retired,
		AbsorbedPlatformUIDs: absorbed,
		DryRun:               !req.Confirm,
		Source:               *source,
		Target:               *target,
	}

	p.logger.Info("planned merge",
		zap.String("run_id", op.RunID),
		zap.String("source", op.SourcePatientID),
		zap.String("target", op.TargetPatientID),
		zap.String("reason", string(op.Reason)),
		zap.Int("rows", op.TotalMoved()),
		zap.Int("conflicts", len(conflicts)),
		zap.Bool("dry_run", op.DryRun),
	)

	if op.NeedsReview() {
		return op, &domain.ConflictError{
			SourcePatientID: op.SourcePatientID,
			TargetPatientID: op.TargetPatientID,
			Conflicts:       conflicts,
		}
	}
	return op, nil
}

// absorbedUIDs lists the platform uids the source carries (on its row, its
// dependent rows, or through earlier merges) that the target does not.
func (p *Planner) absorbedUIDs(ctx context.Context, source, target domain.Patient, keptUID string) ([]string, error) {
	collect := func(pt domain.Patient) (map[string]bool, error) {
		set := map[string]bool{}
		if pt.PlatformUID != "" {
			set[pt.PlatformUID] = true
		}
		records, err := p.store.DependentRecords(ctx, pt.PatientID)
		if err != nil {
			return nil, fmt.Errorf("load records of %s: %w", pt.PatientID, err)
		}
		for _, rec := range records {
			if rec.PlatformUID != "" {
				set[rec.PlatformUID] = true
			}
		}
		aliases, err := p.store.PlatformAliasesOf(ctx, pt.PatientID)
		if err != nil {
			return nil, fmt.Errorf("load aliases of %s: %w", pt.PatientID, err)
		}
		for _, uid := range aliases {
			set[uid] = true
		}
		return set, nil
	}
	have, err := collect(target)
	if err != nil {
		return nil, err
	}
	if keptUID != "" {
		have[keptUID] = true
	}
	brought, err := collect(source)
	if err != nil {
		return nil, err
	}
	var out []string
	for uid := range brought {
		if !have[uid] {
			out = append(out, uid)
		}
	}
	sort.Strings(out)
	return out, nil
}
