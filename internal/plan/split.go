package plan

import (
	"context"
	"errors"
	"fmt"
	"sort"
	"time"

	"github.com/google/uuid"
	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/store"
)

// SplitRequest names a collided patient id.
type SplitRequest struct {
	PatientID string
	// KeepPlatformUID is the uid that stays on the original id. Empty picks
	// the override list's choice, then the patient row's own uid, then the
	// uid seen earliest.
	KeepPlatformUID string
	Confirm         bool
}

// ErrNoCollision means the id does not carry more than one platform uid.
var ErrNoCollision = errors.New("no collision")

// profile is the content evidence gathered for one platform uid.
type profile struct {
	phones map[string]bool
	names  map[string]bool
	events []time.Time
	// most recent non-blank name and phone, for the identity summary
	name, phone     string
	nameAt, phoneAt time.Time
}

// PlanSplit partitions the dependent records of a collided id between the
// humans behind it. Each record is assigned by, in order: an override
// entry, its own platform uid, a phone or name matching exactly one uid's
// intake, or the nearest uid-bearing event within the split window (ties
// stay unresolved). Records with no usable evidence stay on the original id
// and are listed as unassigned.
func (p *Planner) PlanSplit(ctx context.Context, req SplitRequest) (*domain.CollisionSplit, error) {
	patient, err := p.store.GetPatient(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load patient: %w", err)
	}
	records, err := p.store.DependentRecords(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load dependent records: %w", err)
	}
	aliases, err := p.store.PlatformAliasesOf(ctx, req.PatientID)
	if err != nil {
		return nil, fmt.Errorf("load merged platform uids: %w", err)
	}
	foldAliases(records, aliases, patient.PlatformUID)
	ov := p.overrides.SplitFor(req.PatientID)

	profiles := buildProfiles(records, patient)
	if len(profiles) < 2 {
		return nil, fmt.Errorf("patient %s: %w", req.PatientID, ErrNoCollision)
	}

	keep := req.KeepPlatformUID
	if keep == "" && ov != nil {
		keep = ov.KeepPlatformUID
	}
	if keep == "" {
		keep = defaultKeep(patient, records, profiles)
	}
	if _, ok := profiles[keep]; !ok {
		return nil, fmt.Errorf("patient %s has no records for platform uid %s", req.PatientID, keep)
	}

	split := &domain.CollisionSplit{
		RunID:           uuid.NewString(),
		PatientID:       req.PatientID,
		KeepPlatformUID: keep,
		DryRun:          !req.Confirm,
	}

	identities, err := p.identities(ctx, req.PatientID, keep, profiles)
	if err != nil {
		return nil, err
	}
	split.Identities = identities
	byUID := make(map[string]domain.SplitIdentity, len(identities))
	for _, ident := range identities {
		byUID[ident.PlatformUID] = ident
	}

	pinned := map[string]string{}
	if ov != nil {
		for _, a := range ov.Assign {
			pinned[a.Table+"/"+a.ID] = a.PlatformUID
		}
	}

	for _, rec := range records {
		spec, _ := store.Lookup(rec.Table)
		if spec.OnePerPatient() {
			split.Kept++
			continue
		}
		uid, evidence := p.assign(rec, pinned, profiles)
		ident, ok := byUID[uid]
		if !ok {
			split.Unassigned = append(split.Unassigned, domain.RecordAssignment{
				Table: rec.Table, RecordID: rec.ID, PatientID: req.PatientID, Evidence: domain.EvidenceNone,
			})
			continue
		}
		if ident.PatientID == req.PatientID {
			split.Kept++
			continue
		}
		split.Moves = append(split.Moves, domain.RecordAssignment{
			Table:       rec.Table,
			RecordID:    rec.ID,
			PatientID:   ident.PatientID,
			PlatformUID: uid,
			Evidence:    evidence,
		})
	}

	p.logger.Info("planned split",
		zap.String("run_id", split.RunID),
		zap.String("patient_id", split.PatientID),
		zap.String("keep", keep),
		zap.Int("identities", len(split.Identities)),
		zap.Int("moves", len(split.Moves)),
		zap.Int("kept", split.Kept),
		zap.Int("unassigned", len(split.Unassigned)),
		zap.Bool("dry_run", split.DryRun),
	)
	return split, nil
}

// foldAliases credits records carrying a uid merged into the patient to the
// patient's own uid: they came from the same human.
func foldAliases(records []domain.DependentRecord, aliases []string, own string) {
	if len(aliases) == 0 {
		return
	}
	merged := make(map[string]bool, len(aliases))
	for _, uid := range aliases {
		merged[uid] = uid != own
	}
	for i := range records {
		if merged[records[i].PlatformUID] {
			records[i].PlatformUID = own
		}
	}
}

func buildProfiles(records []domain.DependentRecord, patient *domain.Patient) map[string]*profile {
	profiles := map[string]*profile{}
	get := func(uid string) *profile {
		pr, ok := profiles[uid]
		if !ok {
			pr = &profile{phones: map[string]bool{}, names: map[string]bool{}}
			profiles[uid] = pr
		}
		return pr
	}
	if patient.PlatformUID != "" {
		get(patient.PlatformUID)
	}
	for _, rec := range records {
		if rec.PlatformUID == "" {
			continue
		}
		pr := get(rec.PlatformUID)
		if ph := domain.NormalizePhone(rec.Phone); ph != "" {
			pr.phones[ph] = true
			if pr.phone == "" || rec.CreatedAt.After(pr.phoneAt) {
				pr.phone, pr.phoneAt = rec.Phone, rec.CreatedAt
			}
		}
		if n := domain.NormalizeName(rec.Name); n != "" {
			pr.names[n] = true
			if pr.name == "" || rec.CreatedAt.After(pr.nameAt) {
				pr.name, pr.nameAt = rec.Name, rec.CreatedAt
			}
		}
		if !rec.CreatedAt.IsZero() {
			pr.events = append(pr.events, rec.CreatedAt)
		}
	}
	return profiles
}

func defaultKeep(patient *domain.Patient, records []domain.DependentRecord, profiles map[string]*profile) string {
	if _, ok := profiles[patient.PlatformUID]; ok && patient.PlatformUID != "" {
		return patient.PlatformUID
	}
	var first string
	var firstAt time.Time
	for _, rec := range records {
		if rec.PlatformUID == "" {
			continue
		}
		if first == "" || (!rec.CreatedAt.IsZero() && (firstAt.IsZero() || rec.CreatedAt.Before(firstAt))) {
			first, firstAt = rec.PlatformUID, rec.CreatedAt
		}
	}
	return first
}

// identities resolves one patient id per platform uid: the original id for
// keep, an existing patient already owning the uid, or a freshly minted id.
func (p *Planner) identities(ctx context.Context, original, keep string, profiles map[string]*profile) ([]domain.SplitIdentity, error) {
	uids := make([]string, 0, len(profiles))
	for uid := range profiles {
		if uid != keep {
			uids = append(uids, uid)
		}
	}
	sort.Strings(uids)

	keepProfile := profiles[keep]
	out := []domain.SplitIdentity{{
		PatientID:   original,
		PlatformUID: keep,
		Name:        keepProfile.name,
		Phone:       keepProfile.phone,
	}}

	var minted []string
	for _, uid := range uids {
		pr := profiles[uid]
		ident := domain.SplitIdentity{PlatformUID: uid, Name: pr.name, Phone: pr.phone}

		owners, err := p.store.PatientsByPlatformUID(ctx, uid)
		if err != nil {
			return nil, fmt.Errorf("look up owner of %s: %w", uid, err)
		}
		for _, o := range owners {
			if o.PatientID != original {
				ident.PatientID = o.PatientID
				ident.Existing = true
				break
			}
		}
		if ident.PatientID == "" {
			next, err := p.store.NextPatientID(ctx, minted...)
			if err != nil {
				return nil, fmt.Errorf("mint patient id: %w", err)
			}
			minted = append(minted, next)
			ident.PatientID = next
			ident.Minted = true
		}
		out = append(out, ident)
	}
	return out, nil
}

func (p *Planner) assign(rec domain.DependentRecord, pinned map[string]string, profiles map[string]*profile) (string, domain.Evidence) {
	if uid, ok := pinned[rec.Table+"/"+rec.ID]; ok {
		return uid, domain.EvidenceOverride
	}
	if rec.PlatformUID != "" {
		return rec.PlatformUID, domain.EvidencePlatformUID
	}
	if uid := matchContent(rec, profiles); uid != "" {
		return uid, domain.EvidenceContent
	}
	if uid := p.nearest(rec, profiles); uid != "" {
		return uid, domain.EvidenceTemporal
	}
	return "", domain.EvidenceNone
}

// matchContent returns the single uid whose intake phone (or, failing that,
// name) matches the record.
func matchContent(rec domain.DependentRecord, profiles map[string]*profile) string {
	unique := func(match func(*profile) bool) string {
		found := ""
		for uid, pr := range profiles {
			if !match(pr) {
				continue
			}
			if found != "" {
				return ""
			}
			found = uid
		}
		return found
	}
	if ph := domain.NormalizePhone(rec.Phone); ph != "" {
		if uid := unique(func(pr *profile) bool { return pr.phones[ph] }); uid != "" {
			return uid
		}
	}
	if n := domain.NormalizeName(rec.Name); n != "" {
		return unique(func(pr *profile) bool { return pr.names[n] })
	}
	return ""
}

// nearest returns the uid owning the closest event to rec within the
// window, or "" when there is none or two uids are equally close.
func (p *Planner) nearest(rec domain.DependentRecord, profiles map[string]*profile) string {
	if rec.CreatedAt.IsZero() {
		return ""
	}
	best := ""
	bestGap := p.opts.SplitWindow + 1
	tie := false
	for uid, pr := range profiles {
		for _, at := range pr.events {
			gap := rec.CreatedAt.Sub(at)
			if gap < 0 {
				gap = -gap
			}
			if gap > p.opts.SplitWindow {
				continue
			}
			switch {
			case gap < bestGap:
				best, bestGap, tie = uid, gap, false
			case gap == bestGap && uid != best:
				tie = true
			}
		}
	}
	if tie {
		return ""
	}
	return best
}
