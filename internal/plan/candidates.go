package plan

import (
	"sort"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/id"
	"github.com/clinicops/recon/internal/index"
)

// Candidate is a suspected duplicate: Source should fold into Target.
type Candidate struct {
	SourcePatientID string             `json:"source_patient_id" yaml:"source_patient_id"`
	TargetPatientID string             `json:"target_patient_id" yaml:"target_patient_id"`
	Reason          domain.MatchReason `json:"reason" yaml:"reason"`
	Key             string             `json:"key" yaml:"key"`
}

// Collision is a patient id claimed by more than one platform uid.
type Collision struct {
	PatientID    string   `json:"patient_id" yaml:"patient_id"`
	PlatformUIDs []string `json:"platform_uids" yaml:"platform_uids"`
}

// ChooseTarget picks the canonical id among ids: numeric ids beat other ids,
// which beat platform placeholders and synthetic/test ids; then the older
// patient row wins; then the lower id.
func ChooseTarget(ids []string, patients map[string]domain.Patient) string {
	sorted := append([]string(nil), ids...)
	sort.SliceStable(sorted, func(i, j int) bool {
		a, b := sorted[i], sorted[j]
		ra, rb := id.Rank(id.Classify(a)), id.Rank(id.Classify(b))
		if ra != rb {
			return ra < rb
		}
		ca, cb := patients[a].CreatedAt, patients[b].CreatedAt
		switch {
		case !ca.IsZero() && !cb.IsZero() && !ca.Equal(cb):
			return ca.Before(cb)
		case !ca.IsZero() && cb.IsZero():
			return true
		case ca.IsZero() && !cb.IsZero():
			return false
		}
		return id.Less(a, b)
	})
	return sorted[0]
}

// FindDuplicates scans idx for patient ids that look like one human: ids
// sharing a platform uid, and ids sharing a normalized phone whose names
// agree (a blank name agrees with the only named group under the phone).
// Only ids present in patients are proposed; pairs on the ignore list and
// operator-asserted merges are handled by the caller's override list.
func (p *Planner) FindDuplicates(idx *index.Index, patients []domain.Patient) []Candidate {
	byID := make(map[string]domain.Patient, len(patients))
	for _, pt := range patients {
		byID[pt.PatientID] = pt
	}
	known := func(ids []string) []string {
		var out []string
		for _, pid := range ids {
			if _, ok := byID[pid]; ok {
				out = append(out, pid)
			}
		}
		return out
	}

	seen := map[[2]string]bool{}
	var out []Candidate
	emit := func(group []string, reason domain.MatchReason, key string) {
		if len(group) < 2 {
			return
		}
		target := ChooseTarget(group, byID)
		for _, src := range group {
			if src == target || p.overrides.Ignored(src, target) {
				continue
			}
			pair := [2]string{src, target}
			if seen[pair] {
				continue
			}
			seen[pair] = true
			out = append(out, Candidate{SourcePatientID: src, TargetPatientID: target, Reason: reason, Key: key})
		}
	}

	for _, uid := range idx.Keys(index.ByPlatformUID) {
		emit(known(idx.PatientIDs(index.ByPlatformUID, uid)), domain.MatchPlatformUID, uid)
	}

	for _, phone := range idx.Keys(index.ByPhone) {
		for name, group := range nameGroups(idx.Get(index.ByPhone, phone)) {
			emit(known(group), domain.MatchPhoneName, phone+"/"+name)
		}
	}

	for _, m := range p.overrides.Merges {
		if _, ok := byID[m.Source]; !ok {
			continue
		}
		if _, ok := byID[m.Target]; !ok {
			continue
		}
		pair := [2]string{m.Source, m.Target}
		if !seen[pair] {
			seen[pair] = true
			out = append(out, Candidate{SourcePatientID: m.Source, TargetPatientID: m.Target, Reason: domain.MatchOperator, Key: "override"})
		}
	}

	sort.SliceStable(out, func(i, j int) bool {
		if out[i].TargetPatientID != out[j].TargetPatientID {
			return id.Less(out[i].TargetPatientID, out[j].TargetPatientID)
		}
		return id.Less(out[i].SourcePatientID, out[j].SourcePatientID)
	})
	return out
}

// nameGroups partitions the patient ids under one phone by normalized name.
// Rows without a name join the single named group when there is exactly
// one; otherwise they stay out, since the phone alone proves nothing.
func nameGroups(rows []domain.Record) map[string][]string {
	named := map[string][]string{}
	var unnamed []string
	add := func(list []string, pid string) []string {
		for _, v := range list {
			if v == pid {
				return list
			}
		}
		return append(list, pid)
	}
	for _, r := range rows {
		if r.PatientID == "" {
			continue
		}
		name := domain.NormalizeName(r.Name)
		if name == "" {
			unnamed = add(unnamed, r.PatientID)
			continue
		}
		named[name] = add(named[name], r.PatientID)
	}
	if len(named) == 1 {
		for name := range named {
			for _, pid := range unnamed {
				named[name] = add(named[name], pid)
			}
		}
	}
	for name := range named {
		sort.Strings(named[name])
	}
	return named
}

// FindCollisions lists patient ids carrying more than one distinct platform
// uid in idx. Uids in aliases[pid] were merged into pid and do not count.
func FindCollisions(idx *index.Index, aliases map[string][]string) []Collision {
	var out []Collision
	for _, pid := range idx.Keys(index.ByPatientID) {
		uids := withoutAliases(idx.PlatformUIDs(pid), aliases[pid])
		if len(uids) > 1 {
			out = append(out, Collision{PatientID: pid, PlatformUIDs: uids})
		}
	}
	return out
}

func withoutAliases(uids, aliases []string) []string {
	if len(aliases) == 0 {
		return uids
	}
	skip := make(map[string]bool, len(aliases))
	for _, uid := range aliases {
		skip[uid] = true
	}
	var out []string
	for _, uid := range uids {
		if !skip[uid] {
			out = append(out, uid)
		}
	}
	return out
}
