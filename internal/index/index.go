// Package index builds the identity lookup maps over canonical records from
// both adapters.
package index

import (
	"sort"

	"github.com/clinicops/recon/internal/domain"
)

// Space names one key space of the index.
type Space string

const (
	ByPatientID   Space = "patient_id"
	ByReserveID   Space = "reserve_id"
	ByPlatformUID Space = "platform_uid"
	ByPhone       Space = "phone"
)

// Spaces lists every key space.
var Spaces = []Space{ByPatientID, ByReserveID, ByPlatformUID, ByPhone}

// Index maps each key space to key -> rows carrying that key. Rows keep
// their input order within a key.
type Index struct {
	maps    map[Space]map[string][]domain.Record
	records []domain.Record
}

// Key returns the index key of r in space, or "" when r has none. Phones
// are normalized; platform uids are compared byte-exact.
func Key(space Space, r domain.Record) string {
	switch space {
	case ByPatientID:
		return r.PatientID
	case ByReserveID:
		return r.ReserveID
	case ByPlatformUID:
		return r.PlatformUID
	case ByPhone:
		return domain.NormalizePhone(r.Phone)
	}
	return ""
}

// Build indexes every record of every source in one pass each.
func Build(sources ...[]domain.Record) *Index {
	idx := &Index{maps: make(map[Space]map[string][]domain.Record, len(Spaces))}
	for _, s := range Spaces {
		idx.maps[s] = map[string][]domain.Record{}
	}
	for _, records := range sources {
		for _, r := range records {
			idx.records = append(idx.records, r)
			for _, s := range Spaces {
				if k := Key(s, r); k != "" {
					idx.maps[s][k] = append(idx.maps[s][k], r)
				}
			}
		}
	}
	return idx
}

// Get returns the rows stored under key in space.
func (idx *Index) Get(space Space, key string) []domain.Record {
	return idx.maps[space][key]
}

// Keys returns the sorted keys of space.
func (idx *Index) Keys(space Space) []string {
	m := idx.maps[space]
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

// Len returns the number of distinct keys in space.
func (idx *Index) Len(space Space) int {
	return len(idx.maps[space])
}

// Records returns every indexed record in input order.
func (idx *Index) Records() []domain.Record {
	return idx.records
}

// Collisions returns the sorted keys of space held by more than one row.
func (idx *Index) Collisions(space Space) []string {
	var out []string
	for _, k := range idx.Keys(space) {
		if len(idx.maps[space][k]) > 1 {
			out = append(out, k)
		}
	}
	return out
}

// Claims returns one identity claim per record that names a patient id.
func (idx *Index) Claims() []domain.IdentityClaim {
	out := make([]domain.IdentityClaim, 0, len(idx.records))
	for _, r := range idx.records {
		if r.PatientID == "" {
			continue
		}
		out = append(out, r.Claim())
	}
	return out
}

// PlatformUIDs returns the distinct platform uids claimed for patientID, sorted.
func (idx *Index) PlatformUIDs(patientID string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range idx.maps[ByPatientID][patientID] {
		if r.PlatformUID != "" && !seen[r.PlatformUID] {
			seen[r.PlatformUID] = true
			out = append(out, r.PlatformUID)
		}
	}
	sort.Strings(out)
	return out
}

// PatientIDs returns the distinct patient ids found under key in space, sorted.
func (idx *Index) PatientIDs(space Space, key string) []string {
	seen := map[string]bool{}
	var out []string
	for _, r := range idx.maps[space][key] {
		if r.PatientID != "" && !seen[r.PatientID] {
			seen[r.PatientID] = true
			out = append(out, r.PatientID)
		}
	}
	sort.Strings(out)
	return out
}
