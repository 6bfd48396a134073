// Package diff compares two identity indexes over one key space.
package diff

import (
	"fmt"
	"sort"
	"strings"

	"github.com/pmezard/go-difflib/difflib"

	"github.com/clinicops/recon/internal/domain"
	"github.com/clinicops/recon/internal/index"
)

// Options tunes a comparison.
type Options struct {
	// Fields compared for value mismatches. Nil selects DefaultFields(space).
	Fields []string
	// IgnoreBlank skips a field when either side is blank.
	IgnoreBlank bool
	// KeepCanceled keeps logically deleted rows in the comparison.
	KeepCanceled bool
}

// Record field names usable in Options.Fields.
const (
	FieldPatientID    = "patient_id"
	FieldReserveID    = "reserve_id"
	FieldPlatformUID  = "platform_uid"
	FieldPhone        = "phone"
	FieldName         = "name"
	FieldNameKana     = "name_kana"
	FieldStatus       = "status"
	FieldReservedDate = "reserved_date"
	FieldReservedTime = "reserved_time"
)

// DefaultFields returns the fields compared for a key space.
func DefaultFields(space index.Space) []string {
	switch space {
	case index.ByReserveID:
		return []string{FieldPatientID, FieldStatus, FieldReservedDate, FieldReservedTime}
	case index.ByPatientID:
		return []string{FieldPlatformUID, FieldPhone, FieldName, FieldNameKana}
	case index.ByPlatformUID:
		return []string{FieldPatientID, FieldPhone, FieldName}
	default:
		return []string{FieldPatientID, FieldPlatformUID, FieldName}
	}
}

// Mismatch is one field that differs between the latest rows of a key.
type Mismatch struct {
	Key   string `json:"key" yaml:"key"`
	Field string `json:"field" yaml:"field"`
	A     string `json:"a" yaml:"a"`
	B     string `json:"b" yaml:"b"`
}

// Result partitions the keys of A ∪ B.
type Result struct {
	Space         index.Space `json:"space" yaml:"space"`
	OnlyInA       []string    `json:"only_in_a" yaml:"only_in_a"`
	OnlyInB       []string    `json:"only_in_b" yaml:"only_in_b"`
	Both          []string    `json:"both" yaml:"both"`
	ValueMismatch []Mismatch  `json:"value_mismatch" yaml:"value_mismatch"`
	CanceledA     int         `json:"canceled_a" yaml:"canceled_a"`
	CanceledB     int         `json:"canceled_b" yaml:"canceled_b"`

	keysA, keysB     map[string]bool
	latestA, latestB map[string]domain.Record
}

// Diff compares a and b over space. Canceled rows are dropped from both
// sides first, so a key whose rows are all canceled counts as absent.
func Diff(space index.Space, a, b *index.Index, opts Options) *Result {
	fields := opts.Fields
	if fields == nil {
		fields = DefaultFields(space)
	}

	res := &Result{Space: space}
	res.latestA, res.keysA, res.CanceledA = live(space, a, opts.KeepCanceled)
	res.latestB, res.keysB, res.CanceledB = live(space, b, opts.KeepCanceled)

	for k := range res.keysA {
		if res.keysB[k] {
			res.Both = append(res.Both, k)
		} else {
			res.OnlyInA = append(res.OnlyInA, k)
		}
	}
	for k := range res.keysB {
		if !res.keysA[k] {
			res.OnlyInB = append(res.OnlyInB, k)
		}
	}
	sort.Strings(res.OnlyInA)
	sort.Strings(res.OnlyInB)
	sort.Strings(res.Both)

	for _, k := range res.Both {
		ra, rb := res.latestA[k], res.latestB[k]
		for _, f := range fields {
			va, vb := Value(ra, f), Value(rb, f)
			if opts.IgnoreBlank && (domain.IsBlank(va) || domain.IsBlank(vb)) {
				continue
			}
			if !equal(f, va, vb) {
				res.ValueMismatch = append(res.ValueMismatch, Mismatch{Key: k, Field: f, A: va, B: vb})
			}
		}
	}
	return res
}

func live(space index.Space, idx *index.Index, keepCanceled bool) (map[string]domain.Record, map[string]bool, int) {
	latest := map[string]domain.Record{}
	keys := map[string]bool{}
	canceled := 0
	if idx == nil {
		return latest, keys, 0
	}
	for _, k := range idx.Keys(space) {
		var rows []domain.Record
		for _, r := range idx.Get(space, k) {
			if !keepCanceled && domain.IsCanceledStatus(r.Status) {
				canceled++
				continue
			}
			rows = append(rows, r)
		}
		if len(rows) == 0 {
			continue
		}
		keys[k] = true
		latest[k] = Latest(rows)
	}
	return latest, keys, canceled
}

// Latest picks the authoritative row among rows sharing a key: the most
// recent explicit timestamp wins, a timestamped row beats one without, and
// otherwise the row inserted last (highest Seq) wins. Rows from different
// origins with equal Seq keep the later one in input order.
func Latest(rows []domain.Record) domain.Record {
	best := rows[0]
	for _, r := range rows[1:] {
		if newer(r, best) {
			best = r
		}
	}
	return best
}

func newer(r, than domain.Record) bool {
	switch {
	case r.HasTimestamp() && than.HasTimestamp():
		if !r.Timestamp.Equal(than.Timestamp) {
			return r.Timestamp.After(than.Timestamp)
		}
		return r.Seq >= than.Seq
	case r.HasTimestamp():
		return true
	case than.HasTimestamp():
		return false
	}
	return r.Seq >= than.Seq
}

// Value returns a record field by name.
func Value(r domain.Record, field string) string {
	switch field {
	case FieldPatientID:
		return r.PatientID
	case FieldReserveID:
		return r.ReserveID
	case FieldPlatformUID:
		return r.PlatformUID
	case FieldPhone:
		return r.Phone
	case FieldName:
		return r.Name
	case FieldNameKana:
		return r.NameKana
	case FieldStatus:
		return r.Status
	case FieldReservedDate:
		return r.ReservedDate
	case FieldReservedTime:
		return r.ReservedTime
	}
	return ""
}

func equal(field, a, b string) bool {
	switch field {
	case FieldPhone, FieldName, FieldNameKana, FieldPlatformUID:
		return domain.SameValue(field, a, b)
	case FieldStatus:
		return strings.EqualFold(strings.TrimSpace(a), strings.TrimSpace(b))
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// Latest returns the authoritative A and B rows for key.
func (r *Result) Latest(key string) (a domain.Record, okA bool, b domain.Record, okB bool) {
	a, okA = r.latestA[key]
	b, okB = r.latestB[key]
	return
}

// Mismatched returns the distinct keys with at least one value mismatch.
func (r *Result) Mismatched() []string {
	seen := map[string]bool{}
	var out []string
	for _, m := range r.ValueMismatch {
		if !seen[m.Key] {
			seen[m.Key] = true
			out = append(out, m.Key)
		}
	}
	return out
}

// Clean reports whether the two sides agree completely.
func (r *Result) Clean() bool {
	return len(r.OnlyInA) == 0 && len(r.OnlyInB) == 0 && len(r.ValueMismatch) == 0
}

// Check verifies that OnlyInA, Both and OnlyInB partition the live keys of
// A ∪ B with no key counted twice.
func (r *Result) Check() error {
	seen := map[string]string{}
	mark := func(set string, keys []string) error {
		for _, k := range keys {
			if prev, dup := seen[k]; dup {
				return fmt.Errorf("key %q in both %s and %s", k, prev, set)
			}
			seen[k] = set
		}
		return nil
	}
	if err := mark("only_in_a", r.OnlyInA); err != nil {
		return err
	}
	if err := mark("both", r.Both); err != nil {
		return err
	}
	if err := mark("only_in_b", r.OnlyInB); err != nil {
		return err
	}

	union := map[string]bool{}
	for k := range r.keysA {
		union[k] = true
	}
	for k := range r.keysB {
		union[k] = true
	}
	if len(union) != len(seen) {
		return fmt.Errorf("partition covers %d keys, union has %d", len(seen), len(union))
	}
	for k := range union {
		if _, ok := seen[k]; !ok {
			return fmt.Errorf("key %q missing from partition", k)
		}
	}
	return nil
}

// UnifiedDiff renders the compared fields of key's latest rows as a
// unified diff, or "" when they agree.
func (r *Result) UnifiedDiff(key string, fields []string) string {
	if fields == nil {
		fields = DefaultFields(r.Space)
	}
	a, okA, b, okB := r.Latest(key)
	render := func(rec domain.Record, ok bool) []string {
		if !ok {
			return nil
		}
		lines := make([]string, 0, len(fields))
		for _, f := range fields {
			lines = append(lines, fmt.Sprintf("%s: %s\n", f, Value(rec, f)))
		}
		return lines
	}
	ud := difflib.UnifiedDiff{
		A:        render(a, okA),
		B:        render(b, okB),
		FromFile: "a/" + key,
		ToFile:   "b/" + key,
		Context:  len(fields),
	}
	text, err := difflib.GetUnifiedDiffString(ud)
	if err != nil {
		return ""
	}
	return text
}
