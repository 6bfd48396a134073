package domain

import (
	"strings"
	"unicode"

	"golang.org/x/text/unicode/norm"
	"golang.org/x/text/width"
)

// canceledStatuses are statuses of logically deleted rows.
var canceledStatuses = map[string]bool{
	"canceled":  true,
	"cancelled": true,
	"cancel":    true,
	"void":      true,
	"voided":    true,
	"キャンセル":     true,
	"取消":        true,
}

// IsCanceledStatus reports whether a status marks a row as logically deleted.
func IsCanceledStatus(status string) bool {
	return canceledStatuses[strings.ToLower(strings.TrimSpace(status))]
}

// NormalizePhone folds a Japanese phone number in any of its common spellings
// (full-width digits, +81 / 0081 / 81 prefixes, "(0)" trunk marker, hyphens,
// a leading zero lost to a numeric spreadsheet cell) into a 10 or 11 digit
// string starting with 0. It returns "" when the input cannot be one.
func NormalizePhone(raw string) string {
	s := width.Narrow.String(raw)

	var b strings.Builder
	for _, r := range s {
		if r >= '0' && r <= '9' {
			b.WriteRune(r)
		}
	}
	digits := b.String()
	if digits == "" {
		return ""
	}

	switch {
	case strings.HasPrefix(digits, "0081"):
		digits = digits[4:]
	case strings.HasPrefix(digits, "81") && len(digits) >= 11:
		digits = digits[2:]
	}
	// "+81 (0)90..." leaves the trunk zero behind the country code
	if !strings.HasPrefix(digits, "0") {
		digits = "0" + digits
	}
	if strings.HasPrefix(digits, "00") {
		return ""
	}

	if len(digits) != 10 && len(digits) != 11 {
		return ""
	}
	return digits
}

// NormalizeName applies NFKC (which also composes half-width kana with their
// voicing marks) and drops every kind of whitespace, so "山田　太郎" and
// "山田 太郎" compare equal.
func NormalizeName(raw string) string {
	s := norm.NFKC.String(raw)
	var b strings.Builder
	for _, r := range s {
		if unicode.IsSpace(r) {
			continue
		}
		b.WriteRune(unicode.ToLower(r))
	}
	return b.String()
}

// ValidateRecord checks that a canonical row carries at least one identity
// key. Rows without one cannot be indexed or diffed.
func ValidateRecord(r Record) error {
	if r.PatientID == "" && r.ReserveID == "" && r.PlatformUID == "" && NormalizePhone(r.Phone) == "" {
		return &ValidationError{Origin: r.Origin, Seq: r.Seq, Reason: "no patient id, reserve id, platform uid or phone"}
	}
	return nil
}

// SameValue compares two field values the way a merge does: phones by their
// normalized form, names ignoring width and whitespace, the rest trimmed.
func SameValue(field, a, b string) bool {
	switch field {
	case FieldPhone:
		na, nb := NormalizePhone(a), NormalizePhone(b)
		if na != "" || nb != "" {
			return na == nb
		}
	case FieldName, FieldNameKana:
		return NormalizeName(a) == NormalizeName(b)
	case FieldPlatformUID:
		return a == b
	}
	return strings.TrimSpace(a) == strings.TrimSpace(b)
}

// IsBlank reports whether a field value counts as null.
func IsBlank(v string) bool {
	return strings.TrimSpace(v) == ""
}
