// Package id classifies patient ids and mints new numeric ones.
package id

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
)

var (
	numericPattern     = regexp.MustCompile(`^\d+$`)
	placeholderPattern = regexp.MustCompile(`^(LINE_|line_|U[0-9a-f]{32}$)`)
	syntheticPrefixes  = []string{"TEST", "test_", "test-", "dummy", "DUMMY", "demo", "DEMO"}
)

// Kind is the provenance of a patient id.
type Kind string

const (
	KindNumeric     Kind = "numeric"
	KindPlaceholder Kind = "placeholder"
	KindSynthetic   Kind = "synthetic"
	KindOther       Kind = "other"
)

// Classify reports what kind of patient id s is.
func Classify(s string) Kind {
	s = strings.TrimSpace(s)
	switch {
	case s == "":
		return KindOther
	case numericPattern.MatchString(s):
		return KindNumeric
	case placeholderPattern.MatchString(s):
		return KindPlaceholder
	}
	for _, p := range syntheticPrefixes {
		if strings.HasPrefix(s, p) {
			return KindSynthetic
		}
	}
	return KindOther
}

// Rank orders kinds by how canonical they are; lower is better.
func Rank(k Kind) int {
	switch k {
	case KindNumeric:
		return 0
	case KindOther:
		return 1
	case KindPlaceholder:
		return 2
	default:
		return 3
	}
}

// Next returns the numeric id following max, keeping the zero-padded width
// of the widest existing id.
func Next(max int, width int) string {
	next := max + 1
	if width <= 0 {
		return strconv.Itoa(next)
	}
	return fmt.Sprintf("%0*d", width, next)
}

// MaxNumeric returns the largest numeric id in ids and the widest numeric
// id length seen.
func MaxNumeric(ids []string) (max int, width int) {
	for _, s := range ids {
		if Classify(s) != KindNumeric {
			continue
		}
		n, err := strconv.Atoi(s)
		if err != nil {
			continue
		}
		if n > max {
			max = n
		}
		if len(s) > width {
			width = len(s)
		}
	}
	return max, width
}

// Less orders two numeric-or-not ids: numeric ids compare by value, the
// rest lexically after them.
func Less(a, b string) bool {
	an, aerr := strconv.Atoi(a)
	bn, berr := strconv.Atoi(b)
	switch {
	case aerr == nil && berr == nil:
		return an < bn
	case aerr == nil:
		return true
	case berr == nil:
		return false
	}
	return a < b
}
