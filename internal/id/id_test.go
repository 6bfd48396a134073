package id

import (
	"testing"
)

func TestClassify(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want Kind
	}{
		{name: "numeric", in: "20250101", want: KindNumeric},
		{name: "padded numeric", in: "000123", want: KindNumeric},
		{name: "line placeholder", in: "LINE_8f3a2b", want: KindPlaceholder},
		{name: "raw platform uid", in: "U0123456789abcdef0123456789abcdef", want: KindPlaceholder},
		{name: "test prefix", in: "TEST_001", want: KindSynthetic},
		{name: "demo prefix", in: "demo-7", want: KindSynthetic},
		{name: "other", in: "P-17", want: KindOther},
		{name: "empty", in: "", want: KindOther},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := Classify(tt.in); got != tt.want {
				t.Errorf("Classify(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestRankPrefersNumeric(t *testing.T) {
	if !(Rank(KindNumeric) < Rank(KindPlaceholder) && Rank(KindPlaceholder) < Rank(KindSynthetic)) {
		t.Error("expected numeric < placeholder < synthetic")
	}
}

func TestMaxNumericAndNext(t *testing.T) {
	max, width := MaxNumeric([]string{"000120", "000007", "LINE_x", "TEST_999999"})
	if max != 120 || width != 6 {
		t.Fatalf("MaxNumeric() = %d, %d", max, width)
	}
	if got := Next(max, width); got != "000121" {
		t.Errorf("Next() = %q, want 000121", got)
	}
	if got := Next(0, 0); got != "1" {
		t.Errorf("Next(0, 0) = %q, want 1", got)
	}
}

func TestLess(t *testing.T) {
	if !Less("9", "10") {
		t.Error("expected numeric comparison")
	}
	if !Less("10", "LINE_a") {
		t.Error("expected numeric ids before others")
	}
	if !Less("LINE_a", "LINE_b") {
		t.Error("expected lexical comparison for non-numeric ids")
	}
}
