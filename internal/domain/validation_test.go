package domain

import (
	"errors"
	"fmt"
	"testing"
)

func TestNormalizePhone(t *testing.T) {
	tests := []struct {
		name string
		in   string
		want string
	}{
		{name: "hyphenated mobile", in: "090-1234-5678", want: "09012345678"},
		{name: "plain mobile", in: "09012345678", want: "09012345678"},
		{name: "full-width digits", in: "０９０－１２３４－５６７８", want: "09012345678"},
		{name: "country code", in: "+81 90-1234-5678", want: "09012345678"},
		{name: "country code with trunk", in: "+81 (0)90-1234-5678", want: "09012345678"},
		{name: "international prefix", in: "0081-90-1234-5678", want: "09012345678"},
		{name: "lost leading zero", in: "9012345678", want: "09012345678"},
		{name: "landline", in: "03-1234-5678", want: "0312345678"},
		{name: "landline with country code", in: "+81 3 1234 5678", want: "0312345678"},
		{name: "too short", in: "123", want: ""},
		{name: "too long", in: "090123456789", want: ""},
		{name: "empty", in: "", want: ""},
		{name: "letters only", in: "n/a", want: ""},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			if got := NormalizePhone(tt.in); got != tt.want {
				t.Errorf("NormalizePhone(%q) = %q, want %q", tt.in, got, tt.want)
			}
		})
	}
}

func TestNormalizeName(t *testing.T) {
	if NormalizeName("山田　太郎") != NormalizeName("山田 太郎") {
		t.Error("expected full-width and half-width spaces to be ignored")
	}
	if NormalizeName("ﾔﾏﾀﾞ ﾀﾛｳ") != NormalizeName("ヤマダタロウ") {
		t.Error("expected half-width katakana to fold to full-width")
	}
	if NormalizeName("Taro") != NormalizeName("ＴＡＲＯ") {
		t.Error("expected case and width to be ignored")
	}
}

func TestIsCanceledStatus(t *testing.T) {
	for _, s := range []string{"canceled", "Cancelled", " void ", "キャンセル", "取消"} {
		if !IsCanceledStatus(s) {
			t.Errorf("expected %q to be canceled", s)
		}
	}
	for _, s := range []string{"", "pending", "confirmed", "done"} {
		if IsCanceledStatus(s) {
			t.Errorf("expected %q to be live", s)
		}
	}
}

func TestValidateRecord(t *testing.T) {
	if err := ValidateRecord(Record{Origin: "source", Seq: 3, Name: "only a name"}); !IsValidation(err) {
		t.Errorf("expected ValidationError, got %v", err)
	}
	if err := ValidateRecord(Record{ReserveID: "R1"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
	if err := ValidateRecord(Record{Phone: "090-1111-2222"}); err != nil {
		t.Errorf("unexpected error: %v", err)
	}
}

func TestSameValue(t *testing.T) {
	tests := []struct {
		field string
		a, b  string
		want  bool
	}{
		{FieldPhone, "090-1234-5678", "+81 90 1234 5678", true},
		{FieldPhone, "090-1234-5678", "080-1234-5678", false},
		{FieldName, "山田　太郎", "山田太郎", true},
		{FieldPlatformUID, "Uabc", "UABC", false},
		{FieldBirthday, "1990-01-01 ", "1990-01-01", true},
		{FieldSex, "female", "male", false},
	}
	for _, tt := range tests {
		t.Run(fmt.Sprintf("%s/%s/%s", tt.field, tt.a, tt.b), func(t *testing.T) {
			if got := SameValue(tt.field, tt.a, tt.b); got != tt.want {
				t.Errorf("SameValue() = %v, want %v", got, tt.want)
			}
		})
	}
}

func TestErrorTaxonomy(t *testing.T) {
	pf := &PartialFailure{RunID: "r1", State: StateTablesMigrating, Failed: "orders", Err: errors.New("disk full")}
	wrapped := fmt.Errorf("merge: %w", pf)

	if !IsPartialFailure(wrapped) || !StopsIdentity(wrapped) {
		t.Error("expected wrapped PartialFailure to stop the identity")
	}

	ce := &ConflictError{SourcePatientID: "P2", TargetPatientID: "P1", Conflicts: []FieldConflict{{Field: FieldPhone, Target: "090", Source: "080"}}}
	if !IsConflict(ce) || !StopsIdentity(ce) {
		t.Error("expected ConflictError to stop the identity")
	}

	ne := &NetworkError{Op: "POST", URL: "https://example", StatusCode: 502}
	if !IsNetwork(fmt.Errorf("fetch: %w", ne)) {
		t.Error("expected NetworkError to be detected through wrapping")
	}
	if StopsIdentity(ne) {
		t.Error("NetworkError aborts the batch, it is not an identity stop")
	}
}

func TestMergeOperationTargetUpdates(t *testing.T) {
	op := &MergeOperation{
		Target:     Patient{PatientID: "P1", Name: "山田太郎"},
		FieldMerge: map[string]string{FieldName: "山田太郎", FieldPhone: "09012345678"},
	}
	updates := op.TargetUpdates()
	if len(updates) != 1 || updates[FieldPhone] != "09012345678" {
		t.Errorf("unexpected updates: %v", updates)
	}
}
