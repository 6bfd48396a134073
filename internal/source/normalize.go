package source

import (
	"encoding/json"
	"regexp"
	"strconv"
	"strings"

	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/domain"
)

// RawRecord is one row exactly as the spreadsheet endpoint returned it.
// Header names vary between sheets and over time.
type RawRecord map[string]any

// fieldAliases lists, per canonical field, the header spellings seen in the
// wild. Earlier aliases win when a row carries several.
var fieldAliases = map[string][]string{
	"patient_id":    {"patient_id", "patientId", "patientID", "患者ID", "患者番号", "カルテ番号"},
	"reserve_id":    {"reserve_id", "reserveId", "reservation_id", "reservationId", "予約ID", "予約番号"},
	"platform_uid":  {"platform_uid", "platformUid", "line_uid", "lineUid", "line_user_id", "lineUserId", "LINE UID", "LINEユーザーID"},
	"phone":         {"phone", "tel", "phone_number", "phoneNumber", "電話番号", "電話"},
	"name":          {"name", "patient_name", "patientName", "氏名", "名前", "患者名"},
	"name_kana":     {"name_kana", "nameKana", "kana", "フリガナ", "ふりがな", "カナ"},
	"status":        {"status", "ステータス", "状態"},
	"reserved_date": {"reserved_date", "reservedDate", "date", "予約日"},
	"reserved_time": {"reserved_time", "reservedTime", "time", "予約時間", "予約時刻"},
	"reserved_at":   {"reserved_at", "reservedAt", "datetime", "予約日時"},
	"timestamp":     {"timestamp", "updated_at", "updatedAt", "created_at", "createdAt", "タイムスタンプ", "更新日時"},
}

var (
	datePattern = regexp.MustCompile(`^(\d{4})[-/.](\d{1,2})[-/.](\d{1,2})$`)
	timePattern = regexp.MustCompile(`^(\d{1,2}):(\d{2})(?::\d{2})?$`)
)

// headerKey folds an ASCII header so "Patient_ID", "patientId" and
// "patient id" match.
func headerKey(h string) string {
	var b strings.Builder
	for _, r := range strings.TrimSpace(h) {
		switch r {
		case '_', ' ', '-', '　':
			continue
		}
		if r < 0x80 {
			b.WriteString(strings.ToLower(string(r)))
			continue
		}
		b.WriteRune(r)
	}
	return b.String()
}

// lookup returns the first non-blank value among the aliases of field.
func lookup(folded map[string]any, field string) string {
	for _, alias := range fieldAliases[field] {
		if v, ok := folded[headerKey(alias)]; ok {
			if s := coerce(v); s != "" {
				return s
			}
		}
	}
	return ""
}

// coerce renders a decoded JSON value as a string. Numbers keep their
// literal text so ids and phone numbers never pick up float formatting.
func coerce(v any) string {
	switch t := v.(type) {
	case nil:
		return ""
	case string:
		return strings.TrimSpace(t)
	case json.Number:
		return t.String()
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(t)
	default:
		return ""
	}
}

// Normalize maps a raw row onto the canonical record. seq is the row's
// position in the response.
func Normalize(raw RawRecord, origin string, seq int) (domain.Record, error) {
	folded := make(map[string]any, len(raw))
	for k, v := range raw {
		key := headerKey(k)
		if _, dup := folded[key]; dup && coerce(v) == "" {
			continue
		}
		folded[key] = v
	}

	rec := domain.Record{
		Origin:      origin,
		Seq:         seq,
		PatientID:   lookup(folded, "patient_id"),
		ReserveID:   lookup(folded, "reserve_id"),
		PlatformUID: lookup(folded, "platform_uid"),
		Phone:       lookup(folded, "phone"),
		Name:        lookup(folded, "name"),
		NameKana:    lookup(folded, "name_kana"),
		Status:      lookup(folded, "status"),
	}

	date := lookup(folded, "reserved_date")
	clock := lookup(folded, "reserved_time")
	if combined := lookup(folded, "reserved_at"); combined != "" && date == "" {
		date = combined
	}
	if d, t, ok := splitDateTime(date); ok {
		date = d
		if clock == "" {
			clock = t
		}
	}
	rec.ReservedDate = normalizeDate(date)
	rec.ReservedTime = normalizeTime(clock)
	rec.Timestamp = db.ParseTime(lookup(folded, "timestamp"))

	if err := domain.ValidateRecord(rec); err != nil {
		return rec, err
	}
	return rec, nil
}

// splitDateTime splits "2026-01-30 10:00" or "2026-01-30T10:00:00".
func splitDateTime(s string) (string, string, bool) {
	i := strings.IndexAny(s, " T")
	if i < 0 {
		return s, "", false
	}
	return strings.TrimSpace(s[:i]), strings.TrimSpace(s[i+1:]), true
}

func normalizeDate(s string) string {
	m := datePattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	month, _ := strconv.Atoi(m[2])
	day, _ := strconv.Atoi(m[3])
	return m[1] + "-" + pad2(month) + "-" + pad2(day)
}

func normalizeTime(s string) string {
	s = strings.TrimSuffix(strings.TrimSuffix(s, "Z"), "+09:00")
	m := timePattern.FindStringSubmatch(s)
	if m == nil {
		return s
	}
	hour, _ := strconv.Atoi(m[1])
	return pad2(hour) + ":" + m[2]
}

func pad2(n int) string {
	if n < 10 {
		return "0" + strconv.Itoa(n)
	}
	return strconv.Itoa(n)
}
