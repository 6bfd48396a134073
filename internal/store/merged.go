package store

import (
	"context"
	"database/sql"
	"encoding/json"
	"errors"
	"sort"

	"github.com/clinicops/recon/internal/db"
)

// RecordMerge remembers that source is being folded into target, together
// with the platform uids the source brings along. Recording the same source
// again keeps the uids recorded earlier, so a resumed merge loses none.
func (s *Store) RecordMerge(ctx context.Context, source, target string, uids []string, runID string) error {
	var prev sql.NullString
	err := s.db.QueryRowContext(ctx, s.db.Rebind(
		"SELECT platform_uids FROM recon_merged WHERE source_patient_id = ?",
	), source).Scan(&prev)
	if err != nil && !errors.Is(err, sql.ErrNoRows) {
		return s.netErr("record merge", err)
	}
	set := map[string]bool{}
	if prev.String != "" {
		var old []string
		if err := json.Unmarshal([]byte(prev.String), &old); err != nil {
			return err
		}
		for _, uid := range old {
			set[uid] = true
		}
	}
	for _, uid := range uids {
		if uid != "" {
			set[uid] = true
		}
	}
	all := make([]string, 0, len(set))
	for uid := range set {
		all = append(all, uid)
	}
	sort.Strings(all)

	body, err := json.Marshal(all)
	if err != nil {
		return err
	}
	_, err = s.db.ExecContext(ctx, s.db.Rebind(`
		INSERT INTO recon_merged (source_patient_id, target_patient_id, platform_uids, run_id, created_at)
		VALUES (?, ?, ?, ?, ?)
		ON CONFLICT (source_patient_id) DO UPDATE SET
			target_patient_id = excluded.target_patient_id,
			platform_uids = excluded.platform_uids,
			run_id = excluded.run_id
	`), source, target, string(body), runID, db.Now())
	if err != nil {
		return s.netErr("record merge", err)
	}
	return nil
}

type mergedRow struct {
	source, target string
	uids           []string
}

func (s *Store) mergedRows(ctx context.Context) ([]mergedRow, error) {
	rows, err := s.db.QueryContext(ctx, "SELECT source_patient_id, target_patient_id, platform_uids FROM recon_merged ORDER BY source_patient_id")
	if err != nil {
		return nil, s.netErr("read merges", err)
	}
	defer rows.Close()

	var out []mergedRow
	for rows.Next() {
		var m mergedRow
		var body sql.NullString
		if err := rows.Scan(&m.source, &m.target, &body); err != nil {
			return nil, s.netErr("read merges", err)
		}
		if body.String != "" {
			if err := json.Unmarshal([]byte(body.String), &m.uids); err != nil {
				return nil, err
			}
		}
		out = append(out, m)
	}
	if err := rows.Err(); err != nil {
		return nil, s.netErr("read merges", err)
	}
	return out, nil
}

// MergedPatientIDs lists every patient id that was merged away.
func (s *Store) MergedPatientIDs(ctx context.Context) ([]string, error) {
	rows, err := s.mergedRows(ctx)
	if err != nil {
		return nil, err
	}
	out := make([]string, len(rows))
	for i, m := range rows {
		out[i] = m.source
	}
	return out, nil
}

// PlatformAliases maps each surviving patient id to the platform uids merged
// into it. A chain of merges (a into b, b into c) credits c with both.
func (s *Store) PlatformAliases(ctx context.Context) (map[string][]string, error) {
	rows, err := s.mergedRows(ctx)
	if err != nil {
		return nil, err
	}
	into := make(map[string]string, len(rows))
	for _, m := range rows {
		into[m.source] = m.target
	}
	final := func(pid string) string {
		for hops := 0; hops < len(into); hops++ {
			next, ok := into[pid]
			if !ok {
				break
			}
			pid = next
		}
		return pid
	}

	seen := map[string]map[string]bool{}
	for _, m := range rows {
		owner := final(m.target)
		for _, uid := range m.uids {
			if uid == "" {
				continue
			}
			if seen[owner] == nil {
				seen[owner] = map[string]bool{}
			}
			seen[owner][uid] = true
		}
	}
	out := make(map[string][]string, len(seen))
	for pid, set := range seen {
		for uid := range set {
			out[pid] = append(out[pid], uid)
		}
		sort.Strings(out[pid])
	}
	return out, nil
}

// PlatformAliasesOf returns the platform uids merged into patientID.
func (s *Store) PlatformAliasesOf(ctx context.Context, patientID string) ([]string, error) {
	all, err := s.PlatformAliases(ctx)
	if err != nil {
		return nil, err
	}
	return all[patientID], nil
}
