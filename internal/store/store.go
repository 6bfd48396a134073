// Package store is the relational store adapter: paginated reads, idempotent
// upserts and guarded updates/deletes over the registered tables.
package store

import (
	"context"
	"database/sql"
	"fmt"
	"sort"
	"strconv"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/clinicops/recon/internal/db"
	"github.com/clinicops/recon/internal/domain"
)

// Row is one table row keyed by column name. Values are string, int64,
// float64, bool, time.Time or nil.
type Row map[string]any

// String returns a column as a string, "" for NULL.
func (r Row) String(col string) string {
	switch v := r[col].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case int64:
		return strconv.FormatInt(v, 10)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	case bool:
		return strconv.FormatBool(v)
	case time.Time:
		return db.FormatTime(v)
	default:
		return fmt.Sprint(v)
	}
}

// Options tunes paging and write batching.
type Options struct {
	PageSize  int
	BatchSize int
}

// Store is the root store over one database connection.
type Store struct {
	db     *db.DB
	opts   Options
	logger *zap.Logger
}

// New creates a Store wrapping the given database connection.
func New(database *db.DB, opts Options, logger *zap.Logger) *Store {
	if opts.PageSize <= 0 {
		opts.PageSize = 1000
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = 200
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Store{db: database, opts: opts, logger: logger}
}

// DB returns the underlying database connection (for read-only queries).
func (s *Store) DB() *db.DB {
	return s.db
}

func (s *Store) spec(table string) (TableSpec, error) {
	spec, ok := Lookup(table)
	if !ok {
		return TableSpec{}, fmt.Errorf("unknown table %q", table)
	}
	return spec, nil
}

func (s *Store) netErr(op string, err error) error {
	if err == nil {
		return nil
	}
	return &domain.NetworkError{Op: op, URL: s.db.Path(), Err: err}
}

// Pager walks a table with offset/limit pages. Each Next call issues one
// bounded query; a page shorter than the page size ends the walk.
type Pager struct {
	store  *Store
	spec   TableSpec
	query  string
	args   []any
	offset int
	done   bool
	pages  int
}

// Pages starts a paginated walk over table rows matching filter.
func (s *Store) Pages(table string, filter *Filter) (*Pager, error) {
	spec, err := s.spec(table)
	if err != nil {
		return nil, err
	}
	where, args, err := filter.where(spec, s.db.Driver())
	if err != nil {
		return nil, err
	}
	order, err := filter.orderClause(spec)
	if err != nil {
		return nil, err
	}
	query := fmt.Sprintf("SELECT %s FROM %s%s%s LIMIT ? OFFSET ?",
		strings.Join(spec.Columns, ", "), spec.Name, where, order)
	return &Pager{store: s, spec: spec, query: s.db.Rebind(query), args: args}, nil
}

// Next returns the next page. more is false once the walk is complete.
func (p *Pager) Next(ctx context.Context) (rows []Row, more bool, err error) {
	if p.done {
		return nil, false, nil
	}
	size := p.store.opts.PageSize
	args := append(append([]any{}, p.args...), size, p.offset)

	sqlRows, err := p.store.db.QueryContext(ctx, p.query, args...)
	if err != nil {
		return nil, false, p.store.netErr("select "+p.spec.Name, err)
	}
	defer sqlRows.Close()

	rows, err = scanRows(sqlRows, p.spec.Columns)
	if err != nil {
		return nil, false, p.store.netErr("scan "+p.spec.Name, err)
	}

	p.pages++
	p.offset += len(rows)
	if len(rows) < size {
		p.done = true
	}
	p.store.logger.Debug("fetched page",
		zap.String("table", p.spec.Name),
		zap.Int("page", p.pages),
		zap.Int("rows", len(rows)),
	)
	return rows, !p.done, nil
}

// FetchAll returns every row matching filter, looping pages until a short
// page so the store's per-request cap never truncates the result.
func (s *Store) FetchAll(ctx context.Context, table string, filter *Filter) ([]Row, error) {
	pager, err := s.Pages(table, filter)
	if err != nil {
		return nil, err
	}
	var all []Row
	for {
		rows, more, err := pager.Next(ctx)
		if err != nil {
			return nil, err
		}
		all = append(all, rows...)
		if !more {
			return all, nil
		}
	}
}

// Count returns the number of rows matching filter.
func (s *Store) Count(ctx context.Context, table string, filter *Filter) (int, error) {
	spec, err := s.spec(table)
	if err != nil {
		return 0, err
	}
	where, args, err := filter.where(spec, s.db.Driver())
	if err != nil {
		return 0, err
	}
	var n int
	query := s.db.Rebind("SELECT COUNT(*) FROM " + spec.Name + where)
	if err := s.db.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return 0, s.netErr("count "+spec.Name, err)
	}
	return n, nil
}

// UpsertResult counts what an upsert did.
type UpsertResult struct {
	Inserted int `json:"inserted"`
	Updated  int `json:"updated"`
}

// Upsert inserts rows or updates them in place when conflictKey (a column,
// or comma-separated columns) already exists. Running it twice with the
// same rows leaves the table unchanged.
func (s *Store) Upsert(ctx context.Context, table string, rows []Row, conflictKey string) (UpsertResult, error) {
	var result UpsertResult
	spec, err := s.spec(table)
	if err != nil {
		return result, err
	}
	keys := strings.Split(conflictKey, ",")
	for i := range keys {
		keys[i] = strings.TrimSpace(keys[i])
		if !spec.HasColumn(keys[i]) {
			return result, fmt.Errorf("unknown conflict column %s.%s", table, keys[i])
		}
	}

	for start := 0; start < len(rows); start += s.opts.BatchSize {
		end := start + s.opts.BatchSize
		if end > len(rows) {
			end = len(rows)
		}
		batch := rows[start:end]
		inserted, updated, err := s.upsertBatch(ctx, spec, batch, keys)
		if err != nil {
			return result, err
		}
		result.Inserted += inserted
		result.Updated += updated
		s.logger.Debug("upserted batch",
			zap.String("table", table),
			zap.Int("rows", len(batch)),
			zap.Int("inserted", inserted),
			zap.Int("updated", updated),
		)
	}
	return result, nil
}

func (s *Store) upsertBatch(ctx context.Context, spec TableSpec, batch []Row, keys []string) (int, int, error) {
	tx, err := s.db.BeginTx(ctx, nil)
	if err != nil {
		return 0, 0, s.netErr("begin upsert "+spec.Name, err)
	}
	defer tx.Rollback()

	inserted, updated := 0, 0
	for _, row := range batch {
		cols := make([]string, 0, len(row))
		for col := range row {
			if !spec.HasColumn(col) {
				return 0, 0, fmt.Errorf("unknown column %s.%s", spec.Name, col)
			}
			cols = append(cols, col)
		}
		sort.Strings(cols)

		exists, err := rowExists(ctx, tx, s.db, spec, row, keys)
		if err != nil {
			return 0, 0, s.netErr("probe "+spec.Name, err)
		}

		args := make([]any, len(cols))
		var sets []string
		for i, col := range cols {
			args[i] = row[col]
			if !contains(keys, col) {
				sets = append(sets, fmt.Sprintf("%s = excluded.%s", col, col))
			}
		}
		marks := strings.TrimSuffix(strings.Repeat("?, ", len(cols)), ", ")
		query := fmt.Sprintf("INSERT INTO %s (%s) VALUES (%s) ON CONFLICT (%s) ",
			spec.Name, strings.Join(cols, ", "), marks, strings.Join(keys, ", "))
		if len(sets) == 0 {
			query += "DO NOTHING"
		} else {
			query += "DO UPDATE SET " + strings.Join(sets, ", ")
		}
		if _, err := tx.ExecContext(ctx, s.db.Rebind(query), args...); err != nil {
			return 0, 0, s.netErr("upsert "+spec.Name, err)
		}
		if exists {
			updated++
		} else {
			inserted++
		}
	}

	if err := tx.Commit(); err != nil {
		return 0, 0, s.netErr("commit upsert "+spec.Name, err)
	}
	return inserted, updated, nil
}

func rowExists(ctx context.Context, tx *sql.Tx, database *db.DB, spec TableSpec, row Row, keys []string) (bool, error) {
	parts := make([]string, len(keys))
	args := make([]any, len(keys))
	for i, k := range keys {
		parts[i] = k + " = ?"
		args[i] = row[k]
	}
	var n int
	query := database.Rebind(fmt.Sprintf("SELECT COUNT(*) FROM %s WHERE %s", spec.Name, strings.Join(parts, " AND ")))
	if err := tx.QueryRowContext(ctx, query, args...).Scan(&n); err != nil {
		return false, err
	}
	return n > 0, nil
}

// Update sets columns on every row matching filter and returns the number
// of rows changed. An empty filter is refused.
func (s *Store) Update(ctx context.Context, table string, set map[string]any, filter *Filter) (int64, error) {
	spec, err := s.spec(table)
	if err != nil {
		return 0, err
	}
	if filter.Empty() {
		return 0, fmt.Errorf("refusing unfiltered update of %s", table)
	}
	if len(set) == 0 {
		return 0, nil
	}

	cols := make([]string, 0, len(set))
	for col := range set {
		if !spec.HasColumn(col) {
			return 0, fmt.Errorf("unknown column %s.%s", table, col)
		}
		cols = append(cols, col)
	}
	sort.Strings(cols)

	sets := make([]string, len(cols))
	args := make([]any, 0, len(cols))
	for i, col := range cols {
		sets[i] = col + " = ?"
		args = append(args, set[col])
	}

	where, whereArgs, err := filter.where(spec, s.db.Driver())
	if err != nil {
		return 0, err
	}
	args = append(args, whereArgs...)

	query := s.db.Rebind(fmt.Sprintf("UPDATE %s SET %s%s", spec.Name, strings.Join(sets, ", "), where))
	res, err := s.db.ExecContext(ctx, query, args...)
	if err != nil {
		return 0, s.netErr("update "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.netErr("update "+table, err)
	}
	return n, nil
}

// Delete removes every row matching filter. It is terminal; an empty filter
// is refused.
func (s *Store) Delete(ctx context.Context, table string, filter *Filter) (int64, error) {
	spec, err := s.spec(table)
	if err != nil {
		return 0, err
	}
	if filter.Empty() {
		return 0, fmt.Errorf("refusing unfiltered delete from %s", table)
	}
	where, args, err := filter.where(spec, s.db.Driver())
	if err != nil {
		return 0, err
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind("DELETE FROM "+spec.Name+where), args...)
	if err != nil {
		return 0, s.netErr("delete "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.netErr("delete "+table, err)
	}
	return n, nil
}

// DeleteShadowed removes rows of `from` that would violate the table's
// uniqueness once rewired to `to`, because `to` already owns an equivalent
// row. keys, when given, limits the check to rows with those key column
// values. Only meaningful for tables where Unique() is true.
func (s *Store) DeleteShadowed(ctx context.Context, table, from, to string, keys ...string) (int64, error) {
	spec, err := s.spec(table)
	if err != nil {
		return 0, err
	}
	if !spec.Unique() {
		return 0, nil
	}

	match := ""
	for _, col := range spec.UniqueWith {
		match += fmt.Sprintf(" AND shadow.%s = %s.%s", col, spec.Name, col)
	}
	query := fmt.Sprintf(
		"DELETE FROM %s WHERE patient_id = ? AND EXISTS (SELECT 1 FROM %s shadow WHERE shadow.patient_id = ?%s)",
		spec.Name, spec.Name, match,
	)
	args := []any{from, to}
	if len(keys) > 0 {
		query += fmt.Sprintf(" AND %s IN (?%s)", spec.KeyColumn, strings.Repeat(", ?", len(keys)-1))
		for _, k := range keys {
			args = append(args, k)
		}
	}
	res, err := s.db.ExecContext(ctx, s.db.Rebind(query), args...)
	if err != nil {
		return 0, s.netErr("dedupe "+table, err)
	}
	n, err := res.RowsAffected()
	if err != nil {
		return 0, s.netErr("dedupe "+table, err)
	}
	return n, nil
}

// TableCounts returns the row count of each named table.
func (s *Store) TableCounts(ctx context.Context, tables []string) (map[string]int, error) {
	counts := make(map[string]int, len(tables))
	for _, t := range tables {
		n, err := s.Count(ctx, t, nil)
		if err != nil {
			return nil, err
		}
		counts[t] = n
	}
	return counts, nil
}

func scanRows(rows *sql.Rows, cols []string) ([]Row, error) {
	var out []Row
	for rows.Next() {
		vals := make([]any, len(cols))
		ptrs := make([]any, len(cols))
		for i := range vals {
			ptrs[i] = &vals[i]
		}
		if err := rows.Scan(ptrs...); err != nil {
			return nil, err
		}
		row := make(Row, len(cols))
		for i, col := range cols {
			if b, ok := vals[i].([]byte); ok {
				row[col] = string(b)
				continue
			}
			row[col] = vals[i]
		}
		out = append(out, row)
	}
	return out, rows.Err()
}

func contains(list []string, s string) bool {
	for _, v := range list {
		if v == s {
			return true
		}
	}
	return false
}
