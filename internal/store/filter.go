package store

import (
	"fmt"
	"strings"

	"github.com/lib/pq"

	"github.com/clinicops/recon/internal/db"
)

type condOp string

const (
	opEq       condOp = "="
	opNe       condOp = "<>"
	opGte      condOp = ">="
	opLt       condOp = "<"
	opIn       condOp = "IN"
	opNotBlank condOp = "NOT BLANK"
)

type cond struct {
	col    string
	op     condOp
	value  any
	values []string
}

type orderBy struct {
	col  string
	desc bool
}

// Filter is an AND of simple column predicates plus an optional order.
// The zero value matches every row.
type Filter struct {
	conds []cond
	order []orderBy
}

// Where starts a new filter.
func Where() *Filter {
	return &Filter{}
}

// Eq adds col = v.
func (f *Filter) Eq(col string, v any) *Filter {
	f.conds = append(f.conds, cond{col: col, op: opEq, value: v})
	return f
}

// Ne adds col <> v.
func (f *Filter) Ne(col string, v any) *Filter {
	f.conds = append(f.conds, cond{col: col, op: opNe, value: v})
	return f
}

// In adds col IN (vs...). An empty list matches nothing.
func (f *Filter) In(col string, vs ...string) *Filter {
	f.conds = append(f.conds, cond{col: col, op: opIn, values: vs})
	return f
}

// Gte adds col >= v.
func (f *Filter) Gte(col string, v any) *Filter {
	f.conds = append(f.conds, cond{col: col, op: opGte, value: v})
	return f
}

// Lt adds col < v.
func (f *Filter) Lt(col string, v any) *Filter {
	f.conds = append(f.conds, cond{col: col, op: opLt, value: v})
	return f
}

// NotBlank adds col IS NOT NULL AND col <> ''.
func (f *Filter) NotBlank(col string) *Filter {
	f.conds = append(f.conds, cond{col: col, op: opNotBlank})
	return f
}

// OrderBy appends an ordering column.
func (f *Filter) OrderBy(col string, desc bool) *Filter {
	f.order = append(f.order, orderBy{col: col, desc: desc})
	return f
}

// Empty reports whether the filter has no predicates.
func (f *Filter) Empty() bool {
	return f == nil || len(f.conds) == 0
}

// where renders the WHERE clause ('?' placeholders) and its arguments.
func (f *Filter) where(spec TableSpec, driver string) (string, []any, error) {
	if f.Empty() {
		return "", nil, nil
	}

	parts := make([]string, 0, len(f.conds))
	var args []any
	for _, c := range f.conds {
		if !spec.HasColumn(c.col) {
			return "", nil, fmt.Errorf("unknown column %s.%s", spec.Name, c.col)
		}
		switch c.op {
		case opIn:
			if len(c.values) == 0 {
				parts = append(parts, "1 = 0")
				continue
			}
			if driver == db.DriverPostgres {
				parts = append(parts, c.col+" = ANY(?)")
				args = append(args, pq.Array(c.values))
				continue
			}
			marks := strings.TrimSuffix(strings.Repeat("?, ", len(c.values)), ", ")
			parts = append(parts, fmt.Sprintf("%s IN (%s)", c.col, marks))
			for _, v := range c.values {
				args = append(args, v)
			}
		case opNotBlank:
			parts = append(parts, fmt.Sprintf("(%s IS NOT NULL AND %s <> '')", c.col, c.col))
		default:
			parts = append(parts, fmt.Sprintf("%s %s ?", c.col, c.op))
			args = append(args, c.value)
		}
	}
	return " WHERE " + strings.Join(parts, " AND "), args, nil
}

// orderClause renders ORDER BY, always ending with the table's order key so
// offset paging is stable.
func (f *Filter) orderClause(spec TableSpec) (string, error) {
	var cols []string
	seen := map[string]bool{}
	if f != nil {
		for _, o := range f.order {
			if !spec.HasColumn(o.col) {
				return "", fmt.Errorf("unknown column %s.%s", spec.Name, o.col)
			}
			dir := "ASC"
			if o.desc {
				dir = "DESC"
			}
			cols = append(cols, o.col+" "+dir)
			seen[o.col] = true
		}
	}
	for _, k := range spec.OrderKey() {
		if !seen[k] {
			cols = append(cols, k+" ASC")
		}
	}
	return " ORDER BY " + strings.Join(cols, ", "), nil
}
