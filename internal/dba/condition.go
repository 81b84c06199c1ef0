// Package dba builds the SQL fragments used by the database layer:
// collapsed conditions, select parameters, quoted identifiers and
// parameter interpolation for logging.
package dba

import (
	"reflect"
	"sort"
	"strconv"
	"strings"
)

// Condition is anything that can be collapsed into a parametrized SQL fragment.
// It is implemented by Expr (already collapsed) and Fields (field => value).
type Condition interface {
	collapse() Expr
	empty() bool
}

// Expr is a collapsed condition: a SQL fragment with positional placeholders
// and the values that belong to them.
type Expr struct {
	SQL  string
	Args []any
}

// Where creates an already collapsed condition.
//
//	dba.Where("`uid` = ? AND `network` IN (?, ?)", 1, "dfrn", "dspr")
func Where(sql string, args ...any) Expr {
	return Expr{SQL: sql, Args: args}
}

func (e Expr) collapse() Expr {
	args := make([]any, len(e.Args))
	copy(args, e.Args)
	return Expr{SQL: e.SQL, Args: args}
}

func (e Expr) empty() bool {
	return strings.TrimSpace(e.SQL) == ""
}

// Fields is an associative condition. Every entry becomes a clause and all
// clauses are joined with AND. Keys are rendered in sorted order so the
// produced SQL and the argument order are stable.
//
// Values map as follows:
//   - nil: `field` IS NULL
//   - a slice or array (except []byte): `field` IN (?, ...), or FALSE when empty
//   - anything else: `field` = ?
type Fields map[string]any

// Keys returns the field names in the order they are rendered.
func (f Fields) Keys() []string {
	keys := make([]string, 0, len(f))
	for k := range f {
		keys = append(keys, k)
	}
	sort.Strings(keys)
	return keys
}

func (f Fields) empty() bool {
	return len(f) == 0
}

func (f Fields) collapse() Expr {
	var (
		clauses []string
		args    []any
	)

	for _, field := range f.Keys() {
		clause, values := collapseField(field, f[field])
		clauses = append(clauses, clause)
		args = append(args, values...)
	}

	return Expr{SQL: strings.Join(clauses, " AND "), Args: args}
}

// IsEmpty reports whether the condition has no content.
func IsEmpty(c Condition) bool {
	return c == nil || c.empty()
}

// CollapseCondition turns a condition into a single SQL fragment with
// positional arguments. An empty condition collapses to the always true "1".
func CollapseCondition(c Condition) Expr {
	if IsEmpty(c) {
		return Expr{SQL: "1"}
	}
	return c.collapse()
}

// MergeConditions collapses every non-empty condition and joins them with AND.
// A single condition is returned collapsed but otherwise untouched.
func MergeConditions(conditions ...Condition) Expr {
	if len(conditions) == 1 {
		if IsEmpty(conditions[0]) {
			return Expr{}
		}
		return conditions[0].collapse()
	}

	var (
		fragments []string
		args      []any
	)
	for _, c := range conditions {
		if IsEmpty(c) {
			continue
		}
		expr := c.collapse()
		fragments = append(fragments, expr.SQL)
		args = append(args, expr.Args...)
	}

	if len(fragments) == 0 {
		return Expr{}
	}

	return Expr{SQL: "(" + strings.Join(fragments, ") AND (") + ")", Args: args}
}

// BuildCondition returns the WHERE clause for the condition and its arguments.
func BuildCondition(c Condition) (string, []any) {
	expr := CollapseCondition(c)
	return " WHERE (" + expr.SQL + ")", expr.Args
}

func collapseField(field string, value any) (string, []any) {
	quoted := QuoteIdentifier(field)

	if isNil(value) {
		return quoted + " IS NULL", nil
	}

	if list, ok := listValues(value); ok {
		if len(list) == 0 {
			return "FALSE", nil
		}
		list = normalizeList(list)
		return quoted + " IN (" + Placeholders(len(list)) + ")", list
	}

	return quoted + " = ?", []any{value}
}

func isNil(value any) bool {
	if value == nil {
		return true
	}
	rv := reflect.ValueOf(value)
	switch rv.Kind() {
	case reflect.Pointer, reflect.Map, reflect.Interface:
		return rv.IsNil()
	}
	return false
}

// listValues expands slice and array values. []byte is a scalar for the driver.
func listValues(value any) ([]any, bool) {
	switch v := value.(type) {
	case []byte:
		return nil, false
	case []any:
		return v, true
	case []string:
		out := make([]any, len(v))
		for i, s := range v {
			out[i] = s
		}
		return out, true
	case []int:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	case []int64:
		out := make([]any, len(v))
		for i, n := range v {
			out[i] = n
		}
		return out, true
	}

	rv := reflect.ValueOf(value)
	if rv.Kind() != reflect.Slice && rv.Kind() != reflect.Array {
		return nil, false
	}

	out := make([]any, rv.Len())
	for i := 0; i < rv.Len(); i++ {
		out[i] = rv.Index(i).Interface()
	}
	return out, true
}

// normalizeList works around MySQL bug #64791: never mix data types inside IN().
// When integers and other values are mixed, every integer is cast to a string.
func normalizeList(values []any) []any {
	var hasInt, hasOther bool
	for _, v := range values {
		if isInteger(v) {
			hasInt = true
		} else {
			hasOther = true
		}
	}

	if !hasInt || !hasOther {
		return values
	}

	out := make([]any, len(values))
	for i, v := range values {
		if isInteger(v) {
			out[i] = formatInteger(v)
		} else {
			out[i] = v
		}
	}
	return out
}

func isInteger(v any) bool {
	switch v.(type) {
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return true
	}
	return false
}

func formatInteger(v any) string {
	rv := reflect.ValueOf(v)
	switch rv.Kind() {
	case reflect.Uint, reflect.Uint8, reflect.Uint16, reflect.Uint32, reflect.Uint64:
		return strconv.FormatUint(rv.Uint(), 10)
	default:
		return strconv.FormatInt(rv.Int(), 10)
	}
}
