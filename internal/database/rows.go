package database

import (
	"database/sql"
	"fmt"
	"strconv"
	"strings"
)

// Row is a fetched row keyed by column name. Text columns are strings,
// NULL is nil.
type Row map[string]any

// Has reports whether the column is present and not NULL.
func (r Row) Has(key string) bool {
	v, ok := r[key]
	return ok && v != nil
}

// String returns the column as string, "" for NULL.
func (r Row) String(key string) string {
	switch v := r[key].(type) {
	case nil:
		return ""
	case string:
		return v
	case []byte:
		return string(v)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

// Int returns the column as integer, 0 when it is NULL or not numeric.
func (r Row) Int(key string) int64 {
	switch v := r[key].(type) {
	case int64:
		return v
	case int:
		return int64(v)
	case int32:
		return int64(v)
	case uint64:
		return int64(v)
	case float64:
		return int64(v)
	case bool:
		if v {
			return 1
		}
		return 0
	}

	s := strings.TrimSpace(r.String(key))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return 0
}

// Bool returns true for non-zero numeric columns.
func (r Row) Bool(key string) bool {
	if b, ok := r[key].(bool); ok {
		return b
	}
	return r.Int(key) != 0
}

// Result is the outcome of a write statement.
type Result struct {
	LastInsertID int64
	RowsAffected int64
}

// Inserted reports whether the statement touched a row. For INSERT IGNORE
// this tells a new row from an ignored duplicate.
func (r Result) Inserted() bool {
	return r.RowsAffected != 0
}

func newResult(r sql.Result) Result {
	var res Result
	if r == nil {
		return res
	}
	res.LastInsertID, _ = r.LastInsertId()
	res.RowsAffected, _ = r.RowsAffected()
	return res
}

// Rows is the cursor of a select.
type Rows struct {
	rows    *sql.Rows
	db      *Database
	table   string
	columns []string
}

// Next advances to the next row.
func (r *Rows) Next() bool {
	return r.rows.Next()
}

// Err returns the error of the iteration, if any.
func (r *Rows) Err() error {
	return r.rows.Err()
}

// Close releases the cursor.
func (r *Rows) Close() error {
	return r.rows.Close()
}

// Columns returns the column names.
func (r *Rows) Columns() ([]string, error) {
	if r.columns != nil {
		return r.columns, nil
	}
	cols, err := r.rows.Columns()
	if err != nil {
		return nil, err
	}
	r.columns = cols
	return cols, nil
}

// Row scans the current row. Values of a known table are cast to the types
// of the definition.
func (r *Rows) Row() (Row, error) {
	cols, err := r.Columns()
	if err != nil {
		return nil, err
	}

	values := make([]any, len(cols))
	dest := make([]any, len(cols))
	for i := range values {
		dest[i] = &values[i]
	}
	if err := r.rows.Scan(dest...); err != nil {
		return nil, err
	}

	row := make(Row, len(cols))
	for i, col := range cols {
		if b, ok := values[i].([]byte); ok {
			row[col] = string(b)
			continue
		}
		row[col] = values[i]
	}

	if r.table != "" && r.db != nil {
		return Row(r.db.CastFields(r.table, row)), nil
	}
	return row, nil
}

// All reads up to limit rows (0 for all) and closes the cursor.
func (r *Rows) All(limit int) ([]Row, error) {
	defer r.Close()

	var out []Row
	for r.Next() {
		row, err := r.Row()
		if err != nil {
			return out, err
		}
		out = append(out, row)
		if limit > 0 && len(out) == limit {
			break
		}
	}
	return out, r.Err()
}

// ToArray reads up to limit rows (0 for all) and closes the cursor.
func ToArray(rows *Rows, limit int) ([]Row, error) {
	return rows.All(limit)
}
