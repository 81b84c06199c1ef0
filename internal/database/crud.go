package database

import (
	"context"
	"errors"
	"fmt"
	"math"
	"strconv"
	"strings"

	"github.com/friendica/friendica-go/internal/dba"
)

// InsertMode selects how Insert treats duplicate keys.
type InsertMode int

const (
	// InsertDefault fails on duplicates.
	InsertDefault InsertMode = iota
	// InsertIgnore silently skips duplicates.
	InsertIgnore
	// InsertUpdate updates the existing row with the given fields.
	InsertUpdate
)

// CountOptions selects the counted expression.
type CountOptions struct {
	Expression string
	Distinct   bool
}

// Exists reports whether a row matches the condition. An empty condition
// checks whether the table exists.
func (d *Database) Exists(ctx context.Context, table string, cond dba.Condition) (bool, error) {
	if table == "" {
		return false, nil
	}

	if dba.IsEmpty(cond) {
		return d.ExistsTable(ctx, table)
	}

	var fields []string
	if f, ok := cond.(dba.Fields); ok {
		fields = f.Keys()[:1]
	}

	rows, err := d.Select(ctx, table, fields, cond, dba.Params{Limit: 1})
	if err != nil {
		return false, err
	}
	defer rows.Close()

	found := rows.Next()
	return found, rows.Err()
}

// ExistsTable reports whether the table exists in its schema, the current
// database by default.
func (d *Database) ExistsTable(ctx context.Context, table string) (bool, error) {
	t := dba.ParseTable(table)
	if t.Name == "" {
		return false, nil
	}

	schema := t.Schema
	if schema == "" {
		name, err := d.DatabaseName(ctx)
		if err != nil {
			return false, err
		}
		schema = name
	}

	return d.Exists(ctx, "information_schema.tables", dba.Fields{
		"table_schema": schema,
		"table_name":   t.Name,
	})
}

// FetchFirst returns the first row of a statement.
func (d *Database) FetchFirst(ctx context.Context, query string, args ...any) (Row, error) {
	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rows.Row()
}

// Insert adds a row.
func (d *Database) Insert(ctx context.Context, table string, fields dba.Fields, mode InsertMode) (Result, error) {
	if table == "" || len(fields) == 0 {
		d.log.Info("Table and fields have to be set")
		return Result{}, ErrEmptyArguments
	}

	fields = dba.Fields(d.CastFields(table, fields))
	keys := fields.Keys()

	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = fields[k]
	}

	verb := "INSERT INTO "
	if mode == InsertIgnore {
		verb = "INSERT IGNORE INTO "
	}

	query := verb + dba.BuildTableString(table) +
		" (" + dba.QuoteIdentifiers(keys) + ") VALUES (" + dba.Placeholders(len(keys)) + ")"

	if mode == InsertUpdate {
		query += " ON DUPLICATE KEY UPDATE " + assignments(keys)
		values = append(values, values...)
	}

	return d.Exec(ctx, query, values...)
}

// Replace inserts a row or replaces the one with the same unique key.
func (d *Database) Replace(ctx context.Context, table string, fields dba.Fields) (Result, error) {
	if table == "" || len(fields) == 0 {
		d.log.Info("Table and fields have to be set")
		return Result{}, ErrEmptyArguments
	}

	fields = dba.Fields(d.CastFields(table, fields))
	keys := fields.Keys()

	values := make([]any, len(keys))
	for i, k := range keys {
		values[i] = fields[k]
	}

	query := "REPLACE " + dba.BuildTableString(table) +
		" (" + dba.QuoteIdentifiers(keys) + ") VALUES (" + dba.Placeholders(len(keys)) + ")"

	return d.Exec(ctx, query, values...)
}

type updateOptions struct {
	old             dba.Fields
	compareExisting bool
	insertIfMissing bool
}

// UpdateOption changes how Update compares and writes.
type UpdateOption func(*updateOptions)

// OnlyChanged skips fields whose value in old is set and equal to the new one.
func OnlyChanged(old map[string]any) UpdateOption {
	return func(o *updateOptions) { o.old = old }
}

// CompareExisting reads the current row and only writes changed fields.
// Use it for conditions that match a single row.
func CompareExisting() UpdateOption {
	return func(o *updateOptions) { o.compareExisting = true }
}

// InsertIfMissing compares like CompareExisting and replaces the row with
// the condition and fields when it doesn't exist. The fields must then be
// complete.
func InsertIfMissing() UpdateOption {
	return func(o *updateOptions) {
		o.compareExisting = true
		o.insertIfMissing = true
	}
}

// Update changes the matching rows. Nothing is written when no field changed.
func (d *Database) Update(ctx context.Context, table string, fields dba.Fields, cond dba.Condition, opts ...UpdateOption) error {
	if table == "" || len(fields) == 0 || dba.IsEmpty(cond) {
		d.log.Info("Table, fields and condition have to be set")
		return ErrEmptyArguments
	}

	var o updateOptions
	for _, opt := range opts {
		opt(&o)
	}

	old := o.old
	if o.compareExisting {
		row, err := d.SelectFirst(ctx, table, nil, cond, dba.Params{})
		switch {
		case errors.Is(err, ErrNotFound):
			if o.insertIfMissing {
				values := dba.Fields{}
				if c, ok := cond.(dba.Fields); ok {
					for k, v := range c {
						values[k] = v
					}
				}
				for k, v := range fields {
					values[k] = v
				}
				_, err := d.Replace(ctx, table, values)
				return err
			}
			old = nil
		case err != nil:
			return err
		default:
			old = dba.Fields(row)
		}
	}

	changed := make(dba.Fields, len(fields))
	for name, value := range fields {
		if content, ok := old[name]; ok && content != nil && looseEqual(value, content) {
			continue
		}
		changed[name] = value
	}

	if len(changed) == 0 {
		return nil
	}

	changed = dba.Fields(d.CastFields(table, changed))
	keys := changed.Keys()

	args := make([]any, 0, len(keys))
	for _, k := range keys {
		args = append(args, changed[k])
	}

	where, condArgs := dba.BuildCondition(cond)
	args = append(args, condArgs...)

	query := "UPDATE " + dba.BuildTableString(table) + " SET " + assignments(keys) + where

	_, err := d.Exec(ctx, query, args...)
	return err
}

// Select returns the matching rows. No fields select all columns.
func (d *Database) Select(ctx context.Context, table string, fields []string, cond dba.Condition, params dba.Params) (*Rows, error) {
	if table == "" {
		return nil, ErrEmptyArguments
	}

	selection := "*"
	if len(fields) > 0 {
		selection = dba.QuoteIdentifiers(fields)
	}

	where, args := dba.BuildCondition(cond)
	query := "SELECT " + selection + " FROM " + dba.BuildTableString(table) + where + dba.BuildParameter(params)

	rows, err := d.Query(ctx, query, args...)
	if err != nil {
		return nil, err
	}
	if dba.ParseTable(table).Schema == "" {
		rows.table = table
	}
	return rows, nil
}

// SelectFirst returns the first matching row or ErrNotFound.
func (d *Database) SelectFirst(ctx context.Context, table string, fields []string, cond dba.Condition, params dba.Params) (Row, error) {
	params.Limit = 1

	rows, err := d.Select(ctx, table, fields, cond, params)
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	if !rows.Next() {
		if err := rows.Err(); err != nil {
			return nil, err
		}
		return nil, ErrNotFound
	}
	return rows.Row()
}

// SelectToArray returns all matching rows.
func (d *Database) SelectToArray(ctx context.Context, table string, fields []string, cond dba.Condition, params dba.Params) ([]Row, error) {
	rows, err := d.Select(ctx, table, fields, cond, params)
	if err != nil {
		return nil, err
	}
	return rows.All(0)
}

// Count returns the number of matching rows.
func (d *Database) Count(ctx context.Context, table string, cond dba.Condition, opts CountOptions) (int64, error) {
	if table == "" {
		return 0, ErrEmptyArguments
	}

	expression := "*"
	switch {
	case opts.Expression == "":
	case opts.Distinct:
		expression = "DISTINCT " + dba.QuoteIdentifier(opts.Expression)
	default:
		expression = dba.QuoteIdentifier(opts.Expression)
	}

	where, args := dba.BuildCondition(cond)
	query := "SELECT COUNT(" + expression + ") AS `count` FROM " + dba.BuildTableString(table) + where

	row, err := d.FetchFirst(ctx, query, args...)
	if err != nil {
		return 0, err
	}
	return row.Int("count"), nil
}

// Processlist summarizes the states of the running server threads.
type Processlist struct {
	List   string
	Amount int
}

var idleStates = map[string]bool{"": true, "init": true, "statistics": true, "updating": true}

// Processlist counts the busy server threads per state.
func (d *Database) Processlist(ctx context.Context) (Processlist, error) {
	rows, err := d.Query(ctx, "SHOW PROCESSLIST")
	if err != nil {
		return Processlist{}, err
	}
	all, err := rows.All(0)
	if err != nil {
		return Processlist{}, err
	}

	var (
		order  []string
		counts = map[string]int{}
		amount int
	)
	for _, row := range all {
		state := strings.TrimSpace(row.String("State"))
		if idleStates[state] {
			continue
		}
		if _, ok := counts[state]; !ok {
			order = append(order, state)
		}
		counts[state]++
		amount++
	}

	parts := make([]string, len(order))
	for i, state := range order {
		parts[i] = state + ": " + strconv.Itoa(counts[state])
	}

	return Processlist{List: strings.Join(parts, ", "), Amount: amount}, nil
}

// GetVariable returns a global server variable.
func (d *Database) GetVariable(ctx context.Context, name string) (string, error) {
	row, err := d.FetchFirst(ctx, "SHOW GLOBAL VARIABLES WHERE `Variable_name` = ?", name)
	if err != nil {
		return "", err
	}
	return row.String("Value"), nil
}

// CastFields converts the values of integer and floating point columns of a
// known table to int64 and float64.
func (d *Database) CastFields(table string, fields map[string]any) map[string]any {
	if len(fields) == 0 || d.definition == nil {
		return fields
	}

	types := d.definition.FieldTypes(table)
	if len(types) == 0 {
		return fields
	}

	out := make(map[string]any, len(fields))
	for field, content := range fields {
		out[field] = content

		typ, ok := types[field]
		if content == nil || !ok {
			continue
		}

		switch {
		case isIntegerType(typ):
			out[field] = toInt(content)
		case strings.HasPrefix(typ, "float"), strings.HasPrefix(typ, "double"):
			out[field] = toFloat(content)
		}
	}
	return out
}

// Escape escapes a string for a quoted SQL literal.
func (d *Database) Escape(s string) string {
	return dba.Escape(s)
}

// EscapeArray escapes every value, see dba.EscapeArray.
func (d *Database) EscapeArray(values []any, quote bool) []string {
	return dba.EscapeArray(values, quote)
}

func assignments(keys []string) string {
	parts := make([]string, len(keys))
	for i, k := range keys {
		parts[i] = dba.QuoteIdentifier(k) + " = ?"
	}
	return strings.Join(parts, ", ")
}

func isIntegerType(typ string) bool {
	for _, prefix := range []string{"tinyint", "smallint", "mediumint", "int", "bigint", "boolean"} {
		if strings.HasPrefix(typ, prefix) {
			return true
		}
	}
	return false
}

func toInt(v any) any {
	switch t := v.(type) {
	case int64:
		return t
	case int:
		return int64(t)
	case int8:
		return int64(t)
	case int16:
		return int64(t)
	case int32:
		return int64(t)
	case uint:
		return int64(t)
	case uint8:
		return int64(t)
	case uint16:
		return int64(t)
	case uint32:
		return int64(t)
	case uint64:
		if t > math.MaxInt64 {
			return t
		}
		return int64(t)
	case bool:
		if t {
			return int64(1)
		}
		return int64(0)
	case float32:
		return int64(t)
	case float64:
		return int64(t)
	}
	s := strings.TrimSpace(fmt.Sprint(stringValue(v)))
	if n, err := strconv.ParseInt(s, 10, 64); err == nil {
		return n
	}
	if f, err := strconv.ParseFloat(s, 64); err == nil {
		return int64(f)
	}
	return int64(0)
}

func toFloat(v any) any {
	switch t := v.(type) {
	case float64:
		return t
	case float32:
		return float64(t)
	case int64:
		return float64(t)
	case int:
		return float64(t)
	}
	f, err := strconv.ParseFloat(strings.TrimSpace(fmt.Sprint(stringValue(v))), 64)
	if err != nil {
		return float64(0)
	}
	return f
}

func stringValue(v any) any {
	if b, ok := v.([]byte); ok {
		return string(b)
	}
	return v
}

// looseEqual compares a new value with a stored one the way the stored
// row renders it: 1 equals "1" and true.
func looseEqual(a, b any) bool {
	return looseString(a) == looseString(b)
}

func looseString(v any) string {
	switch t := v.(type) {
	case bool:
		if t {
			return "1"
		}
		return "0"
	case []byte:
		return string(t)
	case string:
		return t
	case float32:
		return strconv.FormatFloat(float64(t), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(t, 'f', -1, 64)
	}
	return fmt.Sprint(v)
}
