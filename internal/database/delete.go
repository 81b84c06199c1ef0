package database

import (
	"context"
	"fmt"
	"sort"
	"strings"

	"github.com/friendica/friendica-go/internal/dba"
)

// deleteChunkSize is the maximum number of values in one compacted DELETE.
const deleteChunkSize = 100

type deleteOptions struct {
	cascade bool
}

// DeleteOption changes how Delete resolves related rows.
type DeleteOption func(*deleteOptions)

// WithoutCascade only deletes from the given table.
func WithoutCascade() DeleteOption {
	return func(o *deleteOptions) { o.cascade = false }
}

type deleteCommand struct {
	key   string
	table string
	cond  dba.Condition
}

// deletePlan collects the delete commands in the order they were found.
type deletePlan struct {
	commands  []deleteCommand
	index     map[string]int
	callstack map[string]bool
}

func (p *deletePlan) add(cmd deleteCommand) {
	p.index[cmd.key] = len(p.commands)
	p.commands = append(p.commands, cmd)
}

func (p *deletePlan) remove(key string) {
	i, ok := p.index[key]
	if !ok {
		return
	}
	p.commands[i].cond = nil
	delete(p.index, key)
}

// Delete removes the matching rows and returns the number of deleted rows.
// When a definition with relations is set, rows referencing the deleted ones
// are removed as well, all within one transaction.
func (d *Database) Delete(ctx context.Context, table string, cond dba.Condition, opts ...DeleteOption) (int64, error) {
	if table == "" || dba.IsEmpty(cond) {
		d.log.Info("Table and conditions have to be set")
		return 0, ErrEmptyArguments
	}

	o := deleteOptions{cascade: true}
	for _, opt := range opts {
		opt(&o)
	}

	var relations Relations
	if d.definition != nil {
		relations = d.definition.Relations()
	}

	if !o.cascade || len(relations) == 0 {
		where, args := dba.BuildCondition(cond)
		query := "DELETE FROM " + dba.BuildTableString(table) + where
		d.log.Debug(dba.ReplaceParameters(query, args), "callstack", callstack(6))

		res, err := d.Exec(ctx, query, args...)
		return res.RowsAffected, err
	}

	plan := &deletePlan{index: map[string]int{}, callstack: map[string]bool{}}
	if err := d.collectDeletes(ctx, relations, table, cond, plan); err != nil {
		return 0, err
	}

	session := d
	own := !d.InTransaction()
	if own {
		tx, err := d.Transaction(ctx)
		if err != nil {
			return 0, err
		}
		session = tx
	}

	affected, err := session.executePlan(ctx, plan)
	if err != nil {
		if own {
			if rerr := session.Rollback(); rerr != nil {
				d.log.Warn("Rollback failed", "error", rerr)
			}
		}
		return 0, err
	}

	if own {
		if err := session.Commit(); err != nil {
			return 0, err
		}
	}
	return affected, nil
}

// collectDeletes resolves the delete commands for table and its relations.
func (d *Database) collectDeletes(ctx context.Context, relations Relations, table string, cond dba.Condition, plan *deletePlan) error {
	key := table + ":" + conditionKey(cond)
	if plan.callstack[key] {
		return nil
	}
	plan.callstack[key] = true

	plan.add(deleteCommand{key: key, table: table, cond: cond})

	rel, ok := relations[table]
	if !ok || len(rel) == 0 {
		return nil
	}

	// Only a single field relation per table is followed.
	fields := make([]string, 0, len(rel))
	for f := range rel {
		fields = append(fields, f)
	}
	sort.Strings(fields)
	field := fields[0]
	relDef := rel[field]

	if value, ok := singleField(cond, field); ok {
		relTables := make([]string, 0, len(relDef))
		for t := range relDef {
			relTables = append(relTables, t)
		}
		sort.Strings(relTables)

		for _, relTable := range relTables {
			for _, relField := range relDef[relTable] {
				if err := d.collectDeletes(ctx, relations, relTable, dba.Fields{relField: value}, plan); err != nil {
					return err
				}
			}
		}
		return nil
	}

	qkey := field + "-" + key
	if plan.callstack[qkey] {
		return nil
	}
	plan.callstack[qkey] = true

	rows, err := d.Select(ctx, table, []string{field}, cond, dba.Params{})
	if err != nil {
		return err
	}
	found, err := rows.All(0)
	if err != nil {
		return err
	}

	for _, row := range found {
		if err := d.collectDeletes(ctx, relations, table, dba.Fields{field: row[field]}, plan); err != nil {
			return err
		}
	}

	// The delete was split into one command per row.
	plan.remove(key)
	return nil
}

type valueChunk struct {
	seen   map[string]bool
	values []any
}

// executePlan runs multi field deletes directly and compacts single field
// deletes into chunked IN statements.
func (d *Database) executePlan(ctx context.Context, plan *deletePlan) (int64, error) {
	type target struct{ table, field string }

	var (
		affected int64
		order    []target
		chunks   = map[target][]*valueChunk{}
	)

	for _, cmd := range plan.commands {
		if cmd.cond == nil {
			continue
		}

		field, value, ok := compactable(cmd.cond)
		if !ok {
			where, args := dba.BuildCondition(cmd.cond)
			query := "DELETE FROM " + dba.BuildTableString(cmd.table) + where
			d.log.Debug(dba.ReplaceParameters(query, args))

			res, err := d.Exec(ctx, query, args...)
			if err != nil {
				return affected, err
			}
			affected += res.RowsAffected
			continue
		}

		t := target{cmd.table, field}
		list, known := chunks[t]
		if !known {
			order = append(order, t)
		}
		if len(list) == 0 || len(list[len(list)-1].values) >= deleteChunkSize {
			list = append(list, &valueChunk{seen: map[string]bool{}})
		}
		chunk := list[len(list)-1]

		vk := fmt.Sprintf("%T:%v", value, value)
		if !chunk.seen[vk] {
			chunk.seen[vk] = true
			chunk.values = append(chunk.values, value)
		}
		chunks[t] = list
	}

	for _, t := range order {
		for _, chunk := range chunks[t] {
			query := "DELETE FROM " + dba.BuildTableString(t.table) + " WHERE " + dba.QuoteIdentifier(t.field) +
				" IN (" + dba.Placeholders(len(chunk.values)) + ");"
			d.log.Debug(dba.ReplaceParameters(query, chunk.values))

			res, err := d.Exec(ctx, query, chunk.values...)
			if err != nil {
				return affected, err
			}
			affected += res.RowsAffected
		}
	}

	return affected, nil
}

// singleField returns the value of a condition that consists of field only.
func singleField(cond dba.Condition, field string) (any, bool) {
	f, ok := cond.(dba.Fields)
	if !ok || len(f) != 1 {
		return nil, false
	}
	v, ok := f[field]
	return v, ok
}

// compactable reports whether the condition is a single scalar field.
func compactable(cond dba.Condition) (string, any, bool) {
	f, ok := cond.(dba.Fields)
	if !ok || len(f) != 1 {
		return "", nil, false
	}
	for field, value := range f {
		expr := dba.CollapseCondition(dba.Fields{field: value})
		if len(expr.Args) != 1 || !strings.HasSuffix(expr.SQL, " = ?") {
			return "", nil, false
		}
		return field, value, true
	}
	return "", nil, false
}

func conditionKey(cond dba.Condition) string {
	expr := dba.CollapseCondition(cond)
	return expr.SQL + fmt.Sprintf("%v", expr.Args)
}
