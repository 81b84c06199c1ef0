package dbstructure

import (
	"slices"
	"strings"

	"github.com/friendica/friendica-go/internal/dba"
)

// Statement is the change set of one table. Queries are executed in order.
type Statement struct {
	Table   string
	Create  bool
	Queries []string
}

// String renders the statement the way it is echoed to the console.
func (s Statement) String() string {
	if s.Create {
		return s.Queries[0] + ";"
	}
	return strings.Join(s.Queries, " ")
}

// DiffOptions control the generated statements.
type DiffOptions struct {
	// Ignore adds IGNORE to ALTER TABLE.
	Ignore bool
}

// AlterIgnore reports whether the server still accepts ALTER IGNORE TABLE.
// MySQL dropped it with 5.7.4, MariaDB keeps it.
func AlterIgnore(serverInfo string) bool {
	return dba.IsMariaDB(serverInfo) || dba.VersionBelow(serverInfo, "5.7.4")
}

// Diff compares the definition with the live tables. Missing tables are
// created, existing ones altered. Tables that only exist in the database are
// left alone.
func Diff(def *Definition, live map[string]*Live, opts DiffOptions) []Statement {
	var statements []Statement
	for _, table := range def.Tables {
		current, ok := live[table.Name]
		if !ok {
			statements = append(statements, Statement{
				Table:   table.Name,
				Create:  true,
				Queries: []string{CreateTableSQL(table)},
			})
			continue
		}

		if queries := DiffTable(table, current, opts); len(queries) > 0 {
			statements = append(statements, Statement{Table: table.Name, Queries: queries})
		}
	}
	return statements
}

// alter collects the clauses of one ALTER TABLE statement.
type alter struct {
	prefix  string
	clauses []string
}

func (a *alter) add(clause string) {
	a.clauses = append(a.clauses, clause)
}

func (a *alter) String() string {
	if len(a.clauses) == 0 {
		return ""
	}
	return a.prefix + strings.Join(a.clauses, ", ") + ";"
}

// DiffTable returns the ALTER statements that bring an existing table in
// line with its definition. The field collations are changed by a second
// statement after the indexes.
func DiffTable(table *Table, live *Live, opts DiffOptions) []string {
	prefix := "ALTER TABLE `" + table.Name + "` "
	if opts.Ignore {
		prefix = "ALTER IGNORE TABLE `" + table.Name + "` "
	}
	structure := &alter{prefix: prefix}
	collations := &alter{prefix: prefix}

	// Drop indexes that are gone or changed, local ones stay
	for _, idx := range live.Indexes {
		current := strings.Join(idx.Parts(), ",")
		wanted := "__NOT_SET__"
		if def, ok := table.Index(idx.Name); ok {
			wanted = strings.Join(def.Parts(), ",")
		}
		if current != wanted && !strings.HasPrefix(idx.Name, "local_") {
			structure.add(dropIndex(idx.Name))
		}
	}

	// Fields
	for _, field := range table.Fields {
		current, ok := live.Field(field.Name)
		if !ok {
			structure.add(addTableField(field))
			continue
		}

		if fieldSignature(current) != fieldSignature(field) {
			structure.add(modifyTableField(withoutCollation(field)))
		}
	}

	// Indexes
	for _, idx := range table.Indexes {
		current := "__NOT_SET__"
		if existing, ok := live.Index(idx.Name); ok {
			current = strings.Join(existing.Parts(), ",")
		}
		if current != strings.Join(idx.Parts(), ",") {
			structure.add(IndexCommand(idx, "ADD"))
		}
	}

	// Foreign keys
	stale := make(map[string]LiveForeignKey, len(live.ForeignKeys))
	for k, v := range live.ForeignKeys {
		stale[k] = v
	}
	for _, field := range table.Fields {
		if field.Foreign == nil {
			continue
		}
		constraint := ConstraintName(table.Name, field)
		delete(stale, constraint)
		if _, ok := live.ForeignKeys[constraint]; !ok {
			structure.add(addForeignKey(field))
		}
	}
	for _, name := range sortedKeys(stale) {
		structure.add(dropForeignKey(stale[name].Constraint))
	}

	// Table options
	if live.Status != nil {
		if live.Status.Comment != table.Comment {
			structure.add("COMMENT = '" + dba.Escape(table.Comment) + "'")
		}
		if table.Engine != "" && live.Status.Engine != "" && live.Status.Engine != table.Engine {
			structure.add("ENGINE = '" + dba.Escape(table.Engine) + "'")
		}
		if live.Status.Collation != "" && live.Status.Collation != DefaultCollation {
			structure.add("DEFAULT COLLATE " + DefaultCollation)
		}
	}

	// Field collations, added fields already carry theirs
	for _, field := range table.Fields {
		f, ok := live.Field(field.Name)
		if !ok {
			continue
		}
		current := ""
		if f.Collation != nil {
			current = *f.Collation
		}

		wanted := ""
		switch {
		case field.Collation != nil:
			wanted = *field.Collation
		case current != "":
			wanted = DefaultCollation
		}

		if current != wanted {
			changed := withoutCollation(field)
			if wanted != "" {
				changed.Collation = &wanted
			}
			collations.add(modifyTableField(changed))
		}
	}

	var queries []string
	for _, a := range []*alter{structure, collations} {
		if sql := a.String(); sql != "" {
			queries = append(queries, sql)
		}
	}
	return queries
}

// fieldSignature is the comparable form of a field. Relations, foreign keys
// and the collation are not part of it.
func fieldSignature(f *Field) string {
	parts := []string{f.Type}
	if f.NotNull {
		parts = append(parts, "1")
	}
	if f.Default != nil {
		parts = append(parts, *f.Default)
	}
	if f.Extra != "" {
		parts = append(parts, f.Extra)
	}
	if f.Primary {
		parts = append(parts, "1")
	}
	parts = append(parts, f.Comment)
	return dba.CleanQuery(strings.Join(parts, ","))
}

func withoutCollation(f *Field) *Field {
	c := *f
	c.Collation = nil
	return &c
}

func sortedKeys[V any](m map[string]V) []string {
	keys := make([]string, 0, len(m))
	for k := range m {
		keys = append(keys, k)
	}
	slices.Sort(keys)
	return keys
}
