package dba

import "strings"

// QuoteIdentifier quotes a table or field name with backquotes.
func QuoteIdentifier(identifier string) string {
	return "`" + strings.ReplaceAll(identifier, "`", "``") + "`"
}

// Table is a table name with an optional schema.
type Table struct {
	Schema string
	Name   string
}

// ParseTable splits "schema.table" on the first dot. Friendica table names
// never contain dots, so a plain name has no schema.
func ParseTable(table string) Table {
	if schema, name, ok := strings.Cut(table, "."); ok {
		return Table{Schema: schema, Name: name}
	}
	return Table{Name: table}
}

// String returns the quoted table reference.
func (t Table) String() string {
	if t.Schema == "" {
		return QuoteIdentifier(t.Name)
	}
	return QuoteIdentifier(t.Schema) + "." + QuoteIdentifier(t.Name)
}

// BuildTableString quotes every table and joins them for a FROM clause.
func BuildTableString(tables ...string) string {
	quoted := make([]string, 0, len(tables))
	for _, t := range tables {
		quoted = append(quoted, ParseTable(t).String())
	}
	return strings.Join(quoted, ", ")
}

// QuoteIdentifiers quotes and comma-joins a list of field names.
func QuoteIdentifiers(fields []string) string {
	quoted := make([]string, len(fields))
	for i, f := range fields {
		quoted[i] = QuoteIdentifier(f)
	}
	return strings.Join(quoted, ", ")
}

// Placeholders returns n comma separated "?" placeholders.
func Placeholders(n int) string {
	if n <= 0 {
		return ""
	}
	return strings.TrimSuffix(strings.Repeat("?, ", n), ", ")
}
