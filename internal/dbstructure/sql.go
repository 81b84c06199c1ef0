package dbstructure

import (
	"fmt"
	"regexp"
	"strings"

	"github.com/friendica/friendica-go/internal/dba"
)

// DefaultCollation is the collation of every table and text column.
const DefaultCollation = "utf8mb4_general_ci"

// CreateTableSQL returns the CREATE TABLE statement of a table, without the
// trailing semicolon.
func CreateTableSQL(t *Table) string {
	var rows []string

	for _, f := range t.Fields {
		rows = append(rows, dba.QuoteIdentifier(f.Name)+" "+FieldCommand(f))
	}

	for _, idx := range t.Indexes {
		rows = append(rows, IndexCommand(idx, ""))
	}

	for _, f := range t.Fields {
		if f.Foreign != nil {
			rows = append(rows, ForeignCommand(f))
		}
	}

	var b strings.Builder
	fmt.Fprintf(&b, "CREATE TABLE IF NOT EXISTS `%s` (\n\t", dba.Escape(t.Name))
	b.WriteString(strings.Join(rows, ",\n\t"))
	b.WriteString("\n)")
	if t.Engine != "" {
		b.WriteString(" ENGINE=" + t.Engine)
	}
	b.WriteString(" DEFAULT COLLATE " + DefaultCollation)
	if t.Comment != "" {
		b.WriteString(" COMMENT='" + dba.Escape(t.Comment) + "'")
	}
	return b.String()
}

// FieldCommand renders the column definition of a field.
func FieldCommand(f *Field) string {
	var b strings.Builder
	b.WriteString(f.Type)

	if f.Collation != nil && *f.Collation != "" {
		b.WriteString(" COLLATE " + *f.Collation)
	}

	if f.NotNull {
		b.WriteString(" NOT NULL")
	}

	if f.Default != nil {
		if strings.Contains(strings.ToLower(f.Type), "int") {
			b.WriteString(" DEFAULT " + *f.Default)
		} else {
			b.WriteString(" DEFAULT '" + *f.Default + "'")
		}
	}

	if f.Extra != "" {
		b.WriteString(" " + f.Extra)
	}

	if f.Comment != "" {
		b.WriteString(" COMMENT '" + dba.Escape(f.Comment) + "'")
	}

	return b.String()
}

var indexLength = regexp.MustCompile(`^(.+)\((\d+)\)$`)

// IndexCommand renders an index. The method is either "ADD" for ALTER
// statements or empty inside CREATE TABLE.
func IndexCommand(idx *Index, method string) string {
	method = strings.ToUpper(strings.TrimSpace(method))
	if idx.Kind != "" {
		method += " " + idx.Kind
	}

	names := make([]string, len(idx.Columns))
	for i, column := range idx.Columns {
		if m := indexLength.FindStringSubmatch(column); m != nil {
			names[i] = "`" + dba.Escape(m[1]) + "`(" + m[2] + ")"
		} else {
			names[i] = "`" + dba.Escape(column) + "`"
		}
	}

	if idx.Name == "PRIMARY" {
		return fmt.Sprintf("%s PRIMARY KEY(%s)", method, strings.Join(names, ","))
	}
	return fmt.Sprintf("%s INDEX `%s` (%s)", method, dba.Escape(idx.Name), strings.Join(names, ","))
}

// ConstraintName is the name of the foreign key constraint of a field.
func ConstraintName(table string, f *Field) string {
	return table + "-" + f.Name + "-" + f.Foreign.Table + "-" + f.Foreign.Field
}

// ForeignCommand renders the foreign key clause of a field.
func ForeignCommand(f *Field) string {
	onUpdate := "RESTRICT"
	if f.Foreign.OnUpdate != "" {
		onUpdate = strings.ToUpper(f.Foreign.OnUpdate)
	}
	onDelete := "CASCADE"
	if f.Foreign.OnDelete != "" {
		onDelete = strings.ToUpper(f.Foreign.OnDelete)
	}

	return fmt.Sprintf("FOREIGN KEY (`%s`) REFERENCES `%s` (`%s`) ON UPDATE %s ON DELETE %s",
		f.Name, f.Foreign.Table, f.Foreign.Field, onUpdate, onDelete)
}

func dropIndex(name string) string {
	return fmt.Sprintf("DROP INDEX `%s`", dba.Escape(name))
}

func addTableField(f *Field) string {
	return fmt.Sprintf("ADD `%s` %s", dba.Escape(f.Name), FieldCommand(f))
}

func modifyTableField(f *Field) string {
	return fmt.Sprintf("MODIFY `%s` %s", dba.Escape(f.Name), FieldCommand(f))
}

func addForeignKey(f *Field) string {
	return "ADD " + ForeignCommand(f)
}

func dropForeignKey(constraint string) string {
	return fmt.Sprintf("DROP FOREIGN KEY `%s`", constraint)
}
