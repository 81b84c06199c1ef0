package dbstructure

import (
	"fmt"
	"path/filepath"
	"slices"
	"strings"

	"github.com/spf13/afero"
)

// docTable is a padded markdown table.
type docTable struct {
	rows [][]string
}

func (d *docTable) add(cells ...string) {
	d.rows = append(d.rows, cells)
}

func (d *docTable) String() string {
	if len(d.rows) == 0 {
		return ""
	}

	widths := make([]int, len(d.rows[0]))
	for _, row := range d.rows {
		for i, cell := range row {
			widths[i] = max(widths[i], len(cell))
		}
	}

	var b strings.Builder
	for n, row := range d.rows {
		cells := make([]string, len(row))
		for i, cell := range row {
			cells[i] = cell + strings.Repeat(" ", widths[i]-len(cell))
		}
		b.WriteString("| " + strings.Join(cells, " | ") + " |\n")

		if n == 0 {
			for i := range cells {
				cells[i] = strings.Repeat("-", widths[i])
			}
			b.WriteString("| " + strings.Join(cells, " | ") + " |\n")
		}
	}
	return b.String()
}

// Markdown documents a table of the definition.
func (d *Definition) Markdown(name string) (string, error) {
	table, ok := d.Table(name)
	if !ok {
		return "", fmt.Errorf("%w: %s", ErrUnknownTable, name)
	}

	var b strings.Builder
	fmt.Fprintf(&b, "Table %s\n%s\n\n", table.Name, strings.Repeat("=", len("Table "+table.Name)))
	if table.Comment != "" {
		fmt.Fprintf(&b, "%s\n\n", table.Comment)
	}

	fields := &docTable{}
	fields.add("Field", "Description", "Type", "Null", "Key", "Default", "Extra")

	type target struct{ field, table, column string }
	var targets []target

	for _, f := range table.Fields {
		null := "YES"
		if f.NotNull {
			null = "NO"
		}
		key := ""
		if f.Primary {
			key = "PRI"
		}
		def := "NULL"
		if f.Default != nil {
			def = *f.Default
		}
		fields.add(f.Name, f.Comment, f.Type, null, key, def, f.Extra)

		switch {
		case f.Foreign != nil:
			targets = append(targets, target{f.Name, f.Foreign.Table, f.Foreign.Field})
		case len(f.Relation) > 0:
			for _, t := range sortedKeys(f.Relation) {
				targets = append(targets, target{f.Name, t, f.Relation[t]})
			}
		}
	}

	b.WriteString("Fields\n------\n\n")
	b.WriteString(fields.String())

	if len(table.Indexes) > 0 {
		indexes := &docTable{}
		indexes.add("Name", "Fields")
		for _, idx := range table.Indexes {
			indexes.add(idx.Name, strings.Join(idx.Parts(), ", "))
		}
		b.WriteString("\nIndexes\n------------\n\n")
		b.WriteString(indexes.String())
	}

	if len(targets) > 0 {
		foreign := &docTable{}
		foreign.add("Field", "Target Table", "Target Field")
		for _, t := range targets {
			foreign.add(t.field, "[db_"+t.table+"](help/database/db_"+t.table+")", t.column)
		}
		b.WriteString("\nForeign Keys\n------------\n\n")
		b.WriteString(foreign.String())
	}

	b.WriteString("\nReturn to [database documentation](help/database)\n")
	return b.String(), nil
}

// IndexMarkdown documents all tables, sorted by name.
func (d *Definition) IndexMarkdown() string {
	names := d.Names()
	slices.Sort(names)

	var b strings.Builder
	b.WriteString("Database Tables\n===============\n\n")
	tables := &docTable{}
	tables.add("Table", "Description")
	for _, name := range names {
		t, _ := d.Table(name)
		tables.add("["+name+"](help/database/db_"+name+")", t.Comment)
	}
	b.WriteString(tables.String())
	return b.String()
}

// WriteDocs writes database.md and one db_<table>.md per table into dir.
func (d *Definition) WriteDocs(fs afero.Fs, dir string) error {
	if err := fs.MkdirAll(filepath.Join(dir, "database"), 0o755); err != nil {
		return err
	}

	for _, name := range d.Names() {
		content, err := d.Markdown(name)
		if err != nil {
			return err
		}
		if err := afero.WriteFile(fs, filepath.Join(dir, "database", "db_"+name+".md"), []byte(content), 0o644); err != nil {
			return fmt.Errorf("failed to write documentation of %s: %w", name, err)
		}
	}

	return afero.WriteFile(fs, filepath.Join(dir, "database.md"), []byte(d.IndexMarkdown()), 0o644)
}
