package dbstructure

import (
	"context"
	"errors"
	"fmt"
	"strings"
	"sync"

	"golang.org/x/sync/errgroup"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/dba"
)

// introspectLimit bounds the concurrent table introspections.
const introspectLimit = 4

// Live is the structure of an existing table as reported by the server.
type Live struct {
	Name        string
	Fields      []*Field
	Indexes     []*Index
	ForeignKeys map[string]LiveForeignKey
	Status      *TableStatus
}

// LiveForeignKey is a foreign key read from KEY_COLUMN_USAGE.
type LiveForeignKey struct {
	Column           string
	Constraint       string
	ReferencedTable  string
	ReferencedColumn string
}

// TableStatus holds the table options read from information_schema.TABLES.
type TableStatus struct {
	Engine    string
	Collation string
	Comment   string
}

// Field returns the named live field.
func (l *Live) Field(name string) (*Field, bool) {
	for _, f := range l.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Index returns the named live index.
func (l *Live) Index(name string) (*Index, bool) {
	for _, i := range l.Indexes {
		if i.Name == name {
			return i, true
		}
	}
	return nil, false
}

var typeNormalizer = strings.NewReplacer(
	"tinyint(1)", "boolean",
	"tinyint(3) unsigned", "tinyint unsigned",
	"tinyint(4)", "tinyint",
	"smallint(5) unsigned", "smallint unsigned",
	"smallint(6)", "smallint",
	"mediumint(8) unsigned", "mediumint unsigned",
	"mediumint(9)", "mediumint",
	"bigint(20)", "bigint",
	"int(10) unsigned", "int unsigned",
	"int(11)", "int",
)

// NormalizeType maps the display widths reported by older servers to the
// types used in the definition.
func NormalizeType(columnType string) string {
	return typeNormalizer.Replace(columnType)
}

// Introspect reads the structure of a table.
func Introspect(ctx context.Context, db *database.Database, table string) (*Live, error) {
	schema, err := db.DatabaseName(ctx)
	if err != nil {
		return nil, fmt.Errorf("failed to get database name: %w", err)
	}

	live := &Live{Name: table, ForeignKeys: map[string]LiveForeignKey{}}

	// Indexes
	rows, err := db.Query(ctx, "SHOW INDEX FROM "+dba.QuoteIdentifier(table))
	if err != nil {
		return nil, fmt.Errorf("failed to query indexes of %s: %w", table, err)
	}
	indexes, err := rows.All(0)
	if err != nil {
		return nil, fmt.Errorf("failed to read indexes of %s: %w", table, err)
	}
	byName := map[string]*Index{}
	for _, row := range indexes {
		name := row.String("Key_name")
		idx, ok := byName[name]
		if !ok {
			idx = &Index{Name: name}
			if name != "PRIMARY" && row.String("Non_unique") == "0" {
				idx.Kind = "UNIQUE"
			} else if row.String("Index_type") == "FULLTEXT" {
				idx.Kind = "FULLTEXT"
			}
			byName[name] = idx
			live.Indexes = append(live.Indexes, idx)
		}

		column := row.String("Column_name")
		if sub := row.String("Sub_part"); sub != "" {
			column += "(" + sub + ")"
		}
		idx.Columns = append(idx.Columns, column)
	}

	where := dba.Where("`TABLE_SCHEMA` = ? AND `TABLE_NAME` = ?", schema, table)

	// Columns
	columns, err := db.SelectToArray(ctx, "INFORMATION_SCHEMA.COLUMNS",
		[]string{"COLUMN_NAME", "COLUMN_TYPE", "IS_NULLABLE", "COLUMN_DEFAULT", "EXTRA", "COLUMN_KEY", "COLLATION_NAME", "COLUMN_COMMENT"},
		where, dba.Params{})
	if err != nil {
		return nil, fmt.Errorf("failed to query columns of %s: %w", table, err)
	}
	for _, row := range columns {
		field := &Field{
			Name:    row.String("COLUMN_NAME"),
			Type:    NormalizeType(row.String("COLUMN_TYPE")),
			NotNull: row.String("IS_NULLABLE") == "NO",
			Extra:   row.String("EXTRA"),
			Primary: row.String("COLUMN_KEY") == "PRI",
			Comment: row.String("COLUMN_COMMENT"),
		}
		if row.Has("COLUMN_DEFAULT") && row.String("COLUMN_DEFAULT") != "NULL" {
			def := strings.Trim(row.String("COLUMN_DEFAULT"), "'")
			field.Default = &def
		}
		if row.Has("COLLATION_NAME") {
			collation := row.String("COLLATION_NAME")
			field.Collation = &collation
		}
		live.Fields = append(live.Fields, field)
	}

	// Foreign keys
	foreign, err := db.SelectToArray(ctx, "INFORMATION_SCHEMA.KEY_COLUMN_USAGE",
		[]string{"COLUMN_NAME", "CONSTRAINT_NAME", "REFERENCED_TABLE_NAME", "REFERENCED_COLUMN_NAME"},
		dba.Where("`TABLE_SCHEMA` = ? AND `TABLE_NAME` = ? AND `REFERENCED_TABLE_SCHEMA` IS NOT NULL", schema, table),
		dba.Params{})
	if err != nil {
		return nil, fmt.Errorf("failed to query foreign keys of %s: %w", table, err)
	}
	for _, row := range foreign {
		fk := LiveForeignKey{
			Column:           row.String("COLUMN_NAME"),
			Constraint:       row.String("CONSTRAINT_NAME"),
			ReferencedTable:  row.String("REFERENCED_TABLE_NAME"),
			ReferencedColumn: row.String("REFERENCED_COLUMN_NAME"),
		}
		live.ForeignKeys[table+"-"+fk.Column+"-"+fk.ReferencedTable+"-"+fk.ReferencedColumn] = fk
	}

	// Table status
	status, err := db.SelectFirst(ctx, "INFORMATION_SCHEMA.TABLES",
		[]string{"ENGINE", "TABLE_COLLATION", "TABLE_COMMENT"}, where, dba.Params{})
	switch {
	case err == nil:
		live.Status = &TableStatus{
			Engine:    status.String("ENGINE"),
			Collation: status.String("TABLE_COLLATION"),
			Comment:   status.String("TABLE_COMMENT"),
		}
	case !errors.Is(err, database.ErrNotFound):
		return nil, fmt.Errorf("failed to query status of %s: %w", table, err)
	}

	return live, nil
}

// IntrospectAll reads the structure of all given tables concurrently.
func IntrospectAll(ctx context.Context, db *database.Database, tables []string) (map[string]*Live, error) {
	var mu sync.Mutex
	result := make(map[string]*Live, len(tables))

	g, ctx := errgroup.WithContext(ctx)
	g.SetLimit(introspectLimit)

	for _, table := range tables {
		g.Go(func() error {
			live, err := Introspect(ctx, db, table)
			if err != nil {
				return err
			}
			mu.Lock()
			result[table] = live
			mu.Unlock()
			return nil
		})
	}

	if err := g.Wait(); err != nil {
		return nil, err
	}
	return result, nil
}

// ShowTables lists the tables of the current database.
func ShowTables(ctx context.Context, db *database.Database) ([]string, error) {
	rows, err := db.Query(ctx, "SHOW TABLES")
	if err != nil {
		return nil, err
	}
	defer rows.Close()

	var tables []string
	for rows.Next() {
		row, err := rows.Row()
		if err != nil {
			return nil, err
		}
		for _, v := range row {
			tables = append(tables, fmt.Sprint(v))
		}
	}
	return tables, rows.Err()
}
