// Package dbstructure holds the declarative database structure and keeps a
// live MySQL/MariaDB schema in line with it.
package dbstructure

import (
	_ "embed"
	"errors"
	"fmt"
	"regexp"
	"strconv"
	"unicode/utf8"

	"github.com/spf13/afero"
	"gopkg.in/yaml.v3"

	"github.com/friendica/friendica-go/internal/database"
)

//go:embed dbstructure.yaml
var bundled []byte

// ErrUnknownTable is returned for tables missing from the definition.
var ErrUnknownTable = errors.New("table not defined")

// Definition is the ordered list of tables of the database structure.
type Definition struct {
	Version int
	Tables  []*Table

	byName map[string]*Table
}

// Table describes a single table.
type Table struct {
	Name    string
	Comment string
	Engine  string
	Fields  []*Field
	Indexes []*Index
}

// Field describes a table column.
type Field struct {
	Name      string            `yaml:"-"`
	Type      string            `yaml:"type"`
	NotNull   bool              `yaml:"not_null"`
	Extra     string            `yaml:"extra"`
	Primary   bool              `yaml:"primary"`
	Default   *string           `yaml:"default"`
	Comment   string            `yaml:"comment"`
	Collation *string           `yaml:"collation"`
	Relation  map[string]string `yaml:"relation"`
	Foreign   *ForeignKey       `yaml:"foreign"`
}

// ForeignKey references the field of another table.
type ForeignKey struct {
	Table    string `yaml:"table"`
	Field    string `yaml:"field"`
	OnUpdate string `yaml:"on_update"`
	OnDelete string `yaml:"on_delete"`
}

// Index is a table index. Kind is empty, UNIQUE or FULLTEXT.
type Index struct {
	Name    string
	Kind    string
	Columns []string
}

// Parts returns the kind followed by the columns, the way SHOW INDEX is
// folded during introspection.
func (i *Index) Parts() []string {
	if i.Kind == "" {
		return i.Columns
	}
	return append([]string{i.Kind}, i.Columns...)
}

type document struct {
	Version int       `yaml:"version"`
	Tables  yaml.Node `yaml:"tables"`
}

type tableDocument struct {
	Comment string    `yaml:"comment"`
	Engine  string    `yaml:"engine"`
	Fields  yaml.Node `yaml:"fields"`
	Indexes yaml.Node `yaml:"indexes"`
}

// Default returns the bundled definition.
func Default() (*Definition, error) {
	return Parse(bundled)
}

// Load reads a definition file. An empty path loads the bundled one.
func Load(fs afero.Fs, path string) (*Definition, error) {
	if path == "" {
		return Default()
	}

	data, err := afero.ReadFile(fs, path)
	if err != nil {
		return nil, fmt.Errorf("missing database structure file %s: %w", path, err)
	}
	return Parse(data)
}

// Parse decodes a YAML definition, keeping the order of tables, fields and
// indexes.
func Parse(data []byte) (*Definition, error) {
	var doc document
	if err := yaml.Unmarshal(data, &doc); err != nil {
		return nil, fmt.Errorf("corrupted database structure: %w", err)
	}

	def := &Definition{Version: doc.Version, byName: map[string]*Table{}}

	tables, err := pairs(&doc.Tables)
	if err != nil {
		return nil, fmt.Errorf("tables: %w", err)
	}
	if len(tables) == 0 {
		return nil, errors.New("corrupted database structure: no tables defined")
	}

	for _, kv := range tables {
		table, err := parseTable(kv[0].Value, kv[1])
		if err != nil {
			return nil, err
		}
		if _, ok := def.byName[table.Name]; ok {
			return nil, fmt.Errorf("table %s is defined twice", table.Name)
		}
		def.Tables = append(def.Tables, table)
		def.byName[table.Name] = table
	}

	return def, nil
}

func parseTable(name string, node *yaml.Node) (*Table, error) {
	var doc tableDocument
	if err := node.Decode(&doc); err != nil {
		return nil, fmt.Errorf("table %s: %w", name, err)
	}

	table := &Table{Name: name, Comment: doc.Comment, Engine: doc.Engine}

	fields, err := pairs(&doc.Fields)
	if err != nil {
		return nil, fmt.Errorf("table %s fields: %w", name, err)
	}
	for _, kv := range fields {
		field := &Field{}
		if err := kv[1].Decode(field); err != nil {
			return nil, fmt.Errorf("table %s field %s: %w", name, kv[0].Value, err)
		}
		if field.Type == "" {
			return nil, fmt.Errorf("table %s field %s: missing type", name, kv[0].Value)
		}
		field.Name = kv[0].Value
		table.Fields = append(table.Fields, field)
	}

	indexes, err := pairs(&doc.Indexes)
	if err != nil {
		return nil, fmt.Errorf("table %s indexes: %w", name, err)
	}
	for _, kv := range indexes {
		var columns []string
		if err := kv[1].Decode(&columns); err != nil {
			return nil, fmt.Errorf("table %s index %s: %w", name, kv[0].Value, err)
		}
		index := &Index{Name: kv[0].Value}
		if len(columns) > 0 && (columns[0] == "UNIQUE" || columns[0] == "FULLTEXT") {
			index.Kind, columns = columns[0], columns[1:]
		}
		if len(columns) == 0 {
			return nil, fmt.Errorf("table %s index %s: no columns", name, kv[0].Value)
		}
		index.Columns = columns
		table.Indexes = append(table.Indexes, index)
	}

	return table, nil
}

// pairs returns the key/value nodes of a mapping in document order.
func pairs(node *yaml.Node) ([][2]*yaml.Node, error) {
	if node.Kind == 0 {
		return nil, nil
	}
	if node.Kind != yaml.MappingNode {
		return nil, fmt.Errorf("line %d: expected a mapping", node.Line)
	}

	result := make([][2]*yaml.Node, 0, len(node.Content)/2)
	for i := 0; i+1 < len(node.Content); i += 2 {
		result = append(result, [2]*yaml.Node{node.Content[i], node.Content[i+1]})
	}
	return result, nil
}

// Table returns the named table.
func (d *Definition) Table(name string) (*Table, bool) {
	t, ok := d.byName[name]
	return t, ok
}

// Names returns the table names in definition order.
func (d *Definition) Names() []string {
	names := make([]string, len(d.Tables))
	for i, t := range d.Tables {
		names[i] = t.Name
	}
	return names
}

// Field returns the named field.
func (t *Table) Field(name string) (*Field, bool) {
	for _, f := range t.Fields {
		if f.Name == name {
			return f, true
		}
	}
	return nil, false
}

// Index returns the named index.
func (t *Table) Index(name string) (*Index, bool) {
	for _, i := range t.Indexes {
		if i.Name == name {
			return i, true
		}
	}
	return nil, false
}

// Relations maps a referenced table and field to the fields of other
// tables that point to it.
func (d *Definition) Relations() database.Relations {
	relations := database.Relations{}
	for _, table := range d.Tables {
		for _, field := range table.Fields {
			for relTable, relField := range field.Relation {
				if relations[relTable] == nil {
					relations[relTable] = map[string]map[string][]string{}
				}
				if relations[relTable][relField] == nil {
					relations[relTable][relField] = map[string][]string{}
				}
				relations[relTable][relField][table.Name] = append(relations[relTable][relField][table.Name], field.Name)
			}
		}
	}
	return relations
}

// FieldTypes returns the column types of a table.
func (d *Definition) FieldTypes(table string) map[string]string {
	t, ok := d.byName[table]
	if !ok {
		return nil
	}

	types := make(map[string]string, len(t.Fields))
	for _, f := range t.Fields {
		types[f.Name] = f.Type
	}
	return types
}

var (
	charLength   = regexp.MustCompile(`char\((\d*)\)`)
	binaryLength = regexp.MustCompile(`binary\((\d*)\)`)
)

// GetFieldsForTable keeps the non-nil values of data that belong to the
// table. Strings are cut to the length of char and binary columns.
func (d *Definition) GetFieldsForTable(table string, data map[string]any) map[string]any {
	t, ok := d.byName[table]
	if !ok {
		return map[string]any{}
	}

	fields := map[string]any{}
	for _, f := range t.Fields {
		value, ok := data[f.Name]
		if !ok || value == nil {
			continue
		}

		if s, ok := value.(string); ok {
			if m := charLength.FindStringSubmatch(f.Type); m != nil {
				value = truncateRunes(s, atoi(m[1]))
			} else if m := binaryLength.FindStringSubmatch(f.Type); m != nil {
				value = truncateBytes(s, atoi(m[1]))
			}
		}
		fields[f.Name] = value
	}
	return fields
}

func truncateRunes(s string, n int) string {
	if utf8.RuneCountInString(s) <= n {
		return s
	}
	runes := []rune(s)
	return string(runes[:n])
}

func truncateBytes(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

func atoi(s string) int {
	n, _ := strconv.Atoi(s)
	return n
}
