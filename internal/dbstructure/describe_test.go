package dbstructure

import (
	"testing"

	"github.com/spf13/afero"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"
)

func TestMarkdown(t *testing.T) {
	def := mustParse(t, verbYAML)

	doc, err := def.Markdown("verb")
	require.NoError(t, err)

	assert.Contains(t, doc, "Table verb\n==========\n\nActivity Verbs\n\n")
	assert.Contains(t, doc, "| id    |             | smallint unsigned | NO   | PRI | NULL    | auto_increment |\n")
	assert.Contains(t, doc, "| name  |             | varchar(100)      | NO   |     |         |                |\n")
	assert.Contains(t, doc, "| Name    | Fields |\n| ------- | ------ |\n| PRIMARY | id     |\n| name    | name   |\n")
	assert.NotContains(t, doc, "Foreign Keys")
	assert.Contains(t, doc, "Return to [database documentation](help/database)")

	_, err = def.Markdown("unknown")
	assert.ErrorIs(t, err, ErrUnknownTable)
}

func TestMarkdownForeignKeys(t *testing.T) {
	def, err := Default()
	require.NoError(t, err)

	doc, err := def.Markdown("post-engagement")
	require.NoError(t, err)
	assert.Contains(t, doc, "Foreign Keys\n------------\n\n")
	assert.Contains(t, doc, "| uri-id   | [db_item-uri](help/database/db_item-uri) | id           |")
	assert.Contains(t, doc, "| searchtext | FULLTEXT, searchtext |")
}

func TestWriteDocs(t *testing.T) {
	fs := afero.NewMemMapFs()
	def := mustParse(t, verbYAML)

	require.NoError(t, def.WriteDocs(fs, "/doc"))

	ok, err := afero.Exists(fs, "/doc/database/db_verb.md")
	require.NoError(t, err)
	assert.True(t, ok)

	index, err := afero.ReadFile(fs, "/doc/database.md")
	require.NoError(t, err)
	assert.Contains(t, string(index), "| [verb](help/database/db_verb) | Activity Verbs |")
}
