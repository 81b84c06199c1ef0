package settings

import (
	"context"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/logger"
)

func newMock(t *testing.T) (*database.Database, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	return database.New(db, database.WithServerInfo("8.0.36"), database.WithLogger(logger.Discard())), mock
}

func TestConfigGet(t *testing.T) {
	ctx := context.Background()
	const query = "SELECT `v` FROM `config` WHERE (`cat` = ? AND `k` = ?) LIMIT 1"

	tests := []struct {
		name  string
		rows  *sqlmock.Rows
		want  string
		found bool
	}{
		{name: "set", rows: sqlmock.NewRows([]string{"v"}).AddRow("1504"), want: "1504", found: true},
		{name: "missing", rows: sqlmock.NewRows([]string{"v"})},
		{name: "null", rows: sqlmock.NewRows([]string{"v"}).AddRow(nil)},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mock := newMock(t)
			mock.ExpectQuery(query).WithArgs("system", "build").WillReturnRows(tt.rows)

			got, found, err := NewConfig(d, logger.Discard()).Get(ctx, "system", "build")
			require.NoError(t, err)
			assert.Equal(t, tt.want, got)
			assert.Equal(t, tt.found, found)
		})
	}
}

func TestConfigSet(t *testing.T) {
	ctx := context.Background()
	const query = "INSERT INTO `config` (`cat`, `k`, `v`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `cat` = ?, `k` = ?, `v` = ?"

	tests := []struct {
		name  string
		value any
		want  string
	}{
		{name: "string", value: "maintenance", want: "maintenance"},
		{name: "integer", value: 1, want: "1"},
		{name: "list", value: []string{"a", "b"}, want: `["a","b"]`},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mock := newMock(t)
			mock.ExpectExec(query).
				WithArgs("system", "maintenance", tt.want, "system", "maintenance", tt.want).
				WillReturnResult(sqlmock.NewResult(1, 1))

			require.NoError(t, NewConfig(d, logger.Discard()).Set(ctx, "system", "maintenance", tt.value))
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestConfigDelete(t *testing.T) {
	ctx := context.Background()
	d, mock := newMock(t)
	mock.ExpectExec("DELETE FROM `config` WHERE (`cat` = ? AND `k` = ?)").WithArgs("system", "maintenance").
		WillReturnResult(sqlmock.NewResult(0, 1))

	ok, err := NewConfig(d, logger.Discard()).Delete(ctx, "system", "maintenance")
	require.NoError(t, err)
	assert.True(t, ok)
}

func TestConfigInt(t *testing.T) {
	ctx := context.Background()
	const query = "SELECT `v` FROM `config` WHERE (`cat` = ? AND `k` = ?) LIMIT 1"

	d, mock := newMock(t)
	c := NewConfig(d, logger.Discard())

	mock.ExpectQuery(query).WithArgs("system", "post_update_version").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("1400"))
	n, err := c.Int(ctx, "system", "post_update_version", 0)
	require.NoError(t, err)
	assert.Equal(t, 1400, n)

	mock.ExpectQuery(query).WithArgs("system", "post_update_version").WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("garbage"))
	n, err = c.Int(ctx, "system", "post_update_version", 7)
	require.NoError(t, err)
	assert.Equal(t, 7, n)
}

func TestPConfig(t *testing.T) {
	ctx := context.Background()
	d, mock := newMock(t)
	p := NewPConfig(d, logger.Discard())

	mock.ExpectExec("INSERT INTO `pconfig` (`cat`, `k`, `uid`, `v`) VALUES (?, ?, ?, ?) ON DUPLICATE KEY UPDATE `cat` = ?, `k` = ?, `uid` = ?, `v` = ?").
		WithArgs("xmpp", "password", 3, "secret", "xmpp", "password", 3, "secret").
		WillReturnResult(sqlmock.NewResult(1, 1))
	require.NoError(t, p.Set(ctx, 3, "xmpp", "password", "secret"))

	mock.ExpectQuery("SELECT `v` FROM `pconfig` WHERE (`cat` = ? AND `k` = ? AND `uid` = ?) LIMIT 1").
		WithArgs("xmpp", "password", 3).
		WillReturnRows(sqlmock.NewRows([]string{"v"}).AddRow("secret"))
	v, ok, err := p.Get(ctx, 3, "xmpp", "password")
	require.NoError(t, err)
	assert.True(t, ok)
	assert.Equal(t, "secret", v)

	mock.ExpectExec("DELETE FROM `pconfig` WHERE (`cat` = ? AND `k` = ? AND `uid` = ?)").WithArgs("xmpp", "password", 3).
		WillReturnResult(sqlmock.NewResult(0, 0))
	ok, err = p.Delete(ctx, 3, "xmpp", "password")
	require.NoError(t, err)
	assert.False(t, ok)
}

func TestDecode(t *testing.T) {
	var s string
	require.NoError(t, Decode(`["raw"]`, &s))
	assert.Equal(t, `["raw"]`, s)

	var list []string
	require.NoError(t, Decode(`["a","b"]`, &list))
	assert.Equal(t, []string{"a", "b"}, list)

	assert.Error(t, Decode("not json", &list))
}
