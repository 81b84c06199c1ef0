package database

import (
	"context"
	"database/sql/driver"
	"testing"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendica/friendica-go/internal/dba"
)

func TestInsert(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		mode  InsertMode
		query string
		args  []driver.Value
	}{
		{
			name:  "default",
			mode:  InsertDefault,
			query: "INSERT INTO `config` (`cat`, `k`, `v`) VALUES (?, ?, ?)",
			args:  []driver.Value{"system", "build", "1504"},
		},
		{
			name:  "ignore",
			mode:  InsertIgnore,
			query: "INSERT IGNORE INTO `config` (`cat`, `k`, `v`) VALUES (?, ?, ?)",
			args:  []driver.Value{"system", "build", "1504"},
		},
		{
			name:  "update on duplicate",
			mode:  InsertUpdate,
			query: "INSERT INTO `config` (`cat`, `k`, `v`) VALUES (?, ?, ?) ON DUPLICATE KEY UPDATE `cat` = ?, `k` = ?, `v` = ?",
			args:  []driver.Value{"system", "build", "1504", "system", "build", "1504"},
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mock := newMock(t)
			mock.ExpectExec(tt.query).WithArgs(tt.args...).WillReturnResult(sqlmock.NewResult(7, 1))

			res, err := d.Insert(ctx, "config", dba.Fields{"cat": "system", "k": "build", "v": "1504"}, tt.mode)
			require.NoError(t, err)
			assert.Equal(t, int64(7), res.LastInsertID)
			assert.True(t, res.Inserted())
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}

	t.Run("ignored duplicate", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectExec("INSERT IGNORE INTO `verb` (`name`) VALUES (?)").WithArgs("like").WillReturnResult(sqlmock.NewResult(0, 0))

		res, err := d.Insert(ctx, "verb", dba.Fields{"name": "like"}, InsertIgnore)
		require.NoError(t, err)
		assert.False(t, res.Inserted())
	})

	t.Run("empty arguments", func(t *testing.T) {
		d, _ := newMock(t)
		_, err := d.Insert(ctx, "verb", nil, InsertDefault)
		assert.ErrorIs(t, err, ErrEmptyArguments)
		_, err = d.Replace(ctx, "", dba.Fields{"name": "x"})
		assert.ErrorIs(t, err, ErrEmptyArguments)
	})

	t.Run("casts to the column types", func(t *testing.T) {
		def := stubDefinition{types: map[string]map[string]string{
			"user": {"uid": "mediumint unsigned", "verified": "boolean", "nickname": "varchar(255)"},
		}}
		d, mock := newMock(t, WithDefinition(def))
		mock.ExpectExec("INSERT INTO `user` (`nickname`, `uid`, `verified`) VALUES (?, ?, ?)").
			WithArgs("admin", int64(3), int64(1)).
			WillReturnResult(sqlmock.NewResult(3, 1))

		_, err := d.Insert(ctx, "user", dba.Fields{"uid": "3", "verified": true, "nickname": "admin"}, InsertDefault)
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})
}

func TestReplace(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectExec("REPLACE `pconfig` (`cat`, `k`, `uid`, `v`) VALUES (?, ?, ?, ?)").
		WithArgs("system", "last_publish", 4, "1700000000").
		WillReturnResult(sqlmock.NewResult(1, 1))

	_, err := d.Replace(context.Background(), "pconfig", dba.Fields{"uid": 4, "cat": "system", "k": "last_publish", "v": "1700000000"})
	require.NoError(t, err)
	require.NoError(t, mock.ExpectationsWereMet())
}

func TestUpdate(t *testing.T) {
	ctx := context.Background()

	t.Run("plain", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectExec("UPDATE `verb` SET `id` = ? WHERE (`id` = ?)").WithArgs(0, 12).WillReturnResult(sqlmock.NewResult(0, 1))

		require.NoError(t, d.Update(ctx, "verb", dba.Fields{"id": 0}, dba.Fields{"id": 12}))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("only changed fields", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectExec("UPDATE `post-user-notification` SET `notification-type` = ? WHERE (`uid` = ? AND `uri-id` = ?)").
			WithArgs(3, 1, 2).
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := d.Update(ctx, "post-user-notification",
			dba.Fields{"notification-type": 3, "seen": true},
			dba.Fields{"uri-id": 2, "uid": 1},
			OnlyChanged(map[string]any{"notification-type": "1", "seen": "1"}))
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("nothing changed", func(t *testing.T) {
		d, mock := newMock(t)

		err := d.Update(ctx, "config", dba.Fields{"v": "1"}, dba.Fields{"k": "build"}, OnlyChanged(map[string]any{"v": 1}))
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("compare with the stored row", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT * FROM `config` WHERE (`cat` = ? AND `k` = ?) LIMIT 1").
			WithArgs("system", "build").
			WillReturnRows(sqlmock.NewRows([]string{"id", "cat", "k", "v"}).AddRow(1, "system", "build", "1503"))
		mock.ExpectExec("UPDATE `config` SET `v` = ? WHERE (`cat` = ? AND `k` = ?)").
			WithArgs("1504", "system", "build").
			WillReturnResult(sqlmock.NewResult(0, 1))

		err := d.Update(ctx, "config", dba.Fields{"v": "1504", "cat": "system"}, dba.Fields{"cat": "system", "k": "build"}, CompareExisting())
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("insert when missing", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT * FROM `config` WHERE (`cat` = ? AND `k` = ?) LIMIT 1").
			WithArgs("system", "build").
			WillReturnRows(sqlmock.NewRows([]string{"id", "cat", "k", "v"}))
		mock.ExpectExec("REPLACE `config` (`cat`, `k`, `v`) VALUES (?, ?, ?)").
			WithArgs("system", "build", "1504").
			WillReturnResult(sqlmock.NewResult(1, 1))

		err := d.Update(ctx, "config", dba.Fields{"v": "1504"}, dba.Fields{"cat": "system", "k": "build"}, InsertIfMissing())
		require.NoError(t, err)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty condition", func(t *testing.T) {
		d, _ := newMock(t)
		assert.ErrorIs(t, d.Update(ctx, "config", dba.Fields{"v": "1"}, nil), ErrEmptyArguments)
	})
}

func TestSelect(t *testing.T) {
	ctx := context.Background()

	t.Run("fields, condition and parameters", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT `id`, `uri` FROM `item-uri` WHERE (`id` IN (?, ?)) ORDER BY `id` DESC LIMIT 10, 5").
			WithArgs(1, 2).
			WillReturnRows(sqlmock.NewRows([]string{"id", "uri"}).AddRow(2, "https://example.org/2").AddRow(1, "https://example.org/1"))

		rows, err := d.SelectToArray(ctx, "item-uri", []string{"id", "uri"}, dba.Fields{"id": []int{1, 2}},
			dba.Params{Order: []dba.Order{dba.Desc("id")}, Limit: 5, Offset: 10})
		require.NoError(t, err)
		require.Len(t, rows, 2)
		assert.Equal(t, "https://example.org/2", rows[0].String("uri"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("first row is cast", func(t *testing.T) {
		def := stubDefinition{types: map[string]map[string]string{"user": {"uid": "mediumint unsigned", "verified": "boolean"}}}
		d, mock := newMock(t, WithDefinition(def))
		mock.ExpectQuery("SELECT `uid`, `verified` FROM `user` WHERE (`nickname` = ?) LIMIT 1").
			WithArgs("admin").
			WillReturnRows(sqlmock.NewRows([]string{"uid", "verified"}).AddRow([]byte("3"), []byte("1")))

		row, err := d.SelectFirst(ctx, "user", []string{"uid", "verified"}, dba.Fields{"nickname": "admin"}, dba.Params{})
		require.NoError(t, err)
		assert.Equal(t, int64(3), row["uid"])
		assert.True(t, row.Bool("verified"))
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no row", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT * FROM `user` WHERE (`uid` = ?) LIMIT 1").
			WithArgs(99).
			WillReturnRows(sqlmock.NewRows([]string{"uid"}))

		_, err := d.SelectFirst(ctx, "user", nil, dba.Fields{"uid": 99}, dba.Params{})
		assert.ErrorIs(t, err, ErrNotFound)
	})
}

func TestCount(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name  string
		opts  CountOptions
		query string
	}{
		{"all", CountOptions{}, "SELECT COUNT(*) AS `count` FROM `post` WHERE (`uid` = ?)"},
		{"expression", CountOptions{Expression: "uri-id"}, "SELECT COUNT(`uri-id`) AS `count` FROM `post` WHERE (`uid` = ?)"},
		{"distinct", CountOptions{Expression: "uri-id", Distinct: true}, "SELECT COUNT(DISTINCT `uri-id`) AS `count` FROM `post` WHERE (`uid` = ?)"},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			d, mock := newMock(t)
			mock.ExpectQuery(tt.query).WithArgs(1).WillReturnRows(sqlmock.NewRows([]string{"count"}).AddRow(int64(42)))

			n, err := d.Count(ctx, "post", dba.Fields{"uid": 1}, tt.opts)
			require.NoError(t, err)
			assert.Equal(t, int64(42), n)
		})
	}
}

func TestExists(t *testing.T) {
	ctx := context.Background()

	t.Run("row", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT `uri-id` FROM `delayed-post` WHERE (`uid` = ? AND `uri-id` = ?) LIMIT 1").
			WithArgs(1, 5).
			WillReturnRows(sqlmock.NewRows([]string{"uri-id"}).AddRow(5))

		ok, err := d.Exists(ctx, "delayed-post", dba.Fields{"uri-id": 5, "uid": 1})
		require.NoError(t, err)
		assert.True(t, ok)
	})

	t.Run("expression condition selects everything", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT * FROM `post` WHERE (`uri-id` > ?) LIMIT 1").
			WithArgs(5).
			WillReturnRows(sqlmock.NewRows([]string{"uri-id"}))

		ok, err := d.Exists(ctx, "post", dba.Where("`uri-id` > ?", 5))
		require.NoError(t, err)
		assert.False(t, ok)
	})

	t.Run("table", func(t *testing.T) {
		d, mock := newMock(t)
		mock.ExpectQuery("SELECT DATABASE()").WillReturnRows(sqlmock.NewRows([]string{"DATABASE()"}).AddRow("friendica"))
		mock.ExpectQuery("SELECT `table_name` FROM `information_schema`.`tables` WHERE (`table_name` = ? AND `table_schema` = ?) LIMIT 1").
			WithArgs("post", "friendica").
			WillReturnRows(sqlmock.NewRows([]string{"table_name"}).AddRow("post"))

		ok, err := d.Exists(ctx, "post", nil)
		require.NoError(t, err)
		assert.True(t, ok)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("no table", func(t *testing.T) {
		d, _ := newMock(t)
		ok, err := d.Exists(ctx, "", dba.Fields{"id": 1})
		require.NoError(t, err)
		assert.False(t, ok)
	})
}

func TestProcesslist(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery("SHOW PROCESSLIST").WillReturnRows(
		sqlmock.NewRows([]string{"Id", "State"}).
			AddRow(1, "Sending data").
			AddRow(2, "").
			AddRow(3, "init").
			AddRow(4, "Sending data").
			AddRow(5, "Locked").
			AddRow(6, nil).
			AddRow(7, "statistics"))

	list, err := d.Processlist(context.Background())
	require.NoError(t, err)
	assert.Equal(t, "Sending data: 2, Locked: 1", list.List)
	assert.Equal(t, 3, list.Amount)
}

func TestGetVariable(t *testing.T) {
	d, mock := newMock(t)
	mock.ExpectQuery("SHOW GLOBAL VARIABLES WHERE `Variable_name` = ?").
		WithArgs("max_allowed_packet").
		WillReturnRows(sqlmock.NewRows([]string{"Variable_name", "Value"}).AddRow("max_allowed_packet", []byte("67108864")))

	v, err := d.GetVariable(context.Background(), "max_allowed_packet")
	require.NoError(t, err)
	assert.Equal(t, "67108864", v)
}

func TestCastFields(t *testing.T) {
	def := stubDefinition{types: map[string]map[string]string{
		"post-engagement": {
			"uri-id":     "int unsigned",
			"restricted": "boolean",
			"comments":   "mediumint unsigned",
			"score":      "double",
			"language":   "varbinary(128)",
		},
	}}
	d, _ := newMock(t, WithDefinition(def))

	out := d.CastFields("post-engagement", map[string]any{
		"uri-id":     "12",
		"restricted": true,
		"comments":   nil,
		"score":      "1.5",
		"language":   "en",
		"unknown":    "7",
	})

	assert.Equal(t, map[string]any{
		"uri-id":     int64(12),
		"restricted": int64(1),
		"comments":   nil,
		"score":      1.5,
		"language":   "en",
		"unknown":    "7",
	}, out)

	t.Run("unknown table", func(t *testing.T) {
		in := map[string]any{"id": "1"}
		assert.Equal(t, in, d.CastFields("nothing", in))
	})
}

func TestRowAccessors(t *testing.T) {
	row := Row{"s": "abc", "n": int64(5), "f": "2.9", "b": []byte("1"), "null": nil, "t": true}

	assert.Equal(t, "abc", row.String("s"))
	assert.Equal(t, "5", row.String("n"))
	assert.Equal(t, "", row.String("null"))
	assert.Equal(t, int64(5), row.Int("n"))
	assert.Equal(t, int64(2), row.Int("f"))
	assert.Equal(t, int64(0), row.Int("s"))
	assert.True(t, row.Bool("b"))
	assert.True(t, row.Bool("t"))
	assert.False(t, row.Bool("null"))
	assert.True(t, row.Has("s"))
	assert.False(t, row.Has("null"))
	assert.False(t, row.Has("missing"))
}

func TestLooseEqual(t *testing.T) {
	assert.True(t, looseEqual(1, "1"))
	assert.True(t, looseEqual(true, int64(1)))
	assert.True(t, looseEqual("abc", []byte("abc")))
	assert.False(t, looseEqual("1", "01"))
	assert.False(t, looseEqual(0, "x"))
}
