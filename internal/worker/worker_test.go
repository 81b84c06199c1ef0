package worker

import (
	"context"
	"testing"
	"time"

	"github.com/DATA-DOG/go-sqlmock"
	"github.com/stretchr/testify/assert"
	"github.com/stretchr/testify/require"

	"github.com/friendica/friendica-go/internal/database"
	"github.com/friendica/friendica-go/internal/logger"
)

const (
	pendingQuery = "SELECT `id` FROM `workerqueue` WHERE (`command` = ? AND `done` = ? AND `parameter` = ?) LIMIT 1"
	insertQuery  = "INSERT INTO `workerqueue` (`command`, `created`, `next_try`, `parameter`, `priority`) VALUES (?, ?, ?, ?, ?)"
)

var now = time.Date(2024, 3, 1, 12, 0, 0, 0, time.UTC)

func newQueue(t *testing.T) (*Queue, sqlmock.Sqlmock) {
	t.Helper()

	db, mock, err := sqlmock.New(sqlmock.QueryMatcherOption(sqlmock.QueryMatcherEqual))
	require.NoError(t, err)
	t.Cleanup(func() { db.Close() })

	d := database.New(db, database.WithServerInfo("8.0.36"), database.WithLogger(logger.Discard()))
	return New(d, WithLogger(logger.Discard()), WithClock(func() time.Time { return now })), mock
}

func TestAdd(t *testing.T) {
	ctx := context.Background()

	tests := []struct {
		name     string
		task     Task
		param    string
		priority int
		nextTry  string
	}{
		{
			name:     "defaults",
			task:     Task{Command: "Notifier", Args: []any{"post", 12}},
			param:    `["post",12]`,
			priority: PriorityMedium,
			nextTry:  "0001-01-01 00:00:00",
		},
		{
			name:     "delayed",
			task:     Task{Command: "DelayedPublish", Priority: PriorityHigh, Delayed: now.Add(time.Hour)},
			param:    `[]`,
			priority: PriorityHigh,
			nextTry:  "2024-03-01 13:00:00",
		},
		{
			name:     "invalid priority",
			task:     Task{Command: "Cron", Priority: 15},
			param:    `[]`,
			priority: PriorityMedium,
			nextTry:  "0001-01-01 00:00:00",
		},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			q, mock := newQueue(t)
			mock.ExpectQuery(pendingQuery).WithArgs(tt.task.Command, 0, tt.param).
				WillReturnRows(sqlmock.NewRows([]string{"id"}))
			mock.ExpectExec(insertQuery).
				WithArgs(tt.task.Command, "2024-03-01 12:00:00", tt.nextTry, tt.param, tt.priority).
				WillReturnResult(sqlmock.NewResult(42, 1))

			id, err := q.Add(ctx, tt.task)
			require.NoError(t, err)
			assert.Equal(t, int64(42), id)
			require.NoError(t, mock.ExpectationsWereMet())
		})
	}
}

func TestAddPending(t *testing.T) {
	ctx := context.Background()

	t.Run("returns the pending task", func(t *testing.T) {
		q, mock := newQueue(t)
		mock.ExpectQuery(pendingQuery).WithArgs("Notifier", 0, `[1]`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))

		id, err := q.Add(ctx, Task{Command: "Notifier", Args: []any{1}})
		require.NoError(t, err)
		assert.Equal(t, int64(7), id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("forces the priority", func(t *testing.T) {
		q, mock := newQueue(t)
		mock.ExpectQuery(pendingQuery).WithArgs("Notifier", 0, `[1]`).
			WillReturnRows(sqlmock.NewRows([]string{"id"}).AddRow(7))
		mock.ExpectExec("UPDATE `workerqueue` SET `priority` = ? WHERE (`command` = ? AND `done` = ? AND `parameter` = ? AND `pid` = ?)").
			WithArgs(PriorityCritical, "Notifier", 0, `[1]`, 0).
			WillReturnResult(sqlmock.NewResult(0, 1))

		id, err := q.Add(ctx, Task{Command: "Notifier", Priority: PriorityCritical, ForcePriority: true, Args: []any{1}})
		require.NoError(t, err)
		assert.Equal(t, int64(7), id)
		require.NoError(t, mock.ExpectationsWereMet())
	})

	t.Run("empty command", func(t *testing.T) {
		q, _ := newQueue(t)
		_, err := q.Add(ctx, Task{})
		assert.Error(t, err)
	})
}

func TestParameters(t *testing.T) {
	ctx := context.Background()
	q, mock := newQueue(t)

	mock.ExpectQuery("SELECT `command`, `parameter` FROM `workerqueue` WHERE (`id` = ?) LIMIT 1").WithArgs(42).
		WillReturnRows(sqlmock.NewRows([]string{"command", "parameter"}).AddRow("DelayedPublish", `[{"uid":1},0,7]`))

	command, args, err := q.Parameters(ctx, 42)
	require.NoError(t, err)
	assert.Equal(t, "DelayedPublish", command)
	assert.Equal(t, []any{map[string]any{"uid": float64(1)}, float64(0), float64(7)}, args)
}

func TestRemove(t *testing.T) {
	ctx := context.Background()
	q, mock := newQueue(t)

	mock.ExpectExec("DELETE FROM `workerqueue` WHERE (`id` = ?)").WithArgs(42).WillReturnResult(sqlmock.NewResult(0, 1))
	require.NoError(t, q.Remove(ctx, 42))
	require.NoError(t, mock.ExpectationsWereMet())
}
