package database

import (
	"context"
	"database/sql/driver"
	"errors"
	"fmt"
	"testing"
	"time"

	"github.com/go-sql-driver/mysql"
	"github.com/stretchr/testify/assert"
)

func TestRetry(t *testing.T) {
	retryable := func(err error) bool { return errors.Is(err, ErrDeadlock) }
	deadlock := &Error{Code: CodeDeadlock, Message: "deadlock"}

	t.Run("succeeds after retries", func(t *testing.T) {
		calls := 0
		err := Retry(context.Background(), func(int) error {
			calls++
			if calls < 3 {
				return deadlock
			}
			return nil
		}, retryable, WithInitialDelay(0))

		assert.NoError(t, err)
		assert.Equal(t, 3, calls)
	})

	t.Run("non retryable errors return at once", func(t *testing.T) {
		calls := 0
		other := &Error{Code: 1146, Message: "missing table"}
		err := Retry(context.Background(), func(int) error {
			calls++
			return other
		}, retryable, WithInitialDelay(0))

		assert.Same(t, other, err)
		assert.Equal(t, 1, calls)
	})

	t.Run("exhausted attempts return the last error", func(t *testing.T) {
		var attempts []int
		err := Retry(context.Background(), func(attempt int) error {
			attempts = append(attempts, attempt)
			return deadlock
		}, retryable, WithMaxAttempts(4), WithInitialDelay(time.Millisecond), WithMaxDelay(2*time.Millisecond))

		assert.ErrorIs(t, err, ErrDeadlock)
		assert.Equal(t, []int{1, 2, 3, 4}, attempts)
	})

	t.Run("cancelled context", func(t *testing.T) {
		ctx, cancel := context.WithCancel(context.Background())
		cancel()

		err := Retry(ctx, func(int) error { return deadlock }, retryable, WithInitialDelay(time.Second))
		assert.ErrorIs(t, err, context.Canceled)
	})
}

func TestErrorCode(t *testing.T) {
	tests := []struct {
		name string
		err  error
		want int
	}{
		{"nil", nil, 0},
		{"mysql", &mysql.MySQLError{Number: 1062}, CodeDuplicateEntry},
		{"wrapped mysql", fmt.Errorf("insert: %w", &mysql.MySQLError{Number: 1213}), CodeDeadlock},
		{"bad connection", driver.ErrBadConn, CodeConnectionLost},
		{"invalid connection", mysql.ErrInvalidConn, CodeConnectionLost},
		{"database error", &Error{Code: 1146}, 1146},
		{"other", errors.New("other"), CodeUnknown},
	}

	for _, tt := range tests {
		t.Run(tt.name, func(t *testing.T) {
			assert.Equal(t, tt.want, ErrorCode(tt.err))
		})
	}
}

func TestErrorIs(t *testing.T) {
	err := fmt.Errorf("update: %w", &Error{Code: CodeConnectionLost, Message: "gone"})
	assert.ErrorIs(t, err, ErrConnectionLost)
	assert.NotErrorIs(t, err, ErrDeadlock)
	assert.EqualError(t, &Error{Code: 1062, Message: "Duplicate entry"}, "database error 1062: Duplicate entry")
}
