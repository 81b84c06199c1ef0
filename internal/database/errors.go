package database

import (
	"database/sql/driver"
	"errors"
	"fmt"

	"github.com/go-sql-driver/mysql"

	"github.com/friendica/friendica-go/internal/dba"
)

// MySQL error numbers the executor reacts to.
const (
	CodeConnectionLost = 2006
	CodeDeadlock       = 1213
	CodeDuplicateEntry = 1062
	CodeUnknown        = -1
)

var (
	// ErrConnectionLost means "MySQL server has gone away" and a reconnect failed.
	ErrConnectionLost = errors.New("database connection lost")
	// ErrDeadlock means the statement ran into a deadlock on every attempt.
	ErrDeadlock = errors.New("deadlock found")
	// ErrDuplicateEntry means a unique key was violated.
	ErrDuplicateEntry = errors.New("duplicate entry")
	// ErrNotConnected means there is no open pool.
	ErrNotConnected = errors.New("database not connected")
	// ErrNotFound means a select returned no rows.
	ErrNotFound = errors.New("no matching row")
	// ErrEmptyArguments means table, fields or condition were empty.
	ErrEmptyArguments = errors.New("table and fields have to be set")
	// ErrNotLocked means Unlock was called on a session that holds no lock.
	ErrNotLocked = errors.New("no table locked")
)

// Error is a failed statement.
type Error struct {
	Code    int
	Message string
	// Query is the statement with the arguments interpolated.
	Query string

	cause error
}

func (e *Error) Error() string {
	return fmt.Sprintf("database error %d: %s", e.Code, e.Message)
}

func (e *Error) Unwrap() error {
	return e.cause
}

// Is matches the sentinel belonging to the error number.
func (e *Error) Is(target error) bool {
	switch target {
	case ErrConnectionLost:
		return e.Code == CodeConnectionLost
	case ErrDeadlock:
		return e.Code == CodeDeadlock
	case ErrDuplicateEntry:
		return e.Code == CodeDuplicateEntry
	}
	return false
}

// ErrorCode extracts the MySQL error number. Broken connections count as 2006.
func ErrorCode(err error) int {
	if err == nil {
		return 0
	}

	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr.Code
	}

	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		return int(myErr.Number)
	}

	if errors.Is(err, driver.ErrBadConn) || errors.Is(err, mysql.ErrInvalidConn) {
		return CodeConnectionLost
	}
	return CodeUnknown
}

func (d *Database) newError(err error, query string, args []any) *Error {
	var dbErr *Error
	if errors.As(err, &dbErr) {
		return dbErr
	}

	message := err.Error()
	var myErr *mysql.MySQLError
	if errors.As(err, &myErr) {
		message = myErr.Message
	}

	return &Error{
		Code:    ErrorCode(err),
		Message: message,
		Query:   dba.ReplaceParameters(query, args),
		cause:   err,
	}
}
