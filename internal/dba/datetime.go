package dba

import "time"

const (
	// MySQLDatetime is the layout of DATETIME columns.
	MySQLDatetime = "2006-01-02 15:04:05"
	// MySQLDate is the layout of DATE columns.
	MySQLDate = "2006-01-02"

	// NullDate is the "empty" date value used instead of NULL.
	NullDate = "0001-01-01"
	// NullDatetime is the "empty" datetime value used instead of NULL.
	NullDatetime = "0001-01-01 00:00:00"
)

// UTCNow returns the current time in MySQL datetime format.
func UTCNow() string {
	return UTC(time.Now())
}

// UTC formats t as a UTC MySQL datetime.
func UTC(t time.Time) string {
	return t.UTC().Format(MySQLDatetime)
}
