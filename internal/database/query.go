package database

import (
	"context"
	"errors"
	"fmt"
	"os"
	"regexp"
	"runtime"
	"strings"
	"time"

	"github.com/friendica/friendica-go/internal/dba"
	"github.com/friendica/friendica-go/internal/profiler"
)

// maxLoggedQuery is the number of bytes of a statement written to the logs.
const maxLoggedQuery = 4000

// Query executes a statement that returns rows.
func (d *Database) Query(ctx context.Context, query string, args ...any) (*Rows, error) {
	return d.query(ctx, query, normalizeArgs(args), false)
}

func (d *Database) query(ctx context.Context, query string, args []any, retrial bool) (*Rows, error) {
	start := time.Now()

	if !d.IsConnected() {
		return nil, ErrNotConnected
	}

	statement := d.prepare(ctx, query, args)
	d.logIndex(ctx, statement, args)

	rows, err := d.querier().QueryContext(ctx, statement, args...)
	if err != nil {
		dbErr := d.newError(err, statement, args)
		if d.testMode {
			return nil, dbErr
		}

		d.log.Error("DB Error", "code", dbErr.Code, "error", dbErr.Message, "query", dbErr.Query)

		if dbErr.Code == CodeConnectionLost {
			if retrial || d.pinned() {
				return nil, fmt.Errorf("%w: %w", ErrConnectionLost, dbErr)
			}
			if rerr := d.Reconnect(ctx); rerr != nil {
				d.log.Warn("Reconnection failed", "error", rerr)
				return nil, fmt.Errorf("%w: %w", ErrConnectionLost, dbErr)
			}
			d.log.Info("Reconnected after database error", "code", dbErr.Code)
			return d.query(ctx, query, args, true)
		}
		return nil, dbErr
	}

	d.profiler.SaveTimestamp(start, profiler.Database)
	d.logSlow(start, statement, args)

	return &Rows{rows: rows, db: d}, nil
}

// Exec executes a statement that returns no rows. Deadlocks are retried.
func (d *Database) Exec(ctx context.Context, query string, args ...any) (Result, error) {
	start := time.Now()
	args = normalizeArgs(args)

	if !d.IsConnected() {
		return Result{}, ErrNotConnected
	}

	statement := d.prepare(ctx, query, args)
	d.logIndex(ctx, statement, args)

	var res Result
	err := Retry(ctx, func(attempt int) error {
		r, err := d.querier().ExecContext(ctx, statement, args...)
		if err != nil {
			dbErr := d.newError(err, statement, args)
			if dbErr.Code == CodeDeadlock {
				d.log.Info("Deadlock, retrying", "attempt", attempt, "query", dbErr.Query)
			}
			return dbErr
		}
		res = newResult(r)
		return nil
	}, func(err error) bool {
		return errors.Is(err, ErrDeadlock)
	}, d.retry...)

	if err != nil {
		if d.testMode {
			return Result{}, err
		}

		code := ErrorCode(err)
		d.log.Error("DB Error", "code", code, "error", err, "query", dba.ReplaceParameters(statement, args))
		if code == CodeConnectionLost {
			d.log.Warn("Giving up because of database error", "code", code)
			return Result{}, fmt.Errorf("%w: %w", ErrConnectionLost, err)
		}
		return Result{}, err
	}

	d.profiler.SaveTimestamp(start, profiler.DatabaseWrite)
	d.logSlow(start, statement, args)

	return res, nil
}

// prepare warns about argument mismatches and rewrites the statement for
// the connected server.
func (d *Database) prepare(ctx context.Context, query string, args []any) string {
	if n := dba.CountPlaceholders(query); len(args) > 0 && n != len(args) {
		d.log.Warn("Parameter mismatch", "query", query, "placeholders", n, "args", len(args), "callstack", callstack(6))
	}

	statement := dba.CleanQuery(query)

	if info, err := d.ServerInfo(ctx); err == nil {
		statement = dba.AnyValueFallback(statement, info)
	}

	if d.logs.Callstack {
		statement = "/*" + callstack(8) + " */ " + statement
	}
	return statement
}

// normalizeArgs flattens a single []any argument and turns bools into ints.
func normalizeArgs(args []any) []any {
	if len(args) == 1 {
		if list, ok := args[0].([]any); ok {
			args = list
		}
	}

	out := make([]any, len(args))
	for i, a := range args {
		if b, ok := a.(bool); ok {
			if b {
				out[i] = 1
			} else {
				out[i] = 0
			}
			continue
		}
		out[i] = a
	}
	return out
}

func truncate(s string, n int) string {
	if len(s) <= n {
		return s
	}
	return s[:n]
}

// caller returns the first frame outside of this package.
func caller() (file string, line int, function string) {
	pcs := make([]uintptr, 16)
	n := runtime.Callers(2, pcs)
	frames := runtime.CallersFrames(pcs[:n])
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "internal/database.") {
			return frame.File, frame.Line, frame.Function
		}
		if !more {
			return frame.File, frame.Line, frame.Function
		}
	}
}

// callstack returns the short names of the calling functions, innermost last.
func callstack(depth int) string {
	pcs := make([]uintptr, depth+8)
	n := runtime.Callers(3, pcs)
	frames := runtime.CallersFrames(pcs[:n])

	var names []string
	for {
		frame, more := frames.Next()
		if !strings.Contains(frame.Function, "internal/database.") {
			name := frame.Function
			if i := strings.LastIndex(name, "/"); i >= 0 {
				name = name[i+1:]
			}
			names = append(names, name)
		}
		if !more || len(names) == depth {
			break
		}
	}

	for i, j := 0, len(names)-1; i < j; i, j = i+1, j-1 {
		names[i], names[j] = names[j], names[i]
	}
	return strings.Join(names, ", ")
}

func (d *Database) appendLog(path, line string) {
	f, err := d.fs.OpenFile(path, os.O_APPEND|os.O_CREATE|os.O_WRONLY, 0o644)
	if err != nil {
		d.log.Warn("Unable to open database log", "file", path, "error", err)
		return
	}
	defer f.Close()

	if _, err := f.WriteString(line); err != nil {
		d.log.Warn("Unable to write database log", "file", path, "error", err)
	}
}

// logSlow appends statements that exceed the configured limit to the slow log.
func (d *Database) logSlow(start time.Time, statement string, args []any) {
	if d.logs.File == "" {
		return
	}

	duration := time.Since(start)
	if duration < d.logs.Limit {
		return
	}

	file, line, function := caller()
	entry := fmt.Sprintf("%s\t%.3f\t%s\t%d\t%s\t%s\n",
		dba.UTCNow(), duration.Seconds(), file, line, function,
		truncate(dba.ReplaceParameters(statement, args), maxLoggedQuery))
	d.appendLog(d.logs.File, entry)
}

var explainable = regexp.MustCompile(`(?i)^(/\*.*?\*/ )?(select|update|delete)`)

// logIndex writes the EXPLAIN rows of a statement to the index log when a
// watched key scans too many rows or any key exceeds the high limit.
func (d *Database) logIndex(ctx context.Context, statement string, args []any) {
	if d.logs.IndexFile == "" || !explainable.MatchString(statement) {
		return
	}

	rows, err := d.querier().QueryContext(ctx, "EXPLAIN "+statement, args...)
	if err != nil {
		d.log.Debug("EXPLAIN failed", "error", err)
		return
	}

	r := &Rows{rows: rows, db: d}
	explained, err := r.All(0)
	if err != nil {
		return
	}

	watch := toSet(d.logs.IndexWatch)
	deny := toSet(d.logs.IndexDenylist)

	for _, row := range explained {
		key := row.String("key")
		scanned := row.Int("rows")

		log := d.logs.IndexLimit > 0 && watch[key] && int(scanned) >= d.logs.IndexLimit
		if d.logs.IndexLimitHigh > 0 && int(scanned) >= d.logs.IndexLimitHigh {
			log = true
		}
		if deny[key] || key == "" {
			log = false
		}
		if !log {
			continue
		}

		file, line, function := caller()
		entry := fmt.Sprintf("%s\t%s\t%d\t%s\t%s\t%d\t%s\t%s\n",
			dba.UTCNow(), key, scanned, row.String("Extra"), file, line, function,
			truncate(dba.ReplaceParameters(statement, args), maxLoggedQuery))
		d.appendLog(d.logs.IndexFile, entry)
	}
}

func toSet(values []string) map[string]bool {
	set := make(map[string]bool, len(values))
	for _, v := range values {
		if v = strings.TrimSpace(v); v != "" {
			set[v] = true
		}
	}
	return set
}
