package dba

import (
	"fmt"
	"regexp"
	"strconv"
	"strings"
	"time"

	"github.com/hashicorp/go-version"
)

var queryCleaner = strings.NewReplacer("\t", " ", "\n", " ", "\r", " ", "  ", " ")

// CleanQuery removes tabs, line breaks and double spaces from a statement.
func CleanQuery(sql string) string {
	for {
		cleaned := queryCleaner.Replace(sql)
		if cleaned == sql {
			return cleaned
		}
		sql = cleaned
	}
}

// CountPlaceholders returns the number of "?" in a statement.
func CountPlaceholders(sql string) int {
	return strings.Count(sql, "?")
}

var escaper = strings.NewReplacer(
	"\\", "\\\\",
	"\x00", "\\0",
	"\n", "\\n",
	"\r", "\\r",
	"'", "\\'",
	"\"", "\\\"",
	"\x1a", "\\Z",
)

// Escape escapes a string for use inside a quoted SQL literal.
func Escape(s string) string {
	return escaper.Replace(s)
}

// EscapeArray escapes every value. With quote set, strings are wrapped in
// single quotes and booleans become true/false; otherwise booleans become 1/0.
func EscapeArray(values []any, quote bool) []string {
	out := make([]string, len(values))
	for i, v := range values {
		switch t := v.(type) {
		case bool:
			switch {
			case quote && t:
				out[i] = "true"
			case quote:
				out[i] = "false"
			case t:
				out[i] = "1"
			default:
				out[i] = "0"
			}
		case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64, float32, float64:
			out[i] = fmt.Sprint(t)
		default:
			if quote {
				out[i] = "'" + Escape(toString(v)) + "'"
			} else {
				out[i] = Escape(toString(v))
			}
		}
	}
	return out
}

// ReplaceParameters interpolates the arguments into the placeholders.
// The result is meant for logging only, never for execution.
func ReplaceParameters(sql string, args []any) string {
	var (
		sb  strings.Builder
		pos int
	)
	for _, arg := range args {
		idx := strings.IndexByte(sql[pos:], '?')
		if idx < 0 {
			break
		}
		sb.WriteString(sql[pos : pos+idx])
		sb.WriteString(renderValue(arg))
		pos += idx + 1
	}
	sb.WriteString(sql[pos:])
	return sb.String()
}

func renderValue(v any) string {
	switch t := v.(type) {
	case nil:
		return "NULL"
	case bool:
		if t {
			return "1"
		}
		return "0"
	case int, int8, int16, int32, int64, uint, uint8, uint16, uint32, uint64:
		return fmt.Sprint(t)
	case float32:
		return strconv.FormatInt(int64(t), 10)
	case float64:
		return strconv.FormatInt(int64(t), 10)
	default:
		return "'" + Escape(toString(v)) + "'"
	}
}

func toString(v any) string {
	switch t := v.(type) {
	case string:
		return t
	case []byte:
		return string(t)
	case time.Time:
		return t.UTC().Format(MySQLDatetime)
	case fmt.Stringer:
		return t.String()
	default:
		return fmt.Sprint(v)
	}
}

var versionPrefix = regexp.MustCompile(`^\d+(\.\d+)*`)

// ServerVersion extracts the numeric version from a server info string
// like "10.6.12-MariaDB-0ubuntu0.22.04.1" or "8.0.36".
func ServerVersion(serverInfo string) (*version.Version, error) {
	raw := versionPrefix.FindString(strings.TrimSpace(serverInfo))
	if raw == "" {
		return nil, fmt.Errorf("unparsable server version %q", serverInfo)
	}
	return version.NewVersion(raw)
}

// IsMariaDB reports whether the server info belongs to a MariaDB server.
func IsMariaDB(serverInfo string) bool {
	return strings.Contains(strings.ToLower(serverInfo), "mariadb")
}

// VersionBelow reports whether the server is older than min. Unparsable
// versions count as older.
func VersionBelow(serverInfo, min string) bool {
	v, err := ServerVersion(serverInfo)
	if err != nil {
		return true
	}
	return v.LessThan(version.Must(version.NewVersion(min)))
}

var anyValue = regexp.MustCompile(`(?i)ANY_VALUE\(`)

// AnyValueFallback replaces ANY_VALUE() with MIN() on servers that lack it:
// MySQL before 5.7.5 and every MariaDB.
func AnyValueFallback(sql, serverInfo string) string {
	if VersionBelow(serverInfo, "5.7.5") || IsMariaDB(serverInfo) {
		return anyValue.ReplaceAllString(sql, "MIN(")
	}
	return sql
}
