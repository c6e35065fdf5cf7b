package journal

import (
	"database/sql"
	"fmt"
	"strings"
	"time"
)

// formatSQLForLog interpolates positional parameters into query. Debug output only.
func formatSQLForLog(query string, args ...any) string {
	query = strings.Join(strings.Fields(query), " ")
	if query == "" || len(args) == 0 {
		return query
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	argIdx := 0
	for _, ch := range query {
		if ch == '?' && argIdx < len(args) {
			b.WriteString(formatSQLArg(args[argIdx]))
			argIdx++
			continue
		}
		b.WriteRune(ch)
	}
	if argIdx < len(args) {
		b.WriteString(" /* args:")
		for i := argIdx; i < len(args); i++ {
			if i > argIdx {
				b.WriteString(",")
			}
			b.WriteString(" ")
			b.WriteString(formatSQLArg(args[i]))
		}
		b.WriteString(" */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case sql.NullString:
		if !v.Valid {
			return "NULL"
		}
		return quote(v.String)
	case sql.NullInt64:
		if !v.Valid {
			return "NULL"
		}
		return fmt.Sprintf("%d", v.Int64)
	case string:
		return quote(v)
	case []byte:
		return quote(string(v))
	case time.Time:
		return quote(v.Format(time.RFC3339))
	case fmt.Stringer:
		return quote(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quote(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}
