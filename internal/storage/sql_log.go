package storage

import (
	"fmt"
	"strings"
	"time"
)

// FormatSQLForLog interpolates positional parameters into a query for logging only.
func FormatSQLForLog(query string, args ...any) string {
	if strings.TrimSpace(query) == "" || len(args) == 0 {
		return compactSQL(query)
	}
	var b strings.Builder
	b.Grow(len(query) + len(args)*8)
	next := 0
	for _, ch := range compactSQL(query) {
		if ch == '?' && next < len(args) {
			b.WriteString(formatSQLArg(args[next]))
			next++
			continue
		}
		b.WriteRune(ch)
	}
	if next < len(args) {
		extra := make([]string, 0, len(args)-next)
		for _, arg := range args[next:] {
			extra = append(extra, formatSQLArg(arg))
		}
		b.WriteString(" /* args: " + strings.Join(extra, ", ") + " */")
	}
	return b.String()
}

func formatSQLArg(arg any) string {
	switch v := arg.(type) {
	case nil:
		return "NULL"
	case string:
		return quoteSQL(v)
	case []byte:
		return quoteSQL(string(v))
	case time.Time:
		return quoteSQL(v.Format(time.RFC3339Nano))
	case fmt.Stringer:
		return quoteSQL(v.String())
	default:
		return fmt.Sprintf("%v", arg)
	}
}

func quoteSQL(s string) string {
	return "'" + strings.ReplaceAll(s, "'", "''") + "'"
}

// compactSQL folds the multi-line statements used in this package onto one line.
func compactSQL(query string) string {
	return strings.Join(strings.Fields(query), " ")
}
