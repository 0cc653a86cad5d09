package extract

import (
	"fmt"
	"strings"
	"time"
)

// bracketedList renders column names as [a], [b], [c].
func bracketedList(cols []string) string {
	parts := make([]string, len(cols))
	for i, c := range cols {
		parts[i] = "[" + c + "]"
	}
	return strings.Join(parts, ", ")
}

// formatSQLValue renders a bound value as a T-SQL literal for the
// range queries. Bounds come from the source's own index column, but
// strings are still quote-escaped.
func formatSQLValue(v any) string {
	switch val := v.(type) {
	case nil:
		return "NULL"
	case string:
		return "'" + strings.ReplaceAll(val, "'", "''") + "'"
	case []byte:
		return "'" + strings.ReplaceAll(string(val), "'", "''") + "'"
	case time.Time:
		return "'" + val.Format("2006-01-02 15:04:05.999") + "'"
	case bool:
		if val {
			return "1"
		}
		return "0"
	default:
		return fmt.Sprintf("%v", val)
	}
}
