package answer

import (
	"fmt"
	"strconv"
	"strings"
	"time"
)

// FormatRows renders rows the way exemplar results are written in the
// corpus, e.g. [(15000,)] or [('Picasso', 3)].
func FormatRows(rows [][]any) string {
	var out strings.Builder
	out.WriteString("[")
	for i, row := range rows {
		if i > 0 {
			out.WriteString(", ")
		}
		out.WriteString("(")
		for j, value := range row {
			if j > 0 {
				out.WriteString(", ")
			}
			out.WriteString(formatValue(value))
		}
		if len(row) == 1 {
			out.WriteString(",")
		}
		out.WriteString(")")
	}
	out.WriteString("]")
	return out.String()
}

func formatValue(value any) string {
	switch v := value.(type) {
	case nil:
		return "None"
	case bool:
		if v {
			return "True"
		}
		return "False"
	case string:
		return quote(v)
	case []byte:
		return quote(string(v))
	case time.Time:
		return quote(v.Format("2006-01-02 15:04:05"))
	case float32:
		return strconv.FormatFloat(float64(v), 'f', -1, 32)
	case float64:
		return strconv.FormatFloat(v, 'f', -1, 64)
	default:
		return fmt.Sprint(v)
	}
}

func quote(value string) string {
	value = strings.ReplaceAll(value, `\`, `\\`)
	return "'" + strings.ReplaceAll(value, "'", `\'`) + "'"
}
