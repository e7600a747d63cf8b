// Package query defines how generated SQL is run against the warehouse.
package query

import (
	"context"
	"database/sql"
	"fmt"
	"strings"
	"time"
)

type Request struct {
	SQL  string
	Args []any
	// RowLimit wraps the statement in an outer LIMIT when > 0.
	RowLimit int
}

type Result struct {
	Columns  []string
	Rows     [][]any
	Duration time.Duration
}

// Engine runs one statement in a read-only session.
type Engine interface {
	Execute(ctx context.Context, request Request) (Result, error)
}

// Statement returns the SQL an engine sends: trailing semicolons removed
// and the row limit applied as an outer query. The statement itself is
// never rewritten. It sits on its own lines inside the wrapper so a
// trailing line comment cannot swallow the closing parenthesis.
func Statement(request Request) (string, error) {
	sqlText := StripTrailingSemicolons(request.SQL)
	if sqlText == "" {
		return "", fmt.Errorf("sql is required")
	}
	if request.RowLimit > 0 {
		sqlText = fmt.Sprintf("SELECT * FROM (\n%s\n) AS q LIMIT %d", sqlText, request.RowLimit)
	}
	return sqlText, nil
}

func StripTrailingSemicolons(sqlText string) string {
	trimmed := strings.TrimSpace(sqlText)
	for strings.HasSuffix(trimmed, ";") {
		trimmed = strings.TrimSpace(strings.TrimSuffix(trimmed, ";"))
	}
	return trimmed
}

// CollectRows drains rows into column names and normalised values.
func CollectRows(rows *sql.Rows) ([]string, [][]any, error) {
	columns, err := rows.Columns()
	if err != nil {
		return nil, nil, fmt.Errorf("query columns: %w", err)
	}

	resultRows := make([][]any, 0)
	for rows.Next() {
		values := make([]any, len(columns))
		scanTargets := make([]any, len(columns))
		for i := range values {
			scanTargets[i] = &values[i]
		}
		if err := rows.Scan(scanTargets...); err != nil {
			return nil, nil, fmt.Errorf("scan row: %w", err)
		}
		resultRows = append(resultRows, normalizeValues(values))
	}
	if err := rows.Err(); err != nil {
		return nil, nil, fmt.Errorf("iterate rows: %w", err)
	}
	return columns, resultRows, nil
}

func normalizeValues(values []any) []any {
	normalized := make([]any, len(values))
	for i, value := range values {
		switch typed := value.(type) {
		case []byte:
			normalized[i] = string(typed)
		default:
			normalized[i] = typed
		}
	}
	return normalized
}

func QuoteIdent(value string) string {
	return `"` + strings.ReplaceAll(value, `"`, `""`) + `"`
}
