package warehouse

import (
	"context"
	"fmt"
	"strings"
	"sync"
	"unicode/utf8"

	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/query"
)

const maxSampleValueRunes = 100

const columnsQuery = `
SELECT column_name, data_type, is_nullable
FROM information_schema.columns
WHERE table_schema = current_schema() AND table_name = $1
ORDER BY ordinal_position`

// DescribeTables renders each table as a CREATE TABLE statement followed by
// a comment holding up to sampleRows rows.
func DescribeTables(ctx context.Context, engine query.Engine, tables []string, sampleRows int) (string, error) {
	if engine == nil {
		return "", fmt.Errorf("query engine is required")
	}
	if len(tables) == 0 {
		return "", fmt.Errorf("at least one table is required")
	}

	blocks := make([]string, 0, len(tables))
	for _, table := range tables {
		block, err := describeTable(ctx, engine, table, sampleRows)
		if err != nil {
			return "", err
		}
		blocks = append(blocks, block)
	}
	return strings.Join(blocks, "\n\n"), nil
}

func describeTable(ctx context.Context, engine query.Engine, table string, sampleRows int) (string, error) {
	columns, err := engine.Execute(ctx, query.Request{SQL: columnsQuery, Args: []any{table}})
	if err != nil {
		return "", fmt.Errorf("describe table %q: %w", table, err)
	}
	if len(columns.Rows) == 0 {
		return "", fmt.Errorf("table %q not found", table)
	}

	var out strings.Builder
	out.WriteString("CREATE TABLE ")
	out.WriteString(table)
	out.WriteString(" (\n")
	for i, row := range columns.Rows {
		if len(row) < 3 {
			return "", fmt.Errorf("describe table %q: unexpected column row %v", table, row)
		}
		fmt.Fprintf(&out, "\t%s %s", query.QuoteIdent(fmt.Sprint(row[0])), strings.ToUpper(fmt.Sprint(row[1])))
		if strings.EqualFold(fmt.Sprint(row[2]), "NO") {
			out.WriteString(" NOT NULL")
		}
		if i < len(columns.Rows)-1 {
			out.WriteString(",")
		}
		out.WriteString("\n")
	}
	out.WriteString(")")

	if sampleRows <= 0 {
		return out.String(), nil
	}
	sample, err := engine.Execute(ctx, query.Request{
		SQL:      "SELECT * FROM " + query.QuoteIdent(table),
		RowLimit: sampleRows,
	})
	if err != nil {
		return "", fmt.Errorf("sample table %q: %w", table, err)
	}
	fmt.Fprintf(&out, "\n\n/*\n%d rows from %s table:\n%s", sampleRows, table, strings.Join(sample.Columns, "\t"))
	for _, row := range sample.Rows {
		values := make([]string, 0, len(row))
		for _, value := range row {
			values = append(values, sampleValue(value))
		}
		out.WriteString("\n")
		out.WriteString(strings.Join(values, "\t"))
	}
	out.WriteString("\n*/")
	return out.String(), nil
}

func sampleValue(value any) string {
	if value == nil {
		return "None"
	}
	text := fmt.Sprint(value)
	if utf8.RuneCountInString(text) > maxSampleValueRunes {
		runes := []rune(text)
		text = string(runes[:maxSampleValueRunes])
	}
	return text
}

// SchemaCache describes the configured tables once and serves the cached
// text until Invalidate.
type SchemaCache struct {
	engine     query.Engine
	tables     []string
	sampleRows int
	disabled   bool

	mu   sync.Mutex
	text string
}

func NewSchemaCache(engine query.Engine, tables []string, sampleRows int, disabled bool) *SchemaCache {
	return &SchemaCache{
		engine:     engine,
		tables:     append([]string(nil), tables...),
		sampleRows: sampleRows,
		disabled:   disabled,
	}
}

// SchemaInfo returns the schema description. Failures are not cached.
func (c *SchemaCache) SchemaInfo(ctx context.Context) (string, error) {
	c.mu.Lock()
	defer c.mu.Unlock()
	if c.text != "" && !c.disabled {
		return c.text, nil
	}
	text, err := DescribeTables(ctx, c.engine, c.tables, c.sampleRows)
	if err != nil {
		return "", failure.SQLExecution("describe schema", err)
	}
	c.text = text
	return text, nil
}

func (c *SchemaCache) Invalidate() {
	c.mu.Lock()
	c.text = ""
	c.mu.Unlock()
}
