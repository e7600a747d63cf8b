// Package prompt renders the few-shot SQL generation prompt.
package prompt

import (
	"fmt"
	"strings"

	"github.com/nlquery/nlquery/internal/exemplar"
	"github.com/nlquery/nlquery/internal/failure"
)

// Context is everything one prompt is built from. Exemplars must already be
// in descending similarity order.
type Context struct {
	SchemaInfo string
	Exemplars  []exemplar.Exemplar
	Question   string
	TopK       int
}

type Prompt struct {
	Text      string
	Tokens    int
	Exemplars int
	Dropped   int
}

func (p Prompt) Truncated() bool { return p.Dropped > 0 }

type Builder struct {
	dialect   string
	maxTokens int
	counter   TokenCounter
}

func NewBuilder(dialect string, maxTokens int, counter TokenCounter) (*Builder, error) {
	dialect = strings.TrimSpace(dialect)
	if dialect == "" {
		dialect = "PostgreSQL"
	}
	if maxTokens <= 0 {
		return nil, fmt.Errorf("prompt token budget must be > 0")
	}
	if counter == nil {
		counter = WordCounter{}
	}
	return &Builder{dialect: dialect, maxTokens: maxTokens, counter: counter}, nil
}

func (b *Builder) Dialect() string { return b.dialect }

// Build renders preamble, exemplar blocks and suffix. When the budget is
// exceeded exemplars are dropped from the least similar end; the call fails
// with PromptTooLarge only if the prompt does not fit even without any.
func (b *Builder) Build(pc Context) (Prompt, error) {
	if pc.TopK < 1 {
		return Prompt{}, failure.Newf(failure.KindInvalidArgument, "build prompt", "top_k must be >= 1, got %d", pc.TopK)
	}
	if strings.TrimSpace(pc.Question) == "" {
		return Prompt{}, failure.Newf(failure.KindInvalidArgument, "build prompt", "question is blank")
	}

	preamble := b.preamble()
	suffix := b.suffix(pc)
	blocks := make([]string, len(pc.Exemplars))
	for i, ex := range pc.Exemplars {
		blocks[i] = ExemplarBlock(ex)
	}

	for n := len(blocks); n >= 0; n-- {
		text := render(preamble, blocks[:n], suffix)
		tokens := b.counter.CountTokens(text)
		if tokens <= b.maxTokens {
			return Prompt{Text: text, Tokens: tokens, Exemplars: n, Dropped: len(blocks) - n}, nil
		}
	}
	return Prompt{}, failure.Newf(failure.KindPromptTooLarge, "build prompt",
		"schema and question need %d tokens, budget is %d",
		b.counter.CountTokens(render(preamble, nil, suffix)), b.maxTokens)
}

func render(preamble string, blocks []string, suffix string) string {
	var out strings.Builder
	out.WriteString(preamble)
	for _, block := range blocks {
		out.WriteString("\n\n")
		out.WriteString(block)
	}
	out.WriteString("\n\n")
	out.WriteString(suffix)
	return out.String()
}

func (b *Builder) preamble() string {
	d := b.dialect
	return "You are a " + d + " expert. Given an input question, first create a syntactically correct " + d +
		" query to run, then look at the results of the query and return the answer to the input question.\n" +
		"Never query for all columns from a table. You must query only the columns that are needed to answer the question. " +
		"Wrap each column name in double quotes (\") to denote them as delimited identifiers.\n" +
		"Pay attention to use only the column names you can see in the tables below. Be careful to not query for columns that do not exist. " +
		"Also, pay attention to which column is in which table.\n" +
		"Pay attention to use CURRENT_DATE function to get the current date, if the question involves \"today\".\n\n" +
		"Use the following format:\n\n" +
		"Question: Question here\n" +
		"SQLQuery: SQL Query to run\n" +
		"SQLResult: Result of the SQLQuery\n" +
		"Answer: Final answer here\n\n" +
		"Provide no preamble. Here are some examples:"
}

func (b *Builder) suffix(pc Context) string {
	return fmt.Sprintf(
		"Unless the question specifies a number of results, query for at most %d results using the LIMIT clause as per %s.\n"+
			"Only use the following tables:\n%s\n\nQuestion: %s\nSQLQuery:",
		pc.TopK, b.dialect, strings.TrimSpace(pc.SchemaInfo), strings.TrimSpace(pc.Question),
	)
}

// ExemplarBlock renders one worked example in the same layout the model is
// asked to produce.
func ExemplarBlock(ex exemplar.Exemplar) string {
	return fmt.Sprintf("%s\n\nQuestion: %s\nSQLQuery: %s\nSQLResult: %s\nAnswer: %s",
		strings.TrimSpace(ex.TableInfo),
		strings.TrimSpace(ex.Question),
		strings.TrimSpace(ex.SQL),
		strings.TrimSpace(ex.Result),
		strings.TrimSpace(ex.Answer),
	)
}

// Checker renders the query-check prompt: the model returns the query
// unchanged or with common mistakes fixed.
func (b *Builder) Checker(sql string) string {
	return strings.TrimSpace(sql) + "\n" +
		"Double check the " + b.dialect + " query above for common mistakes, including:\n" +
		"- Using NOT IN with NULL values\n" +
		"- Using UNION when UNION ALL should have been used\n" +
		"- Using BETWEEN for exclusive ranges\n" +
		"- Data type mismatch in predicates\n" +
		"- Properly quoting identifiers\n" +
		"- Using the correct number of arguments for functions\n" +
		"- Casting to the correct data type\n" +
		"- Using the proper columns for joins\n\n" +
		"If there are any of the above mistakes, rewrite the query. If there are no mistakes, just reproduce the original query.\n\n" +
		"Output the final SQL query only.\n\n" +
		"SQL Query:"
}

// Answer renders the synthesis prompt from the executed query and its
// formatted result.
func (b *Builder) Answer(question, sql, result string) string {
	return fmt.Sprintf(
		"Given an input question, the %s query that was run and its result, answer the question in one or two plain sentences. "+
			"Use only the result. Provide no preamble.\n\n"+
			"Question: %s\nSQLQuery: %s\nSQLResult: %s\nAnswer:",
		b.dialect, strings.TrimSpace(question), strings.TrimSpace(sql), result,
	)
}
