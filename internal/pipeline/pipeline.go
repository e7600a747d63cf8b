// Package pipeline answers one natural-language question end to end:
// exemplar selection, prompt assembly, SQL generation, execution and answer
// synthesis.
package pipeline

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"strings"
	"time"

	"github.com/nlquery/nlquery/internal/answer"
	"github.com/nlquery/nlquery/internal/exemplar"
	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/prompt"
	"github.com/nlquery/nlquery/internal/selector"
	"github.com/nlquery/nlquery/internal/sqlexec"
)

// Corpus is the exemplar store as seen by the pipeline.
type Corpus interface {
	Snapshot(ctx context.Context) (*exemplar.Snapshot, error)
	Reload(ctx context.Context) (int, error)
	Replace(ctx context.Context, data []byte) (int, error)
}

type SchemaProvider interface {
	SchemaInfo(ctx context.Context) (string, error)
	Invalidate()
}

type Deps struct {
	Corpus      Corpus
	Selector    *selector.Selector
	Schema      SchemaProvider
	Builder     *prompt.Builder
	Gateway     llm.Gateway
	Executor    *sqlexec.Executor
	Synthesizer *answer.Synthesizer
	Logger      *slog.Logger
}

type Options struct {
	// K is the number of exemplars to select.
	K int
	// TopK is the row count the prompt asks the model to limit results to.
	TopK             int
	RowLimitFromTopK bool
	Timeout          time.Duration
	Params           llm.Params
}

type ErrorInfo struct {
	Kind    failure.Kind `json:"kind"`
	Message string       `json:"message"`
}

type QueryResult struct {
	Question     string        `json:"question"`
	GeneratedSQL string        `json:"generated_sql,omitempty"`
	Columns      []string      `json:"columns,omitempty"`
	Rows         [][]any       `json:"rows,omitempty"`
	Answer       string        `json:"answer"`
	State        sqlexec.State `json:"state,omitempty"`
	Exemplars    []string      `json:"exemplars,omitempty"`
	Error        *ErrorInfo    `json:"error,omitempty"`
	Duration     time.Duration `json:"-"`
	Err          error         `json:"-"`
}

func (r QueryResult) Failed() bool { return r.Error != nil }

type Pipeline struct {
	deps   Deps
	opts   Options
	params llm.Params
	logger *slog.Logger
}

func New(deps Deps, opts Options) (*Pipeline, error) {
	switch {
	case deps.Corpus == nil:
		return nil, fmt.Errorf("corpus is required")
	case deps.Selector == nil:
		return nil, fmt.Errorf("selector is required")
	case deps.Schema == nil:
		return nil, fmt.Errorf("schema provider is required")
	case deps.Builder == nil:
		return nil, fmt.Errorf("prompt builder is required")
	case deps.Gateway == nil:
		return nil, fmt.Errorf("llm gateway is required")
	case deps.Executor == nil:
		return nil, fmt.Errorf("sql executor is required")
	case deps.Synthesizer == nil:
		return nil, fmt.Errorf("answer synthesizer is required")
	}
	if opts.K < 1 {
		return nil, fmt.Errorf("exemplar k must be >= 1")
	}
	if opts.TopK < 1 {
		return nil, fmt.Errorf("top_k must be >= 1")
	}
	if err := opts.Params.Validate(); err != nil {
		return nil, err
	}
	logger := deps.Logger
	if logger == nil {
		logger = slog.Default()
	}
	return &Pipeline{
		deps:   deps,
		opts:   opts,
		params: opts.Params.WithStop("\nSQLResult:"),
		logger: logger,
	}, nil
}

// AnswerQuestion never fails outright: every failure is recorded on the
// returned result, whose Answer is then answer.Fallback.
func (p *Pipeline) AnswerQuestion(ctx context.Context, question string) QueryResult {
	start := time.Now()
	result := QueryResult{Question: question}

	if p.opts.Timeout > 0 {
		var cancel context.CancelFunc
		ctx, cancel = context.WithTimeout(ctx, p.opts.Timeout)
		defer cancel()
	}

	if err := p.run(ctx, &result); err != nil {
		p.fail(ctx, &result, err)
	}
	result.Duration = time.Since(start)
	p.record(ctx, result)
	return result
}

func (p *Pipeline) run(ctx context.Context, result *QueryResult) error {
	question := strings.TrimSpace(result.Question)
	if question == "" {
		return failure.Newf(failure.KindInvalidArgument, "answer question", "question is empty")
	}

	var snap *exemplar.Snapshot
	err := stage("corpus", failure.KindLoad, func() (err error) {
		snap, err = p.deps.Corpus.Snapshot(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var matches []selector.Match
	err = stage("select", failure.KindGateway, func() (err error) {
		matches, err = p.deps.Selector.Select(ctx, snap, question, p.opts.K)
		return err
	})
	if err != nil {
		return err
	}
	exemplars := make([]exemplar.Exemplar, 0, len(matches))
	for _, match := range matches {
		exemplars = append(exemplars, match.Exemplar)
	}

	var schemaInfo string
	err = stage("schema", failure.KindSQLExecution, func() (err error) {
		schemaInfo, err = p.deps.Schema.SchemaInfo(ctx)
		return err
	})
	if err != nil {
		return err
	}

	var built prompt.Prompt
	err = stage("prompt", failure.KindInvalidArgument, func() (err error) {
		built, err = p.deps.Builder.Build(prompt.Context{
			SchemaInfo: schemaInfo,
			Exemplars:  exemplars,
			Question:   question,
			TopK:       p.opts.TopK,
		})
		return err
	})
	if err != nil {
		return err
	}
	observability.ObservePrompt(built.Exemplars, built.Truncated())
	for _, ex := range exemplars[:built.Exemplars] {
		result.Exemplars = append(result.Exemplars, ex.ID)
	}

	var completion string
	err = stage("generate", failure.KindGateway, func() (err error) {
		completion, err = p.deps.Gateway.Complete(ctx, built.Text, p.params)
		return err
	})
	if err != nil {
		return err
	}

	rowLimit := 0
	if p.opts.RowLimitFromTopK {
		rowLimit = p.opts.TopK
	}
	var outcome sqlexec.Outcome
	_ = stage("execute", failure.KindSQLExecution, func() error {
		outcome = p.deps.Executor.Run(ctx, completion, rowLimit)
		return outcome.Err
	})
	result.State = outcome.State
	result.GeneratedSQL = outcome.SQL
	if outcome.Err != nil {
		p.logger.DebugContext(ctx, "nlq_completion",
			slog.String("trace_id", observability.TraceIDFromContext(ctx)),
			slog.String("completion", completion),
		)
		return outcome.Err
	}
	result.Columns = outcome.Columns
	result.Rows = outcome.Rows

	var text string
	synthErr := stage("synthesize", failure.KindSynthesis, func() (err error) {
		text, err = p.deps.Synthesizer.Synthesize(ctx, question, outcome.SQL, outcome.Columns, outcome.Rows)
		return err
	})
	result.Answer = text
	if synthErr != nil {
		p.setError(ctx, result, synthErr)
	}
	return nil
}

func (p *Pipeline) fail(ctx context.Context, result *QueryResult, err error) {
	result.Answer = answer.Fallback
	result.Columns = nil
	result.Rows = nil
	p.setError(ctx, result, err)
}

func (p *Pipeline) setError(ctx context.Context, result *QueryResult, err error) {
	err = classify(ctx, err)
	result.Err = err
	result.Error = &ErrorInfo{Kind: failure.KindOf(err), Message: err.Error()}
}

// classify reports any failure after the request deadline passed as a
// timeout, whatever stage observed it.
func classify(ctx context.Context, err error) error {
	if failure.IsKind(err, failure.KindTimeout) {
		return err
	}
	if errors.Is(ctx.Err(), context.DeadlineExceeded) || errors.Is(err, context.DeadlineExceeded) {
		return failure.Timeout("answer question", err)
	}
	return err
}

func (p *Pipeline) record(ctx context.Context, result QueryResult) {
	outcome := ""
	level := slog.LevelInfo
	attrs := []slog.Attr{
		slog.String("trace_id", observability.TraceIDFromContext(ctx)),
		slog.String("state", string(result.State)),
		slog.Int("exemplars", len(result.Exemplars)),
		slog.Int("rows", len(result.Rows)),
		slog.String("duration", result.Duration.String()),
	}
	if result.Error != nil {
		outcome = string(result.Error.Kind)
		level = slog.LevelWarn
		attrs = append(attrs,
			slog.String("error_kind", outcome),
			slog.String("error", result.Error.Message),
		)
	}
	observability.ObserveRequest(outcome)
	p.logger.LogAttrs(ctx, level, "nlq_request", attrs...)
}

// stage times fn and gives an untyped error the stage's kind.
func stage(name string, kind failure.Kind, fn func() error) error {
	start := time.Now()
	err := fn()
	observability.ObserveStage(name, time.Since(start))
	return failure.Ensure(kind, name, err)
}

// ReloadCorpus rereads the exemplar source and drops the cached schema
// description.
func (p *Pipeline) ReloadCorpus(ctx context.Context) (int, error) {
	count, err := p.deps.Corpus.Reload(ctx)
	if err != nil {
		return 0, err
	}
	p.deps.Schema.Invalidate()
	return count, nil
}

func (p *Pipeline) ReplaceCorpus(ctx context.Context, data []byte) (int, error) {
	count, err := p.deps.Corpus.Replace(ctx, data)
	if err != nil {
		return 0, err
	}
	p.deps.Schema.Invalidate()
	return count, nil
}
