// Package answer turns an executed query into a short natural-language
// answer.
package answer

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/prompt"
)

// Fallback is returned in place of an answer whenever one cannot be produced.
const Fallback = "Sorry, I was unable to answer your question."

type Mode string

const (
	ModeLLM      Mode = "llm"
	ModeTemplate Mode = "template"
)

type Synthesizer struct {
	mode    Mode
	gateway llm.Gateway
	builder *prompt.Builder
	params  llm.Params
}

func NewSynthesizer(mode Mode, gateway llm.Gateway, builder *prompt.Builder, params llm.Params) (*Synthesizer, error) {
	switch mode {
	case "":
		mode = ModeLLM
	case ModeLLM, ModeTemplate:
	default:
		return nil, fmt.Errorf("unsupported answer mode %q", mode)
	}
	if mode == ModeLLM && (gateway == nil || builder == nil) {
		return nil, fmt.Errorf("llm answer mode requires a gateway and prompt builder")
	}
	return &Synthesizer{
		mode:    mode,
		gateway: gateway,
		builder: builder,
		params:  params.WithStop("\nQuestion:", "\nSQLQuery:"),
	}, nil
}

func (s *Synthesizer) Mode() Mode { return s.mode }

// Synthesize always returns answer text. On failure the text is Fallback
// and the error records why.
func (s *Synthesizer) Synthesize(ctx context.Context, question, sql string, columns []string, rows [][]any) (string, error) {
	if s.mode == ModeTemplate {
		return Template(columns, rows), nil
	}

	completion, err := s.gateway.Complete(ctx, s.builder.Answer(question, sql, FormatRows(rows)), s.params)
	if err != nil {
		return Fallback, synthesisError(err)
	}
	text := strings.TrimSpace(llm.TrimAtStop(completion, s.params.StopSequences))
	text = strings.TrimSpace(strings.TrimPrefix(text, "Answer:"))
	if text == "" {
		return Fallback, failure.Newf(failure.KindSynthesis, "synthesize answer", "model returned an empty answer")
	}
	return text, nil
}

func synthesisError(err error) error {
	if failure.IsKind(err, failure.KindTimeout) || errors.Is(err, context.DeadlineExceeded) {
		return err
	}
	return failure.Synthesis("synthesize answer", err)
}

// Template answers without a model call.
func Template(columns []string, rows [][]any) string {
	switch {
	case len(rows) == 0:
		return "No results were found for your question."
	case len(rows) == 1 && len(rows[0]) == 1:
		value := formatValue(rows[0][0])
		if len(columns) == 1 && columns[0] != "" {
			return fmt.Sprintf("The %s is %s.", columns[0], value)
		}
		return fmt.Sprintf("The answer is %s.", value)
	default:
		noun := "rows"
		if len(rows) == 1 {
			noun = "row"
		}
		return fmt.Sprintf("Found %d %s: %s", len(rows), noun, FormatRows(rows))
	}
}
