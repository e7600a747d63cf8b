// Package llm sends prompts to a hosted language model. A Gateway makes
// exactly one provider call per Complete; callers own any retry policy.
package llm

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"github.com/nlquery/nlquery/internal/failure"
)

type Params struct {
	MaxTokens     int
	Temperature   float64
	TopK          int
	TopP          float64
	StopSequences []string
}

func (p Params) Validate() error {
	switch {
	case p.MaxTokens <= 0:
		return failure.Newf(failure.KindInvalidArgument, "llm params", "max_tokens must be > 0, got %d", p.MaxTokens)
	case p.Temperature < 0 || p.Temperature > 1:
		return failure.Newf(failure.KindInvalidArgument, "llm params", "temperature must be within [0,1], got %g", p.Temperature)
	case p.TopP < 0 || p.TopP > 1:
		return failure.Newf(failure.KindInvalidArgument, "llm params", "top_p must be within [0,1], got %g", p.TopP)
	case p.TopK < 0:
		return failure.Newf(failure.KindInvalidArgument, "llm params", "top_k must be >= 0, got %d", p.TopK)
	}
	return nil
}

// WithStop returns a copy of p with extra stop sequences appended, skipping
// duplicates.
func (p Params) WithStop(extra ...string) Params {
	out := p
	out.StopSequences = make([]string, 0, len(p.StopSequences)+len(extra))
	seen := map[string]struct{}{}
	for _, stop := range append(append([]string{}, p.StopSequences...), extra...) {
		if stop == "" {
			continue
		}
		if _, ok := seen[stop]; ok {
			continue
		}
		seen[stop] = struct{}{}
		out.StopSequences = append(out.StopSequences, stop)
	}
	return out
}

type Gateway interface {
	Complete(ctx context.Context, prompt string, params Params) (string, error)
}

// TrimAtStop cuts text at the earliest stop sequence. Providers usually do
// this themselves; OpenAI-compatible servers do not always honour every stop.
func TrimAtStop(text string, stops []string) string {
	cut := len(text)
	for _, stop := range stops {
		if stop == "" {
			continue
		}
		if idx := strings.Index(text, stop); idx >= 0 && idx < cut {
			cut = idx
		}
	}
	return text[:cut]
}

func gatewayError(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Timeout("llm complete", fmt.Errorf("%s: %w", provider, err))
	}
	return failure.Gateway("llm complete", fmt.Errorf("%s: %w", provider, err))
}
