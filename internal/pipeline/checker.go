package pipeline

import (
	"context"

	"github.com/nlquery/nlquery/internal/llm"
	"github.com/nlquery/nlquery/internal/prompt"
	"github.com/nlquery/nlquery/internal/sqlexec"
)

type queryChecker struct {
	gateway llm.Gateway
	builder *prompt.Builder
	params  llm.Params
}

// NewQueryChecker asks the model to review each extracted statement before
// it runs.
func NewQueryChecker(gateway llm.Gateway, builder *prompt.Builder, params llm.Params) sqlexec.Checker {
	return &queryChecker{gateway: gateway, builder: builder, params: params.WithStop("\nSQLResult:")}
}

func (c *queryChecker) Check(ctx context.Context, sql string) (string, error) {
	return c.gateway.Complete(ctx, c.builder.Checker(sql), c.params)
}
