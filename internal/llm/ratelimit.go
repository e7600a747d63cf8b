package llm

import (
	"context"
	"fmt"

	"golang.org/x/time/rate"

	"github.com/nlquery/nlquery/internal/failure"
)

// RateLimited delays calls to stay under a provider quota. It never retries.
type RateLimited struct {
	next    Gateway
	limiter *rate.Limiter
}

func NewRateLimited(next Gateway, perSecond float64, burst int) Gateway {
	if perSecond <= 0 {
		return next
	}
	if burst < 1 {
		burst = 1
	}
	return &RateLimited{next: next, limiter: rate.NewLimiter(rate.Limit(perSecond), burst)}
}

func (r *RateLimited) Complete(ctx context.Context, prompt string, params Params) (string, error) {
	if err := r.limiter.Wait(ctx); err != nil {
		// Wait fails early when the next token would arrive after the deadline.
		if _, ok := ctx.Deadline(); ok && ctx.Err() == nil {
			return "", failure.Timeout("llm complete", fmt.Errorf("rate limiter: wait for quota: %w", err))
		}
		return "", gatewayError(ctx, "rate limiter", fmt.Errorf("wait for quota: %w", err))
	}
	return r.next.Complete(ctx, prompt, params)
}
