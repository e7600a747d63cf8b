package embedding

import (
	"context"
	"fmt"

	lru "github.com/hashicorp/golang-lru/v2"
)

// Cached memoises vectors per exact text. Repeated questions skip the
// provider call.
type Cached struct {
	next  Embedder
	cache *lru.Cache[string, []float32]
}

func NewCached(next Embedder, size int) (Embedder, error) {
	if size <= 0 {
		return next, nil
	}
	cache, err := lru.New[string, []float32](size)
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{next: next, cache: cache}, nil
}

func (c *Cached) Dimensions() int { return c.next.Dimensions() }

func (c *Cached) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	missing := make([]string, 0)
	missingIdx := make([]int, 0)
	for i, text := range texts {
		if vec, ok := c.cache.Get(text); ok {
			out[i] = vec
			continue
		}
		missing = append(missing, text)
		missingIdx = append(missingIdx, i)
	}
	if len(missing) == 0 {
		return out, nil
	}

	vecs, err := c.next.Embed(ctx, missing)
	if err != nil {
		return nil, err
	}
	if len(vecs) != len(missing) {
		return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(vecs), len(missing))
	}
	for i, vec := range vecs {
		c.cache.Add(missing[i], vec)
		out[missingIdx[i]] = vec
	}
	return out, nil
}

func (c *Cached) Len() int { return c.cache.Len() }
