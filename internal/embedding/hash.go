package embedding

import (
	"context"
	"fmt"
	"hash/fnv"
	"strings"
	"unicode"
)

// Hash is a deterministic feature-hashing embedder: lowercased word unigrams
// and bigrams are hashed into a signed bag of features. It needs no model
// download and is the default for local runs and tests.
type Hash struct {
	dims int
}

func NewHash(dims int) (*Hash, error) {
	if dims <= 0 {
		return nil, fmt.Errorf("hash embedder dimensions must be > 0")
	}
	return &Hash{dims: dims}, nil
}

func (h *Hash) Dimensions() int { return h.dims }

func (h *Hash) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, len(texts))
	for i, text := range texts {
		if err := ctx.Err(); err != nil {
			return nil, err
		}
		out[i] = h.embedOne(text)
	}
	return out, nil
}

func (h *Hash) embedOne(text string) []float32 {
	vec := make([]float32, h.dims)
	words := tokenize(text)
	for i, word := range words {
		h.add(vec, word, 1)
		if i > 0 {
			h.add(vec, words[i-1]+" "+word, 0.5)
		}
	}
	return Normalize(vec)
}

func (h *Hash) add(vec []float32, feature string, weight float32) {
	hasher := fnv.New64a()
	_, _ = hasher.Write([]byte(feature))
	sum := hasher.Sum64()
	idx := int(sum % uint64(h.dims))
	if sum&(1<<63) != 0 {
		weight = -weight
	}
	vec[idx] += weight
}

func tokenize(text string) []string {
	return strings.FieldsFunc(strings.ToLower(text), func(r rune) bool {
		return !unicode.IsLetter(r) && !unicode.IsDigit(r)
	})
}
