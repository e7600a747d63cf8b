// Package selector ranks corpus exemplars by similarity to a question.
package selector

import (
	"context"
	"errors"
	"fmt"
	"log/slog"
	"math"
	"sort"

	"github.com/nlquery/nlquery/internal/embedding"
	"github.com/nlquery/nlquery/internal/exemplar"
	"github.com/nlquery/nlquery/internal/failure"
)

var (
	ErrInvalidK    = errors.New("k must be >= 1")
	ErrEmptyCorpus = errors.New("corpus is empty")
)

type Match struct {
	Exemplar exemplar.Exemplar
	Score    float64
	// Position is the exemplar's index in the corpus snapshot.
	Position int
}

// Index finds the k nearest exemplars. Results are ordered by descending
// score, ties broken by ascending Position.
type Index interface {
	Search(ctx context.Context, snap *exemplar.Snapshot, query []float32, k int) ([]Match, error)
}

type Selector struct {
	embedder embedding.Embedder
	index    Index
	logger   *slog.Logger
}

// New returns a selector over index. A nil index means a linear scan.
func New(embedder embedding.Embedder, index Index, logger *slog.Logger) *Selector {
	if index == nil {
		index = Linear{}
	}
	if logger == nil {
		logger = slog.Default()
	}
	return &Selector{embedder: embedder, index: index, logger: logger}
}

// Select returns the min(k, corpus size) exemplars most similar to question.
func (s *Selector) Select(ctx context.Context, snap *exemplar.Snapshot, question string, k int) ([]Match, error) {
	if k < 1 {
		return nil, failure.New(failure.KindInvalidArgument, "select exemplars", fmt.Errorf("k=%d: %w", k, ErrInvalidK))
	}
	if snap.Len() == 0 {
		return nil, failure.New(failure.KindInvalidArgument, "select exemplars", ErrEmptyCorpus)
	}
	k = min(k, snap.Len())

	vecs, err := s.embedder.Embed(ctx, []string{question})
	if err != nil {
		return nil, fmt.Errorf("embed question: %w", err)
	}
	if len(vecs) != 1 {
		return nil, fmt.Errorf("embed question: got %d vectors", len(vecs))
	}

	matches, err := s.index.Search(ctx, snap, vecs[0], k)
	if err != nil {
		if ctx.Err() != nil {
			return nil, fmt.Errorf("search index: %w", err)
		}
		s.logger.WarnContext(ctx, "index_search_failed", slog.String("error", err.Error()))
		return Linear{}.Search(ctx, snap, vecs[0], k)
	}
	return matches, nil
}

// Linear scores every exemplar.
type Linear struct{}

func (Linear) Search(_ context.Context, snap *exemplar.Snapshot, query []float32, k int) ([]Match, error) {
	if len(snap.Vectors) != len(snap.Exemplars) {
		return nil, fmt.Errorf("snapshot has %d vectors for %d exemplars", len(snap.Vectors), len(snap.Exemplars))
	}
	matches := make([]Match, len(snap.Exemplars))
	for i, ex := range snap.Exemplars {
		matches[i] = Match{Exemplar: ex, Score: Cosine(query, snap.Vectors[i]), Position: i}
	}
	SortMatches(matches)
	if k < len(matches) {
		matches = matches[:k]
	}
	return matches, nil
}

// SortMatches orders by descending score, then ascending position.
func SortMatches(matches []Match) {
	sort.SliceStable(matches, func(i, j int) bool {
		if matches[i].Score != matches[j].Score {
			return matches[i].Score > matches[j].Score
		}
		return matches[i].Position < matches[j].Position
	})
}

// Cosine returns the cosine similarity of a and b, or 0 when either is a
// zero vector or their lengths differ.
func Cosine(a, b []float32) float64 {
	if len(a) != len(b) || len(a) == 0 {
		return 0
	}
	var dot, normA, normB float64
	for i := range a {
		dot += float64(a[i]) * float64(b[i])
		normA += float64(a[i]) * float64(a[i])
		normB += float64(b[i]) * float64(b[i])
	}
	if normA == 0 || normB == 0 {
		return 0
	}
	return dot / (math.Sqrt(normA) * math.Sqrt(normB))
}
