package exemplar

import (
	"context"
	"fmt"
	"log/slog"
	"sync"
	"sync/atomic"
	"time"

	"github.com/nlquery/nlquery/internal/embedding"
	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/observability"
)

const embedBatchSize = 64

// Snapshot is an immutable view of the corpus with one vector per exemplar.
type Snapshot struct {
	Version   int64
	Exemplars []Exemplar
	Vectors   [][]float32
}

func (s *Snapshot) Len() int {
	if s == nil {
		return 0
	}
	return len(s.Exemplars)
}

type corpus struct {
	version   int64
	exemplars []Exemplar
}

type StoreOptions struct {
	Parse  ParseOptions
	Logger *slog.Logger
}

// Store owns the loaded corpus. Embeddings are computed on the first
// Snapshot call and reused until Reload.
type Store struct {
	source   Source
	embedder embedding.Embedder
	parse    ParseOptions
	logger   *slog.Logger

	mu       sync.Mutex
	corpus   atomic.Pointer[corpus]
	snapshot atomic.Pointer[Snapshot]
}

// NewStore loads the corpus eagerly so a bad corpus fails startup.
func NewStore(ctx context.Context, source Source, embedder embedding.Embedder, opts StoreOptions) (*Store, error) {
	if embedder == nil {
		return nil, fmt.Errorf("embedder is required")
	}
	logger := opts.Logger
	if logger == nil {
		logger = slog.Default()
	}
	parse := opts.Parse
	if parse.Logger == nil {
		parse.Logger = logger
	}
	s := &Store{source: source, embedder: embedder, parse: parse, logger: logger}

	exemplars, err := Load(ctx, source, parse)
	if err != nil {
		return nil, err
	}
	s.corpus.Store(&corpus{version: 1, exemplars: exemplars})
	observability.SetCorpusSize(len(exemplars))
	logger.Info("corpus_loaded", slog.String("source", source.Name()), slog.Int("exemplars", len(exemplars)))
	return s, nil
}

func (s *Store) Len() int {
	return len(s.corpus.Load().exemplars)
}

func (s *Store) Version() int64 {
	return s.corpus.Load().version
}

// Snapshot returns the embedded corpus, embedding it on first use. Concurrent
// first callers wait for a single embedding pass; a failed pass is not
// cached and the next caller tries again.
func (s *Store) Snapshot(ctx context.Context) (*Snapshot, error) {
	if snap := s.snapshot.Load(); snap != nil {
		return snap, nil
	}

	s.mu.Lock()
	defer s.mu.Unlock()
	if snap := s.snapshot.Load(); snap != nil {
		return snap, nil
	}

	current := s.corpus.Load()
	start := time.Now()
	vectors, err := s.embedAll(ctx, current.exemplars)
	if err != nil {
		return nil, fmt.Errorf("embed corpus: %w", err)
	}
	snap := &Snapshot{Version: current.version, Exemplars: current.exemplars, Vectors: vectors}
	s.snapshot.Store(snap)
	s.logger.Info("corpus_embedded",
		slog.Int64("version", snap.Version),
		slog.Int("exemplars", snap.Len()),
		slog.String("duration", time.Since(start).String()),
	)
	return snap, nil
}

func (s *Store) embedAll(ctx context.Context, exemplars []Exemplar) ([][]float32, error) {
	vectors := make([][]float32, 0, len(exemplars))
	for start := 0; start < len(exemplars); start += embedBatchSize {
		end := min(start+embedBatchSize, len(exemplars))
		texts := make([]string, 0, end-start)
		for _, ex := range exemplars[start:end] {
			texts = append(texts, ex.Question)
		}
		batch, err := s.embedder.Embed(ctx, texts)
		if err != nil {
			return nil, err
		}
		if len(batch) != len(texts) {
			return nil, fmt.Errorf("embedder returned %d vectors for %d texts", len(batch), len(texts))
		}
		vectors = append(vectors, batch...)
	}
	return vectors, nil
}

// Reload re-reads the source. On failure the current corpus stays active.
// On success the embedding cache is dropped and rebuilt on next use.
func (s *Store) Reload(ctx context.Context) (int, error) {
	exemplars, err := Load(ctx, s.source, s.parse)
	observability.ObserveCorpusReload(err)
	if err != nil {
		s.logger.Error("corpus_reload_failed", slog.String("source", s.source.Name()), slog.String("error", err.Error()))
		return 0, err
	}
	s.swap(exemplars)
	return len(exemplars), nil
}

// Replace validates data as a corpus, writes it back to the source and
// activates it. Sources that cannot be written reject the call.
func (s *Store) Replace(ctx context.Context, data []byte) (int, error) {
	writer, ok := s.source.(Writer)
	if !ok {
		return 0, failure.Newf(failure.KindInvalidArgument, "replace corpus", "source %s is read-only", s.source.Name())
	}
	exemplars, err := Parse(data, ParseOptions{Logger: s.logger})
	if err != nil {
		return 0, err
	}
	if err := requireExemplars("replace corpus", exemplars); err != nil {
		return 0, err
	}
	if err := writer.Write(ctx, data); err != nil {
		return 0, failure.Load("replace corpus", fmt.Errorf("write %s: %w", s.source.Name(), err))
	}
	observability.ObserveCorpusReload(nil)
	s.swap(exemplars)
	return len(exemplars), nil
}

func (s *Store) swap(exemplars []Exemplar) {
	s.mu.Lock()
	next := &corpus{version: s.corpus.Load().version + 1, exemplars: exemplars}
	s.corpus.Store(next)
	s.snapshot.Store(nil)
	s.mu.Unlock()

	observability.SetCorpusSize(len(exemplars))
	s.logger.Info("corpus_reloaded",
		slog.String("source", s.source.Name()),
		slog.Int64("version", next.version),
		slog.Int("exemplars", len(exemplars)),
	)
}
