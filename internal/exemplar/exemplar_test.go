package exemplar

import (
	"context"
	"errors"
	"io"
	"log/slog"
	"os"
	"path/filepath"
	"strings"
	"sync"
	"testing"

	"github.com/nlquery/nlquery/internal/failure"
)

const sequenceCorpus = `
- table_info: "CREATE TABLE artists (name text)"
  input: How many artists are there?
  sql_cmd: SELECT count(*) FROM artists;
  sql_result: "[(15000,)]"
  answer: There are 15000 artists.
- table_info: "CREATE TABLE artworks (title text)"
  input: How many artworks are there?
  sql_cmd: SELECT count(*) FROM artworks;
  sql_result: "[(130000,)]"
  answer: There are 130000 artworks.
`

func TestParseSequenceKeepsOrder(t *testing.T) {
	got, err := Parse([]byte(sequenceCorpus), ParseOptions{})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Parse()) = %d", len(got))
	}
	if got[0].ID != "0" || got[0].Question != "How many artists are there?" || got[0].Result != "[(15000,)]" {
		t.Fatalf("Parse()[0] = %#v", got[0])
	}
	if got[1].SQL != "SELECT count(*) FROM artworks;" {
		t.Fatalf("Parse()[1].SQL = %q", got[1].SQL)
	}
}

func TestParseMappingUsesKeysAsIDs(t *testing.T) {
	doc := `
zeta:
  table_info: t
  input: q1
  sql_cmd: s1
  sql_result: r1
  answer: a1
alpha:
  table_info: t
  input: q2
  sql_cmd: s2
  sql_result: 42
  answer: a2
`
	got, err := Parse([]byte(doc), ParseOptions{})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 2 || got[0].ID != "zeta" || got[1].ID != "alpha" {
		t.Fatalf("Parse() = %#v", got)
	}
	if got[1].Result != "42" {
		t.Fatalf("Result = %q", got[1].Result)
	}
}

func TestParseRendersCollectionsAsFlow(t *testing.T) {
	doc := `
- table_info: t
  input: q
  sql_cmd: s
  sql_result: [1, 2]
  answer: a
`
	got, err := Parse([]byte(doc), ParseOptions{})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if got[0].Result != "[1, 2]" {
		t.Fatalf("Result = %q", got[0].Result)
	}
}

func TestParseMissingKeyIsLoadError(t *testing.T) {
	doc := `
- table_info: t
  input: q
  sql_cmd: s
  answer: a
`
	_, err := Parse([]byte(doc), ParseOptions{})
	if !failure.IsKind(err, failure.KindLoad) {
		t.Fatalf("Parse() error = %v, want LoadError", err)
	}
	if !strings.Contains(err.Error(), "sql_result") {
		t.Fatalf("error = %q, want missing key named", err.Error())
	}
}

func TestParseSkipInvalidDropsBadEntries(t *testing.T) {
	doc := sequenceCorpus + `
- input: orphan
- just a string
`
	got, err := Parse([]byte(doc), ParseOptions{SkipInvalid: true, Logger: slog.New(slog.NewTextHandler(io.Discard, nil))})
	if err != nil {
		t.Fatalf("Parse() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Parse()) = %d, want 2", len(got))
	}
}

func TestParseMalformedDocument(t *testing.T) {
	tests := []string{
		"- table_info: [unclosed",
		"just a scalar",
	}
	for _, doc := range tests {
		if _, err := Parse([]byte(doc), ParseOptions{}); !failure.IsKind(err, failure.KindLoad) {
			t.Fatalf("Parse(%q) error = %v, want LoadError", doc, err)
		}
	}
}

func TestParseEmptyDocument(t *testing.T) {
	for _, doc := range []string{"", "# nothing here\n", "~"} {
		got, err := Parse([]byte(doc), ParseOptions{})
		if err != nil {
			t.Fatalf("Parse(%q) error = %v", doc, err)
		}
		if len(got) != 0 {
			t.Fatalf("Parse(%q) = %#v", doc, got)
		}
	}
}

func TestLoadMissingFileIsLoadError(t *testing.T) {
	_, err := Load(context.Background(), FileSource{Path: filepath.Join(t.TempDir(), "missing.yaml")}, ParseOptions{})
	if !failure.IsKind(err, failure.KindLoad) {
		t.Fatalf("Load() error = %v, want LoadError", err)
	}
	if !errors.Is(err, os.ErrNotExist) {
		t.Fatalf("Load() error = %v, want wrapped os.ErrNotExist", err)
	}
}

func TestLoadFromFile(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	if err := os.WriteFile(path, []byte(sequenceCorpus), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	got, err := Load(context.Background(), FileSource{Path: path}, ParseOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 2 {
		t.Fatalf("len(Load()) = %d", len(got))
	}
}

func TestLoadBundledMoMACorpus(t *testing.T) {
	got, err := Load(context.Background(), FileSource{Path: filepath.Join("..", "..", "Sampledata", "moma_examples.yaml")}, ParseOptions{})
	if err != nil {
		t.Fatalf("Load() error = %v", err)
	}
	if len(got) != 12 {
		t.Fatalf("len(Load()) = %d, want 12", len(got))
	}
	if got[0].Question != "How many artists are there in the collection?" {
		t.Fatalf("first question = %q", got[0].Question)
	}
	if !strings.HasPrefix(got[0].TableInfo, "CREATE TABLE artists (") {
		t.Fatalf("first table_info = %q", got[0].TableInfo)
	}
	if got[4].SQL != "SELECT a.nationality, COUNT(*) AS artworks\nFROM artworks w\nJOIN artists a ON a.artist_id = w.artist_id\nGROUP BY a.nationality\nORDER BY artworks DESC\nLIMIT 1;" {
		t.Fatalf("multi-line sql_cmd = %q", got[4].SQL)
	}
}

func TestStoreEmbedsOnceForConcurrentCallers(t *testing.T) {
	emb := &fakeEmbedder{}
	store := newTestStore(t, &memorySource{data: sequenceCorpus}, emb)
	if emb.callCount() != 0 {
		t.Fatalf("embedder called %d times before first use", emb.callCount())
	}

	var wg sync.WaitGroup
	snaps := make([]*Snapshot, 8)
	for i := range snaps {
		wg.Add(1)
		go func(i int) {
			defer wg.Done()
			snap, err := store.Snapshot(context.Background())
			if err != nil {
				t.Errorf("Snapshot() error = %v", err)
				return
			}
			snaps[i] = snap
		}(i)
	}
	wg.Wait()

	if emb.callCount() != 1 {
		t.Fatalf("embedder calls = %d, want 1", emb.callCount())
	}
	for _, snap := range snaps {
		if snap != snaps[0] {
			t.Fatal("callers observed different snapshots")
		}
	}
	if len(snaps[0].Vectors) != 2 {
		t.Fatalf("len(Vectors) = %d", len(snaps[0].Vectors))
	}
}

func TestStoreRetriesAfterFailedEmbedding(t *testing.T) {
	emb := &fakeEmbedder{failNext: true}
	store := newTestStore(t, &memorySource{data: sequenceCorpus}, emb)

	if _, err := store.Snapshot(context.Background()); err == nil {
		t.Fatal("expected embedding error")
	}
	snap, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if snap.Len() != 2 {
		t.Fatalf("snap.Len() = %d", snap.Len())
	}
}

func TestStoreReloadInvalidatesEmbeddings(t *testing.T) {
	src := &memorySource{data: sequenceCorpus}
	emb := &fakeEmbedder{}
	store := newTestStore(t, src, emb)

	first, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}

	src.set(`
- {table_info: t, input: only one, sql_cmd: s, sql_result: r, answer: a}
`)
	n, err := store.Reload(context.Background())
	if err != nil {
		t.Fatalf("Reload() error = %v", err)
	}
	if n != 1 {
		t.Fatalf("Reload() = %d, want 1", n)
	}

	second, err := store.Snapshot(context.Background())
	if err != nil {
		t.Fatalf("Snapshot() error = %v", err)
	}
	if second == first || second.Len() != 1 || second.Version != first.Version+1 {
		t.Fatalf("second snapshot = %#v", second)
	}
	if emb.callCount() != 2 {
		t.Fatalf("embedder calls = %d, want 2", emb.callCount())
	}
}

func TestStoreReloadFailureKeepsCurrentCorpus(t *testing.T) {
	src := &memorySource{data: sequenceCorpus}
	store := newTestStore(t, src, &fakeEmbedder{})

	src.set("- {input: broken}")
	if _, err := store.Reload(context.Background()); !failure.IsKind(err, failure.KindLoad) {
		t.Fatalf("Reload() error = %v, want LoadError", err)
	}
	if store.Len() != 2 || store.Version() != 1 {
		t.Fatalf("Len/Version = %d/%d, want 2/1", store.Len(), store.Version())
	}
}

func TestStoreReplaceWritesAndActivates(t *testing.T) {
	src := &memorySource{data: sequenceCorpus}
	store := newTestStore(t, src, &fakeEmbedder{})

	doc := "- {table_info: t, input: q, sql_cmd: s, sql_result: r, answer: a}\n"
	n, err := store.Replace(context.Background(), []byte(doc))
	if err != nil {
		t.Fatalf("Replace() error = %v", err)
	}
	if n != 1 || src.get() != doc || store.Len() != 1 {
		t.Fatalf("Replace() = %d, source = %q, Len = %d", n, src.get(), store.Len())
	}

	if _, err := store.Replace(context.Background(), []byte("- {input: x}")); !failure.IsKind(err, failure.KindLoad) {
		t.Fatalf("Replace() error = %v, want LoadError", err)
	}
	if src.get() != doc {
		t.Fatal("invalid corpus must not be written")
	}
}

func TestStoreReplaceRejectsEmptyCorpus(t *testing.T) {
	src := &memorySource{data: sequenceCorpus}
	store := newTestStore(t, src, &fakeEmbedder{})

	for _, doc := range []string{"", "[]\n", "{}\n", "# cleared\n"} {
		_, err := store.Replace(context.Background(), []byte(doc))
		if !failure.IsKind(err, failure.KindLoad) || !errors.Is(err, ErrNoExemplars) {
			t.Fatalf("Replace(%q) error = %v, want %v", doc, err, ErrNoExemplars)
		}
	}
	if src.get() != sequenceCorpus {
		t.Fatal("empty corpus must not be written")
	}
	if store.Len() != 2 || store.Version() != 1 {
		t.Fatalf("Len/Version = %d/%d, want 2/1", store.Len(), store.Version())
	}
}

func TestLoadRejectsCorpusWithoutExemplars(t *testing.T) {
	opts := ParseOptions{SkipInvalid: true, Logger: discardLogger()}
	for _, doc := range []string{"", "- {input: orphan}\n"} {
		_, err := Load(context.Background(), &memorySource{data: doc}, opts)
		if !failure.IsKind(err, failure.KindLoad) || !errors.Is(err, ErrNoExemplars) {
			t.Fatalf("Load(%q) error = %v, want %v", doc, err, ErrNoExemplars)
		}
	}
}

func TestStoreReloadKeepsCorpusWhenSourceEmptied(t *testing.T) {
	src := &memorySource{data: sequenceCorpus}
	store := newTestStore(t, src, &fakeEmbedder{})

	src.set("")
	if _, err := store.Reload(context.Background()); !errors.Is(err, ErrNoExemplars) {
		t.Fatalf("Reload() error = %v, want %v", err, ErrNoExemplars)
	}
	if store.Len() != 2 || store.Version() != 1 {
		t.Fatalf("Len/Version = %d/%d, want 2/1", store.Len(), store.Version())
	}
}

func TestStoreReplaceRejectsReadOnlySource(t *testing.T) {
	path := filepath.Join(t.TempDir(), "corpus.yaml")
	if err := os.WriteFile(path, []byte(sequenceCorpus), 0o600); err != nil {
		t.Fatalf("WriteFile() error = %v", err)
	}
	store := newTestStore(t, FileSource{Path: path}, &fakeEmbedder{})
	if _, err := store.Replace(context.Background(), []byte(sequenceCorpus)); !failure.IsKind(err, failure.KindInvalidArgument) {
		t.Fatalf("Replace() error = %v, want InvalidArgument", err)
	}
}

func TestNewStoreFailsOnBadCorpus(t *testing.T) {
	_, err := NewStore(context.Background(), &memorySource{data: "- {input: x}"}, &fakeEmbedder{}, StoreOptions{Logger: discardLogger()})
	if !failure.IsKind(err, failure.KindLoad) {
		t.Fatalf("NewStore() error = %v, want LoadError", err)
	}
}

func newTestStore(t *testing.T, src Source, emb *fakeEmbedder) *Store {
	t.Helper()
	store, err := NewStore(context.Background(), src, emb, StoreOptions{Logger: discardLogger()})
	if err != nil {
		t.Fatalf("NewStore() error = %v", err)
	}
	return store
}

func discardLogger() *slog.Logger {
	return slog.New(slog.NewTextHandler(io.Discard, nil))
}

type memorySource struct {
	mu   sync.Mutex
	data string
}

func (m *memorySource) Name() string { return "memory" }

func (m *memorySource) Read(context.Context) ([]byte, error) {
	return []byte(m.get()), nil
}

func (m *memorySource) Write(_ context.Context, data []byte) error {
	m.set(string(data))
	return nil
}

func (m *memorySource) get() string {
	m.mu.Lock()
	defer m.mu.Unlock()
	return m.data
}

func (m *memorySource) set(data string) {
	m.mu.Lock()
	m.data = data
	m.mu.Unlock()
}

type fakeEmbedder struct {
	mu       sync.Mutex
	calls    int
	failNext bool
}

func (f *fakeEmbedder) Dimensions() int { return 2 }

func (f *fakeEmbedder) Embed(_ context.Context, texts []string) ([][]float32, error) {
	f.mu.Lock()
	defer f.mu.Unlock()
	f.calls++
	if f.failNext {
		f.failNext = false
		return nil, errors.New("provider unavailable")
	}
	out := make([][]float32, len(texts))
	for i, text := range texts {
		out[i] = []float32{float32(len(text)), 1}
	}
	return out, nil
}

func (f *fakeEmbedder) callCount() int {
	f.mu.Lock()
	defer f.mu.Unlock()
	return f.calls
}
