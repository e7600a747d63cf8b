package api

import (
	"context"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nlquery/nlquery/internal/failure"
)

type fakeCorpusAdmin struct {
	count    int
	err      error
	reloads  int
	replaced []byte
}

func (f *fakeCorpusAdmin) ReloadCorpus(context.Context) (int, error) {
	f.reloads++
	return f.count, f.err
}

func (f *fakeCorpusAdmin) ReplaceCorpus(_ context.Context, data []byte) (int, error) {
	f.replaced = data
	return f.count, f.err
}

type recordedRevision struct {
	source string
	count  int
	cause  error
}

type fakeRevisions struct {
	revisions []recordedRevision
}

func (f *fakeRevisions) RecordCorpusRevision(_ context.Context, source string, exemplars int, cause error) error {
	f.revisions = append(f.revisions, recordedRevision{source: source, count: exemplars, cause: cause})
	return nil
}

func TestCorpusReload(t *testing.T) {
	corpus := &fakeCorpusAdmin{count: 12}
	revisions := &fakeRevisions{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Corpus: corpus, Revisions: revisions, CorpusSource: "file://Sampledata/moma_examples.yaml"})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/corpus/reload", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if !strings.Contains(rr.Body.String(), `"exemplars":12`) {
		t.Fatalf("body = %s", rr.Body.String())
	}
	if len(revisions.revisions) != 1 || revisions.revisions[0].count != 12 || revisions.revisions[0].cause != nil {
		t.Fatalf("revisions = %+v", revisions.revisions)
	}
}

func TestCorpusReloadFailureKinds(t *testing.T) {
	cases := []struct {
		err  error
		want int
	}{
		{err: failure.Load("reload corpus", errors.New("entry 3 missing sql_cmd")), want: http.StatusUnprocessableEntity},
		{err: errors.New("embedder offline"), want: http.StatusInternalServerError},
	}
	for _, tc := range cases {
		revisions := &fakeRevisions{}
		h := NewHandler(loadConfig(t, nil), Dependencies{Corpus: &fakeCorpusAdmin{err: tc.err}, Revisions: revisions})
		rr := httptest.NewRecorder()
		h.ServeHTTP(rr, httptest.NewRequest(http.MethodPost, "/v1/corpus/reload", nil))
		if rr.Code != tc.want {
			t.Fatalf("status = %d, want %d", rr.Code, tc.want)
		}
		if len(revisions.revisions) != 1 || revisions.revisions[0].cause == nil {
			t.Fatalf("revisions = %+v", revisions.revisions)
		}
	}
}

func TestCorpusReplace(t *testing.T) {
	corpus := &fakeCorpusAdmin{count: 1}
	h := NewHandler(loadConfig(t, nil), Dependencies{Corpus: corpus})

	doc := "- table_info: t\n  input: q\n  sql_cmd: SELECT 1\n  sql_result: '[(1,)]'\n  answer: one\n"
	req := httptest.NewRequest(http.MethodPut, "/v1/corpus", strings.NewReader(doc))
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	if string(corpus.replaced) != doc {
		t.Fatalf("replaced = %q", corpus.replaced)
	}
}

func TestCorpusReplaceRejectsLargeBodies(t *testing.T) {
	corpus := &fakeCorpusAdmin{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Corpus: corpus, MaxCorpusBytes: 4})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/corpus", strings.NewReader("0123456789")))
	if rr.Code != http.StatusRequestEntityTooLarge {
		t.Fatalf("status = %d", rr.Code)
	}
	if corpus.replaced != nil {
		t.Fatal("oversized corpus reached the store")
	}
}

func TestCorpusReplaceReadOnlySource(t *testing.T) {
	corpus := &fakeCorpusAdmin{err: failure.Newf(failure.KindInvalidArgument, "replace corpus", "source is read-only")}
	h := NewHandler(loadConfig(t, nil), Dependencies{Corpus: corpus})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodPut, "/v1/corpus", strings.NewReader("[]")))
	if rr.Code != http.StatusConflict {
		t.Fatalf("status = %d", rr.Code)
	}
}
