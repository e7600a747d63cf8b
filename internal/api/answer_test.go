package api

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
	"time"

	"github.com/nlquery/nlquery/internal/answer"
	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/history"
	"github.com/nlquery/nlquery/internal/pipeline"
	"github.com/nlquery/nlquery/internal/sqlexec"
)

type fakeAnswerer struct {
	result    pipeline.QueryResult
	questions []string
}

func (f *fakeAnswerer) AnswerQuestion(_ context.Context, question string) pipeline.QueryResult {
	f.questions = append(f.questions, question)
	result := f.result
	result.Question = question
	return result
}

type failingLog struct{}

func (failingLog) Append(context.Context, history.Entry) (history.Entry, error) {
	return history.Entry{}, errors.New("history down")
}

func (failingLog) List(context.Context, int) ([]history.Entry, error) {
	return nil, errors.New("history down")
}

func TestAnswerEndpointReturnsEvidence(t *testing.T) {
	answerer := &fakeAnswerer{result: pipeline.QueryResult{
		GeneratedSQL: "SELECT COUNT(*) FROM artists",
		Columns:      []string{"count"},
		Rows:         [][]any{{int64(15000)}},
		Answer:       "There are 15,000 artists.",
		State:        sqlexec.StateSucceeded,
		Exemplars:    []string{"0"},
		Duration:     40 * time.Millisecond,
	}}
	log := history.NewMemory(10)
	h := NewHandler(loadConfig(t, nil), Dependencies{Answerer: answerer, History: log})

	rr := postJSON(h, "/v1/answer", `{"question":"  How many artists are there? "}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d, body=%s", rr.Code, rr.Body.String())
	}
	var body answerResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.SQL != "SELECT COUNT(*) FROM artists" || body.Answer != "There are 15,000 artists." {
		t.Fatalf("body = %+v", body)
	}
	if body.Error != nil {
		t.Fatalf("Error = %+v", body.Error)
	}
	if body.TraceID == "" {
		t.Fatal("trace id missing")
	}
	if answerer.questions[0] != "How many artists are there?" {
		t.Fatalf("question = %q", answerer.questions[0])
	}

	entries, _ := log.List(context.Background(), 10)
	if len(entries) != 1 || entries[0].GeneratedSQL != "SELECT COUNT(*) FROM artists" || entries[0].TraceID != body.TraceID {
		t.Fatalf("history = %+v", entries)
	}
}

func TestAnswerEndpointHidesFailureDetail(t *testing.T) {
	answerer := &fakeAnswerer{result: pipeline.QueryResult{
		GeneratedSQL: "SELECT * FROM nonexistent_table",
		Answer:       answer.Fallback,
		State:        sqlexec.StateExecutionFailed,
		Error: &pipeline.ErrorInfo{
			Kind:    failure.KindSQLExecution,
			Message: `relation "nonexistent_table" does not exist`,
		},
	}}
	h := NewHandler(loadConfig(t, nil), Dependencies{Answerer: answerer, History: failingLog{}})

	rr := postJSON(h, "/v1/answer", `{"question":"List everything"}`)
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	if strings.Contains(rr.Body.String(), "does not exist") {
		t.Fatalf("failure detail leaked: %s", rr.Body.String())
	}
	var body answerResponse
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if body.Error == nil || body.Error.Kind != "SqlExecutionError" {
		t.Fatalf("Error = %+v", body.Error)
	}
	if body.Answer != answer.Fallback {
		t.Fatalf("Answer = %q", body.Answer)
	}
	if len(body.Rows) != 0 {
		t.Fatalf("Rows = %v", body.Rows)
	}
}

func TestAnswerEndpointValidatesRequest(t *testing.T) {
	answerer := &fakeAnswerer{}
	h := NewHandler(loadConfig(t, nil), Dependencies{Answerer: answerer, MaxQuestionLength: 10})

	cases := map[string]string{
		`{"question":`:                         "INVALID_JSON",
		`{"question":"hi","extra":true}`:       "INVALID_JSON",
		`{"question":"   "}`:                   "QUESTION_REQUIRED",
		`{"question":"this question is long"}`: "QUESTION_TOO_LONG",
	}
	for body, code := range cases {
		rr := postJSON(h, "/v1/answer", body)
		if rr.Code != http.StatusBadRequest {
			t.Fatalf("%s: status = %d", body, rr.Code)
		}
		if !strings.Contains(rr.Body.String(), code) {
			t.Fatalf("%s: body = %s, want %s", body, rr.Body.String(), code)
		}
	}
	if len(answerer.questions) != 0 {
		t.Fatal("pipeline ran for invalid request")
	}
}

func TestAnswerEndpointNotConfigured(t *testing.T) {
	h := NewHandler(loadConfig(t, nil), Dependencies{})
	rr := postJSON(h, "/v1/answer", `{"question":"hi"}`)
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHistoryEndpoint(t *testing.T) {
	log := history.NewMemory(10)
	for _, question := range []string{"first", "second", "third"} {
		_, _ = log.Append(context.Background(), history.Entry{Question: question})
	}
	h := NewHandler(loadConfig(t, nil), Dependencies{History: log})

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history?limit=2", nil))
	if rr.Code != http.StatusOK {
		t.Fatalf("status = %d", rr.Code)
	}
	var body struct {
		Entries []history.Entry `json:"entries"`
	}
	if err := json.Unmarshal(rr.Body.Bytes(), &body); err != nil {
		t.Fatalf("json decode failed: %v", err)
	}
	if len(body.Entries) != 2 || body.Entries[0].Question != "third" {
		t.Fatalf("entries = %+v", body.Entries)
	}

	rr = httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history?limit=zero", nil))
	if rr.Code != http.StatusBadRequest {
		t.Fatalf("status = %d", rr.Code)
	}
}

func TestHistoryEndpointErrors(t *testing.T) {
	rr := httptest.NewRecorder()
	NewHandler(loadConfig(t, nil), Dependencies{}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	if rr.Code != http.StatusNotImplemented {
		t.Fatalf("status = %d", rr.Code)
	}

	rr = httptest.NewRecorder()
	NewHandler(loadConfig(t, nil), Dependencies{History: failingLog{}}).ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/history", nil))
	if rr.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rr.Code)
	}
}

func postJSON(h http.Handler, path, body string) *httptest.ResponseRecorder {
	req := httptest.NewRequest(http.MethodPost, path, strings.NewReader(body))
	req.Header.Set("Content-Type", "application/json")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)
	return rr
}
