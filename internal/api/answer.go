package api

import (
	"encoding/json"
	"log/slog"
	"net/http"
	"strings"
	"unicode/utf8"

	"github.com/nlquery/nlquery/internal/history"
	"github.com/nlquery/nlquery/internal/observability"
	"github.com/nlquery/nlquery/internal/pipeline"
)

const defaultMaxQuestionLength = 2000

type answerRequest struct {
	Question string `json:"question"`
}

type answerError struct {
	Kind string `json:"kind"`
}

type answerResponse struct {
	Question  string         `json:"question"`
	SQL       string         `json:"sql,omitempty"`
	Columns   []string       `json:"columns"`
	Rows      [][]any        `json:"rows"`
	Answer    string         `json:"answer"`
	State     string         `json:"state,omitempty"`
	Exemplars []string       `json:"exemplars"`
	Error     *answerError   `json:"error,omitempty"`
	TraceID   string         `json:"trace_id"`
	Stats     map[string]any `json:"stats"`
}

// handleAnswer reports pipeline failures with status 200 and an error kind;
// the failure detail stays in the logs.
func handleAnswer(deps Dependencies, w http.ResponseWriter, r *http.Request) {
	if deps.Answerer == nil {
		writeError(r.Context(), w, http.StatusNotImplemented, "ANSWER_NOT_CONFIGURED", "answer pipeline is not configured", false, nil)
		return
	}

	var request answerRequest
	decoder := json.NewDecoder(r.Body)
	decoder.DisallowUnknownFields()
	if err := decoder.Decode(&request); err != nil {
		writeError(r.Context(), w, http.StatusBadRequest, "INVALID_JSON", "invalid answer request body", false, map[string]any{"details": err.Error()})
		return
	}
	question := strings.TrimSpace(request.Question)
	if question == "" {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_REQUIRED", "question is required", false, nil)
		return
	}
	maxLength := deps.MaxQuestionLength
	if maxLength <= 0 {
		maxLength = defaultMaxQuestionLength
	}
	if utf8.RuneCountInString(question) > maxLength {
		writeError(r.Context(), w, http.StatusBadRequest, "QUESTION_TOO_LONG", "question is too long", false, map[string]any{"max_length": maxLength})
		return
	}

	result := deps.Answerer.AnswerQuestion(r.Context(), question)
	traceID := observability.TraceIDFromContext(r.Context())
	appendHistory(deps, r, traceID, result)

	response := answerResponse{
		Question:  result.Question,
		SQL:       result.GeneratedSQL,
		Columns:   emptyIfNil(result.Columns),
		Rows:      result.Rows,
		Answer:    result.Answer,
		State:     string(result.State),
		Exemplars: emptyIfNil(result.Exemplars),
		TraceID:   traceID,
		Stats:     map[string]any{"duration_ms": result.Duration.Milliseconds()},
	}
	if response.Rows == nil {
		response.Rows = [][]any{}
	}
	if result.Error != nil {
		response.Error = &answerError{Kind: string(result.Error.Kind)}
	}
	writeJSON(w, http.StatusOK, response)
}

func appendHistory(deps Dependencies, r *http.Request, traceID string, result pipeline.QueryResult) {
	if deps.History == nil {
		return
	}
	entry := history.Entry{
		TraceID:      traceID,
		Question:     result.Question,
		GeneratedSQL: result.GeneratedSQL,
		Answer:       result.Answer,
		DurationMS:   result.Duration.Milliseconds(),
	}
	if result.Error != nil {
		entry.ErrorKind = string(result.Error.Kind)
	}
	if _, err := deps.History.Append(r.Context(), entry); err != nil && deps.Logger != nil {
		deps.Logger.WarnContext(r.Context(), "history_append_failed",
			slog.String("trace_id", traceID),
			slog.String("error", err.Error()),
		)
	}
}

func emptyIfNil(values []string) []string {
	if values == nil {
		return []string{}
	}
	return values
}
