package observability

import (
	"context"
	"io"
	"log/slog"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"
)

func TestTraceMiddlewarePreservesIncomingTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if got := TraceIDFromContext(r.Context()); got != "trace-1" {
			t.Fatalf("TraceIDFromContext() = %q", got)
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	req := httptest.NewRequest(http.MethodGet, "/v1/health", nil)
	req.Header.Set(traceHeader, "trace-1")
	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, req)

	if got := rr.Header().Get(traceHeader); got != "trace-1" {
		t.Fatalf("trace header = %q", got)
	}
}

func TestTraceMiddlewareGeneratesTraceID(t *testing.T) {
	h := TraceMiddleware(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if TraceIDFromContext(r.Context()) == "" {
			t.Fatal("expected generated trace id")
		}
		w.WriteHeader(http.StatusNoContent)
	}))

	rr := httptest.NewRecorder()
	h.ServeHTTP(rr, httptest.NewRequest(http.MethodGet, "/v1/health", nil))

	if rr.Header().Get(traceHeader) == "" {
		t.Fatal("expected X-Trace-ID header")
	}
}

func TestTraceIDContextHelpers(t *testing.T) {
	ctx := ContextWithTraceID(context.Background(), "abc123")
	if got := TraceIDFromContext(ctx); got != "abc123" {
		t.Fatalf("TraceIDFromContext() = %q", got)
	}
}

func TestLoggingMiddlewareDoesNotPanic(t *testing.T) {
	logger := slog.New(slog.NewJSONHandler(io.Discard, nil))
	h := LoggingMiddleware(logger)(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusAccepted)
	}))
	h.ServeHTTP(httptest.NewRecorder(), httptest.NewRequest(http.MethodGet, "/x", nil))
}

func TestRouteLabelCollapsesUnknownPaths(t *testing.T) {
	if got := routeLabel("/v1/answer"); got != "/v1/answer" {
		t.Fatalf("routeLabel(/v1/answer) = %q", got)
	}
	if got := routeLabel("/wp-admin.php"); got != "other" {
		t.Fatalf("routeLabel(/wp-admin.php) = %q", got)
	}
	if got := routeLabel("/v1/history/"); got != "/v1/history" {
		t.Fatalf("routeLabel(/v1/history/) = %q", got)
	}
	if got := routeLabel("/v1/../../etc/passwd"); got != "other" {
		t.Fatalf("routeLabel(probe) = %q", got)
	}
}

func TestRecoverMiddlewareReturnsInternalError(t *testing.T) {
	h := RecoverMiddleware(slog.New(slog.NewTextHandler(io.Discard, nil)))(http.HandlerFunc(func(http.ResponseWriter, *http.Request) {
		panic("boom")
	}))
	rec := httptest.NewRecorder()
	h.ServeHTTP(rec, httptest.NewRequest(http.MethodPost, "/v1/answer", nil))
	if rec.Code != http.StatusInternalServerError {
		t.Fatalf("status = %d", rec.Code)
	}
	if !strings.Contains(rec.Body.String(), `"error_code":"INTERNAL"`) {
		t.Fatalf("body = %s", rec.Body.String())
	}
}

func TestDomainMetricHelpersAcceptEdgeValues(t *testing.T) {
	ObserveRequest("")
	ObserveRequest("NoSqlFound")
	ObserveStage("select", 0)
	ObservePrompt(-1, true)
	SetCorpusSize(-5)
	ObserveCorpusReload(nil)
}
