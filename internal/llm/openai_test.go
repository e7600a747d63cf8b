package llm

import (
	"context"
	"encoding/json"
	"net/http"
	"net/http/httptest"
	"strings"
	"testing"

	"github.com/nlquery/nlquery/internal/failure"
)

func TestOpenAICompleteSendsParams(t *testing.T) {
	var got chatRequest
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		if r.URL.Path != "/v1/chat/completions" {
			t.Errorf("path = %q", r.URL.Path)
		}
		if r.Header.Get("Authorization") != "Bearer key-1" {
			t.Errorf("Authorization = %q", r.Header.Get("Authorization"))
		}
		if err := json.NewDecoder(r.Body).Decode(&got); err != nil {
			t.Errorf("decode body: %v", err)
		}
		_, _ = w.Write([]byte(`{"choices":[{"message":{"content":"SELECT 1\nSQLResult: [(1,)]"}}]}`))
	}))
	defer server.Close()

	gw, err := NewOpenAI(OpenAIConfig{BaseURL: server.URL + "/", APIKey: "key-1", Model: "gpt-test"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	out, err := gw.Complete(context.Background(), "prompt", Params{
		MaxTokens:     256,
		Temperature:   0.3,
		TopP:          1,
		StopSequences: []string{"a", "b", "c", "d", "\nSQLResult:"},
	})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if out != "SELECT 1" {
		t.Fatalf("Complete() = %q", out)
	}
	if got.Model != "gpt-test" || got.MaxTokens != 256 || len(got.Messages) != 1 {
		t.Fatalf("request = %#v", got)
	}
	if len(got.Stop) != 4 {
		t.Fatalf("stop = %q, want 4 entries", got.Stop)
	}
}

func TestOpenAIStatusErrorIsGatewayError(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		w.WriteHeader(http.StatusUnauthorized)
		_, _ = w.Write([]byte(`{"error":"bad key"}`))
	}))
	defer server.Close()

	gw, err := NewOpenAI(OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	_, err = gw.Complete(context.Background(), "prompt", Params{MaxTokens: 1})
	if !failure.IsKind(err, failure.KindGateway) {
		t.Fatalf("Complete() error = %v, want GatewayError", err)
	}
	if !strings.Contains(err.Error(), "status=401") {
		t.Fatalf("error = %q", err.Error())
	}
}

func TestOpenAIEmptyChoices(t *testing.T) {
	server := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		_, _ = w.Write([]byte(`{"choices":[]}`))
	}))
	defer server.Close()

	gw, err := NewOpenAI(OpenAIConfig{BaseURL: server.URL, APIKey: "k"})
	if err != nil {
		t.Fatalf("NewOpenAI() error = %v", err)
	}
	if _, err := gw.Complete(context.Background(), "prompt", Params{MaxTokens: 1}); !failure.IsKind(err, failure.KindGateway) {
		t.Fatalf("Complete() error = %v, want GatewayError", err)
	}
}

func TestNewOpenAIRequiresKey(t *testing.T) {
	if _, err := NewOpenAI(OpenAIConfig{BaseURL: "http://x"}); err == nil {
		t.Fatal("expected api key error")
	}
}
