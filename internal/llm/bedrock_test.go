package llm

import (
	"context"
	"encoding/json"
	"errors"
	"net/http"
	"net/http/httptest"
	"strings"
	"sync/atomic"
	"testing"

	"github.com/aws/aws-sdk-go-v2/aws"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"

	"github.com/nlquery/nlquery/internal/failure"
)

func TestBedrockClaudeTextRequestShape(t *testing.T) {
	invoker := &fakeInvoker{body: `{"completion":" SELECT COUNT(*) FROM artists\nSQLResult: x","stop_reason":"stop_sequence"}`}
	gw, err := NewBedrock(invoker, "anthropic.claude-v2")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}
	params := Params{MaxTokens: 4096, Temperature: 0.3, TopK: 250, TopP: 1, StopSequences: []string{"\n\nHuman", "\nSQLResult:"}}
	got, err := gw.Complete(context.Background(), "How many artists?", params)
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != " SELECT COUNT(*) FROM artists" {
		t.Fatalf("Complete() = %q", got)
	}
	if invoker.calls != 1 {
		t.Fatalf("InvokeModel calls = %d, want 1", invoker.calls)
	}
	if *invoker.input.ModelId != "anthropic.claude-v2" {
		t.Fatalf("ModelId = %q", *invoker.input.ModelId)
	}

	var req claudeTextRequest
	if err := json.Unmarshal(invoker.input.Body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.Prompt != "\n\nHuman: How many artists?\n\nAssistant:" {
		t.Fatalf("prompt = %q", req.Prompt)
	}
	if req.MaxTokensToSample != 4096 || req.TopK != 250 || req.TopP != 1 || req.Temperature != 0.3 {
		t.Fatalf("request params = %#v", req)
	}
	if len(req.StopSequences) != 2 {
		t.Fatalf("stop sequences = %q", req.StopSequences)
	}
}

func TestBedrockClaudeMessagesFormat(t *testing.T) {
	invoker := &fakeInvoker{body: `{"content":[{"type":"text","text":"SELECT 1"}]}`}
	gw, err := NewBedrock(invoker, "anthropic.claude-3-haiku-20240307-v1:0")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}
	got, err := gw.Complete(context.Background(), "q", Params{MaxTokens: 100, TopP: 1, StopSequences: []string{"\n\n", "\nSQLResult:"}})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "SELECT 1" {
		t.Fatalf("Complete() = %q", got)
	}
	var req claudeMessagesRequest
	if err := json.Unmarshal(invoker.input.Body, &req); err != nil {
		t.Fatalf("decode request: %v", err)
	}
	if req.AnthropicVersion != "bedrock-2023-05-31" || len(req.Messages) != 1 {
		t.Fatalf("request = %#v", req)
	}
	if len(req.StopSequences) != 1 || req.StopSequences[0] != "\nSQLResult:" {
		t.Fatalf("stop sequences = %q", req.StopSequences)
	}
}

func TestBedrockTitanFormat(t *testing.T) {
	invoker := &fakeInvoker{body: `{"results":[{"outputText":"There are 15000 artists."}]}`}
	gw, err := NewBedrock(invoker, "amazon.titan-text-express-v1")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}
	got, err := gw.Complete(context.Background(), "q", Params{MaxTokens: 100, TopP: 1})
	if err != nil {
		t.Fatalf("Complete() error = %v", err)
	}
	if got != "There are 15000 artists." {
		t.Fatalf("Complete() = %q", got)
	}
}

func TestBedrockProviderErrorIsGatewayError(t *testing.T) {
	invoker := &fakeInvoker{err: &smithy.GenericAPIError{Code: "AccessDeniedException", Message: "not authorized"}}
	gw, err := NewBedrock(invoker, "anthropic.claude-v2")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}
	_, err = gw.Complete(context.Background(), "q", Params{MaxTokens: 10, TopP: 1})
	if !failure.IsKind(err, failure.KindGateway) {
		t.Fatalf("Complete() error = %v, want GatewayError", err)
	}
	if !strings.Contains(err.Error(), "code=AccessDeniedException: not authorized") {
		t.Fatalf("error = %q", err.Error())
	}
	if invoker.calls != 1 {
		t.Fatalf("InvokeModel calls = %d, want exactly one attempt", invoker.calls)
	}
}

func TestBedrockRejectsInvalidParamsWithoutCalling(t *testing.T) {
	invoker := &fakeInvoker{}
	gw, err := NewBedrock(invoker, "anthropic.claude-v2")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}
	_, err = gw.Complete(context.Background(), "q", Params{MaxTokens: 10, Temperature: 2})
	if !failure.IsKind(err, failure.KindInvalidArgument) {
		t.Fatalf("Complete() error = %v, want InvalidArgument", err)
	}
	if invoker.calls != 0 {
		t.Fatalf("InvokeModel calls = %d, want 0", invoker.calls)
	}
}

func TestBedrockUnsupportedModel(t *testing.T) {
	gw, err := NewBedrock(&fakeInvoker{}, "meta.llama3")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}
	if _, err := gw.Complete(context.Background(), "q", Params{MaxTokens: 10}); !failure.IsKind(err, failure.KindGateway) {
		t.Fatalf("Complete() error = %v, want GatewayError", err)
	}
}

func TestProviderDetailWithoutAPIError(t *testing.T) {
	if got := ProviderDetail(errors.New("dial tcp: refused")); got != "transport error" {
		t.Fatalf("ProviderDetail() = %q", got)
	}
}

type fakeInvoker struct {
	body  string
	err   error
	input *bedrockruntime.InvokeModelInput
	calls int
}

func (f *fakeInvoker) InvokeModel(_ context.Context, params *bedrockruntime.InvokeModelInput, _ ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error) {
	f.calls++
	f.input = params
	if f.err != nil {
		return nil, f.err
	}
	return &bedrockruntime.InvokeModelOutput{Body: []byte(f.body)}, nil
}

func TestBedrockClientDoesNotRetryThrottling(t *testing.T) {
	t.Setenv("AWS_EC2_METADATA_DISABLED", "true")
	var hits atomic.Int32
	srv := httptest.NewServer(http.HandlerFunc(func(w http.ResponseWriter, r *http.Request) {
		hits.Add(1)
		w.Header().Set("Content-Type", "application/json")
		w.Header().Set("X-Amzn-ErrorType", "ThrottlingException")
		w.WriteHeader(http.StatusTooManyRequests)
		_, _ = w.Write([]byte(`{"message":"slow down"}`))
	}))
	defer srv.Close()

	creds := aws.CredentialsProviderFunc(func(context.Context) (aws.Credentials, error) {
		return aws.Credentials{AccessKeyID: "AKID", SecretAccessKey: "secret", Source: "test"}, nil
	})
	client, err := NewBedrockClient(context.Background(), "us-east-1",
		awsconfig.WithBaseEndpoint(srv.URL),
		awsconfig.WithCredentialsProvider(creds),
	)
	if err != nil {
		t.Fatalf("NewBedrockClient() error = %v", err)
	}
	gw, err := NewBedrock(client, "anthropic.claude-v2")
	if err != nil {
		t.Fatalf("NewBedrock() error = %v", err)
	}

	_, err = gw.Complete(context.Background(), "q", Params{MaxTokens: 10, TopP: 1})
	if !failure.IsKind(err, failure.KindGateway) {
		t.Fatalf("Complete() error = %v, want gateway error", err)
	}
	if !strings.Contains(err.Error(), "status=429") {
		t.Fatalf("Complete() error = %v, want provider status", err)
	}
	if got := hits.Load(); got != 1 {
		t.Fatalf("requests = %d, want 1", got)
	}
}
