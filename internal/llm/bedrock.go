package llm

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	awshttp "github.com/aws/aws-sdk-go-v2/aws/transport/http"
	awsconfig "github.com/aws/aws-sdk-go-v2/config"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"
	"github.com/aws/smithy-go"
)

// Invoker is the slice of the Bedrock runtime client used by the gateway and
// the Titan embedder.
type Invoker interface {
	InvokeModel(ctx context.Context, params *bedrockruntime.InvokeModelInput, optFns ...func(*bedrockruntime.Options)) (*bedrockruntime.InvokeModelOutput, error)
}

// NewBedrockClient builds a runtime client that sends each request once.
// Throttling and transient failures surface to the caller as gateway errors.
// optFns are applied after the region and before the retryer, which cannot
// be overridden.
func NewBedrockClient(ctx context.Context, region string, optFns ...func(*awsconfig.LoadOptions) error) (*bedrockruntime.Client, error) {
	opts := make([]func(*awsconfig.LoadOptions) error, 0, len(optFns)+2)
	opts = append(opts, awsconfig.WithRegion(region))
	opts = append(opts, optFns...)
	opts = append(opts, awsconfig.WithRetryer(func() aws.Retryer { return aws.NopRetryer{} }))
	cfg, err := awsconfig.LoadDefaultConfig(ctx, opts...)
	if err != nil {
		return nil, fmt.Errorf("load AWS config: %w", err)
	}
	return bedrockruntime.NewFromConfig(cfg), nil
}

type Bedrock struct {
	client Invoker
	model  string
}

var _ Gateway = (*Bedrock)(nil)

func NewBedrock(client Invoker, model string) (*Bedrock, error) {
	if client == nil {
		return nil, fmt.Errorf("bedrock client is required")
	}
	model = strings.TrimSpace(model)
	if model == "" {
		return nil, fmt.Errorf("bedrock model id is required")
	}
	return &Bedrock{client: client, model: model}, nil
}

type bedrockFormat int

const (
	formatClaudeText bedrockFormat = iota
	formatClaudeMessages
	formatTitan
)

func formatFor(model string) (bedrockFormat, error) {
	switch {
	case strings.HasPrefix(model, "anthropic.claude-v2"), strings.HasPrefix(model, "anthropic.claude-instant"):
		return formatClaudeText, nil
	case strings.HasPrefix(model, "anthropic."), strings.Contains(model, ".anthropic."):
		return formatClaudeMessages, nil
	case strings.HasPrefix(model, "amazon.titan-text"):
		return formatTitan, nil
	default:
		return 0, fmt.Errorf("unsupported bedrock model %q", model)
	}
}

type claudeTextRequest struct {
	Prompt            string   `json:"prompt"`
	MaxTokensToSample int      `json:"max_tokens_to_sample"`
	Temperature       float64  `json:"temperature"`
	TopK              int      `json:"top_k,omitempty"`
	TopP              float64  `json:"top_p"`
	StopSequences     []string `json:"stop_sequences,omitempty"`
}

type claudeTextResponse struct {
	Completion string `json:"completion"`
	StopReason string `json:"stop_reason"`
}

type claudeMessagesRequest struct {
	AnthropicVersion string          `json:"anthropic_version"`
	MaxTokens        int             `json:"max_tokens"`
	Messages         []claudeMessage `json:"messages"`
	Temperature      float64         `json:"temperature"`
	TopK             int             `json:"top_k,omitempty"`
	TopP             float64         `json:"top_p"`
	StopSequences    []string        `json:"stop_sequences,omitempty"`
}

type claudeMessage struct {
	Role    string `json:"role"`
	Content string `json:"content"`
}

type claudeMessagesResponse struct {
	Content []struct {
		Type string `json:"type"`
		Text string `json:"text"`
	} `json:"content"`
}

type titanTextRequest struct {
	InputText            string          `json:"inputText"`
	TextGenerationConfig titanTextConfig `json:"textGenerationConfig"`
}

type titanTextConfig struct {
	MaxTokenCount int      `json:"maxTokenCount"`
	Temperature   float64  `json:"temperature"`
	TopP          float64  `json:"topP"`
	StopSequences []string `json:"stopSequences,omitempty"`
}

type titanTextResponse struct {
	Results []struct {
		OutputText string `json:"outputText"`
	} `json:"results"`
}

func (b *Bedrock) Complete(ctx context.Context, prompt string, params Params) (string, error) {
	if err := params.Validate(); err != nil {
		return "", err
	}
	format, err := formatFor(b.model)
	if err != nil {
		return "", gatewayError(ctx, "bedrock", err)
	}
	body, err := b.requestBody(format, prompt, params)
	if err != nil {
		return "", fmt.Errorf("marshal bedrock request: %w", err)
	}

	output, err := b.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(b.model),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return "", gatewayError(ctx, "bedrock "+b.model, fmt.Errorf("%s: %w", ProviderDetail(err), err))
	}

	text, err := parseCompletion(format, output.Body)
	if err != nil {
		return "", gatewayError(ctx, "bedrock "+b.model, err)
	}
	return TrimAtStop(text, params.StopSequences), nil
}

func (b *Bedrock) requestBody(format bedrockFormat, prompt string, params Params) ([]byte, error) {
	switch format {
	case formatClaudeText:
		return json.Marshal(claudeTextRequest{
			Prompt:            "\n\nHuman: " + prompt + "\n\nAssistant:",
			MaxTokensToSample: params.MaxTokens,
			Temperature:       params.Temperature,
			TopK:              params.TopK,
			TopP:              params.TopP,
			StopSequences:     params.StopSequences,
		})
	case formatClaudeMessages:
		return json.Marshal(claudeMessagesRequest{
			AnthropicVersion: "bedrock-2023-05-31",
			MaxTokens:        params.MaxTokens,
			Messages:         []claudeMessage{{Role: "user", Content: prompt}},
			Temperature:      params.Temperature,
			TopK:             params.TopK,
			TopP:             params.TopP,
			StopSequences:    nonWhitespaceStops(params.StopSequences),
		})
	default:
		return json.Marshal(titanTextRequest{
			InputText: prompt,
			TextGenerationConfig: titanTextConfig{
				MaxTokenCount: params.MaxTokens,
				Temperature:   params.Temperature,
				TopP:          params.TopP,
				StopSequences: params.StopSequences,
			},
		})
	}
}

// nonWhitespaceStops drops stop sequences the messages API rejects. They
// are still applied locally by TrimAtStop.
func nonWhitespaceStops(stops []string) []string {
	out := make([]string, 0, len(stops))
	for _, stop := range stops {
		if strings.TrimSpace(stop) == "" {
			continue
		}
		out = append(out, stop)
	}
	return out
}

func parseCompletion(format bedrockFormat, body []byte) (string, error) {
	switch format {
	case formatClaudeText:
		var resp claudeTextResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode claude response: %w", err)
		}
		return resp.Completion, nil
	case formatClaudeMessages:
		var resp claudeMessagesResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode claude response: %w", err)
		}
		var out strings.Builder
		for _, block := range resp.Content {
			if block.Type == "text" {
				out.WriteString(block.Text)
			}
		}
		return out.String(), nil
	default:
		var resp titanTextResponse
		if err := json.Unmarshal(body, &resp); err != nil {
			return "", fmt.Errorf("decode titan response: %w", err)
		}
		if len(resp.Results) == 0 {
			return "", fmt.Errorf("titan response has no results")
		}
		return resp.Results[0].OutputText, nil
	}
}

// ProviderDetail summarises an AWS error as "status=N code=X: message" so
// the provider's verdict survives into logs.
func ProviderDetail(err error) string {
	parts := make([]string, 0, 3)
	var responseErr *awshttp.ResponseError
	if errors.As(err, &responseErr) {
		parts = append(parts, fmt.Sprintf("status=%d", responseErr.HTTPStatusCode()))
	}
	var apiErr smithy.APIError
	if errors.As(err, &apiErr) {
		parts = append(parts, "code="+apiErr.ErrorCode())
		if msg := apiErr.ErrorMessage(); msg != "" {
			return strings.Join(parts, " ") + ": " + msg
		}
	}
	if len(parts) == 0 {
		return "transport error"
	}
	return strings.Join(parts, " ")
}
