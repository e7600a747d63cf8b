package embedding

import (
	"context"
	"encoding/json"
	"errors"
	"fmt"
	"strings"

	"github.com/aws/aws-sdk-go-v2/aws"
	"github.com/aws/aws-sdk-go-v2/service/bedrockruntime"

	"github.com/nlquery/nlquery/internal/failure"
	"github.com/nlquery/nlquery/internal/llm"
)

type titanEmbedRequest struct {
	InputText  string `json:"inputText"`
	Dimensions int    `json:"dimensions,omitempty"`
	Normalize  bool   `json:"normalize"`
}

type titanEmbedResponse struct {
	Embedding []float32 `json:"embedding"`
}

// Titan embeds through Amazon Titan text embedding models on Bedrock. The
// model accepts a single input per call.
type Titan struct {
	client  llm.Invoker
	modelID string
	dims    int
}

func NewTitan(client llm.Invoker, model string, dims int) (*Titan, error) {
	if client == nil {
		return nil, fmt.Errorf("bedrock client is required")
	}
	modelID := strings.TrimSpace(model)
	switch modelID {
	case "", "titan-embed-text-v2":
		modelID = "amazon.titan-embed-text-v2:0"
	case "titan-embed-text-v1":
		modelID = "amazon.titan-embed-text-v1"
	}
	switch dims {
	case 256, 512, 1024:
	default:
		return nil, fmt.Errorf("titan embedding dimensions must be 256, 512 or 1024, got %d", dims)
	}
	return &Titan{client: client, modelID: modelID, dims: dims}, nil
}

func (t *Titan) Dimensions() int { return t.dims }

func (t *Titan) Embed(ctx context.Context, texts []string) ([][]float32, error) {
	out := make([][]float32, 0, len(texts))
	for _, text := range texts {
		vec, err := t.embedOne(ctx, text)
		if err != nil {
			return nil, err
		}
		out = append(out, vec)
	}
	return out, nil
}

func (t *Titan) embedOne(ctx context.Context, text string) ([]float32, error) {
	body, err := json.Marshal(titanEmbedRequest{InputText: text, Dimensions: t.dims, Normalize: true})
	if err != nil {
		return nil, fmt.Errorf("marshal titan request: %w", err)
	}
	output, err := t.client.InvokeModel(ctx, &bedrockruntime.InvokeModelInput{
		ModelId:     aws.String(t.modelID),
		ContentType: aws.String("application/json"),
		Accept:      aws.String("application/json"),
		Body:        body,
	})
	if err != nil {
		return nil, providerError(ctx, "titan "+t.modelID, fmt.Errorf("%s: %w", llm.ProviderDetail(err), err))
	}
	var resp titanEmbedResponse
	if err := json.Unmarshal(output.Body, &resp); err != nil {
		return nil, providerError(ctx, "titan "+t.modelID, fmt.Errorf("decode titan response: %w", err))
	}
	if len(resp.Embedding) != t.dims {
		return nil, providerError(ctx, "titan "+t.modelID,
			fmt.Errorf("embedding has %d dimensions, want %d", len(resp.Embedding), t.dims))
	}
	return resp.Embedding, nil
}

func providerError(ctx context.Context, provider string, err error) error {
	if errors.Is(err, context.DeadlineExceeded) || errors.Is(ctx.Err(), context.DeadlineExceeded) {
		return failure.Timeout("embed", fmt.Errorf("%s: %w", provider, err))
	}
	return failure.Gateway("embed", fmt.Errorf("%s: %w", provider, err))
}
