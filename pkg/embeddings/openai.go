package embeddings

import (
	"context"
	"fmt"

	openai "github.com/sashabaranov/go-openai"
)

func init() {
	Register("openai", NewOpenAI)
}

// openAIEmbedder is the subset of the OpenAI client used here, split out
// for testability.
type openAIEmbedder interface {
	CreateEmbeddings(ctx context.Context, req openai.EmbeddingRequestConverter) (openai.EmbeddingResponse, error)
}

// OpenAIEmbeddings implements EmbeddingService using OpenAI's API.
type OpenAIEmbeddings struct {
	client openAIEmbedder
	model  openai.EmbeddingModel
	dims   int
}

// NewOpenAI creates a new OpenAIEmbeddings instance.
func NewOpenAI(config Config) (EmbeddingService, error) {
	if config.OpenAI == nil {
		return nil, fmt.Errorf("openai configuration is required")
	}
	if config.OpenAI.APIKey == "" {
		return nil, fmt.Errorf("OpenAI API key is required")
	}

	model := config.OpenAI.Model
	if model == "" {
		model = string(openai.SmallEmbedding3)
	}

	clientCfg := openai.DefaultConfig(config.OpenAI.APIKey)
	if config.OpenAI.BaseURL != "" {
		clientCfg.BaseURL = config.OpenAI.BaseURL
	}

	return &OpenAIEmbeddings{
		client: openai.NewClientWithConfig(clientCfg),
		model:  openai.EmbeddingModel(model),
		dims:   openAIModelDimensions(model),
	}, nil
}

// NewOpenAIWithClient creates an OpenAIEmbeddings with a custom client
// (useful for testing).
func NewOpenAIWithClient(client openAIEmbedder, model string) *OpenAIEmbeddings {
	return &OpenAIEmbeddings{
		client: client,
		model:  openai.EmbeddingModel(model),
		dims:   openAIModelDimensions(model),
	}
}

// Embed generates an embedding for a single text.
func (o *OpenAIEmbeddings) Embed(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("text cannot be empty")
	}

	vecs, err := o.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	if len(vecs) == 0 {
		return nil, fmt.Errorf("no embeddings returned")
	}
	return vecs[0], nil
}

// EmbedBatch generates embeddings for multiple texts.
func (o *OpenAIEmbeddings) EmbedBatch(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("texts cannot be empty")
	}

	resp, err := o.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input: texts,
		Model: o.model,
	})
	if err != nil {
		return nil, fmt.Errorf("create embeddings: %w", err)
	}

	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("expected %d embeddings, got %d", len(texts), len(resp.Data))
	}

	out := make([][]float32, len(resp.Data))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("embedding index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return out, nil
}

// Dimensions returns the dimension size of the embeddings.
func (o *OpenAIEmbeddings) Dimensions() int {
	return o.dims
}

// ModelName returns the name of the embedding model.
func (o *OpenAIEmbeddings) ModelName() string {
	return string(o.model)
}

// Close is a no-op; the underlying HTTP client needs no teardown.
func (o *OpenAIEmbeddings) Close() error {
	return nil
}

func openAIModelDimensions(model string) int {
	switch model {
	case string(openai.LargeEmbedding3):
		return 3072
	case string(openai.SmallEmbedding3):
		return 1536
	case string(openai.AdaEmbeddingV2):
		return 1536
	default:
		return 1536
	}
}
