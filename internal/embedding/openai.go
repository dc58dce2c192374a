package embedding

import (
	"context"
	"fmt"

	"github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// OpenAI embeds text through an OpenAI-compatible HTTP endpoint using
// langchaingo. Text Embeddings Inference and Ollama expose the same API.
type OpenAI struct {
	embedder *embeddings.EmbedderImpl
	dims     int
}

// NewOpenAI validates cfg and creates the remote provider.
func NewOpenAI(cfg Config) (*OpenAI, error) {
	if cfg.BaseURL == "" {
		return nil, fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if cfg.Model == "" {
		return nil, fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	token := cfg.APIKey
	if token == "" {
		// langchaingo insists on a token; local servers ignore it.
		token = "placeholder"
	}

	llm, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithModel(cfg.Model),
		openai.WithToken(token),
	)
	if err != nil {
		return nil, fmt.Errorf("embedding: create openai client: %w", err)
	}
	embedder, err := embeddings.NewEmbedder(llm)
	if err != nil {
		return nil, fmt.Errorf("embedding: create embedder: %w", err)
	}
	dims := cfg.Dimensions
	if dims <= 0 {
		dims = DefaultDimensions
	}
	return &OpenAI{embedder: embedder, dims: dims}, nil
}

// Embed requests the embedding of text.
func (o *OpenAI) Embed(ctx context.Context, text string) ([]float32, error) {
	vec, err := o.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding: embed query: %w", err)
	}
	return vec, nil
}

// Dimension returns the configured vector length.
func (o *OpenAI) Dimension() int { return o.dims }

// Close is a no-op; the client holds no persistent connections of its own.
func (o *OpenAI) Close() error { return nil }
