package embeddings

import (
	"context"
	"fmt"

	lcembeddings "github.com/tmc/langchaingo/embeddings"
	"github.com/tmc/langchaingo/llms/openai"
)

// RemoteConfig configures an OpenAI-compatible embeddings endpoint.
type RemoteConfig struct {
	// BaseURL is the API base, e.g. https://api.openai.com/v1 or a local
	// TEI server exposing the OpenAI schema.
	BaseURL string
	Model   string
	APIKey  string
	// Dimension is the model's output size. Required: memory collections
	// are created before the first embedding is seen.
	Dimension int
}

// Validate validates the configuration.
func (c RemoteConfig) Validate() error {
	if c.BaseURL == "" {
		return fmt.Errorf("%w: base URL required", ErrInvalidConfig)
	}
	if c.Model == "" {
		return fmt.Errorf("%w: model required", ErrInvalidConfig)
	}
	if c.Dimension <= 0 {
		return fmt.Errorf("%w: dimension required", ErrInvalidConfig)
	}
	return nil
}

// Remote embeds through langchaingo.
type Remote struct {
	embedder lcembeddings.Embedder
	dim      int
}

// NewRemote creates a Remote embedder.
func NewRemote(cfg RemoteConfig) (*Remote, error) {
	if err := cfg.Validate(); err != nil {
		return nil, fmt.Errorf("validating config: %w", err)
	}

	apiKey := cfg.APIKey
	if apiKey == "" {
		// langchaingo requires a token, use placeholder for TEI
		apiKey = "placeholder"
	}
	client, err := openai.New(
		openai.WithBaseURL(cfg.BaseURL),
		openai.WithEmbeddingModel(cfg.Model),
		openai.WithToken(apiKey),
	)
	if err != nil {
		return nil, fmt.Errorf("creating OpenAI client: %w", err)
	}

	embedder, err := lcembeddings.NewEmbedder(client)
	if err != nil {
		return nil, fmt.Errorf("creating embedder: %w", err)
	}
	return NewRemoteFromEmbedder(embedder, cfg.Dimension), nil
}

// NewRemoteFromEmbedder wraps an existing langchaingo embedder.
func NewRemoteFromEmbedder(e lcembeddings.Embedder, dim int) *Remote {
	return &Remote{embedder: e, dim: dim}
}

func (r *Remote) Dimension() int { return r.dim }

func (r *Remote) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	vectors, err := r.embedder.EmbedDocuments(ctx, texts)
	if err != nil {
		return nil, fmt.Errorf("embedding documents: %w", err)
	}
	for i, v := range vectors {
		if len(v) != r.dim {
			return nil, fmt.Errorf("%w: vector %d has dimension %d, want %d", ErrInvalidConfig, i, len(v), r.dim)
		}
	}
	return vectors, nil
}

func (r *Remote) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	v, err := r.embedder.EmbedQuery(ctx, text)
	if err != nil {
		return nil, fmt.Errorf("embedding query: %w", err)
	}
	if len(v) != r.dim {
		return nil, fmt.Errorf("%w: query vector has dimension %d, want %d", ErrInvalidConfig, len(v), r.dim)
	}
	return v, nil
}
