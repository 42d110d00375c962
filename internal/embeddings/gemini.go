package embeddings

import (
	"context"
	"errors"
	"fmt"
	"strings"

	"google.golang.org/genai"
)

const defaultGeminiModel = "text-embedding-004"

// GeminiConfig configures the Gemini API embedding backend.
type GeminiConfig struct {
	APIKey  string
	Model   string
	BaseURL string
	// Dimension requests a reduced output dimensionality when set.
	Dimension int
}

// GeminiProvider embeds text with the Gemini API.
type GeminiProvider struct {
	client    *genai.Client
	model     string
	dimension int
}

// NewGeminiProvider creates a Gemini client for cfg.
func NewGeminiProvider(ctx context.Context, cfg GeminiConfig) (*GeminiProvider, error) {
	if strings.TrimSpace(cfg.APIKey) == "" {
		return nil, fmt.Errorf("%w: gemini api key required", ErrInvalidConfig)
	}
	model := cfg.Model
	if model == "" {
		model = defaultGeminiModel
	}

	cc := &genai.ClientConfig{
		APIKey:  cfg.APIKey,
		Backend: genai.BackendGeminiAPI,
	}
	if cfg.BaseURL != "" {
		cc.HTTPOptions = genai.HTTPOptions{BaseURL: cfg.BaseURL}
	}
	client, err := genai.NewClient(ctx, cc)
	if err != nil {
		return nil, fmt.Errorf("creating gemini client: %w", err)
	}

	dim := cfg.Dimension
	if dim <= 0 {
		dim = detectDimensionFromModel(model)
	}
	return &GeminiProvider{client: client, model: model, dimension: dim}, nil
}

// EmbedDocuments embeds texts as retrieval documents in one request.
func (p *GeminiProvider) EmbedDocuments(ctx context.Context, texts []string) ([][]float32, error) {
	if len(texts) == 0 {
		return nil, fmt.Errorf("%w: texts cannot be empty", ErrEmptyInput)
	}
	contents := make([]*genai.Content, len(texts))
	for i, t := range texts {
		contents[i] = &genai.Content{Parts: []*genai.Part{{Text: t}}}
	}
	vectors, err := p.embed(ctx, contents, "RETRIEVAL_DOCUMENT")
	if err != nil {
		return nil, err
	}
	if len(vectors) != len(texts) {
		return nil, fmt.Errorf("%w: got %d vectors for %d texts", ErrEmbeddingFailed, len(vectors), len(texts))
	}
	return vectors, nil
}

// EmbedQuery embeds text as a retrieval query.
func (p *GeminiProvider) EmbedQuery(ctx context.Context, text string) ([]float32, error) {
	if text == "" {
		return nil, fmt.Errorf("%w: text cannot be empty", ErrEmptyInput)
	}
	vectors, err := p.embed(ctx, []*genai.Content{{Parts: []*genai.Part{{Text: text}}}}, "RETRIEVAL_QUERY")
	if err != nil {
		return nil, err
	}
	if len(vectors) == 0 {
		return nil, fmt.Errorf("%w: no embedding values returned", ErrEmbeddingFailed)
	}
	return vectors[0], nil
}

func (p *GeminiProvider) embed(ctx context.Context, contents []*genai.Content, taskType string) ([][]float32, error) {
	cfg := &genai.EmbedContentConfig{TaskType: taskType}
	if p.dimension > 0 {
		d := int32(p.dimension)
		cfg.OutputDimensionality = &d
	}

	resp, err := p.client.Models.EmbedContent(ctx, p.model, contents, cfg)
	if err != nil {
		var apiErr genai.APIError
		if errors.As(err, &apiErr) {
			return nil, &StatusError{StatusCode: apiErr.Code, Body: apiErr.Message}
		}
		return nil, fmt.Errorf("%w: %v", ErrEmbeddingFailed, err)
	}

	vectors := make([][]float32, 0, len(resp.Embeddings))
	for _, e := range resp.Embeddings {
		if e == nil {
			return nil, fmt.Errorf("%w: nil embedding in response", ErrEmbeddingFailed)
		}
		vectors = append(vectors, e.Values)
	}
	return vectors, nil
}

// Dimension returns the configured output dimension.
func (p *GeminiProvider) Dimension() int {
	return p.dimension
}

// Close is a no-op; the genai client holds no open connections.
func (p *GeminiProvider) Close() error {
	return nil
}
