package embedding

import (
	"context"
	"fmt"
	"sync/atomic"

	"github.com/sashabaranov/go-openai"
)

// OpenAIProvider uses any OpenAI-compatible embedding API.
type OpenAIProvider struct {
	client    *openai.Client
	model     string
	requested int
	dims      atomic.Int64
}

var _ Provider = (*OpenAIProvider)(nil)

// NewOpenAIProvider creates a provider. dims > 0 asks the API for shortened
// vectors (text-embedding-3 models only).
func NewOpenAIProvider(baseURL, apiKey, model string, dims int) (*OpenAIProvider, error) {
	if apiKey == "" && baseURL == "" {
		return nil, fmt.Errorf("openai provider needs an api key or a compatible base url")
	}
	if model == "" {
		model = "text-embedding-3-small"
	}
	config := openai.DefaultConfig(apiKey)
	if baseURL != "" {
		config.BaseURL = baseURL
	}
	p := &OpenAIProvider{
		client:    openai.NewClientWithConfig(config),
		model:     model,
		requested: dims,
	}
	if dims > 0 {
		p.dims.Store(int64(dims))
	} else {
		p.dims.Store(int64(knownDims[model]))
	}
	return p, nil
}

func (p *OpenAIProvider) Embed(ctx context.Context, text string) (Vector, error) {
	vs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (p *OpenAIProvider) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.CreateEmbeddings(ctx, openai.EmbeddingRequest{
		Input:      texts,
		Model:      openai.EmbeddingModel(p.model),
		Dimensions: p.requested,
	})
	if err != nil {
		return nil, fmt.Errorf("openai embed: %w", err)
	}
	if len(resp.Data) != len(texts) {
		return nil, fmt.Errorf("openai embed: got %d vectors for %d inputs", len(resp.Data), len(texts))
	}
	out := make([]Vector, len(texts))
	for _, d := range resp.Data {
		if d.Index < 0 || d.Index >= len(out) {
			return nil, fmt.Errorf("openai embed: index %d out of range", d.Index)
		}
		out[d.Index] = d.Embedding
	}
	return checkDims(out, &p.dims)
}

// Probe embeds a short string once to confirm the endpoint works.
func (p *OpenAIProvider) Probe(ctx context.Context) error {
	if p.requested == 0 {
		p.dims.Store(0)
	}
	_, err := p.Embed(ctx, "probe")
	return err
}

func (p *OpenAIProvider) Dims() int      { return int(p.dims.Load()) }
func (p *OpenAIProvider) Name() string   { return "openai/" + p.model }
func (p *OpenAIProvider) Semantic() bool { return true }
