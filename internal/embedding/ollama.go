package embedding

import (
	"context"
	"fmt"
	"net/http"
	"net/url"
	"sync/atomic"
	"time"

	"github.com/ollama/ollama/api"
)

// OllamaProvider uses a local Ollama instance for embeddings.
type OllamaProvider struct {
	client *api.Client
	model  string
	dims   atomic.Int64
}

var _ Provider = (*OllamaProvider)(nil)

// knownDims lists output sizes of common embedding models. Unknown models
// learn their size from Probe.
var knownDims = map[string]int{
	"all-minilm":             384,
	"nomic-embed-text":       768,
	"mxbai-embed-large":      1024,
	"text-embedding-3-small": 1536,
	"text-embedding-3-large": 3072,
	"text-embedding-ada-002": 1536,
}

// NewOllamaProvider creates a provider for model. An empty baseURL uses
// OLLAMA_HOST or the default local address.
func NewOllamaProvider(baseURL, model string) (*OllamaProvider, error) {
	if model == "" {
		model = "all-minilm"
	}
	var client *api.Client
	if baseURL == "" {
		c, err := api.ClientFromEnvironment()
		if err != nil {
			return nil, fmt.Errorf("ollama client: %w", err)
		}
		client = c
	} else {
		u, err := url.Parse(baseURL)
		if err != nil {
			return nil, fmt.Errorf("parse ollama url: %w", err)
		}
		client = api.NewClient(u, &http.Client{Timeout: 30 * time.Second})
	}
	p := &OllamaProvider{client: client, model: model}
	p.dims.Store(int64(knownDims[model]))
	return p, nil
}

func (p *OllamaProvider) Embed(ctx context.Context, text string) (Vector, error) {
	vs, err := p.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (p *OllamaProvider) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	if len(texts) == 0 {
		return nil, nil
	}
	resp, err := p.client.Embed(ctx, &api.EmbedRequest{Model: p.model, Input: texts})
	if err != nil {
		return nil, fmt.Errorf("ollama embed: %w", err)
	}
	if len(resp.Embeddings) != len(texts) {
		return nil, fmt.Errorf("ollama embed: got %d vectors for %d inputs", len(resp.Embeddings), len(texts))
	}
	return checkDims(resp.Embeddings, &p.dims)
}

// Probe embeds a short string once, confirming the model is reachable and
// recording its output size.
func (p *OllamaProvider) Probe(ctx context.Context) error {
	p.dims.Store(0)
	_, err := p.Embed(ctx, "probe")
	return err
}

func (p *OllamaProvider) Dims() int      { return int(p.dims.Load()) }
func (p *OllamaProvider) Name() string   { return "ollama/" + p.model }
func (p *OllamaProvider) Semantic() bool { return true }

// checkDims adopts the first observed length when dims is unset and rejects
// vectors of any other length.
func checkDims(vs []Vector, dims *atomic.Int64) ([]Vector, error) {
	for _, v := range vs {
		if len(v) == 0 {
			return nil, fmt.Errorf("empty embedding returned")
		}
		dims.CompareAndSwap(0, int64(len(v)))
		if want := dims.Load(); int64(len(v)) != want {
			return nil, fmt.Errorf("embedding has %d dims, want %d", len(v), want)
		}
	}
	return vs, nil
}
