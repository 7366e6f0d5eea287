package embedding

import (
	"context"
	"fmt"

	"github.com/rcliao/brain-memory/internal/chunker"
)

// EmbedDocument embeds text that may exceed a model's input window. Long text
// is chunked, the chunks embedded as one batch, and their normalized mean
// returned. The second result names the provider that produced the vector.
func EmbedDocument(ctx context.Context, p Provider, text string) (Vector, string, error) {
	chunks := chunker.Chunk(text, chunker.DefaultOptions())
	if len(chunks) <= 1 {
		// Short or empty text embeds as is; empty text yields the zero vector.
		vs, name, err := embedSourced(ctx, p, []string{text})
		if err != nil {
			return nil, "", err
		}
		return vs[0], name, nil
	}

	vs, name, err := embedSourced(ctx, p, chunks)
	if err != nil {
		return nil, "", err
	}
	return Mean(vs), name, nil
}

func embedSourced(ctx context.Context, p Provider, texts []string) ([]Vector, string, error) {
	if s, ok := p.(Sourced); ok {
		vs, name, err := s.EmbedBatchSourced(ctx, texts)
		if err != nil {
			return nil, "", fmt.Errorf("embed: %w", err)
		}
		return vs, name, nil
	}
	vs, err := p.EmbedBatch(ctx, texts)
	if err != nil {
		return nil, "", fmt.Errorf("embed: %w", err)
	}
	if len(vs) != len(texts) {
		return nil, "", fmt.Errorf("embed: got %d vectors for %d texts", len(vs), len(texts))
	}
	return vs, p.Name(), nil
}
