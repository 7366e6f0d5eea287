package embedding

import (
	"context"
	"fmt"

	"go.uber.org/zap"
)

// Sourced is implemented by providers whose answer may come from a model
// other than the one Name reports. The returned string names the producer.
type Sourced interface {
	EmbedBatchSourced(ctx context.Context, texts []string) ([]Vector, string, error)
}

// Fallback serves embeddings from primary and switches to a hash provider of
// the same dimension for any request primary fails. It never returns an error
// for non-empty input.
type Fallback struct {
	primary Provider
	hash    *HashProvider
	logger  *zap.Logger
	metrics *Metrics
}

var (
	_ Provider = (*Fallback)(nil)
	_ Sourced  = (*Fallback)(nil)
)

// NewFallback wraps primary. primary.Dims must already be known.
func NewFallback(primary Provider, logger *zap.Logger) *Fallback {
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Fallback{
		primary: primary,
		hash:    NewHashProvider(primary.Dims()),
		logger:  logger,
		metrics: NewMetrics(),
	}
}

func (f *Fallback) Embed(ctx context.Context, text string) (Vector, error) {
	vs, _, err := f.EmbedBatchSourced(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (f *Fallback) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	vs, _, err := f.EmbedBatchSourced(ctx, texts)
	return vs, err
}

// EmbedBatchSourced embeds texts and names the producer. Texts without any
// token get the zero vector and never reach the primary.
func (f *Fallback) EmbedBatchSourced(ctx context.Context, texts []string) ([]Vector, string, error) {
	out := make([]Vector, len(texts))
	var idx []int
	var pending []string
	for i, t := range texts {
		if len(Tokenize(t)) == 0 {
			out[i] = make(Vector, f.Dims())
			continue
		}
		idx = append(idx, i)
		pending = append(pending, t)
	}
	if len(pending) == 0 {
		return out, f.primary.Name(), nil
	}

	name := f.primary.Name()
	vs, err := f.primary.EmbedBatch(ctx, pending)
	if err == nil && len(vs) != len(pending) {
		err = fmt.Errorf("got %d vectors for %d texts", len(vs), len(pending))
	}
	if err != nil {
		f.logger.Warn("embedding provider failed, using hash fallback",
			zap.String("provider", name),
			zap.Int("texts", len(pending)),
			zap.Error(err))
		f.metrics.FallbacksTotal.WithLabelValues(name).Inc()
		vs, _ = f.hash.EmbedBatch(ctx, pending)
		name = f.hash.Name()
	}
	for j, i := range idx {
		out[i] = vs[j]
	}
	return out, name, nil
}

// Close releases the primary's resources when it holds any.
func (f *Fallback) Close() {
	if c, ok := f.primary.(interface{ Close() }); ok {
		c.Close()
	}
}

func (f *Fallback) Dims() int      { return f.primary.Dims() }
func (f *Fallback) Name() string   { return f.primary.Name() }
func (f *Fallback) Semantic() bool { return f.primary.Semantic() }
