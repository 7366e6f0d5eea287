package embedding

import (
	"context"
	"time"

	"go.uber.org/zap"
)

// Config selects and tunes the embedding provider.
type Config struct {
	Provider     string // "hash" (or empty), "ollama", "openai"
	Model        string
	BaseURL      string
	APIKey       string
	Dims         int // hash dims, or requested dims for openai
	CacheSize    int
	CacheTTL     time.Duration
	ProbeTimeout time.Duration
}

type prober interface {
	Probe(ctx context.Context) error
}

// NewProvider builds the provider described by cfg. A model provider is
// probed once; if it cannot be constructed or does not answer, a warning is
// logged and the hash provider is used instead. The result is always usable.
func NewProvider(ctx context.Context, cfg Config, logger *zap.Logger) Provider {
	if logger == nil {
		logger = zap.NewNop()
	}

	var model Provider
	var err error
	switch cfg.Provider {
	case "", "hash":
		return withCache(NewHashProvider(cfg.Dims), cfg, logger)
	case "ollama":
		model, err = NewOllamaProvider(cfg.BaseURL, cfg.Model)
	case "openai":
		model, err = NewOpenAIProvider(cfg.BaseURL, cfg.APIKey, cfg.Model, cfg.Dims)
	default:
		logger.Warn("unknown embedding provider, using hash fallback", zap.String("provider", cfg.Provider))
		return withCache(NewHashProvider(cfg.Dims), cfg, logger)
	}
	if err != nil {
		logger.Warn("embedding provider unavailable, using hash fallback",
			zap.String("provider", cfg.Provider), zap.Error(err))
		return withCache(NewHashProvider(cfg.Dims), cfg, logger)
	}

	if p, ok := model.(prober); ok {
		timeout := cfg.ProbeTimeout
		if timeout <= 0 {
			timeout = 10 * time.Second
		}
		pctx, cancel := context.WithTimeout(ctx, timeout)
		err := p.Probe(pctx)
		cancel()
		if err != nil {
			logger.Warn("embedding model did not load, using hash fallback",
				zap.String("provider", model.Name()), zap.Error(err))
			return withCache(NewHashProvider(cfg.Dims), cfg, logger)
		}
	}

	logger.Info("embedding provider ready",
		zap.String("provider", model.Name()), zap.Int("dims", model.Dims()))
	return NewFallback(withCache(model, cfg, logger), logger)
}

func withCache(p Provider, cfg Config, logger *zap.Logger) Provider {
	if cfg.CacheSize < 0 {
		return p
	}
	c, err := NewCached(p, cfg.CacheSize, cfg.CacheTTL)
	if err != nil {
		logger.Warn("embedding cache disabled", zap.Error(err))
		return p
	}
	return c
}
