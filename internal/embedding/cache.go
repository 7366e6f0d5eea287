package embedding

import (
	"context"
	"crypto/sha256"
	"encoding/hex"
	"fmt"
	"time"

	"github.com/dgraph-io/ristretto"
)

const (
	DefaultCacheSize = 10000
	DefaultCacheTTL  = time.Hour
)

// Cached memoizes another provider's vectors in a bounded cache. Entries
// expire after ttl; at most size entries are held.
type Cached struct {
	inner   Provider
	cache   *ristretto.Cache
	ttl     time.Duration
	metrics *Metrics
}

var _ Provider = (*Cached)(nil)

// NewCached wraps inner. Zero size or ttl use the defaults.
func NewCached(inner Provider, size int, ttl time.Duration) (*Cached, error) {
	if size <= 0 {
		size = DefaultCacheSize
	}
	if ttl <= 0 {
		ttl = DefaultCacheTTL
	}
	cache, err := ristretto.NewCache(&ristretto.Config{
		NumCounters:        int64(size) * 10,
		MaxCost:            int64(size),
		BufferItems:        64,
		IgnoreInternalCost: true,
	})
	if err != nil {
		return nil, fmt.Errorf("create embedding cache: %w", err)
	}
	return &Cached{inner: inner, cache: cache, ttl: ttl, metrics: NewMetrics()}, nil
}

func (c *Cached) Embed(ctx context.Context, text string) (Vector, error) {
	vs, err := c.EmbedBatch(ctx, []string{text})
	if err != nil {
		return nil, err
	}
	return vs[0], nil
}

func (c *Cached) EmbedBatch(ctx context.Context, texts []string) ([]Vector, error) {
	out := make([]Vector, len(texts))
	var missIdx []int
	var missTexts []string
	for i, t := range texts {
		if v, ok := c.cache.Get(c.key(t)); ok {
			out[i] = append(Vector(nil), v.(Vector)...)
			c.metrics.CacheHitsTotal.Inc()
			continue
		}
		c.metrics.CacheMissesTotal.Inc()
		missIdx = append(missIdx, i)
		missTexts = append(missTexts, t)
	}
	if len(missTexts) == 0 {
		return out, nil
	}

	vs, err := c.inner.EmbedBatch(ctx, missTexts)
	if err != nil {
		return nil, err
	}
	for j, i := range missIdx {
		out[i] = vs[j]
		c.cache.SetWithTTL(c.key(missTexts[j]), append(Vector(nil), vs[j]...), 1, c.ttl)
	}
	return out, nil
}

// Wait blocks until pending cache writes are visible.
func (c *Cached) Wait() { c.cache.Wait() }

// Close releases the cache's background goroutines.
func (c *Cached) Close() { c.cache.Close() }

func (c *Cached) Dims() int      { return c.inner.Dims() }
func (c *Cached) Name() string   { return c.inner.Name() }
func (c *Cached) Semantic() bool { return c.inner.Semantic() }

func (c *Cached) key(text string) string {
	sum := sha256.Sum256([]byte(text))
	return c.inner.Name() + ":" + hex.EncodeToString(sum[:])
}
