// Package retrieval ranks stored memories against a query by cosine
// similarity and formats the best matches for an LLM prompt.
package retrieval

import (
	"context"
	"encoding/json"
	"fmt"
	"sort"
	"strings"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/model"
	"github.com/rcliao/brain-memory/internal/store"
)

const (
	DefaultMinSimilarity        = 0.3
	DefaultContextMinSimilarity = 0.4
	DefaultLimit                = 10
	DefaultContextItems         = 5
	DefaultTimelineLimit        = 50
)

// Config holds retrieval thresholds.
type Config struct {
	MinSimilarity        float64
	ContextMinSimilarity float64
	DefaultLimit         int
	ContextItems         int
}

// DefaultConfig returns the default thresholds.
func DefaultConfig() Config {
	return Config{
		MinSimilarity:        DefaultMinSimilarity,
		ContextMinSimilarity: DefaultContextMinSimilarity,
		DefaultLimit:         DefaultLimit,
		ContextItems:         DefaultContextItems,
	}
}

// SearchParams holds parameters for a similarity search.
type SearchParams struct {
	Query   string
	Limit   int
	Privacy []string
	// Sources also match each source's consolidation summaries.
	Sources        []string
	TimeWindowDays int
	// MinSimilarity overrides the configured floor when set.
	MinSimilarity *float64
}

// Result is a memory with its similarity to the query.
type Result struct {
	Memory model.Memory `json:"memory"`
	Score  float64      `json:"similarity"`
}

// Engine answers similarity queries over a store.
type Engine struct {
	store    store.Store
	embedder embedding.Provider
	cfg      Config
	logger   *zap.Logger
}

// New creates an Engine. Zero limits take defaults; thresholds are used as
// given.
func New(st store.Store, embedder embedding.Provider, cfg Config, logger *zap.Logger) *Engine {
	if cfg.DefaultLimit <= 0 {
		cfg.DefaultLimit = DefaultLimit
	}
	if cfg.ContextItems <= 0 {
		cfg.ContextItems = DefaultContextItems
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Engine{store: st, embedder: embedder, cfg: cfg, logger: logger}
}

// Threshold returns a pointer for SearchParams.MinSimilarity.
func Threshold(v float64) *float64 { return &v }

// Search returns memories ranked by similarity, highest first. It never fails
// outward: errors are logged and yield an empty result.
func (e *Engine) Search(ctx context.Context, p SearchParams) []Result {
	limit := p.Limit
	if limit <= 0 {
		limit = e.cfg.DefaultLimit
	}
	floor := e.cfg.MinSimilarity
	if p.MinSimilarity != nil {
		floor = *p.MinSimilarity
	}

	query, err := e.embedder.Embed(ctx, p.Query)
	if err != nil {
		e.logger.Warn("search: embed query failed", zap.Error(err))
		return nil
	}

	lp := store.ListParams{
		Sources:        p.Sources,
		WithSummaries:  true,
		Privacy:        p.Privacy,
		ExcludeExpired: true,
	}
	if p.TimeWindowDays > 0 {
		lp.CreatedAfter = e.store.Now().Add(-time.Duration(p.TimeWindowDays) * 24 * time.Hour)
	}
	candidates, err := e.store.List(ctx, lp)
	if err != nil {
		e.logger.Warn("search: list candidates failed", zap.Error(err))
		return nil
	}

	var results []Result
	skipped := 0
	for _, m := range candidates {
		if len(m.Embedding) == 0 || len(m.Embedding) != len(query) {
			skipped++
			continue
		}
		score := embedding.Similarity(query, m.Embedding)
		if score < floor {
			continue
		}
		results = append(results, Result{Memory: m, Score: score})
	}
	if skipped > 0 {
		e.logger.Debug("search: skipped memories without a usable embedding", zap.Int("count", skipped))
	}

	sort.SliceStable(results, func(i, j int) bool {
		return results[i].Score > results[j].Score
	})
	if len(results) > limit {
		results = results[:limit]
	}
	return results
}

// RelevantContext formats the best matches for query as a prompt block, using
// the stricter context floor. Returns "" when nothing qualifies.
func (e *Engine) RelevantContext(ctx context.Context, query string, maxItems int, privacy []string) string {
	if maxItems <= 0 {
		maxItems = e.cfg.ContextItems
	}
	results := e.Search(ctx, SearchParams{
		Query:         query,
		Limit:         maxItems,
		Privacy:       privacy,
		MinSimilarity: Threshold(e.cfg.ContextMinSimilarity),
	})
	return FormatContext(results)
}

// FormatContext renders results as numbered entries between a header and a
// footer. Returns "" for no results.
func FormatContext(results []Result) string {
	if len(results) == 0 {
		return ""
	}

	parts := []string{"=== Relevant Context from Memory ==="}
	for i, r := range results {
		m := r.Memory
		parts = append(parts, fmt.Sprintf("\n[Memory %d] (similarity: %.2f, source: %s)", i+1, r.Score, m.Source))
		date := "unknown"
		if !m.CreatedAt.IsZero() {
			date = m.CreatedAt.UTC().Format("2006-01-02 15:04")
		}
		parts = append(parts, "  Date: "+date)
		parts = append(parts, "  "+m.Content)
		if len(m.Metadata) > 0 {
			if b, err := json.MarshalIndent(m.Metadata, "", "  "); err == nil {
				parts = append(parts, "  Metadata: "+string(b))
			}
		}
	}
	parts = append(parts, "\n=== End Context ===\n")
	return strings.Join(parts, "\n")
}

// TimelineParams holds parameters for a chronological listing.
type TimelineParams struct {
	Sources []string
	Privacy []string
	Limit   int
}

// Timeline returns unexpired memories newest first.
func (e *Engine) Timeline(ctx context.Context, p TimelineParams) ([]model.Memory, error) {
	limit := p.Limit
	if limit <= 0 {
		limit = DefaultTimelineLimit
	}
	mems, err := e.store.List(ctx, store.ListParams{
		Sources:        p.Sources,
		Privacy:        p.Privacy,
		ExcludeExpired: true,
		Limit:          limit,
	})
	if err != nil {
		return nil, fmt.Errorf("timeline: %w", err)
	}
	return mems, nil
}
