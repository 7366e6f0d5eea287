// Package consolidation bounds storage growth: it deletes expired memories,
// folds old memories into per-source summaries, and upgrades fallback
// embeddings once a real model is available.
package consolidation

import (
	"context"
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
	DefaultDaysOld         = 30
	DefaultBatchSize       = 100
	DefaultSemanticMinDims = 100

	sampleSize    = 10
	sampleTextLen = 100
)

// Config holds consolidation defaults.
type Config struct {
	DaysOld   int
	BatchSize int
	// SemanticMinDims is the vector length below which an embedding is
	// treated as a fallback vector.
	SemanticMinDims int
}

// Service runs lifecycle maintenance over a store.
type Service struct {
	store    store.Store
	embedder embedding.Provider
	cfg      Config
	logger   *zap.Logger
}

// New creates a Service. embedder is the active provider, used to decide
// whether embedding optimization can run.
func New(st store.Store, embedder embedding.Provider, cfg Config, logger *zap.Logger) *Service {
	if cfg.DaysOld <= 0 {
		cfg.DaysOld = DefaultDaysOld
	}
	if cfg.BatchSize <= 0 {
		cfg.BatchSize = DefaultBatchSize
	}
	if cfg.SemanticMinDims <= 0 {
		cfg.SemanticMinDims = DefaultSemanticMinDims
	}
	if logger == nil {
		logger = zap.NewNop()
	}
	return &Service{store: st, embedder: embedder, cfg: cfg, logger: logger}
}

// CleanupResult reports a TTL sweep.
type CleanupResult struct {
	Count  int      `json:"count"`
	DryRun bool     `json:"dry_run"`
	IDs    []string `json:"ids,omitempty"`
}

// CleanupExpired deletes every memory whose TTL has elapsed. With dryRun it
// only counts them.
func (s *Service) CleanupExpired(ctx context.Context, dryRun bool) (*CleanupResult, error) {
	mems, err := s.store.List(ctx, store.ListParams{HasTTL: true})
	if err != nil {
		return nil, fmt.Errorf("list ttl memories: %w", err)
	}

	now := s.store.Now()
	res := &CleanupResult{DryRun: dryRun}
	for i := range mems {
		if mems[i].Expired(now) {
			res.IDs = append(res.IDs, mems[i].ID)
		}
	}
	res.Count = len(res.IDs)
	if res.Count == 0 || dryRun {
		s.logger.Info("expired memories", zap.Int("count", res.Count), zap.Bool("dry_run", dryRun))
		return res, nil
	}

	deleted, err := s.store.DeleteMany(ctx, res.IDs)
	if err != nil {
		return nil, fmt.Errorf("delete expired: %w", err)
	}
	res.Count = deleted
	s.logger.Info("deleted expired memories", zap.Int("count", deleted))
	return res, nil
}

// Options controls one consolidation run. Zero values use the service
// defaults.
type Options struct {
	DaysOld   int
	BatchSize int
	DryRun    bool
}

// SourceResult is the outcome for one source group.
type SourceResult struct {
	Count     int    `json:"count"`
	SummaryID string `json:"summary_id,omitempty"`
	Error     string `json:"error,omitempty"`
}

// Stats reports a consolidation run. A failed group leaves its originals in
// place and records the error under its source.
type Stats struct {
	Consolidated     int                      `json:"consolidated"`
	Deleted          int                      `json:"deleted"`
	SummariesCreated int                      `json:"summaries_created"`
	DryRun           bool                     `json:"dry_run"`
	BySource         map[string]*SourceResult `json:"by_source"`

	// Summaries and DeletedIDs let callers update secondary indexes.
	Summaries  []model.Memory `json:"-"`
	DeletedIDs []string       `json:"-"`
}

// Failed reports whether any source group failed.
func (st *Stats) Failed() bool {
	for _, r := range st.BySource {
		if r.Error != "" {
			return true
		}
	}
	return false
}

// Consolidate replaces up to BatchSize of the oldest memories older than
// DaysOld with one summary per source. Conversations, summaries and expired
// memories are never selected.
func (s *Service) Consolidate(ctx context.Context, opts Options) (*Stats, error) {
	if opts.DaysOld <= 0 {
		opts.DaysOld = s.cfg.DaysOld
	}
	if opts.BatchSize <= 0 {
		opts.BatchSize = s.cfg.BatchSize
	}

	cutoff := s.store.Now().Add(-time.Duration(opts.DaysOld) * 24 * time.Hour)
	mems, err := s.store.List(ctx, store.ListParams{
		CreatedBefore:    cutoff,
		ExcludeSources:   []string{model.SourceConversation},
		ExcludeSummaries: true,
		ExcludeExpired:   true,
		OldestFirst:      true,
		Limit:            opts.BatchSize,
	})
	if err != nil {
		return nil, fmt.Errorf("select memories: %w", err)
	}

	stats := &Stats{DryRun: opts.DryRun, BySource: map[string]*SourceResult{}}
	if len(mems) == 0 {
		s.logger.Info("no old memories to consolidate")
		return stats, nil
	}

	groups := map[string][]model.Memory{}
	var sources []string
	for _, m := range mems {
		if _, ok := groups[m.Source]; !ok {
			sources = append(sources, m.Source)
		}
		groups[m.Source] = append(groups[m.Source], m)
	}
	sort.Strings(sources)

	for _, source := range sources {
		group := groups[source]
		res := &SourceResult{Count: len(group)}
		stats.BySource[source] = res

		if opts.DryRun {
			stats.Consolidated += len(group)
			continue
		}

		summary, err := s.store.Replace(ctx, SummaryParams(source, group), ids(group))
		if err != nil {
			res.Error = err.Error()
			s.logger.Warn("consolidation failed for source",
				zap.String("source", source), zap.Int("count", len(group)), zap.Error(err))
			continue
		}
		res.SummaryID = summary.ID
		stats.Consolidated += len(group)
		stats.Deleted += len(group)
		stats.SummariesCreated++
		stats.Summaries = append(stats.Summaries, *summary)
		stats.DeletedIDs = append(stats.DeletedIDs, ids(group)...)
		s.logger.Info("consolidated source",
			zap.String("source", source), zap.Int("count", len(group)), zap.String("summary_id", summary.ID))
	}
	return stats, nil
}

// SummaryParams builds the summary memory for a source group ordered oldest
// first.
func SummaryParams(source string, group []model.Memory) store.InsertParams {
	first, last := group[0].CreatedAt.UTC(), group[len(group)-1].CreatedAt.UTC()
	return store.InsertParams{
		Source:       model.SummarySource(source),
		Modality:     "text",
		Content:      Digest(source, group),
		PrivacyLabel: model.PrivacyPrivate,
		Metadata: map[string]any{
			"consolidated_count": len(group),
			"date_range": map[string]any{
				"start": first.Format(time.RFC3339),
				"end":   last.Format(time.RFC3339),
			},
		},
	}
}

// Digest renders the summary text: period, total, and up to ten entries
// picked at a fixed stride across the group.
func Digest(source string, group []model.Memory) string {
	n := len(group)
	lines := []string{
		"Memory consolidation summary for " + source,
		fmt.Sprintf("Period: %s to %s",
			group[0].CreatedAt.UTC().Format("2006-01-02"),
			group[n-1].CreatedAt.UTC().Format("2006-01-02")),
		fmt.Sprintf("Total events: %d", n),
		"",
		"Events:",
	}

	sample := min(sampleSize, n)
	for _, m := range Sample(group, sample) {
		lines = append(lines, "  - "+truncate(m.Content, sampleTextLen))
	}
	if n > sample {
		lines = append(lines, fmt.Sprintf("  ... and %d more events", n-sample))
	}
	return strings.Join(lines, "\n")
}

// Sample takes every (len/size)-th element starting at the first, capped at
// size elements.
func Sample[T any](items []T, size int) []T {
	if size <= 0 || len(items) == 0 {
		return nil
	}
	step := max(len(items)/size, 1)
	var out []T
	for i := 0; i < len(items) && len(out) < size; i += step {
		out = append(out, items[i])
	}
	return out
}

// OptimizeEmbeddings re-embeds memories holding fallback, undersized,
// missing or stale vectors. It does nothing unless the active provider is a
// real model. With dryRun it only counts candidates.
func (s *Service) OptimizeEmbeddings(ctx context.Context, dryRun bool) (int, error) {
	if s.embedder == nil || !s.embedder.Semantic() {
		s.logger.Warn("no embedding model available, skipping optimization")
		return 0, nil
	}

	mems, err := s.store.List(ctx, store.ListParams{OldestFirst: true})
	if err != nil {
		return 0, fmt.Errorf("list memories: %w", err)
	}

	updated := 0
	for i := range mems {
		m := &mems[i]
		if !s.needsUpgrade(m) {
			continue
		}
		if dryRun {
			updated++
			continue
		}

		vec, producer, err := embedding.EmbedDocument(ctx, s.embedder, m.Content)
		if err != nil {
			return updated, fmt.Errorf("re-embed %s: %w", m.ID, err)
		}
		if producer == embedding.HashName {
			s.logger.Warn("embedding model unavailable, stopping optimization", zap.Int("updated", updated))
			return updated, nil
		}
		if err := s.store.UpdateEmbedding(ctx, m.ID, vec, producer); err != nil {
			return updated, fmt.Errorf("store embedding %s: %w", m.ID, err)
		}
		updated++
	}
	s.logger.Info("optimized embeddings", zap.Int("count", updated), zap.Bool("dry_run", dryRun))
	return updated, nil
}

func (s *Service) needsUpgrade(m *model.Memory) bool {
	switch {
	case len(m.Embedding) == 0:
		return true
	case len(m.Embedding) < s.cfg.SemanticMinDims:
		return true
	case m.EmbeddingModel == embedding.HashName:
		return true
	case s.embedder.Dims() > 0 && len(m.Embedding) != s.embedder.Dims():
		return true
	}
	return false
}

// MaintenanceOptions controls a maintenance run.
type MaintenanceOptions struct {
	Consolidate Options
	DryRun      bool
}

// MaintenanceReport summarizes cleanup, consolidation and optimization.
// Errors maps a step name to its failure; later steps still run.
type MaintenanceReport struct {
	ExpiredDeleted      int               `json:"expired_deleted"`
	Consolidated        int               `json:"consolidated"`
	EmbeddingsOptimized int               `json:"embeddings_optimized"`
	DryRun              bool              `json:"dry_run"`
	Cleanup             *CleanupResult    `json:"cleanup,omitempty"`
	Consolidation       *Stats            `json:"consolidation,omitempty"`
	Errors              map[string]string `json:"errors,omitempty"`
}

// RunMaintenance runs cleanup, then consolidation, then optimization. Step
// failures land in the report; the error is only set when ctx is done.
func (s *Service) RunMaintenance(ctx context.Context, opts MaintenanceOptions) (*MaintenanceReport, error) {
	opts.Consolidate.DryRun = opts.DryRun
	report := &MaintenanceReport{DryRun: opts.DryRun}
	fail := func(step string, err error) {
		if report.Errors == nil {
			report.Errors = map[string]string{}
		}
		report.Errors[step] = err.Error()
		s.logger.Error("maintenance step failed", zap.String("step", step), zap.Error(err))
	}

	s.logger.Info("starting memory maintenance", zap.Bool("dry_run", opts.DryRun))

	if res, err := s.CleanupExpired(ctx, opts.DryRun); err != nil {
		fail("cleanup", err)
	} else {
		report.Cleanup = res
		report.ExpiredDeleted = res.Count
	}

	if st, err := s.Consolidate(ctx, opts.Consolidate); err != nil {
		fail("consolidate", err)
	} else {
		report.Consolidation = st
		report.Consolidated = st.Consolidated
		if st.Failed() {
			fail("consolidate", fmt.Errorf("one or more sources failed"))
		}
	}

	if n, err := s.OptimizeEmbeddings(ctx, opts.DryRun); err != nil {
		report.EmbeddingsOptimized = n
		fail("optimize", err)
	} else {
		report.EmbeddingsOptimized = n
	}

	s.logger.Info("memory maintenance complete",
		zap.Int("expired_deleted", report.ExpiredDeleted),
		zap.Int("consolidated", report.Consolidated),
		zap.Int("embeddings_optimized", report.EmbeddingsOptimized))
	return report, ctx.Err()
}

func ids(group []model.Memory) []string {
	out := make([]string, len(group))
	for i, m := range group {
		out[i] = m.ID
	}
	return out
}

// truncate cuts s to at most n runes.
func truncate(s string, n int) string {
	r := []rune(s)
	if len(r) <= n {
		return s
	}
	return string(r[:n])
}
