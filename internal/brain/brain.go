// Package brain is the single handle collaborators use to store, search and
// maintain memories. It wires the store, retrieval, pipeline, consolidation,
// partitions and answering together.
package brain

import (
	"context"
	"errors"
	"fmt"
	"time"

	"go.uber.org/zap"

	"github.com/rcliao/brain-memory/internal/consolidation"
	"github.com/rcliao/brain-memory/internal/embedding"
	"github.com/rcliao/brain-memory/internal/model"
	"github.com/rcliao/brain-memory/internal/partition"
	"github.com/rcliao/brain-memory/internal/pipeline"
	"github.com/rcliao/brain-memory/internal/rag"
	"github.com/rcliao/brain-memory/internal/retrieval"
	"github.com/rcliao/brain-memory/internal/store"
)

// DefaultEmbedBatchSize is the base batch size handed to the resource
// manager when splitting embedding work.
const DefaultEmbedBatchSize = 32

// ErrNotFound is returned for operations on unknown memory ids.
var ErrNotFound = store.ErrNotFound

// PartitionIndex is the secondary partition index kept in sync with the
// store.
type PartitionIndex interface {
	Store(ctx context.Context, m model.Memory, keys []string) ([]string, error)
	Forget(ctx context.Context, ids []string) (int, error)
	CleanupOldPartitions(ctx context.Context, retentionDays int) ([]string, error)
}

// Deps are the collaborators a Service is built from. Only Store and
// Embedder are required; Partitions stays off when nil.
type Deps struct {
	Store         store.Store
	Embedder      embedding.Provider
	Retrieval     *retrieval.Engine
	Consolidation *consolidation.Service
	Partitions    PartitionIndex
	RAG           *rag.Orchestrator
	Resources     *pipeline.ResourceManager

	Pipeline       pipeline.Config
	EmbedBatchSize int
	RetentionDays  int
	Logger         *zap.Logger
}

// Service exposes memory operations.
type Service struct {
	store         store.Store
	embedder      embedding.Provider
	retrieval     *retrieval.Engine
	consolidation *consolidation.Service
	partitions    PartitionIndex
	rag           *rag.Orchestrator
	resources     *pipeline.ResourceManager
	pipeline      *pipeline.Pipeline

	embedBatchSize int
	retentionDays  int
	logger         *zap.Logger
}

// New builds a Service and its pipeline. The pipeline is not started.
func New(d Deps) (*Service, error) {
	if d.Store == nil || d.Embedder == nil {
		return nil, errors.New("brain: store and embedder are required")
	}
	if d.Logger == nil {
		d.Logger = zap.NewNop()
	}
	if d.Retrieval == nil {
		d.Retrieval = retrieval.New(d.Store, d.Embedder, retrieval.DefaultConfig(), d.Logger)
	}
	if d.Consolidation == nil {
		d.Consolidation = consolidation.New(d.Store, d.Embedder, consolidation.Config{}, d.Logger)
	}
	if d.RAG == nil {
		d.RAG = rag.New(d.Retrieval, d.Store, nil, rag.DefaultConfig(), d.Logger)
	}
	if d.Resources == nil {
		d.Resources = pipeline.NewResourceManager(pipeline.ResourceLimits{})
	}
	if d.EmbedBatchSize <= 0 {
		d.EmbedBatchSize = DefaultEmbedBatchSize
	}
	if d.RetentionDays <= 0 {
		d.RetentionDays = partition.DefaultRetentionDays
	}

	s := &Service{
		store:          d.Store,
		embedder:       d.Embedder,
		retrieval:      d.Retrieval,
		consolidation:  d.Consolidation,
		partitions:     d.Partitions,
		rag:            d.RAG,
		resources:      d.Resources,
		embedBatchSize: d.EmbedBatchSize,
		retentionDays:  d.RetentionDays,
		logger:         d.Logger,
	}
	s.pipeline = pipeline.New(d.Pipeline, map[string]pipeline.Handler{
		pipeline.TypeEmbedding:      s.handleEmbedding,
		pipeline.TypeBatchEmbedding: s.handleBatchEmbedding,
		pipeline.TypeIndexing:       s.handleIndexing,
		pipeline.TypeConsolidation:  s.handleConsolidation,
	}, d.Logger)
	return s, nil
}

// Start starts the pipeline workers.
func (s *Service) Start() { s.pipeline.Start() }

// Close stops the pipeline, abandoning queued tasks, closes storage and
// releases the embedder's cache.
func (s *Service) Close() error {
	s.pipeline.Stop()
	var errs []error
	if c, ok := s.partitions.(interface{ Close() error }); ok {
		errs = append(errs, c.Close())
	}
	errs = append(errs, s.store.Close())
	if c, ok := s.embedder.(interface{ Close() }); ok {
		c.Close()
	}
	return errors.Join(errs...)
}

// StoreRequest describes a memory to store.
type StoreRequest struct {
	Content      string         `json:"content"`
	Source       string         `json:"source"`
	Modality     string         `json:"modality,omitempty"`
	Metadata     map[string]any `json:"metadata,omitempty"`
	PrivacyLabel string         `json:"privacy_label,omitempty"`
	TTLSeconds   *int64         `json:"ttl_seconds,omitempty"`
}

// StoreMemory validates, embeds and stores a memory, then indexes it into
// its partitions. Partition failures are logged only.
func (s *Service) StoreMemory(ctx context.Context, req StoreRequest) (*model.Memory, error) {
	m, err := s.store.Insert(ctx, store.InsertParams{
		Source:       req.Source,
		Modality:     req.Modality,
		Content:      req.Content,
		Metadata:     req.Metadata,
		PrivacyLabel: req.PrivacyLabel,
		TTLSeconds:   req.TTLSeconds,
	})
	if err != nil {
		return nil, err
	}
	s.index(ctx, *m)
	return m, nil
}

// Get returns one memory.
func (s *Service) Get(ctx context.Context, id string) (*model.Memory, error) {
	return s.store.Get(ctx, id)
}

// Hit is one search result.
type Hit struct {
	ID         string         `json:"id"`
	Content    string         `json:"content"`
	Source     string         `json:"source"`
	Similarity float64        `json:"similarity"`
	Metadata   map[string]any `json:"metadata,omitempty"`
	CreatedAt  time.Time      `json:"created_at"`
}

// SearchMemories ranks memories by similarity to the query. It never fails.
func (s *Service) SearchMemories(ctx context.Context, p retrieval.SearchParams) []Hit {
	results := s.retrieval.Search(ctx, p)
	hits := make([]Hit, 0, len(results))
	for _, r := range results {
		hits = append(hits, Hit{
			ID:         r.Memory.ID,
			Content:    r.Memory.Content,
			Source:     r.Memory.Source,
			Similarity: r.Score,
			Metadata:   r.Memory.Metadata,
			CreatedAt:  r.Memory.CreatedAt,
		})
	}
	return hits
}

// GetContext returns a formatted context block for prompting, or "" when
// nothing clears the context floor.
func (s *Service) GetContext(ctx context.Context, query string, maxItems int, privacy []string) string {
	return s.retrieval.RelevantContext(ctx, query, maxItems, privacy)
}

// Ask answers a question from memory. With remember set, the exchange is
// stored as a conversation memory.
func (s *Service) Ask(ctx context.Context, query string, remember bool) *rag.Response {
	resp := s.rag.Answer(ctx, query)
	if remember && !resp.Fallback {
		m, err := s.rag.RememberExchange(ctx, query, resp.Text, nil)
		if err != nil {
			s.logger.Warn("failed to store conversation", zap.Error(err))
		} else {
			s.index(ctx, *m)
		}
	}
	return resp
}

// UpdatePrivacy relabels a memory.
func (s *Service) UpdatePrivacy(ctx context.Context, id, label string) error {
	ok, err := s.store.UpdatePrivacy(ctx, id, label)
	if err != nil {
		return err
	}
	if !ok {
		return fmt.Errorf("%w: %s", ErrNotFound, id)
	}
	if m, err := s.store.Get(ctx, id); err == nil {
		s.index(ctx, *m)
	}
	return nil
}

// DeleteMemory removes a memory and its partition entries.
func (s *Service) DeleteMemory(ctx context.Context, id string) (bool, error) {
	ok, err := s.store.Delete(ctx, id)
	if err != nil || !ok {
		return ok, err
	}
	s.forget(ctx, []string{id})
	return true, nil
}

// Timeline lists recent memories newest first.
func (s *Service) Timeline(ctx context.Context, p retrieval.TimelineParams) ([]model.Memory, error) {
	return s.retrieval.Timeline(ctx, p)
}

// Reindex writes the current state of the given memories into their
// partitions, skipping ids the store does not have. Returns how many were
// indexed.
func (s *Service) Reindex(ctx context.Context, ids []string) (int, error) {
	if s.partitions == nil {
		return 0, nil
	}
	n := 0
	for _, id := range ids {
		m, err := s.store.Get(ctx, id)
		if errors.Is(err, ErrNotFound) {
			continue
		}
		if err != nil {
			return n, err
		}
		if _, err := s.partitions.Store(ctx, *m, nil); err != nil {
			return n, fmt.Errorf("reindex %s: %w", id, err)
		}
		n++
	}
	return n, nil
}

// Report is a maintenance run with partition upkeep.
type Report struct {
	*consolidation.MaintenanceReport
	PartitionEntriesForgotten int      `json:"partition_entries_forgotten"`
	PartitionsRemoved         []string `json:"partitions_removed,omitempty"`
}

// RunMaintenance deletes expired memories, consolidates old ones, upgrades
// fallback embeddings, then brings partitions in line: deleted ids are
// forgotten, new summaries indexed, and expired time partitions dropped.
func (s *Service) RunMaintenance(ctx context.Context, opts consolidation.MaintenanceOptions) (*Report, error) {
	mr, err := s.consolidation.RunMaintenance(ctx, opts)
	report := &Report{MaintenanceReport: mr}
	if err != nil || opts.DryRun || s.partitions == nil {
		return report, err
	}

	var gone []string
	if mr.Cleanup != nil {
		gone = append(gone, mr.Cleanup.IDs...)
	}
	if mr.Consolidation != nil {
		gone = append(gone, mr.Consolidation.DeletedIDs...)
		for _, summary := range mr.Consolidation.Summaries {
			s.index(ctx, summary)
		}
	}
	report.PartitionEntriesForgotten = s.forget(ctx, gone)

	removed, err := s.partitions.CleanupOldPartitions(ctx, s.retentionDays)
	if err != nil {
		s.logger.Warn("partition retention failed", zap.Error(err))
		if mr.Errors == nil {
			mr.Errors = map[string]string{}
		}
		mr.Errors["partitions"] = err.Error()
	}
	report.PartitionsRemoved = removed
	return report, nil
}

func (s *Service) index(ctx context.Context, m model.Memory) {
	if s.partitions == nil {
		return
	}
	if _, err := s.partitions.Store(ctx, m, nil); err != nil {
		s.logger.Warn("partition index failed", zap.String("id", m.ID), zap.Error(err))
	}
}

func (s *Service) forget(ctx context.Context, ids []string) int {
	if s.partitions == nil || len(ids) == 0 {
		return 0
	}
	n, err := s.partitions.Forget(ctx, ids)
	if err != nil {
		s.logger.Warn("partition forget failed", zap.Int("ids", len(ids)), zap.Error(err))
	}
	return n
}
